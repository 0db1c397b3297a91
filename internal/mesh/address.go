package mesh

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressLen is the size of a mesh address on the wire.
const AddressLen = 6

// Address identifies a node in the mesh.
type Address [AddressLen]byte

// Reserved addresses.
var (
	RootAddress      = Address{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	ParentAddress    = Address{0x00, 0x00, 0x00, 0xff, 0xff, 0xff}
	BroadcastAddress = Address{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// NoLayer is the layer value announced by the relay, which does not sit on
// any mesh layer.
const NoLayer uint8 = 0xFF

// ParseAddress parses an address in aa:bb:cc:dd:ee:ff form.
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ":")
	if len(parts) != AddressLen {
		return a, fmt.Errorf("invalid mesh address %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return a, fmt.Errorf("invalid mesh address %q", s)
		}
		b, err := hex.DecodeString(p)
		if err != nil {
			return a, fmt.Errorf("invalid mesh address %q: %w", s, err)
		}
		a[i] = b[0]
	}
	return a, nil
}

// MustParseAddress is like ParseAddress but panics on error. Intended for
// constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsReserved reports whether a is one of the relay's reserved addresses.
func (a Address) IsReserved() bool {
	return a == RootAddress || a == ParentAddress || a == BroadcastAddress
}

// IsLocal reports whether a frame sent to a is meant for the relay itself.
func (a Address) IsLocal() bool {
	return a == RootAddress || a == ParentAddress
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
