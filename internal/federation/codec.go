package federation

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/meshrelay/meshrelay/internal/audit"
)

// ErrBadEnvelope is returned for payloads that are not federated events.
var ErrBadEnvelope = errors.New("bad federation envelope")

// envelope is the wire form of an audit event on the federation topic.
type envelope struct {
	Stream string         `cbor:"1,keyasint"`
	Fields map[string]any `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	// Nested maps decode with string keys so filters see the same shapes
	// as for local events.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeEvent serializes a local event for publication.
func EncodeEvent(ev audit.Event) ([]byte, error) {
	return encMode.Marshal(envelope{Stream: string(ev.Stream), Fields: ev.Fields})
}

// DecodeEvent parses a federated event and marks it as produced by origin.
func DecodeEvent(data []byte, origin string) (audit.Event, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return audit.Event{}, fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	stream, err := audit.ParseStream(env.Stream)
	if err != nil {
		return audit.Event{}, fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	if env.Fields == nil {
		env.Fields = map[string]any{}
	}
	return audit.Event{Stream: stream, Fields: env.Fields, Origin: origin}, nil
}
