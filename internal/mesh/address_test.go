package mesh

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{"00:00:00:00:00:00", RootAddress, false},
		{"FF:ff:ff:ff:ff:ff", BroadcastAddress, false},
		{"00:00:00:ff:ff:ff", ParentAddress, false},
		{"c0:ff:ee:00:00:01", Address{0xc0, 0xff, 0xee, 0, 0, 1}, false},
		{"c0:ff:ee:00:00", Address{}, true},
		{"c0:ff:ee:00:00:1", Address{}, true},
		{"zz:ff:ee:00:00:01", Address{}, true},
		{"", Address{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseAddress(%q) = %s, want %s", tt.in, got, tt.want)
			}
			if !strings.EqualFold(got.String(), tt.in) {
				t.Errorf("String() = %s, want %s", got, tt.in)
			}
		})
	}
}

func TestReservedAddresses(t *testing.T) {
	for _, a := range []Address{RootAddress, ParentAddress, BroadcastAddress} {
		if !a.IsReserved() {
			t.Errorf("%s should be reserved", a)
		}
	}
	if nodeA.IsReserved() {
		t.Errorf("%s should not be reserved", nodeA)
	}
	if !RootAddress.IsLocal() || !ParentAddress.IsLocal() {
		t.Error("root and parent must be local")
	}
	if BroadcastAddress.IsLocal() || nodeA.IsLocal() {
		t.Error("broadcast and node addresses must not be local")
	}
}

func TestMessageJSON(t *testing.T) {
	for _, m := range sampleMessages() {
		t.Run(m.Type().String(), func(t *testing.T) {
			data, err := MarshalJSON(m)
			if err != nil {
				t.Fatalf("MarshalJSON failed: %v", err)
			}
			var fields map[string]any
			if err := json.Unmarshal(data, &fields); err != nil {
				t.Fatalf("output is not a JSON object: %v (%s)", err, data)
			}
			if fields["msg_type"] != m.Type().String() {
				t.Errorf("msg_type = %v, want %s", fields["msg_type"], m.Type())
			}
			if fields["src"] != m.MessageHeader().Src.String() {
				t.Errorf("src = %v, want %s", fields["src"], m.MessageHeader().Src)
			}

			back, err := UnmarshalJSON(data)
			if err != nil {
				t.Fatalf("UnmarshalJSON failed: %v", err)
			}
			if !reflect.DeepEqual(back, m) {
				t.Errorf("json round trip mismatch:\n got  %#v\n want %#v", back, m)
			}
		})
	}
}

func TestUnmarshalJSONUnknownType(t *testing.T) {
	if _, err := UnmarshalJSON([]byte(`{"msg_type":"NOPE"}`)); err == nil {
		t.Error("expected error for unknown msg_type")
	}
}

func TestClone(t *testing.T) {
	orig := &AddDestinations{Header: hdr(RootAddress, nodeA), Addresses: []Address{nodeB}}
	c := Clone(orig).(*AddDestinations)
	c.Addresses[0] = nodeA
	c.Dst = BroadcastAddress
	if orig.Addresses[0] != nodeB || orig.Dst != RootAddress {
		t.Error("Clone shares state with the original")
	}
}
