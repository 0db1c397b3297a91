// Package mesh implements the binary message protocol spoken by mesh nodes
// and their uplink gateways.
//
// # Overview
//
// Every frame starts with a fixed header followed by a kind-specific payload:
//
//	[dst(6)][src(6)][type(1)][payload...]
//
// Integers are little-endian. Variable strings carry a one-byte length
// prefix, fixed-width strings are NUL padded, and booleans are a single byte
// that must be 0 or 1.
//
// # Addresses
//
// Addresses are six bytes and render as aa:bb:cc:dd:ee:ff. Three values are
// reserved for the relay:
//   - RootAddress: the relay itself
//   - ParentAddress: the uplink-facing peer of a node
//   - BroadcastAddress: every node
//
// Frames whose destination is neither root nor parent are not processed by
// the relay.
//
// # Messages
//
// Message is a closed set of pointer types, one per MessageType. Decode
// returns ErrMalformedMessage (wrapped) for short frames, unknown tags, bad
// payload lengths and out of range fields. Encode never fails:
//
//	frame := mesh.Encode(&mesh.SignIn{Header: mesh.Header{Dst: mesh.RootAddress, Src: addr}})
//	msg, err := mesh.Decode(frame)
//
// MarshalJSON and UnmarshalJSON convert messages to the JSON shape used by
// the audit feed and the message log.
package mesh
