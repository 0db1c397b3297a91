package mesh

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MarshalJSON renders m as a JSON object carrying a "msg_type" discriminator
// next to its addressing and payload fields.
func MarshalJSON(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", m.Type(), err)
	}
	out := make([]byte, 0, len(body)+32)
	out = append(out, `{"msg_type":`...)
	out = append(out, strconv.Quote(m.Type().String())...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// UnmarshalJSON is the inverse of MarshalJSON.
func UnmarshalJSON(data []byte) (Message, error) {
	var tagged struct {
		MsgType string `json:"msg_type"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("invalid message json: %w", err)
	}
	t, err := ParseMessageType(tagged.MsgType)
	if err != nil {
		return nil, err
	}
	m := newMessage(t)
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("invalid %s json: %w", t, err)
	}
	return m, nil
}

// Clone returns a deep copy of m.
func Clone(m Message) Message {
	c, err := Decode(Encode(m))
	if err != nil {
		// Values outside the wire ranges do not survive a round trip.
		return m
	}
	return c
}
