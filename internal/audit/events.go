package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshrelay/meshrelay/internal/mesh"
)

// Stream names an independent event feed.
type Stream string

// Event streams
const (
	StreamLog         Stream = "log"
	StreamMsgSent     Stream = "msg_sent"
	StreamMsgReceived Stream = "msg_received"
)

// Event type identifiers as they appear in the "type" field.
const (
	TypeLogEntry    = "mesh.log_entry"
	TypeMsgSent     = "mesh.msg_sent"
	TypeMsgReceived = "mesh.msg_received"
)

// TimestampFormat renders event timestamps, e.g. 19.10.26 14:03:07.123456.
const TimestampFormat = "02.01.06 15:04:05.000000"

// ParseStream validates a stream name.
func ParseStream(s string) (Stream, error) {
	switch Stream(s) {
	case StreamLog, StreamMsgSent, StreamMsgReceived:
		return Stream(s), nil
	}
	return "", fmt.Errorf("unknown stream %q", s)
}

func (s Stream) eventType() string {
	switch s {
	case StreamMsgSent:
		return TypeMsgSent
	case StreamMsgReceived:
		return TypeMsgReceived
	}
	return TypeLogEntry
}

// Event is one entry of an audit stream. Fields holds JSON-compatible values
// that observers filter on.
type Event struct {
	Stream Stream
	Fields map[string]any
	// Origin is the relay that produced the event; empty for local events.
	Origin string
}

// Field returns the value of a field, nil if absent.
func (e Event) Field(name string) any {
	return e.Fields[name]
}

// MarshalJSON renders the fields together with the event type.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Stream.eventType()
	if e.Origin != "" {
		out["relay"] = e.Origin
	}
	return json.Marshal(out)
}

func optionalAddress(a *mesh.Address) any {
	if a == nil {
		return nil
	}
	return a.String()
}

// LogEvent is a free-text entry about a session and, optionally, a node.
func LogEvent(channel string, uplink, node *mesh.Address, text string, ts time.Time) Event {
	return Event{
		Stream: StreamLog,
		Fields: map[string]any{
			"timestamp": ts.Format(TimestampFormat),
			"channel":   channel,
			"uplink":    optionalAddress(uplink),
			"node":      optionalAddress(node),
			"text":      text,
		},
	}
}

// MsgSentEvent records a message written to an uplink on behalf of sender.
func MsgSentEvent(channel, sender string, uplink mesh.Address, msg mesh.Message, ts time.Time) Event {
	return Event{
		Stream: StreamMsgSent,
		Fields: map[string]any{
			"timestamp": ts.Format(TimestampFormat),
			"channel":   channel,
			"sender":    sender,
			"uplink":    uplink.String(),
			"recipient": msg.MessageHeader().Dst.String(),
			"msg":       messageFields(msg),
		},
	}
}

// MsgReceivedEvent records a message received from an uplink.
func MsgReceivedEvent(channel string, uplink mesh.Address, msg mesh.Message, ts time.Time) Event {
	return Event{
		Stream: StreamMsgReceived,
		Fields: map[string]any{
			"timestamp": ts.Format(TimestampFormat),
			"channel":   channel,
			"uplink":    uplink.String(),
			"msg":       messageFields(msg),
		},
	}
}

func messageFields(msg mesh.Message) any {
	data, err := mesh.MarshalJSON(msg)
	if err != nil {
		log.Warnf("Failed to render %s for audit: %v", msg.Type(), err)
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	return fields
}
