// Package audit fans relay activity out to observers.
//
// # Overview
//
// The relay publishes three independent streams:
//   - log: free-text entries about sessions and nodes (type mesh.log_entry)
//   - msg_sent: messages written to an uplink (type mesh.msg_sent)
//   - msg_received: messages received from an uplink (type mesh.msg_received)
//
// Each observer holds its own Subscription per stream. Delivery is
// non-blocking: a subscription whose buffer is full loses the event, and
// other subscriptions are unaffected. Within one subscription events arrive
// in publish order.
//
// # Filters
//
// A subscription may carry a Filter mapping field names to allowed values:
//
//	{"uplink": "aa:00:00:00:00:01"}
//	{"uplink": ["aa:00:00:00:00:01", "bb:00:00:00:00:02"]}
//
// An event passes when every filtered field holds one of its allowed values.
// Missing fields compare as null.
//
// # Observer Protocol
//
// ObserverHandler speaks JSON over a websocket:
//
//	{"subscribe": "msg_received", "filter": {"uplink": "aa:00:00:00:00:01"}}
//	{"send_msg": "<token>"}
//
// send_msg redeems a token created by the outbox package and sends one
// message per staged recipient. The observer is subscribed to msg_sent with
// a filter on its own sender id so it sees each transmission.
package audit
