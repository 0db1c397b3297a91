// Package groups provides the publish/subscribe grouping primitive used to
// route traffic to uplink sessions and to hand node ownership between them.
//
// Each session registers a Mailbox under its session id and joins topics.
// Publish delivers an event to the mailbox of every session joined to the
// topic at the moment of the call.
package groups

import (
	"encoding/hex"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/meshrelay/meshrelay/internal/mesh"
)

var log = logging.Logger("meshrelay-groups")

// BroadcastTopic reaches every signed-in uplink.
const BroadcastTopic = "mesh_broadcast"

const nodeTopicPrefix = "mesh_comm_"

// NodeTopic is the topic of sessions interested in traffic for addr.
func NodeTopic(addr mesh.Address) string {
	return nodeTopicPrefix + hex.EncodeToString(addr[:])
}

// TopicFor returns the topic a message to dst is published on.
func TopicFor(dst mesh.Address) string {
	if dst == mesh.BroadcastAddress {
		return BroadcastTopic
	}
	return NodeTopic(dst)
}

// Broker is the grouping primitive sessions coordinate through.
type Broker interface {
	// Register creates the mailbox for session id.
	Register(id string) *Mailbox
	// Unregister drops the mailbox and every membership of id.
	Unregister(id string)
	Join(topic, id string)
	Leave(topic, id string)
	// Publish delivers ev to every member and returns how many received it.
	Publish(topic string, ev Event) int
}

// Local is an in-process Broker.
type Local struct {
	mu          sync.RWMutex
	topics      map[string]map[string]struct{}
	memberships map[string]map[string]struct{}
	mailboxes   map[string]*Mailbox
}

// NewLocal creates an empty in-process broker.
func NewLocal() *Local {
	return &Local{
		topics:      make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
		mailboxes:   make(map[string]*Mailbox),
	}
}

func (l *Local) Register(id string) *Mailbox {
	l.mu.Lock()
	defer l.mu.Unlock()

	if mb, ok := l.mailboxes[id]; ok {
		return mb
	}
	mb := newMailbox()
	l.mailboxes[id] = mb
	return mb
}

func (l *Local) Unregister(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for topic := range l.memberships[id] {
		l.removeLocked(topic, id)
	}
	delete(l.memberships, id)

	if mb, ok := l.mailboxes[id]; ok {
		mb.close()
		delete(l.mailboxes, id)
	}
}

func (l *Local) Join(topic, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	members, ok := l.topics[topic]
	if !ok {
		members = make(map[string]struct{})
		l.topics[topic] = members
	}
	members[id] = struct{}{}

	joined, ok := l.memberships[id]
	if !ok {
		joined = make(map[string]struct{})
		l.memberships[id] = joined
	}
	joined[topic] = struct{}{}
}

func (l *Local) Leave(topic, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.removeLocked(topic, id)
	if joined, ok := l.memberships[id]; ok {
		delete(joined, topic)
		if len(joined) == 0 {
			delete(l.memberships, id)
		}
	}
}

func (l *Local) removeLocked(topic, id string) {
	members, ok := l.topics[topic]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(l.topics, topic)
	}
}

// Publish enqueues ev for every member while holding the membership lock, so
// a concurrent Join or Leave is ordered entirely before or after it.
func (l *Local) Publish(topic string, ev Event) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	delivered := 0
	for id := range l.topics[topic] {
		mb, ok := l.mailboxes[id]
		if !ok {
			log.Debugf("Member %s of %s has no mailbox", id, topic)
			continue
		}
		if mb.push(Delivery{Topic: topic, Event: ev}) {
			delivered++
		}
	}
	return delivered
}

// Members returns the session ids joined to topic.
func (l *Local) Members(topic string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.topics[topic]))
	for id := range l.topics[topic] {
		out = append(out, id)
	}
	return out
}

// IsMember reports whether id is joined to topic.
func (l *Local) IsMember(topic, id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.topics[topic][id]
	return ok
}

// Router publishes mesh messages to the sessions serving their destination.
type Router struct {
	broker Broker
}

// NewRouter creates a Router over broker.
func NewRouter(broker Broker) *Router {
	return &Router{broker: broker}
}

// Send routes msg by its destination address. sender identifies the
// originator in the resulting msg_sent audit events.
func (r *Router) Send(msg mesh.Message, sender string) int {
	dst := msg.MessageHeader().Dst
	n := r.broker.Publish(TopicFor(dst), SendEvent{Message: msg, Sender: sender})
	if n == 0 {
		log.Infof("No uplink serves %s, dropping %s", dst, msg.Type())
	}
	return n
}
