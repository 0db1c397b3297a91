package groups

import (
	"sync"

	"github.com/meshrelay/meshrelay/internal/mesh"
)

// Event is a payload published on a topic.
type Event interface {
	isEvent()
}

// SendEvent asks the owning session to write Message to its uplink.
type SendEvent struct {
	Message mesh.Message
	Sender  string
}

// OwnershipTransfer announces that Session now serves Address. Every other
// member of the address topic steps aside when it receives one, unless the
// directory still records that member's own claim.
type OwnershipTransfer struct {
	Address mesh.Address
	Session string
	Uplink  mesh.Address
}

// UplinkTakeover announces that Session signed in as Uplink. Older sessions
// for the same uplink step aside.
type UplinkTakeover struct {
	Uplink  mesh.Address
	Session string
}

func (SendEvent) isEvent()         {}
func (OwnershipTransfer) isEvent() {}
func (UplinkTakeover) isEvent()    {}

// Delivery is an event together with the topic it arrived on.
type Delivery struct {
	Topic string
	Event Event
}

// Mailbox is an unbounded FIFO of deliveries for one session. Pushes never
// block the publisher.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Delivery
	notify chan struct{}
	closed bool
}

func newMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

func (m *Mailbox) push(d Delivery) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, d)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled after pushes; call Drain to collect them.
func (m *Mailbox) Ready() <-chan struct{} {
	return m.notify
}

// Drain removes and returns every pending delivery in publish order.
func (m *Mailbox) Drain() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}

// Len returns the number of pending deliveries.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.queue = nil
}
