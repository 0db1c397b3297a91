package audit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/meshrelay/meshrelay/internal/mesh"
	"github.com/meshrelay/meshrelay/internal/metrics"
)

var log = logging.Logger("meshrelay-audit")

// DefaultBufferSize is the per-subscription queue length.
const DefaultBufferSize = 256

// Subscription is one observer's view of a stream.
type Subscription struct {
	id      uint64
	stream  Stream
	filter  compiledFilter
	ch      chan Event
	dropped atomic.Uint64
}

// C delivers matching events in publish order. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Stream returns the stream the subscription reads.
func (s *Subscription) Stream() Stream { return s.stream }

// Dropped returns how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Hub fans events out to subscriptions.
type Hub struct {
	mu      sync.RWMutex
	subs    map[Stream]map[uint64]*Subscription
	nextID  uint64
	buffer  int
	taps    []func(Event)
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewHub creates a Hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		subs: map[Stream]map[uint64]*Subscription{
			StreamLog:         {},
			StreamMsgSent:     {},
			StreamMsgReceived: {},
		},
		buffer:  buffer,
		metrics: m,
		now:     time.Now,
	}
}

// Subscribe starts a subscription on stream.
func (h *Hub) Subscribe(stream Stream, filter Filter) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		stream: stream,
		filter: filter.compile(),
		ch:     make(chan Event, h.buffer),
	}
	if h.subs[stream] == nil {
		h.subs[stream] = make(map[uint64]*Subscription)
	}
	h.subs[stream][sub.id] = sub
	return sub
}

// Unsubscribe stops sub and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.stream][sub.id]; !ok {
		return
	}
	delete(h.subs[sub.stream], sub.id)
	close(sub.ch)
}

// Tap registers fn to be called with every locally produced event.
func (h *Hub) Tap(fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.taps = append(h.taps, fn)
}

// Publish delivers ev to every matching subscription without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	for _, sub := range h.subs[ev.Stream] {
		if !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			h.metrics.ObserverEventsDropped.WithLabelValues(string(ev.Stream)).Inc()
		}
	}
	var taps []func(Event)
	if ev.Origin == "" {
		taps = h.taps
	}
	h.mu.RUnlock()

	for _, fn := range taps {
		fn(ev)
	}
}

// Subscribers returns the number of subscriptions on stream.
func (h *Hub) Subscribers(stream Stream) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[stream])
}

// Log publishes a log entry.
func (h *Hub) Log(channel string, uplink, node *mesh.Address, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	log.Debugf("[%s] %s", channel, text)
	h.Publish(LogEvent(channel, uplink, node, text, h.now()))
}

// MsgSent publishes a msg_sent event.
func (h *Hub) MsgSent(channel, sender string, uplink mesh.Address, msg mesh.Message) {
	h.Publish(MsgSentEvent(channel, sender, uplink, msg, h.now()))
}

// MsgReceived publishes a msg_received event.
func (h *Hub) MsgReceived(channel string, uplink mesh.Address, msg mesh.Message) {
	h.Publish(MsgReceivedEvent(channel, uplink, msg, h.now()))
}
