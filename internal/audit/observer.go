package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshrelay/meshrelay/internal/mesh"
	"github.com/meshrelay/meshrelay/internal/metrics"
	"github.com/meshrelay/meshrelay/internal/outbox"
)

// Sender routes a message to the uplink serving its destination.
type Sender interface {
	Send(msg mesh.Message, sender string) int
}

// observerRequest is a command received from an observer.
type observerRequest struct {
	Subscribe string         `json:"subscribe,omitempty"`
	Filter    map[string]any `json:"filter,omitempty"`
	SendMsg   string         `json:"send_msg,omitempty"`
}

const (
	observerWriteTimeout = 10 * time.Second
	observerQueueSize    = 64
)

// ObserverHandler serves the JSON websocket used by auditors and
// administrative tooling.
type ObserverHandler struct {
	ctx      context.Context
	cancel   context.CancelFunc
	hub      *Hub
	staging  *outbox.Store
	sender   Sender
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewObserverHandler creates the observer endpoint. staging and sender may
// be nil, in which case send_msg requests are ignored.
func NewObserverHandler(hub *Hub, staging *outbox.Store, sender Sender, m *metrics.Metrics) *ObserverHandler {
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ObserverHandler{
		ctx:     ctx,
		cancel:  cancel,
		hub:     hub,
		staging: staging,
		sender:  sender,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *ObserverHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("Observer upgrade failed: %v", err)
		return
	}
	o := newObserver(h, conn)
	o.run(h.ctx)
}

// Close disconnects every observer.
func (h *ObserverHandler) Close() {
	h.cancel()
}

// observer is one connected observer. The read loop owns the subscriptions,
// at most one per stream; a single goroutine writes to the socket.
type observer struct {
	h    *ObserverHandler
	id   string
	conn *websocket.Conn
	out  chan Event

	subs map[Stream]*Subscription
	// ownSent is the msg_sent subscription filtered to this observer's sends.
	ownSent *Subscription
	wg      sync.WaitGroup
}

func newObserver(h *ObserverHandler, conn *websocket.Conn) *observer {
	return &observer{
		h:    h,
		id:   "observer-" + uuid.NewString(),
		conn: conn,
		out:  make(chan Event, observerQueueSize),
		subs: make(map[Stream]*Subscription),
	}
}

func (o *observer) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	o.h.metrics.ObserverConnections.Inc()
	log.Infof("Observer %s connected from %s", o.id, o.conn.RemoteAddr())

	// Closing the socket unblocks the read loop.
	go func() {
		<-ctx.Done()
		o.conn.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		o.writeLoop(ctx)
		cancel()
	}()

	o.readLoop(ctx)
	cancel()

	for _, sub := range o.subs {
		o.h.hub.Unsubscribe(sub)
	}
	o.wg.Wait()
	<-writerDone

	o.h.metrics.ObserverConnections.Dec()
	log.Infof("Observer %s disconnected", o.id)
}

func (o *observer) readLoop(ctx context.Context) {
	for {
		_, data, err := o.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Debugf("Observer %s read failed: %v", o.id, err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		var req observerRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Debugf("Observer %s sent invalid JSON: %v", o.id, err)
			continue
		}
		o.handle(ctx, req)
	}
}

func (o *observer) handle(ctx context.Context, req observerRequest) {
	if req.Subscribe != "" {
		stream, err := ParseStream(req.Subscribe)
		if err != nil {
			log.Debugf("Observer %s: %v", o.id, err)
			return
		}
		filter, err := ParseFilter(req.Filter)
		if err != nil {
			log.Debugf("Observer %s: %v", o.id, err)
			return
		}
		o.subscribe(ctx, stream, filter)
		log.Debugf("Observer %s subscribed to %s", o.id, stream)
	}

	if req.SendMsg != "" {
		o.sendStaged(ctx, req.SendMsg)
	}
}

// subscribe replaces any earlier subscription to stream.
func (o *observer) subscribe(ctx context.Context, stream Stream, filter Filter) *Subscription {
	if old, ok := o.subs[stream]; ok {
		o.h.hub.Unsubscribe(old)
	}
	sub := o.h.hub.Subscribe(stream, filter)
	o.subs[stream] = sub
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for ev := range sub.C() {
			select {
			case o.out <- ev:
			case <-ctx.Done():
				// Drain until Unsubscribe closes the channel.
			}
		}
	}()
	return sub
}

// sendStaged redeems token and sends one message per recipient. The
// observer's msg_sent subscription is narrowed to its own sends.
func (o *observer) sendStaged(ctx context.Context, token string) {
	if o.h.staging == nil || o.h.sender == nil {
		log.Warnf("Observer %s requested send_msg but sending is disabled", o.id)
		return
	}
	staged, err := o.h.staging.Resolve(token)
	if err != nil {
		if errors.Is(err, outbox.ErrUnknownToken) {
			log.Debugf("Observer %s: %v", o.id, err)
		}
		return
	}
	msgs, err := staged.Build()
	if err != nil {
		log.Warnf("Observer %s: %v", o.id, err)
		return
	}

	if o.ownSent == nil || o.subs[StreamMsgSent] != o.ownSent {
		o.ownSent = o.subscribe(ctx, StreamMsgSent, Filter{"sender": {o.id}})
	}

	for _, msg := range msgs {
		n := o.h.sender.Send(msg, o.id)
		log.Debugf("Observer %s sent %s to %s (%d uplinks)", o.id, msg.Type(), msg.MessageHeader().Dst, n)
	}
}

func (o *observer) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.out:
			o.conn.SetWriteDeadline(time.Now().Add(observerWriteTimeout))
			if err := o.conn.WriteJSON(ev); err != nil {
				log.Debugf("Observer %s write failed: %v", o.id, err)
				return
			}
		}
	}
}
