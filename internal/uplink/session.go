package uplink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meshrelay/meshrelay/internal/directory"
	"github.com/meshrelay/meshrelay/internal/groups"
	"github.com/meshrelay/meshrelay/internal/mesh"
	"github.com/meshrelay/meshrelay/internal/metrics"
)

// Session errors
var (
	ErrProtocolViolation     = errors.New("protocol violation")
	ErrForwardingUnsupported = errors.New("forwarding into the mesh is not supported")
	ErrSuperseded            = errors.New("uplink signed in on another connection")
)

// State is the authentication state of a session.
type State int32

const (
	StateUnauthenticated State = iota
	StateSignedIn
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateSignedIn:
		return "signed-in"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Conn is a message-oriented transport carrying one encoded frame per
// message.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
	RemoteAddr() string
}

// Session is the state machine bound to one uplink connection. Its state is
// only mutated by the session goroutine.
type Session struct {
	id    string
	conn  Conn
	relay *Relay

	state   atomic.Int32
	address mesh.Address

	// mu guards served for snapshot readers; only the run loop writes it.
	mu              sync.RWMutex
	served          map[mesh.Address]struct{}
	joinedBroadcast bool

	mailbox   *groups.Mailbox
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(parent context.Context, r *Relay, conn Conn) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ctx:    ctx,
		cancel: cancel,
		id:     "uplink-" + uuid.NewString(),
		conn:   conn,
		relay:  r,
		served: make(map[mesh.Address]struct{}),
		done:   make(chan struct{}),
	}
	s.state.Store(int32(StateUnauthenticated))
	return s
}

// ID returns the session identifier used as group member and audit channel.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Address returns the uplink address once signed in.
func (s *Session) Address() (mesh.Address, bool) {
	if s.State() == StateUnauthenticated {
		return mesh.Address{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address, true
}

// Served returns the addresses this session currently serves, sorted.
func (s *Session) Served() []mesh.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mesh.Address, 0, len(s.served))
	for a := range s.served {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// Done is closed once disconnect cleanup has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the session. Cleanup runs on the session goroutine.
func (s *Session) Close() {
	s.cancel()
}

func (s *Session) owner() directory.Owner {
	return directory.Owner{Uplink: s.address, Session: s.id}
}

func (s *Session) uplinkPtr() *mesh.Address {
	if s.State() != StateSignedIn {
		return nil
	}
	a := s.address
	return &a
}

func (s *Session) serves(addr mesh.Address) bool {
	_, ok := s.served[addr]
	return ok
}

func (s *Session) logf(node *mesh.Address, format string, args ...any) {
	s.relay.hub.Log(s.id, s.uplinkPtr(), node, format, args...)
}

// run drives the session until the connection ends, the context is
// cancelled or a protocol violation occurs. Cleanup runs exactly once.
func (s *Session) run() error {
	ctx := s.ctx
	defer s.cancel()
	defer s.cleanup()

	s.mailbox = s.relay.broker.Register(s.id)
	s.logf(nil, "new mesh websocket connection from %s", s.conn.RemoteAddr())

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go s.readLoop(ctx, frames, readErr)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case frame := <-frames:
			if err := s.handleFrame(ctx, frame); err != nil {
				return err
			}
		case <-s.mailbox.Ready():
			for _, d := range s.mailbox.Drain() {
				if err := s.handleDelivery(ctx, d); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, frames chan<- []byte, readErr chan<- error) {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, frame []byte) error {
	mt := s.relay.metrics

	msg, err := mesh.Decode(frame)
	if err != nil {
		log.Warnf("Session %s: dropping frame: %v", s.id, err)
		mt.FramesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return nil
	}
	mt.FramesReceived.WithLabelValues(msg.Type().String()).Inc()

	h := msg.MessageHeader()
	if !h.Dst.IsLocal() {
		log.Infof("Session %s: %s from %s to %s: %v", s.id, msg.Type(), h.Src, h.Dst, ErrForwardingUnsupported)
		mt.FramesDropped.WithLabelValues(metrics.DropForward).Inc()
		return nil
	}

	if s.State() == StateUnauthenticated {
		signIn, ok := msg.(*mesh.SignIn)
		if !ok {
			s.logf(&h.Src, "expected sign-in message, but got a %s message, closing", msg.Type())
			return fmt.Errorf("%w: %s before sign-in", ErrProtocolViolation, msg.Type())
		}
		return s.signIn(ctx, signIn)
	}

	if _, _, err := s.relay.dir.Upsert(ctx, h.Src); err != nil {
		log.Warnf("Session %s: %s from %s dropped: %v", s.id, msg.Type(), h.Src, err)
		mt.FramesDropped.WithLabelValues(metrics.DropStore).Inc()
		return nil
	}
	s.logReceived(ctx, msg)

	switch v := msg.(type) {
	case *mesh.SignIn:
		if v.Src != s.address {
			return fmt.Errorf("%w: sign-in as %s on session signed in as %s", ErrProtocolViolation, v.Src, s.address)
		}
		log.Debugf("Session %s: repeated sign-in of %s", s.id, v.Src)
		return s.announce(ctx, v.Src)
	case *mesh.AddDestinations:
		s.addDestinations(ctx, v.Addresses)
	case *mesh.RemoveDestinations:
		s.removeDestinations(ctx, v.Addresses)
	}
	return nil
}

func (s *Session) signIn(ctx context.Context, msg *mesh.SignIn) error {
	src := msg.Src
	if src.IsReserved() {
		return fmt.Errorf("%w: sign-in from reserved address %s", ErrProtocolViolation, src)
	}

	if _, _, err := s.relay.dir.Upsert(ctx, src); err != nil {
		log.Warnf("Session %s: sign-in of %s dropped: %v", s.id, src, err)
		s.relay.metrics.FramesDropped.WithLabelValues(metrics.DropStore).Inc()
		return nil
	}

	s.mu.Lock()
	s.address = src
	s.mu.Unlock()
	s.state.Store(int32(StateSignedIn))

	log.Infof("Session %s: uplink %s signed in", s.id, src)
	s.logReceived(ctx, msg)
	return s.announce(ctx, src)
}

// announce answers a sign-in of src with the layer announcement and claims
// src for this session. Repeated sign-ins on the same session run it again.
func (s *Session) announce(ctx context.Context, src mesh.Address) error {
	s.logf(&src, "signed in")

	reply := &mesh.LayerAnnounce{
		Header: mesh.Header{Dst: src, Src: mesh.RootAddress},
		Layer:  mesh.NoLayer,
	}
	if err := s.write(reply, ""); err != nil {
		return err
	}

	if !s.joinedBroadcast {
		s.relay.broker.Join(groups.BroadcastTopic, s.id)
		s.mu.Lock()
		s.joinedBroadcast = true
		s.mu.Unlock()
	}

	s.relay.broker.Publish(groups.NodeTopic(src), groups.UplinkTakeover{Uplink: src, Session: s.id})
	s.claim(ctx, src)
	return nil
}

// claim joins the address topic, records the claim and announces it so the
// previous owner steps aside.
func (s *Session) claim(ctx context.Context, addr mesh.Address) bool {
	topic := groups.NodeTopic(addr)
	already := s.serves(addr)
	if !already {
		s.relay.broker.Join(topic, s.id)
	}

	if err := s.relay.dir.Claim(ctx, addr, s.owner()); err != nil {
		log.Warnf("Session %s: claim of %s dropped: %v", s.id, addr, err)
		s.relay.metrics.FramesDropped.WithLabelValues(metrics.DropStore).Inc()
		if !already {
			s.relay.broker.Leave(topic, s.id)
		}
		return false
	}

	s.relay.broker.Publish(topic, groups.OwnershipTransfer{Address: addr, Session: s.id, Uplink: s.address})

	if !already {
		s.mu.Lock()
		s.served[addr] = struct{}{}
		s.mu.Unlock()
	}
	s.logf(&addr, "destination added")
	return true
}

func (s *Session) addDestinations(ctx context.Context, addrs []mesh.Address) {
	var valid []mesh.Address
	for _, a := range addrs {
		if a.IsReserved() {
			log.Debugf("Session %s: ignoring reserved destination %s", s.id, a)
			continue
		}
		valid = append(valid, a)
	}
	if len(valid) == 0 {
		return
	}

	if err := s.relay.dir.BulkUpsert(ctx, valid); err != nil {
		log.Warnf("Session %s: add destinations dropped: %v", s.id, err)
		s.relay.metrics.FramesDropped.WithLabelValues(metrics.DropStore).Inc()
		return
	}

	for _, a := range valid {
		if !s.claim(ctx, a) {
			return
		}
		dump := &mesh.ConfigDump{Header: mesh.Header{Dst: a, Src: mesh.RootAddress}}
		if err := s.write(dump, ""); err != nil {
			log.Debugf("Session %s: config dump request to %s failed: %v", s.id, a, err)
		}
	}
}

func (s *Session) removeDestinations(ctx context.Context, addrs []mesh.Address) {
	for _, a := range addrs {
		if !s.serves(a) {
			log.Debugf("Session %s: not serving %s, nothing to remove", s.id, a)
			continue
		}
		s.logf(&a, "destination removed")
		s.dropServed(a)
		s.release(ctx, a)
	}
}

// dropServed removes addr from the served set and leaves its topic.
func (s *Session) dropServed(addr mesh.Address) {
	s.relay.broker.Leave(groups.NodeTopic(addr), s.id)
	s.mu.Lock()
	delete(s.served, addr)
	s.mu.Unlock()
}

func (s *Session) release(ctx context.Context, addr mesh.Address) {
	if _, err := s.relay.dir.Release(ctx, addr, s.owner()); err != nil {
		log.Warnf("Session %s: release of %s failed: %v", s.id, addr, err)
		s.relay.metrics.FramesDropped.WithLabelValues(metrics.DropStore).Inc()
	}
}

func (s *Session) logReceived(ctx context.Context, msg mesh.Message) {
	s.relay.hub.MsgReceived(s.id, s.address, msg)

	entry, err := directory.NewMessageLogEntry(s.address, msg, time.Now())
	if err != nil {
		log.Warnf("Session %s: %v", s.id, err)
		return
	}
	if err := s.relay.dir.AppendMessage(ctx, entry); err != nil {
		log.Warnf("Session %s: message log append failed: %v", s.id, err)
	}
}

func (s *Session) handleDelivery(ctx context.Context, d groups.Delivery) error {
	switch ev := d.Event.(type) {
	case groups.SendEvent:
		return s.deliver(ev)

	case groups.OwnershipTransfer:
		if ev.Session == s.id || !s.serves(ev.Address) {
			return nil
		}
		// Claims overlap when two sessions join before either publishes;
		// the one persisted last keeps the address.
		if s.recordedOwner(ctx, ev.Address) {
			log.Debugf("Session %s: keeping %s, claim of session %s was superseded", s.id, ev.Address, ev.Session)
			return nil
		}
		log.Debugf("Session %s: %s taken over by session %s", s.id, ev.Address, ev.Session)
		s.relay.metrics.OwnershipTransfers.Inc()
		s.logf(&ev.Address, "destination taken over by uplink %s", ev.Uplink)
		s.dropServed(ev.Address)
		s.release(ctx, ev.Address)

	case groups.UplinkTakeover:
		if ev.Session == s.id || ev.Uplink != s.address {
			return nil
		}
		if s.relay.opts.CloseSuperseded {
			s.logf(&ev.Uplink, "uplink signed in on another connection, closing")
			return ErrSuperseded
		}
		s.logf(&ev.Uplink, "uplink signed in on another connection")
	}
	return nil
}

// deliver writes a routed message if this session is still authoritative
// for its destination.
func (s *Session) deliver(ev groups.SendEvent) error {
	if s.State() != StateSignedIn {
		return nil
	}
	dst := ev.Message.MessageHeader().Dst
	if dst != mesh.BroadcastAddress && !s.serves(dst) {
		log.Debugf("Session %s: no longer serving %s, not sending %s", s.id, dst, ev.Message.Type())
		s.relay.metrics.FramesDropped.WithLabelValues(metrics.DropNotOwner).Inc()
		return nil
	}
	return s.write(ev.Message, ev.Sender)
}

// recordedOwner reports whether the directory still holds this session's
// claim on addr.
func (s *Session) recordedOwner(ctx context.Context, addr mesh.Address) bool {
	n, err := s.relay.dir.Node(ctx, addr)
	if err != nil {
		log.Warnf("Session %s: looking up owner of %s failed: %v", s.id, addr, err)
		return false
	}
	return n.Session == s.id
}

// write sends msg to the gateway and reports it on the msg_sent stream.
// sender is empty for frames the relay originates.
func (s *Session) write(msg mesh.Message, sender string) error {
	if err := s.conn.WriteFrame(mesh.Encode(msg)); err != nil {
		return fmt.Errorf("failed to write %s: %w", msg.Type(), err)
	}
	s.relay.metrics.FramesSent.WithLabelValues(msg.Type().String()).Inc()
	s.relay.hub.MsgSent(s.id, sender, s.address, msg)
	return nil
}

// cleanup leaves every group and releases every claim. It runs once per
// session regardless of how the session ended.
func (s *Session) cleanup() {
	s.closeOnce.Do(func() {
		wasSignedIn := s.State() == StateSignedIn
		s.state.Store(int32(StateClosed))

		ctx, cancel := context.WithTimeout(context.Background(), s.relay.opts.CleanupTimeout)
		defer cancel()

		if s.mailbox != nil {
			s.relay.broker.Unregister(s.id)
		}
		s.mu.Lock()
		if s.joinedBroadcast {
			s.relay.broker.Leave(groups.BroadcastTopic, s.id)
			s.joinedBroadcast = false
		}
		served := s.served
		s.served = make(map[mesh.Address]struct{})
		s.mu.Unlock()

		for addr := range served {
			s.relay.broker.Leave(groups.NodeTopic(addr), s.id)
			s.release(ctx, addr)
		}

		// Claims whose served entry was lost, for example to a failed
		// release, are still recorded under this session.
		if wasSignedIn {
			if nodes, err := s.relay.dir.ServedBy(ctx, s.id); err == nil {
				for _, n := range nodes {
					s.release(ctx, n.Address)
				}
			} else {
				log.Warnf("Session %s: listing claims failed: %v", s.id, err)
			}
		}

		s.conn.Close()
		s.relay.hub.Log(s.id, nil, nil, "mesh websocket disconnected")
		s.relay.remove(s)
		close(s.done)
	})
}
