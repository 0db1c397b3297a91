// Package uplink runs the sessions of uplink gateways connected to the relay.
package uplink

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/meshrelay/meshrelay/internal/audit"
	"github.com/meshrelay/meshrelay/internal/directory"
	"github.com/meshrelay/meshrelay/internal/groups"
	"github.com/meshrelay/meshrelay/internal/metrics"
)

var log = logging.Logger("meshrelay-uplink")

// ErrRelayClosed is returned by Serve after Close.
var ErrRelayClosed = errors.New("relay closed")

// Options tunes session behaviour.
type Options struct {
	// CloseSuperseded closes a session when its uplink address signs in on
	// another connection. Otherwise the older session only loses the address.
	CloseSuperseded bool
	WriteTimeout    time.Duration
	CleanupTimeout  time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		WriteTimeout:   10 * time.Second,
		CleanupTimeout: 5 * time.Second,
	}
}

// Relay owns the uplink sessions and the shared state they coordinate
// through.
type Relay struct {
	dir     *directory.Directory
	broker  groups.Broker
	hub     *audit.Hub
	metrics *metrics.Metrics
	opts    Options

	ctx      context.Context
	cancel   context.CancelFunc
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewRelay creates a Relay.
func NewRelay(dir *directory.Directory, broker groups.Broker, hub *audit.Hub, m *metrics.Metrics, opts Options) *Relay {
	if m == nil {
		m = metrics.New()
	}
	defaults := DefaultOptions()
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaults.CleanupTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		dir:     dir,
		broker:  broker,
		hub:     hub,
		metrics: m,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// Serve runs a session on conn until it ends.
func (r *Relay) Serve(ctx context.Context, conn Conn) error {
	s := newSession(ctx, r, conn)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return ErrRelayClosed
	}
	r.sessions[s.id] = s
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	r.metrics.UplinkSessions.Inc()
	defer r.metrics.UplinkSessions.Dec()

	log.Infof("Uplink connection %s from %s", s.id, conn.RemoteAddr())
	err := s.run()
	switch {
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, ErrSuperseded):
		log.Warnf("Session %s closed: %v", s.id, err)
	case err != nil && !errors.Is(err, context.Canceled):
		log.Debugf("Session %s ended: %v", s.id, err)
	}
	return err
}

func (r *Relay) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.id)
}

// Sessions returns the open sessions.
func (r *Relay) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Session looks up an open session by id.
func (r *Relay) Session(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Close ends every session and waits for their cleanup.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	for _, s := range r.sessions {
		s.Close()
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

// ServeHTTP upgrades the request to a websocket and serves an uplink on it.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warnf("Uplink upgrade failed: %v", err)
		return
	}
	r.Serve(r.ctx, NewWebsocketConn(conn, r.opts.WriteTimeout))
}
