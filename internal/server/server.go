// Package server wires the relay components behind one HTTP listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/meshrelay/meshrelay/internal/audit"
	"github.com/meshrelay/meshrelay/internal/config"
	"github.com/meshrelay/meshrelay/internal/directory"
	"github.com/meshrelay/meshrelay/internal/federation"
	"github.com/meshrelay/meshrelay/internal/groups"
	"github.com/meshrelay/meshrelay/internal/mesh"
	"github.com/meshrelay/meshrelay/internal/metrics"
	"github.com/meshrelay/meshrelay/internal/outbox"
	"github.com/meshrelay/meshrelay/internal/uplink"
)

var log = logging.Logger("meshrelay-server")

const maxStageBody = 64 << 10

// writeJSON writes a JSON response, safely encoding values to prevent injection.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// OpenStore opens the node directory backend selected by cfg.
func OpenStore(cfg config.StorageConfig) (directory.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return directory.NewMemoryStore(), nil
	case config.BackendSQLite:
		return directory.NewSQLiteStore(cfg.Path, directory.RetryConfig{
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			MaxElapsedTime:  cfg.Retry.MaxElapsedTime,
		})
	}
	return nil, fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalidConfig, cfg.Backend)
}

// Server represents the relay HTTP server and the components behind it.
type Server struct {
	config     *config.Config
	metrics    *metrics.Metrics
	dir        *directory.Directory
	broker     *groups.Local
	router     *groups.Router
	hub        *audit.Hub
	staging    *outbox.Store
	relay      *uplink.Relay
	observers  *audit.ObserverHandler
	federation *federation.Federation

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	mux        *http.ServeMux
	stopOnce   sync.Once
	stopErr    error
}

// NewServer creates the relay components from cfg.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := OpenStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open node directory: %w", err)
	}

	m := metrics.New()
	broker := groups.NewLocal()
	router := groups.NewRouter(broker)
	hub := audit.NewHub(cfg.Audit.Buffer, m)
	staging := outbox.New(cfg.Staging.Capacity, cfg.Staging.TTL)
	dir := directory.New(store)

	s := &Server{
		config:  cfg,
		metrics: m,
		dir:     dir,
		broker:  broker,
		router:  router,
		hub:     hub,
		staging: staging,
		relay: uplink.NewRelay(dir, broker, hub, m, uplink.Options{
			CloseSuperseded: cfg.Relay.CloseSupersededUplinks,
			WriteTimeout:    cfg.Relay.WriteTimeout,
			CleanupTimeout:  cfg.Relay.CleanupTimeout,
		}),
		observers: audit.NewObserverHandler(hub, staging, router, m),
		mux:       http.NewServeMux(),
	}

	s.setupRoutes()
	return s, nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.Handle(s.config.Relay.UplinkPath, s.relay)
	s.mux.Handle(s.config.Relay.ObserverPath, s.observers)

	s.mux.HandleFunc("GET /api/nodes", s.handleNodes)
	s.mux.HandleFunc("GET /api/nodes/{address}", s.handleNode)
	s.mux.HandleFunc("GET /api/messages", s.handleMessages)
	s.mux.HandleFunc("POST /api/messages/stage", s.handleStage)
	s.mux.HandleFunc("GET /api/messages/stage/{token}", s.handleStaged)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)

	if s.config.Metrics.Enabled {
		s.mux.Handle("GET "+s.config.Metrics.Path, s.metrics.Handler())
	}

	// Health check
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.mux }

// Hub returns the audit hub.
func (s *Server) Hub() *audit.Hub { return s.hub }

// Staging returns the staged message store.
func (s *Server) Staging() *outbox.Store { return s.staging }

// Directory returns the node directory.
func (s *Server) Directory() *directory.Directory { return s.dir }

// Start opens the listener and joins the federation if enabled.
func (s *Server) Start(ctx context.Context) error {
	if s.config.Federation.Enabled {
		fed, err := federation.New(ctx, federation.Config{
			Listen: s.config.Federation.Listen,
			Peers:  s.config.Federation.Peers,
			Topic:  s.config.Federation.Topic,
		}, s.hub, s.metrics)
		if err != nil {
			return fmt.Errorf("failed to start federation: %w", err)
		}
		s.federation = fed
	}

	ln, err := net.Listen("tcp", s.config.Relay.Listen)
	if err != nil {
		if s.federation != nil {
			s.federation.Close()
		}
		return fmt.Errorf("failed to listen on %s: %w", s.config.Relay.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	// No write timeout: websocket connections are long lived.
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Unlock()
	log.Infof("HTTP server listening on %s", ln.Addr())
	return nil
}

// Addr returns the listening address after Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run starts the server and serves until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	})
	return g.Wait()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		httpServer := s.httpServer
		s.mu.Unlock()
		if httpServer != nil {
			if err := httpServer.Shutdown(ctx); err != nil {
				log.Warnf("HTTP server shutdown error: %v", err)
			}
		}

		// Hijacked websocket connections are not tracked by Shutdown.
		s.relay.Close()
		s.observers.Close()

		if s.federation != nil {
			if err := s.federation.Close(); err != nil {
				log.Warnf("Federation shutdown error: %v", err)
			}
		}
		s.stopErr = s.dir.Close()
	})
	return s.stopErr
}

// handleNodes lists known nodes, optionally narrowed by uplink or session.
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	var filter directory.NodeFilter
	filter.Session = r.URL.Query().Get("session")
	if v := r.URL.Query().Get("uplink"); v != "" {
		a, err := mesh.ParseAddress(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Uplink = &a
	}

	nodes, err := s.dir.List(r.Context(), filter)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if nodes == nil {
		nodes = []directory.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	addr, err := mesh.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.dir.Node(r.Context(), addr)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// handleMessages queries the message log, newest first.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := directory.MessageQuery{Limit: directory.DefaultMessageLimit}

	for _, p := range []struct {
		name string
		dst  **mesh.Address
	}{{"src", &query.Src}, {"uplink", &query.Uplink}} {
		if v := q.Get(p.name); v != "" {
			a, err := mesh.ParseAddress(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %v", p.name, err))
				return
			}
			*p.dst = &a
		}
	}
	if v := q.Get("type"); v != "" {
		t, err := mesh.ParseMessageType(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		query.Type = &t
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		query.Since = ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		query.Limit = n
	}

	entries, err := s.dir.Messages(r.Context(), query)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if entries == nil {
		entries = []directory.MessageLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": entries})
}

// stageRequest is the body of POST /api/messages/stage.
type stageRequest struct {
	Msg        json.RawMessage `json:"msg"`
	Recipients []mesh.Address  `json:"recipients"`
}

// handleStage stages a message for an observer to send with send_msg.
func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStageBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.staging.StageJSON(req.Msg, req.Recipients)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

// handleStaged shows a pending staged message without redeeming it.
func (s *Server) handleStaged(w http.ResponseWriter, r *http.Request) {
	staged, ok := s.staging.Peek(r.PathValue("token"))
	if !ok {
		writeError(w, http.StatusNotFound, outbox.ErrUnknownToken.Error())
		return
	}
	writeJSON(w, http.StatusOK, staged)
}

type sessionInfo struct {
	ID      string         `json:"id"`
	State   string         `json:"state"`
	Address *mesh.Address  `json:"address,omitempty"`
	Served  []mesh.Address `json:"served"`
}

// handleSessions lists the open uplink sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	items := []sessionInfo{}
	for _, sess := range s.relay.Sessions() {
		info := sessionInfo{ID: sess.ID(), State: sess.State().String(), Served: sess.Served()}
		if a, ok := sess.Address(); ok {
			info.Address = &a
		}
		items = append(items, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": items})
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(s.relay.Sessions()),
		"staged":   s.staging.Len(),
	})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, "node not found")
	case errors.Is(err, directory.ErrStoreUnavailable):
		log.Warnf("Node directory unavailable: %v", err)
		writeError(w, http.StatusServiceUnavailable, "node directory unavailable")
	default:
		log.Errorf("Node directory error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
