// Package push is the SSE fan-out service: it accepts notify posts from the
// exporter and streams the latest now-playing snapshot to every connected
// client.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/haywire-radio/haywire/internal/config"
	"github.com/haywire-radio/haywire/internal/health"
	"github.com/haywire-radio/haywire/internal/nowplaying"
	"github.com/haywire-radio/haywire/internal/observe"
)

const (
	keepaliveInterval = 30 * time.Second

	// clientBuffer bounds each client's pending events. A client that falls
	// this far behind is dropped rather than allowed to stall the fan-out.
	clientBuffer = 8

	notifyBuffer = 16
	maxNotify    = 1 << 20
)

type client struct {
	ch chan []byte
}

// Server owns the HTTP routes and the broadcaster goroutine.
type Server struct {
	cfg          config.PushConfig
	snapshotPath string
	log          *slog.Logger

	notifyCh   chan []byte
	register   chan *client
	unregister chan *client

	mu     sync.RWMutex
	latest []byte

	health    *health.Handler
	metrics   *observe.Metrics
	keepalive time.Duration
}

// NewServer creates the push server. snapshotPath is the on-disk snapshot
// re-read when a notify body carries no payload. h may carry readiness
// checkers; a nil handler still serves a bare liveness probe.
func NewServer(cfg config.PushConfig, snapshotPath string, h *health.Handler, log *slog.Logger) *Server {
	if h == nil {
		h = health.New()
	}
	return &Server{
		cfg:          cfg,
		snapshotPath: snapshotPath,
		log:          log,
		notifyCh:     make(chan []byte, notifyBuffer),
		register:     make(chan *client),
		unregister:   make(chan *client),
		health:       h,
		metrics:      observe.DefaultMetrics(),
		keepalive:    keepaliveInterval,
	}
}

// String implements fmt.Stringer for the supervisor's logs.
func (s *Server) String() string { return "push-server" }

// Serve runs the HTTP listener and the broadcaster until ctx is canceled.
// On shutdown every client receives a restarting event before its connection
// closes.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("push: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.log.Info("push server listening", "addr", ln.Addr().String())

	srv := &http.Server{Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	s.broadcaster(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))
	r.Get("/api/stream", s.handleStream)
	r.Post("/notify", s.handleNotify)
	s.health.Register(r)
	return r
}

// broadcaster is the single goroutine that owns the client set. All joins,
// leaves and fan-outs flow through it.
func (s *Server) broadcaster(ctx context.Context) {
	clients := make(map[*client]struct{})
	for {
		select {
		case <-ctx.Done():
			restarting, _ := json.Marshal(map[string]string{
				"system_status": nowplaying.StatusRestarting,
				"message":       "station is restarting; stream continues on the fallback mount",
			})
			for c := range clients {
				select {
				case c.ch <- restarting:
				default:
				}
				close(c.ch)
			}
			return
		case c := <-s.register:
			clients[c] = struct{}{}
		case c := <-s.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.ch)
			}
		case payload := <-s.notifyCh:
			s.setLatest(payload)
			for c := range clients {
				select {
				case c.ch <- payload:
				default:
					// Client buffer full: drop it instead of blocking
					// everyone else.
					delete(clients, c)
					close(c.ch)
					s.log.Warn("dropped slow push client")
				}
			}
		}
	}
}

func (s *Server) setLatest(payload []byte) {
	s.mu.Lock()
	s.latest = payload
	s.mu.Unlock()
}

// Latest returns the most recently broadcast payload, falling back to the
// on-disk snapshot before the first broadcast.
func (s *Server) Latest() []byte {
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()
	if latest != nil {
		return latest
	}
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return nil
	}
	return data
}

// Broadcast queues a payload for fan-out. Never blocks; when the queue is
// full the payload is dropped because a newer one is already pending.
func (s *Server) Broadcast(payload []byte) {
	select {
	case s.notifyCh <- payload:
	default:
		s.log.Warn("notify queue full, dropping payload")
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r.Header.Get("Origin")) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.WriteHeader(http.StatusOK)

	if latest := s.Latest(); latest != nil {
		writeEvent(w, latest)
	}
	flusher.Flush()

	c := &client{ch: make(chan []byte, clientBuffer)}
	select {
	case s.register <- c:
		s.metrics.PushClients.Add(r.Context(), 1)
	case <-r.Context().Done():
		return
	}
	defer s.metrics.PushClients.Add(context.Background(), -1)
	defer func() {
		select {
		case s.unregister <- c:
		case <-time.After(time.Second):
		}
	}()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-c.ch:
			if !ok {
				return
			}
			writeEvent(w, payload)
			flusher.Flush()
		case <-ticker.C:
			io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, payload []byte) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// handleNotify re-broadcasts either the posted body or, when the body lacks
// a system_status, the on-disk snapshot.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotify))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	payload := body
	if !hasSystemStatus(body) {
		payload, err = os.ReadFile(s.snapshotPath)
		if err != nil {
			s.log.Warn("notify without payload and no snapshot on disk", "error", err)
			http.Error(w, "no snapshot available", http.StatusServiceUnavailable)
			return
		}
	}

	s.Broadcast(payload)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func hasSystemStatus(body []byte) bool {
	var probe struct {
		SystemStatus string `json:"system_status"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.SystemStatus != ""
}
