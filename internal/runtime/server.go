// Package runtime is the HTTP surface of the council engine: session
// CRUD and control verbs under /v1, live event streams over SSE and
// WebSocket, and the health and metrics endpoints. Handlers translate
// engine errors to statuses; every mutation goes through the
// orchestrator, never straight to the store.
package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/szaher/council/internal/auth"
	"github.com/szaher/council/internal/events"
	"github.com/szaher/council/internal/orchestrator"
	"github.com/szaher/council/internal/store"
	"github.com/szaher/council/internal/telemetry"
)

// Server wires the orchestrator to HTTP.
type Server struct {
	orc         *orchestrator.Orchestrator
	store       store.Store
	broadcaster *events.Broadcaster
	metrics     *telemetry.Metrics
	logger      *slog.Logger

	apiKey  string
	noAuth  bool
	limiter *auth.RateLimiter

	mux       *http.ServeMux
	server    *http.Server
	startTime time.Time

	quit     chan struct{}
	quitOnce sync.Once
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey sets the API key clients must present.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithNoAuth disables authentication entirely.
func WithNoAuth(noAuth bool) ServerOption {
	return func(s *Server) { s.noAuth = noAuth }
}

// WithRateLimiter applies per-client rate limiting to the /v1 routes.
func WithRateLimiter(rl *auth.RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithMetrics sets the metrics collector backing /metrics and the
// per-request instrumentation.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the HTTP server. The store is used only for
// readiness probes; the broadcaster feeds the event streams.
func NewServer(orc *orchestrator.Orchestrator, st store.Store, b *events.Broadcaster, opts ...ServerOption) *Server {
	s := &Server{
		orc:         orc,
		store:       st,
		broadcaster: b,
		logger:      slog.Default(),
		startTime:   time.Now(),
		quit:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewMetrics(nil)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /v1/sessions/{id}/rounds", s.handleGetRounds)
	mux.HandleFunc("POST /v1/sessions/{id}/rounds", s.handleExecuteRound)
	mux.HandleFunc("POST /v1/sessions/{id}/auto", s.handleStartAuto)
	mux.HandleFunc("POST /v1/sessions/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /v1/sessions/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /v1/sessions/{id}/buttin", s.handleButtIn)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleEventsSSE)
	mux.HandleFunc("GET /v1/sessions/{id}/events/ws", s.handleEventsWS)

	s.mux = mux
	return s
}

// skipAuthPaths are probe and scrape endpoints that stay open.
var skipAuthPaths = []string{"/healthz", "/readyz", "/metrics"}

// Handler returns the fully wrapped handler, outermost middleware
// first: panic recovery, correlation, access log, metrics, rate
// limiting, auth.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = auth.Middleware(s.apiKey, s.noAuth, skipAuthPaths, s.limiter)(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(v1ClientKey)(h)
	}
	h = s.metricsMiddleware(h)
	h = s.accessLogMiddleware(h)
	h = s.correlationMiddleware(h)
	h = s.recoverMiddleware(h)
	return h
}

// v1ClientKey rate-limits API routes by client IP and leaves probes
// and scrapes alone.
func v1ClientKey(r *http.Request) string {
	if !strings.HasPrefix(r.URL.Path, "/v1/") {
		return ""
	}
	return auth.ClientIP(r)
}

// ListenAndServe starts serving on addr and blocks until the listener
// fails or Shutdown runs.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("council server starting", "addr", addr, "auth", !s.noAuth)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections, wakes the event streams so
// they end their responses, and waits for in-flight requests within
// ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "store unreachable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
