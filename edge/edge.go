// Package edge is the HTTP-facing adapter: a single catch-all route that
// parses the inbound request, authenticates it, resolves the outbound URL,
// and delegates to the dispatch engine, mapping its outcome back to an
// HTTP response.
package edge

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/GordenArcher/idempotent-proxy/auth"
	"github.com/GordenArcher/idempotent-proxy/config"
	"github.com/GordenArcher/idempotent-proxy/dispatch"
	"github.com/GordenArcher/idempotent-proxy/metrics"
	"github.com/GordenArcher/idempotent-proxy/state"
)

// Server holds everything the proxy handler needs per request: the shared
// state container, the dispatch engine, the upstream HTTP client, and the
// static config.
type Server struct {
	cfg     *config.Config
	state   *state.State
	engine  *dispatch.Engine
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(cfg *config.Config, st *state.State, engine *dispatch.Engine, client *http.Client, m *metrics.Metrics, logger *slog.Logger) *Server {
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		state:   st,
		engine:  engine,
		client:  client,
		logger:  logger,
		metrics: m,
	}
}

// Router builds the chi.Mux: request-id and panic-recovery middleware,
// then a single wildcard route accepting any method and any path.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(s.cfg.RequestTimeout + 5*time.Second))

	r.HandleFunc("/*", s.ServeProxy)
	return r
}

// verifier returns the configured token verifier, or nil if none is set —
// in which case every caller is treated as the anonymous subject.
func (s *Server) verifier() auth.Verifier {
	return s.state.Verifier()
}

const anonymousSubject = "ANON"
