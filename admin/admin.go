// Package admin implements the out-of-band management surface: replacing
// the agent list, adding/removing managers and allowed callers, and
// adjusting pricing parameters. Every route admits a caller that presents
// either the static ADMIN_TOKEN bearer token or a verified proxy token whose
// subject is in the manager allow-list.
package admin

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/GordenArcher/idempotent-proxy/config"
	"github.com/GordenArcher/idempotent-proxy/state"
)

// Server exposes the admin routes over the shared process-wide state.
type Server struct {
	cfg    *config.Config
	state  *state.State
	logger *slog.Logger
}

func New(cfg *config.Config, st *state.State, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, state: st, logger: logger}
}

// Router mounts the admin surface behind requireAdminToken. An empty
// ADMIN_TOKEN never matches, so only a verified manager token is then
// accepted; no route runs open.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requireAdminToken)

	r.Put("/agents", s.putAgents)
	r.Post("/managers", s.postManager)
	r.Delete("/managers/{name}", s.deleteManager)
	r.Post("/callers", s.postCaller)
	r.Delete("/callers/{name}", s.deleteCaller)
	r.Put("/pricing", s.putPricing)
	return r
}

// requireAdminToken admits a request either of two ways: the static
// ADMIN_TOKEN bearer token (full admin), or a proxy-authorization bearer
// token that verifies against the configured signing keys and whose
// subject is in the manager allow-list (reusing the same Token Codec the
// edge route authenticates callers with). Either one reaches every route.
func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken != "" && r.Header.Get("Authorization") == "Bearer "+s.cfg.AdminToken {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := s.verifiedManager(r); ok {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func (s *Server) verifiedManager(r *http.Request) (string, bool) {
	verifier := s.state.Verifier()
	if verifier == nil {
		return "", false
	}
	hdr := r.Header.Get("Proxy-Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(hdr, prefix) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(hdr, prefix))
	if err != nil {
		return "", false
	}
	subject, err := verifier.Verify(raw)
	if err != nil || !s.state.IsManager(subject) {
		return "", false
	}
	return subject, true
}

type agentPayload struct {
	Name      string `json:"name"`
	Endpoint  string `json:"endpoint"`
	MaxCycles uint64 `json:"max_cycles"`
}

func (s *Server) putAgents(w http.ResponseWriter, r *http.Request) {
	var payload []agentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	agents := make([]state.Agent, 0, len(payload))
	for _, a := range payload {
		if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.Endpoint) == "" {
			http.Error(w, "agent name and endpoint are required", http.StatusBadRequest)
			return
		}
		agents = append(agents, state.Agent{Name: a.Name, Endpoint: a.Endpoint, MaxCycles: a.MaxCycles})
	}

	s.state.SetAgents(agents)
	s.logger.Info("admin: replaced agent list", slog.Int("count", len(agents)))
	w.WriteHeader(http.StatusNoContent)
}

type subjectPayload struct {
	Subject string `json:"subject"`
}

func (s *Server) postManager(w http.ResponseWriter, r *http.Request) {
	var payload subjectPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Subject == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}
	s.state.AddManager(payload.Subject)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteManager(w http.ResponseWriter, r *http.Request) {
	s.state.RemoveManager(chi.URLParam(r, "name"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postCaller(w http.ResponseWriter, r *http.Request) {
	var payload subjectPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Subject == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}
	s.state.AddCaller(payload.Subject)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteCaller(w http.ResponseWriter, r *http.Request) {
	s.state.RemoveCaller(chi.URLParam(r, "name"))
	w.WriteHeader(http.StatusNoContent)
}

type pricingPayload struct {
	ReplicaCount      uint64 `json:"replica_count"`
	ReplicaServiceFee uint64 `json:"replica_service_fee"`
}

func (s *Server) putPricing(w http.ResponseWriter, r *http.Request) {
	var payload pricingPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.state.SetPricing(payload.ReplicaCount, payload.ReplicaServiceFee)
	w.WriteHeader(http.StatusNoContent)
}
