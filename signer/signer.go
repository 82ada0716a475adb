// Package signer coordinates periodic issuance of proxy-side bearer tokens
// used when the proxy itself calls a downstream proxy.
package signer

import (
	"context"
	"log/slog"
	"time"

	"github.com/GordenArcher/idempotent-proxy/auth"
	"github.com/GordenArcher/idempotent-proxy/state"
)

// TokenSigner signs a (expire_at, subject) pair into an auth.Token, which
// auth.EncodeWire then turns into the wire form. The
// two auth schemes (*auth.ECDSASigner, *auth.Ed25519Signer) both already
// implement this shape.
type TokenSigner interface {
	Sign(expireAt uint64, subject string) (auth.Token, error)
}

// KeyService is the external signing authority's two-RPC contract:
// PublicKey returns the verifying key and Sign signs arbitrary messages.
// The key-service signers call only Sign; nothing in this package fetches
// or stores the public key. Everything else consumes cached tokens.
type KeyService interface {
	PublicKey(ctx context.Context) ([]byte, error)
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// Signer maintains a per-agent bearer token with TTL = refreshInterval +
// 120s, refreshing on startup and every refreshInterval thereafter.
type Signer struct {
	signer          TokenSigner
	state           *state.State
	refreshInterval time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

func New(signer TokenSigner, st *state.State, refreshInterval time.Duration, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{
		signer:          signer,
		state:           st,
		refreshInterval: refreshInterval,
		now:             time.Now,
		logger:          logger,
	}
}

// Run issues tokens immediately, then on every refreshInterval tick, until
// ctx is canceled. On a signing failure, the existing token for that agent
// is preserved until the next tick.
func (s *Signer) Run(ctx context.Context) {
	s.refresh(ctx)

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// refresh enumerates the configured agents and, for each distinct
// agent.Name, signs one token, deduplicating identical subjects in a
// single pass.
func (s *Signer) refresh(ctx context.Context) {
	agents := s.state.Agents()
	if len(agents) == 0 {
		return
	}

	ttl := s.refreshInterval + 120*time.Second
	expireAt := uint64(s.now().Add(ttl).Unix())

	tokens := make(map[string]string, len(agents))
	for _, agent := range agents {
		if token, ok := tokens[agent.Name]; ok {
			s.state.SetAgentToken(agent.Name, token)
			continue
		}

		signed, err := s.signer.Sign(expireAt, agent.Name)
		if err != nil {
			s.logger.Warn("signer: failed to sign proxy token, keeping existing",
				slog.String("agent", agent.Name), slog.String("error", err.Error()))
			continue
		}
		wire, err := auth.EncodeWire(signed)
		if err != nil {
			s.logger.Warn("signer: failed to encode proxy token",
				slog.String("agent", agent.Name), slog.String("error", err.Error()))
			continue
		}
		tokens[agent.Name] = wire
		s.state.SetAgentToken(agent.Name, wire)
	}
}
