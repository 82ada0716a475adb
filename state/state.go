// Package state owns the process-wide mutable state shared by the Signer,
// the Dispatch Engine, and the admin surface: agent descriptors, verifying
// keys, URL/header var maps, the manager/caller allow-lists, and the
// cycle ledger. It is initialized once at bootstrap and, after that, only
// mutated through the admin operations below — readers clone the subset
// they need and release the lock before any suspension point, since the
// Signer and the Dispatch Engine both hold references into the same
// container.
package state

import (
	"sync"
	"sync/atomic"

	"github.com/GordenArcher/idempotent-proxy/auth"
)

// Agent is a downstream endpoint the proxy can call; in the replicated
// variant, one of several backing the same logical operation.
type Agent struct {
	Name       string
	Endpoint   string
	MaxCycles  uint64
	ProxyToken string
}

// State is the guarded process-wide container. Construct with New.
type State struct {
	mu sync.RWMutex

	agents     []Agent
	managers   map[string]bool
	callers    map[string]bool
	urlVars    map[string]string
	headerVars map[string]string
	verifier   auth.Verifier

	incomingCycles      uint64
	uncollectibleCycles uint64

	replicaCount      uint64
	replicaServiceFee uint64
}

// New builds a State seeded with the given URL/header var maps and
// verifier (nil if no verifying keys are configured — then the edge
// treats every caller as "ANON").
func New(urlVars, headerVars map[string]string, verifier auth.Verifier) *State {
	return &State{
		managers:   make(map[string]bool),
		callers:    make(map[string]bool),
		urlVars:    cloneMap(urlVars),
		headerVars: cloneMap(headerVars),
		verifier:   verifier,
	}
}

// SetPricing replaces the cycle calculator's replica count and service fee
// — an admin operation.
func (s *State) SetPricing(replicaCount, replicaServiceFee uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicaCount = replicaCount
	s.replicaServiceFee = replicaServiceFee
}

// Pricing returns the current replica count and service fee.
func (s *State) Pricing() (replicaCount, replicaServiceFee uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replicaCount, s.replicaServiceFee
}

// Verifier returns the configured token verifier, or nil if none is set.
func (s *State) Verifier() auth.Verifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verifier
}

// URLVar resolves a "URL_<NAME>" symbolic path to its configured absolute URL.
func (s *State) URLVar(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.urlVars[name]
	return v, ok
}

// HeaderVar resolves a header value to its substitution, if any is configured.
func (s *State) HeaderVar(value string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.headerVars[value]
	return v, ok
}

// Agents returns a clone of the current agent list.
func (s *State) Agents() []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, len(s.agents))
	copy(out, s.agents)
	return out
}

// SetAgents replaces the agent list wholesale — an admin operation.
func (s *State) SetAgents(agents []Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = agents
}

// SetAgentToken updates the cached proxy token for every agent with the
// given name, used by the Signer after a refresh tick.
func (s *State) SetAgentToken(name, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.agents {
		if s.agents[i].Name == name {
			s.agents[i].ProxyToken = token
		}
	}
}

// IsManager reports whether subject is in the manager allow-list.
func (s *State) IsManager(subject string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.managers[subject]
}

// AddManager / RemoveManager mutate the manager allow-list — admin operations.
func (s *State) AddManager(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managers[subject] = true
}

func (s *State) RemoveManager(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.managers, subject)
}

// IsAllowedCaller reports whether the allow-list is empty (anyone allowed)
// or contains subject.
func (s *State) IsAllowedCaller(subject string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.callers) == 0 {
		return true
	}
	return s.callers[subject]
}

func (s *State) AddCaller(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callers[subject] = true
}

func (s *State) RemoveCaller(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.callers, subject)
}

// ReceiveCycles adds amount to the running ledger. If collectible is
// false (the caller couldn't actually be charged, e.g. pre-call ingress
// pricing), the amount is also added to the uncollectible counter —
// updates are commutative saturating adds, each a compare-and-swap loop.
func (s *State) ReceiveCycles(amount uint64, collectible bool) {
	add := func(counter *uint64) {
		for {
			old := atomic.LoadUint64(counter)
			next := old + amount
			if next < old {
				next = ^uint64(0)
			}
			if atomic.CompareAndSwapUint64(counter, old, next) {
				return
			}
		}
	}
	add(&s.incomingCycles)
	if !collectible {
		add(&s.uncollectibleCycles)
	}
}

func (s *State) UncollectibleCycles() uint64 {
	return atomic.LoadUint64(&s.uncollectibleCycles)
}

func (s *State) IncomingCycles() uint64 {
	return atomic.LoadUint64(&s.incomingCycles)
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
