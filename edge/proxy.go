package edge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/GordenArcher/idempotent-proxy/cache"
	"github.com/GordenArcher/idempotent-proxy/cycles"
	"github.com/GordenArcher/idempotent-proxy/dispatch"
	"github.com/GordenArcher/idempotent-proxy/metrics"
	"github.com/GordenArcher/idempotent-proxy/response"
	"github.com/GordenArcher/idempotent-proxy/state"
)

// ServeProxy is the single catch-all handler: authenticate, resolve the
// outbound URL, compute K, delegate to the dispatch engine, emit the
// result. It accepts any HTTP method and any path.
func (s *Server) ServeProxy(w http.ResponseWriter, r *http.Request) {
	subject, err := s.authenticate(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !s.state.IsAllowedCaller(subject) {
		s.writeErr(w, r, &forbidden{msg: fmt.Sprintf("agent %s is not allowed", subject)})
		return
	}

	idempotencyKey := r.Header.Get(headerIdempotencyKey)
	if idempotencyKey == "" {
		s.writeErr(w, r, newBadRequest("missing header: idempotency-key"))
		return
	}

	upstreamURL, err := s.resolveURL(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	method := r.Method
	key := dispatch.BuildKey(subject, method, idempotencyKey)

	jsonMask := response.ParseMask(r.Header.Get(headerJSONMask))
	allowHeaders := r.Header.Get(headerResponseHeaders)

	var body []byte
	if !isSafeMethod(method) {
		limited := http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBodyBytes)
		data, err := io.ReadAll(limited)
		if err != nil {
			s.writeErr(w, r, newBadRequest("request body exceeds the configured limit"))
			return
		}
		body = data
	}

	agents := s.state.Agents()

	if err := s.chargeIngress(subject, upstreamURL, body, r.Header); err != nil {
		s.writeErr(w, r, err)
		return
	}

	outHeaders := alterHeaders(r.Header, s.state.HeaderVar)

	strategy := parseStrategy(r.Header.Get(headerAggregationStrategy))

	exec := func(execCtx context.Context) (response.Response, error) {
		if len(agents) == 0 {
			start := time.Now()
			res, err := s.fetchUpstream(execCtx, method, upstreamURL, outHeaders, body, allowHeaders, jsonMask)
			if s.metrics != nil && err == nil {
				s.metrics.ObserveUpstreamLatency(subject, time.Since(start))
			}
			if err != nil {
				return response.Response{}, err
			}
			if res.Status < http.StatusOK || res.Status > http.StatusInternalServerError {
				return response.Response{}, &upstreamFailure{res: res}
			}
			return res, nil
		}
		return s.dispatchAgents(execCtx, strategy, agents, method, pathQuery(r), outHeaders, body, allowHeaders, jsonMask)
	}

	// execCtx is deliberately detached from the inbound request's
	// cancellation: a WINNER's upstream call and cache write must survive
	// a client disconnect.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.RequestTimeout)
	defer cancel()

	res, err := s.engine.Dispatch(r.Context(), execCtx, key, s.cfg.CacheTTL, s.cfg.PollInterval, exec)
	if err != nil {
		s.recordOutcome(err)
		s.writeErr(w, r, err)
		return
	}
	s.recordOutcome(nil)
	response.Emit(w, res)
}

// recordOutcome classifies a Dispatch result into the coarse winner /
// timeout / error buckets the metrics package tracks. "Loser" (a
// successful replay) isn't distinguishable from "winner" at this call
// site — both return a nil error — so both count as winner; distinguishing
// them would require threading a result flag back out of Dispatch.
func (s *Server) recordOutcome(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.metrics.RecordDispatch(metrics.OutcomeWinner)
	case errors.Is(err, dispatch.ErrPollTimeout):
		s.metrics.RecordDispatch(metrics.OutcomeTimeout)
	default:
		s.metrics.RecordDispatch(metrics.OutcomeError)
	}
}

// pathQuery rebuilds the inbound request's path and query string, appended
// to each agent's endpoint when fanning out a replicated dispatch.
func pathQuery(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

// dispatchAgents fans the same inbound request out across every configured
// agent, one dispatch.AgentCaller per endpoint, and reconciles them per the
// selected strategy. Each agent is called at its own endpoint plus the
// inbound path and query, carrying that agent's own cached proxy token
// (set by the Signer) rather than the caller's inbound credentials.
func (s *Server) dispatchAgents(ctx context.Context, strategy dispatch.Strategy, agents []state.Agent, method, suffix string, headers http.Header, body []byte, allowHeaders string, mask []string) (response.Response, error) {
	if err := s.chargeRequest(agents, suffix, body, headers); err != nil {
		return response.Response{}, err
	}

	callers := make([]dispatch.AgentCaller, len(agents))
	for i, agent := range agents {
		agent := agent
		callers[i] = func(callCtx context.Context) (response.Response, error) {
			agentHeaders := headers.Clone()
			if agent.ProxyToken != "" {
				agentHeaders.Set(headerProxyAuth, "Bearer "+agent.ProxyToken)
			}
			start := time.Now()
			res, err := s.fetchUpstream(callCtx, method, agent.Endpoint+suffix, agentHeaders, body, allowHeaders, mask)
			if s.metrics != nil && err == nil {
				s.metrics.ObserveUpstreamLatency(agent.Name, time.Since(start))
			}
			return res, err
		}
	}

	res, err := dispatch.Aggregate(ctx, strategy, callers)
	if err == nil {
		s.chargeResponse(len(res.Body), len(agents))
	}
	return res, err
}

// authenticate runs verify_token iff any verifying key is configured,
// otherwise every caller is the anonymous subject.
func (s *Server) authenticate(r *http.Request) (string, error) {
	verifier := s.verifier()
	if verifier == nil {
		return anonymousSubject, nil
	}

	hdr := r.Header.Get(headerProxyAuth)
	const prefix = "Bearer "
	if !strings.HasPrefix(hdr, prefix) {
		return "", newAuthFailed("proxy authentication required: missing bearer token")
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(hdr, prefix))
	if err != nil {
		return "", newAuthFailed("proxy authentication failed: malformed token")
	}

	subject, err := verifier.Verify(raw)
	if err != nil {
		return "", newAuthFailed("proxy authentication failed: " + err.Error())
	}
	return subject, nil
}

// fetchUpstream builds and executes the outbound request, then applies the
// header allow-list and body projection. The returned error is only a
// transport or decoding failure — an HTTP status above 500 is still a
// successful return, left for the caller to classify (the single-flight
// path wraps it as upstreamFailure; the aggregator's usable() decides for
// itself).
func (s *Server) fetchUpstream(ctx context.Context, method, rawURL string, headers http.Header, body []byte, allowHeaders string, mask []string) (response.Response, error) {
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = strings.NewReader(string(body))
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return response.Response{}, newBadRequest(err.Error())
	}
	req.Header = headers

	res, err := s.client.Do(req)
	if err != nil {
		return response.Response{}, err
	}
	defer res.Body.Close()

	limited := io.LimitReader(res.Body, s.cfg.MaxResponseBodyBytes)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return response.Response{}, err
	}

	filtered, mime := response.FilterHeaders(res.Header, allowHeaders)
	projected, err := response.ProjectBody(res.StatusCode, mime, respBody, mask)
	if err != nil {
		return response.Response{}, err
	}

	return response.Response{
		Status:  uint16(res.StatusCode),
		Headers: filtered,
		Mime:    mime,
		Body:    projected,
	}, nil
}

// writeErr maps an error from authenticate or Dispatch to an HTTP status.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var badReq *badRequest
	var authErr *authFailed
	var forbiddenErr *forbidden
	var upstreamErr *upstreamFailure
	var backendErr *cache.BackendError

	switch {
	case errors.As(err, &upstreamErr):
		response.Emit(w, upstreamErr.res)
		return
	case errors.As(err, &badReq):
		http.Error(w, badReq.msg, http.StatusBadRequest)
	case errors.As(err, &authErr):
		http.Error(w, authErr.msg, http.StatusProxyAuthRequired)
	case errors.As(err, &forbiddenErr):
		http.Error(w, forbiddenErr.msg, http.StatusForbidden)
	case errors.Is(err, errInsufficientCredit):
		http.Error(w, "insufficient credit", http.StatusServiceUnavailable)
	case errors.Is(err, dispatch.ErrPollTimeout):
		http.Error(w, "poll timeout", http.StatusGatewayTimeout)
	case errors.Is(err, dispatch.ErrNotObtained), errors.Is(err, dispatch.ErrLockLost):
		http.Error(w, "cache error", http.StatusInternalServerError)
	case errors.As(err, &backendErr):
		http.Error(w, "cache backend error", http.StatusInternalServerError)
	default:
		s.logger.Warn("edge: upstream call failed", "error", err.Error(), "path", r.URL.Path)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// chargeIngress prices the inbound request with the cycle calculator and
// debits the caller's agent descriptor, refusing with InsufficientCredit
// before any upstream call is attempted. Disabled entirely (calc returns 0
// for every phase) when REPLICA_COUNT is unset, which is the common
// single-proxy deployment.
func (s *Server) chargeIngress(subject, upstreamURL string, body []byte, headers http.Header) error {
	calc, ok := s.calculator()
	if !ok {
		return nil
	}
	ingressBytes := cycles.CountRequestBytes(len(upstreamURL), len(body), flattenHeaders(headers))
	return s.debit(subject, calc.IngressCost(ingressBytes))
}

// chargeRequest prices the per-upstream-call request phase ahead of the fan
// out, scaled by the number of agents — the replicated variant's own
// InsufficientCredit gate (§7), distinct from the ingress phase every
// request pays regardless of agent count.
func (s *Server) chargeRequest(agents []state.Agent, suffix string, body []byte, headers http.Header) error {
	calc, ok := s.calculator()
	if !ok {
		return nil
	}
	requestBytes := cycles.CountRequestBytes(len(suffix), len(body), flattenHeaders(headers))
	cost := calc.RequestCost(requestBytes, len(agents))

	var subject string
	if len(agents) > 0 {
		subject = agents[0].Name
	}
	return s.debit(subject, cost)
}

// chargeResponse prices the per-upstream-call response phase after the
// aggregate result is known. Unlike the ingress and request phases, this
// can't gate the call — the bytes aren't known until the response already
// arrived — so the whole response cost is recorded as uncollectible; it is
// not checked against any agent's ceiling.
func (s *Server) chargeResponse(bodyLen, fanOut int) {
	calc, ok := s.calculator()
	if !ok {
		return
	}
	cost := calc.ResponseCost(cycles.CountResponseBytes(bodyLen, nil), fanOut)
	s.state.ReceiveCycles(cost, false)
}

func (s *Server) calculator() (cycles.Calculator, bool) {
	replicaCount, serviceFee := s.state.Pricing()
	if replicaCount == 0 {
		return cycles.Calculator{}, false
	}
	return cycles.Calculator{ReplicaCount: replicaCount, ServiceFee: serviceFee}, true
}

// debit charges cost against subject's agent descriptor, refusing with
// InsufficientCredit if it exceeds the configured ceiling. A subject with
// no registered agent descriptor has nothing to debit against, so the cost
// is recorded as uncollectible and the call proceeds.
func (s *Server) debit(subject string, cost uint64) error {
	var agent *state.Agent
	for _, a := range s.state.Agents() {
		if a.Name == subject {
			agent = &a
			break
		}
	}
	if agent == nil {
		s.state.ReceiveCycles(cost, false)
		return nil
	}
	if cost > agent.MaxCycles {
		s.state.ReceiveCycles(cost, false)
		return errInsufficientCredit
	}
	s.state.ReceiveCycles(cost, true)
	return nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
