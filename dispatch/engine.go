// Package dispatch implements the idempotent dispatch engine: the
// single-flight-with-replay protocol sitting between the HTTP edge and the
// upstream executor, plus the replicated-caller reconciliation variants
// (see aggregator.go).
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/GordenArcher/idempotent-proxy/cache"
	"github.com/GordenArcher/idempotent-proxy/response"
)

// UpstreamFunc performs the actual upstream call and returns the response
// to cache and replay. It is treated as an opaque external collaborator.
type UpstreamFunc func(ctx context.Context) (response.Response, error)

var (
	// ErrNotObtained is returned when the lock a LOSER was waiting on
	// disappeared before a RESPONSE was written (the WINNER deleted it after
	// a failure, or it expired).
	ErrNotObtained = errors.New("dispatch: not obtained")
	// ErrPollTimeout is returned when a LOSER exhausted its polling budget.
	ErrPollTimeout = errors.New("dispatch: poll timeout")
	// ErrLockLost is returned to a WINNER whose Set failed because its lock
	// expired before the upstream call finished.
	ErrLockLost = errors.New("dispatch: lock lost")
)

// BuildKey composes the idempotency key K = "<agent>:<method>:<caller>",
// scoping a cache entry to the calling agent and HTTP method so the same
// caller-supplied token can't replay across a different agent or verb.
func BuildKey(agent, method, caller string) string {
	return agent + ":" + method + ":" + caller
}

// Engine implements the single-flight protocol over an abstract Cacher.
type Engine struct {
	cacher cache.Cacher
}

func New(cacher cache.Cacher) *Engine {
	return &Engine{cacher: cacher}
}

// Dispatch runs the single-flight state machine:
//
//	obtain(K, ttl) -> true (WINNER): call exec, cache the result, reply it.
//	obtain(K, ttl) -> false (LOSER): poll_get until RESPONSE, timeout, or
//	the lock disappears.
//
// ctx governs Obtain and the LOSER's PollGet — it is canceled on client
// disconnect, so a LOSER's wait is abandoned promptly. execCtx governs only
// the upstream exec call and must NOT be derived from the inbound request's
// cancellation — a WINNER's upstream call is never aborted by the caller
// disconnecting, since the response is still written to the cache for
// retries and other replicas to benefit from.
func (e *Engine) Dispatch(ctx, execCtx context.Context, key string, ttl, pollInterval time.Duration, exec UpstreamFunc) (response.Response, error) {
	won, err := e.cacher.Obtain(ctx, key, ttl)
	if err != nil {
		return response.Response{}, err
	}

	if !won {
		return e.awaitReplay(ctx, key, ttl, pollInterval)
	}

	res, execErr := exec(execCtx)
	if execErr != nil {
		_ = e.cacher.Delete(detach(ctx), key)
		return response.Response{}, execErr
	}

	data, err := res.MarshalBinary()
	if err != nil {
		_ = e.cacher.Delete(detach(ctx), key)
		return response.Response{}, err
	}

	ok, err := e.cacher.Set(detach(ctx), key, data, ttl)
	if err != nil && !errors.Is(err, cache.ErrNotObtained) {
		return response.Response{}, err
	}
	if !ok {
		// The lock expired before the response could be written: report
		// 500 to the WINNER's own caller. Concurrent LOSERS will already
		// have timed out or received NotObtained — no partial response is
		// emitted to anyone.
		return response.Response{}, ErrLockLost
	}

	return res, nil
}

// awaitReplay is the LOSER path: wait for the WINNER's RESPONSE, replaying
// it bytewise — no proxy-side post-processing diverges between winner and
// loser views.
func (e *Engine) awaitReplay(ctx context.Context, key string, ttl, pollInterval time.Duration) (response.Response, error) {
	maxPolls := int(ttl / pollInterval)
	data, err := e.cacher.PollGet(ctx, key, pollInterval, maxPolls)
	if err != nil {
		switch {
		case errors.Is(err, cache.ErrNotObtained):
			return response.Response{}, ErrNotObtained
		case errors.Is(err, cache.ErrTimeout):
			return response.Response{}, ErrPollTimeout
		default:
			return response.Response{}, err
		}
	}

	var res response.Response
	if err := res.UnmarshalBinary(data); err != nil {
		return response.Response{}, err
	}
	return res, nil
}

// detach strips cancellation from ctx while preserving its values, so a
// client disconnect can't prevent a winner's cleanup Delete or Set from
// landing.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
