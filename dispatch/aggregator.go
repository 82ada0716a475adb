package dispatch

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/errgroup"

	"github.com/GordenArcher/idempotent-proxy/response"
)

// AgentCaller performs one agent's call and returns its response. A
// transport-level failure (the agent couldn't be reached at all) is
// reported as err; an HTTP response with status > 500 is still a
// successful AgentCaller return — the aggregator is the one that decides
// whether that status counts as a usable result.
type AgentCaller func(ctx context.Context) (response.Response, error)

// Strategy selects how a replicated dispatch reconciles N agent responses.
type Strategy int

const (
	// AnySequential calls agents in fixed order, returning the first
	// response whose status <= 500; the last agent's error/response is
	// returned if all fail.
	AnySequential Strategy = iota
	// AnyParallel launches all agents concurrently and returns as soon as
	// any yields a usable response, canceling the rest.
	AnyParallel
	// AllParallelConsistent launches all agents concurrently, awaits all,
	// and requires bytewise equality across every response.
	AllParallelConsistent
)

// usable reports whether a response counts as a real answer rather than a
// transient non-response.
func usable(r response.Response) bool {
	return r.Status <= 500
}

// Aggregate dispatches req across callers according to strategy.
func Aggregate(ctx context.Context, strategy Strategy, callers []AgentCaller) (response.Response, error) {
	if len(callers) == 0 {
		return response.Response{}, errors.New("dispatch: no agents available")
	}

	switch strategy {
	case AnySequential:
		return anySequential(ctx, callers)
	case AnyParallel:
		return anyParallel(ctx, callers)
	case AllParallelConsistent:
		return allParallelConsistent(ctx, callers)
	default:
		return response.Response{}, errors.New("dispatch: unknown aggregation strategy")
	}
}

func anySequential(ctx context.Context, callers []AgentCaller) (response.Response, error) {
	var lastRes response.Response
	var lastErr error

	for _, call := range callers {
		res, err := call(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if usable(res) {
			return res, nil
		}
		lastRes, lastErr = res, nil
	}
	if lastErr != nil {
		return response.Response{}, lastErr
	}
	return lastRes, nil
}

// anyParallel launches every agent concurrently via errgroup; the first
// goroutine to return a usable response stashes it and returns errDone,
// which errgroup treats as a reason to cancel gctx — tearing down the
// remaining in-flight calls.
func anyParallel(ctx context.Context, callers []AgentCaller) (response.Response, error) {
	group, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var winner *response.Response
	var lastErr error

	for _, call := range callers {
		call := call
		group.Go(func() error {
			res, err := call(gctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return nil
			}
			if !usable(res) {
				return nil
			}
			if winner == nil {
				winner = &res
				return errDone
			}
			return nil
		})
	}

	err := group.Wait()
	if winner != nil {
		return *winner, nil
	}
	if err != nil && !errors.Is(err, errDone) {
		return response.Response{}, err
	}
	if lastErr != nil {
		return response.Response{}, lastErr
	}
	return response.Response{}, errors.New("dispatch: all agents failed")
}

// errDone is a sentinel returned by a winning goroutine purely to trigger
// errgroup's context cancellation of the remaining in-flight calls — it is
// never surfaced as the aggregate's error.
var errDone = errors.New("dispatch: internal done sentinel")

func allParallelConsistent(ctx context.Context, callers []AgentCaller) (response.Response, error) {
	results := make([]response.Response, len(callers))
	errs := make([]error, len(callers))

	group, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for i, call := range callers {
		i, call := i, call
		group.Go(func() error {
			res, err := call(gctx)
			results[i] = res
			errs[i] = err
			return nil
		})
	}
	_ = group.Wait()

	var ok []response.Response
	var lastErr error
	for i, err := range errs {
		if err != nil {
			lastErr = err
			continue
		}
		ok = append(ok, results[i])
	}
	if len(ok) == 0 {
		return response.Response{}, lastErr
	}

	base := ok[0]
	baseBytes, err := base.MarshalBinary()
	if err != nil {
		return response.Response{}, err
	}

	distinct := []response.Response{base}
	distinctBytes := [][]byte{baseBytes}
	allEqual := true
	for _, r := range ok[1:] {
		rb, err := r.MarshalBinary()
		if err != nil {
			return response.Response{}, err
		}
		if bytes.Equal(rb, baseBytes) {
			continue
		}
		allEqual = false
		seen := false
		for _, db := range distinctBytes {
			if bytes.Equal(rb, db) {
				seen = true
				break
			}
		}
		if !seen {
			distinct = append(distinct, r)
			distinctBytes = append(distinctBytes, rb)
		}
	}
	if allEqual {
		return base, nil
	}

	body, err := encodeDivergentList(distinct)
	if err != nil {
		return response.Response{}, err
	}
	return response.Response{Status: 500, Mime: "application/cbor", Body: body}, nil
}

// encodeDivergentList CBOR-encodes the set of inconsistent responses
// surfaced to the caller when all_parallel_consistent agents disagree. The
// base response is listed first, matching the aggregation table's literal
// ordering.
func encodeDivergentList(distinct []response.Response) ([]byte, error) {
	return cbor.Marshal(distinct)
}
