package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GordenArcher/idempotent-proxy/cache"
	"github.com/GordenArcher/idempotent-proxy/response"
)

func TestDispatch_SingleFlight_ExecutesOnce(t *testing.T) {
	engine := New(cache.NewMemory())
	var calls int32

	exec := func(ctx context.Context) (response.Response, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return response.Response{Status: 200, Body: []byte("ok")}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]response.Response, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			results[i], errs[i] = engine.Dispatch(ctx, ctx, "same-key", time.Second, 5*time.Millisecond, exec)
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "expected upstream to be called exactly once")
	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
		require.Equal(t, "ok", string(results[i].Body), "caller %d", i)
	}
}

func TestDispatch_WinnerFailureClearsLock(t *testing.T) {
	engine := New(cache.NewMemory())
	ctx := context.Background()

	failing := func(ctx context.Context) (response.Response, error) {
		return response.Response{}, errors.New("upstream unreachable")
	}
	_, err := engine.Dispatch(ctx, ctx, "retry-key", time.Second, 5*time.Millisecond, failing)
	require.Error(t, err, "expected the winner's failure to propagate")

	succeeding := func(ctx context.Context) (response.Response, error) {
		return response.Response{Status: 200, Body: []byte("recovered")}, nil
	}
	res, err := engine.Dispatch(ctx, ctx, "retry-key", time.Second, 5*time.Millisecond, succeeding)
	require.NoError(t, err, "expected the retry to become the new winner")
	require.Equal(t, "recovered", string(res.Body))
}

func TestDispatch_LoserTimesOutIfWinnerNeverResponds(t *testing.T) {
	engine := New(cache.NewMemory())
	ctx := context.Background()

	release := make(chan struct{})
	winner := func(ctx context.Context) (response.Response, error) {
		<-release
		return response.Response{Status: 200}, nil
	}

	// The winner's lock outlives the loser's 100ms polling budget, so the
	// loser exhausts its polls rather than seeing the lock expire.
	go func() {
		_, _ = engine.Dispatch(ctx, ctx, "slow-key", time.Second, 10*time.Millisecond, winner)
	}()
	time.Sleep(10 * time.Millisecond)

	loser := func(ctx context.Context) (response.Response, error) {
		t.Fatal("loser must not execute the upstream call")
		return response.Response{}, nil
	}
	_, err := engine.Dispatch(ctx, ctx, "slow-key", 100*time.Millisecond, 10*time.Millisecond, loser)
	close(release)

	require.ErrorIs(t, err, ErrPollTimeout)
}

func TestDispatch_WinnerSurvivesInboundCancellation(t *testing.T) {
	engine := New(cache.NewMemory())
	inbound, cancel := context.WithCancel(context.Background())
	execCtx := context.Background()

	started := make(chan struct{})
	finished := make(chan struct{})
	exec := func(ctx context.Context) (response.Response, error) {
		close(started)
		time.Sleep(30 * time.Millisecond)
		close(finished)
		return response.Response{Status: 200, Body: []byte("done")}, nil
	}

	go func() {
		_, _ = engine.Dispatch(inbound, execCtx, "detached-key", time.Second, 5*time.Millisecond, exec)
	}()

	<-started
	cancel()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("expected the winner's upstream call to finish despite inbound cancellation")
	}
}
