package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis("redis://" + mr.Addr())
	require.NoError(t, err)
	return r
}

func TestRedis_ObtainIsExclusive(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	first, err := r.Obtain(ctx, "k1", time.Second)
	require.NoError(t, err)
	require.True(t, first, "expected the first Obtain to win")

	second, err := r.Obtain(ctx, "k1", time.Second)
	require.NoError(t, err)
	require.False(t, second, "expected the second Obtain to lose")
}

func TestRedis_SetThenPollGetReplays(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	_, err := r.Obtain(ctx, "k2", time.Second)
	require.NoError(t, err)

	ok, err := r.Set(ctx, "k2", []byte("the response"), time.Second)
	require.NoError(t, err)
	require.True(t, ok, "expected Set to succeed over an obtained lock")

	val, err := r.PollGet(ctx, "k2", 5*time.Millisecond, 10)
	require.NoError(t, err)
	require.Equal(t, "the response", string(val))
}

func TestRedis_SetWithoutObtainFails(t *testing.T) {
	r := newTestRedis(t)
	ok, err := r.Set(context.Background(), "never-obtained", []byte("x"), time.Second)
	require.ErrorIs(t, err, ErrNotObtained)
	require.False(t, ok, "expected Set to fail without a prior Obtain")
}

func TestRedis_PollGetTimesOutOnBareLock(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	_, err := r.Obtain(ctx, "k3", time.Minute)
	require.NoError(t, err)

	_, err = r.PollGet(ctx, "k3", 2*time.Millisecond, 3)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRedis_PollGetNotObtainedWhenAbsent(t *testing.T) {
	r := newTestRedis(t)
	_, err := r.PollGet(context.Background(), "absent-key", 2*time.Millisecond, 3)
	require.ErrorIs(t, err, ErrNotObtained)
}

func TestRedis_DeleteIsIdempotent(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	_, err := r.Obtain(ctx, "k4", time.Second)
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "k4"))
	require.NoError(t, r.Delete(ctx, "k4"), "second delete should be a no-op")

	_, err = r.PollGet(ctx, "k4", 2*time.Millisecond, 3)
	require.ErrorIs(t, err, ErrNotObtained)
}

func TestRedis_EntryExpiresAfterTTL(t *testing.T) {
	// miniredis does not age keys on the wall clock; FastForward moves its
	// TTL clock past the lock's expiry.
	mr := miniredis.RunT(t)
	r, err := NewRedis("redis://" + mr.Addr())
	require.NoError(t, err)
	ctx := context.Background()
	_, err = r.Obtain(ctx, "k5", 10*time.Millisecond)
	require.NoError(t, err)
	mr.FastForward(30 * time.Millisecond)

	again, err := r.Obtain(ctx, "k5", time.Second)
	require.NoError(t, err)
	require.True(t, again, "expected the expired lock to be obtainable again")
}
