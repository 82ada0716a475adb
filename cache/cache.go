// Package cache defines the abstract key-value Cacher contract that the
// dispatch engine is built on, plus the in-memory and Redis-backed
// implementations that satisfy it.
package cache

import (
	"context"
	"errors"
	"time"
)

// lockSentinel is the single-byte payload written by Obtain. Any payload
// longer than this is a completed Response — this length distinction is
// the unified LOCK-vs-RESPONSE test every backend honors.
var lockSentinel = []byte{0}

// Cacher is the abstract key-value store the dispatch engine borrows
// entries from. All operations are async (ctx-bound), key-addressed, with
// TTL expressed as a time.Duration.
type Cacher interface {
	// Obtain atomically creates the entry iff absent, with the LOCK
	// sentinel payload and the given ttl. Returns true iff the caller
	// became the winner.
	Obtain(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// PollGet waits until the entry transitions from LOCK to RESPONSE
	// (payload length > 1) and returns that payload. Returns
	// ErrNotObtained if the entry disappears, ErrTimeout after maxPolls
	// polls spaced by interval.
	PollGet(ctx context.Context, key string, interval time.Duration, maxPolls int) ([]byte, error)

	// Set atomically updates the entry iff it exists. Returns true iff
	// updated; ErrNotObtained if the entry is absent (the winner lost its
	// lock through expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes the entry. Idempotent.
	Delete(ctx context.Context, key string) error
}

var (
	// ErrNotObtained is returned by PollGet when the key disappeared, and
	// by Set when no prior LOCK exists to update.
	ErrNotObtained = errors.New("cache: not obtained")
	// ErrTimeout is returned by PollGet after exhausting maxPolls.
	ErrTimeout = errors.New("cache: polling get timeout")
)

// BackendError wraps a transport/decoding failure from the underlying
// store, surfaced to HTTP callers as 500 CacheBackendError.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string { return "cache: " + e.Op + ": " + e.Err.Error() }
func (e *BackendError) Unwrap() error { return e.Err }

func wrapBackendErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Err: err}
}

// isLock reports whether payload is the LOCK sentinel (length <= 1).
func isLock(payload []byte) bool {
	return len(payload) <= 1
}
