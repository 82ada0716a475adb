package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a distributed Cacher backed by a pooled Redis client. Obtain maps
// to SETNX-with-PX, Set to SETXX-with-PX (SET NX PX / SET XX PX / GET / DEL).
type Redis struct {
	client *redis.Client
}

// NewRedis builds a Redis cacher against the given connection URL
// ("redis://host:port/db"). Pool bounds: max 10 connections, min 1 idle.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 1
	opts.ConnMaxIdleTime = 10 * time.Minute
	opts.DialTimeout = 3 * time.Second
	return &Redis{client: redis.NewClient(opts)}, nil
}

func (r *Redis) Obtain(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, lockSentinel, ttl).Result()
	if err != nil {
		return false, wrapBackendErr("obtain", err)
	}
	return ok, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetXX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapBackendErr("set", err)
	}
	if !ok {
		return false, ErrNotObtained
	}
	return true, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return wrapBackendErr("delete", err)
	}
	return nil
}

func (r *Redis) PollGet(ctx context.Context, key string, interval time.Duration, maxPolls int) ([]byte, error) {
	for polls := 0; polls < maxPolls; polls++ {
		val, err := r.client.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			return nil, ErrNotObtained
		case err != nil:
			return nil, wrapBackendErr("polling_get", err)
		}
		if !isLock(val) {
			return val, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, ErrTimeout
}
