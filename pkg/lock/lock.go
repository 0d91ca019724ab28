// Package lock provides lease-based mutual exclusion across service
// instances, backed by Redis. Locks are leased, never held indefinitely: a
// holder that crashes loses the key when the lease expires, so a contended
// resource can never deadlock forever.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrTimeout means the lock could not be acquired within the caller's
	// budget. Transient; the caller should ask the user to retry.
	ErrTimeout = errors.New("lock: acquisition timed out")
	// ErrContention means a conflicting operation holds the lock right now.
	ErrContention = errors.New("lock: resource is locked by another operation")
	// ErrSystem means the lock backing store itself failed.
	ErrSystem = errors.New("lock: backing store unavailable")
)

// releaseScript deletes the key only when it still carries our token, so an
// expired lease reacquired by someone else is never released from under them.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type Coordinator struct {
	rdb      *redis.Client
	lease    time.Duration
	retry    time.Duration
	keySpace string
}

type Option func(*Coordinator)

// WithLease overrides how long an acquired lock survives a crashed holder.
func WithLease(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lease = d
		}
	}
}

// WithRetryInterval overrides the poll interval used while waiting.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retry = d
		}
	}
}

const (
	defaultLease = 30 * time.Second
	defaultRetry = 50 * time.Millisecond
)

func NewCoordinator(rdb *redis.Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		rdb:      rdb,
		lease:    defaultLease,
		retry:    defaultRetry,
		keySpace: "lock:",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithLock runs fn while holding the lock for key, blocking up to timeout for
// acquisition. The lock is released exactly once, whether fn succeeds or
// fails. fn's error is returned unwrapped so domain errors survive.
func (c *Coordinator) WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error {
	token, err := c.acquire(ctx, key, timeout)
	if err != nil {
		return err
	}
	defer c.release(key, token)
	return fn(ctx)
}

// TryWithLock is the non-blocking variant: if the lock is held it returns
// ErrContention immediately instead of waiting. Used by the reconciliation
// worker so a contended reservation is skipped, not waited on.
func (c *Coordinator) TryWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, c.keySpace+key, token, c.lease).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSystem, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrContention, key)
	}
	defer c.release(key, token)
	return fn(ctx)
}

// WithLocks acquires every key in sorted order before running fn. Sorting
// gives a global acquisition order, which rules out deadlock between two
// multi-key callers.
func (c *Coordinator) WithLocks(ctx context.Context, keys []string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if len(keys) == 0 {
		return fn(ctx)
	}
	ordered := make([]string, len(keys))
	copy(ordered, keys)
	sort.Strings(ordered)

	var run func(i int) error
	run = func(i int) error {
		if i == len(ordered) {
			return fn(ctx)
		}
		return c.WithLock(ctx, ordered[i], timeout, func(ctx context.Context) error {
			return run(i + 1)
		})
	}
	return run(0)
}

func (c *Coordinator) acquire(ctx context.Context, key string, timeout time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		ok, err := c.rdb.SetNX(ctx, c.keySpace+key, token, c.lease).Result()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSystem, err)
		}
		if ok {
			return token, nil
		}
		if time.Now().Add(c.retry).After(deadline) {
			return "", fmt.Errorf("%w: %s after %s", ErrTimeout, key, timeout)
		}
		select {
		case <-ctx.Done():
			// The caller gave up, not the lock; report their cancellation
			// rather than a timeout.
			return "", ctx.Err()
		case <-time.After(c.retry):
		}
	}
}

// release uses a background context: the caller's context may already be
// cancelled, and an unreleased lock would otherwise pin the key for the
// whole lease.
func (c *Coordinator) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = releaseScript.Run(ctx, c.rdb, []string{c.keySpace + key}, token).Result()
}
