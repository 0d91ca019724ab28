// Package idempotency deduplicates client requests by a caller-supplied key.
// The stored response is returned verbatim on replay, so a retried purchase
// mutates inventory exactly once. The store fails closed: if Redis is
// unreachable the request is rejected rather than risking a double charge.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInFlight means another request with the same key started but has not
// committed its response yet.
var ErrInFlight = errors.New("idempotency: request with this key is in flight")

// ErrUnavailable means the backing store could not be reached.
var ErrUnavailable = errors.New("idempotency: store unavailable")

// pendingMarker occupies a key between Begin and Commit. Responses are JSON
// documents and can never collide with it.
const pendingMarker = "\x00pending"

// pendingTTL bounds how long a claim survives a process that crashed between
// Begin and Commit. It only has to outlive one in-flight request; the long
// replay TTL is applied by Commit.
const pendingTTL = 30 * time.Second

type Result struct {
	// Replay is true when the key was seen before and Response carries the
	// originally committed payload.
	Replay   bool
	Response []byte
}

type Store struct {
	rdb      *redis.Client
	ttl      time.Duration
	keySpace string
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, keySpace: "idem:"}
}

// Begin claims key before any side effect. Fresh keys return Replay=false and
// the caller must Commit (or Abort on failure). A key with a committed
// response returns it verbatim; a key still pending returns ErrInFlight.
func (s *Store) Begin(ctx context.Context, key string) (Result, error) {
	rk := s.keySpace + key
	ok, err := s.rdb.SetNX(ctx, rk, pendingMarker, pendingTTL).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ok {
		return Result{}, nil
	}

	val, err := s.rdb.Get(ctx, rk).Result()
	if err == redis.Nil {
		// Marker expired between SetNX and Get; treat as in flight and let
		// the client retry.
		return Result{}, ErrInFlight
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if val == pendingMarker {
		return Result{}, ErrInFlight
	}
	return Result{Replay: true, Response: []byte(val)}, nil
}

// Commit stores the response for key with the full replay TTL, replacing the
// short-lived pending claim.
func (s *Store) Commit(ctx context.Context, key string, response []byte) error {
	err := s.rdb.Set(ctx, s.keySpace+key, response, s.ttl).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Abort frees a claimed key after the guarded operation failed, so the
// client's retry is treated as fresh rather than replaying a failure.
func (s *Store) Abort(ctx context.Context, key string) {
	_ = s.rdb.Del(ctx, s.keySpace+key).Err()
}
