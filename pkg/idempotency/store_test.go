package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, 24*time.Hour), mr
}

func TestBeginCommitReplay(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	res, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, res.Replay)

	require.NoError(t, s.Commit(ctx, "key-1", []byte(`{"id":"res-1"}`)))

	res, err = s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, res.Replay)
	require.JSONEq(t, `{"id":"res-1"}`, string(res.Response))
}

func TestBeginWhilePending(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)

	_, err = s.Begin(ctx, "key-1")
	require.ErrorIs(t, err, ErrInFlight)
}

func TestCrashedClaimExpiresQuickly(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	// A claim that never reaches Commit or Abort (holder crashed) must not
	// lock the key out for the full replay TTL.
	_, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)

	_, err = s.Begin(ctx, "key-1")
	require.ErrorIs(t, err, ErrInFlight)

	mr.FastForward(time.Minute)

	res, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, res.Replay, "an abandoned claim must become fresh after the pending TTL")
}

func TestCommittedResponseOutlivesPendingTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, "key-1", []byte(`{"id":"res-1"}`)))

	mr.FastForward(time.Hour)

	res, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, res.Replay, "Commit must extend the claim to the replay TTL")
}

func TestAbortFreesTheKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)

	s.Abort(ctx, "key-1")

	res, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, res.Replay, "an aborted key must be claimable again")
}

func TestDistinctKeysAreIndependent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)

	res, err := s.Begin(ctx, "key-2")
	require.NoError(t, err)
	require.False(t, res.Replay)
}

func TestExpiredKeyIsFresh(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, "key-1", []byte(`{}`)))

	mr.FastForward(25 * time.Hour)

	res, err := s.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, res.Replay, "a key past its TTL is a fresh request")
}

func TestFailsClosedWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewStore(rdb, time.Hour)
	mr.Close()

	_, err := s.Begin(context.Background(), "key-1")
	require.ErrorIs(t, err, ErrUnavailable)

	err = s.Commit(context.Background(), "key-1", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnavailable)
}
