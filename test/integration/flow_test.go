//go:build integration

package integration

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ticketforge/reservation-engine/internal/reconciler"
	"github.com/ticketforge/reservation-engine/internal/reservation/application"
	"github.com/ticketforge/reservation-engine/internal/reservation/domain"
	pgstore "github.com/ticketforge/reservation-engine/internal/reservation/infrastructure/postgres"
	"github.com/ticketforge/reservation-engine/migrations"
	"github.com/ticketforge/reservation-engine/pkg/clock"
	"github.com/ticketforge/reservation-engine/pkg/idempotency"
	"github.com/ticketforge/reservation-engine/pkg/lock"
)

var env *Env

func TestMain(m *testing.M) {
	ctx := context.Background()
	var err error
	env, err = Setup(ctx)
	if err != nil {
		panic(err)
	}
	code := m.Run()
	env.Teardown(ctx)
	os.Exit(code)
}

type stack struct {
	pool *pgxpool.Pool
	repo *pgstore.Repository
	svc  *application.Service
	rdb  *goredis.Client
}

func newStack(t *testing.T, opts ...application.Option) *stack {
	t.Helper()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, env.PGURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, migrations.Apply(ctx, pool))

	rdb := goredis.NewClient(&goredis.Options{Addr: env.RedisAddr})
	t.Cleanup(func() { _ = rdb.Close() })

	log := slog.New(slog.DiscardHandler)
	repo := pgstore.NewRepository(log, pool)
	locks := lock.NewCoordinator(rdb, lock.WithRetryInterval(10*time.Millisecond))
	svc := application.NewService(log, repo, locks, clock.NewSystem(), opts...)
	return &stack{pool: pool, repo: repo, svc: svc, rdb: rdb}
}

func (s *stack) seedUnit(t *testing.T, eventID string, total int) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, s.repo.CreateInventoryUnit(context.Background(), domain.InventoryUnit{
		ID: id, EventID: eventID, Name: "GA", Total: total, Available: total, PriceCents: 2500,
	}))
	return id
}

func (s *stack) available(t *testing.T, unitID string) int {
	t.Helper()
	u, err := s.repo.GetInventoryUnit(context.Background(), unitID)
	require.NoError(t, err)
	return u.Available
}

func TestPurchaseFlow(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	eventID := uuid.NewString()
	unitID := s.seedUnit(t, eventID, 10)

	res, err := s.svc.CreateReservation(ctx, application.CreateReservationInput{
		UserID:  uuid.NewString(),
		EventID: eventID,
		Items:   []domain.LineItem{{InventoryUnitID: unitID, Quantity: 3}},
	})
	require.NoError(t, err)
	require.Equal(t, 7, s.available(t, unitID))

	tickets, err := s.svc.ConfirmReservation(ctx, res.ID, "pay-1")
	require.NoError(t, err)
	require.Len(t, tickets, 3)

	got, err := s.svc.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationCompleted, got.Status)
	require.Equal(t, 7, s.available(t, unitID), "confirmation keeps the debit")

	_, err = s.svc.ConfirmReservation(ctx, res.ID, "pay-2")
	require.True(t, domain.IsConflict(err))

	var ticketCount int
	require.NoError(t, s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM issued_tickets WHERE reservation_id = $1`, res.ID).Scan(&ticketCount))
	require.Equal(t, 3, ticketCount, "retried confirm must not duplicate tickets")
}

func TestCancelRestoresInventory(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	eventID := uuid.NewString()
	unitID := s.seedUnit(t, eventID, 5)
	userID := uuid.NewString()

	res, err := s.svc.CreateReservation(ctx, application.CreateReservationInput{
		UserID:  userID,
		EventID: eventID,
		Items:   []domain.LineItem{{InventoryUnitID: unitID, Quantity: 2}},
	})
	require.NoError(t, err)
	require.Equal(t, 3, s.available(t, unitID))

	out, err := s.svc.ReleaseReservation(ctx, res.ID, userID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationCancelled, out.Status)
	require.Equal(t, 5, s.available(t, unitID))

	// Releasing again is a no-op, not a second credit.
	out, err = s.svc.ReleaseReservation(ctx, res.ID, userID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationCancelled, out.Status)
	require.Equal(t, 5, s.available(t, unitID))
}

func TestConcurrentBuyersNeverOversell(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	eventID := uuid.NewString()
	unitID := s.seedUnit(t, eventID, 5)

	const buyers = 20
	errs := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		go func() {
			_, err := s.svc.CreateReservation(ctx, application.CreateReservationInput{
				UserID:  uuid.NewString(),
				EventID: eventID,
				Items:   []domain.LineItem{{InventoryUnitID: unitID, Quantity: 1}},
			})
			errs <- err
		}()
	}

	var ok int
	for i := 0; i < buyers; i++ {
		if err := <-errs; err == nil {
			ok++
		} else {
			require.True(t, domain.IsConflict(err), "unexpected error: %v", err)
		}
	}
	require.Equal(t, 5, ok)
	require.Equal(t, 0, s.available(t, unitID))
}

func TestReconcilerExpiresStaleHolds(t *testing.T) {
	s := newStack(t, application.WithReservationTTL(time.Millisecond))
	ctx := context.Background()
	eventID := uuid.NewString()
	unitID := s.seedUnit(t, eventID, 4)

	res, err := s.svc.CreateReservation(ctx, application.CreateReservationInput{
		UserID:  uuid.NewString(),
		EventID: eventID,
		Items:   []domain.LineItem{{InventoryUnitID: unitID, Quantity: 4}},
	})
	require.NoError(t, err)
	require.Equal(t, 0, s.available(t, unitID))
	time.Sleep(50 * time.Millisecond)

	w := reconciler.NewWorker(slog.New(slog.DiscardHandler), s.repo, s.svc, clock.NewSystem())
	sum, err := w.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Expired)
	require.Equal(t, 4, s.available(t, unitID))

	got, err := s.svc.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationExpired, got.Status)
	require.Equal(t, domain.ReleaseTimeout, got.ReleaseReason)

	// Confirming after expiry is refused.
	_, err = s.svc.ConfirmReservation(ctx, res.ID, "pay-late")
	require.True(t, domain.IsConflict(err))
}

func TestOutboxRowsAccompanyStateChanges(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	eventID := uuid.NewString()
	unitID := s.seedUnit(t, eventID, 3)

	res, err := s.svc.CreateReservation(ctx, application.CreateReservationInput{
		UserID:  uuid.NewString(),
		EventID: eventID,
		Items:   []domain.LineItem{{InventoryUnitID: unitID, Quantity: 1}},
	})
	require.NoError(t, err)
	_, err = s.svc.ConfirmReservation(ctx, res.ID, "pay-1")
	require.NoError(t, err)

	rows, err := s.pool.Query(ctx,
		`SELECT type FROM outbox WHERE aggregate_id = $1 ORDER BY id`, res.ID)
	require.NoError(t, err)
	defer rows.Close()

	var types []string
	for rows.Next() {
		var typ string
		require.NoError(t, rows.Scan(&typ))
		types = append(types, typ)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []string{"reservation.created", "tickets.purchased"}, types)
}

func TestIdempotencyStoreRoundTrip(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	store := idempotency.NewStore(s.rdb, time.Hour)

	key := uuid.NewString()
	begin, err := store.Begin(ctx, key)
	require.NoError(t, err)
	require.False(t, begin.Replay)
	require.NoError(t, store.Commit(ctx, key, []byte(`{"id":"r1"}`)))

	begin, err = store.Begin(ctx, key)
	require.NoError(t, err)
	require.True(t, begin.Replay)
	require.Equal(t, []byte(`{"id":"r1"}`), begin.Response)
}
