// Package reconciler hosts the periodic safety net: it expires stale
// reservations, repairs orphans left behind by crashed or abandoned
// checkouts, and audits the inventory ledger for invariant violations. All
// reservation repairs go back through the state machine under the same lock
// discipline as the live path.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ticketforge/reservation-engine/internal/reservation/domain"
	"github.com/ticketforge/reservation-engine/pkg/clock"
)

// Store provides the reconciliation reads plus the outbox append used for
// the sweep summary.
type Store interface {
	ListExpiredReservations(ctx context.Context, after, until time.Time, limit int) ([]string, error)
	ListOrphanedReservations(ctx context.Context, cutoff time.Time, limit int) ([]domain.Reservation, error)
	ClampNegativeInventory(ctx context.Context) ([]domain.ClampedUnit, error)
	ListInventoryDrift(ctx context.Context) ([]domain.InventoryDrift, error)
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	AppendEvent(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error
}

// Releaser is the state machine's repair entry point. The bool result
// reports whether this call performed the release; false means the
// reservation was already terminal.
type Releaser interface {
	Release(ctx context.Context, reservationID string, reason domain.ReleaseReason, detail string) (bool, error)
}

// ErrSweepInProgress means a sweep was requested while the previous one is
// still running; the caller should simply wait for the next tick.
var ErrSweepInProgress = errors.New("reconciler: sweep already in progress")

const (
	defaultInterval       = time.Minute
	defaultOrphanGrace    = 30 * time.Minute
	defaultBatchSize      = 500
	defaultAlertThreshold = 25
)

type Worker struct {
	log            *slog.Logger
	store          Store
	releaser       Releaser
	clock          clock.Clock
	interval       time.Duration
	orphanGrace    time.Duration
	batchSize      int
	alertThreshold int

	mu sync.Mutex
}

type Option func(*Worker)

func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOrphanGrace sets how far past its deadline a reservation must be
// before the orphan stage claims it.
func WithOrphanGrace(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.orphanGrace = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithAlertThreshold sets the repair or error count at which a sweep emits
// its summary event for operators.
func WithAlertThreshold(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.alertThreshold = n
		}
	}
}

func NewWorker(log *slog.Logger, store Store, releaser Releaser, clk clock.Clock, opts ...Option) *Worker {
	w := &Worker{
		log:            log,
		store:          store,
		releaser:       releaser,
		clock:          clk,
		interval:       defaultInterval,
		orphanGrace:    defaultOrphanGrace,
		batchSize:      defaultBatchSize,
		alertThreshold: defaultAlertThreshold,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes sweeps on a fixed cadence until the context is cancelled. A
// tick that arrives while a sweep is still running is skipped, never
// overlapped.
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("reconciler stopping")
			return nil
		case <-t.C:
			sum, err := w.Sweep(ctx)
			if errors.Is(err, ErrSweepInProgress) {
				w.log.Warn("sweep still running, tick skipped")
				continue
			}
			if err != nil {
				w.log.Error("sweep failed", "err", err)
				continue
			}
			w.log.Info("sweep finished",
				"expired", sum.Expired,
				"orphaned", sum.Orphaned,
				"skipped", sum.Skipped,
				"clamped", sum.Clamped,
				"drifted", sum.Drifted,
				"errors", len(sum.Errors),
				"duration", sum.FinishedAt.Sub(sum.StartedAt),
			)
		}
	}
}

// ItemError records one failed repair without halting the sweep over the
// remaining rows.
type ItemError struct {
	Stage string `json:"stage"`
	ID    string `json:"id"`
	Msg   string `json:"msg"`
}

type Summary struct {
	SweepID    string      `json:"sweep_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Expired    int         `json:"expired"`
	Orphaned   int         `json:"orphaned"`
	Skipped    int         `json:"skipped"`
	Clamped    int         `json:"clamped"`
	Drifted    int         `json:"drifted"`
	Errors     []ItemError `json:"errors,omitempty"`
}

func (s Summary) repairs() int { return s.Expired + s.Orphaned + s.Clamped }

// Sweep runs one full reconciliation pass: expire, orphan cleanup, ledger
// audit, then a summary event when the pass looks systemic rather than
// routine.
func (w *Worker) Sweep(ctx context.Context) (Summary, error) {
	if !w.mu.TryLock() {
		return Summary{}, ErrSweepInProgress
	}
	defer w.mu.Unlock()

	now := w.clock.Now()
	sum := Summary{SweepID: uuid.NewString(), StartedAt: now}
	cutoff := now.Add(-w.orphanGrace)

	w.expireStale(ctx, cutoff, now, &sum)
	w.cleanOrphans(ctx, cutoff, now, &sum)
	w.reconcileInventory(ctx, &sum)

	sum.FinishedAt = w.clock.Now()

	if sum.Clamped > 0 || sum.repairs() >= w.alertThreshold || len(sum.Errors) >= w.alertThreshold {
		if err := w.emitSummary(ctx, sum); err != nil {
			w.log.Error("emit sweep summary failed", "sweep_id", sum.SweepID, "err", err)
		}
	}
	return sum, nil
}

func (w *Worker) expireStale(ctx context.Context, after, until time.Time, sum *Summary) {
	ids, err := w.store.ListExpiredReservations(ctx, after, until, w.batchSize)
	if err != nil {
		sum.Errors = append(sum.Errors, ItemError{Stage: "expire", Msg: err.Error()})
		return
	}
	for _, id := range ids {
		released, err := w.releaser.Release(ctx, id, domain.ReleaseTimeout,
			fmt.Sprintf("expired before %s", until.Format(time.RFC3339)))
		switch {
		case domain.IsConflict(err):
			// Someone else is acting on this reservation right now; the
			// next tick will see it again if it still matters.
			sum.Skipped++
		case err != nil:
			w.log.Error("expire reservation failed", "reservation_id", id, "err", err)
			sum.Errors = append(sum.Errors, ItemError{Stage: "expire", ID: id, Msg: err.Error()})
		case released:
			sum.Expired++
		}
	}
}

func (w *Worker) cleanOrphans(ctx context.Context, cutoff, now time.Time, sum *Summary) {
	orphans, err := w.store.ListOrphanedReservations(ctx, cutoff, w.batchSize)
	if err != nil {
		sum.Errors = append(sum.Errors, ItemError{Stage: "orphan", Msg: err.Error()})
		return
	}
	for _, res := range orphans {
		class := classifyOrphan(res, now, w.orphanGrace)
		released, err := w.releaser.Release(ctx, res.ID, domain.ReleaseOrphanCleanup, "orphan_class="+string(class))
		switch {
		case domain.IsConflict(err):
			sum.Skipped++
		case err != nil:
			w.log.Error("orphan cleanup failed", "reservation_id", res.ID, "class", class, "err", err)
			sum.Errors = append(sum.Errors, ItemError{Stage: "orphan", ID: res.ID, Msg: err.Error()})
		case released:
			w.log.Warn("orphan reservation released",
				"reservation_id", res.ID, "class", class, "expired_at", res.ExpiresAt)
			sum.Orphaned++
		}
	}
}

func (w *Worker) reconcileInventory(ctx context.Context, sum *Summary) {
	clamped, err := w.store.ClampNegativeInventory(ctx)
	if err != nil {
		sum.Errors = append(sum.Errors, ItemError{Stage: "clamp", Msg: err.Error()})
	}
	for _, c := range clamped {
		// Negative availability is impossible through the guarded debit
		// path; this is a critical invariant violation.
		w.log.Error("negative inventory clamped to zero", "unit_id", c.UnitID, "was", c.Before)
		sum.Clamped++
	}

	drifts, err := w.store.ListInventoryDrift(ctx)
	if err != nil {
		sum.Errors = append(sum.Errors, ItemError{Stage: "drift", Msg: err.Error()})
	}
	for _, d := range drifts {
		// Cause is ambiguous: report for manual review, never auto-correct.
		w.log.Warn("inventory conservation drift",
			"unit_id", d.UnitID,
			"total", d.Total,
			"available", d.Available,
			"active_held", d.ActiveHeld,
			"sold", d.Sold,
			"delta", d.Delta(),
		)
		sum.Drifted++
	}
}

func (w *Worker) emitSummary(ctx context.Context, sum Summary) error {
	return w.store.WithTx(ctx, func(ctx context.Context) error {
		return w.store.AppendEvent(ctx, domain.AggregateReconciler, sum.SweepID, domain.EventReconcilerSummary, sum)
	})
}

// OrphanClass labels why an orphaned reservation was still holding
// inventory long past its deadline.
type OrphanClass string

const (
	// OrphanOrderFailed: a confirmation started (payment reference
	// recorded) but never completed.
	OrphanOrderFailed OrphanClass = "order_failed"
	// OrphanShouldBeExpired: the normal expiry pass missed it for multiple
	// grace windows, usually crash recovery or clock skew.
	OrphanShouldBeExpired OrphanClass = "should_be_expired"
	// OrphanNoOrder: the checkout was abandoned before any confirmation
	// attempt.
	OrphanNoOrder OrphanClass = "no_order"
)

func classifyOrphan(res domain.Reservation, now time.Time, grace time.Duration) OrphanClass {
	switch {
	case res.PaymentRef != "":
		return OrphanOrderFailed
	case now.Sub(res.ExpiresAt) >= 2*grace:
		return OrphanShouldBeExpired
	default:
		return OrphanNoOrder
	}
}
