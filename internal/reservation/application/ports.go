package application

import (
	"context"
	"time"

	"github.com/ticketforge/reservation-engine/internal/reservation/domain"
)

// Repository is the transactional persistence port of the state machine. All
// mutating methods must be called inside WithTx; the implementation carries
// the transaction in the context the same way it scopes row locks.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetInventoryUnit(ctx context.Context, unitID string) (domain.InventoryUnit, error)
	// GetInventoryUnitForUpdate takes a row lock for the rest of the
	// transaction (SELECT ... FOR UPDATE).
	GetInventoryUnitForUpdate(ctx context.Context, unitID string) (domain.InventoryUnit, error)
	// DebitInventory subtracts qty guarded by available >= qty; the guard
	// failing surfaces as an insufficient-inventory conflict.
	DebitInventory(ctx context.Context, unitID string, qty int) error
	CreditInventory(ctx context.Context, unitID string, qty int) error

	CreateReservation(ctx context.Context, r domain.Reservation) error
	GetReservation(ctx context.Context, id string) (domain.Reservation, error)
	GetReservationForUpdate(ctx context.Context, id string) (domain.Reservation, error)
	// RecordPaymentAttempt persists the payment reference on a still-ACTIVE
	// reservation. It runs outside the confirmation transaction on purpose:
	// a confirm that crashes afterwards leaves the reference behind, which
	// is what the reconciler's orphan classifier keys on.
	RecordPaymentAttempt(ctx context.Context, id, paymentRef string) error
	MarkCompleted(ctx context.Context, id, paymentRef string) error
	MarkReleased(ctx context.Context, id string, status domain.ReservationStatus, reason domain.ReleaseReason, at time.Time) error

	CreateTickets(ctx context.Context, tickets []domain.IssuedTicket) error

	// AppendEvent writes an outbox row in the surrounding transaction.
	AppendEvent(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error
	AppendHistory(ctx context.Context, e domain.HistoryEntry) error
}

// Locker serializes mutation of inventory and reservation keys across all
// service instances.
type Locker interface {
	WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error
	WithLocks(ctx context.Context, keys []string, timeout time.Duration, fn func(ctx context.Context) error) error
	TryWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}
