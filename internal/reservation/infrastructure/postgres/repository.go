package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ticketforge/reservation-engine/internal/reservation/domain"
	"github.com/ticketforge/reservation-engine/pkg/tracing"
)

// Repository implements the state machine's persistence port on Postgres.
// Mutations run against the transaction carried in the context by WithTx.
type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *Repository) q(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const inventoryColumns = `id, event_id, name, total, available, price_cents, updated_at`

func (r *Repository) GetInventoryUnit(ctx context.Context, unitID string) (domain.InventoryUnit, error) {
	return r.getInventoryUnit(ctx, unitID, "")
}

func (r *Repository) GetInventoryUnitForUpdate(ctx context.Context, unitID string) (domain.InventoryUnit, error) {
	return r.getInventoryUnit(ctx, unitID, " FOR UPDATE")
}

func (r *Repository) getInventoryUnit(ctx context.Context, unitID, suffix string) (domain.InventoryUnit, error) {
	query := `SELECT ` + inventoryColumns + ` FROM inventory_units WHERE id = $1` + suffix

	var u domain.InventoryUnit
	err := r.q(ctx).QueryRow(ctx, query, unitID).
		Scan(&u.ID, &u.EventID, &u.Name, &u.Total, &u.Available, &u.PriceCents, &u.UpdatedAt)
	if err != nil {
		if isInvalidUUID(err) || err == pgx.ErrNoRows {
			return domain.InventoryUnit{}, domain.ErrInventoryNotFound
		}
		return domain.InventoryUnit{}, fmt.Errorf("get inventory unit: %w", err)
	}
	return u, nil
}

func (r *Repository) DebitInventory(ctx context.Context, unitID string, qty int) error {
	const stmt = `
UPDATE inventory_units
SET available = available - $2, updated_at = NOW()
WHERE id = $1 AND available >= $2`

	ct, err := r.q(ctx).Exec(ctx, stmt, unitID, qty)
	if err != nil {
		return fmt.Errorf("debit inventory: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// The caller checked availability under FOR UPDATE, so this only
		// fires if that check was skipped. Refuse rather than oversell.
		return domain.ErrInsufficientInventory(unitID, qty, -1)
	}
	return nil
}

func (r *Repository) CreditInventory(ctx context.Context, unitID string, qty int) error {
	const stmt = `
UPDATE inventory_units
SET available = available + $2, updated_at = NOW()
WHERE id = $1`

	ct, err := r.q(ctx).Exec(ctx, stmt, unitID, qty)
	if err != nil {
		// The available <= total CHECK caught an over-credit. Crediting more
		// than was ever debited is the same class of ledger corruption as
		// negative availability and must not be papered over.
		if isCheckViolation(err) {
			r.log.Error("inventory over-credit refused", "unit_id", unitID, "qty", qty)
			return domain.NewInvariant("inventory_overcredit", "credit would raise availability above total")
		}
		return fmt.Errorf("credit inventory: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrInventoryNotFound
	}
	return nil
}

func (r *Repository) CreateReservation(ctx context.Context, res domain.Reservation) error {
	const stmt = `
INSERT INTO reservations (id, user_id, event_id, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.q(ctx).Exec(ctx, stmt,
		res.ID, res.UserID, res.EventID, res.Status, res.CreatedAt, res.ExpiresAt,
	); err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}

	batch := &pgx.Batch{}
	for _, it := range res.Items {
		batch.Queue(`INSERT INTO reservation_items (reservation_id, inventory_unit_id, quantity) VALUES ($1, $2, $3)`,
			res.ID, it.InventoryUnitID, it.Quantity)
	}
	if err := r.q(ctx).SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("create reservation items: %w", err)
	}
	return nil
}

const reservationColumns = `id, user_id, event_id, status, COALESCE(payment_ref, ''), created_at, expires_at, released_at, COALESCE(release_reason, '')`

func (r *Repository) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	return r.getReservation(ctx, id, "")
}

func (r *Repository) GetReservationForUpdate(ctx context.Context, id string) (domain.Reservation, error) {
	return r.getReservation(ctx, id, " FOR UPDATE")
}

func (r *Repository) getReservation(ctx context.Context, id, suffix string) (domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1` + suffix

	var res domain.Reservation
	var reason string
	err := r.q(ctx).QueryRow(ctx, query, id).Scan(
		&res.ID, &res.UserID, &res.EventID, &res.Status, &res.PaymentRef,
		&res.CreatedAt, &res.ExpiresAt, &res.ReleasedAt, &reason,
	)
	if err != nil {
		if isInvalidUUID(err) || err == pgx.ErrNoRows {
			return domain.Reservation{}, domain.ErrReservationNotFound
		}
		return domain.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	res.ReleaseReason = domain.ReleaseReason(reason)

	rows, err := r.q(ctx).Query(ctx,
		`SELECT inventory_unit_id, quantity FROM reservation_items WHERE reservation_id = $1 ORDER BY inventory_unit_id`, id)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("get reservation items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.LineItem
		if err := rows.Scan(&it.InventoryUnitID, &it.Quantity); err != nil {
			return domain.Reservation{}, fmt.Errorf("scan reservation item: %w", err)
		}
		res.Items = append(res.Items, it)
	}
	if err := rows.Err(); err != nil {
		return domain.Reservation{}, fmt.Errorf("read reservation items: %w", err)
	}
	return res, nil
}

func (r *Repository) RecordPaymentAttempt(ctx context.Context, id, paymentRef string) error {
	const stmt = `UPDATE reservations SET payment_ref = $2 WHERE id = $1 AND status = $3`

	ct, err := r.q(ctx).Exec(ctx, stmt, id, paymentRef, domain.ReservationActive)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrReservationNotFound
		}
		return fmt.Errorf("record payment attempt: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// Distinguish a missing reservation from a terminal one.
		if _, err := r.GetReservation(ctx, id); err != nil {
			return err
		}
		return domain.ErrReservationInactive
	}
	return nil
}

func (r *Repository) MarkCompleted(ctx context.Context, id, paymentRef string) error {
	const stmt = `
UPDATE reservations
SET status = $2, payment_ref = $3, released_at = NULL
WHERE id = $1 AND status = $4`

	ct, err := r.q(ctx).Exec(ctx, stmt, id, domain.ReservationCompleted, paymentRef, domain.ReservationActive)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrReservationInactive
	}
	return nil
}

func (r *Repository) MarkReleased(ctx context.Context, id string, status domain.ReservationStatus, reason domain.ReleaseReason, at time.Time) error {
	const stmt = `
UPDATE reservations
SET status = $2, release_reason = $3, released_at = $4
WHERE id = $1 AND status = $5`

	ct, err := r.q(ctx).Exec(ctx, stmt, id, status, reason, at, domain.ReservationActive)
	if err != nil {
		return fmt.Errorf("mark released: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrReservationInactive
	}
	return nil
}

func (r *Repository) CreateTickets(ctx context.Context, tickets []domain.IssuedTicket) error {
	if len(tickets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range tickets {
		batch.Queue(`
INSERT INTO issued_tickets (id, reservation_id, owner_id, inventory_unit_id, status, price_cents, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			t.ID, t.ReservationID, t.OwnerID, t.InventoryUnitID, t.Status, t.PriceCents, t.CreatedAt)
	}
	if err := r.q(ctx).SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("create tickets: %w", err)
	}
	return nil
}

func (r *Repository) AppendEvent(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	const stmt = `
INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), 'pending')`

	if _, err := r.q(ctx).Exec(ctx, stmt, aggregateType, aggregateID, eventType, body, tracing.Traceparent(ctx)); err != nil {
		return fmt.Errorf("append outbox event: %w", err)
	}
	return nil
}

func (r *Repository) AppendHistory(ctx context.Context, e domain.HistoryEntry) error {
	const stmt = `
INSERT INTO reservation_history (reservation_id, action, reason, actor, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.q(ctx).Exec(ctx, stmt,
		e.ReservationID, e.Action, e.Reason, e.Actor, e.Detail, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("append reservation history: %w", err)
	}
	return nil
}

func (r *Repository) CreateInventoryUnit(ctx context.Context, u domain.InventoryUnit) error {
	const stmt = `
INSERT INTO inventory_units (id, event_id, name, total, available, price_cents, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())`

	if _, err := r.q(ctx).Exec(ctx, stmt,
		u.ID, u.EventID, u.Name, u.Total, u.Available, u.PriceCents,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.NewConflict("inventory_exists", "inventory unit already exists")
		}
		return fmt.Errorf("create inventory unit: %w", err)
	}
	return nil
}
