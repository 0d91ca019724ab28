package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ticketforge/reservation-engine/internal/reservation/domain"
)

// Reconciliation queries. Reads are plain snapshots; the actual repair of a
// reservation goes back through the state machine under its lock, so these
// lists may be slightly stale by the time each row is handled; the release
// path re-checks state and no-ops on anything already terminal.

// ListExpiredReservations returns ACTIVE reservations whose deadline falls in
// (after, until]. The orphan stage owns everything at or before after.
func (r *Repository) ListExpiredReservations(ctx context.Context, after, until time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id FROM reservations
WHERE status = $1 AND expires_at > $2 AND expires_at <= $3
ORDER BY expires_at
LIMIT $4`, domain.ReservationActive, after, until, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired reservation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) ListOrphanedReservations(ctx context.Context, cutoff time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, user_id, event_id, status, COALESCE(payment_ref, ''), created_at, expires_at
FROM reservations
WHERE status = $1 AND expires_at <= $2
ORDER BY expires_at
LIMIT $3`, domain.ReservationActive, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list orphaned reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.ID, &res.UserID, &res.EventID, &res.Status, &res.PaymentRef, &res.CreatedAt, &res.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan orphaned reservation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ClampNegativeInventory forces negative availability back to zero and
// reports what it found. Negative values cannot be produced by the guarded
// debit path; anything caught here came from outside the sanctioned writers.
func (r *Repository) ClampNegativeInventory(ctx context.Context) ([]domain.ClampedUnit, error) {
	rows, err := r.pool.Query(ctx, `
UPDATE inventory_units
SET available = 0, updated_at = NOW()
WHERE available < 0
RETURNING id, available`)
	if err != nil {
		return nil, fmt.Errorf("clamp negative inventory: %w", err)
	}
	defer rows.Close()

	var out []domain.ClampedUnit
	for rows.Next() {
		var c domain.ClampedUnit
		if err := rows.Scan(&c.UnitID, &c.Before); err != nil {
			return nil, fmt.Errorf("scan clamped unit: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListInventoryDrift reports units where total != available + active holds +
// sold tickets. The cause of drift is ambiguous, so it is reported and never
// auto-corrected.
func (r *Repository) ListInventoryDrift(ctx context.Context) ([]domain.InventoryDrift, error) {
	rows, err := r.pool.Query(ctx, `
SELECT u.id, u.total, u.available, COALESCE(held.qty, 0), COALESCE(sold.qty, 0)
FROM inventory_units u
LEFT JOIN (
	SELECT ri.inventory_unit_id, SUM(ri.quantity) AS qty
	FROM reservation_items ri
	JOIN reservations res ON res.id = ri.reservation_id
	WHERE res.status = $1
	GROUP BY ri.inventory_unit_id
) held ON held.inventory_unit_id = u.id
LEFT JOIN (
	SELECT t.inventory_unit_id, COUNT(*) AS qty
	FROM issued_tickets t
	WHERE t.status <> $2
	GROUP BY t.inventory_unit_id
) sold ON sold.inventory_unit_id = u.id
WHERE u.total <> u.available + COALESCE(held.qty, 0) + COALESCE(sold.qty, 0)`,
		domain.ReservationActive, domain.TicketCancelled)
	if err != nil {
		return nil, fmt.Errorf("list inventory drift: %w", err)
	}
	defer rows.Close()

	var out []domain.InventoryDrift
	for rows.Next() {
		var d domain.InventoryDrift
		if err := rows.Scan(&d.UnitID, &d.Total, &d.Available, &d.ActiveHeld, &d.Sold); err != nil {
			return nil, fmt.Errorf("scan inventory drift: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
