package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ticketforge/reservation-engine/pkg/outbox"
)

// OutboxStore claims and settles outbox rows for the relay. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent relay instances partition the backlog
// instead of blocking each other.
type OutboxStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewOutboxStore(log *slog.Logger, pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{log: log, pool: pool}
}

func (s *OutboxStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]outbox.Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx, `
SELECT id, aggregate_type, aggregate_id, type, payload, COALESCE(traceparent, ''), created_at, retry_count
FROM outbox
WHERE status = 'pending'
ORDER BY id
FOR UPDATE SKIP LOCKED
LIMIT $1`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("select pending outbox: %w", err)
	}

	var events []outbox.Event
	for rows.Next() {
		var e outbox.Event
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.Type, &e.Payload, &e.Traceparent, &e.CreatedAt, &e.RetryCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read outbox rows: %w", err)
	}
	if len(events) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	if _, err := tx.Exec(ctx, `
UPDATE outbox
SET status = $1, relay_id = $2, lease_until = NOW() + make_interval(secs => $3)
WHERE id = ANY($4)`, outbox.StatusInProgress, relayID, lease.Seconds(), ids); err != nil {
		return nil, fmt.Errorf("lease outbox batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	for i := range events {
		events[i].Status = outbox.StatusInProgress
		events[i].RelayID = relayID
	}
	return events, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, ids []int64) error {
	_, err := s.pool.Exec(ctx, `
UPDATE outbox SET status = $1, relay_id = NULL, lease_until = NULL WHERE id = ANY($2)`,
		outbox.StatusSent, ids)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	// Failed rows go back to pending with the error recorded; at-least-once
	// means they are retried forever, with retry_count feeding the alerting
	// side.
	_, err := s.pool.Exec(ctx, `
UPDATE outbox
SET status = $2, relay_id = NULL, lease_until = NULL,
    last_error = $3, retry_count = retry_count + 1
WHERE id = $1`, id, outbox.StatusPending, errMsg)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

// RequeueExpired returns rows whose claiming relay died mid-dispatch to the
// pending pool. Rows already published but not yet marked sent are published
// again; consumers are idempotent by contract.
func (s *OutboxStore) RequeueExpired(ctx context.Context) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
UPDATE outbox
SET status = $1, relay_id = NULL, lease_until = NULL, retry_count = retry_count + 1
WHERE status = 'in_progress' AND lease_until < NOW()`, outbox.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("requeue expired outbox leases: %w", err)
	}
	return ct.RowsAffected(), nil
}
