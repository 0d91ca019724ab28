package outbox

import "time"

type Status string

// Lifecycle: pending → in_progress (leased by a relay) → sent. A failed
// dispatch goes back to pending; delivery is retried, never parked.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
)

// Event is one at-least-once delivery record. Rows are written in the same
// transaction as the state change they describe and are never updated except
// to advance Status.
type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
	Headers       map[string]string
	Traceparent   string
	CreatedAt     time.Time
	Status        Status
	RelayID       string
	RetryCount    int
	LastError     *string
}
