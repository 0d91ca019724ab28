package domain

import "time"

// Outbox event types. Payloads below are the stable wire schemas keyed by
// aggregate id; consumers rely on these not changing shape.
const (
	EventReservationCreated   = "reservation.created"
	EventReservationExpired   = "reservation.expired"
	EventReservationCancelled = "reservation.cancelled"
	EventTicketsPurchased     = "tickets.purchased"
	EventReconcilerSummary    = "reconciler.summary"

	AggregateReservation = "reservation"
	AggregateReconciler  = "reconciler"
)

type ReservationCreated struct {
	ReservationID string     `json:"reservation_id"`
	UserID        string     `json:"user_id"`
	EventID       string     `json:"event_id"`
	Items         []LineItem `json:"items"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

type ReservationReleased struct {
	ReservationID string     `json:"reservation_id"`
	UserID        string     `json:"user_id"`
	EventID       string     `json:"event_id"`
	Items         []LineItem `json:"items"`
	Reason        string     `json:"reason"`
	ReleasedAt    time.Time  `json:"released_at"`
}

type TicketsPurchased struct {
	ReservationID string   `json:"reservation_id"`
	UserID        string   `json:"user_id"`
	EventID       string   `json:"event_id"`
	PaymentRef    string   `json:"payment_ref"`
	TicketIDs     []string `json:"ticket_ids"`
}

// EventTypeForReason maps a release reason to the outbox event it emits.
func EventTypeForReason(reason ReleaseReason) string {
	if reason == ReleaseUserCancel {
		return EventReservationCancelled
	}
	return EventReservationExpired
}
