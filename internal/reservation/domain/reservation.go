package domain

import "time"

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationCompleted ReservationStatus = "COMPLETED"
	ReservationExpired   ReservationStatus = "EXPIRED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// ReleaseReason records why a reservation left the ACTIVE state without
// completing.
type ReleaseReason string

const (
	ReleaseTimeout       ReleaseReason = "timeout"
	ReleaseUserCancel    ReleaseReason = "user_cancel"
	ReleaseOrphanCleanup ReleaseReason = "orphan_cleanup"
)

// LineItem is one (inventory unit, quantity) pair of a reservation. Quantity
// is validated at the boundary; the state machine never sees qty < 1.
type LineItem struct {
	InventoryUnitID string `json:"inventory_unit_id"`
	Quantity        int    `json:"quantity"`
}

// Reservation is a time-boxed claim on inventory. ACTIVE is the only
// non-terminal state; COMPLETED, EXPIRED and CANCELLED are final.
type Reservation struct {
	ID            string
	UserID        string
	EventID       string
	Items         []LineItem
	Status        ReservationStatus
	PaymentRef    string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ReleasedAt    *time.Time
	ReleaseReason ReleaseReason
}

// Terminal reports whether the reservation can no longer transition.
func (r Reservation) Terminal() bool {
	return r.Status != ReservationActive
}

// ExpiredBy reports whether the reservation's deadline has passed at now.
func (r Reservation) ExpiredBy(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// TotalQuantity is the number of units held across all line items.
func (r Reservation) TotalQuantity() int {
	var n int
	for _, it := range r.Items {
		n += it.Quantity
	}
	return n
}

// StatusForReason maps a release reason to the terminal status it produces.
func StatusForReason(reason ReleaseReason) ReservationStatus {
	if reason == ReleaseUserCancel {
		return ReservationCancelled
	}
	return ReservationExpired
}

// HistoryEntry is one row of the append-only reservation audit log. The
// reconciliation worker writes one per repair; the live path writes one per
// release.
type HistoryEntry struct {
	ReservationID string
	Action        string
	Reason        string
	Actor         string
	Detail        string
	CreatedAt     time.Time
}
