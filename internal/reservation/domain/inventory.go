package domain

import (
	"fmt"
	"time"
)

// InventoryUnit is the sellable capacity pool for one ticket type at one
// event. Total is immutable after creation; Available only moves through
// debit/credit inside a lock + transaction.
type InventoryUnit struct {
	ID         string
	EventID    string
	Name       string
	Total      int
	Available  int
	PriceCents int64
	UpdatedAt  time.Time
}

// InventoryLockKey is the lock coordinator key that serializes mutation of
// one unit's availability.
func InventoryLockKey(eventID, unitID string) string {
	return fmt.Sprintf("inventory:%s:%s", eventID, unitID)
}

func ReservationLockKey(reservationID string) string {
	return "reservation:" + reservationID
}

// ClampedUnit records a negative-availability repair: Before is the value
// observed before clamping to zero.
type ClampedUnit struct {
	UnitID string
	Before int
}

// InventoryDrift is a conservation mismatch for one unit. Units are
// conserved when total == available + active holds + sold tickets; Delta is
// how far the ledger is off.
type InventoryDrift struct {
	UnitID     string
	Total      int
	Available  int
	ActiveHeld int
	Sold       int
}

func (d InventoryDrift) Delta() int {
	return d.Total - d.Available - d.ActiveHeld - d.Sold
}
