package domain

import "time"

type TicketStatus string

const (
	TicketSold        TicketStatus = "SOLD"
	TicketTransferred TicketStatus = "TRANSFERRED"
	TicketUsed        TicketStatus = "USED"
	TicketCancelled   TicketStatus = "CANCELLED"
)

// IssuedTicket is one unit of product, created only from a COMPLETED
// reservation, one row per unit of quantity.
type IssuedTicket struct {
	ID              string
	ReservationID   string
	OwnerID         string
	InventoryUnitID string
	Status          TicketStatus
	PriceCents      int64
	CreatedAt       time.Time
}
