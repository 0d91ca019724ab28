package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ticketforge/reservation-engine/internal/reservation/domain"
	"github.com/ticketforge/reservation-engine/pkg/clock"
	"github.com/ticketforge/reservation-engine/pkg/lock"
)

const (
	defaultReservationTTL = 15 * time.Minute
	defaultLockTimeout    = 3 * time.Second

	actorAPI        = "api"
	actorReconciler = "reconciler"
)

// Service is the reservation state machine. It owns every write to the
// inventory ledger and reservation table; all mutation happens inside one
// transaction under the lock coordinator's keys.
type Service struct {
	log            *slog.Logger
	repo           Repository
	locks          Locker
	clock          clock.Clock
	reservationTTL time.Duration
	lockTimeout    time.Duration
}

type Option func(*Service)

// WithReservationTTL overrides how long a new reservation holds inventory.
func WithReservationTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.reservationTTL = d
		}
	}
}

// WithLockTimeout overrides how long a request waits for a contended key.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func NewService(log *slog.Logger, repo Repository, locks Locker, clk clock.Clock, opts ...Option) *Service {
	s := &Service{
		log:            log,
		repo:           repo,
		locks:          locks,
		clock:          clk,
		reservationTTL: defaultReservationTTL,
		lockTimeout:    defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateReservationInput struct {
	UserID  string
	EventID string
	Items   []domain.LineItem
}

func (in CreateReservationInput) validate() error {
	if in.UserID == "" {
		return domain.NewInvalid("user_required", "user id is required")
	}
	if in.EventID == "" {
		return domain.NewInvalid("event_required", "event id is required")
	}
	if len(in.Items) == 0 {
		return domain.NewInvalid("items_required", "at least one line item is required")
	}
	seen := make(map[string]struct{}, len(in.Items))
	for _, it := range in.Items {
		if it.InventoryUnitID == "" {
			return domain.NewInvalid("inventory_unit_required", "line item is missing an inventory unit id")
		}
		if it.Quantity < 1 {
			return domain.NewInvalid("invalid_quantity", "line item quantity must be at least 1")
		}
		if _, dup := seen[it.InventoryUnitID]; dup {
			return domain.NewInvalid("duplicate_line_item", "inventory unit appears in more than one line item")
		}
		seen[it.InventoryUnitID] = struct{}{}
	}
	return nil
}

// CreateReservation debits inventory and creates an ACTIVE reservation,
// all-or-nothing across line items. Two concurrent calls for the last unit
// are serialized by the inventory locks: one succeeds, the other gets an
// insufficient-inventory conflict.
func (s *Service) CreateReservation(ctx context.Context, in CreateReservationInput) (domain.Reservation, error) {
	if err := in.validate(); err != nil {
		return domain.Reservation{}, err
	}

	now := s.clock.Now()
	res := domain.Reservation{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		EventID:   in.EventID,
		Items:     in.Items,
		Status:    domain.ReservationActive,
		CreatedAt: now,
		ExpiresAt: now.Add(s.reservationTTL),
	}

	keys := make([]string, 0, len(in.Items))
	for _, it := range in.Items {
		keys = append(keys, domain.InventoryLockKey(in.EventID, it.InventoryUnitID))
	}

	err := s.locks.WithLocks(ctx, keys, s.lockTimeout, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context) error {
			for _, it := range in.Items {
				unit, err := s.repo.GetInventoryUnitForUpdate(ctx, it.InventoryUnitID)
				if err != nil {
					return err
				}
				if unit.EventID != in.EventID {
					return domain.ErrInventoryNotFound
				}
				if unit.Available < it.Quantity {
					return domain.ErrInsufficientInventory(unit.ID, it.Quantity, unit.Available)
				}
				if err := s.repo.DebitInventory(ctx, unit.ID, it.Quantity); err != nil {
					return err
				}
			}
			if err := s.repo.CreateReservation(ctx, res); err != nil {
				return err
			}
			return s.repo.AppendEvent(ctx, domain.AggregateReservation, res.ID, domain.EventReservationCreated,
				domain.ReservationCreated{
					ReservationID: res.ID,
					UserID:        res.UserID,
					EventID:       res.EventID,
					Items:         res.Items,
					ExpiresAt:     res.ExpiresAt,
				})
		})
	})
	if err != nil {
		return domain.Reservation{}, mapLockErr(err)
	}

	s.log.Info("reservation created",
		"reservation_id", res.ID,
		"event_id", res.EventID,
		"quantity", res.TotalQuantity(),
		"expires_at", res.ExpiresAt,
	)
	return res, nil
}

// ConfirmReservation converts an ACTIVE hold into a sale: one IssuedTicket
// per unit of quantity, reservation marked COMPLETED. Inventory stays
// debited; the debit happened at creation time. A second confirm for the
// same reservation gets a conflict, never duplicate tickets.
func (s *Service) ConfirmReservation(ctx context.Context, reservationID, paymentRef string) ([]domain.IssuedTicket, error) {
	if reservationID == "" {
		return nil, domain.NewInvalid("reservation_required", "reservation id is required")
	}
	if paymentRef == "" {
		return nil, domain.NewInvalid("payment_ref_required", "payment reference is required")
	}

	var tickets []domain.IssuedTicket
	err := s.locks.WithLock(ctx, domain.ReservationLockKey(reservationID), s.lockTimeout, func(ctx context.Context) error {
		// Record the attempt before the transaction so a crash mid-confirm
		// leaves evidence for the orphan sweep.
		if err := s.repo.RecordPaymentAttempt(ctx, reservationID, paymentRef); err != nil {
			return err
		}

		now := s.clock.Now()
		return s.repo.WithTx(ctx, func(ctx context.Context) error {
			res, err := s.repo.GetReservationForUpdate(ctx, reservationID)
			if err != nil {
				return err
			}
			if res.Terminal() {
				return domain.ErrReservationInactive
			}
			if res.ExpiredBy(now) {
				// The sweep has not caught this one yet; a sale must not
				// race the expiry.
				return domain.NewConflict("reservation_expired", "reservation hold has expired")
			}

			tickets = tickets[:0]
			ticketIDs := make([]string, 0, res.TotalQuantity())
			for _, it := range res.Items {
				unit, err := s.repo.GetInventoryUnit(ctx, it.InventoryUnitID)
				if err != nil {
					return err
				}
				for i := 0; i < it.Quantity; i++ {
					t := domain.IssuedTicket{
						ID:              uuid.NewString(),
						ReservationID:   res.ID,
						OwnerID:         res.UserID,
						InventoryUnitID: it.InventoryUnitID,
						Status:          domain.TicketSold,
						PriceCents:      unit.PriceCents,
						CreatedAt:       now,
					}
					tickets = append(tickets, t)
					ticketIDs = append(ticketIDs, t.ID)
				}
			}

			if err := s.repo.CreateTickets(ctx, tickets); err != nil {
				return err
			}
			if err := s.repo.MarkCompleted(ctx, res.ID, paymentRef); err != nil {
				return err
			}
			if err := s.repo.AppendHistory(ctx, domain.HistoryEntry{
				ReservationID: res.ID,
				Action:        "completed",
				Actor:         actorAPI,
				Detail:        fmt.Sprintf("payment_ref=%s tickets=%d", paymentRef, len(tickets)),
				CreatedAt:     now,
			}); err != nil {
				return err
			}
			return s.repo.AppendEvent(ctx, domain.AggregateReservation, res.ID, domain.EventTicketsPurchased,
				domain.TicketsPurchased{
					ReservationID: res.ID,
					UserID:        res.UserID,
					EventID:       res.EventID,
					PaymentRef:    paymentRef,
					TicketIDs:     ticketIDs,
				})
		})
	})
	if err != nil {
		return nil, mapLockErr(err)
	}

	s.log.Info("reservation confirmed", "reservation_id", reservationID, "tickets", len(tickets))
	return tickets, nil
}

// ReleaseReservation cancels a user's own ACTIVE reservation and credits the
// inventory back. Releasing an already-terminal reservation is a no-op that
// returns the current state.
func (s *Service) ReleaseReservation(ctx context.Context, reservationID, userID string) (domain.Reservation, error) {
	if reservationID == "" {
		return domain.Reservation{}, domain.NewInvalid("reservation_required", "reservation id is required")
	}

	var out domain.Reservation
	err := s.locks.WithLock(ctx, domain.ReservationLockKey(reservationID), s.lockTimeout, func(ctx context.Context) error {
		res, released, err := s.releaseTx(ctx, reservationID, domain.ReleaseUserCancel, actorAPI, "user requested cancellation", userID)
		if err != nil {
			return err
		}
		if !released {
			s.log.Info("release no-op, reservation already terminal",
				"reservation_id", reservationID, "status", res.Status)
		}
		out = res
		return nil
	})
	if err != nil {
		return domain.Reservation{}, mapLockErr(err)
	}
	return out, nil
}

// Release transitions an ACTIVE reservation to its terminal state on behalf
// of the reconciliation worker. The per-reservation lock is non-blocking: a
// contended reservation is reported as a conflict so the sweep can skip it
// and pick it up next tick. The bool result reports whether this call did
// the release (false means it was already terminal).
func (s *Service) Release(ctx context.Context, reservationID string, reason domain.ReleaseReason, detail string) (bool, error) {
	var released bool
	err := s.locks.TryWithLock(ctx, domain.ReservationLockKey(reservationID), func(ctx context.Context) error {
		var err error
		_, released, err = s.releaseTx(ctx, reservationID, reason, actorReconciler, detail, "")
		return err
	})
	if err != nil {
		return false, mapLockErr(err)
	}
	return released, nil
}

// GetReservation returns the current state of a reservation.
func (s *Service) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	if reservationID == "" {
		return domain.Reservation{}, domain.NewInvalid("reservation_required", "reservation id is required")
	}
	return s.repo.GetReservation(ctx, reservationID)
}

// releaseTx is the shared release transaction: credit every line item back,
// mark the reservation terminal, write the outbox event and the audit row.
// Idempotent by construction — a terminal reservation is returned untouched.
func (s *Service) releaseTx(ctx context.Context, reservationID string, reason domain.ReleaseReason, actor, detail, enforceOwner string) (domain.Reservation, bool, error) {
	now := s.clock.Now()
	var out domain.Reservation
	var released bool

	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		res, err := s.repo.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if enforceOwner != "" && res.UserID != enforceOwner {
			return domain.ErrNotOwner
		}
		if res.Terminal() {
			out = res
			released = false
			return nil
		}

		for _, it := range res.Items {
			if err := s.repo.CreditInventory(ctx, it.InventoryUnitID, it.Quantity); err != nil {
				return err
			}
		}

		status := domain.StatusForReason(reason)
		if err := s.repo.MarkReleased(ctx, res.ID, status, reason, now); err != nil {
			return err
		}
		if err := s.repo.AppendHistory(ctx, domain.HistoryEntry{
			ReservationID: res.ID,
			Action:        "released",
			Reason:        string(reason),
			Actor:         actor,
			Detail:        detail,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		if err := s.repo.AppendEvent(ctx, domain.AggregateReservation, res.ID, domain.EventTypeForReason(reason),
			domain.ReservationReleased{
				ReservationID: res.ID,
				UserID:        res.UserID,
				EventID:       res.EventID,
				Items:         res.Items,
				Reason:        string(reason),
				ReleasedAt:    now,
			}); err != nil {
			return err
		}

		res.Status = status
		res.ReleasedAt = &now
		res.ReleaseReason = reason
		out = res
		released = true
		return nil
	})
	if err != nil {
		return domain.Reservation{}, false, err
	}
	if released {
		s.log.Info("reservation released",
			"reservation_id", reservationID, "reason", reason, "actor", actor)
	}
	return out, released, nil
}

// mapLockErr translates coordinator failures into the domain taxonomy so
// callers branch on Kind, not on lock internals.
func mapLockErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lock.ErrTimeout):
		return domain.NewConflict("lock_timeout", "resource is busy, please retry")
	case errors.Is(err, lock.ErrContention):
		return domain.NewConflict("lock_contention", "another operation is in progress for this resource")
	case errors.Is(err, lock.ErrSystem):
		return domain.NewInfrastructure("lock backing store unavailable", err)
	default:
		return err
	}
}
