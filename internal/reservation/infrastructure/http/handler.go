package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ticketforge/reservation-engine/internal/reservation/application"
	"github.com/ticketforge/reservation-engine/internal/reservation/domain"
	"github.com/ticketforge/reservation-engine/pkg/idempotency"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerUserID         = "X-User-Id"
	headerReplayed       = "Idempotency-Replayed"
)

// ReservationService is the slice of the state machine the transport needs.
type ReservationService interface {
	CreateReservation(ctx context.Context, in application.CreateReservationInput) (domain.Reservation, error)
	ConfirmReservation(ctx context.Context, reservationID, paymentRef string) ([]domain.IssuedTicket, error)
	ReleaseReservation(ctx context.Context, reservationID, userID string) (domain.Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error)
}

// IdempotencyStore guards POST /reservations against client retries.
type IdempotencyStore interface {
	Begin(ctx context.Context, key string) (idempotency.Result, error)
	Commit(ctx context.Context, key string, response []byte) error
	Abort(ctx context.Context, key string)
}

type Handler struct {
	log    *slog.Logger
	svc    ReservationService
	idem   IdempotencyStore
	tracer trace.Tracer
}

func NewHandler(log *slog.Logger, svc ReservationService, idem IdempotencyStore) *Handler {
	return &Handler{
		log:    log,
		svc:    svc,
		idem:   idem,
		tracer: otel.Tracer("reservation-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.health)
	r.Post("/reservations", h.createReservation)
	r.Get("/reservations/{id}", h.getReservation)
	r.Post("/reservations/{id}/confirm", h.confirmReservation)
	r.Delete("/reservations/{id}", h.releaseReservation)
	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type lineItemReq struct {
	InventoryUnitID string `json:"inventory_unit_id"`
	Quantity        int    `json:"quantity"`
}

type createReservationReq struct {
	UserID  string        `json:"user_id"`
	EventID string        `json:"event_id"`
	Items   []lineItemReq `json:"items"`
}

type reservationResp struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	EventID       string            `json:"event_id"`
	Items         []domain.LineItem `json:"items"`
	Status        string            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	ReleasedAt    *time.Time        `json:"released_at,omitempty"`
	ReleaseReason string            `json:"release_reason,omitempty"`
}

func toReservationResp(res domain.Reservation) reservationResp {
	return reservationResp{
		ID:            res.ID,
		UserID:        res.UserID,
		EventID:       res.EventID,
		Items:         res.Items,
		Status:        string(res.Status),
		CreatedAt:     res.CreatedAt,
		ExpiresAt:     res.ExpiresAt,
		ReleasedAt:    res.ReleasedAt,
		ReleaseReason: string(res.ReleaseReason),
	}
}

// createReservation is the idempotent purchase entry point. The idempotency
// claim happens before any side effect; a replayed key returns the stored
// response verbatim and never touches inventory.
func (h *Handler) createReservation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateReservation")
	defer span.End()

	key := r.Header.Get(headerIdempotencyKey)
	if key == "" {
		writeError(w, http.StatusBadRequest, "idempotency_key_required", "Idempotency-Key header is required")
		return
	}

	var req createReservationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "request body is not valid JSON")
		return
	}

	begin, err := h.idem.Begin(ctx, key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if begin.Replay {
		w.Header().Set(headerReplayed, "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(begin.Response)
		return
	}

	items := make([]domain.LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.LineItem{InventoryUnitID: it.InventoryUnitID, Quantity: it.Quantity})
	}

	res, err := h.svc.CreateReservation(ctx, application.CreateReservationInput{
		UserID:  req.UserID,
		EventID: req.EventID,
		Items:   items,
	})
	if err != nil {
		// Free the key so the client's retry is treated as a fresh attempt.
		h.idem.Abort(ctx, key)
		writeDomainError(w, err)
		return
	}

	body, err := json.Marshal(toReservationResp(res))
	if err != nil {
		h.log.Error("marshal reservation response", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if err := h.idem.Commit(ctx, key, body); err != nil {
		// The reservation exists; losing the idempotency record only costs
		// the replay, not correctness.
		h.log.Error("idempotency commit failed", "key", key, "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func (h *Handler) getReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResp(res))
}

type confirmReq struct {
	PaymentRef string `json:"payment_ref"`
}

type ticketResp struct {
	ID              string `json:"id"`
	ReservationID   string `json:"reservation_id"`
	OwnerID         string `json:"owner_id"`
	InventoryUnitID string `json:"inventory_unit_id"`
	Status          string `json:"status"`
	PriceCents      int64  `json:"price_cents"`
}

func (h *Handler) confirmReservation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ConfirmReservation")
	defer span.End()

	var req confirmReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "request body is not valid JSON")
		return
	}

	tickets, err := h.svc.ConfirmReservation(ctx, chi.URLParam(r, "id"), req.PaymentRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]ticketResp, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, ticketResp{
			ID:              t.ID,
			ReservationID:   t.ReservationID,
			OwnerID:         t.OwnerID,
			InventoryUnitID: t.InventoryUnitID,
			Status:          string(t.Status),
			PriceCents:      t.PriceCents,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": out})
}

func (h *Handler) releaseReservation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ReleaseReservation")
	defer span.End()

	userID := r.Header.Get(headerUserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_required", "X-User-Id header is required")
		return
	}

	res, err := h.svc.ReleaseReservation(ctx, chi.URLParam(r, "id"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResp(res))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
