/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the reconciliation engine via REST. Handles HTTP
  request/response, JSON serialization, and delegates everything with an
  opinion to the engine.

ENDPOINTS:
  Balances:
    POST   /api/balances                    Create a balance (admin)
    GET    /api/balances/{id}               Balance + current projection
    DELETE /api/balances/{id}               Delete (409 while payments exist)
    GET    /api/balances/{id}/payments      Payment history
    POST   /api/balances/{id}/payments      Apply a payment

  Students:
    GET    /api/students/{id}/balances      Dashboard summary for one student

  Operational:
    GET    /api/health                      Store connectivity probe

ERROR MAPPING:
  Rejections carry their stable reason code in the body:
    non_positive_amount, exceeds_remaining_due, unsupported_method -> 422
    not_found                                                      -> 404
    forbidden                                                      -> 403
    balance_has_payments                                           -> 409
  Transient failures -> 503 with retryable=true; anything else -> 500.

SECURITY NOTE:
  No authentication or authorization here; that belongs to the gateway in
  front of this service.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/campusledger/billing-engine/reconcile"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	engine *reconcile.Engine
	store  reconcile.AdminStore
	log    *zap.SugaredLogger
}

// NewHandler creates a handler over the given store.
func NewHandler(store reconcile.AdminStore, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{
		engine: reconcile.NewEngine(store),
		store:  store,
		log:    log,
	}
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// CreateBalance creates a new billable obligation.
func (h *Handler) CreateBalance(w http.ResponseWriter, r *http.Request) {
	var req CreateBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	originalDue, err := decimal.NewFromString(req.OriginalDue)
	if err != nil || originalDue.IsNegative() {
		writeError(w, http.StatusBadRequest, "original_due must be a non-negative decimal", "")
		return
	}

	balance := reconcile.Balance{
		OwnerID:     reconcile.OwnerID(req.OwnerID),
		OriginalDue: originalDue,
	}
	if req.DueDate != "" {
		due, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid due_date format (use YYYY-MM-DD)", "")
			return
		}
		balance.DueDate = &due
	}

	created, err := h.store.CreateBalance(r.Context(), balance)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.log.Infow("balance created",
		"balance_id", created.ID, "owner_id", created.OwnerID,
		"original_due", created.OriginalDue.StringFixed(2))

	writeJSON(w, http.StatusCreated, toBalanceDTO(created, reconcile.Project(created, nil)))
}

// GetBalance returns a balance with its current projection.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := reconcile.BalanceID(chi.URLParam(r, "id"))

	projection, err := h.engine.Project(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, projectionToBalanceDTO(projection))
}

// DeleteBalance removes a balance that has no payments.
func (h *Handler) DeleteBalance(w http.ResponseWriter, r *http.Request) {
	id := reconcile.BalanceID(chi.URLParam(r, "id"))

	if err := h.store.DeleteBalance(r.Context(), id); err != nil {
		if errors.Is(err, reconcile.ErrBalanceHasPayments) {
			writeError(w, http.StatusConflict, err.Error(), reconcile.ReasonBalanceHasPayments)
			return
		}
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ApplyPayment validates and records a payment against a balance.
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	balanceID := reconcile.BalanceID(chi.URLParam(r, "id"))

	var req ApplyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal string", "")
		return
	}

	result, err := h.engine.ApplyPayment(r.Context(), reconcile.ApplyInput{
		BalanceID:      balanceID,
		OwnerID:        reconcile.OwnerID(req.OwnerID),
		Amount:         amount,
		Method:         reconcile.PaymentMethod(req.Method),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	h.log.Infow("payment applied",
		"balance_id", balanceID, "payment_id", result.Payment.ID,
		"amount", result.Payment.Amount.StringFixed(2),
		"status", result.Projection.Status, "replayed", result.Replayed)

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, ApplyPaymentResponse{
		Payment:    toPaymentDTO(result.Payment),
		Projection: toProjectionDTO(result.Projection),
		Replayed:   result.Replayed,
	})
}

// ListPayments returns the payment history of a balance, oldest first.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	id := reconcile.BalanceID(chi.URLParam(r, "id"))

	payments, err := h.engine.ListPayments(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(payments))
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// GetOwnerSummary returns the aggregate projection across all balances of
// one student.
func (h *Handler) GetOwnerSummary(w http.ResponseWriter, r *http.Request) {
	owner := reconcile.OwnerID(chi.URLParam(r, "id"))

	summary, err := h.engine.ProjectOwner(r.Context(), owner)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	dto := OwnerSummaryDTO{
		OwnerID:        string(summary.OwnerID),
		TotalRemaining: summary.TotalRemaining.StringFixed(2),
		TotalPaid:      summary.TotalPaid.StringFixed(2),
		Balances:       make([]BalanceDTO, len(summary.Balances)),
	}
	for i, p := range summary.Balances {
		dto.Balances[i] = projectionToBalanceDTO(p)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// OPERATIONAL
// =============================================================================

// Health reports store connectivity.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if pinger, ok := h.store.(reconcile.Pinger); ok {
		if err := pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unreachable", "")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ERROR MAPPING AND JSON HELPERS
// =============================================================================

var rejectionStatus = map[string]int{
	reconcile.ReasonNonPositiveAmount:  http.StatusUnprocessableEntity,
	reconcile.ReasonExceedsRemaining:   http.StatusUnprocessableEntity,
	reconcile.ReasonUnsupportedMethod:  http.StatusUnprocessableEntity,
	reconcile.ReasonNotFound:           http.StatusNotFound,
	reconcile.ReasonForbidden:          http.StatusForbidden,
	reconcile.ReasonBalanceHasPayments: http.StatusConflict,
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	if reason := reconcile.ReasonOf(err); reason != "" {
		status, ok := rejectionStatus[reason]
		if !ok {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error(), reason)
		return
	}

	var f *reconcile.Failure
	if errors.As(err, &f) && f.Retryable() {
		h.log.Warnw("transient store failure", "op", f.Op, "error", f.Err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:     "store temporarily unavailable",
			Retryable: true,
		})
		return
	}

	h.log.Errorw("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error", "")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, reason string) {
	writeJSON(w, status, ErrorResponse{Error: message, Reason: reason})
}
