/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Money crosses the wire as decimal strings ("600.00"), never JSON
  numbers, so no client is tempted into float arithmetic.

SEE ALSO:
  - handlers.go: Uses these types
  - reconcile/types.go: Domain model these map from
*/
package api

import (
	"time"

	"github.com/campusledger/billing-engine/reconcile"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// CreateBalanceRequest creates a billable obligation for a student.
type CreateBalanceRequest struct {
	OwnerID     string `json:"owner_id"`
	OriginalDue string `json:"original_due"`
	DueDate     string `json:"due_date,omitempty"` // YYYY-MM-DD
}

// BalanceDTO is a balance together with its current projection.
type BalanceDTO struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	OriginalDue string `json:"original_due"`
	DueDate     string `json:"due_date,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`

	Projection ProjectionDTO `json:"projection"`
}

// ProjectionDTO is the derived view of a balance.
type ProjectionDTO struct {
	PaidTotal    string `json:"paid_total"`
	RemainingDue string `json:"remaining_due"`
	Status       string `json:"status"`
	Overpaid     string `json:"overpaid,omitempty"`
}

// ApplyPaymentRequest applies a payment against a balance.
type ApplyPaymentRequest struct {
	OwnerID        string `json:"owner_id"`
	Amount         string `json:"amount"`
	Method         string `json:"method"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// PaymentDTO represents one recorded payment.
type PaymentDTO struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	BalanceID string `json:"balance_id"`
	OwnerID   string `json:"owner_id"`
	Amount    string `json:"amount"`
	Method    string `json:"method"`
	AppliedAt string `json:"applied_at"`
}

// ApplyPaymentResponse is returned after a successful (or replayed) apply.
type ApplyPaymentResponse struct {
	Payment    PaymentDTO    `json:"payment"`
	Projection ProjectionDTO `json:"projection"`
	Replayed   bool          `json:"replayed,omitempty"`
}

// OwnerSummaryDTO aggregates every balance of one student.
type OwnerSummaryDTO struct {
	OwnerID        string       `json:"owner_id"`
	TotalRemaining string       `json:"total_remaining"`
	TotalPaid      string       `json:"total_paid"`
	Balances       []BalanceDTO `json:"balances"`
}

// ErrorResponse is the standard error envelope. Reason carries the stable
// rejection code; Retryable is set on transient failures.
type ErrorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toProjectionDTO(p reconcile.Projection) ProjectionDTO {
	dto := ProjectionDTO{
		PaidTotal:    p.PaidTotal.StringFixed(2),
		RemainingDue: p.RemainingDue.StringFixed(2),
		Status:       string(p.Status),
	}
	if p.Overpaid.IsPositive() {
		dto.Overpaid = p.Overpaid.StringFixed(2)
	}
	return dto
}

func toBalanceDTO(b reconcile.Balance, p reconcile.Projection) BalanceDTO {
	dto := BalanceDTO{
		ID:          string(b.ID),
		OwnerID:     string(b.OwnerID),
		OriginalDue: b.OriginalDue.StringFixed(2),
		CreatedAt:   b.CreatedAt.Format(time.RFC3339),
		Projection:  toProjectionDTO(p),
	}
	if b.DueDate != nil {
		dto.DueDate = b.DueDate.Format("2006-01-02")
	}
	return dto
}

func projectionToBalanceDTO(p reconcile.Projection) BalanceDTO {
	dto := BalanceDTO{
		ID:          string(p.BalanceID),
		OwnerID:     string(p.OwnerID),
		OriginalDue: p.OriginalDue.StringFixed(2),
		Projection:  toProjectionDTO(p),
	}
	if p.DueDate != nil {
		dto.DueDate = p.DueDate.Format("2006-01-02")
	}
	return dto
}

func toPaymentDTO(p reconcile.Payment) PaymentDTO {
	return PaymentDTO{
		ID:        string(p.ID),
		Reference: p.Reference,
		BalanceID: string(p.BalanceID),
		OwnerID:   string(p.OwnerID),
		Amount:    p.Amount.StringFixed(2),
		Method:    string(p.Method),
		AppliedAt: p.AppliedAt.Format(time.RFC3339),
	}
}

func toPaymentDTOs(payments []reconcile.Payment) []PaymentDTO {
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	return dtos
}
