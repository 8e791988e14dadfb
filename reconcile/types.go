/*
Package reconcile implements the payment reconciliation engine.

PURPOSE:
  This package contains the core logic for tuition billing: deciding how
  much a student still owes on a balance, whether the balance is pending,
  partially paid, or settled, and how a new payment is safely applied
  against it without a multi-row transaction boundary.

KEY CONCEPTS IN THIS FILE (types.go):
  - Balance: A billable obligation with a fixed original amount
  - Payment: An immutable record of money applied against a Balance
  - Projection: The derived view {paid_total, remaining_due, status}
  - PaymentMethod: The fixed set of accepted payment channels

DESIGN PRINCIPLES:
  1. Immutability: Payments are never edited; corrections are new entries
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Derivation: Remaining due is ALWAYS recomputed from the payment set.
     There is no stored "remaining" field that can drift out of sync.
  4. Type Safety: Strong typing for IDs prevents mixing balance/owner IDs

USAGE:
  engine := reconcile.NewEngine(store)
  result, err := engine.ApplyPayment(ctx, reconcile.ApplyInput{
      BalanceID: "bal-123",
      OwnerID:   "stu-7",
      Amount:    decimal.NewFromFloat(400),
      Method:    reconcile.MethodCard,
  })

SEE ALSO:
  - projector.go: Projection computation from the payment set
  - engine.go: Apply-payment orchestration
  - store.go: Persistence interface
*/
package reconcile

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BalanceID string
type OwnerID string
type PaymentID string

// =============================================================================
// PAYMENT METHOD - Fixed enumerated set
// =============================================================================

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodOnline       PaymentMethod = "online"
	MethodCheck        PaymentMethod = "check"
	MethodScholarship  PaymentMethod = "scholarship_credit"
)

// KnownMethods lists every accepted payment method.
func KnownMethods() []PaymentMethod {
	return []PaymentMethod{
		MethodCash, MethodCard, MethodBankTransfer,
		MethodOnline, MethodCheck, MethodScholarship,
	}
}

// Valid reports whether m is one of the accepted methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodBankTransfer,
		MethodOnline, MethodCheck, MethodScholarship:
		return true
	}
	return false
}

// =============================================================================
// BALANCE - A billable obligation of fixed original amount
// =============================================================================

// Balance is a billable obligation owed by one student.
//
// INVARIANTS:
//   - OriginalDue is non-negative and fixed at creation time. The payment
//     path never mutates it; administrative corrections are a separate path.
//   - A Balance is deletable only while no Payment references it.
type Balance struct {
	ID          BalanceID
	OwnerID     OwnerID
	OriginalDue decimal.Decimal
	DueDate     *time.Time
	CreatedAt   time.Time
}

// =============================================================================
// PAYMENT - Immutable ledger entry applied against a Balance
// =============================================================================

// Payment records money applied against a Balance. Once written it is never
// modified: corrections are made by recording a new payment or a reversing
// entry.
type Payment struct {
	ID        PaymentID
	Reference string // globally unique, human-readable display key
	BalanceID BalanceID
	OwnerID   OwnerID
	Amount    decimal.Decimal
	Method    PaymentMethod
	AppliedAt time.Time

	// IdempotencyKey is the caller-supplied retry token, empty if none.
	IdempotencyKey string

	CreatedAt time.Time
}

// PaymentDraft is the input to the recorder: a payment that has passed
// validation but has not been persisted yet. Reference is normally left
// empty so a store-side generator (if present) wins; the recorder fills it
// only on the missing-reference retry path.
type PaymentDraft struct {
	BalanceID      BalanceID
	OwnerID        OwnerID
	Amount         decimal.Decimal
	Method         PaymentMethod
	AppliedAt      time.Time
	Reference      string
	IdempotencyKey string
}

// =============================================================================
// PROJECTION - Derived view of a Balance (never stored)
// =============================================================================

type BalanceStatus string

const (
	StatusPending BalanceStatus = "pending" // no payments applied
	StatusPartial BalanceStatus = "partial" // some paid, some remaining
	StatusPaid    BalanceStatus = "paid"    // nothing remaining
)

// Projection is the derived read-only view of a Balance:
//
//	PaidTotal    = sum of payment amounts
//	RemainingDue = max(0, OriginalDue - PaidTotal)
//	Status       = paid | partial | pending
//
// Overpaid carries the amount by which historic payments exceed OriginalDue.
// It is a diagnostic, not an error: the projection stays total even over
// anomalous data.
type Projection struct {
	BalanceID    BalanceID
	OwnerID      OwnerID
	OriginalDue  decimal.Decimal
	PaidTotal    decimal.Decimal
	RemainingDue decimal.Decimal
	Status       BalanceStatus
	Overpaid     decimal.Decimal
	DueDate      *time.Time
}

// OwnerSummary aggregates the projections of every balance owned by one
// student. Used by dashboards and listings.
type OwnerSummary struct {
	OwnerID        OwnerID
	TotalRemaining decimal.Decimal
	TotalPaid      decimal.Decimal
	Balances       []Projection
}
