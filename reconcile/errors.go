/*
errors.go - Error taxonomy for the reconciliation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every non-success outcome maps to one of two families:

  1. Rejection - caller error with a stable, enumerable reason code.
     Never retried automatically.
  2. Failure - store-layer problem, classified as transient (caller may
     retry), schema (handled internally with one bounded retry), or
     permanent.

USAGE:
  Store implementations translate driver errors into these sentinels;
  callers classify with errors.Is/As:

    if reconcile.IsRejection(err) {
        reason := reconcile.ReasonOf(err) // e.g. "exceeds_remaining_due"
    }
    if reconcile.IsRetryable(err) {
        // safe for the caller to retry the whole request
    }

SEE ALSO:
  - recorder.go: Schema-failure retry path
  - engine.go: Maps store constraint rejections onto rejection reasons
  - store/postgres: pgerrcode-based classification
*/
package reconcile

import (
	"errors"
	"fmt"
)

// =============================================================================
// REJECTION REASONS - Stable codes returned to callers
// =============================================================================

const (
	ReasonNonPositiveAmount  = "non_positive_amount"
	ReasonExceedsRemaining   = "exceeds_remaining_due"
	ReasonNotFound           = "not_found"
	ReasonForbidden          = "forbidden"
	ReasonUnsupportedMethod  = "unsupported_method"
	ReasonBalanceHasPayments = "balance_has_payments"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNonPositiveAmount is returned for a zero or negative payment amount.
	ErrNonPositiveAmount = errors.New("payment amount must be positive")

	// ErrExceedsRemainingDue is returned when a payment would push the paid
	// total past the balance's original due. Also produced when the store
	// itself rejects the insert because a concurrent payment won the race.
	ErrExceedsRemainingDue = errors.New("payment exceeds remaining due")

	// ErrBalanceNotFound is returned when the referenced balance does not exist.
	ErrBalanceNotFound = errors.New("balance not found")

	// ErrForbidden is returned when the submitted owner does not match the
	// balance's owner. Fails closed: no hint about the real owner leaks.
	ErrForbidden = errors.New("balance owned by another student")

	// ErrUnsupportedMethod is returned for a payment method outside the
	// accepted set.
	ErrUnsupportedMethod = errors.New("unsupported payment method")

	// ErrBalanceHasPayments is returned when deleting a balance that still
	// has payments referencing it.
	ErrBalanceHasPayments = errors.New("balance has payments applied")

	// ErrReferenceRequired signals that the store rejected an insert because
	// its payments table requires a client-supplied reference. The recorder
	// resolves this internally by allocating one and retrying once.
	ErrReferenceRequired = errors.New("store requires a payment reference")

	// ErrDuplicateIdempotencyKey signals that a payment with the same
	// idempotency key already exists. The engine resolves this by returning
	// the original payment.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateReference signals a reference collision on insert.
	ErrDuplicateReference = errors.New("duplicate payment reference")
)

var rejectionReasons = map[error]string{
	ErrNonPositiveAmount:   ReasonNonPositiveAmount,
	ErrExceedsRemainingDue: ReasonExceedsRemaining,
	ErrBalanceNotFound:     ReasonNotFound,
	ErrForbidden:           ReasonForbidden,
	ErrUnsupportedMethod:   ReasonUnsupportedMethod,
	ErrBalanceHasPayments:  ReasonBalanceHasPayments,
}

// =============================================================================
// STRUCTURED REJECTION - Carries the reason code and context
// =============================================================================

// RejectionError is a caller error with a stable reason code. It unwraps to
// the matching sentinel so errors.Is keeps working.
type RejectionError struct {
	Reason    string
	BalanceID BalanceID
	Detail    string
	sentinel  error
}

func (e *RejectionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	}
	return e.Reason
}

func (e *RejectionError) Unwrap() error {
	return e.sentinel
}

// Reject builds a RejectionError from one of the rejection sentinels.
func Reject(sentinel error, balanceID BalanceID, detail string) *RejectionError {
	return &RejectionError{
		Reason:    rejectionReasons[sentinel],
		BalanceID: balanceID,
		Detail:    detail,
		sentinel:  sentinel,
	}
}

// =============================================================================
// FAILURES - Store-layer problems with a retry classification
// =============================================================================

type FailureKind string

const (
	// FailureTransient: connectivity error or store timeout. The caller may
	// safely retry the whole request (with an idempotency key to avoid
	// double-charging).
	FailureTransient FailureKind = "transient"

	// FailureSchema: a missing-required-field constraint. Handled internally
	// by the recorder with a single bounded retry; escalates if the retry
	// also fails.
	FailureSchema FailureKind = "schema"

	// FailurePermanent: any other constraint violation or a store-level
	// authorization failure. Retrying will not help.
	FailurePermanent FailureKind = "permanent"
)

// Failure wraps a store error with its taxonomy. A failed record is never
// reported as success; it always surfaces as one of these.
type Failure struct {
	Kind FailureKind
	Op   string // store operation that failed, e.g. "insert payment"
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure during %s: %v", f.Kind, f.Op, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether the caller may safely retry.
func (f *Failure) Retryable() bool {
	return f.Kind == FailureTransient
}

// NewFailure wraps err with its kind and originating operation.
func NewFailure(kind FailureKind, op string, err error) *Failure {
	return &Failure{Kind: kind, Op: op, Err: err}
}

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsRejection reports whether err is a caller error (any rejection reason).
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// ReasonOf extracts the stable reason code from a rejection, or "" if err
// is not a rejection.
func ReasonOf(err error) string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

// IsRetryable reports whether the caller may retry the request safely.
func IsRetryable(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Retryable()
}

// IsNotFound reports whether err indicates a missing balance.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBalanceNotFound)
}
