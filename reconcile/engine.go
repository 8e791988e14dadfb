/*
engine.go - Apply-payment orchestration and projection read paths

PURPOSE:
  The engine is the single write path for payments and the shared read
  path for projections. It is stateless: every request re-reads the store,
  and all mutable state lives there.

APPLY-PAYMENT STATE MACHINE (per request):
  0. Replay  - if an idempotency key is supplied and a payment already
               carries it, return that payment; no second row.
  1. Fetch   - read the balance and its payments. Missing balance or owner
               mismatch fails closed (not_found / forbidden).
  2. Validate- run the amount validator against the fresh projection.
               Rejection means no write happened.
  3. Record  - append the payment via the recorder. The balance row itself
               is never touched.
  4. Project - re-read the payment set including the new row and return
               the updated projection with the created payment.

CONCURRENCY:
  Two concurrent applies can both pass Validate against the same stale
  projection. The store closes that window by enforcing the due cap at
  insert time (row lock + re-sum, or a check constraint); the engine maps
  that late rejection onto exceeds_remaining_due so callers see one reason
  code regardless of which side caught it. No lock is ever held across a
  store round-trip.

SEE ALSO:
  - validate.go, recorder.go, projector.go: The three stages
  - store.go: Collaborator contract
*/
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine orchestrates validation, recording, and projection for payments.
type Engine struct {
	store    RowStore
	recorder *Recorder
	now      func() time.Time
}

// NewEngine creates an engine over the given store with the default
// reference allocator.
func NewEngine(store RowStore) *Engine {
	return NewEngineWithAllocator(store, NewReferenceAllocator())
}

// NewEngineWithAllocator allows substituting the reference allocator.
func NewEngineWithAllocator(store RowStore, refs ReferenceAllocator) *Engine {
	return &Engine{
		store:    store,
		recorder: NewRecorder(store, refs),
		now:      time.Now,
	}
}

// =============================================================================
// APPLY PAYMENT - The single write path
// =============================================================================

// ApplyInput is one apply-payment request.
type ApplyInput struct {
	BalanceID BalanceID
	OwnerID   OwnerID
	Amount    decimal.Decimal
	Method    PaymentMethod

	// AppliedAt defaults to submission time when zero.
	AppliedAt time.Time

	// IdempotencyKey, when set, makes retries safe: a duplicate key returns
	// the originally recorded payment instead of creating a second one.
	IdempotencyKey string
}

// ApplyResult is the response to a successful (or replayed) apply.
type ApplyResult struct {
	Payment    Payment
	Projection Projection

	// Replayed is true when the idempotency key matched an existing payment
	// and no new row was created.
	Replayed bool
}

// ApplyPayment validates and records one payment, returning the created
// payment and the updated projection. Non-success outcomes are either a
// *RejectionError (stable reason code, nothing written) or a *Failure.
func (e *Engine) ApplyPayment(ctx context.Context, in ApplyInput) (ApplyResult, error) {
	// Step 0: idempotent replay.
	if in.IdempotencyKey != "" {
		replay, err := e.replayByKey(ctx, in.IdempotencyKey)
		if err != nil {
			return ApplyResult{}, err
		}
		if replay != nil {
			return *replay, nil
		}
	}

	if !in.Method.Valid() {
		return ApplyResult{}, Reject(ErrUnsupportedMethod, in.BalanceID, string(in.Method))
	}

	// Step 1: fetch. Fail closed on missing balance or owner mismatch.
	balance, err := e.store.GetBalance(ctx, in.BalanceID)
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			return ApplyResult{}, Reject(ErrBalanceNotFound, in.BalanceID, "")
		}
		return ApplyResult{}, err
	}
	if balance.OwnerID != in.OwnerID {
		return ApplyResult{}, Reject(ErrForbidden, in.BalanceID, "")
	}

	payments, err := e.store.ListPayments(ctx, in.BalanceID)
	if err != nil {
		return ApplyResult{}, err
	}
	projection := Project(balance, payments)

	// Step 2: validate against the fresh projection. No write on rejection.
	if err := ValidateAmount(projection, in.Amount); err != nil {
		return ApplyResult{}, err
	}

	// Step 3: record.
	appliedAt := in.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = e.now()
	}

	created, err := e.recorder.Record(ctx, PaymentDraft{
		BalanceID:      in.BalanceID,
		OwnerID:        in.OwnerID,
		Amount:         in.Amount,
		Method:         in.Method,
		AppliedAt:      appliedAt,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		// The store won a race we lost: a concurrent payment filled the
		// balance first and the due cap rejected ours. Same reason code as
		// a validation rejection, not an unexpected failure.
		if errors.Is(err, ErrExceedsRemainingDue) {
			return ApplyResult{}, Reject(ErrExceedsRemainingDue, in.BalanceID,
				"rejected by store-side due cap")
		}
		// Concurrent request with the same idempotency key got there first.
		if errors.Is(err, ErrDuplicateIdempotencyKey) && in.IdempotencyKey != "" {
			replay, rerr := e.replayByKey(ctx, in.IdempotencyKey)
			if rerr == nil && replay != nil {
				return *replay, nil
			}
		}
		return ApplyResult{}, err
	}

	// Step 4: re-project including the new row. The record already
	// succeeded, so a failed re-read folds the payment in memory instead of
	// reporting the whole request as failed.
	after, err := e.store.ListPayments(ctx, in.BalanceID)
	if err != nil {
		return ApplyResult{Payment: created, Projection: Fold(projection, created)}, nil
	}

	return ApplyResult{Payment: created, Projection: Project(balance, after)}, nil
}

func (e *Engine) replayByKey(ctx context.Context, key string) (*ApplyResult, error) {
	existing, err := e.store.PaymentByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	projection, err := e.Project(ctx, existing.BalanceID)
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Payment: *existing, Projection: projection, Replayed: true}, nil
}

// =============================================================================
// READ PATHS - Projections for listings and dashboards (no writes)
// =============================================================================

// Project returns the current projection of one balance.
func (e *Engine) Project(ctx context.Context, id BalanceID) (Projection, error) {
	balance, err := e.store.GetBalance(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			return Projection{}, Reject(ErrBalanceNotFound, id, "")
		}
		return Projection{}, err
	}

	payments, err := e.store.ListPayments(ctx, id)
	if err != nil {
		return Projection{}, err
	}
	return Project(balance, payments), nil
}

// ProjectOwner returns the aggregated projection summary across every
// balance owned by one student.
func (e *Engine) ProjectOwner(ctx context.Context, owner OwnerID) (OwnerSummary, error) {
	balances, err := e.store.ListBalancesByOwner(ctx, owner)
	if err != nil {
		return OwnerSummary{}, err
	}

	paymentsByBalance := make(map[BalanceID][]Payment, len(balances))
	for _, b := range balances {
		payments, err := e.store.ListPayments(ctx, b.ID)
		if err != nil {
			return OwnerSummary{}, err
		}
		paymentsByBalance[b.ID] = payments
	}

	return ProjectOwner(owner, balances, paymentsByBalance), nil
}

// ListPayments returns the payment history of a balance for statement
// display, oldest first.
func (e *Engine) ListPayments(ctx context.Context, id BalanceID) ([]Payment, error) {
	if _, err := e.store.GetBalance(ctx, id); err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			return nil, Reject(ErrBalanceNotFound, id, "")
		}
		return nil, err
	}
	return e.store.ListPayments(ctx, id)
}
