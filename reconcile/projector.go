/*
projector.go - Balance projection from the payment set

PURPOSE:
  Computes the derived view of a balance: paid total, remaining due, and
  status. This is the central calculation that answers "how much does this
  student still owe?"

KEY INSIGHT:
  Remaining due is NEVER stored. It is always recomputed from the original
  due and the current payment set, so no independent write can make it
  drift. (A previous generation of this system decremented a stored
  amount_due field on every payment while other paths re-summed payments
  against the same field, double-counting. Deriving everything here
  eliminates that class of bug.)

STATUS RULES:
  paid     remaining_due == 0
  partial  0 < paid_total < original_due
  pending  paid_total == 0

TOTALITY:
  Project is a total function. Zero payments is a valid input (pending,
  paid 0). Payments summing past the original due - a historic data
  anomaly - clamp remaining due at zero and surface the overage in
  Projection.Overpaid as a diagnostic, never as an error.

SEE ALSO:
  - validate.go: Validates proposed amounts against the projection
  - engine.go: Read paths exposing projections to callers
*/
package reconcile

import "github.com/shopspring/decimal"

// =============================================================================
// SINGLE-BALANCE PROJECTION
// =============================================================================

// Project folds the payment set into the derived view of one balance.
// Pure: same inputs always produce the same projection.
func Project(b Balance, payments []Payment) Projection {
	paidTotal := decimal.Zero
	for _, p := range payments {
		paidTotal = paidTotal.Add(p.Amount)
	}

	remaining := b.OriginalDue.Sub(paidTotal)
	overpaid := decimal.Zero
	if remaining.IsNegative() {
		overpaid = remaining.Neg()
		remaining = decimal.Zero
	}

	status := StatusPartial
	switch {
	case remaining.IsZero():
		status = StatusPaid
	case paidTotal.IsZero():
		status = StatusPending
	}

	return Projection{
		BalanceID:    b.ID,
		OwnerID:      b.OwnerID,
		OriginalDue:  b.OriginalDue,
		PaidTotal:    paidTotal,
		RemainingDue: remaining,
		Status:       status,
		Overpaid:     overpaid,
		DueDate:      b.DueDate,
	}
}

// Fold returns the projection after one more payment, without re-reading
// the payment set. Used when the store re-read after a successful record
// fails: the record already happened, so the response is derived in memory
// instead of being reported as a failure.
func Fold(prev Projection, p Payment) Projection {
	paidTotal := prev.PaidTotal.Add(p.Amount)

	remaining := prev.OriginalDue.Sub(paidTotal)
	overpaid := decimal.Zero
	if remaining.IsNegative() {
		overpaid = remaining.Neg()
		remaining = decimal.Zero
	}

	status := StatusPartial
	switch {
	case remaining.IsZero():
		status = StatusPaid
	case paidTotal.IsZero():
		status = StatusPending
	}

	next := prev
	next.PaidTotal = paidTotal
	next.RemainingDue = remaining
	next.Status = status
	next.Overpaid = overpaid
	return next
}

// =============================================================================
// OWNER AGGREGATION - Dashboard view across all balances of one student
// =============================================================================

// ProjectOwner aggregates projections for every balance owned by one
// student. paymentsByBalance maps each balance to its payment set; a
// missing entry means no payments.
func ProjectOwner(owner OwnerID, balances []Balance, paymentsByBalance map[BalanceID][]Payment) OwnerSummary {
	summary := OwnerSummary{
		OwnerID:        owner,
		TotalRemaining: decimal.Zero,
		TotalPaid:      decimal.Zero,
		Balances:       make([]Projection, 0, len(balances)),
	}

	for _, b := range balances {
		proj := Project(b, paymentsByBalance[b.ID])
		summary.TotalRemaining = summary.TotalRemaining.Add(proj.RemainingDue)
		summary.TotalPaid = summary.TotalPaid.Add(proj.PaidTotal)
		summary.Balances = append(summary.Balances, proj)
	}

	return summary
}
