/*
validate.go - Amount validation against a balance projection

PURPOSE:
  The single place that decides whether a proposed payment amount is
  acceptable. Pure and deterministic: same projection + same amount always
  gives the same answer, and nothing here touches the store.

RULES:
  1. amount must be strictly positive        -> non_positive_amount
  2. amount must not exceed remaining due    -> exceeds_remaining_due

  Rule 2 bounds the lifetime paid total: however many prior payments exist,
  the sum can never be validated past the original due.

SEE ALSO:
  - projector.go: Produces the Projection this validates against
  - engine.go: Runs this between Fetch and Record
*/
package reconcile

import "github.com/shopspring/decimal"

// ValidateAmount checks a proposed payment amount against the current
// projection. Returns nil when acceptable, otherwise a *RejectionError with
// a stable reason code.
func ValidateAmount(p Projection, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return Reject(ErrNonPositiveAmount, p.BalanceID,
			"amount "+amount.String()+" is not positive")
	}
	if amount.GreaterThan(p.RemainingDue) {
		return Reject(ErrExceedsRemainingDue, p.BalanceID,
			"amount "+amount.String()+" exceeds remaining due "+p.RemainingDue.String())
	}
	return nil
}
