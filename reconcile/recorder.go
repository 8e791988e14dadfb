/*
recorder.go - Payment persistence with the schema-failure retry

PURPOSE:
  Persists a validated payment draft. Owns exactly one piece of cleverness:
  when the store's payments table turns out to require a client-supplied
  reference (a NOT NULL column with no server-side generator), the recorder
  allocates one and retries ONCE. Everything else passes through with its
  taxonomy untouched.

WHY A NAMED BRANCH:
  The behavior this replaces was "try insert, grep the error message,
  retry with a generated field" scattered across call sites. Here the
  detection lives in the store implementations (which map their driver
  errors to ErrReferenceRequired), and the retry is a single, testable
  branch.

PARTIAL-APPLY SAFETY:
  If a failed first attempt still returns a payment identifier, that
  identifier is authoritative: the row exists and the recorder returns it
  rather than inserting a second time.

SEE ALSO:
  - reference.go: The fallback allocator
  - store.go: InsertPayment contract
*/
package reconcile

import (
	"context"
	"errors"
)

// Recorder persists validated payment drafts.
type Recorder struct {
	store RowStore
	refs  ReferenceAllocator
}

func NewRecorder(store RowStore, refs ReferenceAllocator) *Recorder {
	if refs == nil {
		refs = NewReferenceAllocator()
	}
	return &Recorder{store: store, refs: refs}
}

// Record appends the draft as a payment row.
//
// Outcomes:
//   - success: exactly one row created, returned as persisted
//   - ErrReferenceRequired from the store: one retry with an allocated
//     reference; if the retry fails too, that error escalates
//   - anything else: surfaced unchanged, zero rows created
func (r *Recorder) Record(ctx context.Context, draft PaymentDraft) (Payment, error) {
	created, err := r.store.InsertPayment(ctx, draft)
	if err == nil {
		return created, nil
	}

	// Partial apply: the store returned an identifier despite the error.
	// The row is there; do not insert twice.
	if created.ID != "" {
		return created, nil
	}

	if !isReferenceRequired(err) {
		return Payment{}, err
	}

	draft.Reference = r.refs.Allocate()

	created, err = r.store.InsertPayment(ctx, draft)
	if err != nil {
		if created.ID != "" {
			return created, nil
		}
		return Payment{}, err
	}
	return created, nil
}

func isReferenceRequired(err error) bool {
	if errors.Is(err, ErrReferenceRequired) {
		return true
	}
	var f *Failure
	return errors.As(err, &f) && f.Kind == FailureSchema
}
