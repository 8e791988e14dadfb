/*
store.go - Persistence interface between the engine and the row store

PURPOSE:
  Defines the collaborator contract the engine depends on. The store is
  assumed to provide durable, linearizable single-row reads and writes but
  NO multi-row transactions visible to the engine. Different implementations
  back this with PostgreSQL, SQLite, or memory.

APPEND-ONLY CONTRACT:
  Payments are append-only. The interface exposes InsertPayment but no
  update or delete for payments. Balances are read-only from the engine's
  perspective: the payment path never touches a stored balance field.

CONSTRAINT SIGNALLING:
  Implementations translate their driver errors into the package sentinels:
  - ErrReferenceRequired        reference column is NOT NULL and no value given
  - ErrExceedsRemainingDue      store-side due cap rejected the insert
  - ErrDuplicateIdempotencyKey  idempotency unique index hit
  - ErrBalanceNotFound          foreign balance row missing
  Anything else should arrive wrapped in a Failure with its kind.

IMPLEMENTATIONS:
  - reconcile/store: in-memory, for tests and development
  - store/postgres:  pgx-backed production store
  - store/sqlite:    single-node deployments

SEE ALSO:
  - engine.go: The only consumer of this interface
  - errors.go: Sentinels implementations must produce
*/
package reconcile

import "context"

// =============================================================================
// ROW STORE - Read/append operations used by the engine
// =============================================================================

// RowStore is the engine's view of persistence.
type RowStore interface {
	// GetBalance returns the balance row, or ErrBalanceNotFound.
	GetBalance(ctx context.Context, id BalanceID) (Balance, error)

	// ListBalancesByOwner returns every balance owned by one student,
	// oldest first.
	ListBalancesByOwner(ctx context.Context, owner OwnerID) ([]Balance, error)

	// ListPayments returns all payments applied against a balance, ordered
	// by AppliedAt.
	ListPayments(ctx context.Context, id BalanceID) ([]Payment, error)

	// InsertPayment appends one payment row and returns it as persisted
	// (including any store-assigned identifier or reference).
	//
	// If the store can partially apply an insert, a non-zero Payment.ID in
	// the error return is authoritative: the row exists and the caller must
	// not insert again.
	InsertPayment(ctx context.Context, draft PaymentDraft) (Payment, error)

	// PaymentByIdempotencyKey returns the payment recorded under key, or
	// (nil, nil) when no such payment exists.
	PaymentByIdempotencyKey(ctx context.Context, key string) (*Payment, error)
}

// =============================================================================
// ADMIN STORE - Balance lifecycle, outside the payment path
// =============================================================================

// AdminStore extends RowStore with the administrative balance lifecycle.
// These operations belong to billing staff flows, never to ApplyPayment.
type AdminStore interface {
	RowStore

	// CreateBalance persists a new balance row.
	CreateBalance(ctx context.Context, b Balance) (Balance, error)

	// DeleteBalance removes a balance. Returns ErrBalanceHasPayments while
	// any payment still references it.
	DeleteBalance(ctx context.Context, id BalanceID) error
}

// Pinger is implemented by stores that can report connectivity, used by
// health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
