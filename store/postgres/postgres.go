/*
Package postgres provides the PostgreSQL-backed row store.

PURPOSE:
  Production implementation of reconcile.AdminStore on pgx. The schema is
  managed by embedded goose migrations and applied on startup.

CONSTRAINT CLASSIFICATION:
  Driver errors are translated into the engine's sentinels in ONE place
  (classifyInsertError), so the reconciliation logic never inspects
  PostgreSQL error text:
    not-null violation on payments.reference -> ErrReferenceRequired
    unique violation on the idempotency idx  -> ErrDuplicateIdempotencyKey
    unique violation on the reference column -> ErrDuplicateReference
    foreign-key violation on balance delete  -> ErrBalanceHasPayments

OVERSHOOT MITIGATION:
  InsertPayment locks the balance row (SELECT ... FOR UPDATE), re-sums the
  payments inside the same transaction, and rejects the insert with
  ErrExceedsRemainingDue when the new payment would push the paid total
  past the original due. Two concurrent applies therefore serialize at the
  store; the loser surfaces to the caller as exceeds_remaining_due.

RETRY POLICY:
  Serialization failures and deadlocks are retried with short backoff.
  Connection-level errors are wrapped as transient failures so callers
  know a retry is safe.

AMOUNTS:
  NUMERIC(12,2) columns, moved across the wire as text and parsed into
  decimal.Decimal. No floating point anywhere on this path.

SEE ALSO:
  - reconcile/store.go: Interface and sentinel contract
  - migrations/: Embedded schema
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/campusledger/billing-engine/reconcile"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements reconcile.AdminStore on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database, verifies connectivity, and applies
// migrations.
func New(dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// RETRY AND CLASSIFICATION
// =============================================================================

func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}
		break
	}
	return err
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// failure wraps a raw store error with its taxonomy before it crosses the
// package boundary.
func failure(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || isConnectionError(err) {
		return reconcile.NewFailure(reconcile.FailureTransient, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.ConnectionException, pgerrcode.ConnectionFailure,
			pgerrcode.SQLClientUnableToEstablishSQLConnection,
			pgerrcode.TooManyConnections, pgerrcode.QueryCanceled:
			return reconcile.NewFailure(reconcile.FailureTransient, op, err)
		case pgerrcode.InsufficientPrivilege:
			return reconcile.NewFailure(reconcile.FailurePermanent, op, err)
		}
		if pgerrcode.IsIntegrityConstraintViolation(pgErr.Code) {
			return reconcile.NewFailure(reconcile.FailurePermanent, op, err)
		}
	}
	return reconcile.NewFailure(reconcile.FailureTransient, op, err)
}

// classifyInsertError maps constraint violations on the payments table to
// the engine's sentinels. Anything unrecognized falls through to failure().
func classifyInsertError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return failure("insert payment", err)
	}

	switch pgErr.Code {
	case pgerrcode.NotNullViolation:
		if pgErr.ColumnName == "reference" || strings.Contains(pgErr.Message, "reference") {
			return reconcile.ErrReferenceRequired
		}
	case pgerrcode.UniqueViolation:
		switch {
		case strings.Contains(pgErr.ConstraintName, "idempotency"):
			return reconcile.ErrDuplicateIdempotencyKey
		case strings.Contains(pgErr.ConstraintName, "reference"):
			return reconcile.ErrDuplicateReference
		}
	case pgerrcode.ForeignKeyViolation:
		return reconcile.ErrBalanceNotFound
	}
	return failure("insert payment", err)
}

// =============================================================================
// BALANCES
// =============================================================================

func (s *Store) CreateBalance(ctx context.Context, b reconcile.Balance) (reconcile.Balance, error) {
	var created reconcile.Balance

	err := s.withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`INSERT INTO balances (owner_id, original_due, due_date)
			 VALUES ($1, $2, $3)
			 RETURNING id, owner_id, original_due::text, due_date, created_at`,
			string(b.OwnerID), b.OriginalDue.String(), b.DueDate,
		)
		var err error
		created, err = scanBalance(row)
		return err
	})
	if err != nil {
		return reconcile.Balance{}, failure("create balance", err)
	}
	return created, nil
}

func (s *Store) GetBalance(ctx context.Context, id reconcile.BalanceID) (reconcile.Balance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, original_due::text, due_date, created_at
		 FROM balances WHERE id = $1`,
		string(id),
	)

	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reconcile.Balance{}, reconcile.ErrBalanceNotFound
		}
		return reconcile.Balance{}, failure("get balance", err)
	}
	return b, nil
}

func (s *Store) ListBalancesByOwner(ctx context.Context, owner reconcile.OwnerID) ([]reconcile.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, original_due::text, due_date, created_at
		 FROM balances WHERE owner_id = $1
		 ORDER BY created_at, id`,
		string(owner),
	)
	if err != nil {
		return nil, failure("list balances", err)
	}
	defer rows.Close()

	var result []reconcile.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, failure("scan balance", err)
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, failure("list balances", err)
	}
	return result, nil
}

func (s *Store) DeleteBalance(ctx context.Context, id reconcile.BalanceID) error {
	cmdTag, err := s.pool.Exec(ctx, `DELETE FROM balances WHERE id = $1`, string(id))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return reconcile.ErrBalanceHasPayments
		}
		return failure("delete balance", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return reconcile.ErrBalanceNotFound
	}
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// InsertPayment appends one payment. The balance row is locked for the
// duration of the transaction so the due-cap check and the insert are
// atomic with respect to concurrent applies on the same balance.
func (s *Store) InsertPayment(ctx context.Context, draft reconcile.PaymentDraft) (reconcile.Payment, error) {
	var created reconcile.Payment

	err := s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var originalDue string
		err = tx.QueryRow(ctx,
			`SELECT original_due::text FROM balances WHERE id = $1 FOR UPDATE`,
			string(draft.BalanceID),
		).Scan(&originalDue)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return reconcile.ErrBalanceNotFound
			}
			return err
		}

		due, err := decimal.NewFromString(originalDue)
		if err != nil {
			return fmt.Errorf("parse original_due: %w", err)
		}

		var paidText string
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0)::text FROM payments WHERE balance_id = $1`,
			string(draft.BalanceID),
		).Scan(&paidText)
		if err != nil {
			return err
		}
		paid, err := decimal.NewFromString(paidText)
		if err != nil {
			return fmt.Errorf("parse paid total: %w", err)
		}

		if paid.Add(draft.Amount).GreaterThan(due) {
			return reconcile.ErrExceedsRemainingDue
		}

		row := insertRow(ctx, tx, draft)
		created, err = scanPayment(row)
		if err != nil {
			return classifyInsertError(err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		// Sentinels pass through untouched; anything still raw gets wrapped.
		if sentinelInsertError(err) {
			return reconcile.Payment{}, err
		}
		var f *reconcile.Failure
		if errors.As(err, &f) {
			return reconcile.Payment{}, err
		}
		return reconcile.Payment{}, failure("insert payment", err)
	}
	return created, nil
}

// insertRow omits the reference column entirely when the draft has none, so
// a schema-side DEFAULT (where present) generates it. Supplying NULL would
// defeat the default and always trip the not-null constraint.
func insertRow(ctx context.Context, tx pgx.Tx, draft reconcile.PaymentDraft) pgx.Row {
	const returning = `RETURNING id, reference, balance_id, owner_id, amount::text,
		method, applied_at, COALESCE(idempotency_key, ''), created_at`

	if draft.Reference == "" {
		return tx.QueryRow(ctx,
			`INSERT INTO payments (balance_id, owner_id, amount, method, applied_at, idempotency_key)
			 VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')) `+returning,
			string(draft.BalanceID), string(draft.OwnerID), draft.Amount.String(),
			string(draft.Method), draft.AppliedAt, draft.IdempotencyKey,
		)
	}
	return tx.QueryRow(ctx,
		`INSERT INTO payments (reference, balance_id, owner_id, amount, method, applied_at, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')) `+returning,
		draft.Reference, string(draft.BalanceID), string(draft.OwnerID), draft.Amount.String(),
		string(draft.Method), draft.AppliedAt, draft.IdempotencyKey,
	)
}

func sentinelInsertError(err error) bool {
	return errors.Is(err, reconcile.ErrReferenceRequired) ||
		errors.Is(err, reconcile.ErrDuplicateIdempotencyKey) ||
		errors.Is(err, reconcile.ErrDuplicateReference) ||
		errors.Is(err, reconcile.ErrExceedsRemainingDue) ||
		errors.Is(err, reconcile.ErrBalanceNotFound)
}

func (s *Store) ListPayments(ctx context.Context, id reconcile.BalanceID) ([]reconcile.Payment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, reference, balance_id, owner_id, amount::text,
		        method, applied_at, COALESCE(idempotency_key, ''), created_at
		 FROM payments WHERE balance_id = $1
		 ORDER BY applied_at, created_at`,
		string(id),
	)
	if err != nil {
		return nil, failure("list payments", err)
	}
	defer rows.Close()

	var result []reconcile.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, failure("scan payment", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, failure("list payments", err)
	}
	return result, nil
}

func (s *Store) PaymentByIdempotencyKey(ctx context.Context, key string) (*reconcile.Payment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, reference, balance_id, owner_id, amount::text,
		        method, applied_at, COALESCE(idempotency_key, ''), created_at
		 FROM payments WHERE idempotency_key = $1`,
		key,
	)

	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, failure("get payment by key", err)
	}
	return &p, nil
}

// =============================================================================
// SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (reconcile.Balance, error) {
	var (
		id, owner, due string
		dueDate        *time.Time
		createdAt      time.Time
	)
	if err := row.Scan(&id, &owner, &due, &dueDate, &createdAt); err != nil {
		return reconcile.Balance{}, err
	}

	originalDue, err := decimal.NewFromString(due)
	if err != nil {
		return reconcile.Balance{}, fmt.Errorf("parse original_due: %w", err)
	}

	return reconcile.Balance{
		ID:          reconcile.BalanceID(id),
		OwnerID:     reconcile.OwnerID(owner),
		OriginalDue: originalDue,
		DueDate:     dueDate,
		CreatedAt:   createdAt,
	}, nil
}

func scanPayment(row rowScanner) (reconcile.Payment, error) {
	var (
		id, reference, balanceID, owner, amountText, method, idemKey string
		appliedAt, createdAt                                         time.Time
	)
	err := row.Scan(&id, &reference, &balanceID, &owner, &amountText,
		&method, &appliedAt, &idemKey, &createdAt)
	if err != nil {
		return reconcile.Payment{}, err
	}

	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		return reconcile.Payment{}, fmt.Errorf("parse amount: %w", err)
	}

	return reconcile.Payment{
		ID:             reconcile.PaymentID(id),
		Reference:      reference,
		BalanceID:      reconcile.BalanceID(balanceID),
		OwnerID:        reconcile.OwnerID(owner),
		Amount:         amount,
		Method:         reconcile.PaymentMethod(method),
		AppliedAt:      appliedAt,
		IdempotencyKey: idemKey,
		CreatedAt:      createdAt,
	}, nil
}
