/*
Package sqlite provides a SQLite-backed row store for single-node
deployments.

PURPOSE:
  Implements reconcile.AdminStore on database/sql + mattn/go-sqlite3.
  The hosted PostgreSQL store (store/postgres) is the production target;
  this one covers local development and small installs with the same
  sentinel contract.

SCHEMA VARIANCE:
  SQLite has no server-side reference generator, so the payments.reference
  column is NOT NULL with no default. Every insert that omits the
  reference trips the constraint, which this package reports as
  ErrReferenceRequired - the recorder then allocates one and retries.
  This is the fallback path the engine is built around.

CONSTRAINT DETECTION:
  go-sqlite3 exposes constraint failures as error text. The matching is
  ugly but it lives in exactly one function (classifyInsertError) and
  nowhere else; the engine only ever sees sentinels.

OVERSHOOT MITIGATION:
  The due cap is re-checked inside the insert transaction. SQLite's
  single-writer model already serializes the writes; the in-transaction
  check turns a would-be overshoot into ErrExceedsRemainingDue.

WAL MODE:
  Opened with WAL so readers don't block during payment inserts.

SEE ALSO:
  - reconcile/store.go: Interface and sentinel contract
  - store/postgres: Production implementation
*/
package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/campusledger/billing-engine/reconcile"
)

// Store implements reconcile.AdminStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS balances (
		id           TEXT PRIMARY KEY,
		owner_id     TEXT NOT NULL,
		original_due TEXT NOT NULL,
		due_date     TEXT,
		created_at   TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_balances_owner
		ON balances(owner_id, created_at);

	-- Payments (append-only). No UPDATE or DELETE is ever issued against
	-- this table; corrections are new rows.
	CREATE TABLE IF NOT EXISTS payments (
		id              TEXT PRIMARY KEY,
		reference       TEXT NOT NULL UNIQUE,
		balance_id      TEXT NOT NULL REFERENCES balances(id),
		owner_id        TEXT NOT NULL,
		amount          TEXT NOT NULL,
		method          TEXT NOT NULL,
		applied_at      TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at      TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_balance
		ON payments(balance_id, applied_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ERROR CLASSIFICATION - The only place that reads sqlite error text
// =============================================================================

func classifyInsertError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NOT NULL constraint failed: payments.reference"):
		return reconcile.ErrReferenceRequired
	case strings.Contains(msg, "UNIQUE constraint failed: payments.idempotency_key"):
		return reconcile.ErrDuplicateIdempotencyKey
	case strings.Contains(msg, "UNIQUE constraint failed: payments.reference"):
		return reconcile.ErrDuplicateReference
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return reconcile.ErrBalanceNotFound
	case strings.Contains(msg, "constraint failed"):
		return reconcile.NewFailure(reconcile.FailurePermanent, "insert payment", err)
	}
	return reconcile.NewFailure(reconcile.FailureTransient, "insert payment", err)
}

func newID(prefix string) string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return prefix + "-" + hex.EncodeToString(buf)
}

// =============================================================================
// BALANCES
// =============================================================================

func (s *Store) CreateBalance(ctx context.Context, b reconcile.Balance) (reconcile.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = reconcile.BalanceID(newID("bal"))
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	var dueDate any
	if b.DueDate != nil {
		dueDate = b.DueDate.Format("2006-01-02")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO balances (id, owner_id, original_due, due_date, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.OwnerID, b.OriginalDue.String(), dueDate,
		b.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return reconcile.Balance{}, reconcile.NewFailure(reconcile.FailureTransient, "create balance", err)
	}
	return b, nil
}

func (s *Store) GetBalance(ctx context.Context, id reconcile.BalanceID) (reconcile.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, original_due, due_date, created_at
		 FROM balances WHERE id = ?`, id)

	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reconcile.Balance{}, reconcile.ErrBalanceNotFound
		}
		return reconcile.Balance{}, reconcile.NewFailure(reconcile.FailureTransient, "get balance", err)
	}
	return b, nil
}

func (s *Store) ListBalancesByOwner(ctx context.Context, owner reconcile.OwnerID) ([]reconcile.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, original_due, due_date, created_at
		 FROM balances WHERE owner_id = ?
		 ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, reconcile.NewFailure(reconcile.FailureTransient, "list balances", err)
	}
	defer rows.Close()

	var result []reconcile.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, reconcile.NewFailure(reconcile.FailureTransient, "scan balance", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *Store) DeleteBalance(ctx context.Context, id reconcile.BalanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE balance_id = ?`, id).Scan(&count)
	if err != nil {
		return reconcile.NewFailure(reconcile.FailureTransient, "delete balance", err)
	}
	if count > 0 {
		return reconcile.ErrBalanceHasPayments
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM balances WHERE id = ?`, id)
	if err != nil {
		return reconcile.NewFailure(reconcile.FailureTransient, "delete balance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return reconcile.ErrBalanceNotFound
	}
	return nil
}

// =============================================================================
// PAYMENTS - Append-only
// =============================================================================

func (s *Store) InsertPayment(ctx context.Context, draft reconcile.PaymentDraft) (reconcile.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return reconcile.Payment{}, reconcile.NewFailure(reconcile.FailureTransient, "insert payment", err)
	}
	defer tx.Rollback()

	var dueText string
	err = tx.QueryRowContext(ctx,
		`SELECT original_due FROM balances WHERE id = ?`, draft.BalanceID).Scan(&dueText)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reconcile.Payment{}, reconcile.ErrBalanceNotFound
		}
		return reconcile.Payment{}, reconcile.NewFailure(reconcile.FailureTransient, "insert payment", err)
	}
	due, err := decimal.NewFromString(dueText)
	if err != nil {
		return reconcile.Payment{}, reconcile.NewFailure(reconcile.FailurePermanent, "insert payment",
			fmt.Errorf("parse original_due: %w", err))
	}

	// Due cap, re-checked inside the transaction. Amounts are stored as
	// decimal text, so the sum happens here rather than in SQL.
	paid, err := sumPayments(ctx, tx, draft.BalanceID)
	if err != nil {
		return reconcile.Payment{}, err
	}
	if paid.Add(draft.Amount).GreaterThan(due) {
		return reconcile.Payment{}, reconcile.ErrExceedsRemainingDue
	}

	payment := reconcile.Payment{
		ID:             reconcile.PaymentID(newID("pay")),
		Reference:      draft.Reference,
		BalanceID:      draft.BalanceID,
		OwnerID:        draft.OwnerID,
		Amount:         draft.Amount,
		Method:         draft.Method,
		AppliedAt:      draft.AppliedAt,
		IdempotencyKey: draft.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	var reference, idemKey any
	if payment.Reference != "" {
		reference = payment.Reference
	}
	if payment.IdempotencyKey != "" {
		idemKey = payment.IdempotencyKey
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payments
		 (id, reference, balance_id, owner_id, amount, method, applied_at, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID, reference, payment.BalanceID, payment.OwnerID,
		payment.Amount.String(), payment.Method,
		payment.AppliedAt.UTC().Format(time.RFC3339Nano), idemKey,
		payment.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return reconcile.Payment{}, classifyInsertError(err)
	}

	if err := tx.Commit(); err != nil {
		return reconcile.Payment{}, reconcile.NewFailure(reconcile.FailureTransient, "insert payment", err)
	}
	return payment, nil
}

func sumPayments(ctx context.Context, tx *sql.Tx, id reconcile.BalanceID) (decimal.Decimal, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT amount FROM payments WHERE balance_id = ?`, id)
	if err != nil {
		return decimal.Zero, reconcile.NewFailure(reconcile.FailureTransient, "insert payment", err)
	}
	defer rows.Close()

	paid := decimal.Zero
	for rows.Next() {
		var amountText string
		if err := rows.Scan(&amountText); err != nil {
			return decimal.Zero, reconcile.NewFailure(reconcile.FailureTransient, "insert payment", err)
		}
		amount, err := decimal.NewFromString(amountText)
		if err != nil {
			return decimal.Zero, reconcile.NewFailure(reconcile.FailurePermanent, "insert payment",
				fmt.Errorf("parse amount: %w", err))
		}
		paid = paid.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, reconcile.NewFailure(reconcile.FailureTransient, "insert payment", err)
	}
	return paid, nil
}

func (s *Store) ListPayments(ctx context.Context, id reconcile.BalanceID) ([]reconcile.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reference, balance_id, owner_id, amount, method,
		        applied_at, COALESCE(idempotency_key, ''), created_at
		 FROM payments WHERE balance_id = ?
		 ORDER BY applied_at, created_at`, id)
	if err != nil {
		return nil, reconcile.NewFailure(reconcile.FailureTransient, "list payments", err)
	}
	defer rows.Close()

	var result []reconcile.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, reconcile.NewFailure(reconcile.FailureTransient, "scan payment", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) PaymentByIdempotencyKey(ctx context.Context, key string) (*reconcile.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, reference, balance_id, owner_id, amount, method,
		        applied_at, COALESCE(idempotency_key, ''), created_at
		 FROM payments WHERE idempotency_key = ?`, key)

	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, reconcile.NewFailure(reconcile.FailureTransient, "get payment by key", err)
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
		id, owner, due, createdAt string
		dueDate                   sql.NullString
	)
	if err := row.Scan(&id, &owner, &due, &dueDate, &createdAt); err != nil {
		return reconcile.Balance{}, err
	}

	originalDue, err := decimal.NewFromString(due)
	if err != nil {
		return reconcile.Balance{}, fmt.Errorf("parse original_due: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return reconcile.Balance{}, fmt.Errorf("parse created_at: %w", err)
	}

	b := reconcile.Balance{
		ID:          reconcile.BalanceID(id),
		OwnerID:     reconcile.OwnerID(owner),
		OriginalDue: originalDue,
		CreatedAt:   created,
	}
	if dueDate.Valid {
		d, err := time.Parse("2006-01-02", dueDate.String)
		if err != nil {
			return reconcile.Balance{}, fmt.Errorf("parse due_date: %w", err)
		}
		b.DueDate = &d
	}
	return b, nil
}

func scanPayment(row rowScanner) (reconcile.Payment, error) {
	var (
		id, reference, balanceID, owner          string
		amountText, method, appliedAt, createdAt string
		idemKey                                  string
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
	applied, err := time.Parse(time.RFC3339Nano, appliedAt)
	if err != nil {
		return reconcile.Payment{}, fmt.Errorf("parse applied_at: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return reconcile.Payment{}, fmt.Errorf("parse created_at: %w", err)
	}

	return reconcile.Payment{
		ID:             reconcile.PaymentID(id),
		Reference:      reference,
		BalanceID:      reconcile.BalanceID(balanceID),
		OwnerID:        reconcile.OwnerID(owner),
		Amount:         amount,
		Method:         reconcile.PaymentMethod(method),
		AppliedAt:      applied,
		IdempotencyKey: idemKey,
		CreatedAt:      created,
	}, nil
}
