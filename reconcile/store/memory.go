// Package store provides RowStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/campusledger/billing-engine/reconcile"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements reconcile.AdminStore in process. Schema variance of the
// hosted store is configurable so both insert paths can be exercised:
//
//   - default: the store generates a payment reference itself, like a
//     hosted schema with a generated column
//   - WithRequiredReference: the reference column is NOT NULL with no
//     generator, so an insert without one fails with ErrReferenceRequired
//   - WithDueCap: the store enforces sum(payments) <= original_due at
//     insert time, rejecting the losing side of a concurrent overshoot
type Memory struct {
	mu       sync.RWMutex
	balances map[reconcile.BalanceID]reconcile.Balance
	payments map[reconcile.BalanceID][]reconcile.Payment
	byKey    map[string]reconcile.PaymentID
	byRef    map[string]bool
	seq      int

	requireReference bool
	enforceDueCap    bool
}

type Option func(*Memory)

// WithRequiredReference makes the payments table require a client-supplied
// reference (NOT NULL, no server-side generator).
func WithRequiredReference() Option {
	return func(m *Memory) { m.requireReference = true }
}

// WithDueCap enforces sum(payments.amount) <= balance.original_due per
// balance at insert time.
func WithDueCap() Option {
	return func(m *Memory) { m.enforceDueCap = true }
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		balances: make(map[reconcile.BalanceID]reconcile.Balance),
		payments: make(map[reconcile.BalanceID][]reconcile.Payment),
		byKey:    make(map[string]reconcile.PaymentID),
		byRef:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Ping(_ context.Context) error { return nil }

// =============================================================================
// BALANCES
// =============================================================================

func (m *Memory) CreateBalance(_ context.Context, b reconcile.Balance) (reconcile.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.ID == "" {
		m.seq++
		b.ID = reconcile.BalanceID(fmt.Sprintf("bal-%d", m.seq))
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	m.balances[b.ID] = b
	return b, nil
}

func (m *Memory) GetBalance(_ context.Context, id reconcile.BalanceID) (reconcile.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[id]
	if !ok {
		return reconcile.Balance{}, reconcile.ErrBalanceNotFound
	}
	return b, nil
}

func (m *Memory) ListBalancesByOwner(_ context.Context, owner reconcile.OwnerID) ([]reconcile.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []reconcile.Balance
	for _, b := range m.balances {
		if b.OwnerID == owner {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) DeleteBalance(_ context.Context, id reconcile.BalanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.balances[id]; !ok {
		return reconcile.ErrBalanceNotFound
	}
	if len(m.payments[id]) > 0 {
		return reconcile.ErrBalanceHasPayments
	}
	delete(m.balances, id)
	return nil
}

// =============================================================================
// PAYMENTS - Append-only
// =============================================================================

func (m *Memory) InsertPayment(_ context.Context, draft reconcile.PaymentDraft) (reconcile.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	balance, ok := m.balances[draft.BalanceID]
	if !ok {
		return reconcile.Payment{}, reconcile.ErrBalanceNotFound
	}

	if draft.IdempotencyKey != "" {
		if _, exists := m.byKey[draft.IdempotencyKey]; exists {
			return reconcile.Payment{}, reconcile.ErrDuplicateIdempotencyKey
		}
	}

	if m.requireReference && draft.Reference == "" {
		return reconcile.Payment{}, reconcile.ErrReferenceRequired
	}
	if draft.Reference != "" && m.byRef[draft.Reference] {
		return reconcile.Payment{}, reconcile.ErrDuplicateReference
	}

	if m.enforceDueCap {
		paid := draft.Amount
		for _, p := range m.payments[draft.BalanceID] {
			paid = paid.Add(p.Amount)
		}
		if paid.GreaterThan(balance.OriginalDue) {
			return reconcile.Payment{}, reconcile.ErrExceedsRemainingDue
		}
	}

	m.seq++
	payment := reconcile.Payment{
		ID:             reconcile.PaymentID(fmt.Sprintf("pay-%d", m.seq)),
		Reference:      draft.Reference,
		BalanceID:      draft.BalanceID,
		OwnerID:        draft.OwnerID,
		Amount:         draft.Amount,
		Method:         draft.Method,
		AppliedAt:      draft.AppliedAt,
		IdempotencyKey: draft.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if payment.Reference == "" {
		// Schema variant with a store-side generator.
		payment.Reference = fmt.Sprintf("REF-GEN-%06d", m.seq)
	}

	m.payments[draft.BalanceID] = append(m.payments[draft.BalanceID], payment)
	m.byRef[payment.Reference] = true
	if payment.IdempotencyKey != "" {
		m.byKey[payment.IdempotencyKey] = payment.ID
	}
	return payment, nil
}

func (m *Memory) ListPayments(_ context.Context, id reconcile.BalanceID) ([]reconcile.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.payments[id]
	result := make([]reconcile.Payment, len(src))
	copy(result, src)
	sort.Slice(result, func(i, j int) bool {
		if result[i].AppliedAt.Equal(result[j].AppliedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].AppliedAt.Before(result[j].AppliedAt)
	})
	return result, nil
}

func (m *Memory) PaymentByIdempotencyKey(_ context.Context, key string) (*reconcile.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	for _, payments := range m.payments {
		for _, p := range payments {
			if p.ID == id {
				cp := p
				return &cp, nil
			}
		}
	}
	return nil, nil
}
