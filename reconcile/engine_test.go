package reconcile_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusledger/billing-engine/reconcile"
	"github.com/campusledger/billing-engine/reconcile/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T, opts ...store.Option) (*reconcile.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory(opts...)
	return reconcile.NewEngine(mem), mem
}

func apply(balanceID, owner string, amount string) reconcile.ApplyInput {
	return reconcile.ApplyInput{
		BalanceID: reconcile.BalanceID(balanceID),
		OwnerID:   reconcile.OwnerID(owner),
		Amount:    amt(amount),
		Method:    reconcile.MethodCard,
	}
}

// =============================================================================
// APPLY-PAYMENT SCENARIOS
// =============================================================================

func TestEngine_FreshBalance_ProjectsPending(t *testing.T) {
	// GIVEN: Balance of 1000.00, no payments
	// THEN: project returns {paid 0, remaining 1000.00, pending}

	engine, mem := newTestEngine(t)
	seedBalance(t, mem, "bal-1", "1000.00")

	proj, err := engine.Project(context.Background(), "bal-1")

	require.NoError(t, err)
	assert.True(t, proj.PaidTotal.IsZero())
	assert.True(t, proj.RemainingDue.Equal(amt("1000.00")))
	assert.Equal(t, reconcile.StatusPending, proj.Status)
}

func TestEngine_ApplyPayment_LifecycleToPaid(t *testing.T) {
	// Walks a balance from pending through partial to paid, then verifies
	// the next payment is rejected with nothing written.

	engine, mem := newTestEngine(t)
	seedBalance(t, mem, "bal-1", "1000.00")
	ctx := context.Background()

	// 400.00 -> partial
	result, err := engine.ApplyPayment(ctx, apply("bal-1", "stu-1", "400.00"))
	require.NoError(t, err)
	assert.NotEmpty(t, result.Payment.ID)
	assert.True(t, result.Projection.PaidTotal.Equal(amt("400.00")))
	assert.True(t, result.Projection.RemainingDue.Equal(amt("600.00")))
	assert.Equal(t, reconcile.StatusPartial, result.Projection.Status)

	// 600.00 -> paid
	result, err = engine.ApplyPayment(ctx, apply("bal-1", "stu-1", "600.00"))
	require.NoError(t, err)
	assert.True(t, result.Projection.RemainingDue.IsZero())
	assert.Equal(t, reconcile.StatusPaid, result.Projection.Status)

	// 50.00 on a paid balance -> rejected, projection unchanged
	_, err = engine.ApplyPayment(ctx, apply("bal-1", "stu-1", "50.00"))
	assert.Equal(t, reconcile.ReasonExceedsRemaining, reconcile.ReasonOf(err))

	payments, err := mem.ListPayments(ctx, "bal-1")
	require.NoError(t, err)
	assert.Len(t, payments, 2, "rejected apply must not create a row")

	proj, err := engine.Project(ctx, "bal-1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusPaid, proj.Status)
	assert.True(t, proj.PaidTotal.Equal(amt("1000.00")))
}

func TestEngine_ApplyPayment_BoundaryAmounts(t *testing.T) {
	// amount == remaining due settles the balance; one cent more is
	// rejected before anything is written.

	engine, mem := newTestEngine(t)
	seedBalance(t, mem, "bal-1", "1000.00")
	ctx := context.Background()

	_, err := engine.ApplyPayment(ctx, apply("bal-1", "stu-1", "1000.01"))
	assert.Equal(t, reconcile.ReasonExceedsRemaining, reconcile.ReasonOf(err))

	result, err := engine.ApplyPayment(ctx, apply("bal-1", "stu-1", "1000.00"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusPaid, result.Projection.Status)
}

func TestEngine_ApplyPayment_Rejections(t *testing.T) {
	engine, mem := newTestEngine(t)
	seedBalance(t, mem, "bal-1", "1000.00")

	tests := []struct {
		name       string
		input      reconcile.ApplyInput
		wantReason string
	}{
		{"zero amount", apply("bal-1", "stu-1", "0"), reconcile.ReasonNonPositiveAmount},
		{"negative amount", apply("bal-1", "stu-1", "-10.00"), reconcile.ReasonNonPositiveAmount},
		{"unknown balance", apply("bal-404", "stu-1", "10.00"), reconcile.ReasonNotFound},
		{"wrong owner", apply("bal-1", "stu-2", "10.00"), reconcile.ReasonForbidden},
		{
			"unsupported method",
			reconcile.ApplyInput{BalanceID: "bal-1", OwnerID: "stu-1", Amount: amt("10.00"), Method: "barter"},
			reconcile.ReasonUnsupportedMethod,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.ApplyPayment(context.Background(), tt.input)
			require.Error(t, err)
			assert.Equal(t, tt.wantReason, reconcile.ReasonOf(err))
		})
	}

	payments, err := mem.ListPayments(context.Background(), "bal-1")
	require.NoError(t, err)
	assert.Empty(t, payments, "no rejection may write")
}

func TestEngine_ApplyPayment_MissingReferenceSchema(t *testing.T) {
	// GIVEN: A store schema requiring a client-supplied reference
	// WHEN: Applying a payment
	// THEN: The fallback allocator fills it in and the payment lands once

	mem := store.NewMemory(store.WithRequiredReference())
	engine := reconcile.NewEngine(mem)
	seedBalance(t, mem, "bal-1", "1000.00")

	result, err := engine.ApplyPayment(context.Background(), apply("bal-1", "stu-1", "250.00"))

	require.NoError(t, err)
	assert.NotEmpty(t, result.Payment.Reference)
	assert.Contains(t, result.Payment.Reference, "REF-")

	payments, err := mem.ListPayments(context.Background(), "bal-1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, result.Payment.Reference, payments[0].Reference)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestEngine_IdempotencyKey_ReplaysOriginalPayment(t *testing.T) {
	// Two applies with the same key create exactly one row; the second
	// returns the original payment marked as replayed.

	engine, mem := newTestEngine(t)
	seedBalance(t, mem, "bal-1", "1000.00")
	ctx := context.Background()

	input := apply("bal-1", "stu-1", "400.00")
	input.IdempotencyKey = "req-abc"

	first, err := engine.ApplyPayment(ctx, input)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := engine.ApplyPayment(ctx, input)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.True(t, second.Projection.PaidTotal.Equal(amt("400.00")))

	payments, err := mem.ListPayments(ctx, "bal-1")
	require.NoError(t, err)
	assert.Len(t, payments, 1, "same key must not create a second row")
}

func TestEngine_IdempotencyKey_InsertRace_ResolvesToReplay(t *testing.T) {
	// The pre-check misses a concurrent insert with the same key; the
	// store's unique index catches it and the engine replays the winner.

	mem := store.NewMemory()
	seedBalance(t, mem, "bal-1", "1000.00")
	ctx := context.Background()

	checked := false
	fs := &raceStore{Memory: mem, onKeyCheck: func() {
		if checked {
			return
		}
		checked = true
		// Concurrent request lands between the check and our insert.
		_, err := mem.InsertPayment(ctx, reconcile.PaymentDraft{
			BalanceID: "bal-1", OwnerID: "stu-1", Amount: amt("400.00"),
			Method: reconcile.MethodCard, IdempotencyKey: "req-race",
		})
		require.NoError(t, err)
	}}
	engine := reconcile.NewEngine(fs)

	input := apply("bal-1", "stu-1", "400.00")
	input.IdempotencyKey = "req-race"

	result, err := engine.ApplyPayment(ctx, input)
	require.NoError(t, err)
	assert.True(t, result.Replayed)

	payments, err := mem.ListPayments(ctx, "bal-1")
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

// raceStore injects a concurrent writer into the idempotency pre-check.
type raceStore struct {
	*store.Memory
	onKeyCheck func()
}

func (r *raceStore) PaymentByIdempotencyKey(ctx context.Context, key string) (*reconcile.Payment, error) {
	p, err := r.Memory.PaymentByIdempotencyKey(ctx, key)
	if p == nil && err == nil && r.onKeyCheck != nil {
		r.onKeyCheck()
	}
	return p, err
}

// =============================================================================
// CONCURRENT OVERSHOOT
// =============================================================================

func TestEngine_StoreDueCapRace_SurfacesAsRejection(t *testing.T) {
	// A concurrent payment fills the balance between our validate and
	// record; the store's due cap rejects the insert and the engine
	// reports it as exceeds_remaining_due, not as a failure.

	mem := store.NewMemory(store.WithDueCap())
	seedBalance(t, mem, "bal-1", "1000.00")
	ctx := context.Background()

	validated := false
	fs := &raceListStore{Memory: mem, onList: func() {
		if validated {
			return
		}
		validated = true
		_, err := mem.InsertPayment(ctx, reconcile.PaymentDraft{
			BalanceID: "bal-1", OwnerID: "stu-1", Amount: amt("900.00"),
			Method: reconcile.MethodOnline,
		})
		require.NoError(t, err)
	}}
	engine := reconcile.NewEngine(fs)

	_, err := engine.ApplyPayment(ctx, apply("bal-1", "stu-1", "500.00"))

	require.Error(t, err)
	assert.True(t, reconcile.IsRejection(err), "store cap loss must be a rejection")
	assert.Equal(t, reconcile.ReasonExceedsRemaining, reconcile.ReasonOf(err))
}

// raceListStore injects a concurrent writer after the engine's fetch.
type raceListStore struct {
	*store.Memory
	onList func()
}

func (r *raceListStore) ListPayments(ctx context.Context, id reconcile.BalanceID) ([]reconcile.Payment, error) {
	payments, err := r.Memory.ListPayments(ctx, id)
	if err == nil && r.onList != nil {
		r.onList()
	}
	return payments, err
}

func TestEngine_ConcurrentApplies_NeverOvershoot(t *testing.T) {
	// Many goroutines race to fill one balance; with the due cap on, the
	// paid total can never pass the original due.

	mem := store.NewMemory(store.WithDueCap())
	engine := reconcile.NewEngine(mem)
	seedBalance(t, mem, "bal-1", "1000.00")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input := apply("bal-1", "stu-1", "300.00")
			input.IdempotencyKey = fmt.Sprintf("req-%d", i)
			_, err := engine.ApplyPayment(ctx, input)
			if err != nil {
				// Losing a race is fine; it must be the rejection reason.
				assert.Equal(t, reconcile.ReasonExceedsRemaining, reconcile.ReasonOf(err))
			}
		}(i)
	}
	wg.Wait()

	proj, err := engine.Project(ctx, "bal-1")
	require.NoError(t, err)
	assert.True(t, proj.PaidTotal.LessThanOrEqual(amt("1000.00")),
		"paid total %s overshot the original due", proj.PaidTotal)
	assert.True(t, proj.Overpaid.IsZero())
}

// =============================================================================
// READ PATHS
// =============================================================================

func TestEngine_ProjectOwner_Dashboard(t *testing.T) {
	engine, mem := newTestEngine(t)
	seedBalance(t, mem, "bal-1", "1000.00")
	seedBalance(t, mem, "bal-2", "500.00")
	ctx := context.Background()

	_, err := engine.ApplyPayment(ctx, apply("bal-1", "stu-1", "1000.00"))
	require.NoError(t, err)

	summary, err := engine.ProjectOwner(ctx, "stu-1")
	require.NoError(t, err)

	require.Len(t, summary.Balances, 2)
	assert.True(t, summary.TotalRemaining.Equal(amt("500.00")))
}

func TestEngine_ProjectOwner_UnknownOwnerIsEmpty(t *testing.T) {
	engine, _ := newTestEngine(t)

	summary, err := engine.ProjectOwner(context.Background(), "stu-ghost")

	require.NoError(t, err)
	assert.Empty(t, summary.Balances)
	assert.True(t, summary.TotalRemaining.Equal(decimal.Zero))
}

func TestEngine_Project_UnknownBalance(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Project(context.Background(), "bal-404")

	assert.True(t, reconcile.IsNotFound(err))
	assert.Equal(t, reconcile.ReasonNotFound, reconcile.ReasonOf(err))
}
