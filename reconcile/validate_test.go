package reconcile_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/campusledger/billing-engine/reconcile"
)

func TestValidateAmount(t *testing.T) {
	projection := reconcile.Project(testBalance("bal-1", "1000.00"),
		[]reconcile.Payment{testPayment("bal-1", "400.00")})
	// remaining due is 600.00

	tests := []struct {
		name       string
		amount     decimal.Decimal
		wantReason string
	}{
		{"positive within remaining", amt("100.00"), ""},
		{"exactly remaining due", amt("600.00"), ""},
		{"zero", decimal.Zero, reconcile.ReasonNonPositiveAmount},
		{"negative", amt("-5.00"), reconcile.ReasonNonPositiveAmount},
		{"one cent over remaining", amt("600.01"), reconcile.ReasonExceedsRemaining},
		{"far over remaining", amt("10000.00"), reconcile.ReasonExceedsRemaining},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reconcile.ValidateAmount(projection, tt.amount)
			if tt.wantReason == "" {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Equal(t, tt.wantReason, reconcile.ReasonOf(err))
		})
	}
}

func TestValidateAmount_PaidBalance_RejectsEverything(t *testing.T) {
	// GIVEN: A fully paid balance
	// THEN: Any positive amount exceeds the (zero) remaining due

	projection := reconcile.Project(testBalance("bal-1", "500.00"),
		[]reconcile.Payment{testPayment("bal-1", "500.00")})

	err := reconcile.ValidateAmount(projection, amt("0.01"))
	assert.ErrorIs(t, err, reconcile.ErrExceedsRemainingDue)
}

func TestValidateAmount_Deterministic(t *testing.T) {
	projection := reconcile.Project(testBalance("bal-1", "100.00"), nil)

	first := reconcile.ValidateAmount(projection, amt("250.00"))
	second := reconcile.ValidateAmount(projection, amt("250.00"))

	assert.Equal(t, reconcile.ReasonOf(first), reconcile.ReasonOf(second))
}
