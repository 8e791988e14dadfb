package reconcile_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusledger/billing-engine/reconcile"
)

func TestReferenceAllocator_Format(t *testing.T) {
	alloc := reconcile.NewReferenceAllocator()

	ref := alloc.Allocate()

	parts := strings.Split(ref, "-")
	require.Len(t, parts, 3, "expected REF-<time>-<random>, got %q", ref)
	assert.Equal(t, "REF", parts[0])
	assert.NotEmpty(t, parts[1])
	assert.Len(t, parts[2], 6)
	assert.Equal(t, ref, strings.ToUpper(ref), "reference should be uppercase")
}

func TestReferenceAllocator_TimeComponentIsMonotonicIsh(t *testing.T) {
	// Allocations a millisecond apart must differ in the time component.
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	alloc := &reconcile.TimeRandomAllocator{Now: func() time.Time { return now }}

	first := alloc.Allocate()
	now = now.Add(time.Millisecond)
	second := alloc.Allocate()

	timeOf := func(ref string) string { return strings.Split(ref, "-")[1] }
	assert.NotEqual(t, timeOf(first), timeOf(second))
	assert.Less(t, timeOf(first), timeOf(second))
}

func TestReferenceAllocator_NoCollisionsInBurst(t *testing.T) {
	// Same-millisecond allocations rely on the random suffix.
	alloc := reconcile.NewReferenceAllocator()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		ref := alloc.Allocate()
		require.False(t, seen[ref], "collision on %q after %d allocations", ref, i)
		seen[ref] = true
	}
}
