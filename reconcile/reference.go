/*
reference.go - Fallback payment reference allocation

PURPOSE:
  Generates a unique, human-readable payment reference when the store
  rejects an insert for a missing required reference column. The primary
  insert path deliberately omits the reference so that a store-side
  generator (where the schema has one) wins; this allocator only runs on
  the recorder's retry path.

FORMAT:
  REF-<base36 unix millis>-<6 random base36 chars>

  The time component keeps references roughly sortable and collision-free
  across seconds; the random suffix covers same-millisecond allocations.

SEE ALSO:
  - recorder.go: The only caller
*/
package reconcile

import (
	"crypto/rand"
	"strconv"
	"strings"
	"time"
)

// ReferenceAllocator produces unique payment references.
type ReferenceAllocator interface {
	Allocate() string
}

// =============================================================================
// DEFAULT ALLOCATOR - time component + random suffix
// =============================================================================

const referenceAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// TimeRandomAllocator is the default ReferenceAllocator.
type TimeRandomAllocator struct {
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewReferenceAllocator() *TimeRandomAllocator {
	return &TimeRandomAllocator{Now: time.Now}
}

// Allocate returns a fresh reference, e.g. "REF-LZX3K9A2-7QD41M".
func (a *TimeRandomAllocator) Allocate() string {
	now := a.Now
	if now == nil {
		now = time.Now
	}

	millis := now().UnixMilli()
	timePart := strings.ToUpper(strconv.FormatInt(millis, 36))

	return "REF-" + timePart + "-" + randomSuffix(6)
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// nanosecond-derived suffix rather than returning an empty reference.
		nanos := strconv.FormatInt(time.Now().UnixNano(), 36)
		return strings.ToUpper(nanos[len(nanos)-n:])
	}

	out := make([]byte, n)
	for i, b := range buf {
		out[i] = referenceAlphabet[int(b)%len(referenceAlphabet)]
	}
	return string(out)
}
