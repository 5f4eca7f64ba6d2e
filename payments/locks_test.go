package payments_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/classhub/tuition-ledger/payments"
)

// =============================================================================
// PAIR LOCK TESTS
// =============================================================================

func TestPairLocks_SharedAcrossPosterAndEngine(t *testing.T) {
	// The poster and the settlement engine mutate the same invoices, so
	// they must serialize on one lock set.
	locks := payments.NewPairLocks()
	poster := payments.NewPoster(nil, nil, locks)
	engine := payments.NewEngine(nil, nil, locks)

	assert.Same(t, poster.Locks, engine.Locks)
	assert.NotNil(t, payments.NewPoster(nil, nil, nil).Locks, "nil locks allocate a private set")
}

func TestPairLocks_HeldPairBlocksSecondAcquire(t *testing.T) {
	locks := payments.NewPairLocks()
	pair := []payments.Pair{{StudentID: "stu-1", Month: month("2026-01")}}

	release := locks.Acquire(pair)
	acquired := make(chan struct{})
	go func() {
		r := locks.Acquire(pair)
		r()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must block while the pair is held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire must proceed once the pair is released")
	}
}
