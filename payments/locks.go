package payments

import (
	"sort"
	"sync"

	"github.com/classhub/tuition-ledger/ledger"
)

// =============================================================================
// PAIR LOCKS - Serialize mutations per (student, month)
// =============================================================================

// PairLocks serializes mutating operations per (student, month) so two
// concurrent corrections or settlements against the same invoice cannot
// both read the same balance and double-apply. Locks are acquired in
// sorted key order to avoid deadlock when an operation spans pairs.
type PairLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewPairLocks() *PairLocks {
	return &PairLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *PairLocks) lockFor(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.locks[key]
	if !ok {
		m = &sync.Mutex{}
		p.locks[key] = m
	}
	return m
}

// Acquire locks every (student, month) pair and returns the release func.
func (p *PairLocks) Acquire(pairs []Pair) func() {
	keys := make([]string, 0, len(pairs))
	seen := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		k := pair.Key()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	held := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		m := p.lockFor(k)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// Pair identifies one (student, month) mutation target.
type Pair struct {
	StudentID string
	Month     ledger.Month
}

func (p Pair) Key() string { return p.StudentID + "|" + p.Month.String() }
