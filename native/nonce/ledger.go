// Package nonce implements the per-principal monotonic counter that gates
// memo replay. Correctness rides entirely on the high-water-mark contract:
// a nonce is consumed only if it strictly exceeds the recorded mark, and
// consumption raises the mark in the same critical section.
package nonce

import (
	"sort"
	"sync"
	"time"
)

// Ledger is the replay-prevention gate. All memo creation must obtain nonces
// through VerifyAndConsume (or Next, which routes through the same check).
type Ledger interface {
	// GetHighest returns the high-water mark for the principal, zero if the
	// principal has never been seen.
	GetHighest(principal string) uint64
	// UpdateIfHigher atomically raises the mark to nonce when nonce exceeds
	// the stored value, reporting whether the update took effect.
	UpdateIfHigher(principal string, nonce uint64) bool
	// VerifyAndConsume atomically checks nonce > current and raises the mark.
	// On rejection the reason describes why the nonce was refused.
	VerifyAndConsume(principal string, nonce uint64) (bool, string)
	// Next atomically reserves the next nonce for the principal.
	Next(principal string) (uint64, error)
}

const (
	// DefaultCapacity bounds the number of principals tracked in memory.
	DefaultCapacity = 100_000
	// evictFraction of the least-recently-updated principals is dropped when
	// the ledger is full. Eviction resets the evicted principals' floors to
	// zero; deployments needing unbounded-idle replay protection must use the
	// durable ledger instead.
	evictFraction = 10
)

type record struct {
	highest   uint64
	updatedAt time.Time
}

// MemoryLedger is a bounded in-process ledger. Least-recently-updated
// principals are evicted in batches once the capacity is reached.
type MemoryLedger struct {
	mu       sync.Mutex
	records  map[string]*record
	capacity int
	nowFn    func() time.Time
}

// NewMemoryLedger constructs a ledger bounded to capacity principals. A
// non-positive capacity selects the default.
func NewMemoryLedger(capacity int) *MemoryLedger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryLedger{
		records:  make(map[string]*record),
		capacity: capacity,
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the time source used for eviction ordering. Intended
// for tests.
func (l *MemoryLedger) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	l.nowFn = now
}

func (l *MemoryLedger) GetHighest(principal string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[principal]; ok {
		return rec.highest
	}
	return 0
}

func (l *MemoryLedger) UpdateIfHigher(principal string, nonce uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updateLocked(principal, nonce)
}

func (l *MemoryLedger) VerifyAndConsume(principal string, nonce uint64) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := uint64(0)
	if rec, ok := l.records[principal]; ok {
		current = rec.highest
	}
	if nonce <= current {
		if nonce == current {
			return false, "nonce consumed by a concurrent request"
		}
		return false, "nonce not greater than current - replay attempt"
	}
	l.updateLocked(principal, nonce)
	return true, ""
}

func (l *MemoryLedger) Next(principal string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := uint64(0)
	if rec, ok := l.records[principal]; ok {
		current = rec.highest
	}
	next := current + 1
	l.updateLocked(principal, next)
	return next, nil
}

// Len reports the number of tracked principals.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *MemoryLedger) updateLocked(principal string, nonce uint64) bool {
	rec, ok := l.records[principal]
	if ok {
		if nonce <= rec.highest {
			return false
		}
		rec.highest = nonce
		rec.updatedAt = l.nowFn()
		return true
	}
	if len(l.records) >= l.capacity {
		l.evictLocked()
	}
	l.records[principal] = &record{highest: nonce, updatedAt: l.nowFn()}
	return true
}

// evictLocked drops the least-recently-updated tenth of the ledger. TTL-style
// eviction is a liveness optimisation only; an evicted principal's floor
// resets to zero.
func (l *MemoryLedger) evictLocked() {
	type aged struct {
		principal string
		updatedAt time.Time
	}
	entries := make([]aged, 0, len(l.records))
	for principal, rec := range l.records {
		entries = append(entries, aged{principal: principal, updatedAt: rec.updatedAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].updatedAt.Before(entries[j].updatedAt)
	})
	drop := len(entries) / evictFraction
	if drop < 1 {
		drop = 1
	}
	for _, entry := range entries[:drop] {
		delete(l.records, entry.principal)
	}
}
