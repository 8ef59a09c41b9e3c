package common

import "sync"

const defaultLockShards = 32

// LockTable serializes state-changing calls per entity id. Locks are created
// lazily under a sharded table mutex and can be released once the entity
// reaches a terminal state, bounding memory in long-running processes.
type LockTable struct {
	shards [defaultLockShards]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockTable returns an empty sharded lock table.
func NewLockTable() *LockTable {
	t := &LockTable{}
	for i := range t.shards {
		t.shards[i].locks = make(map[string]*sync.Mutex)
	}
	return t
}

func (t *LockTable) shard(id string) *lockShard {
	return &t.shards[fnv32(id)%defaultLockShards]
}

// Acquire locks the entity's dedicated mutex, creating it on first use. The
// returned function releases the mutex.
func (t *LockTable) Acquire(id string) func() {
	s := t.shard(id)
	s.mu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Forget drops the entity's lock entry. Callers invoke this once the entity is
// terminal and no further state-changing calls can arrive.
func (t *LockTable) Forget(id string) {
	s := t.shard(id)
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
}

// Len reports the number of live lock entries across all shards.
func (t *LockTable) Len() int {
	total := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		total += len(s.locks)
		s.mu.Unlock()
	}
	return total
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
