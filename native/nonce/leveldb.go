package nonce

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

const highestKeyPrefix = "nonce:highest:"

// LevelDBLedger is a durable Ledger backed by LevelDB. Unlike the bounded
// in-memory ledger it never evicts, so idle principals keep their replay
// floors across restarts.
type LevelDBLedger struct {
	mu sync.Mutex
	db *leveldb.DB
}

// NewLevelDBLedger opens (or creates) a LevelDB database at the provided path.
func NewLevelDBLedger(path string) (*LevelDBLedger, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce ledger path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce ledger: %w", err)
	}
	return &LevelDBLedger{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (l *LevelDBLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *LevelDBLedger) GetHighest(principal string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked(principal)
}

func (l *LevelDBLedger) UpdateIfHigher(principal string, nonce uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if nonce <= l.loadLocked(principal) {
		return false
	}
	return l.storeLocked(principal, nonce) == nil
}

func (l *LevelDBLedger) VerifyAndConsume(principal string, nonce uint64) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.loadLocked(principal)
	if nonce <= current {
		if nonce == current {
			return false, "nonce consumed by a concurrent request"
		}
		return false, "nonce not greater than current - replay attempt"
	}
	if err := l.storeLocked(principal, nonce); err != nil {
		return false, fmt.Sprintf("persist nonce: %v", err)
	}
	return true, ""
}

func (l *LevelDBLedger) Next(principal string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.loadLocked(principal) + 1
	if err := l.storeLocked(principal, next); err != nil {
		return 0, fmt.Errorf("persist nonce: %w", err)
	}
	return next, nil
}

func (l *LevelDBLedger) loadLocked(principal string) uint64 {
	value, err := l.db.Get(highestKey(principal), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0
	}
	if err != nil || len(value) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(value)
}

func (l *LevelDBLedger) storeLocked(principal string, nonce uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)
	return l.db.Put(highestKey(principal), buf, nil)
}

func highestKey(principal string) []byte {
	return []byte(highestKeyPrefix + strings.TrimSpace(principal))
}
