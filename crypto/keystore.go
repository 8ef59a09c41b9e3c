package crypto

import (
	"strings"
	"sync"
)

// Keystore maps principal addresses to caller-supplied signers. The engine
// never generates or persists keys: a principal without a registered signer
// simply produces unsigned memos.
type Keystore struct {
	mu      sync.RWMutex
	signers map[string]Signer
}

// NewKeystore returns an empty keystore.
func NewKeystore() *Keystore {
	return &Keystore{signers: make(map[string]Signer)}
}

// Register associates a signer with its own address. Re-registering replaces
// the previous signer.
func (k *Keystore) Register(s Signer) {
	if s == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[normalizeAddr(s.Address())] = s
}

// Signer returns the signer registered for the address, if any.
func (k *Keystore) Signer(addr string) (Signer, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[normalizeAddr(addr)]
	return s, ok
}

func normalizeAddr(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		return strings.ToLower(trimmed)
	}
	return trimmed
}
