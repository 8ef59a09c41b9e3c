// Package memo builds and verifies the signed, nonce-bound records each phase
// transition appends to a job.
package memo

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcommerce/core/types"
	"agentcommerce/crypto"
	"agentcommerce/native/common"
	"agentcommerce/native/nonce"
)

var (
	// ErrInvalidSignature reports a memo whose signature does not verify
	// against its sender, or which carries the unsigned marker.
	ErrInvalidSignature = errors.New("memo: invalid signature")
	// ErrReplay reports a memo whose nonce is at or below the sender's
	// recorded high-water mark.
	ErrReplay = errors.New("memo: replay detected")
	// ErrQuotaExceeded reports a sender submitting memos faster than the
	// configured ingestion quota allows.
	ErrQuotaExceeded = errors.New("memo: ingestion quota exceeded")
)

// Service creates and verifies memos. Each memo embeds its job reference and a
// freshly consumed nonce in the hashed payload, so neither can be stripped or
// relocated without invalidating the signature.
type Service struct {
	ledger   nonce.Ledger
	keystore *crypto.Keystore
	nowFn    func() time.Time

	principalMu sync.RWMutex
	principals  map[string]crypto.Principal

	quota   common.Quota
	quotaMu sync.Mutex
	usage   map[string]common.QuotaNow
}

// NewService wires the memo service with its nonce ledger and keystore.
func NewService(ledger nonce.Ledger, keystore *crypto.Keystore) *Service {
	return &Service{
		ledger:     ledger,
		keystore:   keystore,
		nowFn:      time.Now,
		principals: make(map[string]crypto.Principal),
		usage:      make(map[string]common.QuotaNow),
	}
}

// SetQuota bounds how many memos each sender may submit for acceptance per
// window. A zero quota disables the check.
func (s *Service) SetQuota(q common.Quota) {
	s.quotaMu.Lock()
	s.quota = q
	s.quotaMu.Unlock()
}

// SetNowFunc overrides the timestamp source. Intended for tests.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// ResolvePrincipal validates an address and caches its kind so subsequent
// sign/verify calls never re-parse the address string.
func (s *Service) ResolvePrincipal(addr string) (crypto.Principal, error) {
	s.principalMu.RLock()
	cached, ok := s.principals[addr]
	s.principalMu.RUnlock()
	if ok {
		return cached, nil
	}
	principal, err := crypto.ParsePrincipal(addr)
	if err != nil {
		return crypto.Principal{}, err
	}
	s.principalMu.Lock()
	s.principals[addr] = principal
	s.principalMu.Unlock()
	return principal, nil
}

// signedPayload is the canonical form hashed and signed for every memo. The
// nonce and job reference live inside the hash on purpose: an attacker cannot
// strip the nonce or move the memo to another job without breaking the
// signature.
type signedPayload struct {
	JobID   string            `json:"jobId"`
	Type    types.MemoType    `json:"type"`
	Nonce   uint64            `json:"nonce"`
	Sender  string            `json:"sender"`
	Content map[string]string `json:"content"`
}

// ContentHash computes the canonical SHA-256 hash of a memo payload. Map keys
// serialize in sorted order, so the encoding is stable across processes.
func ContentHash(jobID string, memoType types.MemoType, nonceValue uint64, sender string, content map[string]string) ([]byte, error) {
	payload := signedPayload{
		JobID:   jobID,
		Type:    memoType,
		Nonce:   nonceValue,
		Sender:  sender,
		Content: content,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode memo payload: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return sum[:], nil
}

// CreateMemo consumes the sender's next nonce, hashes the nonce-bound payload
// and signs it with the sender's registered key. Without a key the memo is
// explicitly marked unsigned.
func (s *Service) CreateMemo(jobID string, memoType types.MemoType, content map[string]string, senderAddr string) (*types.Memo, error) {
	if !memoType.Valid() {
		return nil, fmt.Errorf("invalid memo type: %s", memoType)
	}
	principal, err := s.ResolvePrincipal(senderAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve memo sender: %w", err)
	}
	nonceValue, err := s.ledger.Next(principal.Address())
	if err != nil {
		return nil, fmt.Errorf("consume nonce: %w", err)
	}
	hash, err := ContentHash(jobID, memoType, nonceValue, principal.Address(), content)
	if err != nil {
		return nil, err
	}
	signature := types.SignatureUnsigned
	if signer, ok := s.keystore.Signer(principal.Address()); ok {
		sig, err := signer.Sign(hash)
		if err != nil {
			return nil, fmt.Errorf("sign memo: %w", err)
		}
		signature = hex.EncodeToString(sig)
	}
	return &types.Memo{
		ID:          uuid.NewString(),
		Type:        memoType,
		JobID:       jobID,
		Content:     content,
		ContentHash: hex.EncodeToString(hash),
		Nonce:       nonceValue,
		SenderAddr:  principal.Address(),
		Signature:   signature,
		CreatedAt:   s.nowFn().UTC(),
	}, nil
}

// VerifyMemo recomputes the canonical hash and checks the signature with the
// scheme bound to the sender's kind. Unsigned memos verify false
// unconditionally.
func (s *Service) VerifyMemo(m *types.Memo) bool {
	if m == nil || !m.Signed() {
		return false
	}
	principal, err := s.ResolvePrincipal(m.SenderAddr)
	if err != nil {
		return false
	}
	hash, err := ContentHash(m.JobID, m.Type, m.Nonce, principal.Address(), m.Content)
	if err != nil {
		return false
	}
	if m.ContentHash != "" && m.ContentHash != hex.EncodeToString(hash) {
		return false
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return false
	}
	return crypto.VerifyHash(principal, hash, sig)
}

// Accept validates a memo produced by an external counterpart: the signature
// must verify and the nonce must clear the sender's high-water mark.
// Acceptance consumes the nonce atomically, so a second submission of the same
// memo fails with ErrReplay.
func (s *Service) Accept(m *types.Memo) error {
	if m == nil {
		return fmt.Errorf("%w: nil memo", ErrInvalidSignature)
	}
	if !s.VerifyMemo(m) {
		return fmt.Errorf("%w: memo %s from %s", ErrInvalidSignature, m.ID, m.SenderAddr)
	}
	principal, err := s.ResolvePrincipal(m.SenderAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := s.consumeQuota(principal.Address()); err != nil {
		return err
	}
	if ok, reason := s.ledger.VerifyAndConsume(principal.Address(), m.Nonce); !ok {
		return fmt.Errorf("%w: %s", ErrReplay, reason)
	}
	return nil
}

func (s *Service) consumeQuota(sender string) error {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()
	if !s.quota.Enabled() {
		return nil
	}
	window := s.quota.WindowFor(s.nowFn().Unix())
	next, err := common.CheckQuota(s.quota, window, s.usage[sender])
	if err != nil {
		return fmt.Errorf("%w: sender %s", ErrQuotaExceeded, sender)
	}
	s.usage[sender] = next
	return nil
}
