package types

import "time"

// MemoType identifies which phase transition a memo records.
type MemoType string

const (
	MemoTypeRequest     MemoType = "request"
	MemoTypeRequirement MemoType = "requirement"
	MemoTypeAgreement   MemoType = "agreement"
	MemoTypeDeliverable MemoType = "deliverable"
	MemoTypeEvaluation  MemoType = "evaluation"
)

// Valid reports whether the memo type is one of the five supported kinds.
func (t MemoType) Valid() bool {
	switch t {
	case MemoTypeRequest, MemoTypeRequirement, MemoTypeAgreement, MemoTypeDeliverable, MemoTypeEvaluation:
		return true
	default:
		return false
	}
}

// SignatureUnsigned marks a memo produced without a signing key. Verification
// of such memos always fails; downstream consumers must treat them as
// non-authoritative.
const SignatureUnsigned = "UNSIGNED"

// Memo is the immutable, nonce-tagged record of one party's contribution at a
// given phase. Once created a memo is never re-hashed or re-signed.
type Memo struct {
	ID          string            `json:"id"`
	Type        MemoType          `json:"type"`
	JobID       string            `json:"jobId"`
	Content     map[string]string `json:"content"`
	ContentHash string            `json:"contentHash"`
	Nonce       uint64            `json:"nonce"`
	SenderAddr  string            `json:"senderAddr"`
	Signature   string            `json:"signature"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Signed reports whether the memo carries a real signature.
func (m *Memo) Signed() bool {
	return m != nil && m.Signature != "" && m.Signature != SignatureUnsigned
}
