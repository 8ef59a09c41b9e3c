package types

import (
	"fmt"
	"math/big"
	"time"
)

// Phase identifies one of the four sequential stages a job moves through.
// Transitions only ever advance by a single step.
type Phase uint8

const (
	PhaseRequest Phase = iota
	PhaseNegotiation
	PhaseTransaction
	PhaseEvaluation
)

var phaseNames = map[Phase]string{
	PhaseRequest:     "REQUEST",
	PhaseNegotiation: "NEGOTIATION",
	PhaseTransaction: "TRANSACTION",
	PhaseEvaluation:  "EVALUATION",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PHASE(%d)", uint8(p))
}

// Valid reports whether the phase value is within the supported range.
func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

// Next returns the sole legal successor phase. The second return is false when
// the job is already in its final phase.
func (p Phase) Next() (Phase, bool) {
	if p >= PhaseEvaluation {
		return p, false
	}
	return p + 1, true
}

// JobStatus tracks the finer-grained lifecycle of a job within and beyond the
// four phases.
type JobStatus string

const (
	JobStatusOpen        JobStatus = "OPEN"
	JobStatusNegotiating JobStatus = "NEGOTIATING"
	JobStatusInProgress  JobStatus = "IN_PROGRESS"
	JobStatusDelivered   JobStatus = "DELIVERED"
	JobStatusEvaluating  JobStatus = "EVALUATING"
	JobStatusCompleted   JobStatus = "COMPLETED"
	JobStatusDisputed    JobStatus = "DISPUTED"
	JobStatusCancelled   JobStatus = "CANCELLED"
	JobStatusExpired     JobStatus = "EXPIRED"
)

// Terminal reports whether the status permits no further transitions. A
// disputed job is not terminal: it awaits manual resolution.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCancelled, JobStatusExpired:
		return true
	default:
		return false
	}
}

// NegotiationTerms captures the provider's proposed terms during the
// NEGOTIATION phase.
type NegotiationTerms struct {
	Fee           *big.Int          `json:"fee"`
	DeadlineHours uint32            `json:"deadlineHours"`
	Notes         string            `json:"notes,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Deliverable is the provider's submitted work product. Content is opaque to
// the engine; only the hash participates in memo signing.
type Deliverable struct {
	Content     string            `json:"content"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Evaluation records the evaluator's verdict on a deliverable.
type Evaluation struct {
	Approved bool   `json:"approved"`
	Score    uint8  `json:"score,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// Dispute captures a complaint filed by the buyer or provider.
type Dispute struct {
	Reason  string    `json:"reason"`
	FiledBy string    `json:"filedBy"`
	FiledAt time.Time `json:"filedAt"`
}

// Job is the engine-owned record binding the two principals, the offering and
// every artifact produced while the job advances through its phases. All
// mutation happens inside the phase engine under the job's lock.
type Job struct {
	ID         string
	OfferingID string

	BuyerID       string
	BuyerAddr     string
	ProviderID    string
	ProviderAddr  string
	EvaluatorAddr string

	Phase  Phase
	Status JobStatus

	Requirements map[string]string
	MaxFee       *big.Int
	Terms        *NegotiationTerms
	AgreedFee    *big.Int

	EscrowID       string
	EscrowAmount   *big.Int
	EscrowReleased bool
	Deliverable    *Deliverable
	Evaluation     *Evaluation
	Dispute        *Dispute

	// Memos holds the memo ID recorded for each completed phase transition,
	// keyed by memo type. Exactly one entry is appended per transition.
	Memos map[MemoType]string

	CreatedAt     time.Time
	UpdatedAt     time.Time
	PhaseDeadline time.Time
}

// Clone returns a deep copy so callers can inspect a job without racing the
// engine's mutations.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.MaxFee != nil {
		clone.MaxFee = new(big.Int).Set(j.MaxFee)
	}
	if j.AgreedFee != nil {
		clone.AgreedFee = new(big.Int).Set(j.AgreedFee)
	}
	if j.EscrowAmount != nil {
		clone.EscrowAmount = new(big.Int).Set(j.EscrowAmount)
	}
	if j.Requirements != nil {
		clone.Requirements = make(map[string]string, len(j.Requirements))
		for k, v := range j.Requirements {
			clone.Requirements[k] = v
		}
	}
	if j.Terms != nil {
		terms := *j.Terms
		if j.Terms.Fee != nil {
			terms.Fee = new(big.Int).Set(j.Terms.Fee)
		}
		clone.Terms = &terms
	}
	if j.Deliverable != nil {
		deliverable := *j.Deliverable
		clone.Deliverable = &deliverable
	}
	if j.Evaluation != nil {
		eval := *j.Evaluation
		clone.Evaluation = &eval
	}
	if j.Dispute != nil {
		dispute := *j.Dispute
		clone.Dispute = &dispute
	}
	if j.Memos != nil {
		clone.Memos = make(map[MemoType]string, len(j.Memos))
		for k, v := range j.Memos {
			clone.Memos[k] = v
		}
	}
	return &clone
}
