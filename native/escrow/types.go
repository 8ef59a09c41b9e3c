package escrow

import (
	"fmt"
	"math/big"
	"time"
)

// Status represents the lifecycle states of a custodial escrow.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusFunded   Status = "FUNDED"
	StatusReleased Status = "RELEASED"
	StatusRefunded Status = "REFUNDED"
	StatusDisputed Status = "DISPUTED"
	// StatusExpired marks escrows whose deadline lapsed and whose funds were
	// auto-released to the provider by the expiry sweep.
	StatusExpired Status = "EXPIRED"
)

// Valid reports whether the status value is one of the supported states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFunded, StatusReleased, StatusRefunded, StatusDisputed, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible. A disputed
// escrow is not terminal: it awaits resolution.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusExpired:
		return true
	default:
		return false
	}
}

// Escrow is the manager-owned custody record for one job's TRANSACTION phase.
type Escrow struct {
	ID           string
	JobID        string
	BuyerAddr    string
	ProviderAddr string
	Token        string
	Amount       *big.Int
	PlatformFee  *big.Int
	Status       Status

	// Tx refs double as settlement markers for the individual payout legs: a
	// recorded ref means that leg already landed and must never be re-sent.
	FundingTxRef string
	ReleaseTxRef string
	RefundTxRef  string
	FeeTxRef     string

	CreatedAt  time.Time
	FundedAt   time.Time
	Deadline   time.Time
	ResolvedAt time.Time

	DisputeReason      string
	ResolutionBuyerPct uint8
	AutoReleased       bool
}

// Clone returns a deep copy so callers can safely inspect an escrow without
// racing the manager's mutations.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if e.PlatformFee != nil {
		clone.PlatformFee = new(big.Int).Set(e.PlatformFee)
	} else {
		clone.PlatformFee = big.NewInt(0)
	}
	return &clone
}

// PlatformFeeFor computes the fee retained by the platform for the given
// amount at feeBps basis points.
func PlatformFeeFor(amount *big.Int, feeBps uint32) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: amount must be positive")
	}
	if feeBps > 10_000 {
		return nil, fmt.Errorf("escrow: fee bps out of range: %d", feeBps)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(feeBps)))
	fee.Div(fee, big.NewInt(10_000))
	return fee, nil
}
