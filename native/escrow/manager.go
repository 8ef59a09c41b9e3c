// Package escrow owns the fund-custody lifecycle for jobs in their
// TRANSACTION phase. State-changing calls are serialized per escrow id; the
// escrow's own lock is intentionally held across the ledger call so two
// concurrent Release/Refund attempts can never both observe FUNDED.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agentcommerce/ledger"
	"agentcommerce/native/common"
	"agentcommerce/observability"
)

var (
	// ErrNotFound reports an unknown escrow id.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidStatus reports a state-changing call against an escrow whose
	// status does not permit it.
	ErrInvalidStatus = errors.New("escrow: invalid status for operation")
	// ErrLedger wraps failures from the external ledger client.
	ErrLedger = errors.New("escrow: ledger call failed")
	// ErrValidation reports malformed input rejected before any lock is taken.
	ErrValidation = errors.New("escrow: validation failed")
)

// Store persists escrow records. One escrow maps to exactly one job.
type Store interface {
	EscrowPut(ctx context.Context, esc *Escrow) error
	EscrowGet(ctx context.Context, id string) (*Escrow, error)
	EscrowListByStatus(ctx context.Context, status Status) ([]*Escrow, error)
}

// Manager owns escrow state and invokes the ledger client for fund movement.
type Manager struct {
	store    Store
	ledger   ledger.Client
	locks    *common.LockTable
	feeBps   uint32
	treasury string
	contract string
	token    string
	nowFn    func() time.Time
	logger   *slog.Logger
	metrics  *observability.EngineMetrics
}

// NewManager constructs the escrow manager with its collaborators injected.
// Initialization happens once at startup; there is no lazy singleton.
func NewManager(store Store, client ledger.Client, feeBps uint32, treasury, contract, token string, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("escrow: store not configured")
	}
	if client == nil {
		return nil, fmt.Errorf("escrow: ledger client not configured")
	}
	if feeBps > 10_000 {
		return nil, fmt.Errorf("escrow: fee bps out of range: %d", feeBps)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		ledger:   client,
		locks:    common.NewLockTable(),
		feeBps:   feeBps,
		treasury: treasury,
		contract: contract,
		token:    token,
		nowFn:    time.Now,
		logger:   logger.With(slog.String("component", "escrow")),
		metrics:  observability.Metrics(),
	}, nil
}

// SetNowFunc overrides the time source. Intended for tests.
func (m *Manager) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	m.nowFn = now
}

// EscrowID derives the deterministic identifier for a job's escrow.
func EscrowID(jobID, buyer, provider string) string {
	sum := ethcrypto.Keccak256Hash([]byte(jobID), []byte(buyer), []byte(provider))
	return sum.Hex()
}

// Get returns a copy of the escrow record.
func (m *Manager) Get(ctx context.Context, id string) (*Escrow, error) {
	esc, err := m.store.EscrowGet(ctx, id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// CreateEscrow creates a PENDING record for the agreed amount and then funds
// it through the ledger client. On ledger failure the record stays PENDING and
// the error propagates; there is no partial FUNDED state.
func (m *Manager) CreateEscrow(ctx context.Context, jobID, buyer, provider string, amount *big.Int, deadlineHours uint32) (*Escrow, error) {
	fee, err := PlatformFeeFor(amount, m.feeBps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if deadlineHours == 0 {
		return nil, fmt.Errorf("%w: deadline hours must be positive", ErrValidation)
	}
	id := EscrowID(jobID, buyer, provider)
	unlock := m.locks.Acquire(id)
	defer unlock()

	if existing, err := m.store.EscrowGet(ctx, id); err == nil && existing != nil {
		if existing.Status == StatusFunded {
			return existing.Clone(), nil
		}
		if existing.Status != StatusPending {
			return nil, fmt.Errorf("%w: escrow %s already %s", ErrInvalidStatus, id, existing.Status)
		}
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := m.nowFn().UTC()
	esc := &Escrow{
		ID:           id,
		JobID:        jobID,
		BuyerAddr:    buyer,
		ProviderAddr: provider,
		Token:        m.token,
		Amount:       new(big.Int).Set(amount),
		PlatformFee:  fee,
		Status:       StatusPending,
		CreatedAt:    now,
		Deadline:     now.Add(time.Duration(deadlineHours) * time.Hour),
	}
	if err := m.store.EscrowPut(ctx, esc); err != nil {
		return nil, err
	}

	started := m.nowFn()
	txRef, err := m.ledger.ExecuteContractCall(ctx, m.contract, "deposit", []string{id, buyer, amount.String()}, amount)
	m.metrics.ObserveLedgerCall("deposit", m.nowFn().Sub(started))
	if err != nil {
		m.metrics.RecordEscrowOp("create", "ledger_error")
		return nil, fmt.Errorf("%w: fund escrow %s: %w", ErrLedger, id, err)
	}
	esc.Status = StatusFunded
	esc.FundedAt = m.nowFn().UTC()
	esc.FundingTxRef = txRef
	if err := m.store.EscrowPut(ctx, esc); err != nil {
		return nil, err
	}
	m.metrics.RecordEscrowOp("create", "ok")
	m.logger.Info("escrow funded",
		slog.String("escrowId", id),
		slog.String("jobId", jobID),
		slog.String("amount", amount.String()))
	return esc.Clone(), nil
}

// Release settles a FUNDED escrow in favour of the provider, distributing the
// platform fee to the treasury.
func (m *Manager) Release(ctx context.Context, id string) error {
	unlock := m.locks.Acquire(id)
	defer unlock()

	esc, err := m.store.EscrowGet(ctx, id)
	if err != nil {
		return err
	}
	if esc.Status != StatusFunded {
		m.metrics.RecordEscrowOp("release", "invalid_status")
		return fmt.Errorf("%w: cannot release escrow in status %s", ErrInvalidStatus, esc.Status)
	}
	if err := m.payout(ctx, esc, 0); err != nil {
		m.metrics.RecordEscrowOp("release", "ledger_error")
		return err
	}
	esc.Status = StatusReleased
	esc.ResolvedAt = m.nowFn().UTC()
	if err := m.store.EscrowPut(ctx, esc); err != nil {
		return err
	}
	m.locks.Forget(id)
	m.metrics.RecordEscrowOp("release", "ok")
	m.logger.Info("escrow released", slog.String("escrowId", id), slog.String("jobId", esc.JobID))
	return nil
}

// Refund returns the full funded amount to the buyer. Permitted from FUNDED or
// DISPUTED.
func (m *Manager) Refund(ctx context.Context, id, reason string) error {
	unlock := m.locks.Acquire(id)
	defer unlock()

	esc, err := m.store.EscrowGet(ctx, id)
	if err != nil {
		return err
	}
	if esc.Status != StatusFunded && esc.Status != StatusDisputed {
		m.metrics.RecordEscrowOp("refund", "invalid_status")
		return fmt.Errorf("%w: cannot refund escrow in status %s", ErrInvalidStatus, esc.Status)
	}
	if esc.ReleaseTxRef != "" || esc.RefundTxRef != "" || esc.FeeTxRef != "" {
		m.metrics.RecordEscrowOp("refund", "invalid_status")
		return fmt.Errorf("%w: escrow %s has partial payout legs recorded", ErrInvalidStatus, id)
	}
	started := m.nowFn()
	txRef, err := m.ledger.ExecuteTransfer(ctx, esc.Token, esc.BuyerAddr, esc.Amount)
	m.metrics.ObserveLedgerCall("refund", m.nowFn().Sub(started))
	if err != nil {
		m.metrics.RecordEscrowOp("refund", "ledger_error")
		return fmt.Errorf("%w: refund escrow %s: %w", ErrLedger, id, err)
	}
	esc.Status = StatusRefunded
	esc.RefundTxRef = txRef
	esc.ResolvedAt = m.nowFn().UTC()
	esc.DisputeReason = reason
	if err := m.store.EscrowPut(ctx, esc); err != nil {
		return err
	}
	m.locks.Forget(id)
	m.metrics.RecordEscrowOp("refund", "ok")
	m.logger.Info("escrow refunded", slog.String("escrowId", id), slog.String("reason", reason))
	return nil
}

// InitiateDispute flags a FUNDED escrow as disputed. Funds stay in custody; no
// ledger call is made.
func (m *Manager) InitiateDispute(ctx context.Context, id, reason string) error {
	unlock := m.locks.Acquire(id)
	defer unlock()

	esc, err := m.store.EscrowGet(ctx, id)
	if err != nil {
		return err
	}
	if esc.Status != StatusFunded {
		m.metrics.RecordEscrowOp("dispute", "invalid_status")
		return fmt.Errorf("%w: cannot dispute escrow in status %s", ErrInvalidStatus, esc.Status)
	}
	esc.Status = StatusDisputed
	esc.DisputeReason = reason
	if err := m.store.EscrowPut(ctx, esc); err != nil {
		return err
	}
	m.metrics.RecordEscrowOp("dispute", "ok")
	m.logger.Info("escrow disputed", slog.String("escrowId", id), slog.String("reason", reason))
	return nil
}

// ResolveDispute splits a DISPUTED escrow between buyer and provider according
// to buyerSharePct and settles it as RELEASED with the resolution recorded.
// The percentage is validated before any lock is taken.
func (m *Manager) ResolveDispute(ctx context.Context, id string, buyerSharePct uint8) error {
	if buyerSharePct > 100 {
		return fmt.Errorf("%w: buyer share %d%% out of range", ErrValidation, buyerSharePct)
	}
	unlock := m.locks.Acquire(id)
	defer unlock()

	esc, err := m.store.EscrowGet(ctx, id)
	if err != nil {
		return err
	}
	if esc.Status != StatusDisputed {
		m.metrics.RecordEscrowOp("resolve", "invalid_status")
		return fmt.Errorf("%w: cannot resolve escrow in status %s", ErrInvalidStatus, esc.Status)
	}
	if err := m.payout(ctx, esc, buyerSharePct); err != nil {
		m.metrics.RecordEscrowOp("resolve", "ledger_error")
		return err
	}
	esc.Status = StatusReleased
	esc.ResolutionBuyerPct = buyerSharePct
	esc.ResolvedAt = m.nowFn().UTC()
	if err := m.store.EscrowPut(ctx, esc); err != nil {
		return err
	}
	m.locks.Forget(id)
	m.metrics.RecordEscrowOp("resolve", "ok")
	m.logger.Info("escrow dispute resolved",
		slog.String("escrowId", id),
		slog.Int("buyerSharePct", int(buyerSharePct)))
	return nil
}

// ExpirySweep auto-releases every FUNDED escrow past its deadline to the
// provider exactly once. Repeated invocations are idempotent: the status
// recheck under the per-escrow lock guarantees a single payout.
func (m *Manager) ExpirySweep(ctx context.Context) (int, error) {
	candidates, err := m.store.EscrowListByStatus(ctx, StatusFunded)
	if err != nil {
		return 0, err
	}
	now := m.nowFn().UTC()
	swept := 0
	for _, candidate := range candidates {
		if candidate.Deadline.IsZero() || candidate.Deadline.After(now) {
			continue
		}
		if err := m.expireOne(ctx, candidate.ID); err != nil {
			if errors.Is(err, ErrInvalidStatus) {
				continue
			}
			m.logger.Warn("expiry sweep failed",
				slog.String("escrowId", candidate.ID),
				slog.String("error", err.Error()))
			continue
		}
		swept++
	}
	return swept, nil
}

func (m *Manager) expireOne(ctx context.Context, id string) error {
	unlock := m.locks.Acquire(id)
	defer unlock()

	esc, err := m.store.EscrowGet(ctx, id)
	if err != nil {
		return err
	}
	if esc.Status != StatusFunded {
		return fmt.Errorf("%w: escrow %s already %s", ErrInvalidStatus, id, esc.Status)
	}
	if esc.Deadline.After(m.nowFn().UTC()) {
		return fmt.Errorf("%w: escrow %s deadline not reached", ErrInvalidStatus, id)
	}
	if err := m.payout(ctx, esc, 0); err != nil {
		m.metrics.RecordEscrowOp("expire", "ledger_error")
		return err
	}
	esc.Status = StatusExpired
	esc.AutoReleased = true
	esc.ResolvedAt = m.nowFn().UTC()
	if err := m.store.EscrowPut(ctx, esc); err != nil {
		return err
	}
	m.locks.Forget(id)
	m.metrics.RecordEscrowOp("expire", "ok")
	m.logger.Info("escrow auto-released on expiry",
		slog.String("escrowId", id),
		slog.String("jobId", esc.JobID))
	return nil
}

// payout distributes the funded amount: buyerSharePct percent of the
// distributable portion to the buyer, the remainder to the provider and the
// platform fee to the treasury. Released funds plus the fee always equal the
// funded amount.
func (m *Manager) payout(ctx context.Context, esc *Escrow, buyerSharePct uint8) error {
	total := new(big.Int).Set(esc.Amount)
	fee := new(big.Int).Set(esc.PlatformFee)
	distributable := new(big.Int).Sub(total, fee)
	if distributable.Sign() < 0 {
		return fmt.Errorf("%w: fee exceeds escrow amount", ErrValidation)
	}
	buyerAmount := new(big.Int).Mul(distributable, big.NewInt(int64(buyerSharePct)))
	buyerAmount.Div(buyerAmount, big.NewInt(100))
	providerAmount := new(big.Int).Sub(distributable, buyerAmount)

	// Legs whose tx ref is already recorded landed on a previous attempt and
	// are skipped, so a retried payout moves each amount at most once.
	if providerAmount.Sign() > 0 && esc.ReleaseTxRef == "" {
		started := m.nowFn()
		txRef, err := m.ledger.ExecuteTransfer(ctx, esc.Token, esc.ProviderAddr, providerAmount)
		m.metrics.ObserveLedgerCall("transfer", m.nowFn().Sub(started))
		if err != nil {
			return m.payoutFailed(ctx, esc, fmt.Errorf("%w: pay provider for escrow %s: %w", ErrLedger, esc.ID, err))
		}
		esc.ReleaseTxRef = txRef
	}
	if buyerAmount.Sign() > 0 && esc.RefundTxRef == "" {
		started := m.nowFn()
		txRef, err := m.ledger.ExecuteTransfer(ctx, esc.Token, esc.BuyerAddr, buyerAmount)
		m.metrics.ObserveLedgerCall("transfer", m.nowFn().Sub(started))
		if err != nil {
			return m.payoutFailed(ctx, esc, fmt.Errorf("%w: pay buyer for escrow %s: %w", ErrLedger, esc.ID, err))
		}
		esc.RefundTxRef = txRef
	}
	if fee.Sign() > 0 && m.treasury != "" && esc.FeeTxRef == "" {
		started := m.nowFn()
		txRef, err := m.ledger.ExecuteTransfer(ctx, esc.Token, m.treasury, fee)
		m.metrics.ObserveLedgerCall("transfer", m.nowFn().Sub(started))
		if err != nil {
			return m.payoutFailed(ctx, esc, fmt.Errorf("%w: pay treasury for escrow %s: %w", ErrLedger, esc.ID, err))
		}
		esc.FeeTxRef = txRef
	}
	return nil
}

// payoutFailed persists the refs of the legs that did land before surfacing
// the ledger error. The escrow keeps its current status; the refs tell the
// retry which legs to skip.
func (m *Manager) payoutFailed(ctx context.Context, esc *Escrow, cause error) error {
	if putErr := m.store.EscrowPut(ctx, esc); putErr != nil {
		m.logger.Error("persisting partial payout state failed",
			slog.String("escrowId", esc.ID),
			slog.String("error", putErr.Error()))
	}
	return cause
}
