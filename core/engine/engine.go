// Package engine owns the four-phase job state machine. Transition attempts
// are serialized per job id with the same lock discipline the escrow manager
// applies to escrows, so two concurrent calls can never both pass a phase
// check before either mutates state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"

	"agentcommerce/core/types"
	"agentcommerce/native/common"
	"agentcommerce/native/escrow"
	"agentcommerce/native/memo"
	"agentcommerce/observability"
	"agentcommerce/observability/logging"
	"agentcommerce/registry"
)

// JobStore persists jobs and their append-only memos.
type JobStore interface {
	JobPut(ctx context.Context, job *types.Job) error
	JobGet(ctx context.Context, id string) (*types.Job, error)
	JobListActive(ctx context.Context) ([]*types.Job, error)
	MemoPut(ctx context.Context, m *types.Memo) error
}

// EscrowService is the slice of the escrow manager the engine drives at the
// funding and release points.
type EscrowService interface {
	CreateEscrow(ctx context.Context, jobID, buyer, provider string, amount *big.Int, deadlineHours uint32) (*escrow.Escrow, error)
	Release(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
}

// Timeouts configures the per-phase deadlines applied at each transition.
type Timeouts struct {
	Negotiation time.Duration
	Execution   time.Duration
	Evaluation  time.Duration
	// EscrowDeadlineHours is the deadline handed to the escrow manager when
	// the negotiated terms carry none.
	EscrowDeadlineHours uint32
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Negotiation <= 0 {
		t.Negotiation = 24 * time.Hour
	}
	if t.Execution <= 0 {
		t.Execution = 72 * time.Hour
	}
	if t.Evaluation <= 0 {
		t.Evaluation = 24 * time.Hour
	}
	if t.EscrowDeadlineHours == 0 {
		t.EscrowDeadlineHours = 168
	}
	return t
}

// Engine is the transaction engine's entry point. Construct it once at
// startup with every collaborator injected; it holds no lazy global state.
type Engine struct {
	store     JobStore
	offerings registry.Reader
	escrows   EscrowService
	memos     *memo.Service
	locks     *common.LockTable
	timeouts  Timeouts
	nowFn     func() time.Time
	pauses    common.PauseView
	logger    *slog.Logger
	seclog    *slog.Logger
	metrics   *observability.EngineMetrics
}

// PauseModule names the engine in the operational pause switch.
const PauseModule = "engine"

// New wires a phase engine.
func New(store JobStore, offerings registry.Reader, escrows EscrowService, memos *memo.Service, timeouts Timeouts, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: job store not configured")
	}
	if offerings == nil {
		return nil, fmt.Errorf("engine: offering registry not configured")
	}
	if escrows == nil {
		return nil, fmt.Errorf("engine: escrow service not configured")
	}
	if memos == nil {
		return nil, fmt.Errorf("engine: memo service not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "engine"))
	return &Engine{
		store:     store,
		offerings: offerings,
		escrows:   escrows,
		memos:     memos,
		locks:     common.NewLockTable(),
		timeouts:  timeouts.withDefaults(),
		nowFn:     time.Now,
		logger:    logger,
		seclog:    logging.Security(logger),
		metrics:   observability.Metrics(),
	}, nil
}

// SetNowFunc overrides the time source. Intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

// SetPauseView installs the operational pause switch consulted before every
// state-changing call. A nil view leaves the engine always running.
func (e *Engine) SetPauseView(p common.PauseView) {
	e.pauses = p
}

func (e *Engine) guard() error {
	if err := common.Guard(e.pauses, PauseModule); err != nil {
		return fmt.Errorf("%w: %v", ErrPaused, err)
	}
	return nil
}

// GetJob returns a copy of the job.
func (e *Engine) GetJob(ctx context.Context, id string) (*types.Job, error) {
	job, err := e.store.JobGet(ctx, id)
	if err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// VerifyMemo checks a memo's nonce-bound hash and signature.
func (e *Engine) VerifyMemo(m *types.Memo) bool {
	return e.memos.VerifyMemo(m)
}

// IngestMemo accepts an externally produced memo, persisting it once the
// signature verifies and the nonce clears the sender's high-water mark.
// Replays are logged as security events and surface as ErrReplayDetected.
func (e *Engine) IngestMemo(ctx context.Context, m *types.Memo) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.memos.Accept(m); err != nil {
		if errors.Is(err, memo.ErrReplay) {
			e.metrics.RecordSecurityEvent("replay")
			e.seclog.Warn("memo replay rejected",
				slog.String("memoId", m.ID),
				slog.String("jobId", m.JobID),
				logging.MaskField("sender", m.SenderAddr),
				slog.Uint64("nonce", m.Nonce))
			return fmt.Errorf("%w: %v", ErrReplayDetected, err)
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return e.store.MemoPut(ctx, m)
}

// CreateJob opens a job against a registered offering. The buyer's maximum fee
// must meet the offering's floor; the signed REQUEST memo and the job are
// persisted together.
func (e *Engine) CreateJob(ctx context.Context, offeringID, buyerID, buyerAddr string, requirements map[string]string, maxFee *big.Int) (*types.Job, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	offering, err := e.offerings.GetOffering(ctx, offeringID)
	if err != nil {
		if errors.Is(err, registry.ErrOfferingNotFound) {
			e.metrics.RecordTransition("create", "not_found")
			return nil, fmt.Errorf("%w: offering %s", ErrNotFound, offeringID)
		}
		return nil, err
	}
	if maxFee == nil || maxFee.Sign() <= 0 {
		e.metrics.RecordTransition("create", "validation_error")
		return nil, fmt.Errorf("%w: max fee must be positive", ErrValidation)
	}
	if offering.BaseFee != nil && maxFee.Cmp(offering.BaseFee) < 0 {
		e.metrics.RecordTransition("create", "validation_error")
		return nil, fmt.Errorf("%w: max fee %s below offering base fee %s", ErrValidation, maxFee, offering.BaseFee)
	}
	if _, err := e.memos.ResolvePrincipal(buyerAddr); err != nil {
		e.metrics.RecordTransition("create", "validation_error")
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := e.nowFn().UTC()
	jobID := uuid.NewString()
	requestMemo, err := e.memos.CreateMemo(jobID, types.MemoTypeRequest, requestContent(requirements, offeringID, maxFee), buyerAddr)
	if err != nil {
		return nil, err
	}
	job := &types.Job{
		ID:            jobID,
		OfferingID:    offeringID,
		BuyerID:       buyerID,
		BuyerAddr:     requestMemo.SenderAddr,
		ProviderID:    offering.ProviderID,
		ProviderAddr:  offering.ProviderAddr,
		Phase:         types.PhaseRequest,
		Status:        types.JobStatusOpen,
		Requirements:  requirements,
		MaxFee:        new(big.Int).Set(maxFee),
		Memos:         map[types.MemoType]string{types.MemoTypeRequest: requestMemo.ID},
		CreatedAt:     now,
		UpdatedAt:     now,
		PhaseDeadline: now.Add(e.timeouts.Negotiation),
	}
	if err := e.store.MemoPut(ctx, requestMemo); err != nil {
		return nil, err
	}
	if err := e.store.JobPut(ctx, job); err != nil {
		return nil, err
	}
	e.metrics.RecordTransition("create", "ok")
	e.logger.Info("job created",
		slog.String("jobId", jobID),
		slog.String("offeringId", offeringID),
		slog.String("phase", job.Phase.String()))
	return job.Clone(), nil
}

// RespondToRequest records the provider's proposed terms and advances the job
// to NEGOTIATION.
func (e *Engine) RespondToRequest(ctx context.Context, jobID string, terms *types.NegotiationTerms, providerAddr string) (*types.Job, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if terms == nil || terms.Fee == nil || terms.Fee.Sign() <= 0 {
		return nil, fmt.Errorf("%w: proposed fee must be positive", ErrValidation)
	}
	unlock := e.locks.Acquire(jobID)
	defer unlock()

	job, err := e.loadActive(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := e.requirePhase(job, types.PhaseRequest, "respond"); err != nil {
		return nil, err
	}
	if err := e.requireCaller(job, providerAddr, job.ProviderAddr, "respond"); err != nil {
		return nil, err
	}

	content := map[string]string{
		"fee":           terms.Fee.String(),
		"deadlineHours": strconv.FormatUint(uint64(terms.DeadlineHours), 10),
	}
	if terms.Notes != "" {
		content["notes"] = terms.Notes
	}
	m, err := e.memos.CreateMemo(jobID, types.MemoTypeRequirement, content, providerAddr)
	if err != nil {
		return nil, err
	}

	now := e.nowFn().UTC()
	job.Phase = types.PhaseNegotiation
	job.Status = types.JobStatusNegotiating
	job.Terms = terms
	job.Memos[types.MemoTypeRequirement] = m.ID
	job.UpdatedAt = now
	job.PhaseDeadline = now.Add(e.timeouts.Negotiation)
	if err := e.store.MemoPut(ctx, m); err != nil {
		return nil, err
	}
	if err := e.store.JobPut(ctx, job); err != nil {
		return nil, err
	}
	e.metrics.RecordTransition("respond", "ok")
	e.logger.Info("job negotiation opened",
		slog.String("jobId", jobID),
		slog.String("phase", job.Phase.String()))
	return job.Clone(), nil
}

// AcceptTerms commits the buyer to the negotiated fee. The phase transition
// and escrow funding succeed or fail together: on any escrow error the job
// stays in NEGOTIATION and the failure is surfaced.
func (e *Engine) AcceptTerms(ctx context.Context, jobID, buyerAddr string) (*types.Job, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	unlock := e.locks.Acquire(jobID)
	defer unlock()

	job, err := e.loadActive(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := e.requirePhase(job, types.PhaseNegotiation, "accept"); err != nil {
		return nil, err
	}
	if err := e.requireCaller(job, buyerAddr, job.BuyerAddr, "accept"); err != nil {
		return nil, err
	}
	if job.Terms == nil || job.Terms.Fee == nil || job.Terms.Fee.Sign() <= 0 {
		return nil, fmt.Errorf("%w: job %s has no negotiated fee", ErrValidation, jobID)
	}
	fee := new(big.Int).Set(job.Terms.Fee)
	if job.MaxFee != nil && fee.Cmp(job.MaxFee) > 0 {
		return nil, fmt.Errorf("%w: negotiated fee %s exceeds buyer maximum %s", ErrValidation, fee, job.MaxFee)
	}

	m, err := e.memos.CreateMemo(jobID, types.MemoTypeAgreement, map[string]string{
		"fee": fee.String(),
	}, buyerAddr)
	if err != nil {
		return nil, err
	}

	deadlineHours := job.Terms.DeadlineHours
	if deadlineHours == 0 {
		deadlineHours = e.timeouts.EscrowDeadlineHours
	}
	esc, err := e.escrows.CreateEscrow(ctx, jobID, job.BuyerAddr, job.ProviderAddr, fee, deadlineHours)
	if err != nil {
		e.metrics.RecordTransition("accept", "escrow_error")
		return nil, escrowFailure(err)
	}

	now := e.nowFn().UTC()
	job.Phase = types.PhaseTransaction
	job.Status = types.JobStatusInProgress
	job.AgreedFee = fee
	job.EscrowID = esc.ID
	job.EscrowAmount = new(big.Int).Set(esc.Amount)
	job.Memos[types.MemoTypeAgreement] = m.ID
	job.UpdatedAt = now
	job.PhaseDeadline = now.Add(e.timeouts.Execution)
	if err := e.store.MemoPut(ctx, m); err != nil {
		return nil, err
	}
	if err := e.store.JobPut(ctx, job); err != nil {
		return nil, err
	}
	e.metrics.RecordTransition("accept", "ok")
	e.logger.Info("job terms accepted",
		slog.String("jobId", jobID),
		slog.String("escrowId", esc.ID),
		slog.String("phase", job.Phase.String()))
	return job.Clone(), nil
}

// SubmitDeliverable records the provider's work product and advances the job
// to EVALUATION.
func (e *Engine) SubmitDeliverable(ctx context.Context, jobID string, deliverable *types.Deliverable, providerAddr string) (*types.Job, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if deliverable == nil || deliverable.Content == "" {
		return nil, fmt.Errorf("%w: deliverable content required", ErrValidation)
	}
	unlock := e.locks.Acquire(jobID)
	defer unlock()

	job, err := e.loadActive(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := e.requirePhase(job, types.PhaseTransaction, "deliver"); err != nil {
		return nil, err
	}
	if err := e.requireCaller(job, providerAddr, job.ProviderAddr, "deliver"); err != nil {
		return nil, err
	}

	content := map[string]string{"content": deliverable.Content}
	if deliverable.ContentType != "" {
		content["contentType"] = deliverable.ContentType
	}
	m, err := e.memos.CreateMemo(jobID, types.MemoTypeDeliverable, content, providerAddr)
	if err != nil {
		return nil, err
	}

	now := e.nowFn().UTC()
	job.Phase = types.PhaseEvaluation
	job.Status = types.JobStatusDelivered
	job.Deliverable = deliverable
	job.Memos[types.MemoTypeDeliverable] = m.ID
	job.UpdatedAt = now
	job.PhaseDeadline = now.Add(e.timeouts.Evaluation)
	if err := e.store.MemoPut(ctx, m); err != nil {
		return nil, err
	}
	if err := e.store.JobPut(ctx, job); err != nil {
		return nil, err
	}
	e.metrics.RecordTransition("deliver", "ok")
	e.logger.Info("deliverable submitted",
		slog.String("jobId", jobID),
		slog.String("phase", job.Phase.String()))
	return job.Clone(), nil
}

// EvaluateDeliverable records the verdict. Approval releases the escrow and
// only on release success marks the job COMPLETED; rejection marks the job
// DISPUTED and leaves the escrow funded for manual resolution.
func (e *Engine) EvaluateDeliverable(ctx context.Context, jobID string, evaluation *types.Evaluation, evaluatorAddr string) (*types.Job, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if evaluation == nil {
		return nil, fmt.Errorf("%w: evaluation required", ErrValidation)
	}
	unlock := e.locks.Acquire(jobID)
	defer unlock()

	job, err := e.loadActive(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := e.requirePhase(job, types.PhaseEvaluation, "evaluate"); err != nil {
		return nil, err
	}
	caller := e.canonicalAddr(evaluatorAddr)
	if caller != e.canonicalAddr(job.BuyerAddr) && (job.EvaluatorAddr == "" || caller != e.canonicalAddr(job.EvaluatorAddr)) {
		e.rejectUnauthorized(job.ID, evaluatorAddr, "evaluate")
		return nil, fmt.Errorf("%w: %s may not evaluate job %s", ErrUnauthorized, evaluatorAddr, jobID)
	}

	content := map[string]string{"approved": strconv.FormatBool(evaluation.Approved)}
	if evaluation.Score > 0 {
		content["score"] = strconv.FormatUint(uint64(evaluation.Score), 10)
	}
	if evaluation.Feedback != "" {
		content["feedback"] = evaluation.Feedback
	}
	m, err := e.memos.CreateMemo(jobID, types.MemoTypeEvaluation, content, evaluatorAddr)
	if err != nil {
		return nil, err
	}

	now := e.nowFn().UTC()
	if evaluation.Approved {
		if err := e.escrows.Release(ctx, job.EscrowID); err != nil {
			// A prior approval attempt may have released the escrow and then
			// failed to persist the job. Funds already with the provider count
			// as success so the transition stays retryable.
			if !e.escrowAlreadyReleased(ctx, job.EscrowID, err) {
				e.metrics.RecordTransition("evaluate", "escrow_error")
				return nil, escrowFailure(err)
			}
		}
		job.Status = types.JobStatusCompleted
		job.EscrowReleased = true
	} else {
		job.Status = types.JobStatusDisputed
		job.Dispute = &types.Dispute{
			Reason:  evaluation.Feedback,
			FiledBy: evaluatorAddr,
			FiledAt: now,
		}
	}
	job.Evaluation = evaluation
	job.Memos[types.MemoTypeEvaluation] = m.ID
	job.UpdatedAt = now
	if err := e.store.MemoPut(ctx, m); err != nil {
		return nil, err
	}
	if err := e.store.JobPut(ctx, job); err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		e.locks.Forget(jobID)
	}
	e.metrics.RecordTransition("evaluate", "ok")
	e.logger.Info("deliverable evaluated",
		slog.String("jobId", jobID),
		slog.String("status", string(job.Status)),
		slog.Bool("approved", evaluation.Approved))
	return job.Clone(), nil
}

// FileDispute lets the buyer or provider flag an active job as disputed. The
// escrow is untouched; resolution happens through the escrow manager.
func (e *Engine) FileDispute(ctx context.Context, jobID, reason, filerAddr string) (*types.Job, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason required", ErrValidation)
	}
	unlock := e.locks.Acquire(jobID)
	defer unlock()

	job, err := e.loadActive(ctx, jobID)
	if err != nil {
		return nil, err
	}
	filer := e.canonicalAddr(filerAddr)
	if filer != e.canonicalAddr(job.BuyerAddr) && filer != e.canonicalAddr(job.ProviderAddr) {
		e.rejectUnauthorized(job.ID, filerAddr, "dispute")
		return nil, fmt.Errorf("%w: %s may not dispute job %s", ErrUnauthorized, filerAddr, jobID)
	}
	now := e.nowFn().UTC()
	job.Status = types.JobStatusDisputed
	job.Dispute = &types.Dispute{Reason: reason, FiledBy: filerAddr, FiledAt: now}
	job.UpdatedAt = now
	if err := e.store.JobPut(ctx, job); err != nil {
		return nil, err
	}
	e.metrics.RecordTransition("dispute", "ok")
	e.logger.Info("job dispute filed",
		slog.String("jobId", jobID),
		slog.String("reason", reason))
	return job.Clone(), nil
}

// ExpireTimedOutJobs marks every active job past its phase deadline as
// EXPIRED. Invoked by an external scheduler; it never interrupts an in-flight
// call, since per-job locks serialize it against ordinary transitions.
func (e *Engine) ExpireTimedOutJobs(ctx context.Context) (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	jobs, err := e.store.JobListActive(ctx)
	if err != nil {
		return 0, err
	}
	now := e.nowFn().UTC()
	expired := 0
	for _, candidate := range jobs {
		if candidate.PhaseDeadline.IsZero() || candidate.PhaseDeadline.After(now) {
			continue
		}
		if err := e.expireOne(ctx, candidate.ID, now); err != nil {
			e.logger.Warn("job expiry failed",
				slog.String("jobId", candidate.ID),
				slog.String("error", err.Error()))
			continue
		}
		expired++
	}
	return expired, nil
}

func (e *Engine) expireOne(ctx context.Context, jobID string, now time.Time) error {
	unlock := e.locks.Acquire(jobID)
	defer unlock()

	job, err := e.store.JobGet(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.Status == types.JobStatusDisputed {
		return nil
	}
	if job.PhaseDeadline.IsZero() || job.PhaseDeadline.After(now) {
		return nil
	}
	job.Status = types.JobStatusExpired
	job.UpdatedAt = now
	if err := e.store.JobPut(ctx, job); err != nil {
		return err
	}
	e.locks.Forget(jobID)
	e.metrics.RecordTransition("expire", "ok")
	e.logger.Info("job expired",
		slog.String("jobId", jobID),
		slog.String("phase", job.Phase.String()))
	return nil
}

func (e *Engine) loadActive(ctx context.Context, jobID string) (*types.Job, error) {
	job, err := e.store.JobGet(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrIllegalPhaseTransition, jobID, job.Status)
	}
	return job, nil
}

func (e *Engine) requirePhase(job *types.Job, want types.Phase, operation string) error {
	if job.Phase != want {
		e.metrics.RecordTransition(operation, "illegal_phase")
		return fmt.Errorf("%w: job %s is in phase %s, operation requires %s",
			ErrIllegalPhaseTransition, job.ID, job.Phase, want)
	}
	return nil
}

func (e *Engine) requireCaller(job *types.Job, got, want, operation string) error {
	if e.canonicalAddr(got) != e.canonicalAddr(want) {
		e.rejectUnauthorized(job.ID, got, operation)
		return fmt.Errorf("%w: %s is not the designated counterpart for job %s", ErrUnauthorized, got, job.ID)
	}
	return nil
}

// canonicalAddr maps an address to its canonical principal form so caller
// checks accept any casing the principal parser accepts. Hex EVM addresses are
// stored checksummed; a buyer presenting the all-lowercase form is the same
// principal. Unparseable input is returned as-is and fails the comparison.
func (e *Engine) canonicalAddr(addr string) string {
	principal, err := e.memos.ResolvePrincipal(addr)
	if err != nil {
		return addr
	}
	return principal.Address()
}

// escrowFailure classifies an escrow manager error. A ledger call that ran
// out of time surfaces as ErrTimeout so callers can tell retryable slowness
// from hard failures; everything else wraps ErrEscrow.
func escrowFailure(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrEscrow, err)
}

// escrowAlreadyReleased reports whether a failed Release was a retry against an
// escrow that a previous attempt had already settled.
func (e *Engine) escrowAlreadyReleased(ctx context.Context, id string, relErr error) bool {
	if !errors.Is(relErr, escrow.ErrInvalidStatus) {
		return false
	}
	esc, err := e.escrows.Get(ctx, id)
	return err == nil && esc != nil && esc.Status == escrow.StatusReleased
}

func (e *Engine) rejectUnauthorized(jobID, caller, operation string) {
	e.metrics.RecordSecurityEvent("unauthorized")
	e.seclog.Warn("unauthorized transition attempt",
		slog.String("jobId", jobID),
		slog.String("operation", operation),
		logging.MaskField("caller", caller))
}

func requestContent(requirements map[string]string, offeringID string, maxFee *big.Int) map[string]string {
	content := make(map[string]string, len(requirements)+2)
	for k, v := range requirements {
		content[k] = v
	}
	content["offeringId"] = offeringID
	content["maxFee"] = maxFee.String()
	return content
}
