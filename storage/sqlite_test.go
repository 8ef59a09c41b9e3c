package storage

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcommerce/core/engine"
	"agentcommerce/core/types"
	"agentcommerce/native/escrow"
	"agentcommerce/registry"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "acp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestJobRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0).UTC()
	job := &types.Job{
		ID:            "job-1",
		OfferingID:    "offer-1",
		BuyerID:       "buyer-1",
		BuyerAddr:     "0xBuyer",
		ProviderAddr:  "SoLProvider",
		Phase:         types.PhaseNegotiation,
		Status:        types.JobStatusNegotiating,
		Requirements:  map[string]string{"task": "summarize"},
		MaxFee:        big.NewInt(50),
		Terms:         &types.NegotiationTerms{Fee: big.NewInt(15), DeadlineHours: 24},
		Memos:         map[types.MemoType]string{types.MemoTypeRequest: "memo-1"},
		CreatedAt:     now,
		UpdatedAt:     now,
		PhaseDeadline: now.Add(24 * time.Hour),
	}
	require.NoError(t, store.JobPut(ctx, job))

	got, err := store.JobGet(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, job.Phase, got.Phase)
	require.Equal(t, job.Status, got.Status)
	require.Equal(t, int64(15), got.Terms.Fee.Int64())
	require.Equal(t, "memo-1", got.Memos[types.MemoTypeRequest])
	require.True(t, got.PhaseDeadline.Equal(job.PhaseDeadline))

	// Upsert replaces the row in place.
	job.Status = types.JobStatusInProgress
	job.Phase = types.PhaseTransaction
	require.NoError(t, store.JobPut(ctx, job))
	got, err = store.JobGet(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobStatusInProgress, got.Status)
}

func TestJobGetUnknownMapsToEngineNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.JobGet(context.Background(), "missing")
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestJobListActiveSkipsTerminalStatuses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	put := func(id string, status types.JobStatus) {
		require.NoError(t, store.JobPut(ctx, &types.Job{ID: id, Status: status}))
	}
	put("open", types.JobStatusOpen)
	put("delivered", types.JobStatusDelivered)
	put("disputed", types.JobStatusDisputed)
	put("completed", types.JobStatusCompleted)
	put("cancelled", types.JobStatusCancelled)
	put("expired", types.JobStatusExpired)

	active, err := store.JobListActive(ctx)
	require.NoError(t, err)
	ids := make(map[string]bool, len(active))
	for _, job := range active {
		ids[job.ID] = true
	}
	require.Len(t, ids, 3)
	require.True(t, ids["open"] && ids["delivered"] && ids["disputed"])
}

func TestMemosAreInsertOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := &types.Memo{
		ID:          "memo-1",
		JobID:       "job-1",
		Type:        types.MemoTypeRequest,
		SenderAddr:  "0xBuyer",
		Nonce:       1,
		ContentHash: "abc",
		Signature:   "deadbeef",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.MemoPut(ctx, m))
	require.Error(t, store.MemoPut(ctx, m), "duplicate memo id must be rejected")

	m2 := &types.Memo{ID: "memo-2", JobID: "job-1", Type: types.MemoTypeRequirement, SenderAddr: "SoLProvider", Nonce: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.MemoPut(ctx, m2))

	memos, err := store.MemosByJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, memos, 2)
	require.Equal(t, "memo-1", memos[0].ID)
}

func TestEscrowRoundTripAndStatusIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	esc := &escrow.Escrow{
		ID:           "0xesc1",
		JobID:        "job-1",
		BuyerAddr:    "0xBuyer",
		ProviderAddr: "SoLProvider",
		Token:        "USDC",
		Amount:       big.NewInt(10000),
		PlatformFee:  big.NewInt(250),
		Status:       escrow.StatusFunded,
		Deadline:     time.Now().Add(168 * time.Hour).UTC(),
	}
	require.NoError(t, store.EscrowPut(ctx, esc))
	require.NoError(t, store.EscrowPut(ctx, &escrow.Escrow{
		ID: "0xesc2", JobID: "job-2", Amount: big.NewInt(5), Status: escrow.StatusReleased,
	}))

	got, err := store.EscrowGet(ctx, "0xesc1")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFunded, got.Status)
	require.Equal(t, int64(10000), got.Amount.Int64())
	require.Equal(t, int64(250), got.PlatformFee.Int64())

	funded, err := store.EscrowListByStatus(ctx, escrow.StatusFunded)
	require.NoError(t, err)
	require.Len(t, funded, 1)
	require.Equal(t, "0xesc1", funded[0].ID)

	_, err = store.EscrowGet(ctx, "missing")
	require.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestOfferingRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	offering := &registry.Offering{
		ID:           "offer-1",
		Title:        "summarization",
		ProviderID:   "provider-1",
		ProviderAddr: "SoLProvider",
		BaseFee:      big.NewInt(10),
	}
	require.NoError(t, store.RegisterOffering(ctx, offering))

	got, err := store.GetOffering(ctx, "offer-1")
	require.NoError(t, err)
	require.Equal(t, "summarization", got.Title)
	require.Equal(t, int64(10), got.BaseFee.Int64())

	_, err = store.GetOffering(ctx, "missing")
	require.ErrorIs(t, err, registry.ErrOfferingNotFound)
}

func TestStoreReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acp.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.JobPut(ctx, &types.Job{ID: "job-1", Status: types.JobStatusOpen}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.JobGet(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobStatusOpen, got.Status)
}
