package memo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcommerce/core/types"
	"agentcommerce/crypto"
	"agentcommerce/native/common"
	"agentcommerce/native/nonce"
)

func newTestService(t *testing.T) (*Service, *crypto.Keystore, *nonce.MemoryLedger) {
	t.Helper()
	ledger := nonce.NewMemoryLedger(0)
	keystore := crypto.NewKeystore()
	svc := NewService(ledger, keystore)
	svc.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return svc, keystore, ledger
}

func TestCreateMemoSignedRoundTripEVM(t *testing.T) {
	svc, keystore, _ := newTestService(t)
	signer, err := crypto.GenerateEVMSigner()
	require.NoError(t, err)
	keystore.Register(signer)

	m, err := svc.CreateMemo("job-1", types.MemoTypeRequest, map[string]string{"task": "summarize"}, signer.Address())
	require.NoError(t, err)
	require.True(t, m.Signed())
	require.Equal(t, uint64(1), m.Nonce)
	require.NotEmpty(t, m.ContentHash)
	require.True(t, svc.VerifyMemo(m))
}

func TestCreateMemoSignedRoundTripSolana(t *testing.T) {
	svc, keystore, _ := newTestService(t)
	signer, err := crypto.GenerateSolanaSigner()
	require.NoError(t, err)
	keystore.Register(signer)

	m, err := svc.CreateMemo("job-1", types.MemoTypeDeliverable, map[string]string{"result": "done"}, signer.Address())
	require.NoError(t, err)
	require.True(t, m.Signed())
	require.True(t, svc.VerifyMemo(m))
}

func TestCreateMemoWithoutKeyIsUnsigned(t *testing.T) {
	svc, _, _ := newTestService(t)
	signer, err := crypto.GenerateEVMSigner()
	require.NoError(t, err)
	// The key is never registered: the memo must carry the unsigned marker
	// and verification must fail unconditionally.
	m, err := svc.CreateMemo("job-1", types.MemoTypeRequest, map[string]string{"task": "x"}, signer.Address())
	require.NoError(t, err)
	require.False(t, m.Signed())
	require.Equal(t, types.SignatureUnsigned, m.Signature)
	require.False(t, svc.VerifyMemo(m))
}

func TestVerifyMemoDetectsTampering(t *testing.T) {
	svc, keystore, _ := newTestService(t)
	signer, err := crypto.GenerateEVMSigner()
	require.NoError(t, err)
	keystore.Register(signer)

	m, err := svc.CreateMemo("job-1", types.MemoTypeAgreement, map[string]string{"fee": "15"}, signer.Address())
	require.NoError(t, err)
	require.True(t, svc.VerifyMemo(m))

	// Content tampering breaks the hash.
	tampered := *m
	tampered.Content = map[string]string{"fee": "1500"}
	require.False(t, svc.VerifyMemo(&tampered))

	// Relocating the memo to another job breaks the hash too: the job
	// reference is inside the signed payload.
	relocated := *m
	relocated.JobID = "job-2"
	require.False(t, svc.VerifyMemo(&relocated))

	// So does stripping the nonce.
	stripped := *m
	stripped.Nonce = 0
	require.False(t, svc.VerifyMemo(&stripped))
}

func TestCreateMemoNoncesIncreasePerSender(t *testing.T) {
	svc, keystore, ledger := newTestService(t)
	alice, err := crypto.GenerateEVMSigner()
	require.NoError(t, err)
	bob, err := crypto.GenerateSolanaSigner()
	require.NoError(t, err)
	keystore.Register(alice)
	keystore.Register(bob)

	for want := uint64(1); want <= 3; want++ {
		m, err := svc.CreateMemo("job-1", types.MemoTypeRequest, nil, alice.Address())
		require.NoError(t, err)
		require.Equal(t, want, m.Nonce)
	}
	m, err := svc.CreateMemo("job-1", types.MemoTypeRequest, nil, bob.Address())
	require.NoError(t, err)
	require.Equal(t, uint64(1), m.Nonce)
	require.Equal(t, uint64(3), ledger.GetHighest(alice.Address()))
}

func TestAcceptRejectsReplay(t *testing.T) {
	// An external counterpart signs its own memos against a ledger it does
	// not share with us; acceptance consumes the nonce on our side.
	svc, keystore, _ := newTestService(t)
	signer, err := crypto.GenerateEVMSigner()
	require.NoError(t, err)
	keystore.Register(signer)

	remote := NewService(nonce.NewMemoryLedger(0), keystore)
	m, err := remote.CreateMemo("job-1", types.MemoTypeRequirement, map[string]string{"fee": "15"}, signer.Address())
	require.NoError(t, err)

	require.NoError(t, svc.Accept(m))
	err = svc.Accept(m)
	require.ErrorIs(t, err, ErrReplay)
}

func TestAcceptRejectsUnsignedAndForged(t *testing.T) {
	svc, keystore, _ := newTestService(t)
	signer, err := crypto.GenerateEVMSigner()
	require.NoError(t, err)
	// Unsigned: key never registered on the producing side.
	producer := NewService(nonce.NewMemoryLedger(0), crypto.NewKeystore())
	m, err := producer.CreateMemo("job-1", types.MemoTypeRequest, nil, signer.Address())
	require.NoError(t, err)
	require.ErrorIs(t, svc.Accept(m), ErrInvalidSignature)

	// Forged: a signed memo whose content was altered after signing.
	keystore.Register(signer)
	signedProducer := NewService(nonce.NewMemoryLedger(0), keystore)
	forged, err := signedProducer.CreateMemo("job-1", types.MemoTypeRequest, map[string]string{"k": "v"}, signer.Address())
	require.NoError(t, err)
	forged.Content = map[string]string{"k": "forged"}
	require.ErrorIs(t, svc.Accept(forged), ErrInvalidSignature)
}

func TestAcceptEnforcesIngestionQuota(t *testing.T) {
	svc, keystore, _ := newTestService(t)
	signer, err := crypto.GenerateEVMSigner()
	require.NoError(t, err)
	keystore.Register(signer)
	svc.SetQuota(common.Quota{MaxRequestsPerWindow: 2, WindowSeconds: 60})

	remote := NewService(nonce.NewMemoryLedger(0), keystore)
	submit := func() error {
		m, err := remote.CreateMemo("job-1", types.MemoTypeRequest, map[string]string{"n": "x"}, signer.Address())
		require.NoError(t, err)
		return svc.Accept(m)
	}
	require.NoError(t, submit())
	require.NoError(t, submit())
	require.ErrorIs(t, submit(), ErrQuotaExceeded)

	// The next window clears the counter.
	svc.SetNowFunc(func() time.Time { return time.Unix(1_700_000_060, 0) })
	require.NoError(t, submit())
}
