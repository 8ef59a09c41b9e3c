package crypto

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePrincipalResolvesKindOnce(t *testing.T) {
	evm, err := GenerateEVMSigner()
	require.NoError(t, err)
	sol, err := GenerateSolanaSigner()
	require.NoError(t, err)

	p, err := ParsePrincipal(evm.Address())
	require.NoError(t, err)
	require.Equal(t, KindEVM, p.Kind())
	require.Equal(t, evm.Address(), p.Address())
	require.Len(t, p.Bytes(), 20)

	p, err = ParsePrincipal(sol.Address())
	require.NoError(t, err)
	require.Equal(t, KindSolana, p.Kind())
	require.Len(t, p.Bytes(), 32)
}

func TestParsePrincipalRejectsGarbage(t *testing.T) {
	for _, addr := range []string{"", "   ", "0x1234", "not-an-address", "zzzzzz"} {
		_, err := ParsePrincipal(addr)
		require.Error(t, err, "address %q", addr)
	}
}

func TestSignVerifyRoundTripEVM(t *testing.T) {
	signer, err := GenerateEVMSigner()
	require.NoError(t, err)
	principal, err := ParsePrincipal(signer.Address())
	require.NoError(t, err)

	hash := sha256.Sum256([]byte("payload"))
	sig, err := signer.Sign(hash[:])
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.True(t, VerifyHash(principal, hash[:], sig))

	// A different hash must not verify.
	other := sha256.Sum256([]byte("tampered"))
	require.False(t, VerifyHash(principal, other[:], sig))

	// A different principal must not verify.
	stranger, err := GenerateEVMSigner()
	require.NoError(t, err)
	strangerPrincipal, err := ParsePrincipal(stranger.Address())
	require.NoError(t, err)
	require.False(t, VerifyHash(strangerPrincipal, hash[:], sig))
}

func TestSignVerifyRoundTripSolana(t *testing.T) {
	signer, err := GenerateSolanaSigner()
	require.NoError(t, err)
	principal, err := ParsePrincipal(signer.Address())
	require.NoError(t, err)

	hash := sha256.Sum256([]byte("payload"))
	sig, err := signer.Sign(hash[:])
	require.NoError(t, err)
	require.Len(t, sig, 64)
	require.True(t, VerifyHash(principal, hash[:], sig))

	other := sha256.Sum256([]byte("tampered"))
	require.False(t, VerifyHash(principal, other[:], sig))
}

func TestSignRejectsShortHash(t *testing.T) {
	signer, err := GenerateEVMSigner()
	require.NoError(t, err)
	_, err = signer.Sign([]byte("short"))
	require.Error(t, err)
}

func TestKeystoreRegisterAndLookup(t *testing.T) {
	ks := NewKeystore()
	signer, err := GenerateEVMSigner()
	require.NoError(t, err)

	_, ok := ks.Signer(signer.Address())
	require.False(t, ok)

	ks.Register(signer)
	got, ok := ks.Signer(signer.Address())
	require.True(t, ok)
	require.Equal(t, signer.Address(), got.Address())
}
