package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer produces a signature over a 32-byte content hash using the scheme of
// its principal kind.
type Signer interface {
	Kind() PrincipalKind
	Address() string
	Sign(hash []byte) ([]byte, error)
}

// --- secp256k1 (EVM) ---

// EVMSigner signs hashes with a secp256k1 key producing recoverable
// [R || S || V] signatures.
type EVMSigner struct {
	key  *ecdsa.PrivateKey
	addr string
}

// NewEVMSigner wraps an existing secp256k1 private key.
func NewEVMSigner(key *ecdsa.PrivateKey) (*EVMSigner, error) {
	if key == nil {
		return nil, fmt.Errorf("nil secp256k1 key")
	}
	return &EVMSigner{key: key, addr: ethcrypto.PubkeyToAddress(key.PublicKey).Hex()}, nil
}

// GenerateEVMSigner creates a fresh secp256k1 keypair. Intended for tests and
// tooling; production keys arrive from the caller.
func GenerateEVMSigner() (*EVMSigner, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewEVMSigner(key)
}

func (s *EVMSigner) Kind() PrincipalKind { return KindEVM }

func (s *EVMSigner) Address() string { return s.addr }

func (s *EVMSigner) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	return ethcrypto.Sign(hash, s.key)
}

// --- Ed25519 (Solana) ---

// SolanaSigner signs hashes with an Ed25519 key. The base58-encoded public key
// is the principal address.
type SolanaSigner struct {
	key  ed25519.PrivateKey
	addr string
}

// NewSolanaSigner wraps an existing Ed25519 private key.
func NewSolanaSigner(key ed25519.PrivateKey) (*SolanaSigner, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 key length: %d", len(key))
	}
	pub := key.Public().(ed25519.PublicKey)
	return &SolanaSigner{key: key, addr: base58.Encode(pub)}, nil
}

// GenerateSolanaSigner creates a fresh Ed25519 keypair.
func GenerateSolanaSigner() (*SolanaSigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewSolanaSigner(priv)
}

func (s *SolanaSigner) Kind() PrincipalKind { return KindSolana }

func (s *SolanaSigner) Address() string { return s.addr }

func (s *SolanaSigner) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	return ed25519.Sign(s.key, hash), nil
}

// VerifyHash checks a signature over a content hash against the principal's
// address using the scheme bound to its kind.
func VerifyHash(principal Principal, hash, sig []byte) bool {
	if len(hash) != 32 {
		return false
	}
	switch principal.Kind() {
	case KindEVM:
		if len(sig) != 65 {
			return false
		}
		pub, err := ethcrypto.SigToPub(hash, sig)
		if err != nil {
			return false
		}
		return ethcrypto.PubkeyToAddress(*pub).Hex() == principal.Address()
	case KindSolana:
		if len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(principal.Bytes()), hash, sig)
	default:
		return false
	}
}
