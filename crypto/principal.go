package crypto

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
)

// PrincipalKind tags the signature scheme an address belongs to. The kind is
// resolved exactly once, when the address is parsed, and carried alongside the
// address from then on.
type PrincipalKind uint8

const (
	// KindEVM covers 0x-prefixed hex addresses verified with secp256k1
	// recoverable signatures.
	KindEVM PrincipalKind = iota + 1
	// KindSolana covers base58 addresses whose bytes are the Ed25519 public
	// key itself.
	KindSolana
)

func (k PrincipalKind) String() string {
	switch k {
	case KindEVM:
		return "evm"
	case KindSolana:
		return "solana"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Principal is an address-identified party together with its resolved kind.
type Principal struct {
	kind PrincipalKind
	addr string
	// raw holds the decoded address bytes: 20 for EVM, 32 for Solana.
	raw []byte
}

// Kind returns the signature scheme tag resolved at parse time.
func (p Principal) Kind() PrincipalKind { return p.kind }

// Address returns the canonical string form of the address.
func (p Principal) Address() string { return p.addr }

// Bytes returns the decoded address bytes. For Solana principals these bytes
// double as the Ed25519 public key.
func (p Principal) Bytes() []byte { return append([]byte(nil), p.raw...) }

// ParsePrincipal validates an address string and resolves its kind. Hex
// addresses become EVM principals; 32-byte base58 strings become Solana
// principals. Anything else is rejected.
func ParsePrincipal(addr string) (Principal, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return Principal{}, fmt.Errorf("empty principal address")
	}
	if common.IsHexAddress(trimmed) {
		parsed := common.HexToAddress(trimmed)
		return Principal{kind: KindEVM, addr: parsed.Hex(), raw: parsed.Bytes()}, nil
	}
	decoded := base58.Decode(trimmed)
	if len(decoded) == ed25519.PublicKeySize {
		return Principal{kind: KindSolana, addr: trimmed, raw: decoded}, nil
	}
	return Principal{}, fmt.Errorf("unrecognised principal address: %s", trimmed)
}
