// Package ledger defines the external fund-movement client consumed by the
// escrow manager. The core never assumes ledger calls are idempotent and never
// retries them blindly.
package ledger

import (
	"context"
	"math/big"
)

// Client executes fund movements and contract calls on the external ledger.
// Every call is fallible; retry and backoff policy belongs to the
// implementation, never to the transaction engine.
type Client interface {
	// ExecuteTransfer moves amount of token to the recipient, returning the
	// ledger transaction reference.
	ExecuteTransfer(ctx context.Context, token, to string, amount *big.Int) (string, error)
	// ExecuteContractCall invokes fn on the contract with the given arguments
	// and attached value, returning the ledger transaction reference.
	ExecuteContractCall(ctx context.Context, contract, fn string, args []string, value *big.Int) (string, error)
	// GetBalance reports the address's balance in the given token.
	GetBalance(ctx context.Context, addr, token string) (*big.Int, error)
}
