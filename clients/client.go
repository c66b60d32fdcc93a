// Package clients provides chain access for reqpay: read-only balance
// and allowance queries, and approval/payment transaction submission
// with confirmation-depth waits.
package clients

import (
	"context"
	"math/big"

	"github.com/vitwit/reqpay/types"
)

// ChainQuerier answers balance and allowance queries against a chain.
// All methods are read-only and safe to call repeatedly.
type ChainQuerier interface {
	NativeBalance(ctx context.Context, owner string) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner string) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
}

// TxHandle is a submitted transaction. Wait blocks until the
// transaction reaches the requested confirmation depth or ctx is
// canceled; canceling the wait never cancels the on-chain transaction.
type TxHandle interface {
	Hash() string
	Wait(ctx context.Context, confirmations uint64) error
}

// PaymentCall describes one payment transaction through the fee proxy.
type PaymentCall struct {
	Currency         types.CurrencyRef
	To               string
	Amount           *big.Int
	PaymentReference []byte
	FeeAmount        *big.Int
	FeeAddress       string
}

// TxSubmitter submits approval and payment transactions.
type TxSubmitter interface {
	Approve(ctx context.Context, token, spender string, amount *big.Int) (TxHandle, error)
	Pay(ctx context.Context, call PaymentCall) (TxHandle, error)
}

// Client is the full chain-access surface the settlement orchestrator
// consumes for one network.
type Client interface {
	ChainQuerier
	TxSubmitter

	// SpenderAddress is the settlement proxy contract that must hold an
	// allowance before a token payment can move funds.
	SpenderAddress() string
	Network() types.Network
	Close()
}
