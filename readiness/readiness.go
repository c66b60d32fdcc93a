// Package readiness decides whether a payer can settle a request right
// now: enough funds in the request's currency, and a sufficient
// allowance for token payments. Both checks query the chain at call
// time since a stale snapshot proves nothing.
package readiness

import (
	"context"
	"fmt"
	"math/big"

	"github.com/vitwit/reqpay/clients"
	"github.com/vitwit/reqpay/types"
)

// Checker runs readiness checks against one chain client. Read-only and
// side-effect-free; call as often as needed.
type Checker struct {
	querier clients.ChainQuerier
	spender string
}

func NewChecker(querier clients.ChainQuerier, spender string) *Checker {
	return &Checker{querier: querier, spender: spender}
}

// HasSufficientFunds reports whether the payer's balance in the
// request's currency covers the remaining (unsettled) amount.
func (c *Checker) HasSufficientFunds(ctx context.Context, req *types.PaymentRequest, payer string) (bool, error) {
	remaining := req.RemainingAmount()
	if remaining.Sign() == 0 {
		return true, nil
	}

	var (
		balance *big.Int
		err     error
	)
	if req.Currency.IsNative() {
		balance, err = c.querier.NativeBalance(ctx, payer)
	} else {
		balance, err = c.querier.TokenBalance(ctx, req.Currency.Address, payer)
	}
	if err != nil {
		return false, fmt.Errorf("query payer balance: %w", err)
	}

	return balance.Cmp(remaining) >= 0, nil
}

// HasApproval reports whether the settlement proxy may already move the
// remaining amount of the payer's tokens. Native-currency requests need
// no approval.
func (c *Checker) HasApproval(ctx context.Context, req *types.PaymentRequest, payer string) (bool, error) {
	if req.Currency.IsNative() {
		return true, nil
	}

	remaining := req.RemainingAmount()
	if remaining.Sign() == 0 {
		return true, nil
	}

	allowance, err := c.querier.Allowance(ctx, req.Currency.Address, payer, c.spender)
	if err != nil {
		return false, fmt.Errorf("query allowance: %w", err)
	}

	return allowance.Cmp(remaining) >= 0, nil
}
