// Package utils holds amount and address helpers shared by the reqpay
// packages. Amounts travel as *big.Int in the smallest currency unit;
// decimal conversion happens only at the display boundary.
package utils

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseBigInt parses a base-10 unsigned integer amount string.
func ParseBigInt(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("value cannot be empty")
	}

	bigInt := new(big.Int)
	_, ok := bigInt.SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid big integer format: %q", value)
	}
	if bigInt.Sign() < 0 {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return bigInt, nil
}

// ParseAmountWithDecimals parses a human decimal amount string and
// converts it to base units with the given decimals.
func ParseAmountWithDecimals(amount string, decimals int) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}
	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	multiplier := decimal.NewFromBigInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil), 0)
	return dec.Mul(multiplier).BigInt(), nil
}

// FormatAmountFromBigInt formats a base-unit amount as a fixed-point
// decimal string with the given decimals.
func FormatAmountFromBigInt(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	dec := decimal.NewFromBigInt(amount, -int32(decimals))
	return dec.String()
}
