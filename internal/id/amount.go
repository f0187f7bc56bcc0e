package id

import (
	"fmt"
	"math/big"
	"strings"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a human-unit amount into the token's smallest unit as a
// base-10 integer string. Precision beyond the token decimals is rejected.
func ToBaseUnits(amount decimal.Decimal, decimals int) (string, error) {
	if decimals < 0 {
		return "", clierr.New(clierr.CodeInternal, "decimals must be >= 0")
	}
	if amount.IsNegative() {
		return "", clierr.New(clierr.CodeUsage, "amount must be non-negative")
	}
	shifted := amount.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %s exceeds token precision (%d decimals)", amount.String(), decimals))
	}
	return shifted.BigInt().String(), nil
}

// CeilBaseUnits converts to base units rounding any sub-unit remainder up, so a
// requested top-up never falls short because of precision.
func CeilBaseUnits(amount decimal.Decimal, decimals int) string {
	if amount.IsNegative() {
		return "0"
	}
	return amount.Shift(int32(decimals)).Ceil().BigInt().String()
}

// FromBaseUnits parses a base-unit integer string into human units.
func FromBaseUnits(baseUnits string, decimals int) (decimal.Decimal, error) {
	v := strings.TrimSpace(baseUnits)
	if v == "" {
		return decimal.Zero, nil
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return decimal.Zero, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("invalid base-unit amount %q", baseUnits))
	}
	return decimal.NewFromBigInt(n, int32(-decimals)), nil
}

// ParseAmount parses a user-supplied decimal amount.
func ParseAmount(input string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(input))
	if err != nil {
		return decimal.Zero, clierr.Wrap(clierr.CodeUsage, "amount must be a decimal number like 1.25", err)
	}
	if d.IsNegative() {
		return decimal.Zero, clierr.New(clierr.CodeUsage, "amount must be non-negative")
	}
	return d, nil
}
