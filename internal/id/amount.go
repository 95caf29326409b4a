package id

import (
	"fmt"
	"math/big"
	"strings"

	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
	"github.com/shopspring/decimal"
)

// MaxAmount is the CLI spelling of the entire-balance sentinel.
const MaxAmount = "max"

// NormalizeAmount accepts either a base-unit integer or a decimal amount and
// returns both representations.
func NormalizeAmount(baseUnits, decimalAmount string, decimals int) (string, string, error) {
	baseUnits = strings.TrimSpace(baseUnits)
	decimalAmount = strings.TrimSpace(decimalAmount)
	if baseUnits != "" && decimalAmount != "" {
		return "", "", clierr.New(clierr.CodeUsage, "use either --amount or --amount-decimal, not both")
	}
	if baseUnits == "" && decimalAmount == "" {
		return "", "", clierr.New(clierr.CodeUsage, "amount is required")
	}
	if decimals < 0 {
		return "", "", clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}

	if baseUnits != "" {
		if strings.EqualFold(baseUnits, MaxAmount) {
			return mathx.MaxUint256.String(), MaxAmount, nil
		}
		n, ok := new(big.Int).SetString(baseUnits, 10)
		if !ok {
			return "", "", clierr.New(clierr.CodeUsage, "--amount must be a positive integer string")
		}
		if n.Sign() < 0 {
			return "", "", clierr.New(clierr.CodeUsage, "--amount must be non-negative")
		}
		return n.String(), FormatDecimal(n, decimals), nil
	}

	if strings.EqualFold(decimalAmount, MaxAmount) {
		return mathx.MaxUint256.String(), MaxAmount, nil
	}
	d, err := decimal.NewFromString(decimalAmount)
	if err != nil {
		return "", "", clierr.New(clierr.CodeUsage, "--amount-decimal must be in decimal form like 1.23")
	}
	if d.IsNegative() {
		return "", "", clierr.New(clierr.CodeUsage, "--amount-decimal must be non-negative")
	}
	if !d.Truncate(int32(decimals)).Equal(d) {
		return "", "", clierr.New(clierr.CodeUsage, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
	}
	return d.Shift(int32(decimals)).BigInt().String(), d.String(), nil
}

// ParseAmount resolves a normalized base-unit string, honoring the max sentinel.
func ParseAmount(baseUnits string) (*big.Int, error) {
	clean := strings.TrimSpace(baseUnits)
	if strings.EqualFold(clean, MaxAmount) {
		return mathx.Clone(mathx.MaxUint256), nil
	}
	n, ok := new(big.Int).SetString(clean, 10)
	if !ok || n.Sign() < 0 {
		return nil, clierr.New(clierr.CodeUsage, "amount must be a non-negative integer in base units")
	}
	if !mathx.FitsUint256(n) {
		return nil, clierr.New(clierr.CodeUsage, "amount exceeds uint256")
	}
	return n, nil
}

// FormatDecimal renders base units as a decimal string without trailing zeros.
func FormatDecimal(baseUnits *big.Int, decimals int) string {
	if baseUnits == nil {
		return "0"
	}
	if mathx.IsMax(baseUnits) {
		return MaxAmount
	}
	return decimal.NewFromBigInt(baseUnits, -int32(decimals)).String()
}
