// Package mathx holds the integer fixed-point helpers used to predict lending
// protocol accounting. All amounts are non-negative base-unit integers.
package mathx

import (
	"math/big"

	sdkmath "cosmossdk.io/math"
	"github.com/holiman/uint256"
)

// Rounding selects the direction of an integer division.
type Rounding int

const (
	Down Rounding = iota
	Up
)

var (
	WAD = big.NewInt(1_000_000_000_000_000_000)
	RAY = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

	// OraclePriceScale is the Morpho oracle convention (1e36).
	OraclePriceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)

	// VirtualShares and VirtualAssets offset share conversions against inflation attacks.
	VirtualShares = big.NewInt(1_000_000)
	VirtualAssets = big.NewInt(1)

	// MaxUint256 is the "entire available balance" sentinel.
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	one = big.NewInt(1)
)

func Zero() *big.Int { return new(big.Int) }

func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsMax reports whether v is the entire-balance sentinel.
func IsMax(v *big.Int) bool {
	return v != nil && v.Cmp(MaxUint256) == 0
}

// FitsUint256 reports whether v can be encoded as a uint256 word.
func FitsUint256(v *big.Int) bool {
	if v == nil || v.Sign() < 0 {
		return false
	}
	_, overflow := uint256.FromBig(v)
	return !overflow
}

func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return Clone(a)
	}
	return Clone(b)
}

func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// ZeroFloorSub returns max(a-b, 0).
func ZeroFloorSub(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(a, b)
}

func MulDiv(x, y, d *big.Int, r Rounding) *big.Int {
	if r == Up {
		return MulDivUp(x, y, d)
	}
	return MulDivDown(x, y, d)
}

func MulDivDown(x, y, d *big.Int) *big.Int {
	n := new(big.Int).Mul(x, y)
	return n.Quo(n, d)
}

func MulDivUp(x, y, d *big.Int) *big.Int {
	n := new(big.Int).Mul(x, y)
	n.Add(n, d)
	n.Sub(n, one)
	return n.Quo(n, d)
}

func WMulDown(x, y *big.Int) *big.Int { return MulDivDown(x, y, WAD) }
func WMulUp(x, y *big.Int) *big.Int   { return MulDivUp(x, y, WAD) }
func WDivDown(x, y *big.Int) *big.Int { return MulDivDown(x, WAD, y) }
func WDivUp(x, y *big.Int) *big.Int   { return MulDivUp(x, WAD, y) }

// WToRay scales a WAD value to 27 decimals.
func WToRay(x *big.Int) *big.Int {
	return new(big.Int).Mul(x, big.NewInt(1_000_000_000))
}

// ToShares converts assets to shares using the virtual offsets.
func ToShares(assets, totalAssets, totalShares *big.Int, r Rounding) *big.Int {
	return MulDiv(assets, new(big.Int).Add(totalShares, VirtualShares), new(big.Int).Add(totalAssets, VirtualAssets), r)
}

// ToAssets converts shares to assets using the virtual offsets.
func ToAssets(shares, totalAssets, totalShares *big.Int, r Rounding) *big.Int {
	return MulDiv(shares, new(big.Int).Add(totalAssets, VirtualAssets), new(big.Int).Add(totalShares, VirtualShares), r)
}

// WTaylorCompounded approximates e^(x*n) - 1 with the first three Taylor terms.
func WTaylorCompounded(x *big.Int, n int64) *big.Int {
	firstTerm := new(big.Int).Mul(x, big.NewInt(n))
	twoWad := new(big.Int).Mul(WAD, big.NewInt(2))
	threeWad := new(big.Int).Mul(WAD, big.NewInt(3))
	secondTerm := MulDivDown(firstTerm, firstTerm, twoWad)
	thirdTerm := MulDivDown(secondTerm, firstTerm, threeWad)
	out := new(big.Int).Add(firstTerm, secondTerm)
	return out.Add(out, thirdTerm)
}

// WadDec converts a WAD integer into an 18-decimal LegacyDec.
func WadDec(v *big.Int) sdkmath.LegacyDec {
	return sdkmath.LegacyNewDecFromBigIntWithPrec(Clone(v), sdkmath.LegacyPrecision)
}

// DecWad converts a LegacyDec into its WAD integer representation.
func DecWad(d sdkmath.LegacyDec) *big.Int {
	return d.BigInt()
}

// MulDec applies a fixed-point ratio to an integer amount with explicit rounding.
func MulDec(amount *big.Int, d sdkmath.LegacyDec, r Rounding) *big.Int {
	return MulDiv(amount, DecWad(d), WAD, r)
}

// Ratio returns num/den as a LegacyDec rounded in the requested direction.
func Ratio(num, den *big.Int, r Rounding) sdkmath.LegacyDec {
	return WadDec(MulDiv(num, WAD, den, r))
}
