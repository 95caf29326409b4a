// Package slippage splits a total slippage budget across a chain of swaps.
//
// A value flow reaches the settlement asset partly through swaps and partly
// directly. With quoted net N = directIn + swappedIn - directOut - swappedOut
// and swap volume W = swappedIn + swappedOut, every swap realizing its worst
// case at tolerance s leaves N - sW. An optional trailing swap multiplies the
// result by (1 - s). The per-hop tolerance is the largest s keeping the worst
// case at or above (1 - T) N.
package slippage

import (
	"math/big"

	sdkmath "cosmossdk.io/math"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
)

// Flow is the quoted shape of a value flow, every amount in settlement-asset units.
type Flow struct {
	DirectIn   *big.Int
	DirectOut  *big.Int
	SwappedIn  *big.Int
	SwappedOut *big.Int
	// FinalSwap reports a trailing swap from the settlement asset to the output asset.
	FinalSwap bool
}

// Net returns N, the quoted net value of the flow.
func (f Flow) Net() *big.Int {
	n := new(big.Int).Add(mathx.Clone(f.DirectIn), mathx.Clone(f.SwappedIn))
	n.Sub(n, mathx.Clone(f.DirectOut))
	return n.Sub(n, mathx.Clone(f.SwappedOut))
}

// Volume returns W, the total quoted swap volume.
func (f Flow) Volume() *big.Int {
	return new(big.Int).Add(mathx.Clone(f.SwappedIn), mathx.Clone(f.SwappedOut))
}

func (f Flow) validate() error {
	for _, v := range []*big.Int{f.DirectIn, f.DirectOut, f.SwappedIn, f.SwappedOut} {
		if v != nil && v.Sign() < 0 {
			return clierr.New(clierr.CodeUsage, "flow amounts must be non-negative")
		}
	}
	return nil
}

// PerHopTolerance returns the single tolerance applied to every swap of flow
// so that the worst case honours total. The result never exceeds total.
func PerHopTolerance(total sdkmath.LegacyDec, flow Flow) (sdkmath.LegacyDec, error) {
	if total.IsNil() || !total.IsPositive() || total.GTE(sdkmath.LegacyOneDec()) {
		return sdkmath.LegacyDec{}, clierr.New(clierr.CodeUsage, "total slippage tolerance must be in (0, 1)")
	}
	if err := flow.validate(); err != nil {
		return sdkmath.LegacyDec{}, err
	}
	w := flow.Volume()
	if w.Sign() == 0 {
		return total, nil
	}
	n := flow.Net()
	if n.Sign() <= 0 {
		return sdkmath.LegacyDec{}, clierr.Newf(clierr.CodeSlippageBound, "quoted net value %s is not positive", n)
	}

	t := mathx.DecWad(total)
	var s *big.Int
	if !flow.FinalSwap {
		s = mathx.MulDivDown(t, n, w)
	} else {
		root, err := smallerRoot(n, w, t)
		if err != nil {
			return sdkmath.LegacyDec{}, err
		}
		s = root
	}
	if s.Sign() < 0 {
		return sdkmath.LegacyDec{}, clierr.Newf(clierr.CodeInternal, "per-hop tolerance root is negative (%s)", s)
	}
	return mathx.WadDec(mathx.Min(s, t)), nil
}

// smallerRoot solves W s^2 - (N+W) s + T N = 0 for its smaller root in WAD,
// rounding so the result never exceeds the exact root.
func smallerRoot(n, w, t *big.Int) (*big.Int, error) {
	b := new(big.Int).Add(n, w)
	wadSq := new(big.Int).Mul(mathx.WAD, mathx.WAD)

	disc := new(big.Int).Mul(b, b)
	disc.Mul(disc, wadSq)
	c := new(big.Int).Mul(big.NewInt(4), w)
	c.Mul(c, n)
	c.Mul(c, t)
	c.Mul(c, mathx.WAD)
	disc.Sub(disc, c)
	if disc.Sign() < 0 {
		return nil, clierr.New(clierr.CodeInternal, "per-hop tolerance has no real solution")
	}

	num := new(big.Int).Mul(b, mathx.WAD)
	num.Sub(num, ceilSqrt(disc))
	if num.Sign() < 0 {
		return nil, clierr.Newf(clierr.CodeInternal, "per-hop tolerance root is negative (%s)", num)
	}
	return num.Quo(num, new(big.Int).Mul(big.NewInt(2), w)), nil
}

func ceilSqrt(x *big.Int) *big.Int {
	r := new(big.Int).Sqrt(x)
	if new(big.Int).Mul(r, r).Cmp(x) < 0 {
		r.Add(r, big.NewInt(1))
	}
	return r
}

// WorstCaseNet is the value left when every swap of flow realizes exactly
// tolerance s of slippage, rounded down.
func WorstCaseNet(flow Flow, s sdkmath.LegacyDec) *big.Int {
	one := sdkmath.LegacyOneDec()
	out := new(big.Int).Add(mathx.Clone(flow.DirectIn), mathx.MulDec(mathx.Clone(flow.SwappedIn), one.Sub(s), mathx.Down))
	out.Sub(out, mathx.Clone(flow.DirectOut))
	out.Sub(out, mathx.MulDec(mathx.Clone(flow.SwappedOut), one.Add(s), mathx.Up))
	if out.Sign() <= 0 {
		return new(big.Int)
	}
	if flow.FinalSwap {
		out = mathx.MulDec(out, one.Sub(s), mathx.Down)
	}
	return out
}

// AchievedTolerance is the shortfall of minimum against quoted as a fraction
// of quoted, rounded up.
func AchievedTolerance(quoted, minimum *big.Int) (sdkmath.LegacyDec, error) {
	if quoted == nil || quoted.Sign() <= 0 {
		return sdkmath.LegacyDec{}, clierr.New(clierr.CodeSlippageBound, "quoted amount must be positive")
	}
	shortfall := mathx.ZeroFloorSub(quoted, minimum)
	return mathx.Ratio(shortfall, quoted, mathx.Up), nil
}
