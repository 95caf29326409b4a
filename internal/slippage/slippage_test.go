package slippage

import (
	"math/big"
	"testing"

	sdkmath "cosmossdk.io/math"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
)

func flow(di, do, si, so int64, final bool) Flow {
	return Flow{
		DirectIn:   big.NewInt(di),
		DirectOut:  big.NewInt(do),
		SwappedIn:  big.NewInt(si),
		SwappedOut: big.NewInt(so),
		FinalSwap:  final,
	}
}

// realized evaluates the worst case at s with exact rationals.
func realized(f Flow, s sdkmath.LegacyDec) *big.Rat {
	sr := new(big.Rat).SetFrac(s.BigInt(), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	net := new(big.Rat).SetInt(f.Net())
	loss := new(big.Rat).Mul(sr, new(big.Rat).SetInt(f.Volume()))
	out := new(big.Rat).Sub(net, loss)
	if f.FinalSwap {
		out.Mul(out, new(big.Rat).Sub(big.NewRat(1, 1), sr))
	}
	return out
}

func TestPerHopToleranceComposition(t *testing.T) {
	totals := []string{"0.001", "0.005", "0.015", "0.05", "0.09"}
	shapes := []Flow{
		flow(0, 0, 1_000_000, 0, false),
		flow(0, 0, 1_000_000, 0, true),
		flow(500_000, 0, 1_000_000, 0, true),
		flow(0, 200_000, 1_000_000, 300_000, false),
		flow(0, 200_000, 1_000_000, 300_000, true),
		flow(1_000, 0, 5_000_000_000_000, 4_999_999_000_000, true),
		flow(10_000_000, 9_000_000, 3_000_000, 2_000_000, true),
		flow(1, 0, 1, 0, true),
	}
	for _, raw := range totals {
		total := sdkmath.LegacyMustNewDecFromStr(raw)
		for i, f := range shapes {
			s, err := PerHopTolerance(total, f)
			if err != nil {
				t.Fatalf("total %s shape %d: %v", raw, i, err)
			}
			if s.IsNegative() || s.GT(total) {
				t.Fatalf("total %s shape %d: tolerance %s outside [0, total]", raw, i, s)
			}
			floor := new(big.Rat).Mul(new(big.Rat).SetInt(f.Net()), new(big.Rat).Sub(big.NewRat(1, 1), new(big.Rat).SetFrac(total.BigInt(), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))))
			if realized(f, s).Cmp(floor) < 0 {
				t.Fatalf("total %s shape %d: worst case %s below bound %s", raw, i, realized(f, s).FloatString(6), floor.FloatString(6))
			}
		}
	}
}

func TestPerHopToleranceLinearIsExact(t *testing.T) {
	// N = 1000, W = 1000: s = T exactly.
	s, err := PerHopTolerance(sdkmath.LegacyMustNewDecFromStr("0.01"), flow(0, 0, 1_000, 0, false))
	if err != nil {
		t.Fatalf("PerHopTolerance failed: %v", err)
	}
	if !s.Equal(sdkmath.LegacyMustNewDecFromStr("0.01")) {
		t.Fatalf("expected 0.01, got %s", s)
	}

	// Direct flow dominates: N = 1500, W = 500 allows 3T, clamped to T.
	s, err = PerHopTolerance(sdkmath.LegacyMustNewDecFromStr("0.01"), flow(1_000, 0, 500, 0, false))
	if err != nil {
		t.Fatalf("PerHopTolerance failed: %v", err)
	}
	if !s.Equal(sdkmath.LegacyMustNewDecFromStr("0.01")) {
		t.Fatalf("expected clamp to total, got %s", s)
	}
}

func TestPerHopToleranceTrailingSwapIsTighter(t *testing.T) {
	total := sdkmath.LegacyMustNewDecFromStr("0.015")
	without, err := PerHopTolerance(total, flow(0, 0, 1_000_000, 0, false))
	if err != nil {
		t.Fatalf("PerHopTolerance failed: %v", err)
	}
	with, err := PerHopTolerance(total, flow(0, 0, 1_000_000, 0, true))
	if err != nil {
		t.Fatalf("PerHopTolerance failed: %v", err)
	}
	if !with.LT(without) {
		t.Fatalf("expected trailing swap to tighten tolerance: %s vs %s", with, without)
	}
	// Two hops at s compound to 1 - (1-s)^2 ~ 2s, so s sits just above T/2.
	half := total.QuoInt64(2)
	if with.LT(half) || with.GT(half.Add(sdkmath.LegacyMustNewDecFromStr("0.0001"))) {
		t.Fatalf("unexpected two-hop tolerance %s", with)
	}
}

func TestPerHopToleranceDegenerateAndInvalid(t *testing.T) {
	total := sdkmath.LegacyMustNewDecFromStr("0.02")
	s, err := PerHopTolerance(total, flow(1_000, 10, 0, 0, true))
	if err != nil {
		t.Fatalf("PerHopTolerance failed: %v", err)
	}
	if !s.Equal(total) {
		t.Fatalf("zero swap volume must return total, got %s", s)
	}

	for _, bad := range []sdkmath.LegacyDec{sdkmath.LegacyZeroDec(), sdkmath.LegacyOneDec(), sdkmath.LegacyMustNewDecFromStr("-0.1")} {
		if _, err := PerHopTolerance(bad, flow(0, 0, 1, 0, false)); !clierr.Is(err, clierr.CodeUsage) {
			t.Fatalf("expected usage error for total %s, got %v", bad, err)
		}
	}
	if _, err := PerHopTolerance(total, flow(0, 100, 50, 0, false)); !clierr.Is(err, clierr.CodeSlippageBound) {
		t.Fatalf("expected slippage bound error for negative net, got %v", err)
	}
}

func TestSmallerRootRejectsNegativeRoot(t *testing.T) {
	// A negative total cannot reach the solver through the public API, but a
	// negative T makes the discriminant exceed (N+W)^2 and the root negative.
	_, err := smallerRoot(big.NewInt(1_000), big.NewInt(1_000), big.NewInt(-1e17))
	if !clierr.Is(err, clierr.CodeInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestWorstCaseNetAndAchieved(t *testing.T) {
	f := flow(0, 0, 1_000_000, 0, true)
	s := sdkmath.LegacyMustNewDecFromStr("0.01")
	worst := WorstCaseNet(f, s)
	// 1_000_000 * 0.99 * 0.99
	if worst.Cmp(big.NewInt(980_100)) != 0 {
		t.Fatalf("expected 980100, got %s", worst)
	}
	achieved, err := AchievedTolerance(big.NewInt(1_000_000), worst)
	if err != nil {
		t.Fatalf("AchievedTolerance failed: %v", err)
	}
	if !achieved.Equal(sdkmath.LegacyMustNewDecFromStr("0.0199")) {
		t.Fatalf("expected 0.0199, got %s", achieved)
	}
	if _, err := AchievedTolerance(new(big.Int), big.NewInt(1)); err == nil {
		t.Fatal("expected error for zero quote")
	}
}
