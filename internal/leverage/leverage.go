// Package leverage sizes leveraged collateral positions so the worst-case
// loan-to-value stays below the liquidation threshold minus a safety margin.
package leverage

import (
	"math/big"

	sdkmath "cosmossdk.io/math"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
)

var factorStep = sdkmath.LegacyNewDecWithPrec(1, 2)

// Limits are the deployment safety constants.
type Limits struct {
	MaxSlippage  sdkmath.LegacyDec
	Ceiling      sdkmath.LegacyDec
	SafetyMargin sdkmath.LegacyDec
}

// Market holds the risk parameters of the destination market.
type Market struct {
	// LLTV is the liquidation threshold in WAD.
	LLTV *big.Int
	// Price is the oracle price of one collateral unit in loan units, scaled by PriceScale.
	Price      *big.Int
	PriceScale *big.Int
}

type Request struct {
	// Margin is the collateral the account brings, in collateral base units.
	Margin   *big.Int
	Factor   sdkmath.LegacyDec
	Slippage sdkmath.LegacyDec
	Market   Market
	Limits   Limits
}

type Sizing struct {
	CollateralAmount *big.Int
	// SwapCollateralAmount is bought with borrowed funds through an exact-output swap.
	SwapCollateralAmount *big.Int
	// LoanAmount is the worst-case borrow that funds the swap.
	LoanAmount   *big.Int
	WorstCaseLTV sdkmath.LegacyDec
	MaxFactor    sdkmath.LegacyDec
}

// MaxFactor returns the largest leverage factor, on a 0.01 grid strictly below
// (1+S) / (1+S-(LLTV-margin)), capped at the configured ceiling.
func MaxFactor(lltv *big.Int, slippage sdkmath.LegacyDec, limits Limits) (sdkmath.LegacyDec, error) {
	if err := ValidateSlippage(slippage, limits); err != nil {
		return sdkmath.LegacyDec{}, err
	}
	target, err := targetLTV(lltv, limits)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	onePlusS := sdkmath.LegacyOneDec().Add(slippage)
	bound := onePlusS.Quo(onePlusS.Sub(target))

	ceiling := limits.Ceiling
	if ceiling.IsNil() || !ceiling.GT(sdkmath.LegacyOneDec()) {
		return sdkmath.LegacyDec{}, clierr.New(clierr.CodeUsage, "leverage ceiling must exceed 1")
	}
	if bound.GT(ceiling) {
		return ceiling, nil
	}
	steps := bound.Quo(factorStep).TruncateInt()
	quantized := factorStep.MulInt(steps)
	if quantized.GTE(bound) {
		quantized = quantized.Sub(factorStep)
	}
	if !quantized.GT(sdkmath.LegacyOneDec()) {
		return sdkmath.LegacyDec{}, clierr.Newf(clierr.CodeUsage, "market admits no leverage above 1x at slippage %s", slippage)
	}
	return quantized, nil
}

// Size computes the amounts for a leveraged collateral position. Every
// validation error is raised before any amount is derived.
func Size(req Request) (Sizing, error) {
	if req.Margin == nil || req.Margin.Sign() <= 0 {
		return Sizing{}, clierr.New(clierr.CodeUsage, "margin must be positive")
	}
	maxFactor, err := MaxFactor(req.Market.LLTV, req.Slippage, req.Limits)
	if err != nil {
		return Sizing{}, err
	}
	if req.Factor.IsNil() || !req.Factor.GT(sdkmath.LegacyOneDec()) || req.Factor.GT(maxFactor) {
		return Sizing{}, clierr.Newf(clierr.CodeUsage, "leverage factor must be in (1, %s]", maxFactor)
	}
	if req.Market.Price == nil || req.Market.Price.Sign() == 0 {
		return Sizing{}, clierr.New(clierr.CodeOracleUnavailable, "collateral price is unavailable")
	}
	scale := req.Market.PriceScale
	if scale == nil || scale.Sign() == 0 {
		scale = mathx.OraclePriceScale
	}

	collateral := mathx.MulDec(req.Margin, req.Factor, mathx.Down)
	swap := new(big.Int).Sub(collateral, req.Margin)
	quotedLoan := mathx.MulDivUp(swap, req.Market.Price, scale)
	loan := mathx.MulDec(quotedLoan, sdkmath.LegacyOneDec().Add(req.Slippage), mathx.Up)

	collateralValue := mathx.MulDivDown(collateral, req.Market.Price, scale)
	if collateralValue.Sign() == 0 {
		return Sizing{}, clierr.New(clierr.CodeUsage, "margin is too small to be valued by the oracle")
	}
	ltv := mathx.Ratio(loan, collateralValue, mathx.Up)
	target, _ := targetLTV(req.Market.LLTV, req.Limits)
	if !ltv.LT(target) {
		return Sizing{}, clierr.Newf(clierr.CodeSlippageBound, "worst-case LTV %s is not below %s", ltv, target)
	}
	return Sizing{
		CollateralAmount:     collateral,
		SwapCollateralAmount: swap,
		LoanAmount:           loan,
		WorstCaseLTV:         ltv,
		MaxFactor:            maxFactor,
	}, nil
}

// ValidateInputs checks the factor and slippage against the configured limits.
// The market-specific factor bound is enforced later by Size.
func ValidateInputs(factor, slippage sdkmath.LegacyDec, limits Limits) error {
	if err := ValidateSlippage(slippage, limits); err != nil {
		return err
	}
	if factor.IsNil() || !factor.GT(sdkmath.LegacyOneDec()) {
		return clierr.New(clierr.CodeUsage, "leverage factor must exceed 1")
	}
	if !limits.Ceiling.IsNil() && factor.GT(limits.Ceiling) {
		return clierr.Newf(clierr.CodeUsage, "leverage factor must not exceed %s", limits.Ceiling)
	}
	return nil
}

func ValidateSlippage(slippage sdkmath.LegacyDec, limits Limits) error {
	if slippage.IsNil() || !slippage.IsPositive() {
		return clierr.New(clierr.CodeUsage, "slippage tolerance must be positive")
	}
	if !limits.MaxSlippage.IsNil() && slippage.GTE(limits.MaxSlippage) {
		return clierr.Newf(clierr.CodeUsage, "slippage tolerance must be below %s", limits.MaxSlippage)
	}
	return nil
}

func targetLTV(lltv *big.Int, limits Limits) (sdkmath.LegacyDec, error) {
	if lltv == nil || lltv.Sign() <= 0 {
		return sdkmath.LegacyDec{}, clierr.New(clierr.CodeUsage, "liquidation threshold must be positive")
	}
	margin := limits.SafetyMargin
	if margin.IsNil() {
		margin = sdkmath.LegacyZeroDec()
	}
	target := mathx.WadDec(lltv).Sub(margin)
	if !target.IsPositive() {
		return sdkmath.LegacyDec{}, clierr.Newf(clierr.CodeUsage, "liquidation threshold %s is below the safety margin %s", mathx.WadDec(lltv), margin)
	}
	return target, nil
}

// FactorFloat is the leverage factor as a float for display only.
func FactorFloat(d sdkmath.LegacyDec) float64 {
	f, err := d.Float64()
	if err != nil {
		return 0
	}
	return f
}
