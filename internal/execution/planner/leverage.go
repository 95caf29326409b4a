package planner

import (
	"context"
	"math/big"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-bundler/internal/bundle"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/execution"
	"github.com/ggonzalez94/defi-bundler/internal/leverage"
	"github.com/ggonzalez94/defi-bundler/internal/logging"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
	"github.com/ggonzalez94/defi-bundler/internal/providers"
)

type LeverageRequest struct {
	MarketID string
	Account  string
	// MarginBaseUnits is the collateral the account brings.
	MarginBaseUnits string
	Factor          sdkmath.LegacyDec
	MaxSlippage     sdkmath.LegacyDec
}

type LeverageMaxRequest struct {
	MarketID    string
	MaxSlippage sdkmath.LegacyDec
}

type LeverageMax struct {
	MarketID    string            `json:"market_id"`
	LLTV        string            `json:"lltv"`
	MaxSlippage string            `json:"max_slippage"`
	MaxFactor   sdkmath.LegacyDec `json:"max_factor"`
}

func (e Env) leverageLimits() leverage.Limits {
	return leverage.Limits{
		MaxSlippage:  e.Planning.MaxSlippageTolerance,
		Ceiling:      e.Planning.LeverageCeiling,
		SafetyMargin: e.Planning.LTVSafetyMargin,
	}
}

// BuildLeverageMax reports the largest factor the market accepts at the given slippage.
func BuildLeverageMax(ctx context.Context, env Env, req LeverageMaxRequest) (LeverageMax, error) {
	if err := env.validate(); err != nil {
		return LeverageMax{}, err
	}
	if err := leverage.ValidateSlippage(req.MaxSlippage, env.leverageLimits()); err != nil {
		return LeverageMax{}, err
	}
	marketID, err := normalizeMorphoMarketID(req.MarketID)
	if err != nil {
		return LeverageMax{}, err
	}
	var lltv *big.Int
	if env.Markets != nil {
		resolved, err := env.Markets.ResolveMarket(ctx, env.Chain.EVMChainID, marketID)
		if err != nil {
			return LeverageMax{}, err
		}
		lltv = resolved.Params.LLTV
	} else {
		m, err := env.Reader.Market(ctx, marketID)
		if err != nil {
			return LeverageMax{}, clierr.Wrap(clierr.CodeUnavailable, "read market "+marketID.Hex(), err)
		}
		lltv = m.Params.LLTV
	}
	factor, err := leverage.MaxFactor(lltv, req.MaxSlippage, env.leverageLimits())
	if err != nil {
		return LeverageMax{}, err
	}
	return LeverageMax{
		MarketID:    strings.ToLower(marketID.Hex()),
		LLTV:        lltv.String(),
		MaxSlippage: req.MaxSlippage.String(),
		MaxFactor:   factor,
	}, nil
}

// BuildLeverageAction opens a leveraged collateral position in one bundle:
// collateral is supplied with a callback that borrows the loan asset and buys
// the extra collateral before Morpho pulls it from GeneralAdapter1.
func BuildLeverageAction(ctx context.Context, env Env, req LeverageRequest) (execution.Action, error) {
	log := logging.ForComponent(ctx, "planner")
	if err := env.validate(); err != nil {
		return execution.Action{}, err
	}
	if err := env.requireAggregator(); err != nil {
		return execution.Action{}, err
	}
	account, err := parseAccount(req.Account, "--from-address")
	if err != nil {
		return execution.Action{}, err
	}
	margin, err := parseAmount(req.MarginBaseUnits)
	if err != nil {
		return execution.Action{}, err
	}
	if mathx.IsMax(margin) {
		return execution.Action{}, clierr.New(clierr.CodeUsage, "leverage requires an explicit margin amount")
	}
	if err := leverage.ValidateInputs(req.Factor, req.MaxSlippage, env.leverageLimits()); err != nil {
		return execution.Action{}, err
	}
	marketID, err := normalizeMorphoMarketID(req.MarketID)
	if err != nil {
		return execution.Action{}, err
	}
	state, err := env.fetch(ctx, scope{account: account, markets: []common.Hash{marketID}, authorize: true})
	if err != nil {
		return execution.Action{}, err
	}
	market, err := env.resolveMarket(ctx, state, marketID)
	if err != nil {
		return execution.Action{}, err
	}
	onchain, err := state.Market(marketID)
	if err != nil {
		return execution.Action{}, err
	}
	params := market.Params

	sizing, err := leverage.Size(leverage.Request{
		Margin:   margin,
		Factor:   req.Factor,
		Slippage: req.MaxSlippage,
		Market:   leverage.Market{LLTV: params.LLTV, Price: onchain.Price, PriceScale: state.PriceScale},
		Limits:   env.leverageLimits(),
	})
	if err != nil {
		return execution.Action{}, err
	}
	if liquidity, err := state.Liquidity(marketID); err != nil {
		return execution.Action{}, err
	} else if sizing.LoanAmount.Cmp(liquidity) > 0 {
		return execution.Action{}, clierr.Newf(clierr.CodeInsufficientLiquidity, "market %s cannot lend %s", marketID.Hex(), sizing.LoanAmount)
	}

	q, err := env.quote(ctx, state, params.LoanToken, params.CollateralToken, providers.SwapSideExactOutput, sizing.SwapCollateralAmount)
	if err != nil {
		return execution.Action{}, err
	}
	if q.SrcAmount.Cmp(sizing.LoanAmount) > 0 {
		return execution.Action{}, clierr.Newf(clierr.CodeSlippageBound, "quoted cost %s exceeds the worst-case loan %s", q.SrcAmount, sizing.LoanAmount)
	}
	p, err := env.payload(ctx, q, sizing.LoanAmount, env.Contracts.GeneralAdapter1)
	if err != nil {
		return execution.Action{}, err
	}

	auth, err := env.requireAuthorization(state, account)
	if err != nil {
		return execution.Action{}, err
	}
	in, _, err := env.pull(ctx, state, account, params.CollateralToken, margin)
	if err != nil {
		return execution.Action{}, err
	}

	c := env.Contracts
	enc := env.encoder()
	// Morpho credits the collateral before the callback runs and pulls it after.
	state.Credit(c.GeneralAdapter1, params.CollateralToken, sizing.SwapCollateralAmount)
	if err := state.SupplyCollateral(marketID, c.GeneralAdapter1, account, sizing.CollateralAmount); err != nil {
		return execution.Action{}, err
	}
	shares, err := state.Borrow(marketID, account, c.ParaswapAdapter, sizing.LoanAmount)
	if err != nil {
		return execution.Action{}, err
	}
	if err := state.Debit(c.ParaswapAdapter, params.LoanToken, q.SrcAmount); err != nil {
		return execution.Action{}, err
	}
	if err := state.Move(params.LoanToken, c.ParaswapAdapter, account, state.Balance(c.ParaswapAdapter, params.LoanToken)); err != nil {
		return execution.Action{}, err
	}

	minPrice := bundle.MinSharePriceE27(sizing.LoanAmount, shares, env.sharePriceTolerance())
	borrow, err := enc.MorphoBorrow(params, sizing.LoanAmount, new(big.Int), minPrice, c.ParaswapAdapter)
	if err != nil {
		return execution.Action{}, err
	}
	buy, err := enc.ParaswapBuy(p.Router, p.CallData, params.LoanToken, params.CollateralToken, sizing.SwapCollateralAmount, p.Offsets, c.GeneralAdapter1)
	if err != nil {
		return execution.Action{}, err
	}
	sweep, err := bundle.Skip(enc.ParaswapTransfer(params.LoanToken, account, mathx.Clone(mathx.MaxUint256)))
	if err != nil {
		return execution.Action{}, err
	}
	supply := bundle.Nest(bundle.Static(borrow, buy, sweep), func(data []byte) (bundle.Call, error) {
		return enc.MorphoSupplyCollateral(params, sizing.CollateralAmount, account, data)
	})

	log.Debug().
		Str("market", marketID.Hex()).
		Str("collateral", sizing.CollateralAmount.String()).
		Str("loan", sizing.LoanAmount.String()).
		Str("worst_ltv", sizing.WorstCaseLTV.String()).
		Msg("planned leverage")

	return env.finish(bundle.Compose(auth, in.Subbundle, supply), bundle.ActionRequest{
		Intent:      "leverage",
		From:        account,
		To:          account,
		InputAmount: margin.String(),
		Constraints: execution.Constraints{MaxSlippage: req.MaxSlippage.String()},
		Metadata: map[string]any{
			"protocol":          "morpho",
			"market_id":         strings.ToLower(marketID.Hex()),
			"loan_token":        params.LoanToken.Hex(),
			"collateral_token":  params.CollateralToken.Hex(),
			"factor":            req.Factor.String(),
			"max_factor":        sizing.MaxFactor.String(),
			"collateral_amount": sizing.CollateralAmount.String(),
			"swap_amount":       sizing.SwapCollateralAmount.String(),
			"loan_amount":       sizing.LoanAmount.String(),
			"quoted_loan":       q.SrcAmount.String(),
			"worst_case_ltv":    sizing.WorstCaseLTV.String(),
			"swap_router":       p.Router.Hex(),
		},
	})
}
