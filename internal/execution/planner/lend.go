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
	"github.com/ggonzalez94/defi-bundler/internal/logging"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
	"github.com/ggonzalez94/defi-bundler/internal/transfer"
)

type LendVerb string

const (
	LendVerbSupplyCollateral   LendVerb = "supply-collateral"
	LendVerbSupply             LendVerb = "supply"
	LendVerbBorrow             LendVerb = "borrow"
	LendVerbRepay              LendVerb = "repay"
	LendVerbWithdrawCollateral LendVerb = "withdraw-collateral"
)

func ParseLendVerb(raw string) (LendVerb, error) {
	switch verb := LendVerb(strings.ToLower(strings.TrimSpace(raw))); verb {
	case LendVerbSupplyCollateral, LendVerbSupply, LendVerbBorrow, LendVerbRepay, LendVerbWithdrawCollateral:
		return verb, nil
	default:
		return "", clierr.Newf(clierr.CodeUsage, "unsupported lend verb %q", raw)
	}
}

type LendRequest struct {
	Verb     LendVerb
	MarketID string
	Account  string
	// AmountBaseUnits may be "max" for the entire balance or position.
	AmountBaseUnits string
}

// lendPlan is the resolved request shared by every verb.
type lendPlan struct {
	verb    LendVerb
	account common.Address
	amount  *big.Int
	market  ResolvedMarket
	state   *simulation.State
}

// BuildLendAction plans a single Morpho lending operation through Bundler3.
func BuildLendAction(ctx context.Context, env Env, req LendRequest) (execution.Action, error) {
	if err := env.validate(); err != nil {
		return execution.Action{}, err
	}
	account, err := parseAccount(req.Account, "--from-address")
	if err != nil {
		return execution.Action{}, err
	}
	amount, err := parseAmount(req.AmountBaseUnits)
	if err != nil {
		return execution.Action{}, err
	}
	marketID, err := normalizeMorphoMarketID(req.MarketID)
	if err != nil {
		return execution.Action{}, err
	}
	needsAuth := req.Verb == LendVerbBorrow || req.Verb == LendVerbWithdrawCollateral
	state, err := env.fetch(ctx, scope{account: account, markets: []common.Hash{marketID}, authorize: needsAuth})
	if err != nil {
		return execution.Action{}, err
	}
	market, err := env.resolveMarket(ctx, state, marketID)
	if err != nil {
		return execution.Action{}, err
	}
	p := lendPlan{verb: req.Verb, account: account, amount: amount, market: market, state: state}

	var sub bundle.Subbundle
	switch req.Verb {
	case LendVerbSupplyCollateral:
		sub, err = env.planSupplyCollateral(ctx, p)
	case LendVerbSupply:
		sub, err = env.planSupply(ctx, p)
	case LendVerbBorrow:
		sub, err = env.planBorrow(p)
	case LendVerbRepay:
		sub, err = env.planRepay(ctx, p)
	case LendVerbWithdrawCollateral:
		sub, err = env.planWithdrawCollateral(p)
	default:
		return execution.Action{}, clierr.Newf(clierr.CodeUsage, "unsupported lend verb %q", req.Verb)
	}
	if err != nil {
		return execution.Action{}, err
	}

	plog := logging.ForComponent(ctx, "planner")
	plog.Debug().
		Str("verb", string(req.Verb)).
		Str("market", marketID.Hex()).
		Str("amount", amount.String()).
		Msg("planned lend action")

	params := market.Params
	return env.finish(sub, bundle.ActionRequest{
		Intent:      "lend_" + strings.ReplaceAll(string(req.Verb), "-", "_"),
		From:        account,
		To:          account,
		InputAmount: strings.TrimSpace(req.AmountBaseUnits),
		Metadata: map[string]any{
			"protocol":                 "morpho",
			"market_id":                strings.ToLower(marketID.Hex()),
			"loan_token":               params.LoanToken.Hex(),
			"collateral_token":         params.CollateralToken.Hex(),
			"oracle":                   params.Oracle.Hex(),
			"irm":                      params.IRM.Hex(),
			"lltv":                     params.LLTV.String(),
			"lending_action":           string(req.Verb),
			"market_loan_symbol":       market.LoanSymbol,
			"market_collateral_symbol": market.CollateralSymbol,
		},
	})
}

// pull plans the transfer of asset into GeneralAdapter1 and returns the amount
// the following call should use: MaxUint256 when the whole balance moves so
// the adapter reads its live balance.
func (e Env) pull(ctx context.Context, state *simulation.State, account, asset common.Address, amount *big.Int) (transfer.Result, *big.Int, error) {
	res, err := transfer.Plan(ctx, state, transfer.Request{
		Account:   account,
		Asset:     asset,
		Amount:    amount,
		Recipient: e.Contracts.GeneralAdapter1,
		Config:    e.transferConfig(asset),
		Env:       e.transferEnv(),
	})
	if err != nil {
		return transfer.Result{}, nil, err
	}
	callAmount := res.Amount
	if mathx.IsMax(amount) {
		callAmount = mathx.Clone(mathx.MaxUint256)
	}
	return res, callAmount, nil
}

func (e Env) planSupplyCollateral(ctx context.Context, p lendPlan) (bundle.Subbundle, error) {
	params := p.market.Params
	in, callAmount, err := e.pull(ctx, p.state, p.account, params.CollateralToken, p.amount)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	call, err := e.encoder().MorphoSupplyCollateral(params, callAmount, p.account, nil)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	if err := p.state.SupplyCollateral(p.market.ID, e.Contracts.GeneralAdapter1, p.account, in.Amount); err != nil {
		return bundle.Subbundle{}, err
	}
	return bundle.Compose(in.Subbundle, bundle.Static(call)), nil
}

func (e Env) planSupply(ctx context.Context, p lendPlan) (bundle.Subbundle, error) {
	params := p.market.Params
	in, callAmount, err := e.pull(ctx, p.state, p.account, params.LoanToken, p.amount)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	shares, err := p.state.Supply(p.market.ID, e.Contracts.GeneralAdapter1, p.account, in.Amount)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	maxPrice := bundle.MaxSharePriceE27(in.Amount, shares, e.sharePriceTolerance())
	call, err := e.encoder().MorphoSupply(params, callAmount, new(big.Int), maxPrice, p.account, nil)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	return bundle.Compose(in.Subbundle, bundle.Static(call)), nil
}

func (e Env) planBorrow(p lendPlan) (bundle.Subbundle, error) {
	if mathx.IsMax(p.amount) {
		return bundle.Subbundle{}, clierr.New(clierr.CodeUsage, "borrow requires an explicit amount")
	}
	auth, err := e.requireAuthorization(p.state, p.account)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	shares, err := p.state.Borrow(p.market.ID, p.account, p.account, p.amount)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	minPrice := bundle.MinSharePriceE27(p.amount, shares, e.sharePriceTolerance())
	call, err := e.encoder().MorphoBorrow(p.market.Params, p.amount, new(big.Int), minPrice, p.account)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	return bundle.Compose(auth, bundle.Static(call)), nil
}

// planRepay repays by assets, or by shares when the amount covers the whole
// debt. A full repay pulls the debt inflated by the accrual margin and sweeps
// whatever Morpho did not take back to the account.
func (e Env) planRepay(ctx context.Context, p lendPlan) (bundle.Subbundle, error) {
	params := p.market.Params
	id := p.market.ID
	ga1 := e.Contracts.GeneralAdapter1
	debt, err := p.state.BorrowAssets(id, p.account)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	if debt.Sign() == 0 {
		return bundle.Subbundle{}, clierr.Newf(clierr.CodeNoPositions, "%s has no debt in market %s", p.account.Hex(), id.Hex())
	}
	enc := e.encoder()

	if !mathx.IsMax(p.amount) && p.amount.Cmp(debt) < 0 {
		in, _, err := e.pull(ctx, p.state, p.account, params.LoanToken, p.amount)
		if err != nil {
			return bundle.Subbundle{}, err
		}
		assets, shares, err := p.state.Repay(id, ga1, p.account, in.Amount, new(big.Int))
		if err != nil {
			return bundle.Subbundle{}, err
		}
		maxPrice := bundle.MaxSharePriceE27(assets, shares, e.sharePriceTolerance())
		call, err := enc.MorphoRepay(params, in.Amount, new(big.Int), maxPrice, p.account, nil)
		if err != nil {
			return bundle.Subbundle{}, err
		}
		return bundle.Compose(in.Subbundle, bundle.Static(call)), nil
	}

	shares := p.state.Position(id, p.account).BorrowShares
	margined := mathx.MulDec(debt, sdkmath.LegacyOneDec().Add(e.Planning.BorrowAccrualMargin), mathx.Up)
	// A wallet holding the debt but not the margin still repays what it has.
	if held := p.state.Balance(p.account, params.LoanToken); held.Cmp(margined) < 0 && held.Cmp(debt) >= 0 {
		margined = held
	}
	in, _, err := e.pull(ctx, p.state, p.account, params.LoanToken, margined)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	assets, _, err := p.state.Repay(id, ga1, p.account, new(big.Int), shares)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	maxPrice := bundle.MaxSharePriceE27(assets, shares, e.sharePriceTolerance())
	repay, err := enc.MorphoRepay(params, new(big.Int), shares, maxPrice, p.account, nil)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	sweep, err := bundle.Skip(enc.Erc20Transfer(params.LoanToken, p.account, mathx.Clone(mathx.MaxUint256)))
	if err != nil {
		return bundle.Subbundle{}, err
	}
	if err := p.state.Move(params.LoanToken, ga1, p.account, p.state.Balance(ga1, params.LoanToken)); err != nil {
		return bundle.Subbundle{}, err
	}
	return bundle.Compose(in.Subbundle, bundle.Static(repay, sweep)), nil
}

func (e Env) planWithdrawCollateral(p lendPlan) (bundle.Subbundle, error) {
	amount := p.amount
	if mathx.IsMax(amount) {
		amount = p.state.Position(p.market.ID, p.account).Collateral
		if amount.Sign() == 0 {
			return bundle.Subbundle{}, clierr.Newf(clierr.CodeNoPositions, "%s has no collateral in market %s", p.account.Hex(), p.market.ID.Hex())
		}
	}
	auth, err := e.requireAuthorization(p.state, p.account)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	if err := p.state.WithdrawCollateral(p.market.ID, p.account, p.account, amount); err != nil {
		return bundle.Subbundle{}, err
	}
	call, err := e.encoder().MorphoWithdrawCollateral(p.market.Params, amount, p.account)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	return bundle.Compose(auth, bundle.Static(call)), nil
}
