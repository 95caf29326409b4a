// Package migration plans the atomic wind-down of a fraction of an Aave V3
// position through a Morpho flash loan.
//
// The bundle borrows the flash asset, buys every debt asset with exact-output
// swaps and repays it, pulls and redeems every supplied aToken, sells each
// redeemed asset back into the flash asset and repays the flash loan. An
// optional last swap converts what is left into the output asset, which stays
// in GeneralAdapter1 for the next step of the caller's bundle.
package migration

import (
	"context"
	"math/big"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-bundler/internal/bundle"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/logging"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
	"github.com/ggonzalez94/defi-bundler/internal/providers"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
	"github.com/ggonzalez94/defi-bundler/internal/slippage"
	"github.com/ggonzalez94/defi-bundler/internal/transfer"
	"golang.org/x/sync/errgroup"
)

type Env struct {
	Transfer transfer.Env
	// BorrowAccrualMargin inflates debts of a full wind-down so accrual until
	// execution is still repaid.
	BorrowAccrualMargin sdkmath.LegacyDec
	MaxSlippage         sdkmath.LegacyDec
	// Concurrency bounds in-flight aggregator requests.
	Concurrency int
}

type Request struct {
	Account common.Address
	// PortfolioPercentage is the share of every position to migrate, in (0, 1].
	PortfolioPercentage sdkmath.LegacyDec
	MaxSlippage         sdkmath.LegacyDec
	FlashAsset          common.Address
	// OutputAsset defaults to FlashAsset.
	OutputAsset        common.Address
	SupportsSignatures bool
	Env                Env
}

type LegKind string

const (
	LegSupply LegKind = "supply"
	LegBorrow LegKind = "borrow"
)

// Leg is one source position unwound by the bundle.
type Leg struct {
	Kind          LegKind
	Asset         common.Address
	PositionToken common.Address
	// Amount is the underlying withdrawn or repaid. Full wind-downs margin debts.
	Amount *big.Int
	// Entire legs resolve the position balance at execution time.
	Entire bool
	// Quote is nil for legs already in the flash asset.
	Quote *providers.SwapQuote
	// Limit is the worst-case flash-asset amount: minimum received for a
	// supply leg, maximum sold for a borrow leg.
	Limit   *big.Int
	payload providers.SwapPayload
}

// Direct reports a leg that needs no swap.
func (l Leg) Direct() bool { return l.Quote == nil }

// Value is the quoted flash-asset value of the leg.
func (l Leg) Value() *big.Int {
	if l.Quote == nil {
		return mathx.Clone(l.Amount)
	}
	if l.Kind == LegSupply {
		return mathx.Clone(l.Quote.DestAmount)
	}
	return mathx.Clone(l.Quote.SrcAmount)
}

type Result struct {
	Subbundle bundle.Subbundle
	// FlashLoanAmount is the worst-case flash asset needed to repay every debt.
	FlashLoanAmount    *big.Int
	MinOutputAssets    *big.Int
	QuotedOutputAssets *big.Int
	PerHopTolerance    sdkmath.LegacyDec
	Legs               []Leg
	FinalQuote         *providers.SwapQuote
}

// PlanWindDown plans the migration against state. On success state carries the
// projected effect of every emitted call; on failure it is left untouched.
func PlanWindDown(ctx context.Context, state *simulation.State, aggregator providers.SwapAggregator, req Request) (Result, error) {
	log := logging.ForComponent(ctx, "migration")
	if err := validate(req); err != nil {
		return Result{}, err
	}
	output := req.OutputAsset
	if output == (common.Address{}) {
		output = req.FlashAsset
	}
	full := req.PortfolioPercentage.Equal(sdkmath.LegacyOneDec())

	legs, err := enumerate(state, req, full)
	if err != nil {
		return Result{}, err
	}
	if err := quoteLegs(ctx, state, aggregator, req, legs); err != nil {
		return Result{}, err
	}

	flow := slippage.Flow{DirectIn: new(big.Int), DirectOut: new(big.Int), SwappedIn: new(big.Int), SwappedOut: new(big.Int)}
	swaps := 0
	for _, leg := range legs {
		target := flow.DirectIn
		switch {
		case leg.Kind == LegSupply && !leg.Direct():
			target = flow.SwappedIn
		case leg.Kind == LegBorrow && leg.Direct():
			target = flow.DirectOut
		case leg.Kind == LegBorrow:
			target = flow.SwappedOut
		}
		target.Add(target, leg.Value())
		if !leg.Direct() {
			swaps++
		}
	}
	net := flow.Net()
	if net.Sign() <= 0 {
		return Result{}, clierr.Newf(clierr.CodeInsufficientBalance, "quoted redeemed value does not cover repaid debt (net %s)", net)
	}

	var finalQuote *providers.SwapQuote
	quotedOutput := mathx.Clone(net)
	if output != req.FlashAsset {
		flow.FinalSwap = true
		q, err := quote(ctx, state, aggregator, req, req.FlashAsset, output, providers.SwapSideExactInput, net)
		if err != nil {
			return Result{}, err
		}
		finalQuote = &q
		quotedOutput = mathx.Clone(q.DestAmount)
	}

	budget, err := roundingBudget(req.MaxSlippage, net, quotedOutput, swaps, flow.FinalSwap)
	if err != nil {
		return Result{}, err
	}
	perHop, err := slippage.PerHopTolerance(budget, flow)
	if err != nil {
		return Result{}, err
	}

	// Worst-case limits and feasibility come before any calldata is requested.
	flashLoan := new(big.Int)
	worstNet := new(big.Int)
	for i := range legs {
		leg := &legs[i]
		switch {
		case leg.Kind == LegSupply && leg.Direct():
			leg.Limit = mathx.Clone(leg.Amount)
			worstNet.Add(worstNet, leg.Limit)
		case leg.Kind == LegSupply:
			leg.Limit = mathx.MulDec(leg.Quote.DestAmount, sdkmath.LegacyOneDec().Sub(perHop), mathx.Down)
			worstNet.Add(worstNet, leg.Limit)
		case leg.Direct():
			leg.Limit = mathx.Clone(leg.Amount)
			flashLoan.Add(flashLoan, leg.Limit)
		default:
			leg.Limit = mathx.MulDec(leg.Quote.SrcAmount, sdkmath.LegacyOneDec().Add(perHop), mathx.Up)
			flashLoan.Add(flashLoan, leg.Limit)
		}
	}
	worstNet.Sub(worstNet, flashLoan)
	if available := state.FlashLoanAvailable(req.FlashAsset); flashLoan.Cmp(available) > 0 {
		return Result{}, clierr.Newf(clierr.CodeInsufficientLiquidity, "flash loan of %s %s exceeds available liquidity %s", flashLoan, req.FlashAsset.Hex(), available)
	}
	if worstNet.Sign() <= 0 {
		return Result{}, clierr.Newf(clierr.CodeInsufficientBalance, "worst-case redeemed value does not cover worst-case repayment (net %s)", worstNet)
	}

	minOutput := mathx.Clone(worstNet)
	var finalLimit *big.Int
	if finalQuote != nil {
		finalLimit = mathx.MulDec(finalQuote.DestAmount, sdkmath.LegacyOneDec().Sub(perHop), mathx.Down)
		// The final sell spends the live balance and the adapter scales the limit with it.
		minOutput = mathx.MulDivDown(finalLimit, worstNet, net)
	}
	achieved, err := slippage.AchievedTolerance(quotedOutput, minOutput)
	if err != nil {
		return Result{}, err
	}
	if achieved.GT(req.MaxSlippage) {
		return Result{}, clierr.Newf(clierr.CodeSlippageBound, "achieved slippage %s exceeds requested %s", achieved, req.MaxSlippage)
	}

	finalPayload, err := buildPayloads(ctx, aggregator, req, legs, finalQuote, finalLimit)
	if err != nil {
		return Result{}, err
	}

	sim := state.Clone()
	sub, err := emit(ctx, sim, req, legs, flashLoan, full)
	if err != nil {
		return Result{}, err
	}
	if finalQuote != nil {
		last, err := emitFinalSwap(sim, req, *finalQuote, finalPayload, output)
		if err != nil {
			return Result{}, err
		}
		sub = bundle.Compose(sub, last)
	}
	*state = *sim

	log.Debug().
		Int("legs", len(legs)).
		Str("flash_loan", flashLoan.String()).
		Str("per_hop_tolerance", perHop.String()).
		Str("min_output", minOutput.String()).
		Msg("planned wind-down")

	return Result{
		Subbundle:          sub,
		FlashLoanAmount:    flashLoan,
		MinOutputAssets:    minOutput,
		QuotedOutputAssets: quotedOutput,
		PerHopTolerance:    perHop,
		Legs:               legs,
		FinalQuote:         finalQuote,
	}, nil
}

// ValidateBounds checks the percentage and slippage inputs, which need no chain state.
// A nil ceiling leaves the slippage unbounded above.
func ValidateBounds(pct, maxSlippage, ceiling sdkmath.LegacyDec) error {
	if pct.IsNil() || !pct.IsPositive() || pct.GT(sdkmath.LegacyOneDec()) {
		return clierr.New(clierr.CodeUsage, "portfolio percentage must be in (0, 1]")
	}
	if maxSlippage.IsNil() || !maxSlippage.IsPositive() {
		return clierr.New(clierr.CodeUsage, "max slippage must be positive")
	}
	if !ceiling.IsNil() && maxSlippage.GTE(ceiling) {
		return clierr.Newf(clierr.CodeUsage, "max slippage must be below %s", ceiling)
	}
	return nil
}

func validate(req Request) error {
	if err := ValidateBounds(req.PortfolioPercentage, req.MaxSlippage, req.Env.MaxSlippage); err != nil {
		return err
	}
	if req.FlashAsset == (common.Address{}) {
		return clierr.New(clierr.CodeUsage, "flash asset is required")
	}
	if req.Account == (common.Address{}) {
		return clierr.New(clierr.CodeUsage, "account is required")
	}
	return nil
}

func enumerate(state *simulation.State, req Request, full bool) ([]Leg, error) {
	var borrows, supplies []Leg
	for _, r := range state.Reserves() {
		if debt := state.Balance(req.Account, r.VariableDebtToken); debt.Sign() > 0 {
			amount := mathx.MulDec(debt, req.PortfolioPercentage, mathx.Up)
			if full {
				amount = mathx.MulDec(debt, sdkmath.LegacyOneDec().Add(marginOrZero(req.Env.BorrowAccrualMargin)), mathx.Up)
			}
			borrows = append(borrows, Leg{Kind: LegBorrow, Asset: r.Asset, PositionToken: r.VariableDebtToken, Amount: amount, Entire: full})
		}
		if supplied := state.Balance(req.Account, r.AToken); supplied.Sign() > 0 {
			amount := mathx.MulDec(supplied, req.PortfolioPercentage, mathx.Down)
			if full {
				amount = mathx.Clone(supplied)
			}
			if amount.Sign() == 0 {
				continue
			}
			supplies = append(supplies, Leg{Kind: LegSupply, Asset: r.Asset, PositionToken: r.AToken, Amount: amount, Entire: full})
		}
	}
	if len(borrows)+len(supplies) == 0 {
		return nil, clierr.Newf(clierr.CodeNoPositions, "%s has no aave v3 positions to migrate", req.Account.Hex())
	}
	return append(borrows, supplies...), nil
}

func marginOrZero(d sdkmath.LegacyDec) sdkmath.LegacyDec {
	if d.IsNil() {
		return sdkmath.LegacyZeroDec()
	}
	return d
}

// roundingBudget shrinks the total tolerance by the integer rounding each
// limit may lose, so the achieved tolerance re-check holds exactly.
func roundingBudget(total sdkmath.LegacyDec, net, quotedOutput *big.Int, swaps int, final bool) (sdkmath.LegacyDec, error) {
	loss := mathx.MulDivUp(big.NewInt(int64(swaps)), mathx.WAD, net)
	if final {
		loss.Add(loss, mathx.MulDivUp(big.NewInt(2), mathx.WAD, quotedOutput))
	}
	budget := total.Sub(mathx.WadDec(loss))
	if !budget.IsPositive() {
		return sdkmath.LegacyDec{}, clierr.Newf(clierr.CodeSlippageBound, "position is too small to honour slippage %s", total)
	}
	return budget, nil
}

func quote(ctx context.Context, state *simulation.State, aggregator providers.SwapAggregator, req Request, src, dest common.Address, side providers.SwapSide, amount *big.Int) (providers.SwapQuote, error) {
	return providers.Quote(ctx, aggregator, state.Decimals, providers.SwapQuoteRequest{
		ChainID:   state.ChainID,
		SrcToken:  src,
		DestToken: dest,
		Side:      side,
		Amount:    amount,
		Taker:     req.Env.Transfer.Encoder.Contracts.ParaswapAdapter,
	})
}

func quoteLegs(ctx context.Context, state *simulation.State, aggregator providers.SwapAggregator, req Request, legs []Leg) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(req.Env))
	for i := range legs {
		leg := &legs[i]
		if leg.Asset == req.FlashAsset {
			continue
		}
		g.Go(func() error {
			src, dest, side := leg.Asset, req.FlashAsset, providers.SwapSideExactInput
			if leg.Kind == LegBorrow {
				src, dest, side = req.FlashAsset, leg.Asset, providers.SwapSideExactOutput
			}
			q, err := quote(gctx, state, aggregator, req, src, dest, side, leg.Amount)
			if err != nil {
				return err
			}
			leg.Quote = &q
			return nil
		})
	}
	return g.Wait()
}

// buildPayloads requests calldata for every swap leg with its worst-case
// limit and returns the final swap payload when there is one.
func buildPayloads(ctx context.Context, aggregator providers.SwapAggregator, req Request, legs []Leg, final *providers.SwapQuote, finalLimit *big.Int) (providers.SwapPayload, error) {
	contracts := req.Env.Transfer.Encoder.Contracts
	var finalPayload providers.SwapPayload
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(req.Env))
	for i := range legs {
		leg := &legs[i]
		if leg.Direct() {
			continue
		}
		g.Go(func() error {
			receiver := contracts.GeneralAdapter1
			if leg.Kind == LegBorrow {
				receiver = contracts.AaveV3MigrationAdapter
			}
			p, err := providers.BuildPayload(gctx, aggregator, *leg.Quote, leg.Limit, contracts.ParaswapAdapter, receiver)
			if err != nil {
				return err
			}
			leg.payload = p
			return nil
		})
	}
	if final != nil {
		g.Go(func() error {
			p, err := providers.BuildPayload(gctx, aggregator, *final, finalLimit, contracts.ParaswapAdapter, contracts.GeneralAdapter1)
			if err != nil {
				return err
			}
			finalPayload = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return providers.SwapPayload{}, err
	}
	return finalPayload, nil
}

func concurrency(env Env) int {
	if env.Concurrency <= 0 {
		return 4
	}
	return env.Concurrency
}
