package migration

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-bundler/internal/bundle"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
	"github.com/ggonzalez94/defi-bundler/internal/providers"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
	"github.com/ggonzalez94/defi-bundler/internal/transfer"
)

// emit lays out the calls in execution order and applies each one to sim.
// Swaps are projected at their quoted rate.
func emit(ctx context.Context, sim *simulation.State, req Request, legs []Leg, flashLoan *big.Int, full bool) (bundle.Subbundle, error) {
	enc := req.Env.Transfer.Encoder
	c := enc.Contracts
	flash := req.FlashAsset
	maxUint := mathx.Clone(mathx.MaxUint256)

	if flashLoan.Sign() > 0 {
		if err := sim.Move(flash, sim.Morpho, c.GeneralAdapter1, flashLoan); err != nil {
			return bundle.Subbundle{}, simulationError("flash loan", err)
		}
	}

	var inner []bundle.Subbundle
	static := func(call bundle.Call, err error) error {
		if err != nil {
			return err
		}
		inner = append(inner, bundle.Static(call))
		return nil
	}

	buyBudget := new(big.Int)
	for _, leg := range legs {
		if leg.Kind == LegBorrow && !leg.Direct() {
			buyBudget.Add(buyBudget, leg.Limit)
		}
	}
	if buyBudget.Sign() > 0 {
		if err := static(enc.Erc20Transfer(flash, c.ParaswapAdapter, buyBudget)); err != nil {
			return bundle.Subbundle{}, err
		}
		if err := sim.Move(flash, c.GeneralAdapter1, c.ParaswapAdapter, buyBudget); err != nil {
			return bundle.Subbundle{}, simulationError("fund buys", err)
		}
	}

	for _, leg := range legs {
		if leg.Kind != LegBorrow {
			continue
		}
		if leg.Direct() {
			if err := static(enc.Erc20Transfer(flash, c.AaveV3MigrationAdapter, leg.Amount)); err != nil {
				return bundle.Subbundle{}, err
			}
			if err := sim.Move(flash, c.GeneralAdapter1, c.AaveV3MigrationAdapter, leg.Amount); err != nil {
				return bundle.Subbundle{}, simulationError("fund repay", err)
			}
		} else {
			if err := static(enc.ParaswapBuy(leg.payload.Router, leg.payload.CallData, flash, leg.Asset, leg.Amount, leg.payload.Offsets, c.AaveV3MigrationAdapter)); err != nil {
				return bundle.Subbundle{}, err
			}
			if err := sim.Debit(c.ParaswapAdapter, flash, leg.Quote.SrcAmount); err != nil {
				return bundle.Subbundle{}, simulationError("buy "+leg.Asset.Hex(), err)
			}
			sim.Credit(c.AaveV3MigrationAdapter, leg.Asset, leg.Amount)
		}

		repayAmount := leg.Amount
		if leg.Entire {
			repayAmount = maxUint
		}
		if err := static(enc.AaveV3Repay(leg.Asset, repayAmount, req.Account)); err != nil {
			return bundle.Subbundle{}, err
		}
		repaid := mathx.Min(sim.Balance(c.AaveV3MigrationAdapter, leg.Asset), sim.Balance(req.Account, leg.PositionToken))
		if err := sim.Debit(c.AaveV3MigrationAdapter, leg.Asset, repaid); err != nil {
			return bundle.Subbundle{}, simulationError("repay "+leg.Asset.Hex(), err)
		}
		if err := sim.Debit(req.Account, leg.PositionToken, repaid); err != nil {
			return bundle.Subbundle{}, simulationError("repay "+leg.Asset.Hex(), err)
		}

		if full {
			// The accrual margin leaves dust: flash asset rejoins the flow, anything else goes home.
			receiver := req.Account
			if leg.Asset == flash {
				receiver = c.GeneralAdapter1
			}
			if err := static(bundle.Skip(enc.MigrationTransfer(leg.Asset, receiver, maxUint))); err != nil {
				return bundle.Subbundle{}, err
			}
			dust := sim.Balance(c.AaveV3MigrationAdapter, leg.Asset)
			if err := sim.Move(leg.Asset, c.AaveV3MigrationAdapter, receiver, dust); err != nil {
				return bundle.Subbundle{}, simulationError("sweep "+leg.Asset.Hex(), err)
			}
		}
	}

	if buyBudget.Sign() > 0 {
		if err := static(bundle.Skip(enc.ParaswapTransfer(flash, c.GeneralAdapter1, maxUint))); err != nil {
			return bundle.Subbundle{}, err
		}
		if err := sim.Move(flash, c.ParaswapAdapter, c.GeneralAdapter1, sim.Balance(c.ParaswapAdapter, flash)); err != nil {
			return bundle.Subbundle{}, simulationError("sweep buy budget", err)
		}
	}

	for _, leg := range legs {
		if leg.Kind != LegSupply {
			continue
		}
		pullAmount := leg.Amount
		if leg.Entire {
			pullAmount = maxUint
		}
		pull, err := transfer.Plan(ctx, sim, transfer.Request{
			Account:   req.Account,
			Asset:     leg.PositionToken,
			Amount:    pullAmount,
			Recipient: c.AaveV3MigrationAdapter,
			Config:    transfer.Config{SupportsSignatures: req.SupportsSignatures, Rebasing: true},
			Env:       req.Env.Transfer,
		})
		if err != nil {
			return bundle.Subbundle{}, err
		}
		inner = append(inner, pull.Subbundle)

		receiver := c.GeneralAdapter1
		if !leg.Direct() {
			receiver = c.ParaswapAdapter
		}
		withdrawAmount := leg.Amount
		withdrawn := pull.Amount
		if leg.Entire {
			withdrawAmount = maxUint
		}
		if err := static(enc.AaveV3Withdraw(leg.Asset, withdrawAmount, receiver)); err != nil {
			return bundle.Subbundle{}, err
		}
		if err := sim.Debit(c.AaveV3MigrationAdapter, leg.PositionToken, withdrawn); err != nil {
			return bundle.Subbundle{}, simulationError("withdraw "+leg.Asset.Hex(), err)
		}
		sim.Credit(receiver, leg.Asset, withdrawn)

		if leg.Direct() {
			continue
		}
		if err := static(enc.ParaswapSell(leg.payload.Router, leg.payload.CallData, leg.Asset, flash, true, leg.payload.Offsets, c.GeneralAdapter1)); err != nil {
			return bundle.Subbundle{}, err
		}
		if err := sellAtQuote(sim, c.ParaswapAdapter, c.GeneralAdapter1, *leg.Quote); err != nil {
			return bundle.Subbundle{}, err
		}
	}

	body := bundle.Compose(inner...)
	if flashLoan.Sign() == 0 {
		return body, nil
	}
	if err := sim.Move(flash, c.GeneralAdapter1, sim.Morpho, flashLoan); err != nil {
		return bundle.Subbundle{}, simulationError("repay flash loan", err)
	}
	return bundle.Nest(body, func(data []byte) (bundle.Call, error) {
		return enc.MorphoFlashLoan(flash, flashLoan, data)
	}), nil
}

// emitFinalSwap sells the whole flash-asset balance of GeneralAdapter1 into output.
func emitFinalSwap(sim *simulation.State, req Request, q providers.SwapQuote, p providers.SwapPayload, output common.Address) (bundle.Subbundle, error) {
	enc := req.Env.Transfer.Encoder
	c := enc.Contracts
	move, err := enc.Erc20Transfer(req.FlashAsset, c.ParaswapAdapter, mathx.Clone(mathx.MaxUint256))
	if err != nil {
		return bundle.Subbundle{}, err
	}
	sell, err := enc.ParaswapSell(p.Router, p.CallData, req.FlashAsset, output, true, p.Offsets, c.GeneralAdapter1)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	if err := sim.Move(req.FlashAsset, c.GeneralAdapter1, c.ParaswapAdapter, sim.Balance(c.GeneralAdapter1, req.FlashAsset)); err != nil {
		return bundle.Subbundle{}, simulationError("fund final swap", err)
	}
	if err := sellAtQuote(sim, c.ParaswapAdapter, c.GeneralAdapter1, q); err != nil {
		return bundle.Subbundle{}, err
	}
	return bundle.Static(move, sell), nil
}

// sellAtQuote sells the seller's entire source balance at the quoted rate.
func sellAtQuote(sim *simulation.State, seller, receiver common.Address, q providers.SwapQuote) error {
	sold := sim.Balance(seller, q.SrcToken)
	if err := sim.Debit(seller, q.SrcToken, sold); err != nil {
		return simulationError("sell "+q.SrcToken.Hex(), err)
	}
	sim.Credit(receiver, q.DestToken, mathx.MulDivDown(q.DestAmount, sold, q.SrcAmount))
	return nil
}

func simulationError(step string, err error) error {
	if clierr.Is(err, clierr.CodeInsufficientBalance) {
		return clierr.Wrap(clierr.CodeSimulationFailure, step+" is not covered", err)
	}
	return err
}
