package planner

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/providers"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
)

func (e Env) requireAggregator() error {
	if e.Aggregator == nil {
		return clierr.New(clierr.CodeUnavailable, "no swap aggregator is configured")
	}
	return nil
}

func (e Env) quote(ctx context.Context, state *simulation.State, src, dest common.Address, side providers.SwapSide, amount *big.Int) (providers.SwapQuote, error) {
	return providers.Quote(ctx, e.Aggregator, state.Decimals, providers.SwapQuoteRequest{
		ChainID:   e.Chain.EVMChainID,
		SrcToken:  src,
		DestToken: dest,
		Side:      side,
		Amount:    amount,
		Taker:     e.Contracts.ParaswapAdapter,
	})
}

// payload builds calldata for q bounded by limit and re-validates it locally.
func (e Env) payload(ctx context.Context, q providers.SwapQuote, limit *big.Int, receiver common.Address) (providers.SwapPayload, error) {
	return providers.BuildPayload(ctx, e.Aggregator, q, limit, e.Contracts.ParaswapAdapter, receiver)
}
