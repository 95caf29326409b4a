package providers

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
)

// DecimalsFunc looks up the decimals of a loaded token.
type DecimalsFunc func(token common.Address) (int, bool)

// Quote fills the token decimals of req, asks aggregator for a quote and
// rejects any quote that does not fix req.Amount on req.Side.
func Quote(ctx context.Context, aggregator SwapAggregator, decimals DecimalsFunc, req SwapQuoteRequest) (SwapQuote, error) {
	var ok bool
	if req.SrcDecimals, ok = decimals(req.SrcToken); !ok {
		return SwapQuote{}, clierr.Newf(clierr.CodeSimulationFailure, "decimals of %s are not loaded", req.SrcToken.Hex())
	}
	if req.DestDecimals, ok = decimals(req.DestToken); !ok {
		return SwapQuote{}, clierr.Newf(clierr.CodeSimulationFailure, "decimals of %s are not loaded", req.DestToken.Hex())
	}
	q, err := aggregator.QuoteSwap(ctx, req)
	if err != nil {
		return SwapQuote{}, AggregatorError("quote "+req.SrcToken.Hex()+" to "+req.DestToken.Hex(), err)
	}
	exact, quoted := q.ExactAmount(), q.QuotedAmount()
	if q.Side != req.Side || exact == nil || exact.Cmp(req.Amount) != 0 || quoted == nil || quoted.Sign() <= 0 {
		return SwapQuote{}, clierr.Newf(clierr.CodeUnavailable, "aggregator returned a malformed %s quote for %s", req.Side, req.SrcToken.Hex())
	}
	return q, nil
}

// BuildPayload requests calldata for q bounded by limit and checks it with
// CheckPayload. Offsets are re-derived locally whatever the aggregator reported.
func BuildPayload(ctx context.Context, aggregator SwapAggregator, q SwapQuote, limit *big.Int, taker, receiver common.Address) (SwapPayload, error) {
	p, err := aggregator.BuildSwapPayload(ctx, SwapPayloadRequest{Quote: q, Limit: limit, Taker: taker, Receiver: receiver})
	if err != nil {
		return SwapPayload{}, AggregatorError("build swap "+q.SrcToken.Hex()+" to "+q.DestToken.Hex(), err)
	}
	offsets, err := CheckPayload(q.ChainID, p, q.ExactAmount(), limit)
	if err != nil {
		return SwapPayload{}, err
	}
	p.Offsets = offsets
	return p, nil
}

// AggregatorError keeps coded errors and marks anything else unavailable.
func AggregatorError(what string, err error) error {
	if _, ok := clierr.As(err); ok {
		return err
	}
	return clierr.Wrap(clierr.CodeUnavailable, what, err)
}
