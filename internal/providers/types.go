package providers

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-bundler/internal/model"
	"github.com/ggonzalez94/defi-bundler/internal/registry"
)

type Provider interface {
	Info() model.ProviderInfo
}

// SwapAggregator quotes swaps and builds router calldata. Planning consumes it
// as an external collaborator; its routing and pricing are not reproduced.
type SwapAggregator interface {
	Provider
	QuoteSwap(ctx context.Context, req SwapQuoteRequest) (SwapQuote, error)
	BuildSwapPayload(ctx context.Context, req SwapPayloadRequest) (SwapPayload, error)
}

type SwapSide string

const (
	// SwapSideExactInput fixes the amount sold.
	SwapSideExactInput SwapSide = "SELL"
	// SwapSideExactOutput fixes the amount bought.
	SwapSideExactOutput SwapSide = "BUY"
)

type SwapQuoteRequest struct {
	ChainID      int64
	SrcToken     common.Address
	DestToken    common.Address
	SrcDecimals  int
	DestDecimals int
	Side         SwapSide
	// Amount is the exact side: sold for exact input, bought for exact output.
	Amount *big.Int
	// Taker is the contract that executes the swap.
	Taker common.Address
}

type SwapQuote struct {
	Provider     string
	ChainID      int64
	SrcToken     common.Address
	DestToken    common.Address
	SrcDecimals  int
	DestDecimals int
	Side         SwapSide
	SrcAmount    *big.Int
	DestAmount   *big.Int
	Router       common.Address
	Method       string
	// Route is the aggregator's opaque route, replayed when building calldata.
	Route json.RawMessage
}

// ExactAmount returns the fixed side of the quote.
func (q SwapQuote) ExactAmount() *big.Int {
	if q.Side == SwapSideExactOutput {
		return q.DestAmount
	}
	return q.SrcAmount
}

// QuotedAmount returns the side the aggregator estimated.
func (q SwapQuote) QuotedAmount() *big.Int {
	if q.Side == SwapSideExactOutput {
		return q.SrcAmount
	}
	return q.DestAmount
}

type SwapPayloadRequest struct {
	Quote SwapQuote
	// Limit bounds the quoted side: minimum received for exact input, maximum
	// sold for exact output.
	Limit    *big.Int
	Taker    common.Address
	Receiver common.Address
}

type SwapPayload struct {
	Router   common.Address
	Method   string
	CallData []byte
	Offsets  registry.SwapOffsets
}
