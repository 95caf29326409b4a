package providers

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/model"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenB = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type stubAggregator struct {
	quote   SwapQuote
	payload SwapPayload
	err     error
	lastReq SwapQuoteRequest
}

func (s *stubAggregator) Info() model.ProviderInfo { return model.ProviderInfo{Name: "stub"} }

func (s *stubAggregator) QuoteSwap(_ context.Context, req SwapQuoteRequest) (SwapQuote, error) {
	s.lastReq = req
	return s.quote, s.err
}

func (s *stubAggregator) BuildSwapPayload(context.Context, SwapPayloadRequest) (SwapPayload, error) {
	return s.payload, s.err
}

func loadedDecimals(token common.Address) (int, bool) {
	switch token {
	case tokenA:
		return 6, true
	case tokenB:
		return 18, true
	default:
		return 0, false
	}
}

func sellRequest(amount int64) SwapQuoteRequest {
	return SwapQuoteRequest{ChainID: 8453, SrcToken: tokenA, DestToken: tokenB, Side: SwapSideExactInput, Amount: big.NewInt(amount)}
}

func TestQuoteFillsDecimalsAndChecksExactSide(t *testing.T) {
	agg := &stubAggregator{quote: SwapQuote{Side: SwapSideExactInput, SrcAmount: big.NewInt(100), DestAmount: big.NewInt(99)}}
	q, err := Quote(context.Background(), agg, loadedDecimals, sellRequest(100))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if agg.lastReq.SrcDecimals != 6 || agg.lastReq.DestDecimals != 18 {
		t.Fatalf("decimals not forwarded: %+v", agg.lastReq)
	}
	if q.DestAmount.Int64() != 99 {
		t.Fatalf("unexpected quote %+v", q)
	}

	tests := map[string]SwapQuote{
		"wrong side":     {Side: SwapSideExactOutput, SrcAmount: big.NewInt(100), DestAmount: big.NewInt(99)},
		"exact mismatch": {Side: SwapSideExactInput, SrcAmount: big.NewInt(101), DestAmount: big.NewInt(99)},
		"zero quoted":    {Side: SwapSideExactInput, SrcAmount: big.NewInt(100), DestAmount: new(big.Int)},
	}
	for name, bad := range tests {
		t.Run(name, func(t *testing.T) {
			agg := &stubAggregator{quote: bad}
			if _, err := Quote(context.Background(), agg, loadedDecimals, sellRequest(100)); !clierr.Is(err, clierr.CodeUnavailable) {
				t.Fatalf("expected unavailable, got %v", err)
			}
		})
	}
}

func TestQuoteRequiresLoadedDecimals(t *testing.T) {
	req := sellRequest(100)
	req.DestToken = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	agg := &stubAggregator{}
	if _, err := Quote(context.Background(), agg, loadedDecimals, req); !clierr.Is(err, clierr.CodeSimulationFailure) {
		t.Fatalf("expected simulation failure, got %v", err)
	}
	if agg.lastReq.SrcToken != (common.Address{}) {
		t.Fatal("aggregator must not be called without decimals")
	}
}

func TestAggregatorErrorKeepsCodedErrors(t *testing.T) {
	rateLimited := clierr.New(clierr.CodeRateLimited, "slow down")
	if err := AggregatorError("quote", rateLimited); !clierr.Is(err, clierr.CodeRateLimited) {
		t.Fatalf("expected rate limited to survive, got %v", err)
	}
	if err := AggregatorError("quote", errors.New("boom")); !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestBuildPayloadRejectsUnlistedRouter(t *testing.T) {
	agg := &stubAggregator{payload: SwapPayload{Router: tokenA, CallData: []byte{0x01, 0x02, 0x03, 0x04}}}
	q := SwapQuote{ChainID: 8453, SrcToken: tokenA, DestToken: tokenB, Side: SwapSideExactInput, SrcAmount: big.NewInt(100), DestAmount: big.NewInt(99)}
	if _, err := BuildPayload(context.Background(), agg, q, big.NewInt(98), tokenA, tokenB); !clierr.Is(err, clierr.CodeUnsupportedCounterparty) {
		t.Fatalf("expected unsupported counterparty, got %v", err)
	}

	agg.err = errors.New("upstream down")
	if _, err := BuildPayload(context.Background(), agg, q, big.NewInt(98), tokenA, tokenB); !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
