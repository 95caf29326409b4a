package planner

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-bundler/internal/config"
	"github.com/ggonzalez94/defi-bundler/internal/execution"
	"github.com/ggonzalez94/defi-bundler/internal/id"
	"github.com/ggonzalez94/defi-bundler/internal/model"
	"github.com/ggonzalez94/defi-bundler/internal/providers"
	"github.com/ggonzalez94/defi-bundler/internal/registry"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
)

const testTimestamp = 1_700_000_000

var (
	user       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger   = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	loanToken  = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	collateral = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	oracle     = common.HexToAddress("0x0000000000000000000000000000000000000e03")
	irm        = common.HexToAddress("0x0000000000000000000000000000000000000e04")
	vaultAddr  = common.HexToAddress("0x0000000000000000000000000000000000000e05")
	aLoan      = common.HexToAddress("0x0000000000000000000000000000000000000f01")
	debtLoan   = common.HexToAddress("0x0000000000000000000000000000000000000f02")
	aColl      = common.HexToAddress("0x0000000000000000000000000000000000000f03")
	debtColl   = common.HexToAddress("0x0000000000000000000000000000000000000f04")

	testParams = simulation.MarketParams{
		LoanToken:       loanToken,
		CollateralToken: collateral,
		Oracle:          oracle,
		IRM:             irm,
		LLTV:            big.NewInt(860_000_000_000_000_000),
	}
)

func dec(s string) sdkmath.LegacyDec { return sdkmath.LegacyMustNewDecFromStr(s) }

// units scales whole tokens to 18 decimals.
func units(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func shares(v int64) *big.Int {
	return new(big.Int).Mul(units(v), big.NewInt(1_000_000))
}

type fakeReader struct {
	balances   map[common.Address]map[common.Address]*big.Int
	markets    map[common.Hash]simulation.Market
	positions  map[common.Hash]map[common.Address]simulation.Position
	vaults     map[common.Address]simulation.Vault
	reserves   []simulation.Reserve
	authorized bool
}

// newFakeReader serves one market where a collateral unit is worth two loan
// units. user has 100 collateral, 50 debt and a wallet of 10 collateral and
// 60 loan tokens.
func newFakeReader() *fakeReader {
	f := &fakeReader{
		balances:  map[common.Address]map[common.Address]*big.Int{},
		markets:   map[common.Hash]simulation.Market{},
		positions: map[common.Hash]map[common.Address]simulation.Position{},
		vaults:    map[common.Address]simulation.Vault{},
	}
	id := testParams.ID()
	f.markets[id] = simulation.Market{
		Params:            testParams,
		TotalSupplyAssets: units(1_000_000),
		TotalSupplyShares: shares(1_000_000),
		TotalBorrowAssets: units(500_000),
		TotalBorrowShares: shares(500_000),
		LastUpdate:        testTimestamp,
		Fee:               new(big.Int),
	}
	f.positions[id] = map[common.Address]simulation.Position{
		user: {SupplyShares: new(big.Int), BorrowShares: shares(50), Collateral: units(100)},
	}
	f.setBalance(collateral, user, units(10))
	f.setBalance(loanToken, user, units(60))
	// Morpho holds the idle loan liquidity and every posted collateral unit.
	contracts, _ := registry.Contracts(8453)
	f.setBalance(loanToken, contracts.Morpho, units(500_000))
	f.setBalance(collateral, contracts.Morpho, units(100))
	return f
}

func (f *fakeReader) setBalance(token, account common.Address, v *big.Int) {
	if f.balances[token] == nil {
		f.balances[token] = map[common.Address]*big.Int{}
	}
	f.balances[token][account] = v
}

func (f *fakeReader) BlockTimestamp(context.Context) (int64, error) { return testTimestamp, nil }

func (f *fakeReader) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (f *fakeReader) BalanceOf(_ context.Context, token, account common.Address) (*big.Int, error) {
	if v, ok := f.balances[token][account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *fakeReader) Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (f *fakeReader) Permit2Allowance(context.Context, common.Address, common.Address, common.Address) (simulation.Permit2Allowance, error) {
	return simulation.Permit2Allowance{Amount: new(big.Int), Nonce: new(big.Int)}, nil
}

func (f *fakeReader) Market(_ context.Context, id common.Hash) (simulation.Market, error) {
	m, ok := f.markets[id]
	if !ok {
		return simulation.Market{}, fmt.Errorf("market %s not created", id.Hex())
	}
	return m, nil
}

func (f *fakeReader) BorrowRate(context.Context, simulation.Market) (*big.Int, error) {
	return new(big.Int), nil
}

func (f *fakeReader) OraclePrice(_ context.Context, o common.Address) (*big.Int, error) {
	if o != oracle {
		return nil, fmt.Errorf("oracle reverted")
	}
	return new(big.Int).Mul(big.NewInt(2), new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)), nil
}

func (f *fakeReader) Position(_ context.Context, id common.Hash, account common.Address) (simulation.Position, error) {
	if p, ok := f.positions[id][account]; ok {
		return p, nil
	}
	return simulation.Position{SupplyShares: new(big.Int), BorrowShares: new(big.Int), Collateral: new(big.Int)}, nil
}

func (f *fakeReader) IsAuthorized(context.Context, common.Address, common.Address) (bool, error) {
	return f.authorized, nil
}

func (f *fakeReader) Vault(_ context.Context, vault common.Address) (simulation.Vault, error) {
	v, ok := f.vaults[vault]
	if !ok {
		return simulation.Vault{}, fmt.Errorf("unknown vault")
	}
	return v, nil
}

func (f *fakeReader) AaveReserves(context.Context) ([]simulation.Reserve, error) {
	return f.reserves, nil
}

func (f *fakeReader) Decimals(context.Context, common.Address) (int, error) { return 18, nil }

type swapData struct {
	SrcToken     common.Address
	DestToken    common.Address
	FromAmount   *big.Int
	ToAmount     *big.Int
	QuotedAmount *big.Int
	Metadata     [32]byte
	Beneficiary  common.Address
}

// fakeAggregator quotes at fixed rates and returns genuine Augustus calldata.
type fakeAggregator struct {
	mu       sync.Mutex
	augustus abi.ABI
	// rates maps "src>dest" to dest units per src unit, as num/den.
	rates  map[string][2]int64
	quotes int
	builds int
}

func newFakeAggregator(t *testing.T) *fakeAggregator {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(registry.AugustusV6ABI))
	if err != nil {
		t.Fatalf("parse augustus abi: %v", err)
	}
	return &fakeAggregator{augustus: parsed, rates: map[string][2]int64{}}
}

func (f *fakeAggregator) setRate(src, dest common.Address, num, den int64) {
	f.rates[src.Hex()+">"+dest.Hex()] = [2]int64{num, den}
}

func (f *fakeAggregator) Info() model.ProviderInfo {
	return model.ProviderInfo{Name: "fake", Type: "swap"}
}

func (f *fakeAggregator) QuoteSwap(_ context.Context, req providers.SwapQuoteRequest) (providers.SwapQuote, error) {
	f.mu.Lock()
	f.quotes++
	f.mu.Unlock()
	rate, ok := f.rates[req.SrcToken.Hex()+">"+req.DestToken.Hex()]
	if !ok {
		rate = [2]int64{1, 1}
	}
	num, den := big.NewInt(rate[0]), big.NewInt(rate[1])
	q := providers.SwapQuote{
		Provider:  "fake",
		ChainID:   req.ChainID,
		SrcToken:  req.SrcToken,
		DestToken: req.DestToken,
		Side:      req.Side,
		Router:    registry.AugustusV6,
	}
	if req.Side == providers.SwapSideExactInput {
		q.SrcAmount = new(big.Int).Set(req.Amount)
		q.DestAmount = new(big.Int).Div(new(big.Int).Mul(req.Amount, num), den)
		q.Method = "swapExactAmountIn"
	} else {
		q.DestAmount = new(big.Int).Set(req.Amount)
		src := new(big.Int).Mul(req.Amount, den)
		src.Add(src, new(big.Int).Sub(num, big.NewInt(1)))
		q.SrcAmount = src.Div(src, num)
		q.Method = "swapExactAmountOut"
	}
	return q, nil
}

func (f *fakeAggregator) BuildSwapPayload(_ context.Context, req providers.SwapPayloadRequest) (providers.SwapPayload, error) {
	f.mu.Lock()
	f.builds++
	f.mu.Unlock()
	q := req.Quote
	data := swapData{SrcToken: q.SrcToken, DestToken: q.DestToken, QuotedAmount: q.QuotedAmount(), Beneficiary: req.Receiver}
	if q.Side == providers.SwapSideExactInput {
		data.FromAmount, data.ToAmount = q.SrcAmount, req.Limit
	} else {
		data.FromAmount, data.ToAmount = req.Limit, q.DestAmount
	}
	callData, err := f.augustus.Pack(q.Method, common.HexToAddress("0x00000000000000000000000000000000000000e1"), data, new(big.Int), []byte{}, []byte{0x01})
	if err != nil {
		return providers.SwapPayload{}, fmt.Errorf("pack swap: %w", err)
	}
	return providers.SwapPayload{Router: q.Router, Method: q.Method, CallData: callData}, nil
}

func testEnv(t *testing.T, reader simulation.ChainReader) Env {
	t.Helper()
	chain, err := id.ParseChain("base")
	if err != nil {
		t.Fatalf("parse chain: %v", err)
	}
	contracts, ok := registry.Contracts(chain.EVMChainID)
	if !ok {
		t.Fatal("expected base bundler contracts")
	}
	return Env{
		Chain:     chain,
		Contracts: contracts,
		Planning:  config.DefaultPlanning(),
		Reader:    reader,
	}
}

func bundleStep(t *testing.T, action execution.Action) execution.ActionStep {
	t.Helper()
	if len(action.Steps) == 0 {
		t.Fatal("action has no steps")
	}
	step := action.Steps[len(action.Steps)-1]
	if step.Type != execution.StepTypeBundle {
		t.Fatalf("expected the bundle step last, got %s", step.Type)
	}
	return step
}

func assertMethods(t *testing.T, step execution.ActionStep, want ...string) {
	t.Helper()
	got := make([]string, 0, len(step.Calls))
	for _, c := range step.Calls {
		got = append(got, c.Method)
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected calls: want %v, got %v", want, got)
	}
}

func stepTypes(action execution.Action) []execution.StepType {
	out := make([]execution.StepType, 0, len(action.Steps))
	for _, s := range action.Steps {
		out = append(out, s.Type)
	}
	return out
}
