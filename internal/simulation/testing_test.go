package simulation

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type fakeReader struct {
	mu         sync.Mutex
	timestamp  int64
	native     map[common.Address]*big.Int
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[string]*big.Int
	markets    map[common.Hash]Market
	rates      map[common.Hash]*big.Int
	prices     map[common.Address]*big.Int
	positions  map[common.Hash]map[common.Address]Position
	vaults     map[common.Address]Vault
	reserves   []Reserve
	calls      int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		native:     map[common.Address]*big.Int{},
		balances:   map[common.Address]map[common.Address]*big.Int{},
		allowances: map[string]*big.Int{},
		markets:    map[common.Hash]Market{},
		rates:      map[common.Hash]*big.Int{},
		prices:     map[common.Address]*big.Int{},
		positions:  map[common.Hash]map[common.Address]Position{},
		vaults:     map[common.Address]Vault{},
	}
}

func (f *fakeReader) count() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeReader) setBalance(token, account common.Address, v int64) {
	if f.balances[token] == nil {
		f.balances[token] = map[common.Address]*big.Int{}
	}
	f.balances[token][account] = big.NewInt(v)
}

func (f *fakeReader) BlockTimestamp(context.Context) (int64, error) {
	f.count()
	return f.timestamp, nil
}

func (f *fakeReader) NativeBalance(_ context.Context, account common.Address) (*big.Int, error) {
	f.count()
	if v, ok := f.native[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *fakeReader) BalanceOf(_ context.Context, token, account common.Address) (*big.Int, error) {
	f.count()
	if v, ok := f.balances[token][account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *fakeReader) Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	f.count()
	if v, ok := f.allowances[token.Hex()+owner.Hex()+spender.Hex()]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *fakeReader) Permit2Allowance(context.Context, common.Address, common.Address, common.Address) (Permit2Allowance, error) {
	f.count()
	return Permit2Allowance{Amount: new(big.Int), Nonce: big.NewInt(3)}, nil
}

func (f *fakeReader) Market(_ context.Context, id common.Hash) (Market, error) {
	f.count()
	m, ok := f.markets[id]
	if !ok {
		return Market{}, fmt.Errorf("unknown market")
	}
	return m.clone(), nil
}

func (f *fakeReader) BorrowRate(_ context.Context, m Market) (*big.Int, error) {
	f.count()
	if v, ok := f.rates[m.ID]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("irm reverted")
}

func (f *fakeReader) OraclePrice(_ context.Context, oracle common.Address) (*big.Int, error) {
	f.count()
	if v, ok := f.prices[oracle]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("oracle reverted")
}

func (f *fakeReader) Position(_ context.Context, id common.Hash, account common.Address) (Position, error) {
	f.count()
	if p, ok := f.positions[id][account]; ok {
		return p, nil
	}
	return Position{SupplyShares: new(big.Int), BorrowShares: new(big.Int), Collateral: new(big.Int)}, nil
}

func (f *fakeReader) IsAuthorized(context.Context, common.Address, common.Address) (bool, error) {
	f.count()
	return true, nil
}

func (f *fakeReader) Vault(_ context.Context, vault common.Address) (Vault, error) {
	f.count()
	v, ok := f.vaults[vault]
	if !ok {
		return Vault{}, fmt.Errorf("unknown vault")
	}
	return v.clone(), nil
}

func (f *fakeReader) Decimals(context.Context, common.Address) (int, error) {
	f.count()
	return 18, nil
}

func (f *fakeReader) AaveReserves(context.Context) ([]Reserve, error) {
	f.count()
	return f.reserves, nil
}

var (
	testMorpho     = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	testUser       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testAdapter    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	testLoan       = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	testCollateral = common.HexToAddress("0x0000000000000000000000000000000000000c02")
	testOracle     = common.HexToAddress("0x0000000000000000000000000000000000000c03")
	testIRM        = common.HexToAddress("0x0000000000000000000000000000000000000c04")
)

func wad(v string) *big.Int {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		panic("bad integer " + v)
	}
	return n
}

// testMarket is a 1:1 priced market at 86% LLTV with 1_000_000 supplied and 500_000 borrowed.
func testMarket() Market {
	params := MarketParams{
		LoanToken:       testLoan,
		CollateralToken: testCollateral,
		Oracle:          testOracle,
		IRM:             testIRM,
		LLTV:            wad("860000000000000000"),
	}
	return Market{
		ID:                params.ID(),
		Params:            params,
		TotalSupplyAssets: big.NewInt(1_000_000),
		TotalSupplyShares: big.NewInt(1_000_000_000_000),
		TotalBorrowAssets: big.NewInt(500_000),
		TotalBorrowShares: big.NewInt(500_000_000_000),
		LastUpdate:        1_000,
		Fee:               new(big.Int),
		BorrowRate:        new(big.Int),
		Price:             wad("1000000000000000000000000000000000000"),
	}
}

func newTestState() *State {
	s := New(1, 1_000, testMorpho)
	s.Track(testUser, testAdapter, testMorpho)
	s.AddMarket(testMarket())
	s.SetBalance(testMorpho, testLoan, big.NewInt(500_000))
	return s
}
