package simulation

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
)

func TestMarketParamsIDIsAbiEncodedHash(t *testing.T) {
	params := testMarket().Params
	addressType, _ := abi.NewType("address", "", nil)
	uintType, _ := abi.NewType("uint256", "", nil)
	args := abi.Arguments{{Type: addressType}, {Type: addressType}, {Type: addressType}, {Type: addressType}, {Type: uintType}}
	encoded, err := args.Pack(params.LoanToken, params.CollateralToken, params.Oracle, params.IRM, params.LLTV)
	if err != nil {
		t.Fatalf("pack params: %v", err)
	}
	if got, want := params.ID(), crypto.Keccak256Hash(encoded); got != want {
		t.Fatalf("unexpected market id %s, want %s", got.Hex(), want.Hex())
	}
	other := params
	other.LLTV = wad("945000000000000000")
	if other.ID() == params.ID() {
		t.Fatal("expected lltv to change the market id")
	}
}

func TestDebitCreditOnlyTouchTrackedAccounts(t *testing.T) {
	s := newTestState()
	outsider := common.HexToAddress("0x00000000000000000000000000000000000000ff")

	s.SetBalance(testUser, testLoan, big.NewInt(100))
	if err := s.Move(testLoan, testUser, outsider, big.NewInt(40)); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if got := s.Balance(testUser, testLoan); got.Int64() != 60 {
		t.Fatalf("unexpected user balance: %s", got)
	}
	if s.Tracked(outsider) || s.Balance(outsider, testLoan).Sign() != 0 {
		t.Fatal("untracked account should not be projected")
	}
	err := s.Debit(testUser, testLoan, big.NewInt(61))
	if !clierr.Is(err, clierr.CodeInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestSpendAllowanceKeepsInfiniteApproval(t *testing.T) {
	s := newTestState()
	s.SetAllowance(testUser, testLoan, testAdapter, mathx.MaxUint256)
	if err := s.SpendAllowance(testUser, testLoan, testAdapter, big.NewInt(10)); err != nil {
		t.Fatalf("SpendAllowance failed: %v", err)
	}
	if !mathx.IsMax(s.Allowance(testUser, testLoan, testAdapter)) {
		t.Fatal("expected max allowance to stay untouched")
	}

	s.SetAllowance(testUser, testLoan, testAdapter, big.NewInt(5))
	if err := s.SpendAllowance(testUser, testLoan, testAdapter, big.NewInt(6)); !clierr.Is(err, clierr.CodeSimulationFailure) {
		t.Fatalf("expected simulation failure, got %v", err)
	}
}

func TestPermit2AllowanceExpiry(t *testing.T) {
	s := newTestState()
	s.SetPermit2Allowance(testUser, testLoan, testAdapter, Permit2Allowance{Amount: big.NewInt(10), Expiration: 999, Nonce: big.NewInt(0)})
	if err := s.SpendPermit2Allowance(testUser, testLoan, testAdapter, big.NewInt(1)); err == nil {
		t.Fatal("expected expired permit2 allowance to fail")
	}
	s.SetPermit2Allowance(testUser, testLoan, testAdapter, Permit2Allowance{Amount: big.NewInt(10), Expiration: 2_000, Nonce: big.NewInt(0)})
	if err := s.SpendPermit2Allowance(testUser, testLoan, testAdapter, big.NewInt(4)); err != nil {
		t.Fatalf("SpendPermit2Allowance failed: %v", err)
	}
	if got := s.Permit2Allowance(testUser, testLoan, testAdapter).Amount; got.Int64() != 6 {
		t.Fatalf("unexpected remaining permit2 allowance: %s", got)
	}
}

func TestLTVUndefinedWithoutDebt(t *testing.T) {
	s := newTestState()
	id := testMarket().ID
	s.SetPosition(id, testUser, Position{SupplyShares: new(big.Int), BorrowShares: new(big.Int), Collateral: big.NewInt(1_000)})

	_, ok, err := s.LTV(id, testUser)
	if err != nil {
		t.Fatalf("LTV failed: %v", err)
	}
	if ok {
		t.Fatal("expected LTV to be undefined without debt")
	}
}

func TestBorrowRespectsHealthAndLiquidity(t *testing.T) {
	s := newTestState()
	id := testMarket().ID
	s.SetBalance(testUser, testCollateral, big.NewInt(1_000))

	if err := s.SupplyCollateral(id, testUser, testUser, big.NewInt(1_000)); err != nil {
		t.Fatalf("SupplyCollateral failed: %v", err)
	}
	if _, err := s.Borrow(id, testUser, testUser, big.NewInt(861)); !clierr.Is(err, clierr.CodeSimulationFailure) {
		t.Fatalf("expected unhealthy borrow to fail, got %v", err)
	}
	if _, err := s.Borrow(id, testUser, testUser, big.NewInt(800)); err != nil {
		t.Fatalf("Borrow failed: %v", err)
	}
	ltv, ok, err := s.LTV(id, testUser)
	if err != nil || !ok {
		t.Fatalf("LTV failed: ok=%v err=%v", ok, err)
	}
	if ltv.String() != "0.800000000000000000" {
		t.Fatalf("unexpected ltv %s", ltv)
	}
	if got := s.Balance(testUser, testLoan); got.Int64() != 800 {
		t.Fatalf("unexpected borrowed balance %s", got)
	}

	deep := New(1, 1_000, testMorpho)
	deep.AddMarket(testMarket())
	deep.SetPosition(id, testUser, Position{SupplyShares: new(big.Int), BorrowShares: new(big.Int), Collateral: wad("10000000")})
	if _, err := deep.Borrow(id, testUser, testUser, wad("500001")); !clierr.Is(err, clierr.CodeInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
}

func TestRejectedMorphoCallsLeaveStateUntouched(t *testing.T) {
	s := newTestState()
	id := testMarket().ID
	s.SetBalance(testUser, testCollateral, big.NewInt(1_000))
	if err := s.SupplyCollateral(id, testUser, testUser, big.NewInt(1_000)); err != nil {
		t.Fatalf("SupplyCollateral failed: %v", err)
	}
	if _, err := s.Borrow(id, testUser, testUser, big.NewInt(500)); err != nil {
		t.Fatalf("Borrow failed: %v", err)
	}
	before := s.Clone()

	if _, err := s.Borrow(id, testUser, testUser, big.NewInt(361)); !clierr.Is(err, clierr.CodeSimulationFailure) {
		t.Fatalf("expected unhealthy borrow to fail, got %v", err)
	}
	if err := s.WithdrawCollateral(id, testUser, testUser, big.NewInt(450)); !clierr.Is(err, clierr.CodeSimulationFailure) {
		t.Fatalf("expected unhealthy withdraw to fail, got %v", err)
	}
	s.SetBalance(testMorpho, testLoan, big.NewInt(100))
	if _, err := s.Borrow(id, testUser, testUser, big.NewInt(200)); !clierr.Is(err, clierr.CodeInsufficientBalance) {
		t.Fatalf("expected morpho balance shortfall, got %v", err)
	}
	s.SetBalance(testMorpho, testLoan, before.Balance(testMorpho, testLoan))

	got, want := s.Position(id, testUser), before.Position(id, testUser)
	if got.BorrowShares.Cmp(want.BorrowShares) != 0 || got.Collateral.Cmp(want.Collateral) != 0 {
		t.Fatalf("position changed after rejected calls: %+v, want %+v", got, want)
	}
	m, _ := s.market(id)
	wm, _ := before.market(id)
	if m.TotalBorrowAssets.Cmp(wm.TotalBorrowAssets) != 0 || m.TotalBorrowShares.Cmp(wm.TotalBorrowShares) != 0 {
		t.Fatalf("market totals changed: %s/%s, want %s/%s", m.TotalBorrowAssets, m.TotalBorrowShares, wm.TotalBorrowAssets, wm.TotalBorrowShares)
	}
	if got := s.Balance(testUser, testLoan); got.Int64() != 500 {
		t.Fatalf("unexpected user loan balance %s", got)
	}
	if _, err := s.Borrow(id, testUser, testUser, big.NewInt(300)); err != nil {
		t.Fatalf("follow-up Borrow failed: %v", err)
	}
}

func TestVaultRedeemWithoutIdleAssetsKeepsShares(t *testing.T) {
	s := newTestState()
	vault := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	s.Track(vault)
	s.AddVault(Vault{Address: vault, Asset: testLoan, DecimalsOffset: 12, TotalAssets: big.NewInt(1_000_000), TotalSupply: wad("1000000000000000000"), LastTotalAssets: big.NewInt(1_000_000), Fee: new(big.Int)})
	s.SetBalance(testUser, vault, wad("1000000000000000"))

	if _, err := s.VaultRedeem(vault, testUser, testUser, wad("1000000000000000")); !clierr.Is(err, clierr.CodeInsufficientBalance) {
		t.Fatalf("expected vault balance shortfall, got %v", err)
	}
	if got := s.Balance(testUser, vault); got.Cmp(wad("1000000000000000")) != 0 {
		t.Fatalf("shares burned by rejected redeem: %s", got)
	}
}

func TestRepayBySharesClearsDebt(t *testing.T) {
	s := newTestState()
	id := testMarket().ID
	s.SetPosition(id, testUser, Position{SupplyShares: new(big.Int), BorrowShares: big.NewInt(100_000_000), Collateral: big.NewInt(1_000)})
	s.SetBalance(testUser, testLoan, big.NewInt(1_000))

	debt, err := s.BorrowAssets(id, testUser)
	if err != nil {
		t.Fatalf("BorrowAssets failed: %v", err)
	}
	assets, shares, err := s.Repay(id, testUser, testUser, new(big.Int), big.NewInt(100_000_000))
	if err != nil {
		t.Fatalf("Repay failed: %v", err)
	}
	if assets.Cmp(debt) != 0 || shares.Int64() != 100_000_000 {
		t.Fatalf("unexpected repay result assets=%s shares=%s debt=%s", assets, shares, debt)
	}
	if s.Position(id, testUser).BorrowShares.Sign() != 0 {
		t.Fatal("expected debt to be cleared")
	}
	if _, _, err := s.Repay(id, testUser, testUser, big.NewInt(1), new(big.Int)); !clierr.Is(err, clierr.CodeSimulationFailure) {
		t.Fatalf("expected repay beyond debt to fail, got %v", err)
	}
}

func TestOracleUnavailableIsDistinguishable(t *testing.T) {
	s := New(1, 1_000, testMorpho)
	m := testMarket()
	m.Price = nil
	s.AddMarket(m)
	s.SetPosition(m.ID, testUser, Position{SupplyShares: new(big.Int), BorrowShares: big.NewInt(1_000_000), Collateral: big.NewInt(10)})

	if _, _, err := s.LTV(m.ID, testUser); !clierr.Is(err, clierr.CodeOracleUnavailable) {
		t.Fatalf("expected oracle unavailable, got %v", err)
	}
}

func TestAccrueInterestMatchesTaylorCompounding(t *testing.T) {
	s := New(1, 1_000, testMorpho)
	m := testMarket()
	// 10% yearly, expressed per second.
	m.BorrowRate = new(big.Int).Div(wad("100000000000000000"), big.NewInt(365*24*3600))
	m.TotalBorrowAssets = wad("1000000000000000000000")
	m.TotalSupplyAssets = wad("2000000000000000000000")
	m.Fee = wad("100000000000000000")
	s.AddMarket(m)

	if err := s.AccrueInterest(1_000 + 365*24*3600); err != nil {
		t.Fatalf("AccrueInterest failed: %v", err)
	}
	after, _ := s.Market(m.ID)
	interest := new(big.Int).Sub(after.TotalBorrowAssets, m.TotalBorrowAssets)
	supplyGain := new(big.Int).Sub(after.TotalSupplyAssets, m.TotalSupplyAssets)
	if interest.Cmp(supplyGain) != 0 {
		t.Fatalf("borrow and supply must grow together: %s vs %s", interest, supplyGain)
	}
	// e^0.1 - 1 = 0.10517; the three term expansion lands at 0.105166...
	low, high := wad("105160000000000000000"), wad("105170000000000000000")
	if interest.Cmp(low) < 0 || interest.Cmp(high) > 0 {
		t.Fatalf("unexpected interest %s", interest)
	}
	if after.TotalSupplyShares.Cmp(m.TotalSupplyShares) <= 0 {
		t.Fatal("expected fee shares to be minted")
	}
	if err := s.AccrueInterest(10); err == nil {
		t.Fatal("expected backwards accrual to fail")
	}
}

func TestVaultAccrualMintsPerformanceFee(t *testing.T) {
	s := New(1, 1_000, testMorpho)
	m := testMarket()
	m.TotalSupplyAssets = big.NewInt(2_000_000)
	s.AddMarket(m)
	vault := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	s.AddVault(Vault{
		Address:         vault,
		Asset:           testLoan,
		DecimalsOffset:  12,
		TotalAssets:     big.NewInt(1_000_000),
		TotalSupply:     wad("1000000000000000000"),
		LastTotalAssets: big.NewInt(1_000_000),
		Fee:             wad("100000000000000000"),
		Allocations:     []common.Hash{m.ID},
	})
	// The vault owns every supply share, so it sees the whole 2x gain.
	s.SetPosition(m.ID, vault, Position{SupplyShares: m.TotalSupplyShares, BorrowShares: new(big.Int), Collateral: new(big.Int)})

	if err := s.AccrueInterest(1_000); err != nil {
		t.Fatalf("AccrueInterest failed: %v", err)
	}
	v, _ := s.Vault(vault)
	if v.TotalAssets.Cmp(big.NewInt(1_999_999)) < 0 {
		t.Fatalf("expected total assets recomputed from allocation, got %s", v.TotalAssets)
	}
	if v.TotalSupply.Cmp(wad("1000000000000000000")) <= 0 {
		t.Fatal("expected performance fee shares")
	}
	if v.LastTotalAssets.Cmp(v.TotalAssets) != 0 {
		t.Fatal("expected checkpoint to move to new total")
	}
}

func TestVaultDepositRedeemRoundTrip(t *testing.T) {
	s := newTestState()
	vault := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	s.AddVault(Vault{Address: vault, Asset: testLoan, DecimalsOffset: 12, TotalAssets: big.NewInt(1_000_000), TotalSupply: wad("1000000000000000000"), LastTotalAssets: big.NewInt(1_000_000), Fee: new(big.Int)})
	s.SetBalance(testUser, testLoan, big.NewInt(5_000))

	shares, err := s.VaultDeposit(vault, testUser, testUser, big.NewInt(5_000))
	if err != nil {
		t.Fatalf("VaultDeposit failed: %v", err)
	}
	pos, err := s.VaultPosition(testUser, vault)
	if err != nil {
		t.Fatalf("VaultPosition failed: %v", err)
	}
	if pos.Shares.Cmp(shares) != 0 || pos.Assets.Cmp(big.NewInt(5_000)) > 0 || pos.Assets.Cmp(big.NewInt(4_999)) < 0 {
		t.Fatalf("unexpected vault position %+v", pos)
	}
	assets, err := s.VaultRedeem(vault, testUser, testUser, shares)
	if err != nil {
		t.Fatalf("VaultRedeem failed: %v", err)
	}
	if assets.Cmp(big.NewInt(5_000)) > 0 {
		t.Fatalf("redeem returned more than deposited: %s", assets)
	}
}

func TestShareConversionRoundTrip(t *testing.T) {
	s := newTestState()
	m := testMarket()
	s.AddMarket(m)
	for _, a := range []int64{0, 1, 7, 999, 123_456} {
		assets := big.NewInt(a)
		shares, _ := s.ToBorrowShares(m.ID, assets, mathx.Down)
		back, _ := s.ToBorrowAssets(m.ID, shares, mathx.Up)
		diff := new(big.Int).Sub(back, assets)
		if diff.Sign() > 0 && diff.Cmp(big.NewInt(1)) > 0 {
			t.Fatalf("round trip of %d overshoots: %s", a, back)
		}
		up, _ := s.ToBorrowShares(m.ID, assets, mathx.Up)
		if up.Cmp(shares) < 0 {
			t.Fatalf("round-up shares %s below round-down %s", up, shares)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := newTestState()
	s.SetBalance(testUser, testLoan, big.NewInt(10))
	c := s.Clone()
	if err := c.Debit(testUser, testLoan, big.NewInt(10)); err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if s.Balance(testUser, testLoan).Int64() != 10 {
		t.Fatal("mutating a clone must not affect the original")
	}
}

func TestFetchBuildsAccruedState(t *testing.T) {
	reader := newFakeReader()
	reader.timestamp = 2_000
	m := testMarket()
	m.BorrowRate = nil
	m.Price = nil
	reader.markets[m.ID] = m
	reader.rates[m.ID] = wad("1000000000000")
	reader.prices[testOracle] = wad("1000000000000000000000000000000000000")
	reader.setBalance(testLoan, testUser, 42)
	reader.setBalance(testLoan, testMorpho, 500_000)
	reader.positions[m.ID] = map[common.Address]Position{
		testUser: {SupplyShares: new(big.Int), BorrowShares: big.NewInt(1_000_000), Collateral: big.NewInt(10)},
	}
	reserve := Reserve{
		Asset:             testLoan,
		AToken:            common.HexToAddress("0x0000000000000000000000000000000000000e01"),
		VariableDebtToken: common.HexToAddress("0x0000000000000000000000000000000000000e02"),
	}
	reader.reserves = []Reserve{reserve}
	reader.setBalance(reserve.AToken, testUser, 77)

	state, err := Fetch(context.Background(), reader, FetchRequest{
		ChainID:        1,
		Morpho:         testMorpho,
		Accounts:       []common.Address{testUser, testAdapter, testMorpho},
		Owner:          testUser,
		Spenders:       []common.Address{testAdapter},
		Markets:        []common.Hash{m.ID},
		AaveReserves:   true,
		Authorizations: []Authorization{{Authorizer: testUser, Authorized: testAdapter}},
		ExecutionDelay: 24 * time.Second,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if state.Timestamp != 2_024 {
		t.Fatalf("expected execution timestamp 2024, got %d", state.Timestamp)
	}
	if state.Balance(testUser, testLoan).Int64() != 42 || state.Balance(testUser, reserve.AToken).Int64() != 77 {
		t.Fatal("unexpected fetched balances")
	}
	if state.FlashLoanAvailable(testLoan).Int64() != 500_000 {
		t.Fatal("expected Morpho balance as flash liquidity")
	}
	if !state.IsAuthorized(testUser, testAdapter) {
		t.Fatal("expected authorization to be loaded")
	}
	fetched, _ := state.Market(m.ID)
	if fetched.LastUpdate != 2_024 || fetched.TotalBorrowAssets.Cmp(m.TotalBorrowAssets) <= 0 {
		t.Fatalf("expected market accrued to execution time, got %+v", fetched)
	}
	if state.Permit2Allowance(testUser, testLoan, testAdapter).Nonce.Int64() != 0 {
		t.Fatal("permit2 allowances are only read when a permit2 address is set")
	}
}

func TestFetchToleratesMissingOracle(t *testing.T) {
	reader := newFakeReader()
	m := testMarket()
	reader.markets[m.ID] = m
	state, err := Fetch(context.Background(), reader, FetchRequest{ChainID: 1, Morpho: testMorpho, Accounts: []common.Address{testUser}, Markets: []common.Hash{m.ID}})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if _, err := state.CollateralValue(m.ID, testUser); !clierr.Is(err, clierr.CodeOracleUnavailable) {
		t.Fatalf("expected oracle unavailable, got %v", err)
	}
}
