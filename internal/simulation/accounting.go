package simulation

import (
	"math/big"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
)

func (s *State) market(id common.Hash) (*Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return nil, clierr.Newf(clierr.CodeSimulationFailure, "market %s is not part of the simulation", id.Hex())
	}
	return m, nil
}

func (s *State) ToBorrowAssets(id common.Hash, shares *big.Int, r mathx.Rounding) (*big.Int, error) {
	m, err := s.market(id)
	if err != nil {
		return nil, err
	}
	return mathx.ToAssets(shares, m.TotalBorrowAssets, m.TotalBorrowShares, r), nil
}

func (s *State) ToBorrowShares(id common.Hash, assets *big.Int, r mathx.Rounding) (*big.Int, error) {
	m, err := s.market(id)
	if err != nil {
		return nil, err
	}
	return mathx.ToShares(assets, m.TotalBorrowAssets, m.TotalBorrowShares, r), nil
}

func (s *State) ToSupplyAssets(id common.Hash, shares *big.Int, r mathx.Rounding) (*big.Int, error) {
	m, err := s.market(id)
	if err != nil {
		return nil, err
	}
	return mathx.ToAssets(shares, m.TotalSupplyAssets, m.TotalSupplyShares, r), nil
}

func (s *State) ToSupplyShares(id common.Hash, assets *big.Int, r mathx.Rounding) (*big.Int, error) {
	m, err := s.market(id)
	if err != nil {
		return nil, err
	}
	return mathx.ToShares(assets, m.TotalSupplyAssets, m.TotalSupplyShares, r), nil
}

// BorrowAssets is the debt of account in id, rounded up.
func (s *State) BorrowAssets(id common.Hash, account common.Address) (*big.Int, error) {
	return s.ToBorrowAssets(id, s.Position(id, account).BorrowShares, mathx.Up)
}

// SupplyAssets is the supplied balance of account in id, rounded down.
func (s *State) SupplyAssets(id common.Hash, account common.Address) (*big.Int, error) {
	return s.ToSupplyAssets(id, s.Position(id, account).SupplyShares, mathx.Down)
}

// Liquidity is the amount of loan token that can still be borrowed from id.
func (s *State) Liquidity(id common.Hash) (*big.Int, error) {
	m, err := s.market(id)
	if err != nil {
		return nil, err
	}
	return mathx.ZeroFloorSub(m.TotalSupplyAssets, m.TotalBorrowAssets), nil
}

// FlashLoanAvailable is the Morpho balance of token, the ceiling of a flash loan.
func (s *State) FlashLoanAvailable(token common.Address) *big.Int {
	return s.Balance(s.Morpho, token)
}

func (s *State) price(m *Market) (*big.Int, error) {
	if m.Price == nil || m.Price.Sign() == 0 {
		return nil, clierr.Newf(clierr.CodeOracleUnavailable, "oracle price for market %s is unavailable", m.ID.Hex())
	}
	return m.Price, nil
}

// CollateralValue is the collateral of account priced in loan token units, rounded down.
func (s *State) CollateralValue(id common.Hash, account common.Address) (*big.Int, error) {
	m, err := s.market(id)
	if err != nil {
		return nil, err
	}
	price, err := s.price(m)
	if err != nil {
		return nil, err
	}
	return mathx.MulDivDown(s.Position(id, account).Collateral, price, s.PriceScale), nil
}

// MaxBorrow is the largest debt account can carry in id.
func (s *State) MaxBorrow(id common.Hash, account common.Address) (*big.Int, error) {
	value, err := s.CollateralValue(id, account)
	if err != nil {
		return nil, err
	}
	m, _ := s.market(id)
	return mathx.WMulDown(value, m.Params.LLTV), nil
}

// LTV returns the loan-to-value of account in id. ok is false when the account
// has no debt, where LTV is undefined.
func (s *State) LTV(id common.Hash, account common.Address) (sdkmath.LegacyDec, bool, error) {
	pos := s.Position(id, account)
	if pos.BorrowShares.Sign() == 0 {
		return sdkmath.LegacyDec{}, false, nil
	}
	borrowed, err := s.BorrowAssets(id, account)
	if err != nil {
		return sdkmath.LegacyDec{}, false, err
	}
	value, err := s.CollateralValue(id, account)
	if err != nil {
		return sdkmath.LegacyDec{}, false, err
	}
	if value.Sign() == 0 {
		return sdkmath.LegacyDec{}, false, clierr.Newf(clierr.CodeSimulationFailure, "position in market %s has debt but no collateral value", id.Hex())
	}
	return mathx.WadDec(mathx.WDivUp(borrowed, value)), true, nil
}

// IsHealthy reports whether the debt of account is covered by its max borrow.
func (s *State) IsHealthy(id common.Hash, account common.Address) (bool, error) {
	pos := s.Position(id, account)
	if pos.BorrowShares.Sign() == 0 {
		return true, nil
	}
	borrowed, err := s.BorrowAssets(id, account)
	if err != nil {
		return false, err
	}
	maxBorrow, err := s.MaxBorrow(id, account)
	if err != nil {
		return false, err
	}
	return maxBorrow.Cmp(borrowed) >= 0, nil
}

// Supply applies morpho.supply: assets move from `from` into the market and
// shares are minted to onBehalf. Returns the minted shares.
func (s *State) Supply(id common.Hash, from, onBehalf common.Address, assets *big.Int) (*big.Int, error) {
	m, err := s.market(id)
	if err != nil {
		return nil, err
	}
	shares := mathx.ToShares(assets, m.TotalSupplyAssets, m.TotalSupplyShares, mathx.Down)
	if err := s.Move(m.Params.LoanToken, from, s.Morpho, assets); err != nil {
		return nil, err
	}
	pos := s.position(id, onBehalf)
	pos.SupplyShares = new(big.Int).Add(pos.SupplyShares, shares)
	m.TotalSupplyAssets = new(big.Int).Add(m.TotalSupplyAssets, assets)
	m.TotalSupplyShares = new(big.Int).Add(m.TotalSupplyShares, shares)
	return shares, nil
}

func (s *State) SupplyCollateral(id common.Hash, from, onBehalf common.Address, assets *big.Int) error {
	m, err := s.market(id)
	if err != nil {
		return err
	}
	if err := s.Move(m.Params.CollateralToken, from, s.Morpho, assets); err != nil {
		return err
	}
	pos := s.position(id, onBehalf)
	pos.Collateral = new(big.Int).Add(pos.Collateral, assets)
	return nil
}

func (s *State) WithdrawCollateral(id common.Hash, onBehalf, receiver common.Address, assets *big.Int) error {
	m, err := s.market(id)
	if err != nil {
		return err
	}
	pos := s.position(id, onBehalf)
	if pos.Collateral.Cmp(assets) < 0 {
		return clierr.Newf(clierr.CodeSimulationFailure, "withdraw of %s collateral exceeds position of %s", assets, pos.Collateral)
	}
	collateral := new(big.Int).Sub(pos.Collateral, assets)
	if err := s.requireHealthyWith(m, onBehalf, collateral, pos.BorrowShares, m.TotalBorrowAssets, m.TotalBorrowShares); err != nil {
		return err
	}
	if err := s.Move(m.Params.CollateralToken, s.Morpho, receiver, assets); err != nil {
		return err
	}
	pos.Collateral = collateral
	return nil
}

// Borrow applies morpho.borrow and returns the borrow shares minted. A
// rejected borrow leaves the state untouched.
func (s *State) Borrow(id common.Hash, onBehalf, receiver common.Address, assets *big.Int) (*big.Int, error) {
	m, err := s.market(id)
	if err != nil {
		return nil, err
	}
	shares := mathx.ToShares(assets, m.TotalBorrowAssets, m.TotalBorrowShares, mathx.Up)
	totalAssets := new(big.Int).Add(m.TotalBorrowAssets, assets)
	if totalAssets.Cmp(m.TotalSupplyAssets) > 0 {
		return nil, clierr.Newf(clierr.CodeInsufficientLiquidity, "market %s cannot lend %s", id.Hex(), assets)
	}
	totalShares := new(big.Int).Add(m.TotalBorrowShares, shares)
	pos := s.position(id, onBehalf)
	borrowShares := new(big.Int).Add(pos.BorrowShares, shares)
	if err := s.requireHealthyWith(m, onBehalf, pos.Collateral, borrowShares, totalAssets, totalShares); err != nil {
		return nil, err
	}
	if err := s.Move(m.Params.LoanToken, s.Morpho, receiver, assets); err != nil {
		return nil, err
	}
	pos.BorrowShares = borrowShares
	m.TotalBorrowAssets = totalAssets
	m.TotalBorrowShares = totalShares
	return shares, nil
}

// Repay applies morpho.repay. Exactly one of assets and shares must be non-zero.
// Returns the repaid assets and burnt shares.
func (s *State) Repay(id common.Hash, from, onBehalf common.Address, assets, shares *big.Int) (*big.Int, *big.Int, error) {
	m, err := s.market(id)
	if err != nil {
		return nil, nil, err
	}
	if (assets.Sign() == 0) == (shares.Sign() == 0) {
		return nil, nil, clierr.New(clierr.CodeSimulationFailure, "repay requires exactly one of assets or shares")
	}
	if shares.Sign() > 0 {
		assets = mathx.ToAssets(shares, m.TotalBorrowAssets, m.TotalBorrowShares, mathx.Up)
	} else {
		shares = mathx.ToShares(assets, m.TotalBorrowAssets, m.TotalBorrowShares, mathx.Down)
	}
	pos := s.position(id, onBehalf)
	if pos.BorrowShares.Cmp(shares) < 0 {
		return nil, nil, clierr.Newf(clierr.CodeSimulationFailure, "repay of %s shares exceeds debt of %s shares", shares, pos.BorrowShares)
	}
	if err := s.Move(m.Params.LoanToken, from, s.Morpho, assets); err != nil {
		return nil, nil, err
	}
	pos.BorrowShares = new(big.Int).Sub(pos.BorrowShares, shares)
	m.TotalBorrowShares = new(big.Int).Sub(m.TotalBorrowShares, shares)
	m.TotalBorrowAssets = mathx.ZeroFloorSub(m.TotalBorrowAssets, assets)
	return assets, shares, nil
}

// requireHealthyWith checks a prospective position against the market
// without writing it.
func (s *State) requireHealthyWith(m *Market, account common.Address, collateral, borrowShares, totalBorrowAssets, totalBorrowShares *big.Int) error {
	if borrowShares.Sign() == 0 {
		return nil
	}
	price, err := s.price(m)
	if err != nil {
		return err
	}
	borrowed := mathx.ToAssets(borrowShares, totalBorrowAssets, totalBorrowShares, mathx.Up)
	maxBorrow := mathx.WMulDown(mathx.MulDivDown(collateral, price, s.PriceScale), m.Params.LLTV)
	if maxBorrow.Cmp(borrowed) < 0 {
		return clierr.Newf(clierr.CodeSimulationFailure, "position of %s in market %s would be unhealthy", account.Hex(), m.ID.Hex())
	}
	return nil
}

func (v *Vault) virtualShares() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.DecimalsOffset)), nil)
}

// ConvertToShares follows the ERC-4626 virtual offset convention.
func (s *State) ConvertToShares(vault common.Address, assets *big.Int, r mathx.Rounding) (*big.Int, error) {
	v, ok := s.vaults[vault]
	if !ok {
		return nil, clierr.Newf(clierr.CodeSimulationFailure, "vault %s is not part of the simulation", vault.Hex())
	}
	return mathx.MulDiv(assets, new(big.Int).Add(v.TotalSupply, v.virtualShares()), new(big.Int).Add(v.TotalAssets, big.NewInt(1)), r), nil
}

func (s *State) ConvertToAssets(vault common.Address, shares *big.Int, r mathx.Rounding) (*big.Int, error) {
	v, ok := s.vaults[vault]
	if !ok {
		return nil, clierr.Newf(clierr.CodeSimulationFailure, "vault %s is not part of the simulation", vault.Hex())
	}
	return mathx.MulDiv(shares, new(big.Int).Add(v.TotalAssets, big.NewInt(1)), new(big.Int).Add(v.TotalSupply, v.virtualShares()), r), nil
}

func (s *State) VaultPosition(account, vault common.Address) (VaultPosition, error) {
	shares := s.Balance(account, vault)
	assets, err := s.ConvertToAssets(vault, shares, mathx.Down)
	if err != nil {
		return VaultPosition{}, err
	}
	return VaultPosition{Shares: shares, Assets: assets}, nil
}

// VaultDeposit moves assets from `from` into vault and mints shares to receiver.
func (s *State) VaultDeposit(vault, from, receiver common.Address, assets *big.Int) (*big.Int, error) {
	shares, err := s.ConvertToShares(vault, assets, mathx.Down)
	if err != nil {
		return nil, err
	}
	v := s.vaults[vault]
	if err := s.Move(v.Asset, from, vault, assets); err != nil {
		return nil, err
	}
	v.TotalAssets = new(big.Int).Add(v.TotalAssets, assets)
	v.LastTotalAssets = new(big.Int).Add(v.LastTotalAssets, assets)
	v.TotalSupply = new(big.Int).Add(v.TotalSupply, shares)
	s.Credit(receiver, vault, shares)
	return shares, nil
}

// VaultRedeem burns shares of owner and sends the underlying assets to receiver.
func (s *State) VaultRedeem(vault, owner, receiver common.Address, shares *big.Int) (*big.Int, error) {
	assets, err := s.ConvertToAssets(vault, shares, mathx.Down)
	if err != nil {
		return nil, err
	}
	v := s.vaults[vault]
	if err := s.Debit(owner, vault, shares); err != nil {
		return nil, err
	}
	if err := s.Move(v.Asset, vault, receiver, assets); err != nil {
		s.Credit(owner, vault, shares)
		return nil, err
	}
	v.TotalSupply = mathx.ZeroFloorSub(v.TotalSupply, shares)
	v.TotalAssets = mathx.ZeroFloorSub(v.TotalAssets, assets)
	v.LastTotalAssets = mathx.ZeroFloorSub(v.LastTotalAssets, assets)
	return assets, nil
}
