// Package simulation holds the projected on-chain state a plan is built against.
// A State is owned by exactly one planning call; every write goes through the
// mutators in this package so later steps observe the effects of earlier ones.
package simulation

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
)

type MarketParams struct {
	LoanToken       common.Address
	CollateralToken common.Address
	Oracle          common.Address
	IRM             common.Address
	LLTV            *big.Int
}

// ID is keccak256(abi.encode(params)), the Morpho market identifier.
func (p MarketParams) ID() common.Hash {
	buf := make([]byte, 0, 5*32)
	buf = append(buf, common.LeftPadBytes(p.LoanToken.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(p.CollateralToken.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(p.Oracle.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(p.IRM.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(mathx.Clone(p.LLTV).Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

type Market struct {
	ID                common.Hash
	Params            MarketParams
	TotalSupplyAssets *big.Int
	TotalSupplyShares *big.Int
	TotalBorrowAssets *big.Int
	TotalBorrowShares *big.Int
	LastUpdate        int64
	Fee               *big.Int
	// BorrowRate is the per-second WAD rate reported by the IRM.
	BorrowRate *big.Int
	// Price is nil when the oracle could not be read.
	Price *big.Int
}

type Position struct {
	SupplyShares *big.Int
	BorrowShares *big.Int
	Collateral   *big.Int
}

type Permit2Allowance struct {
	Amount     *big.Int
	Expiration int64
	Nonce      *big.Int
}

type Holding struct {
	Balance    *big.Int
	Allowances map[common.Address]*big.Int
	Permit2    map[common.Address]Permit2Allowance
}

type Vault struct {
	Address         common.Address
	Asset           common.Address
	DecimalsOffset  int
	TotalAssets     *big.Int
	TotalSupply     *big.Int
	LastTotalAssets *big.Int
	Fee             *big.Int
	// Allocations lists the Morpho markets the vault supplies to.
	Allocations []common.Hash
}

type VaultPosition struct {
	Shares *big.Int
	Assets *big.Int
}

// Reserve identifies an Aave V3 reserve and its position tokens.
type Reserve struct {
	Asset             common.Address
	AToken            common.Address
	VariableDebtToken common.Address
}

type State struct {
	ChainID    int64
	Timestamp  int64
	Morpho     common.Address
	PriceScale *big.Int

	native         map[common.Address]*big.Int
	holdings       map[common.Address]map[common.Address]*Holding
	tracked        map[common.Address]bool
	markets        map[common.Hash]*Market
	positions      map[common.Hash]map[common.Address]*Position
	vaults         map[common.Address]*Vault
	reserves       map[common.Address]Reserve
	authorizations map[common.Address]map[common.Address]bool
	decimals       map[common.Address]int
}

func New(chainID, timestamp int64, morpho common.Address) *State {
	return &State{
		ChainID:        chainID,
		Timestamp:      timestamp,
		Morpho:         morpho,
		PriceScale:     mathx.Clone(mathx.OraclePriceScale),
		native:         map[common.Address]*big.Int{},
		holdings:       map[common.Address]map[common.Address]*Holding{},
		tracked:        map[common.Address]bool{},
		markets:        map[common.Hash]*Market{},
		positions:      map[common.Hash]map[common.Address]*Position{},
		vaults:         map[common.Address]*Vault{},
		reserves:       map[common.Address]Reserve{},
		authorizations: map[common.Address]map[common.Address]bool{},
		decimals:       map[common.Address]int{},
	}
}

// Track marks account as projected: credits to it are recorded and debits are checked.
func (s *State) Track(accounts ...common.Address) {
	for _, a := range accounts {
		s.tracked[a] = true
	}
}

func (s *State) Tracked(account common.Address) bool {
	return s.tracked[account]
}

func (s *State) AddMarket(m Market) {
	c := m.clone()
	if c.ID == (common.Hash{}) {
		c.ID = c.Params.ID()
	}
	s.markets[c.ID] = &c
}

func (s *State) AddVault(v Vault) {
	c := v.clone()
	s.vaults[c.Address] = &c
}

func (s *State) AddReserve(r Reserve) {
	s.reserves[r.Asset] = r
}

func (s *State) holding(account, token common.Address) *Holding {
	byToken, ok := s.holdings[account]
	if !ok {
		byToken = map[common.Address]*Holding{}
		s.holdings[account] = byToken
	}
	h, ok := byToken[token]
	if !ok {
		h = &Holding{Balance: new(big.Int), Allowances: map[common.Address]*big.Int{}, Permit2: map[common.Address]Permit2Allowance{}}
		byToken[token] = h
	}
	return h
}

func (s *State) position(id common.Hash, account common.Address) *Position {
	byAccount, ok := s.positions[id]
	if !ok {
		byAccount = map[common.Address]*Position{}
		s.positions[id] = byAccount
	}
	p, ok := byAccount[account]
	if !ok {
		p = &Position{SupplyShares: new(big.Int), BorrowShares: new(big.Int), Collateral: new(big.Int)}
		byAccount[account] = p
	}
	return p
}

// Holding returns a copy of the projected holding.
func (s *State) Holding(account, token common.Address) Holding {
	if h, ok := s.holdings[account][token]; ok {
		return h.clone()
	}
	return Holding{Balance: new(big.Int), Allowances: map[common.Address]*big.Int{}, Permit2: map[common.Address]Permit2Allowance{}}
}

func (s *State) Balance(account, token common.Address) *big.Int {
	if h, ok := s.holdings[account][token]; ok {
		return mathx.Clone(h.Balance)
	}
	return new(big.Int)
}

func (s *State) Allowance(owner, token, spender common.Address) *big.Int {
	if h, ok := s.holdings[owner][token]; ok {
		return mathx.Clone(h.Allowances[spender])
	}
	return new(big.Int)
}

func (s *State) Permit2Allowance(owner, token, spender common.Address) Permit2Allowance {
	if h, ok := s.holdings[owner][token]; ok {
		if p, ok := h.Permit2[spender]; ok {
			return Permit2Allowance{Amount: mathx.Clone(p.Amount), Expiration: p.Expiration, Nonce: mathx.Clone(p.Nonce)}
		}
	}
	return Permit2Allowance{Amount: new(big.Int), Nonce: new(big.Int)}
}

func (s *State) NativeBalance(account common.Address) *big.Int {
	return mathx.Clone(s.native[account])
}

func (s *State) IsAuthorized(authorizer, authorized common.Address) bool {
	return s.authorizations[authorizer][authorized]
}

// HeldTokens lists the tokens with a positive projected balance for account.
func (s *State) HeldTokens(account common.Address) []common.Address {
	out := []common.Address{}
	for token, h := range s.holdings[account] {
		if h.Balance.Sign() > 0 {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Debit removes amount of token from account. Untracked accounts are external
// to the projection and are not checked.
func (s *State) Debit(account, token common.Address, amount *big.Int) error {
	if !s.tracked[account] {
		return nil
	}
	h := s.holding(account, token)
	if h.Balance.Cmp(amount) < 0 {
		return clierr.Newf(clierr.CodeInsufficientBalance, "%s holds %s of %s, needs %s", account.Hex(), h.Balance, token.Hex(), amount)
	}
	h.Balance = new(big.Int).Sub(h.Balance, amount)
	return nil
}

// Credit adds amount of token to account when the account is tracked.
func (s *State) Credit(account, token common.Address, amount *big.Int) {
	if !s.tracked[account] {
		return
	}
	h := s.holding(account, token)
	h.Balance = new(big.Int).Add(h.Balance, amount)
}

// Move debits from and credits to in one step.
func (s *State) Move(token, from, to common.Address, amount *big.Int) error {
	if err := s.Debit(from, token, amount); err != nil {
		return err
	}
	s.Credit(to, token, amount)
	return nil
}

// SetBalance overwrites a projected balance. Used when loading state.
func (s *State) SetBalance(account, token common.Address, amount *big.Int) {
	s.tracked[account] = true
	s.holding(account, token).Balance = mathx.Clone(amount)
}

func (s *State) SetNativeBalance(account common.Address, amount *big.Int) {
	s.tracked[account] = true
	s.native[account] = mathx.Clone(amount)
}

func (s *State) DebitNative(account common.Address, amount *big.Int) error {
	if !s.tracked[account] {
		return nil
	}
	bal := s.NativeBalance(account)
	if bal.Cmp(amount) < 0 {
		return clierr.Newf(clierr.CodeInsufficientBalance, "%s holds %s native, needs %s", account.Hex(), bal, amount)
	}
	s.native[account] = bal.Sub(bal, amount)
	return nil
}

func (s *State) CreditNative(account common.Address, amount *big.Int) {
	if !s.tracked[account] {
		return
	}
	s.native[account] = new(big.Int).Add(s.NativeBalance(account), amount)
}

func (s *State) SetAllowance(owner, token, spender common.Address, amount *big.Int) {
	s.holding(owner, token).Allowances[spender] = mathx.Clone(amount)
}

// SpendAllowance consumes an ERC-20 allowance. A max allowance is never decreased.
func (s *State) SpendAllowance(owner, token, spender common.Address, amount *big.Int) error {
	h := s.holding(owner, token)
	current := mathx.Clone(h.Allowances[spender])
	if mathx.IsMax(current) {
		return nil
	}
	if current.Cmp(amount) < 0 {
		return clierr.Newf(clierr.CodeSimulationFailure, "allowance of %s for %s is %s, transfer needs %s", token.Hex(), spender.Hex(), current, amount)
	}
	h.Allowances[spender] = current.Sub(current, amount)
	return nil
}

func (s *State) SetPermit2Allowance(owner, token, spender common.Address, allowance Permit2Allowance) {
	s.holding(owner, token).Permit2[spender] = Permit2Allowance{
		Amount:     mathx.Clone(allowance.Amount),
		Expiration: allowance.Expiration,
		Nonce:      mathx.Clone(allowance.Nonce),
	}
}

// SpendPermit2Allowance consumes a Permit2 allowance, checking its expiration
// against the projected execution timestamp.
func (s *State) SpendPermit2Allowance(owner, token, spender common.Address, amount *big.Int) error {
	h := s.holding(owner, token)
	p, ok := h.Permit2[spender]
	if !ok || p.Amount == nil || p.Amount.Cmp(amount) < 0 {
		return clierr.Newf(clierr.CodeSimulationFailure, "permit2 allowance of %s for %s does not cover %s", token.Hex(), spender.Hex(), amount)
	}
	if p.Expiration < s.Timestamp {
		return clierr.Newf(clierr.CodeSimulationFailure, "permit2 allowance of %s for %s expired", token.Hex(), spender.Hex())
	}
	if !isMaxUint160(p.Amount) {
		p.Amount = new(big.Int).Sub(p.Amount, amount)
	}
	h.Permit2[spender] = p
	return nil
}

func (s *State) SetAuthorization(authorizer, authorized common.Address, ok bool) {
	byAuthorizer, exists := s.authorizations[authorizer]
	if !exists {
		byAuthorizer = map[common.Address]bool{}
		s.authorizations[authorizer] = byAuthorizer
	}
	byAuthorizer[authorized] = ok
}

// SetPosition overwrites a Morpho position. Used when loading state.
func (s *State) SetPosition(id common.Hash, account common.Address, p Position) {
	pos := s.position(id, account)
	pos.SupplyShares = mathx.Clone(p.SupplyShares)
	pos.BorrowShares = mathx.Clone(p.BorrowShares)
	pos.Collateral = mathx.Clone(p.Collateral)
}

func (s *State) Market(id common.Hash) (Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return Market{}, clierr.Newf(clierr.CodeSimulationFailure, "market %s is not part of the simulation", id.Hex())
	}
	return m.clone(), nil
}

func (s *State) Position(id common.Hash, account common.Address) Position {
	if p, ok := s.positions[id][account]; ok {
		return Position{SupplyShares: mathx.Clone(p.SupplyShares), BorrowShares: mathx.Clone(p.BorrowShares), Collateral: mathx.Clone(p.Collateral)}
	}
	return Position{SupplyShares: new(big.Int), BorrowShares: new(big.Int), Collateral: new(big.Int)}
}

func (s *State) Vault(address common.Address) (Vault, error) {
	v, ok := s.vaults[address]
	if !ok {
		return Vault{}, clierr.Newf(clierr.CodeSimulationFailure, "vault %s is not part of the simulation", address.Hex())
	}
	return v.clone(), nil
}

func (s *State) SetDecimals(token common.Address, decimals int) {
	s.decimals[token] = decimals
}

// Decimals reports the ERC-20 decimals of token when they were loaded.
func (s *State) Decimals(token common.Address) (int, bool) {
	d, ok := s.decimals[token]
	return d, ok
}

func (s *State) Reserve(asset common.Address) (Reserve, bool) {
	r, ok := s.reserves[asset]
	return r, ok
}

// Reserves returns every loaded Aave reserve ordered by asset address.
func (s *State) Reserves() []Reserve {
	out := make([]Reserve, 0, len(s.reserves))
	for _, r := range s.reserves {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset.Cmp(out[j].Asset) < 0 })
	return out
}

// Clone deep-copies the state for what-if planning.
func (s *State) Clone() *State {
	out := New(s.ChainID, s.Timestamp, s.Morpho)
	out.PriceScale = mathx.Clone(s.PriceScale)
	for a, v := range s.native {
		out.native[a] = mathx.Clone(v)
	}
	for a := range s.tracked {
		out.tracked[a] = true
	}
	for a, byToken := range s.holdings {
		for t, h := range byToken {
			c := h.clone()
			out.holding(a, t)
			out.holdings[a][t] = &c
		}
	}
	for id, m := range s.markets {
		c := m.clone()
		out.markets[id] = &c
	}
	for id, byAccount := range s.positions {
		for a, p := range byAccount {
			out.SetPosition(id, a, *p)
		}
	}
	for a, v := range s.vaults {
		c := v.clone()
		out.vaults[a] = &c
	}
	for a, r := range s.reserves {
		out.reserves[a] = r
	}
	for t, d := range s.decimals {
		out.decimals[t] = d
	}
	for a, byAuthorized := range s.authorizations {
		for b, ok := range byAuthorized {
			out.SetAuthorization(a, b, ok)
		}
	}
	return out
}

func (h *Holding) clone() Holding {
	out := Holding{Balance: mathx.Clone(h.Balance), Allowances: map[common.Address]*big.Int{}, Permit2: map[common.Address]Permit2Allowance{}}
	for k, v := range h.Allowances {
		out.Allowances[k] = mathx.Clone(v)
	}
	for k, v := range h.Permit2 {
		out.Permit2[k] = Permit2Allowance{Amount: mathx.Clone(v.Amount), Expiration: v.Expiration, Nonce: mathx.Clone(v.Nonce)}
	}
	return out
}

func (m Market) clone() Market {
	out := m
	out.Params.LLTV = mathx.Clone(m.Params.LLTV)
	out.TotalSupplyAssets = mathx.Clone(m.TotalSupplyAssets)
	out.TotalSupplyShares = mathx.Clone(m.TotalSupplyShares)
	out.TotalBorrowAssets = mathx.Clone(m.TotalBorrowAssets)
	out.TotalBorrowShares = mathx.Clone(m.TotalBorrowShares)
	out.Fee = mathx.Clone(m.Fee)
	out.BorrowRate = mathx.Clone(m.BorrowRate)
	if m.Price != nil {
		out.Price = mathx.Clone(m.Price)
	}
	return out
}

func (v Vault) clone() Vault {
	out := v
	out.TotalAssets = mathx.Clone(v.TotalAssets)
	out.TotalSupply = mathx.Clone(v.TotalSupply)
	out.LastTotalAssets = mathx.Clone(v.LastTotalAssets)
	out.Fee = mathx.Clone(v.Fee)
	out.Allocations = append([]common.Hash(nil), v.Allocations...)
	return out
}

var maxUint160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))

func isMaxUint160(v *big.Int) bool {
	return v != nil && v.Cmp(maxUint160) == 0
}

// MaxUint160 is the Permit2 unlimited allowance amount.
func MaxUint160() *big.Int {
	return mathx.Clone(maxUint160)
}
