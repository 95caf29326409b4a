package simulation

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/logging"
	"golang.org/x/sync/errgroup"
)

// ChainReader is the chain data source a State is populated from.
type ChainReader interface {
	BlockTimestamp(ctx context.Context) (int64, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Permit2Allowance(ctx context.Context, owner, token, spender common.Address) (Permit2Allowance, error)
	// Market returns params and accounting; BorrowRate and Price are left unset.
	Market(ctx context.Context, id common.Hash) (Market, error)
	BorrowRate(ctx context.Context, market Market) (*big.Int, error)
	OraclePrice(ctx context.Context, oracle common.Address) (*big.Int, error)
	Position(ctx context.Context, id common.Hash, account common.Address) (Position, error)
	IsAuthorized(ctx context.Context, authorizer, authorized common.Address) (bool, error)
	Vault(ctx context.Context, vault common.Address) (Vault, error)
	AaveReserves(ctx context.Context) ([]Reserve, error)
	Decimals(ctx context.Context, token common.Address) (int, error)
}

type Authorization struct {
	Authorizer common.Address
	Authorized common.Address
}

// FetchRequest declares the closure of accounts and contracts a plan touches.
type FetchRequest struct {
	ChainID int64
	Morpho  common.Address
	// Accounts are tracked: every token balance below is read for each of them.
	Accounts []common.Address
	Tokens   []common.Address
	// Owner is the account whose ERC-20 and Permit2 allowances are read for Spenders.
	Owner          common.Address
	Spenders       []common.Address
	Permit2        common.Address
	Markets        []common.Hash
	Vaults         []common.Address
	AaveReserves   bool
	Authorizations []Authorization
	// ExecutionDelay is added to the latest block timestamp before accrual.
	ExecutionDelay time.Duration
	PriceScale     *big.Int
	Concurrency    int
}

// Fetch reads the declared closure concurrently and returns a State accrued to
// the expected execution timestamp.
func Fetch(ctx context.Context, reader ChainReader, req FetchRequest) (*State, error) {
	log := logging.ForComponent(ctx, "simulation")
	limit := req.Concurrency
	if limit <= 0 {
		limit = 8
	}

	var (
		timestamp int64
		vaults    = make([]Vault, len(req.Vaults))
		reserves  []Reserve
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	g.Go(func() error {
		ts, err := reader.BlockTimestamp(gctx)
		if err != nil {
			return clierr.Wrap(clierr.CodeUnavailable, "read block timestamp", err)
		}
		timestamp = ts
		return nil
	})
	for i, addr := range req.Vaults {
		g.Go(func() error {
			v, err := reader.Vault(gctx, addr)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "read vault "+addr.Hex(), err)
			}
			v.Address = addr
			vaults[i] = v
			return nil
		})
	}
	if req.AaveReserves {
		g.Go(func() error {
			list, err := reader.AaveReserves(gctx)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "read aave reserves", err)
			}
			reserves = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	state := New(req.ChainID, timestamp, req.Morpho)
	if req.PriceScale != nil {
		state.PriceScale = new(big.Int).Set(req.PriceScale)
	}
	state.Track(req.Accounts...)

	marketIDs := uniqueHashes(req.Markets)
	tokens := append([]common.Address{}, req.Tokens...)
	for _, v := range vaults {
		state.AddVault(v)
		marketIDs = uniqueHashes(append(marketIDs, v.Allocations...))
		tokens = append(tokens, v.Asset, v.Address)
	}
	for _, r := range reserves {
		state.AddReserve(r)
		tokens = append(tokens, r.Asset, r.AToken, r.VariableDebtToken)
	}

	var mu sync.Mutex
	markets := make([]Market, len(marketIDs))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range marketIDs {
		g.Go(func() error {
			m, err := reader.Market(gctx, id)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "read market "+id.Hex(), err)
			}
			m.ID = id
			rate, err := reader.BorrowRate(gctx, m)
			if err != nil {
				log.Debug().Err(err).Str("market", id.Hex()).Msg("borrow rate unavailable, accruing at zero")
				rate = new(big.Int)
			}
			m.BorrowRate = rate
			price, err := reader.OraclePrice(gctx, m.Params.Oracle)
			if err != nil {
				log.Debug().Err(err).Str("market", id.Hex()).Msg("oracle price unavailable")
				price = nil
			}
			m.Price = price
			markets[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, m := range markets {
		state.AddMarket(m)
		tokens = append(tokens, m.Params.LoanToken, m.Params.CollateralToken)
	}
	tokens = uniqueAddresses(tokens)

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, account := range uniqueAddresses(req.Accounts) {
		g.Go(func() error {
			bal, err := reader.NativeBalance(gctx, account)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "read native balance", err)
			}
			mu.Lock()
			state.SetNativeBalance(account, bal)
			mu.Unlock()
			return nil
		})
		for _, token := range tokens {
			g.Go(func() error {
				bal, err := reader.BalanceOf(gctx, token, account)
				if err != nil {
					return clierr.Wrap(clierr.CodeUnavailable, "read balance of "+token.Hex(), err)
				}
				mu.Lock()
				state.SetBalance(account, token, bal)
				mu.Unlock()
				return nil
			})
		}
	}
	// Vault allocations are needed to recompute vault total assets.
	for _, v := range vaults {
		for _, id := range v.Allocations {
			g.Go(func() error {
				pos, err := reader.Position(gctx, id, v.Address)
				if err != nil {
					return clierr.Wrap(clierr.CodeUnavailable, "read vault allocation", err)
				}
				mu.Lock()
				state.SetPosition(id, v.Address, pos)
				mu.Unlock()
				return nil
			})
		}
	}
	for _, id := range marketIDs {
		for _, account := range uniqueAddresses(req.Accounts) {
			g.Go(func() error {
				pos, err := reader.Position(gctx, id, account)
				if err != nil {
					return clierr.Wrap(clierr.CodeUnavailable, "read position", err)
				}
				mu.Lock()
				state.SetPosition(id, account, pos)
				mu.Unlock()
				return nil
			})
		}
	}
	if req.Owner != (common.Address{}) {
		for _, token := range tokens {
			for _, spender := range uniqueAddresses(req.Spenders) {
				g.Go(func() error {
					allowance, err := reader.Allowance(gctx, token, req.Owner, spender)
					if err != nil {
						return clierr.Wrap(clierr.CodeUnavailable, "read allowance", err)
					}
					mu.Lock()
					state.SetAllowance(req.Owner, token, spender, allowance)
					mu.Unlock()
					return nil
				})
				if req.Permit2 == (common.Address{}) || spender == req.Permit2 {
					continue
				}
				g.Go(func() error {
					allowance, err := reader.Permit2Allowance(gctx, req.Owner, token, spender)
					if err != nil {
						return clierr.Wrap(clierr.CodeUnavailable, "read permit2 allowance", err)
					}
					mu.Lock()
					state.SetPermit2Allowance(req.Owner, token, spender, allowance)
					mu.Unlock()
					return nil
				})
			}
		}
	}
	for _, token := range tokens {
		g.Go(func() error {
			d, err := reader.Decimals(gctx, token)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "read decimals of "+token.Hex(), err)
			}
			mu.Lock()
			state.SetDecimals(token, d)
			mu.Unlock()
			return nil
		})
	}
	for _, a := range req.Authorizations {
		g.Go(func() error {
			ok, err := reader.IsAuthorized(gctx, a.Authorizer, a.Authorized)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "read morpho authorization", err)
			}
			mu.Lock()
			state.SetAuthorization(a.Authorizer, a.Authorized, ok)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	target := timestamp + int64(req.ExecutionDelay/time.Second)
	if err := state.AccrueInterest(target); err != nil {
		return nil, err
	}
	log.Debug().
		Int("markets", len(marketIDs)).
		Int("vaults", len(vaults)).
		Int("tokens", len(tokens)).
		Int64("timestamp", target).
		Msg("simulation state fetched")
	return state, nil
}

func uniqueAddresses(in []common.Address) []common.Address {
	seen := map[common.Address]bool{}
	out := make([]common.Address, 0, len(in))
	for _, a := range in {
		if a == (common.Address{}) || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

func uniqueHashes(in []common.Hash) []common.Hash {
	seen := map[common.Hash]bool{}
	out := make([]common.Hash, 0, len(in))
	for _, h := range in {
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
