package simulation

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ggonzalez94/defi-bundler/internal/registry"
)

var (
	erc20ABI      = mustABI(registry.ERC20MinimalABI)
	erc4626ABI    = mustABI(registry.ERC4626ABI)
	metaMorphoABI = mustABI(registry.MetaMorphoABI)
	morphoABI     = mustABI(registry.MorphoBlueABI)
	oracleABI     = mustABI(registry.MorphoOracleABI)
	irmABI        = mustABI(registry.MorphoIRMABI)
	permit2ABI    = mustABI(registry.Permit2ABI)
	aaveProvABI   = mustABI(registry.AavePoolAddressProviderABI)
	aavePoolABI   = mustABI(registry.AavePoolABI)
)

// RPCReader implements ChainReader over a JSON-RPC endpoint. All reads are
// pinned to the block observed first so the snapshot is consistent.
type RPCReader struct {
	client                  *ethclient.Client
	morpho                  common.Address
	permit2                 common.Address
	aavePoolAddressProvider common.Address

	mu     sync.Mutex
	header *types.Header
}

func NewRPCReader(client *ethclient.Client, contracts registry.BundlerContracts, aavePoolAddressProvider common.Address) *RPCReader {
	return &RPCReader{
		client:                  client,
		morpho:                  contracts.Morpho,
		permit2:                 contracts.Permit2,
		aavePoolAddressProvider: aavePoolAddressProvider,
	}
}

func DialRPCReader(ctx context.Context, rpcURL string, contracts registry.BundlerContracts, aavePoolAddressProvider common.Address) (*RPCReader, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	return NewRPCReader(client, contracts, aavePoolAddressProvider), nil
}

func (r *RPCReader) Close() {
	r.client.Close()
}

// pin returns the block every read of this reader is evaluated at.
func (r *RPCReader) pin(ctx context.Context) (*types.Header, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.header != nil {
		return r.header, nil
	}
	header, err := r.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	r.header = header
	return header, nil
}

func (r *RPCReader) BlockTimestamp(ctx context.Context) (int64, error) {
	header, err := r.pin(ctx)
	if err != nil {
		return 0, err
	}
	return int64(header.Time), nil
}

func (r *RPCReader) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	header, err := r.pin(ctx)
	if err != nil {
		return nil, err
	}
	return r.client.BalanceAt(ctx, account, header.Number)
}

func (r *RPCReader) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	out, err := r.call(ctx, erc20ABI, token, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return bigAt(out, 0)
}

func (r *RPCReader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	out, err := r.call(ctx, erc20ABI, token, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return bigAt(out, 0)
}

func (r *RPCReader) Permit2Allowance(ctx context.Context, owner, token, spender common.Address) (Permit2Allowance, error) {
	out, err := r.call(ctx, permit2ABI, r.permit2, "allowance", owner, token, spender)
	if err != nil {
		return Permit2Allowance{}, err
	}
	amount, err := bigAt(out, 0)
	if err != nil {
		return Permit2Allowance{}, err
	}
	expiration, err := bigAt(out, 1)
	if err != nil {
		return Permit2Allowance{}, err
	}
	nonce, err := bigAt(out, 2)
	if err != nil {
		return Permit2Allowance{}, err
	}
	return Permit2Allowance{Amount: amount, Expiration: expiration.Int64(), Nonce: nonce}, nil
}

func (r *RPCReader) Market(ctx context.Context, id common.Hash) (Market, error) {
	params, err := r.call(ctx, morphoABI, r.morpho, "idToMarketParams", id)
	if err != nil {
		return Market{}, err
	}
	if len(params) != 5 {
		return Market{}, fmt.Errorf("unexpected idToMarketParams output")
	}
	lltv, err := bigAt(params, 4)
	if err != nil {
		return Market{}, err
	}
	mp := MarketParams{
		LoanToken:       params[0].(common.Address),
		CollateralToken: params[1].(common.Address),
		Oracle:          params[2].(common.Address),
		IRM:             params[3].(common.Address),
		LLTV:            lltv,
	}
	if mp.LoanToken == (common.Address{}) {
		return Market{}, fmt.Errorf("market %s is not created", id.Hex())
	}

	acct, err := r.call(ctx, morphoABI, r.morpho, "market", id)
	if err != nil {
		return Market{}, err
	}
	values := make([]*big.Int, 6)
	for i := range values {
		if values[i], err = bigAt(acct, i); err != nil {
			return Market{}, err
		}
	}
	return Market{
		ID:                id,
		Params:            mp,
		TotalSupplyAssets: values[0],
		TotalSupplyShares: values[1],
		TotalBorrowAssets: values[2],
		TotalBorrowShares: values[3],
		LastUpdate:        values[4].Int64(),
		Fee:               values[5],
	}, nil
}

type irmMarketParams struct {
	LoanToken       common.Address
	CollateralToken common.Address
	Oracle          common.Address
	Irm             common.Address
	Lltv            *big.Int
}

type irmMarket struct {
	TotalSupplyAssets *big.Int
	TotalSupplyShares *big.Int
	TotalBorrowAssets *big.Int
	TotalBorrowShares *big.Int
	LastUpdate        *big.Int
	Fee               *big.Int
}

func (r *RPCReader) BorrowRate(ctx context.Context, m Market) (*big.Int, error) {
	if m.Params.IRM == (common.Address{}) {
		return new(big.Int), nil
	}
	out, err := r.call(ctx, irmABI, m.Params.IRM, "borrowRateView",
		irmMarketParams{
			LoanToken:       m.Params.LoanToken,
			CollateralToken: m.Params.CollateralToken,
			Oracle:          m.Params.Oracle,
			Irm:             m.Params.IRM,
			Lltv:            m.Params.LLTV,
		},
		irmMarket{
			TotalSupplyAssets: m.TotalSupplyAssets,
			TotalSupplyShares: m.TotalSupplyShares,
			TotalBorrowAssets: m.TotalBorrowAssets,
			TotalBorrowShares: m.TotalBorrowShares,
			LastUpdate:        big.NewInt(m.LastUpdate),
			Fee:               m.Fee,
		},
	)
	if err != nil {
		return nil, err
	}
	return bigAt(out, 0)
}

func (r *RPCReader) OraclePrice(ctx context.Context, oracle common.Address) (*big.Int, error) {
	if oracle == (common.Address{}) {
		return nil, fmt.Errorf("market has no oracle")
	}
	out, err := r.call(ctx, oracleABI, oracle, "price")
	if err != nil {
		return nil, err
	}
	return bigAt(out, 0)
}

func (r *RPCReader) Position(ctx context.Context, id common.Hash, account common.Address) (Position, error) {
	out, err := r.call(ctx, morphoABI, r.morpho, "position", id, account)
	if err != nil {
		return Position{}, err
	}
	supply, err := bigAt(out, 0)
	if err != nil {
		return Position{}, err
	}
	borrow, err := bigAt(out, 1)
	if err != nil {
		return Position{}, err
	}
	collateral, err := bigAt(out, 2)
	if err != nil {
		return Position{}, err
	}
	return Position{SupplyShares: supply, BorrowShares: borrow, Collateral: collateral}, nil
}

func (r *RPCReader) IsAuthorized(ctx context.Context, authorizer, authorized common.Address) (bool, error) {
	out, err := r.call(ctx, morphoABI, r.morpho, "isAuthorized", authorizer, authorized)
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("unexpected isAuthorized output")
	}
	ok, _ := out[0].(bool)
	return ok, nil
}

// Vault reads an ERC-4626 vault. MetaMorpho specific fields fall back to zero
// for plain ERC-4626 vaults.
func (r *RPCReader) Vault(ctx context.Context, vault common.Address) (Vault, error) {
	v := Vault{Address: vault, Fee: new(big.Int), LastTotalAssets: new(big.Int)}

	out, err := r.call(ctx, erc4626ABI, vault, "asset")
	if err != nil {
		return Vault{}, err
	}
	v.Asset = out[0].(common.Address)
	if out, err = r.call(ctx, erc4626ABI, vault, "totalAssets"); err != nil {
		return Vault{}, err
	}
	if v.TotalAssets, err = bigAt(out, 0); err != nil {
		return Vault{}, err
	}
	if out, err = r.call(ctx, erc4626ABI, vault, "totalSupply"); err != nil {
		return Vault{}, err
	}
	if v.TotalSupply, err = bigAt(out, 0); err != nil {
		return Vault{}, err
	}
	assetDecimals, err := r.decimals(ctx, v.Asset)
	if err != nil {
		return Vault{}, err
	}
	if assetDecimals < 18 {
		v.DecimalsOffset = 18 - assetDecimals
	}

	if out, err := r.call(ctx, erc4626ABI, vault, "fee"); err == nil {
		if fee, err := bigAt(out, 0); err == nil {
			v.Fee = fee
		}
	}
	if out, err := r.call(ctx, erc4626ABI, vault, "lastTotalAssets"); err == nil {
		if last, err := bigAt(out, 0); err == nil {
			v.LastTotalAssets = last
		}
	} else {
		v.LastTotalAssets = new(big.Int).Set(v.TotalAssets)
	}
	if out, err := r.call(ctx, metaMorphoABI, vault, "withdrawQueueLength"); err == nil {
		n, err := bigAt(out, 0)
		if err != nil {
			return Vault{}, err
		}
		for i := int64(0); i < n.Int64(); i++ {
			item, err := r.call(ctx, metaMorphoABI, vault, "withdrawQueue", big.NewInt(i))
			if err != nil {
				return Vault{}, err
			}
			v.Allocations = append(v.Allocations, common.Hash(item[0].([32]byte)))
		}
	}
	return v, nil
}

func (r *RPCReader) AaveReserves(ctx context.Context) ([]Reserve, error) {
	if r.aavePoolAddressProvider == (common.Address{}) {
		return nil, fmt.Errorf("aave pool address provider is not configured")
	}
	out, err := r.call(ctx, aaveProvABI, r.aavePoolAddressProvider, "getPool")
	if err != nil {
		return nil, err
	}
	pool := out[0].(common.Address)
	out, err = r.call(ctx, aavePoolABI, pool, "getReservesList")
	if err != nil {
		return nil, err
	}
	assets, _ := out[0].([]common.Address)
	reserves := make([]Reserve, 0, len(assets))
	for _, asset := range assets {
		aToken, err := r.call(ctx, aavePoolABI, pool, "getReserveAToken", asset)
		if err != nil {
			return nil, err
		}
		debt, err := r.call(ctx, aavePoolABI, pool, "getReserveVariableDebtToken", asset)
		if err != nil {
			return nil, err
		}
		reserves = append(reserves, Reserve{
			Asset:             asset,
			AToken:            aToken[0].(common.Address),
			VariableDebtToken: debt[0].(common.Address),
		})
	}
	return reserves, nil
}

func (r *RPCReader) Decimals(ctx context.Context, token common.Address) (int, error) {
	return r.decimals(ctx, token)
}

func (r *RPCReader) decimals(ctx context.Context, token common.Address) (int, error) {
	out, err := r.call(ctx, erc20ABI, token, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals output")
	}
	return int(d), nil
}

func (r *RPCReader) call(ctx context.Context, parsed abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	header, err := r.pin(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, header.Number)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	return out, nil
}

func bigAt(out []any, i int) (*big.Int, error) {
	if i >= len(out) {
		return nil, fmt.Errorf("missing output %d", i)
	}
	v, ok := out[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("output %d is %T, not an integer", i, out[i])
	}
	return v, nil
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
