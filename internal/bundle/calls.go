package bundle

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
	"github.com/ggonzalez94/defi-bundler/internal/registry"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
)

var (
	bundler3ABI        = mustABI(registry.Bundler3ABI)
	generalAdapterABI  = mustABI(registry.GeneralAdapter1ABI)
	paraswapAdapterABI = mustABI(registry.ParaswapAdapterABI)
	migrationABI       = mustABI(registry.AaveV3MigrationAdapterABI)
	permit2ABI         = mustABI(registry.Permit2ABI)
	erc20ABI           = mustABI(registry.ERC20MinimalABI)
	morphoABI          = mustABI(registry.MorphoBlueABI)
)

// Aave variable interest rate mode.
var aaveVariableRateMode = big.NewInt(2)

type marketParamsTuple struct {
	LoanToken       common.Address
	CollateralToken common.Address
	Oracle          common.Address
	Irm             common.Address
	Lltv            *big.Int
}

func toTuple(p simulation.MarketParams) marketParamsTuple {
	return marketParamsTuple{
		LoanToken:       p.LoanToken,
		CollateralToken: p.CollateralToken,
		Oracle:          p.Oracle,
		Irm:             p.IRM,
		Lltv:            mathx.Clone(p.LLTV),
	}
}

type offsetsTuple struct {
	ExactAmount  *big.Int
	LimitAmount  *big.Int
	QuotedAmount *big.Int
}

func toOffsets(o registry.SwapOffsets) offsetsTuple {
	return offsetsTuple{
		ExactAmount:  new(big.Int).SetUint64(o.ExactAmount),
		LimitAmount:  new(big.Int).SetUint64(o.LimitAmount),
		QuotedAmount: new(big.Int).SetUint64(o.QuotedAmount),
	}
}

// Encoder packs adapter calls for one chain's Bundler3 deployment.
type Encoder struct {
	Contracts registry.BundlerContracts
}

func NewEncoder(contracts registry.BundlerContracts) Encoder {
	return Encoder{Contracts: contracts}
}

func (e Encoder) pack(target common.Address, parsed abi.ABI, method string, args ...any) (Call, error) {
	for _, arg := range args {
		if v, ok := arg.(*big.Int); ok && !mathx.FitsUint256(v) {
			return Call{}, clierr.Newf(clierr.CodeInternal, "%s amount %s does not fit uint256", method, v)
		}
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return Call{}, clierr.Wrap(clierr.CodeInternal, "pack "+method+" calldata", err)
	}
	return Call{To: target, Data: data, Value: new(big.Int), Method: method}, nil
}

func (e Encoder) adapter(method string, args ...any) (Call, error) {
	return e.pack(e.Contracts.GeneralAdapter1, generalAdapterABI, method, args...)
}

// MorphoFlashLoan opens a flash loan callback; data is the Reenter payload.
func (e Encoder) MorphoFlashLoan(token common.Address, assets *big.Int, data []byte) (Call, error) {
	return e.adapter("morphoFlashLoan", token, assets, data)
}

func (e Encoder) MorphoSupply(params simulation.MarketParams, assets, shares, maxSharePriceE27 *big.Int, onBehalf common.Address, data []byte) (Call, error) {
	return e.adapter("morphoSupply", toTuple(params), assets, shares, maxSharePriceE27, onBehalf, nonNil(data))
}

func (e Encoder) MorphoSupplyCollateral(params simulation.MarketParams, assets *big.Int, onBehalf common.Address, data []byte) (Call, error) {
	return e.adapter("morphoSupplyCollateral", toTuple(params), assets, onBehalf, nonNil(data))
}

func (e Encoder) MorphoBorrow(params simulation.MarketParams, assets, shares, minSharePriceE27 *big.Int, receiver common.Address) (Call, error) {
	return e.adapter("morphoBorrow", toTuple(params), assets, shares, minSharePriceE27, receiver)
}

func (e Encoder) MorphoRepay(params simulation.MarketParams, assets, shares, maxSharePriceE27 *big.Int, onBehalf common.Address, data []byte) (Call, error) {
	return e.adapter("morphoRepay", toTuple(params), assets, shares, maxSharePriceE27, onBehalf, nonNil(data))
}

func (e Encoder) MorphoWithdrawCollateral(params simulation.MarketParams, assets *big.Int, receiver common.Address) (Call, error) {
	return e.adapter("morphoWithdrawCollateral", toTuple(params), assets, receiver)
}

// Erc20Transfer sends tokens held by GeneralAdapter1. MaxUint256 sends the
// whole adapter balance.
func (e Encoder) Erc20Transfer(token, receiver common.Address, amount *big.Int) (Call, error) {
	return e.adapter("erc20Transfer", token, receiver, amount)
}

// Erc20TransferFrom pulls from the initiator using a plain ERC-20 allowance.
func (e Encoder) Erc20TransferFrom(token, receiver common.Address, amount *big.Int) (Call, error) {
	return e.adapter("erc20TransferFrom", token, receiver, amount)
}

func (e Encoder) Permit2TransferFrom(token, receiver common.Address, amount *big.Int) (Call, error) {
	return e.adapter("permit2TransferFrom", token, receiver, amount)
}

// WrapNative attaches amount as call value and wraps it on the adapter.
func (e Encoder) WrapNative(amount *big.Int, receiver common.Address) (Call, error) {
	call, err := e.adapter("wrapNative", amount, receiver)
	if err != nil {
		return Call{}, err
	}
	call.Value = mathx.Clone(amount)
	return call, nil
}

func (e Encoder) Erc4626Deposit(vault common.Address, assets, maxSharePriceE27 *big.Int, receiver common.Address) (Call, error) {
	return e.adapter("erc4626Deposit", vault, assets, maxSharePriceE27, receiver)
}

func (e Encoder) Erc4626Redeem(vault common.Address, shares, minSharePriceE27 *big.Int, receiver, owner common.Address) (Call, error) {
	return e.adapter("erc4626Redeem", vault, shares, minSharePriceE27, receiver, owner)
}

// ParaswapBuy performs an exact-output swap; newDestAmount rescales the quote.
func (e Encoder) ParaswapBuy(router common.Address, callData []byte, src, dest common.Address, newDestAmount *big.Int, offsets registry.SwapOffsets, receiver common.Address) (Call, error) {
	return e.pack(e.Contracts.ParaswapAdapter, paraswapAdapterABI, "buy", router, callData, src, dest, newDestAmount, toOffsets(offsets), receiver)
}

// ParaswapSell performs an exact-input swap, optionally of the adapter's entire balance.
func (e Encoder) ParaswapSell(router common.Address, callData []byte, src, dest common.Address, sellEntireBalance bool, offsets registry.SwapOffsets, receiver common.Address) (Call, error) {
	return e.pack(e.Contracts.ParaswapAdapter, paraswapAdapterABI, "sell", router, callData, src, dest, sellEntireBalance, toOffsets(offsets), receiver)
}

func (e Encoder) ParaswapTransfer(token, receiver common.Address, amount *big.Int) (Call, error) {
	return e.pack(e.Contracts.ParaswapAdapter, paraswapAdapterABI, "erc20Transfer", token, receiver, amount)
}

// AaveV3Repay repays variable debt from the migration adapter. MaxUint256
// repays with the adapter's whole balance.
func (e Encoder) AaveV3Repay(token common.Address, amount *big.Int, onBehalf common.Address) (Call, error) {
	return e.pack(e.Contracts.AaveV3MigrationAdapter, migrationABI, "aaveV3Repay", token, amount, aaveVariableRateMode, onBehalf)
}

// AaveV3Withdraw redeems aTokens held by the migration adapter.
func (e Encoder) AaveV3Withdraw(token common.Address, amount *big.Int, receiver common.Address) (Call, error) {
	return e.pack(e.Contracts.AaveV3MigrationAdapter, migrationABI, "aaveV3Withdraw", token, amount, receiver)
}

func (e Encoder) MigrationTransfer(token, receiver common.Address, amount *big.Int) (Call, error) {
	return e.pack(e.Contracts.AaveV3MigrationAdapter, migrationABI, "erc20Transfer", token, receiver, amount)
}

// Permit2Permit submits a signed PermitSingle. It is skipped on revert so a
// front-run permit does not brick the bundle.
func (e Encoder) Permit2Permit(owner common.Address, permit PermitSingle, signature []byte) (Call, error) {
	call, err := e.pack(e.Contracts.Permit2, permit2ABI, "permit", owner, permit.tuple(), signature)
	if err != nil {
		return Call{}, err
	}
	call.SkipRevert = true
	return call, nil
}

// Approve builds an ERC-20 approval precursor.
func Approve(token, spender common.Address, amount *big.Int) (Transaction, error) {
	if !mathx.FitsUint256(amount) {
		return Transaction{}, clierr.New(clierr.CodeInternal, "approval amount does not fit uint256")
	}
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return Transaction{}, clierr.Wrap(clierr.CodeInternal, "pack approval calldata", err)
	}
	return Transaction{To: token, Data: data, Value: new(big.Int)}, nil
}

// SetAuthorization builds a Morpho authorization precursor.
func SetAuthorization(morpho, authorized common.Address, isAuthorized bool) (Transaction, error) {
	data, err := morphoABI.Pack("setAuthorization", authorized, isAuthorized)
	if err != nil {
		return Transaction{}, clierr.Wrap(clierr.CodeInternal, "pack authorization calldata", err)
	}
	return Transaction{To: morpho, Data: data, Value: new(big.Int)}, nil
}

// Skip marks a call as allowed to revert, used for best-effort dust sweeps.
func Skip(call Call, err error) (Call, error) {
	if err != nil {
		return Call{}, err
	}
	call.SkipRevert = true
	return call, nil
}

// MethodName resolves the adapter entry point of calldata for display.
func MethodName(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	for _, parsed := range []abi.ABI{generalAdapterABI, paraswapAdapterABI, migrationABI, permit2ABI, bundler3ABI} {
		if m, err := parsed.MethodById(data[:4]); err == nil {
			return m.Name
		}
	}
	return ""
}

func nonNil(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
