package registry

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// BundlerContracts are the routing and protocol contracts a plan targets on one chain.
type BundlerContracts struct {
	Bundler3               common.Address
	GeneralAdapter1        common.Address
	ParaswapAdapter        common.Address
	AaveV3MigrationAdapter common.Address
	Morpho                 common.Address
	Permit2                common.Address
	WrappedNative          common.Address
}

var (
	morphoBlue = common.HexToAddress("0xBBBBBbbBBb9cC5e90e3b3Af64bdAF62C37EEFFCb")
	permit2    = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")
)

var bundlerContractsByChainID = map[int64]BundlerContracts{
	1: {
		Bundler3:               common.HexToAddress("0x6566194141eefa99Af43Bb5Aa71460Ca2Dc90245"),
		GeneralAdapter1:        common.HexToAddress("0x4A6c312ec70E8747a587EE860a0353cd42Be0aE0"),
		ParaswapAdapter:        common.HexToAddress("0x03b5259Bd204BfD4A616E5B79b0B786d90c6C38f"),
		AaveV3MigrationAdapter: common.HexToAddress("0xb09e40EbE31b738fbf20289270a397118707D475"),
		Morpho:                 morphoBlue,
		Permit2:                permit2,
		WrappedNative:          common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
	},
	8453: {
		Bundler3:               common.HexToAddress("0x6BFd8137e702540E7A42B74178A4a49Ba43920C4"),
		GeneralAdapter1:        common.HexToAddress("0xb98c948CFA24072e58935BC004a8A7b376AE746A"),
		ParaswapAdapter:        common.HexToAddress("0x6abE8ABd0275E5564ed1336F0243A52C32562F71"),
		AaveV3MigrationAdapter: common.HexToAddress("0xb27Aa2a964eAd5ed661D86974b37e4fB995b36f5"),
		Morpho:                 morphoBlue,
		Permit2:                permit2,
		WrappedNative:          common.HexToAddress("0x4200000000000000000000000000000000000006"),
	},
}

func Contracts(chainID int64) (BundlerContracts, bool) {
	contracts, ok := bundlerContractsByChainID[chainID]
	return contracts, ok
}

// Canonical Aave V3 PoolAddressesProvider contracts used as the migration source.
var aavePoolAddressProviderByChainID = map[int64]string{
	1:     "0x2f39d218133AFaB8F2B819B1066c7E434Ad94E9e", // Ethereum
	8453:  "0xe20fCBdBfFC4Dd138cE8b2E6FBb6CB49777ad64D", // Base
	42161: "0xa97684ead0e402dC232d5A977953DF7ECBaB3CDb", // Arbitrum
}

func AavePoolAddressProvider(chainID int64) (string, bool) {
	value, ok := aavePoolAddressProviderByChainID[chainID]
	return value, ok
}

// SwapOffsets are byte offsets into router calldata of the exact, limit and
// quoted amount words. They are only valid for the router build they were pinned to.
type SwapOffsets struct {
	ExactAmount  uint64
	LimitAmount  uint64
	QuotedAmount uint64
}

// AugustusV6 is the ParaSwap Augustus v6.2 router deployed at the same address on every chain.
var AugustusV6 = common.HexToAddress("0x6A000F20005980200259B80c5102003040001068")

var swapRouterOffsets = map[common.Address]map[string]SwapOffsets{
	AugustusV6: {
		"swapExactAmountIn":  {ExactAmount: 100, LimitAmount: 132, QuotedAmount: 164},
		"swapExactAmountOut": {ExactAmount: 132, LimitAmount: 100, QuotedAmount: 164},
	},
}

var swapRouterChains = map[common.Address]map[int64]bool{
	AugustusV6: {1: true, 8453: true, 42161: true, 10: true, 137: true},
}

// IsAllowedSwapRouter reports whether calldata produced for router can be trusted on chainID.
func IsAllowedSwapRouter(chainID int64, router common.Address) bool {
	return swapRouterChains[router][chainID]
}

// SwapRouterOffsets returns the pinned calldata offsets for a router method.
func SwapRouterOffsets(chainID int64, router common.Address, method string) (SwapOffsets, bool) {
	if !IsAllowedSwapRouter(chainID, router) {
		return SwapOffsets{}, false
	}
	offsets, ok := swapRouterOffsets[router][strings.TrimSpace(method)]
	return offsets, ok
}
