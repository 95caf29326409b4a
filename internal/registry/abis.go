package registry

const marketParamsTuple = `{"name":"marketParams","type":"tuple","components":[{"name":"loanToken","type":"address"},{"name":"collateralToken","type":"address"},{"name":"oracle","type":"address"},{"name":"irm","type":"address"},{"name":"lltv","type":"uint256"}]}`

const marketTuple = `{"name":"market","type":"tuple","components":[{"name":"totalSupplyAssets","type":"uint128"},{"name":"totalSupplyShares","type":"uint128"},{"name":"totalBorrowAssets","type":"uint128"},{"name":"totalBorrowShares","type":"uint128"},{"name":"lastUpdate","type":"uint128"},{"name":"fee","type":"uint128"}]}`

const callTupleArray = `{"name":"bundle","type":"tuple[]","components":[{"name":"to","type":"address"},{"name":"data","type":"bytes"},{"name":"value","type":"uint256"},{"name":"skipRevert","type":"bool"},{"name":"callbackHash","type":"bytes32"}]}`

// ABI fragments used by the simulation reader and the bundle encoders.
const (
	ERC20MinimalABI = `[
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
	]`

	ERC4626ABI = `[
		{"name":"asset","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
		{"name":"totalAssets","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
		{"name":"fee","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint96"}]},
		{"name":"lastTotalAssets","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
	]`

	MetaMorphoABI = `[
		{"name":"withdrawQueueLength","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"withdrawQueue","type":"function","stateMutability":"view","inputs":[{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]}
	]`

	MorphoBlueABI = `[
		{"name":"market","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"}],"outputs":[{"name":"totalSupplyAssets","type":"uint128"},{"name":"totalSupplyShares","type":"uint128"},{"name":"totalBorrowAssets","type":"uint128"},{"name":"totalBorrowShares","type":"uint128"},{"name":"lastUpdate","type":"uint128"},{"name":"fee","type":"uint128"}]},
		{"name":"position","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"},{"name":"user","type":"address"}],"outputs":[{"name":"supplyShares","type":"uint256"},{"name":"borrowShares","type":"uint128"},{"name":"collateral","type":"uint128"}]},
		{"name":"idToMarketParams","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"}],"outputs":[{"name":"loanToken","type":"address"},{"name":"collateralToken","type":"address"},{"name":"oracle","type":"address"},{"name":"irm","type":"address"},{"name":"lltv","type":"uint256"}]},
		{"name":"isAuthorized","type":"function","stateMutability":"view","inputs":[{"name":"authorizer","type":"address"},{"name":"authorized","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"setAuthorization","type":"function","stateMutability":"nonpayable","inputs":[{"name":"authorized","type":"address"},{"name":"newIsAuthorized","type":"bool"}],"outputs":[]}
	]`

	MorphoOracleABI = `[
		{"name":"price","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
	]`

	MorphoIRMABI = `[
		{"name":"borrowRateView","type":"function","stateMutability":"view","inputs":[` + marketParamsTuple + `,` + marketTuple + `],"outputs":[{"name":"","type":"uint256"}]}
	]`

	Bundler3ABI = `[
		{"name":"multicall","type":"function","stateMutability":"payable","inputs":[` + callTupleArray + `],"outputs":[]},
		{"name":"reenter","type":"function","stateMutability":"nonpayable","inputs":[` + callTupleArray + `],"outputs":[]}
	]`

	GeneralAdapter1ABI = `[
		{"name":"morphoFlashLoan","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"assets","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]},
		{"name":"morphoSupply","type":"function","stateMutability":"nonpayable","inputs":[` + marketParamsTuple + `,{"name":"assets","type":"uint256"},{"name":"shares","type":"uint256"},{"name":"maxSharePriceE27","type":"uint256"},{"name":"onBehalf","type":"address"},{"name":"data","type":"bytes"}],"outputs":[]},
		{"name":"morphoSupplyCollateral","type":"function","stateMutability":"nonpayable","inputs":[` + marketParamsTuple + `,{"name":"assets","type":"uint256"},{"name":"onBehalf","type":"address"},{"name":"data","type":"bytes"}],"outputs":[]},
		{"name":"morphoBorrow","type":"function","stateMutability":"nonpayable","inputs":[` + marketParamsTuple + `,{"name":"assets","type":"uint256"},{"name":"shares","type":"uint256"},{"name":"minSharePriceE27","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[]},
		{"name":"morphoRepay","type":"function","stateMutability":"nonpayable","inputs":[` + marketParamsTuple + `,{"name":"assets","type":"uint256"},{"name":"shares","type":"uint256"},{"name":"maxSharePriceE27","type":"uint256"},{"name":"onBehalf","type":"address"},{"name":"data","type":"bytes"}],"outputs":[]},
		{"name":"morphoWithdrawCollateral","type":"function","stateMutability":"nonpayable","inputs":[` + marketParamsTuple + `,{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[]},
		{"name":"erc20Transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
		{"name":"erc20TransferFrom","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
		{"name":"permit2TransferFrom","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
		{"name":"wrapNative","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[]},
		{"name":"erc4626Deposit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"vault","type":"address"},{"name":"assets","type":"uint256"},{"name":"maxSharePriceE27","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[]},
		{"name":"erc4626Redeem","type":"function","stateMutability":"nonpayable","inputs":[{"name":"vault","type":"address"},{"name":"shares","type":"uint256"},{"name":"minSharePriceE27","type":"uint256"},{"name":"receiver","type":"address"},{"name":"owner","type":"address"}],"outputs":[]}
	]`

	ParaswapAdapterABI = `[
		{"name":"buy","type":"function","stateMutability":"nonpayable","inputs":[{"name":"augustus","type":"address"},{"name":"callData","type":"bytes"},{"name":"srcToken","type":"address"},{"name":"destToken","type":"address"},{"name":"newDestAmount","type":"uint256"},{"name":"offsets","type":"tuple","components":[{"name":"exactAmount","type":"uint256"},{"name":"limitAmount","type":"uint256"},{"name":"quotedAmount","type":"uint256"}]},{"name":"receiver","type":"address"}],"outputs":[]},
		{"name":"sell","type":"function","stateMutability":"nonpayable","inputs":[{"name":"augustus","type":"address"},{"name":"callData","type":"bytes"},{"name":"srcToken","type":"address"},{"name":"destToken","type":"address"},{"name":"sellEntireBalance","type":"bool"},{"name":"offsets","type":"tuple","components":[{"name":"exactAmount","type":"uint256"},{"name":"limitAmount","type":"uint256"},{"name":"quotedAmount","type":"uint256"}]},{"name":"receiver","type":"address"}],"outputs":[]},
		{"name":"erc20Transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
	]`

	AaveV3MigrationAdapterABI = `[
		{"name":"aaveV3Repay","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"onBehalf","type":"address"}],"outputs":[]},
		{"name":"aaveV3Withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[]},
		{"name":"erc20Transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
	]`

	AavePoolAddressProviderABI = `[
		{"name":"getPool","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
	]`

	AavePoolABI = `[
		{"name":"getReservesList","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
		{"name":"getReserveAToken","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[{"name":"","type":"address"}]},
		{"name":"getReserveVariableDebtToken","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[{"name":"","type":"address"}]}
	]`

	Permit2ABI = `[
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"token","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"amount","type":"uint160"},{"name":"expiration","type":"uint48"},{"name":"nonce","type":"uint48"}]},
		{"name":"permit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"permitSingle","type":"tuple","components":[{"name":"details","type":"tuple","components":[{"name":"token","type":"address"},{"name":"amount","type":"uint160"},{"name":"expiration","type":"uint48"},{"name":"nonce","type":"uint48"}]},{"name":"spender","type":"address"},{"name":"sigDeadline","type":"uint256"}]},{"name":"signature","type":"bytes"}],"outputs":[]}
	]`

	// AugustusV6ABI covers the generic Augustus v6.2 swap entry points whose
	// calldata layout is pinned in the swap router allow-list.
	AugustusV6ABI = `[
		{"name":"swapExactAmountIn","type":"function","stateMutability":"payable","inputs":[{"name":"executor","type":"address"},{"name":"swapData","type":"tuple","components":[{"name":"srcToken","type":"address"},{"name":"destToken","type":"address"},{"name":"fromAmount","type":"uint256"},{"name":"toAmount","type":"uint256"},{"name":"quotedAmount","type":"uint256"},{"name":"metadata","type":"bytes32"},{"name":"beneficiary","type":"address"}]},{"name":"partnerAndFee","type":"uint256"},{"name":"permit","type":"bytes"},{"name":"executorData","type":"bytes"}],"outputs":[{"name":"receivedAmount","type":"uint256"},{"name":"paraswapShare","type":"uint256"},{"name":"partnerShare","type":"uint256"}]},
		{"name":"swapExactAmountOut","type":"function","stateMutability":"payable","inputs":[{"name":"executor","type":"address"},{"name":"swapData","type":"tuple","components":[{"name":"srcToken","type":"address"},{"name":"destToken","type":"address"},{"name":"fromAmount","type":"uint256"},{"name":"toAmount","type":"uint256"},{"name":"quotedAmount","type":"uint256"},{"name":"metadata","type":"bytes32"},{"name":"beneficiary","type":"address"}]},{"name":"partnerAndFee","type":"uint256"},{"name":"permit","type":"bytes"},{"name":"executorData","type":"bytes"}],"outputs":[{"name":"spentAmount","type":"uint256"},{"name":"receivedAmount","type":"uint256"},{"name":"paraswapShare","type":"uint256"},{"name":"partnerShare","type":"uint256"}]}
	]`
)
