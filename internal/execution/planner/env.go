package planner

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-bundler/internal/bundle"
	"github.com/ggonzalez94/defi-bundler/internal/config"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/execution"
	"github.com/ggonzalez94/defi-bundler/internal/id"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
	"github.com/ggonzalez94/defi-bundler/internal/providers"
	"github.com/ggonzalez94/defi-bundler/internal/registry"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
	"github.com/ggonzalez94/defi-bundler/internal/transfer"
)

// Env is what every builder needs besides its own request.
type Env struct {
	Chain      id.Chain
	Contracts  registry.BundlerContracts
	Planning   config.Planning
	Reader     simulation.ChainReader
	Markets    MarketResolver
	Aggregator providers.SwapAggregator
	// SupportsSignatures selects Permit2 over plain approvals for token pulls.
	SupportsSignatures bool
	// Signatures are the ones collected so far, keyed by request name.
	Signatures bundle.Signatures
}

func (e Env) validate() error {
	if e.Reader == nil {
		return clierr.New(clierr.CodeInternal, "planner requires a chain reader")
	}
	if e.Contracts.Bundler3 == (common.Address{}) {
		return clierr.Newf(clierr.CodeUnsupported, "bundler contracts are not deployed on %s", e.Chain.Name)
	}
	return nil
}

func (e Env) encoder() bundle.Encoder {
	return bundle.NewEncoder(e.Contracts)
}

func (e Env) transferEnv() transfer.Env {
	return transfer.Env{
		Encoder:        e.encoder(),
		GasReserve:     mathx.Clone(e.Planning.NativeGasReserve),
		RebasingMargin: e.Planning.RebasingMargin,
		PermitDeadline: e.Planning.PermitDeadline,
		PermitExpiry:   e.Planning.PermitAllowanceExpiry,
	}
}

func (e Env) transferConfig(asset common.Address) transfer.Config {
	return transfer.Config{
		SupportsSignatures: e.SupportsSignatures,
		Rebasing:           id.IsRebasing(e.Chain.CAIP2, asset.Hex()),
		AllowWrapNative:    asset == e.Contracts.WrappedNative,
	}
}

func (e Env) sharePriceTolerance() *big.Int {
	return mathx.DecWad(e.Planning.SharePriceTolerance)
}

// scope declares what a builder reads before planning.
type scope struct {
	account   common.Address
	tokens    []common.Address
	markets   []common.Hash
	vaults    []common.Address
	aave      bool
	authorize bool
}

// fetch loads the state closure of one plan: the account, every adapter and
// Morpho itself are tracked so residual balances can be checked.
func (e Env) fetch(ctx context.Context, s scope) (*simulation.State, error) {
	c := e.Contracts
	req := simulation.FetchRequest{
		ChainID:        e.Chain.EVMChainID,
		Morpho:         c.Morpho,
		Accounts:       []common.Address{s.account, c.GeneralAdapter1, c.ParaswapAdapter, c.AaveV3MigrationAdapter, c.Morpho},
		Tokens:         s.tokens,
		Owner:          s.account,
		Spenders:       []common.Address{c.GeneralAdapter1, c.Permit2},
		Permit2:        c.Permit2,
		Markets:        s.markets,
		Vaults:         s.vaults,
		AaveReserves:   s.aave,
		ExecutionDelay: e.Planning.ExecutionDelay,
		PriceScale:     e.Planning.OraclePriceScale,
	}
	if s.authorize {
		req.Authorizations = []simulation.Authorization{{Authorizer: s.account, Authorized: c.GeneralAdapter1}}
	}
	return simulation.Fetch(ctx, e.Reader, req)
}

// requireAuthorization adds the Morpho authorization of GeneralAdapter1 as a
// precursor when the account has not granted it yet.
func (e Env) requireAuthorization(state *simulation.State, account common.Address) (bundle.Subbundle, error) {
	c := e.Contracts
	if state.IsAuthorized(account, c.GeneralAdapter1) {
		return bundle.Empty(), nil
	}
	state.SetAuthorization(account, c.GeneralAdapter1, true)
	return bundle.Subbundle{Precursors: []bundle.Precursor{{
		Name:        "authorize:" + strings.ToLower(c.GeneralAdapter1.Hex()),
		Kind:        bundle.PrecursorAuthorization,
		Description: "Authorize GeneralAdapter1 to manage the Morpho position",
		Build: func() (bundle.Transaction, error) {
			return bundle.SetAuthorization(c.Morpho, c.GeneralAdapter1, true)
		},
	}}}, nil
}

// finish binds sub to the chain's Bundler3 and renders the action artifact.
func (e Env) finish(sub bundle.Subbundle, req bundle.ActionRequest) (execution.Action, error) {
	if req.Provider == "" {
		req.Provider = "morpho"
	}
	plan := bundle.NewPlan(e.Chain.EVMChainID, e.Contracts.Bundler3, sub)
	return bundle.ToAction(plan, e.Signatures, req)
}

func parseAccount(raw, flag string) (common.Address, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return common.Address{}, clierr.Newf(clierr.CodeUsage, "%s is required", flag)
	}
	if !common.IsHexAddress(clean) {
		return common.Address{}, clierr.Newf(clierr.CodeUsage, "%s must be a valid EVM address", flag)
	}
	return common.HexToAddress(clean), nil
}

// parseAmount accepts base units or "max" for the entire position or balance.
func parseAmount(raw string) (*big.Int, error) {
	amount, err := id.ParseAmount(raw)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, clierr.New(clierr.CodeUsage, "amount must be positive")
	}
	return amount, nil
}
