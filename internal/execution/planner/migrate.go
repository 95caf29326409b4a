package planner

import (
	"context"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-bundler/internal/bundle"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/execution"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
	"github.com/ggonzalez94/defi-bundler/internal/migration"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
)

type MigrateRequest struct {
	Account             string
	PortfolioPercentage sdkmath.LegacyDec
	MaxSlippage         sdkmath.LegacyDec
	// FlashAsset defaults to the destination's asset.
	FlashAsset string
	// OutputAsset defaults to the destination's asset, then to FlashAsset.
	OutputAsset string
	// At most one destination: a Morpho market taking the output as
	// collateral or an ERC-4626 vault of the output. With neither the output
	// is sent to the account.
	DestinationMarketID string
	DestinationVault    string
}

type destination struct {
	market *ResolvedMarket
	vault  *simulation.Vault
}

func (d destination) asset() common.Address {
	switch {
	case d.market != nil:
		return d.market.Params.CollateralToken
	case d.vault != nil:
		return d.vault.Asset
	default:
		return common.Address{}
	}
}

// BuildMigrateAction winds down a share of an Aave V3 portfolio and moves the
// proceeds into the destination in the same bundle.
func BuildMigrateAction(ctx context.Context, env Env, req MigrateRequest) (execution.Action, error) {
	if err := env.validate(); err != nil {
		return execution.Action{}, err
	}
	if err := env.requireAggregator(); err != nil {
		return execution.Action{}, err
	}
	account, err := parseAccount(req.Account, "--from-address")
	if err != nil {
		return execution.Action{}, err
	}
	if err := migration.ValidateBounds(req.PortfolioPercentage, req.MaxSlippage, env.Planning.MaxSlippageTolerance); err != nil {
		return execution.Action{}, err
	}
	if req.DestinationMarketID != "" && req.DestinationVault != "" {
		return execution.Action{}, clierr.New(clierr.CodeUsage, "choose at most one of --market-id and --vault")
	}

	s := scope{account: account, aave: true}
	var marketID common.Hash
	if req.DestinationMarketID != "" {
		if marketID, err = normalizeMorphoMarketID(req.DestinationMarketID); err != nil {
			return execution.Action{}, err
		}
		s.markets = []common.Hash{marketID}
	}
	var vaultAddr common.Address
	if req.DestinationVault != "" {
		if vaultAddr, err = parseAccount(req.DestinationVault, "--vault"); err != nil {
			return execution.Action{}, err
		}
		s.vaults = []common.Address{vaultAddr}
	}
	for _, raw := range []string{req.FlashAsset, req.OutputAsset} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		asset, err := parseAccount(raw, "--asset")
		if err != nil {
			return execution.Action{}, err
		}
		s.tokens = append(s.tokens, asset)
	}

	state, err := env.fetch(ctx, s)
	if err != nil {
		return execution.Action{}, err
	}
	var dest destination
	if s.markets != nil {
		resolved, err := env.resolveMarket(ctx, state, marketID)
		if err != nil {
			return execution.Action{}, err
		}
		dest.market = &resolved
	}
	if s.vaults != nil {
		v, err := state.Vault(vaultAddr)
		if err != nil {
			return execution.Action{}, err
		}
		dest.vault = &v
	}

	output := dest.asset()
	if raw := strings.TrimSpace(req.OutputAsset); raw != "" {
		explicit := common.HexToAddress(raw)
		if output != (common.Address{}) && explicit != output {
			return execution.Action{}, clierr.Newf(clierr.CodeUsage, "output asset %s does not match the destination asset %s", explicit.Hex(), output.Hex())
		}
		output = explicit
	}
	flash := output
	if raw := strings.TrimSpace(req.FlashAsset); raw != "" {
		flash = common.HexToAddress(raw)
	}
	if flash == (common.Address{}) {
		return execution.Action{}, clierr.New(clierr.CodeUsage, "migration requires --flash-asset or a destination")
	}
	if output == (common.Address{}) {
		output = flash
	}

	res, err := migration.PlanWindDown(ctx, state, env.Aggregator, migration.Request{
		Account:             account,
		PortfolioPercentage: req.PortfolioPercentage,
		MaxSlippage:         req.MaxSlippage,
		FlashAsset:          flash,
		OutputAsset:         output,
		SupportsSignatures:  env.SupportsSignatures,
		Env: migration.Env{
			Transfer:            env.transferEnv(),
			BorrowAccrualMargin: env.Planning.BorrowAccrualMargin,
			MaxSlippage:         env.Planning.MaxSlippageTolerance,
		},
	})
	if err != nil {
		return execution.Action{}, err
	}

	landing, err := env.land(state, account, output, dest)
	if err != nil {
		return execution.Action{}, err
	}

	metadata := map[string]any{
		"protocol":             "aave",
		"destination_protocol": "morpho",
		"flash_asset":          flash.Hex(),
		"output_asset":         output.Hex(),
		"portfolio_percentage": req.PortfolioPercentage.String(),
		"flash_loan_amount":    res.FlashLoanAmount.String(),
		"min_output_assets":    res.MinOutputAssets.String(),
		"quoted_output_assets": res.QuotedOutputAssets.String(),
		"per_hop_tolerance":    res.PerHopTolerance.String(),
		"legs":                 legSummaries(res.Legs),
	}
	to := account
	switch {
	case dest.market != nil:
		metadata["destination_market_id"] = strings.ToLower(marketID.Hex())
	case dest.vault != nil:
		metadata["destination_vault"] = vaultAddr.Hex()
		to = vaultAddr
	}
	return env.finish(bundle.Compose(res.Subbundle, landing), bundle.ActionRequest{
		Intent:      "migrate",
		Provider:    "aave",
		From:        account,
		To:          to,
		InputAmount: req.PortfolioPercentage.String(),
		Constraints: execution.Constraints{MaxSlippage: req.MaxSlippage.String()},
		Metadata:    metadata,
	})
}

// land moves the wind-down output held by GeneralAdapter1 to its destination.
// Every call uses MaxUint256 so the live balance is spent whatever the swaps
// actually returned.
func (e Env) land(state *simulation.State, account, output common.Address, dest destination) (bundle.Subbundle, error) {
	ga1 := e.Contracts.GeneralAdapter1
	maxUint := mathx.Clone(mathx.MaxUint256)
	held := state.Balance(ga1, output)
	enc := e.encoder()
	switch {
	case dest.market != nil:
		call, err := enc.MorphoSupplyCollateral(dest.market.Params, maxUint, account, nil)
		if err != nil {
			return bundle.Subbundle{}, err
		}
		if err := state.SupplyCollateral(dest.market.ID, ga1, account, held); err != nil {
			return bundle.Subbundle{}, err
		}
		return bundle.Static(call), nil
	case dest.vault != nil:
		return e.depositInto(state, dest.vault.Address, held, maxUint, account)
	default:
		call, err := enc.Erc20Transfer(output, account, maxUint)
		if err != nil {
			return bundle.Subbundle{}, err
		}
		if err := state.Move(output, ga1, account, held); err != nil {
			return bundle.Subbundle{}, err
		}
		return bundle.Static(call), nil
	}
}

func legSummaries(legs []migration.Leg) []map[string]any {
	out := make([]map[string]any, 0, len(legs))
	for _, leg := range legs {
		entry := map[string]any{
			"kind":   string(leg.Kind),
			"asset":  leg.Asset.Hex(),
			"amount": leg.Amount.String(),
			"entire": leg.Entire,
			"limit":  leg.Limit.String(),
		}
		if leg.Quote != nil {
			entry["quoted"] = leg.Value().String()
		}
		out = append(out, entry)
	}
	return out
}
