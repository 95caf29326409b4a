package app

import (
	"context"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-bundler/internal/bundle"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/execution"
	"github.com/ggonzalez94/defi-bundler/internal/execution/actionbuilder"
	"github.com/ggonzalez94/defi-bundler/internal/execution/planner"
	"github.com/ggonzalez94/defi-bundler/internal/id"
	"github.com/ggonzalez94/defi-bundler/internal/model"
	"github.com/ggonzalez94/defi-bundler/internal/registry"
	"github.com/ggonzalez94/defi-bundler/internal/schema"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const pendingSignaturesWarning = "bundle calldata is withheld until every signature step is supplied with --signature"

// planFlags are shared by every command that produces an action.
type planFlags struct {
	chain          string
	fromAddress    string
	rpcURL         string
	aggregator     string
	permit2        bool
	signatures     []string
	onChainMarkets bool
}

func (f *planFlags) register(fs *pflag.FlagSet, swaps bool) {
	fs.StringVar(&f.chain, "chain", "", "Chain identifier (ethereum|base|eip155:<id>)")
	fs.StringVar(&f.fromAddress, "from-address", "", "Account that signs and owns the positions")
	fs.StringVar(&f.rpcURL, "rpc-url", "", "RPC URL override for the selected chain")
	fs.BoolVar(&f.permit2, "permit2", false, "Pull tokens with Permit2 signatures instead of approvals")
	fs.StringArrayVar(&f.signatures, "signature", nil, "Collected signature as name=0x<hex> (repeatable)")
	fs.BoolVar(&f.onChainMarkets, "onchain-markets", false, "Read market params from Morpho instead of the Morpho API")
	if swaps {
		fs.StringVar(&f.aggregator, "aggregator", actionbuilder.DefaultAggregator, "Swap aggregator")
	}
}

func markRequired(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		_ = cmd.MarkFlagRequired(name)
	}
}

// openTarget resolves the chain and dials its reader. The returned func must
// be called once the plan is built.
func (s *runtimeState) openTarget(ctx context.Context, f planFlags) (actionbuilder.Target, string, func(), error) {
	chain, err := id.ParseChain(f.chain)
	if err != nil {
		return actionbuilder.Target{}, "", nil, err
	}
	contracts, ok := registry.Contracts(chain.EVMChainID)
	if !ok {
		return actionbuilder.Target{}, "", nil, clierr.Newf(clierr.CodeUnsupported, "no bundler deployment on %s", chain.Slug)
	}
	rpcURL, err := registry.ResolveRPCURL(f.rpcURL, s.settings.RPCURLs, chain.EVMChainID)
	if err != nil {
		return actionbuilder.Target{}, "", nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	sigs, err := bundle.ParseSignatures(f.signatures)
	if err != nil {
		return actionbuilder.Target{}, "", nil, err
	}
	var aave common.Address
	if raw, ok := registry.AavePoolAddressProvider(chain.EVMChainID); ok {
		aave = common.HexToAddress(raw)
	}
	s.logger.Debug().Str("chain", chain.Slug).Str("rpc", rpcURL).Msg("dialing chain reader")
	reader, release, err := s.runner.dial(ctx, rpcURL, contracts, aave)
	if err != nil {
		return actionbuilder.Target{}, "", nil, err
	}
	return actionbuilder.Target{
		Chain:              chain,
		Reader:             reader,
		Planning:           s.settings.Planning,
		Aggregator:         f.aggregator,
		SupportsSignatures: f.permit2,
		Signatures:         sigs,
		OnChainMarkets:     f.onChainMarkets,
	}, rpcURL, release, nil
}

// runPlan builds, persists and emits one action.
func (s *runtimeState) runPlan(cmd *cobra.Command, f planFlags, providerName string, build func(context.Context, actionbuilder.Target) (execution.Action, error)) error {
	ctx, cancel := s.commandContext()
	defer cancel()

	target, rpcURL, release, err := s.openTarget(ctx, f)
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	action, err := build(ctx, target)
	statuses := []model.ProviderStatus{{Name: providerName, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
	if err != nil {
		s.captureCommandDiagnostics(nil, statuses)
		return err
	}
	for i := range action.Steps {
		action.Steps[i].RPCURL = rpcURL
	}
	var warnings []string
	if pendingSignatures(action) {
		warnings = append(warnings, pendingSignaturesWarning)
	}
	if err := s.ensureActionStore(); err != nil {
		return err
	}
	if err := s.actionStore.Save(action); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "persist planned action", err)
	}
	s.logger.Info().Str("action_id", action.ActionID).Str("intent", action.IntentType).Int("steps", len(action.Steps)).Msg("action planned")
	s.captureCommandDiagnostics(warnings, statuses)
	return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, warnings, statuses)
}

func pendingSignatures(action execution.Action) bool {
	for _, step := range action.Steps {
		if step.Type == execution.StepTypeBundle && step.Data == "" {
			return true
		}
	}
	return false
}

// newStatusCommand shows a persisted action, rejecting IDs of another intent.
func (s *runtimeState) newStatusCommand(matches func(intent string) bool) *cobra.Command {
	var actionID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Get a planned action by ID",
		RunE: func(cmd *cobra.Command, _ []string) error {
			action, err := s.loadAction(actionID)
			if err != nil {
				return err
			}
			if !matches(action.IntentType) {
				return clierr.Newf(clierr.CodeUsage, "action %s is a %s action", action.ActionID, action.IntentType)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, nil)
		},
	}
	cmd.Flags().StringVar(&actionID, "action-id", "", "Action identifier")
	return cmd
}

// amountFlags take base units or a decimal amount scaled by --decimals.
type amountFlags struct {
	base     string
	decimal  string
	decimals int
}

func (a *amountFlags) register(fs *pflag.FlagSet, what string) {
	fs.StringVar(&a.base, "amount", "", what+" in base units, or max")
	fs.StringVar(&a.decimal, "amount-decimal", "", what+" in decimal units, or max")
	fs.IntVar(&a.decimals, "decimals", 18, "Token decimals applied to --amount-decimal")
}

func (a amountFlags) baseUnits() (string, error) {
	base, _, err := id.NormalizeAmount(a.base, a.decimal, a.decimals)
	return base, err
}

// parseRatioFlag parses a fraction such as "0.5" or "0.015".
func parseRatioFlag(name, raw string) (sdkmath.LegacyDec, error) {
	d, err := sdkmath.LegacyNewDecFromStr(strings.TrimSpace(raw))
	if err != nil {
		return sdkmath.LegacyDec{}, clierr.Newf(clierr.CodeUsage, "%s must be a decimal number", name)
	}
	return d, nil
}

func (s *runtimeState) newLendCommand() *cobra.Command {
	root := &cobra.Command{Use: "lend", Short: "Morpho market supply, borrow and repay bundles"}
	root.AddCommand(s.newLendVerbCommand(planner.LendVerbSupply, "Supply loan assets to a Morpho market"))
	root.AddCommand(s.newLendVerbCommand(planner.LendVerbSupplyCollateral, "Supply collateral to a Morpho market"))
	root.AddCommand(s.newLendVerbCommand(planner.LendVerbBorrow, "Borrow loan assets against collateral"))
	root.AddCommand(s.newLendVerbCommand(planner.LendVerbRepay, "Repay borrowed loan assets"))
	root.AddCommand(s.newLendVerbCommand(planner.LendVerbWithdrawCollateral, "Withdraw collateral from a Morpho market"))
	return root
}

func (s *runtimeState) newLendVerbCommand(verb planner.LendVerb, short string) *cobra.Command {
	root := &cobra.Command{Use: string(verb), Short: short}
	intent := "lend_" + strings.ReplaceAll(string(verb), "-", "_")

	var flags planFlags
	var marketID string
	var amount amountFlags
	plan := &cobra.Command{
		Use:         "plan",
		Short:       "Plan and persist a " + string(verb) + " bundle",
		Annotations: map[string]string{schema.IntentAnnotation: intent},
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := amount.baseUnits()
			if err != nil {
				return err
			}
			return s.runPlan(cmd, flags, "morpho", func(ctx context.Context, t actionbuilder.Target) (execution.Action, error) {
				return s.builders.BuildLendAction(ctx, t, planner.LendRequest{
					Verb:            verb,
					MarketID:        marketID,
					Account:         flags.fromAddress,
					AmountBaseUnits: base,
				})
			})
		},
	}
	flags.register(plan.Flags(), false)
	plan.Flags().StringVar(&marketID, "market-id", "", "Morpho market unique key")
	amount.register(plan.Flags(), "Amount")
	markRequired(plan, "chain", "from-address", "market-id")

	root.AddCommand(plan)
	root.AddCommand(s.newStatusCommand(func(v string) bool { return v == intent }))
	return root
}

func (s *runtimeState) newVaultCommand() *cobra.Command {
	root := &cobra.Command{Use: "vault", Short: "ERC-4626 vault deposit and withdraw bundles"}
	root.AddCommand(s.newVaultVerbCommand(planner.VaultVerbDeposit, "Deposit assets into an ERC-4626 vault"))
	root.AddCommand(s.newVaultVerbCommand(planner.VaultVerbWithdraw, "Withdraw assets from an ERC-4626 vault"))
	return root
}

func (s *runtimeState) newVaultVerbCommand(verb planner.VaultVerb, short string) *cobra.Command {
	root := &cobra.Command{Use: string(verb), Short: short}
	intent := "vault_" + string(verb)

	var flags planFlags
	var vault string
	var amount amountFlags
	plan := &cobra.Command{
		Use:         "plan",
		Short:       "Plan and persist a vault " + string(verb) + " bundle",
		Annotations: map[string]string{schema.IntentAnnotation: intent},
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := amount.baseUnits()
			if err != nil {
				return err
			}
			return s.runPlan(cmd, flags, "morpho", func(ctx context.Context, t actionbuilder.Target) (execution.Action, error) {
				return s.builders.BuildVaultAction(ctx, t, planner.VaultRequest{
					Verb:            verb,
					Vault:           vault,
					Account:         flags.fromAddress,
					AmountBaseUnits: base,
				})
			})
		},
	}
	flags.register(plan.Flags(), false)
	plan.Flags().StringVar(&vault, "vault", "", "Vault address")
	amount.register(plan.Flags(), "Amount of vault assets")
	markRequired(plan, "chain", "from-address", "vault")

	root.AddCommand(plan)
	root.AddCommand(s.newStatusCommand(func(v string) bool { return v == intent }))
	return root
}

func (s *runtimeState) newLeverageCommand() *cobra.Command {
	root := &cobra.Command{Use: "leverage", Aliases: []string{"lev"}, Short: "Open leveraged Morpho positions in one bundle"}

	var flags planFlags
	var marketID, margin, factor, slippage string
	plan := &cobra.Command{
		Use:         "plan",
		Short:       "Plan and persist a leveraged position",
		Annotations: map[string]string{schema.IntentAnnotation: "leverage"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			factorDec, err := parseRatioFlag("--factor", factor)
			if err != nil {
				return err
			}
			slippageDec, err := parseRatioFlag("--max-slippage", slippage)
			if err != nil {
				return err
			}
			return s.runPlan(cmd, flags, flags.aggregator, func(ctx context.Context, t actionbuilder.Target) (execution.Action, error) {
				return s.builders.BuildLeverageAction(ctx, t, planner.LeverageRequest{
					MarketID:        marketID,
					Account:         flags.fromAddress,
					MarginBaseUnits: margin,
					Factor:          factorDec,
					MaxSlippage:     slippageDec,
				})
			})
		},
	}
	flags.register(plan.Flags(), true)
	plan.Flags().StringVar(&marketID, "market-id", "", "Morpho market unique key")
	plan.Flags().StringVar(&margin, "margin", "", "Initial collateral from the wallet in base units")
	plan.Flags().StringVar(&factor, "factor", "", "Target collateral as a multiple of the margin")
	plan.Flags().StringVar(&slippage, "max-slippage", "0.01", "Swap slippage tolerance as a fraction")
	markRequired(plan, "chain", "from-address", "market-id", "margin", "factor")

	var maxChain, maxRPC, maxMarket, maxSlippage string
	var maxOnChain bool
	maxCmd := &cobra.Command{
		Use:   "max",
		Short: "Compute the highest leverage factor a market accepts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			slippageDec, err := parseRatioFlag("--max-slippage", maxSlippage)
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			target, _, release, err := s.openTarget(ctx, planFlags{chain: maxChain, rpcURL: maxRPC, onChainMarkets: maxOnChain})
			if err != nil {
				return err
			}
			defer release()
			result, err := s.builders.BuildLeverageMax(ctx, target, planner.LeverageMaxRequest{
				MarketID:    maxMarket,
				MaxSlippage: slippageDec,
			})
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, nil, nil)
		},
	}
	maxCmd.Flags().StringVar(&maxChain, "chain", "", "Chain identifier")
	maxCmd.Flags().StringVar(&maxRPC, "rpc-url", "", "RPC URL override for the selected chain")
	maxCmd.Flags().StringVar(&maxMarket, "market-id", "", "Morpho market unique key")
	maxCmd.Flags().StringVar(&maxSlippage, "max-slippage", "0.01", "Swap slippage tolerance as a fraction")
	maxCmd.Flags().BoolVar(&maxOnChain, "onchain-markets", false, "Read market params from Morpho instead of the Morpho API")
	markRequired(maxCmd, "chain", "market-id")

	root.AddCommand(plan)
	root.AddCommand(maxCmd)
	root.AddCommand(s.newStatusCommand(func(v string) bool { return v == "leverage" }))
	return root
}

func (s *runtimeState) newMigrateCommand() *cobra.Command {
	root := &cobra.Command{Use: "migrate", Short: "Move Aave positions into Morpho in one flash-loan bundle"}

	var flags planFlags
	var pct, slippage, flashAsset, outputAsset, marketID, vault string
	plan := &cobra.Command{
		Use:         "plan",
		Short:       "Plan and persist a wind-down migration",
		Annotations: map[string]string{schema.IntentAnnotation: "migrate"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			pctDec, err := parseRatioFlag("--portfolio-percentage", pct)
			if err != nil {
				return err
			}
			slippageDec, err := parseRatioFlag("--max-slippage", slippage)
			if err != nil {
				return err
			}
			chain, err := id.ParseChain(flags.chain)
			if err != nil {
				return err
			}
			flash, err := assetAddress(flashAsset, chain)
			if err != nil {
				return err
			}
			output, err := assetAddress(outputAsset, chain)
			if err != nil {
				return err
			}
			return s.runPlan(cmd, flags, flags.aggregator, func(ctx context.Context, t actionbuilder.Target) (execution.Action, error) {
				return s.builders.BuildMigrateAction(ctx, t, planner.MigrateRequest{
					Account:             flags.fromAddress,
					PortfolioPercentage: pctDec,
					MaxSlippage:         slippageDec,
					FlashAsset:          flash,
					OutputAsset:         output,
					DestinationMarketID: marketID,
					DestinationVault:    vault,
				})
			})
		},
	}
	flags.register(plan.Flags(), true)
	plan.Flags().StringVar(&pct, "portfolio-percentage", "1", "Fraction of every Aave position to unwind")
	plan.Flags().StringVar(&slippage, "max-slippage", "0.01", "Swap slippage tolerance as a fraction")
	plan.Flags().StringVar(&flashAsset, "flash-asset", "", "Flash-loaned asset (symbol or address)")
	plan.Flags().StringVar(&outputAsset, "output-asset", "", "Asset the unwound portfolio converges into (symbol or address)")
	plan.Flags().StringVar(&marketID, "market-id", "", "Destination Morpho market taking the output as collateral")
	plan.Flags().StringVar(&vault, "vault", "", "Destination ERC-4626 vault of the output asset")
	markRequired(plan, "chain", "from-address")

	root.AddCommand(plan)
	root.AddCommand(s.newStatusCommand(func(v string) bool { return v == "migrate" }))
	return root
}

// assetAddress resolves a symbol or address to a hex address; empty stays empty.
func assetAddress(raw string, chain id.Chain) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	asset, err := id.ParseAsset(raw, chain)
	if err != nil {
		return "", err
	}
	return asset.Address, nil
}
