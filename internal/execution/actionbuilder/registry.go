package actionbuilder

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ggonzalez94/defi-bundler/internal/bundle"
	"github.com/ggonzalez94/defi-bundler/internal/config"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/execution"
	"github.com/ggonzalez94/defi-bundler/internal/execution/planner"
	"github.com/ggonzalez94/defi-bundler/internal/id"
	"github.com/ggonzalez94/defi-bundler/internal/providers"
	"github.com/ggonzalez94/defi-bundler/internal/registry"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
)

const DefaultAggregator = "paraswap"

// Registry dispatches intents to the planners with the aggregators and market
// resolver configured for this process.
type Registry struct {
	aggregators map[string]providers.SwapAggregator
	markets     planner.MarketResolver
}

func New(aggregators map[string]providers.SwapAggregator, markets planner.MarketResolver) *Registry {
	return &Registry{
		aggregators: aggregators,
		markets:     markets,
	}
}

func (r *Registry) Configure(aggregators map[string]providers.SwapAggregator, markets planner.MarketResolver) {
	r.aggregators = aggregators
	r.markets = markets
}

// Target is the per-invocation context shared by every intent.
type Target struct {
	Chain              id.Chain
	Reader             simulation.ChainReader
	Planning           config.Planning
	Aggregator         string
	SupportsSignatures bool
	Signatures         bundle.Signatures
	// OnChainMarkets skips the GraphQL resolver and reads market params from Morpho.
	OnChainMarkets bool
}

func (r *Registry) AggregatorNames() []string {
	names := make([]string, 0, len(r.aggregators))
	for name := range r.aggregators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) env(t Target, needsSwaps bool) (planner.Env, error) {
	if t.Chain.EVMChainID == 0 {
		return planner.Env{}, clierr.New(clierr.CodeUsage, "--chain is required")
	}
	contracts, ok := registry.Contracts(t.Chain.EVMChainID)
	if !ok {
		return planner.Env{}, clierr.Newf(clierr.CodeUnsupported, "no bundler deployment on %s", t.Chain.Slug)
	}
	env := planner.Env{
		Chain:              t.Chain,
		Contracts:          contracts,
		Planning:           t.Planning,
		Reader:             t.Reader,
		SupportsSignatures: t.SupportsSignatures,
		Signatures:         t.Signatures,
	}
	if !t.OnChainMarkets {
		env.Markets = r.markets
	}
	if !needsSwaps {
		return env, nil
	}
	name := strings.ToLower(strings.TrimSpace(t.Aggregator))
	if name == "" {
		name = DefaultAggregator
	}
	aggregator, ok := r.aggregators[name]
	if !ok {
		return planner.Env{}, clierr.New(
			clierr.CodeUnsupported,
			fmt.Sprintf("unsupported swap aggregator %q; available: %s", name, strings.Join(r.AggregatorNames(), ",")),
		)
	}
	env.Aggregator = aggregator
	return env, nil
}

func (r *Registry) BuildLendAction(ctx context.Context, t Target, req planner.LendRequest) (execution.Action, error) {
	env, err := r.env(t, false)
	if err != nil {
		return execution.Action{}, err
	}
	return planner.BuildLendAction(ctx, env, req)
}

func (r *Registry) BuildVaultAction(ctx context.Context, t Target, req planner.VaultRequest) (execution.Action, error) {
	env, err := r.env(t, false)
	if err != nil {
		return execution.Action{}, err
	}
	return planner.BuildVaultAction(ctx, env, req)
}

func (r *Registry) BuildLeverageAction(ctx context.Context, t Target, req planner.LeverageRequest) (execution.Action, error) {
	env, err := r.env(t, true)
	if err != nil {
		return execution.Action{}, err
	}
	return planner.BuildLeverageAction(ctx, env, req)
}

func (r *Registry) BuildLeverageMax(ctx context.Context, t Target, req planner.LeverageMaxRequest) (planner.LeverageMax, error) {
	env, err := r.env(t, false)
	if err != nil {
		return planner.LeverageMax{}, err
	}
	return planner.BuildLeverageMax(ctx, env, req)
}

func (r *Registry) BuildMigrateAction(ctx context.Context, t Target, req planner.MigrateRequest) (execution.Action, error) {
	env, err := r.env(t, true)
	if err != nil {
		return execution.Action{}, err
	}
	return planner.BuildMigrateAction(ctx, env, req)
}
