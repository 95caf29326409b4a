package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-bundler/internal/config"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/execution"
	"github.com/ggonzalez94/defi-bundler/internal/execution/actionbuilder"
	"github.com/ggonzalez94/defi-bundler/internal/execution/planner"
	"github.com/ggonzalez94/defi-bundler/internal/httpx"
	"github.com/ggonzalez94/defi-bundler/internal/logging"
	"github.com/ggonzalez94/defi-bundler/internal/model"
	"github.com/ggonzalez94/defi-bundler/internal/out"
	"github.com/ggonzalez94/defi-bundler/internal/policy"
	"github.com/ggonzalez94/defi-bundler/internal/providers"
	"github.com/ggonzalez94/defi-bundler/internal/providers/paraswap"
	"github.com/ggonzalez94/defi-bundler/internal/registry"
	"github.com/ggonzalez94/defi-bundler/internal/schema"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
	"github.com/ggonzalez94/defi-bundler/internal/version"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// readerDialer opens the chain reader for one command. The returned func
// releases it.
type readerDialer func(ctx context.Context, rpcURL string, contracts registry.BundlerContracts, aavePoolAddressProvider common.Address) (simulation.ChainReader, func(), error)

func dialRPCReader(ctx context.Context, rpcURL string, contracts registry.BundlerContracts, aavePoolAddressProvider common.Address) (simulation.ChainReader, func(), error) {
	reader, err := simulation.DialRPCReader(ctx, rpcURL, contracts, aavePoolAddressProvider)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	return reader, reader.Close, nil
}

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	dial   readerDialer

	// Overrides for the HTTP-backed providers; nil uses ParaSwap and the Morpho API.
	aggregators map[string]providers.SwapAggregator
	markets     planner.MarketResolver
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
		dial:   dialRPCReader,
	}
}

type runtimeState struct {
	runner        *Runner
	base          context.Context
	flags         config.GlobalFlags
	settings      config.Settings
	root          *cobra.Command
	logger        zerolog.Logger
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus

	builders      *actionbuilder.Registry
	providerInfos []model.ProviderInfo
	actionStore   *execution.Store
}

func (r *Runner) Run(args []string) int {
	return r.RunContext(context.Background(), args)
}

// RunContext executes args with every command deadline derived from ctx, so
// cancelling ctx aborts in-flight RPC and aggregator requests.
func (r *Runner) RunContext(ctx context.Context, args []string) int {
	state := &runtimeState{runner: r, logger: zerolog.Nop(), base: ctx}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := normalizeRunError(root.ExecuteContext(ctx))
	defer state.closeActionStore()
	if err == nil {
		return 0
	}
	state.renderError("", err, state.lastWarnings, state.lastProviders)
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Plan atomic Morpho bundles for lending, vault, leverage and migration intents",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.logger = logging.New(s.runner.stderr, settings.LogLevel, settings.OutputMode == "plain")

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}
			if s.builders == nil {
				return s.configureProviders()
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	pf := cmd.PersistentFlags()
	pf.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	pf.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	pf.StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	pf.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	pf.StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	pf.StringVar(&s.flags.Timeout, "timeout", "", "Timeout for one command, provider and RPC calls included")
	pf.IntVar(&s.flags.Retries, "retries", -1, "Retries per provider request")
	pf.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	pf.StringVar(&s.flags.LogLevel, "log-level", "", "Log level written to stderr (trace|debug|info|warn|error|off)")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newLendCommand())
	cmd.AddCommand(s.newVaultCommand())
	cmd.AddCommand(s.newLeverageCommand())
	cmd.AddCommand(s.newMigrateCommand())
	cmd.AddCommand(s.newActionsCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func (s *runtimeState) configureProviders() error {
	httpClient := httpx.New(s.settings.Timeout, s.settings.Retries)
	aggregators := s.runner.aggregators
	if aggregators == nil {
		client, err := paraswap.New(httpClient, s.settings.ParaswapBaseURL, s.settings.ParaswapPartner)
		if err != nil {
			return err
		}
		aggregators = map[string]providers.SwapAggregator{actionbuilder.DefaultAggregator: client}
	}
	markets := s.runner.markets
	if markets == nil {
		markets = planner.NewGraphQLMarkets(httpClient)
	}
	s.builders = actionbuilder.New(aggregators, markets)

	s.providerInfos = s.providerInfos[:0]
	for _, name := range s.builders.AggregatorNames() {
		s.providerInfos = append(s.providerInfos, aggregators[name].Info())
	}
	if described, ok := markets.(interface{ Info() model.ProviderInfo }); ok {
		s.providerInfos = append(s.providerInfos, described.Info())
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, nil)
		},
	}
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Provider commands"}
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List swap aggregators and market resolvers used for planning",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.providerInfos, nil, nil)
		},
	})
	return root
}

// commandContext bounds one command and carries the configured logger.
func (s *runtimeState) commandContext() (context.Context, context.CancelFunc) {
	base := s.base
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, s.settings.Timeout)
	return logging.WithContext(ctx, s.logger), cancel
}

func (s *runtimeState) ensureActionStore() error {
	if s.actionStore != nil {
		return nil
	}
	store, err := execution.OpenStore(s.settings.ActionStorePath, s.settings.ActionLockPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open action store", err)
	}
	s.actionStore = store
	return nil
}

func (s *runtimeState) closeActionStore() {
	if s.actionStore != nil {
		_ = s.actionStore.Close()
		s.actionStore = nil
	}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, providers []model.ProviderStatus) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, providers []model.ProviderStatus) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		typ = clierr.TypeName(cErr.Code)
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}
	s.logger.Debug().Err(err).Str("command", commandPath).Msg("command failed")

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    clierr.ExitCode(err),
			Type:    typ,
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable, clierr.CodeOracleUnavailable:
			return "unavailable"
		default:
			return "error"
		}
	}
	return "error"
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastProviders = nil
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(providers) == 0 {
		s.lastProviders = nil
	} else {
		s.lastProviders = append([]model.ProviderStatus(nil), providers...)
	}
}
