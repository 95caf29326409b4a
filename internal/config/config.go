package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Retries        int
	LogLevel       string
}

// Planning holds the safety constants consumed by the planning core. None of
// them are hardcoded inside the solvers so they can vary per deployment.
type Planning struct {
	RebasingMargin        sdkmath.LegacyDec
	BorrowAccrualMargin   sdkmath.LegacyDec
	SharePriceTolerance   sdkmath.LegacyDec
	MaxSlippageTolerance  sdkmath.LegacyDec
	LeverageCeiling       sdkmath.LegacyDec
	LTVSafetyMargin       sdkmath.LegacyDec
	NativeGasReserve      *big.Int
	OraclePriceScale      *big.Int
	ExecutionDelay        time.Duration
	PermitDeadline        time.Duration
	PermitAllowanceExpiry time.Duration
}

type Settings struct {
	OutputMode      string
	SelectFields    []string
	ResultsOnly     bool
	EnableCommands  []string
	Timeout         time.Duration
	Retries         int
	LogLevel        string
	ActionStorePath string
	ActionLockPath  string
	RPCURLs         map[int64]string
	ParaswapBaseURL string
	ParaswapPartner string
	Planning        Planning
}

type fileConfig struct {
	Output   string           `yaml:"output"`
	Timeout  string           `yaml:"timeout"`
	Retries  *int             `yaml:"retries"`
	LogLevel string           `yaml:"log_level"`
	RPC      map[int64]string `yaml:"rpc"`
	Actions  struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"actions"`
	Providers struct {
		Paraswap struct {
			BaseURL    string `yaml:"base_url"`
			Partner    string `yaml:"partner"`
			PartnerEnv string `yaml:"partner_env"`
		} `yaml:"paraswap"`
	} `yaml:"providers"`
	Planning struct {
		RebasingMargin        string `yaml:"rebasing_margin"`
		BorrowAccrualMargin   string `yaml:"borrow_accrual_margin"`
		SharePriceTolerance   string `yaml:"share_price_tolerance"`
		MaxSlippageTolerance  string `yaml:"max_slippage_tolerance"`
		LeverageCeiling       string `yaml:"leverage_ceiling"`
		LTVSafetyMargin       string `yaml:"ltv_safety_margin"`
		NativeGasReserve      string `yaml:"native_gas_reserve"`
		OraclePriceScale      string `yaml:"oracle_price_scale"`
		ExecutionDelay        string `yaml:"execution_delay"`
		PermitDeadline        string `yaml:"permit_deadline"`
		PermitAllowanceExpiry string `yaml:"permit_allowance_expiry"`
	} `yaml:"planning"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 20 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if err := settings.Planning.Validate(); err != nil {
		return Settings{}, err
	}

	return settings, nil
}

// DefaultPlanning returns the production safety constants.
func DefaultPlanning() Planning {
	return Planning{
		RebasingMargin:        sdkmath.LegacyMustNewDecFromStr("0.0003"),
		BorrowAccrualMargin:   sdkmath.LegacyMustNewDecFromStr("0.0003"),
		SharePriceTolerance:   sdkmath.LegacyMustNewDecFromStr("0.0003"),
		MaxSlippageTolerance:  sdkmath.LegacyMustNewDecFromStr("0.1"),
		LeverageCeiling:       sdkmath.LegacyNewDec(100),
		LTVSafetyMargin:       sdkmath.LegacyMustNewDecFromStr("0.02"),
		NativeGasReserve:      big.NewInt(5_000_000_000_000_000),
		OraclePriceScale:      new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil),
		ExecutionDelay:        24 * time.Second,
		PermitDeadline:        2 * time.Hour,
		PermitAllowanceExpiry: 24 * time.Hour,
	}
}

// Validate rejects constants that would make the solvers meaningless.
func (p Planning) Validate() error {
	unit := sdkmath.LegacyOneDec()
	for name, v := range map[string]sdkmath.LegacyDec{
		"rebasing_margin":        p.RebasingMargin,
		"borrow_accrual_margin":  p.BorrowAccrualMargin,
		"share_price_tolerance":  p.SharePriceTolerance,
		"max_slippage_tolerance": p.MaxSlippageTolerance,
		"ltv_safety_margin":      p.LTVSafetyMargin,
	} {
		if v.IsNil() || v.IsNegative() || v.GTE(unit) {
			return fmt.Errorf("planning.%s must be in [0, 1)", name)
		}
	}
	if p.LeverageCeiling.IsNil() || p.LeverageCeiling.LTE(unit) {
		return fmt.Errorf("planning.leverage_ceiling must be greater than 1")
	}
	if p.NativeGasReserve == nil || p.NativeGasReserve.Sign() < 0 {
		return fmt.Errorf("planning.native_gas_reserve must be non-negative")
	}
	if p.OraclePriceScale == nil || p.OraclePriceScale.Sign() <= 0 {
		return fmt.Errorf("planning.oracle_price_scale must be positive")
	}
	return nil
}

func defaultSettings() (Settings, error) {
	dir, err := defaultStateDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:      "json",
		Timeout:         20 * time.Second,
		Retries:         2,
		LogLevel:        "warn",
		ActionStorePath: filepath.Join(dir, "actions.db"),
		ActionLockPath:  filepath.Join(dir, "actions.lock"),
		RPCURLs:         map[int64]string{},
		Planning:        DefaultPlanning(),
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "bundler", "config.yaml"), nil
}

func defaultStateDir() (string, error) {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "bundler"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = strings.ToLower(cfg.LogLevel)
	}
	for chainID, url := range cfg.RPC {
		settings.RPCURLs[chainID] = strings.TrimSpace(url)
	}
	if cfg.Actions.Path != "" {
		settings.ActionStorePath = cfg.Actions.Path
	}
	if cfg.Actions.LockPath != "" {
		settings.ActionLockPath = cfg.Actions.LockPath
	}
	if cfg.Providers.Paraswap.BaseURL != "" {
		settings.ParaswapBaseURL = cfg.Providers.Paraswap.BaseURL
	}
	if cfg.Providers.Paraswap.Partner != "" {
		settings.ParaswapPartner = cfg.Providers.Paraswap.Partner
	}
	if cfg.Providers.Paraswap.PartnerEnv != "" {
		settings.ParaswapPartner = os.Getenv(cfg.Providers.Paraswap.PartnerEnv)
	}

	p := &settings.Planning
	decs := []struct {
		name string
		raw  string
		dst  *sdkmath.LegacyDec
	}{
		{"rebasing_margin", cfg.Planning.RebasingMargin, &p.RebasingMargin},
		{"borrow_accrual_margin", cfg.Planning.BorrowAccrualMargin, &p.BorrowAccrualMargin},
		{"share_price_tolerance", cfg.Planning.SharePriceTolerance, &p.SharePriceTolerance},
		{"max_slippage_tolerance", cfg.Planning.MaxSlippageTolerance, &p.MaxSlippageTolerance},
		{"leverage_ceiling", cfg.Planning.LeverageCeiling, &p.LeverageCeiling},
		{"ltv_safety_margin", cfg.Planning.LTVSafetyMargin, &p.LTVSafetyMargin},
	}
	for _, d := range decs {
		if d.raw == "" {
			continue
		}
		v, err := sdkmath.LegacyNewDecFromStr(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("config planning.%s: %w", d.name, err)
		}
		*d.dst = v
	}
	ints := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"native_gas_reserve", cfg.Planning.NativeGasReserve, &p.NativeGasReserve},
		{"oracle_price_scale", cfg.Planning.OraclePriceScale, &p.OraclePriceScale},
	}
	for _, i := range ints {
		if i.raw == "" {
			continue
		}
		v, ok := new(big.Int).SetString(strings.TrimSpace(i.raw), 10)
		if !ok {
			return fmt.Errorf("config planning.%s must be an integer", i.name)
		}
		*i.dst = v
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"execution_delay", cfg.Planning.ExecutionDelay, &p.ExecutionDelay},
		{"permit_deadline", cfg.Planning.PermitDeadline, &p.PermitDeadline},
		{"permit_allowance_expiry", cfg.Planning.PermitAllowanceExpiry, &p.PermitAllowanceExpiry},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config planning.%s: %w", d.name, err)
		}
		*d.dst = v
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("BUNDLER_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("BUNDLER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("BUNDLER_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("BUNDLER_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("BUNDLER_ACTIONS_PATH"); v != "" {
		settings.ActionStorePath = v
	}
	if v := os.Getenv("BUNDLER_ACTIONS_LOCK_PATH"); v != "" {
		settings.ActionLockPath = v
	}
	if v := os.Getenv("BUNDLER_PARASWAP_BASE_URL"); v != "" {
		settings.ParaswapBaseURL = v
	}
	if v := os.Getenv("BUNDLER_PARASWAP_PARTNER"); v != "" {
		settings.ParaswapPartner = v
	}
	if v := os.Getenv("BUNDLER_MAX_SLIPPAGE_TOLERANCE"); v != "" {
		if d, err := sdkmath.LegacyNewDecFromStr(v); err == nil {
			settings.Planning.MaxSlippageTolerance = d
		}
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitList(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
