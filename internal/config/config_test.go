package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(configPath, []byte("output: plain\nretries: 1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("BUNDLER_OUTPUT", "json")
	flags := GlobalFlags{ConfigPath: configPath, Plain: true, Retries: 5}
	settings, err := Load(flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "plain" {
		t.Fatalf("expected flag to win, got output=%s", settings.OutputMode)
	}
	if settings.Retries != 5 {
		t.Fatalf("expected retries from flags, got %d", settings.Retries)
	}
}

func TestLoadMutuallyExclusiveOutputFlags(t *testing.T) {
	_, err := Load(GlobalFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"), JSON: true, Plain: true})
	if err == nil {
		t.Fatal("expected error with --json and --plain")
	}
}

func TestLoadPlanningOverrides(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.yaml")
	raw := `
rpc:
  8453: https://base.example
planning:
  rebasing_margin: "0.001"
  leverage_ceiling: "20"
  native_gas_reserve: "1000"
  execution_delay: 1m
providers:
  paraswap:
    partner: bundler-test
`
	if err := os.WriteFile(configPath, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	settings, err := Load(GlobalFlags{ConfigPath: configPath, Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	p := settings.Planning
	if p.RebasingMargin.String() != "0.001000000000000000" {
		t.Fatalf("unexpected rebasing margin: %s", p.RebasingMargin)
	}
	if p.LeverageCeiling.TruncateInt64() != 20 {
		t.Fatalf("unexpected leverage ceiling: %s", p.LeverageCeiling)
	}
	if p.NativeGasReserve.Int64() != 1000 {
		t.Fatalf("unexpected gas reserve: %s", p.NativeGasReserve)
	}
	if p.ExecutionDelay != time.Minute {
		t.Fatalf("unexpected execution delay: %s", p.ExecutionDelay)
	}
	if p.BorrowAccrualMargin.String() != "0.000300000000000000" {
		t.Fatalf("expected default borrow margin, got %s", p.BorrowAccrualMargin)
	}
	if settings.RPCURLs[8453] != "https://base.example" {
		t.Fatalf("unexpected rpc override: %v", settings.RPCURLs)
	}
	if settings.ParaswapPartner != "bundler-test" {
		t.Fatalf("unexpected partner: %s", settings.ParaswapPartner)
	}
}

func TestLoadRejectsInvalidPlanning(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(configPath, []byte("planning:\n  max_slippage_tolerance: \"1.5\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(GlobalFlags{ConfigPath: configPath, Retries: -1}); err == nil {
		t.Fatal("expected invalid tolerance to be rejected")
	}
}
