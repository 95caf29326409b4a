package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-bundler/internal/config"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/registry"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
	"github.com/rs/zerolog"
)

const testTimestamp = 1_700_000_000

var (
	testUser   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testLoan   = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	testColl   = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	testOracle = common.HexToAddress("0x0000000000000000000000000000000000000e03")
	testParams = simulation.MarketParams{
		LoanToken:       testLoan,
		CollateralToken: testColl,
		Oracle:          testOracle,
		IRM:             common.HexToAddress("0x0000000000000000000000000000000000000e04"),
		LLTV:            big.NewInt(860_000_000_000_000_000),
	}
)

func units(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// stubReader serves one empty-position market and a 60 token loan balance.
type stubReader struct{}

func (stubReader) BlockTimestamp(context.Context) (int64, error) { return testTimestamp, nil }

func (stubReader) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (stubReader) BalanceOf(_ context.Context, token, account common.Address) (*big.Int, error) {
	if token == testLoan && account == testUser {
		return units(60), nil
	}
	return new(big.Int), nil
}

func (stubReader) Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (stubReader) Permit2Allowance(context.Context, common.Address, common.Address, common.Address) (simulation.Permit2Allowance, error) {
	return simulation.Permit2Allowance{Amount: new(big.Int), Nonce: new(big.Int)}, nil
}

func (stubReader) Market(_ context.Context, id common.Hash) (simulation.Market, error) {
	if id != testParams.ID() {
		return simulation.Market{}, fmt.Errorf("market %s not created", id.Hex())
	}
	shares := new(big.Int).Mul(units(1_000), big.NewInt(1_000_000))
	return simulation.Market{
		ID:                id,
		Params:            testParams,
		TotalSupplyAssets: units(1_000),
		TotalSupplyShares: shares,
		TotalBorrowAssets: new(big.Int),
		TotalBorrowShares: new(big.Int),
		LastUpdate:        testTimestamp,
		Fee:               new(big.Int),
	}, nil
}

func (stubReader) BorrowRate(context.Context, simulation.Market) (*big.Int, error) {
	return new(big.Int), nil
}

func (stubReader) OraclePrice(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil), nil
}

func (stubReader) Position(context.Context, common.Hash, common.Address) (simulation.Position, error) {
	return simulation.Position{SupplyShares: new(big.Int), BorrowShares: new(big.Int), Collateral: new(big.Int)}, nil
}

func (stubReader) IsAuthorized(context.Context, common.Address, common.Address) (bool, error) {
	return false, nil
}

func (stubReader) Vault(context.Context, common.Address) (simulation.Vault, error) {
	return simulation.Vault{}, fmt.Errorf("unknown vault")
}

func (stubReader) AaveReserves(context.Context) ([]simulation.Reserve, error) { return nil, nil }

func (stubReader) Decimals(context.Context, common.Address) (int, error) { return 18, nil }

// newTestRunner isolates config and the action store under a temp dir.
func newTestRunner(t *testing.T) (*Runner, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_STATE_HOME", dir)
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	r.dial = func(context.Context, string, registry.BundlerContracts, common.Address) (simulation.ChainReader, func(), error) {
		return stubReader{}, func() {}, nil
	}
	return r, &stdout, &stderr
}

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("bundler leverage plan"); got != "leverage plan" {
		t.Fatalf("unexpected trim result: %s", got)
	}
}

func TestResolveActionID(t *testing.T) {
	id, err := resolveActionID("act_123", "")
	if err != nil || id != "act_123" {
		t.Fatalf("unexpected resolution: %q %v", id, err)
	}
	id, err = resolveActionID("", " act_456 ")
	if err != nil || id != "act_456" {
		t.Fatalf("unexpected positional resolution: %q %v", id, err)
	}
	if _, err := resolveActionID("act_1", "act_2"); err == nil {
		t.Fatal("expected mismatch error when flag and argument differ")
	}
	if _, err := resolveActionID("", ""); err == nil {
		t.Fatal("expected error for missing action id")
	}
	if _, err := resolveActionID("123", ""); err == nil {
		t.Fatal("expected error for malformed action id")
	}
}

func TestParseRatioFlag(t *testing.T) {
	got, err := parseRatioFlag("--max-slippage", " 0.015 ")
	if err != nil {
		t.Fatalf("parseRatioFlag failed: %v", err)
	}
	if got.String() != "0.015000000000000000" {
		t.Fatalf("unexpected ratio %s", got)
	}
	for _, raw := range []string{"", "two", "1e-2", "0.1234567890123456789"} {
		if _, err := parseRatioFlag("--factor", raw); !clierr.Is(err, clierr.CodeUsage) {
			t.Fatalf("expected usage error for %q, got %v", raw, err)
		}
	}
}

func TestRunnerVersion(t *testing.T) {
	r, stdout, stderr := newTestRunner(t)
	if code := r.Run([]string{"version"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) == "" {
		t.Fatal("expected version output")
	}
}

func TestCommandContextFollowsRunContext(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	state := &runtimeState{base: base, logger: zerolog.Nop(), settings: config.Settings{Timeout: time.Minute}}
	ctx, release := state.commandContext()
	defer release()
	if ctx.Err() != nil {
		t.Fatalf("command context done early: %v", ctx.Err())
	}
	cancel()
	<-ctx.Done()
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatalf("expected cancellation, got %v", ctx.Err())
	}
}

func TestRunnerProvidersList(t *testing.T) {
	r, stdout, stderr := newTestRunner(t)
	code := r.Run([]string{"providers", "list", "--results-only"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var out []map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout.String())
	}
	names := []string{}
	for _, item := range out {
		names = append(names, fmt.Sprint(item["name"]))
	}
	if strings.Join(names, ",") != "paraswap,morpho" {
		t.Fatalf("unexpected providers: %v", names)
	}
}

func TestRunnerSchemaIncludesPlanCommands(t *testing.T) {
	r, stdout, stderr := newTestRunner(t)
	code := r.Run([]string{"schema", "leverage", "plan", "--results-only"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var out map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse schema json: %v output=%s", err, stdout.String())
	}
	if out["intent"] != "leverage" {
		t.Fatalf("expected leverage intent, got %v", out["intent"])
	}
	flags, _ := out["flags"].([]any)
	seen := map[string]bool{}
	for _, raw := range flags {
		flag, _ := raw.(map[string]any)
		seen[fmt.Sprint(flag["name"])] = true
	}
	for _, name := range []string{"chain", "from-address", "market-id", "margin", "factor", "max-slippage", "aggregator", "signature"} {
		if !seen[name] {
			t.Fatalf("expected flag %s in schema, got %v", name, seen)
		}
	}
}

func TestRunnerErrorEnvelopeIgnoresResultsOnly(t *testing.T) {
	r, _, stderr := newTestRunner(t)
	code := r.Run([]string{"actions", "list", "--enable-commands", "version", "--results-only"})
	if code != 16 {
		t.Fatalf("expected exit 16, got %d stderr=%s", code, stderr.String())
	}
	var env map[string]any
	if err := json.Unmarshal(stderr.Bytes(), &env); err != nil {
		t.Fatalf("failed to parse error envelope: %v output=%s", err, stderr.String())
	}
	if env["success"] != false {
		t.Fatalf("expected success=false, got %v", env["success"])
	}
	body, _ := env["error"].(map[string]any)
	if body["type"] != "command_blocked" {
		t.Fatalf("unexpected error type: %v", body["type"])
	}
}

func TestRunnerPlanRequiresFlags(t *testing.T) {
	r, _, stderr := newTestRunner(t)
	code := r.Run([]string{"lend", "supply", "plan", "--chain", "ethereum"})
	if code != 2 {
		t.Fatalf("expected usage exit 2, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerPlanRejectsChainWithoutBundler(t *testing.T) {
	r, _, stderr := newTestRunner(t)
	code := r.Run([]string{
		"lend", "supply", "plan",
		"--chain", "polygon",
		"--from-address", testUser.Hex(),
		"--market-id", testParams.ID().Hex(),
		"--amount", "1",
	})
	if code != 13 {
		t.Fatalf("expected unsupported exit 13, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerLeverageRejectsBadFactor(t *testing.T) {
	r, _, stderr := newTestRunner(t)
	code := r.Run([]string{
		"leverage", "plan",
		"--chain", "ethereum",
		"--from-address", testUser.Hex(),
		"--market-id", testParams.ID().Hex(),
		"--margin", "1",
		"--factor", "two",
	})
	if code != 2 {
		t.Fatalf("expected usage exit 2, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerLendPlanPersistsAction(t *testing.T) {
	r, stdout, stderr := newTestRunner(t)
	code := r.Run([]string{
		"lend", "supply", "plan",
		"--chain", "ethereum",
		"--from-address", testUser.Hex(),
		"--market-id", testParams.ID().Hex(),
		"--amount-decimal", "10",
		"--onchain-markets",
		"--results-only",
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var action struct {
		ActionID   string `json:"action_id"`
		IntentType string `json:"intent_type"`
		Status     string `json:"status"`
		Steps      []struct {
			Type   string `json:"type"`
			Data   string `json:"data"`
			RPCURL string `json:"rpc_url"`
		} `json:"steps"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &action); err != nil {
		t.Fatalf("failed to parse action: %v output=%s", err, stdout.String())
	}
	if action.IntentType != "lend_supply" || action.Status != "planned" {
		t.Fatalf("unexpected action: %+v", action)
	}
	if len(action.Steps) == 0 {
		t.Fatal("expected steps")
	}
	last := action.Steps[len(action.Steps)-1]
	if last.Type != "bundle" || last.Data == "" || last.RPCURL == "" {
		t.Fatalf("expected a complete bundle step, got %+v", last)
	}

	stdout.Reset()
	if code := r.Run([]string{"actions", "list", "--intent", "lend_supply", "--results-only"}); code != 0 {
		t.Fatalf("actions list failed: %d stderr=%s", code, stderr.String())
	}
	var listed []map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &listed); err != nil {
		t.Fatalf("failed to parse list: %v output=%s", err, stdout.String())
	}
	if len(listed) != 1 || listed[0]["action_id"] != action.ActionID {
		t.Fatalf("unexpected listed actions: %v", listed)
	}

	stdout.Reset()
	if code := r.Run([]string{"actions", "show", action.ActionID, "--select", "intent_type", "--results-only"}); code != 0 {
		t.Fatalf("actions show failed: %d stderr=%s", code, stderr.String())
	}
	var shown map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &shown); err != nil {
		t.Fatalf("failed to parse show: %v output=%s", err, stdout.String())
	}
	if shown["intent_type"] != "lend_supply" {
		t.Fatalf("unexpected shown action: %v", shown)
	}

	stdout.Reset()
	if code := r.Run([]string{"lend", "supply", "status", "--action-id", action.ActionID}); code != 0 {
		t.Fatalf("lend supply status failed: %d stderr=%s", code, stderr.String())
	}
	if code := r.Run([]string{"lend", "borrow", "status", "--action-id", action.ActionID}); code != 2 {
		t.Fatalf("expected borrow status to reject a supply action, got %d", code)
	}
}
