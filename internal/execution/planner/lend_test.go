package planner

import (
	"context"
	"strings"
	"testing"

	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/execution"
)

var testMarketID = strings.ToLower(testParams.ID().Hex())

func lendRequest(verb LendVerb, amount string) LendRequest {
	return LendRequest{Verb: verb, MarketID: testMarketID, Account: user.Hex(), AmountBaseUnits: amount}
}

func TestBuildLendSupplyCollateralWithApproval(t *testing.T) {
	env := testEnv(t, newFakeReader())
	action, err := BuildLendAction(context.Background(), env, lendRequest(LendVerbSupplyCollateral, units(5).String()))
	if err != nil {
		t.Fatalf("BuildLendAction failed: %v", err)
	}
	if action.IntentType != "lend_supply_collateral" {
		t.Fatalf("unexpected intent type: %s", action.IntentType)
	}
	if action.Provider != "morpho" {
		t.Fatalf("unexpected provider: %s", action.Provider)
	}
	types := stepTypes(action)
	if len(types) != 2 || types[0] != execution.StepTypeApproval {
		t.Fatalf("expected approval + bundle steps, got %v", types)
	}
	if action.Steps[0].Target != collateral.Hex() {
		t.Fatalf("approval must target the collateral token, got %s", action.Steps[0].Target)
	}
	step := bundleStep(t, action)
	assertMethods(t, step, "erc20TransferFrom", "morphoSupplyCollateral")
	if step.Target != env.Contracts.Bundler3.Hex() {
		t.Fatalf("bundle must target Bundler3, got %s", step.Target)
	}
	if step.Data == "" {
		t.Fatal("bundle without signatures must carry calldata")
	}
	if action.Metadata["lltv"] != testParams.LLTV.String() {
		t.Fatalf("unexpected metadata: %+v", action.Metadata)
	}
}

func TestBuildLendSupplyCollateralWithPermit2(t *testing.T) {
	env := testEnv(t, newFakeReader())
	env.SupportsSignatures = true
	action, err := BuildLendAction(context.Background(), env, lendRequest(LendVerbSupplyCollateral, "max"))
	if err != nil {
		t.Fatalf("BuildLendAction failed: %v", err)
	}
	types := stepTypes(action)
	want := []execution.StepType{execution.StepTypeSignature, execution.StepTypeApproval, execution.StepTypeBundle}
	if len(types) != len(want) {
		t.Fatalf("unexpected steps %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("unexpected steps %v", types)
		}
	}
	step := bundleStep(t, action)
	assertMethods(t, step, "permit", "permit2TransferFrom", "morphoSupplyCollateral")
	if step.Data != "" {
		t.Fatal("bundle must wait for the permit signature")
	}
	if !step.Calls[0].SkipRevert {
		t.Fatal("permit must be skippable")
	}
}

func TestBuildLendBorrowAddsAuthorization(t *testing.T) {
	reader := newFakeReader()
	env := testEnv(t, reader)
	action, err := BuildLendAction(context.Background(), env, lendRequest(LendVerbBorrow, units(100).String()))
	if err != nil {
		t.Fatalf("BuildLendAction failed: %v", err)
	}
	if action.Steps[0].Type != execution.StepTypeAuthorization || action.Steps[0].Target != env.Contracts.Morpho.Hex() {
		t.Fatalf("expected morpho authorization first, got %+v", action.Steps[0])
	}
	assertMethods(t, bundleStep(t, action), "morphoBorrow")

	reader.authorized = true
	action, err = BuildLendAction(context.Background(), env, lendRequest(LendVerbBorrow, units(100).String()))
	if err != nil {
		t.Fatalf("BuildLendAction failed: %v", err)
	}
	if len(action.Steps) != 1 {
		t.Fatalf("authorized account needs only the bundle, got %v", stepTypes(action))
	}
}

func TestBuildLendBorrowRejectsUnhealthyPosition(t *testing.T) {
	env := testEnv(t, newFakeReader())
	// 100 collateral at price 2 and LLTV 0.86 carries at most 172 of debt.
	_, err := BuildLendAction(context.Background(), env, lendRequest(LendVerbBorrow, units(130).String()))
	if !clierr.Is(err, clierr.CodeSimulationFailure) {
		t.Fatalf("expected simulation failure, got %v", err)
	}
	_, err = BuildLendAction(context.Background(), env, lendRequest(LendVerbBorrow, "max"))
	if !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for max borrow, got %v", err)
	}
}

func TestBuildLendRepay(t *testing.T) {
	env := testEnv(t, newFakeReader())

	partial, err := BuildLendAction(context.Background(), env, lendRequest(LendVerbRepay, units(10).String()))
	if err != nil {
		t.Fatalf("partial repay failed: %v", err)
	}
	assertMethods(t, bundleStep(t, partial), "erc20TransferFrom", "morphoRepay")

	full, err := BuildLendAction(context.Background(), env, lendRequest(LendVerbRepay, "max"))
	if err != nil {
		t.Fatalf("full repay failed: %v", err)
	}
	step := bundleStep(t, full)
	assertMethods(t, step, "erc20TransferFrom", "morphoRepay", "erc20Transfer")
	if !step.Calls[2].SkipRevert {
		t.Fatal("the leftover sweep must be skippable")
	}

	// An amount above the debt is a full repay too.
	over, err := BuildLendAction(context.Background(), env, lendRequest(LendVerbRepay, units(55).String()))
	if err != nil {
		t.Fatalf("repay above debt failed: %v", err)
	}
	assertMethods(t, bundleStep(t, over), "erc20TransferFrom", "morphoRepay", "erc20Transfer")
}

func TestBuildLendRepayWithoutDebt(t *testing.T) {
	env := testEnv(t, newFakeReader())
	req := lendRequest(LendVerbRepay, "max")
	req.Account = stranger.Hex()
	_, err := BuildLendAction(context.Background(), env, req)
	if !clierr.Is(err, clierr.CodeNoPositions) {
		t.Fatalf("expected no positions, got %v", err)
	}
}

func TestBuildLendWithdrawCollateral(t *testing.T) {
	reader := newFakeReader()
	reader.authorized = true
	env := testEnv(t, reader)

	action, err := BuildLendAction(context.Background(), env, lendRequest(LendVerbWithdrawCollateral, units(10).String()))
	if err != nil {
		t.Fatalf("BuildLendAction failed: %v", err)
	}
	assertMethods(t, bundleStep(t, action), "morphoWithdrawCollateral")

	_, err = BuildLendAction(context.Background(), env, lendRequest(LendVerbWithdrawCollateral, "max"))
	if !clierr.Is(err, clierr.CodeSimulationFailure) {
		t.Fatalf("withdrawing all collateral under debt must fail, got %v", err)
	}
}

func TestBuildLendValidation(t *testing.T) {
	env := testEnv(t, newFakeReader())
	tests := []struct {
		name string
		req  LendRequest
	}{
		{name: "missing account", req: LendRequest{Verb: LendVerbSupply, MarketID: testMarketID, AmountBaseUnits: "1"}},
		{name: "bad account", req: LendRequest{Verb: LendVerbSupply, MarketID: testMarketID, Account: "0x123", AmountBaseUnits: "1"}},
		{name: "zero amount", req: lendRequest(LendVerbSupply, "0")},
		{name: "decimal amount", req: lendRequest(LendVerbSupply, "1.5")},
		{name: "missing market", req: LendRequest{Verb: LendVerbSupply, Account: user.Hex(), AmountBaseUnits: "1"}},
		{name: "unknown verb", req: lendRequest(LendVerb("withdraw"), "1")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := BuildLendAction(context.Background(), env, tc.req); !clierr.Is(err, clierr.CodeUsage) {
				t.Fatalf("expected usage error, got %v", err)
			}
		})
	}
}

func TestParseLendVerb(t *testing.T) {
	verb, err := ParseLendVerb(" Supply-Collateral ")
	if err != nil || verb != LendVerbSupplyCollateral {
		t.Fatalf("unexpected verb %q (%v)", verb, err)
	}
	if _, err := ParseLendVerb("stake"); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}
