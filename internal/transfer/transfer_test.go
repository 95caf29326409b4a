package transfer

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-bundler/internal/bundle"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
	"github.com/ggonzalez94/defi-bundler/internal/registry"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
)

var (
	user  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	token = common.HexToAddress("0x0000000000000000000000000000000000000c01")
)

func testEnv(t *testing.T) Env {
	t.Helper()
	contracts, ok := registry.Contracts(8453)
	if !ok {
		t.Fatal("expected base contracts")
	}
	return Env{
		Encoder:        bundle.NewEncoder(contracts),
		GasReserve:     big.NewInt(1_000),
		RebasingMargin: sdkmath.LegacyMustNewDecFromStr("0.0003"),
		PermitDeadline: 2 * time.Hour,
		PermitExpiry:   24 * time.Hour,
	}
}

func testState(env Env) *simulation.State {
	s := simulation.New(8453, 10_000, env.Encoder.Contracts.Morpho)
	s.Track(user, env.Encoder.Contracts.GeneralAdapter1)
	s.SetBalance(user, token, big.NewInt(1_000_000))
	s.SetBalance(env.Encoder.Contracts.GeneralAdapter1, token, new(big.Int))
	s.SetNativeBalance(user, big.NewInt(0))
	return s
}

func methods(t *testing.T, sub bundle.Subbundle, sigs bundle.Signatures) []string {
	t.Helper()
	calls, err := sub.Build(sigs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}

func TestApprovalOnlyWhenAllowanceInsufficient(t *testing.T) {
	env := testEnv(t)
	adapter := env.Encoder.Contracts.GeneralAdapter1

	state := testState(env)
	res, err := Plan(context.Background(), state, Request{
		Account: user, Asset: token, Amount: big.NewInt(400_000), Recipient: adapter, Env: env,
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(res.Subbundle.Precursors) != 1 || res.Subbundle.Precursors[0].Kind != bundle.PrecursorApproval {
		t.Fatalf("expected one approval precursor, got %+v", res.Subbundle.Precursors)
	}
	if got := methods(t, res.Subbundle, nil); len(got) != 1 || got[0] != "erc20TransferFrom" {
		t.Fatalf("unexpected calls %v", got)
	}
	if state.Balance(user, token).Cmp(big.NewInt(600_000)) != 0 {
		t.Fatalf("source not debited: %s", state.Balance(user, token))
	}
	if state.Balance(adapter, token).Cmp(big.NewInt(400_000)) != 0 {
		t.Fatalf("recipient not credited: %s", state.Balance(adapter, token))
	}

	approved := testState(env)
	approved.SetAllowance(user, token, adapter, mathx.MaxUint256)
	res, err = Plan(context.Background(), approved, Request{
		Account: user, Asset: token, Amount: big.NewInt(400_000), Recipient: adapter, Env: env,
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(res.Subbundle.Precursors) != 0 {
		t.Fatalf("expected no approval with infinite allowance, got %d", len(res.Subbundle.Precursors))
	}
}

func TestEntireBalanceIsIdempotent(t *testing.T) {
	env := testEnv(t)
	adapter := env.Encoder.Contracts.GeneralAdapter1
	base := testState(env)

	var amounts []*big.Int
	for i := 0; i < 2; i++ {
		state := base.Clone()
		res, err := Plan(context.Background(), state, Request{
			Account: user, Asset: token, Amount: mathx.MaxUint256, Recipient: adapter, Env: env,
		})
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		amounts = append(amounts, res.Amount)
		if state.Balance(user, token).Sign() != 0 {
			t.Fatalf("entire-balance transfer left residual %s", state.Balance(user, token))
		}
		calls, err := res.Subbundle.Build(nil)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		args, err := decodeAmount(calls[0])
		if err != nil {
			t.Fatalf("decode call: %v", err)
		}
		if !mathx.IsMax(args) {
			t.Fatalf("entire-balance pull must use the whole-balance sentinel, got %s", args)
		}
	}
	if amounts[0].Cmp(amounts[1]) != 0 || amounts[0].Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("planned amounts differ: %s vs %s", amounts[0], amounts[1])
	}
}

func TestRebasingEntireBalanceRequestsMargin(t *testing.T) {
	env := testEnv(t)
	state := testState(env)
	res, err := Plan(context.Background(), state, Request{
		Account: user, Asset: token, Amount: mathx.MaxUint256, Recipient: env.Encoder.Contracts.GeneralAdapter1,
		Config: Config{Rebasing: true}, Env: env,
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	// 1_000_000 * 1.0003
	if res.Authorized.Cmp(big.NewInt(1_000_300)) != 0 {
		t.Fatalf("expected margined authorization 1000300, got %s", res.Authorized)
	}
	if res.Amount.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("transfer must not exceed observed balance, got %s", res.Amount)
	}
}

func TestWrapNativeCoversShortfall(t *testing.T) {
	env := testEnv(t)
	weth := env.Encoder.Contracts.WrappedNative
	adapter := env.Encoder.Contracts.GeneralAdapter1
	state := testState(env)
	state.SetBalance(user, weth, big.NewInt(5_000))
	state.SetNativeBalance(user, big.NewInt(11_000))

	res, err := Plan(context.Background(), state, Request{
		Account: user, Asset: weth, Amount: big.NewInt(12_000), Recipient: adapter,
		Config: Config{AllowWrapNative: true}, Env: env,
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if res.Wrapped.Cmp(big.NewInt(7_000)) != 0 || res.Pulled.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("unexpected split wrapped=%s pulled=%s", res.Wrapped, res.Pulled)
	}
	calls, err := res.Subbundle.Build(nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if calls[0].Method != "wrapNative" || calls[0].Value.Cmp(big.NewInt(7_000)) != 0 {
		t.Fatalf("expected wrapNative carrying value, got %s", calls[0])
	}
	if state.NativeBalance(user).Cmp(big.NewInt(4_000)) != 0 {
		t.Fatalf("native not debited: %s", state.NativeBalance(user))
	}

	// Gas reserve of 1_000 leaves 10_000 wrappable + 5_000 held.
	_, err = Plan(context.Background(), testStateWithWeth(env), Request{
		Account: user, Asset: weth, Amount: big.NewInt(15_001), Recipient: adapter,
		Config: Config{AllowWrapNative: true}, Env: env,
	})
	if !clierr.Is(err, clierr.CodeInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func testStateWithWeth(env Env) *simulation.State {
	s := testState(env)
	s.SetBalance(user, env.Encoder.Contracts.WrappedNative, big.NewInt(5_000))
	s.SetNativeBalance(user, big.NewInt(11_000))
	return s
}

func TestInsufficientBalanceBeforeAnyCall(t *testing.T) {
	env := testEnv(t)
	state := testState(env)
	_, err := Plan(context.Background(), state, Request{
		Account: user, Asset: token, Amount: big.NewInt(1_000_001), Recipient: env.Encoder.Contracts.GeneralAdapter1, Env: env,
	})
	if !clierr.Is(err, clierr.CodeInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if state.Balance(user, token).Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatal("failed plan must not mutate state")
	}
}

func TestPermit2PathRequestsSignature(t *testing.T) {
	env := testEnv(t)
	contracts := env.Encoder.Contracts
	state := testState(env)
	state.SetPermit2Allowance(user, token, contracts.GeneralAdapter1, simulation.Permit2Allowance{
		Amount: new(big.Int), Nonce: big.NewInt(7),
	})

	res, err := Plan(context.Background(), state, Request{
		Account: user, Asset: token, Amount: big.NewInt(250_000), Recipient: contracts.GeneralAdapter1,
		Config: Config{SupportsSignatures: true}, Env: env,
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(res.Subbundle.Signatures) != 1 {
		t.Fatalf("expected one permit signature, got %d", len(res.Subbundle.Signatures))
	}
	if len(res.Subbundle.Precursors) != 1 {
		t.Fatalf("expected Permit2 approval precursor, got %d", len(res.Subbundle.Precursors))
	}
	name := res.Subbundle.Signatures[0].Name
	got := methods(t, res.Subbundle, bundle.Signatures{name: make([]byte, 65)})
	if len(got) != 2 || got[0] != "permit" || got[1] != "permit2TransferFrom" {
		t.Fatalf("unexpected calls %v", got)
	}
	nonce := state.Permit2Allowance(user, token, contracts.GeneralAdapter1).Nonce
	if nonce.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("expected nonce to advance to 8, got %s", nonce)
	}

	permitted := testState(env)
	permitted.SetAllowance(user, token, contracts.Permit2, mathx.MaxUint256)
	permitted.SetPermit2Allowance(user, token, contracts.GeneralAdapter1, simulation.Permit2Allowance{
		Amount: simulation.MaxUint160(), Expiration: permitted.Timestamp + 3600, Nonce: big.NewInt(8),
	})
	again, err := Plan(context.Background(), permitted, Request{
		Account: user, Asset: token, Amount: big.NewInt(1), Recipient: contracts.GeneralAdapter1,
		Config: Config{SupportsSignatures: true}, Env: env,
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(again.Subbundle.Signatures) != 0 || len(again.Subbundle.Precursors) != 0 {
		t.Fatal("a live Permit2 allowance must not request a new signature")
	}

	expired := testState(env)
	expired.SetAllowance(user, token, contracts.Permit2, mathx.MaxUint256)
	expired.SetPermit2Allowance(user, token, contracts.GeneralAdapter1, simulation.Permit2Allowance{
		Amount: simulation.MaxUint160(), Expiration: expired.Timestamp - 1, Nonce: big.NewInt(8),
	})
	renewed, err := Plan(context.Background(), expired, Request{
		Account: user, Asset: token, Amount: big.NewInt(1), Recipient: contracts.GeneralAdapter1,
		Config: Config{SupportsSignatures: true}, Env: env,
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(renewed.Subbundle.Signatures) != 1 {
		t.Fatal("an expired Permit2 allowance must be renewed")
	}
}

func decodeAmount(call bundle.Call) (*big.Int, error) {
	parsed, err := abi.JSON(strings.NewReader(registry.GeneralAdapter1ABI))
	if err != nil {
		return nil, err
	}
	method, err := parsed.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	return args[2].(*big.Int), nil
}
