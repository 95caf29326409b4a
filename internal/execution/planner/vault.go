package planner

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-bundler/internal/bundle"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/execution"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
	"github.com/ggonzalez94/defi-bundler/internal/transfer"
)

type VaultVerb string

const (
	VaultVerbDeposit  VaultVerb = "deposit"
	VaultVerbWithdraw VaultVerb = "withdraw"
)

type VaultRequest struct {
	Verb    VaultVerb
	Vault   string
	Account string
	// AmountBaseUnits is in vault assets; "max" deposits the whole wallet
	// balance or redeems every share.
	AmountBaseUnits string
}

// BuildVaultAction plans an ERC-4626 deposit or withdrawal through GeneralAdapter1.
func BuildVaultAction(ctx context.Context, env Env, req VaultRequest) (execution.Action, error) {
	if err := env.validate(); err != nil {
		return execution.Action{}, err
	}
	account, err := parseAccount(req.Account, "--from-address")
	if err != nil {
		return execution.Action{}, err
	}
	vault, err := parseAccount(req.Vault, "--vault")
	if err != nil {
		return execution.Action{}, err
	}
	amount, err := parseAmount(req.AmountBaseUnits)
	if err != nil {
		return execution.Action{}, err
	}
	state, err := env.fetch(ctx, scope{account: account, vaults: []common.Address{vault}})
	if err != nil {
		return execution.Action{}, err
	}
	v, err := state.Vault(vault)
	if err != nil {
		return execution.Action{}, err
	}

	var sub bundle.Subbundle
	switch req.Verb {
	case VaultVerbDeposit:
		sub, err = env.planVaultDeposit(ctx, state, account, v, amount)
	case VaultVerbWithdraw:
		sub, err = env.planVaultWithdraw(ctx, state, account, v, amount)
	default:
		return execution.Action{}, clierr.Newf(clierr.CodeUsage, "unsupported vault verb %q", req.Verb)
	}
	if err != nil {
		return execution.Action{}, err
	}
	return env.finish(sub, bundle.ActionRequest{
		Intent:      "vault_" + string(req.Verb),
		From:        account,
		To:          account,
		InputAmount: strings.TrimSpace(req.AmountBaseUnits),
		Metadata: map[string]any{
			"protocol":      "morpho",
			"vault":         vault.Hex(),
			"vault_asset":   v.Asset.Hex(),
			"vault_action":  string(req.Verb),
			"vault_markets": len(v.Allocations),
		},
	})
}

func (e Env) planVaultDeposit(ctx context.Context, state *simulation.State, account common.Address, v simulation.Vault, amount *big.Int) (bundle.Subbundle, error) {
	in, callAmount, err := e.pull(ctx, state, account, v.Asset, amount)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	deposit, err := e.depositInto(state, v.Address, in.Amount, callAmount, account)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	return bundle.Compose(in.Subbundle, deposit), nil
}

// depositInto deposits assets held by GeneralAdapter1 into vault for receiver.
func (e Env) depositInto(state *simulation.State, vault common.Address, assets, callAmount *big.Int, receiver common.Address) (bundle.Subbundle, error) {
	shares, err := state.VaultDeposit(vault, e.Contracts.GeneralAdapter1, receiver, assets)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	maxPrice := bundle.MaxSharePriceE27(assets, shares, e.sharePriceTolerance())
	call, err := e.encoder().Erc4626Deposit(vault, callAmount, maxPrice, receiver)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	return bundle.Static(call), nil
}

// planVaultWithdraw moves the shares into GeneralAdapter1 and redeems them
// there, so no ERC-4626 allowance to the adapter is needed.
func (e Env) planVaultWithdraw(ctx context.Context, state *simulation.State, account common.Address, v simulation.Vault, amount *big.Int) (bundle.Subbundle, error) {
	shares := mathx.Clone(mathx.MaxUint256)
	if !mathx.IsMax(amount) {
		var err error
		shares, err = state.ConvertToShares(v.Address, amount, mathx.Up)
		if err != nil {
			return bundle.Subbundle{}, err
		}
		if held := state.Balance(account, v.Address); shares.Cmp(held) > 0 {
			return bundle.Subbundle{}, clierr.Newf(clierr.CodeInsufficientBalance, "withdrawal of %s assets needs %s shares, %s holds %s", amount, shares, account.Hex(), held)
		}
	}
	in, err := transfer.Plan(ctx, state, transfer.Request{
		Account:   account,
		Asset:     v.Address,
		Amount:    shares,
		Recipient: e.Contracts.GeneralAdapter1,
		Config:    transfer.Config{SupportsSignatures: e.SupportsSignatures},
		Env:       e.transferEnv(),
	})
	if err != nil {
		return bundle.Subbundle{}, err
	}
	assets, err := state.VaultRedeem(v.Address, e.Contracts.GeneralAdapter1, account, in.Amount)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	minPrice := bundle.MinSharePriceE27(assets, in.Amount, e.sharePriceTolerance())
	call, err := e.encoder().Erc4626Redeem(v.Address, shares, minPrice, account, e.Contracts.GeneralAdapter1)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	return bundle.Compose(in.Subbundle, bundle.Static(call)), nil
}
