// Package transfer plans moving an account's tokens into a routing contract
// at the start of a bundle.
package transfer

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-bundler/internal/bundle"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/logging"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
	"github.com/ggonzalez94/defi-bundler/internal/simulation"
)

type Config struct {
	// SupportsSignatures selects the Permit2 path over approve + pull.
	SupportsSignatures bool
	Rebasing           bool
	// AllowWrapNative lets native balance cover a wrapped-native shortfall.
	AllowWrapNative bool
}

// Env is the deployment-specific surface the primitive consumes.
type Env struct {
	Encoder        bundle.Encoder
	GasReserve     *big.Int
	RebasingMargin sdkmath.LegacyDec
	PermitDeadline time.Duration
	PermitExpiry   time.Duration
}

type Request struct {
	Account common.Address
	Asset   common.Address
	// Amount may be mathx.MaxUint256 to move the entire available balance.
	Amount    *big.Int
	Recipient common.Address
	Config    Config
	Env       Env
}

type Result struct {
	Subbundle bundle.Subbundle
	// Amount is the resolved quantity delivered to the recipient.
	Amount  *big.Int
	Wrapped *big.Int
	Pulled  *big.Int
	// Authorized is the allowance the plan relies on, margined for rebasing assets.
	Authorized *big.Int
}

// Plan resolves the transfer against state, mutates state with its effects
// and returns the subbundle that performs it on chain.
func Plan(ctx context.Context, state *simulation.State, req Request) (Result, error) {
	log := logging.ForComponent(ctx, "transfer")
	if req.Amount == nil || req.Amount.Sign() < 0 {
		return Result{}, clierr.New(clierr.CodeUsage, "transfer amount must be a non-negative integer")
	}
	contracts := req.Env.Encoder.Contracts
	entire := mathx.IsMax(req.Amount)

	erc20 := state.Balance(req.Account, req.Asset)
	wrappable := new(big.Int)
	if req.Config.AllowWrapNative && req.Asset == contracts.WrappedNative {
		reserve := mathx.Clone(req.Env.GasReserve)
		wrappable = mathx.ZeroFloorSub(state.NativeBalance(req.Account), reserve)
	}
	available := new(big.Int).Add(erc20, wrappable)

	amount := mathx.Clone(req.Amount)
	if entire {
		amount = available
		if amount.Sign() == 0 {
			return Result{}, clierr.Newf(clierr.CodeInsufficientBalance, "%s holds no %s to transfer", req.Account.Hex(), req.Asset.Hex())
		}
	} else if amount.Cmp(available) > 0 {
		return Result{}, clierr.Newf(clierr.CodeInsufficientBalance, "transfer of %s %s exceeds available balance %s", amount, req.Asset.Hex(), available)
	}
	if amount.Sign() == 0 {
		return Result{Subbundle: bundle.Empty(), Amount: amount, Wrapped: new(big.Int), Pulled: new(big.Int), Authorized: new(big.Int)}, nil
	}

	wrapped := mathx.ZeroFloorSub(amount, erc20)
	pulled := new(big.Int).Sub(amount, wrapped)

	authorized := mathx.Clone(pulled)
	if entire && req.Config.Rebasing {
		authorized = mathx.MulDec(pulled, sdkmath.LegacyOneDec().Add(req.Env.RebasingMargin), mathx.Up)
	}

	parts := make([]bundle.Subbundle, 0, 2)
	if wrapped.Sign() > 0 {
		call, err := req.Env.Encoder.WrapNative(wrapped, req.Recipient)
		if err != nil {
			return Result{}, err
		}
		if err := state.DebitNative(req.Account, wrapped); err != nil {
			return Result{}, err
		}
		state.Credit(req.Recipient, req.Asset, wrapped)
		parts = append(parts, bundle.Static(call))
	}

	if pulled.Sign() > 0 {
		// Entire-balance pulls let the adapter read the live balance at
		// execution time so accrual never strands or over-transfers funds.
		callAmount := mathx.Clone(pulled)
		if entire {
			callAmount = mathx.Clone(mathx.MaxUint256)
		}
		var (
			sub bundle.Subbundle
			err error
		)
		if req.Config.SupportsSignatures {
			sub, err = planPermit2(state, req, pulled, authorized, callAmount)
		} else {
			sub, err = planApproval(state, req, pulled, authorized, callAmount)
		}
		if err != nil {
			return Result{}, err
		}
		if err := state.Move(req.Asset, req.Account, req.Recipient, pulled); err != nil {
			return Result{}, err
		}
		parts = append(parts, sub)
	}

	log.Debug().
		Str("asset", req.Asset.Hex()).
		Str("amount", amount.String()).
		Str("wrapped", wrapped.String()).
		Str("pulled", pulled.String()).
		Bool("entire", entire).
		Msg("planned input transfer")

	return Result{
		Subbundle:  bundle.Compose(parts...),
		Amount:     amount,
		Wrapped:    wrapped,
		Pulled:     pulled,
		Authorized: authorized,
	}, nil
}

func planApproval(state *simulation.State, req Request, pulled, authorized, callAmount *big.Int) (bundle.Subbundle, error) {
	spender := req.Env.Encoder.Contracts.GeneralAdapter1
	sub := bundle.Subbundle{}
	if state.Allowance(req.Account, req.Asset, spender).Cmp(authorized) < 0 {
		sub.Precursors = append(sub.Precursors, approvalPrecursor(req.Asset, spender, authorized, "GeneralAdapter1"))
		state.SetAllowance(req.Account, req.Asset, spender, authorized)
	}
	if err := state.SpendAllowance(req.Account, req.Asset, spender, pulled); err != nil {
		return bundle.Subbundle{}, err
	}
	call, err := req.Env.Encoder.Erc20TransferFrom(req.Asset, req.Recipient, callAmount)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	sub.Calls = bundle.Static(call).Calls
	return sub, nil
}

func planPermit2(state *simulation.State, req Request, pulled, authorized, callAmount *big.Int) (bundle.Subbundle, error) {
	contracts := req.Env.Encoder.Contracts
	spender := contracts.GeneralAdapter1
	sub := bundle.Subbundle{}

	if state.Allowance(req.Account, req.Asset, contracts.Permit2).Cmp(authorized) < 0 {
		sub.Precursors = append(sub.Precursors, approvalPrecursor(req.Asset, contracts.Permit2, mathx.MaxUint256, "Permit2"))
		state.SetAllowance(req.Account, req.Asset, contracts.Permit2, mathx.MaxUint256)
	}

	current := state.Permit2Allowance(req.Account, req.Asset, spender)
	needsPermit := current.Amount == nil || current.Amount.Cmp(authorized) < 0 || current.Expiration < state.Timestamp
	var permitCalls bundle.CallsFunc
	if needsPermit {
		permitAmount := mathx.Min(authorized, simulation.MaxUint160())
		permit := bundle.PermitSingle{
			Token:       req.Asset,
			Amount:      permitAmount,
			Expiration:  state.Timestamp + int64(req.Env.PermitExpiry/time.Second),
			Nonce:       mathx.Clone(current.Nonce),
			Spender:     spender,
			SigDeadline: big.NewInt(state.Timestamp + int64(req.Env.PermitDeadline/time.Second)),
		}
		name := permitName(req.Asset)
		sub.Signatures = append(sub.Signatures, bundle.SignatureRequest{
			Name:      name,
			Signer:    req.Account,
			TypedData: permit.TypedData(state.ChainID, contracts.Permit2),
		})
		encoder := req.Env.Encoder
		owner := req.Account
		permitCalls = func(sigs bundle.Signatures) ([]bundle.Call, error) {
			call, err := encoder.Permit2Permit(owner, permit, sigs[name])
			if err != nil {
				return nil, err
			}
			return []bundle.Call{call}, nil
		}
		state.SetPermit2Allowance(req.Account, req.Asset, spender, simulation.Permit2Allowance{
			Amount:     permitAmount,
			Expiration: permit.Expiration,
			Nonce:      new(big.Int).Add(permit.Nonce, big.NewInt(1)),
		})
	}
	if err := state.SpendPermit2Allowance(req.Account, req.Asset, spender, pulled); err != nil {
		return bundle.Subbundle{}, err
	}
	pull, err := req.Env.Encoder.Permit2TransferFrom(req.Asset, req.Recipient, callAmount)
	if err != nil {
		return bundle.Subbundle{}, err
	}
	if permitCalls == nil {
		sub.Calls = bundle.Static(pull).Calls
		return sub, nil
	}
	sub.Calls = func(sigs bundle.Signatures) ([]bundle.Call, error) {
		calls, err := permitCalls(sigs)
		if err != nil {
			return nil, err
		}
		return append(calls, pull), nil
	}
	return sub, nil
}

func approvalPrecursor(token, spender common.Address, amount *big.Int, spenderName string) bundle.Precursor {
	fixed := mathx.Clone(amount)
	return bundle.Precursor{
		Name:        fmt.Sprintf("approve:%s:%s", strings.ToLower(token.Hex()), strings.ToLower(spenderName)),
		Kind:        bundle.PrecursorApproval,
		Description: fmt.Sprintf("Approve %s to spend %s", spenderName, token.Hex()),
		Build: func() (bundle.Transaction, error) {
			return bundle.Approve(token, spender, fixed)
		},
	}
}

func permitName(token common.Address) string {
	return "permit2:" + strings.ToLower(token.Hex())
}
