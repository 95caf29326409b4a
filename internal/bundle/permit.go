package bundle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
)

// PermitSingle is the Permit2 allowance grant signed by the account owner.
type PermitSingle struct {
	Token       common.Address
	Amount      *big.Int
	Expiration  int64
	Nonce       *big.Int
	Spender     common.Address
	SigDeadline *big.Int
}

type permitDetailsTuple struct {
	Token      common.Address
	Amount     *big.Int
	Expiration *big.Int
	Nonce      *big.Int
}

type permitSingleTuple struct {
	Details     permitDetailsTuple
	Spender     common.Address
	SigDeadline *big.Int
}

func (p PermitSingle) tuple() permitSingleTuple {
	return permitSingleTuple{
		Details: permitDetailsTuple{
			Token:      p.Token,
			Amount:     mathx.Clone(p.Amount),
			Expiration: big.NewInt(p.Expiration),
			Nonce:      mathx.Clone(p.Nonce),
		},
		Spender:     p.Spender,
		SigDeadline: mathx.Clone(p.SigDeadline),
	}
}

// TypedData returns the EIP-712 payload the owner signs for Permit2.permit.
func (p PermitSingle) TypedData(chainID int64, permit2 common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"PermitSingle": {
				{Name: "details", Type: "PermitDetails"},
				{Name: "spender", Type: "address"},
				{Name: "sigDeadline", Type: "uint256"},
			},
			"PermitDetails": {
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint160"},
				{Name: "expiration", Type: "uint48"},
				{Name: "nonce", Type: "uint48"},
			},
		},
		PrimaryType: "PermitSingle",
		Domain: apitypes.TypedDataDomain{
			Name:              "Permit2",
			ChainId:           (*gethmath.HexOrDecimal256)(big.NewInt(chainID)),
			VerifyingContract: permit2.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"details": map[string]any{
				"token":      p.Token.Hex(),
				"amount":     mathx.Clone(p.Amount).String(),
				"expiration": big.NewInt(p.Expiration).String(),
				"nonce":      mathx.Clone(p.Nonce).String(),
			},
			"spender":     p.Spender.Hex(),
			"sigDeadline": mathx.Clone(p.SigDeadline).String(),
		},
	}
}

// MaxSharePriceE27 is the highest assets-per-share price, scaled by 1e27,
// accepted by a supply or repay: the current price inflated by tolerance.
func MaxSharePriceE27(assets, shares *big.Int, tolerance *big.Int) *big.Int {
	if shares.Sign() == 0 {
		return mathx.Clone(mathx.MaxUint256)
	}
	price := mathx.MulDivUp(assets, mathx.RAY, shares)
	return mathx.MulDivUp(price, new(big.Int).Add(mathx.WAD, tolerance), mathx.WAD)
}

// MinSharePriceE27 is the lowest accepted price for a borrow or redeem: the
// current price deflated by tolerance.
func MinSharePriceE27(assets, shares *big.Int, tolerance *big.Int) *big.Int {
	if shares.Sign() == 0 {
		return new(big.Int)
	}
	price := mathx.MulDivDown(assets, mathx.RAY, shares)
	return mathx.MulDivDown(price, mathx.ZeroFloorSub(mathx.WAD, tolerance), mathx.WAD)
}
