// Package bundle composes plan fragments into one Bundler3 multicall.
//
// A Subbundle declares the wallet signatures it needs, the precursor
// transactions that must be mined before the bundle, and the atomic calls it
// contributes. Calls are produced in a second phase from the collected
// signatures, so a fragment can embed a permit signature it asked for.
package bundle

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/mathx"
)

// Call is one entry of the Bundler3 multicall. Field names mirror the
// on-chain tuple so the struct packs directly.
type Call struct {
	To           common.Address
	Data         []byte
	Value        *big.Int
	SkipRevert   bool
	CallbackHash common.Hash

	// Method names the entry point for review. It is not encoded.
	Method string
}

type Transaction struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

type SignatureRequest struct {
	Name      string
	Signer    common.Address
	TypedData apitypes.TypedData
}

type PrecursorKind string

const (
	PrecursorApproval      PrecursorKind = "approval"
	PrecursorAuthorization PrecursorKind = "authorization"
)

// Precursor is a transaction that must be mined before the bundle is sent.
type Precursor struct {
	Name        string
	Kind        PrecursorKind
	Description string
	Build       func() (Transaction, error)
}

// Signatures maps a SignatureRequest name to the collected signature bytes.
type Signatures map[string][]byte

// CallsFunc turns collected signatures into atomic calls. It must not depend
// on anything other than its argument and values captured at plan time.
type CallsFunc func(Signatures) ([]Call, error)

type Subbundle struct {
	Signatures []SignatureRequest
	Precursors []Precursor
	Calls      CallsFunc
}

// Static wraps calls that need no signatures.
func Static(calls ...Call) Subbundle {
	fixed := append([]Call(nil), calls...)
	return Subbundle{Calls: func(Signatures) ([]Call, error) { return fixed, nil }}
}

// Empty is the identity for Compose.
func Empty() Subbundle {
	return Subbundle{}
}

// Compose concatenates subbundles in declaration order.
func Compose(subs ...Subbundle) Subbundle {
	out := Subbundle{}
	parts := make([]CallsFunc, 0, len(subs))
	for _, sub := range subs {
		out.Signatures = append(out.Signatures, sub.Signatures...)
		out.Precursors = append(out.Precursors, sub.Precursors...)
		if sub.Calls != nil {
			parts = append(parts, sub.Calls)
		}
	}
	out.Calls = func(sigs Signatures) ([]Call, error) {
		calls := []Call{}
		for _, part := range parts {
			next, err := part(sigs)
			if err != nil {
				return nil, err
			}
			calls = append(calls, next...)
		}
		return calls, nil
	}
	return out
}

// Then appends calls produced by fn after the calls of sub.
func (s Subbundle) Then(fn CallsFunc) Subbundle {
	return Compose(s, Subbundle{Calls: fn})
}

// Build runs phase two with the collected signatures.
func (s Subbundle) Build(sigs Signatures) ([]Call, error) {
	if s.Calls == nil {
		return []Call{}, nil
	}
	for _, req := range s.Signatures {
		if len(sigs[req.Name]) == 0 {
			return nil, clierr.Newf(clierr.CodeUsage, "missing signature %q", req.Name)
		}
	}
	calls, err := s.Calls(sigs)
	if err != nil {
		return nil, err
	}
	for i := range calls {
		if calls[i].Value == nil {
			calls[i].Value = new(big.Int)
		}
	}
	return calls, nil
}

// Reenter encodes the calls a callback window will replay through
// Bundler3.reenter and returns the payload with its commitment hash.
func Reenter(calls []Call) ([]byte, common.Hash, error) {
	normalized := make([]Call, len(calls))
	for i, c := range calls {
		normalized[i] = c
		if normalized[i].Value == nil {
			normalized[i].Value = new(big.Int)
		}
	}
	data, err := bundler3ABI.Methods["reenter"].Inputs.Pack(normalized)
	if err != nil {
		return nil, common.Hash{}, clierr.Wrap(clierr.CodeInternal, "encode callback calls", err)
	}
	return data, crypto.Keccak256Hash(data), nil
}

// Nest builds a callback window: inner calls are encoded for reentry and
// handed to open, which returns the opener call carrying the payload.
func Nest(inner Subbundle, open func(data []byte) (Call, error)) Subbundle {
	out := Subbundle{Signatures: inner.Signatures, Precursors: inner.Precursors}
	out.Calls = func(sigs Signatures) ([]Call, error) {
		calls, err := inner.Build(sigs)
		if err != nil {
			return nil, err
		}
		data, hash, err := Reenter(calls)
		if err != nil {
			return nil, err
		}
		opener, err := open(data)
		if err != nil {
			return nil, err
		}
		opener.CallbackHash = hash
		return []Call{opener}, nil
	}
	return out
}

// Requirement is one ordered entry of the produced artifact.
type Requirement struct {
	Name        string
	Kind        string
	Precursor   PrecursorKind
	Description string
	Signature   *SignatureRequest
	Transaction *Transaction
}

const (
	RequirementSignature   = "signature"
	RequirementTransaction = "transaction"
	RequirementBundle      = "bundle"
)

// Plan is a finalized composition bound to a Bundler3 deployment.
type Plan struct {
	ChainID int64
	Bundler common.Address
	Sub     Subbundle
}

func NewPlan(chainID int64, bundler common.Address, sub Subbundle) Plan {
	return Plan{ChainID: chainID, Bundler: bundler, Sub: sub}
}

// Requirements lists signatures first, then precursor transactions in order.
// The bundle transaction itself is produced by Finalize.
func (p Plan) Requirements() ([]Requirement, error) {
	out := make([]Requirement, 0, len(p.Sub.Signatures)+len(p.Sub.Precursors))
	seen := map[string]bool{}
	for i := range p.Sub.Signatures {
		req := p.Sub.Signatures[i]
		if seen[req.Name] {
			return nil, clierr.Newf(clierr.CodeInternal, "duplicate signature request %q", req.Name)
		}
		seen[req.Name] = true
		out = append(out, Requirement{Name: req.Name, Kind: RequirementSignature, Signature: &req})
	}
	for _, pre := range p.Sub.Precursors {
		tx, err := pre.Build()
		if err != nil {
			return nil, err
		}
		out = append(out, Requirement{Name: pre.Name, Kind: RequirementTransaction, Precursor: pre.Kind, Description: pre.Description, Transaction: &tx})
	}
	return out, nil
}

// Finalize encodes Bundler3.multicall over the calls built from sigs. The
// transaction value is the sum of the call values.
func (p Plan) Finalize(sigs Signatures) (Transaction, []Call, error) {
	calls, err := p.Sub.Build(sigs)
	if err != nil {
		return Transaction{}, nil, err
	}
	if len(calls) == 0 {
		return Transaction{}, nil, clierr.New(clierr.CodeInternal, "bundle has no calls")
	}
	total := new(big.Int)
	for _, c := range calls {
		total.Add(total, c.Value)
	}
	if !mathx.FitsUint256(total) {
		return Transaction{}, nil, clierr.New(clierr.CodeInternal, "bundle value overflows uint256")
	}
	data, err := bundler3ABI.Pack("multicall", calls)
	if err != nil {
		return Transaction{}, nil, clierr.Wrap(clierr.CodeInternal, "encode multicall", err)
	}
	return Transaction{To: p.Bundler, Data: data, Value: total}, calls, nil
}

func (c Call) String() string {
	method := c.Method
	if method == "" {
		method = "call"
	}
	return fmt.Sprintf("%s.%s(value=%s, skipRevert=%t)", c.To.Hex(), method, c.Value, c.SkipRevert)
}
