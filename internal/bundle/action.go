package bundle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/defi-bundler/internal/errors"
	"github.com/ggonzalez94/defi-bundler/internal/execution"
)

// placeholderSignature stands in for a signature that has not been collected
// yet so the call list can still be reviewed.
var placeholderSignature = make([]byte, 65)

// ActionRequest carries the metadata of the artifact produced for a plan.
type ActionRequest struct {
	Intent      string
	Provider    string
	From        common.Address
	To          common.Address
	InputAmount string
	Constraints execution.Constraints
	Metadata    map[string]any
}

// ToAction renders plan as an ordered execution.Action: signature requests,
// precursor transactions, then the bundle transaction. When a requested
// signature is missing from sigs the bundle step carries no calldata and its
// calls are built against placeholder signatures for review only.
func ToAction(plan Plan, sigs Signatures, req ActionRequest) (execution.Action, error) {
	chainID := fmt.Sprintf("eip155:%d", plan.ChainID)
	action := execution.NewAction(execution.NewActionID(), req.Intent, chainID, req.Constraints)
	action.Provider = req.Provider
	action.FromAddress = req.From.Hex()
	if req.To != (common.Address{}) {
		action.ToAddress = req.To.Hex()
	}
	action.InputAmount = req.InputAmount
	action.Metadata = req.Metadata

	requirements, err := plan.Requirements()
	if err != nil {
		return execution.Action{}, err
	}
	complete := true
	for _, r := range requirements {
		switch r.Kind {
		case RequirementSignature:
			step := execution.ActionStep{
				StepID:      r.Name,
				Type:        execution.StepTypeSignature,
				Status:      execution.StepStatusPending,
				ChainID:     chainID,
				Description: "sign " + r.Signature.TypedData.PrimaryType,
				Target:      r.Signature.TypedData.Domain.VerifyingContract,
				Signer:      r.Signature.Signer.Hex(),
				TypedData:   typedDataJSON(r.Signature),
			}
			if len(sigs[r.Name]) > 0 {
				step.Status = execution.StepStatusConfirmed
				step.Data = hexutil.Encode(sigs[r.Name])
			} else {
				complete = false
			}
			action.Steps = append(action.Steps, step)
		case RequirementTransaction:
			stepType := execution.StepTypeApproval
			if r.Precursor == PrecursorAuthorization {
				stepType = execution.StepTypeAuthorization
			}
			action.Steps = append(action.Steps, execution.ActionStep{
				StepID:      r.Name,
				Type:        stepType,
				Status:      execution.StepStatusPending,
				ChainID:     chainID,
				Description: r.Description,
				Target:      r.Transaction.To.Hex(),
				Data:        hexutil.Encode(r.Transaction.Data),
				Value:       valueString(r.Transaction),
			})
		default:
			return execution.Action{}, clierr.Newf(clierr.CodeInternal, "unknown requirement kind %q", r.Kind)
		}
	}

	buildSigs := sigs
	if !complete {
		buildSigs = Signatures{}
		for _, r := range requirements {
			if r.Kind == RequirementSignature {
				buildSigs[r.Name] = placeholderSignature
			}
		}
	}
	tx, calls, err := plan.Finalize(buildSigs)
	if err != nil {
		return execution.Action{}, err
	}
	bundleStep := execution.ActionStep{
		StepID:      "bundle",
		Type:        execution.StepTypeBundle,
		Status:      execution.StepStatusPending,
		ChainID:     chainID,
		Description: fmt.Sprintf("Bundler3 multicall with %d calls", len(calls)),
		Target:      tx.To.Hex(),
		Data:        hexutil.Encode(tx.Data),
		Value:       valueString(&tx),
		Calls:       make([]execution.BundleCall, 0, len(calls)),
	}
	if !complete {
		bundleStep.Data = ""
		bundleStep.Description += "; rebuild after collecting signatures"
	}
	for _, c := range calls {
		entry := execution.BundleCall{
			Target:     c.To.Hex(),
			Method:     c.Method,
			Data:       hexutil.Encode(c.Data),
			Value:      c.Value.String(),
			SkipRevert: c.SkipRevert,
		}
		if entry.Method == "" {
			entry.Method = MethodName(c.Data)
		}
		if c.CallbackHash != (common.Hash{}) {
			entry.CallbackHash = c.CallbackHash.Hex()
		}
		bundleStep.Calls = append(bundleStep.Calls, entry)
	}
	action.Steps = append(action.Steps, bundleStep)
	return action, nil
}

// ParseSignatures reads name=0xsig pairs as passed on the command line.
func ParseSignatures(values []string) (Signatures, error) {
	out := Signatures{}
	for _, raw := range values {
		name, sig, ok := strings.Cut(strings.TrimSpace(raw), "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, clierr.Newf(clierr.CodeUsage, "signature %q must be name=0x<hex>", raw)
		}
		decoded, err := hexutil.Decode(strings.TrimSpace(sig))
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "decode signature "+name, err)
		}
		if len(decoded) != 65 && len(decoded) != 64 {
			return nil, clierr.Newf(clierr.CodeUsage, "signature %s has %d bytes", name, len(decoded))
		}
		out[strings.TrimSpace(name)] = decoded
	}
	return out, nil
}

func valueString(tx *Transaction) string {
	if tx.Value == nil {
		return "0"
	}
	return tx.Value.String()
}

// typedDataJSON returns the typed data in its eth_signTypedData_v4 JSON shape.
func typedDataJSON(req *SignatureRequest) any {
	raw, err := json.Marshal(req.TypedData)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
