package execution

import "time"

type ActionStatus string

type StepStatus string

type StepType string

const (
	ActionStatusPlanned   ActionStatus = "planned"
	ActionStatusRunning   ActionStatus = "running"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
)

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusSimulated StepStatus = "simulated"
	StepStatusSubmitted StepStatus = "submitted"
	StepStatusConfirmed StepStatus = "confirmed"
	StepStatusFailed    StepStatus = "failed"
)

// Steps are ordered: signatures are collected first, precursor transactions
// are mined in order, and the bundle step is always last.
const (
	StepTypeSignature     StepType = "signature"
	StepTypeApproval      StepType = "approval"
	StepTypeAuthorization StepType = "authorization"
	StepTypeBundle        StepType = "bundle"
)

type Constraints struct {
	MaxSlippage string `json:"max_slippage,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
}

type ActionStep struct {
	StepID          string            `json:"step_id"`
	Type            StepType          `json:"type"`
	Status          StepStatus        `json:"status"`
	ChainID         string            `json:"chain_id"`
	RPCURL          string            `json:"rpc_url,omitempty"`
	Description     string            `json:"description,omitempty"`
	Target          string            `json:"target"`
	Data            string            `json:"data"`
	Value           string            `json:"value"`
	Signer          string            `json:"signer,omitempty"`
	TypedData       any               `json:"typed_data,omitempty"`
	Calls           []BundleCall      `json:"calls,omitempty"`
	ExpectedOutputs map[string]string `json:"expected_outputs,omitempty"`
	TxHash          string            `json:"tx_hash,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// BundleCall is one decoded entry of the final multicall, kept for review.
type BundleCall struct {
	Target       string `json:"target"`
	Method       string `json:"method,omitempty"`
	Data         string `json:"data"`
	Value        string `json:"value"`
	SkipRevert   bool   `json:"skip_revert"`
	CallbackHash string `json:"callback_hash,omitempty"`
}

type Action struct {
	ActionID     string                 `json:"action_id"`
	IntentType   string                 `json:"intent_type"`
	Provider     string                 `json:"provider,omitempty"`
	Status       ActionStatus           `json:"status"`
	ChainID      string                 `json:"chain_id"`
	FromAddress  string                 `json:"from_address,omitempty"`
	ToAddress    string                 `json:"to_address,omitempty"`
	InputAmount  string                 `json:"input_amount,omitempty"`
	CreatedAt    string                 `json:"created_at"`
	UpdatedAt    string                 `json:"updated_at"`
	Constraints  Constraints            `json:"constraints"`
	Steps        []ActionStep           `json:"steps"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
	ProviderData map[string]interface{} `json:"provider_data,omitempty"`
}

func NewAction(actionID, intentType, chainID string, constraints Constraints) Action {
	now := time.Now().UTC().Format(time.RFC3339)
	return Action{
		ActionID:    actionID,
		IntentType:  intentType,
		Status:      ActionStatusPlanned,
		ChainID:     chainID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Constraints: constraints,
		Steps:       []ActionStep{},
	}
}

func (a *Action) Touch() {
	a.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}
