// Package proposal owns the payment proposal entity and its state machine.
// A proposal moves through pending → approved → executing → executed/failed,
// or pending → rejected; terminal records are immutable.
package proposal

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"agentpay/aperr"
)

// Status is a proposal lifecycle state.
type Status string

// Lifecycle states.
const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
)

// Actor labels who drove a transition.
type Actor string

// Transition actors, recorded in the audit trail.
const (
	ActorAgent  Actor = "agent"
	ActorOwner  Actor = "owner"
	ActorSystem Actor = "system"
)

// legalTransitions enumerates every edge the machine accepts. Anything
// absent here is rejected with a state error. approved → rejected is the
// compensation edge taken when the budget debit fails after approval.
var legalTransitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusRejected},
	StatusApproved:  {StatusExecuting, StatusRejected},
	StatusExecuting: {StatusExecuted, StatusFailed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state admits no further transitions.
func Terminal(s Status) bool {
	return len(legalTransitions[s]) == 0
}

// Proposal is a structured request for a single payment.
type Proposal struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	Owner        string          `json:"owner"`
	Recipient    string          `json:"recipient"`
	Amount       decimal.Decimal `json:"amount"`
	Token        string          `json:"token"`
	ChainID      int64           `json:"chain_id"`
	Reason       string          `json:"reason,omitempty"`
	BudgetID     string          `json:"budget_id,omitempty"`
	Status       Status          `json:"status"`
	TxHash       string          `json:"tx_hash,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DecidedAt    *time.Time      `json:"decided_at,omitempty"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
}

// Input carries the agent-supplied fields for a new proposal.
type Input struct {
	AgentID   string
	Owner     string
	Recipient string
	Amount    decimal.Decimal
	Token     string
	ChainID   int64
	Reason    string
}

// Validate rejects malformed submissions before any state is created.
func (in Input) Validate() error {
	if strings.TrimSpace(in.AgentID) == "" {
		return aperr.Validationf("agent id is required")
	}
	if strings.TrimSpace(in.Owner) == "" {
		return aperr.Validationf("owner is required")
	}
	if strings.TrimSpace(in.Recipient) == "" {
		return aperr.Validationf("recipient is required")
	}
	if strings.TrimSpace(in.Token) == "" {
		return aperr.Validationf("token is required")
	}
	if !in.Amount.IsPositive() {
		return aperr.Validationf("amount must be positive")
	}
	if in.ChainID <= 0 {
		return aperr.Validationf("chain id must be positive")
	}
	return nil
}

// Filter narrows proposal listings.
type Filter struct {
	AgentID string
	Owner   string
	Status  Status
	Limit   int
}
