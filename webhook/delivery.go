// Package webhook ships lifecycle events to agent-configured endpoints with
// HMAC signatures, capped retries, and per-host circuit breakers.
package webhook

import (
	"encoding/json"
	"time"
)

// Event types emitted by the control plane.
const (
	EventProposalCreated  = "proposal.created"
	EventProposalApproved = "proposal.approved"
	EventProposalRejected = "proposal.rejected"
	EventPaymentExecuting = "payment.executing"
	EventPaymentExecuted  = "payment.executed"
	EventPaymentFailed    = "payment.failed"
	EventBudgetDepleted   = "budget.depleted"
	EventBudgetReset      = "budget.reset"
	EventAgentPaused      = "agent.paused"
	EventAgentResumed     = "agent.resumed"
)

// Status tracks a delivery through its attempts.
type Status string

// Delivery statuses. delivered and failed are terminal.
const (
	StatusPending    Status = "pending"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusRetrying   Status = "retrying"
	StatusFailed     Status = "failed"
)

// MaxAttempts caps total delivery attempts per event.
const MaxAttempts = 3

// RetryDelays spaces attempt k (1-based) at RetryDelays[k-1] after the
// previous resolution: the first attempt is immediate, later ones back off.
var RetryDelays = [MaxAttempts]time.Duration{0, 60 * time.Second, 300 * time.Second}

// Delivery is one signed event bound for one agent's webhook. Payload holds
// the exact envelope bytes sent on every attempt, so the signature is
// bit-identical across retries.
type Delivery struct {
	ID             string          `json:"id"`
	AgentID        string          `json:"agent_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	ResponseStatus int             `json:"response_status,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Terminal reports whether no further attempts will be made.
func (d *Delivery) Terminal() bool {
	return d.Status == StatusDelivered || d.Status == StatusFailed
}

// Envelope is the JSON body posted to receivers. The signed input is the
// serialized envelope, byte for byte.
type Envelope struct {
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	Timestamp  string          `json:"timestamp"`
	DeliveryID string          `json:"delivery_id"`
}

// Request headers accompanying every attempt.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-ID"
)
