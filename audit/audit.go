// Package audit provides the append-only activity and audit trails consumed
// by every component. Writes are best-effort through the Recorder: a failed
// trail write is logged, never raised to the caller.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ActorType labels who performed an audited action.
type ActorType string

// Audited actor types.
const (
	ActorAgent  ActorType = "agent"
	ActorOwner  ActorType = "owner"
	ActorSystem ActorType = "system"
)

// Activity action kinds. These drive owner-facing analytics, so the set is
// part of the external contract.
const (
	ActionProposalCreated   = "proposal_created"
	ActionProposalApproved  = "proposal_approved"
	ActionProposalRejected  = "proposal_rejected"
	ActionPaymentExecuting  = "payment_executing"
	ActionPaymentExecuted   = "payment_executed"
	ActionPaymentFailed     = "payment_failed"
	ActionBudgetDepleted    = "budget_depleted"
	ActionBudgetReset       = "budget_reset"
	ActionAgentPaused       = "agent_paused"
	ActionAgentResumed      = "agent_resumed"
	ActionExecutionFallback = "execution_fallback"
	ActionNotificationSent  = "notification_sent"
)

// ActivityEntry is one agent-scoped event in the activity feed.
type ActivityEntry struct {
	ID          string            `json:"id"`
	AgentID     string            `json:"agent_id"`
	Owner       string            `json:"owner"`
	Action      string            `json:"action"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// AuditEntry records who did what to which resource.
type AuditEntry struct {
	ID           string    `json:"id"`
	ActorType    ActorType `json:"actor_type"`
	ActorID      string    `json:"actor_id"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Details      string    `json:"details,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ActivityFilter narrows activity listings.
type ActivityFilter struct {
	AgentID string
	Owner   string
	Action  string
	Limit   int
}

// Store is the persistence seam for both trails. Entries are append-only
// and monotonic in time.
type Store interface {
	AppendActivity(ctx context.Context, entry *ActivityEntry) error
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListActivities(ctx context.Context, filter ActivityFilter) ([]*ActivityEntry, error)
	ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error)
}

// Recorder writes trail entries without letting storage failures escape.
type Recorder struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.log = log }
}

// NewRecorder constructs a Recorder backed by the provided store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Activity appends one activity entry. Errors are logged only.
func (r *Recorder) Activity(ctx context.Context, agentID, owner, action, description string, metadata map[string]string) {
	entry := &ActivityEntry{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Owner:       owner,
		Action:      action,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.store.AppendActivity(ctx, entry); err != nil {
		r.log.Warn("activity append failed", "agent_id", agentID, "action", action, "error", err)
	}
}

// Audit appends one audit entry. Errors are logged only.
func (r *Recorder) Audit(ctx context.Context, actorType ActorType, actorID, action, resourceType, resourceID, details string) {
	entry := &AuditEntry{
		ID:           uuid.NewString(),
		ActorType:    actorType,
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		CreatedAt:    r.now().UTC(),
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.log.Warn("audit append failed", "actor_id", actorID, "action", action, "error", err)
	}
}

// Activities lists activity entries for dashboards.
func (r *Recorder) Activities(ctx context.Context, filter ActivityFilter) ([]*ActivityEntry, error) {
	return r.store.ListActivities(ctx, filter)
}

// AuditTrail lists recent audit entries.
func (r *Recorder) AuditTrail(ctx context.Context, limit int) ([]*AuditEntry, error) {
	return r.store.ListAudit(ctx, limit)
}
