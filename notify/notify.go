// Package notify defines the owner notification seam. Notifications are
// best-effort: implementations log failures and never raise them.
package notify

import (
	"context"
	"log/slog"

	"agentpay/audit"
)

// Kind classifies a notification for the owner's client.
type Kind string

// Notification kinds sent by the orchestrator.
const (
	KindApprovalNeeded  Kind = "approval_needed"
	KindRuleViolation   Kind = "rule_violation"
	KindBudgetExceeded  Kind = "budget_exceeded"
	KindPaymentExecuted Kind = "payment_executed"
	KindPaymentFailed   Kind = "payment_failed"
	KindAgentPaused     Kind = "agent_paused"
)

// Notification is one message bound for an owner.
type Notification struct {
	Owner   string
	Kind    Kind
	Title   string
	Message string
	Details map[string]string
}

// Notifier delivers owner notifications. Implementations must be safe for
// concurrent use and must not block the caller on slow transports.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// VAPIDConfig carries the web-push keys handed to the push collaborator.
// The control plane only transports these; it never signs pushes itself.
type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// LogNotifier records notifications in the structured log. Used as the
// default sink and in tests; production wires the push collaborator behind
// the same interface.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier constructs a log-backed notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

// Notify writes the notification at info level.
func (n *LogNotifier) Notify(ctx context.Context, note Notification) {
	n.log.Info("owner notification",
		"owner", note.Owner,
		"kind", note.Kind,
		"title", note.Title,
		"message", note.Message,
	)
}

// AuditedNotifier forwards to another notifier and records each send in the
// owner's activity feed, so the dashboard can show what was sent and when.
type AuditedNotifier struct {
	inner    Notifier
	recorder *audit.Recorder
}

// NewAuditedNotifier wraps inner with activity recording.
func NewAuditedNotifier(inner Notifier, recorder *audit.Recorder) *AuditedNotifier {
	return &AuditedNotifier{inner: inner, recorder: recorder}
}

// Notify delivers through the inner notifier, then records the send.
func (n *AuditedNotifier) Notify(ctx context.Context, note Notification) {
	n.inner.Notify(ctx, note)
	n.recorder.Activity(ctx, note.Details["agent_id"], note.Owner, audit.ActionNotificationSent,
		string(note.Kind)+": "+note.Title, note.Details)
}
