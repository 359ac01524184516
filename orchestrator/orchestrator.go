// Package orchestrator drives a proposal from submission to a terminal
// state, composing the registry, budget ledger, rule engine, state machine,
// and execution bridge. It owns the auto-execute decision and all
// compensation on partial failure.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentpay/aperr"
	"agentpay/budget"
	"agentpay/execution"
	"agentpay/notify"
	"agentpay/observability"
	"agentpay/proposal"
	"agentpay/registry"
	"agentpay/rules"
)

// budgetDeductionFailed is the rejection reason for the compensation edge.
const budgetDeductionFailed = "budget deduction failed"

// LifecycleResult reports what the orchestrator did with a proposal.
type LifecycleResult struct {
	Proposal     *proposal.Proposal `json:"proposal"`
	AutoExecuted bool               `json:"auto_executed"`
	Violations   []string           `json:"violations,omitempty"`
	ServedBy     string             `json:"served_by,omitempty"`
	// PendingReason explains why a proposal was left pending for manual
	// review instead of auto-executing.
	PendingReason string `json:"pending_reason,omitempty"`
}

// Orchestrator coordinates the proposal lifecycle.
type Orchestrator struct {
	agents   AgentSource
	registry *registry.Registry
	ledger   *budget.Ledger
	rules    *rules.Engine
	machine  *proposal.Machine
	bridge   *execution.Bridge
	notifier notify.Notifier
	log      *slog.Logger
	metrics  *observability.LifecycleMetrics
	now      func() time.Time
}

// Option customises an Orchestrator instance.
type Option func(*Orchestrator)

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics installs the lifecycle metrics registry.
func WithMetrics(m *observability.LifecycleMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New constructs the orchestrator over its collaborators.
func New(
	agents AgentSource,
	reg *registry.Registry,
	ledger *budget.Ledger,
	engine *rules.Engine,
	machine *proposal.Machine,
	bridge *execution.Bridge,
	notifier notify.Notifier,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		agents:   agents,
		registry: reg,
		ledger:   ledger,
		rules:    engine,
		machine:  machine,
		bridge:   bridge,
		notifier: notifier,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessNew creates a proposal and, when the agent qualifies, carries it
// through approval, budget debit, and execution. Proposals that fail any
// gate stay pending for manual review; the owner is notified with details.
func (o *Orchestrator) ProcessNew(ctx context.Context, input proposal.Input) (*LifecycleResult, error) {
	agent, err := o.agents.GetAgent(ctx, input.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, aperr.NotFoundf("agent %s not found", input.AgentID)
	}
	input.Owner = agent.Owner

	p, err := o.machine.Create(ctx, input)
	if err != nil {
		return nil, err
	}

	if agent.Status != registry.StatusActive || !agent.AutoExecuteEnabled {
		o.notify(ctx, agent.Owner, notify.KindApprovalNeeded,
			"Proposal awaiting approval",
			fmt.Sprintf("Agent %s proposed %s %s to %s", agent.Name, p.Amount, p.Token, p.Recipient),
			map[string]string{"proposal_id": p.ID})
		return &LifecycleResult{Proposal: p, PendingReason: "auto-execute disabled"}, nil
	}

	check, err := o.rules.Check(ctx, agent, p)
	if err != nil {
		return nil, err
	}
	if !check.Passed {
		o.notify(ctx, agent.Owner, notify.KindRuleViolation,
			"Proposal blocked by rules",
			fmt.Sprintf("Proposal %s needs manual approval", p.ID),
			map[string]string{"proposal_id": p.ID, "violations": fmt.Sprintf("%v", check.Violations)})
		return &LifecycleResult{Proposal: p, Violations: check.Violations, PendingReason: "rule violations"}, nil
	}

	matched, err := o.ledger.CheckAvailability(ctx, agent.ID, p.Amount, p.Token, p.ChainID)
	if err != nil {
		if ae, ok := aperr.As(err); ok && ae.Code == aperr.CodeCapacity {
			o.notify(ctx, agent.Owner, notify.KindBudgetExceeded,
				"Proposal exceeds budget",
				fmt.Sprintf("Proposal %s needs manual approval: %s", p.ID, ae.Message),
				map[string]string{"proposal_id": p.ID, "remaining": ae.Remaining})
			return &LifecycleResult{Proposal: p, PendingReason: "insufficient budget"}, nil
		}
		return nil, err
	}

	return o.approveAndRun(ctx, p, proposal.ActorSystem, matched, true)
}

// Validate dry-runs the rule engine against a prospective proposal without
// creating any state. Rule violations surface as a policy error carrying the
// full violation list, so agents can pre-flight a payment before submitting.
func (o *Orchestrator) Validate(ctx context.Context, input proposal.Input) (*rules.Result, error) {
	agent, err := o.agents.GetAgent(ctx, input.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, aperr.NotFoundf("agent %s not found", input.AgentID)
	}
	input.Owner = agent.Owner
	if err := input.Validate(); err != nil {
		return nil, err
	}
	draft := &proposal.Proposal{
		AgentID:   input.AgentID,
		Owner:     input.Owner,
		Recipient: strings.TrimSpace(input.Recipient),
		Amount:    input.Amount,
		Token:     strings.ToUpper(strings.TrimSpace(input.Token)),
		ChainID:   input.ChainID,
	}
	check, err := o.rules.Check(ctx, agent, draft)
	if err != nil {
		return nil, err
	}
	if !check.Passed {
		return nil, aperr.Policy(check.Violations)
	}
	return &check, nil
}

// ApproveAndExecute is the owner override: no rule check, straight to
// approval, debit, and execution.
func (o *Orchestrator) ApproveAndExecute(ctx context.Context, proposalID, owner string) (*LifecycleResult, error) {
	p, err := o.machine.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Owner != owner {
		return nil, aperr.Authorizationf("proposal %s is not owned by caller", proposalID)
	}
	matched, err := o.ledger.CheckAvailability(ctx, p.AgentID, p.Amount, p.Token, p.ChainID)
	if err != nil {
		return nil, err
	}
	return o.approveAndRun(ctx, p, proposal.ActorOwner, matched, false)
}

// Reject is the owner's manual rejection of a pending proposal.
func (o *Orchestrator) Reject(ctx context.Context, proposalID, owner, reason string) (*proposal.Proposal, error) {
	p, err := o.machine.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Owner != owner {
		return nil, aperr.Authorizationf("proposal %s is not owned by caller", proposalID)
	}
	return o.machine.Reject(ctx, proposalID, proposal.ActorOwner, reason)
}

// approveAndRun performs the shared approval → debit → execution tail. A
// failed debit is compensated by rejecting the proposal; execution failures
// land the proposal in failed with the backend error.
func (o *Orchestrator) approveAndRun(ctx context.Context, p *proposal.Proposal, actor proposal.Actor, matched *budget.Budget, auto bool) (*LifecycleResult, error) {
	budgetID := ""
	if matched != nil {
		budgetID = matched.ID
	}

	p, err := o.machine.Approve(ctx, p.ID, actor, budgetID)
	if err != nil {
		return nil, err
	}

	if budgetID != "" {
		if _, err := o.ledger.Debit(ctx, budgetID, p.Amount); err != nil {
			o.log.Warn("budget debit failed after approval",
				"proposal_id", p.ID, "budget_id", budgetID, "error", err)
			rejected, rerr := o.machine.Reject(ctx, p.ID, proposal.ActorSystem, budgetDeductionFailed)
			if rerr != nil {
				return nil, fmt.Errorf("compensating rejection: %w", rerr)
			}
			o.observeOutcome(rejected)
			return &LifecycleResult{Proposal: rejected, AutoExecuted: auto}, nil
		}
	}

	p, err = o.machine.MarkExecuting(ctx, p.ID, actor)
	if err != nil {
		return nil, err
	}

	result, execErr := o.bridge.Execute(ctx, p)
	if execErr != nil {
		p, err = o.machine.MarkFailed(ctx, p.ID, proposal.ActorSystem, execErr.Error())
		if err != nil {
			return nil, err
		}
		o.observeOutcome(p)
		o.notify(ctx, p.Owner, notify.KindPaymentFailed,
			"Payment failed",
			fmt.Sprintf("Proposal %s failed: %v", p.ID, execErr),
			map[string]string{"proposal_id": p.ID})
		return &LifecycleResult{Proposal: p, AutoExecuted: auto}, nil
	}

	p, err = o.machine.MarkExecuted(ctx, p.ID, proposal.ActorSystem, result.TxHash)
	if err != nil {
		return nil, err
	}
	o.observeOutcome(p)
	o.notify(ctx, p.Owner, notify.KindPaymentExecuted,
		"Payment executed",
		fmt.Sprintf("Proposal %s executed: %s %s to %s", p.ID, p.Amount, p.Token, p.Recipient),
		map[string]string{"proposal_id": p.ID, "tx_hash": result.TxHash})
	return &LifecycleResult{Proposal: p, AutoExecuted: auto, ServedBy: result.ServedBy}, nil
}

// notify forwards to the notifier; notification failures never propagate.
func (o *Orchestrator) notify(ctx context.Context, owner string, kind notify.Kind, title, message string, details map[string]string) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, notify.Notification{
		Owner:   owner,
		Kind:    kind,
		Title:   title,
		Message: message,
		Details: details,
	})
}

func (o *Orchestrator) observeOutcome(p *proposal.Proposal) {
	o.metrics.ObserveOutcome(string(p.Status), o.now().UTC().Sub(p.CreatedAt))
}
