package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"agentpay/audit"
	"agentpay/budget"
	"agentpay/notify"
	"agentpay/proposal"
	"agentpay/registry"
	"agentpay/webhook"
)

// transitionEvent maps one state machine edge to its webhook event and
// activity action. Every edge emits exactly one activity entry and at most
// one webhook event, in transition order per proposal.
type transitionEvent struct {
	webhookEvent string
	action       string
}

var transitionEvents = map[proposal.Status]transitionEvent{
	proposal.StatusApproved:  {webhook.EventProposalApproved, audit.ActionProposalApproved},
	proposal.StatusRejected:  {webhook.EventProposalRejected, audit.ActionProposalRejected},
	proposal.StatusExecuting: {webhook.EventPaymentExecuting, audit.ActionPaymentExecuting},
	proposal.StatusExecuted:  {webhook.EventPaymentExecuted, audit.ActionPaymentExecuted},
	proposal.StatusFailed:    {webhook.EventPaymentFailed, audit.ActionPaymentFailed},
}

// AgentSource resolves agents for event fanout.
type AgentSource interface {
	GetAgent(ctx context.Context, id string) (*registry.Agent, error)
}

// LifecycleEvents fans committed lifecycle changes out to the webhook
// pipeline and both trails. It implements proposal.Events, registry.Hooks,
// budget.Hooks, and execution.Events, so one instance wires the whole
// control plane together at composition time.
type LifecycleEvents struct {
	agents   AgentSource
	pipeline *webhook.Pipeline
	recorder *audit.Recorder
	notifier notify.Notifier
	log      *slog.Logger
}

// NewLifecycleEvents constructs the event fanout. notifier may be nil when
// owner notifications are not wired.
func NewLifecycleEvents(agents AgentSource, pipeline *webhook.Pipeline, recorder *audit.Recorder, notifier notify.Notifier, log *slog.Logger) *LifecycleEvents {
	if log == nil {
		log = slog.Default()
	}
	return &LifecycleEvents{agents: agents, pipeline: pipeline, recorder: recorder, notifier: notifier, log: log}
}

// ProposalCreated implements proposal.Events.
func (e *LifecycleEvents) ProposalCreated(ctx context.Context, p *proposal.Proposal) {
	e.trigger(ctx, p.AgentID, webhook.EventProposalCreated, p)
	e.recorder.Activity(ctx, p.AgentID, p.Owner, audit.ActionProposalCreated,
		"proposal "+p.ID+" created", map[string]string{
			"proposal_id": p.ID,
			"amount":      p.Amount.String(),
			"token":       p.Token,
		})
	e.recorder.Audit(ctx, audit.ActorAgent, p.AgentID, audit.ActionProposalCreated, "proposal", p.ID, p.Reason)
}

// ProposalTransitioned implements proposal.Events.
func (e *LifecycleEvents) ProposalTransitioned(ctx context.Context, p *proposal.Proposal, from proposal.Status, actor proposal.Actor) {
	evt, ok := transitionEvents[p.Status]
	if !ok {
		return
	}
	e.trigger(ctx, p.AgentID, evt.webhookEvent, p)
	e.recorder.Activity(ctx, p.AgentID, p.Owner, evt.action,
		"proposal "+p.ID+" is now "+string(p.Status), map[string]string{
			"proposal_id": p.ID,
			"from":        string(from),
			"to":          string(p.Status),
		})
	e.recorder.Audit(ctx, actorType(actor), actorID(actor, p), evt.action, "proposal", p.ID, p.ErrorMessage)
}

// AgentPaused implements registry.Hooks.
func (e *LifecycleEvents) AgentPaused(ctx context.Context, agent *registry.Agent) {
	if _, err := e.pipeline.Trigger(ctx, agent, webhook.EventAgentPaused, agent); err != nil {
		e.log.Warn("webhook trigger failed", "agent_id", agent.ID, "event", webhook.EventAgentPaused, "error", err)
	}
	e.recorder.Activity(ctx, agent.ID, agent.Owner, audit.ActionAgentPaused, "agent paused by owner", nil)
	e.recorder.Audit(ctx, audit.ActorOwner, agent.Owner, audit.ActionAgentPaused, "agent", agent.ID, "")
	if e.notifier != nil {
		e.notifier.Notify(ctx, notify.Notification{
			Owner:   agent.Owner,
			Kind:    notify.KindAgentPaused,
			Title:   "Agent paused",
			Message: fmt.Sprintf("Agent %s is paused; queued proposals stay pending", agent.Name),
			Details: map[string]string{"agent_id": agent.ID},
		})
	}
}

// AgentResumed implements registry.Hooks.
func (e *LifecycleEvents) AgentResumed(ctx context.Context, agent *registry.Agent) {
	if _, err := e.pipeline.Trigger(ctx, agent, webhook.EventAgentResumed, agent); err != nil {
		e.log.Warn("webhook trigger failed", "agent_id", agent.ID, "event", webhook.EventAgentResumed, "error", err)
	}
	e.recorder.Activity(ctx, agent.ID, agent.Owner, audit.ActionAgentResumed, "agent resumed by owner", nil)
	e.recorder.Audit(ctx, audit.ActorOwner, agent.Owner, audit.ActionAgentResumed, "agent", agent.ID, "")
}

// BudgetDepleted implements budget.Hooks.
func (e *LifecycleEvents) BudgetDepleted(ctx context.Context, b *budget.Budget) {
	e.trigger(ctx, b.AgentID, webhook.EventBudgetDepleted, b)
	e.recorder.Activity(ctx, b.AgentID, b.Owner, audit.ActionBudgetDepleted,
		"budget "+b.ID+" fully consumed", map[string]string{"budget_id": b.ID, "token": b.Token})
}

// BudgetReset implements budget.Hooks.
func (e *LifecycleEvents) BudgetReset(ctx context.Context, b *budget.Budget) {
	e.trigger(ctx, b.AgentID, webhook.EventBudgetReset, b)
	e.recorder.Activity(ctx, b.AgentID, b.Owner, audit.ActionBudgetReset,
		"budget "+b.ID+" rolled into a new period", map[string]string{"budget_id": b.ID, "period": string(b.Period)})
}

// ExecutionFallback implements execution.Events.
func (e *LifecycleEvents) ExecutionFallback(ctx context.Context, p *proposal.Proposal, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	e.recorder.Activity(ctx, p.AgentID, p.Owner, audit.ActionExecutionFallback,
		"payment served by secondary backend", map[string]string{"proposal_id": p.ID})
	e.recorder.Audit(ctx, audit.ActorSystem, "execution-bridge", audit.ActionExecutionFallback, "proposal", p.ID, detail)
}

func (e *LifecycleEvents) trigger(ctx context.Context, agentID, eventType string, data any) {
	agent, err := e.agents.GetAgent(ctx, agentID)
	if err != nil || agent == nil {
		return
	}
	if _, err := e.pipeline.Trigger(ctx, agent, eventType, data); err != nil {
		e.log.Warn("webhook trigger failed", "agent_id", agentID, "event", eventType, "error", err)
	}
}

func actorType(actor proposal.Actor) audit.ActorType {
	switch actor {
	case proposal.ActorAgent:
		return audit.ActorAgent
	case proposal.ActorOwner:
		return audit.ActorOwner
	default:
		return audit.ActorSystem
	}
}

func actorID(actor proposal.Actor, p *proposal.Proposal) string {
	switch actor {
	case proposal.ActorAgent:
		return p.AgentID
	case proposal.ActorOwner:
		return p.Owner
	default:
		return "orchestrator"
	}
}
