package proposal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agentpay/aperr"
	"agentpay/observability"
)

// ErrStaleStatus is returned by stores when a conditional status update
// observes a different stored state than expected. Exactly one of several
// racing transitions on the same edge can succeed.
var ErrStaleStatus = errors.New("proposal: status changed concurrently")

// Store is the persistence seam for proposals. UpdateProposalStatus must be
// conditional on the previous status (compare-and-swap semantics).
type Store interface {
	InsertProposal(ctx context.Context, p *Proposal) error
	GetProposal(ctx context.Context, id string) (*Proposal, error)
	ListProposals(ctx context.Context, filter Filter) ([]*Proposal, error)
	// UpdateProposalStatus persists p only when the stored status still
	// equals from, otherwise it fails with ErrStaleStatus.
	UpdateProposalStatus(ctx context.Context, p *Proposal, from Status) error
	// SumExecutedSince totals the amounts of an agent's executed proposals
	// decided at or after the cutoff. Serves the daily-limit rule.
	SumExecutedSince(ctx context.Context, agentID string, since time.Time) (decimal.Decimal, error)
}

// Events observes committed transitions. Each successful transition invokes
// the hook exactly once, in transition order for any one proposal.
type Events interface {
	ProposalCreated(ctx context.Context, p *Proposal)
	ProposalTransitioned(ctx context.Context, p *Proposal, from Status, actor Actor)
}

// Machine enforces legal transitions and persists them atomically.
type Machine struct {
	store   Store
	events  Events
	log     *slog.Logger
	metrics *observability.LifecycleMetrics
	now     func() time.Time
}

// MachineOption customises a Machine instance.
type MachineOption func(*Machine)

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// WithEvents installs the transition observer.
func WithEvents(events Events) MachineOption {
	return func(m *Machine) { m.events = events }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) MachineOption {
	return func(m *Machine) { m.log = log }
}

// WithMetrics installs the lifecycle metrics registry.
func WithMetrics(metrics *observability.LifecycleMetrics) MachineOption {
	return func(m *Machine) { m.metrics = metrics }
}

// NewMachine constructs a Machine backed by the provided store.
func NewMachine(store Store, opts ...MachineOption) *Machine {
	m := &Machine{
		store: store,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create persists a new pending proposal and announces it.
func (m *Machine) Create(ctx context.Context, input Input) (*Proposal, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	p := &Proposal{
		ID:        uuid.NewString(),
		AgentID:   input.AgentID,
		Owner:     input.Owner,
		Recipient: strings.TrimSpace(input.Recipient),
		Amount:    input.Amount,
		Token:     strings.ToUpper(strings.TrimSpace(input.Token)),
		ChainID:   input.ChainID,
		Reason:    strings.TrimSpace(input.Reason),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.InsertProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("insert proposal: %w", err)
	}
	if m.events != nil {
		m.events.ProposalCreated(ctx, p)
	}
	return p, nil
}

// Get loads a proposal by id.
func (m *Machine) Get(ctx context.Context, id string) (*Proposal, error) {
	p, err := m.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, aperr.NotFoundf("proposal %s not found", id)
	}
	return p, nil
}

// List returns proposals matching the filter.
func (m *Machine) List(ctx context.Context, filter Filter) ([]*Proposal, error) {
	return m.store.ListProposals(ctx, filter)
}

// Approve moves pending → approved, optionally binding the budget that will
// be debited.
func (m *Machine) Approve(ctx context.Context, id string, actor Actor, budgetID string) (*Proposal, error) {
	return m.transition(ctx, id, StatusApproved, actor, func(p *Proposal, now time.Time) {
		p.BudgetID = budgetID
		p.DecidedAt = &now
	})
}

// Reject moves pending → rejected, carrying the reason.
func (m *Machine) Reject(ctx context.Context, id string, actor Actor, reason string) (*Proposal, error) {
	return m.transition(ctx, id, StatusRejected, actor, func(p *Proposal, now time.Time) {
		p.ErrorMessage = strings.TrimSpace(reason)
		p.DecidedAt = &now
	})
}

// MarkExecuting moves approved → executing. Single-entry: a second caller
// racing on the same edge receives a state error.
func (m *Machine) MarkExecuting(ctx context.Context, id string, actor Actor) (*Proposal, error) {
	return m.transition(ctx, id, StatusExecuting, actor, nil)
}

// MarkExecuted finishes execution successfully, recording the tx hash.
func (m *Machine) MarkExecuted(ctx context.Context, id string, actor Actor, txHash string) (*Proposal, error) {
	if strings.TrimSpace(txHash) == "" {
		return nil, aperr.Validationf("tx hash is required for executed proposals")
	}
	return m.transition(ctx, id, StatusExecuted, actor, func(p *Proposal, now time.Time) {
		p.TxHash = strings.TrimSpace(txHash)
		p.ExecutedAt = &now
	})
}

// MarkFailed finishes execution unsuccessfully, recording the error.
func (m *Machine) MarkFailed(ctx context.Context, id string, actor Actor, errMsg string) (*Proposal, error) {
	return m.transition(ctx, id, StatusFailed, actor, func(p *Proposal, now time.Time) {
		p.ErrorMessage = strings.TrimSpace(errMsg)
		p.ExecutedAt = &now
	})
}

func (m *Machine) transition(ctx context.Context, id string, to Status, actor Actor, mutate func(*Proposal, time.Time)) (*Proposal, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := p.Status
	if !CanTransition(from, to) {
		return nil, aperr.State(
			fmt.Sprintf("proposal %s cannot move to %s", id, to),
			string(from),
			expectedFroms(to)...,
		)
	}
	now := m.now().UTC()
	p.Status = to
	p.UpdatedAt = now
	if mutate != nil {
		mutate(p, now)
	}
	if err := m.store.UpdateProposalStatus(ctx, p, from); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			current := string(from)
			if latest, gerr := m.store.GetProposal(ctx, id); gerr == nil && latest != nil {
				current = string(latest.Status)
			}
			return nil, aperr.State(
				fmt.Sprintf("proposal %s was transitioned concurrently", id),
				current,
				expectedFroms(to)...,
			)
		}
		return nil, fmt.Errorf("update proposal status: %w", err)
	}
	m.metrics.ObserveTransition(string(from), string(to), string(actor))
	m.log.Info("proposal transitioned",
		"proposal_id", p.ID, "agent_id", p.AgentID,
		"from", from, "to", to, "actor", actor)
	if m.events != nil {
		m.events.ProposalTransitioned(ctx, p, from, actor)
	}
	return p, nil
}

// SumExecutedSince exposes the daily-limit aggregate for the rule engine.
func (m *Machine) SumExecutedSince(ctx context.Context, agentID string, since time.Time) (decimal.Decimal, error) {
	return m.store.SumExecutedSince(ctx, agentID, since)
}

func expectedFroms(to Status) []string {
	var from []string
	for state, nexts := range legalTransitions {
		for _, next := range nexts {
			if next == to {
				from = append(from, string(state))
			}
		}
	}
	return from
}
