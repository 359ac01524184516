// Package rules evaluates payment proposals against an agent's auto-execute
// guardrails. Checks accumulate every violation rather than stopping at the
// first, so owners see the full picture in one notification.
package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"agentpay/proposal"
	"agentpay/registry"
)

// DailySummer provides the executed-amount aggregate behind the daily limit.
// *proposal.Machine satisfies it.
type DailySummer interface {
	SumExecutedSince(ctx context.Context, agentID string, since time.Time) (decimal.Decimal, error)
}

// Result is the outcome of a rule evaluation.
type Result struct {
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations,omitempty"`
}

// Engine checks proposals against per-agent rules.
type Engine struct {
	sums DailySummer
	now  func() time.Time
}

// Option customises an Engine instance.
type Option func(*Engine)

// WithClock sets the function used to derive the start of "today".
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs a rule engine. sums provides the executed-today
// aggregate; it may be nil when no agent uses a daily limit.
func NewEngine(sums DailySummer, opts ...Option) *Engine {
	e := &Engine{sums: sums, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check evaluates a proposal against the agent's rules. A nil rule set
// passes everything; each absent field is unconstrained on its dimension.
func (e *Engine) Check(ctx context.Context, agent *registry.Agent, p *proposal.Proposal) (Result, error) {
	r := agent.AutoExecuteRules
	if r == nil {
		return Result{Passed: true}, nil
	}

	var violations []string
	if r.MaxSingleAmount != nil && p.Amount.GreaterThan(*r.MaxSingleAmount) {
		violations = append(violations, fmt.Sprintf(
			"Amount %s exceeds max single amount %s", p.Amount, r.MaxSingleAmount))
	}
	if !r.TokenAllowed(p.Token) {
		violations = append(violations, fmt.Sprintf("Token %s is not in the allowed token list", p.Token))
	}
	if !r.RecipientAllowed(p.Recipient) {
		violations = append(violations, fmt.Sprintf("Recipient %s is not in the allowed recipient list", p.Recipient))
	}
	if !r.ChainAllowed(p.ChainID) {
		violations = append(violations, fmt.Sprintf("Chain %d is not in the allowed chain list", p.ChainID))
	}
	if r.MaxDailyAmount != nil {
		spent, err := e.spentToday(ctx, agent.ID)
		if err != nil {
			return Result{}, fmt.Errorf("daily spend lookup: %w", err)
		}
		if spent.Add(p.Amount).GreaterThan(*r.MaxDailyAmount) {
			violations = append(violations, fmt.Sprintf(
				"Daily total %s would exceed max daily amount %s", spent.Add(p.Amount), r.MaxDailyAmount))
		}
	}

	return Result{Passed: len(violations) == 0, Violations: violations}, nil
}

// WithinDailyLimit reports whether the agent still has headroom under its
// daily ceiling. Agents without a daily rule always have headroom.
func (e *Engine) WithinDailyLimit(ctx context.Context, agent *registry.Agent) (bool, error) {
	r := agent.AutoExecuteRules
	if r == nil || r.MaxDailyAmount == nil {
		return true, nil
	}
	spent, err := e.spentToday(ctx, agent.ID)
	if err != nil {
		return false, fmt.Errorf("daily spend lookup: %w", err)
	}
	return spent.LessThan(*r.MaxDailyAmount), nil
}

// spentToday sums executed proposals decided since midnight UTC. The window
// is global per agent: chain-hopping does not escape the daily ceiling.
func (e *Engine) spentToday(ctx context.Context, agentID string) (decimal.Decimal, error) {
	now := e.now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return e.sums.SumExecutedSince(ctx, agentID, startOfDay)
}
