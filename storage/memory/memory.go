// Package memory provides an in-process implementation of every store seam.
// It backs unit tests and single-node development; the conditional-update
// semantics match the SQL stores exactly.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"agentpay/audit"
	"agentpay/budget"
	"agentpay/proposal"
	"agentpay/registry"
	"agentpay/webhook"
)

// Store holds all control plane state behind one mutex. Reads hand out
// copies so callers can never mutate shared state in place.
type Store struct {
	mu         sync.RWMutex
	agents     map[string]*registry.Agent
	keyIndex   map[string]string // api_key_hash -> agent id
	budgets    map[string]*budget.Budget
	proposals  map[string]*proposal.Proposal
	deliveries map[string]*webhook.Delivery
	activities []*audit.ActivityEntry
	auditTrail []*audit.AuditEntry
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		agents:     make(map[string]*registry.Agent),
		keyIndex:   make(map[string]string),
		budgets:    make(map[string]*budget.Budget),
		proposals:  make(map[string]*proposal.Proposal),
		deliveries: make(map[string]*webhook.Delivery),
	}
}

// --- registry.Store ---

func (s *Store) InsertAgent(ctx context.Context, agent *registry.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = copyAgent(agent)
	s.keyIndex[agent.APIKeyHash] = agent.ID
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*registry.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	return copyAgent(agent), nil
}

func (s *Store) GetAgentByKeyHash(ctx context.Context, hash string) (*registry.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keyIndex[hash]
	if !ok {
		return nil, nil
	}
	agent, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	return copyAgent(agent), nil
}

func (s *Store) ListAgents(ctx context.Context, owner string) ([]*registry.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*registry.Agent
	for _, agent := range s.agents {
		if agent.Owner == owner {
			out = append(out, copyAgent(agent))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateAgent(ctx context.Context, agent *registry.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The hash index update stays atomic with the status change so a
	// deactivated agent cannot authenticate through a stale mapping.
	if prev, ok := s.agents[agent.ID]; ok && prev.APIKeyHash != agent.APIKeyHash {
		delete(s.keyIndex, prev.APIKeyHash)
	}
	s.agents[agent.ID] = copyAgent(agent)
	s.keyIndex[agent.APIKeyHash] = agent.ID
	return nil
}

func (s *Store) CountAgents(ctx context.Context, owner string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, agent := range s.agents {
		if agent.Owner == owner {
			count++
		}
	}
	return count, nil
}

func (s *Store) TouchAgentLastActive(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent, ok := s.agents[id]; ok {
		agent.LastActiveAt = at
	}
	return nil
}

// --- budget.Store ---

func (s *Store) InsertBudget(ctx context.Context, b *budget.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[b.ID] = copyBudget(b)
	return nil
}

func (s *Store) GetBudget(ctx context.Context, id string) (*budget.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[id]
	if !ok {
		return nil, nil
	}
	return copyBudget(b), nil
}

func (s *Store) ListBudgets(ctx context.Context, agentID string) ([]*budget.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*budget.Budget
	for _, b := range s.budgets {
		if b.AgentID == agentID {
			out = append(out, copyBudget(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateBudget(ctx context.Context, b *budget.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[b.ID] = copyBudget(b)
	return nil
}

func (s *Store) DeleteBudget(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.budgets, id)
	return nil
}

func (s *Store) DebitBudget(ctx context.Context, id string, amount decimal.Decimal) (*budget.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[id]
	if !ok {
		return nil, budget.ErrInsufficient
	}
	if b.RemainingAmount.LessThan(amount) {
		return copyBudget(b), budget.ErrInsufficient
	}
	b.UsedAmount = b.UsedAmount.Add(amount)
	b.RemainingAmount = b.RemainingAmount.Sub(amount)
	b.UpdatedAt = time.Now().UTC()
	return copyBudget(b), nil
}

func (s *Store) ListExpiredBudgets(ctx context.Context, now time.Time) ([]*budget.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*budget.Budget
	for _, b := range s.budgets {
		if b.Expired(now) {
			out = append(out, copyBudget(b))
		}
	}
	return out, nil
}

// --- proposal.Store ---

func (s *Store) InsertProposal(ctx context.Context, p *proposal.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.ID] = copyProposal(p)
	return nil
}

func (s *Store) GetProposal(ctx context.Context, id string) (*proposal.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, nil
	}
	return copyProposal(p), nil
}

func (s *Store) ListProposals(ctx context.Context, filter proposal.Filter) ([]*proposal.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*proposal.Proposal
	for _, p := range s.proposals {
		if filter.AgentID != "" && p.AgentID != filter.AgentID {
			continue
		}
		if filter.Owner != "" && p.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, copyProposal(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateProposalStatus(ctx context.Context, p *proposal.Proposal, from proposal.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.proposals[p.ID]
	if !ok || stored.Status != from {
		return proposal.ErrStaleStatus
	}
	s.proposals[p.ID] = copyProposal(p)
	return nil
}

func (s *Store) SumExecutedSince(ctx context.Context, agentID string, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := decimal.Zero
	for _, p := range s.proposals {
		if p.AgentID != agentID || p.Status != proposal.StatusExecuted {
			continue
		}
		if p.DecidedAt == nil || p.DecidedAt.Before(since) {
			continue
		}
		sum = sum.Add(p.Amount)
	}
	return sum, nil
}

// --- webhook.Store ---

func (s *Store) InsertDelivery(ctx context.Context, d *webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, nil
	}
	return copyDelivery(d), nil
}

func (s *Store) ListDeliveries(ctx context.Context, agentID string, limit int) ([]*webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*webhook.Delivery
	for _, d := range s.deliveries {
		if d.AgentID == agentID {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimDue flips due deliveries to delivering under the lock, so concurrent
// scanners partition the due set instead of double-attempting.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*webhook.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*webhook.Delivery
	for _, d := range s.deliveries {
		if d.Status != webhook.StatusPending && d.Status != webhook.StatusRetrying {
			continue
		}
		if d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]*webhook.Delivery, 0, len(due))
	for _, d := range due {
		d.Status = webhook.StatusDelivering
		d.UpdatedAt = now
		claimed = append(claimed, copyDelivery(d))
	}
	return claimed, nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = copyDelivery(d)
	return nil
}

// --- audit.Store ---

func (s *Store) AppendActivity(ctx context.Context, entry *audit.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, copyActivity(entry))
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, entry *audit.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entry
	s.auditTrail = append(s.auditTrail, &clone)
	return nil
}

func (s *Store) ListActivities(ctx context.Context, filter audit.ActivityFilter) ([]*audit.ActivityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*audit.ActivityEntry
	for _, entry := range s.activities {
		if filter.AgentID != "" && entry.AgentID != filter.AgentID {
			continue
		}
		if filter.Owner != "" && entry.Owner != filter.Owner {
			continue
		}
		if filter.Action != "" && !strings.EqualFold(entry.Action, filter.Action) {
			continue
		}
		out = append(out, copyActivity(entry))
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]*audit.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.auditTrail
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*audit.AuditEntry, 0, len(entries))
	for _, entry := range entries {
		clone := *entry
		out = append(out, &clone)
	}
	return out, nil
}

// --- copy helpers ---

func copyAgent(a *registry.Agent) *registry.Agent {
	clone := *a
	if a.AutoExecuteRules != nil {
		rules := *a.AutoExecuteRules
		rules.AllowedTokens = append([]string(nil), a.AutoExecuteRules.AllowedTokens...)
		rules.AllowedRecipients = append([]string(nil), a.AutoExecuteRules.AllowedRecipients...)
		rules.AllowedChains = append([]int64(nil), a.AutoExecuteRules.AllowedChains...)
		clone.AutoExecuteRules = &rules
	}
	return &clone
}

func copyBudget(b *budget.Budget) *budget.Budget {
	clone := *b
	if b.ChainID != nil {
		id := *b.ChainID
		clone.ChainID = &id
	}
	if b.PeriodEnd != nil {
		end := *b.PeriodEnd
		clone.PeriodEnd = &end
	}
	return &clone
}

func copyProposal(p *proposal.Proposal) *proposal.Proposal {
	clone := *p
	if p.DecidedAt != nil {
		t := *p.DecidedAt
		clone.DecidedAt = &t
	}
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		clone.ExecutedAt = &t
	}
	return &clone
}

func copyDelivery(d *webhook.Delivery) *webhook.Delivery {
	clone := *d
	clone.Payload = append([]byte(nil), d.Payload...)
	if d.LastAttemptAt != nil {
		t := *d.LastAttemptAt
		clone.LastAttemptAt = &t
	}
	if d.NextRetryAt != nil {
		t := *d.NextRetryAt
		clone.NextRetryAt = &t
	}
	return &clone
}

func copyActivity(entry *audit.ActivityEntry) *audit.ActivityEntry {
	clone := *entry
	if entry.Metadata != nil {
		clone.Metadata = make(map[string]string, len(entry.Metadata))
		for k, v := range entry.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
