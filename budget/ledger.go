package budget

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

// ErrInsufficient is returned by stores when a conditional debit would
// overdraw the envelope. The ledger translates it into a capacity error.
var ErrInsufficient = errors.New("budget: insufficient remaining amount")

// Store is the persistence seam for budgets. DebitBudget must be atomic:
// two concurrent debits whose sum exceeds the remaining amount cannot both
// succeed (conditional update or equivalent).
type Store interface {
	InsertBudget(ctx context.Context, b *Budget) error
	GetBudget(ctx context.Context, id string) (*Budget, error)
	// ListBudgets returns an agent's budgets, most recently created first.
	ListBudgets(ctx context.Context, agentID string) ([]*Budget, error)
	UpdateBudget(ctx context.Context, b *Budget) error
	DeleteBudget(ctx context.Context, id string) error
	// DebitBudget conditionally consumes amount. On ErrInsufficient the
	// current budget is returned alongside the error so callers can report
	// the remaining balance.
	DebitBudget(ctx context.Context, id string, amount decimal.Decimal) (*Budget, error)
	ListExpiredBudgets(ctx context.Context, now time.Time) ([]*Budget, error)
}

// Hooks receive best-effort budget lifecycle notifications.
type Hooks interface {
	BudgetDepleted(ctx context.Context, b *Budget)
	BudgetReset(ctx context.Context, b *Budget)
}

// Ledger coordinates budget allocation, lazy period rollover, and atomic
// debits.
type Ledger struct {
	store   Store
	hooks   Hooks
	log     *slog.Logger
	metrics *observability.LedgerMetrics
	now     func() time.Time
}

// Option customises a Ledger instance.
type Option func(*Ledger)

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithHooks installs lifecycle notification hooks.
func WithHooks(h Hooks) Option {
	return func(l *Ledger) { l.hooks = h }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithMetrics installs the ledger metrics registry.
func WithMetrics(m *observability.LedgerMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// NewLedger constructs a Ledger backed by the provided store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateInput carries owner-supplied fields for a new budget.
type CreateInput struct {
	AgentID string
	Owner   string
	Amount  decimal.Decimal
	Token   string
	ChainID *int64
	Period  Period
}

// Create allocates a fresh envelope starting now.
func (l *Ledger) Create(ctx context.Context, input CreateInput) (*Budget, error) {
	if strings.TrimSpace(input.AgentID) == "" {
		return nil, aperr.Validationf("agent id is required")
	}
	if strings.TrimSpace(input.Owner) == "" {
		return nil, aperr.Validationf("owner is required")
	}
	token := strings.ToUpper(strings.TrimSpace(input.Token))
	if token == "" {
		return nil, aperr.Validationf("token is required")
	}
	if !input.Amount.IsPositive() {
		return nil, aperr.Validationf("budget amount must be positive")
	}
	if !input.Period.Valid() {
		return nil, aperr.Validationf("unknown budget period %q", input.Period)
	}

	now := l.now().UTC()
	b := &Budget{
		ID:              uuid.NewString(),
		AgentID:         input.AgentID,
		Owner:           input.Owner,
		Amount:          input.Amount,
		Token:           token,
		ChainID:         input.ChainID,
		Period:          input.Period,
		UsedAmount:      decimal.Zero,
		RemainingAmount: input.Amount,
		PeriodStart:     now,
		PeriodEnd:       PeriodEndFor(input.Period, now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.store.InsertBudget(ctx, b); err != nil {
		return nil, fmt.Errorf("insert budget: %w", err)
	}
	return b, nil
}

// Get returns a budget after applying any due rollover.
func (l *Ledger) Get(ctx context.Context, id string) (*Budget, error) {
	b, err := l.store.GetBudget(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, aperr.NotFoundf("budget %s not found", id)
	}
	return l.rollIfExpired(ctx, b)
}

// List returns an agent's budgets, rolling any that expired.
func (l *Ledger) List(ctx context.Context, agentID string) ([]*Budget, error) {
	budgets, err := l.store.ListBudgets(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for i, b := range budgets {
		rolled, err := l.rollIfExpired(ctx, b)
		if err != nil {
			return nil, err
		}
		budgets[i] = rolled
	}
	return budgets, nil
}

// UpdateAmount changes the allocation while preserving spend in the current
// period. The edit is rejected when it would leave remaining negative.
func (l *Ledger) UpdateAmount(ctx context.Context, id, owner string, amount decimal.Decimal) (*Budget, error) {
	b, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Owner != owner {
		return nil, aperr.Authorizationf("budget %s is not owned by caller", id)
	}
	if !amount.IsPositive() {
		return nil, aperr.Validationf("budget amount must be positive")
	}
	remaining := amount.Sub(b.UsedAmount)
	if remaining.IsNegative() {
		return nil, aperr.Validationf("amount %s is below already-used %s", amount, b.UsedAmount)
	}
	b.Amount = amount
	b.RemainingAmount = remaining
	b.UpdatedAt = l.now().UTC()
	if err := l.store.UpdateBudget(ctx, b); err != nil {
		return nil, fmt.Errorf("update budget: %w", err)
	}
	return b, nil
}

// Delete removes a budget owned by owner.
func (l *Ledger) Delete(ctx context.Context, id, owner string) error {
	b, err := l.store.GetBudget(ctx, id)
	if err != nil {
		return err
	}
	if b == nil {
		return aperr.NotFoundf("budget %s not found", id)
	}
	if b.Owner != owner {
		return aperr.Authorizationf("budget %s is not owned by caller", id)
	}
	return l.store.DeleteBudget(ctx, id)
}

// CheckAvailability finds the budget covering a (token, chain) request and
// verifies it can absorb the amount. Agents without a matching budget are
// unconstrained on that dimension; the returned budget is nil in that case.
func (l *Ledger) CheckAvailability(ctx context.Context, agentID string, amount decimal.Decimal, token string, chainID int64) (*Budget, error) {
	budgets, err := l.List(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for _, b := range budgets {
		if !b.Matches(token, chainID) {
			continue
		}
		if b.RemainingAmount.LessThan(amount) {
			return nil, aperr.Capacity(
				fmt.Sprintf("budget %s has %s %s remaining, need %s", b.ID, b.RemainingAmount, b.Token, amount),
				b.RemainingAmount.String(),
			)
		}
		return b, nil
	}
	return nil, nil
}

// Debit consumes amount from the budget's current period. The store performs
// the conditional update; two racing debits can never jointly overspend.
func (l *Ledger) Debit(ctx context.Context, id string, amount decimal.Decimal) (*Budget, error) {
	if !amount.IsPositive() {
		return nil, aperr.Validationf("debit amount must be positive")
	}
	// Roll first so a debit against an expired period lands in the new one.
	if _, err := l.Get(ctx, id); err != nil {
		return nil, err
	}
	b, err := l.store.DebitBudget(ctx, id, amount)
	if err != nil {
		if errors.Is(err, ErrInsufficient) {
			l.metrics.ObserveDebit("insufficient")
			remaining := ""
			if b != nil {
				remaining = b.RemainingAmount.String()
			}
			return nil, aperr.Capacity(fmt.Sprintf("budget %s cannot absorb %s", id, amount), remaining)
		}
		return nil, fmt.Errorf("debit budget: %w", err)
	}
	l.metrics.ObserveDebit("ok")
	if b.RemainingAmount.IsZero() && l.hooks != nil {
		l.hooks.BudgetDepleted(ctx, b)
	}
	return b, nil
}

// ResetExpired rolls every expired budget and returns how many were reset.
// Safe to run from a background sweeper alongside lazy read-path rollover.
func (l *Ledger) ResetExpired(ctx context.Context) (int, error) {
	expired, err := l.store.ListExpiredBudgets(ctx, l.now().UTC())
	if err != nil {
		return 0, err
	}
	count := 0
	for _, b := range expired {
		if _, err := l.rollIfExpired(ctx, b); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Utilization summarises consumption across an agent's budgets.
func (l *Ledger) Utilization(ctx context.Context, agentID string) ([]Utilization, error) {
	budgets, err := l.List(ctx, agentID)
	if err != nil {
		return nil, err
	}
	out := make([]Utilization, 0, len(budgets))
	for _, b := range budgets {
		var pct float64
		if b.Amount.IsPositive() {
			pct, _ = b.UsedAmount.Div(b.Amount).Mul(decimal.NewFromInt(100)).Float64()
		}
		out = append(out, Utilization{
			BudgetID:    b.ID,
			Token:       b.Token,
			ChainID:     b.ChainID,
			Period:      b.Period,
			Amount:      b.Amount,
			Used:        b.UsedAmount,
			Remaining:   b.RemainingAmount,
			UsedPercent: pct,
		})
	}
	return out, nil
}

// rollIfExpired applies the lazy period reset: spend is cleared, the new
// period starts at the current instant, and unspent balance does not carry
// over.
func (l *Ledger) rollIfExpired(ctx context.Context, b *Budget) (*Budget, error) {
	now := l.now().UTC()
	if !b.Expired(now) {
		return b, nil
	}
	b.UsedAmount = decimal.Zero
	b.RemainingAmount = b.Amount
	b.PeriodStart = now
	b.PeriodEnd = PeriodEndFor(b.Period, now)
	b.UpdatedAt = now
	if err := l.store.UpdateBudget(ctx, b); err != nil {
		return nil, fmt.Errorf("roll budget: %w", err)
	}
	l.metrics.ObserveRollover()
	if l.hooks != nil {
		l.hooks.BudgetReset(ctx, b)
	}
	return b, nil
}
