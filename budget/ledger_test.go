package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"agentpay/aperr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at string) *fakeClock {
	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		panic(err)
	}
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeStore struct {
	mu      sync.Mutex
	budgets map[string]*Budget
}

func newFakeStore() *fakeStore {
	return &fakeStore{budgets: make(map[string]*Budget)}
}

func (s *fakeStore) InsertBudget(ctx context.Context, b *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *b
	s.budgets[b.ID] = &clone
	return nil
}

func (s *fakeStore) GetBudget(ctx context.Context, id string) (*Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[id]
	if !ok {
		return nil, nil
	}
	clone := *b
	return &clone, nil
}

func (s *fakeStore) ListBudgets(ctx context.Context, agentID string) ([]*Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Budget
	for _, b := range s.budgets {
		if b.AgentID == agentID {
			clone := *b
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateBudget(ctx context.Context, b *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *b
	s.budgets[b.ID] = &clone
	return nil
}

func (s *fakeStore) DeleteBudget(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.budgets, id)
	return nil
}

func (s *fakeStore) DebitBudget(ctx context.Context, id string, amount decimal.Decimal) (*Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[id]
	if !ok {
		return nil, ErrInsufficient
	}
	if b.RemainingAmount.LessThan(amount) {
		clone := *b
		return &clone, ErrInsufficient
	}
	b.UsedAmount = b.UsedAmount.Add(amount)
	b.RemainingAmount = b.RemainingAmount.Sub(amount)
	clone := *b
	return &clone, nil
}

func (s *fakeStore) ListExpiredBudgets(ctx context.Context, now time.Time) ([]*Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Budget
	for _, b := range s.budgets {
		if b.Expired(now) {
			clone := *b
			out = append(out, &clone)
		}
	}
	return out, nil
}

type depletionHooks struct {
	depleted int
	reset    int
}

func (h *depletionHooks) BudgetDepleted(ctx context.Context, b *Budget) { h.depleted++ }

func (h *depletionHooks) BudgetReset(ctx context.Context, b *Budget) { h.reset++ }

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCreateNormalizesToken(t *testing.T) {
	clock := newFakeClock("2025-06-01T00:00:00Z")
	ledger := NewLedger(newFakeStore(), WithClock(clock.Now))
	b, err := ledger.Create(context.Background(), CreateInput{
		AgentID: "agent-1", Owner: "owner-1", Amount: dec("100"), Token: "usdc", Period: PeriodDaily,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.Token != "USDC" {
		t.Fatalf("token = %q, want USDC", b.Token)
	}
	if !b.RemainingAmount.Equal(dec("100")) || !b.UsedAmount.IsZero() {
		t.Fatalf("fresh budget used=%s remaining=%s", b.UsedAmount, b.RemainingAmount)
	}
	if b.PeriodEnd == nil || !b.PeriodEnd.Equal(clock.Now().Add(24*time.Hour)) {
		t.Fatalf("period end = %v", b.PeriodEnd)
	}
}

func TestDebitPreservesAllocationInvariant(t *testing.T) {
	clock := newFakeClock("2025-06-01T00:00:00Z")
	ledger := NewLedger(newFakeStore(), WithClock(clock.Now))
	b, err := ledger.Create(context.Background(), CreateInput{
		AgentID: "agent-1", Owner: "owner-1", Amount: dec("100"), Token: "USDC", Period: PeriodMonthly,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	b, err = ledger.Debit(context.Background(), b.ID, dec("30.5"))
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !b.UsedAmount.Add(b.RemainingAmount).Equal(b.Amount) {
		t.Fatalf("used %s + remaining %s != amount %s", b.UsedAmount, b.RemainingAmount, b.Amount)
	}
	if !b.UsedAmount.Equal(dec("30.5")) {
		t.Fatalf("used = %s", b.UsedAmount)
	}
}

func TestDebitInsufficientCarriesRemaining(t *testing.T) {
	clock := newFakeClock("2025-06-01T00:00:00Z")
	ledger := NewLedger(newFakeStore(), WithClock(clock.Now))
	b, err := ledger.Create(context.Background(), CreateInput{
		AgentID: "agent-1", Owner: "owner-1", Amount: dec("10"), Token: "USDC", Period: PeriodDaily,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = ledger.Debit(context.Background(), b.ID, dec("10.01"))
	ae, ok := aperr.As(err)
	if !ok || ae.Code != aperr.CodeCapacity {
		t.Fatalf("want capacity error, got %v", err)
	}
	if ae.Remaining != "10" {
		t.Fatalf("remaining = %q, want 10", ae.Remaining)
	}
}

func TestDebitToZeroFiresDepletionHook(t *testing.T) {
	clock := newFakeClock("2025-06-01T00:00:00Z")
	hooks := &depletionHooks{}
	ledger := NewLedger(newFakeStore(), WithClock(clock.Now), WithHooks(hooks))
	b, err := ledger.Create(context.Background(), CreateInput{
		AgentID: "agent-1", Owner: "owner-1", Amount: dec("10"), Token: "USDC", Period: PeriodDaily,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := ledger.Debit(context.Background(), b.ID, dec("10")); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if hooks.depleted != 1 {
		t.Fatalf("depletion hook fired %d times", hooks.depleted)
	}
}

func TestLazyRolloverResetsSpend(t *testing.T) {
	clock := newFakeClock("2025-06-01T00:00:00Z")
	hooks := &depletionHooks{}
	ledger := NewLedger(newFakeStore(), WithClock(clock.Now), WithHooks(hooks))
	b, err := ledger.Create(context.Background(), CreateInput{
		AgentID: "agent-1", Owner: "owner-1", Amount: dec("100"), Token: "USDC", Period: PeriodDaily,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := ledger.Debit(context.Background(), b.ID, dec("60")); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	clock.Advance(25 * time.Hour)

	rolled, err := ledger.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rolled.UsedAmount.IsZero() || !rolled.RemainingAmount.Equal(dec("100")) {
		t.Fatalf("after rollover used=%s remaining=%s", rolled.UsedAmount, rolled.RemainingAmount)
	}
	if !rolled.PeriodStart.Equal(clock.Now()) {
		t.Fatalf("new period start = %s, want %s", rolled.PeriodStart, clock.Now())
	}
	if hooks.reset != 1 {
		t.Fatalf("reset hook fired %d times", hooks.reset)
	}
}

func TestDebitAfterExpiryLandsInNewPeriod(t *testing.T) {
	clock := newFakeClock("2025-06-01T00:00:00Z")
	ledger := NewLedger(newFakeStore(), WithClock(clock.Now))
	b, err := ledger.Create(context.Background(), CreateInput{
		AgentID: "agent-1", Owner: "owner-1", Amount: dec("100"), Token: "USDC", Period: PeriodDaily,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := ledger.Debit(context.Background(), b.ID, dec("99")); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	clock.Advance(25 * time.Hour)

	// A debit that would not fit in the stale period succeeds after the roll.
	rolled, err := ledger.Debit(context.Background(), b.ID, dec("50"))
	if err != nil {
		t.Fatalf("Debit after expiry: %v", err)
	}
	if !rolled.UsedAmount.Equal(dec("50")) {
		t.Fatalf("used = %s, want 50", rolled.UsedAmount)
	}
}

func TestCheckAvailability(t *testing.T) {
	clock := newFakeClock("2025-06-01T00:00:00Z")
	ledger := NewLedger(newFakeStore(), WithClock(clock.Now))
	chain := int64(8453)
	if _, err := ledger.Create(context.Background(), CreateInput{
		AgentID: "agent-1", Owner: "owner-1", Amount: dec("50"), Token: "USDC", ChainID: &chain, Period: PeriodDaily,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	b, err := ledger.CheckAvailability(context.Background(), "agent-1", dec("40"), "usdc", 8453)
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if b == nil {
		t.Fatal("matching budget not found")
	}

	if _, err := ledger.CheckAvailability(context.Background(), "agent-1", dec("60"), "USDC", 8453); aperr.CodeOf(err) != aperr.CodeCapacity {
		t.Fatalf("over budget: want capacity error, got %v", err)
	}

	// No budget covers ETH: the agent is unconstrained on that dimension.
	b, err = ledger.CheckAvailability(context.Background(), "agent-1", dec("1000"), "ETH", 1)
	if err != nil {
		t.Fatalf("CheckAvailability unmatched: %v", err)
	}
	if b != nil {
		t.Fatalf("expected nil budget for unmatched token, got %s", b.ID)
	}
}

func TestUpdateAmountPreservesSpend(t *testing.T) {
	clock := newFakeClock("2025-06-01T00:00:00Z")
	ledger := NewLedger(newFakeStore(), WithClock(clock.Now))
	b, err := ledger.Create(context.Background(), CreateInput{
		AgentID: "agent-1", Owner: "owner-1", Amount: dec("100"), Token: "USDC", Period: PeriodMonthly,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := ledger.Debit(context.Background(), b.ID, dec("40")); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	updated, err := ledger.UpdateAmount(context.Background(), b.ID, "owner-1", dec("60"))
	if err != nil {
		t.Fatalf("UpdateAmount: %v", err)
	}
	if !updated.UsedAmount.Equal(dec("40")) || !updated.RemainingAmount.Equal(dec("20")) {
		t.Fatalf("after update used=%s remaining=%s", updated.UsedAmount, updated.RemainingAmount)
	}

	if _, err := ledger.UpdateAmount(context.Background(), b.ID, "owner-1", dec("30")); aperr.CodeOf(err) != aperr.CodeValidation {
		t.Fatalf("shrink below used: want validation error, got %v", err)
	}
	if _, err := ledger.UpdateAmount(context.Background(), b.ID, "owner-2", dec("80")); aperr.CodeOf(err) != aperr.CodeAuthorization {
		t.Fatalf("foreign owner: want authorization error, got %v", err)
	}
}

func TestResetExpired(t *testing.T) {
	clock := newFakeClock("2025-06-01T00:00:00Z")
	ledger := NewLedger(newFakeStore(), WithClock(clock.Now))
	for _, agent := range []string{"agent-1", "agent-2"} {
		if _, err := ledger.Create(context.Background(), CreateInput{
			AgentID: agent, Owner: "owner-1", Amount: dec("10"), Token: "USDC", Period: PeriodDaily,
		}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	clock.Advance(25 * time.Hour)
	reset, err := ledger.ResetExpired(context.Background())
	if err != nil {
		t.Fatalf("ResetExpired: %v", err)
	}
	if reset != 2 {
		t.Fatalf("reset %d budgets, want 2", reset)
	}
}
