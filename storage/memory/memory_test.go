package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"agentpay/audit"
	"agentpay/budget"
	"agentpay/proposal"
	"agentpay/registry"
	"agentpay/webhook"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestReadsReturnCopies(t *testing.T) {
	store := NewStore()
	max := dec("10")
	agent := &registry.Agent{
		ID: "agent-1", Owner: "owner-1", APIKeyHash: "hash-1",
		AutoExecuteRules: &registry.AutoExecuteRules{
			MaxSingleAmount: &max,
			AllowedTokens:   []string{"USDC"},
		},
	}
	if err := store.InsertAgent(context.Background(), agent); err != nil {
		t.Fatalf("InsertAgent: %v", err)
	}

	got, _ := store.GetAgent(context.Background(), "agent-1")
	got.Owner = "intruder"
	got.AutoExecuteRules.AllowedTokens[0] = "EVIL"

	again, _ := store.GetAgent(context.Background(), "agent-1")
	if again.Owner != "owner-1" || again.AutoExecuteRules.AllowedTokens[0] != "USDC" {
		t.Fatalf("mutation through a read copy leaked into the store: %+v", again)
	}
}

func TestKeyIndexFollowsRotation(t *testing.T) {
	store := NewStore()
	agent := &registry.Agent{ID: "agent-1", Owner: "owner-1", APIKeyHash: "old-hash"}
	if err := store.InsertAgent(context.Background(), agent); err != nil {
		t.Fatalf("InsertAgent: %v", err)
	}

	agent.APIKeyHash = "new-hash"
	if err := store.UpdateAgent(context.Background(), agent); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}

	if got, _ := store.GetAgentByKeyHash(context.Background(), "old-hash"); got != nil {
		t.Fatal("stale hash still resolves after rotation")
	}
	got, _ := store.GetAgentByKeyHash(context.Background(), "new-hash")
	if got == nil || got.ID != "agent-1" {
		t.Fatalf("new hash lookup: %+v", got)
	}
}

func TestConcurrentDebitsNeverOverspend(t *testing.T) {
	store := NewStore()
	b := &budget.Budget{
		ID: "budget-1", AgentID: "agent-1", Owner: "owner-1",
		Amount: dec("100"), UsedAmount: decimal.Zero, RemainingAmount: dec("100"),
		Token: "USDC", Period: budget.PeriodDaily,
	}
	if err := store.InsertBudget(context.Background(), b); err != nil {
		t.Fatalf("InsertBudget: %v", err)
	}

	const racers = 20
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.DebitBudget(context.Background(), "budget-1", dec("10"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, budget.ErrInsufficient) {
			t.Fatalf("unexpected debit error: %v", err)
		}
	}
	if succeeded != 10 {
		t.Fatalf("%d debits of 10 succeeded against a 100 budget", succeeded)
	}

	final, _ := store.GetBudget(context.Background(), "budget-1")
	if !final.RemainingAmount.IsZero() || !final.UsedAmount.Equal(dec("100")) {
		t.Fatalf("final budget: remaining=%s used=%s", final.RemainingAmount, final.UsedAmount)
	}
}

func TestDebitInsufficientReturnsCurrentBudget(t *testing.T) {
	store := NewStore()
	b := &budget.Budget{
		ID: "budget-1", Amount: dec("10"), UsedAmount: dec("5"),
		RemainingAmount: dec("5"), Token: "USDC", Period: budget.PeriodDaily,
	}
	if err := store.InsertBudget(context.Background(), b); err != nil {
		t.Fatalf("InsertBudget: %v", err)
	}
	got, err := store.DebitBudget(context.Background(), "budget-1", dec("6"))
	if !errors.Is(err, budget.ErrInsufficient) {
		t.Fatalf("want ErrInsufficient, got %v", err)
	}
	if got == nil || !got.RemainingAmount.Equal(dec("5")) {
		t.Fatalf("budget alongside error: %+v", got)
	}
}

func TestUpdateProposalStatusIsConditional(t *testing.T) {
	store := NewStore()
	p := &proposal.Proposal{ID: "prop-1", AgentID: "agent-1", Status: proposal.StatusPending}
	if err := store.InsertProposal(context.Background(), p); err != nil {
		t.Fatalf("InsertProposal: %v", err)
	}

	p.Status = proposal.StatusApproved
	if err := store.UpdateProposalStatus(context.Background(), p, proposal.StatusPending); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// A second writer still holding the pending snapshot loses.
	stale := &proposal.Proposal{ID: "prop-1", Status: proposal.StatusRejected}
	err := store.UpdateProposalStatus(context.Background(), stale, proposal.StatusPending)
	if !errors.Is(err, proposal.ErrStaleStatus) {
		t.Fatalf("want ErrStaleStatus, got %v", err)
	}

	got, _ := store.GetProposal(context.Background(), "prop-1")
	if got.Status != proposal.StatusApproved {
		t.Fatalf("status = %s after a lost race", got.Status)
	}
}

func TestClaimDueClaimsEachDeliveryOnce(t *testing.T) {
	store := NewStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	for _, d := range []*webhook.Delivery{
		{ID: "due-1", AgentID: "agent-1", Status: webhook.StatusPending, NextRetryAt: &past},
		{ID: "due-2", AgentID: "agent-1", Status: webhook.StatusRetrying, NextRetryAt: &past},
		{ID: "later", AgentID: "agent-1", Status: webhook.StatusPending, NextRetryAt: &future},
		{ID: "done", AgentID: "agent-1", Status: webhook.StatusDelivered},
	} {
		if err := store.InsertDelivery(context.Background(), d); err != nil {
			t.Fatalf("InsertDelivery: %v", err)
		}
	}

	claimed, err := store.ClaimDue(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d deliveries, want 2", len(claimed))
	}
	for _, d := range claimed {
		if d.Status != webhook.StatusDelivering {
			t.Fatalf("claimed delivery %s status %s", d.ID, d.Status)
		}
	}

	// A second scan finds nothing: the claim flipped the rows.
	again, err := store.ClaimDue(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second scan claimed %d deliveries", len(again))
	}
}

func TestClaimDueHonorsLimit(t *testing.T) {
	store := NewStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		at := now.Add(time.Duration(-3+i) * time.Minute)
		d := &webhook.Delivery{ID: id, Status: webhook.StatusPending, NextRetryAt: &at}
		if err := store.InsertDelivery(context.Background(), d); err != nil {
			t.Fatalf("InsertDelivery: %v", err)
		}
	}
	claimed, err := store.ClaimDue(context.Background(), now, 2)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d deliveries, want 2", len(claimed))
	}
	// Oldest retry times claim first.
	if claimed[0].ID != "a" || claimed[1].ID != "b" {
		t.Fatalf("claim order %s, %s", claimed[0].ID, claimed[1].ID)
	}
}

func TestActivityFilterAndLimit(t *testing.T) {
	store := NewStore()
	entries := []*audit.ActivityEntry{
		{ID: "1", AgentID: "agent-1", Owner: "owner-1", Action: audit.ActionProposalCreated},
		{ID: "2", AgentID: "agent-1", Owner: "owner-1", Action: audit.ActionPaymentExecuted},
		{ID: "3", AgentID: "agent-2", Owner: "owner-1", Action: audit.ActionPaymentExecuted},
		{ID: "4", AgentID: "agent-1", Owner: "owner-2", Action: audit.ActionPaymentExecuted},
	}
	for _, e := range entries {
		if err := store.AppendActivity(context.Background(), e); err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
	}

	got, err := store.ListActivities(context.Background(), audit.ActivityFilter{
		Owner:  "owner-1",
		Action: audit.ActionPaymentExecuted,
	})
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("filtered to %d entries, want 2", len(got))
	}

	// The limit keeps the newest entries.
	got, err = store.ListActivities(context.Background(), audit.ActivityFilter{Owner: "owner-1", Limit: 2})
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	if len(got) != 2 || got[0].ID != "2" || got[1].ID != "3" {
		t.Fatalf("limited entries: %v", ids(got))
	}
}

func ids(entries []*audit.ActivityEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
