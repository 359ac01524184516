package rules

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"agentpay/proposal"
	"agentpay/registry"
)

type fixedSummer struct {
	total decimal.Decimal
	since time.Time
}

func (s *fixedSummer) SumExecutedSince(ctx context.Context, agentID string, since time.Time) (decimal.Decimal, error) {
	s.since = since
	return s.total, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func testProposal() *proposal.Proposal {
	return &proposal.Proposal{
		AgentID:   "agent-1",
		Recipient: "0xabc",
		Amount:    dec("50"),
		Token:     "USDC",
		ChainID:   8453,
	}
}

func TestCheckNilRulesPassEverything(t *testing.T) {
	engine := NewEngine(&fixedSummer{})
	result, err := engine.Check(context.Background(), &registry.Agent{}, testProposal())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !result.Passed || len(result.Violations) != 0 {
		t.Fatalf("nil rules: %+v", result)
	}
}

func TestCheckSingleAmountViolation(t *testing.T) {
	engine := NewEngine(&fixedSummer{})
	agent := &registry.Agent{AutoExecuteRules: &registry.AutoExecuteRules{
		MaxSingleAmount: decPtr("25"),
	}}
	result, err := engine.Check(context.Background(), agent, testProposal())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if result.Passed {
		t.Fatal("50 over a 25 ceiling passed")
	}
	want := "Amount 50 exceeds max single amount 25"
	if len(result.Violations) != 1 || result.Violations[0] != want {
		t.Fatalf("violations = %v, want [%s]", result.Violations, want)
	}
}

func TestCheckAccumulatesAllViolations(t *testing.T) {
	engine := NewEngine(&fixedSummer{total: dec("90")})
	agent := &registry.Agent{AutoExecuteRules: &registry.AutoExecuteRules{
		MaxSingleAmount:   decPtr("25"),
		MaxDailyAmount:    decPtr("100"),
		AllowedTokens:     []string{"ETH"},
		AllowedRecipients: []string{"0xother"},
		AllowedChains:     []int64{1},
	}}
	result, err := engine.Check(context.Background(), agent, testProposal())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if result.Passed {
		t.Fatal("passed despite five violations")
	}
	want := []string{
		"Amount 50 exceeds max single amount 25",
		"Token USDC is not in the allowed token list",
		"Recipient 0xabc is not in the allowed recipient list",
		"Chain 8453 is not in the allowed chain list",
		"Daily total 140 would exceed max daily amount 100",
	}
	if len(result.Violations) != len(want) {
		t.Fatalf("violations = %v", result.Violations)
	}
	for i, v := range want {
		if result.Violations[i] != v {
			t.Fatalf("violation %d = %q, want %q", i, result.Violations[i], v)
		}
	}
}

func TestCheckWhitelistsAreCaseInsensitive(t *testing.T) {
	engine := NewEngine(&fixedSummer{})
	agent := &registry.Agent{AutoExecuteRules: &registry.AutoExecuteRules{
		AllowedTokens:     []string{"usdc"},
		AllowedRecipients: []string{"0xABC"},
	}}
	result, err := engine.Check(context.Background(), agent, testProposal())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !result.Passed {
		t.Fatalf("case-insensitive whitelists rejected: %v", result.Violations)
	}
}

func TestCheckDailyWindowStartsAtMidnightUTC(t *testing.T) {
	summer := &fixedSummer{}
	at := time.Date(2025, 6, 15, 22, 45, 0, 0, time.FixedZone("UTC+3", 3*3600))
	engine := NewEngine(summer, WithClock(func() time.Time { return at }))
	agent := &registry.Agent{AutoExecuteRules: &registry.AutoExecuteRules{
		MaxDailyAmount: decPtr("1000"),
	}}
	if _, err := engine.Check(context.Background(), agent, testProposal()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	// 22:45 UTC+3 is 19:45 UTC, so the window starts June 15 00:00 UTC.
	want := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	if !summer.since.Equal(want) {
		t.Fatalf("window start = %s, want %s", summer.since, want)
	}
}

func TestCheckDailyLimitExactTotalPasses(t *testing.T) {
	engine := NewEngine(&fixedSummer{total: dec("50")})
	agent := &registry.Agent{AutoExecuteRules: &registry.AutoExecuteRules{
		MaxDailyAmount: decPtr("100"),
	}}
	result, err := engine.Check(context.Background(), agent, testProposal())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !result.Passed {
		t.Fatalf("total exactly at the ceiling should pass: %v", result.Violations)
	}
}

func TestWithinDailyLimit(t *testing.T) {
	agent := &registry.Agent{ID: "agent-1", AutoExecuteRules: &registry.AutoExecuteRules{
		MaxDailyAmount: decPtr("100"),
	}}

	engine := NewEngine(&fixedSummer{total: dec("99")})
	ok, err := engine.WithinDailyLimit(context.Background(), agent)
	if err != nil || !ok {
		t.Fatalf("headroom left: ok=%v err=%v", ok, err)
	}

	engine = NewEngine(&fixedSummer{total: dec("100")})
	ok, err = engine.WithinDailyLimit(context.Background(), agent)
	if err != nil || ok {
		t.Fatalf("ceiling reached: ok=%v err=%v", ok, err)
	}

	unruled := &registry.Agent{ID: "agent-2"}
	ok, err = engine.WithinDailyLimit(context.Background(), unruled)
	if err != nil || !ok {
		t.Fatalf("agent without daily rule: ok=%v err=%v", ok, err)
	}
}
