package budget

import (
	"testing"
	"time"
)

func TestPeriodEndForClampsMonths(t *testing.T) {
	cases := []struct {
		name   string
		period Period
		start  string
		want   string
	}{
		{"daily", PeriodDaily, "2025-03-10T08:00:00Z", "2025-03-11T08:00:00Z"},
		{"weekly", PeriodWeekly, "2025-03-10T08:00:00Z", "2025-03-17T08:00:00Z"},
		{"monthly mid-month", PeriodMonthly, "2025-03-10T08:00:00Z", "2025-04-10T08:00:00Z"},
		{"monthly jan 31 clamps to feb 28", PeriodMonthly, "2025-01-31T00:00:00Z", "2025-02-28T00:00:00Z"},
		{"monthly jan 31 leap year clamps to feb 29", PeriodMonthly, "2024-01-31T00:00:00Z", "2024-02-29T00:00:00Z"},
		{"monthly dec 31 rolls the year", PeriodMonthly, "2025-12-31T00:00:00Z", "2026-01-31T00:00:00Z"},
		{"yearly", PeriodYearly, "2025-03-10T08:00:00Z", "2026-03-10T08:00:00Z"},
		{"yearly feb 29 clamps to feb 28", PeriodYearly, "2024-02-29T00:00:00Z", "2025-02-28T00:00:00Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, err := time.Parse(time.RFC3339, tc.start)
			if err != nil {
				t.Fatal(err)
			}
			end := PeriodEndFor(tc.period, start)
			if end == nil {
				t.Fatal("PeriodEndFor returned nil")
			}
			want, _ := time.Parse(time.RFC3339, tc.want)
			if !end.Equal(want) {
				t.Fatalf("end = %s, want %s", end, want)
			}
		})
	}
}

func TestPeriodEndForTotalNeverExpires(t *testing.T) {
	if end := PeriodEndFor(PeriodTotal, time.Now()); end != nil {
		t.Fatalf("total period end = %v, want nil", end)
	}
}

func TestBudgetMatches(t *testing.T) {
	chain := int64(8453)
	constrained := &Budget{Token: "USDC", ChainID: &chain}
	wildcard := &Budget{Token: "USDC"}

	if !constrained.Matches("usdc", 8453) {
		t.Fatal("token comparison should be case-insensitive")
	}
	if constrained.Matches("USDC", 1) {
		t.Fatal("chain-constrained budget matched a different chain")
	}
	if !wildcard.Matches("USDC", 1) || !wildcard.Matches("USDC", 8453) {
		t.Fatal("nil chain should match every chain")
	}
	if wildcard.Matches("ETH", 1) {
		t.Fatal("different token matched")
	}
}

func TestBudgetExpired(t *testing.T) {
	end := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	b := &Budget{PeriodEnd: &end}
	if b.Expired(end.Add(-time.Second)) {
		t.Fatal("expired before period end")
	}
	if !b.Expired(end) {
		t.Fatal("period end instant should count as expired")
	}
	total := &Budget{}
	if total.Expired(time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("total budget expired")
	}
}
