// Package budget implements periodized spending envelopes per agent. Each
// budget tracks an immutable allocation for the current period and the
// used/remaining split, which must always sum to the allocation.
package budget

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Period scopes a budget allocation in time.
type Period string

// Supported periods. Total budgets never roll over.
const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
	PeriodTotal   Period = "total"
)

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodYearly, PeriodTotal:
		return true
	}
	return false
}

// Budget is a spending envelope for (agent, token, chain) over one period.
// Invariant: UsedAmount + RemainingAmount == Amount.
type Budget struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agent_id"`
	Owner           string          `json:"owner"`
	Amount          decimal.Decimal `json:"amount"`
	Token           string          `json:"token"`
	ChainID         *int64          `json:"chain_id,omitempty"`
	Period          Period          `json:"period"`
	UsedAmount      decimal.Decimal `json:"used_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	PeriodStart     time.Time       `json:"period_start"`
	PeriodEnd       *time.Time      `json:"period_end,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Matches reports whether this budget covers a (token, chain) request.
// Tokens compare case-insensitively; a budget without a chain constraint
// covers every chain.
func (b *Budget) Matches(token string, chainID int64) bool {
	if !strings.EqualFold(b.Token, token) {
		return false
	}
	if b.ChainID == nil {
		return true
	}
	return *b.ChainID == chainID
}

// Expired reports whether the current period has ended. Total budgets never
// expire.
func (b *Budget) Expired(now time.Time) bool {
	return b.PeriodEnd != nil && !now.Before(*b.PeriodEnd)
}

// PeriodEndFor computes when a period starting at start ends. Month and year
// arithmetic clamps to the last valid day of the target month, so a monthly
// period starting Jan 31 ends Feb 28 (or Feb 29 in leap years), never Mar 3.
func PeriodEndFor(period Period, start time.Time) *time.Time {
	var end time.Time
	switch period {
	case PeriodDaily:
		end = start.Add(24 * time.Hour)
	case PeriodWeekly:
		end = start.Add(7 * 24 * time.Hour)
	case PeriodMonthly:
		end = addMonthsClamped(start, 1)
	case PeriodYearly:
		end = addMonthsClamped(start, 12)
	default:
		return nil
	}
	return &end
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	targetMonth := time.Month(int(month) + months)
	first := time.Date(year, targetMonth, 1, hour, min, sec, t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Utilization summarises how much of a budget's current period is consumed.
type Utilization struct {
	BudgetID    string          `json:"budget_id"`
	Token       string          `json:"token"`
	ChainID     *int64          `json:"chain_id,omitempty"`
	Period      Period          `json:"period"`
	Amount      decimal.Decimal `json:"amount"`
	Used        decimal.Decimal `json:"used"`
	Remaining   decimal.Decimal `json:"remaining"`
	UsedPercent float64         `json:"used_percent"`
}
