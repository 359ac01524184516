package audit

import (
	"context"
	"sort"
	"time"
)

// OwnerSummary aggregates an owner's activity feed for the dashboard.
type OwnerSummary struct {
	Owner        string         `json:"owner"`
	ActionCounts map[string]int `json:"action_counts"`
	AgentCounts  map[string]int `json:"agent_counts"`
	FirstEntryAt *time.Time     `json:"first_entry_at,omitempty"`
	LastEntryAt  *time.Time     `json:"last_entry_at,omitempty"`
	TopActions   []string       `json:"top_actions"`
}

// Summarize folds the owner's activity entries into dashboard counters.
// The feed is append-only and time-ordered, so first/last bounds come from
// the edges of the listing.
func (r *Recorder) Summarize(ctx context.Context, owner string, limit int) (*OwnerSummary, error) {
	entries, err := r.store.ListActivities(ctx, ActivityFilter{Owner: owner, Limit: limit})
	if err != nil {
		return nil, err
	}
	summary := &OwnerSummary{
		Owner:        owner,
		ActionCounts: make(map[string]int),
		AgentCounts:  make(map[string]int),
	}
	for _, entry := range entries {
		summary.ActionCounts[entry.Action]++
		summary.AgentCounts[entry.AgentID]++
		at := entry.CreatedAt
		if summary.FirstEntryAt == nil || at.Before(*summary.FirstEntryAt) {
			t := at
			summary.FirstEntryAt = &t
		}
		if summary.LastEntryAt == nil || at.After(*summary.LastEntryAt) {
			t := at
			summary.LastEntryAt = &t
		}
	}
	summary.TopActions = topKeys(summary.ActionCounts, 5)
	return summary, nil
}

func topKeys(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
