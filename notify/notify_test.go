package notify

import (
	"context"
	"testing"

	"agentpay/audit"
)

type trailStore struct {
	activities []*audit.ActivityEntry
}

func (s *trailStore) AppendActivity(ctx context.Context, entry *audit.ActivityEntry) error {
	s.activities = append(s.activities, entry)
	return nil
}

func (s *trailStore) AppendAudit(ctx context.Context, entry *audit.AuditEntry) error { return nil }

func (s *trailStore) ListActivities(ctx context.Context, filter audit.ActivityFilter) ([]*audit.ActivityEntry, error) {
	return s.activities, nil
}

func (s *trailStore) ListAudit(ctx context.Context, limit int) ([]*audit.AuditEntry, error) {
	return nil, nil
}

type captureNotifier struct {
	notes []Notification
}

func (n *captureNotifier) Notify(ctx context.Context, note Notification) {
	n.notes = append(n.notes, note)
}

func TestAuditedNotifierRecordsSends(t *testing.T) {
	store := &trailStore{}
	inner := &captureNotifier{}
	n := NewAuditedNotifier(inner, audit.NewRecorder(store))

	n.Notify(context.Background(), Notification{
		Owner:   "owner-1",
		Kind:    KindAgentPaused,
		Title:   "Agent paused",
		Message: "Agent bot is paused",
		Details: map[string]string{"agent_id": "agent-1"},
	})

	if len(inner.notes) != 1 {
		t.Fatalf("inner notifier received %d notifications", len(inner.notes))
	}
	if len(store.activities) != 1 {
		t.Fatalf("recorded %d activities", len(store.activities))
	}
	entry := store.activities[0]
	if entry.Action != audit.ActionNotificationSent {
		t.Fatalf("action = %q", entry.Action)
	}
	if entry.AgentID != "agent-1" || entry.Owner != "owner-1" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Description != "agent_paused: Agent paused" {
		t.Fatalf("description = %q", entry.Description)
	}
}
