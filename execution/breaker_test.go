package execution

import (
	"sync"
	"testing"
	"time"

	"agentpay/aperr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
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

func testBreaker(clock *fakeClock) *Breaker {
	return NewBreaker("primary-exec", BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		ResetTimeout:     60 * time.Second,
	}, clock.Now)
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	b := testBreaker(newFakeClock())

	b.RecordFailure()
	b.RecordFailure()
	if b.Snapshot().State != BreakerClosed {
		t.Fatal("opened before the threshold")
	}
	b.RecordFailure()
	if b.Snapshot().State != BreakerOpen {
		t.Fatal("three consecutive failures should open the breaker")
	}

	err := b.Allow()
	if aperr.CodeOf(err) != aperr.CodeTransient {
		t.Fatalf("open breaker admitted a call: %v", err)
	}
	ae, ok := aperr.As(err)
	if !ok || ae.RetryAfter <= 0 {
		t.Fatalf("transient error missing retry-after: %+v", ae)
	}
}

func TestBreakerSuccessResetsClosedCount(t *testing.T) {
	b := testBreaker(newFakeClock())
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.Snapshot().State != BreakerClosed {
		t.Fatal("non-consecutive failures opened the breaker")
	}
}

func TestBreakerHalfOpenAfterOpenTimeout(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clock.Advance(29 * time.Second)
	if err := b.Allow(); err == nil {
		t.Fatal("probe admitted before the open timeout")
	}

	clock.Advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected after the open timeout: %v", err)
	}
	if b.Snapshot().State != BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open", b.Snapshot().State)
	}
}

func TestBreakerHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}

	b.RecordSuccess()
	if b.Snapshot().State != BreakerHalfOpen {
		t.Fatal("closed after a single half-open success")
	}
	b.RecordSuccess()
	snap := b.Snapshot()
	if snap.State != BreakerClosed || snap.Failures != 0 {
		t.Fatalf("snapshot after recovery: %+v", snap)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}

	b.RecordFailure()
	if b.Snapshot().State != BreakerOpen {
		t.Fatal("half-open failure should reopen")
	}
	// The open-timeout clock restarts from the probe failure.
	clock.Advance(29 * time.Second)
	if err := b.Allow(); err == nil {
		t.Fatal("reopened breaker admitted a call before the restarted timeout")
	}
}

func TestBreakerClosedFailureCountDecays(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock)
	b.RecordFailure()
	b.RecordFailure()

	clock.Advance(61 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	// The stale count decayed, so a single fresh failure must not open.
	b.RecordFailure()
	if b.Snapshot().State != BreakerClosed {
		t.Fatal("stale failures counted toward the threshold")
	}
}

func TestBreakerTimeUntilRetry(t *testing.T) {
	clock := newFakeClock()
	b := testBreaker(clock)
	if b.TimeUntilRetry() != 0 {
		t.Fatal("closed breaker reported a retry delay")
	}
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(10 * time.Second)
	if got := b.TimeUntilRetry(); got != 20*time.Second {
		t.Fatalf("TimeUntilRetry = %s, want 20s", got)
	}
}

func TestBreakerRegistry(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{}, nil, nil)
	a := reg.Get("webhook:example.com")
	if a != reg.Get("webhook:example.com") {
		t.Fatal("registry returned distinct breakers for one name")
	}
	reg.Get(PrimaryBreakerName)
	if got := len(reg.Snapshot()); got != 2 {
		t.Fatalf("snapshot length = %d, want 2", got)
	}
	reg.Reset()
	if got := len(reg.Snapshot()); got != 0 {
		t.Fatalf("snapshot length after reset = %d", got)
	}
}
