// Package execution routes approved payments to an execution backend. The
// primary backend sits behind a circuit breaker; a local secondary keeps the
// system live during primary outages at reduced throughput.
package execution

import (
	"sync"
	"time"

	"agentpay/aperr"
	"agentpay/observability"
)

// BreakerState is a circuit breaker state.
type BreakerState int

// Breaker states. Gauge values match the metric encoding.
const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	}
	return "unknown"
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the breaker after this many consecutive
	// failures while closed.
	FailureThreshold int
	// SuccessThreshold closes the breaker after this many consecutive
	// successes while half-open.
	SuccessThreshold int
	// OpenTimeout is how long an open breaker rejects calls before probing.
	OpenTimeout time.Duration
	// ResetTimeout decays stale failure counts in the closed state.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	return c
}

// Breaker is a per-service failure isolation state machine. All fields are
// guarded by the mutex; snapshots are consistent but not transactional with
// the guarded call.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time

	metrics *observability.ExecutionMetrics
}

// NewBreaker constructs a breaker for one named service.
func NewBreaker(name string, cfg BreakerConfig, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{name: name, cfg: cfg.normalized(), now: now}
}

// Allow reports whether a call may proceed. While open it returns a
// transient error carrying the time until the next probe; once the open
// timeout has elapsed the breaker moves to half-open and admits the call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		if b.state == BreakerClosed && b.failures > 0 && b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
			b.failures = 0
		}
		return nil
	}
	wait := b.cfg.OpenTimeout - b.now().Sub(b.lastFailure)
	if wait > 0 {
		return aperr.Transient(b.name+" circuit is open", wait)
	}
	b.setStateLocked(BreakerHalfOpen)
	b.successes = 0
	return nil
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setStateLocked(BreakerClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure notes a failed call. A half-open failure reopens the
// breaker and restarts the open-timeout clock.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setStateLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.setStateLocked(BreakerOpen)
		b.successes = 0
	}
}

// TimeUntilRetry reports how long an open breaker will keep rejecting.
// Zero when the breaker is not open or already due for a probe.
func (b *Breaker) TimeUntilRetry() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return 0
	}
	wait := b.cfg.OpenTimeout - b.now().Sub(b.lastFailure)
	if wait < 0 {
		return 0
	}
	return wait
}

// BreakerStats is a point-in-time snapshot of breaker internals.
type BreakerStats struct {
	Name        string       `json:"name"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	Successes   int          `json:"successes"`
	LastFailure time.Time    `json:"last_failure,omitempty"`
}

// Snapshot returns the current stats.
func (b *Breaker) Snapshot() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Name:        b.name,
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
	}
}

func (b *Breaker) setStateLocked(state BreakerState) {
	b.state = state
	b.metrics.SetBreakerState(b.name, float64(state))
}

// BreakerRegistry hands out process-scoped breakers by service name. The
// breakers model this process's view of each remote service, so the registry
// is legitimately process-global state with explicit teardown for tests.
type BreakerRegistry struct {
	cfg     BreakerConfig
	now     func() time.Time
	metrics *observability.ExecutionMetrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry constructs a registry applying cfg to new breakers.
func NewBreakerRegistry(cfg BreakerConfig, now func() time.Time, metrics *observability.ExecutionMetrics) *BreakerRegistry {
	if now == nil {
		now = time.Now
	}
	return &BreakerRegistry{
		cfg:      cfg.normalized(),
		now:      now,
		metrics:  metrics,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a service, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg, r.now)
	b.metrics = r.metrics
	r.breakers[name] = b
	return b
}

// Snapshot reports stats for every registered breaker.
func (r *BreakerRegistry) Snapshot() []BreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make([]BreakerStats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Snapshot())
	}
	return stats
}

// Reset discards all breakers. Intended for test teardown.
func (r *BreakerRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*Breaker)
}
