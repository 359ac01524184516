// Package observability holds the process-wide Prometheus collectors for the
// control plane. Registries are lazily initialised singletons; callers must
// treat a nil registry as a no-op so unit tests can run without registration.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LifecycleMetrics records proposal lifecycle activity.
type LifecycleMetrics struct {
	proposals   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// LedgerMetrics records budget ledger activity.
type LedgerMetrics struct {
	debits    *prometheus.CounterVec
	rollovers prometheus.Counter
}

// WebhookMetrics records outbound delivery activity.
type WebhookMetrics struct {
	attempts *prometheus.CounterVec
	latency  prometheus.Histogram
}

// ExecutionMetrics records execution bridge activity and breaker state.
type ExecutionMetrics struct {
	executions   *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
}

var (
	lifecycleOnce sync.Once
	lifecycleReg  *LifecycleMetrics

	ledgerOnce sync.Once
	ledgerReg  *LedgerMetrics

	webhookOnce sync.Once
	webhookReg  *WebhookMetrics

	executionOnce sync.Once
	executionReg  *ExecutionMetrics
)

// Lifecycle returns the lazily-initialised proposal lifecycle registry.
func Lifecycle() *LifecycleMetrics {
	lifecycleOnce.Do(func() {
		lifecycleReg = &LifecycleMetrics{
			proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentpay",
				Subsystem: "lifecycle",
				Name:      "proposals_total",
				Help:      "Proposals processed segmented by terminal outcome.",
			}, []string{"outcome"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentpay",
				Subsystem: "lifecycle",
				Name:      "transitions_total",
				Help:      "State machine transitions segmented by edge and actor.",
			}, []string{"from", "to", "actor"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "agentpay",
				Subsystem: "lifecycle",
				Name:      "processing_duration_seconds",
				Help:      "Time from proposal submission to terminal state.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(lifecycleReg.proposals, lifecycleReg.transitions, lifecycleReg.duration)
	})
	return lifecycleReg
}

// ObserveOutcome records a proposal reaching a terminal state.
func (m *LifecycleMetrics) ObserveOutcome(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveTransition records a single state machine edge.
func (m *LifecycleMetrics) ObserveTransition(from, to, actor string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, actor).Inc()
}

// Ledger returns the lazily-initialised budget ledger registry.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerReg = &LedgerMetrics{
			debits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentpay",
				Subsystem: "ledger",
				Name:      "debits_total",
				Help:      "Budget debit attempts segmented by outcome.",
			}, []string{"outcome"}),
			rollovers: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentpay",
				Subsystem: "ledger",
				Name:      "rollovers_total",
				Help:      "Budget period rollovers applied lazily on access.",
			}),
		}
		prometheus.MustRegister(ledgerReg.debits, ledgerReg.rollovers)
	})
	return ledgerReg
}

// ObserveDebit records a debit attempt outcome ("ok" or "insufficient").
func (m *LedgerMetrics) ObserveDebit(outcome string) {
	if m == nil {
		return
	}
	m.debits.WithLabelValues(outcome).Inc()
}

// ObserveRollover records a lazy period reset.
func (m *LedgerMetrics) ObserveRollover() {
	if m == nil {
		return
	}
	m.rollovers.Inc()
}

// Webhook returns the lazily-initialised delivery registry.
func Webhook() *WebhookMetrics {
	webhookOnce.Do(func() {
		webhookReg = &WebhookMetrics{
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentpay",
				Subsystem: "webhook",
				Name:      "attempts_total",
				Help:      "Webhook delivery attempts segmented by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "agentpay",
				Subsystem: "webhook",
				Name:      "attempt_duration_seconds",
				Help:      "Latency distribution of webhook HTTP attempts.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(webhookReg.attempts, webhookReg.latency)
	})
	return webhookReg
}

// ObserveAttempt records a delivery attempt outcome
// ("delivered", "retry", "failed", "breaker_open").
func (m *WebhookMetrics) ObserveAttempt(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.latency.Observe(elapsed.Seconds())
	}
}

// Execution returns the lazily-initialised execution bridge registry.
func Execution() *ExecutionMetrics {
	executionOnce.Do(func() {
		executionReg = &ExecutionMetrics{
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentpay",
				Subsystem: "execution",
				Name:      "payments_total",
				Help:      "Execution attempts segmented by serving path and outcome.",
			}, []string{"served_by", "outcome"}),
			breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "agentpay",
				Subsystem: "execution",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
			}, []string{"service"}),
		}
		prometheus.MustRegister(executionReg.executions, executionReg.breakerState)
	})
	return executionReg
}

// ObserveExecution records one execution attempt.
func (m *ExecutionMetrics) ObserveExecution(servedBy, outcome string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(servedBy, outcome).Inc()
}

// SetBreakerState publishes the current breaker state for a service.
func (m *ExecutionMetrics) SetBreakerState(service string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(service).Set(state)
}

// Handler exposes the default Prometheus registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
