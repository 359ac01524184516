package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"agentpay/execution"
	"agentpay/observability"
	"agentpay/registry"
)

// Store is the persistence seam for deliveries. ClaimDue must mark selected
// rows delivering in the same operation so a second scanner cannot re-pick
// them before the attempt resolves.
type Store interface {
	InsertDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	ListDeliveries(ctx context.Context, agentID string, limit int) ([]*Delivery, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	UpdateDelivery(ctx context.Context, d *Delivery) error
}

// AgentSource resolves the webhook endpoint and secret at attempt time, so
// URL rotations take effect for queued deliveries.
type AgentSource interface {
	GetAgent(ctx context.Context, id string) (*registry.Agent, error)
}

// Pipeline signs, dispatches, and retries webhook deliveries.
type Pipeline struct {
	store    Store
	agents   AgentSource
	breakers *execution.BreakerRegistry
	client   *http.Client
	log      *slog.Logger
	metrics  *observability.WebhookMetrics
	now      func() time.Time

	scanInterval time.Duration
	claimLimit   int
}

// PipelineOption customises a Pipeline instance.
type PipelineOption func(*Pipeline)

// WithTimeout bounds each HTTP attempt (default 30s).
func WithTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.client.Timeout = d
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

// WithMetrics installs the webhook metrics registry.
func WithMetrics(m *observability.WebhookMetrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithScanInterval sets the due-delivery scan cadence (default 5s).
func WithScanInterval(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.scanInterval = d
		}
	}
}

// WithClaimLimit bounds how many due deliveries one scan picks up.
func WithClaimLimit(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.claimLimit = n
		}
	}
}

// NewPipeline constructs the delivery pipeline.
func NewPipeline(store Store, agents AgentSource, breakers *execution.BreakerRegistry, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:        store,
		agents:       agents,
		breakers:     breakers,
		client:       &http.Client{Timeout: 30 * time.Second},
		log:          slog.Default(),
		now:          time.Now,
		scanInterval: 5 * time.Second,
		claimLimit:   64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Trigger enqueues a signed delivery for an agent. Agents without a webhook
// URL are skipped silently (empty id, nil error). The envelope is frozen
// here so every retry carries identical bytes and an identical signature.
func (p *Pipeline) Trigger(ctx context.Context, agent *registry.Agent, eventType string, data any) (string, error) {
	if agent == nil || agent.WebhookURL == "" {
		return "", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal webhook data: %w", err)
	}
	now := p.now().UTC()
	id := uuid.NewString()
	body, err := json.Marshal(Envelope{
		Event:      eventType,
		Data:       raw,
		Timestamp:  now.Format(time.RFC3339),
		DeliveryID: id,
	})
	if err != nil {
		return "", fmt.Errorf("marshal webhook envelope: %w", err)
	}
	next := now.Add(RetryDelays[0])
	d := &Delivery{
		ID:          id,
		AgentID:     agent.ID,
		EventType:   eventType,
		Payload:     body,
		Status:      StatusPending,
		NextRetryAt: &next,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.InsertDelivery(ctx, d); err != nil {
		return "", fmt.Errorf("insert delivery: %w", err)
	}
	return id, nil
}

// GetDeliveries lists an agent's recent deliveries.
func (p *Pipeline) GetDeliveries(ctx context.Context, agentID string, limit int) ([]*Delivery, error) {
	return p.store.ListDeliveries(ctx, agentID, limit)
}

// ProcessDue claims and attempts every delivery whose retry time has come.
// Returns how many deliveries were attempted. Safe to run concurrently from
// multiple scanners; claiming is atomic in the store.
func (p *Pipeline) ProcessDue(ctx context.Context) (int, error) {
	due, err := p.store.ClaimDue(ctx, p.now().UTC(), p.claimLimit)
	if err != nil {
		return 0, fmt.Errorf("claim due deliveries: %w", err)
	}
	for _, d := range due {
		p.attempt(ctx, d)
	}
	return len(due), nil
}

// Run scans for due deliveries until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ProcessDue(ctx); err != nil {
				p.log.Warn("due delivery scan failed", "error", err)
			}
		}
	}
}

// attempt performs one delivery attempt. The caller has already claimed the
// delivery (status delivering).
func (p *Pipeline) attempt(ctx context.Context, d *Delivery) {
	agent, err := p.agents.GetAgent(ctx, d.AgentID)
	if err != nil {
		// Resolution failures consume an attempt so a persistently broken
		// store cannot keep a delivery in the queue past the cap.
		d.Attempts++
		p.fail(ctx, d, 0, fmt.Sprintf("resolve agent: %v", err))
		return
	}
	if agent == nil || agent.WebhookURL == "" || agent.WebhookSecret == "" {
		p.drop(ctx, d, "webhook endpoint no longer configured")
		return
	}

	breaker := p.breakers.Get(breakerName(agent.WebhookURL))
	if allowErr := breaker.Allow(); allowErr != nil {
		// Short-circuited: no attempt is made and the attempt counter does
		// not advance. The delivery waits out the breaker.
		now := p.now().UTC()
		next := now.Add(breaker.TimeUntilRetry())
		d.Status = StatusRetrying
		d.NextRetryAt = &next
		d.UpdatedAt = now
		p.persist(ctx, d)
		p.metrics.ObserveAttempt("breaker_open", 0)
		return
	}

	now := p.now().UTC()
	d.Attempts++
	d.LastAttemptAt = &now
	d.Status = StatusDelivering
	d.UpdatedAt = now
	p.persist(ctx, d)

	started := time.Now()
	status, err := p.post(ctx, agent, d)
	elapsed := time.Since(started)

	if err == nil && status >= 200 && status < 300 {
		breaker.RecordSuccess()
		d.Status = StatusDelivered
		d.ResponseStatus = status
		d.ErrorMessage = ""
		d.NextRetryAt = nil
		d.UpdatedAt = p.now().UTC()
		p.persist(ctx, d)
		p.metrics.ObserveAttempt("delivered", elapsed)
		return
	}

	breaker.RecordFailure()
	msg := fmt.Sprintf("received status %d", status)
	if err != nil {
		msg = err.Error()
	}
	p.fail(ctx, d, status, msg)
	p.metrics.ObserveAttempt(failOutcome(d), elapsed)
}

// fail records an unsuccessful attempt, scheduling a retry or terminating
// the delivery once attempts are exhausted.
func (p *Pipeline) fail(ctx context.Context, d *Delivery, status int, msg string) {
	now := p.now().UTC()
	d.ResponseStatus = status
	d.ErrorMessage = msg
	d.UpdatedAt = now
	if d.Attempts >= MaxAttempts {
		d.Status = StatusFailed
		d.NextRetryAt = nil
		p.persist(ctx, d)
		pipelineMetrics().recordExhausted(d.EventType)
		p.log.Warn("webhook delivery exhausted",
			"delivery_id", d.ID, "agent_id", d.AgentID, "event", d.EventType, "error", msg)
		return
	}
	next := now.Add(RetryDelays[d.Attempts])
	d.Status = StatusRetrying
	d.NextRetryAt = &next
	p.persist(ctx, d)
}

// drop terminates a delivery whose endpoint configuration is gone. There is
// no receiver to retry against, so the record goes terminal immediately
// instead of burning through the retry schedule.
func (p *Pipeline) drop(ctx context.Context, d *Delivery, msg string) {
	d.Status = StatusFailed
	d.ErrorMessage = msg
	d.NextRetryAt = nil
	d.UpdatedAt = p.now().UTC()
	p.persist(ctx, d)
	p.metrics.ObserveAttempt("failed", 0)
	p.log.Warn("webhook delivery dropped",
		"delivery_id", d.ID, "agent_id", d.AgentID, "event", d.EventType, "error", msg)
}

func (p *Pipeline) post(ctx context.Context, agent *registry.Agent, d *Delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.WebhookURL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(d.Payload, agent.WebhookSecret))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(p.now().UTC().Unix(), 10))
	req.Header.Set(HeaderEvent, d.EventType)
	req.Header.Set(HeaderID, d.ID)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (p *Pipeline) persist(ctx context.Context, d *Delivery) {
	if err := p.store.UpdateDelivery(ctx, d); err != nil {
		p.log.Warn("delivery update failed", "delivery_id", d.ID, "error", err)
	}
}

func failOutcome(d *Delivery) string {
	if d.Status == StatusFailed {
		return "failed"
	}
	return "retry"
}

// breakerName keys breakers by target host so one broken receiver does not
// block deliveries to healthy ones.
func breakerName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return "webhook:" + u.Host
	}
	return "webhook:" + rawURL
}

var (
	metricsOnce   sync.Once
	sharedMetrics *otelMetrics
)

type otelMetrics struct {
	exhausted metric.Int64Counter
}

func pipelineMetrics() *otelMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("agentpay/webhook")
		counter, err := meter.Int64Counter("agentpay.webhooks.exhausted")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("agentpay/webhook")
			counter, _ = fallback.Int64Counter("agentpay.webhooks.exhausted")
		}
		sharedMetrics = &otelMetrics{exhausted: counter}
	})
	return sharedMetrics
}

func (m *otelMetrics) recordExhausted(eventType string) {
	if m == nil || m.exhausted == nil {
		return
	}
	m.exhausted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", eventType)))
}
