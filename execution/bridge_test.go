package execution

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"agentpay/aperr"
	"agentpay/proposal"
)

type scriptedBackend struct {
	txHash string
	err    error
	calls  int
	last   Request
}

func (b *scriptedBackend) Execute(ctx context.Context, req Request) (string, error) {
	b.calls++
	b.last = req
	return b.txHash, b.err
}

type fallbackRecorder struct {
	causes []error
}

func (r *fallbackRecorder) ExecutionFallback(ctx context.Context, p *proposal.Proposal, cause error) {
	r.causes = append(r.causes, cause)
}

func bridgeProposal() *proposal.Proposal {
	return &proposal.Proposal{
		ID:        "prop-1",
		AgentID:   "agent-1",
		Recipient: "0xabc",
		Amount:    decimal.NewFromInt(42),
		Token:     "USDC",
		ChainID:   8453,
		Reason:    "invoice",
	}
}

func TestBridgePrimaryPath(t *testing.T) {
	primary := &scriptedBackend{txHash: "0xprimary"}
	secondary := &scriptedBackend{txHash: "0xsecondary"}
	bridge := NewBridge(primary, secondary, NewBreakerRegistry(BreakerConfig{}, nil, nil))

	result, err := bridge.Execute(context.Background(), bridgeProposal())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ServedBy != ServedByPrimary || result.TxHash != "0xprimary" {
		t.Fatalf("result = %+v", result)
	}
	if secondary.calls != 0 {
		t.Fatal("secondary called on the happy path")
	}
	if primary.last.To != "0xabc" || primary.last.Token != "USDC" || primary.last.Memo != "invoice" {
		t.Fatalf("request = %+v", primary.last)
	}
}

func TestBridgeFallsBackOnPrimaryError(t *testing.T) {
	primary := &scriptedBackend{err: errors.New("connection refused")}
	secondary := &scriptedBackend{txHash: "0xsecondary"}
	events := &fallbackRecorder{}
	breakers := NewBreakerRegistry(BreakerConfig{}, nil, nil)
	bridge := NewBridge(primary, secondary, breakers, WithEvents(events))

	result, err := bridge.Execute(context.Background(), bridgeProposal())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ServedBy != ServedBySecondary || result.TxHash != "0xsecondary" {
		t.Fatalf("result = %+v", result)
	}
	if len(events.causes) != 1 || !strings.Contains(events.causes[0].Error(), "connection refused") {
		t.Fatalf("fallback events = %v", events.causes)
	}
	if breakers.Get(PrimaryBreakerName).Snapshot().Failures != 1 {
		t.Fatal("primary failure not recorded on the breaker")
	}
}

func TestBridgeOpenBreakerShortCircuitsPrimary(t *testing.T) {
	primary := &scriptedBackend{txHash: "0xprimary"}
	secondary := &scriptedBackend{txHash: "0xsecondary"}
	breakers := NewBreakerRegistry(BreakerConfig{FailureThreshold: 3}, nil, nil)
	bridge := NewBridge(primary, secondary, breakers, WithEvents(&fallbackRecorder{}))

	b := breakers.Get(PrimaryBreakerName)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	result, err := bridge.Execute(context.Background(), bridgeProposal())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ServedBy != ServedBySecondary {
		t.Fatalf("served by %s with an open breaker", result.ServedBy)
	}
	if primary.calls != 0 {
		t.Fatal("primary called while its breaker was open")
	}
}

func TestBridgeBothPathsFail(t *testing.T) {
	primary := &scriptedBackend{err: errors.New("primary down")}
	secondary := &scriptedBackend{err: errors.New("secondary down")}
	bridge := NewBridge(primary, secondary, NewBreakerRegistry(BreakerConfig{}, nil, nil))

	_, err := bridge.Execute(context.Background(), bridgeProposal())
	if aperr.CodeOf(err) != aperr.CodeUpstream {
		t.Fatalf("want upstream error, got %v", err)
	}
	ae, _ := aperr.As(err)
	if ae.ServedBy != ServedBySecondary {
		t.Fatalf("served by = %q", ae.ServedBy)
	}
}

func TestBridgeNoPrimaryConfigured(t *testing.T) {
	secondary := &scriptedBackend{txHash: "0xsecondary"}
	events := &fallbackRecorder{}
	bridge := NewBridge(nil, secondary, NewBreakerRegistry(BreakerConfig{}, nil, nil), WithEvents(events))

	result, err := bridge.Execute(context.Background(), bridgeProposal())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ServedBy != ServedBySecondary {
		t.Fatalf("result = %+v", result)
	}
	if len(events.causes) != 0 {
		t.Fatal("fallback event fired without a configured primary")
	}
}

func TestLocalBackendHashesAreUnique(t *testing.T) {
	backend := NewLocalBackend()
	req := Request{From: "agent-1", To: "0xabc", Amount: decimal.NewFromInt(1), Token: "USDC", ChainID: 1}
	a, err := backend.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	b, err := backend.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(a, "0x") || len(a) != 66 {
		t.Fatalf("hash shape %q", a)
	}
	if a == b {
		t.Fatal("identical requests produced identical hashes")
	}
}

func TestLocalBackendHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	if _, err := NewLocalBackend().Execute(ctx, Request{}); err == nil {
		t.Fatal("cancelled context accepted")
	}
}
