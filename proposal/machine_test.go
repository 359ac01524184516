package proposal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"agentpay/aperr"
)

type fakeStore struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
}

func newFakeStore() *fakeStore {
	return &fakeStore{proposals: make(map[string]*Proposal)}
}

func (s *fakeStore) InsertProposal(ctx context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *p
	s.proposals[p.ID] = &clone
	return nil
}

func (s *fakeStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

func (s *fakeStore) ListProposals(ctx context.Context, filter Filter) ([]*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Proposal
	for _, p := range s.proposals {
		if filter.AgentID != "" && p.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		clone := *p
		out = append(out, &clone)
	}
	return out, nil
}

func (s *fakeStore) UpdateProposalStatus(ctx context.Context, p *Proposal, from Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.proposals[p.ID]
	if !ok || stored.Status != from {
		return ErrStaleStatus
	}
	clone := *p
	s.proposals[p.ID] = &clone
	return nil
}

func (s *fakeStore) SumExecutedSince(ctx context.Context, agentID string, since time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	for _, p := range s.proposals {
		if p.AgentID == agentID && p.Status == StatusExecuted && p.DecidedAt != nil && !p.DecidedAt.Before(since) {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

type recordedEvents struct {
	created     int
	transitions []string
}

func (e *recordedEvents) ProposalCreated(ctx context.Context, p *Proposal) { e.created++ }

func (e *recordedEvents) ProposalTransitioned(ctx context.Context, p *Proposal, from Status, actor Actor) {
	e.transitions = append(e.transitions, string(from)+">"+string(p.Status))
}

func validInput() Input {
	return Input{
		AgentID:   "agent-1",
		Owner:     "owner-1",
		Recipient: "0xabc",
		Amount:    decimal.NewFromInt(25),
		Token:     "usdc",
		ChainID:   8453,
		Reason:    "server invoice",
	}
}

func TestCreateNormalizesAndAnnounces(t *testing.T) {
	events := &recordedEvents{}
	machine := NewMachine(newFakeStore(), WithEvents(events))
	p, err := machine.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Status != StatusPending {
		t.Fatalf("new proposal status = %s", p.Status)
	}
	if p.Token != "USDC" {
		t.Fatalf("token = %q, want USDC", p.Token)
	}
	if events.created != 1 {
		t.Fatalf("created event fired %d times", events.created)
	}
}

func TestCreateValidation(t *testing.T) {
	machine := NewMachine(newFakeStore())
	cases := []struct {
		name   string
		mutate func(*Input)
	}{
		{"missing agent", func(in *Input) { in.AgentID = "" }},
		{"missing recipient", func(in *Input) { in.Recipient = "" }},
		{"missing token", func(in *Input) { in.Token = "" }},
		{"zero amount", func(in *Input) { in.Amount = decimal.Zero }},
		{"negative amount", func(in *Input) { in.Amount = decimal.NewFromInt(-5) }},
		{"zero chain", func(in *Input) { in.ChainID = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mutate(&in)
			if _, err := machine.Create(context.Background(), in); aperr.CodeOf(err) != aperr.CodeValidation {
				t.Fatalf("want validation error, got %v", err)
			}
		})
	}
}

func TestHappyPathTransitions(t *testing.T) {
	events := &recordedEvents{}
	machine := NewMachine(newFakeStore(), WithEvents(events))
	p, err := machine.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	p, err = machine.Approve(context.Background(), p.ID, ActorSystem, "budget-1")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if p.BudgetID != "budget-1" || p.DecidedAt == nil {
		t.Fatalf("approve did not bind budget/decision time: %+v", p)
	}

	if p, err = machine.MarkExecuting(context.Background(), p.ID, ActorSystem); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if p, err = machine.MarkExecuted(context.Background(), p.ID, ActorSystem, "0xhash"); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}
	if p.TxHash != "0xhash" || p.ExecutedAt == nil {
		t.Fatalf("executed proposal missing tx hash/time: %+v", p)
	}

	want := []string{"pending>approved", "approved>executing", "executing>executed"}
	if len(events.transitions) != len(want) {
		t.Fatalf("transitions = %v", events.transitions)
	}
	for i, edge := range want {
		if events.transitions[i] != edge {
			t.Fatalf("transition %d = %s, want %s", i, events.transitions[i], edge)
		}
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	machine := NewMachine(newFakeStore())
	p, err := machine.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// pending → executing skips approval.
	if _, err := machine.MarkExecuting(context.Background(), p.ID, ActorSystem); aperr.CodeOf(err) != aperr.CodeState {
		t.Fatalf("pending→executing: want state error, got %v", err)
	}
	// pending → executed skips everything.
	if _, err := machine.MarkExecuted(context.Background(), p.ID, ActorSystem, "0xhash"); aperr.CodeOf(err) != aperr.CodeState {
		t.Fatalf("pending→executed: want state error, got %v", err)
	}

	if _, err := machine.Reject(context.Background(), p.ID, ActorOwner, "no"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	// Terminal records are immutable.
	if _, err := machine.Approve(context.Background(), p.ID, ActorOwner, ""); aperr.CodeOf(err) != aperr.CodeState {
		t.Fatalf("rejected→approved: want state error, got %v", err)
	}
}

func TestCompensationEdgeApprovedToRejected(t *testing.T) {
	machine := NewMachine(newFakeStore())
	p, err := machine.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := machine.Approve(context.Background(), p.ID, ActorSystem, "budget-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	rejected, err := machine.Reject(context.Background(), p.ID, ActorSystem, "budget deduction failed")
	if err != nil {
		t.Fatalf("Reject after approve: %v", err)
	}
	if rejected.Status != StatusRejected || rejected.ErrorMessage != "budget deduction failed" {
		t.Fatalf("compensated proposal: %+v", rejected)
	}
}

func TestConcurrentApproveSingleWinner(t *testing.T) {
	machine := NewMachine(newFakeStore())
	p, err := machine.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = machine.Approve(context.Background(), p.ID, ActorOwner, "")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		if aperr.CodeOf(err) != aperr.CodeState {
			t.Fatalf("loser got %v, want state error", err)
		}
	}
	if winners != 1 {
		t.Fatalf("%d transitions won, want exactly 1", winners)
	}
}

func TestMarkExecutedRequiresTxHash(t *testing.T) {
	machine := NewMachine(newFakeStore())
	p, err := machine.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := machine.Approve(context.Background(), p.ID, ActorSystem, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := machine.MarkExecuting(context.Background(), p.ID, ActorSystem); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if _, err := machine.MarkExecuted(context.Background(), p.ID, ActorSystem, "  "); aperr.CodeOf(err) != aperr.CodeValidation {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []Status{StatusRejected, StatusExecuted, StatusFailed} {
		if !Terminal(s) {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusApproved, StatusExecuting} {
		if Terminal(s) {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
