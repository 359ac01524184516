package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentpay/aperr"
)

// Store is the persistence seam for agent records. Implementations must keep
// the key-hash lookup consistent with status updates.
type Store interface {
	InsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByKeyHash(ctx context.Context, hash string) (*Agent, error)
	ListAgents(ctx context.Context, owner string) ([]*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	CountAgents(ctx context.Context, owner string) (int, error)
	TouchAgentLastActive(ctx context.Context, id string, at time.Time) error
}

// Hooks receive best-effort notifications for agent lifecycle changes.
// Failures inside hooks must never propagate to the caller.
type Hooks interface {
	AgentPaused(ctx context.Context, agent *Agent)
	AgentResumed(ctx context.Context, agent *Agent)
}

// Registry implements the agent identity service.
type Registry struct {
	store Store
	hooks Hooks
	log   *slog.Logger
	now   func() time.Time
}

// Option customises a Registry instance.
type Option func(*Registry)

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithHooks installs lifecycle notification hooks.
func WithHooks(h Hooks) Option {
	return func(r *Registry) { r.hooks = h }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// New constructs a Registry backed by the provided store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateResult bundles the new agent with the secrets returned exactly once.
type CreateResult struct {
	Agent         *Agent
	APIKey        string
	WebhookSecret string
}

// Create registers a new agent for an owner. The returned API key cleartext
// (and webhook secret, when a webhook URL is configured) is not recoverable
// afterwards.
func (r *Registry) Create(ctx context.Context, input CreateInput) (*CreateResult, error) {
	owner := strings.TrimSpace(input.Owner)
	if owner == "" {
		return nil, aperr.Validationf("owner is required")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, aperr.Validationf("agent name is required")
	}
	if input.RateLimitPerMinute < 0 {
		return nil, aperr.Validationf("rate limit must not be negative")
	}

	apiKey, apiKeyHash, err := GenerateAPIKey()
	if err != nil {
		return nil, aperr.Fatalf("key generation failed").WithCause(err)
	}

	now := r.now().UTC()
	agent := &Agent{
		ID:                 uuid.NewString(),
		Owner:              owner,
		Name:               name,
		Status:             StatusActive,
		APIKeyHash:         apiKeyHash,
		APIKeyPrefix:       DisplayPrefix(apiKey),
		AutoExecuteEnabled: input.AutoExecuteEnabled,
		AutoExecuteRules:   input.AutoExecuteRules,
		RateLimitPerMinute: input.RateLimitPerMinute,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	result := &CreateResult{Agent: agent, APIKey: apiKey}
	if url := strings.TrimSpace(input.WebhookURL); url != "" {
		secret, secretHash, err := GenerateWebhookSecret()
		if err != nil {
			return nil, aperr.Fatalf("webhook secret generation failed").WithCause(err)
		}
		agent.WebhookURL = url
		agent.WebhookSecret = secret
		agent.WebhookSecretHash = secretHash
		result.WebhookSecret = secret
	}

	if err := r.store.InsertAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return result, nil
}

// Get returns an agent owned by owner, or an authorization error when the
// owner does not match.
func (r *Registry) Get(ctx context.Context, id, owner string) (*Agent, error) {
	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, aperr.NotFoundf("agent %s not found", id)
	}
	if agent.Owner != owner {
		return nil, aperr.Authorizationf("agent %s is not owned by caller", id)
	}
	return agent, nil
}

// List returns every agent belonging to an owner.
func (r *Registry) List(ctx context.Context, owner string) ([]*Agent, error) {
	return r.store.ListAgents(ctx, owner)
}

// Count returns the number of agents belonging to an owner.
func (r *Registry) Count(ctx context.Context, owner string) (int, error) {
	return r.store.CountAgents(ctx, owner)
}

// Update applies owner edits to an agent. Setting a webhook URL on an agent
// that never had a signing secret mints one; the cleartext is returned
// exactly once, like at creation. Agents with an existing secret keep it
// across URL changes (use RotateWebhookSecret to replace it).
func (r *Registry) Update(ctx context.Context, id, owner string, input UpdateInput) (*Agent, string, error) {
	agent, err := r.Get(ctx, id, owner)
	if err != nil {
		return nil, "", err
	}
	if agent.Status == StatusDeactivated {
		return nil, "", aperr.State("deactivated agents cannot be updated", string(agent.Status), string(StatusActive), string(StatusPaused))
	}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, "", aperr.Validationf("agent name must not be empty")
		}
		agent.Name = name
	}
	mintedSecret := ""
	if input.WebhookURL != nil {
		url := strings.TrimSpace(*input.WebhookURL)
		agent.WebhookURL = url
		if url != "" && agent.WebhookSecretHash == "" {
			secret, secretHash, err := GenerateWebhookSecret()
			if err != nil {
				return nil, "", aperr.Fatalf("webhook secret generation failed").WithCause(err)
			}
			agent.WebhookSecret = secret
			agent.WebhookSecretHash = secretHash
			mintedSecret = secret
		}
	}
	if input.AutoExecuteEnabled != nil {
		agent.AutoExecuteEnabled = *input.AutoExecuteEnabled
	}
	if input.RulesSet {
		agent.AutoExecuteRules = input.AutoExecuteRules
	}
	if input.RateLimitPerMinute != nil {
		if *input.RateLimitPerMinute < 0 {
			return nil, "", aperr.Validationf("rate limit must not be negative")
		}
		agent.RateLimitPerMinute = *input.RateLimitPerMinute
	}
	agent.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateAgent(ctx, agent); err != nil {
		return nil, "", fmt.Errorf("update agent: %w", err)
	}
	return agent, mintedSecret, nil
}

// RotateWebhookSecret issues a fresh signing secret, returned once.
func (r *Registry) RotateWebhookSecret(ctx context.Context, id, owner string) (*Agent, string, error) {
	agent, err := r.Get(ctx, id, owner)
	if err != nil {
		return nil, "", err
	}
	if agent.WebhookURL == "" {
		return nil, "", aperr.Validationf("agent has no webhook URL configured")
	}
	secret, secretHash, err := GenerateWebhookSecret()
	if err != nil {
		return nil, "", aperr.Fatalf("webhook secret generation failed").WithCause(err)
	}
	agent.WebhookSecret = secret
	agent.WebhookSecretHash = secretHash
	agent.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateAgent(ctx, agent); err != nil {
		return nil, "", fmt.Errorf("update agent: %w", err)
	}
	return agent, secret, nil
}

// Deactivate soft-deletes an agent. The key-hash lookup is invalidated with
// the same write that flips the status.
func (r *Registry) Deactivate(ctx context.Context, id, owner string) error {
	agent, err := r.Get(ctx, id, owner)
	if err != nil {
		return err
	}
	if agent.Status == StatusDeactivated {
		return nil
	}
	agent.Status = StatusDeactivated
	agent.AutoExecuteEnabled = false
	agent.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateAgent(ctx, agent); err != nil {
		return fmt.Errorf("deactivate agent: %w", err)
	}
	return nil
}

// ValidateAPIKey authenticates a presented cleartext key. Paused and
// deactivated agents are rejected with the blocking reason.
func (r *Registry) ValidateAPIKey(ctx context.Context, cleartext string) (*Agent, error) {
	if !HasAPIKeyShape(cleartext) {
		return nil, aperr.Authorizationf("malformed API key")
	}
	agent, err := r.store.GetAgentByKeyHash(ctx, HashKey(cleartext))
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, aperr.Authorizationf("unknown API key")
	}
	switch agent.Status {
	case StatusDeactivated:
		return nil, aperr.Authorizationf("agent is deactivated")
	case StatusPaused:
		return nil, aperr.Authorizationf("paused")
	}
	return agent, nil
}

// TouchLastActive records agent activity without blocking the request path.
// The write happens on a detached context; failures are logged only.
func (r *Registry) TouchLastActive(id string) {
	at := r.now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.TouchAgentLastActive(ctx, id, at); err != nil {
			r.log.Warn("touch last active failed", "agent_id", id, "error", err)
		}
	}()
}

// PauseAll transitions every active agent of an owner to paused and disables
// auto-execute. Returns the number of agents paused.
func (r *Registry) PauseAll(ctx context.Context, owner string) (int, error) {
	agents, err := r.store.ListAgents(ctx, owner)
	if err != nil {
		return 0, err
	}
	paused := 0
	now := r.now().UTC()
	for _, agent := range agents {
		if agent.Status != StatusActive {
			continue
		}
		agent.Status = StatusPaused
		agent.AutoExecuteEnabled = false
		agent.UpdatedAt = now
		if err := r.store.UpdateAgent(ctx, agent); err != nil {
			return paused, fmt.Errorf("pause agent %s: %w", agent.ID, err)
		}
		paused++
		if r.hooks != nil {
			r.hooks.AgentPaused(ctx, agent)
		}
	}
	return paused, nil
}

// ResumeAll transitions paused agents back to active. Auto-execute stays
// disabled; the owner must opt back in per agent.
func (r *Registry) ResumeAll(ctx context.Context, owner string) (int, error) {
	agents, err := r.store.ListAgents(ctx, owner)
	if err != nil {
		return 0, err
	}
	resumed := 0
	now := r.now().UTC()
	for _, agent := range agents {
		if agent.Status != StatusPaused {
			continue
		}
		agent.Status = StatusActive
		agent.UpdatedAt = now
		if err := r.store.UpdateAgent(ctx, agent); err != nil {
			return resumed, fmt.Errorf("resume agent %s: %w", agent.ID, err)
		}
		resumed++
		if r.hooks != nil {
			r.hooks.AgentResumed(ctx, agent)
		}
	}
	return resumed, nil
}
