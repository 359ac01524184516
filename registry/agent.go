// Package registry manages agent identities: creation, hashed API keys,
// webhook secrets, and the active/paused/deactivated status lifecycle.
package registry

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status describes whether an agent may act.
type Status string

// Agent statuses. Deactivation is a soft delete; the key lookup is
// invalidated but the record survives for audit.
const (
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusDeactivated Status = "deactivated"
)

// AutoExecuteRules are per-agent guardrails for unattended execution.
// Every field is optional; absence means no constraint on that dimension.
type AutoExecuteRules struct {
	MaxSingleAmount   *decimal.Decimal `json:"max_single_amount,omitempty"`
	MaxDailyAmount    *decimal.Decimal `json:"max_daily_amount,omitempty"`
	AllowedTokens     []string         `json:"allowed_tokens,omitempty"`
	AllowedRecipients []string         `json:"allowed_recipients,omitempty"`
	AllowedChains     []int64          `json:"allowed_chains,omitempty"`
}

// TokenAllowed reports membership in the token whitelist, case-insensitively.
// An empty whitelist allows everything.
func (r *AutoExecuteRules) TokenAllowed(token string) bool {
	if r == nil || len(r.AllowedTokens) == 0 {
		return true
	}
	for _, t := range r.AllowedTokens {
		if strings.EqualFold(t, token) {
			return true
		}
	}
	return false
}

// RecipientAllowed reports membership in the recipient whitelist,
// case-insensitively. An empty whitelist allows everything.
func (r *AutoExecuteRules) RecipientAllowed(recipient string) bool {
	if r == nil || len(r.AllowedRecipients) == 0 {
		return true
	}
	for _, a := range r.AllowedRecipients {
		if strings.EqualFold(a, recipient) {
			return true
		}
	}
	return false
}

// ChainAllowed reports membership in the chain whitelist. An empty
// whitelist allows everything.
func (r *AutoExecuteRules) ChainAllowed(chainID int64) bool {
	if r == nil || len(r.AllowedChains) == 0 {
		return true
	}
	for _, c := range r.AllowedChains {
		if c == chainID {
			return true
		}
	}
	return false
}

// Agent is a non-human principal authorized to submit payment proposals on
// behalf of an owner. The API key is stored hash-only; the cleartext is
// returned exactly once at creation or rotation.
type Agent struct {
	ID                 string            `json:"id"`
	Owner              string            `json:"owner"`
	Name               string            `json:"name"`
	Status             Status            `json:"status"`
	APIKeyHash         string            `json:"-"`
	APIKeyPrefix       string            `json:"api_key_prefix"`
	WebhookURL         string            `json:"webhook_url,omitempty"`
	WebhookSecret      string            `json:"-"`
	WebhookSecretHash  string            `json:"-"`
	AutoExecuteEnabled bool              `json:"auto_execute_enabled"`
	AutoExecuteRules   *AutoExecuteRules `json:"auto_execute_rules,omitempty"`
	RateLimitPerMinute int               `json:"rate_limit_per_minute"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	LastActiveAt       time.Time         `json:"last_active_at,omitempty"`
}

// CreateInput carries the owner-supplied fields for a new agent.
type CreateInput struct {
	Owner              string
	Name               string
	WebhookURL         string
	AutoExecuteEnabled bool
	AutoExecuteRules   *AutoExecuteRules
	RateLimitPerMinute int
}

// UpdateInput carries mutable agent fields. Nil pointers leave the field
// unchanged; RulesSet distinguishes clearing rules from leaving them alone.
type UpdateInput struct {
	Name               *string
	WebhookURL         *string
	AutoExecuteEnabled *bool
	AutoExecuteRules   *AutoExecuteRules
	RulesSet           bool
	RateLimitPerMinute *int
}
