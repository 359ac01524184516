package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agentpay/aperr"
	"agentpay/gateway/middleware"
	"agentpay/registry"
)

type createAgentRequest struct {
	Name               string                     `json:"name"`
	WebhookURL         string                     `json:"webhook_url"`
	AutoExecuteEnabled bool                       `json:"auto_execute_enabled"`
	AutoExecuteRules   *registry.AutoExecuteRules `json:"auto_execute_rules"`
	RateLimitPerMinute int                        `json:"rate_limit_per_minute"`
}

type createAgentResponse struct {
	Agent *registry.Agent `json:"agent"`
	// APIKey and WebhookSecret appear exactly once, at creation.
	APIKey        string `json:"api_key"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

func (h *handlers) createAgent(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	var req createAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.Registry.Create(r.Context(), registry.CreateInput{
		Owner:              owner,
		Name:               req.Name,
		WebhookURL:         req.WebhookURL,
		AutoExecuteEnabled: req.AutoExecuteEnabled,
		AutoExecuteRules:   req.AutoExecuteRules,
		RateLimitPerMinute: req.RateLimitPerMinute,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createAgentResponse{
		Agent:         result.Agent,
		APIKey:        result.APIKey,
		WebhookSecret: result.WebhookSecret,
	})
}

func (h *handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	agents, err := h.Registry.List(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (h *handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	agent, err := h.Registry.Get(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type updateAgentRequest struct {
	Name               *string                    `json:"name"`
	WebhookURL         *string                    `json:"webhook_url"`
	AutoExecuteEnabled *bool                      `json:"auto_execute_enabled"`
	AutoExecuteRules   *registry.AutoExecuteRules `json:"auto_execute_rules"`
	ClearRules         bool                       `json:"clear_rules"`
	RateLimitPerMinute *int                       `json:"rate_limit_per_minute"`
}

type updateAgentResponse struct {
	Agent *registry.Agent `json:"agent"`
	// WebhookSecret is present only when this update minted one (webhook
	// URL set on an agent that never had a secret); it appears exactly once.
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

func (h *handlers) updateAgent(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	var req updateAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	input := registry.UpdateInput{
		Name:               req.Name,
		WebhookURL:         req.WebhookURL,
		AutoExecuteEnabled: req.AutoExecuteEnabled,
		RateLimitPerMinute: req.RateLimitPerMinute,
	}
	if req.AutoExecuteRules != nil || req.ClearRules {
		input.AutoExecuteRules = req.AutoExecuteRules
		input.RulesSet = true
	}
	agent, secret, err := h.Registry.Update(r.Context(), chi.URLParam(r, "id"), owner, input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updateAgentResponse{Agent: agent, WebhookSecret: secret})
}

func (h *handlers) deactivateAgent(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	if err := h.Registry.Deactivate(r.Context(), chi.URLParam(r, "id"), owner); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *handlers) rotateSecret(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	agent, secret, err := h.Registry.RotateWebhookSecret(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":          agent,
		"webhook_secret": secret,
	})
}

func (h *handlers) pauseAll(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	paused, err := h.Registry.PauseAll(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"paused": paused})
}

func (h *handlers) resumeAll(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	resumed, err := h.Registry.ResumeAll(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resumed": resumed})
}

func (h *handlers) agentDeliveries(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		writeError(w, aperr.Authorizationf("agent principal missing"))
		return
	}
	deliveries, err := h.Pipeline.GetDeliveries(r.Context(), agent.ID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}
