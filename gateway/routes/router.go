// Package routes wires the REST surface of the control plane: agent-facing
// proposal submission and owner-facing management endpoints.
package routes

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"agentpay/audit"
	"agentpay/budget"
	"agentpay/execution"
	"agentpay/gateway/middleware"
	"agentpay/notify"
	"agentpay/observability"
	"agentpay/orchestrator"
	"agentpay/proposal"
	"agentpay/registry"
	"agentpay/webhook"
)

// Deps carries everything the handlers need.
type Deps struct {
	Registry     *registry.Registry
	Ledger       *budget.Ledger
	Machine      *proposal.Machine
	Orchestrator *orchestrator.Orchestrator
	Pipeline     *webhook.Pipeline
	Recorder     *audit.Recorder
	Breakers     *execution.BreakerRegistry
	JWTSecret    string
	// Push carries the web-push keys; only the public half is served.
	Push   notify.VAPIDConfig
	Logger *slog.Logger
}

type handlers struct {
	Deps
}

// New builds the router.
func New(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handlers{Deps: deps}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	limiter := middleware.NewRateLimiter()
	r.Route("/v1/agent", func(r chi.Router) {
		r.Use(middleware.AgentAuth(deps.Registry))
		r.Use(limiter.Middleware)
		r.Post("/proposals", h.submitProposal)
		r.Post("/proposals/validate", h.validateProposal)
		r.Get("/proposals", h.agentProposals)
		r.Get("/proposals/{id}", h.agentProposal)
		r.Get("/budgets", h.agentBudgets)
		r.Get("/deliveries", h.agentDeliveries)
	})

	r.Route("/v1/owner", func(r chi.Router) {
		r.Use(middleware.OwnerAuth(deps.JWTSecret))
		r.Post("/agents", h.createAgent)
		r.Get("/agents", h.listAgents)
		r.Get("/agents/{id}", h.getAgent)
		r.Patch("/agents/{id}", h.updateAgent)
		r.Delete("/agents/{id}", h.deactivateAgent)
		r.Post("/agents/{id}/rotate-secret", h.rotateSecret)
		r.Post("/agents/pause-all", h.pauseAll)
		r.Post("/agents/resume-all", h.resumeAll)

		r.Post("/agents/{id}/budgets", h.createBudget)
		r.Get("/agents/{id}/budgets", h.listBudgets)
		r.Get("/agents/{id}/utilization", h.budgetUtilization)
		r.Patch("/budgets/{id}", h.updateBudget)
		r.Delete("/budgets/{id}", h.deleteBudget)

		r.Get("/proposals", h.ownerProposals)
		r.Post("/proposals/{id}/approve", h.approveProposal)
		r.Post("/proposals/{id}/reject", h.rejectProposal)

		r.Get("/activities", h.activities)
		r.Get("/analytics", h.analytics)
		r.Get("/audit", h.auditTrail)
		r.Get("/push-config", h.pushConfig)
	})

	r.Get("/v1/system/breakers", h.breakerStates)

	return r
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) breakerStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Breakers.Snapshot())
}

// pushConfig serves the subscription material the owner dashboard needs to
// register for web push. The private key never leaves the process.
func (h *handlers) pushConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"vapid_public_key": h.Push.PublicKey,
		"subject":          h.Push.Subject,
	})
}
