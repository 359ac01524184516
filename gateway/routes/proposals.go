package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"agentpay/aperr"
	"agentpay/gateway/middleware"
	"agentpay/proposal"
)

type submitProposalRequest struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Token     string          `json:"token"`
	ChainID   int64           `json:"chain_id"`
	Reason    string          `json:"reason"`
}

func (h *handlers) submitProposal(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		writeError(w, aperr.Authorizationf("agent principal missing"))
		return
	}
	var req submitProposalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.Orchestrator.ProcessNew(r.Context(), proposal.Input{
		AgentID:   agent.ID,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Token:     req.Token,
		ChainID:   req.ChainID,
		Reason:    req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *handlers) validateProposal(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		writeError(w, aperr.Authorizationf("agent principal missing"))
		return
	}
	var req submitProposalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	check, err := h.Orchestrator.Validate(r.Context(), proposal.Input{
		AgentID:   agent.ID,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Token:     req.Token,
		ChainID:   req.ChainID,
		Reason:    req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *handlers) agentProposals(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		writeError(w, aperr.Authorizationf("agent principal missing"))
		return
	}
	proposals, err := h.Machine.List(r.Context(), proposal.Filter{
		AgentID: agent.ID,
		Status:  proposal.Status(r.URL.Query().Get("status")),
		Limit:   queryInt(r, "limit", 50),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
}

func (h *handlers) agentProposal(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		writeError(w, aperr.Authorizationf("agent principal missing"))
		return
	}
	p, err := h.Machine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if p.AgentID != agent.ID {
		writeError(w, aperr.NotFoundf("proposal %s not found", p.ID))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) ownerProposals(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	proposals, err := h.Machine.List(r.Context(), proposal.Filter{
		Owner:   owner,
		AgentID: r.URL.Query().Get("agent_id"),
		Status:  proposal.Status(r.URL.Query().Get("status")),
		Limit:   queryInt(r, "limit", 50),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
}

func (h *handlers) approveProposal(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	result, err := h.Orchestrator.ApproveAndExecute(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type rejectProposalRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) rejectProposal(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	var req rejectProposalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.Orchestrator.Reject(r.Context(), chi.URLParam(r, "id"), owner, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
