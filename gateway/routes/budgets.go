package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"agentpay/aperr"
	"agentpay/budget"
	"agentpay/gateway/middleware"
)

type createBudgetRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Token   string          `json:"token"`
	ChainID *int64          `json:"chain_id"`
	Period  budget.Period   `json:"period"`
}

func (h *handlers) createBudget(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	agentID := chi.URLParam(r, "id")
	// Ownership gate before touching the ledger.
	if _, err := h.Registry.Get(r.Context(), agentID, owner); err != nil {
		writeError(w, err)
		return
	}
	var req createBudgetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := h.Ledger.Create(r.Context(), budget.CreateInput{
		AgentID: agentID,
		Owner:   owner,
		Amount:  req.Amount,
		Token:   req.Token,
		ChainID: req.ChainID,
		Period:  req.Period,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *handlers) listBudgets(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	agentID := chi.URLParam(r, "id")
	if _, err := h.Registry.Get(r.Context(), agentID, owner); err != nil {
		writeError(w, err)
		return
	}
	budgets, err := h.Ledger.List(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": budgets})
}

func (h *handlers) budgetUtilization(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	agentID := chi.URLParam(r, "id")
	if _, err := h.Registry.Get(r.Context(), agentID, owner); err != nil {
		writeError(w, err)
		return
	}
	utilization, err := h.Ledger.Utilization(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"utilization": utilization})
}

type updateBudgetRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *handlers) updateBudget(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	var req updateBudgetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := h.Ledger.UpdateAmount(r.Context(), chi.URLParam(r, "id"), owner, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *handlers) deleteBudget(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	if err := h.Ledger.Delete(r.Context(), chi.URLParam(r, "id"), owner); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *handlers) agentBudgets(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		writeError(w, aperr.Authorizationf("agent principal missing"))
		return
	}
	budgets, err := h.Ledger.List(r.Context(), agent.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": budgets})
}
