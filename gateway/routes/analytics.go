package routes

import (
	"net/http"

	"agentpay/audit"
	"agentpay/gateway/middleware"
)

func (h *handlers) activities(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	entries, err := h.Recorder.Activities(r.Context(), audit.ActivityFilter{
		Owner:   owner,
		AgentID: r.URL.Query().Get("agent_id"),
		Action:  r.URL.Query().Get("action"),
		Limit:   queryInt(r, "limit", 100),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": entries})
}

func (h *handlers) analytics(w http.ResponseWriter, r *http.Request) {
	owner, _ := middleware.OwnerFromContext(r.Context())
	summary, err := h.Recorder.Summarize(r.Context(), owner, queryInt(r, "limit", 1000))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) auditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Recorder.AuditTrail(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": entries})
}
