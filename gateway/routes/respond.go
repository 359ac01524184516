package routes

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"agentpay/aperr"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Code           string   `json:"code"`
	Message        string   `json:"message"`
	Violations     []string `json:"violations,omitempty"`
	Remaining      string   `json:"remaining,omitempty"`
	CurrentState   string   `json:"current_state,omitempty"`
	ExpectedStates []string `json:"expected_states,omitempty"`
	ServedBy       string   `json:"served_by,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			slog.Warn("response encode failed", "error", err)
		}
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Capacity maps to
// 402 in the x402 fashion; transient conditions carry a Retry-After hint.
func writeError(w http.ResponseWriter, err error) {
	ae, ok := aperr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": errorBody{Code: string(aperr.CodeFatal), Message: "internal error"},
		})
		return
	}
	status := http.StatusInternalServerError
	switch ae.Code {
	case aperr.CodeValidation:
		status = http.StatusBadRequest
	case aperr.CodeAuthorization:
		status = http.StatusForbidden
	case aperr.CodeNotFound:
		status = http.StatusNotFound
	case aperr.CodeState:
		status = http.StatusConflict
	case aperr.CodePolicy:
		status = http.StatusUnprocessableEntity
	case aperr.CodeCapacity:
		status = http.StatusPaymentRequired
	case aperr.CodeUpstream:
		status = http.StatusBadGateway
	case aperr.CodeTransient:
		status = http.StatusServiceUnavailable
		if ae.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(ae.RetryAfter.Seconds())))
		}
	}
	writeJSON(w, status, map[string]any{"error": errorBody{
		Code:           string(ae.Code),
		Message:        ae.Message,
		Violations:     ae.Violations,
		Remaining:      ae.Remaining,
		CurrentState:   ae.CurrentState,
		ExpectedStates: ae.ExpectedStates,
		ServedBy:       ae.ServedBy,
	}})
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return aperr.Validationf("malformed request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
