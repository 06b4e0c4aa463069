package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the JSON error envelope every API endpoint returns. Error
// carries a stable machine-readable code (e.g. "expired"), Message the human
// text, and Details optional structured context such as the offending code.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; nothing to do but log.
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// WriteError writes an ErrorResponse with the given status code.
func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := ErrorResponse{
		Error:   code,
		Message: message,
		Details: details,
	}
	WriteJSON(w, status, resp)
}
