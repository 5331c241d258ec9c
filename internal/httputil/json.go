package httputil

import (
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/modelrelay/modelrelay/internal/apierr"
)

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error *apierr.Error `json:"error"`
}

// WriteJSON serializes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("failed to encode response body", "error", err)
	}
}

// WriteError maps err onto the error envelope. Unknown error values become
// a generic 500 via apierr.From.
func WriteError(w http.ResponseWriter, err error) {
	apiErr := apierr.From(err)
	WriteJSON(w, apiErr.HTTPStatusCode(), errorEnvelope{Error: apiErr})
}
