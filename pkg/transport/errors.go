package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rhuss/chatgate/pkg/api"
)

// WriteAPIError writes apiErr as a JSON error envelope with the status the
// error carries. It must only be used before any stream event is sent.
func WriteAPIError(w http.ResponseWriter, apiErr *api.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(apiErr.HTTPStatus())
	if err := json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr}); err != nil {
		slog.Debug("writing error response", "error", err)
	}
}
