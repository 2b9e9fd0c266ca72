package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rhuss/chatgate/pkg/api"
)

func TestWriteAPIError(t *testing.T) {
	tests := []struct {
		name   string
		err    *api.APIError
		status int
	}{
		{"validation", api.NewInvalidRequestError("messages", "is required"), http.StatusBadRequest},
		{"missing result", api.NewNotFoundError("gone"), http.StatusNotFound},
		{"duplicate trace", api.NewConflictError("trace_id", "busy"), http.StatusConflict},
		{"pinned status", api.NewInvalidRequestError("body", "too large").WithStatus(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge},
		{"unknown type", &api.APIError{Type: "mystery", Message: "?"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteAPIError(rec, tt.err)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var resp api.ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error == nil || resp.Error.Type != tt.err.Type || resp.Error.Param != tt.err.Param {
				t.Errorf("body error = %+v, want %+v", resp.Error, tt.err)
			}
		})
	}
}
