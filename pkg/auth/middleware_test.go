package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/storage"
)

// echo reports the identity and tenant the middleware stored.
func echo() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := ""
		if id := IdentityFromContext(r.Context()); id != nil {
			subject = id.Subject
		}
		w.Header().Set("X-Subject", subject)
		w.Header().Set("X-Tenant", storage.Tenant(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *api.APIError {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error
}

func TestMiddlewareBypass(t *testing.T) {
	h := Middleware(&AuthChain{DefaultDecision: No}, nil, DefaultBypass)(echo())
	for _, path := range DefaultBypass {
		if rec := serve(h, path); rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestMiddlewareRejects(t *testing.T) {
	tests := []struct {
		name   string
		chain  *AuthChain
		status int
		typ    api.ErrorType
	}{
		{"no credentials", &AuthChain{DefaultDecision: No}, http.StatusUnauthorized, api.ErrorTypeUnauthorized},
		{"bad credentials", &AuthChain{Authenticators: []Authenticator{no()}, DefaultDecision: Yes}, http.StatusUnauthorized, api.ErrorTypeUnauthorized},
		{"identity without subject", &AuthChain{Authenticators: []Authenticator{yes("")}}, http.StatusInternalServerError, api.ErrorTypeServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(Middleware(tt.chain, nil, DefaultBypass)(echo()), "/v1/chat/stream")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if e := decodeError(t, rec); e.Type != tt.typ {
				t.Errorf("error type = %q, want %q", e.Type, tt.typ)
			}
		})
	}
}

func TestMiddlewareScopesTenant(t *testing.T) {
	tests := []struct {
		name       string
		identity   *Identity
		wantTenant string
	}{
		{"tenant wins", &Identity{Subject: "alice", Tenant: "org-1"}, "org-1"},
		{"subject fallback", &Identity{Subject: "bob"}, "bob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := &AuthChain{Authenticators: []Authenticator{&vote{res: AuthResult{Decision: Yes, Identity: tt.identity}}}}
			rec := serve(Middleware(chain, nil, nil)(echo()), "/v1/chat/stream")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := rec.Header().Get("X-Subject"); got != tt.identity.Subject {
				t.Errorf("subject = %q", got)
			}
			if got := rec.Header().Get("X-Tenant"); got != tt.wantTenant {
				t.Errorf("tenant = %q, want %q", got, tt.wantTenant)
			}
		})
	}
}

func TestMiddlewareRateLimit(t *testing.T) {
	chain := &AuthChain{Authenticators: []Authenticator{yes("alice")}}
	limiter := NewInProcessLimiter(nil, 2)
	h := Middleware(chain, limiter, DefaultBypass)(echo())

	for i := range 2 {
		if rec := serve(h, "/v1/chat/stream"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}

	rec := serve(h, "/v1/chat/stream")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if secs, err := strconv.Atoi(rec.Header().Get("Retry-After")); err != nil || secs < 1 {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if e := decodeError(t, rec); e.Type != api.ErrorTypeTooManyRequests {
		t.Errorf("error type = %q", e.Type)
	}

	// Probes are never limited.
	if rec := serve(h, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz: status = %d", rec.Code)
	}
}
