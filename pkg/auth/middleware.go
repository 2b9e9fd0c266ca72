package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/rhuss/chatgate/pkg/api"
	"github.com/rhuss/chatgate/pkg/observability"
	"github.com/rhuss/chatgate/pkg/storage"
)

// DefaultBypass lists the probe endpoints served without credentials.
var DefaultBypass = []string{"/healthz", "/readyz", "/metrics"}

// Middleware authenticates every request whose path is not in bypass,
// enforces limiter when it is non-nil, and stores the identity and its
// result scope in the request context.
func Middleware(chain *AuthChain, limiter RateLimiter, bypass []string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(bypass))
	for _, p := range bypass {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			res := chain.Authenticate(r.Context(), r)
			if res.Decision != Yes || res.Identity == nil {
				slog.Warn("authentication failed", "path", r.URL.Path, "remote_addr", r.RemoteAddr, "error", res.Err)
				writeError(w, api.NewUnauthorizedError("authentication required"))
				return
			}
			id := res.Identity
			if id.Subject == "" {
				slog.Error("authenticator returned an identity without subject", "path", r.URL.Path)
				writeError(w, api.NewServerError("internal authentication error"))
				return
			}

			if limiter != nil {
				if err := limiter.Allow(r.Context(), id); err != nil {
					rejectLimited(w, id, err)
					return
				}
			}

			ctx := SetIdentity(r.Context(), id)
			ctx = storage.SetTenant(ctx, id.Owner())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func rejectLimited(w http.ResponseWriter, id *Identity, err error) {
	slog.Warn("rate limit exceeded", "subject", id.Subject, "tier", id.ServiceTier)
	observability.RateLimitRejectedTotal.WithLabelValues(id.ServiceTier).Inc()

	var rle *RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rle.RetryAfter.Seconds()))))
	}
	writeError(w, api.NewTooManyRequestsError("rate limit exceeded"))
}

// writeError mirrors transport.WriteAPIError, which this package cannot
// import.
func writeError(w http.ResponseWriter, apiErr *api.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus())
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}
