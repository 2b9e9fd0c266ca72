// Package jwt authenticates callers by OIDC access tokens verified against
// the issuer's JWKS. Subject, tenant, scopes and roles are read from
// configurable claims; dotted claim names address nested objects, as in
// Keycloak's "realm_access.roles".
package jwt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rhuss/chatgate/pkg/auth"
)

// Config configures the authenticator. Issuer and Audience are checked
// only when set.
type Config struct {
	Issuer   string
	Audience string
	JWKSURL  string

	// Claim names. Defaults: sub, tenant_id, scope, roles.
	UserClaim   string
	TenantClaim string
	ScopesClaim string
	RolesClaim  string

	// CacheTTL bounds how long fetched keys are trusted. Default 1h.
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

var signingMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// Authenticator verifies bearer JWTs.
type Authenticator struct {
	cfg    Config
	keys   *keySet
	parser *jwtlib.Parser
}

// New creates an authenticator. Keys are fetched lazily on first use.
func New(cfg Config) *Authenticator {
	if cfg.UserClaim == "" {
		cfg.UserClaim = "sub"
	}
	if cfg.TenantClaim == "" {
		cfg.TenantClaim = "tenant_id"
	}
	if cfg.ScopesClaim == "" {
		cfg.ScopesClaim = "scope"
	}
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "roles"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods(signingMethods),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(cfg.Audience))
	}

	return &Authenticator{
		cfg:    cfg,
		keys:   newKeySet(cfg.JWKSURL, cfg.HTTPClient, cfg.CacheTTL),
		parser: jwtlib.NewParser(opts...),
	}
}

// Authenticate abstains unless the request carries a bearer token shaped
// like a JWT, so opaque API keys can be handled by another authenticator
// in the chain. A JWT that fails verification is rejected.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) auth.AuthResult {
	raw, ok := auth.BearerToken(r)
	if !ok || strings.Count(raw, ".") != 2 {
		return auth.AuthResult{Decision: auth.Abstain}
	}

	claims := jwtlib.MapClaims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(t *jwtlib.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return a.keys.lookup(ctx, kid)
	})
	if err != nil {
		slog.Debug("rejecting JWT", "error", err)
		return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("%w: %w", auth.ErrUnauthenticated, err)}
	}

	subject, _ := lookupClaim(claims, a.cfg.UserClaim).(string)
	if subject == "" {
		return auth.AuthResult{
			Decision: auth.No,
			Err:      fmt.Errorf("%w: token has no %q claim", auth.ErrUnauthenticated, a.cfg.UserClaim),
		}
	}
	tenant, _ := lookupClaim(claims, a.cfg.TenantClaim).(string)

	return auth.AuthResult{
		Decision: auth.Yes,
		Identity: &auth.Identity{
			Subject: subject,
			Tenant:  tenant,
			Scopes:  stringList(lookupClaim(claims, a.cfg.ScopesClaim)),
			Roles:   stringList(lookupClaim(claims, a.cfg.RolesClaim)),
		},
	}
}

// lookupClaim resolves a dotted path through nested claim objects. An
// exact top-level match wins over the path interpretation.
func lookupClaim(claims map[string]any, path string) any {
	if v, ok := claims[path]; ok {
		return v
	}
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = obj[part]; !ok {
			return nil
		}
	}
	return cur
}

// stringList accepts a space-separated string or an array of strings.
func stringList(v any) []string {
	switch v := v.(type) {
	case string:
		if f := strings.Fields(v); len(f) > 0 {
			return f
		}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
