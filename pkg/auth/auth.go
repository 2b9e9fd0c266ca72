package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
)

// AuthDecision is the vote of one authenticator. The zero value abstains.
type AuthDecision int

const (
	// Abstain means the authenticator does not recognize the credentials
	// and the chain moves on.
	Abstain AuthDecision = iota

	// Yes accepts the request with the returned identity.
	Yes

	// No rejects the request.
	No
)

// AuthResult carries the outcome of an authentication attempt. Identity is
// set only for Yes, Err only for No.
type AuthResult struct {
	Decision AuthDecision
	Identity *Identity
	Err      error
}

// Identity is an authenticated caller.
type Identity struct {
	Subject     string
	ServiceTier string
	Scopes      []string

	// Roles gate tools: a tool with required roles is offered to and run
	// for callers holding at least one of them.
	Roles []string

	// Tenant groups callers that share A/B results. Empty means the
	// caller owns its results alone.
	Tenant string
}

// Owner returns the key that scopes the caller's A/B results: the tenant
// when set, otherwise the subject.
func (id *Identity) Owner() string {
	if id == nil {
		return ""
	}
	if id.Tenant != "" {
		return id.Tenant
	}
	return id.Subject
}

// Clone returns a copy that shares no slices with id.
func (id *Identity) Clone() *Identity {
	c := *id
	c.Scopes = slices.Clone(id.Scopes)
	c.Roles = slices.Clone(id.Roles)
	return &c
}

// Anonymous returns the identity used when authentication is not required.
func Anonymous() *Identity {
	return &Identity{Subject: "anonymous", ServiceTier: "default"}
}

// Authenticator votes on the credentials of a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) AuthResult
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// AuthChain asks each authenticator in turn and stops at the first Yes or
// No. When every authenticator abstains, DefaultDecision applies: Yes admits
// the caller as Anonymous, anything else rejects.
type AuthChain struct {
	Authenticators  []Authenticator
	DefaultDecision AuthDecision
}

// Authenticate runs the chain.
func (c *AuthChain) Authenticate(ctx context.Context, r *http.Request) AuthResult {
	for _, a := range c.Authenticators {
		if res := a.Authenticate(ctx, r); res.Decision != Abstain {
			return res
		}
	}
	if c.DefaultDecision == Yes {
		return AuthResult{Decision: Yes, Identity: Anonymous()}
	}
	return AuthResult{Decision: No, Err: ErrUnauthenticated}
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
// ok is false when the header is missing or uses another scheme; an empty
// token with ok true is a malformed header.
func BearerToken(r *http.Request) (token string, ok bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}
