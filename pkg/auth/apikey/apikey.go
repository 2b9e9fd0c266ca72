// Package apikey authenticates callers by static API keys, sent either as
// a bearer token or in the X-API-Key header. Only SHA-256 digests of the
// keys are kept in memory.
package apikey

import (
	"context"
	"crypto/sha256"
	"net/http"
	"strings"

	"github.com/rhuss/chatgate/pkg/auth"
)

// HeaderName is the alternative header carrying an API key.
const HeaderName = "X-API-Key"

// RawKeyEntry binds a plaintext key to the identity it authenticates.
type RawKeyEntry struct {
	Key      string
	Identity auth.Identity
}

// Authenticator looks keys up by digest.
type Authenticator struct {
	keys map[[sha256.Size]byte]auth.Identity
}

// New hashes the configured keys. Empty keys are ignored.
func New(entries []RawKeyEntry) *Authenticator {
	a := &Authenticator{keys: make(map[[sha256.Size]byte]auth.Identity, len(entries))}
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		a.keys[sha256.Sum256([]byte(e.Key))] = e.Identity
	}
	return a
}

// Authenticate abstains when the request carries no key, so a JWT or
// default voter later in the chain can decide. A key that is present but
// unknown is rejected.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	key, ok := credential(r)
	if !ok {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	if key == "" {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	id, found := a.keys[sha256.Sum256([]byte(key))]
	if !found {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}
	return auth.AuthResult{Decision: auth.Yes, Identity: id.Clone()}
}

func credential(r *http.Request) (string, bool) {
	if token, ok := auth.BearerToken(r); ok {
		return token, true
	}
	if v, ok := r.Header[http.CanonicalHeaderKey(HeaderName)]; ok && len(v) > 0 {
		return strings.TrimSpace(v[0]), true
	}
	return "", false
}
