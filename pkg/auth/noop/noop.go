// Package noop admits every request as the anonymous caller.
package noop

import (
	"context"
	"net/http"
	"slices"

	"github.com/rhuss/chatgate/pkg/auth"
)

// Authenticator votes Yes for every request. Roles are granted to the
// anonymous identity, which lets development setups use role-gated tools.
type Authenticator struct {
	Roles []string
}

func (a *Authenticator) Authenticate(_ context.Context, _ *http.Request) auth.AuthResult {
	id := auth.Anonymous()
	id.Roles = slices.Clone(a.Roles)
	return auth.AuthResult{Decision: auth.Yes, Identity: id}
}
