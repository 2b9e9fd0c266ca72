package auth

import "context"

type identityKey struct{}

// SetIdentity stores the authenticated identity in the context.
func SetIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by SetIdentity, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// RolesFromContext returns the roles of the caller, or nil when the
// request is unauthenticated.
func RolesFromContext(ctx context.Context) []string {
	if id := IdentityFromContext(ctx); id != nil {
		return id.Roles
	}
	return nil
}
