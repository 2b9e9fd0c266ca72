package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned for an unknown, expired or foreign trace id.
	ErrNotFound = errors.New("result not found")

	// ErrConflict is returned when saving under a trace id that already
	// has a live result.
	ErrConflict = errors.New("trace id already has a result")
)

type tenantCtx struct{}

// SetTenant scopes ctx to a tenant. Saves record it as the owner and
// lookups only see results with that owner.
func SetTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantCtx{}, tenant)
}

// Tenant returns the tenant of ctx, or "" for an unscoped context.
func Tenant(ctx context.Context) string {
	t, _ := ctx.Value(tenantCtx{}).(string)
	return t
}

// Unscoped returns ctx with the tenant cleared, for checks that must see
// every owner's results.
func Unscoped(ctx context.Context) context.Context {
	return SetTenant(ctx, "")
}

// Visible reports whether ctx may read a result owned by owner. An
// unscoped context reads everything.
func Visible(ctx context.Context, owner string) bool {
	t := Tenant(ctx)
	return t == "" || t == owner
}
