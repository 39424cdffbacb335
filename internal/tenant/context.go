// Package tenant carries the current tenant id through a context.Context, the
// one piece of the teacher's tenant-resolution middleware that survives once
// the HTTP surface it served is gone.
package tenant

import "context"

type ctxKey struct{}

// WithContext returns a copy of ctx carrying tenantID.
func WithContext(ctx context.Context, tenantID int) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// FromContext extracts the tenant id stashed by WithContext.
func FromContext(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(ctxKey{}).(int)
	return id, ok
}

// MustFromContext is FromContext for callers that treat a missing tenant id
// as a programming error: it panics instead of returning false.
func MustFromContext(ctx context.Context) int {
	id, ok := FromContext(ctx)
	if !ok {
		panic("tenant: no tenant id in context")
	}
	return id
}
