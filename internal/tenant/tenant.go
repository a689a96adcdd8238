// Package tenant carries the row-visibility scope for store operations.
//
// Every repository call runs under a Scope taken from the request context.
// A tenant scope restricts reads and writes to rows owned by that tenant.
// The admin scope spans tenants and is reserved for control-plane paths
// (reconcilers, cron firing); those paths are expected to log that they run
// unscoped.
package tenant

import "context"

type contextKey struct{}

// Scope identifies the visibility boundary for store operations.
type Scope struct {
	tenantID string
	admin    bool
}

// For returns a scope restricted to the given tenant.
func For(tenantID string) Scope {
	return Scope{tenantID: tenantID}
}

// Admin returns the administrative scope that spans all tenants.
func Admin() Scope {
	return Scope{admin: true}
}

// TenantID returns the tenant this scope is restricted to. Empty for admin.
func (s Scope) TenantID() string { return s.tenantID }

// IsAdmin reports whether the scope spans tenants.
func (s Scope) IsAdmin() bool { return s.admin }

// Visible reports whether a row owned by ownerTenantID is visible under s.
func (s Scope) Visible(ownerTenantID string) bool {
	if s.admin {
		return true
	}
	return s.tenantID != "" && s.tenantID == ownerTenantID
}

// WithScope returns a context carrying the scope.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext extracts the scope from ctx. A context without a scope yields
// the zero scope, which sees nothing; callers must establish a scope before
// touching the store.
func FromContext(ctx context.Context) Scope {
	if s, ok := ctx.Value(contextKey{}).(Scope); ok {
		return s
	}
	return Scope{}
}
