package database

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// TenantScopeKey is the context key for storing the merchant-scoped database connection.
	TenantScopeKey contextKey = "tenantScope"
)

// GetTenantScope retrieves the merchant-scoped database connection from context.
// Returns nil and false if not present.
func GetTenantScope(ctx context.Context) (*TenantScope, bool) {
	scope, ok := ctx.Value(TenantScopeKey).(*TenantScope)
	return scope, ok
}

// SetTenantScope stores the merchant-scoped database connection in context.
func SetTenantScope(ctx context.Context, scope *TenantScope) context.Context {
	return context.WithValue(ctx, TenantScopeKey, scope)
}

// TenantScopeProvider creates merchant-scoped contexts for background work.
type TenantScopeProvider struct {
	db *DB
}

// NewTenantScopeProvider creates a TenantScopeProvider for the given database.
func NewTenantScopeProvider(db *DB) *TenantScopeProvider {
	return &TenantScopeProvider{db: db}
}

// WithTenantScope returns a context with a merchant scope set.
// The cleanup function must be called when the scope is no longer needed.
func (p *TenantScopeProvider) WithTenantScope(ctx context.Context, merchantID uuid.UUID) (context.Context, func(), error) {
	scope, err := p.db.WithTenant(ctx, merchantID)
	if err != nil {
		return nil, nil, err
	}
	return SetTenantScope(ctx, scope), func() { scope.Close() }, nil
}

// WithSystemScope returns a context with an unscoped connection for
// cross-merchant jobs.
func (p *TenantScopeProvider) WithSystemScope(ctx context.Context) (context.Context, func(), error) {
	scope, err := p.db.WithoutTenant(ctx)
	if err != nil {
		return nil, nil, err
	}
	return SetTenantScope(ctx, scope), func() { scope.Close() }, nil
}
