package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/recete-ai/recete-engine/pkg/database"
)

// TenantContextFunc acquires a merchant-scoped database connection.
// Returns the scoped context, a cleanup function (MUST be called), and any error.
type TenantContextFunc func(ctx context.Context, merchantID uuid.UUID) (context.Context, func(), error)

// SystemContextFunc acquires a connection that is not bound to one merchant.
// Used by background workers that scan across merchants.
type SystemContextFunc func(ctx context.Context) (context.Context, func(), error)

// NewTenantContextFunc creates a TenantContextFunc that uses the given database.
func NewTenantContextFunc(db *database.DB) TenantContextFunc {
	return database.NewTenantScopeProvider(db).WithTenantScope
}

// NewSystemContextFunc creates a SystemContextFunc that uses the given database.
func NewSystemContextFunc(db *database.DB) SystemContextFunc {
	return database.NewTenantScopeProvider(db).WithSystemScope
}
