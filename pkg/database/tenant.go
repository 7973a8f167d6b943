package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoMerchant is returned when a merchant scope is requested for uuid.Nil.
var ErrNoMerchant = errors.New("merchant scope requires a merchant id")

// TenantScope wraps a connection with merchant context and ensures cleanup.
// The connection has app.current_merchant_id set for RLS policy evaluation
// unless it is a system scope.
type TenantScope struct {
	Conn       *pgxpool.Conn
	MerchantID uuid.UUID
}

// IsSystem reports whether the scope crosses merchants.
func (s *TenantScope) IsSystem() bool {
	return s.MerchantID == uuid.Nil
}

// Close resets merchant context and releases the connection to the pool.
// It is safe to call more than once.
func (s *TenantScope) Close() {
	if s == nil || s.Conn == nil {
		return
	}
	if !s.IsSystem() {
		_, _ = s.Conn.Exec(context.Background(), "RESET app.current_merchant_id")
	}
	s.Conn.Release()
	s.Conn = nil
}

// WithTenant acquires a connection scoped to merchantID.
// The returned TenantScope MUST be closed with defer scope.Close().
func (db *DB) WithTenant(ctx context.Context, merchantID uuid.UUID) (*TenantScope, error) {
	if merchantID == uuid.Nil {
		return nil, ErrNoMerchant
	}
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for merchant %s: %w", merchantID, err)
	}

	_, err = conn.Exec(ctx, "SELECT set_config('app.current_merchant_id', $1, false)", merchantID.String())
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("set merchant scope %s: %w", merchantID, err)
	}

	return &TenantScope{Conn: conn, MerchantID: merchantID}, nil
}

// WithoutTenant acquires a connection without merchant context.
// Used by cross-merchant jobs (event draining, scheduled task dispatch) and
// webhook routing before the merchant is known.
// The returned TenantScope MUST be closed with defer scope.Close().
func (db *DB) WithoutTenant(ctx context.Context) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire system connection: %w", err)
	}
	return &TenantScope{Conn: conn}, nil
}
