package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestUniqueViolationConstraint(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantConstraint string
		wantOK         bool
	}{
		{
			name:           "unique violation",
			err:            &pgconn.PgError{Code: "23505", ConstraintName: "external_events_merchant_idempotency_key"},
			wantConstraint: "external_events_merchant_idempotency_key",
			wantOK:         true,
		},
		{
			name:           "wrapped unique violation",
			err:            fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "products_merchant_id_external_id_key"}),
			wantConstraint: "products_merchant_id_external_id_key",
			wantOK:         true,
		},
		{
			name: "foreign key violation",
			err:  &pgconn.PgError{Code: "23503", ConstraintName: "orders_user_id_fkey"},
		},
		{
			name: "plain error",
			err:  errors.New("connection reset"),
		},
		{
			name: "nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			constraint, ok := UniqueViolationConstraint(tt.err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantConstraint, constraint)
			assert.Equal(t, tt.wantOK, IsUniqueViolation(tt.err))
		})
	}
}
