package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/database"
	"github.com/recete-ai/recete-engine/pkg/models"
)

// OrderRepository provides data access for orders.
type OrderRepository interface {
	// Upsert inserts or updates the order identified by (merchant, external id)
	// and reports whether a new row was created. order.ID and timestamps are
	// filled from the stored row.
	Upsert(ctx context.Context, order *models.Order) (created bool, err error)
	Get(ctx context.Context, merchantID, id uuid.UUID) (*models.Order, error)
	GetByExternalID(ctx context.Context, merchantID uuid.UUID, externalOrderID string) (*models.Order, error)
	// LatestForUser returns the user's most recently updated order, or nil.
	LatestForUser(ctx context.Context, merchantID, userID uuid.UUID) (*models.Order, error)
}

type orderRepository struct{}

// NewOrderRepository creates a new OrderRepository.
func NewOrderRepository() OrderRepository {
	return &orderRepository{}
}

var _ OrderRepository = (*orderRepository)(nil)

const orderColumns = `id, merchant_id, user_id, external_order_id, status, delivery_date, created_at, updated_at`

func (r *orderRepository) Upsert(ctx context.Context, o *models.Order) (bool, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return false, fmt.Errorf("no tenant scope in context")
	}

	now := time.Now()
	query := `
		INSERT INTO orders (
			id, merchant_id, user_id, external_order_id, status, delivery_date, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (merchant_id, external_order_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			status = EXCLUDED.status,
			delivery_date = COALESCE(EXCLUDED.delivery_date, orders.delivery_date),
			updated_at = EXCLUDED.updated_at
		RETURNING id, delivery_date, created_at, updated_at, (xmax = 0) AS inserted`

	var created bool
	err := scope.Conn.QueryRow(ctx, query,
		uuid.New(), o.MerchantID, o.UserID, o.ExternalOrderID, string(o.Status), o.DeliveryDate, now,
	).Scan(&o.ID, &o.DeliveryDate, &o.CreatedAt, &o.UpdatedAt, &created)
	if err != nil {
		return false, fmt.Errorf("failed to upsert order: %w", err)
	}
	return created, nil
}

func (r *orderRepository) Get(ctx context.Context, merchantID, id uuid.UUID) (*models.Order, error) {
	return r.getOne(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE merchant_id = $1 AND id = $2`, merchantID, id)
}

func (r *orderRepository) GetByExternalID(ctx context.Context, merchantID uuid.UUID, externalOrderID string) (*models.Order, error) {
	return r.getOne(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE merchant_id = $1 AND external_order_id = $2`,
		merchantID, externalOrderID)
}

func (r *orderRepository) LatestForUser(ctx context.Context, merchantID, userID uuid.UUID) (*models.Order, error) {
	o, err := r.getOne(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE merchant_id = $1 AND user_id = $2
		ORDER BY updated_at DESC
		LIMIT 1`, merchantID, userID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return o, err
}

func (r *orderRepository) getOne(ctx context.Context, query string, args ...any) (*models.Order, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	o, err := scanOrderRow(scope.Conn.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func scanOrderRow(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var status string
	err := row.Scan(&o.ID, &o.MerchantID, &o.UserID, &o.ExternalOrderID, &status,
		&o.DeliveryDate, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = models.OrderStatus(status)
	return &o, nil
}
