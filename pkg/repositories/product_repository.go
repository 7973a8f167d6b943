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

// ProductRepository provides data access for merchant catalog products.
type ProductRepository interface {
	Create(ctx context.Context, product *models.Product) error
	Get(ctx context.Context, merchantID, id uuid.UUID) (*models.Product, error)
	// GetByExternalIDs maps external (Shopify) product ids to products.
	GetByExternalIDs(ctx context.Context, merchantID uuid.UUID, externalIDs []string) ([]*models.Product, error)
	GetByIDs(ctx context.Context, merchantID uuid.UUID, ids []uuid.UUID) ([]*models.Product, error)
	ListByMerchant(ctx context.Context, merchantID uuid.UUID) ([]*models.Product, error)
	Update(ctx context.Context, product *models.Product) error
	Delete(ctx context.Context, merchantID, id uuid.UUID) error
}

type productRepository struct{}

// NewProductRepository creates a new ProductRepository.
func NewProductRepository() ProductRepository {
	return &productRepository{}
}

var _ ProductRepository = (*productRepository)(nil)

const productColumns = `
	id, merchant_id, COALESCE(external_id, ''), name, raw_text, enriched_text,
	usage_instructions, created_at, updated_at`

func (r *productRepository) Create(ctx context.Context, p *models.Product) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	now := time.Now()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = now
	p.UpdatedAt = now

	query := `
		INSERT INTO products (
			id, merchant_id, external_id, name, raw_text, enriched_text,
			usage_instructions, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)`

	_, err := scope.Conn.Exec(ctx, query,
		p.ID, p.MerchantID, p.ExternalID, p.Name, p.RawText, p.EnrichedText,
		p.UsageInstructions, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("product %s already exists: %w", p.ExternalID, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create product: %w", err)
	}
	return nil
}

func (r *productRepository) Get(ctx context.Context, merchantID, id uuid.UUID) (*models.Product, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `SELECT` + productColumns + ` FROM products WHERE merchant_id = $1 AND id = $2`
	p, err := scanProductRow(scope.Conn.QueryRow(ctx, query, merchantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

func (r *productRepository) GetByExternalIDs(ctx context.Context, merchantID uuid.UUID, externalIDs []string) ([]*models.Product, error) {
	if len(externalIDs) == 0 {
		return []*models.Product{}, nil
	}
	return r.list(ctx,
		`SELECT`+productColumns+` FROM products WHERE merchant_id = $1 AND external_id = ANY($2) ORDER BY name`,
		merchantID, externalIDs)
}

func (r *productRepository) GetByIDs(ctx context.Context, merchantID uuid.UUID, ids []uuid.UUID) ([]*models.Product, error) {
	if len(ids) == 0 {
		return []*models.Product{}, nil
	}
	return r.list(ctx,
		`SELECT`+productColumns+` FROM products WHERE merchant_id = $1 AND id = ANY($2) ORDER BY name`,
		merchantID, ids)
}

func (r *productRepository) ListByMerchant(ctx context.Context, merchantID uuid.UUID) ([]*models.Product, error) {
	return r.list(ctx,
		`SELECT`+productColumns+` FROM products WHERE merchant_id = $1 ORDER BY name`,
		merchantID)
}

func (r *productRepository) list(ctx context.Context, query string, args ...any) ([]*models.Product, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	products := make([]*models.Product, 0)
	for rows.Next() {
		p, err := scanProductRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}
	return products, nil
}

func (r *productRepository) Update(ctx context.Context, p *models.Product) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	p.UpdatedAt = time.Now()
	query := `
		UPDATE products SET
			external_id = NULLIF($3, ''), name = $4, raw_text = $5, enriched_text = $6,
			usage_instructions = $7, updated_at = $8
		WHERE merchant_id = $1 AND id = $2`

	tag, err := scope.Conn.Exec(ctx, query,
		p.MerchantID, p.ID, p.ExternalID, p.Name, p.RawText, p.EnrichedText,
		p.UsageInstructions, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// Delete removes a product; its knowledge chunks cascade.
func (r *productRepository) Delete(ctx context.Context, merchantID, id uuid.UUID) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx, `DELETE FROM products WHERE merchant_id = $1 AND id = $2`, merchantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanProductRow(row pgx.Row) (*models.Product, error) {
	var p models.Product
	err := row.Scan(
		&p.ID, &p.MerchantID, &p.ExternalID, &p.Name, &p.RawText, &p.EnrichedText,
		&p.UsageInstructions, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
