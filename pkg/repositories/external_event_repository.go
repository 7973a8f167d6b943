package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/database"
	"github.com/recete-ai/recete-engine/pkg/models"
)

// ExternalEventRepository persists normalized commerce events.
type ExternalEventRepository interface {
	// Insert stores event. A repeated idempotency key for the same merchant
	// returns an error wrapping apperrors.ErrConflict.
	Insert(ctx context.Context, event *models.ExternalEvent) error
	// RecentByOrder returns the newest events for an external order id.
	RecentByOrder(ctx context.Context, merchantID uuid.UUID, externalOrderID string, limit int) ([]*models.ExternalEvent, error)
	// ListUnprocessed returns events never processed, oldest first.
	ListUnprocessed(ctx context.Context, limit int) ([]*models.ExternalEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

type externalEventRepository struct{}

// NewExternalEventRepository creates a new ExternalEventRepository.
func NewExternalEventRepository() ExternalEventRepository {
	return &externalEventRepository{}
}

var _ ExternalEventRepository = (*externalEventRepository)(nil)

// idempotencyConstraint makes idempotency keys unique per merchant. Two
// merchants may both send order "ORD-123".
const idempotencyConstraint = "external_events_merchant_idempotency_key"

const externalEventColumns = `
	id, merchant_id, source, event_type, external_order_id, idempotency_key,
	payload, received_at, processed_at, COALESCE(error, '')`

func (r *externalEventRepository) Insert(ctx context.Context, e *models.ExternalEvent) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}

	query := `
		INSERT INTO external_events (
			id, merchant_id, source, event_type, external_order_id, idempotency_key,
			payload, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := scope.Conn.Exec(ctx, query,
		e.ID, e.MerchantID, string(e.Source), string(e.EventType), e.ExternalOrderID,
		e.IdempotencyKey, e.Payload, e.ReceivedAt,
	)
	if err != nil {
		if constraint, ok := database.UniqueViolationConstraint(err); ok && constraint == idempotencyConstraint {
			return fmt.Errorf("event %s already ingested: %w", e.IdempotencyKey, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to insert external event: %w", err)
	}
	return nil
}

func (r *externalEventRepository) RecentByOrder(ctx context.Context, merchantID uuid.UUID, externalOrderID string, limit int) ([]*models.ExternalEvent, error) {
	return r.list(ctx, `
		SELECT`+externalEventColumns+`
		FROM external_events
		WHERE merchant_id = $1 AND external_order_id = $2
		ORDER BY received_at DESC
		LIMIT $3`, merchantID, externalOrderID, limit)
}

func (r *externalEventRepository) ListUnprocessed(ctx context.Context, limit int) ([]*models.ExternalEvent, error) {
	return r.list(ctx, `
		SELECT`+externalEventColumns+`
		FROM external_events
		WHERE processed_at IS NULL AND error IS NULL
		ORDER BY received_at
		LIMIT $1`, limit)
}

func (r *externalEventRepository) list(ctx context.Context, query string, args ...any) ([]*models.ExternalEvent, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list external events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.ExternalEvent, 0)
	for rows.Next() {
		e, err := scanExternalEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan external event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating external events: %w", err)
	}
	return events, nil
}

func (r *externalEventRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return r.mark(ctx, `UPDATE external_events SET processed_at = now(), error = NULL WHERE id = $1`, id)
}

func (r *externalEventRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.mark(ctx, `UPDATE external_events SET error = $2 WHERE id = $1`, id, errMsg)
}

func (r *externalEventRepository) mark(ctx context.Context, query string, args ...any) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update external event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanExternalEventRow(row pgx.Row) (*models.ExternalEvent, error) {
	var e models.ExternalEvent
	var source, eventType string
	err := row.Scan(
		&e.ID, &e.MerchantID, &source, &eventType, &e.ExternalOrderID, &e.IdempotencyKey,
		&e.Payload, &e.ReceivedAt, &e.ProcessedAt, &e.Error,
	)
	if err != nil {
		return nil, err
	}
	e.Source = models.EventSource(source)
	e.EventType = models.EventType(eventType)
	return &e, nil
}
