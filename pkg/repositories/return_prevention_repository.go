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

// ReturnPreventionRepository tracks return-prevention attempts.
type ReturnPreventionRepository interface {
	// Create inserts a pending attempt. A second pending attempt for the same
	// conversation returns an error wrapping apperrors.ErrConflict.
	Create(ctx context.Context, attempt *models.ReturnPreventionAttempt) error
	// GetPending returns the conversation's pending attempt, or nil.
	GetPending(ctx context.Context, merchantID, conversationID uuid.UUID) (*models.ReturnPreventionAttempt, error)
	// SetOutcome moves a pending attempt to outcome. Attempts that are no
	// longer pending are left untouched and ErrNotFound is returned.
	SetOutcome(ctx context.Context, merchantID, id uuid.UUID, outcome models.PreventionOutcome) error
}

type returnPreventionRepository struct{}

// NewReturnPreventionRepository creates a new ReturnPreventionRepository.
func NewReturnPreventionRepository() ReturnPreventionRepository {
	return &returnPreventionRepository{}
}

var _ ReturnPreventionRepository = (*returnPreventionRepository)(nil)

func (r *returnPreventionRepository) Create(ctx context.Context, a *models.ReturnPreventionAttempt) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	now := time.Now()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Outcome = models.OutcomePending
	a.CreatedAt = now
	a.UpdatedAt = now

	query := `
		INSERT INTO return_prevention_attempts (
			id, merchant_id, conversation_id, order_id, trigger_message, prevention_response,
			outcome, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := scope.Conn.Exec(ctx, query,
		a.ID, a.MerchantID, a.ConversationID, a.OrderID, a.TriggerMessage, a.PreventionResponse,
		string(a.Outcome), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("conversation %s already has a pending attempt: %w", a.ConversationID, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create return prevention attempt: %w", err)
	}
	return nil
}

func (r *returnPreventionRepository) GetPending(ctx context.Context, merchantID, conversationID uuid.UUID) (*models.ReturnPreventionAttempt, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT id, merchant_id, conversation_id, order_id, trigger_message, prevention_response,
		       outcome, created_at, updated_at
		FROM return_prevention_attempts
		WHERE merchant_id = $1 AND conversation_id = $2 AND outcome = 'pending'`

	var a models.ReturnPreventionAttempt
	var outcome string
	err := scope.Conn.QueryRow(ctx, query, merchantID, conversationID).Scan(
		&a.ID, &a.MerchantID, &a.ConversationID, &a.OrderID, &a.TriggerMessage, &a.PreventionResponse,
		&outcome, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pending attempt: %w", err)
	}
	a.Outcome = models.PreventionOutcome(outcome)
	return &a, nil
}

func (r *returnPreventionRepository) SetOutcome(ctx context.Context, merchantID, id uuid.UUID, outcome models.PreventionOutcome) error {
	if !outcome.IsTerminal() {
		return fmt.Errorf("outcome %q is not terminal", outcome)
	}
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE return_prevention_attempts
		SET outcome = $3, updated_at = now()
		WHERE merchant_id = $1 AND id = $2 AND outcome = 'pending'`,
		merchantID, id, string(outcome))
	if err != nil {
		return fmt.Errorf("failed to set attempt outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
