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

// ConversationRepository provides data access for customer conversations.
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, merchantID, id uuid.UUID) (*models.Conversation, error)
	// LatestForUser returns the user's most recently active conversation, or nil.
	LatestForUser(ctx context.Context, merchantID, userID uuid.UUID) (*models.Conversation, error)
	// AppendMessages appends to history in one statement.
	AppendMessages(ctx context.Context, merchantID, id uuid.UUID, msgs ...models.ConversationMessage) error
	UpdateState(ctx context.Context, merchantID, id uuid.UUID, intent models.Intent) error
	// Escalate hands the conversation to a human and records why.
	Escalate(ctx context.Context, merchantID, id uuid.UUID, reason string) error
	SetStatus(ctx context.Context, merchantID, id uuid.UUID, status models.ConversationStatus) error
	// SetOrder links the conversation to an order.
	SetOrder(ctx context.Context, merchantID, id, orderID uuid.UUID) error
}

type conversationRepository struct{}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository() ConversationRepository {
	return &conversationRepository{}
}

var _ ConversationRepository = (*conversationRepository)(nil)

const conversationColumns = `
	id, merchant_id, user_id, order_id, history, COALESCE(current_state, ''),
	conversation_status, escalated_at, COALESCE(escalation_reason, ''), created_at, updated_at`

func (r *conversationRepository) Create(ctx context.Context, c *models.Conversation) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	now := time.Now()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.History == nil {
		c.History = []models.ConversationMessage{}
	}
	if !c.Status.IsValid() {
		c.Status = models.ConversationStatusAI
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	query := `
		INSERT INTO conversations (
			id, merchant_id, user_id, order_id, history, current_state,
			conversation_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`

	_, err := scope.Conn.Exec(ctx, query,
		c.ID, c.MerchantID, c.UserID, c.OrderID, c.History, string(c.CurrentState),
		string(c.Status), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (r *conversationRepository) Get(ctx context.Context, merchantID, id uuid.UUID) (*models.Conversation, error) {
	return r.getOne(ctx,
		`SELECT`+conversationColumns+` FROM conversations WHERE merchant_id = $1 AND id = $2`,
		merchantID, id)
}

func (r *conversationRepository) LatestForUser(ctx context.Context, merchantID, userID uuid.UUID) (*models.Conversation, error) {
	c, err := r.getOne(ctx, `
		SELECT`+conversationColumns+`
		FROM conversations
		WHERE merchant_id = $1 AND user_id = $2
		ORDER BY updated_at DESC
		LIMIT 1`, merchantID, userID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return c, err
}

func (r *conversationRepository) getOne(ctx context.Context, query string, args ...any) (*models.Conversation, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	var c models.Conversation
	var state, status string
	err := scope.Conn.QueryRow(ctx, query, args...).Scan(
		&c.ID, &c.MerchantID, &c.UserID, &c.OrderID, &c.History, &state,
		&status, &c.EscalatedAt, &c.EscalationReason, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	c.CurrentState = models.Intent(state)
	c.Status = models.ConversationStatus(status)
	return &c, nil
}

func (r *conversationRepository) AppendMessages(ctx context.Context, merchantID, id uuid.UUID, msgs ...models.ConversationMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.exec(ctx,
		`UPDATE conversations SET history = history || $3::jsonb, updated_at = now() WHERE merchant_id = $1 AND id = $2`,
		merchantID, id, msgs)
}

func (r *conversationRepository) UpdateState(ctx context.Context, merchantID, id uuid.UUID, intent models.Intent) error {
	return r.exec(ctx,
		`UPDATE conversations SET current_state = $3, updated_at = now() WHERE merchant_id = $1 AND id = $2`,
		merchantID, id, string(intent))
}

func (r *conversationRepository) Escalate(ctx context.Context, merchantID, id uuid.UUID, reason string) error {
	return r.exec(ctx, `
		UPDATE conversations
		SET conversation_status = 'human', escalated_at = now(), escalation_reason = $3, updated_at = now()
		WHERE merchant_id = $1 AND id = $2`,
		merchantID, id, reason)
}

func (r *conversationRepository) SetStatus(ctx context.Context, merchantID, id uuid.UUID, status models.ConversationStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid conversation status %q", status)
	}
	return r.exec(ctx,
		`UPDATE conversations SET conversation_status = $3, updated_at = now() WHERE merchant_id = $1 AND id = $2`,
		merchantID, id, string(status))
}

func (r *conversationRepository) SetOrder(ctx context.Context, merchantID, id, orderID uuid.UUID) error {
	return r.exec(ctx,
		`UPDATE conversations SET order_id = $3, updated_at = now() WHERE merchant_id = $1 AND id = $2`,
		merchantID, id, orderID)
}

func (r *conversationRepository) exec(ctx context.Context, query string, args ...any) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
