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

// ScheduledTaskRepository stores time-delayed outbound messages.
type ScheduledTaskRepository interface {
	// Create inserts a pending task. A live task of the same type for the same
	// order returns an error wrapping apperrors.ErrConflict.
	Create(ctx context.Context, task *models.ScheduledTask) error
	// HasCompleted reports whether a completed task of taskType exists for (user, order).
	HasCompleted(ctx context.Context, merchantID, userID, orderID uuid.UUID, taskType models.TaskType) (bool, error)
	// ClaimDue leases up to limit pending tasks whose execute_at has passed.
	// Each claimed task has its attempts incremented and execute_at pushed out
	// by lease, so a worker that dies mid-send lets the task come due again.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.ScheduledTask, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	// RecordError keeps the task pending and stores the last error.
	RecordError(ctx context.Context, id uuid.UUID, errMsg string) error
	ListForOrder(ctx context.Context, merchantID, orderID uuid.UUID) ([]*models.ScheduledTask, error)
}

type scheduledTaskRepository struct{}

// NewScheduledTaskRepository creates a new ScheduledTaskRepository.
func NewScheduledTaskRepository() ScheduledTaskRepository {
	return &scheduledTaskRepository{}
}

var _ ScheduledTaskRepository = (*scheduledTaskRepository)(nil)

const scheduledTaskColumns = `
	id, merchant_id, user_id, order_id, task_type, execute_at, status, attempts,
	COALESCE(last_error, ''), created_at, updated_at`

func (r *scheduledTaskRepository) Create(ctx context.Context, t *models.ScheduledTask) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	now := time.Now()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Status = models.ScheduledTaskPending
	t.CreatedAt = now
	t.UpdatedAt = now

	query := `
		INSERT INTO scheduled_tasks (
			id, merchant_id, user_id, order_id, task_type, execute_at, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := scope.Conn.Exec(ctx, query,
		t.ID, t.MerchantID, t.UserID, t.OrderID, string(t.TaskType), t.ExecuteAt,
		string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%s already scheduled for order: %w", t.TaskType, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create scheduled task: %w", err)
	}
	return nil
}

func (r *scheduledTaskRepository) HasCompleted(ctx context.Context, merchantID, userID, orderID uuid.UUID, taskType models.TaskType) (bool, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return false, fmt.Errorf("no tenant scope in context")
	}

	var exists bool
	err := scope.Conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM scheduled_tasks
			WHERE merchant_id = $1 AND user_id = $2 AND order_id = $3
			  AND task_type = $4 AND status = 'completed'
		)`, merchantID, userID, orderID, string(taskType)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check completed tasks: %w", err)
	}
	return exists, nil
}

func (r *scheduledTaskRepository) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.ScheduledTask, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		WITH due AS (
			SELECT id FROM scheduled_tasks
			WHERE status = 'pending' AND execute_at <= $1
			ORDER BY execute_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_tasks st
		SET attempts = st.attempts + 1,
		    execute_at = $1::timestamptz + make_interval(secs => $3),
		    updated_at = now()
		FROM due
		WHERE st.id = due.id
		RETURNING st.id, st.merchant_id, st.user_id, st.order_id, st.task_type, st.execute_at,
		          st.status, st.attempts, COALESCE(st.last_error, ''), st.created_at, st.updated_at`

	rows, err := scope.Conn.Query(ctx, query, now, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim due tasks: %w", err)
	}
	defer rows.Close()
	return collectScheduledTasks(rows)
}

func (r *scheduledTaskRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx,
		`UPDATE scheduled_tasks SET status = 'completed', last_error = NULL, updated_at = now() WHERE id = $1`, id)
}

func (r *scheduledTaskRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.exec(ctx,
		`UPDATE scheduled_tasks SET status = 'failed', last_error = $2, updated_at = now() WHERE id = $1`, id, errMsg)
}

func (r *scheduledTaskRepository) RecordError(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.exec(ctx,
		`UPDATE scheduled_tasks SET last_error = $2, updated_at = now() WHERE id = $1`, id, errMsg)
}

func (r *scheduledTaskRepository) ListForOrder(ctx context.Context, merchantID, orderID uuid.UUID) ([]*models.ScheduledTask, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT`+scheduledTaskColumns+`
		FROM scheduled_tasks
		WHERE merchant_id = $1 AND order_id = $2
		ORDER BY execute_at`, merchantID, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled tasks: %w", err)
	}
	defer rows.Close()
	return collectScheduledTasks(rows)
}

func (r *scheduledTaskRepository) exec(ctx context.Context, query string, args ...any) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update scheduled task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func collectScheduledTasks(rows pgx.Rows) ([]*models.ScheduledTask, error) {
	tasks := make([]*models.ScheduledTask, 0)
	for rows.Next() {
		var t models.ScheduledTask
		var taskType, status string
		if err := rows.Scan(&t.ID, &t.MerchantID, &t.UserID, &t.OrderID, &taskType, &t.ExecuteAt,
			&status, &t.Attempts, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled task: %w", err)
		}
		t.TaskType = models.TaskType(taskType)
		t.Status = models.ScheduledTaskStatus(status)
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled tasks: %w", err)
	}
	return tasks, nil
}
