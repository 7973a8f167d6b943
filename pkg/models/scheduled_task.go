package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskType is the kind of outbound message a scheduled task sends.
type TaskType string

const (
	TaskWelcome    TaskType = "welcome"
	TaskCheckinT3  TaskType = "checkin_t3"
	TaskCheckinT14 TaskType = "checkin_t14"
	TaskUpsell     TaskType = "upsell"
)

// DeliveryOffset returns how long after delivery a post-delivery task runs.
func (t TaskType) DeliveryOffset() time.Duration {
	switch t {
	case TaskWelcome:
		return 0
	case TaskCheckinT3:
		return 3 * 24 * time.Hour
	case TaskCheckinT14:
		return 14 * 24 * time.Hour
	case TaskUpsell:
		return 0
	}
	return 0
}

// ScheduledTaskStatus is the lifecycle state of a scheduled task.
type ScheduledTaskStatus string

const (
	ScheduledTaskPending   ScheduledTaskStatus = "pending"
	ScheduledTaskCompleted ScheduledTaskStatus = "completed"
	ScheduledTaskFailed    ScheduledTaskStatus = "failed"
)

// ScheduledTask is a time-delayed outbound message. Completed tasks also act as
// "already sent" markers (e.g. one upsell per order).
type ScheduledTask struct {
	ID         uuid.UUID           `json:"id"`
	MerchantID uuid.UUID           `json:"merchant_id"`
	UserID     uuid.UUID           `json:"user_id"`
	OrderID    *uuid.UUID          `json:"order_id,omitempty"`
	TaskType   TaskType            `json:"task_type"`
	ExecuteAt  time.Time           `json:"execute_at"`
	Status     ScheduledTaskStatus `json:"status"`
	Attempts   int                 `json:"attempts"`
	LastError  string              `json:"last_error,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}
