package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Lane groups tasks that share a concurrency budget.
type Lane string

const (
	// LaneProvider holds tasks calling the embedding or LLM provider.
	LaneProvider Lane = "provider"
	// LaneMessaging holds outbound WhatsApp sends.
	LaneMessaging Lane = "messaging"
)

// Task is the interface that all work queue tasks must implement.
type Task interface {
	ID() string
	Name() string
	Lane() Lane
	// Execute runs the task once. Retryable errors (retry.IsRetryable) are
	// retried by the queue with backoff.
	Execute(ctx context.Context, enqueuer TaskEnqueuer) error
}

// TaskEnqueuer allows tasks to enqueue follow-up tasks.
type TaskEnqueuer interface {
	Enqueue(task Task)
	EnqueueAfter(task Task, delay time.Duration)
}

// TaskState holds the runtime state of a task.
type TaskState struct {
	Task        Task
	Status      TaskStatus
	Attempts    int
	NotBefore   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       error

	mu sync.RWMutex
}

// NewTaskState creates a new TaskState wrapping a task.
func NewTaskState(task Task) *TaskState {
	return &TaskState{
		Task:   task,
		Status: TaskStatusPending,
	}
}

// GetStatus returns the current status (thread-safe).
func (ts *TaskState) GetStatus() TaskStatus {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.Status
}

// SetStatus updates the status and timestamps (thread-safe).
func (ts *TaskState) SetStatus(status TaskStatus) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.Status = status
	now := time.Now()
	switch status {
	case TaskStatusRunning:
		ts.StartedAt = &now
		ts.Attempts++
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		ts.CompletedAt = &now
	}
}

// SetError sets the error (thread-safe).
func (ts *TaskState) SetError(err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.Error = err
}

// GetError returns the error (thread-safe).
func (ts *TaskState) GetError() error {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.Error
}

// GetAttempts returns how many times the task has started.
func (ts *TaskState) GetAttempts() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.Attempts
}

// Snapshot returns an immutable copy of the task state.
func (ts *TaskState) Snapshot() TaskSnapshot {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var errMsg string
	if ts.Error != nil {
		errMsg = ts.Error.Error()
	}
	return TaskSnapshot{
		ID:          ts.Task.ID(),
		Name:        ts.Task.Name(),
		Lane:        ts.Task.Lane(),
		Status:      ts.Status,
		Attempts:    ts.Attempts,
		StartedAt:   ts.StartedAt,
		CompletedAt: ts.CompletedAt,
		Error:       errMsg,
	}
}

// TaskSnapshot is an immutable view of task state for serialization.
type TaskSnapshot struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Lane        Lane       `json:"lane"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// BaseTask provides common task functionality.
// Embed this in concrete task implementations.
type BaseTask struct {
	id   string
	name string
	lane Lane
}

// NewBaseTask creates a new base task.
func NewBaseTask(name string, lane Lane) BaseTask {
	return BaseTask{
		id:   uuid.New().String(),
		name: name,
		lane: lane,
	}
}

func (t BaseTask) ID() string   { return t.id }
func (t BaseTask) Name() string { return t.name }
func (t BaseTask) Lane() Lane   { return t.lane }
