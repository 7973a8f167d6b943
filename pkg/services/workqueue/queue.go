// Package workqueue runs background tasks (reindexing, outbound messages)
// with per-lane concurrency limits and retry with backoff.
package workqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/metrics"
	"github.com/recete-ai/recete-engine/pkg/retry"
)

// DefaultRetryConfig retries transient failures 5 times: 2s, 4s, 8s, 16s, 30s.
func DefaultRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:   5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// Queue runs tasks for the lifetime of the process. Tasks in a terminal state
// are dropped from the active list and only counted.
type Queue struct {
	mu        sync.Mutex
	active    []*TaskState
	finished  Progress
	firstErr  error
	cancelled bool

	strategy    ConcurrencyStrategy
	retryConfig *retry.Config
	metrics     *metrics.Metrics

	// done is closed whenever the active list becomes empty.
	done chan struct{}
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	now    func() time.Time
	logger *zap.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithStrategy sets the concurrency strategy.
func WithStrategy(strategy ConcurrencyStrategy) QueueOption {
	return func(q *Queue) {
		if strategy != nil {
			q.strategy = strategy
		}
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg *retry.Config) QueueOption {
	return func(q *Queue) {
		if cfg != nil {
			q.retryConfig = cfg
		}
	}
}

// WithMetrics records task outcomes and lane occupancy.
func WithMetrics(m *metrics.Metrics) QueueOption {
	return func(q *Queue) {
		q.metrics = m
	}
}

// NewQueue creates a new work queue with the given options.
func NewQueue(logger *zap.Logger, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	close(done)

	q := &Queue{
		strategy:    NewSerializedStrategy(),
		retryConfig: DefaultRetryConfig(),
		done:        done,
		ctx:         ctx,
		cancel:      cancel,
		now:         time.Now,
		logger:      logger.Named("workqueue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a task and starts it as soon as its lane has capacity.
func (q *Queue) Enqueue(task Task) {
	q.EnqueueAfter(task, 0)
}

// EnqueueAfter adds a task that becomes eligible after delay.
func (q *Queue) EnqueueAfter(task Task, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		q.logger.Warn("Queue cancelled, ignoring enqueue",
			zap.String("task_id", task.ID()),
			zap.String("task_name", task.Name()))
		return
	}

	q.resetDoneLocked()
	state := NewTaskState(task)
	if delay > 0 {
		state.NotBefore = q.now().Add(delay)
		q.wakeAfter(delay)
	}
	q.active = append(q.active, state)

	q.logger.Debug("Task enqueued",
		zap.String("task_id", task.ID()),
		zap.String("task_name", task.Name()),
		zap.String("lane", string(task.Lane())),
		zap.Duration("delay", delay))

	q.tryStartTasksLocked()
}

// wakeAfter re-evaluates pending tasks once a delay has elapsed.
func (q *Queue) wakeAfter(delay time.Duration) {
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.tryStartTasksLocked()
	})
}

// tryStartTasksLocked starts every eligible pending task the strategy allows,
// in enqueue order. Must be called with lock held.
func (q *Queue) tryStartTasksLocked() {
	if q.cancelled {
		return
	}

	now := q.now()
	for _, ts := range q.active {
		if ts.GetStatus() != TaskStatusPending || now.Before(ts.NotBefore) {
			continue
		}
		lane := ts.Task.Lane()
		if !q.strategy.CanStart(lane) {
			continue
		}

		q.strategy.OnStart(lane)
		ts.SetStatus(TaskStatusRunning)
		if q.metrics != nil {
			q.metrics.QueueRunning.WithLabelValues(string(lane)).Inc()
		}

		q.wg.Add(1)
		go q.runTask(ts)
	}
}

// runTask executes one attempt and decides between completion, a delayed
// retry, and failure.
func (q *Queue) runTask(ts *TaskState) {
	defer q.wg.Done()

	err := ts.Task.Execute(q.ctx, q)

	q.mu.Lock()
	defer q.mu.Unlock()

	lane := ts.Task.Lane()
	q.strategy.OnComplete(lane)
	if q.metrics != nil {
		q.metrics.QueueRunning.WithLabelValues(string(lane)).Dec()
	}

	switch {
	case err == nil:
		q.finishLocked(ts, TaskStatusCompleted, nil)
	case errors.Is(err, context.Canceled) || q.cancelled:
		q.finishLocked(ts, TaskStatusCancelled, err)
	case retry.IsRetryable(err) && ts.GetAttempts() <= q.retryConfig.MaxRetries:
		backoff := q.retryConfig.Delay(ts.GetAttempts() - 1)
		q.logger.Warn("Retryable task error, backing off",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()),
			zap.Int("attempt", ts.GetAttempts()),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		ts.SetError(err)
		ts.mu.Lock()
		ts.Status = TaskStatusPending
		ts.NotBefore = q.now().Add(backoff)
		ts.mu.Unlock()
		q.wakeAfter(backoff)
	default:
		q.finishLocked(ts, TaskStatusFailed, err)
	}

	q.tryStartTasksLocked()
}

// finishLocked moves ts out of the active list. Must be called with lock held.
func (q *Queue) finishLocked(ts *TaskState, status TaskStatus, err error) {
	ts.SetStatus(status)
	if err != nil {
		ts.SetError(err)
	}

	switch status {
	case TaskStatusCompleted:
		q.finished.Completed++
	case TaskStatusFailed:
		q.finished.Failed++
		if q.firstErr == nil {
			q.firstErr = err
		}
		q.logger.Error("Task failed",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()),
			zap.Int("attempts", ts.GetAttempts()),
			zap.Error(err))
	case TaskStatusCancelled:
		q.finished.Cancelled++
	}
	if q.metrics != nil {
		q.metrics.QueueTasks.WithLabelValues(string(ts.Task.Lane()), string(status)).Inc()
	}

	for i, candidate := range q.active {
		if candidate == ts {
			q.active = append(q.active[:i], q.active[i+1:]...)
			break
		}
	}
	if len(q.active) == 0 {
		q.closeDoneLocked()
	}
}

func (q *Queue) closeDoneLocked() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

func (q *Queue) resetDoneLocked() {
	select {
	case <-q.done:
		q.done = make(chan struct{})
	default:
	}
}

// Wait blocks until no task is pending or running, then returns the first
// task failure seen by the queue. If ctx ends first the queue is cancelled.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	done := q.done
	q.mu.Unlock()

	select {
	case <-done:
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.firstErr
	case <-ctx.Done():
		q.Cancel()
		return ctx.Err()
	}
}

// Cancel stops accepting tasks, cancels running ones, and drops pending ones.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		return
	}
	q.cancelled = true
	q.logger.Info("Queue cancelled, signaling running tasks to stop")
	q.cancel()

	for _, ts := range append([]*TaskState(nil), q.active...) {
		if ts.GetStatus() == TaskStatusPending {
			q.finishLocked(ts, TaskStatusCancelled, context.Canceled)
		}
	}
	if len(q.active) == 0 {
		q.closeDoneLocked()
	}
}

// Shutdown cancels the queue and waits for running tasks to return.
func (q *Queue) Shutdown() {
	q.Cancel()
	q.wg.Wait()
}

// Tasks returns snapshots of the pending and running tasks.
func (q *Queue) Tasks() []TaskSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshots := make([]TaskSnapshot, len(q.active))
	for i, ts := range q.active {
		snapshots[i] = ts.Snapshot()
	}
	return snapshots
}

// Progress returns counts of active and finished tasks.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := q.finished
	for _, ts := range q.active {
		switch ts.GetStatus() {
		case TaskStatusPending:
			p.Pending++
		case TaskStatusRunning:
			p.Running++
		}
	}
	p.Total = p.Pending + p.Running + p.Completed + p.Failed + p.Cancelled
	return p
}

// Progress holds queue progress statistics.
type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

var _ TaskEnqueuer = (*Queue)(nil)
