package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/logging"
	"github.com/recete-ai/recete-engine/pkg/metrics"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/prompts"
	"github.com/recete-ai/recete-engine/pkg/repositories"
	"github.com/recete-ai/recete-engine/pkg/retry"
	"github.com/recete-ai/recete-engine/pkg/services/workqueue"
)

const (
	// DispatchLease is how long a claimed task stays invisible to other dispatchers.
	DispatchLease = 10 * time.Minute
	// MaxSendAttempts is the number of claims after which a failing task is given up.
	MaxSendAttempts = 5
)

// deliveryFlow lists the messages scheduled when an order is delivered.
var deliveryFlow = []models.TaskType{models.TaskWelcome, models.TaskCheckinT3, models.TaskCheckinT14}

// MessageScheduler persists time-delayed outbound messages and sends them when due.
type MessageScheduler interface {
	// ScheduleDeliveryFlow schedules the welcome message now and the check-ins
	// relative to deliveredAt. Messages already scheduled for the order are kept.
	ScheduleDeliveryFlow(ctx context.Context, merchantID, userID, orderID uuid.UUID, deliveredAt time.Time) error

	// ScheduleUpsell schedules one upsell message for the order at the given time.
	ScheduleUpsell(ctx context.Context, merchantID, userID, orderID uuid.UUID, at time.Time) error

	// DispatchDue claims up to limit due tasks across merchants and enqueues a
	// send for each. Returns the number enqueued.
	DispatchDue(ctx context.Context, enqueuer workqueue.TaskEnqueuer, limit int) (int, error)

	// Send delivers one claimed task. ctx must be scoped to the task's merchant.
	Send(ctx context.Context, task *models.ScheduledTask) error

	// ListForOrder returns every message scheduled for the order, oldest first.
	ListForOrder(ctx context.Context, merchantID, orderID uuid.UUID) ([]*models.ScheduledTask, error)
}

type messageScheduler struct {
	taskRepo         repositories.ScheduledTaskRepository
	userRepo         repositories.UserRepository
	conversationRepo repositories.ConversationRepository
	merchants        MerchantService
	sender           MessageSender
	getTenantCtx     TenantContextFunc
	getSystemCtx     SystemContextFunc
	metrics          *metrics.Metrics
	logger           *zap.Logger
	now              func() time.Time
}

// NewMessageScheduler creates a MessageScheduler.
func NewMessageScheduler(
	taskRepo repositories.ScheduledTaskRepository,
	userRepo repositories.UserRepository,
	conversationRepo repositories.ConversationRepository,
	merchants MerchantService,
	sender MessageSender,
	getTenantCtx TenantContextFunc,
	getSystemCtx SystemContextFunc,
	m *metrics.Metrics,
	logger *zap.Logger,
) MessageScheduler {
	return &messageScheduler{
		taskRepo:         taskRepo,
		userRepo:         userRepo,
		conversationRepo: conversationRepo,
		merchants:        merchants,
		sender:           sender,
		getTenantCtx:     getTenantCtx,
		getSystemCtx:     getSystemCtx,
		metrics:          m,
		logger:           logger.Named("scheduler"),
		now:              time.Now,
	}
}

var _ MessageScheduler = (*messageScheduler)(nil)

func (s *messageScheduler) ScheduleDeliveryFlow(ctx context.Context, merchantID, userID, orderID uuid.UUID, deliveredAt time.Time) error {
	now := s.now()

	g, gctx := errgroup.WithContext(ctx)
	for _, taskType := range deliveryFlow {
		executeAt := deliveredAt.Add(taskType.DeliveryOffset())
		if taskType == models.TaskWelcome {
			executeAt = now
		}
		g.Go(func() error {
			return s.create(gctx, merchantID, userID, orderID, taskType, executeAt)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("schedule delivery flow for order %s: %w", orderID, err)
	}
	return nil
}

func (s *messageScheduler) ListForOrder(ctx context.Context, merchantID, orderID uuid.UUID) ([]*models.ScheduledTask, error) {
	return s.taskRepo.ListForOrder(ctx, merchantID, orderID)
}

func (s *messageScheduler) ScheduleUpsell(ctx context.Context, merchantID, userID, orderID uuid.UUID, at time.Time) error {
	if err := s.create(ctx, merchantID, userID, orderID, models.TaskUpsell, at); err != nil {
		return fmt.Errorf("schedule upsell for order %s: %w", orderID, err)
	}
	return nil
}

// create inserts one task. A live task of the same type for the order is
// left as is.
func (s *messageScheduler) create(ctx context.Context, merchantID, userID, orderID uuid.UUID, taskType models.TaskType, executeAt time.Time) error {
	task := &models.ScheduledTask{
		MerchantID: merchantID,
		UserID:     userID,
		OrderID:    &orderID,
		TaskType:   taskType,
		ExecuteAt:  executeAt,
	}
	err := s.taskRepo.Create(ctx, task)
	if errors.Is(err, apperrors.ErrConflict) {
		s.logger.Debug("Message already scheduled",
			zap.String("order_id", orderID.String()),
			zap.String("task_type", string(taskType)))
		return nil
	}
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.MessagesScheduled.WithLabelValues(string(taskType)).Inc()
	}
	s.logger.Info("Message scheduled",
		zap.String("merchant_id", merchantID.String()),
		zap.String("order_id", orderID.String()),
		zap.String("task_type", string(taskType)),
		zap.Time("execute_at", executeAt))
	return nil
}

func (s *messageScheduler) DispatchDue(ctx context.Context, enqueuer workqueue.TaskEnqueuer, limit int) (int, error) {
	sysCtx, cleanup, err := s.getSystemCtx(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire system connection: %w", err)
	}
	defer cleanup()

	tasks, err := s.taskRepo.ClaimDue(sysCtx, s.now(), limit, DispatchLease)
	if err != nil {
		return 0, err
	}
	for _, task := range tasks {
		enqueuer.Enqueue(NewSendMessageTask(s, s.getTenantCtx, task, s.logger))
	}
	if len(tasks) > 0 {
		s.logger.Info("Dispatched due messages", zap.Int("count", len(tasks)))
	}
	return len(tasks), nil
}

// consentAllows reports whether a task may still be sent to a customer with
// the given consent. Post-delivery messages need an explicit opt-in.
func consentAllows(taskType models.TaskType, consent models.ConsentStatus) bool {
	if taskType == models.TaskUpsell {
		return consent != models.ConsentOptOut
	}
	return consent == models.ConsentOptIn
}

func (s *messageScheduler) Send(ctx context.Context, task *models.ScheduledTask) error {
	user, err := s.userRepo.Get(ctx, task.MerchantID, task.UserID)
	if err != nil {
		return s.sendFailed(ctx, task, fmt.Errorf("load user: %w", err))
	}
	if !consentAllows(task.TaskType, user.ConsentStatus) {
		s.logger.Info("Skipping message, consent withdrawn",
			zap.String("task_id", task.ID.String()),
			zap.String("task_type", string(task.TaskType)),
			zap.String("consent", string(user.ConsentStatus)))
		return s.taskRepo.MarkFailed(ctx, task.ID, "skipped: consent is "+string(user.ConsentStatus))
	}

	merchant, err := s.merchants.Get(ctx, task.MerchantID)
	if err != nil {
		return s.sendFailed(ctx, task, fmt.Errorf("load merchant: %w", err))
	}

	body := prompts.ScheduledMessage(task.TaskType, prompts.MessageContext{
		CustomerName: user.Name,
		MerchantName: merchant.Name,
		BotName:      merchant.Persona.BotName,
	})
	if body == "" {
		return s.taskRepo.MarkFailed(ctx, task.ID, "no template for task type "+string(task.TaskType))
	}

	if err := s.sender.SendText(ctx, merchant, user.Phone, body, string(task.TaskType)); err != nil {
		return s.sendFailed(ctx, task, err)
	}
	if err := s.taskRepo.MarkCompleted(ctx, task.ID); err != nil {
		return fmt.Errorf("mark task %s completed: %w", task.ID, err)
	}

	s.recordInHistory(ctx, task, body)
	s.logger.Info("Scheduled message sent",
		zap.String("task_id", task.ID.String()),
		zap.String("task_type", string(task.TaskType)),
		zap.String("to", logging.RedactPhone(user.Phone)))
	return nil
}

// sendFailed records err on the task. Transient errors keep the task pending
// until MaxSendAttempts claims have been used.
func (s *messageScheduler) sendFailed(ctx context.Context, task *models.ScheduledTask, err error) error {
	msg := logging.SanitizeError(err)
	if retry.IsRetryable(err) && task.Attempts < MaxSendAttempts {
		if recErr := s.taskRepo.RecordError(ctx, task.ID, msg); recErr != nil {
			s.logger.Error("Failed to record task error", zap.String("task_id", task.ID.String()), zap.Error(recErr))
		}
		return err
	}
	if markErr := s.taskRepo.MarkFailed(ctx, task.ID, msg); markErr != nil {
		s.logger.Error("Failed to mark task failed", zap.String("task_id", task.ID.String()), zap.Error(markErr))
	}
	return retry.Permanent(err)
}

// recordInHistory appends the sent message to the customer's latest
// conversation so replies to it have context.
func (s *messageScheduler) recordInHistory(ctx context.Context, task *models.ScheduledTask, body string) {
	conv, err := s.conversationRepo.LatestForUser(ctx, task.MerchantID, task.UserID)
	if err != nil || conv == nil {
		return
	}
	msg := models.ConversationMessage{Role: models.RoleAssistant, Content: body, Timestamp: s.now().UTC()}
	if err := s.conversationRepo.AppendMessages(ctx, task.MerchantID, conv.ID, msg); err != nil {
		s.logger.Warn("Failed to record scheduled message in history",
			zap.String("conversation_id", conv.ID.String()),
			zap.Error(err))
	}
}

// SendMessageTask sends one claimed scheduled task on the messaging lane.
type SendMessageTask struct {
	workqueue.BaseTask
	scheduler    MessageScheduler
	getTenantCtx TenantContextFunc
	task         *models.ScheduledTask
	logger       *zap.Logger
}

// NewSendMessageTask wraps a claimed scheduled task for the work queue.
func NewSendMessageTask(
	scheduler MessageScheduler,
	getTenantCtx TenantContextFunc,
	task *models.ScheduledTask,
	logger *zap.Logger,
) *SendMessageTask {
	return &SendMessageTask{
		BaseTask:     workqueue.NewBaseTask(fmt.Sprintf("Send %s message %s", task.TaskType, task.ID), workqueue.LaneMessaging),
		scheduler:    scheduler,
		getTenantCtx: getTenantCtx,
		task:         task,
		logger:       logger,
	}
}

// Execute implements workqueue.Task.
func (t *SendMessageTask) Execute(ctx context.Context, _ workqueue.TaskEnqueuer) error {
	tenantCtx, cleanup, err := t.getTenantCtx(ctx, t.task.MerchantID)
	if err != nil {
		return fmt.Errorf("acquire tenant connection: %w", err)
	}
	defer cleanup()

	return t.scheduler.Send(tenantCtx, t.task)
}

// DispatchLoop runs DispatchDue every interval until ctx ends.
func DispatchLoop(ctx context.Context, s MessageScheduler, enqueuer workqueue.TaskEnqueuer, interval time.Duration, batchSize int, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.DispatchDue(ctx, enqueuer, batchSize)
			if err != nil && ctx.Err() == nil {
				logger.Error("Scheduled message dispatch failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("Dispatched scheduled messages", zap.Int("count", n))
			}
		}
	}
}
