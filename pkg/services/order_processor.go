package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/logging"
	"github.com/recete-ai/recete-engine/pkg/metrics"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/repositories"
)

// ProcessResult identifies the user and order an event resolved to.
type ProcessResult struct {
	UserID  uuid.UUID `json:"user_id"`
	OrderID uuid.UUID `json:"order_id"`
	Created bool      `json:"created"`
}

// DrainResult counts the outcome of one ProcessExternalEvents batch.
type DrainResult struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

// OrderProcessor turns normalized commerce events into users, orders and
// scheduled post-delivery messages.
type OrderProcessor interface {
	// Ingest persists event and processes it. A repeated idempotency key
	// returns apperrors.ErrDuplicateEvent without processing.
	Ingest(ctx context.Context, event *models.NormalizedEvent) (*ProcessResult, error)

	// Process applies event. The only hard failure is a missing phone
	// (apperrors.ErrMissingPhone).
	Process(ctx context.Context, event *models.NormalizedEvent) (*ProcessResult, error)

	// ProcessExternalEvents drains up to limit stored, unprocessed events in
	// receipt order. One event failing does not stop the batch.
	ProcessExternalEvents(ctx context.Context, limit int) (*DrainResult, error)
}

type orderProcessor struct {
	eventRepo        repositories.ExternalEventRepository
	userRepo         repositories.UserRepository
	orderRepo        repositories.OrderRepository
	conversationRepo repositories.ConversationRepository
	scheduler        MessageScheduler
	getTenantCtx     TenantContextFunc
	getSystemCtx     SystemContextFunc
	metrics          *metrics.Metrics
	logger           *zap.Logger
}

// NewOrderProcessor creates an OrderProcessor.
func NewOrderProcessor(
	eventRepo repositories.ExternalEventRepository,
	userRepo repositories.UserRepository,
	orderRepo repositories.OrderRepository,
	conversationRepo repositories.ConversationRepository,
	scheduler MessageScheduler,
	getTenantCtx TenantContextFunc,
	getSystemCtx SystemContextFunc,
	m *metrics.Metrics,
	logger *zap.Logger,
) OrderProcessor {
	return &orderProcessor{
		eventRepo:        eventRepo,
		userRepo:         userRepo,
		orderRepo:        orderRepo,
		conversationRepo: conversationRepo,
		scheduler:        scheduler,
		getTenantCtx:     getTenantCtx,
		getSystemCtx:     getSystemCtx,
		metrics:          m,
		logger:           logger.Named("orders"),
	}
}

var _ OrderProcessor = (*orderProcessor)(nil)

func (s *orderProcessor) Ingest(ctx context.Context, event *models.NormalizedEvent) (*ProcessResult, error) {
	stored := shadowEvent(event)
	if err := s.eventRepo.Insert(ctx, stored); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			s.count(event.Source, "duplicate")
			s.logger.Debug("Duplicate event ignored",
				zap.String("merchant_id", event.MerchantID.String()),
				zap.String("idempotency_key", event.IdempotencyKey))
			return nil, fmt.Errorf("%w: %s", apperrors.ErrDuplicateEvent, event.IdempotencyKey)
		}
		return nil, fmt.Errorf("store event: %w", err)
	}

	result, err := s.process(ctx, event, false)
	s.settle(ctx, stored.ID, event.Source, err)
	return result, err
}

func (s *orderProcessor) Process(ctx context.Context, event *models.NormalizedEvent) (*ProcessResult, error) {
	return s.process(ctx, event, true)
}

func (s *orderProcessor) ProcessExternalEvents(ctx context.Context, limit int) (*DrainResult, error) {
	sysCtx, cleanup, err := s.getSystemCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire system connection: %w", err)
	}
	events, err := s.eventRepo.ListUnprocessed(sysCtx, limit)
	cleanup()
	if err != nil {
		return nil, err
	}

	result := &DrainResult{}
	for _, ev := range events {
		if err := s.drainOne(ctx, ev); err != nil {
			result.Errors++
			s.logger.Warn("Stored event failed",
				zap.String("event_id", ev.ID.String()),
				zap.String("merchant_id", ev.MerchantID.String()),
				zap.String("error", logging.SanitizeError(err)))
			continue
		}
		result.Processed++
	}

	if len(events) > 0 {
		s.logger.Info("Drained stored events",
			zap.Int("processed", result.Processed),
			zap.Int("errors", result.Errors))
	}
	return result, nil
}

func (s *orderProcessor) drainOne(ctx context.Context, ev *models.ExternalEvent) error {
	tenantCtx, cleanup, err := s.getTenantCtx(ctx, ev.MerchantID)
	if err != nil {
		return fmt.Errorf("acquire tenant connection: %w", err)
	}
	defer cleanup()

	if ev.Payload == nil {
		err := fmt.Errorf("%w: stored event has no payload", apperrors.ErrInvalidEvent)
		s.settle(tenantCtx, ev.ID, ev.Source, err)
		return err
	}

	_, err = s.process(tenantCtx, ev.Payload, false)
	s.settle(tenantCtx, ev.ID, ev.Source, err)
	return err
}

// settle marks a stored event processed or failed.
func (s *orderProcessor) settle(ctx context.Context, eventID uuid.UUID, source models.EventSource, procErr error) {
	var markErr error
	if procErr != nil {
		s.count(source, "failed")
		markErr = s.eventRepo.MarkFailed(ctx, eventID, logging.SanitizeError(procErr))
	} else {
		s.count(source, "processed")
		markErr = s.eventRepo.MarkProcessed(ctx, eventID)
	}
	if markErr != nil {
		s.logger.Error("Failed to settle stored event", zap.String("event_id", eventID.String()), zap.Error(markErr))
	}
}

func (s *orderProcessor) count(source models.EventSource, outcome string) {
	if s.metrics != nil {
		s.metrics.EventsIngested.WithLabelValues(string(source), outcome).Inc()
	}
}

func shadowEvent(event *models.NormalizedEvent) *models.ExternalEvent {
	return &models.ExternalEvent{
		MerchantID:      event.MerchantID,
		Source:          event.Source,
		EventType:       event.EventType,
		ExternalOrderID: event.ExternalOrderID,
		IdempotencyKey:  event.IdempotencyKey,
		Payload:         event,
	}
}

func (s *orderProcessor) process(ctx context.Context, event *models.NormalizedEvent, persist bool) (*ProcessResult, error) {
	if strings.TrimSpace(event.Phone()) == "" {
		return nil, fmt.Errorf("%w: order %s", apperrors.ErrMissingPhone, event.ExternalOrderID)
	}

	if persist {
		s.persistShadow(ctx, event)
	}

	user, err := s.resolveUser(ctx, event)
	if err != nil {
		return nil, err
	}

	status := models.StatusForEvent(event.EventType, reportedStatus(event))
	order := &models.Order{
		MerchantID:      event.MerchantID,
		UserID:          user.ID,
		ExternalOrderID: event.ExternalOrderID,
		Status:          status,
	}
	deliveredAt := event.DeliveredAt()
	if status == models.OrderStatusDelivered {
		order.DeliveryDate = deliveredAt
	}
	created, err := s.orderRepo.Upsert(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("upsert order %s: %w", event.ExternalOrderID, err)
	}

	s.linkConversation(ctx, user, order)

	if status == models.OrderStatusDelivered && deliveredAt != nil && user.ConsentStatus == models.ConsentOptIn {
		if err := s.scheduler.ScheduleDeliveryFlow(ctx, event.MerchantID, user.ID, order.ID, *deliveredAt); err != nil {
			s.logger.Error("Failed to schedule post-delivery messages",
				zap.String("order_id", order.ID.String()),
				zap.String("error", logging.SanitizeError(err)))
		}
	}

	s.logger.Info("Event processed",
		zap.String("merchant_id", event.MerchantID.String()),
		zap.String("event_type", string(event.EventType)),
		zap.String("order_id", order.ID.String()),
		zap.String("status", string(status)),
		zap.Bool("created", created))

	return &ProcessResult{UserID: user.ID, OrderID: order.ID, Created: created}, nil
}

func reportedStatus(event *models.NormalizedEvent) models.OrderStatus {
	if event.Order == nil {
		return ""
	}
	return event.Order.Status
}

// persistShadow stores the event for later order-scope lookups. Storage
// problems never abort processing.
func (s *orderProcessor) persistShadow(ctx context.Context, event *models.NormalizedEvent) {
	err := s.eventRepo.Insert(ctx, shadowEvent(event))
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrConflict):
		s.logger.Debug("Event already stored", zap.String("idempotency_key", event.IdempotencyKey))
	default:
		s.logger.Warn("Failed to store event",
			zap.String("idempotency_key", event.IdempotencyKey),
			zap.String("error", logging.SanitizeError(err)))
	}
}

// resolveUser finds the customer by phone and merges in the event's name and
// consent, or creates the customer. A pending consent never replaces a
// decided one.
func (s *orderProcessor) resolveUser(ctx context.Context, event *models.NormalizedEvent) (*models.User, error) {
	phone := event.Phone()
	name := ""
	if event.Customer != nil {
		name = strings.TrimSpace(event.Customer.Name)
	}

	user, err := s.userRepo.FindByPhone(ctx, event.MerchantID, phone)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}

	if user == nil {
		user = &models.User{
			MerchantID:    event.MerchantID,
			Phone:         phone,
			Name:          name,
			ConsentStatus: models.ConsentPending,
		}
		if event.ConsentStatus != nil && event.ConsentStatus.IsValid() {
			user.ConsentStatus = *event.ConsentStatus
		}
		if err := s.userRepo.Create(ctx, user); err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		s.logger.Info("Customer created",
			zap.String("merchant_id", event.MerchantID.String()),
			zap.String("user_id", user.ID.String()),
			zap.String("phone", logging.RedactPhone(phone)))
		return user, nil
	}

	changed := false
	if name != "" && name != user.Name {
		user.Name = name
		changed = true
	}
	if c := event.ConsentStatus; c != nil && *c != models.ConsentPending && c.IsValid() && *c != user.ConsentStatus {
		user.ConsentStatus = *c
		changed = true
	}
	if changed {
		if err := s.userRepo.Update(ctx, user); err != nil {
			return nil, fmt.Errorf("update user: %w", err)
		}
	}
	return user, nil
}

// linkConversation attaches the customer's latest conversation to the order
// when it has none yet.
func (s *orderProcessor) linkConversation(ctx context.Context, user *models.User, order *models.Order) {
	conv, err := s.conversationRepo.LatestForUser(ctx, user.MerchantID, user.ID)
	if err != nil || conv == nil || conv.OrderID != nil {
		return
	}
	if err := s.conversationRepo.SetOrder(ctx, user.MerchantID, conv.ID, order.ID); err != nil {
		s.logger.Warn("Failed to link conversation to order",
			zap.String("conversation_id", conv.ID.String()),
			zap.Error(err))
	}
}

// EventDrainLoop runs ProcessExternalEvents every interval until ctx ends.
func EventDrainLoop(ctx context.Context, p OrderProcessor, interval time.Duration, limit int, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ProcessExternalEvents(ctx, limit); err != nil && ctx.Err() == nil {
				logger.Error("Event drain failed", zap.Error(err))
			}
		}
	}
}
