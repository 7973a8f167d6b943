package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/repositories"
)

const (
	// UpsellMinDays is the number of full days after delivery before an upsell.
	UpsellMinDays = 14
	// UpsellMinConfidence is the satisfaction confidence an upsell requires.
	UpsellMinConfidence = 0.7
	// UpsellDelay separates the conversation that qualified the customer from
	// the upsell message itself.
	UpsellDelay = time.Hour
)

// UpsellService decides when a satisfied customer gets an upsell message.
// Eligibility (timing and policy) and satisfaction (content) are separate gates.
type UpsellService interface {
	// IsEligible checks delivery, the waiting period, consent and that no
	// upsell for the order was already sent.
	IsEligible(ctx context.Context, order *models.Order, user *models.User, now time.Time) (bool, error)

	// ShouldSendUpsell is IsEligible plus a satisfaction check on the
	// customer's latest message.
	ShouldSendUpsell(ctx context.Context, order *models.Order, user *models.User, history []models.ConversationMessage, latest string) (bool, error)

	// CheckAndScheduleUpsell loads the order and user and schedules an upsell
	// when both gates pass. Returns whether one was scheduled.
	CheckAndScheduleUpsell(ctx context.Context, merchantID, userID, orderID uuid.UUID, history []models.ConversationMessage, latest string) (bool, error)
}

type upsellService struct {
	orderRepo repositories.OrderRepository
	userRepo  repositories.UserRepository
	taskRepo  repositories.ScheduledTaskRepository
	detector  SatisfactionDetector
	scheduler MessageScheduler
	logger    *zap.Logger
	now       func() time.Time
}

func NewUpsellService(
	orderRepo repositories.OrderRepository,
	userRepo repositories.UserRepository,
	taskRepo repositories.ScheduledTaskRepository,
	detector SatisfactionDetector,
	scheduler MessageScheduler,
	logger *zap.Logger,
) UpsellService {
	return &upsellService{
		orderRepo: orderRepo,
		userRepo:  userRepo,
		taskRepo:  taskRepo,
		detector:  detector,
		scheduler: scheduler,
		logger:    logger.Named("upsell"),
		now:       time.Now,
	}
}

var _ UpsellService = (*upsellService)(nil)

// fullDaysSince counts whole 24h periods between t and now.
func fullDaysSince(t, now time.Time) int {
	if now.Before(t) {
		return 0
	}
	return int(now.Sub(t) / (24 * time.Hour))
}

func (s *upsellService) IsEligible(ctx context.Context, order *models.Order, user *models.User, now time.Time) (bool, error) {
	if order.Status != models.OrderStatusDelivered || order.DeliveryDate == nil {
		return false, nil
	}
	if fullDaysSince(*order.DeliveryDate, now) < UpsellMinDays {
		return false, nil
	}
	if user.ConsentStatus == models.ConsentOptOut {
		return false, nil
	}
	sent, err := s.taskRepo.HasCompleted(ctx, order.MerchantID, user.ID, order.ID, models.TaskUpsell)
	if err != nil {
		return false, fmt.Errorf("check previous upsell: %w", err)
	}
	return !sent, nil
}

func (s *upsellService) ShouldSendUpsell(ctx context.Context, order *models.Order, user *models.User, history []models.ConversationMessage, latest string) (bool, error) {
	eligible, err := s.IsEligible(ctx, order, user, s.now())
	if err != nil || !eligible {
		return false, err
	}
	result := s.detector.Detect(ctx, history, latest)
	return result.Satisfied && result.Confidence >= UpsellMinConfidence, nil
}

func (s *upsellService) CheckAndScheduleUpsell(ctx context.Context, merchantID, userID, orderID uuid.UUID, history []models.ConversationMessage, latest string) (bool, error) {
	order, err := s.orderRepo.Get(ctx, merchantID, orderID)
	if err != nil {
		return false, fmt.Errorf("load order: %w", err)
	}
	user, err := s.userRepo.Get(ctx, merchantID, userID)
	if err != nil {
		return false, fmt.Errorf("load user: %w", err)
	}

	ok, err := s.ShouldSendUpsell(ctx, order, user, history, latest)
	if err != nil || !ok {
		return false, err
	}
	if err := s.scheduler.ScheduleUpsell(ctx, merchantID, userID, orderID, s.now().Add(UpsellDelay)); err != nil {
		return false, err
	}
	s.logger.Info("Upsell scheduled",
		zap.String("merchant_id", merchantID.String()),
		zap.String("order_id", orderID.String()))
	return true, nil
}
