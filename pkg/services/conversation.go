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
	"github.com/recete-ai/recete-engine/pkg/cache"
	"github.com/recete-ai/recete-engine/pkg/logging"
	"github.com/recete-ai/recete-engine/pkg/metrics"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/phone"
	"github.com/recete-ai/recete-engine/pkg/repositories"
	"github.com/recete-ai/recete-engine/pkg/whatsapp"
)

const (
	// GenerationFallbackResponse is sent when the agent could not produce a reply.
	GenerationFallbackResponse = "Şu anda yardımcı olamıyorum, lütfen kısa süre sonra tekrar deneyin."
	// EscalationGenerationFailed is the escalation reason after a failed generation.
	EscalationGenerationFailed = "generation_failed"

	// ConversationLockWait bounds how long a message waits for the previous
	// message of the same customer to finish.
	ConversationLockWait = 45 * time.Second

	inboundSeenTTL = 24 * time.Hour
)

// InboundResult describes what happened to one inbound WhatsApp message.
type InboundResult struct {
	MerchantID     uuid.UUID     `json:"merchant_id"`
	UserID         uuid.UUID     `json:"user_id"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	Intent         models.Intent `json:"intent,omitempty"`
	Reply          string        `json:"reply,omitempty"`
	Escalated      bool          `json:"escalated"`
	// Skipped is set when no reply was sent: a human is handling the
	// conversation or the message was already processed.
	Skipped bool `json:"skipped"`
}

// PhoneHasher derives a stable keyed hash of a normalized phone. Lock keys
// use it so raw phone numbers never reach Redis. *crypto.PhoneCipher
// implements it.
type PhoneHasher interface {
	Hash(phone string) string
}

// ConversationService routes inbound customer messages to the agent and
// sends its reply back over WhatsApp.
type ConversationService interface {
	// HandleInbound resolves merchant, customer, order and conversation for
	// msg, runs the agent under the customer's conversation lock, records
	// both turns and sends the reply.
	HandleInbound(ctx context.Context, msg whatsapp.InboundMessage) (*InboundResult, error)

	// SetStatus hands a conversation to a human, back to the AI, or closes it.
	SetStatus(ctx context.Context, merchantID, conversationID uuid.UUID, status models.ConversationStatus) error
}

type conversationService struct {
	merchants        MerchantService
	userRepo         repositories.UserRepository
	orderRepo        repositories.OrderRepository
	conversationRepo repositories.ConversationRepository
	agent            AgentService
	sender           MessageSender
	locker           cache.Locker
	phoneHasher      PhoneHasher
	seen             *cache.Cache
	getTenantCtx     TenantContextFunc
	getSystemCtx     SystemContextFunc
	metrics          *metrics.Metrics
	logger           *zap.Logger
	now              func() time.Time
}

// NewConversationService creates a ConversationService. seen may be nil, in
// which case redelivered webhook messages are not detected.
func NewConversationService(
	merchants MerchantService,
	userRepo repositories.UserRepository,
	orderRepo repositories.OrderRepository,
	conversationRepo repositories.ConversationRepository,
	agent AgentService,
	sender MessageSender,
	locker cache.Locker,
	phoneHasher PhoneHasher,
	seen *cache.Cache,
	getTenantCtx TenantContextFunc,
	getSystemCtx SystemContextFunc,
	m *metrics.Metrics,
	logger *zap.Logger,
) ConversationService {
	return &conversationService{
		merchants:        merchants,
		userRepo:         userRepo,
		orderRepo:        orderRepo,
		conversationRepo: conversationRepo,
		agent:            agent,
		sender:           sender,
		locker:           locker,
		phoneHasher:      phoneHasher,
		seen:             seen,
		getTenantCtx:     getTenantCtx,
		getSystemCtx:     getSystemCtx,
		metrics:          m,
		logger:           logger.Named("conversations"),
		now:              time.Now,
	}
}

var _ ConversationService = (*conversationService)(nil)

func (s *conversationService) HandleInbound(ctx context.Context, msg whatsapp.InboundMessage) (*InboundResult, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return &InboundResult{Skipped: true}, nil
	}

	merchant, err := s.resolveMerchant(ctx, msg.PhoneNumberID)
	if err != nil {
		return nil, err
	}

	tenantCtx, cleanup, err := s.getTenantCtx(ctx, merchant.ID)
	if err != nil {
		return nil, fmt.Errorf("acquire tenant connection: %w", err)
	}
	defer cleanup()

	from, err := phone.Normalize(msg.From)
	if err != nil {
		return nil, err
	}

	// The lock covers user find-or-create too: two first messages from a new
	// number must not create two users.
	unlock, err := s.locker.Lock(tenantCtx, customerLockKey(merchant.ID, s.phoneHasher.Hash(from)), ConversationLockWait)
	if err != nil {
		return nil, fmt.Errorf("lock conversation for merchant %s: %w", merchant.ID, err)
	}
	defer unlock()

	user, err := s.resolveUser(tenantCtx, merchant.ID, from, msg.ProfileName)
	if err != nil {
		return nil, err
	}

	result := &InboundResult{MerchantID: merchant.ID, UserID: user.ID}
	if s.alreadySeen(tenantCtx, msg.MessageID) {
		s.logger.Debug("Redelivered message ignored", zap.String("message_id", msg.MessageID))
		result.Skipped = true
		return result, nil
	}

	conv, err := s.resolveConversation(tenantCtx, merchant.ID, user.ID)
	if err != nil {
		return nil, err
	}
	result.ConversationID = conv.ID

	userTurn := models.ConversationMessage{Role: models.RoleUser, Content: text, Timestamp: msg.Timestamp}
	if userTurn.Timestamp.IsZero() {
		userTurn.Timestamp = s.now()
	}

	if conv.Status == models.ConversationStatusHuman {
		if err := s.conversationRepo.AppendMessages(tenantCtx, merchant.ID, conv.ID, userTurn); err != nil {
			return nil, fmt.Errorf("record message: %w", err)
		}
		s.markSeen(tenantCtx, msg.MessageID)
		result.Skipped = true
		return result, nil
	}

	resp, err := s.agent.HandleMessage(tenantCtx, AgentRequest{
		MerchantID:     merchant.ID,
		UserID:         user.ID,
		ConversationID: conv.ID,
		OrderID:        conv.OrderID,
		Message:        text,
	})
	switch {
	case errors.Is(err, apperrors.ErrGenerationFailed):
		s.logger.Error("Agent could not answer, escalating",
			zap.String("conversation_id", conv.ID.String()),
			zap.String("error", logging.SanitizeError(err)))
		resp = &AgentResponse{Response: GenerationFallbackResponse, RequiresHuman: true}
		if err := s.conversationRepo.Escalate(tenantCtx, merchant.ID, conv.ID, EscalationGenerationFailed); err != nil {
			s.logger.Error("Failed to escalate conversation", zap.String("conversation_id", conv.ID.String()), zap.Error(err))
		} else if s.metrics != nil {
			s.metrics.Escalations.WithLabelValues(EscalationGenerationFailed).Inc()
		}
	case err != nil:
		return nil, err
	}
	result.Intent = resp.Intent
	result.Reply = resp.Response
	result.Escalated = resp.RequiresHuman

	assistantTurn := models.ConversationMessage{Role: models.RoleAssistant, Content: resp.Response, Timestamp: s.now()}
	if err := s.conversationRepo.AppendMessages(tenantCtx, merchant.ID, conv.ID, userTurn, assistantTurn); err != nil {
		return nil, fmt.Errorf("record turns: %w", err)
	}
	if resp.Intent != "" {
		if err := s.conversationRepo.UpdateState(tenantCtx, merchant.ID, conv.ID, resp.Intent); err != nil {
			s.logger.Warn("Failed to record intent", zap.String("conversation_id", conv.ID.String()), zap.Error(err))
		}
	}
	if resp.Intent == models.IntentOptOut {
		if err := s.userRepo.SetConsent(tenantCtx, merchant.ID, user.ID, models.ConsentOptOut); err != nil {
			return nil, fmt.Errorf("record opt-out: %w", err)
		}
		s.logger.Info("Customer opted out",
			zap.String("merchant_id", merchant.ID.String()),
			zap.String("user_id", user.ID.String()))
	}

	if err := s.sender.SendText(tenantCtx, merchant, from, resp.Response, "reply"); err != nil {
		return nil, err
	}
	s.markSeen(tenantCtx, msg.MessageID)
	return result, nil
}

func (s *conversationService) SetStatus(ctx context.Context, merchantID, conversationID uuid.UUID, status models.ConversationStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: unknown conversation status %q", apperrors.ErrInvalidEvent, status)
	}
	if err := s.conversationRepo.SetStatus(ctx, merchantID, conversationID, status); err != nil {
		return fmt.Errorf("set status of conversation %s: %w", conversationID, err)
	}
	s.logger.Info("Conversation status changed",
		zap.String("merchant_id", merchantID.String()),
		zap.String("conversation_id", conversationID.String()),
		zap.String("status", string(status)))
	return nil
}

func customerLockKey(merchantID uuid.UUID, phoneHash string) string {
	return "conversation:" + merchantID.String() + ":" + phoneHash
}

// resolveMerchant routes by the receiving business number. Merchants are not
// tenant scoped, so the lookup runs on a system connection.
func (s *conversationService) resolveMerchant(ctx context.Context, phoneNumberID string) (*models.Merchant, error) {
	sysCtx, cleanup, err := s.getSystemCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire system connection: %w", err)
	}
	defer cleanup()

	merchant, err := s.merchants.GetByWhatsAppPhoneID(sysCtx, phoneNumberID)
	if err != nil {
		return nil, fmt.Errorf("route phone number %s: %w", phoneNumberID, err)
	}
	return merchant, nil
}

// resolveUser finds the customer by phone or creates them with pending consent.
func (s *conversationService) resolveUser(ctx context.Context, merchantID uuid.UUID, from, profileName string) (*models.User, error) {
	user, err := s.userRepo.FindByPhone(ctx, merchantID, from)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	profileName = strings.TrimSpace(profileName)

	if user == nil {
		user = &models.User{
			MerchantID:    merchantID,
			Phone:         from,
			Name:          profileName,
			ConsentStatus: models.ConsentPending,
		}
		if err := s.userRepo.Create(ctx, user); err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		s.logger.Info("Customer created from inbound message",
			zap.String("merchant_id", merchantID.String()),
			zap.String("phone", logging.RedactPhone(from)))
		return user, nil
	}

	if user.Name == "" && profileName != "" {
		user.Name = profileName
		if err := s.userRepo.Update(ctx, user); err != nil {
			s.logger.Warn("Failed to store profile name", zap.String("user_id", user.ID.String()), zap.Error(err))
		}
	}
	return user, nil
}

// resolveConversation returns the customer's open conversation, starting a
// new one when there is none or the last one was resolved, and links it to
// the customer's latest order.
func (s *conversationService) resolveConversation(ctx context.Context, merchantID, userID uuid.UUID) (*models.Conversation, error) {
	conv, err := s.conversationRepo.LatestForUser(ctx, merchantID, userID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil || conv.Status == models.ConversationStatusResolved {
		conv = &models.Conversation{
			MerchantID: merchantID,
			UserID:     userID,
			Status:     models.ConversationStatusAI,
		}
		if err := s.conversationRepo.Create(ctx, conv); err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
	}

	if conv.OrderID == nil {
		order, err := s.orderRepo.LatestForUser(ctx, merchantID, userID)
		switch {
		case err != nil:
			s.logger.Warn("Latest order unavailable", zap.String("user_id", userID.String()), zap.Error(err))
		case order != nil:
			if err := s.conversationRepo.SetOrder(ctx, merchantID, conv.ID, order.ID); err != nil {
				s.logger.Warn("Failed to link order", zap.String("conversation_id", conv.ID.String()), zap.Error(err))
			} else {
				conv.OrderID = &order.ID
			}
		}
	}
	return conv, nil
}

func (s *conversationService) alreadySeen(ctx context.Context, messageID string) bool {
	if s.seen == nil || messageID == "" {
		return false
	}
	var seen bool
	return s.seen.Get(ctx, cache.NamespaceInbound, messageID, &seen) && seen
}

func (s *conversationService) markSeen(ctx context.Context, messageID string) {
	if s.seen == nil || messageID == "" {
		return
	}
	s.seen.Set(ctx, cache.NamespaceInbound, messageID, true, inboundSeenTTL)
}
