package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/metrics"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/repositories"
)

// EscalationReturnInsistence is the escalation reason recorded when a
// customer repeats a return request while a prevention attempt is open.
const EscalationReturnInsistence = "return_insistence"

// InsistenceResponse is sent when a return request is handed to a human.
const InsistenceResponse = "Talebinizi anlıyorum. İade sürecinde size yardımcı olması için sizi bir müşteri temsilcimize aktarıyorum."

// positiveSignals mark an open prevention attempt as successful. Matched
// at word starts after case folding.
var positiveSignals = []string{
	"thank", "thanks", "ok", "okay", "teşekkür", "sağol", "anladım",
	"deneyeceğim", "tamam", "i'll try", "got it",
}

// HasPositiveSignal reports whether text contains one of the fixed positive
// keywords at the start of a word. This is a heuristic, not sentiment analysis.
func HasPositiveSignal(text string) bool {
	haystack := " " + signalWords(text) + " "
	for _, kw := range positiveSignals {
		if strings.Contains(haystack, " "+signalWords(kw)) {
			return true
		}
	}
	return false
}

// signalWords folds s and reduces it to single-space separated words.
// Apostrophes stay inside words so "i'll" survives.
func signalWords(s string) string {
	folded := strings.ReplaceAll(foldText(s), "’", "'")
	return strings.Join(strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}), " ")
}

// PreventionAction is what the agent should do with a return_intent message.
type PreventionAction string

const (
	// PreventionDowngrade treats the message as a complaint. The merchant has
	// not activated the add-on.
	PreventionDowngrade PreventionAction = "downgrade"
	// PreventionAttempt lets the agent try to keep the sale.
	PreventionAttempt PreventionAction = "attempt"
	// PreventionEscalate hands the customer to a human. The attempt was
	// already made once.
	PreventionEscalate PreventionAction = "escalate"
)

// PreventionDecision is the outcome of ReturnPreventionService.Evaluate.
type PreventionDecision struct {
	Action PreventionAction `json:"action"`
	// Intent is the intent the agent should continue with.
	Intent models.Intent `json:"intent"`
}

// ReturnPreventionService runs the return-prevention flow for conversations.
type ReturnPreventionService interface {
	// Evaluate decides how to handle a return_intent message. On insistence
	// the pending attempt is closed as escalated and the conversation is
	// handed to a human before returning.
	Evaluate(ctx context.Context, merchant *models.Merchant, conversationID uuid.UUID) (*PreventionDecision, error)

	// LogAttempt records a pending attempt. An attempt already pending for
	// the conversation is kept.
	LogAttempt(ctx context.Context, attempt *models.ReturnPreventionAttempt) error

	// MarkPrevented closes the conversation's pending attempt as prevented.
	// Returns false when nothing was pending.
	MarkPrevented(ctx context.Context, merchantID, conversationID uuid.UUID) (bool, error)

	// HasPendingAttempt reports whether the conversation has an open attempt.
	HasPendingAttempt(ctx context.Context, merchantID, conversationID uuid.UUID) (bool, error)
}

type returnPreventionService struct {
	attemptRepo      repositories.ReturnPreventionRepository
	conversationRepo repositories.ConversationRepository
	metrics          *metrics.Metrics
	logger           *zap.Logger
}

func NewReturnPreventionService(
	attemptRepo repositories.ReturnPreventionRepository,
	conversationRepo repositories.ConversationRepository,
	m *metrics.Metrics,
	logger *zap.Logger,
) ReturnPreventionService {
	return &returnPreventionService{
		attemptRepo:      attemptRepo,
		conversationRepo: conversationRepo,
		metrics:          m,
		logger:           logger.Named("return_prevention"),
	}
}

var _ ReturnPreventionService = (*returnPreventionService)(nil)

func (s *returnPreventionService) Evaluate(ctx context.Context, merchant *models.Merchant, conversationID uuid.UUID) (*PreventionDecision, error) {
	if !merchant.HasAddon(models.AddonReturnPrevention) {
		return &PreventionDecision{Action: PreventionDowngrade, Intent: models.IntentComplaint}, nil
	}

	pending, err := s.attemptRepo.GetPending(ctx, merchant.ID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load pending attempt: %w", err)
	}
	if pending == nil {
		return &PreventionDecision{Action: PreventionAttempt, Intent: models.IntentReturnIntent}, nil
	}

	if err := s.attemptRepo.SetOutcome(ctx, merchant.ID, pending.ID, models.OutcomeEscalated); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("escalate attempt %s: %w", pending.ID, err)
	}
	if err := s.conversationRepo.Escalate(ctx, merchant.ID, conversationID, EscalationReturnInsistence); err != nil {
		return nil, fmt.Errorf("escalate conversation %s: %w", conversationID, err)
	}
	if s.metrics != nil {
		s.metrics.Escalations.WithLabelValues(EscalationReturnInsistence).Inc()
	}
	s.logger.Info("Customer insisted on return, escalated to human",
		zap.String("merchant_id", merchant.ID.String()),
		zap.String("conversation_id", conversationID.String()),
		zap.String("attempt_id", pending.ID.String()))

	return &PreventionDecision{Action: PreventionEscalate, Intent: models.IntentReturnIntent}, nil
}

func (s *returnPreventionService) LogAttempt(ctx context.Context, attempt *models.ReturnPreventionAttempt) error {
	err := s.attemptRepo.Create(ctx, attempt)
	if errors.Is(err, apperrors.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("log prevention attempt: %w", err)
	}
	s.logger.Info("Return prevention attempt logged",
		zap.String("conversation_id", attempt.ConversationID.String()),
		zap.String("attempt_id", attempt.ID.String()))
	return nil
}

func (s *returnPreventionService) MarkPrevented(ctx context.Context, merchantID, conversationID uuid.UUID) (bool, error) {
	pending, err := s.attemptRepo.GetPending(ctx, merchantID, conversationID)
	if err != nil {
		return false, fmt.Errorf("load pending attempt: %w", err)
	}
	if pending == nil {
		return false, nil
	}
	err = s.attemptRepo.SetOutcome(ctx, merchantID, pending.ID, models.OutcomePrevented)
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark attempt %s prevented: %w", pending.ID, err)
	}
	s.logger.Info("Return prevented",
		zap.String("conversation_id", conversationID.String()),
		zap.String("attempt_id", pending.ID.String()))
	return true, nil
}

func (s *returnPreventionService) HasPendingAttempt(ctx context.Context, merchantID, conversationID uuid.UUID) (bool, error) {
	pending, err := s.attemptRepo.GetPending(ctx, merchantID, conversationID)
	if err != nil {
		return false, err
	}
	return pending != nil, nil
}
