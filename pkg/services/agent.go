package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/config"
	"github.com/recete-ai/recete-engine/pkg/llm"
	"github.com/recete-ai/recete-engine/pkg/logging"
	"github.com/recete-ai/recete-engine/pkg/metrics"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/prompts"
	"github.com/recete-ai/recete-engine/pkg/repositories"
)

// AgentHistoryTurns is how many stored turns accompany the final generation.
const AgentHistoryTurns = 10

var agentTracer = otel.Tracer("recete/agent")

// AgentRequest is one inbound customer message to answer.
type AgentRequest struct {
	MerchantID     uuid.UUID
	UserID         uuid.UUID
	ConversationID uuid.UUID
	OrderID        *uuid.UUID
	Message        string
}

// AgentResponse is the reply to send. Intent is empty when a guardrail
// stopped the message before classification.
type AgentResponse struct {
	Response         string        `json:"response"`
	Intent           models.Intent `json:"intent,omitempty"`
	GuardrailBlocked bool          `json:"guardrail_blocked"`
	RequiresHuman    bool          `json:"requires_human"`
	UsedRAG          bool          `json:"used_rag"`
}

// AgentService answers customer messages.
type AgentService interface {
	// HandleMessage runs the guardrail, classification, retrieval and
	// generation pipeline. Only a failed final generation is an error
	// (wrapping apperrors.ErrGenerationFailed); every other step degrades.
	HandleMessage(ctx context.Context, req AgentRequest) (*AgentResponse, error)
}

type agentService struct {
	merchants        MerchantService
	conversationRepo repositories.ConversationRepository
	productRepo      repositories.ProductRepository
	guardrails       GuardrailService
	classifier       IntentClassifier
	returns          ReturnPreventionService
	upsell           UpsellService
	rag              RAGQueryService
	scope            OrderScopeResolver
	client           llm.ChatClient
	cfg              config.LLMConfig
	metrics          *metrics.Metrics
	logger           *zap.Logger
}

// NewAgentService creates an AgentService.
func NewAgentService(
	merchants MerchantService,
	conversationRepo repositories.ConversationRepository,
	productRepo repositories.ProductRepository,
	guardrails GuardrailService,
	classifier IntentClassifier,
	returns ReturnPreventionService,
	upsell UpsellService,
	rag RAGQueryService,
	scope OrderScopeResolver,
	client llm.ChatClient,
	cfg config.LLMConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) AgentService {
	return &agentService{
		merchants:        merchants,
		conversationRepo: conversationRepo,
		productRepo:      productRepo,
		guardrails:       guardrails,
		classifier:       classifier,
		returns:          returns,
		upsell:           upsell,
		rag:              rag,
		scope:            scope,
		client:           client,
		cfg:              cfg,
		metrics:          m,
		logger:           logger.Named("agent"),
	}
}

var _ AgentService = (*agentService)(nil)

func (s *agentService) HandleMessage(ctx context.Context, req AgentRequest) (*AgentResponse, error) {
	ctx, span := agentTracer.Start(ctx, "AgentService.HandleMessage",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("merchant_id", req.MerchantID.String()),
			attribute.String("conversation_id", req.ConversationID.String()),
		))
	defer span.End()

	merchant, err := s.merchants.Get(ctx, req.MerchantID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load merchant: %w", err)
	}
	history := s.history(ctx, req)

	if check := s.guardrails.Check(ctx, merchant.ID, req.Message, models.GuardrailTargetUserMessage, merchant.Guardrails); !check.Safe {
		span.SetAttributes(attribute.String("guardrail", check.Reason))
		if check.RequiresHuman {
			s.escalate(ctx, req, "guardrail:"+check.Reason)
		}
		return &AgentResponse{
			Response:         check.SuggestedResponse,
			GuardrailBlocked: true,
			RequiresHuman:    check.RequiresHuman,
		}, nil
	}

	intent := s.classifier.Classify(ctx, req.Message, history)
	span.SetAttributes(attribute.String("intent", string(intent)))

	preventing := false
	if intent == models.IntentReturnIntent {
		decision, err := s.returns.Evaluate(ctx, merchant, req.ConversationID)
		switch {
		case err != nil:
			s.logger.Warn("Return prevention unavailable, answering as complaint",
				zap.String("conversation_id", req.ConversationID.String()),
				zap.String("error", logging.SanitizeError(err)))
			intent = models.IntentComplaint
		case decision.Action == PreventionEscalate:
			s.count(intent)
			return &AgentResponse{Response: InsistenceResponse, Intent: intent, RequiresHuman: true}, nil
		case decision.Action == PreventionDowngrade:
			intent = decision.Intent
		default:
			preventing = true
		}
	}

	if (intent == models.IntentChat || intent == models.IntentQuestion) && HasPositiveSignal(req.Message) {
		if _, err := s.returns.MarkPrevented(ctx, merchant.ID, req.ConversationID); err != nil {
			s.logger.Warn("Failed to close prevention attempt", zap.Error(err))
		}
	}

	var knowledge string
	var instructions []prompts.ProductInstruction
	usedRAG := false
	if intent == models.IntentQuestion || preventing {
		knowledge, instructions, usedRAG = s.productContext(ctx, merchant, req, preventing)
	}

	system := prompts.BuildAgentSystemPrompt(prompts.AgentPromptInput{
		Merchant:     merchant,
		Intent:       intent,
		Knowledge:    knowledge,
		Instructions: instructions,
	})

	messages := toLLMMessages(tail(history, AgentHistoryTurns))
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Message})
	resp, err := s.client.Chat(ctx, llm.ChatRequest{
		System:      system,
		Messages:    messages,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = fmt.Errorf("empty completion from %s", s.client.Model())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.GenerationFailures.Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return nil, fmt.Errorf("%w: %w", apperrors.ErrGenerationFailed, err)
	}

	out := &AgentResponse{Response: strings.TrimSpace(resp.Content), Intent: intent, UsedRAG: usedRAG}
	if check := s.guardrails.Check(ctx, merchant.ID, out.Response, models.GuardrailTargetAIResponse, merchant.Guardrails); !check.Safe {
		out.Response = check.SuggestedResponse
		out.GuardrailBlocked = true
		out.RequiresHuman = check.RequiresHuman
		if check.RequiresHuman {
			s.escalate(ctx, req, "guardrail:"+check.Reason)
		}
		s.count(intent)
		return out, nil
	}

	s.afterResponse(ctx, req, intent, preventing, out.Response, history)
	s.count(intent)
	return out, nil
}

// history loads prior turns. A missing conversation means no history.
func (s *agentService) history(ctx context.Context, req AgentRequest) []models.ConversationMessage {
	conv, err := s.conversationRepo.Get(ctx, req.MerchantID, req.ConversationID)
	if err != nil {
		s.logger.Warn("Conversation history unavailable",
			zap.String("conversation_id", req.ConversationID.String()),
			zap.Error(err))
		return nil
	}
	return conv.History
}

// productContext retrieves knowledge for the message and the usage
// instructions of the products in scope. Failures leave the context empty.
// When the message is about a known order, retrieval is limited to that
// order's products; an unresolved scope means no retrieval at all.
func (s *agentService) productContext(ctx context.Context, merchant *models.Merchant, req AgentRequest, preventing bool) (string, []prompts.ProductInstruction, bool) {
	var orderProducts []uuid.UUID
	if req.OrderID != nil {
		scope, err := s.scope.ResolveOrderProductScope(ctx, merchant.ID, *req.OrderID)
		if err != nil {
			s.logger.Warn("Order scope unavailable, skipping knowledge retrieval",
				zap.String("order_id", req.OrderID.String()),
				zap.Error(err))
		} else {
			orderProducts = scope.ProductIDs
		}
	}

	var results []RAGResult
	switch {
	case req.OrderID != nil && len(orderProducts) == 0:
		s.logger.Debug("Order has no resolvable products, answering without knowledge",
			zap.String("order_id", req.OrderID.String()))
	default:
		query := RAGQuery{MerchantID: merchant.ID, Query: req.Message}
		for _, id := range orderProducts {
			query.ProductIDs = append(query.ProductIDs, id.String())
		}
		if preventing {
			query.PreferredSectionTypes = []models.SectionType{models.SectionUsage}
		}
		if resp, err := s.rag.Query(ctx, query); err != nil {
			s.logger.Warn("Knowledge retrieval failed, answering without context",
				zap.String("merchant_id", merchant.ID.String()),
				zap.String("error", logging.SanitizeError(err)))
		} else {
			results = resp.Results
		}
	}

	instructionProducts := orderProducts
	if merchant.EffectiveInstructionScope() == models.InstructionScopeRAGProductsToo {
		for _, r := range results {
			instructionProducts = appendUnique(instructionProducts, r.ProductID)
		}
	}
	instructions := s.instructions(ctx, merchant.ID, instructionProducts)

	if len(results) == 0 {
		return "", instructions, false
	}
	return FormatForLLM(results), instructions, true
}

func (s *agentService) instructions(ctx context.Context, merchantID uuid.UUID, ids []uuid.UUID) []prompts.ProductInstruction {
	if len(ids) == 0 {
		return nil
	}
	products, err := s.productRepo.GetByIDs(ctx, merchantID, ids)
	if err != nil {
		s.logger.Warn("Usage instructions unavailable", zap.Error(err))
		return nil
	}
	var out []prompts.ProductInstruction
	for _, p := range products {
		if text := strings.TrimSpace(p.UsageInstructions); text != "" {
			out = append(out, prompts.ProductInstruction{ProductName: p.Name, Instructions: text})
		}
	}
	return out
}

func appendUnique(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// afterResponse runs best-effort side effects of a delivered answer.
func (s *agentService) afterResponse(ctx context.Context, req AgentRequest, intent models.Intent, preventing bool, response string, history []models.ConversationMessage) {
	if preventing {
		err := s.returns.LogAttempt(ctx, &models.ReturnPreventionAttempt{
			MerchantID:         req.MerchantID,
			ConversationID:     req.ConversationID,
			OrderID:            req.OrderID,
			TriggerMessage:     req.Message,
			PreventionResponse: response,
		})
		if err != nil {
			s.logger.Warn("Failed to log prevention attempt", zap.Error(err))
		}
	}

	if intent == models.IntentChat && req.OrderID != nil {
		if _, err := s.upsell.CheckAndScheduleUpsell(ctx, req.MerchantID, req.UserID, *req.OrderID, history, req.Message); err != nil {
			s.logger.Warn("Upsell check failed",
				zap.String("order_id", req.OrderID.String()),
				zap.String("error", logging.SanitizeError(err)))
		}
	}
}

func (s *agentService) escalate(ctx context.Context, req AgentRequest, reason string) {
	if err := s.conversationRepo.Escalate(ctx, req.MerchantID, req.ConversationID, reason); err != nil {
		s.logger.Error("Failed to escalate conversation",
			zap.String("conversation_id", req.ConversationID.String()),
			zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.Escalations.WithLabelValues(reason).Inc()
	}
}

func (s *agentService) count(intent models.Intent) {
	if s.metrics != nil {
		s.metrics.AgentResponses.WithLabelValues(string(intent)).Inc()
	}
}
