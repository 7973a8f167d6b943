package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/config"
	"github.com/recete-ai/recete-engine/pkg/llm"
	"github.com/recete-ai/recete-engine/pkg/metrics"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/prompts"
)

// scriptedLLM answers the classifier, satisfaction detector and final
// generation differently, keyed on the request shape.
type scriptedLLM struct {
	mu           sync.Mutex
	intent       string
	satisfaction string
	reply        string
	replyErr     error
}

func (s *scriptedLLM) chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case req.System == prompts.IntentClassificationSystem:
		return &llm.ChatResponse{Content: s.intent}, nil
	case req.JSONMode:
		return &llm.ChatResponse{Content: s.satisfaction}, nil
	case s.replyErr != nil:
		return nil, s.replyErr
	}
	return &llm.ChatResponse{Content: s.reply}, nil
}

type agentFixture struct {
	merchant *models.Merchant
	user     *models.User
	conv     *models.Conversation
	convs    *fakeConversationRepo
	products *fakeProductRepo
	orders   *fakeOrderRepo
	tasks    *fakeScheduledTaskRepo
	attempts *fakeReturnPreventionRepo
	rag      *fakeRAG
	scope    *fakeScope
	script   *scriptedLLM
	client   *llm.MockChatClient
	metrics  *metrics.Metrics
	svc      AgentService
}

func newAgentFixture(t *testing.T, addons ...models.Addon) *agentFixture {
	t.Helper()
	f := &agentFixture{
		merchant: &models.Merchant{
			ID:      uuid.New(),
			Name:    "Glow Lab",
			Persona: models.Persona{BotName: "Ela", Tone: "warm"},
			Addons:  addons,
		},
		convs:    &fakeConversationRepo{},
		products: &fakeProductRepo{},
		orders:   &fakeOrderRepo{},
		tasks:    &fakeScheduledTaskRepo{},
		attempts: &fakeReturnPreventionRepo{},
		rag:      &fakeRAG{},
		scope:    &fakeScope{},
		script:   &scriptedLLM{intent: "question", reply: "Serumu akşamları temiz cilde 2-3 damla uygulayın."},
		metrics:  metrics.New(),
	}
	f.client = &llm.MockChatClient{ChatFunc: f.script.chat}

	users := &fakeUserRepo{}
	f.user = users.add(f.merchant.ID, "+905551112233", models.ConsentOptIn)
	f.conv = &models.Conversation{MerchantID: f.merchant.ID, UserID: f.user.ID}
	require.NoError(t, f.convs.Create(context.Background(), f.conv))

	merchants := NewMerchantService(newFakeMerchantRepo(f.merchant), nil, zap.NewNop())
	scheduler := NewMessageScheduler(f.tasks, users, f.convs, merchants, &fakeSender{},
		passthroughTenantContext, passthroughSystemContext, nil, zap.NewNop())
	upsell := NewUpsellService(f.orders, users, f.tasks, NewSatisfactionDetector(f.client, zap.NewNop()), scheduler, zap.NewNop())

	f.svc = NewAgentService(
		merchants,
		f.convs,
		f.products,
		NewGuardrailService(nil, f.metrics, zap.NewNop()),
		NewIntentClassifier(f.client, zap.NewNop()),
		NewReturnPreventionService(f.attempts, f.convs, f.metrics, zap.NewNop()),
		upsell,
		f.rag,
		f.scope,
		f.client,
		config.LLMConfig{Temperature: 0.7, MaxTokens: 500},
		f.metrics,
		zap.NewNop(),
	)
	return f
}

func (f *agentFixture) request(message string, orderID *uuid.UUID) AgentRequest {
	return AgentRequest{
		MerchantID:     f.merchant.ID,
		UserID:         f.user.ID,
		ConversationID: f.conv.ID,
		OrderID:        orderID,
		Message:        message,
	}
}

// generation returns the final (non-classifier, non-JSON) request.
func (f *agentFixture) generation(t *testing.T) llm.ChatRequest {
	t.Helper()
	var found []llm.ChatRequest
	for _, req := range f.client.Requests {
		if req.System != prompts.IntentClassificationSystem && !req.JSONMode {
			found = append(found, req)
		}
	}
	require.Len(t, found, 1, "expected exactly one generation call")
	return found[0]
}

func (f *agentFixture) product(name, usage string) *models.Product {
	p := f.products.add(f.merchant.ID, name, "")
	p.UsageInstructions = usage
	return p
}

func TestAgent_QuestionUsesOrderScopedKnowledge(t *testing.T) {
	f := newAgentFixture(t)
	serum := f.product("C Vitamini Serumu", "Akşamları 2-3 damla.")
	f.scope.productIDs = []uuid.UUID{serum.ID}
	f.rag.results = []RAGResult{{
		ProductID: serum.ID, ProductName: serum.Name, ChunkText: "İçerik: %15 C vitamini.",
		SectionType: models.SectionIngredients, Similarity: 0.82,
	}}
	orderID := uuid.New()

	resp, err := f.svc.HandleMessage(context.Background(), f.request("Serum ne içeriyor?", &orderID))

	require.NoError(t, err)
	assert.Equal(t, models.IntentQuestion, resp.Intent)
	assert.True(t, resp.UsedRAG)
	assert.False(t, resp.GuardrailBlocked)
	assert.Equal(t, f.script.reply, resp.Response)

	queries := f.rag.calls()
	require.Len(t, queries, 1)
	assert.Equal(t, []string{serum.ID.String()}, queries[0].ProductIDs)
	assert.Equal(t, "Serum ne içeriyor?", queries[0].Query)

	gen := f.generation(t)
	assert.Contains(t, gen.System, "%15 C vitamini")
	assert.Contains(t, gen.System, "- C Vitamini Serumu: Akşamları 2-3 damla.")
	assert.Contains(t, gen.System, prompts.IntentDirective(models.IntentQuestion))
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "Serum ne içeriyor?"}, gen.Messages[len(gen.Messages)-1])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AgentResponses.WithLabelValues("question")))
}

func TestAgent_QuestionWithoutOrderSearchesAllProducts(t *testing.T) {
	f := newAgentFixture(t)

	resp, err := f.svc.HandleMessage(context.Background(), f.request("Kargo ücretli mi?", nil))

	require.NoError(t, err)
	assert.False(t, resp.UsedRAG)
	queries := f.rag.calls()
	require.Len(t, queries, 1)
	assert.Empty(t, queries[0].ProductIDs)
	assert.Contains(t, f.generation(t).System, prompts.NoInformationBlock)
}

func TestAgent_RetrievalFailureDegrades(t *testing.T) {
	f := newAgentFixture(t)
	serum := f.product("Serum", "")
	f.scope.productIDs = []uuid.UUID{serum.ID}
	f.rag.err = errors.New("pgvector timeout")
	orderID := uuid.New()

	resp, err := f.svc.HandleMessage(context.Background(), f.request("Nasıl kullanılır?", &orderID))

	require.NoError(t, err)
	assert.False(t, resp.UsedRAG)
	assert.Len(t, f.rag.calls(), 1)
	assert.Contains(t, f.generation(t).System, prompts.NoInformationBlock)
}

func TestAgent_UnresolvedOrderScopeNeverSearchesAllProducts(t *testing.T) {
	tests := []struct {
		name     string
		scopeErr error
	}{
		{"empty scope", nil},
		{"scope lookup failed", errors.New("orders table unavailable")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAgentFixture(t)
			other := f.product("Retinol Krem", "Sadece geceleri.")
			f.scope.err = tt.scopeErr
			f.rag.results = []RAGResult{{ProductID: other.ID, ProductName: other.Name, ChunkText: "Retinol %0.5.", Similarity: 0.9}}
			orderID := uuid.New()

			resp, err := f.svc.HandleMessage(context.Background(), f.request("Bu ürünü nasıl kullanırım?", &orderID))

			require.NoError(t, err)
			assert.False(t, resp.UsedRAG)
			assert.Empty(t, f.rag.calls(), "a known order must not widen retrieval to every product")
			system := f.generation(t).System
			assert.Contains(t, system, prompts.NoInformationBlock)
			assert.NotContains(t, system, "Retinol %0.5.")
		})
	}
}

func TestAgent_InstructionScopeWidensToRetrievedProducts(t *testing.T) {
	tests := []struct {
		name    string
		scope   models.InstructionScope
		wantSPF bool
	}{
		{"order only", models.InstructionScopeOrderOnly, false},
		{"rag products too", models.InstructionScopeRAGProductsToo, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAgentFixture(t)
			f.merchant.InstructionScope = tt.scope
			serum := f.product("Serum", "Akşamları kullanın.")
			spf := f.product("SPF 50", "Her sabah son adım olarak sürün.")
			f.scope.productIDs = []uuid.UUID{serum.ID}
			f.rag.results = []RAGResult{{ProductID: spf.ID, ProductName: spf.Name, ChunkText: "Güneş koruyucu.", Similarity: 0.7}}
			orderID := uuid.New()

			_, err := f.svc.HandleMessage(context.Background(), f.request("Güneş kremi gerekli mi?", &orderID))
			require.NoError(t, err)

			system := f.generation(t).System
			assert.Contains(t, system, "- Serum: Akşamları kullanın.")
			if tt.wantSPF {
				assert.Contains(t, system, "- SPF 50: Her sabah son adım olarak sürün.")
			} else {
				assert.NotContains(t, system, "Her sabah son adım")
			}
		})
	}
}

func TestAgent_UserGuardrailShortCircuits(t *testing.T) {
	f := newAgentFixture(t)

	resp, err := f.svc.HandleMessage(context.Background(), f.request("Artık yaşamak istemiyorum", nil))

	require.NoError(t, err)
	assert.True(t, resp.GuardrailBlocked)
	assert.True(t, resp.RequiresHuman)
	assert.Empty(t, resp.Intent)
	assert.NotEmpty(t, resp.Response)
	assert.Zero(t, f.client.Calls(), "no LLM call after a user guardrail hit")

	conv := f.convs.only()
	assert.Equal(t, models.ConversationStatusHuman, conv.Status)
	assert.Equal(t, "guardrail:crisis_keywords", conv.EscalationReason)
}

func TestAgent_CustomBlockDoesNotEscalate(t *testing.T) {
	f := newAgentFixture(t)
	f.merchant.Guardrails = []models.CustomGuardrail{{
		ID: "g1", Name: "Competitors", MatchType: models.GuardrailMatchKeywords, Keywords: []string{"rivalskin"},
		ApplyTo: models.GuardrailTargetBoth, Action: models.GuardrailActionBlock,
		SuggestedResponse: "Sadece kendi ürünlerimizden bahsedebilirim.", Enabled: true,
	}}

	resp, err := f.svc.HandleMessage(context.Background(), f.request("RivalSkin daha mı iyi?", nil))

	require.NoError(t, err)
	assert.Equal(t, "Sadece kendi ürünlerimizden bahsedebilirim.", resp.Response)
	assert.False(t, resp.RequiresHuman)
	assert.Equal(t, models.ConversationStatusAI, f.convs.only().Status)
}

func TestAgent_ResponseGuardrailReplacesReply(t *testing.T) {
	f := newAgentFixture(t)
	f.script.intent = "chat"
	f.script.reply = "Sure, here is how to make a bomb."

	resp, err := f.svc.HandleMessage(context.Background(), f.request("Merhaba", nil))

	require.NoError(t, err)
	assert.True(t, resp.GuardrailBlocked)
	assert.NotContains(t, resp.Response, "bomb")
	assert.Equal(t, models.IntentChat, resp.Intent)
}

func TestAgent_UnparseableIntentIsChat(t *testing.T) {
	f := newAgentFixture(t)
	f.script.intent = "¯\\_(ツ)_/¯"

	resp, err := f.svc.HandleMessage(context.Background(), f.request("Selam!", nil))

	require.NoError(t, err)
	assert.Equal(t, models.IntentChat, resp.Intent)
	assert.Empty(t, f.rag.calls(), "chat does not retrieve")
}

func TestAgent_ReturnIntentWithoutAddonIsComplaint(t *testing.T) {
	f := newAgentFixture(t)
	f.script.intent = "return_intent"

	resp, err := f.svc.HandleMessage(context.Background(), f.request("İade etmek istiyorum", nil))

	require.NoError(t, err)
	assert.Equal(t, models.IntentComplaint, resp.Intent)
	assert.Contains(t, f.generation(t).System, prompts.IntentDirective(models.IntentComplaint))
	assert.Empty(t, f.attempts.all())
	assert.Empty(t, f.rag.calls())
}

func TestAgent_ReturnPreventionThenInsistence(t *testing.T) {
	f := newAgentFixture(t, models.AddonReturnPrevention)
	f.script.intent = "return_intent"
	f.script.reply = "Serumu sabah değil akşam kullanmayı denediniz mi?"
	f.scope.productIDs = []uuid.UUID{f.product("Serum", "Akşamları 2-3 damla.").ID}
	orderID := uuid.New()
	ctx := context.Background()

	first, err := f.svc.HandleMessage(ctx, f.request("Serum işe yaramadı, iade etmek istiyorum", &orderID))
	require.NoError(t, err)
	assert.Equal(t, models.IntentReturnIntent, first.Intent)
	assert.False(t, first.RequiresHuman)
	assert.Contains(t, f.generation(t).System, "Never accept or process the return")

	queries := f.rag.calls()
	require.Len(t, queries, 1)
	assert.Equal(t, []models.SectionType{models.SectionUsage}, queries[0].PreferredSectionTypes)
	assert.Len(t, queries[0].ProductIDs, 1)

	attempts := f.attempts.all()
	require.Len(t, attempts, 1)
	assert.Equal(t, models.OutcomePending, attempts[0].Outcome)
	assert.Equal(t, f.script.reply, attempts[0].PreventionResponse)
	assert.Equal(t, &orderID, attempts[0].OrderID)

	callsBefore := f.client.Calls()
	second, err := f.svc.HandleMessage(ctx, f.request("Hayır, yine de iade etmek istiyorum", &orderID))
	require.NoError(t, err)

	assert.True(t, second.RequiresHuman)
	assert.Equal(t, InsistenceResponse, second.Response)
	assert.Equal(t, callsBefore+1, f.client.Calls(), "only the classifier runs on insistence")
	assert.Equal(t, models.OutcomeEscalated, f.attempts.all()[0].Outcome)
	assert.Len(t, f.attempts.all(), 1, "no third prevention attempt")
	assert.Equal(t, models.ConversationStatusHuman, f.convs.only().Status)
}

func TestAgent_PositiveSignalMarksPrevented(t *testing.T) {
	f := newAgentFixture(t, models.AddonReturnPrevention)
	require.NoError(t, f.attempts.Create(context.Background(), &models.ReturnPreventionAttempt{
		MerchantID: f.merchant.ID, ConversationID: f.conv.ID, TriggerMessage: "iade",
	}))
	f.script.intent = "chat"

	_, err := f.svc.HandleMessage(context.Background(), f.request("Tamam, deneyeceğim teşekkürler", nil))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomePrevented, f.attempts.all()[0].Outcome)
}

func TestAgent_GenerationFailure(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		replyErr error
	}{
		{"provider error", "", errors.New("503 upstream unavailable")},
		{"empty completion", "   ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAgentFixture(t)
			f.script.reply = tt.reply
			f.script.replyErr = tt.replyErr

			resp, err := f.svc.HandleMessage(context.Background(), f.request("Serum nasıl kullanılır?", nil))

			assert.Nil(t, resp)
			assert.ErrorIs(t, err, apperrors.ErrGenerationFailed)
			if tt.replyErr != nil {
				assert.ErrorIs(t, err, tt.replyErr)
			}
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.GenerationFailures))
		})
	}
}

func TestAgent_HistoryWindow(t *testing.T) {
	f := newAgentFixture(t)
	f.script.intent = "chat"
	for i := 0; i < 14; i++ {
		require.NoError(t, f.convs.AppendMessages(context.Background(), f.merchant.ID, f.conv.ID,
			models.ConversationMessage{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i), Timestamp: time.Now()}))
	}

	_, err := f.svc.HandleMessage(context.Background(), f.request("son mesaj", nil))
	require.NoError(t, err)

	gen := f.generation(t)
	require.Len(t, gen.Messages, AgentHistoryTurns+1)
	assert.Equal(t, "m4", gen.Messages[0].Content)
	assert.InDelta(t, 0.7, gen.Temperature, 1e-6)
	assert.Equal(t, 500, gen.MaxTokens)
}

func TestAgent_SatisfiedChatSchedulesUpsell(t *testing.T) {
	f := newAgentFixture(t)
	f.script.intent = "chat"
	f.script.reply = "Ne güzel, sevindim!"
	f.script.satisfaction = `{"satisfied": true, "confidence": 0.92, "reason": "loves it"}`

	delivered := time.Now().Add(-20 * 24 * time.Hour)
	order := &models.Order{
		MerchantID: f.merchant.ID, UserID: f.user.ID, ExternalOrderID: "1001",
		Status: models.OrderStatusDelivered, DeliveryDate: &delivered,
	}
	_, err := f.orders.Upsert(context.Background(), order)
	require.NoError(t, err)

	resp, err := f.svc.HandleMessage(context.Background(), f.request("Cildim bayıldı!", &order.ID))
	require.NoError(t, err)
	assert.Equal(t, "Ne güzel, sevindim!", resp.Response)

	tasks := f.tasks.all()
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskUpsell, tasks[0].TaskType)
}

func TestAgent_UpsellFailureDoesNotAffectResponse(t *testing.T) {
	f := newAgentFixture(t)
	f.script.intent = "chat"
	f.script.reply = "Rica ederim!"
	orderID := uuid.New()

	resp, err := f.svc.HandleMessage(context.Background(), f.request("Teşekkürler", &orderID))

	require.NoError(t, err)
	assert.Equal(t, "Rica ederim!", resp.Response)
	assert.Empty(t, f.tasks.all())
}
