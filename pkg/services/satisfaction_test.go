package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/llm"
	"github.com/recete-ai/recete-engine/pkg/models"
)

func TestSatisfactionDetector_Detect(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want SatisfactionResult
	}{
		{
			name: "satisfied",
			raw:  `{"satisfied": true, "confidence": 0.9, "reason": "loves the serum"}`,
			want: SatisfactionResult{Satisfied: true, Confidence: 0.9, Reason: "loves the serum"},
		},
		{
			name: "wrapped in prose",
			raw:  "Here you go: {\"satisfied\": false, \"confidence\": 0.4, \"reason\": \"unsure\"}",
			want: SatisfactionResult{Satisfied: false, Confidence: 0.4, Reason: "unsure"},
		},
		{
			name: "confidence clamped",
			raw:  `{"satisfied": true, "confidence": 3, "reason": ""}`,
			want: SatisfactionResult{Satisfied: true, Confidence: 1},
		},
		{
			name: "not json",
			raw:  "The customer seems happy.",
			want: SatisfactionResult{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector := NewSatisfactionDetector(llm.NewMockChatClient(tt.raw), zap.NewNop())

			got := detector.Detect(context.Background(), nil, "Çok memnunum, teşekkürler!")

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSatisfactionDetector_UsesJSONMode(t *testing.T) {
	client := llm.NewMockChatClient(`{"satisfied": true, "confidence": 0.8}`)
	detector := NewSatisfactionDetector(client, zap.NewNop())
	history := []models.ConversationMessage{{Role: models.RoleAssistant, Content: "Ürününüzü beğendiniz mi?"}}

	detector.Detect(context.Background(), history, "Harika, cildim çok yumuşak")

	require.Equal(t, 1, client.Calls())
	req := client.Requests[0]
	assert.True(t, req.JSONMode)
	require.Len(t, req.Messages, 1)
	assert.Contains(t, req.Messages[0].Content, "assistant: Ürününüzü beğendiniz mi?")
	assert.Contains(t, req.Messages[0].Content, "user: Harika, cildim çok yumuşak")
}

func TestSatisfactionDetector_ProviderError(t *testing.T) {
	client := &llm.MockChatClient{ChatFunc: func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, errors.New("timeout")
	}}
	detector := NewSatisfactionDetector(client, zap.NewNop())

	got := detector.Detect(context.Background(), nil, "süper")

	assert.False(t, got.Satisfied)
	assert.Zero(t, got.Confidence)
}
