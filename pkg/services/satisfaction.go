package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/llm"
	"github.com/recete-ai/recete-engine/pkg/logging"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/prompts"
)

const satisfactionHistoryTurns = 6

// SatisfactionResult is the detector's verdict on the customer's mood.
type SatisfactionResult struct {
	Satisfied  bool    `json:"satisfied"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// SatisfactionDetector asks the LLM whether a customer is happy with their purchase.
type SatisfactionDetector interface {
	// Detect never fails. Provider or parse errors report not satisfied with
	// zero confidence.
	Detect(ctx context.Context, history []models.ConversationMessage, latest string) SatisfactionResult
}

type satisfactionDetector struct {
	client llm.ChatClient
	logger *zap.Logger
}

func NewSatisfactionDetector(client llm.ChatClient, logger *zap.Logger) SatisfactionDetector {
	return &satisfactionDetector{client: client, logger: logger.Named("satisfaction")}
}

var _ SatisfactionDetector = (*satisfactionDetector)(nil)

func (d *satisfactionDetector) Detect(ctx context.Context, history []models.ConversationMessage, latest string) SatisfactionResult {
	resp, err := d.client.Chat(ctx, llm.ChatRequest{
		System: prompts.SatisfactionSystem,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: prompts.BuildSatisfactionPrompt(tail(history, satisfactionHistoryTurns), latest),
		}},
		Temperature: 0.2,
		MaxTokens:   150,
		JSONMode:    true,
	})
	if err != nil {
		d.logger.Warn("Satisfaction detection failed",
			zap.String("error", logging.SanitizeError(err)))
		return SatisfactionResult{}
	}

	result, err := llm.ParseJSONResponse[SatisfactionResult](resp.Content)
	if err != nil {
		d.logger.Warn("Unparseable satisfaction response",
			zap.String("response", logging.TruncateString(resp.Content, 200)),
			zap.Error(err))
		return SatisfactionResult{}
	}

	switch {
	case result.Confidence < 0:
		result.Confidence = 0
	case result.Confidence > 1:
		result.Confidence = 1
	}
	return result
}
