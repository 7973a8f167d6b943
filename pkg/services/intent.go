package services

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/llm"
	"github.com/recete-ai/recete-engine/pkg/logging"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/prompts"
)

const (
	intentTemperature = 0.1
	intentMaxTokens   = 10
	// intentHistoryTurns is how much prior conversation the classifier sees.
	intentHistoryTurns = 4
)

// IntentClassifier labels inbound customer messages.
type IntentClassifier interface {
	// Classify never fails: provider errors and unrecognized labels yield
	// models.IntentChat.
	Classify(ctx context.Context, message string, history []models.ConversationMessage) models.Intent
}

type intentClassifier struct {
	client llm.ChatClient
	logger *zap.Logger
}

func NewIntentClassifier(client llm.ChatClient, logger *zap.Logger) IntentClassifier {
	return &intentClassifier{client: client, logger: logger.Named("intent")}
}

var _ IntentClassifier = (*intentClassifier)(nil)

func (c *intentClassifier) Classify(ctx context.Context, message string, history []models.ConversationMessage) models.Intent {
	messages := toLLMMessages(tail(history, intentHistoryTurns))
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: message})

	resp, err := c.client.Chat(ctx, llm.ChatRequest{
		System:      prompts.IntentClassificationSystem,
		Messages:    messages,
		Temperature: intentTemperature,
		MaxTokens:   intentMaxTokens,
	})
	if err != nil {
		c.logger.Warn("Intent classification failed, defaulting to chat",
			zap.String("error", logging.SanitizeError(err)))
		return models.IntentChat
	}

	intent := parseIntentLabel(resp.Content)
	c.logger.Debug("Intent classified",
		zap.String("raw", logging.TruncateString(resp.Content, 40)),
		zap.String("intent", string(intent)))
	return intent
}

// parseIntentLabel accepts minor formatting drift such as quotes, a trailing
// period, capitals or "return intent" written with a space.
func parseIntentLabel(raw string) models.Intent {
	label := strings.ToLower(strings.TrimSpace(raw))
	label = strings.Trim(label, "\"'`.!:;, \n")
	label = strings.NewReplacer(" ", "_", "-", "_").Replace(label)
	if intent := models.ParseIntent(label); intent != models.IntentChat || label == string(models.IntentChat) {
		return intent
	}
	if fields := strings.FieldsFunc(label, func(r rune) bool { return r == '_' || r == '\n' }); len(fields) > 0 {
		return models.ParseIntent(fields[0])
	}
	return models.IntentChat
}

func tail(history []models.ConversationMessage, n int) []models.ConversationMessage {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// toLLMMessages maps stored history onto chat turns. Merchant replies are
// presented as assistant turns.
func toLLMMessages(history []models.ConversationMessage) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		role := llm.RoleAssistant
		if msg.Role == models.RoleUser {
			role = llm.RoleUser
		}
		out = append(out, llm.Message{Role: role, Content: msg.Content})
	}
	return out
}
