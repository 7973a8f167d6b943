package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"
)

const jsonModeInstruction = "Respond with a single JSON object and nothing else."

// AnthropicClient serves chat completions from the Anthropic Messages API.
// Anthropic has no embeddings endpoint; pair it with an OpenAI Embedder.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
	logger *zap.Logger
}

// NewAnthropicClient creates a chat client for the Anthropic Messages API.
func NewAnthropicClient(apiKey, baseURL, model string, timeout time.Duration, logger *zap.Logger) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}

	opts := []anthropic.ClientOption{anthropic.WithHTTPClient(&http.Client{Timeout: timeout})}
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimSuffix(baseURL, "/")))
	}

	return &AnthropicClient{
		client: anthropic.NewClient(apiKey, opts...),
		model:  model,
		logger: logger.Named("llm.anthropic"),
	}, nil
}

// Chat runs one Messages API call. JSONMode is emulated with a system
// instruction and ExtractJSON on the reply.
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	system := req.System
	if req.JSONMode {
		system = strings.TrimSpace(system + "\n\n" + jsonModeInstruction)
	}

	messages := make([]anthropic.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		text := m.Content
		role := anthropic.RoleUser
		if m.Role == RoleAssistant {
			role = anthropic.RoleAssistant
		}
		messages = append(messages, anthropic.Message{
			Role:    role,
			Content: []anthropic.MessageContent{{Type: "text", Text: &text}},
		})
	}

	temperature := req.Temperature
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	start := time.Now()
	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:       anthropic.Model(c.model),
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		c.logger.Error("Messages request failed",
			zap.String("model", c.model),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, withContext(ClassifyError(err), c.model)
	}

	content := ""
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != nil {
			content = *block.Text
			break
		}
	}
	if req.JSONMode {
		if extracted, err := ExtractJSON(content); err == nil {
			content = extracted
		}
	}

	return &ChatResponse{
		Content:          content,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}, nil
}

// Model returns the configured model name.
func (c *AnthropicClient) Model() string {
	return c.model
}

var _ ChatClient = (*AnthropicClient)(nil)
