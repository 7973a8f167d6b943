package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Client talks to OpenAI-compatible endpoints for both chat and embeddings.
type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	dimensions     int
	logger         *zap.Logger
}

// Config holds configuration for creating an OpenAI-compatible client.
type Config struct {
	BaseURL        string // empty uses api.openai.com
	APIKey         string
	Model          string
	EmbeddingModel string
	Dimensions     int
	Timeout        time.Duration
}

// NewClient creates a new OpenAI-compatible client.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("api key is required for the hosted OpenAI endpoint")
	}

	return &Client{
		client:         openai.NewClientWithConfig(openAIConfig(cfg)),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		dimensions:     cfg.Dimensions,
		logger:         logger.Named("llm"),
	}, nil
}

func openAIConfig(cfg *Config) openai.ClientConfig {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		// HTTPClient is an HTTPDoer interface; replace it rather than mutate it.
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return clientConfig
}

// Chat runs one chat completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	completionReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		completionReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, completionReq)
	if err != nil {
		c.logger.Error("Chat completion failed",
			zap.String("model", c.model),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, withContext(ClassifyError(err), c.model)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError(ErrorTypeUnknown, "no choices in response", false, nil)
	}

	c.logger.Debug("Chat completion finished",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)))

	return &ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// CreateEmbeddings embeds inputs in a single provider call.
func (c *Client) CreateEmbeddings(ctx context.Context, inputs []string) (*EmbeddingResponse, error) {
	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.embeddingModel),
		Input: inputs,
	}
	if c.dimensions > 0 {
		req.Dimensions = c.dimensions
	}

	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, withContext(ClassifyError(err), c.embeddingModel)
	}
	if len(resp.Data) != len(inputs) {
		return nil, NewError(ErrorTypeUnknown,
			fmt.Sprintf("expected %d embeddings, got %d", len(inputs), len(resp.Data)), true, nil)
	}

	vectors := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, NewError(ErrorTypeUnknown, fmt.Sprintf("embedding index %d out of range", d.Index), false, nil)
		}
		vectors[d.Index] = d.Embedding
	}
	return &EmbeddingResponse{Vectors: vectors, TotalTokens: resp.Usage.TotalTokens}, nil
}

// Model returns the configured chat model.
func (c *Client) Model() string {
	return c.model
}

var (
	_ ChatClient = (*Client)(nil)
	_ Embedder   = (*Client)(nil)
)
