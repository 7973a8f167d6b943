package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/config"
)

// NewChatClient builds the configured chat provider behind a circuit breaker.
func NewChatClient(cfg *config.Config, logger *zap.Logger) (ChatClient, error) {
	var (
		inner ChatClient
		err   error
	)

	switch cfg.LLM.Provider {
	case "anthropic":
		inner, err = NewAnthropicClient(cfg.LLM.AnthropicAPIKey, cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout, logger)
	case "openai":
		inner, err = NewClient(&Config{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.OpenAIAPIKey,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s chat client: %w", cfg.LLM.Provider, err)
	}

	return NewGuardedChatClient(inner, NewCircuitBreaker(DefaultCircuitBreakerConfig())), nil
}

// NewEmbedder builds the OpenAI-compatible embedding client.
func NewEmbedder(cfg *config.Config, logger *zap.Logger) (Embedder, error) {
	client, err := NewClient(&Config{
		BaseURL:        cfg.Embedding.BaseURL,
		APIKey:         cfg.LLM.OpenAIAPIKey,
		EmbeddingModel: cfg.Embedding.Model,
		Dimensions:     cfg.Embedding.Dimensions,
		Timeout:        cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}
	return client, nil
}
