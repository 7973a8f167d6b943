package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/config"
	"github.com/recete-ai/recete-engine/pkg/llm"
	"github.com/recete-ai/recete-engine/pkg/metrics"
)

// EmbeddingResult is one embedded input.
type EmbeddingResult struct {
	Vector     []float32
	TokenCount int
}

// EmbeddingService turns text into vectors.
type EmbeddingService interface {
	// Embed embeds a single text.
	Embed(ctx context.Context, text string) (*EmbeddingResult, error)

	// EmbedBatch embeds texts in provider-sized batches. Results are in input order.
	// Nothing is sent to the provider when any input fails validation.
	EmbedBatch(ctx context.Context, texts []string) ([]EmbeddingResult, error)
}

type embeddingService struct {
	embedder       llm.Embedder
	batchSize      int
	maxInputTokens int
	metrics        *metrics.Metrics
	logger         *zap.Logger
}

// NewEmbeddingService wraps embedder with batching and input validation.
// m may be nil.
func NewEmbeddingService(embedder llm.Embedder, cfg config.EmbeddingConfig, m *metrics.Metrics, logger *zap.Logger) EmbeddingService {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	maxTokens := cfg.MaxInputTokens
	if maxTokens <= 0 {
		maxTokens = 8191
	}
	return &embeddingService{
		embedder:       embedder,
		batchSize:      batchSize,
		maxInputTokens: maxTokens,
		metrics:        m,
		logger:         logger.Named("embedding"),
	}
}

var _ EmbeddingService = (*embeddingService)(nil)

func (s *embeddingService) Embed(ctx context.Context, text string) (*EmbeddingResult, error) {
	results, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return &results[0], nil
}

func (s *embeddingService) EmbedBatch(ctx context.Context, texts []string) ([]EmbeddingResult, error) {
	if len(texts) == 0 {
		return []EmbeddingResult{}, nil
	}
	for i, text := range texts {
		if err := s.validate(text); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
	}

	results := make([]EmbeddingResult, 0, len(texts))
	for start := 0; start < len(texts); start += s.batchSize {
		end := min(start+s.batchSize, len(texts))
		batch, err := s.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		results = append(results, batch...)
	}
	return results, nil
}

func (s *embeddingService) validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return apperrors.ErrEmptyContent
	}
	if tokens := EstimateTokens(text); tokens > s.maxInputTokens {
		return fmt.Errorf("%w: ~%d tokens, limit %d", apperrors.ErrInputTooLong, tokens, s.maxInputTokens)
	}
	return nil
}

func (s *embeddingService) embedBatch(ctx context.Context, batch []string) ([]EmbeddingResult, error) {
	start := time.Now()
	resp, err := s.embedder.CreateEmbeddings(ctx, batch)
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.EmbeddingLatency.Observe(elapsed.Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.EmbeddingFailures.Inc()
		}
		llmErr := llm.ClassifyError(err)
		s.logger.Warn("Embedding request failed",
			zap.Int("batch_size", len(batch)),
			zap.String("error_type", string(llmErr.Type)),
			zap.Bool("retryable", llmErr.Retryable),
			zap.Error(err))
		return nil, llmErr
	}
	if len(resp.Vectors) != len(batch) {
		return nil, llm.NewError(llm.ErrorTypeUnknown,
			fmt.Sprintf("expected %d embeddings, got %d", len(batch), len(resp.Vectors)), true, nil)
	}

	if s.metrics != nil {
		s.metrics.EmbeddingTokens.Add(float64(resp.TotalTokens))
	}

	shares := apportionTokens(resp.TotalTokens, len(batch))
	results := make([]EmbeddingResult, len(batch))
	for i, vec := range resp.Vectors {
		results[i] = EmbeddingResult{Vector: vec, TokenCount: shares[i]}
	}

	s.logger.Debug("Embedded batch",
		zap.Int("inputs", len(batch)),
		zap.Int("tokens", resp.TotalTokens),
		zap.Duration("elapsed", elapsed))
	return results, nil
}

// apportionTokens splits total evenly over n items, giving the remainder to
// the first items.
func apportionTokens(total, n int) []int {
	shares := make([]int, n)
	if n == 0 || total <= 0 {
		return shares
	}
	base, rem := total/n, total%n
	for i := range shares {
		shares[i] = base
		if i < rem {
			shares[i]++
		}
	}
	return shares
}
