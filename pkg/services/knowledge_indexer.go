package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/cache"
	"github.com/recete-ai/recete-engine/pkg/metrics"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/repositories"
	"github.com/recete-ai/recete-engine/pkg/services/workqueue"
)

// IndexResult summarizes one indexing run.
type IndexResult struct {
	ChunksCreated int    `json:"chunks_created"`
	TotalTokens   int    `json:"total_tokens"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// KnowledgeIndexer turns product text into embedded knowledge chunks.
type KnowledgeIndexer interface {
	// IndexProduct replaces the product's chunks with chunks of enrichedText,
	// or rawText when enrichedText is blank. On failure the returned result
	// carries the error message and the prior chunk set is left in place.
	IndexProduct(ctx context.Context, merchantID, productID uuid.UUID, rawText, enrichedText string) (*IndexResult, error)

	// ReindexProduct indexes the product's stored text.
	ReindexProduct(ctx context.Context, merchantID, productID uuid.UUID) (*IndexResult, error)
}

type knowledgeIndexer struct {
	productRepo repositories.ProductRepository
	chunkRepo   repositories.KnowledgeChunkRepository
	embeddings  EmbeddingService
	cache       *cache.Cache
	chunkOpts   ChunkOptions
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewKnowledgeIndexer creates a KnowledgeIndexer. c and m may be nil.
func NewKnowledgeIndexer(
	productRepo repositories.ProductRepository,
	chunkRepo repositories.KnowledgeChunkRepository,
	embeddings EmbeddingService,
	c *cache.Cache,
	chunkOpts ChunkOptions,
	m *metrics.Metrics,
	logger *zap.Logger,
) KnowledgeIndexer {
	return &knowledgeIndexer{
		productRepo: productRepo,
		chunkRepo:   chunkRepo,
		embeddings:  embeddings,
		cache:       c,
		chunkOpts:   chunkOpts,
		metrics:     m,
		logger:      logger.Named("indexer"),
	}
}

var _ KnowledgeIndexer = (*knowledgeIndexer)(nil)

func (s *knowledgeIndexer) ReindexProduct(ctx context.Context, merchantID, productID uuid.UUID) (*IndexResult, error) {
	product, err := s.productRepo.Get(ctx, merchantID, productID)
	if err != nil {
		return s.fail(productID, fmt.Errorf("load product: %w", err))
	}
	return s.index(ctx, product, product.RawText, product.EnrichedText)
}

func (s *knowledgeIndexer) IndexProduct(ctx context.Context, merchantID, productID uuid.UUID, rawText, enrichedText string) (*IndexResult, error) {
	product, err := s.productRepo.Get(ctx, merchantID, productID)
	if err != nil {
		return s.fail(productID, fmt.Errorf("load product: %w", err))
	}
	return s.index(ctx, product, rawText, enrichedText)
}

func (s *knowledgeIndexer) index(ctx context.Context, product *models.Product, rawText, enrichedText string) (*IndexResult, error) {
	text, kind := rawText, models.SourceKindRaw
	if strings.TrimSpace(StripMarkers(enrichedText)) != "" {
		text, kind = enrichedText, models.SourceKindEnriched
	}

	pieces := ChunkText(text, s.chunkOpts)
	if len(pieces) == 0 {
		return s.fail(product.ID, apperrors.ErrEmptyContent)
	}

	prefix := "[" + product.Name + "] "
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = prefix + p.Text
	}

	embedded, err := s.embeddings.EmbedBatch(ctx, texts)
	if err != nil {
		return s.fail(product.ID, fmt.Errorf("embed chunks: %w", err))
	}

	totalTokens := 0
	chunks := make([]*models.KnowledgeChunk, len(pieces))
	for i, p := range pieces {
		sum := sha256.Sum256([]byte(texts[i]))
		chunks[i] = &models.KnowledgeChunk{
			MerchantID:   product.MerchantID,
			ProductID:    product.ID,
			ChunkText:    texts[i],
			Embedding:    embedded[i].Vector,
			ChunkIndex:   p.Index,
			SectionType:  p.SectionType,
			LanguageCode: p.LanguageCode,
			ContentHash:  hex.EncodeToString(sum[:]),
			SourceKind:   kind,
		}
		totalTokens += embedded[i].TokenCount
	}

	if err := s.chunkRepo.ReplaceForProduct(ctx, product.MerchantID, product.ID, chunks); err != nil {
		return s.fail(product.ID, fmt.Errorf("store chunks: %w", err))
	}

	if s.cache != nil {
		s.cache.InvalidatePrefix(ctx, cache.NamespaceRAGResults, product.MerchantID.String())
	}
	if s.metrics != nil {
		s.metrics.ChunksIndexed.Add(float64(len(chunks)))
	}

	s.logger.Info("Indexed product knowledge",
		zap.String("merchant_id", product.MerchantID.String()),
		zap.String("product_id", product.ID.String()),
		zap.String("source_kind", string(kind)),
		zap.Int("chunks", len(chunks)),
		zap.Int("tokens", totalTokens))

	return &IndexResult{ChunksCreated: len(chunks), TotalTokens: totalTokens, Success: true}, nil
}

func (s *knowledgeIndexer) fail(productID uuid.UUID, err error) (*IndexResult, error) {
	if s.metrics != nil {
		s.metrics.IndexFailures.Inc()
	}
	s.logger.Warn("Product indexing failed", zap.String("product_id", productID.String()), zap.Error(err))
	return &IndexResult{Success: false, Error: err.Error()}, err
}

// IndexProductTask reindexes one product in the background. Provider errors
// that are retryable are retried by the queue.
type IndexProductTask struct {
	workqueue.BaseTask
	indexer      KnowledgeIndexer
	getTenantCtx TenantContextFunc
	merchantID   uuid.UUID
	productID    uuid.UUID
	logger       *zap.Logger
}

// NewIndexProductTask creates a reindex task for one product.
func NewIndexProductTask(
	indexer KnowledgeIndexer,
	getTenantCtx TenantContextFunc,
	merchantID uuid.UUID,
	productID uuid.UUID,
	logger *zap.Logger,
) *IndexProductTask {
	return &IndexProductTask{
		BaseTask:     workqueue.NewBaseTask(fmt.Sprintf("Index product %s", productID), workqueue.LaneProvider),
		indexer:      indexer,
		getTenantCtx: getTenantCtx,
		merchantID:   merchantID,
		productID:    productID,
		logger:       logger,
	}
}

// Execute implements workqueue.Task.
func (t *IndexProductTask) Execute(ctx context.Context, _ workqueue.TaskEnqueuer) error {
	tenantCtx, cleanup, err := t.getTenantCtx(ctx, t.merchantID)
	if err != nil {
		return fmt.Errorf("acquire tenant connection: %w", err)
	}
	defer cleanup()

	result, err := t.indexer.ReindexProduct(tenantCtx, t.merchantID, t.productID)
	if err != nil {
		return err
	}
	t.logger.Debug("Reindex task finished",
		zap.String("product_id", t.productID.String()),
		zap.Int("chunks", result.ChunksCreated))
	return nil
}
