package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/recete-ai/recete-engine/pkg/cache"
	"github.com/recete-ai/recete-engine/pkg/config"
	"github.com/recete-ai/recete-engine/pkg/metrics"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/repositories"
)

var ragTracer = otel.Tracer("recete/rag")

const (
	maxDBMatchCount      = 50
	boostFetchFactor     = 3
	sectionBoost         = 0.08
	languageBoost        = 0.03
	maxBoostedScore      = 0.999
	productPenaltyStep   = 0.06
	maxProductPenalty    = 0.12
	repeatSectionPenalty = 0.04
)

// RAGQuery is a knowledge search request.
type RAGQuery struct {
	MerchantID uuid.UUID
	Query      string
	// ProductIDs restricts the search. Entries that are not UUIDs are ignored.
	ProductIDs            []string
	TopK                  int
	SimilarityThreshold   float64
	PreferredSectionTypes []models.SectionType
	PreferredLanguage     string
	// DiversityRerank defaults to true when nil.
	DiversityRerank *bool
	// CacheKey enables whole-response caching when set.
	CacheKey string
}

// RAGResult is one retrieved chunk. Similarity includes any preference boost.
type RAGResult = models.ChunkMatch

// RAGResponse is the answer to a RAGQuery.
type RAGResponse struct {
	Results       []RAGResult   `json:"results"`
	TotalResults  int           `json:"total_results"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// RAGQueryService answers knowledge queries against the vector index.
type RAGQueryService interface {
	Query(ctx context.Context, q RAGQuery) (*RAGResponse, error)
}

type ragQueryService struct {
	chunkRepo  repositories.KnowledgeChunkRepository
	embeddings EmbeddingService
	cache      *cache.Cache
	cfg        config.RAGConfig
	flight     singleflight.Group
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewRAGQueryService creates a RAGQueryService. c and m may be nil.
func NewRAGQueryService(
	chunkRepo repositories.KnowledgeChunkRepository,
	embeddings EmbeddingService,
	c *cache.Cache,
	cfg config.RAGConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) RAGQueryService {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.5
	}
	return &ragQueryService{
		chunkRepo:  chunkRepo,
		embeddings: embeddings,
		cache:      c,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.Named("rag"),
	}
}

var _ RAGQueryService = (*ragQueryService)(nil)

func (s *ragQueryService) Query(ctx context.Context, q RAGQuery) (*RAGResponse, error) {
	start := time.Now()
	ctx, span := ragTracer.Start(ctx, "RAGQueryService.Query")
	defer span.End()

	topK := q.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	threshold := q.SimilarityThreshold
	if threshold <= 0 {
		threshold = s.cfg.SimilarityThreshold
	}
	span.SetAttributes(
		attribute.String("merchant_id", q.MerchantID.String()),
		attribute.Int("top_k", topK),
	)

	resultKey := ""
	if q.CacheKey != "" && s.cache != nil {
		resultKey = q.MerchantID.String() + ":" + q.CacheKey
		var cached RAGResponse
		if s.cache.Get(ctx, cache.NamespaceRAGResults, resultKey, &cached) {
			s.observe("hit", start, len(cached.Results))
			span.SetAttributes(attribute.Bool("cache_hit", true))
			if cached.Results == nil {
				cached.Results = []RAGResult{}
			}
			cached.ExecutionTime = time.Since(start)
			return &cached, nil
		}
	}

	vector, err := s.queryEmbedding(ctx, q.Query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("embed query: %w", err)
	}

	boosting := len(q.PreferredSectionTypes) > 0 || q.PreferredLanguage != ""
	mult := 1
	if boosting {
		mult = boostFetchFactor
	}

	matches, err := s.chunkRepo.Search(ctx, repositories.ChunkSearchParams{
		MerchantID: q.MerchantID,
		Embedding:  vector,
		ProductIDs: validProductIDs(q.ProductIDs),
		Threshold:  threshold,
		MatchCount: DBMatchCount(topK, mult),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vector search failed")
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	if boosting {
		matches = BoostMatches(matches, q.PreferredSectionTypes, q.PreferredLanguage)
	}

	var results []RAGResult
	if (q.DiversityRerank == nil || *q.DiversityRerank) && len(matches) > 1 {
		results = DiversityRerank(matches, topK)
	} else {
		results = matches[:min(topK, len(matches))]
	}
	if results == nil {
		results = []RAGResult{}
	}

	resp := &RAGResponse{Results: results, TotalResults: len(results), ExecutionTime: time.Since(start)}
	if resultKey != "" {
		s.cache.Set(ctx, cache.NamespaceRAGResults, resultKey, resp, s.cfg.ResultTTL())
	}

	cacheLabel := "miss"
	if resultKey == "" {
		cacheLabel = "none"
	}
	s.observe(cacheLabel, start, len(results))
	span.SetAttributes(attribute.Int("results", len(results)))

	s.logger.Debug("Knowledge query",
		zap.String("merchant_id", q.MerchantID.String()),
		zap.Int("candidates", len(matches)),
		zap.Int("results", len(results)),
		zap.Duration("elapsed", resp.ExecutionTime))
	return resp, nil
}

// queryEmbedding embeds text once per distinct query across merchants,
// de-duplicating concurrent identical lookups.
func (s *ragQueryService) queryEmbedding(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	key := hex.EncodeToString(sum[:])

	v, err, _ := s.flight.Do(key, func() (any, error) {
		if s.cache != nil {
			var cached []float32
			if s.cache.Get(ctx, cache.NamespaceRAGEmbeddings, key, &cached) && len(cached) > 0 {
				return cached, nil
			}
		}
		res, err := s.embeddings.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			s.cache.Set(ctx, cache.NamespaceRAGEmbeddings, key, res.Vector, s.cfg.EmbeddingTTL())
		}
		return res.Vector, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (s *ragQueryService) observe(cacheLabel string, start time.Time, results int) {
	if s.metrics == nil {
		return
	}
	s.metrics.RAGQueries.WithLabelValues(cacheLabel).Inc()
	s.metrics.RAGLatency.Observe(time.Since(start).Seconds())
	s.metrics.RAGResults.Observe(float64(results))
}

// DBMatchCount is how many candidates to fetch for topK results.
func DBMatchCount(topK, multiplier int) int {
	return min(maxDBMatchCount, max(topK, topK*multiplier))
}

func validProductIDs(raw []string) []uuid.UUID {
	var ids []uuid.UUID
	for _, r := range raw {
		id, err := uuid.Parse(strings.TrimSpace(r))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// BoostMatches adds preference boosts to similarity and re-sorts descending.
// Boosted scores are capped at 0.999.
func BoostMatches(matches []models.ChunkMatch, sections []models.SectionType, language string) []models.ChunkMatch {
	out := make([]models.ChunkMatch, len(matches))
	copy(out, matches)
	for i := range out {
		boost := 0.0
		for _, st := range sections {
			if out[i].SectionType == st {
				boost += sectionBoost
				break
			}
		}
		if language != "" && strings.EqualFold(out[i].LanguageCode, language) {
			boost += languageBoost
		}
		if boost > 0 {
			out[i].Similarity = min(out[i].Similarity+boost, maxBoostedScore)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out
}

// DiversityRerank greedily picks up to topK matches, penalizing repeats of a
// product (0.06 per pick, at most 0.12) and of a section (flat 0.04).
func DiversityRerank(matches []models.ChunkMatch, topK int) []models.ChunkMatch {
	remaining := make([]models.ChunkMatch, len(matches))
	copy(remaining, matches)

	perProduct := map[uuid.UUID]int{}
	sectionSeen := map[models.SectionType]bool{}
	selected := make([]models.ChunkMatch, 0, min(topK, len(matches)))

	for len(selected) < topK && len(remaining) > 0 {
		best, bestScore := 0, 0.0
		for i, m := range remaining {
			score := m.Similarity - min(productPenaltyStep*float64(perProduct[m.ProductID]), maxProductPenalty)
			if sectionSeen[m.SectionType] {
				score -= repeatSectionPenalty
			}
			if i == 0 || score > bestScore {
				best, bestScore = i, score
			}
		}
		pick := remaining[best]
		selected = append(selected, pick)
		perProduct[pick.ProductID]++
		sectionSeen[pick.SectionType] = true
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return selected
}
