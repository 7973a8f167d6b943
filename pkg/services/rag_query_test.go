package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/cache"
	"github.com/recete-ai/recete-engine/pkg/config"
	"github.com/recete-ai/recete-engine/pkg/llm"
	"github.com/recete-ai/recete-engine/pkg/metrics"
	"github.com/recete-ai/recete-engine/pkg/models"
)

type ragFixture struct {
	merchantID uuid.UUID
	chunks     *fakeChunkRepo
	embedder   *llm.MockEmbedder
	metrics    *metrics.Metrics
	svc        RAGQueryService
}

func newRAGFixture(t *testing.T, matches ...models.ChunkMatch) *ragFixture {
	t.Helper()
	f := &ragFixture{
		merchantID: uuid.New(),
		chunks:     newFakeChunkRepo(),
		embedder:   &llm.MockEmbedder{Dimensions: 4},
		metrics:    metrics.New(),
	}
	f.chunks.matches = matches
	embeddings := NewEmbeddingService(f.embedder, config.EmbeddingConfig{BatchSize: 10, MaxInputTokens: 8191}, nil, zap.NewNop())
	c := cache.New(cache.NewMemoryStore(100), zap.NewNop())
	f.svc = NewRAGQueryService(f.chunks, embeddings, c, config.RAGConfig{
		TopK:                5,
		SimilarityThreshold: 0.5,
		ResultCacheTTL:      900,
		EmbeddingCacheTTL:   3600,
	}, f.metrics, zap.NewNop())
	return f
}

func match(product uuid.UUID, sim float64, section models.SectionType, lang string) models.ChunkMatch {
	return models.ChunkMatch{
		ChunkID:      uuid.New(),
		ProductID:    product,
		ProductName:  "P-" + product.String()[:4],
		ChunkText:    "chunk",
		SectionType:  section,
		LanguageCode: lang,
		SourceKind:   models.SourceKindRaw,
		Similarity:   sim,
	}
}

func TestRAGQuery_ThresholdAndTopK(t *testing.T) {
	p := uuid.New()
	f := newRAGFixture(t,
		match(p, 0.9, models.SectionGeneral, ""),
		match(p, 0.7, models.SectionUsage, ""),
		match(p, 0.4, models.SectionSpecs, ""),
	)

	resp, err := f.svc.Query(context.Background(), RAGQuery{MerchantID: f.merchantID, Query: "how to use"})

	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalResults)
	require.Len(t, f.chunks.searchCalls, 1)
	call := f.chunks.searchCalls[0]
	assert.Equal(t, 0.5, call.Threshold)
	assert.Equal(t, 5, call.MatchCount)
	assert.Equal(t, f.merchantID, call.MerchantID)
	assert.Len(t, call.Embedding, 4)
}

func TestRAGQuery_NoMatches(t *testing.T) {
	f := newRAGFixture(t)

	resp, err := f.svc.Query(context.Background(), RAGQuery{MerchantID: f.merchantID, Query: "anything"})

	require.NoError(t, err)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 0, resp.TotalResults)
}

func TestRAGQuery_FiltersNonUUIDProductIDs(t *testing.T) {
	p := uuid.New()
	f := newRAGFixture(t, match(p, 0.9, models.SectionGeneral, ""))

	_, err := f.svc.Query(context.Background(), RAGQuery{
		MerchantID: f.merchantID,
		Query:      "serum",
		ProductIDs: []string{"how do I use the serum?", p.String(), ""},
	})

	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{p}, f.chunks.searchCalls[0].ProductIDs)
}

func TestRAGQuery_BoostingOverFetches(t *testing.T) {
	f := newRAGFixture(t)

	_, err := f.svc.Query(context.Background(), RAGQuery{MerchantID: f.merchantID, Query: "q", TopK: 4, PreferredLanguage: "tr"})
	require.NoError(t, err)
	_, err = f.svc.Query(context.Background(), RAGQuery{MerchantID: f.merchantID, Query: "q", TopK: 20,
		PreferredSectionTypes: []models.SectionType{models.SectionUsage}})
	require.NoError(t, err)

	assert.Equal(t, 12, f.chunks.searchCalls[0].MatchCount)
	assert.Equal(t, 50, f.chunks.searchCalls[1].MatchCount)
}

func TestRAGQuery_PreferencesReorderResults(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	f := newRAGFixture(t,
		match(p1, 0.85, models.SectionGeneral, "en"),
		match(p2, 0.80, models.SectionUsage, "tr"),
	)
	off := false

	resp, err := f.svc.Query(context.Background(), RAGQuery{
		MerchantID:            f.merchantID,
		Query:                 "kullanım",
		PreferredSectionTypes: []models.SectionType{models.SectionUsage},
		PreferredLanguage:     "TR",
		DiversityRerank:       &off,
	})

	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, p2, resp.Results[0].ProductID)
	assert.InDelta(t, 0.91, resp.Results[0].Similarity, 1e-9)
	assert.InDelta(t, 0.85, resp.Results[1].Similarity, 1e-9)
}

func TestRAGQuery_DiversityRerankSpreadsProducts(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	matches := []models.ChunkMatch{
		match(p1, 0.90, models.SectionGeneral, ""),
		match(p1, 0.89, models.SectionUsage, ""),
		match(p2, 0.85, models.SectionSpecs, ""),
	}

	t.Run("default on", func(t *testing.T) {
		f := newRAGFixture(t, matches...)
		resp, err := f.svc.Query(context.Background(), RAGQuery{MerchantID: f.merchantID, Query: "q", TopK: 3})
		require.NoError(t, err)
		require.Len(t, resp.Results, 3)
		assert.Equal(t, []uuid.UUID{p1, p2, p1}, resultProducts(resp.Results))
	})

	t.Run("disabled", func(t *testing.T) {
		f := newRAGFixture(t, matches...)
		off := false
		resp, err := f.svc.Query(context.Background(), RAGQuery{MerchantID: f.merchantID, Query: "q", TopK: 3, DiversityRerank: &off})
		require.NoError(t, err)
		require.Len(t, resp.Results, 3)
		assert.Equal(t, []uuid.UUID{p1, p1, p2}, resultProducts(resp.Results))
	})
}

func TestDiversityRerank(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	candidates := []models.ChunkMatch{
		match(p1, 0.90, models.SectionGeneral, ""),
		match(p1, 0.89, models.SectionUsage, ""),
		match(p2, 0.85, models.SectionSpecs, ""),
	}

	t.Run("second product displaces a near-duplicate", func(t *testing.T) {
		got := DiversityRerank(candidates, 2)
		assert.Equal(t, []uuid.UUID{p1, p2}, resultProducts(got))
	})

	t.Run("large similarity gap beats the penalty", func(t *testing.T) {
		far := []models.ChunkMatch{
			match(p1, 0.95, models.SectionGeneral, ""),
			match(p1, 0.94, models.SectionUsage, ""),
			match(p2, 0.60, models.SectionSpecs, ""),
		}
		got := DiversityRerank(far, 2)
		assert.Equal(t, []uuid.UUID{p1, p1}, resultProducts(got))
	})

	t.Run("does not modify input", func(t *testing.T) {
		before := append([]models.ChunkMatch(nil), candidates...)
		_ = DiversityRerank(candidates, 3)
		assert.Equal(t, before, candidates)
	})
}

func resultProducts(matches []models.ChunkMatch) []uuid.UUID {
	ids := make([]uuid.UUID, len(matches))
	for i, m := range matches {
		ids[i] = m.ProductID
	}
	return ids
}

func TestRAGQuery_ResultCache(t *testing.T) {
	p := uuid.New()
	f := newRAGFixture(t, match(p, 0.9, models.SectionGeneral, ""))
	q := RAGQuery{MerchantID: f.merchantID, Query: "serum", CacheKey: "serum"}

	first, err := f.svc.Query(context.Background(), q)
	require.NoError(t, err)
	second, err := f.svc.Query(context.Background(), q)
	require.NoError(t, err)

	assert.Len(t, f.chunks.searchCalls, 1)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RAGQueries.WithLabelValues("miss")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RAGQueries.WithLabelValues("hit")))

	// The same key under another merchant is a separate entry.
	_, err = f.svc.Query(context.Background(), RAGQuery{MerchantID: uuid.New(), Query: "serum", CacheKey: "serum"})
	require.NoError(t, err)
	assert.Len(t, f.chunks.searchCalls, 2)
}

func TestRAGQuery_EmbeddingCacheSharedAcrossMerchants(t *testing.T) {
	f := newRAGFixture(t)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Query(context.Background(), RAGQuery{MerchantID: uuid.New(), Query: "same text"})
		require.NoError(t, err)
	}

	assert.Len(t, f.embedder.Calls(), 1)
	assert.Len(t, f.chunks.searchCalls, 3)
}

func TestRAGQuery_ConcurrentIdenticalQueriesEmbedOnce(t *testing.T) {
	f := newRAGFixture(t)
	release := make(chan struct{})
	f.embedder.CreateEmbeddingsFunc = func(_ context.Context, inputs []string) (*llm.EmbeddingResponse, error) {
		<-release
		return &llm.EmbeddingResponse{Vectors: [][]float32{{1, 0, 0, 0}}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Query(context.Background(), RAGQuery{MerchantID: f.merchantID, Query: "burst"})
			assert.NoError(t, err)
		}()
	}
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, len(f.embedder.Calls()), 5)
	assert.GreaterOrEqual(t, len(f.embedder.Calls()), 1)
}

func TestRAGQuery_EmbeddingFailure(t *testing.T) {
	f := newRAGFixture(t)
	f.embedder.CreateEmbeddingsFunc = func(context.Context, []string) (*llm.EmbeddingResponse, error) {
		return nil, errors.New("401 unauthorized")
	}

	_, err := f.svc.Query(context.Background(), RAGQuery{MerchantID: f.merchantID, Query: "q"})

	require.Error(t, err)
	assert.Empty(t, f.chunks.searchCalls)
}

func TestDBMatchCount(t *testing.T) {
	tests := []struct {
		topK, mult, want int
	}{
		{5, 1, 5},
		{5, 3, 15},
		{20, 3, 50},
		{60, 1, 50},
		{1, 3, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DBMatchCount(tt.topK, tt.mult), "topK=%d mult=%d", tt.topK, tt.mult)
	}
}

func TestBoostMatches_CapsScore(t *testing.T) {
	p := uuid.New()
	in := []models.ChunkMatch{
		match(p, 0.95, models.SectionUsage, "tr"),
		match(p, 0.97, models.SectionGeneral, "en"),
	}

	out := BoostMatches(in, []models.SectionType{models.SectionUsage}, "tr")

	assert.InDelta(t, 0.999, out[0].Similarity, 1e-9)
	assert.InDelta(t, 0.97, out[1].Similarity, 1e-9)
	assert.InDelta(t, 0.95, in[0].Similarity, 1e-9, "input is not mutated")
}

func TestDiversityRerank_ProductPenaltyIsCapped(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	in := []models.ChunkMatch{
		match(p1, 0.95, models.SectionGeneral, ""),
		match(p1, 0.94, models.SectionUsage, ""),
		match(p1, 0.93, models.SectionSpecs, ""),
		match(p1, 0.92, models.SectionWarnings, ""),
		match(p2, 0.70, models.SectionGeneral, ""),
	}

	out := DiversityRerank(in, 4)

	require.Len(t, out, 4)
	// p1's fourth chunk scores 0.92-0.12=0.80, still ahead of p2's 0.70-0.04.
	for _, m := range out {
		assert.Equal(t, p1, m.ProductID)
	}
}
