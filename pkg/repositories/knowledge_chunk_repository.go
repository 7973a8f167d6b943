package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/recete-ai/recete-engine/pkg/database"
	"github.com/recete-ai/recete-engine/pkg/models"
)

// ChunkSearchParams describes a vector similarity search.
type ChunkSearchParams struct {
	MerchantID uuid.UUID
	Embedding  []float32
	// ProductIDs restricts the search when non-empty.
	ProductIDs []uuid.UUID
	// Threshold is the minimum cosine similarity, applied in SQL.
	Threshold  float64
	MatchCount int
}

// KnowledgeChunkRepository stores embedded product knowledge.
type KnowledgeChunkRepository interface {
	// ReplaceForProduct deletes every chunk of productID and inserts chunks in
	// one transaction. Chunk indexes are taken from the slice as given.
	ReplaceForProduct(ctx context.Context, merchantID, productID uuid.UUID, chunks []*models.KnowledgeChunk) error
	DeleteForProduct(ctx context.Context, merchantID, productID uuid.UUID) (int64, error)
	ListByProduct(ctx context.Context, merchantID, productID uuid.UUID) ([]*models.KnowledgeChunk, error)
	Search(ctx context.Context, params ChunkSearchParams) ([]models.ChunkMatch, error)
	CountForProducts(ctx context.Context, merchantID uuid.UUID, productIDs []uuid.UUID) (int, error)
}

type knowledgeChunkRepository struct{}

// NewKnowledgeChunkRepository creates a new KnowledgeChunkRepository.
func NewKnowledgeChunkRepository() KnowledgeChunkRepository {
	return &knowledgeChunkRepository{}
}

var _ KnowledgeChunkRepository = (*knowledgeChunkRepository)(nil)

func (r *knowledgeChunkRepository) ReplaceForProduct(ctx context.Context, merchantID, productID uuid.UUID, chunks []*models.KnowledgeChunk) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM knowledge_chunks WHERE merchant_id = $1 AND product_id = $2`,
		merchantID, productID); err != nil {
		return fmt.Errorf("failed to delete existing chunks: %w", err)
	}

	now := time.Now()
	batch := &pgx.Batch{}
	for _, c := range chunks {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.MerchantID = merchantID
		c.ProductID = productID
		c.CreatedAt = now
		batch.Queue(`
			INSERT INTO knowledge_chunks (
				id, merchant_id, product_id, chunk_text, embedding, chunk_index,
				section_type, language_code, content_hash, source_kind, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)`,
			c.ID, c.MerchantID, c.ProductID, c.ChunkText, pgvector.NewVector(c.Embedding), c.ChunkIndex,
			string(c.SectionType), c.LanguageCode, c.ContentHash, string(c.SourceKind), c.CreatedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert chunks: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunk replacement: %w", err)
	}
	return nil
}

func (r *knowledgeChunkRepository) DeleteForProduct(ctx context.Context, merchantID, productID uuid.UUID) (int64, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx,
		`DELETE FROM knowledge_chunks WHERE merchant_id = $1 AND product_id = $2`,
		merchantID, productID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *knowledgeChunkRepository) ListByProduct(ctx context.Context, merchantID, productID uuid.UUID) ([]*models.KnowledgeChunk, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT id, merchant_id, product_id, chunk_text, embedding, chunk_index, section_type,
		       COALESCE(language_code, ''), content_hash, source_kind, created_at
		FROM knowledge_chunks
		WHERE merchant_id = $1 AND product_id = $2
		ORDER BY chunk_index`

	rows, err := scope.Conn.Query(ctx, query, merchantID, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]*models.KnowledgeChunk, 0)
	for rows.Next() {
		var c models.KnowledgeChunk
		var vec pgvector.Vector
		var section, source string
		if err := rows.Scan(&c.ID, &c.MerchantID, &c.ProductID, &c.ChunkText, &vec, &c.ChunkIndex,
			&section, &c.LanguageCode, &c.ContentHash, &source, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Embedding = vec.Slice()
		c.SectionType = models.SectionType(section)
		c.SourceKind = models.SourceKind(source)
		chunks = append(chunks, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}

// Search returns chunks whose cosine similarity to params.Embedding is at
// least params.Threshold, best first.
func (r *knowledgeChunkRepository) Search(ctx context.Context, params ChunkSearchParams) ([]models.ChunkMatch, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	var productFilter []uuid.UUID
	if len(params.ProductIDs) > 0 {
		productFilter = params.ProductIDs
	}

	query := `
		SELECT kc.id, kc.product_id, p.name, kc.chunk_text, kc.chunk_index, kc.section_type,
		       COALESCE(kc.language_code, ''), kc.source_kind,
		       1 - (kc.embedding <=> $2) AS similarity
		FROM knowledge_chunks kc
		JOIN products p ON p.id = kc.product_id
		WHERE kc.merchant_id = $1
		  AND ($3::uuid[] IS NULL OR kc.product_id = ANY($3))
		  AND 1 - (kc.embedding <=> $2) >= $4
		ORDER BY kc.embedding <=> $2
		LIMIT $5`

	rows, err := scope.Conn.Query(ctx, query,
		params.MerchantID, pgvector.NewVector(params.Embedding), productFilter,
		params.Threshold, params.MatchCount)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	matches := make([]models.ChunkMatch, 0)
	for rows.Next() {
		var m models.ChunkMatch
		var section, source string
		if err := rows.Scan(&m.ChunkID, &m.ProductID, &m.ProductName, &m.ChunkText, &m.ChunkIndex,
			&section, &m.LanguageCode, &source, &m.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		m.SectionType = models.SectionType(section)
		m.SourceKind = models.SourceKind(source)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating matches: %w", err)
	}
	return matches, nil
}

func (r *knowledgeChunkRepository) CountForProducts(ctx context.Context, merchantID uuid.UUID, productIDs []uuid.UUID) (int, error) {
	if len(productIDs) == 0 {
		return 0, nil
	}
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tenant scope in context")
	}

	var count int
	err := scope.Conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_chunks WHERE merchant_id = $1 AND product_id = ANY($2)`,
		merchantID, productIDs).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}
