package models

import (
	"time"

	"github.com/google/uuid"
)

// Product is a merchant catalog item with searchable knowledge.
type Product struct {
	ID                uuid.UUID `json:"id"`
	MerchantID        uuid.UUID `json:"merchant_id"`
	ExternalID        string    `json:"external_id,omitempty"` // Shopify product id
	Name              string    `json:"name"`
	RawText           string    `json:"raw_text,omitempty"`
	EnrichedText      string    `json:"enriched_text,omitempty"`
	UsageInstructions string    `json:"usage_instructions,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SectionType is a coarse content category for a knowledge chunk.
type SectionType string

const (
	SectionIngredients SectionType = "ingredients"
	SectionUsage       SectionType = "usage"
	SectionWarnings    SectionType = "warnings"
	SectionSpecs       SectionType = "specs"
	SectionGeneral     SectionType = "general"
)

// IsValid returns true if the section type is a known value.
func (s SectionType) IsValid() bool {
	switch s {
	case SectionIngredients, SectionUsage, SectionWarnings, SectionSpecs, SectionGeneral:
		return true
	}
	return false
}

// SourceKind records whether a chunk came from raw or LLM-enriched text.
type SourceKind string

const (
	SourceKindRaw      SourceKind = "raw"
	SourceKindEnriched SourceKind = "enriched"
)

// KnowledgeChunk is one embedded slice of a product's knowledge.
// Chunk indexes are contiguous per product starting at 0.
type KnowledgeChunk struct {
	ID           uuid.UUID   `json:"id"`
	MerchantID   uuid.UUID   `json:"merchant_id"`
	ProductID    uuid.UUID   `json:"product_id"`
	ChunkText    string      `json:"chunk_text"`
	Embedding    []float32   `json:"-"`
	ChunkIndex   int         `json:"chunk_index"`
	SectionType  SectionType `json:"section_type"`
	LanguageCode string      `json:"language_code,omitempty"`
	ContentHash  string      `json:"content_hash"`
	SourceKind   SourceKind  `json:"source_kind"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ChunkMatch is a vector search hit.
type ChunkMatch struct {
	ChunkID      uuid.UUID   `json:"chunk_id"`
	ProductID    uuid.UUID   `json:"product_id"`
	ProductName  string      `json:"product_name"`
	ChunkText    string      `json:"chunk_text"`
	ChunkIndex   int         `json:"chunk_index"`
	SectionType  SectionType `json:"section_type"`
	LanguageCode string      `json:"language_code,omitempty"`
	SourceKind   SourceKind  `json:"source_kind"`
	Similarity   float64     `json:"similarity"`
}
