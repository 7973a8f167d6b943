package services

import (
	"fmt"
	"math"
	"strings"
)

// NoKnowledgeFound is the context block used when retrieval finds nothing.
const NoKnowledgeFound = "No relevant product information was found in the knowledge base."

// FormatForLLM renders results as numbered context blocks for a prompt.
func FormatForLLM(results []RAGResult) string {
	if len(results) == 0 {
		return NoKnowledgeFound
	}

	blocks := make([]string, 0, len(results))
	for i, r := range results {
		var b strings.Builder
		fmt.Fprintf(&b, "[%d] Product: %s\n", i+1, r.ProductName)

		var meta []string
		if r.SectionType != "" {
			meta = append(meta, "Section: "+string(r.SectionType))
		}
		if r.SourceKind != "" {
			meta = append(meta, "Source: "+string(r.SourceKind))
		}
		if len(meta) > 0 {
			b.WriteString(strings.Join(meta, " | "))
			b.WriteByte('\n')
		}

		b.WriteString(strings.TrimSpace(r.ChunkText))
		fmt.Fprintf(&b, "\nRelevance: %d%%", int(math.Round(r.Similarity*100)))
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}
