// Package llm wraps the chat-completion and embedding providers behind small
// interfaces so services can be tested with mocks.
package llm

import (
	"context"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat transcript.
type Message struct {
	Role    Role
	Content string
}

// ChatRequest is a provider-neutral chat-completion request.
type ChatRequest struct {
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
	// JSONMode asks the provider to return a single JSON object.
	JSONMode bool
}

// ChatResponse is the completion text with token usage.
type ChatResponse struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// ChatClient generates chat completions.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Model() string
}

// EmbeddingResponse holds one vector per input, in input order.
type EmbeddingResponse struct {
	Vectors     [][]float32
	TotalTokens int
}

// Embedder converts text into embedding vectors.
type Embedder interface {
	CreateEmbeddings(ctx context.Context, inputs []string) (*EmbeddingResponse, error)
}
