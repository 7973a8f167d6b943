package llm

import (
	"context"
	"sync"
)

// MockChatClient is a configurable ChatClient for tests.
type MockChatClient struct {
	// ChatFunc handles Chat. When nil, Chat returns an empty response.
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	mu       sync.Mutex
	Requests []ChatRequest
}

// NewMockChatClient returns a mock that answers every call with content.
func NewMockChatClient(content string) *MockChatClient {
	return &MockChatClient{
		ChatFunc: func(context.Context, ChatRequest) (*ChatResponse, error) {
			return &ChatResponse{Content: content}, nil
		},
	}
}

func (m *MockChatClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()

	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	return &ChatResponse{}, nil
}

func (m *MockChatClient) Model() string {
	return "mock-model"
}

// Calls returns the number of Chat invocations.
func (m *MockChatClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// MockEmbedder is a configurable Embedder for tests. Without a func it
// returns deterministic Dimensions-length vectors.
type MockEmbedder struct {
	CreateEmbeddingsFunc func(ctx context.Context, inputs []string) (*EmbeddingResponse, error)
	Dimensions           int

	mu    sync.Mutex
	calls [][]string
}

func (m *MockEmbedder) CreateEmbeddings(ctx context.Context, inputs []string) (*EmbeddingResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), inputs...))
	m.mu.Unlock()

	if m.CreateEmbeddingsFunc != nil {
		return m.CreateEmbeddingsFunc(ctx, inputs)
	}

	dims := m.Dimensions
	if dims == 0 {
		dims = 8
	}
	resp := &EmbeddingResponse{Vectors: make([][]float32, len(inputs))}
	for i, in := range inputs {
		vec := make([]float32, dims)
		for j := range vec {
			vec[j] = float32((len(in)+j)%7) / 7
		}
		resp.Vectors[i] = vec
		resp.TotalTokens += len(in)/4 + 1
	}
	return resp, nil
}

// Calls returns the input batches seen so far.
func (m *MockEmbedder) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.calls...)
}

var (
	_ ChatClient = (*MockChatClient)(nil)
	_ Embedder   = (*MockEmbedder)(nil)
)
