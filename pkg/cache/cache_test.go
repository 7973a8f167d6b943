package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore(10)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), 0))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	now = now.Add(time.Minute)
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)

	got, err = store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got, "zero ttl never expires")
}

func TestMemoryStore_EvictsWhenFull(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(2)

	require.NoError(t, store.Set(ctx, "soon", []byte("x"), time.Second))
	require.NoError(t, store.Set(ctx, "later", []byte("y"), time.Hour))
	require.NoError(t, store.Set(ctx, "new", []byte("z"), time.Hour))

	assert.Equal(t, 2, store.Len())
	_, err := store.Get(ctx, "soon")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = store.Get(ctx, "new")
	assert.NoError(t, err)
}

func TestMemoryStore_DeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	_ = store.Set(ctx, "rag:results:m1:q1", []byte("1"), 0)
	_ = store.Set(ctx, "rag:results:m1:q2", []byte("2"), 0)
	_ = store.Set(ctx, "rag:results:m2:q1", []byte("3"), 0)

	require.NoError(t, store.DeleteByPrefix(ctx, "rag:results:m1:"))
	assert.Equal(t, 1, store.Len())
}

type payload struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func TestCache_GetSetNamespaced(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore(0), zap.NewNop())

	c.Set(ctx, NamespaceRAGResults, "k", payload{Name: "serum", Score: 0.9}, time.Minute)

	var got payload
	require.True(t, c.Get(ctx, NamespaceRAGResults, "k", &got))
	assert.Equal(t, payload{Name: "serum", Score: 0.9}, got)

	var other payload
	assert.False(t, c.Get(ctx, NamespaceRAGEmbeddings, "k", &other), "namespaces are disjoint")

	c.InvalidatePrefix(ctx, NamespaceRAGResults, "")
	assert.False(t, c.Get(ctx, NamespaceRAGResults, "k", &got))
}

func TestCache_CorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	c := New(store, zap.NewNop())
	_ = store.Set(ctx, "merchants:x", []byte("{not json"), 0)

	var got payload
	assert.False(t, c.Get(ctx, NamespaceMerchants, "x", &got))
	assert.Equal(t, 0, store.Len())
}

func TestGetOrCompute(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore(0), zap.NewNop())
	calls := 0
	compute := func(context.Context) ([]float32, error) {
		calls++
		return []float32{0.1, 0.2}, nil
	}

	first, err := GetOrCompute(ctx, c, NamespaceRAGEmbeddings, "h", time.Hour, compute)
	require.NoError(t, err)
	second, err := GetOrCompute(ctx, c, NamespaceRAGEmbeddings, "h", time.Hour, compute)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	boom := errors.New("provider down")
	_, err = GetOrCompute(ctx, c, NamespaceRAGEmbeddings, "other", time.Hour, func(context.Context) ([]float32, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("down") }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("down")
}
func (failingStore) Delete(context.Context, string) error         { return errors.New("down") }
func (failingStore) DeleteByPrefix(context.Context, string) error { return errors.New("down") }

func TestCache_StoreFailuresDegradeToMiss(t *testing.T) {
	c := New(failingStore{}, zap.NewNop())
	var got payload
	assert.False(t, c.Get(context.Background(), NamespaceMerchants, "x", &got))
	c.Set(context.Background(), NamespaceMerchants, "x", payload{}, time.Minute)
	c.InvalidatePrefix(context.Background(), NamespaceMerchants, "")
}
