// Package cache provides namespaced TTL caching and short-lived locks backed
// by Redis, with in-process fallbacks for single-instance deployments.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrCacheMiss indicates a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Store is a byte-oriented key/value store with expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// Namespace scopes keys of one kind of cached value.
type Namespace string

const (
	NamespaceRAGResults    Namespace = "rag:results"
	NamespaceRAGEmbeddings Namespace = "rag:embeddings"
	NamespaceMerchants     Namespace = "merchants"
	NamespaceInbound       Namespace = "whatsapp:inbound"
)

// Cache stores JSON values under (namespace, key). Store failures are logged
// and reported as misses so callers fall through to the source of truth.
type Cache struct {
	store  Store
	logger *zap.Logger
}

// New creates a Cache over store.
func New(store Store, logger *zap.Logger) *Cache {
	return &Cache{store: store, logger: logger.Named("cache")}
}

func key(ns Namespace, k string) string {
	return string(ns) + ":" + k
}

// Get decodes the cached value into dst and reports whether it was found.
func (c *Cache) Get(ctx context.Context, ns Namespace, k string, dst any) bool {
	raw, err := c.store.Get(ctx, key(ns, k))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("Cache read failed", zap.String("namespace", string(ns)), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("Discarding undecodable cache entry", zap.String("namespace", string(ns)), zap.Error(err))
		_ = c.store.Delete(ctx, key(ns, k))
		return false
	}
	return true
}

// Set encodes value as JSON and stores it for ttl.
func (c *Cache) Set(ctx context.Context, ns Namespace, k string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("Cache encode failed", zap.String("namespace", string(ns)), zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, key(ns, k), raw, ttl); err != nil {
		c.logger.Warn("Cache write failed", zap.String("namespace", string(ns)), zap.Error(err))
	}
}

// Delete removes one entry.
func (c *Cache) Delete(ctx context.Context, ns Namespace, k string) {
	if err := c.store.Delete(ctx, key(ns, k)); err != nil {
		c.logger.Warn("Cache delete failed", zap.String("namespace", string(ns)), zap.Error(err))
	}
}

// InvalidatePrefix removes every entry in ns whose key starts with prefix.
func (c *Cache) InvalidatePrefix(ctx context.Context, ns Namespace, prefix string) {
	if err := c.store.DeleteByPrefix(ctx, key(ns, prefix)); err != nil {
		c.logger.Warn("Cache invalidation failed",
			zap.String("namespace", string(ns)),
			zap.String("prefix", prefix),
			zap.Error(err))
	}
}

// GetOrCompute is a read-through lookup: on a miss compute runs and its
// result is written back for ttl. Compute errors are returned uncached.
func GetOrCompute[T any](ctx context.Context, c *Cache, ns Namespace, k string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	var cached T
	if c.Get(ctx, ns, k, &cached) {
		return cached, nil
	}

	value, err := compute(ctx)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("compute %s: %w", ns, err)
	}
	c.Set(ctx, ns, k, value, ttl)
	return value, nil
}
