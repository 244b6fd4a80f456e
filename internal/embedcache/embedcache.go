// Package embedcache wraps an embeddings provider with a fingerprint-keyed
// cache and in-flight request coalescing.
//
// The cache key is SHA-256 over the provider's model identifier and the text,
// so the same text embedded under different models never collides. Entries
// carry a TTL; expired entries are treated as misses. Concurrent requests for
// the same fingerprint are coalesced so the backend provider sees at most one
// call per unique text at a time.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mnemo-ai/mnemo/pkg/provider/embeddings"
)

// Backend is the storage behind the cache. Implementations must be safe for
// concurrent use. A miss is (nil, false, nil); errors are reserved for backend
// failures (the cache degrades to pass-through on backend errors).
type Backend interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error
}

// DefaultTTL is the entry lifetime used when none is configured.
const DefaultTTL = 24 * time.Hour

var _ embeddings.Provider = (*Cache)(nil)

// Cache decorates an [embeddings.Provider] with caching and coalescing. It
// implements embeddings.Provider itself so callers are oblivious to it.
type Cache struct {
	inner   embeddings.Provider
	backend Backend
	ttl     time.Duration
	group   singleflight.Group

	hits   func()
	misses func()
}

type config struct {
	ttl     time.Duration
	backend Backend
	onHit   func()
	onMiss  func()
}

// Option configures a Cache.
type Option func(*config)

// WithTTL overrides [DefaultTTL].
func WithTTL(ttl time.Duration) Option {
	return func(c *config) { c.ttl = ttl }
}

// WithBackend swaps the local in-process backend for another one, e.g. the
// shared [RedisBackend].
func WithBackend(b Backend) Option {
	return func(c *config) { c.backend = b }
}

// WithCounters registers callbacks invoked on cache hit and miss, for metrics.
func WithCounters(onHit, onMiss func()) Option {
	return func(c *config) {
		c.onHit = onHit
		c.onMiss = onMiss
	}
}

// New wraps inner with a cache. By default entries live in-process with
// [DefaultTTL].
func New(inner embeddings.Provider, opts ...Option) *Cache {
	cfg := &config{ttl: DefaultTTL}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.backend == nil {
		cfg.backend = NewLocalBackend()
	}
	noop := func() {}
	if cfg.onHit == nil {
		cfg.onHit = noop
	}
	if cfg.onMiss == nil {
		cfg.onMiss = noop
	}
	return &Cache{
		inner:   inner,
		backend: cfg.backend,
		ttl:     cfg.ttl,
		hits:    cfg.onHit,
		misses:  cfg.onMiss,
	}
}

// Fingerprint returns the cache key for text under model: hex SHA-256 of
// "model\x00text".
func Fingerprint(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Embed implements embeddings.Provider. Identical concurrent requests share a
// single backend call; every waiter receives its own copy of the vector.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := Fingerprint(c.inner.ModelID(), text)

	if vec, ok, err := c.backend.Get(ctx, key); err == nil && ok {
		c.hits()
		return cloneVec(vec), nil
	}
	c.misses()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Double-check under the flight: a concurrent writer may have
		// populated the entry between our miss and entering the group.
		if vec, ok, err := c.backend.Get(ctx, key); err == nil && ok {
			return vec, nil
		}
		vec, err := c.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if err := c.backend.Set(ctx, key, vec, c.ttl); err != nil {
			// Cache write failure is not an embed failure.
			return vec, nil
		}
		return vec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedcache: %w", err)
	}
	return cloneVec(v.([]float32)), nil
}

// EmbedBatch implements embeddings.Provider. Cached texts are served from the
// backend; only the misses are forwarded to the inner provider in one call.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		key := Fingerprint(c.inner.ModelID(), text)
		if vec, ok, err := c.backend.Get(ctx, key); err == nil && ok {
			c.hits()
			result[i] = cloneVec(vec)
			continue
		}
		c.misses()
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return result, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, fmt.Errorf("embedcache: batch: %w", err)
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedcache: batch: expected %d embeddings, got %d", len(missTexts), len(vecs))
	}
	for j, vec := range vecs {
		result[missIdx[j]] = vec
		key := Fingerprint(c.inner.ModelID(), missTexts[j])
		_ = c.backend.Set(ctx, key, vec, c.ttl)
	}
	return result, nil
}

// Dimensions implements embeddings.Provider.
func (c *Cache) Dimensions() int { return c.inner.Dimensions() }

// ModelID implements embeddings.Provider.
func (c *Cache) ModelID() string { return c.inner.ModelID() }

func cloneVec(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
