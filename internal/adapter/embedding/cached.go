package embedding

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"

	"llmflow/internal/domain"
)

// lruEntry pairs a hash key with its embedding vector in the LRU list.
type lruEntry struct {
	key uint64
	vec []float32
}

// Stats reports query-cache effectiveness.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

// CachedEmbedder wraps a domain.EmbeddingProvider with an LRU cache for
// single-text calls. A retrieval search embeds exactly one query, so
// repeated runs of the same workflow skip the backend round trip. Batch
// calls (indexing) pass through uncached.
type CachedEmbedder struct {
	inner   domain.EmbeddingProvider
	maxSize int

	mu     sync.Mutex
	cache  map[uint64]*list.Element // hash → list element
	order  *list.List               // most-recently-used at back
	hits   int64
	misses int64
}

// NewCachedEmbedder wraps inner with an LRU cache of maxSize entries.
// If maxSize <= 0, inner is returned directly.
func NewCachedEmbedder(inner domain.EmbeddingProvider, maxSize int) domain.EmbeddingProvider {
	if maxSize <= 0 {
		return inner
	}
	return &CachedEmbedder{
		inner:   inner,
		maxSize: maxSize,
		cache:   make(map[uint64]*list.Element, maxSize),
		order:   list.New(),
	}
}

// Embed implements domain.EmbeddingProvider.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) != 1 {
		return c.inner.Embed(ctx, texts)
	}

	key := c.hashKey(texts[0])

	c.mu.Lock()
	if elem, ok := c.cache[key]; ok {
		c.order.MoveToBack(elem)
		c.hits++
		vec := elem.Value.(*lruEntry).vec
		c.mu.Unlock()
		return [][]float32{vec}, nil
	}
	c.misses++
	c.mu.Unlock()

	result, err := c.inner.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return result, nil
	}

	c.mu.Lock()
	c.put(key, result[0])
	c.mu.Unlock()

	return result, nil
}

// Name implements domain.EmbeddingProvider.
func (c *CachedEmbedder) Name() string { return c.inner.Name() }

// Stats returns a snapshot of hit and miss counters.
func (c *CachedEmbedder) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: c.order.Len()}
}

// hashKey hashes the model name with the text so that one cache can be
// shared by embedders of different models without collisions.
func (c *CachedEmbedder) hashKey(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(c.inner.Name()))
	h.Write([]byte{0})
	h.Write([]byte(s))
	return h.Sum64()
}

// put inserts a key/value, evicting the LRU entry at capacity.
// Caller must hold c.mu.
func (c *CachedEmbedder) put(key uint64, vec []float32) {
	if elem, exists := c.cache[key]; exists {
		c.order.MoveToBack(elem)
		elem.Value.(*lruEntry).vec = vec
		return
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.cache, oldest.Value.(*lruEntry).key)
	}

	c.cache[key] = c.order.PushBack(&lruEntry{key: key, vec: vec})
}

// Compile-time interface check.
var _ domain.EmbeddingProvider = (*CachedEmbedder)(nil)
