package gossip

import (
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize is the number of envelope ids remembered for dedup.
const DefaultCacheSize = 10000

// DedupCache remembers the ids of recently seen envelopes, evicting the
// least recently seen first.
type DedupCache struct {
	capacity int
	cache    *lru.Cache
}

// NewDedupCache creates a cache; capacity <= 0 uses DefaultCacheSize.
func NewDedupCache(capacity int) *DedupCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	cache, _ := lru.New(capacity) // only fails for capacity <= 0
	return &DedupCache{capacity: capacity, cache: cache}
}

// Seen records id and reports whether it had been recorded before.
func (dc *DedupCache) Seen(id uuid.UUID) bool {
	seen, _ := dc.cache.ContainsOrAdd(id, struct{}{})
	return seen
}

func (dc *DedupCache) Contains(id uuid.UUID) bool {
	return dc.cache.Contains(id)
}

func (dc *DedupCache) Size() int {
	return dc.cache.Len()
}

func (dc *DedupCache) Clear() {
	dc.cache.Purge()
}

// GetStats returns cache statistics.
func (dc *DedupCache) GetStats() map[string]interface{} {
	size := dc.cache.Len()
	return map[string]interface{}{
		"capacity":    dc.capacity,
		"size":        size,
		"utilization": float64(size) / float64(dc.capacity),
	}
}
