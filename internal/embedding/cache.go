package embedding

import "sync"

// DefaultCacheCapacity is the number of vectors kept per Provider.
const DefaultCacheCapacity = 100

type cacheKey struct {
	model string
	text  string
}

// Cache is a bounded (model, text) -> vector map. Once full, the entry
// inserted earliest is evicted first; reads do not change eviction order.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[cacheKey][]float64
	order    []cacheKey
}

// NewCache creates a cache holding at most capacity entries.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[cacheKey][]float64, capacity+1),
	}
}

// Get returns the cached vector for the exact (modelID, text) pair.
func (c *Cache) Get(modelID, text string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[cacheKey{modelID, text}]
	return v, ok
}

// Put stores a vector. Overwriting a present key keeps its insertion position.
func (c *Cache) Put(modelID, text string, vector []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{modelID, text}
	if _, ok := c.entries[k]; !ok {
		c.order = append(c.order, k)
	}
	c.entries[k] = vector
	for len(c.entries) > c.capacity {
		oldest := c.order[0]
		c.order[0] = cacheKey{}
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Len reports the number of cached vectors.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
