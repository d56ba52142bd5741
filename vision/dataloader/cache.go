package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-igc/vision/preprocessing"
)

// CacheManager is an LRU cache of decoded images keyed by item key. It is
// safe for concurrent use and may be shared by several loaders.
type CacheManager struct {
	mu       sync.Mutex
	lru      *list.List
	entries  map[string]*list.Element
	maxSize  int
	itemSize int // expected float32 count per image, for stats only

	hits   int64
	misses int64
}

type cacheEntry struct {
	key string
	img *preprocessing.ProcessedImage
}

// NewCacheManager creates a cache holding at most maxSize images. A
// negative maxSize disables caching.
func NewCacheManager(maxSize int, itemSize int) *CacheManager {
	return &CacheManager{
		lru:      list.New(),
		entries:  make(map[string]*list.Element),
		maxSize:  maxSize,
		itemSize: itemSize,
	}
}

// Get retrieves an image and marks it most recently used
func (cm *CacheManager) Get(key string) (*preprocessing.ProcessedImage, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.entries[key]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).img, true
	}
	cm.misses++
	return nil, false
}

// Put adds an image, evicting the least recently used ones over capacity
func (cm *CacheManager) Put(key string, img *preprocessing.ProcessedImage) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxSize <= 0 {
		return
	}
	if elem, ok := cm.entries[key]; ok {
		elem.Value.(*cacheEntry).img = img
		cm.lru.MoveToFront(elem)
		return
	}

	cm.entries[key] = cm.lru.PushFront(&cacheEntry{key: key, img: img})
	for cm.lru.Len() > cm.maxSize {
		oldest := cm.lru.Back()
		cm.lru.Remove(oldest)
		delete(cm.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Len returns the number of cached images
func (cm *CacheManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lru.Len()
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.lru.Len(),
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
		Bytes:   int64(cm.lru.Len()) * int64(cm.itemSize) * 4,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear empties the cache. Statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.lru.Init()
	cm.entries = make(map[string]*list.Element)
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hits = 0
	cm.misses = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
	Bytes   int64 // approximate, from the configured image size
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items (~%.1f MB), Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, float64(cs.Bytes)/1024/1024, cs.Hits, cs.Misses, cs.HitRate)
}
