package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

type cacheEntry struct {
	key  string
	data []float32
}

// CacheManager is an LRU cache of decoded images keyed by path. It may be
// shared by several loaders.
type CacheManager struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List // front is most recently used
	maxSize  int
	itemSize int // floats per image, for Stats only

	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding at most maxSize images.
func NewCacheManager(maxSize int, itemSize int) *CacheManager {
	return &CacheManager{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		maxSize:  maxSize,
		itemSize: itemSize,
	}
}

func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	elem, ok := cm.entries[key]
	if !ok {
		cm.misses++
		return nil, false
	}
	cm.lru.MoveToFront(elem)
	cm.hits++
	return elem.Value.(*cacheEntry).data, true
}

// Put stores data under key, evicting the least recently used entries
// beyond maxSize. A non-positive maxSize disables caching.
func (cm *CacheManager) Put(key string, data []float32) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxSize <= 0 {
		return
	}
	if elem, ok := cm.entries[key]; ok {
		elem.Value.(*cacheEntry).data = data
		cm.lru.MoveToFront(elem)
		return
	}
	cm.entries[key] = cm.lru.PushFront(&cacheEntry{key: key, data: data})
	for cm.lru.Len() > cm.maxSize {
		oldest := cm.lru.Back()
		cm.lru.Remove(oldest)
		delete(cm.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (cm *CacheManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lru.Len()
}

func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.lru.Len(),
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	stats.MemoryMB = float64(stats.Size*cm.itemSize*4) / (1 << 20)
	return stats
}

// Clear drops every entry; statistics are cumulative and survive.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.entries = make(map[string]*list.Element)
	cm.lru.Init()
}

type CacheStats struct {
	Size     int
	MaxSize  int
	Hits     int64
	Misses   int64
	HitRate  float64
	MemoryMB float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items (%.1f MB), Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.MemoryMB, cs.Hits, cs.Misses, cs.HitRate)
}
