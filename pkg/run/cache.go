package run

import (
	"sync"

	"lsmkv/pkg/types"
)

type blockKey struct {
	run    types.RunID
	offset uint64
}

// BlockCache is an LRU of decoded data blocks shared by all runs, bounded
// by the total size of cached payloads. A nil *BlockCache caches nothing.
type BlockCache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	items    map[blockKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem

	hits   uint64
	misses uint64
}

type cacheItem struct {
	key   blockKey
	value []byte
	prev  *cacheItem
	next  *cacheItem
}

// NewBlockCache returns nil when capacity is not positive.
func NewBlockCache(capacity int64) *BlockCache {
	if capacity <= 0 {
		return nil
	}
	return &BlockCache{
		capacity: capacity,
		items:    make(map[blockKey]*cacheItem),
	}
}

func (bc *BlockCache) get(key blockKey) ([]byte, bool) {
	if bc == nil {
		return nil, false
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[key]
	if !found {
		bc.misses++
		return nil, false
	}
	bc.hits++
	bc.moveToHead(item)
	return item.value, true
}

func (bc *BlockCache) set(key blockKey, value []byte) {
	if bc == nil || int64(len(value)) > bc.capacity {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if item, found := bc.items[key]; found {
		bc.used += int64(len(value) - len(item.value))
		item.value = value
		bc.moveToHead(item)
	} else {
		item = &cacheItem{key: key, value: value}
		bc.addToHead(item)
		bc.items[key] = item
		bc.used += int64(len(value))
	}

	for bc.used > bc.capacity && bc.tail != nil {
		bc.evictLRU()
	}
}

// Evict drops every cached block of run id.
func (bc *BlockCache) Evict(id types.RunID) {
	if bc == nil {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for key, item := range bc.items {
		if key.run == id {
			bc.unlink(item)
			delete(bc.items, key)
			bc.used -= int64(len(item.value))
		}
	}
}

// Stats returns used bytes, hits and misses.
func (bc *BlockCache) Stats() (used int64, hits, misses uint64) {
	if bc == nil {
		return 0, 0, 0
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.used, bc.hits, bc.misses
}

func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
}

func (bc *BlockCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		bc.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		bc.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (bc *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head
	if bc.head != nil {
		bc.head.prev = item
	}
	bc.head = item
	if bc.tail == nil {
		bc.tail = item
	}
}

func (bc *BlockCache) evictLRU() {
	victim := bc.tail
	bc.unlink(victim)
	delete(bc.items, victim.key)
	bc.used -= int64(len(victim.value))
}
