package cache

import (
	"container/list"
	"time"

	"voxelstream.ai/internal/sim/chunk"
)

type memEntry struct {
	key       chunk.Key
	lod       int
	terrain   []byte
	mesh      chunk.MeshData
	createdAt time.Time
	size      int
}

// lru is a fixed-capacity map with strict least-recently-used eviction.
// Callers hold Cache.mu.
type lru struct {
	cap   int
	items map[chunk.Key]*list.Element
	order *list.List
	bytes int
}

func newLRU(capacity int) *lru {
	if capacity < 1 {
		capacity = 1
	}
	return &lru{cap: capacity, items: map[chunk.Key]*list.Element{}, order: list.New()}
}

func (l *lru) get(k chunk.Key) (*memEntry, bool) {
	el, ok := l.items[k]
	if !ok {
		return nil, false
	}
	l.order.MoveToFront(el)
	return el.Value.(*memEntry), true
}

// set inserts or replaces e and returns how many entries were evicted.
func (l *lru) set(e *memEntry) int {
	if el, ok := l.items[e.key]; ok {
		old := el.Value.(*memEntry)
		l.bytes += e.size - old.size
		el.Value = e
		l.order.MoveToFront(el)
		return 0
	}
	l.items[e.key] = l.order.PushFront(e)
	l.bytes += e.size
	evicted := 0
	for l.order.Len() > l.cap {
		back := l.order.Back()
		old := back.Value.(*memEntry)
		l.order.Remove(back)
		delete(l.items, old.key)
		l.bytes -= old.size
		evicted++
	}
	return evicted
}

func (l *lru) remove(k chunk.Key) bool {
	el, ok := l.items[k]
	if !ok {
		return false
	}
	old := el.Value.(*memEntry)
	l.order.Remove(el)
	delete(l.items, k)
	l.bytes -= old.size
	return true
}

func (l *lru) len() int { return l.order.Len() }
