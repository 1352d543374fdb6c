// Package cache keeps computed chunks in a bounded in-memory LRU backed by an
// optional durable tier. Terrain is stored run-length encoded in both tiers.
package cache

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/sim/encoding"
)

type Stats struct {
	Entries       int     `json:"entries"`
	Bytes         int     `json:"bytes"`
	MemoryHits    uint64  `json:"memory_hits"`
	DurableHits   uint64  `json:"durable_hits"`
	Misses        uint64  `json:"misses"`
	Sets          uint64  `json:"sets"`
	LRUEvictions  uint64  `json:"lru_evictions"`
	DurableErrors uint64  `json:"durable_errors"`
	CleanedUp     uint64  `json:"cleaned_up"`
	HitRate       float64 `json:"hit_rate"`
}

type Cache struct {
	logger  *log.Logger
	durable Durable

	mu  sync.Mutex
	mem *lru

	memHits     atomic.Uint64
	durableHits atomic.Uint64
	misses      atomic.Uint64
	sets        atomic.Uint64
	evictions   atomic.Uint64
	durableErrs atomic.Uint64
	cleaned     atomic.Uint64
}

// New builds a cache holding at most capacity entries in memory. durable may
// be nil.
func New(capacity int, durable Durable, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Cache{logger: logger, durable: durable, mem: newLRU(capacity)}
}

func (c *Cache) HasDurable() bool { return c.durable != nil }

// AnyLOD matches an entry of any level of detail.
const AnyLOD = -1

// Get is the read-through lookup: memory first, then the durable tier, whose
// hits are promoted into memory.
func (c *Cache) Get(ctx context.Context, key chunk.Key) (Entry, bool) {
	if e, ok := c.GetMemory(key, AnyLOD); ok {
		return e, true
	}
	return c.GetDurable(ctx, key, AnyLOD)
}

// GetMemory consults only the in-memory tier for key at the given level of
// detail. An entry stored at another level is a miss. A miss is not counted
// when a durable tier exists so that the follow-up GetDurable does not count
// the same lookup twice.
func (c *Cache) GetMemory(key chunk.Key, lod int) (Entry, bool) {
	c.mu.Lock()
	me, ok := c.mem.get(key)
	c.mu.Unlock()
	if !ok || (lod != AnyLOD && me.lod != lod) {
		if c.durable == nil {
			c.misses.Add(1)
		}
		return Entry{}, false
	}
	voxels, err := encoding.DecodeRLE(me.terrain)
	if err != nil {
		c.mu.Lock()
		c.mem.remove(key)
		c.mu.Unlock()
		c.misses.Add(1)
		c.logger.Printf("cache: drop corrupt memory entry %s: %v", key, err)
		return Entry{}, false
	}
	c.memHits.Add(1)
	return Entry{Key: key, LOD: me.lod, Voxels: voxels, Mesh: me.mesh.Clone(), CreatedAt: me.createdAt}, true
}

// GetDurable consults only the durable tier. It blocks on I/O. Records at
// another level of detail are misses and are not promoted.
func (c *Cache) GetDurable(ctx context.Context, key chunk.Key, lod int) (Entry, bool) {
	if c.durable == nil {
		return Entry{}, false
	}
	rec, ok, err := c.durable.Get(ctx, key)
	if err != nil {
		c.durableErr("get", key, err)
		c.misses.Add(1)
		return Entry{}, false
	}
	if !ok || (lod != AnyLOD && rec.LOD != lod) {
		c.misses.Add(1)
		return Entry{}, false
	}
	voxels, err := encoding.DecodeRLE(rec.Terrain)
	if err != nil {
		c.durableErr("decode terrain", key, err)
		c.misses.Add(1)
		return Entry{}, false
	}
	mesh, err := DecodeMesh(rec.Mesh)
	if err != nil {
		c.durableErr("decode mesh", key, err)
		c.misses.Add(1)
		return Entry{}, false
	}
	c.durableHits.Add(1)
	me := &memEntry{
		key:       key,
		lod:       rec.LOD,
		terrain:   rec.Terrain,
		mesh:      mesh,
		createdAt: rec.CreatedAt,
		size:      len(rec.Terrain) + mesh.ByteSize(),
	}
	c.mu.Lock()
	c.evictions.Add(uint64(c.mem.set(me)))
	c.mu.Unlock()
	return Entry{Key: key, LOD: rec.LOD, Voxels: voxels, Mesh: mesh.Clone(), CreatedAt: rec.CreatedAt}, true
}

// Set stores a computed chunk in both tiers. voxels and mesh are copied; the
// caller keeps ownership of its buffers.
func (c *Cache) Set(ctx context.Context, key chunk.Key, lod int, voxels []byte, mesh chunk.MeshData) {
	c.SetMemory(key, lod, voxels, mesh)
	c.PutDurable(ctx, key, lod, voxels, mesh)
}

// SetMemory stores a computed chunk in the in-memory tier only.
func (c *Cache) SetMemory(key chunk.Key, lod int, voxels []byte, mesh chunk.MeshData) {
	terrain := encoding.EncodeRLE(voxels)
	me := &memEntry{
		key:       key,
		lod:       lod,
		terrain:   terrain,
		mesh:      mesh.Clone(),
		createdAt: time.Now().UTC(),
		size:      len(terrain) + mesh.ByteSize(),
	}
	c.mu.Lock()
	c.evictions.Add(uint64(c.mem.set(me)))
	c.mu.Unlock()
	c.sets.Add(1)
}

// PutDurable writes a computed chunk to the durable tier only. It never
// touches memory, so it may run after the chunk was evicted from there.
// voxels and mesh are only read.
func (c *Cache) PutDurable(ctx context.Context, key chunk.Key, lod int, voxels []byte, mesh chunk.MeshData) {
	if c.durable == nil {
		return
	}
	terrain := encoding.EncodeRLE(voxels)
	blob := EncodeMesh(mesh)
	rec := Record{
		Key:       key,
		LOD:       lod,
		Terrain:   terrain,
		Mesh:      blob,
		CreatedAt: time.Now().UTC(),
		ByteSize:  len(terrain) + len(blob),
	}
	if err := c.durable.Put(ctx, rec); err != nil {
		c.durableErr("put", key, err)
	}
}

// Evict drops key from memory only.
func (c *Cache) Evict(key chunk.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mem.remove(key)
}

// Cleanup removes durable entries older than maxAge.
func (c *Cache) Cleanup(ctx context.Context, maxAge time.Duration) int {
	if c.durable == nil || maxAge <= 0 {
		return 0
	}
	n, err := c.durable.Cleanup(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		c.durableErr("cleanup", chunk.Key{}, err)
		return 0
	}
	c.cleaned.Add(uint64(n))
	return n
}

// Close closes the durable tier.
func (c *Cache) Close() error {
	if c.durable == nil {
		return nil
	}
	return c.durable.Close()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{Entries: c.mem.len(), Bytes: c.mem.bytes}
	c.mu.Unlock()
	s.MemoryHits = c.memHits.Load()
	s.DurableHits = c.durableHits.Load()
	s.Misses = c.misses.Load()
	s.Sets = c.sets.Load()
	s.LRUEvictions = c.evictions.Load()
	s.DurableErrors = c.durableErrs.Load()
	s.CleanedUp = c.cleaned.Load()
	if total := s.MemoryHits + s.DurableHits + s.Misses; total > 0 {
		s.HitRate = float64(s.MemoryHits+s.DurableHits) / float64(total)
	}
	return s
}

func (c *Cache) durableErr(op string, key chunk.Key, err error) {
	n := c.durableErrs.Add(1)
	// Log the first few and then every hundredth failure.
	if n <= 5 || n%100 == 0 {
		c.logger.Printf("cache: durable %s %s failed (%d total): %v", op, key, n, err)
	}
}
