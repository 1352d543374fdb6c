package cache

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"voxelstream.ai/internal/sim/chunk"
)

type memDurable struct {
	mu      sync.Mutex
	recs    map[chunk.Key]Record
	puts    int
	cleaned time.Time
}

func newMemDurable() *memDurable { return &memDurable{recs: map[chunk.Key]Record{}} }

func (d *memDurable) Get(ctx context.Context, k chunk.Key) (Record, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.recs[k]
	return r, ok, nil
}

func (d *memDurable) Put(ctx context.Context, r Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recs[r.Key] = r
	d.puts++
	return nil
}

func (d *memDurable) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleaned = olderThan
	n := 0
	for k, r := range d.recs {
		if r.CreatedAt.Before(olderThan) {
			delete(d.recs, k)
			n++
		}
	}
	return n, nil
}

func (d *memDurable) Close() error { return nil }

type failingDurable struct{}

var errDown = errors.New("disk unavailable")

func (failingDurable) Get(context.Context, chunk.Key) (Record, bool, error) {
	return Record{}, false, errDown
}
func (failingDurable) Put(context.Context, Record) error { return errDown }
func (failingDurable) Cleanup(context.Context, time.Time) (int, error) {
	return 0, errDown
}
func (failingDurable) Close() error { return errDown }

func sampleMesh() chunk.MeshData {
	return chunk.MeshData{
		Positions:   []float32{0, 0, 0, 1, 0, 0, 1, 1, 0},
		Normals:     []float32{0, 0, 1, 0, 0, 1, 0, 0, 1},
		Colors:      []float32{1, 0, 0, 0, 1, 0, 0, 0, 1},
		Indices:     []uint32{0, 1, 2},
		VertexCount: 3,
	}
}

func TestSetGet_RoundTripsTerrain(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	c := New(8, nil, nil)
	for i := 0; i < 20; i++ {
		v := make([]byte, 1+rng.Intn(2000))
		for j := range v {
			if rng.Intn(8) == 0 {
				v[j] = byte(rng.Intn(4))
			} else if j > 0 {
				v[j] = v[j-1]
			}
		}
		k := chunk.Key{CX: i, CZ: -i}
		c.Set(ctx, k, 0, v, sampleMesh())
		e, ok := c.Get(ctx, k)
		if !ok {
			t.Fatalf("miss after set for %v", k)
		}
		if !bytes.Equal(e.Voxels, v) {
			t.Fatalf("terrain mismatch for %v", k)
		}
	}
}

func TestSet_CopiesCallerBuffers(t *testing.T) {
	ctx := context.Background()
	c := New(4, nil, nil)
	m := sampleMesh()
	v := []byte{1, 1, 2}
	c.Set(ctx, chunk.Key{}, 0, v, m)
	m.Positions[0] = 99
	v[0] = 9
	e, _ := c.Get(ctx, chunk.Key{})
	if e.Mesh.Positions[0] != 0 || e.Voxels[0] != 1 {
		t.Fatalf("cache aliased caller buffers")
	}
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := New(2, nil, nil)
	a, b, d := chunk.Key{CX: 1}, chunk.Key{CX: 2}, chunk.Key{CX: 3}
	c.Set(ctx, a, 0, []byte{1}, chunk.MeshData{})
	c.Set(ctx, b, 0, []byte{2}, chunk.MeshData{})
	if _, ok := c.Get(ctx, a); !ok {
		t.Fatalf("a missing")
	}
	c.Set(ctx, d, 0, []byte{3}, chunk.MeshData{})
	if _, ok := c.Get(ctx, b); ok {
		t.Fatalf("b should have been evicted")
	}
	if _, ok := c.Get(ctx, a); !ok {
		t.Fatalf("recently used a was evicted")
	}
	st := c.Stats()
	if st.Entries != 2 || st.LRUEvictions != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestGet_PromotesDurableHit(t *testing.T) {
	ctx := context.Background()
	d := newMemDurable()
	c := New(1, d, nil)
	a, b := chunk.Key{CX: 1}, chunk.Key{CX: 2}
	c.Set(ctx, a, 1, []byte{5, 5, 5, 0}, sampleMesh())
	c.Set(ctx, b, 0, []byte{6}, chunk.MeshData{})
	if d.puts != 2 {
		t.Fatalf("durable puts=%d want=2", d.puts)
	}
	if _, ok := c.GetMemory(a, AnyLOD); ok {
		t.Fatalf("a should have left memory")
	}
	e, ok := c.Get(ctx, a)
	if !ok || !bytes.Equal(e.Voxels, []byte{5, 5, 5, 0}) || e.LOD != 1 {
		t.Fatalf("durable get=%+v,%v", e, ok)
	}
	if e.Mesh.VertexCount != 3 || len(e.Mesh.Indices) != 3 {
		t.Fatalf("mesh not restored: %+v", e.Mesh)
	}
	if _, ok := c.GetMemory(a, AnyLOD); !ok {
		t.Fatalf("durable hit was not promoted")
	}
	st := c.Stats()
	if st.DurableHits != 1 || st.MemoryHits != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMissInBothTiers(t *testing.T) {
	c := New(2, newMemDurable(), nil)
	if _, ok := c.Get(context.Background(), chunk.Key{CX: 7}); ok {
		t.Fatalf("expected miss")
	}
	if st := c.Stats(); st.Misses != 1 || st.HitRate != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestFailingDurableDegradesToMemory(t *testing.T) {
	ctx := context.Background()
	c := New(4, failingDurable{}, nil)
	k := chunk.Key{CX: 1, CZ: 1}
	c.Set(ctx, k, 0, []byte{1, 2, 3}, chunk.MeshData{})
	if _, ok := c.Get(ctx, k); !ok {
		t.Fatalf("memory tier should still serve")
	}
	if _, ok := c.Get(ctx, chunk.Key{CX: 9}); ok {
		t.Fatalf("durable failure must read as a miss")
	}
	if n := c.Cleanup(ctx, time.Hour); n != 0 {
		t.Fatalf("cleanup=%d want=0", n)
	}
	if st := c.Stats(); st.DurableErrors != 3 {
		t.Fatalf("durable errors=%d want=3", st.DurableErrors)
	}
}

func TestCleanupUsesMaxAge(t *testing.T) {
	ctx := context.Background()
	d := newMemDurable()
	d.recs[chunk.Key{CX: 1}] = Record{Key: chunk.Key{CX: 1}, CreatedAt: time.Now().Add(-2 * time.Hour)}
	d.recs[chunk.Key{CX: 2}] = Record{Key: chunk.Key{CX: 2}, CreatedAt: time.Now()}
	c := New(4, d, nil)
	if n := c.Cleanup(ctx, time.Hour); n != 1 {
		t.Fatalf("cleanup=%d want=1", n)
	}
	if len(d.recs) != 1 {
		t.Fatalf("remaining=%d want=1", len(d.recs))
	}
}

func TestEvictKeepsDurable(t *testing.T) {
	ctx := context.Background()
	d := newMemDurable()
	c := New(4, d, nil)
	k := chunk.Key{CZ: 3}
	c.Set(ctx, k, 0, []byte{1}, chunk.MeshData{})
	if !c.Evict(k) {
		t.Fatalf("evict missed")
	}
	if _, ok := c.GetMemory(k, AnyLOD); ok {
		t.Fatalf("still in memory after Evict")
	}
	if _, ok := c.GetDurable(ctx, k, AnyLOD); !ok {
		t.Fatalf("durable copy lost")
	}
}

func TestLODMismatchIsMiss(t *testing.T) {
	ctx := context.Background()
	c := New(4, nil, nil)
	k := chunk.Key{CX: 2, CZ: 2}
	c.Set(ctx, k, 1, []byte{3, 3}, chunk.MeshData{})
	if _, ok := c.GetMemory(k, 0); ok {
		t.Fatalf("lod 0 lookup hit a lod 1 entry")
	}
	if e, ok := c.GetMemory(k, 1); !ok || e.LOD != 1 {
		t.Fatalf("lod 1 lookup=%+v,%v", e, ok)
	}
	if st := c.Stats(); st.MemoryHits != 1 || st.Misses != 1 || st.HitRate != 0.5 {
		t.Fatalf("stats=%+v", st)
	}

	d := newMemDurable()
	c = New(4, d, nil)
	c.PutDurable(ctx, k, 2, []byte{1}, chunk.MeshData{})
	if _, ok := c.GetDurable(ctx, k, 0); ok {
		t.Fatalf("durable lod mismatch hit")
	}
	if _, ok := c.GetMemory(k, AnyLOD); ok {
		t.Fatalf("durable lod mismatch was promoted")
	}
	if st := c.Stats(); st.DurableHits != 0 || st.Misses != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestPutDurableLeavesMemoryAlone(t *testing.T) {
	ctx := context.Background()
	d := newMemDurable()
	c := New(4, d, nil)
	k := chunk.Key{CX: -1}
	c.SetMemory(k, 0, []byte{1, 1}, chunk.MeshData{})
	c.Evict(k)
	c.PutDurable(ctx, k, 0, []byte{1, 1}, sampleMesh())
	if _, ok := c.GetMemory(k, AnyLOD); ok {
		t.Fatalf("PutDurable restored an evicted memory entry")
	}
	if d.puts != 1 {
		t.Fatalf("durable puts=%d want=1", d.puts)
	}
	if st := c.Stats(); st.Sets != 1 || st.Entries != 0 {
		t.Fatalf("stats=%+v", st)
	}
}
