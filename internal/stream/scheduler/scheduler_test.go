package scheduler

import (
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/sim/chunk"
)

func key(x, z int) chunk.Key { return chunk.Key{CX: x, CZ: z} }

func checkHeap(t *testing.T, s *Scheduler) {
	t.Helper()
	if len(s.index) != len(s.heap) {
		t.Fatalf("index=%d heap=%d", len(s.index), len(s.heap))
	}
	for i, r := range s.heap {
		if s.index[r.Key] != i {
			t.Fatalf("index[%v]=%d want=%d", r.Key, s.index[r.Key], i)
		}
		if i > 0 && s.heap[(i-1)/2].Priority > r.Priority {
			t.Fatalf("heap order violated at %d", i)
		}
	}
}

func TestDequeue_NonDecreasing(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s := New()
	for i := 0; i < 500; i++ {
		s.Enqueue(chunk.LoadRequest{Key: key(rng.Intn(40), rng.Intn(40)), Priority: rng.Float64() * 100})
	}
	checkHeap(t, s)
	prev := -1.0
	n := s.Len()
	for i := 0; i < n; i++ {
		r, ok := s.Dequeue()
		if !ok {
			t.Fatalf("dequeue %d: empty", i)
		}
		if r.Priority < prev {
			t.Fatalf("priority %f after %f", r.Priority, prev)
		}
		prev = r.Priority
	}
	if _, ok := s.Dequeue(); ok {
		t.Fatalf("expected empty scheduler")
	}
}

func TestEnqueue_UpdatesInPlace(t *testing.T) {
	s := New()
	s.Enqueue(chunk.LoadRequest{Key: key(5, 5), Priority: 3})
	s.Enqueue(chunk.LoadRequest{Key: key(1, 1), Priority: 10})
	s.Enqueue(chunk.LoadRequest{Key: key(7, 7), Priority: 2.5})
	s.Enqueue(chunk.LoadRequest{Key: key(1, 1), Priority: 2})
	if s.Len() != 3 {
		t.Fatalf("Len=%d want=3", s.Len())
	}
	checkHeap(t, s)
	r, _ := s.Dequeue()
	if r.Key != key(1, 1) || r.Priority != 2 {
		t.Fatalf("first=%+v want key 1,1 priority 2", r)
	}
	for s.Len() > 0 {
		r, _ := s.Dequeue()
		if r.Key == key(1, 1) {
			t.Fatalf("duplicate entry for 1,1")
		}
	}
}

func TestEnqueue_PriorityIncreaseSinks(t *testing.T) {
	s := New()
	s.Enqueue(chunk.LoadRequest{Key: key(0, 0), Priority: 1})
	s.Enqueue(chunk.LoadRequest{Key: key(1, 0), Priority: 5})
	s.Enqueue(chunk.LoadRequest{Key: key(2, 0), Priority: 6})
	s.Enqueue(chunk.LoadRequest{Key: key(0, 0), Priority: 50, LOD: 2})
	checkHeap(t, s)
	r, _ := s.Peek()
	if r.Key != key(1, 0) {
		t.Fatalf("peek=%v want 1,0", r.Key)
	}
	for s.Len() > 1 {
		s.Dequeue()
	}
	last, _ := s.Dequeue()
	if last.Key != key(0, 0) || last.LOD != 2 {
		t.Fatalf("last=%+v want key 0,0 lod 2", last)
	}
}

func TestRemove_ArbitraryPosition(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	s := New()
	for i := 0; i < 64; i++ {
		s.Enqueue(chunk.LoadRequest{Key: key(i, 0), Priority: rng.Float64()})
	}
	for i := 0; i < 64; i += 3 {
		if !s.Remove(key(i, 0)) {
			t.Fatalf("Remove(%d) = false", i)
		}
		checkHeap(t, s)
	}
	if s.Remove(key(0, 0)) {
		t.Fatalf("removing twice should report false")
	}
	if s.Contains(key(3, 0)) {
		t.Fatalf("removed key still present")
	}
	if !s.Contains(key(1, 0)) {
		t.Fatalf("untouched key missing")
	}
	prev := -1.0
	for s.Len() > 0 {
		r, _ := s.Dequeue()
		if r.Priority < prev {
			t.Fatalf("order broken after removals")
		}
		prev = r.Priority
	}
}

func TestPriority_AheadBeatsBehind(t *testing.T) {
	obs := mgl64.Vec2{0.5, 0.5}
	fwd := mgl64.Vec2{1, 0}
	ahead := Priority(obs, fwd, mgl64.Vec2{3.5, 0.5})
	behind := Priority(obs, fwd, mgl64.Vec2{-2.5, 0.5})
	if ahead >= behind {
		t.Fatalf("ahead=%f behind=%f; ahead should be more urgent", ahead, behind)
	}
	if ahead != 3 {
		t.Fatalf("ahead=%f want=3 (distance*1)", ahead)
	}
	if behind != 6 {
		t.Fatalf("behind=%f want=6 (distance*2)", behind)
	}
}

func TestPriority_NoDirectionIsNeutral(t *testing.T) {
	p := Priority(mgl64.Vec2{0, 0}, mgl64.Vec2{}, mgl64.Vec2{2, 0})
	if p != 3 {
		t.Fatalf("p=%f want=3", p)
	}
	if got := Priority(mgl64.Vec2{1, 1}, mgl64.Vec2{1, 0}, mgl64.Vec2{1, 1}); got != 0 {
		t.Fatalf("own chunk priority=%f want=0", got)
	}
}
