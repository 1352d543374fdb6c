// Package scheduler orders pending chunk loads by urgency.
package scheduler

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/sim/mathx"
)

// Scheduler is a binary min-heap of load requests paired with a key to
// heap-index map, so every coordinate has at most one live entry.
// It is not safe for concurrent use; the coordinator owns it.
type Scheduler struct {
	heap  []chunk.LoadRequest
	index map[chunk.Key]int
}

func New() *Scheduler {
	return &Scheduler{index: map[chunk.Key]int{}}
}

func (s *Scheduler) Len() int { return len(s.heap) }

func (s *Scheduler) Contains(k chunk.Key) bool {
	_, ok := s.index[k]
	return ok
}

// Enqueue inserts req, or updates the priority and LOD of the existing entry
// for the same key in place.
func (s *Scheduler) Enqueue(req chunk.LoadRequest) {
	if i, ok := s.index[req.Key]; ok {
		old := s.heap[i].Priority
		s.heap[i] = req
		if req.Priority < old {
			s.up(i)
		} else if req.Priority > old {
			s.down(i)
		}
		return
	}
	s.heap = append(s.heap, req)
	i := len(s.heap) - 1
	s.index[req.Key] = i
	s.up(i)
}

// Dequeue removes and returns the most urgent request.
func (s *Scheduler) Dequeue() (chunk.LoadRequest, bool) {
	if len(s.heap) == 0 {
		return chunk.LoadRequest{}, false
	}
	top := s.heap[0]
	s.removeAt(0)
	return top, true
}

func (s *Scheduler) Peek() (chunk.LoadRequest, bool) {
	if len(s.heap) == 0 {
		return chunk.LoadRequest{}, false
	}
	return s.heap[0], true
}

// Remove drops the entry for k. It reports whether one existed.
func (s *Scheduler) Remove(k chunk.Key) bool {
	i, ok := s.index[k]
	if !ok {
		return false
	}
	s.removeAt(i)
	return true
}

// Keys returns the queued coordinates in heap order.
func (s *Scheduler) Keys() []chunk.Key {
	out := make([]chunk.Key, 0, len(s.heap))
	for _, r := range s.heap {
		out = append(out, r.Key)
	}
	return out
}

func (s *Scheduler) removeAt(i int) {
	last := len(s.heap) - 1
	delete(s.index, s.heap[i].Key)
	if i != last {
		s.heap[i] = s.heap[last]
		s.index[s.heap[i].Key] = i
	}
	s.heap = s.heap[:last]
	if i < len(s.heap) {
		if !s.up(i) {
			s.down(i)
		}
	}
}

func (s *Scheduler) swap(i, j int) {
	s.heap[i], s.heap[j] = s.heap[j], s.heap[i]
	s.index[s.heap[i].Key] = i
	s.index[s.heap[j].Key] = j
}

// up reports whether the element moved.
func (s *Scheduler) up(i int) bool {
	moved := false
	for i > 0 {
		p := (i - 1) / 2
		if s.heap[p].Priority <= s.heap[i].Priority {
			break
		}
		s.swap(i, p)
		i = p
		moved = true
	}
	return moved
}

func (s *Scheduler) down(i int) {
	n := len(s.heap)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		m := l
		if r := l + 1; r < n && s.heap[r].Priority < s.heap[l].Priority {
			m = r
		}
		if s.heap[i].Priority <= s.heap[m].Priority {
			return
		}
		s.swap(i, m)
		i = m
	}
}

// Priority is distance * (2 - directionFactor), where directionFactor maps
// the cosine between forward and the direction to the chunk into [0,1].
// observer and the chunk centre are chunk-space points. A zero forward
// vector makes every direction neutral.
func Priority(observer, forward, centre mgl64.Vec2) float64 {
	toChunk := centre.Sub(observer)
	dist := toChunk.Len()
	if dist < 1e-9 {
		return 0
	}
	f := mathx.SafeNormalize(forward)
	factor := 0.5
	if f != (mgl64.Vec2{}) {
		factor = (f.Dot(toChunk.Mul(1/dist)) + 1) / 2
	}
	factor = mathx.Clamp(factor, 0, 1)
	p := dist * (2 - factor)
	if math.IsNaN(p) {
		return dist * 2
	}
	return p
}
