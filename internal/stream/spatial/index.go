// Package spatial maps chunk coordinates to resident chunk handles.
package spatial

import (
	"sort"

	"voxelstream.ai/internal/sim/chunk"
)

type Entry[H any] struct {
	Key    chunk.Key
	Handle H
}

// Index is a hash from coordinate to handle. It is not safe for concurrent
// use; the coordinator is its only writer.
type Index[H any] struct {
	m map[chunk.Key]H
}

func New[H any]() *Index[H] {
	return &Index[H]{m: map[chunk.Key]H{}}
}

func (ix *Index[H]) Len() int { return len(ix.m) }

func (ix *Index[H]) Insert(k chunk.Key, h H) { ix.m[k] = h }

func (ix *Index[H]) Get(k chunk.Key) (H, bool) {
	h, ok := ix.m[k]
	return h, ok
}

func (ix *Index[H]) Remove(k chunk.Key) (H, bool) {
	h, ok := ix.m[k]
	if ok {
		delete(ix.m, k)
	}
	return h, ok
}

// Keys returns all coordinates sorted by (CX, CZ).
func (ix *Index[H]) Keys() []chunk.Key {
	keys := make([]chunk.Key, 0, len(ix.m))
	for k := range ix.m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CX != keys[j].CX {
			return keys[i].CX < keys[j].CX
		}
		return keys[i].CZ < keys[j].CZ
	})
	return keys
}

// Range calls fn for every entry until fn returns false. fn must not mutate the index.
func (ix *Index[H]) Range(fn func(k chunk.Key, h H) bool) {
	for k, h := range ix.m {
		if !fn(k, h) {
			return
		}
	}
}

// RadiusQuery scans the bounding square around center and keeps cells with
// dx²+dz² <= radius².
func (ix *Index[H]) RadiusQuery(center chunk.Key, radius int) []Entry[H] {
	if radius < 0 {
		return nil
	}
	r2 := radius * radius
	var out []Entry[H]
	for dz := -radius; dz <= radius; dz++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dz*dz > r2 {
				continue
			}
			k := chunk.Key{CX: center.CX + dx, CZ: center.CZ + dz}
			if h, ok := ix.m[k]; ok {
				out = append(out, Entry[H]{Key: k, Handle: h})
			}
		}
	}
	return out
}

// Region returns entries inside the inclusive rectangle [min, max].
func (ix *Index[H]) Region(min, max chunk.Key) []Entry[H] {
	var out []Entry[H]
	for cz := min.CZ; cz <= max.CZ; cz++ {
		for cx := min.CX; cx <= max.CX; cx++ {
			k := chunk.Key{CX: cx, CZ: cz}
			if h, ok := ix.m[k]; ok {
				out = append(out, Entry[H]{Key: k, Handle: h})
			}
		}
	}
	return out
}

// Nearest walks square rings of growing radius around c, inspecting only
// each ring's perimeter, and returns the closest entry of the first ring that
// has any. A closer entry in a later ring (possible near the ring corners) is
// not considered.
func (ix *Index[H]) Nearest(c chunk.Key, maxRadius int) (Entry[H], bool) {
	if h, ok := ix.m[c]; ok {
		return Entry[H]{Key: c, Handle: h}, true
	}
	for r := 1; r <= maxRadius; r++ {
		var best Entry[H]
		bestD := -1
		visit := func(dx, dz int) {
			k := chunk.Key{CX: c.CX + dx, CZ: c.CZ + dz}
			h, ok := ix.m[k]
			if !ok {
				return
			}
			d := dx*dx + dz*dz
			if bestD < 0 || d < bestD {
				best, bestD = Entry[H]{Key: k, Handle: h}, d
			}
		}
		for dx := -r; dx <= r; dx++ {
			visit(dx, -r)
			visit(dx, r)
		}
		for dz := -r + 1; dz <= r-1; dz++ {
			visit(-r, dz)
			visit(r, dz)
		}
		if bestD >= 0 {
			return best, true
		}
	}
	return Entry[H]{}, false
}
