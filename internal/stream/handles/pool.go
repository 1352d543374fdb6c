// Package handles pools the per-chunk render handles handed to the scene.
package handles

import (
	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/sim/chunk"
)

// Material is the reusable per-handle render resource. It survives release.
type Material struct {
	ID      int
	Tint    [3]float32
	Uploads int
}

// Handle is a pooled chunk render object.
type Handle struct {
	Key      chunk.Key
	LOD      int
	Position mgl64.Vec3
	Dirty    bool

	Geometry *chunk.MeshData
	Voxels   []byte
	Size     int
	Height   int

	Material Material
	Attached bool

	inUse bool
}

// At reports the voxel id at local full-resolution coordinates, scaled
// down to the handle's level of detail. Out of range reads are air.
func (h *Handle) At(lx, ly, lz int) byte {
	if h == nil || lx < 0 || lz < 0 || ly < 0 || lx >= h.Size || lz >= h.Size || ly >= h.Height {
		return chunk.Air
	}
	n, hh := chunk.Dims(h.Size, h.Height, h.LOD)
	step := chunk.Step(h.LOD)
	x, y, z := lx/step, ly/step, lz/step
	if x >= n || z >= n || y >= hh {
		return chunk.Air
	}
	i := chunk.Index(n, x, y, z)
	if i >= len(h.Voxels) {
		return chunk.Air
	}
	return h.Voxels[i]
}

// Detacher removes a handle from whatever scene it was attached to.
type Detacher interface {
	Detach(h *Handle)
}

type Stats struct {
	Created  uint64  `json:"created"`
	Reused   uint64  `json:"reused"`
	InUse    int     `json:"in_use"`
	Free     int     `json:"free"`
	Trimmed  uint64  `json:"trimmed"`
	ReuseEff float64 `json:"reuse_efficiency"`
}

// Pool is owned by a single goroutine and is not safe for concurrent use.
type Pool struct {
	scene Detacher
	free  []*Handle
	inUse map[*Handle]struct{}

	nextID  int
	created uint64
	reused  uint64
	trimmed uint64
}

func NewPool(scene Detacher) *Pool {
	return &Pool{scene: scene, inUse: map[*Handle]struct{}{}}
}

// Acquire returns a handle with transient state cleared.
func (p *Pool) Acquire() *Handle {
	var h *Handle
	if n := len(p.free); n > 0 {
		h = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.reused++
	} else {
		p.nextID++
		h = &Handle{Material: Material{ID: p.nextID, Tint: [3]float32{1, 1, 1}}}
		p.created++
	}
	h.Key = chunk.Key{}
	h.LOD = 0
	h.Position = mgl64.Vec3{}
	h.Dirty = false
	h.inUse = true
	p.inUse[h] = struct{}{}
	return h
}

// Release detaches h, drops its geometry and voxels, and returns the shell to
// the free list. Releasing a handle that is not in use is a no-op.
func (p *Pool) Release(h *Handle) {
	if h == nil || !h.inUse {
		return
	}
	if h.Attached {
		if p.scene != nil {
			p.scene.Detach(h)
		}
		h.Attached = false
	}
	h.Geometry = nil
	h.Voxels = nil
	h.inUse = false
	delete(p.inUse, h)
	p.free = append(p.free, h)
}

// Trim destroys idle handles beyond maxFree and returns how many were dropped.
func (p *Pool) Trim(maxFree int) int {
	if maxFree < 0 {
		maxFree = 0
	}
	excess := len(p.free) - maxFree
	if excess <= 0 {
		return 0
	}
	for i := maxFree; i < len(p.free); i++ {
		p.free[i] = nil
	}
	p.free = p.free[:maxFree]
	p.trimmed += uint64(excess)
	return excess
}

func (p *Pool) InUse() int { return len(p.inUse) }
func (p *Pool) Free() int  { return len(p.free) }

func (p *Pool) Stats() Stats {
	s := Stats{
		Created: p.created,
		Reused:  p.reused,
		InUse:   len(p.inUse),
		Free:    len(p.free),
		Trimmed: p.trimmed,
	}
	if total := p.created + p.reused; total > 0 {
		s.ReuseEff = float64(p.reused) / float64(total)
	}
	return s
}
