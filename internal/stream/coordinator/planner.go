package coordinator

import (
	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/stream/scheduler"
)

// planner decides which coordinates are wanted and how urgent each one is.
// One implementation is picked at construction from tuning.LoaderMode.
type planner interface {
	name() string
	required(center, predicted chunk.Key, out map[chunk.Key]struct{})
	priority(observer, forward, centre mgl64.Vec2) float64
}

func newPlanner(t tuning.Tuning) planner {
	if t.LoaderMode == tuning.LoaderBasic {
		return basicPlanner{radius: t.RenderDistance}
	}
	return predictivePlanner{radius: t.RenderDistance, prefetch: t.PrefetchRadius}
}

// addDisc adds every coordinate with dx²+dz² <= r² around c.
func addDisc(out map[chunk.Key]struct{}, c chunk.Key, r int) {
	r2 := r * r
	for dz := -r; dz <= r; dz++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dz*dz <= r2 {
				out[chunk.Key{CX: c.CX + dx, CZ: c.CZ + dz}] = struct{}{}
			}
		}
	}
}

// basicPlanner loads the disc around the observer ordered by distance alone.
type basicPlanner struct{ radius int }

func (basicPlanner) name() string { return tuning.LoaderBasic }

func (p basicPlanner) required(center, _ chunk.Key, out map[chunk.Key]struct{}) {
	addDisc(out, center, p.radius)
}

func (basicPlanner) priority(observer, _, centre mgl64.Vec2) float64 {
	return centre.Sub(observer).Len()
}

// predictivePlanner adds a square block around the extrapolated position and
// favours chunks in the view direction.
type predictivePlanner struct {
	radius   int
	prefetch int
}

func (predictivePlanner) name() string { return tuning.LoaderPredictive }

func (p predictivePlanner) required(center, predicted chunk.Key, out map[chunk.Key]struct{}) {
	addDisc(out, center, p.radius)
	for dz := -p.prefetch; dz <= p.prefetch; dz++ {
		for dx := -p.prefetch; dx <= p.prefetch; dx++ {
			out[chunk.Key{CX: predicted.CX + dx, CZ: predicted.CZ + dz}] = struct{}{}
		}
	}
}

func (predictivePlanner) priority(observer, forward, centre mgl64.Vec2) float64 {
	return scheduler.Priority(observer, forward, centre)
}
