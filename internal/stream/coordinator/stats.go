package coordinator

import (
	"voxelstream.ai/internal/stream/cache"
	"voxelstream.ai/internal/stream/handles"
	"voxelstream.ai/internal/stream/workers"
)

// Stats is the read-only diagnostics snapshot published after every tick.
type Stats struct {
	Tick          uint64     `json:"tick"`
	LoaderMode    string     `json:"loader_mode"`
	ExecutionMode string     `json:"execution_mode"`
	ObserverChunk [2]int     `json:"observer_chunk"`
	Velocity      [2]float64 `json:"velocity"`

	Required int `json:"required"`
	Resident int `json:"resident"`
	Loading  int `json:"loading"`
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`

	Dispatched uint64 `json:"dispatched"`
	CacheHits  uint64 `json:"cache_hits"`
	Failures   uint64 `json:"failures"`
	Stale      uint64 `json:"stale"`
	Unloads    uint64 `json:"unloads"`
	Evictions  uint64 `json:"evictions"`
	Throttled  uint64 `json:"throttled"`

	Cache   cache.Stats   `json:"cache"`
	Terrain workers.Stats `json:"terrain"`
	Mesh    workers.Stats `json:"mesh"`
	Pool    handles.Stats `json:"pool"`

	StepMS float64 `json:"step_ms"`
}

// WorkerBusy is the number of units executing a job across both pools.
func (s Stats) WorkerBusy() int { return s.Terrain.Busy + s.Mesh.Busy }
