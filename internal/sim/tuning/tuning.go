package tuning

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid tuning")

//go:embed stream.schema.json
var schemaJSON []byte

const (
	LoaderBasic      = "basic"
	LoaderPredictive = "predictive"

	ExecWorkers = "workers"
	ExecInline  = "inline"

	DurableSQLite  = "sqlite"
	DurableLevelDB = "leveldb"
	DurableNone    = "none"
)

type Tuning struct {
	ChunkSize   int   `yaml:"chunk_size" json:"chunk_size"`
	ChunkHeight int   `yaml:"chunk_height" json:"chunk_height"`
	Seed        int64 `yaml:"seed" json:"seed"`

	RenderDistance     int     `yaml:"render_distance" json:"render_distance"`
	Hysteresis         float64 `yaml:"hysteresis" json:"hysteresis"`
	MaxChunksInMemory  int     `yaml:"max_chunks_in_memory" json:"max_chunks_in_memory"`
	MaxConcurrentLoads int     `yaml:"max_concurrent_loads" json:"max_concurrent_loads"`
	TickBudgetMS       float64 `yaml:"tick_budget_ms" json:"tick_budget_ms"`
	TickRateHz         int     `yaml:"tick_rate_hz" json:"tick_rate_hz"`

	PrefetchRadius   int      `yaml:"prefetch_radius" json:"prefetch_radius"`
	LookaheadSeconds float64  `yaml:"lookahead_seconds" json:"lookahead_seconds"`
	LODBands         LODBands `yaml:"lod_bands" json:"lod_bands"`

	TerrainWorkers int     `yaml:"terrain_workers" json:"terrain_workers"`
	MeshWorkers    int     `yaml:"mesh_workers" json:"mesh_workers"`
	MaxRetries     int     `yaml:"max_retries" json:"max_retries"`
	DispatchRateHz float64 `yaml:"dispatch_rate_hz" json:"dispatch_rate_hz"`

	LoaderMode    string `yaml:"loader_mode" json:"loader_mode"`
	ExecutionMode string `yaml:"execution_mode" json:"execution_mode"`

	Cache CacheTuning `yaml:"cache" json:"cache"`
	Pool  PoolTuning  `yaml:"pool" json:"pool"`
}

// LODBands are fractions of the render distance: chunks within Near use full
// detail, within Medium one reduced level, beyond that the coarsest level.
type LODBands struct {
	Near   float64 `yaml:"near" json:"near"`
	Medium float64 `yaml:"medium" json:"medium"`
}

type CacheTuning struct {
	MemoryEntries     int    `yaml:"memory_entries" json:"memory_entries"`
	Durable           string `yaml:"durable" json:"durable"`
	Path              string `yaml:"path" json:"path"`
	MaxAgeSeconds     int    `yaml:"max_age_seconds" json:"max_age_seconds"`
	CleanupEveryTicks int    `yaml:"cleanup_every_ticks" json:"cleanup_every_ticks"`
}

type PoolTuning struct {
	MaxFree int `yaml:"max_free" json:"max_free"`
}

func Defaults() Tuning {
	return Tuning{
		ChunkSize:          16,
		ChunkHeight:        64,
		Seed:               1337,
		RenderDistance:     8,
		Hysteresis:         2,
		MaxChunksInMemory:  512,
		MaxConcurrentLoads: 16,
		TickBudgetMS:       4,
		TickRateHz:         20,
		PrefetchRadius:     1,
		LookaheadSeconds:   1.5,
		LODBands:           LODBands{Near: 0.4, Medium: 0.7},
		TerrainWorkers:     4,
		MeshWorkers:        2,
		MaxRetries:         2,
		LoaderMode:         LoaderPredictive,
		ExecutionMode:      ExecWorkers,
		Cache: CacheTuning{
			MemoryEntries:     256,
			Durable:           DurableSQLite,
			Path:              "chunks.db",
			MaxAgeSeconds:     7 * 24 * 3600,
			CleanupEveryTicks: 6000,
		},
		Pool: PoolTuning{MaxFree: 64},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, t.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("stream.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("stream.yaml: %w", err)
	}
	return t, nil
}

// Normalize fills zero values with defaults and canonicalizes mode names.
func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	d := Defaults()
	if t.ChunkSize <= 0 {
		t.ChunkSize = d.ChunkSize
	}
	if t.ChunkHeight <= 0 {
		t.ChunkHeight = d.ChunkHeight
	}
	if t.RenderDistance <= 0 {
		t.RenderDistance = d.RenderDistance
	}
	if t.MaxChunksInMemory <= 0 {
		t.MaxChunksInMemory = d.MaxChunksInMemory
	}
	if t.MaxConcurrentLoads <= 0 {
		t.MaxConcurrentLoads = d.MaxConcurrentLoads
	}
	if t.TickBudgetMS <= 0 {
		t.TickBudgetMS = d.TickBudgetMS
	}
	if t.TickRateHz <= 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.TerrainWorkers <= 0 {
		t.TerrainWorkers = d.TerrainWorkers
	}
	if t.MeshWorkers <= 0 {
		t.MeshWorkers = d.MeshWorkers
	}
	if t.LODBands.Near <= 0 && t.LODBands.Medium <= 0 {
		t.LODBands = d.LODBands
	}
	t.LoaderMode = strings.ToLower(strings.TrimSpace(t.LoaderMode))
	if t.LoaderMode == "" {
		t.LoaderMode = d.LoaderMode
	}
	t.ExecutionMode = strings.ToLower(strings.TrimSpace(t.ExecutionMode))
	if t.ExecutionMode == "" {
		t.ExecutionMode = d.ExecutionMode
	}
	t.Cache.Durable = strings.ToLower(strings.TrimSpace(t.Cache.Durable))
	if t.Cache.Durable == "" {
		t.Cache.Durable = DurableNone
	}
	if t.Cache.MemoryEntries <= 0 {
		t.Cache.MemoryEntries = d.Cache.MemoryEntries
	}
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("stream.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("stream.schema.json")
	})
	return schema, schemaErr
}

func (t Tuning) Validate() error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if t.LODBands.Medium < t.LODBands.Near {
		return fmt.Errorf("%w: lod_bands.medium must be >= lod_bands.near", ErrInvalid)
	}
	if t.Cache.Durable != DurableNone && strings.TrimSpace(t.Cache.Path) == "" {
		return fmt.Errorf("%w: cache.path required for durable=%s", ErrInvalid, t.Cache.Durable)
	}
	return nil
}

func (t Tuning) TickBudget() time.Duration {
	return time.Duration(t.TickBudgetMS * float64(time.Millisecond))
}

func (t Tuning) TickInterval() time.Duration {
	return time.Second / time.Duration(t.TickRateHz)
}

func (t Tuning) MaxAge() time.Duration {
	return time.Duration(t.Cache.MaxAgeSeconds) * time.Second
}

// UnloadDistance is the chunk distance past which resident chunks are unloaded.
func (t Tuning) UnloadDistance() float64 {
	return float64(t.RenderDistance) + t.Hysteresis
}
