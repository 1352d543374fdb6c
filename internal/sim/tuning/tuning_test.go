package tuning

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "stream.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	tu, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.RenderDistance != Defaults().RenderDistance || tu.MaxRetries != 2 {
		t.Fatalf("unexpected defaults: %+v", tu)
	}
}

func TestLoad_OverlaysFile(t *testing.T) {
	p := writeYAML(t, `
render_distance: 4
max_chunks_in_memory: 100
loader_mode: BASIC
cache:
  memory_entries: 32
  durable: none
`)
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.RenderDistance != 4 || tu.MaxChunksInMemory != 100 {
		t.Fatalf("overlay not applied: %+v", tu)
	}
	if tu.LoaderMode != LoaderBasic {
		t.Fatalf("loader_mode=%q want=%q", tu.LoaderMode, LoaderBasic)
	}
	if tu.ChunkSize != 16 {
		t.Fatalf("chunk_size default lost: %d", tu.ChunkSize)
	}
}

func TestLoad_SchemaRejectsUnknownMode(t *testing.T) {
	p := writeYAML(t, `
execution_mode: threads
cache:
  memory_entries: 8
  durable: none
`)
	_, err := Load(p)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v want ErrInvalid", err)
	}
}

func TestValidate_DurableNeedsPath(t *testing.T) {
	tu := Defaults()
	tu.Cache.Durable = DurableLevelDB
	tu.Cache.Path = ""
	if err := tu.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v want ErrInvalid", err)
	}
}

func TestValidate_LODBandsOrdered(t *testing.T) {
	tu := Defaults()
	tu.LODBands = LODBands{Near: 0.8, Medium: 0.5}
	if err := tu.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v want ErrInvalid", err)
	}
}

func TestValidate_RenderDistanceRange(t *testing.T) {
	tu := Defaults()
	tu.RenderDistance = 500
	if err := tu.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v want ErrInvalid", err)
	}
}

func TestDerivedDurations(t *testing.T) {
	tu := Defaults()
	tu.TickRateHz = 20
	tu.TickBudgetMS = 2.5
	if got := tu.TickInterval().Milliseconds(); got != 50 {
		t.Fatalf("TickInterval=%dms want=50", got)
	}
	if got := tu.TickBudget().Microseconds(); got != 2500 {
		t.Fatalf("TickBudget=%dus want=2500", got)
	}
	tu.RenderDistance, tu.Hysteresis = 8, 2
	if got := tu.UnloadDistance(); got != 10 {
		t.Fatalf("UnloadDistance=%f want=10", got)
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	tu, err := Load(filepath.Join("..", "..", "..", "configs", "stream.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.Cache.Durable != DurableSQLite || tu.RenderDistance != 8 {
		t.Fatalf("unexpected config: durable=%s render_distance=%d", tu.Cache.Durable, tu.RenderDistance)
	}
}
