package coordinator

import (
	"context"
	"fmt"

	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/stream/workers"
)

type TerrainFunc = workers.Func[chunk.TerrainRequest, []byte]
type MeshFunc = workers.Func[chunk.MeshRequest, chunk.MeshResponse]

// executor runs generation jobs and reports each outcome through sink. One
// implementation is picked at construction from tuning.ExecutionMode.
type executor interface {
	name() string
	terrain(op uint64, req chunk.TerrainRequest)
	mesh(op uint64, req chunk.MeshRequest)
	stats() (terrain, mesh workers.Stats)
	close()
}

func newExecutor(t tuning.Tuning, tf TerrainFunc, mf MeshFunc, sink func(completion)) executor {
	if t.ExecutionMode == tuning.ExecInline {
		return &inlineExecutor{tf: tf, mf: mf, maxRetries: t.MaxRetries, sink: sink}
	}
	return &poolExecutor{
		terrainPool: workers.New(workers.Options{Name: "terrain", Size: t.TerrainWorkers, MaxRetries: t.MaxRetries}, tf),
		meshPool:    workers.New(workers.Options{Name: "mesh", Size: t.MeshWorkers, MaxRetries: t.MaxRetries}, mf),
		sink:        sink,
	}
}

// poolExecutor hands jobs to two worker pools. A goroutine per job waits on
// the future and forwards the outcome.
type poolExecutor struct {
	terrainPool *workers.Pool[chunk.TerrainRequest, []byte]
	meshPool    *workers.Pool[chunk.MeshRequest, chunk.MeshResponse]
	sink        func(completion)
}

func (*poolExecutor) name() string { return tuning.ExecWorkers }

func (e *poolExecutor) terrain(op uint64, req chunk.TerrainRequest) {
	f := e.terrainPool.Execute(req)
	go func() {
		voxels, err := f.Result()
		e.sink(completion{op: op, stage: stageTerrain, voxels: voxels, err: err, attempts: f.Attempts()})
	}()
}

func (e *poolExecutor) mesh(op uint64, req chunk.MeshRequest) {
	f := e.meshPool.Execute(req)
	go func() {
		resp, err := f.Result()
		e.sink(completion{op: op, stage: stageMesh, voxels: resp.Voxels, mesh: resp.Mesh, err: err, attempts: f.Attempts()})
	}()
}

func (e *poolExecutor) stats() (workers.Stats, workers.Stats) {
	return e.terrainPool.Stats(), e.meshPool.Stats()
}

func (e *poolExecutor) close() {
	e.terrainPool.Close()
	e.meshPool.Close()
}

// inlineExecutor runs jobs synchronously on the calling goroutine with the
// same retry budget as the pools.
type inlineExecutor struct {
	tf         TerrainFunc
	mf         MeshFunc
	maxRetries int
	sink       func(completion)

	terrainStats workers.Stats
	meshStats    workers.Stats
}

func (*inlineExecutor) name() string { return tuning.ExecInline }

func (e *inlineExecutor) terrain(op uint64, req chunk.TerrainRequest) {
	voxels, attempts, err := runInline(e.maxRetries, &e.terrainStats, func() ([]byte, error) {
		return e.tf(context.Background(), req)
	})
	e.sink(completion{op: op, stage: stageTerrain, voxels: voxels, err: err, attempts: attempts})
}

func (e *inlineExecutor) mesh(op uint64, req chunk.MeshRequest) {
	resp, attempts, err := runInline(e.maxRetries, &e.meshStats, func() (chunk.MeshResponse, error) {
		return e.mf(context.Background(), req)
	})
	e.sink(completion{op: op, stage: stageMesh, voxels: resp.Voxels, mesh: resp.Mesh, err: err, attempts: attempts})
}

func runInline[Out any](maxRetries int, st *workers.Stats, fn func() (Out, error)) (Out, int, error) {
	st.Submitted++
	var err error
	attempts := 0
	for attempts <= maxRetries {
		attempts++
		var out Out
		out, err = safeCall(fn)
		if err == nil {
			st.Completed++
			return out, attempts, nil
		}
		if attempts <= maxRetries {
			st.Retries++
		}
	}
	st.Rejected++
	var zero Out
	return zero, attempts, fmt.Errorf("%w after %d attempts: %v", workers.ErrRetriesExhausted, attempts, err)
}

func safeCall[Out any](fn func() (Out, error)) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inline job panicked: %v", r)
		}
	}()
	return fn()
}

func (e *inlineExecutor) stats() (workers.Stats, workers.Stats) {
	t, m := e.terrainStats, e.meshStats
	t.Name, m.Name = "terrain", "mesh"
	return t, m
}

func (*inlineExecutor) close() {}
