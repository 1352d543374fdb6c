// Package coordinator drives the chunk streaming pipeline.
//
// A Coordinator is owned by one goroutine: Tick and every query except
// Stats must be called from it. Worker results and durable-tier lookups are
// delivered over a channel and applied at the start of the next Tick, so the
// scheduler, spatial index, handle pool and lifecycle table need no locks.
package coordinator

import (
	"context"
	"io"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/time/rate"

	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/sim/mathx"
	"voxelstream.ai/internal/sim/terrain/gen"
	"voxelstream.ai/internal/sim/terrain/mesh"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/stream/cache"
	"voxelstream.ai/internal/stream/handles"
	"voxelstream.ai/internal/stream/scheduler"
	"voxelstream.ai/internal/stream/spatial"
)

// Scene receives resident chunk geometry for upload.
type Scene interface {
	Attach(h *handles.Handle)
	Detach(h *handles.Handle)
}

type Deps struct {
	// Cache defaults to a memory-only cache of Cache.MemoryEntries entries.
	Cache  *cache.Cache
	Scene  Scene
	Logger *log.Logger
	// Terrain and Mesh default to gen.Generate and mesh.Build.
	Terrain TerrainFunc
	Mesh    MeshFunc
}

type stage uint8

const (
	stageDurable stage = iota + 1
	stageTerrain
	stageMesh
)

type completion struct {
	op       uint64
	stage    stage
	voxels   []byte
	mesh     chunk.MeshData
	entry    cache.Entry
	hit      bool
	err      error
	attempts int
}

// pendingOp ties an asynchronous operation back to the coordinate and load
// generation that issued it.
type pendingOp struct {
	key   chunk.Key
	gen   uint64
	stage stage
}

type entry struct {
	state  chunk.State
	lod    int
	gen    uint64
	handle *handles.Handle
}

type Coordinator struct {
	cfg     tuning.Tuning
	logger  *log.Logger
	scene   Scene
	cache   *cache.Cache
	planner planner
	exec    executor
	limiter *rate.Limiter

	sched   *scheduler.Scheduler
	index   *spatial.Index[*handles.Handle]
	handles *handles.Pool

	states  map[chunk.Key]*entry
	pending map[uint64]pendingOp
	nextOp  uint64
	nextGen uint64

	required map[chunk.Key]struct{}
	observer mgl64.Vec2
	forward  mgl64.Vec2
	velocity mgl64.Vec2
	lastPos  mgl64.Vec2
	lastAt   time.Time
	havePos  bool
	tick     uint64

	completions chan completion
	local       []completion
	done        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	bg          sync.WaitGroup
	cleaning    atomic.Bool
	closed      bool

	dispatched uint64
	cacheHits  uint64
	failures   uint64
	stale      uint64
	unloads    uint64
	evictions  uint64
	throttled  uint64

	stats atomic.Value // Stats
}

func New(t tuning.Tuning, deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(t.Cache.MemoryEntries, nil, deps.Logger)
	}
	if deps.Terrain == nil {
		deps.Terrain = func(_ context.Context, req chunk.TerrainRequest) ([]byte, error) {
			return gen.Generate(req), nil
		}
	}
	if deps.Mesh == nil {
		deps.Mesh = func(_ context.Context, req chunk.MeshRequest) (chunk.MeshResponse, error) {
			return chunk.MeshResponse{Key: req.Key, Mesh: mesh.Build(req), Voxels: req.Voxels}, nil
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:         t,
		logger:      deps.Logger,
		scene:       deps.Scene,
		cache:       deps.Cache,
		planner:     newPlanner(t),
		sched:       scheduler.New(),
		index:       spatial.New[*handles.Handle](),
		states:      map[chunk.Key]*entry{},
		pending:     map[uint64]pendingOp{},
		required:    map[chunk.Key]struct{}{},
		completions: make(chan completion, 4096),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	var det handles.Detacher
	if deps.Scene != nil {
		det = deps.Scene
	}
	c.handles = handles.NewPool(det)
	if t.ExecutionMode == tuning.ExecInline {
		c.exec = newExecutor(t, deps.Terrain, deps.Mesh, c.deliverLocal)
	} else {
		c.exec = newExecutor(t, deps.Terrain, deps.Mesh, c.deliver)
	}
	if t.DispatchRateHz > 0 {
		burst := t.MaxConcurrentLoads
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(t.DispatchRateHz), burst)
	}
	c.publish(0)
	return c
}

// deliver is called from worker goroutines.
func (c *Coordinator) deliver(cm completion) {
	select {
	case c.completions <- cm:
	case <-c.done:
	}
}

// deliverLocal is called on the coordinator goroutine by the inline executor.
func (c *Coordinator) deliverLocal(cm completion) {
	c.local = append(c.local, cm)
}

// Tick advances the pipeline for an observer at world position pos (x,z)
// looking along dir.
func (c *Coordinator) Tick(pos, dir mgl64.Vec2, now time.Time) {
	if c.closed {
		return
	}
	start := time.Now()
	c.tick++
	c.drainCompletions()

	if c.havePos {
		if dt := now.Sub(c.lastAt).Seconds(); dt > 0 {
			c.velocity = pos.Sub(c.lastPos).Mul(1 / dt)
		}
	}
	c.lastPos, c.lastAt, c.havePos = pos, now, true
	c.observer = mathx.ChunkSpace(pos, c.cfg.ChunkSize)
	c.forward = mathx.SafeNormalize(dir)

	center := c.observerChunk()
	predicted := center
	if c.cfg.LookaheadSeconds > 0 {
		ahead := mathx.ChunkSpace(pos.Add(c.velocity.Mul(c.cfg.LookaheadSeconds)), c.cfg.ChunkSize)
		predicted.CX, predicted.CZ = mathx.ChunkOf(ahead)
	}
	clear(c.required)
	c.planner.required(center, predicted, c.required)

	c.schedule()
	c.dispatch(start)
	c.unloadOutOfRange()
	c.enforceMemoryCap()
	c.handles.Trim(c.cfg.Pool.MaxFree)
	c.maybeCleanup()
	c.publish(time.Since(start))
}

func (c *Coordinator) observerChunk() chunk.Key {
	cx, cz := mathx.ChunkOf(c.observer)
	return chunk.Key{CX: cx, CZ: cz}
}

// ringDistance is the Euclidean distance in whole chunks between k and the
// observer's chunk; it is the metric of the required disc.
func (c *Coordinator) ringDistance(k chunk.Key) float64 {
	o := c.observerChunk()
	dx, dz := float64(k.CX-o.CX), float64(k.CZ-o.CZ)
	return math.Sqrt(dx*dx + dz*dz)
}

func (c *Coordinator) lodFor(k chunk.Key) int {
	d := c.ringDistance(k)
	rd := float64(c.cfg.RenderDistance)
	switch {
	case d <= c.cfg.LODBands.Near*rd:
		return 0
	case d <= c.cfg.LODBands.Medium*rd:
		return 1
	default:
		return 2
	}
}

// schedule drops queued or loading coordinates that are no longer required
// and (re)prioritizes every required one that is not resident.
func (c *Coordinator) schedule() {
	for k, e := range c.states {
		if _, ok := c.required[k]; ok {
			continue
		}
		switch e.state {
		case chunk.Queued:
			c.sched.Remove(k)
			delete(c.states, k)
		case chunk.Loading:
			// The in-flight result is discarded when it arrives.
			delete(c.states, k)
		}
	}
	for k := range c.required {
		e := c.states[k]
		if e != nil && e.state != chunk.Queued {
			continue
		}
		centre := mathx.ChunkCenter(k.CX, k.CZ)
		req := chunk.LoadRequest{Key: k, Priority: c.planner.priority(c.observer, c.forward, centre), LOD: c.lodFor(k)}
		if e == nil {
			c.states[k] = &entry{state: chunk.Queued, lod: req.LOD}
		} else {
			e.lod = req.LOD
		}
		c.sched.Enqueue(req)
	}
}

// dispatch drains the scheduler while the tick budget, the in-flight cap and
// the optional dispatch rate allow.
func (c *Coordinator) dispatch(start time.Time) {
	budget := c.cfg.TickBudget()
	for c.sched.Len() > 0 {
		if len(c.pending) >= c.cfg.MaxConcurrentLoads || time.Since(start) >= budget {
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.throttled++
			return
		}
		req, _ := c.sched.Dequeue()
		e := c.states[req.Key]
		if e == nil || e.state != chunk.Queued {
			continue
		}
		c.nextGen++
		e.gen = c.nextGen
		e.lod = req.LOD

		if hit, ok := c.cache.GetMemory(req.Key, req.LOD); ok {
			c.cacheHits++
			c.makeResident(req.Key, e, hit.Voxels, hit.Mesh, false)
			continue
		}
		e.state = chunk.Loading
		c.dispatched++
		if c.cache.HasDurable() {
			c.lookupDurable(req.Key, e)
		} else {
			c.submitTerrain(req.Key, e)
		}
		c.drainLocal()
	}
}

func (c *Coordinator) track(k chunk.Key, e *entry, s stage) uint64 {
	c.nextOp++
	c.pending[c.nextOp] = pendingOp{key: k, gen: e.gen, stage: s}
	return c.nextOp
}

func (c *Coordinator) lookupDurable(k chunk.Key, e *entry) {
	op := c.track(k, e, stageDurable)
	lod := e.lod
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		hit, ok := c.cache.GetDurable(c.ctx, k, lod)
		c.deliver(completion{op: op, stage: stageDurable, entry: hit, hit: ok})
	}()
}

func (c *Coordinator) submitTerrain(k chunk.Key, e *entry) {
	op := c.track(k, e, stageTerrain)
	c.exec.terrain(op, chunk.TerrainRequest{
		Key:    k,
		Size:   c.cfg.ChunkSize,
		Height: c.cfg.ChunkHeight,
		Seed:   c.cfg.Seed,
		LOD:    e.lod,
	})
}

// submitMesh hands voxels to the mesh job; they come back in its response.
func (c *Coordinator) submitMesh(k chunk.Key, e *entry, voxels []byte) {
	op := c.track(k, e, stageMesh)
	c.exec.mesh(op, chunk.MeshRequest{
		Key:    k,
		Voxels: voxels,
		Size:   c.cfg.ChunkSize,
		Height: c.cfg.ChunkHeight,
		LOD:    e.lod,
	})
}

func (c *Coordinator) drainCompletions() {
	for {
		select {
		case cm := <-c.completions:
			c.complete(cm)
			c.drainLocal()
		default:
			return
		}
	}
}

func (c *Coordinator) drainLocal() {
	for len(c.local) > 0 {
		cm := c.local[0]
		c.local = c.local[1:]
		c.complete(cm)
	}
	c.local = c.local[:0]
}

// complete applies one asynchronous outcome. Outcomes for coordinates that
// are no longer Loading under the same generation are discarded.
func (c *Coordinator) complete(cm completion) {
	op, ok := c.pending[cm.op]
	if !ok {
		return
	}
	delete(c.pending, cm.op)
	e := c.states[op.key]
	if e == nil || e.state != chunk.Loading || e.gen != op.gen {
		c.stale++
		return
	}
	switch cm.stage {
	case stageDurable:
		if cm.hit && cm.entry.LOD == e.lod {
			c.cacheHits++
			c.makeResident(op.key, e, cm.entry.Voxels, cm.entry.Mesh, false)
			return
		}
		c.submitTerrain(op.key, e)
	case stageTerrain:
		if cm.err != nil {
			c.fail(op.key, "terrain", cm)
			return
		}
		c.submitMesh(op.key, e, cm.voxels)
	case stageMesh:
		if cm.err != nil {
			c.fail(op.key, "mesh", cm)
			return
		}
		c.makeResident(op.key, e, cm.voxels, cm.mesh, true)
	}
}

// fail returns the coordinate to Unrequested; the next tick reschedules it
// if it is still required.
func (c *Coordinator) fail(k chunk.Key, what string, cm completion) {
	delete(c.states, k)
	c.failures++
	c.logger.Printf("stream: %s job for %s failed after %d attempts: %v", what, k, cm.attempts, cm.err)
}

func (c *Coordinator) makeResident(k chunk.Key, e *entry, voxels []byte, m chunk.MeshData, store bool) {
	h := c.handles.Acquire()
	h.Key = k
	h.LOD = e.lod
	h.Size = c.cfg.ChunkSize
	h.Height = c.cfg.ChunkHeight
	h.Position = mgl64.Vec3{float64(k.CX * c.cfg.ChunkSize), 0, float64(k.CZ * c.cfg.ChunkSize)}
	h.Voxels = voxels
	h.Geometry = &m
	h.Dirty = true
	if c.scene != nil {
		c.scene.Attach(h)
		h.Attached = true
	}
	c.index.Insert(k, h)
	e.state = chunk.Resident
	e.handle = h

	if !store {
		return
	}
	// The memory tier is written here so that a later eviction in this tick
	// removes it for good; only the durable write leaves the goroutine.
	c.cache.SetMemory(k, e.lod, voxels, m)
	if c.cache.HasDurable() {
		lod := e.lod
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			c.cache.PutDurable(c.ctx, k, lod, voxels, m)
		}()
	}
}

func (c *Coordinator) release(k chunk.Key, e *entry) {
	c.index.Remove(k)
	c.handles.Release(e.handle)
	delete(c.states, k)
}

// unloadOutOfRange drops resident chunks past the render distance plus the
// hysteresis margin. Their memory cache entries stay behind.
func (c *Coordinator) unloadOutOfRange() {
	limit := c.cfg.UnloadDistance()
	for k, e := range c.states {
		if e.state != chunk.Resident || c.ringDistance(k) <= limit {
			continue
		}
		c.release(k, e)
		c.unloads++
	}
}

// enforceMemoryCap evicts the resident chunks farthest from the observer
// until at most 80% of the cap remain.
func (c *Coordinator) enforceMemoryCap() {
	limit := c.cfg.MaxChunksInMemory
	if c.index.Len() <= limit {
		return
	}
	target := int(0.8 * float64(limit))
	type cand struct {
		key  chunk.Key
		dist float64
	}
	cands := make([]cand, 0, c.index.Len())
	c.index.Range(func(k chunk.Key, _ *handles.Handle) bool {
		cands = append(cands, cand{key: k, dist: mathx.ChunkCenter(k.CX, k.CZ).Sub(c.observer).Len()})
		return true
	})
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist > cands[j].dist })
	for _, cd := range cands {
		if c.index.Len() <= target {
			break
		}
		e := c.states[cd.key]
		if e == nil {
			c.index.Remove(cd.key)
			continue
		}
		c.release(cd.key, e)
		c.cache.Evict(cd.key)
		c.evictions++
	}
	c.logger.Printf("stream: memory cap %d exceeded, evicted down to %d resident", limit, c.index.Len())
}

func (c *Coordinator) maybeCleanup() {
	every := c.cfg.Cache.CleanupEveryTicks
	if every <= 0 || c.tick%uint64(every) != 0 || !c.cache.HasDurable() || c.cfg.MaxAge() <= 0 {
		return
	}
	if !c.cleaning.CompareAndSwap(false, true) {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer c.cleaning.Store(false)
		if n := c.cache.Cleanup(c.ctx, c.cfg.MaxAge()); n > 0 {
			c.logger.Printf("stream: durable cleanup removed %d records older than %s", n, c.cfg.MaxAge())
		}
	}()
}

func (c *Coordinator) publish(step time.Duration) {
	s := Stats{
		Tick:          c.tick,
		LoaderMode:    c.planner.name(),
		ExecutionMode: c.exec.name(),
		Velocity:      [2]float64{c.velocity[0], c.velocity[1]},
		Required:      len(c.required),
		Resident:      c.index.Len(),
		Queued:        c.sched.Len(),
		InFlight:      len(c.pending),
		Dispatched:    c.dispatched,
		CacheHits:     c.cacheHits,
		Failures:      c.failures,
		Stale:         c.stale,
		Unloads:       c.unloads,
		Evictions:     c.evictions,
		Throttled:     c.throttled,
		Cache:         c.cache.Stats(),
		Pool:          c.handles.Stats(),
		StepMS:        float64(step.Microseconds()) / 1000,
	}
	o := c.observerChunk()
	s.ObserverChunk = [2]int{o.CX, o.CZ}
	for _, e := range c.states {
		if e.state == chunk.Loading {
			s.Loading++
		}
	}
	s.Terrain, s.Mesh = c.exec.stats()
	c.stats.Store(s)
}

// Stats returns the snapshot of the last tick. Safe from any goroutine.
func (c *Coordinator) Stats() Stats {
	return c.stats.Load().(Stats)
}

// State reports the lifecycle state of k.
func (c *Coordinator) State(k chunk.Key) chunk.State {
	if e := c.states[k]; e != nil {
		return e.state
	}
	return chunk.Unrequested
}

func (c *Coordinator) Handle(k chunk.Key) (*handles.Handle, bool) {
	return c.index.Get(k)
}

// Resident lists resident coordinates sorted by (CX, CZ).
func (c *Coordinator) Resident() []chunk.Key { return c.index.Keys() }

// ResidentWithin returns resident handles within r chunks of center.
func (c *Coordinator) ResidentWithin(center chunk.Key, r int) []spatial.Entry[*handles.Handle] {
	return c.index.RadiusQuery(center, r)
}

// NearestResident finds a resident chunk near k using the ring search.
func (c *Coordinator) NearestResident(k chunk.Key, maxRadius int) (chunk.Key, bool) {
	e, ok := c.index.Nearest(k, maxRadius)
	return e.Key, ok
}

// BlockAt answers a voxel point query from resident chunk data. Positions in
// chunks that are not resident read as air.
func (c *Coordinator) BlockAt(wx, wy, wz int) byte {
	size := c.cfg.ChunkSize
	k := chunk.Key{CX: mathx.FloorDiv(wx, size), CZ: mathx.FloorDiv(wz, size)}
	h, ok := c.index.Get(k)
	if !ok {
		return chunk.Air
	}
	return h.At(mathx.Mod(wx, size), wy, mathx.Mod(wz, size))
}

// Close stops worker pools and waits for background cache work. The cache
// itself is left open for its owner to close.
func (c *Coordinator) Close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.cancel()
	c.exec.close()
	c.bg.Wait()
}
