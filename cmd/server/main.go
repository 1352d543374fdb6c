package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"voxelstream.ai/internal/observerproto"
	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/stream/cache"
	"voxelstream.ai/internal/stream/coordinator"
	"voxelstream.ai/internal/transport/observer"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		configPath  = flag.String("config", "./configs/stream.yaml", "path to stream.yaml (empty for defaults)")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		allowRemote = flag.Bool("allow_remote_observers", false, "accept observer connections from non-loopback addresses")
		walkRadius  = flag.Float64("walk_radius", 256, "radius in world units of the scripted walk used while no observer is connected")
		walkSpeed   = flag.Float64("walk_speed", 12, "scripted walk speed in world units per second")
		disableLog  = flag.Bool("disable_tick_log", false, "disable the per-tick jsonl log")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cp := strings.TrimSpace(*configPath)
	if cp != "" {
		if _, err := os.Stat(cp); os.IsNotExist(err) {
			logger.Printf("config not found (%s); using defaults", cp)
			cp = ""
		}
	}
	tune, err := tuning.Load(cp)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	chunkCache := cache.New(tune.Cache.MemoryEntries, durableOrMemory(tune, *dataDir, logger), logger)
	defer func() {
		if err := chunkCache.Close(); err != nil {
			logger.Printf("close cache: %v", err)
		}
	}()

	coord := coordinator.New(tune, coordinator.Deps{Cache: chunkCache, Logger: logger})
	defer coord.Close()

	runID := "run_" + uuid.NewString()
	logger.Printf("run=%s loader=%s exec=%s render_distance=%d durable=%s",
		runID, tune.LoaderMode, tune.ExecutionMode, tune.RenderDistance, tune.Cache.Durable)

	var tickLog *persistlog.TickLogger
	if !*disableLog {
		tickLog = persistlog.NewTickLogger(*dataDir)
		defer tickLog.Close()
	}

	poses := newPoseTracker()
	obsSrv := observer.NewServer(observer.Config{
		RunID: runID,
		Params: observerproto.StreamParams{
			TickRateHz:     tune.TickRateHz,
			ChunkSize:      tune.ChunkSize,
			ChunkHeight:    tune.ChunkHeight,
			RenderDistance: tune.RenderDistance,
			Seed:           tune.Seed,
			LoaderMode:     tune.LoaderMode,
			ExecutionMode:  tune.ExecutionMode,
		},
		AllowRemote: *allowRemote,
	}, poses, logger)

	loop := &streamLoop{
		coord:      coord,
		poses:      poses,
		obs:        obsSrv,
		runID:      runID,
		logger:     logger,
		walkRadius: *walkRadius,
		walkSpeed:  *walkSpeed,
	}
	if tickLog != nil {
		loop.ticks = tickLog
	}

	ctx, cancel := signalContext()
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, coord.Stats(), obsSrv.Stats())
	})
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			RunID    string            `json:"run_id"`
			Stats    coordinator.Stats `json:"stats"`
			Observer observer.Stats    `json:"observer"`
			Tuning   tuning.Tuning     `json:"tuning"`
		}{RunID: runID, Stats: coord.Stats(), Observer: obsSrv.Stats(), Tuning: tune}
		_ = json.NewEncoder(rw).Encode(resp)
	})
	mux.HandleFunc("/v1/stream/bootstrap", obsSrv.BootstrapHandler())
	mux.HandleFunc("/v1/stream/ws", obsSrv.WSHandler())
	if envBool("VS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()
	go func() {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("ListenAndServe: %v", err)
			cancel()
		}
	}()

	loop.run(ctx, tune.TickInterval())
	logger.Printf("shutting down at tick %d", coord.Stats().Tick)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func writeMetrics(rw http.ResponseWriter, s coordinator.Stats, o observer.Stats) {
	fmt.Fprintf(rw, "# HELP voxelstream_tick Current coordinator tick.\n")
	fmt.Fprintf(rw, "# TYPE voxelstream_tick gauge\n")
	fmt.Fprintf(rw, "voxelstream_tick %d\n", s.Tick)

	fmt.Fprintf(rw, "# HELP voxelstream_chunks Chunk counts by lifecycle state.\n")
	fmt.Fprintf(rw, "# TYPE voxelstream_chunks gauge\n")
	fmt.Fprintf(rw, "voxelstream_chunks{state=%q} %d\n", "required", s.Required)
	fmt.Fprintf(rw, "voxelstream_chunks{state=%q} %d\n", "queued", s.Queued)
	fmt.Fprintf(rw, "voxelstream_chunks{state=%q} %d\n", "loading", s.Loading)
	fmt.Fprintf(rw, "voxelstream_chunks{state=%q} %d\n", "resident", s.Resident)

	fmt.Fprintf(rw, "# HELP voxelstream_loads_total Load pipeline counters.\n")
	fmt.Fprintf(rw, "# TYPE voxelstream_loads_total counter\n")
	fmt.Fprintf(rw, "voxelstream_loads_total{event=%q} %d\n", "dispatched", s.Dispatched)
	fmt.Fprintf(rw, "voxelstream_loads_total{event=%q} %d\n", "cache_hit", s.CacheHits)
	fmt.Fprintf(rw, "voxelstream_loads_total{event=%q} %d\n", "failed", s.Failures)
	fmt.Fprintf(rw, "voxelstream_loads_total{event=%q} %d\n", "stale", s.Stale)
	fmt.Fprintf(rw, "voxelstream_loads_total{event=%q} %d\n", "unloaded", s.Unloads)
	fmt.Fprintf(rw, "voxelstream_loads_total{event=%q} %d\n", "evicted", s.Evictions)
	fmt.Fprintf(rw, "voxelstream_loads_total{event=%q} %d\n", "throttled", s.Throttled)

	fmt.Fprintf(rw, "# HELP voxelstream_cache_hit_rate Cache hit rate across both tiers.\n")
	fmt.Fprintf(rw, "# TYPE voxelstream_cache_hit_rate gauge\n")
	fmt.Fprintf(rw, "voxelstream_cache_hit_rate %.6f\n", s.Cache.HitRate)
	fmt.Fprintf(rw, "voxelstream_cache_entries %d\n", s.Cache.Entries)
	fmt.Fprintf(rw, "voxelstream_cache_durable_errors_total %d\n", s.Cache.DurableErrors)

	fmt.Fprintf(rw, "# HELP voxelstream_workers Worker pool units and queue depth.\n")
	fmt.Fprintf(rw, "# TYPE voxelstream_workers gauge\n")
	for _, w := range []struct {
		pool string
		busy int
		q    int
	}{{"terrain", s.Terrain.Busy, s.Terrain.Queued}, {"mesh", s.Mesh.Busy, s.Mesh.Queued}} {
		fmt.Fprintf(rw, "voxelstream_workers{pool=%q,metric=%q} %d\n", w.pool, "busy", w.busy)
		fmt.Fprintf(rw, "voxelstream_workers{pool=%q,metric=%q} %d\n", w.pool, "queued", w.q)
	}

	fmt.Fprintf(rw, "# HELP voxelstream_handle_reuse Handle pool reuse efficiency (0..1).\n")
	fmt.Fprintf(rw, "# TYPE voxelstream_handle_reuse gauge\n")
	fmt.Fprintf(rw, "voxelstream_handle_reuse %.6f\n", s.Pool.ReuseEff)

	fmt.Fprintf(rw, "# HELP voxelstream_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE voxelstream_step_ms gauge\n")
	fmt.Fprintf(rw, "voxelstream_step_ms %.3f\n", s.StepMS)

	fmt.Fprintf(rw, "# HELP voxelstream_observers Connected observer sessions.\n")
	fmt.Fprintf(rw, "# TYPE voxelstream_observers gauge\n")
	fmt.Fprintf(rw, "voxelstream_observers %d\n", o.Sessions)
	fmt.Fprintf(rw, "voxelstream_observer_dropped_total %d\n", o.Dropped)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
