package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"

	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/stream/coordinator"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to stream.yaml (empty for defaults)")
		logPath    = flag.String("log", "", "write coordinator logs to this file (default: discard)")
		loader     = flag.String("loader", "", "override loader_mode (basic|predictive)")
		exec       = flag.String("exec", "", "override execution_mode (workers|inline)")
	)
	flag.Parse()

	tune, err := tuning.Load(strings.TrimSpace(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *loader != "" {
		tune.LoaderMode = *loader
	}
	if *exec != "" {
		tune.ExecutionMode = *exec
	}
	// The viewer keeps its cache in memory.
	tune.Cache.Durable = tuning.DurableNone
	tune.Normalize()
	if err := tune.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var logger *log.Logger
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logger = log.New(f, "[viewer] ", log.LstdFlags|log.Lmicroseconds)
	}

	coord := coordinator.New(tune, coordinator.Deps{Logger: logger})
	defer coord.Close()

	screen, err := tcell.NewScreen()
	if err != nil {
		fmt.Fprintf(os.Stderr, "screen: %v\n", err)
		os.Exit(1)
	}
	if err := screen.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "screen init: %v\n", err)
		os.Exit(1)
	}
	defer screen.Fini()

	v := newViewer(coord, tune)

	events := make(chan tcell.Event, 100)
	go func() {
		for {
			ev := screen.PollEvent()
			if ev == nil {
				return
			}
			events <- ev
		}
	}()

	ticker := time.NewTicker(tune.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case ev := <-events:
			switch ev := ev.(type) {
			case *tcell.EventKey:
				if v.handleKey(ev) {
					return
				}
			case *tcell.EventResize:
				screen.Sync()
			}
		case now := <-ticker.C:
			v.tick(now)
			v.draw(screen)
		}
	}
}
