package main

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"voxelstream.ai/internal/persistence/cachedb"
	"voxelstream.ai/internal/persistence/cachekv"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/stream/cache"
)

const durableQueueSize = 4096

// openDurable opens the durable cache tier named by cache.durable. A relative
// cache.path is resolved against dataDir. It returns nil for "none".
func openDurable(t tuning.Tuning, dataDir string, logger *log.Logger) (cache.Durable, error) {
	path := strings.TrimSpace(t.Cache.Path)
	if path != "" && !filepath.IsAbs(path) && dataDir != "" {
		path = filepath.Join(dataDir, path)
	}

	switch t.Cache.Durable {
	case tuning.DurableNone:
		return nil, nil
	case tuning.DurableSQLite:
		db, err := cachedb.Open(path, durableQueueSize)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		logger.Printf("durable cache: sqlite %s", path)
		return db, nil
	case tuning.DurableLevelDB:
		db, err := cachekv.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb cache: %w", err)
		}
		logger.Printf("durable cache: leveldb %s", path)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported cache.durable: %s", t.Cache.Durable)
	}
}

// durableOrMemory opens the durable tier and falls back to the memory tier
// alone when it cannot be opened.
func durableOrMemory(t tuning.Tuning, dataDir string, logger *log.Logger) cache.Durable {
	d, err := openDurable(t, dataDir, logger)
	if err != nil {
		logger.Printf("durable cache unavailable, continuing with memory tier only: %v", err)
		return nil
	}
	return d
}
