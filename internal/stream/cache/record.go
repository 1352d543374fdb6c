package cache

import (
	"context"
	"time"

	"voxelstream.ai/internal/sim/chunk"
)

// Record is the durable form of a cached chunk: run-length encoded terrain
// and a compressed mesh blob (see EncodeMesh).
type Record struct {
	Key       chunk.Key
	LOD       int
	Terrain   []byte
	Mesh      []byte
	CreatedAt time.Time
	ByteSize  int
}

// Durable is the slow second tier. Put must not block on disk I/O; backends
// queue or buffer writes. Every error is treated as a miss by the Cache.
type Durable interface {
	Get(ctx context.Context, key chunk.Key) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// Entry is a decoded cache hit.
type Entry struct {
	Key       chunk.Key
	LOD       int
	Voxels    []byte
	Mesh      chunk.MeshData
	CreatedAt time.Time
}
