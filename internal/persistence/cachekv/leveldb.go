// Package cachekv is the LevelDB durable tier of the chunk cache.
package cachekv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/opt"
	"github.com/df-mc/goleveldb/leveldb/storage"

	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/stream/cache"
)

const recordVersion = 1

var ErrCorrupt = errors.New("cachekv: corrupt record")

type Store struct {
	db *leveldb.DB
}

// Open opens or creates the database directory at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, &opt.Options{
		Compression: opt.SnappyCompression,
		NoSync:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenStorage opens a store over an arbitrary goleveldb storage, e.g.
// storage.NewMemStorage() in tests.
func OpenStorage(stor storage.Storage) (*Store, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func key(k chunk.Key) []byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:], uint32(int32(k.CX)))
	binary.BigEndian.PutUint32(b[4:], uint32(int32(k.CZ)))
	return b[:]
}

func parseKey(b []byte) (chunk.Key, bool) {
	if len(b) != 8 {
		return chunk.Key{}, false
	}
	return chunk.Key{
		CX: int(int32(binary.BigEndian.Uint32(b[0:]))),
		CZ: int(int32(binary.BigEndian.Uint32(b[4:]))),
	}, true
}

// value layout: version u8 | lod u8 | created_at ms i64 | byte_size u32 |
// terrain_len u32 | terrain | mesh
func encodeValue(r cache.Record) []byte {
	out := make([]byte, 0, 18+len(r.Terrain)+len(r.Mesh))
	out = append(out, recordVersion, byte(r.LOD))
	out = binary.BigEndian.AppendUint64(out, uint64(r.CreatedAt.UnixMilli()))
	out = binary.BigEndian.AppendUint32(out, uint32(r.ByteSize))
	out = binary.BigEndian.AppendUint32(out, uint32(len(r.Terrain)))
	out = append(out, r.Terrain...)
	return append(out, r.Mesh...)
}

func decodeValue(k chunk.Key, b []byte) (cache.Record, error) {
	if len(b) < 18 || b[0] != recordVersion {
		return cache.Record{}, ErrCorrupt
	}
	r := cache.Record{Key: k, LOD: int(b[1])}
	r.CreatedAt = time.UnixMilli(int64(binary.BigEndian.Uint64(b[2:]))).UTC()
	r.ByteSize = int(binary.BigEndian.Uint32(b[10:]))
	tl := int(binary.BigEndian.Uint32(b[14:]))
	body := b[18:]
	if tl > len(body) {
		return cache.Record{}, ErrCorrupt
	}
	r.Terrain = append([]byte(nil), body[:tl]...)
	r.Mesh = append([]byte(nil), body[tl:]...)
	return r, nil
}

func (s *Store) Get(ctx context.Context, k chunk.Key) (cache.Record, bool, error) {
	b, err := s.db.Get(key(k), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return cache.Record{}, false, nil
	case err != nil:
		return cache.Record{}, false, err
	}
	r, err := decodeValue(k, b)
	if err != nil {
		return cache.Record{}, false, fmt.Errorf("%s: %w", k, err)
	}
	return r, true, nil
}

// Put writes through LevelDB's memtable without fsync.
func (s *Store) Put(ctx context.Context, r cache.Record) error {
	return s.db.Put(key(r.Key), encodeValue(r), nil)
}

// Cleanup scans every record and deletes those created before olderThan.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := olderThan.UnixMilli()
	it := s.db.NewIterator(nil, nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			it.Release()
			return 0, err
		}
		v := it.Value()
		if len(v) < 10 {
			batch.Delete(append([]byte(nil), it.Key()...))
			continue
		}
		if int64(binary.BigEndian.Uint64(v[2:])) < cutoff {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, err
	}
	n := batch.Len()
	if n == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return n, nil
}

// Keys lists every stored coordinate in key order.
func (s *Store) Keys() ([]chunk.Key, error) {
	it := s.db.NewIterator(nil, nil)
	defer it.Release()
	var out []chunk.Key
	for it.Next() {
		if k, ok := parseKey(it.Key()); ok {
			out = append(out, k)
		}
	}
	return out, it.Error()
}

func (s *Store) Close() error { return s.db.Close() }
