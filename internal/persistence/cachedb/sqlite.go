// Package cachedb is the SQLite durable tier of the chunk cache.
package cachedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/stream/cache"
)

var ErrClosed = errors.New("cachedb: closed")

type SQLiteStore struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	queued  atomic.Uint64
	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

type req struct {
	rec   cache.Record
	flush chan struct{}
}

type QueueStats struct {
	Queued  uint64 `json:"queued"`
	Dropped uint64 `json:"dropped"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Pending int    `json:"pending"`
}

// Open creates or opens the store at path. Writes are queued (queueSize
// entries) and applied by one writer goroutine.
func Open(path string, queueSize int) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = 4096
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, ch: make(chan req, queueSize)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			lod INTEGER NOT NULL,
			terrain BLOB,
			mesh BLOB,
			created_at INTEGER NOT NULL,
			byte_size INTEGER NOT NULL,
			PRIMARY KEY (cx, cz)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_created_at ON chunks(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_byte_size ON chunks(byte_size);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Put queues rec for writing. When the writer falls behind the record is
// dropped; the memory tier still holds it.
func (s *SQLiteStore) Put(ctx context.Context, rec cache.Record) error {
	if s == nil || s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.ch <- req{rec: rec}:
		s.queued.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("cachedb: write queue full, dropped %s", rec.Key)
	}
}

// Flush blocks until every write queued before the call has been committed.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{flush: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteStore) Get(ctx context.Context, key chunk.Key) (cache.Record, bool, error) {
	if s == nil || s.closed.Load() {
		return cache.Record{}, false, ErrClosed
	}
	rec := cache.Record{Key: key}
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT lod, terrain, mesh, created_at, byte_size FROM chunks WHERE cx=? AND cz=?`,
		key.CX, key.CZ,
	).Scan(&rec.LOD, &rec.Terrain, &rec.Mesh, &created, &rec.ByteSize)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Record{}, false, nil
	}
	if err != nil {
		return cache.Record{}, false, err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return rec, true, nil
}

// Cleanup deletes records created before olderThan.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	if s == nil || s.closed.Load() {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE created_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// TotalBytes sums byte_size over all records.
func (s *SQLiteStore) TotalBytes(ctx context.Context) (int64, int, error) {
	if s == nil || s.closed.Load() {
		return 0, 0, ErrClosed
	}
	var total int64
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(byte_size),0), COUNT(*) FROM chunks`).Scan(&total, &count)
	return total, count, err
}

// Largest returns up to n keys ordered by byte_size descending.
func (s *SQLiteStore) Largest(ctx context.Context, n int) ([]chunk.Key, error) {
	if s == nil || s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT cx, cz FROM chunks ORDER BY byte_size DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chunk.Key
	for rows.Next() {
		var k chunk.Key
		if err := rows.Scan(&k.CX, &k.CZ); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) QueueStats() QueueStats {
	if s == nil {
		return QueueStats{}
	}
	return QueueStats{
		Queued:  s.queued.Load(),
		Dropped: s.dropped.Load(),
		Written: s.written.Load(),
		Failed:  s.failed.Load(),
		Pending: len(s.ch),
	}
}

func (s *SQLiteStore) loop() {
	ctx := context.Background()

	insert, _ := s.db.Prepare(`INSERT OR REPLACE INTO chunks(cx,cz,lod,terrain,mesh,created_at,byte_size) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		if insert != nil {
			_ = insert.Close()
		}
	}()

	var (
		tx          *sql.Tx
		opCount     int
		commitEvery = 256
		waiters     []chan struct{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
	}
	commit := func() {
		if tx != nil {
			if err := tx.Commit(); err != nil {
				s.failed.Add(uint64(opCount))
			} else {
				s.written.Add(uint64(opCount))
			}
			tx = nil
			opCount = 0
		}
		for _, w := range waiters {
			close(w)
		}
		waiters = waiters[:0]
	}

	for r := range s.ch {
		if r.flush != nil {
			waiters = append(waiters, r.flush)
		} else {
			begin()
			if tx == nil || insert == nil {
				s.failed.Add(1)
			} else if _, err := tx.Stmt(insert).Exec(
				r.rec.Key.CX,
				r.rec.Key.CZ,
				r.rec.LOD,
				r.rec.Terrain,
				r.rec.Mesh,
				r.rec.CreatedAt.UnixMilli(),
				r.rec.ByteSize,
			); err != nil {
				s.failed.Add(1)
			} else {
				opCount++
			}
		}
		// Commit whenever the queue drains so readers never wait on a long transaction.
		if len(s.ch) == 0 || opCount >= commitEvery {
			commit()
		}
	}
	commit()
}
