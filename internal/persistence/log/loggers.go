// Package log writes hourly-rotated, zstd-compressed JSON line files.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Options tune a RotatingWriter.
type Options struct {
	// FlushEvery ends a zstd block after that many records; <= 1 flushes
	// after every record. Records written since the last flush are not
	// visible to readers until Flush or Close.
	FlushEvery int
	// Now defaults to time.Now and picks the hourly file.
	Now func() time.Time
}

// RotatingWriter appends JSON records to <dir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst.
type RotatingWriter struct {
	dir        string
	prefix     string
	flushEvery int
	now        func() time.Time

	mu       sync.Mutex
	hour     string
	file     *os.File
	zw       *zstd.Encoder
	buf      *bufio.Writer
	enc      *json.Encoder
	unsynced int
	records  uint64
}

func NewRotatingWriter(dir, prefix string, opts Options) *RotatingWriter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FlushEvery < 1 {
		opts.FlushEvery = 1
	}
	return &RotatingWriter{dir: dir, prefix: prefix, flushEvery: opts.FlushEvery, now: opts.Now}
}

func (w *RotatingWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if h := w.now().UTC().Format("2006-01-02-15"); h != w.hour {
		if err := w.openLocked(h); err != nil {
			return fmt.Errorf("rotate %s: %w", h, err)
		}
	}
	if err := w.enc.Encode(v); err != nil {
		return err
	}
	w.records++
	w.unsynced++
	if w.unsynced >= w.flushEvery {
		return w.flushLocked()
	}
	return nil
}

// Flush makes every record written so far decodable.
func (w *RotatingWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *RotatingWriter) Records() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *RotatingWriter) Path(hour string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

func (w *RotatingWriter) flushLocked() error {
	if w.buf == nil {
		return nil
	}
	w.unsynced = 0
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.zw.Flush()
}

func (w *RotatingWriter) openLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.Path(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.file, w.zw, w.hour = f, zw, hour
	w.buf = bufio.NewWriterSize(zw, 64*1024)
	w.enc = json.NewEncoder(w.buf)
	return nil
}

func (w *RotatingWriter) closeLocked() error {
	if w.file == nil {
		return nil
	}
	err := w.buf.Flush()
	if cerr := w.zw.Close(); err == nil {
		err = cerr
	}
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file, w.zw, w.buf, w.enc = nil, nil, nil, nil
	w.hour = ""
	w.unsynced = 0
	return err
}

// TickRecord is one line of the tick log.
type TickRecord struct {
	RunID    string     `json:"run_id"`
	Tick     uint64     `json:"tick"`
	Time     string     `json:"time"`
	Observer [2]float64 `json:"observer"`
	Forward  [2]float64 `json:"forward"`
	Stats    any        `json:"stats"`
}

// TickLogger writes one record per coordinator tick under <dataDir>/ticks.
type TickLogger struct{ w *RotatingWriter }

// tickFlushEvery keeps the log at most about a second behind at 20 Hz.
const tickFlushEvery = 20

func NewTickLogger(dataDir string) *TickLogger {
	return &TickLogger{w: NewRotatingWriter(filepath.Join(dataDir, "ticks"), "ticks", Options{FlushEvery: tickFlushEvery})}
}

func (l *TickLogger) WriteTick(v TickRecord) error { return l.w.Write(v) }
func (l *TickLogger) Close() error                 { return l.w.Close() }
