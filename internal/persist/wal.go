// Package persist implements L8: the durable write-ahead log and
// columnar batch/shard layer (spec §4.8). Records are framed as
// append-only, checksummed `<crc32hex>:<json>` lines in the WAL, and
// compacted into self-describing columnar batch files.
package persist

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"inputlayer/internal/coreerr"
	"inputlayer/internal/runtime"
	"inputlayer/internal/value"
)

// DurabilityMode selects the WAL's fsync discipline (spec §4.8).
type DurabilityMode string

const (
	Immediate DurabilityMode = "immediate"
	Batched   DurabilityMode = "batched"
	Async     DurabilityMode = "async"
)

// WALEntry is one WAL line's payload before checksum framing: a shard
// ("kg:relation") and the update it carries.
type WALEntry struct {
	Shard string        `json:"shard"`
	Data  []byte        `json:"data"` // value.Encode of each column, concatenated
	Time  uint64        `json:"time"`
	Diff  int64         `json:"diff"`
}

// WAL is an append-only log of entries, one JSON line per entry prefixed
// with its CRC32 checksum in hex (spec §4.8: "Each line is
// <crc32hex>:<json>"). It rolls over to a new file once the configured
// byte threshold is exceeded.
type WAL struct {
	mu        sync.Mutex
	dir       string
	mode      DurabilityMode
	maxBytes  int64
	file      *os.File
	writer    *bufio.Writer
	curBytes  int64
	seq       int
	pending   int // batched-mode: updates written since last fsync
	batchSize int
}

// NewWAL opens (creating if absent) the active WAL segment under dir.
func NewWAL(dir string, mode DurabilityMode, maxBytes int64, batchSize int) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, coreerr.Persist("failed to create WAL directory", err)
	}
	w := &WAL{dir: dir, mode: mode, maxBytes: maxBytes, batchSize: batchSize}
	if err := w.openSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) segmentPath(seq int) string {
	return filepath.Join(w.dir, fmt.Sprintf("wal-%08d.log", seq))
}

func (w *WAL) openSegment() error {
	f, err := os.OpenFile(w.segmentPath(w.seq), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return coreerr.Persist("failed to open WAL segment", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return coreerr.Persist("failed to stat WAL segment", err)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.curBytes = fi.Size()
	return nil
}

// Append writes one entry and, per mode, fsyncs before returning
// (immediate), after N entries (batched), or never synchronously (async).
func (w *WAL) Append(shard string, u runtime.Update) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf bytes.Buffer
	for _, v := range u.Tuple.Values() {
		value.Encode(&buf, v)
	}
	entry := WALEntry{Shard: shard, Data: buf.Bytes(), Time: u.Time, Diff: u.Diff}
	payload, err := json.Marshal(entry)
	if err != nil {
		return coreerr.Internal("failed to marshal WAL entry", err)
	}
	sum := crc32.ChecksumIEEE(payload)
	line := fmt.Sprintf("%08x:%s\n", sum, payload)

	if w.curBytes+int64(len(line)) > w.maxBytes {
		if err := w.rollover(); err != nil {
			return err
		}
	}

	n, err := w.writer.WriteString(line)
	if err != nil {
		return coreerr.Persist("WAL append failed", err)
	}
	w.curBytes += int64(n)

	switch w.mode {
	case Immediate:
		return w.flushAndSync()
	case Batched:
		w.pending++
		if w.pending >= w.batchSize {
			w.pending = 0
			return w.flushAndSync()
		}
		return w.writer.Flush()
	default: // Async
		return nil
	}
}

// maxFsyncRetries bounds the retries flushAndSync gives a transient fsync
// failure (e.g. EINTR, or a momentarily saturated disk queue) before
// surfacing it to the caller.
const maxFsyncRetries = 3

func (w *WAL) flushAndSync() error {
	if err := w.writer.Flush(); err != nil {
		return coreerr.Persist("WAL flush failed", err)
	}
	op := func() error { return w.file.Sync() }
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxFsyncRetries)
	if err := backoff.Retry(op, b); err != nil {
		return coreerr.Persist("WAL fsync failed", err)
	}
	return nil
}

func (w *WAL) rollover() error {
	if err := w.flushAndSync(); err != nil {
		return err
	}
	w.file.Close()
	w.seq++
	w.curBytes = 0
	return w.openSegment()
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushAndSync(); err != nil {
		return err
	}
	return w.file.Close()
}

// ProductionWarning reports whether mode is weaker than immediate (spec
// §4.8: "A production-mode warning is emitted whenever persistence is
// disabled or the mode is weaker than immediate").
func ProductionWarning(mode DurabilityMode) (bool, string) {
	switch mode {
	case Batched:
		return true, "durability mode 'batched' risks losing the last unflushed batch on crash"
	case Async:
		return true, "durability mode 'async' risks unbounded data loss on crash"
	default:
		return false, ""
	}
}
