package persist

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"inputlayer/internal/coreerr"
	"inputlayer/internal/logging"
	"inputlayer/internal/runtime"
	"inputlayer/internal/value"
)

// BatchRef names one on-disk columnar batch file and the logical-time
// half-open interval [Lower, Upper) it covers (spec §4.8).
type BatchRef struct {
	File  string `json:"file"`
	Lower uint64 `json:"lower"`
	Upper uint64 `json:"upper"`
}

// ShardMeta is the per-shard JSON sidecar: the shard's name, its
// compaction frontier Since (compaction writes its merged batch from Since
// but nothing in this package moves Since forward), the current write
// frontier, and its ordered list of batches.
type ShardMeta struct {
	Name    string     `json:"name"`
	Since   uint64     `json:"since"`
	Upper   uint64     `json:"upper"`
	Batches []BatchRef `json:"batches"`
}

// Shard owns one relation's on-disk batches plus its meta sidecar, and
// triggers compaction once its batch count exceeds the configured
// threshold (spec §4.8).
type Shard struct {
	mu               sync.Mutex
	dir              string
	meta             ShardMeta
	autoCompactAfter int
}

func shardDir(kgDir, shard string) string {
	return filepath.Join(kgDir, "shards", shard)
}

// OpenShard loads (or initializes) the shard meta at kgDir/shards/<name>.
func OpenShard(kgDir, name string, autoCompactAfter int) (*Shard, error) {
	dir := shardDir(kgDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, coreerr.Persist("failed to create shard directory", err)
	}
	s := &Shard{dir: dir, meta: ShardMeta{Name: name}, autoCompactAfter: autoCompactAfter}
	metaPath := filepath.Join(dir, "meta.json")
	data, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, coreerr.Persist("failed to read shard meta", err)
	}
	if err := json.Unmarshal(data, &s.meta); err != nil {
		return nil, coreerr.Corruption("shard meta is corrupt", err)
	}
	return s, nil
}

// WriteBatch persists updates as a new self-describing columnar batch file
// covering [lower, upper), appends it to the shard meta, writes the meta
// atomically (write-then-rename), and compacts if the batch count now
// exceeds the threshold.
func (s *Shard) WriteBatch(updates []runtime.Update, lower, upper uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := fmt.Sprintf("batch-%020d-%020d.col", lower, upper)
	if err := writeColumnarBatch(filepath.Join(s.dir, name), updates); err != nil {
		return err
	}
	s.meta.Batches = append(s.meta.Batches, BatchRef{File: name, Lower: lower, Upper: upper})
	if upper > s.meta.Upper {
		s.meta.Upper = upper
	}
	if err := s.writeMetaLocked(); err != nil {
		return err
	}
	if len(s.meta.Batches) > s.autoCompactAfter {
		return s.compactLocked()
	}
	return nil
}

// Compact merges every batch into one, netting updates of the same tuple
// at the same time and dropping those whose net diff is zero, and rewrites
// the meta atomically (spec §4.8). It does not advance Since, and it drops
// no history by time. Safe to call explicitly (`.compact`) or
// automatically from WriteBatch.
func (s *Shard) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *Shard) compactLocked() error {
	var all []runtime.Update
	for _, b := range s.meta.Batches {
		updates, err := readColumnarBatch(filepath.Join(s.dir, b.File))
		if err != nil {
			return err
		}
		all = append(all, updates...)
	}

	consolidated := consolidate(all)
	name := fmt.Sprintf("batch-%020d-%020d.col", s.meta.Since, s.meta.Upper)
	if err := writeColumnarBatch(filepath.Join(s.dir, name), consolidated); err != nil {
		return err
	}

	old := s.meta.Batches
	s.meta.Batches = []BatchRef{{File: name, Lower: s.meta.Since, Upper: s.meta.Upper}}
	if err := s.writeMetaLocked(); err != nil {
		return err
	}
	for _, b := range old {
		if b.File != name {
			os.Remove(filepath.Join(s.dir, b.File))
		}
	}
	logging.Named(logging.CategoryCompact).Infow("compacted shard", "shard", s.meta.Name, "batches_merged", len(old))
	return nil
}

func consolidate(updates []runtime.Update) []runtime.Update {
	type key struct {
		tuple string
		time  uint64
	}
	counts := map[key]*runtime.Update{}
	var order []key
	for _, u := range updates {
		k := key{tuple: u.Tuple.String(), time: u.Time}
		if cur, ok := counts[k]; ok {
			cur.Diff += u.Diff
		} else {
			cp := u
			counts[k] = &cp
			order = append(order, k)
		}
	}
	out := make([]runtime.Update, 0, len(order))
	for _, k := range order {
		if u := counts[k]; u.Diff != 0 {
			out = append(out, *u)
		}
	}
	return out
}

func (s *Shard) writeMetaLocked() error {
	data, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return coreerr.Internal("failed to marshal shard meta", err)
	}
	path := filepath.Join(s.dir, "meta.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return coreerr.Persist("failed to write shard meta", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return coreerr.Persist("failed to rename shard meta into place", err)
	}
	return nil
}

// Batches returns the shard's current batch list in time order.
func (s *Shard) Batches() []BatchRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]BatchRef{}, s.meta.Batches...)
	sort.Slice(out, func(i, j int) bool { return out[i].Lower < out[j].Lower })
	return out
}

// ReadAllUpdates loads every batch's updates in time order (used by
// recovery, spec §4.8: "replay batches in order").
func (s *Shard) ReadAllUpdates() ([]runtime.Update, error) {
	var out []runtime.Update
	for _, b := range s.Batches() {
		u, err := readColumnarBatch(filepath.Join(s.dir, b.File))
		if err != nil {
			return nil, err
		}
		out = append(out, u...)
	}
	return out, nil
}

func (s *Shard) Meta() ShardMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// writeColumnarBatch writes a self-describing batch: a row count, then
// each tuple's arity and value.Encode payload row by row, followed by the
// time:u64 and diff:i64 sidecars (spec §4.8). The tuple values are not
// split into per-column arrays; only time and diff are stored as columns.
func writeColumnarBatch(path string, updates []runtime.Update) error {
	var buf bytes.Buffer
	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(len(updates)))
	buf.Write(countBuf[:])
	for _, u := range updates {
		var arityBuf [4]byte
		binary.BigEndian.PutUint32(arityBuf[:], uint32(u.Tuple.Arity()))
		buf.Write(arityBuf[:])
		for _, v := range u.Tuple.Values() {
			value.Encode(&buf, v)
		}
	}
	for _, u := range updates {
		var tb [8]byte
		binary.BigEndian.PutUint64(tb[:], u.Time)
		buf.Write(tb[:])
	}
	for _, u := range updates {
		var db [8]byte
		binary.BigEndian.PutUint64(db[:], uint64(u.Diff))
		buf.Write(db[:])
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return coreerr.Persist("failed to write batch file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return coreerr.Persist("failed to rename batch file into place", err)
	}
	return nil
}

func readColumnarBatch(path string) ([]runtime.Update, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerr.Persist("failed to read batch file", err)
	}
	if len(data) < 8 {
		return nil, coreerr.Corruption("batch file truncated before row count", nil)
	}
	count := int(binary.BigEndian.Uint64(data[:8]))
	rest := data[8:]

	tuples := make([]value.Tuple, count)
	for i := 0; i < count; i++ {
		if len(rest) < 4 {
			return nil, coreerr.Corruption("batch file truncated mid-tuple", nil)
		}
		arity := int(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		vals := make([]value.Value, arity)
		for c := 0; c < arity; c++ {
			v, n, err := value.Decode(rest)
			if err != nil {
				return nil, coreerr.Corruption("batch file value decode failed", err)
			}
			vals[c] = v
			rest = rest[n:]
		}
		tuples[i] = value.NewTuple(vals...)
	}

	if len(rest) < count*8 {
		return nil, coreerr.Corruption("batch file truncated before time sidecar", nil)
	}
	times := make([]uint64, count)
	for i := 0; i < count; i++ {
		times[i] = binary.BigEndian.Uint64(rest[i*8 : i*8+8])
	}
	rest = rest[count*8:]

	if len(rest) < count*8 {
		return nil, coreerr.Corruption("batch file truncated before diff sidecar", nil)
	}
	updates := make([]runtime.Update, count)
	for i := 0; i < count; i++ {
		diff := int64(binary.BigEndian.Uint64(rest[i*8 : i*8+8]))
		updates[i] = runtime.Update{Tuple: tuples[i], Time: times[i], Diff: diff}
	}
	return updates, nil
}
