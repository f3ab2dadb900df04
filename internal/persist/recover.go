package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"inputlayer/internal/logging"
	"inputlayer/internal/runtime"
	"inputlayer/internal/value"
)

// WALRecord is one successfully decoded WAL line.
type WALRecord struct {
	Shard string
	Tuple value.Tuple
	Time  uint64
	Diff  int64
}

// ReplayWAL reads every segment file under dir in order, discarding (but
// reporting, not failing on) any corrupt or truncated trailing record
// (spec §4.8). Segments are named wal-NNNNNNNN.log so lexical order is
// chronological order.
func ReplayWAL(dir string) ([]WALRecord, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: failed to list WAL directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "wal-") && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	log := logging.Named(logging.CategoryWAL)
	var records []WALRecord
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("persist: failed to open WAL segment %s: %w", name, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			rec, err := decodeLine(line)
			if err != nil {
				log.Debugw("discarding corrupt WAL record", "segment", name, "line", lineNo, "error", err)
				continue
			}
			records = append(records, rec)
		}
		f.Close()
	}
	return records, nil
}

func decodeLine(line string) (WALRecord, error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return WALRecord{}, fmt.Errorf("missing checksum separator")
	}
	sumHex, payload := line[:idx], line[idx+1:]
	var want uint32
	if _, err := fmt.Sscanf(sumHex, "%08x", &want); err != nil {
		return WALRecord{}, fmt.Errorf("malformed checksum: %w", err)
	}
	got := crc32.ChecksumIEEE([]byte(payload))
	if got != want {
		return WALRecord{}, fmt.Errorf("checksum mismatch")
	}

	var entry WALEntry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return WALRecord{}, fmt.Errorf("malformed JSON: %w", err)
	}

	var vals []value.Value
	rest := entry.Data
	for len(rest) > 0 {
		v, n, err := value.Decode(rest)
		if err != nil {
			return WALRecord{}, fmt.Errorf("malformed tuple payload: %w", err)
		}
		vals = append(vals, v)
		rest = rest[n:]
	}

	return WALRecord{Shard: entry.Shard, Tuple: value.NewTuple(vals...), Time: entry.Time, Diff: entry.Diff}, nil
}

// ToUpdate converts a WALRecord back to a runtime.Update for replay into a
// Session.
func (r WALRecord) ToUpdate() runtime.Update {
	return runtime.Update{Tuple: r.Tuple, Time: r.Time, Diff: r.Diff}
}
