// Package runtime implements L4: the incremental runtime. A single
// worker goroutine per KG owns every piece of mutable dataflow state
// (input sessions, derived-relation snapshots) and services a command
// channel in arrival order, a single-writer-goroutine shape that keeps
// exactly one entry point into the mutable state per KG, so writes can
// be genuinely fire-and-forget instead of blocking on a lock.
package runtime

import "inputlayer/internal/value"

// Update is one versioned multiset entry: diff copies of Tuple become
// visible once the frontier passes Time. Diff is usually +1 (insert) or -1
// (delete) but batched deltas may carry larger magnitudes.
type Update struct {
	Tuple value.Tuple
	Time  uint64
	Diff  int64
}

// Session is an append-only, time-stamped multiset of tuples: the
// representation for both base (EDB) relations fed by InsertDelta and
// derived (IDB) relations published by the derived-relations manager (L5).
// Updates accumulate; Consolidated collapses them to net per-tuple counts
// as of a given time, which is what Scan/Join/etc. read.
type Session struct {
	relation string
	arity    int
	updates  []Update
}

func NewSession(relation string, arity int) *Session {
	return &Session{relation: relation, arity: arity}
}

func (s *Session) Relation() string { return s.relation }
func (s *Session) Arity() int       { return s.arity }

// Insert appends an Update with Diff=+1 at time t.
func (s *Session) Insert(t value.Tuple, time uint64) {
	s.updates = append(s.updates, Update{Tuple: t, Time: time, Diff: 1})
}

// Delete appends an Update with Diff=-1 at time t.
func (s *Session) Delete(t value.Tuple, time uint64) {
	s.updates = append(s.updates, Update{Tuple: t, Time: time, Diff: -1})
}

// InsertDelta appends a pre-built delta (used for bulk loads and WAL
// replay, where Time and Diff are already known).
func (s *Session) InsertDelta(u Update) {
	s.updates = append(s.updates, u)
}

// Consolidated returns the net multiplicity, as of asOf (inclusive), for
// every tuple that currently has nonzero net count. Tuples with multiplicity
// zero (fully deleted) are omitted, mirroring a differential-dataflow
// trace's consolidation step.
func (s *Session) Consolidated(asOf uint64) []Update {
	counts := map[string]*Update{}
	order := make([]string, 0, len(s.updates))
	for _, u := range s.updates {
		if u.Time > asOf {
			continue
		}
		key := u.Tuple.String()
		cur, ok := counts[key]
		if !ok {
			cp := u
			counts[key] = &cp
			order = append(order, key)
			continue
		}
		cur.Diff += u.Diff
		if u.Time > cur.Time {
			cur.Time = u.Time
		}
	}
	out := make([]Update, 0, len(order))
	for _, k := range order {
		if u := counts[k]; u.Diff != 0 {
			out = append(out, *u)
		}
	}
	return out
}

// MaxTime returns the highest Time stamped on any update this session has
// ever received (used to compute a KG's max_write_time, spec §4.5).
func (s *Session) MaxTime() uint64 {
	var max uint64
	for _, u := range s.updates {
		if u.Time > max {
			max = u.Time
		}
	}
	return max
}
