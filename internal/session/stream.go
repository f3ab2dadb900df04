package session

import (
	"context"

	"inputlayer/internal/runtime"
)

// streamThresholdBytes is the approximate serialized-result size spec §6
// names ("≈1 MiB") above which Stream stages its output into chunks
// instead of returning everything as one result.
const streamThresholdBytes = 1 << 20

// chunkRows bounds how many rows one StreamChunk carries, so a single
// chunk's own serialized size stays well under streamThresholdBytes even
// for wide rows.
const chunkRows = 500

// StreamStart is the first staged-result frame: the query's result
// columns and the total row count to expect.
type StreamStart struct {
	Columns []string
	Total   int
}

// StreamChunk is one page of rows within a staged result, numbered from 0.
type StreamChunk struct {
	Rows  []runtime.Row
	Index int
}

// StreamEnd closes a staged result with the total row count actually
// delivered (equal to StreamStart.Total barring a mid-stream error).
type StreamEnd struct {
	Count int
}

// Stream runs program (spec §6 `stream(program)`), which must be exactly
// one query statement, and returns it staged as start/chunk.../end frames
// once the estimated serialized size exceeds streamThresholdBytes;
// otherwise it returns a single chunk covering every row.
func (s *Session) Stream(ctx context.Context, program string) (StreamStart, []StreamChunk, StreamEnd, error) {
	results, err := s.Execute(ctx, program)
	if err != nil {
		return StreamStart{}, nil, StreamEnd{}, err
	}
	if len(results) != 1 {
		return StreamStart{}, nil, StreamEnd{}, errStreamWantsOneQuery
	}
	rows, ok := results[0].([]runtime.Row)
	if !ok {
		return StreamStart{}, nil, StreamEnd{}, errStreamWantsOneQuery
	}

	columns := columnsOf(rows)
	start := StreamStart{Columns: columns, Total: len(rows)}

	if estimatedSize(rows) < streamThresholdBytes {
		return start, []StreamChunk{{Rows: rows, Index: 0}}, StreamEnd{Count: len(rows)}, nil
	}

	var chunks []StreamChunk
	for i := 0; i < len(rows); i += chunkRows {
		end := i + chunkRows
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, StreamChunk{Rows: rows[i:end], Index: len(chunks)})
	}
	return start, chunks, StreamEnd{Count: len(rows)}, nil
}

func columnsOf(rows []runtime.Row) []string {
	if len(rows) == 0 {
		return nil
	}
	cols := make([]string, 0, len(rows[0].Bind))
	for c := range rows[0].Bind {
		cols = append(cols, c)
	}
	return cols
}

// estimatedSize sums each bound value's own String() length as a cheap
// stand-in for the eventual wire-serialized size; exact enough to decide
// whether staging is worthwhile without the caller's actual encoder.
func estimatedSize(rows []runtime.Row) int {
	total := 0
	for _, r := range rows {
		for _, v := range r.Bind {
			total += len(v.String()) + 1
		}
	}
	return total
}

type streamError string

func (e streamError) Error() string { return string(e) }

const errStreamWantsOneQuery = streamError("stream requires a program with exactly one query statement")
