// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package query

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"

	"github.com/lancedb/lancego/internal/dataset"
)

// Stream is a lazy, non-restartable sequence of result batches. It is safe
// to Close from another goroutine while Next is running.
type Stream struct {
	schema *arrow.Schema
	next   func(ctx context.Context) (arrow.Record, error)

	mu     sync.Mutex
	closed bool
	done   bool
	x      *execution
}

// Schema returns the schema of every batch
func (s *Stream) Schema() *arrow.Schema { return s.schema }

// Next returns the next batch, or io.EOF once the stream is exhausted
func (s *Stream) Next(ctx context.Context) (arrow.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("stream is closed")
	}
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.next(ctx)
	if err != nil {
		if err == io.EOF {
			s.done = true
			s.next = nil
		}
		return nil, err
	}
	s.x.metrics.batches.Add(1)
	s.x.metrics.rowsReturned.Add(rec.NumRows())
	return rec, nil
}

// Close releases the scan state. It is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.next = nil
	return nil
}

// hit is one ranked row
type hit struct {
	row   uint64
	score float32
	query int32
}

// outputSchema appends the synthetic columns to the projected fields
func outputSchema(ds *dataset.Dataset, columns []string, extra []arrow.Field, withRowID bool) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(columns)+len(extra)+1)
	for _, name := range columns {
		idx := ds.Schema().FieldIndices(name)
		fields = append(fields, ds.Schema().Field(idx[0]))
	}
	fields = append(fields, extra...)
	if withRowID {
		fields = append(fields, arrow.Field{Name: RowIDColumn, Type: arrow.PrimitiveTypes.Uint64})
	}
	return arrow.NewSchema(fields, nil)
}

// materialize builds the output batch for rows: projected columns taken
// from the snapshot, then extra columns, then the row addresses
func materialize(ctx context.Context, x *execution, schema *arrow.Schema, rows []uint64, extra []arrow.Array) (arrow.Record, error) {
	rec, err := x.ds.Take(ctx, rows, x.r.columns)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	cols := make([]arrow.Array, 0, schema.NumFields())
	for i := 0; i < int(rec.NumCols()); i++ {
		col := rec.Column(i)
		col.Retain()
		cols = append(cols, col)
	}
	cols = append(cols, extra...)
	if x.r.withRowID {
		b := array.NewUint64Builder(x.ds.Allocator())
		b.AppendValues(rows, nil)
		cols = append(cols, b.NewArray())
		b.Release()
	}
	out := array.NewRecord(schema, cols, int64(len(rows)))
	for _, c := range cols {
		c.Release()
	}
	return out, nil
}

// rankedStream materializes hits in order, one batch at a time. scoreName
// names the score column; multi adds the query index column.
func rankedStream(x *execution, hits []hit, scoreName string, multi bool) *Stream {
	extra := []arrow.Field{{Name: scoreName, Type: arrow.PrimitiveTypes.Float32}}
	if multi {
		extra = append(extra, arrow.Field{Name: QueryIndex, Type: arrow.PrimitiveTypes.Int32})
	}
	schema := outputSchema(x.ds, x.r.columns, extra, x.r.withRowID)
	batch := x.ds.Engine().MaxRowsPerGroup
	pos := 0

	s := &Stream{schema: schema, x: x}
	s.next = func(ctx context.Context) (arrow.Record, error) {
		if pos >= len(hits) {
			return nil, io.EOF
		}
		end := pos + batch
		if end > len(hits) {
			end = len(hits)
		}
		chunk := hits[pos:end]
		pos = end

		rows := make([]uint64, len(chunk))
		scores := array.NewFloat32Builder(x.ds.Allocator())
		defer scores.Release()
		queries := array.NewInt32Builder(x.ds.Allocator())
		defer queries.Release()
		for i, h := range chunk {
			rows[i] = h.row
			scores.Append(h.score)
			queries.Append(h.query)
		}
		cols := []arrow.Array{scores.NewArray()}
		if multi {
			cols = append(cols, queries.NewArray())
		}
		return materialize(ctx, x, schema, rows, cols)
	}
	return s
}

// window applies offset and limit to a ranked list; limit < 0 keeps all
func window(hits []hit, offset, limit int) []hit {
	if offset >= len(hits) {
		return nil
	}
	hits = hits[offset:]
	if limit >= 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
