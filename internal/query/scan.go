// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package query

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/lancedb/lancego/internal/dataset"
	"github.com/lancedb/lancego/internal/index"
)

// scanPlan reads fragments in order, keeping the live rows that match the
// filter. Fragments are read only as batches are requested.
type scanPlan struct {
	ds *dataset.Dataset
	r  *resolved
}

func (s *scanPlan) describe(p *Plan) {
	p.Strategy = "Scan"
	m := s.ds.Manifest()
	ids := make([]uint32, len(m.Fragments))
	for i := range m.Fragments {
		ids[i] = m.Fragments[i].ID
	}
	p.add("ScanFragments", "fragments: "+fragmentList(ids))
	describeFilter(p, s.ds, s.r.filter, "Filter")
	p.add("Project", scanDetails(s.r)...)
}

func (s *scanPlan) open(ctx context.Context, x *execution) (*Stream, error) {
	f, err := newRowFilter(ctx, x, s.r.filter)
	if err != nil {
		return nil, err
	}
	schema := outputSchema(x.ds, s.r.columns, nil, s.r.withRowID)
	fragments := x.ds.Manifest().Fragments
	batch := x.ds.Engine().MaxRowsPerGroup

	next := 0
	skip := s.r.offset
	remaining := s.r.limit
	var pending []uint64

	stream := &Stream{schema: schema, x: x}
	stream.next = func(ctx context.Context) (arrow.Record, error) {
		for len(pending) < batch && next < len(fragments) && remaining != 0 {
			frag := &fragments[next]
			next++
			offsets, err := f.matchFragment(ctx, frag)
			if err != nil {
				return nil, err
			}
			it := offsets.Iterator()
			for it.HasNext() && remaining != 0 {
				offset := it.Next()
				if skip > 0 {
					skip--
					continue
				}
				pending = append(pending, index.RowAddress(frag.ID, offset))
				if remaining > 0 {
					remaining--
				}
			}
		}
		if len(pending) == 0 {
			return nil, io.EOF
		}
		n := batch
		if n > len(pending) {
			n = len(pending)
		}
		rows := pending[:n:n]
		pending = pending[n:]
		return materialize(ctx, x, schema, rows, nil)
	}
	return stream, nil
}

func scanDetails(r *resolved) []string {
	details := []string{fmt.Sprintf("columns: %v", r.columns)}
	if r.limit >= 0 {
		details = append(details, fmt.Sprintf("limit: %d", r.limit))
	}
	if r.offset > 0 {
		details = append(details, fmt.Sprintf("offset: %d", r.offset))
	}
	return details
}
