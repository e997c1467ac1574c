// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package query

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/lancedb/lancego/internal/dataset"
	"github.com/lancedb/lancego/internal/expr"
	"github.com/lancedb/lancego/internal/index"
	"github.com/lancedb/lancego/internal/manifest"
	"github.com/lancedb/lancego/pkg/contracts"
)

// rowFilter decides which rows of a snapshot a query may return. Scalar
// indices narrow the rows the predicate is evaluated on.
type rowFilter struct {
	ds   *dataset.Dataset
	node expr.Node
	// candidates holds, per fragment covered by every index used, the only
	// offsets that can match
	candidates map[uint32]*roaring.Bitmap
	covered    map[uint32]bool
	indices    []string
	x          *execution
}

func newRowFilter(ctx context.Context, x *execution, node expr.Node) (*rowFilter, error) {
	f := &rowFilter{ds: x.ds, node: node, x: x}
	if node == nil {
		return f, nil
	}

	var acc *roaring64.Bitmap
	for _, conj := range expr.Conjuncts(node) {
		column, q, ok := index.ScalarQueryFromExpr(conj)
		if !ok {
			continue
		}
		for _, meta := range x.ds.IndicesFor(column) {
			kind, err := contracts.ParseIndexType(meta.Kind)
			if err != nil || kind.IsVector() || kind == contracts.IndexTypeFts {
				continue
			}
			meta := meta
			loaded, err := x.ds.LoadIndex(ctx, &meta)
			if err != nil {
				return nil, err
			}
			idx, isScalar := loaded.(index.ScalarIndex)
			if !isScalar {
				continue
			}
			rows, ok, err := idx.Search(q)
			if err != nil {
				return nil, contracts.NewValidationError("query", "index %s: %v", meta.Name, err)
			}
			if !ok {
				continue
			}
			x.metrics.indexSearches.Add(1)
			f.indices = append(f.indices, fmt.Sprintf("%s (%s) on %s", meta.Name, meta.Kind, conj))
			if acc == nil {
				acc = rows.Clone()
				f.covered = coveredSet(&meta)
			} else {
				acc.And(rows)
				for id := range f.covered {
					if !meta.Covers(id) {
						delete(f.covered, id)
					}
				}
			}
			break
		}
	}
	if acc == nil {
		return f, nil
	}

	f.candidates = make(map[uint32]*roaring.Bitmap)
	it := acc.Iterator()
	for it.HasNext() {
		frag, offset := index.SplitRowAddress(it.Next())
		if !f.covered[frag] {
			continue
		}
		bm := f.candidates[frag]
		if bm == nil {
			bm = roaring.New()
			f.candidates[frag] = bm
		}
		bm.Add(offset)
	}
	return f, nil
}

func coveredSet(meta *manifest.IndexMetadata) map[uint32]bool {
	out := make(map[uint32]bool, len(meta.FragmentIDs))
	for _, id := range meta.FragmentIDs {
		out[id] = true
	}
	return out
}

// matchFragment returns the live offsets of frag that satisfy the filter
func (f *rowFilter) matchFragment(ctx context.Context, frag *manifest.Fragment) (*roaring.Bitmap, error) {
	var candidates *roaring.Bitmap
	if f.covered[frag.ID] {
		candidates = f.candidates[frag.ID]
		if candidates == nil || candidates.IsEmpty() {
			return roaring.New(), nil
		}
	}

	columns := []string{}
	if f.node != nil {
		columns = expr.Columns(f.node)
	}
	data, err := f.ds.ReadFragment(ctx, frag, columns)
	if err != nil {
		return nil, err
	}
	f.x.metrics.fragmentsScanned.Add(1)

	if candidates == nil {
		f.x.metrics.rowsScanned.Add(int64(data.NumRows()))
		out, err := dataset.MatchFragment(data, f.node)
		if err != nil {
			return nil, contracts.NewValidationError("query", "filter: %v", err)
		}
		return out, nil
	}

	out := roaring.New()
	row := &expr.RecordRow{Columns: data.ColumnMap()}
	it := candidates.Iterator()
	for it.HasNext() {
		offset := it.Next()
		if int(offset) >= data.NumRows() || data.IsDeleted(int(offset)) {
			continue
		}
		f.x.metrics.rowsScanned.Add(1)
		row.Index = int(offset)
		ok, err := expr.Matches(f.node, row)
		if err != nil {
			return nil, contracts.NewValidationError("query", "filter: %v", err)
		}
		if ok {
			out.Add(offset)
		}
	}
	return out, nil
}

// allowSet returns every live row address that satisfies the filter
func (f *rowFilter) allowSet(ctx context.Context) (*roaring64.Bitmap, error) {
	out := roaring64.New()
	m := f.ds.Manifest()
	for i := range m.Fragments {
		frag := &m.Fragments[i]
		offsets, err := f.matchFragment(ctx, frag)
		if err != nil {
			return nil, err
		}
		it := offsets.Iterator()
		for it.HasNext() {
			out.Add(index.RowAddress(frag.ID, it.Next()))
		}
	}
	return out, nil
}

// keep evaluates the filter on the given rows and reports which match
func (f *rowFilter) keep(ctx context.Context, addrs []uint64) (map[uint64]bool, error) {
	out := make(map[uint64]bool, len(addrs))
	if f.node == nil {
		for _, a := range addrs {
			out[a] = true
		}
		return out, nil
	}
	if len(addrs) == 0 {
		return out, nil
	}
	rec, err := f.ds.Take(ctx, addrs, expr.Columns(f.node))
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	f.x.metrics.rowsScanned.Add(int64(len(addrs)))
	row := &expr.RecordRow{Columns: expr.ColumnsOf(rec)}
	for i, a := range addrs {
		row.Index = i
		ok, err := expr.Matches(f.node, row)
		if err != nil {
			return nil, contracts.NewValidationError("query", "filter: %v", err)
		}
		if ok {
			out[a] = true
		}
	}
	return out, nil
}

// liveness answers whether a row address is visible in the snapshot
type liveness struct {
	deleted map[uint32]*roaring.Bitmap
}

func newLiveness(ctx context.Context, ds *dataset.Dataset) (*liveness, error) {
	l := &liveness{deleted: make(map[uint32]*roaring.Bitmap)}
	m := ds.Manifest()
	for i := range m.Fragments {
		data, err := ds.ReadFragment(ctx, &m.Fragments[i], []string{})
		if err != nil {
			return nil, err
		}
		l.deleted[m.Fragments[i].ID] = data.Deleted
	}
	return l, nil
}

func (l *liveness) contains(addr uint64) bool {
	frag, offset := index.SplitRowAddress(addr)
	deleted, ok := l.deleted[frag]
	return ok && !deleted.Contains(offset)
}

// allowFunc builds the candidate predicate of a ranked search: live rows,
// restricted to filter matches when prefiltering
func (x *execution) allowFunc(ctx context.Context, f *rowFilter, prefilter bool) (func(uint64) bool, error) {
	if prefilter && f.node != nil {
		set, err := f.allowSet(ctx)
		if err != nil {
			return nil, err
		}
		return set.Contains, nil
	}
	live, err := newLiveness(ctx, x.ds)
	if err != nil {
		return nil, err
	}
	return live.contains, nil
}

// indexHints lists the scalar indices a filter can use, without loading them
func indexHints(ds *dataset.Dataset, node expr.Node) []string {
	if node == nil {
		return nil
	}
	var out []string
	for _, conj := range expr.Conjuncts(node) {
		column, _, ok := index.ScalarQueryFromExpr(conj)
		if !ok {
			continue
		}
		for _, meta := range ds.IndicesFor(column) {
			kind, err := contracts.ParseIndexType(meta.Kind)
			if err != nil || kind.IsVector() || kind == contracts.IndexTypeFts {
				continue
			}
			out = append(out, fmt.Sprintf("%s (%s) on %s", meta.Name, meta.Kind, conj))
			break
		}
	}
	return out
}

// describeFilter adds the filter stage of a plan
func describeFilter(p *Plan, ds *dataset.Dataset, node expr.Node, stage string) {
	if node == nil {
		return
	}
	details := []string{"predicate: " + node.String()}
	for _, h := range indexHints(ds, node) {
		details = append(details, "index: "+h)
	}
	p.add(stage, details...)
}
