// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"go.uber.org/zap"

	"github.com/lancedb/lancego/internal/dataset"
	"github.com/lancedb/lancego/internal/expr"
	"github.com/lancedb/lancego/internal/index"
	"github.com/lancedb/lancego/internal/manifest"
	"github.com/lancedb/lancego/pkg/contracts"
)

const defaultWandFactor = 1.0

// textSource is one column searched by a text query. Rows outside the
// index, or every row when there is none, are indexed on the fly.
type textSource struct {
	column    string
	meta      *manifest.IndexMetadata
	transient []*manifest.Fragment
}

// textPlan answers BM25 full-text requests
type textPlan struct {
	ds        *dataset.Dataset
	r         *resolved
	clause    *contracts.TextClause
	sources   []textSource
	wand      float32
	k         int
	prefilter bool
}

func planText(ds *dataset.Dataset, r *resolved, req contracts.QueryRequest) (*textPlan, error) {
	clause := req.Text
	if clause == nil || strings.TrimSpace(clause.Query) == "" {
		return nil, contracts.NewValidationError("full text search", "query text is empty")
	}
	if clause.Limit != nil && *clause.Limit < 0 {
		return nil, contracts.NewValidationError("full text search", "text limit must not be negative, got %d", *clause.Limit)
	}
	if clause.WandFactor != nil && *clause.WandFactor < 0 {
		return nil, contracts.NewValidationError("full text search", "wand factor must not be negative, got %v", *clause.WandFactor)
	}

	columns, err := textColumns(ds, clause.Columns)
	if err != nil {
		return nil, err
	}
	p := &textPlan{
		ds:        ds,
		r:         r,
		clause:    clause,
		wand:      defaultWandFactor,
		prefilter: !req.Postfilter,
	}
	if clause.WandFactor != nil {
		p.wand = *clause.WandFactor
	}
	switch {
	case clause.Limit != nil:
		p.k = *clause.Limit
	case r.limit < 0:
		p.k = int(ds.CountRows())
	default:
		p.k = r.limit + r.offset
	}

	for _, column := range columns {
		src := textSource{column: column}
		for _, meta := range ds.IndicesFor(column) {
			if meta.Kind == contracts.IndexTypeFts.String() {
				meta := meta
				src.meta = &meta
				break
			}
		}
		switch {
		case src.meta != nil && req.FastSearch:
		case src.meta != nil:
			src.transient = ds.UncoveredFragments(src.meta)
		case req.FastSearch:
			return nil, contracts.NewIndexUnavailableError("full text search",
				"fast search requires an FTS index on %q", column)
		default:
			m := ds.Manifest()
			for i := range m.Fragments {
				src.transient = append(src.transient, &m.Fragments[i])
			}
		}
		p.sources = append(p.sources, src)
	}
	return p, nil
}

func isTextType(dt arrow.DataType) bool {
	if l, ok := dt.(*arrow.ListType); ok {
		dt = l.Elem()
	}
	return dt.ID() == arrow.STRING || dt.ID() == arrow.LARGE_STRING
}

// textColumns resolves the searched columns. With none named, columns with
// an FTS index are searched, else every string column.
func textColumns(ds *dataset.Dataset, names []string) ([]string, error) {
	schema := ds.Schema()
	if len(names) > 0 {
		for _, name := range names {
			fields, ok := schema.FieldsByName(name)
			if !ok {
				return nil, contracts.NewValidationError("full text search", "column %q does not exist", name)
			}
			if !isTextType(fields[0].Type) {
				return nil, contracts.NewValidationError("full text search", "column %q is not a text column", name)
			}
		}
		return dedupeColumns(names), nil
	}

	var indexed, text []string
	for _, f := range schema.Fields() {
		if !isTextType(f.Type) {
			continue
		}
		text = append(text, f.Name)
		for _, meta := range ds.IndicesFor(f.Name) {
			if meta.Kind == contracts.IndexTypeFts.String() {
				indexed = append(indexed, f.Name)
				break
			}
		}
	}
	switch {
	case len(indexed) > 0:
		return indexed, nil
	case len(text) > 0:
		return text, nil
	default:
		return nil, contracts.NewValidationError("full text search", "table has no text column")
	}
}

func dedupeColumns(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func (p *textPlan) describe(plan *Plan) {
	plan.Strategy = "FullTextSearch"
	for _, src := range p.sources {
		details := []string{
			"column: " + src.column,
			fmt.Sprintf("query: %q", p.clause.Query),
			fmt.Sprintf("k: %d", p.k),
			fmt.Sprintf("wand factor: %v", p.wand),
		}
		if src.meta != nil {
			details = append(details,
				fmt.Sprintf("index: %s (%s)", src.meta.Name, src.meta.Kind),
				"indexed fragments: "+fragmentList(src.meta.FragmentIDs))
		}
		if len(src.transient) > 0 {
			details = append(details, "unindexed fragments: "+fragmentList(fragmentIDs(src.transient)))
		}
		plan.add("BM25", details...)
	}
	if len(p.sources) > 1 {
		plan.add("SumScores", fmt.Sprintf("sources: %d", len(p.sources)))
	}
	if p.prefilter {
		describeFilter(plan, p.ds, p.r.filter, "Prefilter")
	} else {
		describeFilter(plan, p.ds, p.r.filter, "Postfilter")
	}
	plan.add("Take", scanDetails(p.r)...)
}

func (p *textPlan) open(ctx context.Context, x *execution) (*Stream, error) {
	rows, err := p.rank(ctx, x, p.k)
	if err != nil {
		return nil, err
	}
	hits := make([]hit, len(rows))
	for i, row := range rows {
		hits[i] = hit{row: row.RowID, score: row.Score}
	}
	return rankedStream(x, window(hits, p.r.offset, p.r.limit), ScoreColumn, false), nil
}

// rank returns up to k rows by descending BM25 score with the filter applied
func (p *textPlan) rank(ctx context.Context, x *execution, k int) ([]index.ScoredRow, error) {
	if k == 0 {
		return nil, nil
	}
	f, err := newRowFilter(ctx, x, p.r.filter)
	if err != nil {
		return nil, err
	}
	allow, err := x.allowFunc(ctx, f, p.prefilter)
	if err != nil {
		return nil, err
	}

	// several sources are merged by summing, so each returns every match
	perSource := k
	if p.multiSource() {
		perSource = 0
	}
	scores := make(map[uint64]float32)
	var order []uint64
	for _, src := range p.sources {
		found, err := p.searchSource(ctx, x, src, perSource, allow)
		if err != nil {
			return nil, err
		}
		for _, row := range found {
			if _, seen := scores[row.RowID]; !seen {
				order = append(order, row.RowID)
			}
			scores[row.RowID] += row.Score
		}
	}
	out := make([]index.ScoredRow, len(order))
	for i, row := range order {
		out[i] = index.ScoredRow{RowID: row, Score: scores[row]}
	}
	index.SortScored(out)
	if len(out) > k {
		out = out[:k]
	}

	if !p.prefilter && p.r.filter != nil && len(out) > 0 {
		addrs := make([]uint64, len(out))
		for i, row := range out {
			addrs[i] = row.RowID
		}
		keep, err := f.keep(ctx, sortedCopy(addrs))
		if err != nil {
			return nil, err
		}
		kept := out[:0]
		for _, row := range out {
			if keep[row.RowID] {
				kept = append(kept, row)
			}
		}
		out = kept
	}
	x.metrics.candidates.Add(int64(len(out)))
	return out, nil
}

func (p *textPlan) multiSource() bool {
	if len(p.sources) > 1 {
		return true
	}
	return len(p.sources) == 1 && p.sources[0].meta != nil && len(p.sources[0].transient) > 0
}

func (p *textPlan) searchSource(ctx context.Context, x *execution, src textSource, k int, allow func(uint64) bool) ([]index.ScoredRow, error) {
	var out []index.ScoredRow
	analyzer := index.DefaultAnalyzer
	if src.meta != nil {
		loaded, err := p.ds.LoadIndex(ctx, src.meta)
		if err != nil {
			return nil, err
		}
		fts, ok := loaded.(*index.FTS)
		if !ok {
			return nil, contracts.NewIndexUnavailableError("full text search", "index %q is not a full text index", src.meta.Name)
		}
		x.metrics.indexSearches.Add(1)
		found, err := fts.Search(p.clause.Query, k, p.wand, allow)
		if err != nil {
			return nil, contracts.NewValidationError("full text search", "%v", err)
		}
		out = append(out, found...)
		analyzer = fts.Analyzer
	}
	if len(src.transient) == 0 {
		return out, nil
	}

	var rows []uint64
	var values []interface{}
	for _, frag := range src.transient {
		data, err := p.ds.ReadFragment(ctx, frag, []string{src.column})
		if err != nil {
			return nil, err
		}
		x.metrics.fragmentsScanned.Add(1)
		x.metrics.rowsScanned.Add(int64(data.NumRows()))
		for r := 0; r < data.NumRows(); r++ {
			addr := index.RowAddress(frag.ID, uint32(r))
			if !allow(addr) {
				continue
			}
			rows = append(rows, addr)
			values = append(values, expr.ValueAt(data.Columns[0], r))
		}
	}
	transient, err := index.BuildFTS(analyzer, rows, values)
	if err != nil {
		return nil, contracts.NewValidationError("full text search", "%v", err)
	}
	p.ds.Logger().Debug("indexed unindexed rows for text search",
		zap.String("column", src.column),
		zap.Int("fragments", len(src.transient)),
		zap.Int("rows", len(rows)))
	found, err := transient.Search(p.clause.Query, k, p.wand, nil)
	if err != nil {
		return nil, contracts.NewValidationError("full text search", "%v", err)
	}
	return append(out, found...), nil
}
