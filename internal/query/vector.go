// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/apache/arrow/go/v17/arrow"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lancedb/lancego/internal/dataset"
	"github.com/lancedb/lancego/internal/index"
	"github.com/lancedb/lancego/internal/manifest"
	"github.com/lancedb/lancego/pkg/contracts"
)

const defaultEf = 64

// vectorPlan answers nearest-neighbour requests. Fragments covered by a
// usable vector index are probed through it; the rest are searched flat.
type vectorPlan struct {
	ds      *dataset.Dataset
	r       *resolved
	clause  *contracts.VectorClause
	column  string
	dim     int
	metric  contracts.DistanceType
	meta    *manifest.IndexMetadata
	flat    []*manifest.Fragment
	nprobes int
	ef      int
	// k is the number of ranked rows needed per query vector
	k         int
	prefilter bool
}

func planVector(ds *dataset.Dataset, r *resolved, req contracts.QueryRequest) (*vectorPlan, error) {
	clause := req.Vector
	if clause == nil || len(clause.QueryVectors) == 0 {
		return nil, contracts.NewValidationError("vector search", "no query vector")
	}
	column, field, err := vectorColumn(ds, clause.Column)
	if err != nil {
		return nil, err
	}
	dim := manifest.VectorDimension(field.Type)
	for _, q := range clause.QueryVectors {
		if len(q) != dim {
			return nil, &contracts.ErrDimensionMismatch{Column: column, Expected: dim, Actual: len(q)}
		}
	}
	if clause.Nprobes < 0 {
		return nil, contracts.NewValidationError("vector search", "nprobes must not be negative, got %d", clause.Nprobes)
	}
	if clause.RefineFactor != nil && *clause.RefineFactor < 1 {
		return nil, contracts.NewValidationError("vector search", "refine factor must be at least 1, got %d", *clause.RefineFactor)
	}
	if clause.Ef != nil && *clause.Ef < 1 {
		return nil, contracts.NewValidationError("vector search", "ef must be at least 1, got %d", *clause.Ef)
	}
	if clause.LowerBound != nil && clause.UpperBound != nil && *clause.LowerBound > *clause.UpperBound {
		return nil, contracts.NewValidationError("vector search", "distance range [%v, %v) is empty", *clause.LowerBound, *clause.UpperBound)
	}

	p := &vectorPlan{
		ds:        ds,
		r:         r,
		clause:    clause,
		column:    column,
		dim:       dim,
		metric:    contracts.DistanceTypeL2,
		nprobes:   clause.Nprobes,
		ef:        defaultEf,
		prefilter: !req.Postfilter,
	}
	if p.nprobes == 0 {
		p.nprobes = ds.Engine().DefaultNprobes
	}
	if clause.Ef != nil {
		p.ef = *clause.Ef
	}
	p.k = r.limit + r.offset
	if r.limit < 0 {
		p.k = int(ds.CountRows())
	}

	indices := vectorIndices(ds, column)
	if clause.DistanceType != nil {
		p.metric = *clause.DistanceType
	} else if len(indices) > 0 {
		p.metric = indexMetric(&indices[0])
	}
	if !clause.BypassVectorIndex {
		for i := range indices {
			if indexMetric(&indices[i]) == p.metric {
				p.meta = &indices[i]
				break
			}
		}
	}

	switch {
	case p.meta != nil && req.FastSearch:
	case p.meta != nil:
		p.flat = ds.UncoveredFragments(p.meta)
	case req.FastSearch && !clause.BypassVectorIndex:
		return nil, contracts.NewIndexUnavailableError("vector search",
			"fast search requires a %s vector index on %q", p.metric, column)
	default:
		m := ds.Manifest()
		for i := range m.Fragments {
			p.flat = append(p.flat, &m.Fragments[i])
		}
	}
	return p, nil
}

// vectorColumn resolves the searched column. An empty name selects the only
// vector column of the schema.
func vectorColumn(ds *dataset.Dataset, name string) (string, arrow.Field, error) {
	schema := ds.Schema()
	if name != "" {
		fields, ok := schema.FieldsByName(name)
		if !ok {
			return "", arrow.Field{}, contracts.NewValidationError("vector search", "column %q does not exist", name)
		}
		if !manifest.IsVectorType(fields[0].Type) {
			return "", arrow.Field{}, contracts.NewValidationError("vector search", "column %q is not a vector column", name)
		}
		return name, fields[0], nil
	}
	var found []arrow.Field
	for _, f := range schema.Fields() {
		if manifest.IsVectorType(f.Type) {
			found = append(found, f)
		}
	}
	switch len(found) {
	case 0:
		return "", arrow.Field{}, contracts.NewValidationError("vector search", "table has no vector column")
	case 1:
		return found[0].Name, found[0], nil
	default:
		return "", arrow.Field{}, contracts.NewValidationError("vector search",
			"table has %d vector columns, the column to search must be named", len(found))
	}
}

func vectorIndices(ds *dataset.Dataset, column string) []manifest.IndexMetadata {
	var out []manifest.IndexMetadata
	for _, meta := range ds.IndicesFor(column) {
		kind, err := contracts.ParseIndexType(meta.Kind)
		if err == nil && kind.IsVector() {
			out = append(out, meta)
		}
	}
	return out
}

func indexMetric(meta *manifest.IndexMetadata) contracts.DistanceType {
	dt, _ := contracts.ParseDistanceType(meta.Params.DistanceType)
	return dt
}

func (p *vectorPlan) describe(plan *Plan) {
	plan.Strategy = "VectorSearch"
	details := []string{
		"column: " + p.column,
		"metric: " + p.metric.String(),
		fmt.Sprintf("queries: %d", len(p.clause.QueryVectors)),
		fmt.Sprintf("k: %d", p.k),
	}
	if p.meta != nil {
		details = append(details,
			fmt.Sprintf("index: %s (%s)", p.meta.Name, p.meta.Kind),
			fmt.Sprintf("nprobes: %d", p.nprobes),
			fmt.Sprintf("indexed fragments: %s", fragmentList(p.meta.FragmentIDs)))
		if p.clause.RefineFactor != nil {
			details = append(details, fmt.Sprintf("refine factor: %d", *p.clause.RefineFactor))
		}
	}
	if p.clause.LowerBound != nil || p.clause.UpperBound != nil {
		details = append(details, "distance range: "+rangeString(p.clause.LowerBound, p.clause.UpperBound))
	}
	if p.meta != nil {
		plan.add("ANN", details...)
		if len(p.flat) > 0 {
			plan.add("FlatSearch", "fragments: "+fragmentList(fragmentIDs(p.flat)))
		}
	} else {
		details = append(details, "fragments: "+fragmentList(fragmentIDs(p.flat)))
		plan.add("FlatSearch", details...)
	}
	if p.prefilter {
		describeFilter(plan, p.ds, p.r.filter, "Prefilter")
	} else {
		describeFilter(plan, p.ds, p.r.filter, "Postfilter")
	}
	plan.add("Take", scanDetails(p.r)...)
}

func rangeString(lower, upper *float32) string {
	lo, hi := "-inf", "+inf"
	if lower != nil {
		lo = fmt.Sprint(*lower)
	}
	if upper != nil {
		hi = fmt.Sprint(*upper)
	}
	return "[" + lo + ", " + hi + ")"
}

func fragmentIDs(frags []*manifest.Fragment) []uint32 {
	out := make([]uint32, len(frags))
	for i, f := range frags {
		out[i] = f.ID
	}
	return out
}

func (p *vectorPlan) open(ctx context.Context, x *execution) (*Stream, error) {
	hits, err := p.search(ctx, x)
	if err != nil {
		return nil, err
	}
	return rankedStream(x, hits, DistanceColumn, len(p.clause.QueryVectors) > 1), nil
}

// search returns the final hits: per query vector, ranked by distance and
// windowed by offset and limit, queries in order
func (p *vectorPlan) search(ctx context.Context, x *execution) ([]hit, error) {
	ranked, err := p.rank(ctx, x, p.k)
	if err != nil {
		return nil, err
	}
	var out []hit
	for qi, cands := range ranked {
		perQuery := make([]hit, len(cands))
		for i, c := range cands {
			perQuery[i] = hit{row: c.RowID, score: c.Distance, query: int32(qi)}
		}
		out = append(out, window(perQuery, p.r.offset, p.r.limit)...)
	}
	return out, nil
}

// rank returns up to k candidates per query vector, nearest first, with the
// filter and the distance range applied
func (p *vectorPlan) rank(ctx context.Context, x *execution, k int) ([][]index.Candidate, error) {
	f, err := newRowFilter(ctx, x, p.r.filter)
	if err != nil {
		return nil, err
	}
	allow, err := x.allowFunc(ctx, f, p.prefilter)
	if err != nil {
		return nil, err
	}

	fetch := k
	if p.clause.LowerBound != nil || p.clause.UpperBound != nil {
		// the range applies before truncation
		fetch = int(p.ds.CountRows())
	}

	var ivf *index.IVF
	if p.meta != nil {
		loaded, err := p.ds.LoadIndex(ctx, p.meta)
		if err != nil {
			return nil, err
		}
		var ok bool
		if ivf, ok = loaded.(*index.IVF); !ok {
			return nil, contracts.NewIndexUnavailableError("vector search", "index %q is not a vector index", p.meta.Name)
		}
	}
	flat, err := p.flatVectors(ctx, x, allow)
	if err != nil {
		return nil, err
	}

	out := make([][]index.Candidate, len(p.clause.QueryVectors))
	for qi, q := range p.clause.QueryVectors {
		var cands []index.Candidate
		if ivf != nil {
			x.metrics.indexSearches.Add(1)
			probeK := fetch
			if p.clause.RefineFactor != nil {
				probeK = fetch * *p.clause.RefineFactor
			}
			found, err := ivf.Search(q, probeK, p.nprobes, p.ef, allow)
			if err != nil {
				return nil, err
			}
			if p.clause.RefineFactor != nil {
				if found, err = p.refine(ctx, q, found); err != nil {
					return nil, err
				}
			}
			cands = append(cands, found...)
		}
		dist := index.Distance(p.metric)
		for _, fv := range flat {
			cands = append(cands, index.Candidate{RowID: fv.row, Distance: dist(q, fv.vec)})
		}
		index.SortCandidates(cands)
		cands = inRange(cands, p.clause.LowerBound, p.clause.UpperBound)
		if len(cands) > fetch {
			cands = cands[:fetch]
		}
		if !p.prefilter && p.r.filter != nil {
			if cands, err = p.postfilter(ctx, f, cands); err != nil {
				return nil, err
			}
		}
		if len(cands) > k {
			cands = cands[:k]
		}
		x.metrics.candidates.Add(int64(len(cands)))
		out[qi] = cands
	}
	return out, nil
}

type flatVector struct {
	row uint64
	vec []float32
}

// flatVectors loads the allowed vectors of the fragments not served by the
// index, reading fragments concurrently
func (p *vectorPlan) flatVectors(ctx context.Context, x *execution, allow func(uint64) bool) ([]flatVector, error) {
	if len(p.flat) == 0 {
		return nil, nil
	}
	parts := make([][]flatVector, len(p.flat))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.ds.Engine().ScanConcurrency)
	for i, frag := range p.flat {
		i, frag := i, frag
		g.Go(func() error {
			data, err := p.ds.ReadFragment(gctx, frag, []string{p.column})
			if err != nil {
				return err
			}
			x.metrics.fragmentsScanned.Add(1)
			x.metrics.rowsScanned.Add(int64(data.NumRows()))
			col := data.Columns[0]
			for r := 0; r < data.NumRows(); r++ {
				addr := index.RowAddress(frag.ID, uint32(r))
				if !allow(addr) {
					continue
				}
				if v, ok := dataset.VectorAt(col, r); ok {
					parts[i] = append(parts[i], flatVector{row: addr, vec: v})
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []flatVector
	for _, part := range parts {
		out = append(out, part...)
	}
	p.ds.Logger().Debug("flat vector search",
		zap.String("column", p.column),
		zap.Int("fragments", len(p.flat)),
		zap.Int("rows", len(out)))
	return out, nil
}

// refine recomputes exact distances of index candidates
func (p *vectorPlan) refine(ctx context.Context, q []float32, cands []index.Candidate) ([]index.Candidate, error) {
	if len(cands) == 0 {
		return cands, nil
	}
	addrs := make([]uint64, len(cands))
	for i, c := range cands {
		addrs[i] = c.RowID
	}
	rec, err := p.ds.Take(ctx, addrs, []string{p.column})
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	dist := index.Distance(p.metric)
	out := cands[:0]
	for i, c := range cands {
		v, ok := dataset.VectorAt(rec.Column(0), i)
		if !ok {
			continue
		}
		out = append(out, index.Candidate{RowID: c.RowID, Distance: dist(q, v)})
	}
	index.SortCandidates(out)
	return out, nil
}

func (p *vectorPlan) postfilter(ctx context.Context, f *rowFilter, cands []index.Candidate) ([]index.Candidate, error) {
	addrs := make([]uint64, len(cands))
	for i, c := range cands {
		addrs[i] = c.RowID
	}
	keep, err := f.keep(ctx, sortedCopy(addrs))
	if err != nil {
		return nil, err
	}
	out := cands[:0]
	for _, c := range cands {
		if keep[c.RowID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func inRange(cands []index.Candidate, lower, upper *float32) []index.Candidate {
	if lower == nil && upper == nil {
		return cands
	}
	out := cands[:0]
	for _, c := range cands {
		if lower != nil && c.Distance < *lower {
			continue
		}
		if upper != nil && c.Distance >= *upper {
			continue
		}
		out = append(out, c)
	}
	return out
}

// sortedCopy orders addresses so Take reads each fragment once
func sortedCopy(addrs []uint64) []uint64 {
	out := append([]uint64(nil), addrs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
