// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package query

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/lancedb/lancego/internal/dataset"
	"github.com/lancedb/lancego/internal/index"
	"github.com/lancedb/lancego/pkg/contracts"
)

// hybridPlan runs a vector and a text search over the same filter and fuses
// the two rankings
type hybridPlan struct {
	ds     *dataset.Dataset
	r      *resolved
	vector *vectorPlan
	text   *textPlan
	fusion contracts.HybridClause
	// lateFilter is set when the filter runs on the fused lists instead of
	// inside each search
	lateFilter bool
}

func planHybrid(ds *dataset.Dataset, r *resolved) (*hybridPlan, error) {
	vreq, treq, err := r.req.Decompose()
	if err != nil {
		return nil, err
	}
	if n := len(vreq.Vector.QueryVectors); n != 1 {
		return nil, contracts.NewValidationError("hybrid search", "hybrid search takes exactly one query vector, got %d", n)
	}
	fusion := *contracts.DefaultHybridClause()
	if r.req.Hybrid != nil {
		fusion = *r.req.Hybrid
	}
	if norm := treq.Text.Norm; norm != nil {
		fusion.Norm = *norm
	}
	if fusion.Reranker == contracts.RerankerRRF && fusion.RRFK <= 0 {
		return nil, contracts.NewValidationError("hybrid search", "rrf k must be positive, got %v", fusion.RRFK)
	}
	if fusion.VectorWeight < 0 || fusion.VectorWeight > 1 {
		return nil, contracts.NewValidationError("hybrid search", "vector weight must be within [0, 1], got %v", fusion.VectorWeight)
	}

	p := &hybridPlan{ds: ds, r: r, fusion: fusion}
	sub := r
	if r.req.Postfilter && fusion.PostfilterOrder == contracts.NormalizeThenFilter && r.filter != nil {
		unfiltered := *r
		unfiltered.filter = nil
		sub = &unfiltered
		p.lateFilter = true
	}
	if p.vector, err = planVector(ds, sub, vreq); err != nil {
		return nil, err
	}
	if p.text, err = planText(ds, sub, treq); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *hybridPlan) describe(plan *Plan) {
	var vplan, tplan Plan
	p.vector.describe(&vplan)
	p.text.describe(&tplan)
	for _, s := range vplan.Steps {
		if s.Name != "Take" {
			plan.Steps = append(plan.Steps, Step{Name: "vector/" + s.Name, Details: s.Details})
		}
	}
	for _, s := range tplan.Steps {
		if s.Name != "Take" {
			plan.Steps = append(plan.Steps, Step{Name: "text/" + s.Name, Details: s.Details})
		}
	}
	plan.Strategy = "HybridSearch"

	norm := "score"
	if p.fusion.Norm == contracts.NormRank {
		norm = "rank"
	}
	details := []string{"norm: " + norm}
	switch p.fusion.Reranker {
	case contracts.RerankerLinear:
		details = append(details, fmt.Sprintf("reranker: linear (vector weight %v)", p.fusion.VectorWeight))
	default:
		details = append(details, fmt.Sprintf("reranker: rrf (k %v)", p.fusion.RRFK))
	}
	if p.lateFilter {
		describeFilter(plan, p.ds, p.r.filter, "Postfilter (after normalization)")
	}
	plan.add("Fuse", details...)
	plan.add("Take", scanDetails(p.r)...)
}

// ranked is one normalized result list
type ranked struct {
	rows  []uint64
	norm  map[uint64]float64
	ranks map[uint64]int
}

func (p *hybridPlan) open(ctx context.Context, x *execution) (*Stream, error) {
	var vcands [][]index.Candidate
	var trows []index.ScoredRow
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vcands, err = p.vector.rank(gctx, x, p.vector.k)
		return err
	})
	g.Go(func() error {
		var err error
		trows, err = p.text.rank(gctx, x, p.text.k)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vector := make([]index.ScoredRow, len(vcands[0]))
	for i, c := range vcands[0] {
		vector[i] = index.ScoredRow{RowID: c.RowID, Score: float32(1 / (1 + float64(c.Distance)))}
	}

	var keep map[uint64]bool
	if p.lateFilter {
		f, err := newRowFilter(ctx, x, p.r.filter)
		if err != nil {
			return nil, err
		}
		if keep, err = f.keep(ctx, unionRows(vector, trows)); err != nil {
			return nil, err
		}
	}
	hits := fuse(p.fusion, normalize(p.fusion.Norm, vector), normalize(p.fusion.Norm, trows), keep)
	x.metrics.candidates.Add(int64(len(hits)))
	return rankedStream(x, window(hits, p.r.offset, p.r.limit), RelevanceColumn, false), nil
}

// normalize maps an ordered list to [0, 1]: min-max over scores, or by rank
func normalize(method contracts.NormMethod, rows []index.ScoredRow) ranked {
	out := ranked{
		rows:  make([]uint64, len(rows)),
		norm:  make(map[uint64]float64, len(rows)),
		ranks: make(map[uint64]int, len(rows)),
	}
	if len(rows) == 0 {
		return out
	}
	lo, hi := float64(rows[0].Score), float64(rows[0].Score)
	for _, r := range rows {
		s := float64(r.Score)
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	n := float64(len(rows))
	for i, r := range rows {
		out.rows[i] = r.RowID
		out.ranks[r.RowID] = i
		switch {
		case method == contracts.NormRank:
			out.norm[r.RowID] = (n - float64(i)) / n
		case hi == lo:
			out.norm[r.RowID] = 1
		default:
			out.norm[r.RowID] = (float64(r.Score) - lo) / (hi - lo)
		}
	}
	return out
}

// fuse combines two normalized lists. A row missing from one list gets no
// contribution from it. keep, when set, drops rows before fusion.
func fuse(c contracts.HybridClause, vector, text ranked, keep map[uint64]bool) []hit {
	scores := make(map[uint64]float64)
	add := func(l ranked, weight float64) {
		for _, row := range l.rows {
			if keep != nil && !keep[row] {
				continue
			}
			switch c.Reranker {
			case contracts.RerankerLinear:
				scores[row] += weight * l.norm[row]
			default:
				scores[row] += 1 / (c.RRFK + float64(l.ranks[row]+1))
			}
		}
	}
	add(vector, c.VectorWeight)
	add(text, 1-c.VectorWeight)

	out := make([]hit, 0, len(scores))
	for row, s := range scores {
		out = append(out, hit{row: row, score: float32(s)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].row < out[j].row
	})
	return out
}

func unionRows(a, b []index.ScoredRow) []uint64 {
	seen := make(map[uint64]bool, len(a)+len(b))
	var out []uint64
	for _, list := range [][]index.ScoredRow{a, b} {
		for _, r := range list {
			if !seen[r.RowID] {
				seen[r.RowID] = true
				out = append(out, r.RowID)
			}
		}
	}
	return sortedCopy(out)
}
