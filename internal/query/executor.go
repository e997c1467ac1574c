// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

// Package query executes QueryRequests against a table snapshot.
//
// Execution first resolves the request against the snapshot schema, so
// every validation error is returned before a stream is opened. It then
// picks one strategy: a filtered scan, a vector search (index probe or flat),
// a BM25 text search, or a hybrid of the last two fused into one ranking.
// Ranked strategies compute the ranking up front and materialize output
// columns lazily, one batch per Next call.
package query

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"go.uber.org/zap"

	"github.com/lancedb/lancego/internal/dataset"
	"github.com/lancedb/lancego/internal/expr"
	"github.com/lancedb/lancego/internal/metrics"
	"github.com/lancedb/lancego/pkg/contracts"
)

// Synthetic output columns
const (
	DistanceColumn  = "_distance"
	ScoreColumn     = "_score"
	RelevanceColumn = "_relevance_score"
	QueryIndex      = "query_index"
	RowIDColumn     = dataset.RowIDColumn
)

var synthetic = map[string]bool{
	DistanceColumn:  true,
	ScoreColumn:     true,
	RelevanceColumn: true,
	QueryIndex:      true,
	RowIDColumn:     true,
}

// Executor runs requests against one snapshot
type Executor struct {
	ds     *dataset.Dataset
	logger *zap.Logger
}

// New returns an executor bound to ds
func New(ds *dataset.Dataset) *Executor {
	return &Executor{ds: ds, logger: ds.Logger()}
}

// resolved is a request checked against the snapshot schema
type resolved struct {
	req       contracts.QueryRequest
	kind      contracts.QueryKind
	filter    expr.Node
	columns   []string
	limit     int
	offset    int
	withRowID bool
}

func (e *Executor) resolve(req contracts.QueryRequest) (*resolved, error) {
	r := &resolved{req: req.Clone(), kind: req.Kind(), offset: req.Offset, withRowID: req.WithRowID}

	switch {
	case len(req.FilterBytes) > 0:
		n, err := expr.Unmarshal(req.FilterBytes)
		if err != nil {
			return nil, contracts.NewValidationError("query", "invalid filter: %v", err)
		}
		if err := expr.Validate(n, e.ds.Schema()); err != nil {
			return nil, contracts.NewValidationError("query", "invalid filter: %v", err)
		}
		r.filter = n
	default:
		n, err := e.ds.ParseFilter("query", req.Filter)
		if err != nil {
			return nil, err
		}
		r.filter = n
	}

	if req.Limit != nil && *req.Limit < 0 {
		return nil, contracts.NewValidationError("query", "limit must not be negative, got %d", *req.Limit)
	}
	if req.Offset < 0 {
		return nil, contracts.NewValidationError("query", "offset must not be negative, got %d", req.Offset)
	}
	r.limit = req.EffectiveLimit()

	schema := e.ds.Schema()
	if req.Columns == nil {
		for _, f := range schema.Fields() {
			r.columns = append(r.columns, f.Name)
		}
		return r, nil
	}
	selected := make(map[string]bool, len(req.Columns))
	for _, name := range req.Columns {
		if name == RowIDColumn {
			r.withRowID = true
			continue
		}
		if synthetic[name] {
			continue
		}
		if _, ok := schema.FieldsByName(name); !ok {
			return nil, contracts.NewValidationError("query", "column %q does not exist", name)
		}
		selected[name] = true
	}
	r.columns = []string{}
	for _, f := range schema.Fields() {
		if selected[f.Name] {
			r.columns = append(r.columns, f.Name)
		}
	}
	return r, nil
}

// execution carries the per-request state shared by strategies
type execution struct {
	ds      *dataset.Dataset
	r       *resolved
	logger  *zap.Logger
	metrics *execMetrics
}

// strategy is one way of answering a resolved request
type strategy interface {
	describe(p *Plan)
	open(ctx context.Context, x *execution) (*Stream, error)
}

func (e *Executor) plan(r *resolved) (strategy, error) {
	switch r.kind {
	case contracts.QueryKindVector:
		return planVector(e.ds, r, r.req)
	case contracts.QueryKindFullText:
		return planText(e.ds, r, r.req)
	case contracts.QueryKindHybrid:
		return planHybrid(e.ds, r)
	default:
		return &scanPlan{ds: e.ds, r: r}, nil
	}
}

func (e *Executor) prepare(req contracts.QueryRequest) (*execution, strategy, error) {
	r, err := e.resolve(req)
	if err != nil {
		return nil, nil, err
	}
	s, err := e.plan(r)
	if err != nil {
		return nil, nil, err
	}
	return &execution{ds: e.ds, r: r, logger: e.logger, metrics: &execMetrics{}}, s, nil
}

// Execute validates req and opens a result stream
func (e *Executor) Execute(ctx context.Context, req contracts.QueryRequest) (*Stream, error) {
	stream, _, _, err := e.execute(ctx, req)
	return stream, err
}

func (e *Executor) execute(ctx context.Context, req contracts.QueryRequest) (*Stream, *execution, strategy, error) {
	kind := req.Kind().String()
	start := time.Now()
	x, s, err := e.prepare(req)
	if err == nil {
		e.logger.Debug("executing query",
			zap.String("strategy", kind),
			zap.Uint64("version", e.ds.Version()),
			zap.Int("limit", x.r.limit),
			zap.Int("offset", x.r.offset))
		var stream *Stream
		stream, err = s.open(ctx, x)
		if err == nil {
			metrics.QueriesTotal.WithLabelValues(kind, "ok").Inc()
			metrics.QueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
			return stream, x, s, nil
		}
	}
	metrics.QueriesTotal.WithLabelValues(kind, "error").Inc()
	e.logger.Debug("query failed", zap.String("strategy", kind), zap.Error(err))
	return nil, nil, nil, err
}

// Explain describes the strategy chosen for req without reading row data
func (e *Executor) Explain(_ context.Context, req contracts.QueryRequest, verbose bool) (string, error) {
	_, s, err := e.prepare(req)
	if err != nil {
		return "", err
	}
	p := &Plan{Version: e.ds.Version()}
	s.describe(p)
	return p.Render(verbose), nil
}

// Analyze runs req to completion and reports the plan with runtime counters
func (e *Executor) Analyze(ctx context.Context, req contracts.QueryRequest) (string, error) {
	start := time.Now()
	stream, x, s, err := e.execute(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()
	for {
		rec, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		rec.Release()
	}
	p := &Plan{Version: e.ds.Version()}
	s.describe(p)
	return p.Render(true) + x.metrics.render(time.Since(start)), nil
}

// CountRows counts the live rows matching filter
func (e *Executor) CountRows(ctx context.Context, filter string) (int64, error) {
	node, err := e.ds.ParseFilter("count rows", filter)
	if err != nil {
		return 0, err
	}
	if node == nil {
		return e.ds.CountRows(), nil
	}
	x := &execution{ds: e.ds, logger: e.logger, metrics: &execMetrics{}}
	f, err := newRowFilter(ctx, x, node)
	if err != nil {
		return 0, err
	}
	var n int64
	m := e.ds.Manifest()
	for i := range m.Fragments {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		offsets, err := f.matchFragment(ctx, &m.Fragments[i])
		if err != nil {
			return 0, err
		}
		n += int64(offsets.GetCardinality())
	}
	return n, nil
}

// Collect drains a stream into records
func Collect(ctx context.Context, s *Stream) ([]arrow.Record, error) {
	defer s.Close()
	var out []arrow.Record
	for {
		rec, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			for _, r := range out {
				r.Release()
			}
			return nil, err
		}
		out = append(out, rec)
	}
}
