// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package internal

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"

	"github.com/lancedb/lancego/internal/expr"
	"github.com/lancedb/lancego/internal/query"
	"github.com/lancedb/lancego/pkg/contracts"
)

// builder is the state shared by the four builder views. Mutators never
// fail; the request is validated when it is executed or explained.
type builder struct {
	table *Table
	req   contracts.QueryRequest
}

var (
	_ contracts.IQueryBuilder       = (*QueryBuilder)(nil)
	_ contracts.IVectorQueryBuilder = (*VectorQueryBuilder)(nil)
	_ contracts.IFTSQueryBuilder    = (*FTSQueryBuilder)(nil)
	_ contracts.IHybridQueryBuilder = (*HybridQueryBuilder)(nil)
)

// QueryBuilder provides a fluent interface for building queries
type QueryBuilder struct{ *builder }

// VectorQueryBuilder extends QueryBuilder for vector similarity searches
type VectorQueryBuilder struct{ *builder }

// FTSQueryBuilder extends QueryBuilder for full-text searches
type FTSQueryBuilder struct{ *builder }

// HybridQueryBuilder combines a vector and a full-text search
type HybridQueryBuilder struct{ *builder }

func newQueryBuilder(t *Table) *QueryBuilder {
	return &QueryBuilder{&builder{table: t}}
}

func (b *builder) filter(condition string) {
	b.req.Filter = condition
	b.req.FilterBytes = nil
}

func (b *builder) filterBytes(e []byte) {
	b.req.FilterBytes = append([]byte(nil), e...)
	b.req.Filter = ""
}

func (b *builder) sel(columns []string) {
	b.req.Columns = append([]string(nil), columns...)
}

func (b *builder) limit(n int) {
	b.req.Limit = &n
}

func (b *builder) applyOptions(options *contracts.QueryOptions) {
	if options == nil {
		return
	}
	if options.MaxResults > 0 {
		b.limit(options.MaxResults)
	}
	if b.req.Vector != nil {
		if options.BypassVectorIndex {
			b.req.Vector.BypassVectorIndex = true
		}
		if options.UseFullPrecision && b.req.Vector.RefineFactor == nil {
			refine := 1
			b.req.Vector.RefineFactor = &refine
		}
	}
}

func (b *builder) vector() *contracts.VectorClause {
	if b.req.Vector == nil {
		b.req.Vector = &contracts.VectorClause{}
	}
	return b.req.Vector
}

func (b *builder) text() *contracts.TextClause {
	if b.req.Text == nil {
		b.req.Text = &contracts.TextClause{}
	}
	return b.req.Text
}

func (b *builder) hybrid() *contracts.HybridClause {
	if b.req.Hybrid == nil {
		b.req.Hybrid = contracts.DefaultHybridClause()
	}
	return b.req.Hybrid
}

func (b *builder) nearestTo(v []float32) {
	b.vector().QueryVectors = [][]float32{append([]float32(nil), v...)}
}

func (b *builder) addQueryVector(v []float32) {
	c := b.vector()
	c.QueryVectors = append(c.QueryVectors, append([]float32(nil), v...))
}

func (b *builder) nearestToText(q string, columns []string) {
	c := b.text()
	c.Query = q
	if len(columns) > 0 {
		c.Columns = append([]string(nil), columns...)
	}
}

// ToQueryRequest freezes the builder state without validating it
func (b *builder) ToQueryRequest() contracts.QueryRequest {
	return b.req.Clone()
}

func (b *builder) executor(ctx context.Context) (*query.Executor, error) {
	ds, err := b.table.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return query.New(ds), nil
}

// Execute validates the request against the table and opens a stream
func (b *builder) Execute(ctx context.Context) (contracts.IRecordStream, error) {
	e, err := b.executor(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := e.Execute(ctx, b.ToQueryRequest())
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// ExecuteAsync executes the query asynchronously
func (b *builder) ExecuteAsync(ctx context.Context) (<-chan arrow.Record, <-chan error) {
	resultChan := make(chan arrow.Record)
	errorChan := make(chan error, 1)

	go func() {
		defer close(resultChan)
		defer close(errorChan)

		stream, err := b.Execute(ctx)
		if err != nil {
			errorChan <- err
			return
		}
		defer stream.Close()
		for {
			rec, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errorChan <- err
				return
			}
			select {
			case resultChan <- rec:
			case <-ctx.Done():
				rec.Release()
				errorChan <- ctx.Err()
				return
			}
		}
	}()

	return resultChan, errorChan
}

// ToArrow drains the stream
func (b *builder) ToArrow(ctx context.Context) ([]arrow.Record, error) {
	e, err := b.executor(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := e.Execute(ctx, b.ToQueryRequest())
	if err != nil {
		return nil, err
	}
	return query.Collect(ctx, stream)
}

// ToMaps drains the stream into one map per row
func (b *builder) ToMaps(ctx context.Context) ([]map[string]interface{}, error) {
	records, err := b.ToArrow(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, rec := range records {
			rec.Release()
		}
	}()
	rows := []map[string]interface{}{}
	for _, rec := range records {
		converted, err := recordToMaps(rec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, converted...)
	}
	return rows, nil
}

// ExplainPlan describes the chosen strategy without reading data
func (b *builder) ExplainPlan(ctx context.Context, verbose bool) (string, error) {
	e, err := b.executor(ctx)
	if err != nil {
		return "", err
	}
	return e.Explain(ctx, b.ToQueryRequest(), verbose)
}

// AnalyzePlan runs the query and reports per-stage metrics
func (b *builder) AnalyzePlan(ctx context.Context) (string, error) {
	e, err := b.executor(ctx)
	if err != nil {
		return "", err
	}
	return e.Analyze(ctx, b.ToQueryRequest())
}

// recordToMaps converts an Arrow Record to row maps
func recordToMaps(record arrow.Record) ([]map[string]interface{}, error) {
	rows := make([]map[string]interface{}, record.NumRows())
	for i := range rows {
		rows[i] = make(map[string]interface{}, record.NumCols())
	}
	for colIdx, field := range record.Schema().Fields() {
		if err := convertColumn(record.Column(colIdx), field.Name, rows); err != nil {
			return nil, fmt.Errorf("failed to convert column %s: %w", field.Name, err)
		}
	}
	return rows, nil
}

// convertColumn stores the values of column under fieldName. Float vectors
// stay []float32; everything else uses the expression engine's value model.
func convertColumn(column arrow.Array, fieldName string, rows []map[string]interface{}) error {
	if column.Len() != len(rows) {
		return fmt.Errorf("column has %d values for %d rows", column.Len(), len(rows))
	}
	if arr, ok := column.(*array.FixedSizeList); ok {
		listType := arr.DataType().(*arrow.FixedSizeListType)
		if values, ok := arr.ListValues().(*array.Float32); ok {
			n := int(listType.Len())
			for i := 0; i < arr.Len(); i++ {
				if arr.IsNull(i) {
					rows[i][fieldName] = nil
					continue
				}
				start := (arr.Offset() + i) * n
				vec := make([]float32, n)
				for j := range vec {
					vec[j] = values.Value(start + j)
				}
				rows[i][fieldName] = vec
			}
			return nil
		}
	}
	for i := 0; i < column.Len(); i++ {
		rows[i][fieldName] = expr.ValueAt(column, i)
	}
	return nil
}

// Scalar state

func (q *QueryBuilder) Filter(condition string) contracts.IQueryBuilder {
	q.filter(condition)
	return q
}

func (q *QueryBuilder) FilterBytes(e []byte) contracts.IQueryBuilder {
	q.filterBytes(e)
	return q
}

func (q *QueryBuilder) Select(columns ...string) contracts.IQueryBuilder {
	q.sel(columns)
	return q
}

// Limit sets the maximum number of results to return
func (q *QueryBuilder) Limit(limit int) contracts.IQueryBuilder {
	q.limit(limit)
	return q
}

func (q *QueryBuilder) Offset(offset int) contracts.IQueryBuilder {
	q.req.Offset = offset
	return q
}

func (q *QueryBuilder) FastSearch() contracts.IQueryBuilder {
	q.req.FastSearch = true
	return q
}

func (q *QueryBuilder) WithRowID() contracts.IQueryBuilder {
	q.req.WithRowID = true
	return q
}

func (q *QueryBuilder) Postfilter() contracts.IQueryBuilder {
	q.req.Postfilter = true
	return q
}

// ApplyOptions applies query options to the builder
func (q *QueryBuilder) ApplyOptions(options *contracts.QueryOptions) contracts.IQueryBuilder {
	q.applyOptions(options)
	return q
}

// NearestTo turns the query into a vector search
func (q *QueryBuilder) NearestTo(vector []float32) contracts.IVectorQueryBuilder {
	q.nearestTo(vector)
	return &VectorQueryBuilder{q.builder}
}

// NearestToText turns the query into a full-text search
func (q *QueryBuilder) NearestToText(text string, columns ...string) contracts.IFTSQueryBuilder {
	q.nearestToText(text, columns)
	return &FTSQueryBuilder{q.builder}
}

// Vector state

func (vq *VectorQueryBuilder) Filter(condition string) contracts.IVectorQueryBuilder {
	vq.filter(condition)
	return vq
}

func (vq *VectorQueryBuilder) FilterBytes(e []byte) contracts.IVectorQueryBuilder {
	vq.filterBytes(e)
	return vq
}

func (vq *VectorQueryBuilder) Select(columns ...string) contracts.IVectorQueryBuilder {
	vq.sel(columns)
	return vq
}

// Limit sets the maximum number of results to return
func (vq *VectorQueryBuilder) Limit(limit int) contracts.IVectorQueryBuilder {
	vq.limit(limit)
	return vq
}

func (vq *VectorQueryBuilder) Offset(offset int) contracts.IVectorQueryBuilder {
	vq.req.Offset = offset
	return vq
}

func (vq *VectorQueryBuilder) FastSearch() contracts.IVectorQueryBuilder {
	vq.req.FastSearch = true
	return vq
}

func (vq *VectorQueryBuilder) WithRowID() contracts.IVectorQueryBuilder {
	vq.req.WithRowID = true
	return vq
}

func (vq *VectorQueryBuilder) Postfilter() contracts.IVectorQueryBuilder {
	vq.req.Postfilter = true
	return vq
}

// ApplyOptions applies query options to the vector query builder
func (vq *VectorQueryBuilder) ApplyOptions(options *contracts.QueryOptions) contracts.IVectorQueryBuilder {
	vq.applyOptions(options)
	return vq
}

func (vq *VectorQueryBuilder) Column(column string) contracts.IVectorQueryBuilder {
	vq.vector().Column = column
	return vq
}

// DistanceType sets the distance metric for vector search
func (vq *VectorQueryBuilder) DistanceType(distanceType contracts.DistanceType) contracts.IVectorQueryBuilder {
	vq.vector().DistanceType = &distanceType
	return vq
}

func (vq *VectorQueryBuilder) Nprobes(nprobes int) contracts.IVectorQueryBuilder {
	vq.vector().Nprobes = nprobes
	return vq
}

func (vq *VectorQueryBuilder) Ef(ef int) contracts.IVectorQueryBuilder {
	vq.vector().Ef = &ef
	return vq
}

func (vq *VectorQueryBuilder) RefineFactor(factor int) contracts.IVectorQueryBuilder {
	vq.vector().RefineFactor = &factor
	return vq
}

// DistanceRange keeps results with lower <= distance < upper; nil bounds
// are open
func (vq *VectorQueryBuilder) DistanceRange(lower, upper *float32) contracts.IVectorQueryBuilder {
	c := vq.vector()
	c.LowerBound, c.UpperBound = copyFloat(lower), copyFloat(upper)
	return vq
}

func (vq *VectorQueryBuilder) BypassVectorIndex() contracts.IVectorQueryBuilder {
	vq.vector().BypassVectorIndex = true
	return vq
}

func (vq *VectorQueryBuilder) NearestTo(vector []float32) contracts.IVectorQueryBuilder {
	vq.nearestTo(vector)
	return vq
}

func (vq *VectorQueryBuilder) AddQueryVector(vector []float32) contracts.IVectorQueryBuilder {
	vq.addQueryVector(vector)
	return vq
}

// NearestToText adds a text clause, making the query hybrid
func (vq *VectorQueryBuilder) NearestToText(text string, columns ...string) contracts.IHybridQueryBuilder {
	vq.nearestToText(text, columns)
	return &HybridQueryBuilder{vq.builder}
}

// Full-text state

func (fq *FTSQueryBuilder) Filter(condition string) contracts.IFTSQueryBuilder {
	fq.filter(condition)
	return fq
}

func (fq *FTSQueryBuilder) FilterBytes(e []byte) contracts.IFTSQueryBuilder {
	fq.filterBytes(e)
	return fq
}

func (fq *FTSQueryBuilder) Select(columns ...string) contracts.IFTSQueryBuilder {
	fq.sel(columns)
	return fq
}

func (fq *FTSQueryBuilder) Limit(limit int) contracts.IFTSQueryBuilder {
	fq.limit(limit)
	return fq
}

func (fq *FTSQueryBuilder) Offset(offset int) contracts.IFTSQueryBuilder {
	fq.req.Offset = offset
	return fq
}

func (fq *FTSQueryBuilder) FastSearch() contracts.IFTSQueryBuilder {
	fq.req.FastSearch = true
	return fq
}

func (fq *FTSQueryBuilder) WithRowID() contracts.IFTSQueryBuilder {
	fq.req.WithRowID = true
	return fq
}

func (fq *FTSQueryBuilder) Postfilter() contracts.IFTSQueryBuilder {
	fq.req.Postfilter = true
	return fq
}

func (fq *FTSQueryBuilder) ApplyOptions(options *contracts.QueryOptions) contracts.IFTSQueryBuilder {
	fq.applyOptions(options)
	return fq
}

func (fq *FTSQueryBuilder) TextColumns(columns ...string) contracts.IFTSQueryBuilder {
	fq.text().Columns = append([]string(nil), columns...)
	return fq
}

func (fq *FTSQueryBuilder) WandFactor(factor float32) contracts.IFTSQueryBuilder {
	fq.text().WandFactor = &factor
	return fq
}

func (fq *FTSQueryBuilder) TextLimit(limit int) contracts.IFTSQueryBuilder {
	fq.text().Limit = &limit
	return fq
}

func (fq *FTSQueryBuilder) Norm(norm contracts.NormMethod) contracts.IFTSQueryBuilder {
	fq.text().Norm = &norm
	return fq
}

func (fq *FTSQueryBuilder) NearestToText(text string, columns ...string) contracts.IFTSQueryBuilder {
	fq.req.Text = nil
	fq.nearestToText(text, columns)
	return fq
}

// NearestTo adds a vector clause, making the query hybrid
func (fq *FTSQueryBuilder) NearestTo(vector []float32) contracts.IHybridQueryBuilder {
	fq.nearestTo(vector)
	return &HybridQueryBuilder{fq.builder}
}

func (fq *FTSQueryBuilder) AddQueryVector(vector []float32) contracts.IHybridQueryBuilder {
	fq.addQueryVector(vector)
	return &HybridQueryBuilder{fq.builder}
}

// Hybrid state

func (hq *HybridQueryBuilder) Filter(condition string) contracts.IHybridQueryBuilder {
	hq.filter(condition)
	return hq
}

func (hq *HybridQueryBuilder) FilterBytes(e []byte) contracts.IHybridQueryBuilder {
	hq.filterBytes(e)
	return hq
}

func (hq *HybridQueryBuilder) Select(columns ...string) contracts.IHybridQueryBuilder {
	hq.sel(columns)
	return hq
}

func (hq *HybridQueryBuilder) Limit(limit int) contracts.IHybridQueryBuilder {
	hq.limit(limit)
	return hq
}

func (hq *HybridQueryBuilder) Offset(offset int) contracts.IHybridQueryBuilder {
	hq.req.Offset = offset
	return hq
}

func (hq *HybridQueryBuilder) FastSearch() contracts.IHybridQueryBuilder {
	hq.req.FastSearch = true
	return hq
}

func (hq *HybridQueryBuilder) WithRowID() contracts.IHybridQueryBuilder {
	hq.req.WithRowID = true
	return hq
}

func (hq *HybridQueryBuilder) Postfilter() contracts.IHybridQueryBuilder {
	hq.req.Postfilter = true
	return hq
}

func (hq *HybridQueryBuilder) ApplyOptions(options *contracts.QueryOptions) contracts.IHybridQueryBuilder {
	hq.applyOptions(options)
	return hq
}

func (hq *HybridQueryBuilder) Column(column string) contracts.IHybridQueryBuilder {
	hq.vector().Column = column
	return hq
}

func (hq *HybridQueryBuilder) DistanceType(distanceType contracts.DistanceType) contracts.IHybridQueryBuilder {
	hq.vector().DistanceType = &distanceType
	return hq
}

func (hq *HybridQueryBuilder) Nprobes(nprobes int) contracts.IHybridQueryBuilder {
	hq.vector().Nprobes = nprobes
	return hq
}

func (hq *HybridQueryBuilder) Ef(ef int) contracts.IHybridQueryBuilder {
	hq.vector().Ef = &ef
	return hq
}

func (hq *HybridQueryBuilder) RefineFactor(factor int) contracts.IHybridQueryBuilder {
	hq.vector().RefineFactor = &factor
	return hq
}

func (hq *HybridQueryBuilder) DistanceRange(lower, upper *float32) contracts.IHybridQueryBuilder {
	c := hq.vector()
	c.LowerBound, c.UpperBound = copyFloat(lower), copyFloat(upper)
	return hq
}

func (hq *HybridQueryBuilder) BypassVectorIndex() contracts.IHybridQueryBuilder {
	hq.vector().BypassVectorIndex = true
	return hq
}

func (hq *HybridQueryBuilder) NearestTo(vector []float32) contracts.IHybridQueryBuilder {
	hq.nearestTo(vector)
	return hq
}

func (hq *HybridQueryBuilder) AddQueryVector(vector []float32) contracts.IHybridQueryBuilder {
	hq.addQueryVector(vector)
	return hq
}

func (hq *HybridQueryBuilder) TextColumns(columns ...string) contracts.IHybridQueryBuilder {
	hq.text().Columns = append([]string(nil), columns...)
	return hq
}

func (hq *HybridQueryBuilder) WandFactor(factor float32) contracts.IHybridQueryBuilder {
	hq.text().WandFactor = &factor
	return hq
}

func (hq *HybridQueryBuilder) TextLimit(limit int) contracts.IHybridQueryBuilder {
	hq.text().Limit = &limit
	return hq
}

func (hq *HybridQueryBuilder) NearestToText(text string, columns ...string) contracts.IHybridQueryBuilder {
	hq.req.Text = nil
	hq.nearestToText(text, columns)
	return hq
}

// Norm applies to both lists and replaces a norm set on the text clause
func (hq *HybridQueryBuilder) Norm(norm contracts.NormMethod) contracts.IHybridQueryBuilder {
	hq.hybrid().Norm = norm
	if hq.req.Text != nil {
		hq.req.Text.Norm = nil
	}
	return hq
}

func (hq *HybridQueryBuilder) Reranker(kind contracts.RerankerKind) contracts.IHybridQueryBuilder {
	hq.hybrid().Reranker = kind
	return hq
}

func (hq *HybridQueryBuilder) RRFK(k float64) contracts.IHybridQueryBuilder {
	hq.hybrid().RRFK = k
	return hq
}

func (hq *HybridQueryBuilder) VectorWeight(weight float64) contracts.IHybridQueryBuilder {
	hq.hybrid().VectorWeight = weight
	return hq
}

func (hq *HybridQueryBuilder) PostfilterOrder(order contracts.PostfilterOrder) contracts.IHybridQueryBuilder {
	hq.hybrid().PostfilterOrder = order
	return hq
}

// Decompose returns the vector and text sub-requests
func (hq *HybridQueryBuilder) Decompose() (contracts.QueryRequest, contracts.QueryRequest, error) {
	req := hq.ToQueryRequest()
	return req.Decompose()
}

func copyFloat(p *float32) *float32 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
