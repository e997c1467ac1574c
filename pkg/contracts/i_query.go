// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package contracts

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
)

// IRecordStream is a lazy, finite, non-restartable stream of result batches.
// Next returns io.EOF once exhausted. Returned records are owned by the
// caller. Close is idempotent and releases any remaining scan state.
type IRecordStream interface {
	Schema() *arrow.Schema
	Next(ctx context.Context) (arrow.Record, error)
	Close() error
}

// IExecutable holds the terminal operations shared by every builder state
type IExecutable interface {
	// Execute validates the request against the table and opens a stream
	Execute(ctx context.Context) (IRecordStream, error)
	// ExecuteAsync streams batches over a channel; the error channel
	// receives at most one value
	ExecuteAsync(ctx context.Context) (<-chan arrow.Record, <-chan error)
	// ToArrow drains the stream
	ToArrow(ctx context.Context) ([]arrow.Record, error)
	// ToMaps drains the stream into row maps
	ToMaps(ctx context.Context) ([]map[string]interface{}, error)
	// ToQueryRequest freezes the builder state
	ToQueryRequest() QueryRequest
	// ExplainPlan describes the chosen strategy without reading data
	ExplainPlan(ctx context.Context, verbose bool) (string, error)
	// AnalyzePlan runs the query and reports per-stage metrics
	AnalyzePlan(ctx context.Context) (string, error)
}

// IQueryBuilder is the scalar state of the query builder
type IQueryBuilder interface {
	IExecutable
	Filter(condition string) IQueryBuilder
	FilterBytes(expr []byte) IQueryBuilder
	Select(columns ...string) IQueryBuilder
	Limit(limit int) IQueryBuilder
	Offset(offset int) IQueryBuilder
	FastSearch() IQueryBuilder
	WithRowID() IQueryBuilder
	Postfilter() IQueryBuilder
	ApplyOptions(options *QueryOptions) IQueryBuilder

	NearestTo(vector []float32) IVectorQueryBuilder
	NearestToText(query string, columns ...string) IFTSQueryBuilder
}

// IVectorQueryBuilder is the vector state of the query builder
type IVectorQueryBuilder interface {
	IExecutable
	Filter(condition string) IVectorQueryBuilder
	FilterBytes(expr []byte) IVectorQueryBuilder
	Select(columns ...string) IVectorQueryBuilder
	Limit(limit int) IVectorQueryBuilder
	Offset(offset int) IVectorQueryBuilder
	FastSearch() IVectorQueryBuilder
	WithRowID() IVectorQueryBuilder
	Postfilter() IVectorQueryBuilder
	ApplyOptions(options *QueryOptions) IVectorQueryBuilder

	Column(column string) IVectorQueryBuilder
	DistanceType(distanceType DistanceType) IVectorQueryBuilder
	Nprobes(nprobes int) IVectorQueryBuilder
	Ef(ef int) IVectorQueryBuilder
	RefineFactor(factor int) IVectorQueryBuilder
	DistanceRange(lower, upper *float32) IVectorQueryBuilder
	BypassVectorIndex() IVectorQueryBuilder
	// NearestTo replaces the query vectors
	NearestTo(vector []float32) IVectorQueryBuilder
	// AddQueryVector appends another query vector
	AddQueryVector(vector []float32) IVectorQueryBuilder

	NearestToText(query string, columns ...string) IHybridQueryBuilder
}

// IFTSQueryBuilder is the full-text state of the query builder
type IFTSQueryBuilder interface {
	IExecutable
	Filter(condition string) IFTSQueryBuilder
	FilterBytes(expr []byte) IFTSQueryBuilder
	Select(columns ...string) IFTSQueryBuilder
	Limit(limit int) IFTSQueryBuilder
	Offset(offset int) IFTSQueryBuilder
	FastSearch() IFTSQueryBuilder
	WithRowID() IFTSQueryBuilder
	Postfilter() IFTSQueryBuilder
	ApplyOptions(options *QueryOptions) IFTSQueryBuilder

	TextColumns(columns ...string) IFTSQueryBuilder
	WandFactor(factor float32) IFTSQueryBuilder
	TextLimit(limit int) IFTSQueryBuilder
	// Norm sets how the text list is normalized if the query turns hybrid
	Norm(norm NormMethod) IFTSQueryBuilder
	// NearestToText replaces the text clause
	NearestToText(query string, columns ...string) IFTSQueryBuilder

	NearestTo(vector []float32) IHybridQueryBuilder
	AddQueryVector(vector []float32) IHybridQueryBuilder
}

// IHybridQueryBuilder is the hybrid state of the query builder
type IHybridQueryBuilder interface {
	IExecutable
	Filter(condition string) IHybridQueryBuilder
	FilterBytes(expr []byte) IHybridQueryBuilder
	Select(columns ...string) IHybridQueryBuilder
	Limit(limit int) IHybridQueryBuilder
	Offset(offset int) IHybridQueryBuilder
	FastSearch() IHybridQueryBuilder
	WithRowID() IHybridQueryBuilder
	Postfilter() IHybridQueryBuilder
	ApplyOptions(options *QueryOptions) IHybridQueryBuilder

	Column(column string) IHybridQueryBuilder
	DistanceType(distanceType DistanceType) IHybridQueryBuilder
	Nprobes(nprobes int) IHybridQueryBuilder
	Ef(ef int) IHybridQueryBuilder
	RefineFactor(factor int) IHybridQueryBuilder
	DistanceRange(lower, upper *float32) IHybridQueryBuilder
	BypassVectorIndex() IHybridQueryBuilder
	NearestTo(vector []float32) IHybridQueryBuilder
	AddQueryVector(vector []float32) IHybridQueryBuilder

	TextColumns(columns ...string) IHybridQueryBuilder
	WandFactor(factor float32) IHybridQueryBuilder
	TextLimit(limit int) IHybridQueryBuilder
	NearestToText(query string, columns ...string) IHybridQueryBuilder

	Norm(norm NormMethod) IHybridQueryBuilder
	Reranker(kind RerankerKind) IHybridQueryBuilder
	RRFK(k float64) IHybridQueryBuilder
	VectorWeight(weight float64) IHybridQueryBuilder
	PostfilterOrder(order PostfilterOrder) IHybridQueryBuilder

	// Decompose returns the vector and text sub-requests
	Decompose() (QueryRequest, QueryRequest, error)
}

// QueryOptions provides additional configuration for queries
type QueryOptions struct {
	MaxResults int
	// UseFullPrecision re-ranks approximate candidates with exact distances
	UseFullPrecision  bool
	BypassVectorIndex bool
}

// DistanceType represents vector distance metrics
type DistanceType int

const (
	DistanceTypeL2 DistanceType = iota
	DistanceTypeCosine
	DistanceTypeDot
	DistanceTypeHamming
)

func (d DistanceType) String() string {
	switch d {
	case DistanceTypeCosine:
		return "cosine"
	case DistanceTypeDot:
		return "dot"
	case DistanceTypeHamming:
		return "hamming"
	default:
		return "l2"
	}
}

// ParseDistanceType parses the names produced by DistanceType.String
func ParseDistanceType(s string) (DistanceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "l2", "euclidean", "":
		return DistanceTypeL2, nil
	case "cosine":
		return DistanceTypeCosine, nil
	case "dot":
		return DistanceTypeDot, nil
	case "hamming":
		return DistanceTypeHamming, nil
	default:
		return DistanceTypeL2, fmt.Errorf("unknown distance type %q", s)
	}
}
