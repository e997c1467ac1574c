// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package contracts

import (
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
)

// IndexType represents the type of index to create
type IndexType int

const (
	IndexTypeAuto IndexType = iota
	IndexTypeIvfPq
	IndexTypeIvfFlat
	IndexTypeHnswPq
	IndexTypeHnswSq
	IndexTypeBTree
	IndexTypeBitmap
	IndexTypeLabelList
	IndexTypeFts
)

func (t IndexType) String() string {
	switch t {
	case IndexTypeIvfPq:
		return "IVF_PQ"
	case IndexTypeIvfFlat:
		return "IVF_FLAT"
	case IndexTypeHnswPq:
		return "IVF_HNSW_PQ"
	case IndexTypeHnswSq:
		return "IVF_HNSW_SQ"
	case IndexTypeBTree:
		return "BTREE"
	case IndexTypeBitmap:
		return "BITMAP"
	case IndexTypeLabelList:
		return "LABEL_LIST"
	case IndexTypeFts:
		return "FTS"
	default:
		return "AUTO"
	}
}

// IsVector reports whether the index type searches vectors
func (t IndexType) IsVector() bool {
	switch t {
	case IndexTypeIvfPq, IndexTypeIvfFlat, IndexTypeHnswPq, IndexTypeHnswSq:
		return true
	}
	return false
}

// ParseIndexType accepts the names produced by IndexType.String, case-insensitively
func ParseIndexType(s string) (IndexType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AUTO", "":
		return IndexTypeAuto, nil
	case "IVF_PQ":
		return IndexTypeIvfPq, nil
	case "IVF_FLAT":
		return IndexTypeIvfFlat, nil
	case "IVF_HNSW_PQ", "HNSW_PQ":
		return IndexTypeHnswPq, nil
	case "IVF_HNSW_SQ", "HNSW_SQ":
		return IndexTypeHnswSq, nil
	case "BTREE":
		return IndexTypeBTree, nil
	case "BITMAP":
		return IndexTypeBitmap, nil
	case "LABEL_LIST":
		return IndexTypeLabelList, nil
	case "FTS", "INVERTED":
		return IndexTypeFts, nil
	default:
		return IndexTypeAuto, fmt.Errorf("unknown index type %q", s)
	}
}

// IndexInfo represents information about an index on a table
type IndexInfo struct {
	Name      string   `json:"name"`
	Columns   []string `json:"columns"`
	IndexType string   `json:"index_type"`
}

// IndexStatistics describes how much of the table an index covers
type IndexStatistics struct {
	Name             string   `json:"name"`
	Columns          []string `json:"columns"`
	IndexType        string   `json:"index_type"`
	DistanceType     string   `json:"distance_type,omitempty"`
	NumIndexedRows   int64    `json:"num_indexed_rows"`
	NumUnindexedRows int64    `json:"num_unindexed_rows"`
	// BuildVersion is the table version the index was trained on
	BuildVersion int `json:"build_version"`
}

// IndexOptions configures index creation. Zero values select defaults.
type IndexOptions struct {
	Type IndexType
	Name string
	// Replace supersedes an existing index of the same type on the column;
	// nil means true
	Replace *bool

	// Vector indices
	DistanceType   DistanceType
	NumPartitions  int
	NumSubVectors  int
	NumBits        int
	MaxIterations  int
	SampleRate     int
	M              int
	EfConstruction int

	// FTS: analyzer is one of "standard", "simple", "keyword", "en"
	Analyzer string
}

// VersionInfo describes one committed version
type VersionInfo struct {
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// ColumnAlteration changes one column. Nil fields are left unchanged.
type ColumnAlteration struct {
	Path     string
	Rename   *string
	Nullable *bool
	// DataType casts the column, rewriting its data
	DataType arrow.DataType
}

// QueryConfig represents the configuration for a select query
type QueryConfig struct {
	Columns      []string      `json:"columns,omitempty"`
	Where        string        `json:"where,omitempty"`
	Limit        *int          `json:"limit,omitempty"`
	Offset       *int          `json:"offset,omitempty"`
	VectorSearch *VectorSearch `json:"vector_search,omitempty"`
	FTSSearch    *FTSSearch    `json:"fts_search,omitempty"`
}

// VectorSearch represents vector similarity search parameters
type VectorSearch struct {
	Column string    `json:"column"`
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
}

// FTSSearch represents full-text search parameters
type FTSSearch struct {
	Column string `json:"column"`
	Query  string `json:"query"`
}

// QueryResult represents the result of a select query
type QueryResult struct {
	Rows []map[string]interface{} `json:"rows"`
}
