// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package contracts

import (
	"context"

	"github.com/apache/arrow/go/v17/arrow"
)

// ITable represents the interface for LanceDB table operations.
// This interface abstracts the Table struct methods to enable better testing,
// mocking, and decoupling in applications using LanceDB.
type ITable interface {
	// Name returns the name of the table
	Name() string

	// IsOpen returns true if the table is currently open and available for operations
	IsOpen() bool

	// Close closes the table and releases associated resources
	Close() error

	// Schema returns the Arrow schema of the table
	Schema(ctx context.Context) (*arrow.Schema, error)

	// Add inserts a single Arrow Record into the table
	// Deprecated: Use AddRecords for better performance with batch processing
	Add(ctx context.Context, record arrow.Record, options *AddDataOptions) error

	// AddRecords appends (or overwrites with) records as one new version
	AddRecords(ctx context.Context, records []arrow.Record, options *AddDataOptions) error

	// Query creates a new query builder for constructing complex queries
	Query() IQueryBuilder

	// Count returns the total number of rows in the table
	Count(ctx context.Context) (int64, error)

	// CountRows returns the number of rows matching filter; an empty filter counts every row
	CountRows(ctx context.Context, filter string) (int64, error)

	// Version returns the version the handle is bound to
	Version(ctx context.Context) (int, error)

	// ListVersions returns every version still present in storage
	ListVersions(ctx context.Context) ([]VersionInfo, error)

	// Checkout binds the handle to a historical version; writes fail until
	// CheckoutLatest or Restore
	Checkout(ctx context.Context, version int) error

	// CheckoutLatest rebinds the handle to the newest version
	CheckoutLatest(ctx context.Context) error

	// Restore publishes the contents of version as a new latest version
	Restore(ctx context.Context, version int) error

	// Update modifies existing records in the table based on the given filter
	// The updates parameter is a map where keys are column names and values are the new values
	Update(ctx context.Context, filter string, updates map[string]interface{}) error

	// UpdateSQL is Update with SQL expressions as values, e.g. "price * 1.1"
	UpdateSQL(ctx context.Context, filter string, updates map[string]string) error

	// Delete removes records from the table that match the given filter
	Delete(ctx context.Context, filter string) error

	// AddColumns adds columns computed from SQL expressions over existing columns
	AddColumns(ctx context.Context, transforms map[string]string) error

	// AddNullColumns adds nullable columns whose existing rows read as null
	AddNullColumns(ctx context.Context, fields []arrow.Field) error

	// AlterColumns renames, changes nullability of, or casts columns
	AlterColumns(ctx context.Context, alterations []ColumnAlteration) error

	// DropColumns removes columns from the schema
	DropColumns(ctx context.Context, columns []string) error

	// CreateIndex creates an index on the specified columns using the given index type
	CreateIndex(ctx context.Context, columns []string, indexType IndexType) error

	// CreateIndexWithName creates an index with a custom name on the specified columns
	CreateIndexWithName(ctx context.Context, columns []string, indexType IndexType, name string) error

	// CreateIndexWithOptions creates an index with explicit build parameters
	CreateIndexWithOptions(ctx context.Context, columns []string, options *IndexOptions) error

	// GetAllIndexes returns information about all indexes present on the table
	GetAllIndexes(ctx context.Context) ([]IndexInfo, error)

	// IndexStats returns coverage statistics of the named index
	IndexStats(ctx context.Context, name string) (*IndexStatistics, error)

	// DropIndex removes the named index in a new version
	DropIndex(ctx context.Context, name string) error

	// Optimize compacts fragments, refreshes indices and prunes old versions
	Optimize(ctx context.Context, options ...OptimizeOption) (*OptimizeStats, error)

	// CompactFiles runs only the compaction step of Optimize
	CompactFiles(ctx context.Context, options ...OptimizeOption) (*CompactionStats, error)

	// CleanupOldVersions runs only the cleanup step of Optimize
	CleanupOldVersions(ctx context.Context, options ...OptimizeOption) (*CleanupStats, error)

	// OptimizeIndices rebuilds stale indices and returns how many were rebuilt
	OptimizeIndices(ctx context.Context) (int, error)

	// Select executes a query with the provided configuration and returns the results
	Select(ctx context.Context, config QueryConfig) ([]map[string]interface{}, error)

	// SelectWithColumns returns all records with only the specified columns
	SelectWithColumns(ctx context.Context, columns []string) ([]map[string]interface{}, error)

	// SelectWithFilter returns records that match the given filter condition
	SelectWithFilter(ctx context.Context, filter string) ([]map[string]interface{}, error)

	// VectorSearch performs vector similarity search on the specified column
	// Returns the k most similar records to the given vector
	VectorSearch(ctx context.Context, column string, vector []float32, k int) ([]map[string]interface{}, error)

	// VectorSearchWithFilter performs vector similarity search with an additional filter condition
	VectorSearchWithFilter(ctx context.Context, column string, vector []float32, k int, filter string) ([]map[string]interface{}, error)

	// FullTextSearch performs full-text search on the specified column
	FullTextSearch(ctx context.Context, column string, query string) ([]map[string]interface{}, error)

	// FullTextSearchWithFilter performs full-text search with an additional filter condition
	FullTextSearchWithFilter(ctx context.Context, column string, query string, filter string) ([]map[string]interface{}, error)

	// SelectWithLimit returns a limited number of records with optional offset
	SelectWithLimit(ctx context.Context, limit int, offset int) ([]map[string]interface{}, error)
}

// AddDataOptions configures how data is added to a Table
type AddDataOptions struct {
	Mode WriteMode
}

// WriteMode specifies how data should be written to a Table
type WriteMode int

const (
	WriteModeAppend WriteMode = iota
	WriteModeOverwrite
)
