// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"go.uber.org/zap"

	"github.com/lancedb/lancego/internal/dataset"
	"github.com/lancedb/lancego/internal/maintenance"
	"github.com/lancedb/lancego/internal/query"
	"github.com/lancedb/lancego/pkg/contracts"
)

// Table represents a table in the LanceDB database. A handle follows the
// latest version unless Checkout bound it to an older one.
type Table struct {
	name       string
	connection *Connection
	logger     *zap.Logger

	mu          sync.RWMutex
	closed      bool
	ds          *dataset.Dataset
	checkedOut  bool
	release     func()
	lastRefresh time.Time
}

// Compile-time check to ensure Table implements ITable interface
var _ contracts.ITable = (*Table)(nil)

func newTable(name string, c *Connection, ds *dataset.Dataset) *Table {
	return &Table{
		name:        name,
		connection:  c,
		logger:      c.logger.With(zap.String("table", name)),
		ds:          ds,
		lastRefresh: time.Now(),
	}
}

// Name returns the name of the Table
func (t *Table) Name() string {
	return t.name
}

// IsOpen returns true if the Table is still open
func (t *Table) IsOpen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed && !t.connection.IsClosed()
}

// Close closes the Table and releases its checkout pin
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.unpin()
	t.closed = true
	return nil
}

func (t *Table) checkOpen() error {
	if t.closed || t.connection.IsClosed() {
		return fmt.Errorf("table is closed")
	}
	return nil
}

func (t *Table) unpin() {
	if t.release != nil {
		t.release()
		t.release = nil
	}
}

// snapshot returns the dataset reads run against, reloading the latest
// version once the read consistency interval has passed
func (t *Table) snapshot(ctx context.Context) (*dataset.Dataset, error) {
	t.mu.RLock()
	if err := t.checkOpen(); err != nil {
		t.mu.RUnlock()
		return nil, err
	}
	ds := t.ds
	fresh := t.checkedOut || (t.connection.refresh > 0 && time.Since(t.lastRefresh) < t.connection.refresh)
	t.mu.RUnlock()
	if fresh {
		return ds, nil
	}

	latest, err := ds.Latest(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.checkedOut && latest.Version() >= t.ds.Version() {
		t.ds = latest
		t.lastRefresh = time.Now()
	}
	return latest, nil
}

// write runs a mutation against the latest version and rebinds the handle
// to the committed result
func (t *Table) write(ctx context.Context, op string, fn func(*dataset.Dataset) (*dataset.Dataset, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	if t.checkedOut {
		return contracts.NewValidationError(op, "table %q is checked out at version %d; call CheckoutLatest or Restore before writing", t.name, t.ds.Version())
	}
	next, err := fn(t.ds)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	t.ds = next
	t.lastRefresh = time.Now()
	return nil
}

// Schema returns the schema of the bound version
func (t *Table) Schema(ctx context.Context) (*arrow.Schema, error) {
	ds, err := t.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return ds.Schema(), nil
}

// Add inserts data into the Table
func (t *Table) Add(ctx context.Context, record arrow.Record, options *contracts.AddDataOptions) error {
	var r []arrow.Record
	if record != nil {
		r = append(r, record)
	}
	return t.AddRecords(ctx, r, options)
}

// AddRecords appends records, or replaces the table content with them in
// overwrite mode, as one new version
func (t *Table) AddRecords(ctx context.Context, records []arrow.Record, options *contracts.AddDataOptions) error {
	mode := contracts.WriteModeAppend
	if options != nil {
		mode = options.Mode
	}
	if mode == contracts.WriteModeAppend && len(records) == 0 {
		if err := t.checkOpenLocked(); err != nil {
			return err
		}
		return nil
	}
	return t.write(ctx, "add records", func(ds *dataset.Dataset) (*dataset.Dataset, error) {
		if mode == contracts.WriteModeOverwrite {
			return ds.Overwrite(ctx, nil, records)
		}
		return ds.Append(ctx, records)
	})
}

func (t *Table) checkOpenLocked() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.checkOpen()
}

// Query creates a new query builder for this Table
func (t *Table) Query() contracts.IQueryBuilder {
	return newQueryBuilder(t)
}

// Count returns the number of rows in the Table
func (t *Table) Count(ctx context.Context) (int64, error) {
	return t.CountRows(ctx, "")
}

// CountRows returns the number of rows matching filter
func (t *Table) CountRows(ctx context.Context, filter string) (int64, error) {
	ds, err := t.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	n, err := query.New(ds).CountRows(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

// Version returns the version the handle is bound to
func (t *Table) Version(ctx context.Context) (int, error) {
	ds, err := t.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return int(ds.Version()), nil
}

// ListVersions returns every version still present in storage
func (t *Table) ListVersions(ctx context.Context) ([]contracts.VersionInfo, error) {
	ds, err := t.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return ds.ListVersions(ctx)
}

// Checkout binds the handle to version and protects it from cleanup until
// the handle moves on or closes
func (t *Table) Checkout(ctx context.Context, version int) error {
	if version < 1 {
		return contracts.NewValidationError("checkout", "version must be positive, got %d", version)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	// pin before loading so cleanup cannot remove the version mid-checkout
	release := dataset.Pin(t.ds.Store().URI(), uint64(version))
	ds, err := t.ds.Checkout(ctx, uint64(version))
	if err != nil {
		release()
		return err
	}
	t.unpin()
	t.ds = ds
	t.release = release
	t.checkedOut = true
	t.logger.Debug("checked out version", zap.Int("version", version))
	return nil
}

// CheckoutLatest rebinds the handle to the newest version
func (t *Table) CheckoutLatest(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	latest, err := t.ds.Latest(ctx)
	if err != nil {
		return err
	}
	t.unpin()
	t.ds = latest
	t.checkedOut = false
	t.lastRefresh = time.Now()
	return nil
}

// Restore publishes the contents of version as a new latest version and
// rebinds the handle to it
func (t *Table) Restore(ctx context.Context, version int) error {
	if version < 1 {
		return contracts.NewValidationError("restore", "version must be positive, got %d", version)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	ds, err := t.ds.Restore(ctx, uint64(version))
	if err != nil {
		return fmt.Errorf("failed to restore version %d: %w", version, err)
	}
	t.unpin()
	t.ds = ds
	t.checkedOut = false
	t.lastRefresh = time.Now()
	return nil
}

// Update updates records in the Table based on a filter
func (t *Table) Update(ctx context.Context, filter string, updates map[string]interface{}) error {
	return t.write(ctx, "update rows", func(ds *dataset.Dataset) (*dataset.Dataset, error) {
		return ds.Update(ctx, filter, updates)
	})
}

// UpdateSQL updates records with SQL expressions evaluated per row
func (t *Table) UpdateSQL(ctx context.Context, filter string, updates map[string]string) error {
	return t.write(ctx, "update rows", func(ds *dataset.Dataset) (*dataset.Dataset, error) {
		return ds.UpdateSQL(ctx, filter, updates)
	})
}

// Delete deletes records from the Table based on a filter
func (t *Table) Delete(ctx context.Context, filter string) error {
	return t.write(ctx, "delete rows", func(ds *dataset.Dataset) (*dataset.Dataset, error) {
		return ds.Delete(ctx, filter)
	})
}

func (t *Table) AddColumns(ctx context.Context, transforms map[string]string) error {
	return t.write(ctx, "add columns", func(ds *dataset.Dataset) (*dataset.Dataset, error) {
		return ds.AddColumns(ctx, transforms)
	})
}

func (t *Table) AddNullColumns(ctx context.Context, fields []arrow.Field) error {
	return t.write(ctx, "add columns", func(ds *dataset.Dataset) (*dataset.Dataset, error) {
		return ds.AddNullColumns(ctx, fields)
	})
}

func (t *Table) AlterColumns(ctx context.Context, alterations []contracts.ColumnAlteration) error {
	return t.write(ctx, "alter columns", func(ds *dataset.Dataset) (*dataset.Dataset, error) {
		return ds.AlterColumns(ctx, alterations)
	})
}

func (t *Table) DropColumns(ctx context.Context, columns []string) error {
	return t.write(ctx, "drop columns", func(ds *dataset.Dataset) (*dataset.Dataset, error) {
		return ds.DropColumns(ctx, columns)
	})
}

// CreateIndex creates an index on the specified columns
func (t *Table) CreateIndex(ctx context.Context, columns []string, indexType contracts.IndexType) error {
	return t.CreateIndexWithName(ctx, columns, indexType, "")
}

// CreateIndexWithName creates an index on the specified columns with an optional name
func (t *Table) CreateIndexWithName(ctx context.Context, columns []string, indexType contracts.IndexType, name string) error {
	return t.CreateIndexWithOptions(ctx, columns, &contracts.IndexOptions{Type: indexType, Name: name})
}

// CreateIndexWithOptions creates an index with explicit build parameters.
// Indices span exactly one column.
func (t *Table) CreateIndexWithOptions(ctx context.Context, columns []string, options *contracts.IndexOptions) error {
	if len(columns) == 0 {
		return contracts.NewValidationError("create index", "columns list cannot be empty")
	}
	if len(columns) > 1 {
		return contracts.NewValidationError("create index", "multi-column indices are not supported, got %v", columns)
	}
	if options == nil {
		options = &contracts.IndexOptions{}
	}
	return t.write(ctx, "create index", func(ds *dataset.Dataset) (*dataset.Dataset, error) {
		return ds.CreateIndex(ctx, columns[0], *options)
	})
}

// GetAllIndexes returns information about all indexes of the bound version
func (t *Table) GetAllIndexes(ctx context.Context) ([]contracts.IndexInfo, error) {
	ds, err := t.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return ds.ListIndices(), nil
}

func (t *Table) IndexStats(ctx context.Context, name string) (*contracts.IndexStatistics, error) {
	ds, err := t.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return ds.IndexStats(name)
}

func (t *Table) DropIndex(ctx context.Context, name string) error {
	return t.write(ctx, "drop index", func(ds *dataset.Dataset) (*dataset.Dataset, error) {
		return ds.DropIndex(ctx, name)
	})
}

// Optimize compacts fragments, refreshes stale indices and prunes old versions
func (t *Table) Optimize(ctx context.Context, options ...contracts.OptimizeOption) (*contracts.OptimizeStats, error) {
	var stats contracts.OptimizeStats
	err := t.write(ctx, "optimize table", func(ds *dataset.Dataset) (*dataset.Dataset, error) {
		next, s, err := maintenance.Optimize(ctx, ds, options...)
		stats = s
		return next, err
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// CompactFiles merges small and deletion-heavy fragments
func (t *Table) CompactFiles(ctx context.Context, options ...contracts.OptimizeOption) (*contracts.CompactionStats, error) {
	var stats contracts.CompactionStats
	err := t.write(ctx, "compact files", func(ds *dataset.Dataset) (*dataset.Dataset, error) {
		next, s, err := maintenance.Compact(ctx, ds, maintenance.Options(options...))
		stats = s
		return next, err
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// CleanupOldVersions removes expired versions and the files only they used
func (t *Table) CleanupOldVersions(ctx context.Context, options ...contracts.OptimizeOption) (*contracts.CleanupStats, error) {
	ds, err := t.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := maintenance.Cleanup(ctx, ds, maintenance.Options(options...))
	if err != nil {
		return nil, fmt.Errorf("failed to clean up old versions: %w", err)
	}
	return &stats, nil
}

// OptimizeIndices rebuilds indices that no longer cover every fragment
func (t *Table) OptimizeIndices(ctx context.Context) (int, error) {
	rebuilt := 0
	err := t.write(ctx, "optimize indices", func(ds *dataset.Dataset) (*dataset.Dataset, error) {
		next, n, err := ds.OptimizeIndices(ctx)
		rebuilt = n
		return next, err
	})
	return rebuilt, err
}

// Select executes a select query with various predicates (vector search, filters, etc.)
func (t *Table) Select(ctx context.Context, config contracts.QueryConfig) ([]map[string]interface{}, error) {
	if err := t.checkOpenLocked(); err != nil {
		return nil, err
	}
	req := contracts.QueryRequest{
		Filter:  config.Where,
		Columns: config.Columns,
		Limit:   config.Limit,
	}
	if config.Offset != nil {
		req.Offset = *config.Offset
	}
	if vs := config.VectorSearch; vs != nil {
		req.Vector = &contracts.VectorClause{
			QueryVectors: [][]float32{vs.Vector},
			Column:       vs.Column,
		}
		if vs.K > 0 && req.Limit == nil {
			k := vs.K
			req.Limit = &k
		}
	}
	if fts := config.FTSSearch; fts != nil {
		req.Text = &contracts.TextClause{Query: fts.Query}
		if fts.Column != "" {
			req.Text.Columns = []string{fts.Column}
		}
	}
	rows, err := (&builder{table: t, req: req}).ToMaps(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to execute select query: %w", err)
	}
	return rows, nil
}

// SelectWithColumns is a convenience method for selecting specific columns
func (t *Table) SelectWithColumns(ctx context.Context, columns []string) ([]map[string]interface{}, error) {
	return t.Select(ctx, contracts.QueryConfig{
		Columns: columns,
	})
}

// SelectWithFilter is a convenience method for selecting with a WHERE filter
func (t *Table) SelectWithFilter(ctx context.Context, filter string) ([]map[string]interface{}, error) {
	return t.Select(ctx, contracts.QueryConfig{
		Where: filter,
	})
}

// VectorSearch is a convenience method for vector similarity search
func (t *Table) VectorSearch(ctx context.Context, column string, vector []float32, k int) ([]map[string]interface{}, error) {
	return t.Select(ctx, contracts.QueryConfig{
		VectorSearch: &contracts.VectorSearch{
			Column: column,
			Vector: vector,
			K:      k,
		},
	})
}

// VectorSearchWithFilter combines vector search with additional filtering
func (t *Table) VectorSearchWithFilter(ctx context.Context, column string, vector []float32, k int, filter string) ([]map[string]interface{}, error) {
	return t.Select(ctx, contracts.QueryConfig{
		VectorSearch: &contracts.VectorSearch{
			Column: column,
			Vector: vector,
			K:      k,
		},
		Where: filter,
	})
}

// FullTextSearch is a convenience method for full-text search
func (t *Table) FullTextSearch(ctx context.Context, column string, query string) ([]map[string]interface{}, error) {
	return t.Select(ctx, contracts.QueryConfig{
		FTSSearch: &contracts.FTSSearch{
			Column: column,
			Query:  query,
		},
	})
}

// FullTextSearchWithFilter combines full-text search with additional filtering
func (t *Table) FullTextSearchWithFilter(ctx context.Context, column string, query string, filter string) ([]map[string]interface{}, error) {
	return t.Select(ctx, contracts.QueryConfig{
		FTSSearch: &contracts.FTSSearch{
			Column: column,
			Query:  query,
		},
		Where: filter,
	})
}

// SelectWithLimit is a convenience method for selecting with limit and offset
func (t *Table) SelectWithLimit(ctx context.Context, limit int, offset int) ([]map[string]interface{}, error) {
	return t.Select(ctx, contracts.QueryConfig{
		Limit:  &limit,
		Offset: &offset,
	})
}
