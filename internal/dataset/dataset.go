// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

// Package dataset implements the versioned table: immutable snapshots,
// copy-on-write commits, fragment I/O, schema evolution and the index
// catalog.
//
// A Dataset is one committed version. Every mutation loads the latest
// version, writes new data, deletion or index files, and publishes the
// next version by atomically creating its manifest. A writer that loses
// the race for a version number gets a conflict error and nothing it wrote
// is visible to readers.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/lancedb/lancego/internal/index"
	"github.com/lancedb/lancego/internal/logging"
	"github.com/lancedb/lancego/internal/manifest"
	"github.com/lancedb/lancego/internal/metrics"
	"github.com/lancedb/lancego/internal/storage"
	"github.com/lancedb/lancego/pkg/contracts"
)

// Operation names recorded in manifests
const (
	OpCreate          = "Create"
	OpAppend          = "Append"
	OpOverwrite       = "Overwrite"
	OpUpdate          = "Update"
	OpDelete          = "Delete"
	OpAddColumns      = "AddColumns"
	OpAlterColumns    = "AlterColumns"
	OpDropColumns     = "DropColumns"
	OpCreateIndex     = "CreateIndex"
	OpDropIndex       = "DropIndex"
	OpOptimizeIndices = "OptimizeIndices"
	OpRestore         = "Restore"
	OpCompact         = "Compact"
)

// RowIDColumn is the synthetic column holding row addresses
const RowIDColumn = "_rowid"

// deletion bitmaps are small, so their cache holds more entries
const deletionCacheRatio = 4

// Config holds the settings every snapshot of a table shares
type Config struct {
	Engine contracts.EngineOptions
	Logger *zap.Logger
	Mem    memory.Allocator
}

// table is the state shared by all snapshots opened from one handle
type table struct {
	store     storage.ObjectStore
	engine    contracts.EngineOptions
	logger    *zap.Logger
	mem       memory.Allocator
	files     *lru.Cache[string, *fileData]
	deletions *lru.Cache[string, *roaring.Bitmap]
	indices   *lru.Cache[string, index.Index]
}

func newTable(store storage.ObjectStore, cfg Config) (*table, error) {
	engine := cfg.Engine
	engine.ApplyDefaults()
	mem := cfg.Mem
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	files, err := lru.New[string, *fileData](engine.FragmentCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create fragment cache: %w", err)
	}
	deletions, err := lru.New[string, *roaring.Bitmap](engine.FragmentCacheSize * deletionCacheRatio)
	if err != nil {
		return nil, fmt.Errorf("failed to create deletion cache: %w", err)
	}
	indices, err := lru.New[string, index.Index](engine.IndexCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create index cache: %w", err)
	}
	return &table{
		store:     store,
		engine:    engine,
		logger:    logging.OrNop(cfg.Logger).With(zap.String("table", store.URI())),
		mem:       mem,
		files:     files,
		deletions: deletions,
		indices:   indices,
	}, nil
}

// Dataset is an immutable snapshot of one table version
type Dataset struct {
	t        *table
	manifest *manifest.Manifest
	schema   *arrow.Schema
}

func (t *table) snapshot(m *manifest.Manifest) (*Dataset, error) {
	schema, err := m.ArrowSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to decode schema of version %d: %w", m.Version, err)
	}
	return &Dataset{t: t, manifest: m, schema: schema}, nil
}

// Exists reports whether store holds at least one committed version
func Exists(ctx context.Context, store storage.ObjectStore) (bool, error) {
	versions, err := listVersionNumbers(ctx, store)
	if err != nil {
		return false, err
	}
	return len(versions) > 0, nil
}

// Open loads the latest version of the table in store
func Open(ctx context.Context, store storage.ObjectStore, cfg Config) (*Dataset, error) {
	t, err := newTable(store, cfg)
	if err != nil {
		return nil, err
	}
	return t.latest(ctx)
}

// Create commits version 1 of a new table. It fails with an already-exists
// error when the table has any version.
func Create(ctx context.Context, store storage.ObjectStore, cfg Config, schema *arrow.Schema, records []arrow.Record) (*Dataset, error) {
	t, err := newTable(store, cfg)
	if err != nil {
		return nil, err
	}
	exists, err := Exists(ctx, store)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, contracts.NewAlreadyExistsError("create", "table at %s already exists", store.URI())
	}
	if schema == nil {
		if len(records) == 0 {
			return nil, contracts.NewValidationError("create", "a schema or at least one record is required")
		}
		schema = records[0].Schema()
	}

	m, err := manifest.New(schema)
	if err != nil {
		return nil, contracts.NewValidationError("create", "%v", err)
	}
	empty, err := t.snapshot(m)
	if err != nil {
		return nil, err
	}
	if err := empty.appendRecords(ctx, m, records); err != nil {
		return nil, err
	}
	ds, err := empty.commit(ctx, m, OpCreate)
	if contracts.IsConflictError(err) {
		return nil, contracts.NewAlreadyExistsError("create", "table at %s already exists", store.URI())
	}
	return ds, err
}

func listVersionNumbers(ctx context.Context, store storage.ObjectStore) ([]uint64, error) {
	infos, err := store.List(ctx, manifest.VersionsDir)
	if err != nil {
		return nil, contracts.WrapIOError("list versions", err)
	}
	versions := make([]uint64, 0, len(infos))
	for _, info := range infos {
		if v, ok := manifest.ParseVersionPath(info.Path); ok {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (t *table) loadManifest(ctx context.Context, version uint64) (*manifest.Manifest, error) {
	data, err := t.store.Get(ctx, manifest.VersionPath(version))
	if err != nil {
		return nil, err
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return nil, contracts.WrapIOError("load manifest", err)
	}
	return m, nil
}

func (t *table) latest(ctx context.Context) (*Dataset, error) {
	versions, err := listVersionNumbers(ctx, t.store)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, contracts.NewNotFoundError("open", "no table at %s", t.store.URI())
	}
	m, err := t.loadManifest(ctx, versions[len(versions)-1])
	if err != nil {
		return nil, contracts.WrapIOError("open", err)
	}
	return t.snapshot(m)
}

// Latest loads the newest committed version
func (d *Dataset) Latest(ctx context.Context) (*Dataset, error) {
	return d.t.latest(ctx)
}

// Checkout loads a specific version. A version newer than the latest is
// not found; a version that cleanup removed is a stale snapshot.
func (d *Dataset) Checkout(ctx context.Context, version uint64) (*Dataset, error) {
	m, err := d.t.loadManifest(ctx, version)
	if err == nil {
		return d.t.snapshot(m)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, contracts.WrapIOError("checkout", err)
	}
	versions, lerr := listVersionNumbers(ctx, d.t.store)
	if lerr != nil {
		return nil, lerr
	}
	if len(versions) > 0 && version >= 1 && version < versions[len(versions)-1] {
		return nil, contracts.NewStaleSnapshotError("checkout", version)
	}
	return nil, contracts.NewNotFoundError("checkout", "version %d does not exist", version)
}

// ListVersions describes every version still in storage, oldest first
func (d *Dataset) ListVersions(ctx context.Context) ([]contracts.VersionInfo, error) {
	versions, err := listVersionNumbers(ctx, d.t.store)
	if err != nil {
		return nil, err
	}
	out := make([]contracts.VersionInfo, 0, len(versions))
	for _, v := range versions {
		m, err := d.t.loadManifest(ctx, v)
		if errors.Is(err, storage.ErrNotFound) {
			// Removed by a concurrent cleanup
			continue
		}
		if err != nil {
			return nil, contracts.WrapIOError("list versions", err)
		}
		out = append(out, contracts.VersionInfo{Version: int(v), Timestamp: m.Timestamp, Operation: m.Transaction.Operation})
	}
	return out, nil
}

// LoadManifest reads the manifest of version without opening it
func (d *Dataset) LoadManifest(ctx context.Context, version uint64) (*manifest.Manifest, error) {
	return d.t.loadManifest(ctx, version)
}

// Version returns the version number of the snapshot
func (d *Dataset) Version() uint64 { return d.manifest.Version }

// Schema returns the table schema at this version
func (d *Dataset) Schema() *arrow.Schema { return d.schema }

// Manifest returns the snapshot's manifest. Callers must not modify it.
func (d *Dataset) Manifest() *manifest.Manifest { return d.manifest }

// Store returns the table's object store
func (d *Dataset) Store() storage.ObjectStore { return d.t.store }

// Logger returns the table logger
func (d *Dataset) Logger() *zap.Logger { return d.t.logger }

// Engine returns the engine options in effect
func (d *Dataset) Engine() contracts.EngineOptions { return d.t.engine }

// Allocator returns the memory allocator used for results
func (d *Dataset) Allocator() memory.Allocator { return d.t.mem }

// CountRows returns the number of live rows
func (d *Dataset) CountRows() int64 { return d.manifest.NumRows() }

// Commit publishes next as the version after d. d must be the snapshot next
// was derived from; when another writer has already published that version
// the commit fails with a conflict error.
func (d *Dataset) Commit(ctx context.Context, next *manifest.Manifest, operation string) (*Dataset, error) {
	return d.commit(ctx, next, operation)
}

func (d *Dataset) commit(ctx context.Context, next *manifest.Manifest, operation string) (*Dataset, error) {
	next.FormatVersion = manifest.FormatVersion
	next.Version = d.manifest.Version + 1
	next.Timestamp = time.Now().UTC()
	next.Transaction = manifest.Transaction{
		UUID:        uuid.NewString(),
		Operation:   operation,
		ReadVersion: d.manifest.Version,
	}

	data, err := manifest.Encode(next)
	if err != nil {
		return nil, err
	}
	err = d.t.store.PutIfAbsent(ctx, manifest.VersionPath(next.Version), data)
	if errors.Is(err, storage.ErrExists) {
		metrics.CommitConflictsTotal.Inc()
		d.t.logger.Warn("commit conflict",
			zap.String("operation", operation),
			zap.Uint64("version", next.Version))
		return nil, contracts.NewConflictError("commit", "version %d was committed concurrently; reload and retry %s", next.Version, operation)
	}
	if err != nil {
		return nil, contracts.WrapIOError("commit", err)
	}

	metrics.CommitsTotal.WithLabelValues(operation).Inc()
	d.t.logger.Info("committed version",
		zap.String("operation", operation),
		zap.Uint64("version", next.Version),
		zap.Int("fragments", len(next.Fragments)),
		zap.Int64("rows", next.NumRows()))
	return d.t.snapshot(next)
}

// latestForWrite reloads the newest version as the base of a mutation
func (d *Dataset) latestForWrite(ctx context.Context) (*Dataset, *manifest.Manifest, error) {
	base, err := d.t.latest(ctx)
	if err != nil {
		return nil, nil, err
	}
	return base, base.manifest.Clone(), nil
}

// Restore publishes the content of version as a new latest version
func (d *Dataset) Restore(ctx context.Context, version uint64) (*Dataset, error) {
	old, err := d.Checkout(ctx, version)
	if err != nil {
		return nil, err
	}
	base, next, err := d.latestForWrite(ctx)
	if err != nil {
		return nil, err
	}
	restored := old.manifest.Clone()
	// IDs keep increasing so restored and discarded files never collide
	if next.NextFragmentID > restored.NextFragmentID {
		restored.NextFragmentID = next.NextFragmentID
	}
	if next.MaxFieldID > restored.MaxFieldID {
		restored.MaxFieldID = next.MaxFieldID
	}
	return base.commit(ctx, restored, OpRestore)
}
