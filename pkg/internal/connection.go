// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package internal

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"go.uber.org/zap"

	"github.com/lancedb/lancego/internal/dataset"
	"github.com/lancedb/lancego/internal/logging"
	"github.com/lancedb/lancego/internal/manifest"
	"github.com/lancedb/lancego/internal/storage"
	"github.com/lancedb/lancego/pkg/contracts"
)

// tableExt is the directory suffix of a table below the database root
const tableExt = ".lance"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-.]+$`)

// Connection represents a connection to a LanceDB database
type Connection struct {
	uri     string
	store   storage.ObjectStore
	engine  contracts.EngineOptions
	logger  *zap.Logger
	refresh time.Duration
	mu      sync.RWMutex
	closed  bool
}

var _ contracts.IConnection = (*Connection)(nil)

// NewConnection opens the object store behind uri
func NewConnection(ctx context.Context, uri string, options *contracts.ConnectionOptions) (*Connection, error) {
	if options == nil {
		options = &contracts.ConnectionOptions{}
	}
	logger := options.Logger
	if logger == nil {
		l, err := logging.New(options.LogOptions)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	store, err := storage.Open(ctx, uri, options.StorageOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LanceDB at %s: %w", uri, err)
	}

	var engine contracts.EngineOptions
	if options.EngineOptions != nil {
		engine = *options.EngineOptions
	}
	engine.ApplyDefaults()

	c := &Connection{
		uri:    uri,
		store:  store,
		engine: engine,
		logger: logger,
	}
	if options.ReadConsistencyInterval != nil && *options.ReadConsistencyInterval > 0 {
		c.refresh = time.Duration(*options.ReadConsistencyInterval) * time.Second
	}
	logger.Debug("connected", zap.String("uri", uri), zap.String("store", store.URI()))
	return c, nil
}

// Close closes the connection to the database
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.logger.Sync()
	return nil
}

func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Connection) URI() string {
	return c.uri
}

func (c *Connection) checkOpen() error {
	if c.closed {
		return fmt.Errorf("connection is closed")
	}
	return nil
}

func validateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return contracts.NewValidationError("table name", "invalid table name %q: only letters, digits, '_', '-' and '.' are allowed", name)
	}
	return nil
}

func (c *Connection) tableStore(name string) storage.ObjectStore {
	return storage.WithPrefix(c.store, name+tableExt)
}

func (c *Connection) datasetConfig() dataset.Config {
	return dataset.Config{Engine: c.engine, Logger: c.logger}
}

// TableNames returns every table name in lexicographic order
func (c *Connection) TableNames(ctx context.Context) ([]string, error) {
	return c.ListTableNames(ctx, nil)
}

// ListTableNames returns one page of table names in lexicographic order
func (c *Connection) ListTableNames(ctx context.Context, options *contracts.TableNamesOptions) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	objects, err := c.store.List(ctx, "")
	if err != nil {
		return nil, contracts.WrapIOError("list tables", err)
	}
	seen := make(map[string]bool)
	names := []string{}
	marker := tableExt + "/" + manifest.VersionsDir + "/"
	for _, obj := range objects {
		i := strings.Index(obj.Path, marker)
		if i <= 0 {
			continue
		}
		name := obj.Path[:i]
		if strings.Contains(name, "/") || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)

	if options == nil {
		return names, nil
	}
	if options.StartAfter != "" {
		start := sort.SearchStrings(names, options.StartAfter)
		if start < len(names) && names[start] == options.StartAfter {
			start++
		}
		names = names[start:]
	}
	if options.Limit > 0 && len(names) > options.Limit {
		names = names[:options.Limit]
	}
	return names, nil
}

// OpenTable opens an existing table in the database
func (c *Connection) OpenTable(ctx context.Context, name string) (contracts.ITable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateTableName(name); err != nil {
		return nil, err
	}

	ds, err := dataset.Open(ctx, c.tableStore(name), c.datasetConfig())
	if contracts.IsNotFoundError(err) {
		return nil, contracts.NewNotFoundError("open table", "table %q does not exist", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open table %s: %w", name, err)
	}
	return newTable(name, c, ds), nil
}

// CreateTable creates a new empty table from schema
func (c *Connection) CreateTable(ctx context.Context, name string, schema contracts.ISchema) (contracts.ITable, error) {
	if schema == nil || schema.ToArrowSchema() == nil {
		return nil, contracts.NewValidationError("create table", "schema is nil")
	}
	return c.CreateTableWithData(ctx, name, nil, &contracts.CreateTableOptions{Schema: schema})
}

// CreateTableWithData creates a table whose first version holds records
func (c *Connection) CreateTableWithData(ctx context.Context, name string, records []arrow.Record, options *contracts.CreateTableOptions) (contracts.ITable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	if options == nil {
		options = &contracts.CreateTableOptions{}
	}
	var schema *arrow.Schema
	if options.Schema != nil {
		schema = options.Schema.ToArrowSchema()
	}

	store := c.tableStore(name)
	exists, err := dataset.Exists(ctx, store)
	if err != nil {
		return nil, err
	}
	if exists {
		switch options.Mode {
		case contracts.CreateModeExistOk:
			ds, err := dataset.Open(ctx, store, c.datasetConfig())
			if err != nil {
				return nil, fmt.Errorf("failed to open table %s: %w", name, err)
			}
			return newTable(name, c, ds), nil
		case contracts.CreateModeOverwrite:
			current, err := dataset.Open(ctx, store, c.datasetConfig())
			if err != nil {
				return nil, fmt.Errorf("failed to open table %s: %w", name, err)
			}
			ds, err := current.Overwrite(ctx, schema, records)
			if err != nil {
				return nil, fmt.Errorf("failed to overwrite table %s: %w", name, err)
			}
			return newTable(name, c, ds), nil
		default:
			return nil, contracts.NewAlreadyExistsError("create table", "table %q already exists", name)
		}
	}

	ds, err := dataset.Create(ctx, store, c.datasetConfig(), schema, records)
	if contracts.IsAlreadyExistsError(err) {
		return nil, contracts.NewAlreadyExistsError("create table", "table %q already exists", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", name, err)
	}
	c.logger.Info("created table", zap.String("table", name), zap.Int64("rows", ds.CountRows()))
	return newTable(name, c, ds), nil
}

// DropTable removes a table and all of its versions
func (c *Connection) DropTable(ctx context.Context, name string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.dropTable(ctx, name)
}

func (c *Connection) dropTable(ctx context.Context, name string) error {
	if err := validateTableName(name); err != nil {
		return err
	}
	store := c.tableStore(name)
	exists, err := dataset.Exists(ctx, store)
	if err != nil {
		return err
	}
	if !exists {
		return contracts.NewNotFoundError("drop table", "table %q does not exist", name)
	}
	if err := store.DeletePrefix(ctx, ""); err != nil {
		return contracts.WrapIOError("drop table", fmt.Errorf("failed to drop table %s: %w", name, err))
	}
	c.logger.Info("dropped table", zap.String("table", name))
	return nil
}

// DropAllTables removes every table under the root
func (c *Connection) DropAllTables(ctx context.Context) error {
	names, err := c.TableNames(ctx)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	for _, name := range names {
		if err := c.dropTable(ctx, name); err != nil && !contracts.IsNotFoundError(err) {
			return err
		}
	}
	return nil
}
