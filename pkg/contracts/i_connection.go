// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package contracts

import (
	"context"

	"github.com/apache/arrow/go/v17/arrow"
	"go.uber.org/zap"
)

// IConnection represents a connection to a database root. Tables live as
// sibling directories (or key prefixes) beneath the root.
type IConnection interface {
	Close() error
	IsClosed() bool

	// URI returns the root the connection was opened with
	URI() string

	// TableNames returns every table name in lexicographic order
	TableNames(ctx context.Context) ([]string, error)

	// ListTableNames returns one page of table names in lexicographic order
	ListTableNames(ctx context.Context, options *TableNamesOptions) ([]string, error)

	// OpenTable opens an existing table, failing with a not-found error
	OpenTable(ctx context.Context, name string) (ITable, error)

	// CreateTable creates an empty table from a schema, failing with an
	// already-exists error when the name is taken
	CreateTable(ctx context.Context, name string, schema ISchema) (ITable, error)

	// CreateTableWithData creates a table and writes its first version from records
	CreateTableWithData(ctx context.Context, name string, records []arrow.Record, options *CreateTableOptions) (ITable, error)

	// DropTable removes a table and all of its versions
	DropTable(ctx context.Context, name string) error

	// DropAllTables removes every table under the root
	DropAllTables(ctx context.Context) error
}

// ConnectionOptions holds options for establishing a database connection
type ConnectionOptions struct {
	Region *string `json:"region,omitempty" yaml:"region,omitempty"`

	// ReadConsistencyInterval is the number of seconds a table handle may
	// serve reads from its cached version before checking for a newer one.
	// nil or 0 checks on every read.
	ReadConsistencyInterval *int `json:"read_consistency_interval,omitempty" yaml:"read_consistency_interval,omitempty"`

	StorageOptions *StorageOptions `json:"storage_options,omitempty" yaml:"storage_options,omitempty"`
	EngineOptions  *EngineOptions  `json:"engine_options,omitempty" yaml:"engine_options,omitempty"`
	LogOptions     *LogOptions     `json:"log_options,omitempty" yaml:"log_options,omitempty"`

	// Logger overrides LogOptions when set
	Logger *zap.Logger `json:"-" yaml:"-"`
}

// TableNamesOptions paginates ListTableNames
type TableNamesOptions struct {
	// StartAfter skips names lexicographically at or before this value
	StartAfter string
	// Limit caps the page size; 0 means no limit
	Limit int
}

// CreateMode controls what CreateTableWithData does when the table exists
type CreateMode int

const (
	CreateModeCreate CreateMode = iota
	CreateModeOverwrite
	CreateModeExistOk
)

// CreateTableOptions configures CreateTableWithData
type CreateTableOptions struct {
	Mode CreateMode
	// Schema is required when records is empty
	Schema ISchema
}
