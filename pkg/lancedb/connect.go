// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package lancedb

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/lancedb/lancego/pkg/contracts"
	"github.com/lancedb/lancego/pkg/internal"
)

// Connect opens the database rooted at uri. Plain paths and file:// URIs
// use the local filesystem, memory:// a process-wide in-memory store and
// s3:// an S3 compatible bucket configured through options.StorageOptions.
func Connect(ctx context.Context, uri string, options *contracts.ConnectionOptions) (contracts.IConnection, error) {
	if uri == "" {
		return nil, contracts.NewValidationError("connect", "uri must not be empty")
	}
	conn, err := internal.NewConnection(ctx, uri, options)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnectWithConfig loads connection options from a YAML file
func ConnectWithConfig(ctx context.Context, uri, configPath string) (contracts.IConnection, error) {
	options, err := contracts.LoadConnectionOptions(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection config: %w", err)
	}
	return Connect(ctx, uri, options)
}

// NewSchema creates a new schema from Arrow schema
func NewSchema(schema *arrow.Schema) (contracts.ISchema, error) {
	return internal.NewSchema(schema)
}

func NewSchemaBuilder() contracts.ISchemaBuilder {
	return internal.NewSchemaBuilder()
}

// VectorField is a convenience function to create a vector field
func VectorField(name string, dimension int, dataType contracts.VectorDataType, nullable bool) arrow.Field {
	return internal.VectorField(name, dimension, dataType, nullable)
}
