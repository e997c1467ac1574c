// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package lancedb

import (
	"github.com/apache/arrow/go/v17/arrow"

	"github.com/lancedb/lancego/pkg/contracts"
	"github.com/lancedb/lancego/pkg/internal"
)

// NewSchema creates a new schema from Arrow schema
func NewSchema(schema *arrow.Schema) (contracts.ISchema, error) {
	return internal.NewSchema(schema)
}

func NewSchemaBuilder() contracts.ISchemaBuilder {
	return internal.NewSchemaBuilder()
}

const (
	VectorDataTypeFloat16 = contracts.VectorDataTypeFloat16
	VectorDataTypeFloat32 = contracts.VectorDataTypeFloat32
	VectorDataTypeFloat64 = contracts.VectorDataTypeFloat64
)
