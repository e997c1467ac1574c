// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package internal

import (
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/lancedb/lancego/internal/manifest"
	"github.com/lancedb/lancego/pkg/contracts"
)

// Schema represents a LanceDB table schema
type Schema struct {
	schema *arrow.Schema
}

var _ contracts.ISchema = (*Schema)(nil)

// NewSchema wraps an Arrow schema after checking that every field type can
// be stored
func NewSchema(schema *arrow.Schema) (contracts.ISchema, error) {
	if schema == nil {
		return nil, contracts.NewValidationError("schema", "schema is nil")
	}
	seen := make(map[string]bool, schema.NumFields())
	for _, f := range schema.Fields() {
		if f.Name == "" {
			return nil, contracts.NewValidationError("schema", "field name must not be empty")
		}
		if seen[f.Name] {
			return nil, contracts.NewValidationError("schema", "duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		if _, err := manifest.TypeString(f.Type); err != nil {
			return nil, contracts.NewValidationError("schema", "field %q: %v", f.Name, err)
		}
	}
	return &Schema{schema: schema}, nil
}

// SchemaBuilder provides a fluent interface for building schemas
type SchemaBuilder struct {
	fields []arrow.Field
}

var _ contracts.ISchemaBuilder = (*SchemaBuilder)(nil)

// NewSchemaBuilder creates a new schema builder
func NewSchemaBuilder() contracts.ISchemaBuilder {
	return &SchemaBuilder{
		fields: make([]arrow.Field, 0),
	}
}

// AddField adds a regular field to the schema
func (sb *SchemaBuilder) AddField(name string, dataType arrow.DataType, nullable bool) contracts.ISchemaBuilder {
	sb.fields = append(sb.fields, arrow.Field{
		Name:     name,
		Type:     dataType,
		Nullable: nullable,
	})
	return sb
}

// AddVectorField adds a vector field to the schema
func (sb *SchemaBuilder) AddVectorField(name string, dimension int, dataType contracts.VectorDataType, nullable bool) contracts.ISchemaBuilder {
	sb.fields = append(sb.fields, VectorField(name, dimension, dataType, nullable))
	return sb
}

func (sb *SchemaBuilder) AddInt32Field(name string, nullable bool) contracts.ISchemaBuilder {
	return sb.AddField(name, arrow.PrimitiveTypes.Int32, nullable)
}

func (sb *SchemaBuilder) AddInt64Field(name string, nullable bool) contracts.ISchemaBuilder {
	return sb.AddField(name, arrow.PrimitiveTypes.Int64, nullable)
}

func (sb *SchemaBuilder) AddFloat32Field(name string, nullable bool) contracts.ISchemaBuilder {
	return sb.AddField(name, arrow.PrimitiveTypes.Float32, nullable)
}

func (sb *SchemaBuilder) AddFloat64Field(name string, nullable bool) contracts.ISchemaBuilder {
	return sb.AddField(name, arrow.PrimitiveTypes.Float64, nullable)
}

func (sb *SchemaBuilder) AddStringField(name string, nullable bool) contracts.ISchemaBuilder {
	return sb.AddField(name, arrow.BinaryTypes.String, nullable)
}

func (sb *SchemaBuilder) AddBinaryField(name string, nullable bool) contracts.ISchemaBuilder {
	return sb.AddField(name, arrow.BinaryTypes.Binary, nullable)
}

func (sb *SchemaBuilder) AddBooleanField(name string, nullable bool) contracts.ISchemaBuilder {
	return sb.AddField(name, arrow.FixedWidthTypes.Boolean, nullable)
}

// AddTimestampField adds a timestamp field to the schema
func (sb *SchemaBuilder) AddTimestampField(name string, unit arrow.TimeUnit, nullable bool) contracts.ISchemaBuilder {
	return sb.AddField(name, &arrow.TimestampType{Unit: unit}, nullable)
}

// AddLabelListField adds a list<string> field, the column type of
// LABEL_LIST indices
func (sb *SchemaBuilder) AddLabelListField(name string, nullable bool) contracts.ISchemaBuilder {
	return sb.AddField(name, arrow.ListOf(arrow.BinaryTypes.String), nullable)
}

// Build creates the final schema
func (sb *SchemaBuilder) Build() (contracts.ISchema, error) {
	return NewSchema(arrow.NewSchema(sb.fields, nil))
}

// Fields returns the fields in the schema
func (s *Schema) Fields() []arrow.Field {
	if s.schema != nil {
		return s.schema.Fields()
	}
	return nil
}

// NumFields returns the number of fields in the schema
func (s *Schema) NumFields() int {
	if s.schema != nil {
		return s.schema.NumFields()
	}
	return 0
}

// Field returns the field at the given index
func (s *Schema) Field(index int) (arrow.Field, error) {
	if s.schema == nil {
		return arrow.Field{}, fmt.Errorf("schema is nil")
	}
	if index < 0 || index >= s.schema.NumFields() {
		return arrow.Field{}, fmt.Errorf("field index %d out of range", index)
	}
	return s.schema.Field(index), nil
}

// FieldByName returns the field with the given name
func (s *Schema) FieldByName(name string) (arrow.Field, error) {
	if s.schema == nil {
		return arrow.Field{}, fmt.Errorf("schema is nil")
	}
	if idx := s.schema.FieldIndices(name); len(idx) > 0 {
		return s.schema.Field(idx[0]), nil
	}
	return arrow.Field{}, fmt.Errorf("field '%s' not found", name)
}

// HasField checks if a field with the given name exists
func (s *Schema) HasField(name string) bool {
	return s.schema != nil && s.schema.HasField(name)
}

// VectorColumns lists the fixed-size float list columns in schema order
func (s *Schema) VectorColumns() []string {
	var names []string
	for _, f := range s.Fields() {
		if manifest.IsVectorType(f.Type) {
			names = append(names, f.Name)
		}
	}
	return names
}

func (s *Schema) String() string {
	if s.schema != nil {
		return s.schema.String()
	}
	return "nil schema"
}

// ToArrowSchema returns the underlying Arrow schema
func (s *Schema) ToArrowSchema() *arrow.Schema {
	return s.schema
}

// VectorField is a convenience function to create a vector field
func VectorField(name string, dimension int, dataType contracts.VectorDataType, nullable bool) arrow.Field {
	var itemType arrow.DataType
	switch dataType {
	case contracts.VectorDataTypeFloat16:
		itemType = arrow.FixedWidthTypes.Float16
	case contracts.VectorDataTypeFloat64:
		itemType = arrow.PrimitiveTypes.Float64
	default:
		itemType = arrow.PrimitiveTypes.Float32
	}
	return arrow.Field{
		Name:     name,
		Type:     arrow.FixedSizeListOf(int32(dimension), itemType),
		Nullable: nullable,
	}
}
