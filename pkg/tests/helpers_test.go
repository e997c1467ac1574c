// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package tests

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/lancedb/lancego/pkg/contracts"
	"github.com/lancedb/lancego/pkg/lancedb"
)

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (contracts.IConnection, func()) {
	t.Helper()
	return setupTestDBWithOptions(t, nil)
}

func setupTestDBWithOptions(t *testing.T, options *contracts.ConnectionOptions) (contracts.IConnection, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "lancedb_table_test")
	if err != nil {
		t.Fatalf("❌Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.lance")
	conn, err := lancedb.Connect(context.Background(), dbPath, options)
	if err != nil {
		t.Fatalf("❌Failed to connect to database: %v", err)
	}

	cleanup := func() {
		conn.Close()
		os.RemoveAll(tmpDir)
	}

	return conn, cleanup
}

// createTestTable creates a table with a comprehensive schema for testing
func createTestTable(t *testing.T, conn contracts.IConnection, name string) contracts.ITable {
	t.Helper()

	schema, err := lancedb.NewSchemaBuilder().
		AddInt32Field("id", false).
		AddStringField("name", true).
		AddFloat32Field("score", true).
		AddVectorField("embedding", 128, contracts.VectorDataTypeFloat32, false).
		AddBooleanField("active", true).
		Build()
	if err != nil {
		t.Fatalf("❌Failed to create schema: %v", err)
	}

	table, err := conn.CreateTable(context.Background(), name, schema)
	if err != nil {
		t.Fatalf("❌Failed to create table: %v", err)
	}

	return table
}

// docSchema is the schema of the document tables used by the query tests
var docSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "text", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "category", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "vector", Type: arrow.FixedSizeListOf(4, arrow.PrimitiveTypes.Float32), Nullable: false},
}, nil)

type doc struct {
	id       int64
	text     string
	category string
	vector   []float32
}

// docVector places document i on a line so that nearest neighbours are
// predictable
func docVector(i int64) []float32 {
	f := float32(i)
	return []float32{f, f * 0.5, 1, -f}
}

// docs generates n documents with ids starting at first
func docs(first, n int64) []doc {
	texts := []string{
		"the quick brown fox",
		"jumps over the lazy dog",
		"a lazy afternoon in the sun",
		"brown bread and butter",
	}
	categories := []string{"animal", "animal", "leisure", "food"}
	out := make([]doc, 0, n)
	for i := first; i < first+n; i++ {
		out = append(out, doc{
			id:       i,
			text:     texts[i%int64(len(texts))],
			category: categories[i%int64(len(categories))],
			vector:   docVector(i),
		})
	}
	return out
}

func docRecord(t testing.TB, rows []doc) arrow.Record {
	t.Helper()
	pool := memory.NewGoAllocator()

	ids := array.NewInt64Builder(pool)
	defer ids.Release()
	texts := array.NewStringBuilder(pool)
	defer texts.Release()
	cats := array.NewStringBuilder(pool)
	defer cats.Release()
	vectors := array.NewFixedSizeListBuilder(pool, 4, arrow.PrimitiveTypes.Float32)
	defer vectors.Release()
	values := vectors.ValueBuilder().(*array.Float32Builder)

	for _, d := range rows {
		ids.Append(d.id)
		texts.Append(d.text)
		cats.Append(d.category)
		vectors.Append(true)
		values.AppendValues(d.vector, nil)
	}

	cols := []arrow.Array{ids.NewArray(), texts.NewArray(), cats.NewArray(), vectors.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecord(docSchema, cols, int64(len(rows)))
}

// createDocTable creates a document table holding n rows
func createDocTable(t *testing.T, conn contracts.IConnection, name string, n int64) contracts.ITable {
	t.Helper()
	record := docRecord(t, docs(0, n))
	defer record.Release()

	schema, err := lancedb.NewSchema(docSchema)
	if err != nil {
		t.Fatalf("❌Failed to create schema: %v", err)
	}
	table, err := conn.CreateTableWithData(context.Background(), name, []arrow.Record{record}, &contracts.CreateTableOptions{Schema: schema})
	if err != nil {
		t.Fatalf("❌Failed to create table: %v", err)
	}
	return table
}

func appendDocs(t *testing.T, table contracts.ITable, first, n int64) {
	t.Helper()
	record := docRecord(t, docs(first, n))
	defer record.Release()
	if err := table.AddRecords(context.Background(), []arrow.Record{record}, nil); err != nil {
		t.Fatalf("❌Failed to add records: %v", err)
	}
}

// rowIDs extracts the id column of ToMaps results
func rowIDs(rows []map[string]interface{}) []int64 {
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		out = append(out, r["id"].(int64))
	}
	return out
}
