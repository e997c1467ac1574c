// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancedb/lancego/pkg/contracts"
	"github.com/lancedb/lancego/pkg/lancedb"
)

var notesSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "text", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "vector", Type: arrow.FixedSizeListOf(2, arrow.PrimitiveTypes.Float32)},
}, nil)

// seedDB creates a notes table with two versions and returns the database path
func seedDB(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cli.lance")

	conn, err := lancedb.Connect(ctx, dbPath, nil)
	require.NoError(t, err)
	defer conn.Close()

	schema, err := lancedb.NewSchema(notesSchema)
	require.NoError(t, err)
	texts := []string{"red apple", "green pear", "red cherry", "yellow banana"}

	record := notesRecord(texts[:2], 0)
	defer record.Release()
	table, err := conn.CreateTableWithData(ctx, "notes", []arrow.Record{record}, &contracts.CreateTableOptions{Schema: schema})
	require.NoError(t, err)
	defer table.Close()

	more := notesRecord(texts[2:], 2)
	defer more.Release()
	require.NoError(t, table.AddRecords(ctx, []arrow.Record{more}, nil))
	return dbPath
}

func notesRecord(texts []string, first int64) arrow.Record {
	pool := memory.NewGoAllocator()
	ids := array.NewInt64Builder(pool)
	defer ids.Release()
	strs := array.NewStringBuilder(pool)
	defer strs.Release()
	vectors := array.NewFixedSizeListBuilder(pool, 2, arrow.PrimitiveTypes.Float32)
	defer vectors.Release()
	values := vectors.ValueBuilder().(*array.Float32Builder)

	for i, text := range texts {
		id := first + int64(i)
		ids.Append(id)
		strs.Append(text)
		vectors.Append(true)
		values.AppendValues([]float32{float32(id), 1}, nil)
	}
	cols := []arrow.Array{ids.NewArray(), strs.NewArray(), vectors.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecord(notesSchema, cols, int64(len(texts)))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTablesAndVersions(t *testing.T) {
	dbPath := seedDB(t)

	out, err := run(t, "--uri", dbPath, "tables")
	require.NoError(t, err)
	assert.Equal(t, "notes\n", out)

	out, err = run(t, "--uri", dbPath, "versions", "notes")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "1\t"))
	assert.True(t, strings.HasSuffix(lines[0], "\tCreate"))
	assert.True(t, strings.HasSuffix(lines[1], "\tAppend"))

	out, err = run(t, "--uri", dbPath, "count", "notes", "--filter", "text LIKE 'red%'")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)
	t.Log("✅ tables, versions and count work")
}

func TestQueryCommand(t *testing.T) {
	dbPath := seedDB(t)

	out, err := run(t, "--uri", dbPath, "query", "notes", "--vector", "2.1, 1", "--limit", "1", "--select", "id,text")
	require.NoError(t, err)
	var row map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &row))
	assert.Equal(t, float64(2), row["id"])
	assert.Equal(t, "red cherry", row["text"])
	assert.Contains(t, row, "_distance")

	out, err = run(t, "--uri", dbPath, "query", "notes", "--text", "red", "--select", "id")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	out, err = run(t, "--uri", dbPath, "query", "notes", "--text", "red", "--vector", "0,1", "--explain")
	require.NoError(t, err)
	assert.Contains(t, out, "HybridSearch")

	_, err = run(t, "--uri", dbPath, "query", "notes", "--vector", "1,x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid vector format")

	_, err = run(t, "--uri", dbPath, "query", "notes", "--vector", "1,2", "--distance", "manhattan")
	require.Error(t, err)
	t.Log("✅ query command runs every query kind")
}

func TestMaintenanceCommands(t *testing.T) {
	dbPath := seedDB(t)

	out, err := run(t, "--uri", dbPath, "restore", "notes", "1")
	require.NoError(t, err)
	assert.Equal(t, "Restored notes to version 1 as version 3\n", out)

	out, err = run(t, "--uri", dbPath, "count", "notes")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, err = run(t, "--uri", dbPath, "optimize", "notes", "--cleanup-older-than", "0s")
	require.NoError(t, err)
	var stats contracts.OptimizeStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 2, stats.Prune.OldVersionsRemoved)

	out, err = run(t, "--uri", dbPath, "indices", "notes")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)

	out, err = run(t, "--uri", dbPath, "drop", "notes")
	require.NoError(t, err)
	assert.Contains(t, out, "dropped")

	_, err = run(t, "--uri", dbPath, "count", "notes")
	assert.True(t, contracts.IsNotFoundError(err), "got %v", err)
	t.Log("✅ restore, optimize and drop work")
}

func TestGlobalFlags(t *testing.T) {
	dbPath := seedDB(t)

	_, err := run(t, "tables")
	require.Error(t, err, "--uri is required")

	_, err = run(t, "--uri", dbPath, "--log-level", "loud", "tables")
	require.Error(t, err)

	configPath := filepath.Join(t.TempDir(), "lancectl.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_options:\n  level: error\n"), 0o600))
	out, err := run(t, "--uri", dbPath, "--config", configPath, "tables")
	require.NoError(t, err)
	assert.Equal(t, "notes\n", out)

	_, err = run(t, "--uri", dbPath, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "tables")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load connection config")
	t.Log("✅ global flags are applied")
}
