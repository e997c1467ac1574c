// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package tests

import (
	"context"
	"fmt"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancedb/lancego/pkg/contracts"
	"github.com/lancedb/lancego/pkg/lancedb"
)

// rowAddress mirrors the engine's row address layout: fragment id in the
// high 32 bits, offset within the fragment in the low 32 bits
func rowAddress(fragment, offset uint32) int64 {
	return int64(fragment)<<32 | int64(offset)
}

// rowAddresses maps the id column of a WithRowID query to its _rowid
func rowAddresses(t *testing.T, table contracts.ITable, filter string) map[int64]int64 {
	t.Helper()
	q := table.Query().Select("id").WithRowID()
	if filter != "" {
		q = q.Filter(filter)
	}
	rows, err := q.ToMaps(context.Background())
	require.NoError(t, err)
	out := make(map[int64]int64, len(rows))
	for _, row := range rows {
		require.Len(t, row, 2, "only id and _rowid are returned")
		out[row["id"].(int64)] = row["_rowid"].(int64)
	}
	return out
}

func indexCoverage(t *testing.T, table contracts.ITable, name string) (indexed, unindexed int64) {
	t.Helper()
	stats, err := table.IndexStats(context.Background(), name)
	require.NoError(t, err)
	return stats.NumIndexedRows, stats.NumUnindexedRows
}

func TestTableHandle(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	table := createTestTable(t, conn, "handle")
	assert.Equal(t, "handle", table.Name())
	assert.True(t, table.IsOpen())

	schema, err := table.Schema(ctx)
	require.NoError(t, err)
	want := []struct {
		name string
		kind arrow.Type
	}{
		{"id", arrow.INT32},
		{"name", arrow.STRING},
		{"score", arrow.FLOAT32},
		{"embedding", arrow.FIXED_SIZE_LIST},
		{"active", arrow.BOOL},
	}
	require.Equal(t, len(want), schema.NumFields())
	for i, w := range want {
		assert.Equal(t, w.name, schema.Field(i).Name)
		assert.Equal(t, w.kind, schema.Field(i).Type.ID(), w.name)
	}
	embedding := schema.Field(3).Type.(*arrow.FixedSizeListType)
	assert.Equal(t, int32(128), embedding.Len())

	assert.Equal(t, int64(0), countRows(t, table))
	versions, err := table.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1, "an empty table still has its creation version")
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, "Create", versions[0].Operation)
	assert.False(t, versions[0].Timestamp.IsZero())

	other, err := conn.OpenTable(ctx, "handle")
	require.NoError(t, err)
	defer other.Close()
	v, err := other.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, table.Close())
	require.NoError(t, table.Close(), "close is idempotent")
	assert.False(t, table.IsOpen())
	assert.True(t, other.IsOpen(), "closing one handle leaves the others open")

	record := docRecord(t, docs(0, 1))
	defer record.Release()
	closedCalls := map[string]func() error{
		"Count":   func() error { _, err := table.Count(ctx); return err },
		"Schema":  func() error { _, err := table.Schema(ctx); return err },
		"Version": func() error { _, err := table.Version(ctx); return err },
		"Add":     func() error { return table.AddRecords(ctx, []arrow.Record{record}, nil) },
		"Delete":  func() error { return table.Delete(ctx, "id = 1") },
		"Indexes": func() error { _, err := table.GetAllIndexes(ctx); return err },
	}
	for name, call := range closedCalls {
		err := call()
		if err == nil {
			t.Fatalf("❌Expected %s to fail on a closed table", name)
		}
		assert.Contains(t, err.Error(), "table is closed", name)
	}
	t.Log("✅ Table handles report their state and reject use after close")
}

func TestWriteVersions(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	table := createDocTable(t, conn, "writes", 8)
	defer table.Close()

	overwrite := docRecord(t, docs(100, 3))
	defer overwrite.Release()

	steps := []struct {
		name    string
		write   func() error
		version int
		op      string
		rows    int64
	}{
		{"append", func() error { appendDocs(t, table, 8, 4); return nil }, 2, "Append", 12},
		{"empty append", func() error { return table.AddRecords(ctx, nil, nil) }, 2, "Append", 12},
		{"delete", func() error { return table.Delete(ctx, "id = 0") }, 3, "Delete", 11},
		{"delete nothing", func() error { return table.Delete(ctx, "id = 999") }, 4, "Delete", 11},
		{"update", func() error {
			return table.Update(ctx, "id = 1", map[string]interface{}{"category": "moved"})
		}, 5, "Update", 11},
		{"create index", func() error { return table.CreateIndex(ctx, []string{"id"}, contracts.IndexTypeBTree) }, 6, "CreateIndex", 11},
		{"add column", func() error {
			return table.AddNullColumns(ctx, []arrow.Field{{Name: "note", Type: arrow.BinaryTypes.String, Nullable: true}})
		}, 7, "AddColumns", 11},
		{"overwrite", func() error {
			return table.AddRecords(ctx, []arrow.Record{overwrite}, &contracts.AddDataOptions{Mode: contracts.WriteModeOverwrite})
		}, 8, "Overwrite", 3},
	}
	for _, step := range steps {
		if err := step.write(); err != nil {
			t.Fatalf("❌%s failed: %v", step.name, err)
		}
		v, err := table.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, step.version, v, step.name)
		assert.Equal(t, step.rows, countRows(t, table), step.name)

		versions, err := table.ListVersions(ctx)
		require.NoError(t, err)
		require.Len(t, versions, step.version, step.name)
		last := versions[len(versions)-1]
		assert.Equal(t, step.version, last.Version, step.name)
		assert.Equal(t, step.op, last.Operation, step.name)
		for i := 1; i < len(versions); i++ {
			assert.False(t, versions[i].Timestamp.Before(versions[i-1].Timestamp), "timestamps never go back")
		}
	}

	// overwrite replaces the schema and indices but never reuses fragment ids
	schema, err := table.Schema(ctx)
	require.NoError(t, err)
	assert.False(t, schema.HasField("note"))
	indexes, err := table.GetAllIndexes(ctx)
	require.NoError(t, err)
	assert.Empty(t, indexes)
	assert.Equal(t, map[int64]int64{
		100: rowAddress(3, 0),
		101: rowAddress(3, 1),
		102: rowAddress(3, 2),
	}, rowAddresses(t, table, ""))
	t.Log("✅ Every write commits exactly one version")
}

func TestRowAddressesAndDeletions(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	table := createDocTable(t, conn, "addresses", 6) // v1, fragment 0
	defer table.Close()
	require.NoError(t, table.CreateIndex(ctx, []string{"id"}, contracts.IndexTypeBTree)) // v2
	indexed, unindexed := indexCoverage(t, table, "id_idx")
	assert.Equal(t, []int64{6, 0}, []int64{indexed, unindexed})

	appendDocs(t, table, 6, 4) // v3, fragment 1
	indexed, unindexed = indexCoverage(t, table, "id_idx")
	assert.Equal(t, []int64{6, 4}, []int64{indexed, unindexed}, "appended rows are not indexed yet")

	require.NoError(t, table.Delete(ctx, "id IN (1, 7)")) // v4
	indexed, unindexed = indexCoverage(t, table, "id_idx")
	assert.Equal(t, []int64{5, 3}, []int64{indexed, unindexed}, "deleted rows leave both counts")
	assert.Equal(t, int64(8), countRows(t, table))

	assert.Equal(t, map[int64]int64{
		4: rowAddress(0, 4),
		5: rowAddress(0, 5),
		6: rowAddress(1, 0),
		8: rowAddress(1, 2),
		9: rowAddress(1, 3),
	}, rowAddresses(t, table, "id >= 4"), "deletions keep the addresses of surviving rows")

	require.NoError(t, table.Update(ctx, "id = 5", map[string]interface{}{"category": "moved"})) // v5, fragment 2
	assert.Equal(t, rowAddress(2, 0), rowAddresses(t, table, "id = 5")[5], "updated rows move to a new fragment")
	indexed, unindexed = indexCoverage(t, table, "id_idx")
	assert.Equal(t, []int64{7, 1}, []int64{indexed, unindexed})

	stats, err := table.CompactFiles(ctx) // v6, fragment 3
	require.NoError(t, err)
	assert.Equal(t, contracts.CompactionStats{FragmentsRemoved: 3, FragmentsAdded: 1, FilesRemoved: 3, FilesAdded: 1}, *stats)
	v, err := table.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, v)

	rows, err := table.Query().Select("id").WithRowID().ToMaps(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 2, 3, 4, 6, 8, 9, 5}, rowIDs(rows), "compaction keeps row order")
	for i, row := range rows {
		assert.Equal(t, rowAddress(3, uint32(i)), row["_rowid"], "compacted rows are dense")
	}
	indexed, unindexed = indexCoverage(t, table, "id_idx")
	assert.Equal(t, []int64{0, 8}, []int64{indexed, unindexed}, "the index covered only removed fragments")

	rebuilt, err := table.OptimizeIndices(ctx) // v7
	require.NoError(t, err)
	assert.Equal(t, 1, rebuilt)
	indexed, unindexed = indexCoverage(t, table, "id_idx")
	assert.Equal(t, []int64{8, 0}, []int64{indexed, unindexed})

	// older versions keep their own addresses
	require.NoError(t, table.Checkout(ctx, 4))
	assert.Equal(t, rowAddress(1, 0), rowAddresses(t, table, "id = 6")[6])
	assert.Equal(t, int64(8), countRows(t, table))
	require.NoError(t, table.CheckoutLatest(ctx))
	t.Log("✅ Row addresses follow deletes, updates and compaction")
}

func TestOptimizeEndToEnd(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	// four versions: create, index, append, delete half of fragment 0
	table := createDocTable(t, conn, "optimize", 10)
	defer table.Close()
	require.NoError(t, table.CreateIndex(ctx, []string{"id"}, contracts.IndexTypeBTree))
	appendDocs(t, table, 10, 5)
	require.NoError(t, table.Delete(ctx, "id < 5"))

	stats, err := table.Optimize(ctx, contracts.WithCleanupOlderThan(0))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Compaction.FragmentsRemoved)
	assert.Equal(t, 1, stats.Compaction.FragmentsAdded)
	assert.Equal(t, 1, stats.IndicesRebuilt)
	assert.Equal(t, 5, stats.Prune.OldVersionsRemoved, "everything but the latest version goes")
	assert.Greater(t, stats.Prune.BytesRemoved, int64(0))

	versions, err := table.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 6, versions[0].Version)
	assert.Equal(t, "OptimizeIndices", versions[0].Operation)

	assert.Equal(t, int64(10), countRows(t, table))
	indexed, unindexed := indexCoverage(t, table, "id_idx")
	assert.Equal(t, []int64{10, 0}, []int64{indexed, unindexed})

	again, err := table.Optimize(ctx, contracts.WithCleanupOlderThan(0))
	require.NoError(t, err)
	assert.Equal(t, contracts.OptimizeStats{}, *again, "a compact table has nothing left to do")
	v, err := table.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, v)

	_, err = table.CompactFiles(ctx, contracts.WithTargetRowsPerFragment(0))
	assert.True(t, contracts.IsValidationError(err), "got %v", err)
	t.Log("✅ Optimize compacts, reindexes and prunes in one call")
}

func BenchmarkAppendVersions(b *testing.B) {
	conn, err := lancedb.Connect(context.Background(), b.TempDir(), nil)
	if err != nil {
		b.Fatalf("❌Failed to connect: %v", err)
	}
	defer conn.Close()

	schema, err := lancedb.NewSchema(docSchema)
	if err != nil {
		b.Fatalf("❌Failed to create schema: %v", err)
	}
	batch := docRecord(b, docs(0, 1000))
	defer batch.Release()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		table, err := conn.CreateTable(context.Background(), fmt.Sprintf("bench_%d", i), schema)
		if err != nil {
			b.Fatalf("❌Failed to create table: %v", err)
		}
		for j := 0; j < 5; j++ {
			if err := table.AddRecords(context.Background(), []arrow.Record{batch}, nil); err != nil {
				table.Close()
				b.Fatalf("❌Failed to append: %v", err)
			}
		}
		table.Close()
	}
}
