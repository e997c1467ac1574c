// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package tests

import (
	"context"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancedb/lancego/pkg/contracts"
)

func countRows(t *testing.T, table contracts.ITable) int64 {
	t.Helper()
	n, err := table.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestCheckoutAndRestore(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	table := createDocTable(t, conn, "history", 10) // v1
	defer table.Close()
	appendDocs(t, table, 10, 5)                          // v2
	require.NoError(t, table.Delete(ctx, "id < 3"))      // v3

	versions, err := table.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "Create", versions[0].Operation)
	assert.Equal(t, "Append", versions[1].Operation)
	assert.Equal(t, "Delete", versions[2].Operation)
	assert.Equal(t, int64(12), countRows(t, table))

	require.NoError(t, table.Checkout(ctx, 1))
	assert.Equal(t, int64(10), countRows(t, table))
	v, err := table.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	err = table.Delete(ctx, "id = 5")
	assert.True(t, contracts.IsValidationError(err), "writes on a checked out table fail, got %v", err)

	// a second handle sees the latest version and can write
	other, err := conn.OpenTable(ctx, "history")
	require.NoError(t, err)
	defer other.Close()
	assert.Equal(t, int64(12), countRows(t, other))
	appendDocs(t, other, 20, 1) // v4
	assert.Equal(t, int64(10), countRows(t, table), "checked out handle does not move")

	err = table.Checkout(ctx, 99)
	assert.True(t, contracts.IsNotFoundError(err), "got %v", err)

	require.NoError(t, table.CheckoutLatest(ctx))
	assert.Equal(t, int64(13), countRows(t, table))

	require.NoError(t, table.Restore(ctx, 2)) // v5
	v, err = table.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
	assert.Equal(t, int64(15), countRows(t, table))
	assert.Equal(t, int64(15), countRows(t, other))

	require.NoError(t, table.Delete(ctx, "id >= 10"), "restored handle is writable")
	assert.Equal(t, int64(10), countRows(t, table))
	t.Log("✅ Checkout, CheckoutLatest and Restore work")
}

func TestCheckoutPinsAgainstCleanup(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	table := createDocTable(t, conn, "pinned", 4)
	defer table.Close()
	appendDocs(t, table, 4, 4)
	appendDocs(t, table, 8, 4)

	reader, err := conn.OpenTable(ctx, "pinned")
	require.NoError(t, err)
	require.NoError(t, reader.Checkout(ctx, 1))

	stats, err := table.CleanupOldVersions(ctx, contracts.WithCleanupOlderThan(0))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OldVersionsRemoved, "only the unpinned version 2 goes")
	assert.Equal(t, int64(4), countRows(t, reader))

	require.NoError(t, reader.Close())
	stats, err = table.CleanupOldVersions(ctx, contracts.WithCleanupOlderThan(0))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OldVersionsRemoved)
	assert.Greater(t, stats.BytesRemoved, int64(0))

	versions, err := table.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 3, versions[0].Version)

	err = table.Checkout(ctx, 1)
	assert.True(t, contracts.IsStaleSnapshotError(err), "pruned version, got %v", err)

	_, err = table.CleanupOldVersions(ctx, contracts.WithCleanupOlderThan(-1))
	assert.True(t, contracts.IsValidationError(err), "negative retention, got %v", err)
	t.Log("✅ Checked out versions survive cleanup")
}

func TestReadConsistencyInterval(t *testing.T) {
	ctx := context.Background()

	t.Run("strong", func(t *testing.T) {
		conn, cleanup := setupTestDB(t)
		defer cleanup()
		writer := createDocTable(t, conn, "strong", 5)
		defer writer.Close()
		reader, err := conn.OpenTable(ctx, "strong")
		require.NoError(t, err)
		defer reader.Close()

		appendDocs(t, writer, 5, 5)
		assert.Equal(t, int64(10), countRows(t, reader), "reads check for new versions every time")
	})

	t.Run("eventual", func(t *testing.T) {
		interval := 3600
		conn, cleanup := setupTestDBWithOptions(t, &contracts.ConnectionOptions{ReadConsistencyInterval: &interval})
		defer cleanup()
		writer := createDocTable(t, conn, "eventual", 5)
		defer writer.Close()
		reader, err := conn.OpenTable(ctx, "eventual")
		require.NoError(t, err)
		defer reader.Close()

		appendDocs(t, writer, 5, 5)
		assert.Equal(t, int64(10), countRows(t, writer), "writers see their own commits")
		assert.Equal(t, int64(5), countRows(t, reader), "readers keep their snapshot within the interval")

		require.NoError(t, reader.CheckoutLatest(ctx))
		assert.Equal(t, int64(10), countRows(t, reader))
	})
}

func TestRowMutations(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	table := createDocTable(t, conn, "mutations", 10)
	defer table.Close()

	require.NoError(t, table.Update(ctx, "id < 3", map[string]interface{}{"category": "updated"}))
	n, err := table.CountRows(ctx, "category = 'updated'")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, table.UpdateSQL(ctx, "id >= 8", map[string]string{"id": "id + 100"}))
	rows, err := table.Query().Filter("id > 50").Select("id").ToMaps(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{108, 109}, rowIDs(rows))
	assert.Equal(t, int64(10), countRows(t, table), "updates keep the row count")

	err = table.Update(ctx, "id = 1", map[string]interface{}{"missing": 1})
	assert.True(t, contracts.IsValidationError(err), "unknown column, got %v", err)

	err = table.Delete(ctx, "")
	assert.True(t, contracts.IsValidationError(err), "delete needs a filter, got %v", err)

	require.NoError(t, table.Delete(ctx, "category = 'updated'"))
	assert.Equal(t, int64(7), countRows(t, table))

	require.NoError(t, table.Delete(ctx, "id = 12345"), "deleting nothing is fine")
	assert.Equal(t, int64(7), countRows(t, table))

	require.NoError(t, table.AddRecords(ctx, nil, &contracts.AddDataOptions{Mode: contracts.WriteModeOverwrite}))
	assert.Equal(t, int64(0), countRows(t, table), "overwrite with nothing empties the table")
	t.Log("✅ Update, UpdateSQL, Delete and overwrite work")
}

func TestSchemaEvolution(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	table := createDocTable(t, conn, "evolve", 6)
	defer table.Close()

	require.NoError(t, table.CreateIndex(ctx, []string{"category"}, contracts.IndexTypeBitmap))

	require.NoError(t, table.AddColumns(ctx, map[string]string{"double_id": "id * 2"}))
	rows, err := table.Query().Filter("id = 3").Select("id", "double_id").ToMaps(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(6), rows[0]["double_id"])

	require.NoError(t, table.AddNullColumns(ctx, []arrow.Field{{Name: "note", Type: arrow.BinaryTypes.String, Nullable: true}}))
	n, err := table.CountRows(ctx, "note IS NULL")
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	renamed := "kind"
	require.NoError(t, table.AlterColumns(ctx, []contracts.ColumnAlteration{{Path: "category", Rename: &renamed}}))
	schema, err := table.Schema(ctx)
	require.NoError(t, err)
	assert.True(t, schema.HasField("kind"))
	assert.False(t, schema.HasField("category"))

	indexes, err := table.GetAllIndexes(ctx)
	require.NoError(t, err)
	require.Len(t, indexes, 1)
	assert.Equal(t, []string{"kind"}, indexes[0].Columns, "indices follow renamed columns")

	require.NoError(t, table.DropColumns(ctx, []string{"kind"}))
	indexes, err = table.GetAllIndexes(ctx)
	require.NoError(t, err)
	assert.Empty(t, indexes, "dropping a column drops its indices")

	err = table.DropColumns(ctx, []string{"id", "text", "vector", "double_id", "note"})
	assert.True(t, contracts.IsValidationError(err), "a table keeps at least one column, got %v", err)

	err = table.AddColumns(ctx, map[string]string{"id": "1"})
	assert.True(t, contracts.IsValidationError(err), "duplicate column, got %v", err)

	// old versions keep their schema
	require.NoError(t, table.Checkout(ctx, 1))
	schema, err = table.Schema(ctx)
	require.NoError(t, err)
	assert.True(t, schema.HasField("category"))
	t.Log("✅ Schema evolution is versioned")
}

func TestIndexManagement(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	table := createDocTable(t, conn, "indices", 20)
	defer table.Close()

	require.NoError(t, table.CreateIndex(ctx, []string{"id"}, contracts.IndexTypeBTree))
	require.NoError(t, table.CreateIndex(ctx, []string{"category"}, contracts.IndexTypeAuto))

	indexes, err := table.GetAllIndexes(ctx)
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	assert.True(t, hasIndexNamed(indexes, "id_idx", "BTREE"))
	assert.True(t, hasIndexNamed(indexes, "category_idx", "BTREE"), "AUTO on a scalar column builds a btree")

	replace := false
	err = table.CreateIndexWithOptions(ctx, []string{"id"}, &contracts.IndexOptions{Type: contracts.IndexTypeBTree, Replace: &replace})
	assert.True(t, contracts.IsAlreadyExistsError(err), "got %v", err)

	err = table.CreateIndex(ctx, []string{"id", "category"}, contracts.IndexTypeBTree)
	assert.True(t, contracts.IsValidationError(err), "multi-column, got %v", err)
	err = table.CreateIndex(ctx, []string{"text"}, contracts.IndexTypeIvfPq)
	assert.True(t, contracts.IsValidationError(err), "vector index on text, got %v", err)

	n, err := table.CountRows(ctx, "id BETWEEN 5 AND 9")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n, "indexed filters give the same answers")

	require.NoError(t, table.DropIndex(ctx, "id_idx"))
	err = table.DropIndex(ctx, "id_idx")
	assert.True(t, contracts.IsNotFoundError(err), "got %v", err)
	_, err = table.IndexStats(ctx, "id_idx")
	assert.True(t, contracts.IsNotFoundError(err), "got %v", err)
	t.Log("✅ Index create, replace and drop work")
}

func hasIndexNamed(indexes []contracts.IndexInfo, name, kind string) bool {
	for _, idx := range indexes {
		if idx.Name == name && idx.IndexType == kind {
			return true
		}
	}
	return false
}
