// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package dataset

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancedb/lancego/internal/index"
	"github.com/lancedb/lancego/internal/storage"
	"github.com/lancedb/lancego/pkg/contracts"
)

const testDim = 4

func testSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "vec", Type: arrow.FixedSizeListOf(testDim, arrow.PrimitiveTypes.Float32), Nullable: true},
	}, nil)
}

// testRecord builds rows with ids [start, start+n)
func testRecord(t *testing.T, start, n int) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(memory.DefaultAllocator, testSchema())
	defer b.Release()
	ids := b.Field(0).(*array.Int64Builder)
	names := b.Field(1).(*array.StringBuilder)
	vecs := b.Field(2).(*array.FixedSizeListBuilder)
	values := vecs.ValueBuilder().(*array.Float32Builder)
	for i := start; i < start+n; i++ {
		ids.Append(int64(i))
		names.Append(fmt.Sprintf("name_%d", i))
		vecs.Append(true)
		for j := 0; j < testDim; j++ {
			values.Append(float32(i*testDim + j))
		}
	}
	return b.NewRecord()
}

func testConfig() Config {
	return Config{Engine: contracts.EngineOptions{MaxRowsPerFile: 100, MaxRowsPerGroup: 16}}
}

func createTestDataset(t *testing.T, rows int) *Dataset {
	t.Helper()
	rec := testRecord(t, 0, rows)
	defer rec.Release()
	ds, err := Create(context.Background(), storage.NewMemoryStore(), testConfig(), nil, []arrow.Record{rec})
	if err != nil {
		t.Fatalf("❌ Failed to create dataset: %v", err)
	}
	return ds
}

func scanIDs(t *testing.T, ds *Dataset) []int64 {
	t.Helper()
	var out []int64
	for i := range ds.Manifest().Fragments {
		data, err := ds.ReadFragment(context.Background(), &ds.Manifest().Fragments[i], []string{"id"})
		require.NoError(t, err)
		col := data.Columns[0].(*array.Int64)
		for r := 0; r < data.NumRows(); r++ {
			if !data.IsDeleted(r) {
				out = append(out, col.Value(r))
			}
		}
	}
	return out
}

func TestCreateAndOpen(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rec := testRecord(t, 0, 250)
	defer rec.Release()

	ds, err := Create(ctx, store, testConfig(), nil, []arrow.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ds.Version())
	assert.Equal(t, int64(250), ds.CountRows())
	assert.Len(t, ds.Manifest().Fragments, 3, "MaxRowsPerFile splits the input")

	_, err = Create(ctx, store, testConfig(), nil, []arrow.Record{rec})
	assert.True(t, contracts.IsAlreadyExistsError(err))

	opened, err := Open(ctx, store, testConfig())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), opened.Version())
	assert.True(t, opened.Schema().Equal(ds.Schema()))

	ids := scanIDs(t, opened)
	require.Len(t, ids, 250)
	for i, id := range ids {
		assert.Equal(t, int64(i), id)
	}

	_, err = Open(ctx, storage.NewMemoryStore(), testConfig())
	assert.True(t, contracts.IsNotFoundError(err))
	t.Log("✅ Create and Open work")
}

func TestAppendAndCheckout(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, 10)
	more := testRecord(t, 10, 5)
	defer more.Release()

	v2, err := ds.Append(ctx, []arrow.Record{more})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2.Version())
	assert.Equal(t, int64(15), v2.CountRows())

	old, err := v2.Checkout(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), old.CountRows())
	first := scanIDs(t, old)
	again, err := v2.Checkout(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, first, scanIDs(t, again), "checkout must be deterministic")

	_, err = v2.Checkout(ctx, 9)
	assert.True(t, contracts.IsNotFoundError(err))

	versions, err := v2.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, OpCreate, versions[0].Operation)
	assert.Equal(t, OpAppend, versions[1].Operation)
	t.Log("✅ Append and Checkout work")
}

func TestConcurrentCommitConflict(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, 10)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	base := ds.Manifest()
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := base.Clone()
			_, errs[i] = ds.Commit(ctx, next, OpAppend)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, contracts.IsConflictError(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded, "exactly one writer wins version 2")

	latest, err := ds.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Version())
	t.Log("✅ Concurrent commits conflict")
}

func TestDeleteKeepsOldVersions(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, 100)

	v2, err := ds.Delete(ctx, "id < 30")
	require.NoError(t, err)
	assert.Equal(t, int64(70), v2.CountRows())
	ids := scanIDs(t, v2)
	require.Len(t, ids, 70)
	assert.Equal(t, int64(30), ids[0])

	v1, err := v2.Checkout(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v1.CountRows())

	v3, err := v2.Delete(ctx, "id >= 0")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v3.CountRows())
	assert.Empty(t, v3.Manifest().Fragments, "fully deleted fragments are dropped")

	_, err = v3.Delete(ctx, "missing > 1")
	assert.True(t, contracts.IsValidationError(err))
	t.Log("✅ Delete works")
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, 20)

	v2, err := ds.Update(ctx, "id < 5", map[string]interface{}{"name": "updated"})
	require.NoError(t, err)
	assert.Equal(t, int64(20), v2.CountRows())

	v3, err := v2.UpdateSQL(ctx, "id >= 15", map[string]string{"id": "id + 100"})
	require.NoError(t, err)
	assert.Equal(t, int64(20), v3.CountRows())

	ids := scanIDs(t, v3)
	assert.Contains(t, ids, int64(115))
	assert.NotContains(t, ids, int64(15))

	updated := 0
	for i := range v3.Manifest().Fragments {
		data, err := v3.ReadFragment(ctx, &v3.Manifest().Fragments[i], []string{"name"})
		require.NoError(t, err)
		col := data.Columns[0].(*array.String)
		for r := 0; r < data.NumRows(); r++ {
			if !data.IsDeleted(r) && col.Value(r) == "updated" {
				updated++
			}
		}
	}
	assert.Equal(t, 5, updated)

	_, err = v3.Update(ctx, "", map[string]interface{}{"nope": 1})
	assert.True(t, contracts.IsValidationError(err))
	_, err = v3.Update(ctx, "", map[string]interface{}{"id": nil})
	assert.True(t, contracts.IsValidationError(err), "id is not nullable")
	t.Log("✅ Update works")
}

func TestSchemaEvolution(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, 10)

	v2, err := ds.AddColumns(ctx, map[string]string{"double_id": "id * 2"})
	require.NoError(t, err)
	data, err := v2.ReadFragment(ctx, &v2.Manifest().Fragments[0], []string{"double_id"})
	require.NoError(t, err)
	assert.Equal(t, int64(18), data.Columns[0].(*array.Int64).Value(9))

	v3, err := v2.AddNullColumns(ctx, []arrow.Field{{Name: "note", Type: arrow.BinaryTypes.String, Nullable: true}})
	require.NoError(t, err)
	data, err = v3.ReadFragment(ctx, &v3.Manifest().Fragments[0], []string{"note"})
	require.NoError(t, err)
	assert.Equal(t, 10, data.Columns[0].NullN())

	renamed := "label"
	v4, err := v3.AlterColumns(ctx, []contracts.ColumnAlteration{{Path: "name", Rename: &renamed}})
	require.NoError(t, err)
	assert.Nil(t, v4.Manifest().FieldByName("name"))
	assert.Equal(t, ds.Manifest().FieldByName("name").ID, v4.Manifest().FieldByName("label").ID, "rename keeps the field ID")

	v5, err := v4.AlterColumns(ctx, []contracts.ColumnAlteration{{Path: "double_id", DataType: arrow.PrimitiveTypes.Float64}})
	require.NoError(t, err)
	assert.NotEqual(t, v4.Manifest().FieldByName("double_id").ID, v5.Manifest().FieldByName("double_id").ID)
	data, err = v5.ReadFragment(ctx, &v5.Manifest().Fragments[0], []string{"double_id"})
	require.NoError(t, err)
	assert.Equal(t, float64(18), data.Columns[0].(*array.Float64).Value(9))

	notNull := false
	_, err = v5.AlterColumns(ctx, []contracts.ColumnAlteration{{Path: "note", Nullable: &notNull}})
	assert.True(t, contracts.IsValidationError(err), "note holds nulls")

	v6, err := v5.DropColumns(ctx, []string{"note"})
	require.NoError(t, err)
	assert.Nil(t, v6.Manifest().FieldByName("note"))
	_, err = v6.DropColumns(ctx, []string{"id", "label", "vec", "double_id"})
	assert.True(t, contracts.IsValidationError(err))
	t.Log("✅ Schema evolution works")
}

func TestCreateIndexCatalog(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, 50)

	v2, err := ds.CreateIndex(ctx, "id", contracts.IndexOptions{})
	require.NoError(t, err)
	indices := v2.ListIndices()
	require.Len(t, indices, 1)
	assert.Equal(t, "id_idx", indices[0].Name)
	assert.Equal(t, "BTREE", indices[0].IndexType)

	meta := v2.IndicesFor("id")
	require.Len(t, meta, 1)
	idx, err := v2.LoadIndex(ctx, &meta[0])
	require.NoError(t, err)
	rows, ok, err := idx.(index.ScalarIndex).Search(index.ScalarQuery{Op: index.OpGt, Values: []interface{}{int64(44)}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), rows.GetCardinality())

	noReplace := false
	_, err = v2.CreateIndex(ctx, "id", contracts.IndexOptions{Type: contracts.IndexTypeBTree, Replace: &noReplace})
	assert.True(t, contracts.IsAlreadyExistsError(err))

	_, err = v2.CreateIndex(ctx, "name", contracts.IndexOptions{Type: contracts.IndexTypeIvfFlat})
	assert.True(t, contracts.IsValidationError(err))

	v3, err := v2.CreateIndex(ctx, "vec", contracts.IndexOptions{Type: contracts.IndexTypeIvfFlat, NumPartitions: 2})
	require.NoError(t, err)
	more := testRecord(t, 50, 10)
	defer more.Release()
	v4, err := v3.Append(ctx, []arrow.Record{more})
	require.NoError(t, err)

	stats, err := v4.IndexStats("vec_idx")
	require.NoError(t, err)
	assert.Equal(t, int64(50), stats.NumIndexedRows)
	assert.Equal(t, int64(10), stats.NumUnindexedRows)
	assert.Equal(t, "l2", stats.DistanceType)

	v5, rebuilt, err := v4.OptimizeIndices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rebuilt)
	stats, err = v5.IndexStats("vec_idx")
	require.NoError(t, err)
	assert.Equal(t, int64(60), stats.NumIndexedRows)
	assert.Zero(t, stats.NumUnindexedRows)

	v6, rebuilt, err := v5.OptimizeIndices(ctx)
	require.NoError(t, err)
	assert.Zero(t, rebuilt)
	assert.Equal(t, v5.Version(), v6.Version(), "nothing to rebuild means no commit")

	v7, err := v6.AlterColumns(ctx, []contracts.ColumnAlteration{{Path: "id", DataType: arrow.PrimitiveTypes.Float64}})
	require.NoError(t, err)
	assert.Empty(t, v7.IndicesFor("id"), "a cast drops indices on the old field")

	v8, err := v7.DropIndex(ctx, "vec_idx")
	require.NoError(t, err)
	assert.Empty(t, v8.ListIndices())
	_, err = v8.DropIndex(ctx, "vec_idx")
	assert.True(t, contracts.IsNotFoundError(err))
	t.Log("✅ Index catalog works")
}

func TestTakeAndRestore(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, 150)

	addrs := []uint64{index.RowAddress(1, 5), index.RowAddress(0, 3), index.RowAddress(1, 0)}
	rec, err := ds.Take(ctx, addrs, []string{"id"})
	require.NoError(t, err)
	defer rec.Release()
	col := rec.Column(0).(*array.Int64)
	assert.Equal(t, []int64{105, 3, 100}, col.Int64Values())

	v2, err := ds.Delete(ctx, "id >= 100")
	require.NoError(t, err)
	v3, err := v2.Restore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v3.Version())
	assert.Equal(t, int64(150), v3.CountRows())
	t.Log("✅ Take and Restore work")
}

func TestOverwrite(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, 30)
	v2, err := ds.CreateIndex(ctx, "id", contracts.IndexOptions{})
	require.NoError(t, err)

	rec := testRecord(t, 1000, 5)
	defer rec.Release()
	v3, err := v2.Overwrite(ctx, nil, []arrow.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, int64(5), v3.CountRows())
	assert.Empty(t, v3.ListIndices())
	assert.Greater(t, v3.Manifest().FieldByName("id").ID, v2.Manifest().MaxFieldID)
	assert.Equal(t, []int64{1000, 1001, 1002, 1003, 1004}, scanIDs(t, v3))
	t.Log("✅ Overwrite works")
}

func TestPins(t *testing.T) {
	release := Pin("memory://pins", 3)
	other := Pin("memory://pins", 3)
	assert.True(t, Pinned("memory://pins")[3])
	release()
	release()
	assert.True(t, Pinned("memory://pins")[3], "second pin still holds the version")
	other()
	assert.Empty(t, Pinned("memory://pins"))
}
