// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package maintenance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancedb/lancego/internal/dataset"
	"github.com/lancedb/lancego/internal/query"
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

func rowVector(id int) []float32 {
	v := make([]float32, testDim)
	for j := range v {
		v[j] = float32(id*testDim + j)
	}
	return v
}

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
		values.AppendValues(rowVector(i), nil)
	}
	return b.NewRecord()
}

// newStore returns a named store so that pins of parallel tests never
// collide
func newStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.SharedMemoryStore(t.Name())
	require.NoError(t, store.DeletePrefix(context.Background(), ""))
	t.Cleanup(func() {
		_ = store.DeletePrefix(context.Background(), "")
	})
	return store
}

func createTestDataset(t *testing.T, store storage.ObjectStore, rows int) *dataset.Dataset {
	t.Helper()
	rec := testRecord(t, 0, rows)
	defer rec.Release()
	cfg := dataset.Config{Engine: contracts.EngineOptions{MaxRowsPerFile: 100, MaxRowsPerGroup: 16}}
	ds, err := dataset.Create(context.Background(), store, cfg, nil, []arrow.Record{rec})
	if err != nil {
		t.Fatalf("❌ Failed to create dataset: %v", err)
	}
	return ds
}

func appendRows(t *testing.T, ds *dataset.Dataset, start, n int) *dataset.Dataset {
	t.Helper()
	rec := testRecord(t, start, n)
	defer rec.Release()
	out, err := ds.Append(context.Background(), []arrow.Record{rec})
	require.NoError(t, err)
	return out
}

// scanIDs returns the ids a full scan yields, in order
func scanIDs(t *testing.T, ds *dataset.Dataset) []int64 {
	t.Helper()
	ctx := context.Background()
	stream, err := query.New(ds).Execute(ctx, contracts.QueryRequest{Columns: []string{"id"}})
	require.NoError(t, err)
	records, err := query.Collect(ctx, stream)
	require.NoError(t, err)
	var out []int64
	for _, rec := range records {
		col := rec.Column(0).(*array.Int64)
		for i := 0; i < col.Len(); i++ {
			out = append(out, col.Value(i))
		}
		rec.Release()
	}
	return out
}

func nearestID(t *testing.T, ds *dataset.Dataset, id int) int64 {
	t.Helper()
	limit := 1
	ids := scanRequest(t, ds, contracts.QueryRequest{
		Columns: []string{"id"},
		Limit:   &limit,
		Vector:  &contracts.VectorClause{QueryVectors: [][]float32{rowVector(id)}},
	})
	require.Len(t, ids, 1)
	return ids[0]
}

func scanRequest(t *testing.T, ds *dataset.Dataset, req contracts.QueryRequest) []int64 {
	t.Helper()
	ctx := context.Background()
	stream, err := query.New(ds).Execute(ctx, req)
	require.NoError(t, err)
	records, err := query.Collect(ctx, stream)
	require.NoError(t, err)
	var out []int64
	for _, rec := range records {
		col := rec.Column(0).(*array.Int64)
		for i := 0; i < col.Len(); i++ {
			out = append(out, col.Value(i))
		}
		rec.Release()
	}
	return out
}

func TestOptimizeCompactsFragments(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, newStore(t), 250)
	for i := 0; i < 3; i++ {
		ds = appendRows(t, ds, 250+i*10, 10)
	}
	ds, err := ds.CreateIndex(ctx, "vec", contracts.IndexOptions{Type: contracts.IndexTypeIvfFlat, NumPartitions: 2})
	require.NoError(t, err)
	ds, err = ds.Delete(ctx, "id < 5")
	require.NoError(t, err)
	require.Len(t, ds.Manifest().Fragments, 6)

	before := scanIDs(t, ds)
	require.Len(t, before, 275)

	out, stats, err := Optimize(ctx, ds, contracts.WithTargetRowsPerFragment(1000))
	if err != nil {
		t.Fatalf("❌ Optimize failed: %v", err)
	}
	assert.Equal(t, 6, stats.Compaction.FragmentsRemoved)
	assert.Equal(t, 1, stats.Compaction.FragmentsAdded)
	assert.Equal(t, 6, stats.Compaction.FilesRemoved)
	assert.Equal(t, 1, stats.Compaction.FilesAdded)
	assert.Equal(t, 1, stats.IndicesRebuilt)
	assert.Zero(t, stats.Prune.OldVersionsRemoved, "default retention keeps recent versions")

	require.Len(t, out.Manifest().Fragments, 1)
	frag := out.Manifest().Fragments[0]
	assert.Nil(t, frag.Deletion, "deletions are materialized")
	assert.Equal(t, int64(275), frag.PhysicalRows)
	assert.Equal(t, before, scanIDs(t, out))

	idx := out.Manifest().IndexByName("vec_idx")
	require.NotNil(t, idx)
	assert.Equal(t, []uint32{frag.ID}, idx.FragmentIDs)
	assert.Equal(t, int64(42), nearestID(t, out, 42))
	assert.Equal(t, int64(255), nearestID(t, out, 255))

	// the pre-compaction snapshot still reads its own files
	old, err := out.Checkout(ctx, ds.Version())
	require.NoError(t, err)
	assert.Equal(t, before, scanIDs(t, old))
	t.Log("✅ Optimize merges fragments and refreshes indices")
}

func TestOptimizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, newStore(t), 120)
	ds = appendRows(t, ds, 120, 30)

	first, _, err := Optimize(ctx, ds, contracts.WithTargetRowsPerFragment(500))
	require.NoError(t, err)
	second, stats, err := Optimize(ctx, first, contracts.WithTargetRowsPerFragment(500))
	require.NoError(t, err)

	assert.Equal(t, contracts.CompactionStats{}, stats.Compaction)
	assert.Zero(t, stats.IndicesRebuilt)
	assert.Equal(t, first.Version(), second.Version(), "nothing to do commits nothing")
	t.Log("✅ A second Optimize is a no-op")
}

func TestDeleteLeavesNothingToCompact(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, newStore(t), 300)
	ds = appendRows(t, ds, 300, 10)
	ds = appendRows(t, ds, 310, 10)
	require.Len(t, ds.Manifest().Fragments, 5)

	ds, err := ds.Delete(ctx, "id >= 300")
	require.NoError(t, err)
	require.Len(t, ds.Manifest().Fragments, 3, "fully deleted fragments leave the manifest on delete")
	for _, frag := range ds.Manifest().Fragments {
		assert.Nil(t, frag.Deletion, "untouched fragments carry no deletion file")
	}

	out, stats, err := Compact(ctx, ds, Options(contracts.WithTargetRowsPerFragment(50)))
	require.NoError(t, err)
	assert.Equal(t, contracts.CompactionStats{}, stats, "large fragments without deletions stay as they are")
	assert.Equal(t, ds.Version(), out.Version(), "nothing to compact commits nothing")
	assert.Equal(t, int64(300), out.CountRows())
	t.Log("✅ Delete drops emptied fragments and Compact leaves the rest alone")
}

func TestCompactMaterializesDeletions(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, newStore(t), 200)
	ds, err := ds.Delete(ctx, "id < 20")
	require.NoError(t, err)

	out, stats, err := Compact(ctx, ds, Options(contracts.WithTargetRowsPerFragment(50)))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FragmentsRemoved)
	assert.Equal(t, 2, stats.FragmentsAdded, "80 live rows split at the target")

	frags := out.Manifest().Fragments
	require.Len(t, frags, 3)
	assert.Equal(t, int64(50), frags[0].PhysicalRows)
	assert.Equal(t, int64(30), frags[1].PhysicalRows)
	assert.Equal(t, int64(100), frags[2].PhysicalRows)
	assert.Greater(t, frags[0].ID, frags[2].ID, "new fragments get fresh ids")

	ids := scanIDs(t, out)
	require.Len(t, ids, 180)
	assert.Equal(t, int64(20), ids[0])
	assert.Equal(t, int64(199), ids[len(ids)-1])

	_, _, err = Compact(ctx, ds, Options(contracts.WithTargetRowsPerFragment(0)))
	assert.True(t, contracts.IsValidationError(err))
	t.Log("✅ Deletion-heavy fragments are rewritten")
}

func TestCleanupKeepsPinnedVersions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ds := createTestDataset(t, store, 150)
	ds = appendRows(t, ds, 150, 10)
	ds, err := ds.Delete(ctx, "id < 10")
	require.NoError(t, err)
	require.Equal(t, uint64(3), ds.Version())

	v1, err := ds.Checkout(ctx, 1)
	require.NoError(t, err)
	release := v1.Pin()

	stats, err := Cleanup(ctx, ds, Options(contracts.WithCleanupOlderThan(0)))
	if err != nil {
		t.Fatalf("❌ Cleanup failed: %v", err)
	}
	assert.Equal(t, 1, stats.OldVersionsRemoved, "only version 2 is neither current nor pinned")
	assert.Greater(t, stats.BytesRemoved, int64(0))
	assert.Len(t, scanIDs(t, v1), 150, "pinned snapshot stays readable")

	release()
	stats, err = Cleanup(ctx, ds, Options(contracts.WithCleanupOlderThan(0)))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OldVersionsRemoved)

	versions, err := ds.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 3, versions[0].Version)

	_, err = ds.Checkout(ctx, 1)
	assert.True(t, contracts.IsStaleSnapshotError(err), "got %v", err)
	assert.Len(t, scanIDs(t, ds), 150)

	again, err := Cleanup(ctx, ds, Options(contracts.WithCleanupOlderThan(0)))
	require.NoError(t, err)
	assert.Equal(t, contracts.CleanupStats{}, again)
	t.Log("✅ Cleanup honours pins and retention")
}

func TestCleanupRetentionWindow(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, newStore(t), 20)
	ds = appendRows(t, ds, 20, 5)

	stats, err := Cleanup(ctx, ds, Options())
	require.NoError(t, err)
	assert.Zero(t, stats.OldVersionsRemoved, "versions younger than a week are kept")

	_, err = Cleanup(ctx, ds, Options(contracts.WithCleanupOlderThan(-time.Second)))
	assert.True(t, contracts.IsValidationError(err))
	t.Log("✅ Recent versions survive the default retention")
}

func TestCleanupRemovesReplacedFiles(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ds := createTestDataset(t, store, 50)
	oldFile := ds.Manifest().Fragments[0].Files[0].Path

	rec := testRecord(t, 100, 5)
	defer rec.Release()
	ds, err := ds.Overwrite(ctx, testSchema(), []arrow.Record{rec})
	require.NoError(t, err)

	exists, err := store.Exists(ctx, oldFile)
	require.NoError(t, err)
	require.True(t, exists)

	_, err = Cleanup(ctx, ds, Options(contracts.WithCleanupOlderThan(0)))
	require.NoError(t, err)
	exists, err = store.Exists(ctx, oldFile)
	require.NoError(t, err)
	assert.False(t, exists, "files of pruned versions are removed without the grace period")
	assert.Equal(t, []int64{100, 101, 102, 103, 104}, scanIDs(t, ds))
	t.Log("✅ Cleanup removes files only old versions referenced")
}

func TestCleanupUnverifiedFiles(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ds := createTestDataset(t, store, 10)

	store.SetClock(func() time.Time { return time.Now().Add(-8 * 24 * time.Hour) })
	require.NoError(t, store.Put(ctx, "data/stale-orphan.arrow", []byte("stale")))
	store.SetClock(time.Now)
	require.NoError(t, store.Put(ctx, "data/fresh-orphan.arrow", []byte("fresh")))

	stats, err := Cleanup(ctx, ds, Options(contracts.WithCleanupOlderThan(0)))
	require.NoError(t, err)
	assert.Equal(t, int64(len("stale")), stats.BytesRemoved)
	stale, _ := store.Exists(ctx, "data/stale-orphan.arrow")
	fresh, _ := store.Exists(ctx, "data/fresh-orphan.arrow")
	assert.False(t, stale)
	assert.True(t, fresh, "unverified files inside the grace period are kept")

	stats, err = Cleanup(ctx, ds, Options(contracts.WithCleanupOlderThan(0), contracts.WithDeleteUnverified(true)))
	require.NoError(t, err)
	assert.Equal(t, int64(len("fresh")), stats.BytesRemoved)
	fresh, _ = store.Exists(ctx, "data/fresh-orphan.arrow")
	assert.False(t, fresh)
	assert.Len(t, scanIDs(t, ds), 10, "referenced files are never unverified")
	t.Log("✅ Unverified files respect the grace period")
}
