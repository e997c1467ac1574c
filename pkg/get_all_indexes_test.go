// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package lancedb

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancedb/lancego/pkg/contracts"
)

const (
	indexedRows = 300
	indexedDim  = 16
)

// catalogRecord builds rows whose labels are "tag<i%3>" plus "even" on even
// ids, so label filters have predictable answers
func catalogRecord(t *testing.T, schema *arrow.Schema) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer b.Release()

	ids := b.Field(0).(*array.Int64Builder)
	cats := b.Field(1).(*array.StringBuilder)
	labels := b.Field(2).(*array.ListBuilder)
	labelValues := labels.ValueBuilder().(*array.StringBuilder)
	texts := b.Field(3).(*array.StringBuilder)
	vectors := b.Field(4).(*array.FixedSizeListBuilder)
	vectorValues := vectors.ValueBuilder().(*array.Float32Builder)

	categories := []string{"A", "B", "C", "D", "E"}
	for i := 0; i < indexedRows; i++ {
		ids.Append(int64(i))
		cats.Append(categories[i%len(categories)])
		labels.Append(true)
		labelValues.Append(fmt.Sprintf("tag%d", i%3))
		if i%2 == 0 {
			labelValues.Append("even")
		}
		texts.Append(fmt.Sprintf("user %d writes about topic %d", i, i%7))
		vectors.Append(true)
		for j := 0; j < indexedDim; j++ {
			vectorValues.Append(float32(i)*0.1 + float32(j)*0.001)
		}
	}
	return b.NewRecord()
}

func TestIndexKinds(t *testing.T) {
	ctx := context.Background()
	conn, err := Connect(ctx, filepath.Join(t.TempDir(), "kinds"), nil)
	require.NoError(t, err)
	defer conn.Close()

	schema, err := NewSchemaBuilder().
		AddInt64Field("id", false).
		AddStringField("category", true).
		AddLabelListField("labels", true).
		AddStringField("text", true).
		AddVectorField("embedding", indexedDim, contracts.VectorDataTypeFloat32, false).
		Build()
	require.NoError(t, err)

	record := catalogRecord(t, schema.ToArrowSchema())
	defer record.Release()
	table, err := conn.CreateTableWithData(ctx, "kinds", []arrow.Record{record}, &contracts.CreateTableOptions{Schema: schema})
	require.NoError(t, err)
	defer table.Close()

	indexes, err := table.GetAllIndexes(ctx)
	require.NoError(t, err)
	assert.Empty(t, indexes)

	steps := []struct {
		name   string
		column string
		kind   contracts.IndexType
	}{
		{"id_idx", "id", contracts.IndexTypeBTree},
		{"category_idx", "category", contracts.IndexTypeBitmap},
		{"labels_idx", "labels", contracts.IndexTypeLabelList},
		{"text_idx", "text", contracts.IndexTypeFts},
		{"embedding_ivf_pq", "embedding", contracts.IndexTypeIvfPq},
		{"embedding_ivf_flat", "embedding", contracts.IndexTypeIvfFlat},
		{"embedding_hnsw_pq", "embedding", contracts.IndexTypeHnswPq},
		{"embedding_hnsw_sq", "embedding", contracts.IndexTypeHnswSq},
	}
	for i, step := range steps {
		if err := table.CreateIndexWithName(ctx, []string{step.column}, step.kind, step.name); err != nil {
			t.Fatalf("❌Failed to create %s index %s: %v", step.kind, step.name, err)
		}
		version, err := table.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, i+2, version, "every index build commits one version")

		indexes, err = table.GetAllIndexes(ctx)
		require.NoError(t, err)
		require.Len(t, indexes, i+1, "indices of different kinds on one column coexist")
		assert.True(t, hasIndex(indexes, step.name, step.kind.String()), "missing %s", step.name)

		stats, err := table.IndexStats(ctx, step.name)
		require.NoError(t, err)
		assert.Equal(t, step.kind.String(), stats.IndexType)
		assert.Equal(t, []string{step.column}, stats.Columns)
		assert.Equal(t, int64(indexedRows), stats.NumIndexedRows)
		assert.Zero(t, stats.NumUnindexedRows)
		assert.Equal(t, version-1, stats.BuildVersion, "an index records the version it was trained on")
		if step.kind.IsVector() {
			assert.Equal(t, "l2", stats.DistanceType)
		} else {
			assert.Empty(t, stats.DistanceType)
		}
	}
	t.Logf("✅ Built %d index kinds", len(steps))

	// AUTO on a vector column is IVF_PQ and takes the slot of the existing one
	require.NoError(t, table.CreateIndex(ctx, []string{"embedding"}, contracts.IndexTypeAuto))
	indexes, err = table.GetAllIndexes(ctx)
	require.NoError(t, err)
	assert.Len(t, indexes, len(steps))
	assert.True(t, hasIndex(indexes, "embedding_idx", "IVF_PQ"))
	assert.False(t, hasIndex(indexes, "embedding_ivf_pq", "IVF_PQ"))

	rejected := []struct {
		column string
		kind   contracts.IndexType
	}{
		{"category", contracts.IndexTypeLabelList},
		{"labels", contracts.IndexTypeBitmap},
		{"labels", contracts.IndexTypeBTree},
		{"id", contracts.IndexTypeFts},
		{"labels", contracts.IndexTypeHnswSq},
	}
	for _, r := range rejected {
		err := table.CreateIndex(ctx, []string{r.column}, r.kind)
		assert.True(t, contracts.IsValidationError(err), "%s on %s, got %v", r.kind, r.column, err)
	}
	version, err := table.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(steps)+2, version, "rejected builds commit nothing")

	n, err := table.CountRows(ctx, "array_has_any(labels, ['even'])")
	require.NoError(t, err)
	assert.Equal(t, int64(indexedRows/2), n)
	n, err = table.CountRows(ctx, "array_has_all(labels, ['even', 'tag0'])")
	require.NoError(t, err)
	assert.Equal(t, int64(indexedRows/6), n)

	plan, err := table.Query().Filter("array_has_any(labels, ['even'])").ExplainPlan(ctx, true)
	require.NoError(t, err)
	assert.Contains(t, plan, "labels_idx (LABEL_LIST)")
	plan, err = table.Query().Filter("category = 'C'").ExplainPlan(ctx, true)
	require.NoError(t, err)
	assert.Contains(t, plan, "category_idx (BITMAP)")

	require.NoError(t, table.Close())
	_, err = table.GetAllIndexes(ctx)
	require.Error(t, err, "closed table should reject GetAllIndexes")
	t.Log("✅ Index kinds are validated, listed and used by filters")
}

func TestParseIndexType(t *testing.T) {
	cases := map[string]contracts.IndexType{
		"":            contracts.IndexTypeAuto,
		"ivf_pq":      contracts.IndexTypeIvfPq,
		"IVF_FLAT":    contracts.IndexTypeIvfFlat,
		"HNSW_PQ":     contracts.IndexTypeHnswPq,
		"IVF_HNSW_SQ": contracts.IndexTypeHnswSq,
		"bitmap":      contracts.IndexTypeBitmap,
		"LABEL_LIST":  contracts.IndexTypeLabelList,
		"INVERTED":    contracts.IndexTypeFts,
	}
	for in, want := range cases {
		got, err := contracts.ParseIndexType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	assert.Equal(t, "IVF_HNSW_SQ", contracts.IndexTypeHnswSq.String())
	assert.True(t, contracts.IndexTypeHnswSq.IsVector())
	assert.False(t, contracts.IndexTypeLabelList.IsVector())

	_, err := contracts.ParseIndexType("RTREE")
	assert.Error(t, err)
}

func hasIndex(indexes []contracts.IndexInfo, name, kind string) bool {
	for _, idx := range indexes {
		if idx.Name == name && idx.IndexType == kind {
			return true
		}
	}
	return false
}
