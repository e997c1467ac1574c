// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package query

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancedb/lancego/internal/dataset"
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

// rowVector is the vector stored for id; squared L2 between ids i and j is
// 64*(i-j)^2
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

func createTestDataset(t *testing.T, rows int) *dataset.Dataset {
	t.Helper()
	rec := testRecord(t, 0, rows)
	defer rec.Release()
	cfg := dataset.Config{Engine: contracts.EngineOptions{MaxRowsPerFile: 100, MaxRowsPerGroup: 16}}
	ds, err := dataset.Create(context.Background(), storage.NewMemoryStore(), cfg, nil, []arrow.Record{rec})
	if err != nil {
		t.Fatalf("❌ Failed to create dataset: %v", err)
	}
	return ds
}

func run(t *testing.T, ds *dataset.Dataset, req contracts.QueryRequest) []arrow.Record {
	t.Helper()
	ctx := context.Background()
	stream, err := New(ds).Execute(ctx, req)
	if err != nil {
		t.Fatalf("❌ Failed to execute query: %v", err)
	}
	records, err := Collect(ctx, stream)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, r := range records {
			r.Release()
		}
	})
	return records
}

func int64Column(t *testing.T, records []arrow.Record, name string) []int64 {
	t.Helper()
	var out []int64
	for _, rec := range records {
		idx := rec.Schema().FieldIndices(name)
		require.Len(t, idx, 1, "column %s", name)
		out = append(out, rec.Column(idx[0]).(*array.Int64).Int64Values()...)
	}
	return out
}

func float32Column(t *testing.T, records []arrow.Record, name string) []float32 {
	t.Helper()
	var out []float32
	for _, rec := range records {
		idx := rec.Schema().FieldIndices(name)
		require.Len(t, idx, 1, "column %s", name)
		out = append(out, rec.Column(idx[0]).(*array.Float32).Float32Values()...)
	}
	return out
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float32) *float32 { return &v }

func vectorRequest(limit int, vectors ...[]float32) contracts.QueryRequest {
	return contracts.QueryRequest{
		Limit:  intPtr(limit),
		Vector: &contracts.VectorClause{QueryVectors: vectors},
	}
}

func TestScanLimitOffset(t *testing.T) {
	ds := createTestDataset(t, 250)

	cases := []struct {
		name   string
		filter string
		limit  *int
		offset int
		want   []int64
	}{
		{name: "unfiltered window", limit: intPtr(3), offset: 98, want: []int64{98, 99, 100}},
		{name: "filtered window", filter: "id >= 100", limit: intPtr(30), offset: 5},
		{name: "offset past matches", filter: "id >= 100", limit: intPtr(30), offset: 140},
		{name: "limit zero", limit: intPtr(0)},
		{name: "unlimited", filter: "id < 40"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			records := run(t, ds, contracts.QueryRequest{Filter: tc.filter, Limit: tc.limit, Offset: tc.offset})
			ids := int64Column(t, records, "id")

			matching := 250
			first := 0
			if tc.filter == "id >= 100" {
				matching, first = 150, 100
			}
			if tc.filter == "id < 40" {
				matching = 40
			}
			want := matching - tc.offset
			if want < 0 {
				want = 0
			}
			if tc.limit != nil && *tc.limit < want {
				want = *tc.limit
			}
			require.Len(t, ids, want)
			for i, id := range ids {
				assert.Equal(t, int64(first+tc.offset+i), id)
			}
			if tc.want != nil {
				assert.Equal(t, tc.want, ids)
			}
		})
	}
	t.Log("✅ Scan honours limit and offset")
}

func TestScanProjectionAndRowID(t *testing.T) {
	ds := createTestDataset(t, 40)

	records := run(t, ds, contracts.QueryRequest{Columns: []string{"name", "_rowid", "id"}, Limit: intPtr(20)})
	require.NotEmpty(t, records)
	schema := records[0].Schema()
	require.Equal(t, 3, schema.NumFields())
	assert.Equal(t, "id", schema.Field(0).Name, "columns follow table order")
	assert.Equal(t, "name", schema.Field(1).Name)
	assert.Equal(t, RowIDColumn, schema.Field(2).Name)

	var rows []uint64
	for _, rec := range records {
		rows = append(rows, rec.Column(2).(*array.Uint64).Uint64Values()...)
	}
	require.Len(t, rows, 20)
	frag, offset := index.SplitRowAddress(rows[7])
	assert.Equal(t, ds.Manifest().Fragments[0].ID, frag)
	assert.Equal(t, uint32(7), offset)

	_, err := New(ds).Execute(context.Background(), contracts.QueryRequest{Columns: []string{"missing"}})
	assert.True(t, contracts.IsValidationError(err))
	_, err = New(ds).Execute(context.Background(), contracts.QueryRequest{Filter: "nope > 1"})
	assert.True(t, contracts.IsValidationError(err))
	_, err = New(ds).Execute(context.Background(), contracts.QueryRequest{Limit: intPtr(-1)})
	assert.True(t, contracts.IsValidationError(err))
}

func TestScanWithScalarIndex(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, 250)
	ds, err := ds.CreateIndex(ctx, "id", contracts.IndexOptions{Type: contracts.IndexTypeBTree})
	require.NoError(t, err)

	req := contracts.QueryRequest{Filter: "id > 50", Limit: intPtr(10)}
	ids := int64Column(t, run(t, ds, req), "id")
	assert.Equal(t, []int64{51, 52, 53, 54, 55, 56, 57, 58, 59, 60}, ids)

	plan, err := New(ds).Explain(ctx, req, true)
	require.NoError(t, err)
	assert.Contains(t, plan, "Scan")
	assert.Contains(t, plan, "id_idx")

	analyzed, err := New(ds).Analyze(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, analyzed, "index_searches=1")
	assert.Contains(t, analyzed, "output_rows=10")

	n, err := New(ds).CountRows(ctx, "id > 50 AND id <= 100")
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
	t.Log("✅ BTree index narrows the scan")
}

func TestVectorFlatSelfQuery(t *testing.T) {
	ds := createTestDataset(t, 250)
	req := vectorRequest(5, rowVector(42))
	req.Vector.BypassVectorIndex = true

	records := run(t, ds, req)
	ids := int64Column(t, records, "id")
	distances := float32Column(t, records, DistanceColumn)
	require.Len(t, ids, 5)
	assert.Equal(t, int64(42), ids[0])
	assert.Equal(t, float32(0), distances[0])
	for i := 1; i < len(distances); i++ {
		assert.LessOrEqual(t, distances[i-1], distances[i], "ascending distance")
	}
	assert.ElementsMatch(t, []int64{40, 41, 42, 43, 44}, ids)
}

func TestVectorIndexedSearch(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, 250)
	ds, err := ds.CreateIndex(ctx, "vec", contracts.IndexOptions{Type: contracts.IndexTypeIvfFlat})
	require.NoError(t, err)

	ids := int64Column(t, run(t, ds, vectorRequest(3, rowVector(42))), "id")
	require.NotEmpty(t, ids)
	assert.Equal(t, int64(42), ids[0])

	rec := testRecord(t, 250, 10)
	defer rec.Release()
	ds, err = ds.Append(ctx, []arrow.Record{rec})
	require.NoError(t, err)

	ids = int64Column(t, run(t, ds, vectorRequest(1, rowVector(255))), "id")
	assert.Equal(t, []int64{255}, ids, "unindexed rows are searched flat")

	fast := vectorRequest(1, rowVector(255))
	fast.FastSearch = true
	ids = int64Column(t, run(t, ds, fast), "id")
	require.Len(t, ids, 1)
	assert.Equal(t, int64(249), ids[0], "fast search only sees indexed rows")

	plan, err := New(ds).Explain(ctx, vectorRequest(1, rowVector(255)), true)
	require.NoError(t, err)
	assert.Contains(t, plan, "ANN")
	assert.Contains(t, plan, "FlatSearch")
	t.Log("✅ Indexed and unindexed fragments are both searched")
}

func TestVectorErrors(t *testing.T) {
	ds := createTestDataset(t, 20)
	ctx := context.Background()

	_, err := New(ds).Execute(ctx, vectorRequest(5, []float32{1, 2}))
	var mismatch *contracts.ErrDimensionMismatch
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "vec", mismatch.Column)
	assert.Equal(t, testDim, mismatch.Expected)
	assert.Equal(t, 2, mismatch.Actual)
	assert.True(t, contracts.IsValidationError(err))

	fast := vectorRequest(5, rowVector(1))
	fast.FastSearch = true
	_, err = New(ds).Execute(ctx, fast)
	assert.True(t, contracts.IsIndexUnavailableError(err))

	bad := vectorRequest(5, rowVector(1))
	bad.Vector.Column = "name"
	_, err = New(ds).Execute(ctx, bad)
	assert.True(t, contracts.IsValidationError(err))
}

func TestVectorPrefilterAndPostfilter(t *testing.T) {
	ds := createTestDataset(t, 250)

	pre := vectorRequest(5, rowVector(100))
	pre.Filter = "id < 10"
	ids := int64Column(t, run(t, ds, pre), "id")
	assert.Equal(t, []int64{9, 8, 7, 6, 5}, ids)

	post := pre.Clone()
	post.Postfilter = true
	ids = int64Column(t, run(t, ds, post), "id")
	assert.Empty(t, ids, "postfilter drops ranked rows without refilling")

	near := vectorRequest(5, rowVector(100))
	near.Filter = "id <= 100"
	near.Postfilter = true
	ids = int64Column(t, run(t, ds, near), "id")
	assert.Equal(t, []int64{100, 99, 98}, ids)
}

func TestVectorDistanceRangeAndMultiQuery(t *testing.T) {
	ds := createTestDataset(t, 100)

	ranged := vectorRequest(10, rowVector(30))
	ranged.Vector.LowerBound = floatPtr(1)
	ranged.Vector.UpperBound = floatPtr(300)
	ids := int64Column(t, run(t, ds, ranged), "id")
	assert.ElementsMatch(t, []int64{28, 29, 31, 32}, ids, "distances 64 and 256 are in [1, 300)")

	multi := vectorRequest(2, rowVector(10), rowVector(80))
	records := run(t, ds, multi)
	ids = int64Column(t, records, "id")
	require.Len(t, ids, 4)
	assert.Equal(t, int64(10), ids[0])
	assert.Equal(t, int64(80), ids[2])
	var queries []int32
	for _, rec := range records {
		idx := rec.Schema().FieldIndices(QueryIndex)
		require.Len(t, idx, 1)
		queries = append(queries, rec.Column(idx[0]).(*array.Int32).Int32Values()...)
	}
	assert.Equal(t, []int32{0, 0, 1, 1}, queries)
}

func TestFullTextSearch(t *testing.T) {
	ctx := context.Background()
	ds := createTestDataset(t, 120)
	req := contracts.QueryRequest{Text: &contracts.TextClause{Query: "name_42"}}

	records := run(t, ds, req)
	assert.Equal(t, []int64{42}, int64Column(t, records, "id"), "no index searches transiently")
	scores := float32Column(t, records, ScoreColumn)
	require.Len(t, scores, 1)
	assert.Greater(t, scores[0], float32(0))

	fast := req.Clone()
	fast.FastSearch = true
	_, err := New(ds).Execute(ctx, fast)
	assert.True(t, contracts.IsIndexUnavailableError(err))

	ds, err = ds.CreateIndex(ctx, "name", contracts.IndexOptions{Type: contracts.IndexTypeFts})
	require.NoError(t, err)
	rec := testRecord(t, 120, 5)
	defer rec.Release()
	ds, err = ds.Append(ctx, []arrow.Record{rec})
	require.NoError(t, err)

	both := contracts.QueryRequest{Text: &contracts.TextClause{Query: "name_42 name_122"}}
	assert.ElementsMatch(t, []int64{42, 122}, int64Column(t, run(t, ds, both), "id"))

	both.FastSearch = true
	assert.Equal(t, []int64{42}, int64Column(t, run(t, ds, both), "id"), "fast search skips unindexed rows")

	filtered := contracts.QueryRequest{Filter: "id > 100", Text: &contracts.TextClause{Query: "name_42 name_122"}}
	assert.Equal(t, []int64{122}, int64Column(t, run(t, ds, filtered), "id"))
	t.Log("✅ BM25 search over indexed and unindexed rows")
}

func TestHybridUnion(t *testing.T) {
	ds := createTestDataset(t, 250)
	req := contracts.QueryRequest{
		Limit:  intPtr(10),
		Vector: &contracts.VectorClause{QueryVectors: [][]float32{rowVector(0)}, UpperBound: floatPtr(0.5)},
		Text:   &contracts.TextClause{Query: "name_200 name_201"},
	}
	records := run(t, ds, req)
	assert.ElementsMatch(t, []int64{0, 200, 201}, int64Column(t, records, "id"))
	relevance := float32Column(t, records, RelevanceColumn)
	require.Len(t, relevance, 3)
	for _, r := range relevance {
		assert.Greater(t, r, float32(0))
	}

	two := req.Clone()
	two.Vector.QueryVectors = append(two.Vector.QueryVectors, rowVector(1))
	_, err := New(ds).Execute(context.Background(), two)
	assert.True(t, contracts.IsValidationError(err))

	plan, err := New(ds).Explain(context.Background(), req, true)
	require.NoError(t, err)
	assert.Contains(t, plan, "HybridSearch")
	assert.Contains(t, plan, "Fuse")
	t.Log("✅ Disjoint hybrid results are unioned")
}

func TestHybridPostfilterOrder(t *testing.T) {
	ds := createTestDataset(t, 100)
	base := contracts.QueryRequest{
		Filter:     "id >= 11",
		Postfilter: true,
		Limit:      intPtr(3),
		Vector:     &contracts.VectorClause{QueryVectors: [][]float32{rowVector(10)}},
		Text:       &contracts.TextClause{Query: "name_12"},
		Hybrid: &contracts.HybridClause{
			Norm:         contracts.NormScore,
			Reranker:     contracts.RerankerLinear,
			VectorWeight: 1,
		},
	}

	normFirst := base.Clone()
	normFirst.Hybrid.PostfilterOrder = contracts.NormalizeThenFilter
	records := run(t, ds, normFirst)
	ids := int64Column(t, records, "id")
	for _, id := range ids {
		assert.GreaterOrEqual(t, id, int64(11))
	}
	first := float32Column(t, records, RelevanceColumn)

	filterFirst := base.Clone()
	filterFirst.Hybrid.PostfilterOrder = contracts.FilterThenNormalize
	records = run(t, ds, filterFirst)
	ids = int64Column(t, records, "id")
	for _, id := range ids {
		assert.GreaterOrEqual(t, id, int64(11))
	}
	second := float32Column(t, records, RelevanceColumn)

	require.NotEmpty(t, first)
	require.NotEmpty(t, second)
	assert.Less(t, first[0], float32(1), "the unfiltered best row sets the scale")
	assert.Equal(t, float32(1), second[0], "the filtered best row sets the scale")
}

func TestHybridTextNorm(t *testing.T) {
	ds := createTestDataset(t, 50)
	rank := contracts.NormRank
	req := contracts.QueryRequest{
		Vector: &contracts.VectorClause{QueryVectors: [][]float32{rowVector(3)}},
		Text:   &contracts.TextClause{Query: "name_3", Norm: &rank},
		Hybrid: &contracts.HybridClause{Norm: contracts.NormScore, Reranker: contracts.RerankerLinear, VectorWeight: 0.5},
	}
	plan, err := New(ds).Explain(context.Background(), req, true)
	require.NoError(t, err)
	assert.Contains(t, plan, "norm: rank", "the text clause norm wins over the hybrid default")

	req.Text.Norm = nil
	plan, err = New(ds).Explain(context.Background(), req, true)
	require.NoError(t, err)
	assert.Contains(t, plan, "norm: score")

	cloned := contracts.QueryRequest{Text: &contracts.TextClause{Query: "x", Norm: &rank}}.Clone()
	*cloned.Text.Norm = contracts.NormScore
	assert.Equal(t, contracts.NormRank, rank, "clone copies the norm")
}

func TestFusion(t *testing.T) {
	vector := normalize(contracts.NormScore, []index.ScoredRow{{RowID: 1, Score: 1}, {RowID: 2, Score: 0.5}, {RowID: 3, Score: 0}})
	assert.Equal(t, 1.0, vector.norm[1])
	assert.Equal(t, 0.5, vector.norm[2])
	assert.Equal(t, 0.0, vector.norm[3])

	text := normalize(contracts.NormRank, []index.ScoredRow{{RowID: 4, Score: 9}, {RowID: 1, Score: 3}})
	assert.Equal(t, 1.0, text.norm[4])
	assert.Equal(t, 0.5, text.norm[1])

	linear := fuse(contracts.HybridClause{Reranker: contracts.RerankerLinear, VectorWeight: 0.5}, vector, text, nil)
	require.Len(t, linear, 4)
	assert.Equal(t, uint64(1), linear[0].row)
	assert.InDelta(t, 0.75, linear[0].score, 1e-6)

	rrf := fuse(contracts.HybridClause{Reranker: contracts.RerankerRRF, RRFK: 60}, vector, text, map[uint64]bool{1: true, 4: true})
	require.Len(t, rrf, 2)
	assert.Equal(t, uint64(1), rrf[0].row, "row 1 is ranked by both lists")
	assert.InDelta(t, 1.0/61+1.0/62, rrf[0].score, 1e-6)
}

func TestStreamClose(t *testing.T) {
	ds := createTestDataset(t, 100)
	ctx := context.Background()
	stream, err := New(ds).Execute(ctx, contracts.QueryRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, stream.Schema().NumFields())

	rec, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(16), rec.NumRows())
	rec.Release()

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	_, err = stream.Next(ctx)
	assert.Error(t, err)
}
