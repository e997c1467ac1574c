// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package expr

import (
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row() MapRow {
	return MapRow{
		"id":       int64(42),
		"price":    19.5,
		"name":     "Laptop Pro",
		"category": "electronics",
		"active":   true,
		"labels":   []interface{}{"red", "blue"},
		"missing":  nil,
		"ts":       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		"odd name": int64(7),
	}
}

func TestFilterEvaluation(t *testing.T) {
	cases := []struct {
		filter string
		want   bool
	}{
		{"id = 42", true},
		{"id <> 42", false},
		{"id > 40 AND price < 20", true},
		{"id > 50 OR category = 'electronics'", true},
		{"NOT active", false},
		{"id IN (1, 2, 42)", true},
		{"id NOT IN (1, 2)", true},
		{"price BETWEEN 10 AND 20", true},
		{"price NOT BETWEEN 10 AND 20", false},
		{"missing IS NULL", true},
		{"missing IS NOT NULL", false},
		{"name LIKE 'Lap%'", true},
		{"name LIKE '_aptop Pro'", true},
		{"name NOT LIKE '%Phone%'", true},
		{"id * 2 + 1 = 85", true},
		{"price / 2 > 9", true},
		{"id % 5 = 2", true},
		{"lower(name) = 'laptop pro'", true},
		{"array_has_any(labels, ['green', 'blue'])", true},
		{"array_has_all(labels, ['red', 'green'])", false},
		{"array_contains(labels, 'red')", true},
		{"ts > '2024-01-01'", true},
		{"`odd name` = 7", true},
		{"(id = 1 OR id = 42) AND active = TRUE", true},
		{"missing = 1", false},
		{"missing = 1 OR id = 42", true},
		{"-price < 0", true},
	}

	for _, tc := range cases {
		n, err := Parse(tc.filter)
		require.NoError(t, err, tc.filter)
		got, err := Matches(n, row())
		require.NoError(t, err, tc.filter)
		assert.Equal(t, tc.want, got, tc.filter)
	}
	t.Logf("✅ %d filters evaluated", len(cases))
}

func TestThreeValuedLogic(t *testing.T) {
	r := row()
	for filter, want := range map[string]interface{}{
		"missing = 1":             nil,
		"missing = 1 AND id = 42": nil,
		"missing = 1 AND id = 0":  false,
		"missing = 1 OR id = 0":   nil,
		"id IN (1, NULL)":         nil,
		"id IN (42, NULL)":        true,
		"coalesce(missing, 5)":    int64(5),
	} {
		n, err := Parse(filter)
		require.NoError(t, err)
		got, err := Eval(n, r)
		require.NoError(t, err)
		assert.Equal(t, want, got, filter)
	}
}

func TestParseErrors(t *testing.T) {
	for _, bad := range []string{
		"",
		"id >",
		"id = 'unterminated",
		"(id = 1",
		"id NOT 5",
		"name LIKE 5",
		"id = 1 extra",
		"id IS 5",
		"a ! b",
	} {
		_, err := Parse(bad)
		assert.Error(t, err, "expected parse error for %q", bad)
	}
}

func TestStringRoundTrip(t *testing.T) {
	n, err := Parse("id > 5 AND name LIKE 'it''s%' AND `odd name` IN (1, 2)")
	require.NoError(t, err)
	again, err := Parse(n.String())
	require.NoError(t, err)
	assert.Equal(t, n.String(), again.String())
}

func TestMarshalRoundTrip(t *testing.T) {
	n, err := Parse("id BETWEEN 1 AND 100 AND NOT (category IN ('a', 'b')) AND array_has_any(labels, ['x']) AND price * 1.5 > 3")
	require.NoError(t, err)

	data, err := Marshal(n)
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, n.String(), decoded.String())

	lit := decoded.(*Binary).R.(*Binary).R.(*Literal)
	assert.IsType(t, int64(0), lit.Value, "integers must survive JSON as int64")
}

func TestColumnsAndConjuncts(t *testing.T) {
	n, err := Parse("a > 1 AND (b = 2 OR c = 3) AND a < 10")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, Columns(n))
	assert.Len(t, Conjuncts(n), 3)
	assert.Nil(t, And())
	assert.Equal(t, n.String(), And(Conjuncts(n)...).String())
}

func TestValidate(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "ts", Type: arrow.FixedWidthTypes.Timestamp_us},
	}, nil)

	ok := []string{"id > 5", "name = 'x'", "ts > '2024-01-01'", "lower(name) LIKE 'a%'", "id IN (1, 2)"}
	for _, f := range ok {
		n, err := Parse(f)
		require.NoError(t, err)
		assert.NoError(t, Validate(n, schema), f)
	}

	bad := []string{"nope = 1", "name > 5", "id = 'x'", "frobnicate(id)", "id LIKE 'a%'", "lower(name, id) = 'a'"}
	for _, f := range bad {
		n, err := Parse(f)
		require.NoError(t, err)
		assert.Error(t, Validate(n, schema), f)
	}
}

func TestBuildArrayAndValueAt(t *testing.T) {
	mem := memory.NewGoAllocator()

	arr, err := BuildArray(mem, arrow.PrimitiveTypes.Int32, []interface{}{int64(1), nil, 3.0})
	require.NoError(t, err)
	defer arr.Release()
	assert.Equal(t, 3, arr.Len())
	assert.Equal(t, int64(1), ValueAt(arr, 0))
	assert.Nil(t, ValueAt(arr, 1))
	assert.Equal(t, int64(3), ValueAt(arr, 2))

	_, err = BuildArray(mem, arrow.PrimitiveTypes.Int32, []interface{}{1.5})
	assert.Error(t, err)

	vec, err := BuildArray(mem, arrow.FixedSizeListOf(2, arrow.PrimitiveTypes.Float32), []interface{}{[]float32{1, 2}, nil})
	require.NoError(t, err)
	defer vec.Release()
	assert.Equal(t, []interface{}{1.0, 2.0}, ValueAt(vec, 0))
	assert.True(t, vec.IsNull(1))

	labels, err := BuildArray(mem, arrow.ListOf(arrow.BinaryTypes.String), []interface{}{[]interface{}{"a", "b"}, []string{}})
	require.NoError(t, err)
	defer labels.Release()
	assert.Equal(t, []interface{}{"a", "b"}, ValueAt(labels, 0))
	assert.Equal(t, []interface{}{}, ValueAt(labels, 1))

	ts, err := BuildArray(mem, arrow.FixedWidthTypes.Timestamp_us, []interface{}{"2024-03-01"})
	require.NoError(t, err)
	defer ts.Release()
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ValueAt(ts, 0))

	assert.Equal(t, arrow.PrimitiveTypes.Float64, InferType([]interface{}{nil, 1.5}))
	assert.Equal(t, arrow.BinaryTypes.String, InferType([]interface{}{nil}))
}

func TestRecordRow(t *testing.T) {
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues([]int64{5, 60}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	n, err := Parse("id > 50")
	require.NoError(t, err)
	r := &RecordRow{Columns: ColumnsOf(rec)}
	var hits []int
	for i := 0; i < int(rec.NumRows()); i++ {
		r.Index = i
		ok, err := Matches(n, r)
		require.NoError(t, err)
		if ok {
			hits = append(hits, i)
		}
	}
	assert.Equal(t, []int{1}, hits)

	_, err = Eval(&Column{Name: "nope"}, r)
	assert.Error(t, err)
}
