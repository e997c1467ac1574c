// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package expr

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/float16"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// RecordRow exposes one row of a set of named arrays to the evaluator
type RecordRow struct {
	Columns map[string]arrow.Array
	Index   int
}

func (r *RecordRow) Value(column string) (interface{}, bool) {
	arr, ok := r.Columns[column]
	if !ok {
		return nil, false
	}
	return ValueAt(arr, r.Index), true
}

// ColumnsOf indexes the columns of a record by field name
func ColumnsOf(rec arrow.Record) map[string]arrow.Array {
	out := make(map[string]arrow.Array, rec.NumCols())
	for i, f := range rec.Schema().Fields() {
		out[f.Name] = rec.Column(i)
	}
	return out
}

// ValueAt converts one array slot to an evaluator value
//
//nolint:gocyclo
func ValueAt(arr arrow.Array, i int) interface{} {
	if arr.IsNull(i) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int64:
		return a.Value(i)
	case *array.Uint8:
		return int64(a.Value(i))
	case *array.Uint16:
		return int64(a.Value(i))
	case *array.Uint32:
		return int64(a.Value(i))
	case *array.Uint64:
		v := a.Value(i)
		if v > math.MaxInt64 {
			return float64(v)
		}
		return int64(v)
	case *array.Float16:
		return float64(a.Value(i).Float32())
	case *array.Float32:
		return float64(a.Value(i))
	case *array.Float64:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Binary:
		return append([]byte(nil), a.Value(i)...)
	case *array.Boolean:
		return a.Value(i)
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC()
	case *array.Date32:
		return a.Value(i).ToTime().UTC()
	case *array.Date64:
		return a.Value(i).ToTime().UTC()
	case *array.List:
		start, end := a.ValueOffsets(i)
		return sliceValues(a.ListValues(), int(start), int(end))
	case *array.LargeList:
		start, end := a.ValueOffsets(i)
		return sliceValues(a.ListValues(), int(start), int(end))
	case *array.FixedSizeList:
		n := int(a.DataType().(*arrow.FixedSizeListType).Len())
		start := (a.Offset() + i) * n
		return sliceValues(a.ListValues(), start, start+n)
	default:
		return arr.ValueStr(i)
	}
}

func sliceValues(values arrow.Array, start, end int) []interface{} {
	out := make([]interface{}, 0, end-start)
	for j := start; j < end; j++ {
		out = append(out, ValueAt(values, j))
	}
	return out
}

// InferType picks the Arrow type for computed values
func InferType(values []interface{}) arrow.DataType {
	for _, v := range values {
		switch x := v.(type) {
		case nil:
			continue
		case int64:
			return arrow.PrimitiveTypes.Int64
		case float64:
			return arrow.PrimitiveTypes.Float64
		case bool:
			return arrow.FixedWidthTypes.Boolean
		case []byte:
			return arrow.BinaryTypes.Binary
		case time.Time:
			return arrow.FixedWidthTypes.Timestamp_us
		case []interface{}:
			return arrow.ListOf(InferType(x))
		default:
			return arrow.BinaryTypes.String
		}
	}
	return arrow.BinaryTypes.String
}

// BuildArray builds an array of type dt from evaluator values, casting where
// the conversion is lossless or conventional (int to float, date string to
// timestamp)
func BuildArray(mem memory.Allocator, dt arrow.DataType, values []interface{}) (arrow.Array, error) {
	b := array.NewBuilder(mem, dt)
	defer b.Release()
	b.Reserve(len(values))
	for i, v := range values {
		if err := AppendValue(b, v); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return b.NewArray(), nil
}

// AppendValue appends one evaluator value to b
//
//nolint:gocyclo
func AppendValue(b array.Builder, v interface{}) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch bb := b.(type) {
	case *array.Int8Builder:
		n, err := toInt(v, math.MinInt8, math.MaxInt8)
		if err == nil {
			bb.Append(int8(n))
		}
		return err
	case *array.Int16Builder:
		n, err := toInt(v, math.MinInt16, math.MaxInt16)
		if err == nil {
			bb.Append(int16(n))
		}
		return err
	case *array.Int32Builder:
		n, err := toInt(v, math.MinInt32, math.MaxInt32)
		if err == nil {
			bb.Append(int32(n))
		}
		return err
	case *array.Int64Builder:
		n, err := toInt(v, math.MinInt64, math.MaxInt64)
		if err == nil {
			bb.Append(n)
		}
		return err
	case *array.Uint8Builder:
		n, err := toInt(v, 0, math.MaxUint8)
		if err == nil {
			bb.Append(uint8(n))
		}
		return err
	case *array.Uint16Builder:
		n, err := toInt(v, 0, math.MaxUint16)
		if err == nil {
			bb.Append(uint16(n))
		}
		return err
	case *array.Uint32Builder:
		n, err := toInt(v, 0, math.MaxUint32)
		if err == nil {
			bb.Append(uint32(n))
		}
		return err
	case *array.Uint64Builder:
		n, err := toInt(v, 0, math.MaxInt64)
		if err == nil {
			bb.Append(uint64(n))
		}
		return err
	case *array.Float16Builder:
		f, err := toFloatValue(v)
		if err == nil {
			bb.Append(float16.New(float32(f)))
		}
		return err
	case *array.Float32Builder:
		f, err := toFloatValue(v)
		if err == nil {
			bb.Append(float32(f))
		}
		return err
	case *array.Float64Builder:
		f, err := toFloatValue(v)
		if err == nil {
			bb.Append(f)
		}
		return err
	case *array.StringBuilder:
		bb.Append(toStringValue(v))
		return nil
	case *array.LargeStringBuilder:
		bb.Append(toStringValue(v))
		return nil
	case *array.BinaryBuilder:
		switch x := v.(type) {
		case []byte:
			bb.Append(x)
		case string:
			bb.AppendString(x)
		default:
			return fmt.Errorf("cannot store %T as binary", v)
		}
		return nil
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("cannot store %T as boolean", v)
		}
		bb.Append(x)
		return nil
	case *array.TimestampBuilder:
		t, err := toTime(v)
		if err != nil {
			return err
		}
		unit := bb.Type().(*arrow.TimestampType).Unit
		ts, err := arrow.TimestampFromTime(t, unit)
		if err != nil {
			return err
		}
		bb.Append(ts)
		return nil
	case *array.Date32Builder:
		t, err := toTime(v)
		if err != nil {
			return err
		}
		bb.Append(arrow.Date32FromTime(t))
		return nil
	case *array.ListBuilder:
		return appendList(bb, bb.ValueBuilder(), v, -1)
	case *array.LargeListBuilder:
		return appendList(bb, bb.ValueBuilder(), v, -1)
	case *array.FixedSizeListBuilder:
		n := int(bb.Type().(*arrow.FixedSizeListType).Len())
		return appendList(bb, bb.ValueBuilder(), v, n)
	}
	return fmt.Errorf("unsupported column type %s", b.Type())
}

type listAppender interface {
	Append(bool)
}

func appendList(b listAppender, values array.Builder, v interface{}, size int) error {
	var items []interface{}
	switch x := v.(type) {
	case []interface{}:
		items = x
	case []float32:
		items = make([]interface{}, len(x))
		for i, f := range x {
			items[i] = float64(f)
		}
	case []float64:
		items = make([]interface{}, len(x))
		for i, f := range x {
			items[i] = f
		}
	case []string:
		items = make([]interface{}, len(x))
		for i, s := range x {
			items[i] = s
		}
	default:
		return fmt.Errorf("cannot store %T as a list", v)
	}
	if size >= 0 && len(items) != size {
		return fmt.Errorf("expected %d list elements, got %d", size, len(items))
	}
	b.Append(true)
	for _, item := range items {
		if err := AppendValue(values, item); err != nil {
			return err
		}
	}
	return nil
}

func toInt(v interface{}, lo, hi int64) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int64:
		n = x
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("cannot store %v as an integer", x)
		}
		n = int64(x)
	case bool:
		if x {
			n = 1
		}
	case string:
		parsed, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot store %q as an integer", x)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("cannot store %T as an integer", v)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("value %d out of range", n)
	}
	return n, nil
}

func toFloatValue(v interface{}) (float64, error) {
	switch x := v.(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot store %q as a float", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("cannot store %T as a float", v)
}

func toStringValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []byte:
		return string(x)
	}
	return fmt.Sprint(v)
}

func toTime(v interface{}) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		if t, ok := parseTime(x); ok {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as a timestamp", x)
	case int64:
		return time.UnixMicro(x).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot store %T as a timestamp", v)
}

// Normalize converts Go values supplied by callers (map updates, query
// literals) into evaluator values
func Normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case []float32, []float64, []string:
		return x
	case []int:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = int64(e)
		}
		return out
	}
	return v
}
