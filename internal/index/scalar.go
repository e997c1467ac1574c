// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/lancedb/lancego/internal/expr"
	"github.com/lancedb/lancego/pkg/contracts"
)

// Scalar query operators
const (
	OpEq      = "="
	OpNe      = "!="
	OpLt      = "<"
	OpLe      = "<="
	OpGt      = ">"
	OpGe      = ">="
	OpIn      = "in"
	OpBetween = "between"
	OpIsNull  = "is_null"
	OpNotNull = "not_null"
	OpHasAny  = "has_any"
	OpHasAll  = "has_all"
)

// ScalarQuery is a predicate on a single column that a scalar index may
// answer without reading data
type ScalarQuery struct {
	Op     string
	Values []interface{}
}

var flipped = map[string]string{OpEq: OpEq, OpNe: OpNe, OpLt: OpGt, OpLe: OpGe, OpGt: OpLt, OpGe: OpLe}

// ScalarQueryFromExpr recognizes predicates of the form column <op>
// literal. ok is false for anything else.
func ScalarQueryFromExpr(n expr.Node) (column string, q ScalarQuery, ok bool) {
	switch x := n.(type) {
	case *expr.Binary:
		op, known := flipped[x.Op]
		if !known {
			return "", ScalarQuery{}, false
		}
		if c, isCol := x.L.(*expr.Column); isCol {
			if lit, isLit := x.R.(*expr.Literal); isLit && lit.Value != nil {
				return c.Name, ScalarQuery{Op: x.Op, Values: []interface{}{lit.Value}}, true
			}
		}
		if c, isCol := x.R.(*expr.Column); isCol {
			if lit, isLit := x.L.(*expr.Literal); isLit && lit.Value != nil {
				return c.Name, ScalarQuery{Op: op, Values: []interface{}{lit.Value}}, true
			}
		}
	case *expr.In:
		c, isCol := x.X.(*expr.Column)
		if !isCol || x.Not {
			return "", ScalarQuery{}, false
		}
		values := make([]interface{}, 0, len(x.List))
		for _, e := range x.List {
			lit, isLit := e.(*expr.Literal)
			if !isLit {
				return "", ScalarQuery{}, false
			}
			if lit.Value != nil {
				values = append(values, lit.Value)
			}
		}
		return c.Name, ScalarQuery{Op: OpIn, Values: values}, true
	case *expr.Between:
		c, isCol := x.X.(*expr.Column)
		lo, okLo := x.Lo.(*expr.Literal)
		hi, okHi := x.Hi.(*expr.Literal)
		if !isCol || !okLo || !okHi || x.Not || lo.Value == nil || hi.Value == nil {
			return "", ScalarQuery{}, false
		}
		return c.Name, ScalarQuery{Op: OpBetween, Values: []interface{}{lo.Value, hi.Value}}, true
	case *expr.IsNull:
		c, isCol := x.X.(*expr.Column)
		if !isCol {
			return "", ScalarQuery{}, false
		}
		if x.Not {
			return c.Name, ScalarQuery{Op: OpNotNull}, true
		}
		return c.Name, ScalarQuery{Op: OpIsNull}, true
	case *expr.Call:
		if len(x.Args) != 2 {
			return "", ScalarQuery{}, false
		}
		c, isCol := x.Args[0].(*expr.Column)
		lit, isLit := x.Args[1].(*expr.Literal)
		if !isCol || !isLit || lit.Value == nil {
			return "", ScalarQuery{}, false
		}
		switch x.Name {
		case "array_has_any", "array_has_all":
			list, isList := lit.Value.([]interface{})
			if !isList {
				return "", ScalarQuery{}, false
			}
			op := OpHasAny
			if x.Name == "array_has_all" {
				op = OpHasAll
			}
			return c.Name, ScalarQuery{Op: op, Values: list}, true
		case "array_contains", "array_has":
			return c.Name, ScalarQuery{Op: OpHasAny, Values: []interface{}{lit.Value}}, true
		}
	}
	return "", ScalarQuery{}, false
}

// valueColumn is the typed JSON form of a list of scalar values
type valueColumn struct {
	Kind    string    `json:"kind"`
	Ints    []int64   `json:"ints,omitempty"`
	Floats  []float64 `json:"floats,omitempty"`
	Strings []string  `json:"strings,omitempty"`
	Bools   []bool    `json:"bools,omitempty"`
}

func encodeValues(values []interface{}) (valueColumn, error) {
	col := valueColumn{Kind: "int"}
	for _, v := range values {
		if _, isFloat := v.(float64); isFloat {
			col.Kind = "float"
			break
		}
	}
	if len(values) > 0 {
		switch values[0].(type) {
		case string:
			col.Kind = "string"
		case bool:
			col.Kind = "bool"
		case time.Time:
			col.Kind = "time"
		case []byte:
			col.Kind = "binary"
		}
	}

	for _, v := range values {
		switch col.Kind {
		case "int":
			i, ok := v.(int64)
			if !ok {
				return col, fmt.Errorf("mixed value types: %T in integer column", v)
			}
			col.Ints = append(col.Ints, i)
		case "float":
			switch x := v.(type) {
			case float64:
				col.Floats = append(col.Floats, x)
			case int64:
				col.Floats = append(col.Floats, float64(x))
			default:
				return col, fmt.Errorf("mixed value types: %T in float column", v)
			}
		case "string":
			s, ok := v.(string)
			if !ok {
				return col, fmt.Errorf("mixed value types: %T in string column", v)
			}
			col.Strings = append(col.Strings, s)
		case "binary":
			b, ok := v.([]byte)
			if !ok {
				return col, fmt.Errorf("mixed value types: %T in binary column", v)
			}
			col.Strings = append(col.Strings, string(b))
		case "bool":
			b, ok := v.(bool)
			if !ok {
				return col, fmt.Errorf("mixed value types: %T in boolean column", v)
			}
			col.Bools = append(col.Bools, b)
		case "time":
			t, ok := v.(time.Time)
			if !ok {
				return col, fmt.Errorf("mixed value types: %T in timestamp column", v)
			}
			col.Ints = append(col.Ints, t.UnixNano())
		}
	}
	return col, nil
}

func (c valueColumn) decode() []interface{} {
	var out []interface{}
	switch c.Kind {
	case "int":
		for _, v := range c.Ints {
			out = append(out, v)
		}
	case "float":
		for _, v := range c.Floats {
			out = append(out, v)
		}
	case "string":
		for _, v := range c.Strings {
			out = append(out, v)
		}
	case "binary":
		for _, v := range c.Strings {
			out = append(out, []byte(v))
		}
	case "bool":
		for _, v := range c.Bools {
			out = append(out, v)
		}
	case "time":
		for _, v := range c.Ints {
			out = append(out, time.Unix(0, v).UTC())
		}
	}
	return out
}

// BTree is an ordered index: values sorted with their row addresses
type BTree struct {
	values []interface{}
	rows   []uint64
	nulls  *roaring64.Bitmap
}

var _ ScalarIndex = (*BTree)(nil)

// BuildBTree indexes values[i] at rows[i]; nil values are tracked as nulls
func BuildBTree(rows []uint64, values []interface{}) (*BTree, error) {
	t := &BTree{nulls: roaring64.New()}
	type entry struct {
		v   interface{}
		row uint64
	}
	entries := make([]entry, 0, len(rows))
	for i, row := range rows {
		if values[i] == nil {
			t.nulls.Add(row)
			continue
		}
		entries = append(entries, entry{v: values[i], row: row})
	}

	var sortErr error
	sort.SliceStable(entries, func(i, j int) bool {
		c, err := expr.Compare(entries[i].v, entries[j].v)
		if err != nil && sortErr == nil {
			sortErr = err
		}
		if c != 0 {
			return c < 0
		}
		return entries[i].row < entries[j].row
	})
	if sortErr != nil {
		return nil, fmt.Errorf("failed to sort values: %w", sortErr)
	}

	t.values = make([]interface{}, len(entries))
	t.rows = make([]uint64, len(entries))
	for i, e := range entries {
		t.values[i] = e.v
		t.rows[i] = e.row
	}
	return t, nil
}

func (t *BTree) Type() contracts.IndexType { return contracts.IndexTypeBTree }

// Len returns the number of indexed rows, nulls included
func (t *BTree) Len() int { return len(t.rows) + int(t.nulls.GetCardinality()) }

// lowerBound returns the first position whose value is >= v (or > v when
// strict)
func (t *BTree) lowerBound(v interface{}, strict bool) (int, error) {
	var cmpErr error
	i := sort.Search(len(t.values), func(i int) bool {
		c, err := expr.Compare(t.values[i], v)
		if err != nil {
			cmpErr = err
			return true
		}
		if strict {
			return c > 0
		}
		return c >= 0
	})
	return i, cmpErr
}

func (t *BTree) rangeRows(from, to int, out *roaring64.Bitmap) {
	if from < to {
		out.AddMany(t.rows[from:to])
	}
}

func (t *BTree) Search(q ScalarQuery) (*roaring64.Bitmap, bool, error) {
	out := roaring64.New()
	switch q.Op {
	case OpIsNull:
		out.Or(t.nulls)
		return out, true, nil
	case OpNotNull:
		out.AddMany(t.rows)
		return out, true, nil
	case OpEq, OpIn:
		for _, v := range q.Values {
			lo, err := t.lowerBound(v, false)
			if err != nil {
				return nil, true, err
			}
			hi, err := t.lowerBound(v, true)
			if err != nil {
				return nil, true, err
			}
			t.rangeRows(lo, hi, out)
		}
		return out, true, nil
	case OpNe:
		lo, err := t.lowerBound(q.Values[0], false)
		if err != nil {
			return nil, true, err
		}
		hi, err := t.lowerBound(q.Values[0], true)
		if err != nil {
			return nil, true, err
		}
		t.rangeRows(0, lo, out)
		t.rangeRows(hi, len(t.rows), out)
		return out, true, nil
	case OpLt, OpLe:
		end, err := t.lowerBound(q.Values[0], q.Op == OpLe)
		if err != nil {
			return nil, true, err
		}
		t.rangeRows(0, end, out)
		return out, true, nil
	case OpGt, OpGe:
		start, err := t.lowerBound(q.Values[0], q.Op == OpGt)
		if err != nil {
			return nil, true, err
		}
		t.rangeRows(start, len(t.rows), out)
		return out, true, nil
	case OpBetween:
		start, err := t.lowerBound(q.Values[0], false)
		if err != nil {
			return nil, true, err
		}
		end, err := t.lowerBound(q.Values[1], true)
		if err != nil {
			return nil, true, err
		}
		t.rangeRows(start, end, out)
		return out, true, nil
	}
	return nil, false, nil
}

type btreeWire struct {
	Values valueColumn `json:"values"`
	Rows   []uint64    `json:"rows"`
	Nulls  []byte      `json:"nulls"`
}

func (t *BTree) MarshalJSON() ([]byte, error) {
	values, err := encodeValues(t.values)
	if err != nil {
		return nil, err
	}
	nulls, err := t.nulls.ToBytes()
	if err != nil {
		return nil, err
	}
	return json.Marshal(btreeWire{Values: values, Rows: t.rows, Nulls: nulls})
}

func (t *BTree) UnmarshalJSON(data []byte) error {
	var w btreeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.values = w.Values.decode()
	t.rows = w.Rows
	t.nulls = roaring64.New()
	if err := t.nulls.UnmarshalBinary(w.Nulls); err != nil {
		return fmt.Errorf("failed to decode null bitmap: %w", err)
	}
	if len(t.values) != len(t.rows) {
		return fmt.Errorf("corrupt btree index: %d values for %d rows", len(t.values), len(t.rows))
	}
	return nil
}
