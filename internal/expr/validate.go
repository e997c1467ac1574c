// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package expr

import (
	"fmt"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
)

type valueKind int

const (
	kindUnknown valueKind = iota
	kindNumber
	kindString
	kindBool
	kindTime
	kindBinary
	kindList
)

func (k valueKind) String() string {
	switch k {
	case kindNumber:
		return "number"
	case kindString:
		return "string"
	case kindBool:
		return "boolean"
	case kindTime:
		return "timestamp"
	case kindBinary:
		return "binary"
	case kindList:
		return "list"
	default:
		return "unknown"
	}
}

var functionArity = map[string][2]int{
	"coalesce":       {1, -1},
	"lower":          {1, 1},
	"upper":          {1, 1},
	"abs":            {1, 1},
	"length":         {1, 1},
	"char_length":    {1, 1},
	"array_length":   {1, 1},
	"array_has_any":  {2, 2},
	"array_has_all":  {2, 2},
	"array_contains": {2, 2},
	"array_has":      {2, 2},
}

func kindOfType(dt arrow.DataType) valueKind {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64,
		arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return kindNumber
	case arrow.STRING, arrow.LARGE_STRING:
		return kindString
	case arrow.BOOL:
		return kindBool
	case arrow.TIMESTAMP, arrow.DATE32, arrow.DATE64:
		return kindTime
	case arrow.BINARY, arrow.LARGE_BINARY:
		return kindBinary
	case arrow.LIST, arrow.LARGE_LIST, arrow.FIXED_SIZE_LIST:
		return kindList
	}
	return kindUnknown
}

func kindOfValue(v interface{}) valueKind {
	switch v.(type) {
	case int64, float64:
		return kindNumber
	case string:
		return kindString
	case bool:
		return kindBool
	case time.Time:
		return kindTime
	case []byte:
		return kindBinary
	case []interface{}:
		return kindList
	}
	return kindUnknown
}

// Validate checks n against schema: every referenced column must exist,
// every function must be known, and comparisons between a column and a
// literal must have compatible types
func Validate(n Node, schema *arrow.Schema) error {
	var err error
	Walk(n, func(x Node) {
		if err != nil {
			return
		}
		switch t := x.(type) {
		case *Column:
			if _, ok := schema.FieldsByName(t.Name); !ok {
				err = fmt.Errorf("column %q does not exist", t.Name)
			}
		case *Call:
			arity, ok := functionArity[t.Name]
			if !ok {
				err = fmt.Errorf("unknown function %s", t.Name)
				return
			}
			if len(t.Args) < arity[0] || (arity[1] >= 0 && len(t.Args) > arity[1]) {
				err = fmt.Errorf("%s expects %d arguments, got %d", t.Name, arity[0], len(t.Args))
			}
		case *Binary:
			switch t.Op {
			case "=", "!=", "<", "<=", ">", ">=":
				err = checkComparable(schema, t.L, t.R)
			}
		case *In:
			for _, e := range t.List {
				if err = checkComparable(schema, t.X, e); err != nil {
					return
				}
			}
		case *Between:
			if err = checkComparable(schema, t.X, t.Lo); err == nil {
				err = checkComparable(schema, t.X, t.Hi)
			}
		case *Like:
			if k := staticKind(schema, t.X); k != kindUnknown && k != kindString {
				err = fmt.Errorf("LIKE requires a string operand, got %s", k)
			}
		}
	})
	return err
}

func staticKind(schema *arrow.Schema, n Node) valueKind {
	switch x := n.(type) {
	case *Column:
		if fields, ok := schema.FieldsByName(x.Name); ok {
			return kindOfType(fields[0].Type)
		}
	case *Literal:
		return kindOfValue(x.Value)
	}
	return kindUnknown
}

func checkComparable(schema *arrow.Schema, a, b Node) error {
	ka, kb := staticKind(schema, a), staticKind(schema, b)
	if ka == kindUnknown || kb == kindUnknown || ka == kb {
		return nil
	}
	// timestamps accept date strings
	if (ka == kindTime && kb == kindString) || (ka == kindString && kb == kindTime) {
		return nil
	}
	return fmt.Errorf("cannot compare %s (%s) with %s (%s)", a, ka, b, kb)
}
