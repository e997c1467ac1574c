// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package manifest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
)

// TypeString converts an Arrow DataType to its manifest representation
//
//nolint:gocyclo
func TypeString(dataType arrow.DataType) (string, error) {
	switch dt := dataType.(type) {
	case *arrow.Int8Type:
		return "int8", nil
	case *arrow.Int16Type:
		return "int16", nil
	case *arrow.Int32Type:
		return "int32", nil
	case *arrow.Int64Type:
		return "int64", nil
	case *arrow.Uint8Type:
		return "uint8", nil
	case *arrow.Uint16Type:
		return "uint16", nil
	case *arrow.Uint32Type:
		return "uint32", nil
	case *arrow.Uint64Type:
		return "uint64", nil
	case *arrow.Float16Type:
		return "float16", nil
	case *arrow.Float32Type:
		return "float32", nil
	case *arrow.Float64Type:
		return "float64", nil
	case *arrow.StringType:
		return "string", nil
	case *arrow.LargeStringType:
		return "large_string", nil
	case *arrow.BinaryType:
		return "binary", nil
	case *arrow.BooleanType:
		return "boolean", nil
	case *arrow.Date32Type:
		return "date32", nil
	case *arrow.TimestampType:
		if dt.TimeZone != "" {
			return fmt.Sprintf("timestamp[%s;%s]", dt.Unit, dt.TimeZone), nil
		}
		return fmt.Sprintf("timestamp[%s]", dt.Unit), nil
	case *arrow.FixedSizeListType:
		elem, err := TypeString(dt.Elem())
		if err != nil {
			return "", fmt.Errorf("unsupported fixed size list element type: %w", err)
		}
		return fmt.Sprintf("fixed_size_list[%s;%d]", elem, dt.Len()), nil
	case *arrow.ListType:
		elem, err := TypeString(dt.Elem())
		if err != nil {
			return "", fmt.Errorf("unsupported list element type: %w", err)
		}
		return fmt.Sprintf("list[%s]", elem), nil
	default:
		return "", fmt.Errorf("unsupported Arrow type: %v", dataType)
	}
}

var simpleTypes = map[string]arrow.DataType{
	"int8":         arrow.PrimitiveTypes.Int8,
	"int16":        arrow.PrimitiveTypes.Int16,
	"int32":        arrow.PrimitiveTypes.Int32,
	"int64":        arrow.PrimitiveTypes.Int64,
	"uint8":        arrow.PrimitiveTypes.Uint8,
	"uint16":       arrow.PrimitiveTypes.Uint16,
	"uint32":       arrow.PrimitiveTypes.Uint32,
	"uint64":       arrow.PrimitiveTypes.Uint64,
	"float16":      arrow.FixedWidthTypes.Float16,
	"float32":      arrow.PrimitiveTypes.Float32,
	"float64":      arrow.PrimitiveTypes.Float64,
	"string":       arrow.BinaryTypes.String,
	"large_string": arrow.BinaryTypes.LargeString,
	"binary":       arrow.BinaryTypes.Binary,
	"boolean":      arrow.FixedWidthTypes.Boolean,
	"date32":       arrow.FixedWidthTypes.Date32,
}

var timeUnits = map[string]arrow.TimeUnit{
	arrow.Second.String():      arrow.Second,
	arrow.Millisecond.String(): arrow.Millisecond,
	arrow.Microsecond.String(): arrow.Microsecond,
	arrow.Nanosecond.String():  arrow.Nanosecond,
}

// ParseType reverses TypeString
func ParseType(s string) (arrow.DataType, error) {
	if dt, ok := simpleTypes[s]; ok {
		return dt, nil
	}
	name, args, ok := splitArgs(s)
	if !ok {
		return nil, fmt.Errorf("unknown type %q", s)
	}
	switch name {
	case "timestamp":
		parts := strings.SplitN(args, ";", 2)
		unit, ok := timeUnits[parts[0]]
		if !ok {
			return nil, fmt.Errorf("unknown time unit in %q", s)
		}
		tz := ""
		if len(parts) == 2 {
			tz = parts[1]
		}
		return &arrow.TimestampType{Unit: unit, TimeZone: tz}, nil
	case "fixed_size_list":
		i := strings.LastIndexByte(args, ';')
		if i < 0 {
			return nil, fmt.Errorf("fixed size list without length: %q", s)
		}
		n, err := strconv.Atoi(args[i+1:])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid fixed size list length in %q", s)
		}
		elem, err := ParseType(args[:i])
		if err != nil {
			return nil, err
		}
		return arrow.FixedSizeListOf(int32(n), elem), nil
	case "list":
		elem, err := ParseType(args)
		if err != nil {
			return nil, err
		}
		return arrow.ListOf(elem), nil
	}
	return nil, fmt.Errorf("unknown type %q", s)
}

// splitArgs splits "name[args]"
func splitArgs(s string) (string, string, bool) {
	open := strings.IndexByte(s, '[')
	if open < 0 || !strings.HasSuffix(s, "]") {
		return "", "", false
	}
	return s[:open], s[open+1 : len(s)-1], true
}

// IsVectorType reports whether dt is a fixed size list of floats
func IsVectorType(dt arrow.DataType) bool {
	fsl, ok := dt.(*arrow.FixedSizeListType)
	if !ok {
		return false
	}
	switch fsl.Elem().ID() {
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64, arrow.UINT8:
		return true
	}
	return false
}

// VectorDimension returns the list size of a vector type, or 0
func VectorDimension(dt arrow.DataType) int {
	if fsl, ok := dt.(*arrow.FixedSizeListType); ok {
		return int(fsl.Len())
	}
	return 0
}
