// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package expr

import (
	"bytes"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Row gives the evaluator access to column values. Values are int64,
// float64, string, bool, []byte, time.Time, []interface{} or nil.
type Row interface {
	Value(column string) (interface{}, bool)
}

// MapRow adapts a map to Row
type MapRow map[string]interface{}

func (m MapRow) Value(column string) (interface{}, bool) {
	v, ok := m[column]
	return v, ok
}

// Matches evaluates n as a predicate. NULL counts as false.
func Matches(n Node, row Row) (bool, error) {
	v, err := Eval(n, row)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if v != nil && !ok {
		return false, fmt.Errorf("filter evaluated to %T, expected boolean", v)
	}
	return b, nil
}

// Eval evaluates n against row
func Eval(n Node, row Row) (interface{}, error) {
	switch x := n.(type) {
	case *Literal:
		return x.Value, nil
	case *Column:
		v, ok := row.Value(x.Name)
		if !ok {
			return nil, fmt.Errorf("unknown column %q", x.Name)
		}
		return v, nil
	case *List:
		out := make([]interface{}, len(x.Elems))
		for i, e := range x.Elems {
			v, err := Eval(e, row)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case *Unary:
		v, err := Eval(x.X, row)
		if err != nil || v == nil {
			return nil, err
		}
		if x.Op == "NOT" {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("NOT expects a boolean, got %T", v)
			}
			return !b, nil
		}
		switch t := v.(type) {
		case int64:
			return -t, nil
		case float64:
			return -t, nil
		}
		return nil, fmt.Errorf("cannot negate %T", v)
	case *Binary:
		return evalBinary(x, row)
	case *In:
		return evalIn(x, row)
	case *Between:
		v, err := Eval(x.X, row)
		if err != nil {
			return nil, err
		}
		lo, err := Eval(x.Lo, row)
		if err != nil {
			return nil, err
		}
		hi, err := Eval(x.Hi, row)
		if err != nil {
			return nil, err
		}
		if v == nil || lo == nil || hi == nil {
			return nil, nil
		}
		c1, err := Compare(v, lo)
		if err != nil {
			return nil, err
		}
		c2, err := Compare(v, hi)
		if err != nil {
			return nil, err
		}
		in := c1 >= 0 && c2 <= 0
		return in != x.Not, nil
	case *IsNull:
		v, err := Eval(x.X, row)
		if err != nil {
			return nil, err
		}
		return (v == nil) != x.Not, nil
	case *Like:
		v, err := Eval(x.X, row)
		if err != nil || v == nil {
			return nil, err
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("LIKE expects a string, got %T", v)
		}
		re, err := likePattern(x.Pattern)
		if err != nil {
			return nil, err
		}
		return re.MatchString(s) != x.Not, nil
	case *Call:
		return evalCall(x, row)
	default:
		return nil, fmt.Errorf("cannot evaluate %T", n)
	}
}

func evalBinary(x *Binary, row Row) (interface{}, error) {
	switch x.Op {
	case "AND", "OR":
		l, err := Eval(x.L, row)
		if err != nil {
			return nil, err
		}
		lb, lok := l.(bool)
		if l != nil && !lok {
			return nil, fmt.Errorf("%s expects booleans, got %T", x.Op, l)
		}
		// short circuit
		if l != nil {
			if x.Op == "AND" && !lb {
				return false, nil
			}
			if x.Op == "OR" && lb {
				return true, nil
			}
		}
		r, err := Eval(x.R, row)
		if err != nil {
			return nil, err
		}
		rb, rok := r.(bool)
		if r != nil && !rok {
			return nil, fmt.Errorf("%s expects booleans, got %T", x.Op, r)
		}
		if x.Op == "AND" {
			if r != nil && !rb {
				return false, nil
			}
			if l == nil || r == nil {
				return nil, nil
			}
			return true, nil
		}
		if r != nil && rb {
			return true, nil
		}
		if l == nil || r == nil {
			return nil, nil
		}
		return false, nil
	}

	l, err := Eval(x.L, row)
	if err != nil {
		return nil, err
	}
	r, err := Eval(x.R, row)
	if err != nil {
		return nil, err
	}
	if l == nil || r == nil {
		return nil, nil
	}

	switch x.Op {
	case "=", "!=", "<", "<=", ">", ">=":
		c, err := Compare(l, r)
		if err != nil {
			return nil, err
		}
		switch x.Op {
		case "=":
			return c == 0, nil
		case "!=":
			return c != 0, nil
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "||":
		return fmt.Sprint(l) + fmt.Sprint(r), nil
	default:
		return arith(x.Op, l, r)
	}
}

func arith(op string, l, r interface{}) (interface{}, error) {
	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	if lInt && rInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/":
			if ri == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return li / ri, nil
		case "%":
			if ri == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return li % ri, nil
		}
	}
	lf, ok1 := toFloat(l)
	rf, ok2 := toFloat(r)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("operator %s is not defined for %T and %T", op, l, r)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

func evalIn(x *In, row Row) (interface{}, error) {
	v, err := Eval(x.X, row)
	if err != nil || v == nil {
		return nil, err
	}
	sawNull := false
	for _, e := range x.List {
		c, err := Eval(e, row)
		if err != nil {
			return nil, err
		}
		if c == nil {
			sawNull = true
			continue
		}
		cmp, err := Compare(v, c)
		if err != nil {
			return nil, err
		}
		if cmp == 0 {
			return !x.Not, nil
		}
	}
	if sawNull {
		return nil, nil
	}
	return x.Not, nil
}

func evalCall(x *Call, row Row) (interface{}, error) {
	args := make([]interface{}, len(x.Args))
	for i, a := range x.Args {
		v, err := Eval(a, row)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	arity := func(k int) error {
		if len(args) != k {
			return fmt.Errorf("%s expects %d arguments, got %d", x.Name, k, len(args))
		}
		return nil
	}

	switch x.Name {
	case "coalesce":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	case "lower", "upper":
		if err := arity(1); err != nil || args[0] == nil {
			return nil, err
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%s expects a string, got %T", x.Name, args[0])
		}
		if x.Name == "lower" {
			return strings.ToLower(s), nil
		}
		return strings.ToUpper(s), nil
	case "abs":
		if err := arity(1); err != nil || args[0] == nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case int64:
			if v < 0 {
				return -v, nil
			}
			return v, nil
		case float64:
			return math.Abs(v), nil
		}
		return nil, fmt.Errorf("abs expects a number, got %T", args[0])
	case "length", "char_length", "array_length":
		if err := arity(1); err != nil || args[0] == nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case string:
			return int64(len([]rune(v))), nil
		case []interface{}:
			return int64(len(v)), nil
		case []byte:
			return int64(len(v)), nil
		}
		return nil, fmt.Errorf("%s expects a string or list, got %T", x.Name, args[0])
	case "array_has_any", "array_has_all":
		if err := arity(2); err != nil || args[0] == nil || args[1] == nil {
			return nil, err
		}
		list, ok1 := args[0].([]interface{})
		want, ok2 := args[1].([]interface{})
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%s expects two lists", x.Name)
		}
		hasAny := x.Name == "array_has_any"
		for _, w := range want {
			found := containsValue(list, w)
			if hasAny && found {
				return true, nil
			}
			if !hasAny && !found {
				return false, nil
			}
		}
		return !hasAny, nil
	case "array_contains", "array_has":
		if err := arity(2); err != nil || args[0] == nil {
			return nil, err
		}
		list, ok := args[0].([]interface{})
		if !ok {
			return nil, fmt.Errorf("%s expects a list, got %T", x.Name, args[0])
		}
		return containsValue(list, args[1]), nil
	}
	return nil, fmt.Errorf("unknown function %s", x.Name)
}

func containsValue(list []interface{}, v interface{}) bool {
	for _, e := range list {
		if e == nil || v == nil {
			continue
		}
		if c, err := Compare(e, v); err == nil && c == 0 {
			return true
		}
	}
	return false
}

var likeCache sync.Map

func likePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := likeCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	var sb strings.Builder
	sb.WriteString("(?s)^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			sb.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			sb.WriteString(".*")
		case r == '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid LIKE pattern %q: %w", pattern, err)
	}
	likeCache.Store(pattern, re)
	return re, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Compare orders two non-null values. Integers and floats compare
// numerically, timestamps compare with each other and with date strings.
func Compare(a, b interface{}) (int, error) {
	if af, ok := toFloat(a); ok {
		if ai, ok := a.(int64); ok {
			if bi, ok := b.(int64); ok {
				return cmpOrdered(ai, bi), nil
			}
		}
		if bf, ok := toFloat(b); ok {
			return cmpOrdered(af, bf), nil
		}
		return 0, fmt.Errorf("cannot compare %T with %T", a, b)
	}

	switch x := a.(type) {
	case string:
		switch y := b.(type) {
		case string:
			return strings.Compare(x, y), nil
		case time.Time:
			t, ok := parseTime(x)
			if !ok {
				return 0, fmt.Errorf("cannot compare %q with a timestamp", x)
			}
			return t.Compare(y), nil
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, nil
			case !x:
				return -1, nil
			default:
				return 1, nil
			}
		}
	case time.Time:
		switch y := b.(type) {
		case time.Time:
			return x.Compare(y), nil
		case string:
			t, ok := parseTime(y)
			if !ok {
				return 0, fmt.Errorf("cannot compare a timestamp with %q", y)
			}
			return x.Compare(t), nil
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y), nil
		}
	case []interface{}:
		if y, ok := b.([]interface{}); ok {
			for i := 0; i < len(x) && i < len(y); i++ {
				if x[i] == nil || y[i] == nil {
					if x[i] == nil && y[i] == nil {
						continue
					}
					if x[i] == nil {
						return -1, nil
					}
					return 1, nil
				}
				c, err := Compare(x[i], y[i])
				if err != nil || c != 0 {
					return c, err
				}
			}
			return cmpOrdered(len(x), len(y)), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func cmpOrdered[T int | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
