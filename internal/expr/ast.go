// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

// Package expr parses and evaluates the SQL-like expressions used in
// filters, updates and computed columns.
//
// Supported syntax: comparison operators (= != <> < <= > >=), AND / OR /
// NOT, IN, BETWEEN, IS [NOT] NULL, [NOT] LIKE, arithmetic (+ - * / %),
// string concatenation (||), string, numeric, boolean and NULL literals,
// list literals ['a', 'b'], backtick-quoted identifiers and a small set of
// functions (lower, upper, abs, length, coalesce, array_has_any,
// array_has_all, array_contains).
//
// Evaluation follows SQL three-valued logic: a NULL operand yields NULL,
// and a filter selects a row only when it evaluates to true.
package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Node is a parsed expression
type Node interface {
	String() string
	node()
}

// Literal is a constant: int64, float64, string, bool, nil or []interface{}
type Literal struct {
	Value interface{}
}

// Column references a column by name
type Column struct {
	Name string
}

// Unary is NOT x or -x
type Unary struct {
	Op string
	X  Node
}

// Binary covers comparisons, boolean connectives and arithmetic
type Binary struct {
	Op   string
	L, R Node
}

// In is x [NOT] IN (list)
type In struct {
	X    Node
	List []Node
	Not  bool
}

// Between is x [NOT] BETWEEN lo AND hi
type Between struct {
	X, Lo, Hi Node
	Not       bool
}

// IsNull is x IS [NOT] NULL
type IsNull struct {
	X   Node
	Not bool
}

// Like is x [NOT] LIKE pattern
type Like struct {
	X       Node
	Pattern string
	Not     bool
}

// Call is a function call
type Call struct {
	Name string
	Args []Node
}

// List is a list literal whose elements may be expressions
type List struct {
	Elems []Node
}

func (*Literal) node() {}
func (*Column) node()  {}
func (*Unary) node()   {}
func (*Binary) node()  {}
func (*In) node()      {}
func (*Between) node() {}
func (*IsNull) node()  {}
func (*Like) node()    {}
func (*Call) node()    {}
func (*List) node()    {}

func (l *Literal) String() string { return formatLiteral(l.Value) }

func formatLiteral(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []interface{}:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = formatLiteral(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprint(x)
	}
}

func (c *Column) String() string {
	if isPlainIdent(c.Name) {
		return c.Name
	}
	return "`" + c.Name + "`"
}

func (u *Unary) String() string {
	if u.Op == "NOT" {
		return "NOT " + u.X.String()
	}
	return u.Op + u.X.String()
}

func (b *Binary) String() string {
	return "(" + b.L.String() + " " + b.Op + " " + b.R.String() + ")"
}

func (n *In) String() string {
	parts := make([]string, len(n.List))
	for i, e := range n.List {
		parts[i] = e.String()
	}
	op := " IN "
	if n.Not {
		op = " NOT IN "
	}
	return n.X.String() + op + "(" + strings.Join(parts, ", ") + ")"
}

func (n *Between) String() string {
	op := " BETWEEN "
	if n.Not {
		op = " NOT BETWEEN "
	}
	return n.X.String() + op + n.Lo.String() + " AND " + n.Hi.String()
}

func (n *IsNull) String() string {
	if n.Not {
		return n.X.String() + " IS NOT NULL"
	}
	return n.X.String() + " IS NULL"
}

func (n *Like) String() string {
	op := " LIKE "
	if n.Not {
		op = " NOT LIKE "
	}
	return n.X.String() + op + formatLiteral(n.Pattern)
}

func (n *Call) String() string {
	parts := make([]string, len(n.Args))
	for i, e := range n.Args {
		parts[i] = e.String()
	}
	return n.Name + "(" + strings.Join(parts, ", ") + ")"
}

func (n *List) String() string {
	parts := make([]string, len(n.Elems))
	for i, e := range n.Elems {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func isPlainIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	_, reserved := keywords[strings.ToUpper(s)]
	return !reserved
}

// Columns returns the distinct column names referenced by n, in order of
// first appearance
func Columns(n Node) []string {
	seen := map[string]bool{}
	var out []string
	Walk(n, func(x Node) {
		if c, ok := x.(*Column); ok && !seen[c.Name] {
			seen[c.Name] = true
			out = append(out, c.Name)
		}
	})
	return out
}

// Walk visits n and its children depth-first
func Walk(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	switch x := n.(type) {
	case *Unary:
		Walk(x.X, fn)
	case *Binary:
		Walk(x.L, fn)
		Walk(x.R, fn)
	case *In:
		Walk(x.X, fn)
		for _, e := range x.List {
			Walk(e, fn)
		}
	case *Between:
		Walk(x.X, fn)
		Walk(x.Lo, fn)
		Walk(x.Hi, fn)
	case *IsNull:
		Walk(x.X, fn)
	case *Like:
		Walk(x.X, fn)
	case *Call:
		for _, e := range x.Args {
			Walk(e, fn)
		}
	case *List:
		for _, e := range x.Elems {
			Walk(e, fn)
		}
	}
}

// Conjuncts splits a tree of ANDs into its operands
func Conjuncts(n Node) []Node {
	if b, ok := n.(*Binary); ok && b.Op == "AND" {
		return append(Conjuncts(b.L), Conjuncts(b.R)...)
	}
	return []Node{n}
}

// And joins nodes with AND; it returns nil for an empty slice
func And(nodes ...Node) Node {
	var out Node
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if out == nil {
			out = n
			continue
		}
		out = &Binary{Op: "AND", L: out, R: n}
	}
	return out
}

// wireNode is the JSON form of a Node
type wireNode struct {
	Kind    string          `json:"kind"`
	Op      string          `json:"op,omitempty"`
	Name    string          `json:"name,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Pattern string          `json:"pattern,omitempty"`
	Not     bool            `json:"not,omitempty"`
	Args    []*wireNode     `json:"args,omitempty"`
}

// Marshal encodes n as JSON, the raw-bytes form accepted by FilterBytes
func Marshal(n Node) ([]byte, error) {
	w, err := toWire(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Unmarshal decodes the output of Marshal
func Unmarshal(data []byte) (Node, error) {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode expression: %w", err)
	}
	return fromWire(&w)
}

func toWire(n Node) (*wireNode, error) {
	wireAll := func(nodes ...Node) ([]*wireNode, error) {
		out := make([]*wireNode, len(nodes))
		for i, x := range nodes {
			w, err := toWire(x)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	}

	switch x := n.(type) {
	case *Literal:
		raw, err := json.Marshal(x.Value)
		if err != nil {
			return nil, err
		}
		return &wireNode{Kind: "literal", Value: raw}, nil
	case *Column:
		return &wireNode{Kind: "column", Name: x.Name}, nil
	case *Unary:
		args, err := wireAll(x.X)
		return &wireNode{Kind: "unary", Op: x.Op, Args: args}, err
	case *Binary:
		args, err := wireAll(x.L, x.R)
		return &wireNode{Kind: "binary", Op: x.Op, Args: args}, err
	case *In:
		args, err := wireAll(append([]Node{x.X}, x.List...)...)
		return &wireNode{Kind: "in", Not: x.Not, Args: args}, err
	case *Between:
		args, err := wireAll(x.X, x.Lo, x.Hi)
		return &wireNode{Kind: "between", Not: x.Not, Args: args}, err
	case *IsNull:
		args, err := wireAll(x.X)
		return &wireNode{Kind: "is_null", Not: x.Not, Args: args}, err
	case *Like:
		args, err := wireAll(x.X)
		return &wireNode{Kind: "like", Not: x.Not, Pattern: x.Pattern, Args: args}, err
	case *Call:
		args, err := wireAll(x.Args...)
		return &wireNode{Kind: "call", Name: x.Name, Args: args}, err
	case *List:
		args, err := wireAll(x.Elems...)
		return &wireNode{Kind: "list", Args: args}, err
	default:
		return nil, fmt.Errorf("cannot encode expression node %T", n)
	}
}

func fromWire(w *wireNode) (Node, error) {
	args := make([]Node, len(w.Args))
	for i, a := range w.Args {
		n, err := fromWire(a)
		if err != nil {
			return nil, err
		}
		args[i] = n
	}
	need := func(k int) error {
		if len(args) < k {
			return fmt.Errorf("expression node %q needs %d arguments, got %d", w.Kind, k, len(args))
		}
		return nil
	}

	switch w.Kind {
	case "literal":
		v, err := decodeLiteral(w.Value)
		if err != nil {
			return nil, err
		}
		return &Literal{Value: v}, nil
	case "column":
		return &Column{Name: w.Name}, nil
	case "unary":
		if err := need(1); err != nil {
			return nil, err
		}
		return &Unary{Op: w.Op, X: args[0]}, nil
	case "binary":
		if err := need(2); err != nil {
			return nil, err
		}
		return &Binary{Op: w.Op, L: args[0], R: args[1]}, nil
	case "in":
		if err := need(1); err != nil {
			return nil, err
		}
		return &In{X: args[0], List: args[1:], Not: w.Not}, nil
	case "between":
		if err := need(3); err != nil {
			return nil, err
		}
		return &Between{X: args[0], Lo: args[1], Hi: args[2], Not: w.Not}, nil
	case "is_null":
		if err := need(1); err != nil {
			return nil, err
		}
		return &IsNull{X: args[0], Not: w.Not}, nil
	case "like":
		if err := need(1); err != nil {
			return nil, err
		}
		return &Like{X: args[0], Pattern: w.Pattern, Not: w.Not}, nil
	case "call":
		return &Call{Name: w.Name, Args: args}, nil
	case "list":
		return &List{Elems: args}, nil
	default:
		return nil, fmt.Errorf("unknown expression node kind %q", w.Kind)
	}
}

// decodeLiteral keeps integers as int64 rather than float64
func decodeLiteral(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode literal: %w", err)
	}
	return normalizeJSON(v), nil
}

func normalizeJSON(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []interface{}:
		for i := range x {
			x[i] = normalizeJSON(x[i])
		}
		return x
	default:
		return v
	}
}
