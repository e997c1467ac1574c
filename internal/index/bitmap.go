// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package index

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/lancedb/lancego/internal/expr"
	"github.com/lancedb/lancego/pkg/contracts"
)

// Bitmap keeps one row bitmap per distinct value. It suits low
// cardinality columns.
type Bitmap struct {
	keys  []interface{}
	rows  []*roaring64.Bitmap
	nulls *roaring64.Bitmap
}

var _ ScalarIndex = (*Bitmap)(nil)

// BuildBitmap indexes values[i] at rows[i]
func BuildBitmap(rows []uint64, values []interface{}) (*Bitmap, error) {
	b := &Bitmap{nulls: roaring64.New()}
	for i, row := range rows {
		if values[i] == nil {
			b.nulls.Add(row)
			continue
		}
		pos, err := b.find(values[i])
		if err != nil {
			return nil, err
		}
		if pos < 0 {
			b.keys = append(b.keys, values[i])
			b.rows = append(b.rows, roaring64.New())
			pos = len(b.keys) - 1
		}
		b.rows[pos].Add(row)
	}
	if err := b.sortKeys(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bitmap) find(v interface{}) (int, error) {
	for i, k := range b.keys {
		c, err := expr.Compare(k, v)
		if err != nil {
			return -1, err
		}
		if c == 0 {
			return i, nil
		}
	}
	return -1, nil
}

func (b *Bitmap) sortKeys() error {
	order := make([]int, len(b.keys))
	for i := range order {
		order[i] = i
	}
	var sortErr error
	sort.Slice(order, func(i, j int) bool {
		c, err := expr.Compare(b.keys[order[i]], b.keys[order[j]])
		if err != nil && sortErr == nil {
			sortErr = err
		}
		return c < 0
	})
	if sortErr != nil {
		return fmt.Errorf("failed to sort bitmap keys: %w", sortErr)
	}
	keys := make([]interface{}, len(order))
	rows := make([]*roaring64.Bitmap, len(order))
	for i, o := range order {
		keys[i] = b.keys[o]
		rows[i] = b.rows[o]
	}
	b.keys, b.rows = keys, rows
	return nil
}

func (b *Bitmap) Type() contracts.IndexType { return contracts.IndexTypeBitmap }

// Cardinality returns the number of distinct non-null values
func (b *Bitmap) Cardinality() int { return len(b.keys) }

func (b *Bitmap) Search(q ScalarQuery) (*roaring64.Bitmap, bool, error) {
	out := roaring64.New()
	switch q.Op {
	case OpIsNull:
		out.Or(b.nulls)
		return out, true, nil
	case OpNotNull:
		for _, rows := range b.rows {
			out.Or(rows)
		}
		return out, true, nil
	case OpEq, OpIn, OpNe, OpLt, OpLe, OpGt, OpGe, OpBetween:
	default:
		return nil, false, nil
	}

	for i, k := range b.keys {
		match, err := keyMatches(k, q)
		if err != nil {
			return nil, true, err
		}
		if match {
			out.Or(b.rows[i])
		}
	}
	return out, true, nil
}

func keyMatches(k interface{}, q ScalarQuery) (bool, error) {
	if q.Op == OpIn {
		for _, v := range q.Values {
			c, err := expr.Compare(k, v)
			if err != nil {
				return false, err
			}
			if c == 0 {
				return true, nil
			}
		}
		return false, nil
	}
	c, err := expr.Compare(k, q.Values[0])
	if err != nil {
		return false, err
	}
	switch q.Op {
	case OpEq:
		return c == 0, nil
	case OpNe:
		return c != 0, nil
	case OpLt:
		return c < 0, nil
	case OpLe:
		return c <= 0, nil
	case OpGt:
		return c > 0, nil
	case OpGe:
		return c >= 0, nil
	case OpBetween:
		hi, err := expr.Compare(k, q.Values[1])
		if err != nil {
			return false, err
		}
		return c >= 0 && hi <= 0, nil
	}
	return false, nil
}

type bitmapWire struct {
	Keys  valueColumn `json:"keys"`
	Rows  [][]byte    `json:"rows"`
	Nulls []byte      `json:"nulls"`
}

func (b *Bitmap) MarshalJSON() ([]byte, error) {
	keys, err := encodeValues(b.keys)
	if err != nil {
		return nil, err
	}
	rows, err := bitmapBytes(b.rows)
	if err != nil {
		return nil, err
	}
	nulls, err := b.nulls.ToBytes()
	if err != nil {
		return nil, err
	}
	return json.Marshal(bitmapWire{Keys: keys, Rows: rows, Nulls: nulls})
}

func (b *Bitmap) UnmarshalJSON(data []byte) error {
	var w bitmapWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	rows, err := bitmapsFromBytes(w.Rows)
	if err != nil {
		return err
	}
	b.keys = w.Keys.decode()
	b.rows = rows
	if len(b.keys) != len(b.rows) {
		return fmt.Errorf("corrupt bitmap index: %d keys for %d bitmaps", len(b.keys), len(b.rows))
	}
	b.nulls = roaring64.New()
	return b.nulls.UnmarshalBinary(w.Nulls)
}

// LabelList indexes list columns: each label maps to the rows whose list
// contains it.
type LabelList struct {
	labels []interface{}
	rows   []*roaring64.Bitmap
	all    *roaring64.Bitmap
}

var _ ScalarIndex = (*LabelList)(nil)

// BuildLabelList indexes the list values[i] at rows[i]
func BuildLabelList(rows []uint64, values []interface{}) (*LabelList, error) {
	l := &LabelList{all: roaring64.New()}
	byKey := make(map[string]int)
	for i, row := range rows {
		if values[i] == nil {
			continue
		}
		list, ok := values[i].([]interface{})
		if !ok {
			return nil, fmt.Errorf("label list index requires a list column, got %T", values[i])
		}
		l.all.Add(row)
		for _, label := range list {
			if label == nil {
				continue
			}
			key := fmt.Sprintf("%T:%v", label, label)
			pos, seen := byKey[key]
			if !seen {
				pos = len(l.labels)
				byKey[key] = pos
				l.labels = append(l.labels, label)
				l.rows = append(l.rows, roaring64.New())
			}
			l.rows[pos].Add(row)
		}
	}
	return l, nil
}

func (l *LabelList) Type() contracts.IndexType { return contracts.IndexTypeLabelList }

func (l *LabelList) lookup(v interface{}) (*roaring64.Bitmap, error) {
	for i, label := range l.labels {
		c, err := expr.Compare(label, v)
		if err != nil {
			return nil, err
		}
		if c == 0 {
			return l.rows[i], nil
		}
	}
	return nil, nil
}

func (l *LabelList) Search(q ScalarQuery) (*roaring64.Bitmap, bool, error) {
	switch q.Op {
	case OpHasAny:
		out := roaring64.New()
		for _, v := range q.Values {
			rows, err := l.lookup(v)
			if err != nil {
				return nil, true, err
			}
			if rows != nil {
				out.Or(rows)
			}
		}
		return out, true, nil
	case OpHasAll:
		out := l.all.Clone()
		for _, v := range q.Values {
			rows, err := l.lookup(v)
			if err != nil {
				return nil, true, err
			}
			if rows == nil {
				return roaring64.New(), true, nil
			}
			out.And(rows)
		}
		return out, true, nil
	}
	return nil, false, nil
}

type labelListWire struct {
	Labels valueColumn `json:"labels"`
	Rows   [][]byte    `json:"rows"`
	All    []byte      `json:"all"`
}

func (l *LabelList) MarshalJSON() ([]byte, error) {
	labels, err := encodeValues(l.labels)
	if err != nil {
		return nil, err
	}
	rows, err := bitmapBytes(l.rows)
	if err != nil {
		return nil, err
	}
	all, err := l.all.ToBytes()
	if err != nil {
		return nil, err
	}
	return json.Marshal(labelListWire{Labels: labels, Rows: rows, All: all})
}

func (l *LabelList) UnmarshalJSON(data []byte) error {
	var w labelListWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	rows, err := bitmapsFromBytes(w.Rows)
	if err != nil {
		return err
	}
	l.labels = w.Labels.decode()
	l.rows = rows
	if len(l.labels) != len(l.rows) {
		return fmt.Errorf("corrupt label list index: %d labels for %d bitmaps", len(l.labels), len(l.rows))
	}
	l.all = roaring64.New()
	return l.all.UnmarshalBinary(w.All)
}
