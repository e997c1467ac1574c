// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package dataset

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
	"go.uber.org/zap"

	"github.com/lancedb/lancego/internal/expr"
	"github.com/lancedb/lancego/internal/manifest"
	"github.com/lancedb/lancego/pkg/contracts"
)

// ParseFilter parses and validates a filter against the snapshot schema.
// An empty filter yields a nil node, which matches every row.
func (d *Dataset) ParseFilter(op, filter string) (expr.Node, error) {
	if strings.TrimSpace(filter) == "" {
		return nil, nil
	}
	n, err := expr.Parse(filter)
	if err != nil {
		return nil, contracts.NewValidationError(op, "invalid filter: %v", err)
	}
	if err := expr.Validate(n, d.schema); err != nil {
		return nil, contracts.NewValidationError(op, "invalid filter: %v", err)
	}
	return n, nil
}

// MatchFragment evaluates filter over the live rows of data and returns the
// matching offsets
func MatchFragment(data *FragmentData, filter expr.Node) (*roaring.Bitmap, error) {
	out := roaring.New()
	row := &expr.RecordRow{Columns: data.ColumnMap()}
	for i := 0; i < data.NumRows(); i++ {
		if data.IsDeleted(i) {
			continue
		}
		if filter != nil {
			row.Index = i
			ok, err := expr.Matches(filter, row)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out.Add(uint32(i))
	}
	return out, nil
}

// markDeleted adds offsets to the deletion bitmap of frag. It reports false
// when every row of the fragment is now deleted.
func (d *Dataset) markDeleted(ctx context.Context, frag *manifest.Fragment, version uint64, offsets *roaring.Bitmap) (bool, error) {
	existing, err := d.t.readDeletions(ctx, frag.Deletion)
	if err != nil {
		return false, d.readError(ctx, "read deletions", err)
	}
	merged := roaring.Or(existing, offsets)
	if int64(merged.GetCardinality()) >= frag.PhysicalRows {
		return false, nil
	}
	if err := d.writeDeletions(ctx, frag, version, merged); err != nil {
		return false, err
	}
	return true, nil
}

// Delete soft-deletes the rows matching filter in a new version
func (d *Dataset) Delete(ctx context.Context, filter string) (*Dataset, error) {
	base, next, err := d.latestForWrite(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(filter) == "" {
		return nil, contracts.NewValidationError("delete", "a filter is required")
	}
	node, err := base.ParseFilter("delete", filter)
	if err != nil {
		return nil, err
	}

	var deleted int64
	kept := next.Fragments[:0]
	for i := range next.Fragments {
		frag := next.Fragments[i]
		data, err := base.ReadFragment(ctx, &frag, expr.Columns(node))
		if err != nil {
			return nil, err
		}
		matches, err := MatchFragment(data, node)
		if err != nil {
			return nil, contracts.NewValidationError("delete", "%v", err)
		}
		if matches.IsEmpty() {
			kept = append(kept, frag)
			continue
		}
		deleted += int64(matches.GetCardinality())
		live, err := base.markDeleted(ctx, &frag, base.manifest.Version+1, matches)
		if err != nil {
			return nil, err
		}
		if live {
			kept = append(kept, frag)
		}
	}
	next.Fragments = kept

	base.t.logger.Debug("deleting rows", zap.String("filter", filter), zap.Int64("rows", deleted))
	return base.commit(ctx, next, OpDelete)
}

// assignment computes the new value of one column for a matched row
type assignment struct {
	field manifest.Field
	value func(row expr.Row) (interface{}, error)
}

// Update sets columns to literal values on the rows matching filter
func (d *Dataset) Update(ctx context.Context, filter string, values map[string]interface{}) (*Dataset, error) {
	assignments := make([]assignment, 0, len(values))
	for column, v := range values {
		v := expr.Normalize(v)
		assignments = append(assignments, assignment{
			field: manifest.Field{Name: column},
			value: func(expr.Row) (interface{}, error) { return v, nil },
		})
	}
	return d.update(ctx, filter, assignments)
}

// UpdateSQL sets columns to SQL expressions evaluated on each matching row
func (d *Dataset) UpdateSQL(ctx context.Context, filter string, expressions map[string]string) (*Dataset, error) {
	assignments := make([]assignment, 0, len(expressions))
	for column, src := range expressions {
		n, err := expr.Parse(src)
		if err != nil {
			return nil, contracts.NewValidationError("update", "invalid expression for %q: %v", column, err)
		}
		assignments = append(assignments, assignment{
			field: manifest.Field{Name: column},
			value: func(row expr.Row) (interface{}, error) { return expr.Eval(n, row) },
		})
	}
	return d.update(ctx, filter, assignments)
}

// update rewrites the matching rows into new fragments and deletes the
// originals
func (d *Dataset) update(ctx context.Context, filter string, assignments []assignment) (*Dataset, error) {
	if len(assignments) == 0 {
		return nil, contracts.NewValidationError("update", "no columns to update")
	}
	base, next, err := d.latestForWrite(ctx)
	if err != nil {
		return nil, err
	}
	node, err := base.ParseFilter("update", filter)
	if err != nil {
		return nil, err
	}
	for i := range assignments {
		f := base.manifest.FieldByName(assignments[i].field.Name)
		if f == nil {
			return nil, contracts.NewValidationError("update", "column %q does not exist", assignments[i].field.Name)
		}
		assignments[i].field = *f
	}
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].field.ID < assignments[j].field.ID })

	var updated []arrow.Record
	defer func() {
		for _, r := range updated {
			r.Release()
		}
	}()
	kept := next.Fragments[:0]
	version := base.manifest.Version + 1
	for i := range next.Fragments {
		frag := next.Fragments[i]
		data, err := base.ReadFragment(ctx, &frag, nil)
		if err != nil {
			return nil, err
		}
		matches, err := MatchFragment(data, node)
		if err != nil {
			return nil, contracts.NewValidationError("update", "%v", err)
		}
		if matches.IsEmpty() {
			kept = append(kept, frag)
			continue
		}
		rec, err := base.rewriteRows(ctx, data, matches, assignments)
		if err != nil {
			return nil, err
		}
		updated = append(updated, rec)

		live, err := base.markDeleted(ctx, &frag, version, matches)
		if err != nil {
			return nil, err
		}
		if live {
			kept = append(kept, frag)
		}
	}
	next.Fragments = kept

	if err := base.appendRecords(ctx, next, updated); err != nil {
		return nil, err
	}
	return base.commit(ctx, next, OpUpdate)
}

// rewriteRows copies the rows at offsets and applies assignments to them
func (d *Dataset) rewriteRows(ctx context.Context, data *FragmentData, offsets *roaring.Bitmap, assignments []assignment) (arrow.Record, error) {
	ib := array.NewInt64Builder(d.t.mem)
	it := offsets.Iterator()
	for it.HasNext() {
		ib.Append(int64(it.Next()))
	}
	indices := ib.NewArray()
	ib.Release()
	defer indices.Release()

	n := int(offsets.GetCardinality())
	cols := make([]arrow.Array, len(data.Columns))
	for c, field := range data.Schema.Fields() {
		var target *assignment
		for i := range assignments {
			if assignments[i].field.Name == field.Name {
				target = &assignments[i]
			}
		}
		if target == nil {
			taken, err := compute.TakeArray(ctx, data.Columns[c], indices)
			if err != nil {
				return nil, fmt.Errorf("failed to copy column %s: %w", field.Name, err)
			}
			cols[c] = taken
			continue
		}

		values := make([]interface{}, 0, n)
		row := &expr.RecordRow{Columns: data.ColumnMap()}
		it := offsets.Iterator()
		for it.HasNext() {
			row.Index = int(it.Next())
			v, err := target.value(row)
			if err != nil {
				return nil, contracts.NewValidationError("update", "column %q: %v", field.Name, err)
			}
			if v == nil && !field.Nullable {
				return nil, contracts.NewValidationError("update", "column %q is not nullable", field.Name)
			}
			values = append(values, v)
		}
		arr, err := expr.BuildArray(d.t.mem, field.Type, values)
		if err != nil {
			return nil, contracts.NewValidationError("update", "column %q: %v", field.Name, err)
		}
		cols[c] = arr
	}
	return array.NewRecord(data.Schema, cols, int64(n)), nil
}
