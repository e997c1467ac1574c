// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package dataset

import (
	"context"
	"sort"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
	"go.uber.org/zap"

	"github.com/lancedb/lancego/internal/expr"
	"github.com/lancedb/lancego/internal/manifest"
	"github.com/lancedb/lancego/pkg/contracts"
)

// AddColumns adds one column per transform, computed from a SQL expression
// over the existing columns. Each fragment gets one new data file holding
// every added column.
func (d *Dataset) AddColumns(ctx context.Context, transforms map[string]string) (*Dataset, error) {
	if len(transforms) == 0 {
		return nil, contracts.NewValidationError("add columns", "no columns to add")
	}
	base, next, err := d.latestForWrite(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(transforms))
	for name := range transforms {
		names = append(names, name)
	}
	sort.Strings(names)

	nodes := make([]expr.Node, len(names))
	var inputs []string
	for i, name := range names {
		if strings.TrimSpace(name) == "" {
			return nil, contracts.NewValidationError("add columns", "column name is empty")
		}
		if base.manifest.FieldByName(name) != nil {
			return nil, contracts.NewValidationError("add columns", "column %q already exists", name)
		}
		n, err := expr.Parse(transforms[name])
		if err != nil {
			return nil, contracts.NewValidationError("add columns", "invalid expression for %q: %v", name, err)
		}
		if err := expr.Validate(n, base.schema); err != nil {
			return nil, contracts.NewValidationError("add columns", "invalid expression for %q: %v", name, err)
		}
		nodes[i] = n
		inputs = append(inputs, expr.Columns(n)...)
	}

	// Evaluate everything first so each column gets one type across fragments
	values := make([][][]interface{}, len(next.Fragments))
	all := make([][]interface{}, len(names))
	for f := range next.Fragments {
		data, err := base.ReadFragment(ctx, &next.Fragments[f], dedupe(inputs))
		if err != nil {
			return nil, err
		}
		row := &expr.RecordRow{Columns: data.ColumnMap()}
		values[f] = make([][]interface{}, len(names))
		for c, n := range nodes {
			col := make([]interface{}, data.NumRows())
			for i := range col {
				if data.IsDeleted(i) {
					continue
				}
				row.Index = i
				v, err := expr.Eval(n, row)
				if err != nil {
					return nil, contracts.NewValidationError("add columns", "column %q: %v", names[c], err)
				}
				col[i] = v
			}
			values[f][c] = col
			all[c] = append(all[c], col...)
		}
	}

	fieldIDs := make([]int32, len(names))
	types := make([]arrow.DataType, len(names))
	arrowFields := make([]arrow.Field, len(names))
	for c, name := range names {
		types[c] = expr.InferType(all[c])
		arrowFields[c] = arrow.Field{Name: name, Type: types[c], Nullable: true}
		field, err := next.AddField(arrowFields[c])
		if err != nil {
			return nil, contracts.NewValidationError("add columns", "%v", err)
		}
		fieldIDs[c] = field.ID
	}
	schema := arrow.NewSchema(arrowFields, nil)

	for f := range next.Fragments {
		frag := &next.Fragments[f]
		cols := make([]arrow.Array, len(names))
		for c := range names {
			arr, err := expr.BuildArray(base.t.mem, types[c], values[f][c])
			if err != nil {
				return nil, contracts.NewValidationError("add columns", "column %q: %v", names[c], err)
			}
			cols[c] = arr
		}
		rec := array.NewRecord(schema, cols, frag.PhysicalRows)
		file, err := base.WriteDataFile(ctx, rec, fieldIDs)
		rec.Release()
		if err != nil {
			return nil, err
		}
		frag.Files = append(frag.Files, file)
	}
	return base.commit(ctx, next, OpAddColumns)
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// AddNullColumns adds nullable columns without writing data; existing rows
// read them as null
func (d *Dataset) AddNullColumns(ctx context.Context, fields []arrow.Field) (*Dataset, error) {
	if len(fields) == 0 {
		return nil, contracts.NewValidationError("add columns", "no columns to add")
	}
	base, next, err := d.latestForWrite(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		if !f.Nullable {
			return nil, contracts.NewValidationError("add columns", "column %q must be nullable", f.Name)
		}
		if _, err := next.AddField(f); err != nil {
			return nil, contracts.NewValidationError("add columns", "%v", err)
		}
	}
	return base.commit(ctx, next, OpAddColumns)
}

// AlterColumns renames columns, changes their nullability or casts them.
// A cast rewrites the column under a new field ID, so indices on the old
// field are dropped.
func (d *Dataset) AlterColumns(ctx context.Context, alterations []contracts.ColumnAlteration) (*Dataset, error) {
	if len(alterations) == 0 {
		return nil, contracts.NewValidationError("alter columns", "no alterations")
	}
	base, next, err := d.latestForWrite(ctx)
	if err != nil {
		return nil, err
	}

	for _, alt := range alterations {
		field := next.FieldByName(alt.Path)
		if field == nil {
			return nil, contracts.NewValidationError("alter columns", "column %q does not exist", alt.Path)
		}

		if alt.DataType != nil {
			if err := base.castField(ctx, next, field, alt.DataType); err != nil {
				return nil, err
			}
		}

		if alt.Nullable != nil && *alt.Nullable != field.Nullable {
			if !*alt.Nullable {
				nulls, err := base.countNulls(ctx, next, *field)
				if err != nil {
					return nil, err
				}
				if nulls > 0 {
					return nil, contracts.NewValidationError("alter columns", "column %q contains %d nulls", field.Name, nulls)
				}
			}
			field.Nullable = *alt.Nullable
		}

		if alt.Rename != nil && *alt.Rename != field.Name {
			newName := *alt.Rename
			if strings.TrimSpace(newName) == "" {
				return nil, contracts.NewValidationError("alter columns", "new name of %q is empty", alt.Path)
			}
			if next.FieldByName(newName) != nil {
				return nil, contracts.NewValidationError("alter columns", "column %q already exists", newName)
			}
			field.Name = newName
		}
	}
	return base.commit(ctx, next, OpAlterColumns)
}

func (d *Dataset) countNulls(ctx context.Context, next *manifest.Manifest, field manifest.Field) (int64, error) {
	dt, err := manifest.ParseType(field.Type)
	if err != nil {
		return 0, err
	}
	var nulls int64
	for i := range next.Fragments {
		frag := &next.Fragments[i]
		col, err := d.readField(ctx, frag, field.ID, dt, int(frag.PhysicalRows))
		if err != nil {
			return 0, err
		}
		deleted, err := d.t.readDeletions(ctx, frag.Deletion)
		if err != nil {
			return 0, d.readError(ctx, "read deletions", err)
		}
		for r := 0; r < col.Len(); r++ {
			if col.IsNull(r) && !deleted.Contains(uint32(r)) {
				nulls++
			}
		}
		col.Release()
	}
	return nulls, nil
}

// castField rewrites field as dt in every fragment of next under a new
// field ID
func (d *Dataset) castField(ctx context.Context, next *manifest.Manifest, field *manifest.Field, dt arrow.DataType) error {
	typ, err := manifest.TypeString(dt)
	if err != nil {
		return contracts.NewValidationError("alter columns", "column %q: %v", field.Name, err)
	}
	if typ == field.Type {
		return nil
	}
	oldType, err := manifest.ParseType(field.Type)
	if err != nil {
		return err
	}
	next.MaxFieldID++
	newID := next.MaxFieldID
	target := arrow.Field{Name: field.Name, Type: dt, Nullable: field.Nullable}
	schema := arrow.NewSchema([]arrow.Field{target}, nil)

	for f := range next.Fragments {
		frag := &next.Fragments[f]
		col, err := d.readField(ctx, frag, field.ID, oldType, int(frag.PhysicalRows))
		if err != nil {
			return err
		}
		cast, err := compute.CastArray(ctx, col, compute.SafeCastOptions(dt))
		col.Release()
		if err != nil {
			return contracts.NewValidationError("alter columns", "cannot cast %q from %s to %s: %v", field.Name, field.Type, typ, err)
		}
		rec := array.NewRecord(schema, []arrow.Array{cast}, frag.PhysicalRows)
		file, err := d.WriteDataFile(ctx, rec, []int32{newID})
		rec.Release()
		cast.Release()
		if err != nil {
			return err
		}
		frag.Files = append(frag.Files, file)
	}

	dropIndicesOn(next, field.ID, d.t.logger)
	field.ID = newID
	field.Type = typ
	return nil
}

// DropColumns removes columns from the schema. Their data stays in the
// existing files until compaction rewrites them.
func (d *Dataset) DropColumns(ctx context.Context, columns []string) (*Dataset, error) {
	if len(columns) == 0 {
		return nil, contracts.NewValidationError("drop columns", "no columns to drop")
	}
	base, next, err := d.latestForWrite(ctx)
	if err != nil {
		return nil, err
	}
	drop := make(map[int32]bool, len(columns))
	for _, name := range columns {
		f := next.FieldByName(name)
		if f == nil {
			return nil, contracts.NewValidationError("drop columns", "column %q does not exist", name)
		}
		drop[f.ID] = true
	}
	if len(drop) == len(next.Fields) {
		return nil, contracts.NewValidationError("drop columns", "cannot drop every column")
	}

	fields := next.Fields[:0]
	for _, f := range next.Fields {
		if drop[f.ID] {
			dropIndicesOn(next, f.ID, base.t.logger)
			continue
		}
		fields = append(fields, f)
	}
	next.Fields = fields
	return base.commit(ctx, next, OpDropColumns)
}

// dropIndicesOn removes catalog entries covering fieldID
func dropIndicesOn(m *manifest.Manifest, fieldID int32, logger *zap.Logger) {
	kept := m.Indices[:0]
	for _, idx := range m.Indices {
		stale := false
		for _, id := range idx.FieldIDs {
			if id == fieldID {
				stale = true
			}
		}
		if stale {
			logger.Info("dropping stale index", zap.String("index", idx.Name), zap.Int32("field_id", fieldID))
			continue
		}
		kept = append(kept, idx)
	}
	m.Indices = kept
}
