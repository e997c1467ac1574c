// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lancedb/lancego/internal/manifest"
	"github.com/lancedb/lancego/internal/metrics"
	"github.com/lancedb/lancego/internal/storage"
	"github.com/lancedb/lancego/pkg/contracts"
)

// fileData is a decoded data file: one array per stored field
type fileData struct {
	columns []arrow.Array
	rows    int
}

// seekBuffer wraps a bytes.Buffer to implement io.WriteSeeker
type seekBuffer struct {
	*bytes.Buffer
}

func (sb *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekEnd, io.SeekCurrent:
		return int64(sb.Len()), nil
	case io.SeekStart:
		if offset == 0 {
			sb.Reset()
			return 0, nil
		}
		return 0, fmt.Errorf("seeking to non-zero position not supported")
	default:
		return 0, fmt.Errorf("unsupported whence value")
	}
}

// encodeDataFile writes rec as an Arrow IPC file with zstd-compressed
// buffers, split into batches of at most batchRows rows
func encodeDataFile(rec arrow.Record, batchRows int) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := ipc.NewFileWriter(&seekBuffer{&buf}, ipc.WithSchema(rec.Schema()), ipc.WithZstd())
	if err != nil {
		return nil, fmt.Errorf("failed to create IPC writer: %w", err)
	}
	rows := rec.NumRows()
	if rows == 0 {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("failed to write record to IPC: %w", err)
		}
	}
	for start := int64(0); start < rows; start += int64(batchRows) {
		end := start + int64(batchRows)
		if end > rows {
			end = rows
		}
		batch := rec.NewSlice(start, end)
		err := writer.Write(batch)
		batch.Release()
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("failed to write record to IPC: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close IPC writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *table) decodeDataFile(data []byte) (*fileData, error) {
	reader, err := ipc.NewFileReader(bytes.NewReader(data), ipc.WithAllocator(t.mem))
	if err != nil {
		return nil, fmt.Errorf("failed to create IPC reader: %w", err)
	}
	defer reader.Close()

	numCols := reader.Schema().NumFields()
	chunks := make([][]arrow.Array, numCols)
	rows := 0
	for i := 0; i < reader.NumRecords(); i++ {
		rec, err := reader.RecordAt(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read batch %d: %w", i, err)
		}
		rows += int(rec.NumRows())
		for c := 0; c < numCols; c++ {
			col := rec.Column(c)
			col.Retain()
			chunks[c] = append(chunks[c], col)
		}
		rec.Release()
	}

	fd := &fileData{columns: make([]arrow.Array, numCols), rows: rows}
	for c, parts := range chunks {
		switch len(parts) {
		case 0:
			fd.columns[c] = array.MakeArrayOfNull(t.mem, reader.Schema().Field(c).Type, 0)
		case 1:
			fd.columns[c] = parts[0]
		default:
			merged, err := array.Concatenate(parts, t.mem)
			if err != nil {
				return nil, fmt.Errorf("failed to merge batches: %w", err)
			}
			for _, p := range parts {
				p.Release()
			}
			fd.columns[c] = merged
		}
	}
	return fd, nil
}

func (t *table) readDataFile(ctx context.Context, path string) (*fileData, error) {
	if fd, ok := t.files.Get(path); ok {
		metrics.CacheLookupsTotal.WithLabelValues("fragment", "hit").Inc()
		return fd, nil
	}
	metrics.CacheLookupsTotal.WithLabelValues("fragment", "miss").Inc()
	data, err := t.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	fd, err := t.decodeDataFile(data)
	if err != nil {
		return nil, fmt.Errorf("data file %s: %w", path, err)
	}
	t.files.Add(path, fd)
	return fd, nil
}

func (t *table) readDeletions(ctx context.Context, del *manifest.DeletionFile) (*roaring.Bitmap, error) {
	if del == nil {
		return roaring.New(), nil
	}
	if bm, ok := t.deletions.Get(del.Path); ok {
		return bm, nil
	}
	data, err := t.store.Get(ctx, del.Path)
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to decode deletion file %s: %w", del.Path, err)
	}
	t.deletions.Add(del.Path, bm)
	return bm, nil
}

// readError classifies a failed read of a file the snapshot references. A
// missing file means cleanup removed this version.
func (d *Dataset) readError(ctx context.Context, op string, err error) error {
	if !errors.Is(err, storage.ErrNotFound) {
		return contracts.WrapIOError(op, err)
	}
	if ok, _ := d.t.store.Exists(ctx, manifest.VersionPath(d.manifest.Version)); !ok {
		return contracts.NewStaleSnapshotError(op, d.manifest.Version)
	}
	return contracts.WrapIOError(op, err)
}

// FragmentData is the content of one fragment restricted to some columns.
// Arrays cover every physical row; Deleted marks the soft-deleted offsets.
type FragmentData struct {
	Fragment *manifest.Fragment
	Schema   *arrow.Schema
	Columns  []arrow.Array
	Deleted  *roaring.Bitmap
}

// NumRows returns the physical row count
func (f *FragmentData) NumRows() int { return int(f.Fragment.PhysicalRows) }

// IsDeleted reports whether offset is soft-deleted
func (f *FragmentData) IsDeleted(offset int) bool {
	return f.Deleted.Contains(uint32(offset))
}

// Column returns the named array, or nil
func (f *FragmentData) Column(name string) arrow.Array {
	for i, field := range f.Schema.Fields() {
		if field.Name == name {
			return f.Columns[i]
		}
	}
	return nil
}

// ColumnMap indexes the arrays by column name
func (f *FragmentData) ColumnMap() map[string]arrow.Array {
	out := make(map[string]arrow.Array, len(f.Columns))
	for i, field := range f.Schema.Fields() {
		out[field.Name] = f.Columns[i]
	}
	return out
}

// Record assembles the arrays into a record over every physical row
func (f *FragmentData) Record() arrow.Record {
	return array.NewRecord(f.Schema, f.Columns, int64(f.NumRows()))
}

// resolveFields maps column names to schema fields; nil selects every field
func (d *Dataset) resolveFields(columns []string) ([]manifest.Field, error) {
	if columns == nil {
		return append([]manifest.Field(nil), d.manifest.Fields...), nil
	}
	out := make([]manifest.Field, 0, len(columns))
	for _, name := range columns {
		f := d.manifest.FieldByName(name)
		if f == nil {
			return nil, contracts.NewValidationError("read", "column %q does not exist", name)
		}
		out = append(out, *f)
	}
	return out, nil
}

// ReadFragment loads the given columns of frag; nil loads every column.
// Fields missing from the fragment's data files read as null.
func (d *Dataset) ReadFragment(ctx context.Context, frag *manifest.Fragment, columns []string) (*FragmentData, error) {
	fields, err := d.resolveFields(columns)
	if err != nil {
		return nil, err
	}
	rows := int(frag.PhysicalRows)
	arrowFields := make([]arrow.Field, len(fields))
	arrays := make([]arrow.Array, len(fields))

	for i, f := range fields {
		af, err := f.ArrowField()
		if err != nil {
			return nil, err
		}
		arrowFields[i] = af
		arrays[i], err = d.readField(ctx, frag, f.ID, af.Type, rows)
		if err != nil {
			return nil, err
		}
	}

	deleted, err := d.t.readDeletions(ctx, frag.Deletion)
	if err != nil {
		return nil, d.readError(ctx, "read deletions", err)
	}
	return &FragmentData{
		Fragment: frag,
		Schema:   arrow.NewSchema(arrowFields, nil),
		Columns:  arrays,
		Deleted:  deleted,
	}, nil
}

func (d *Dataset) readField(ctx context.Context, frag *manifest.Fragment, fieldID int32, dt arrow.DataType, rows int) (arrow.Array, error) {
	for fi := len(frag.Files) - 1; fi >= 0; fi-- {
		file := &frag.Files[fi]
		for pos, id := range file.FieldIDs {
			if id != fieldID {
				continue
			}
			fd, err := d.t.readDataFile(ctx, file.Path)
			if err != nil {
				return nil, d.readError(ctx, "read fragment", err)
			}
			if fd.rows != rows || pos >= len(fd.columns) {
				return nil, contracts.WrapIOError("read fragment", fmt.Errorf("data file %s does not match fragment %d", file.Path, frag.ID))
			}
			col := fd.columns[pos]
			col.Retain()
			return col, nil
		}
	}
	return array.MakeArrayOfNull(d.t.mem, dt, rows), nil
}

// Take returns the given columns of the rows at addrs, in that order
func (d *Dataset) Take(ctx context.Context, addrs []uint64, columns []string) (arrow.Record, error) {
	fields, err := d.resolveFields(columns)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(fields))
	arrowFields := make([]arrow.Field, len(fields))
	for i, f := range fields {
		names[i] = f.Name
		if arrowFields[i], err = f.ArrowField(); err != nil {
			return nil, err
		}
	}
	schema := arrow.NewSchema(arrowFields, nil)
	if len(addrs) == 0 {
		return array.NewRecord(schema, emptyArrays(d, arrowFields), 0), nil
	}

	parts := make([][]arrow.Array, len(fields))
	for start := 0; start < len(addrs); {
		fragID := uint32(addrs[start] >> 32)
		end := start + 1
		for end < len(addrs) && uint32(addrs[end]>>32) == fragID {
			end++
		}
		frag := d.manifest.FragmentByID(fragID)
		if frag == nil {
			return nil, contracts.NewNotFoundError("take", "fragment %d is not part of version %d", fragID, d.manifest.Version)
		}
		data, err := d.ReadFragment(ctx, frag, names)
		if err != nil {
			return nil, err
		}

		ib := array.NewInt64Builder(d.t.mem)
		for _, a := range addrs[start:end] {
			ib.Append(int64(uint32(a)))
		}
		indices := ib.NewArray()
		ib.Release()
		for i, col := range data.Columns {
			taken, err := compute.TakeArray(ctx, col, indices)
			if err != nil {
				indices.Release()
				return nil, fmt.Errorf("failed to take rows: %w", err)
			}
			parts[i] = append(parts[i], taken)
		}
		indices.Release()
		start = end
	}

	out := make([]arrow.Array, len(fields))
	for i, p := range parts {
		if len(p) == 1 {
			out[i] = p[0]
			continue
		}
		merged, err := array.Concatenate(p, d.t.mem)
		if err != nil {
			return nil, fmt.Errorf("failed to merge taken rows: %w", err)
		}
		out[i] = merged
	}
	return array.NewRecord(schema, out, int64(len(addrs))), nil
}

func emptyArrays(d *Dataset, fields []arrow.Field) []arrow.Array {
	out := make([]arrow.Array, len(fields))
	for i, f := range fields {
		out[i] = array.MakeArrayOfNull(d.t.mem, f.Type, 0)
	}
	return out
}

// conform reorders and casts rec to the table schema. Nullable table
// columns missing from rec are filled with nulls.
func (d *Dataset) conform(ctx context.Context, rec arrow.Record) (arrow.Record, error) {
	byName := make(map[string]int, rec.NumCols())
	for i, f := range rec.Schema().Fields() {
		if d.manifest.FieldByName(f.Name) == nil {
			return nil, contracts.NewValidationError("write", "column %q is not in the table schema", f.Name)
		}
		byName[f.Name] = i
	}

	rows := rec.NumRows()
	cols := make([]arrow.Array, len(d.schema.Fields()))
	for i, f := range d.schema.Fields() {
		pos, ok := byName[f.Name]
		if !ok {
			if !f.Nullable {
				return nil, contracts.NewValidationError("write", "non-nullable column %q is missing", f.Name)
			}
			cols[i] = array.MakeArrayOfNull(d.t.mem, f.Type, int(rows))
			continue
		}
		col := rec.Column(pos)
		if !arrow.TypeEqual(col.DataType(), f.Type) {
			cast, err := compute.CastArray(ctx, col, compute.SafeCastOptions(f.Type))
			if err != nil {
				return nil, contracts.NewValidationError("write", "column %q has type %s, expected %s", f.Name, col.DataType(), f.Type)
			}
			col = cast
		} else {
			col.Retain()
		}
		if !f.Nullable && col.NullN() > 0 {
			return nil, contracts.NewValidationError("write", "non-nullable column %q contains nulls", f.Name)
		}
		cols[i] = col
	}
	return array.NewRecord(d.schema, cols, rows), nil
}

// WriteFragment stores rec, which must match the schema of next, as a new
// fragment of next. The fragment is not visible until next is committed.
func (d *Dataset) WriteFragment(ctx context.Context, next *manifest.Manifest, rec arrow.Record) (manifest.Fragment, error) {
	fieldIDs := make([]int32, len(next.Fields))
	for i, f := range next.Fields {
		fieldIDs[i] = f.ID
	}
	file, err := d.WriteDataFile(ctx, rec, fieldIDs)
	if err != nil {
		return manifest.Fragment{}, err
	}
	frag := manifest.Fragment{
		ID:           next.NextFragmentID,
		Files:        []manifest.DataFile{file},
		PhysicalRows: rec.NumRows(),
	}
	next.NextFragmentID++
	return frag, nil
}

// WriteDataFile stores rec as one data file holding the fields fieldIDs, in
// order. The file is unreferenced until a committed fragment lists it.
func (d *Dataset) WriteDataFile(ctx context.Context, rec arrow.Record, fieldIDs []int32) (manifest.DataFile, error) {
	data, err := encodeDataFile(rec, d.t.engine.MaxRowsPerGroup)
	if err != nil {
		return manifest.DataFile{}, err
	}
	path := manifest.DataPath(uuid.NewString())
	if err := d.t.store.Put(ctx, path, data); err != nil {
		return manifest.DataFile{}, contracts.WrapIOError("write data file", err)
	}
	d.t.logger.Debug("wrote data file",
		zap.String("path", path),
		zap.Int64("rows", rec.NumRows()),
		zap.Int("bytes", len(data)))
	return manifest.DataFile{Path: path, FieldIDs: fieldIDs, Size: int64(len(data))}, nil
}

// writeDeletions stores bm as the deletion file of frag at version
func (d *Dataset) writeDeletions(ctx context.Context, frag *manifest.Fragment, version uint64, bm *roaring.Bitmap) error {
	bm.RunOptimize()
	data, err := bm.ToBytes()
	if err != nil {
		return fmt.Errorf("failed to encode deletion bitmap: %w", err)
	}
	path := manifest.DeletionPath(frag.ID, version, uuid.NewString())
	if err := d.t.store.Put(ctx, path, data); err != nil {
		return contracts.WrapIOError("write deletion file", err)
	}
	frag.Deletion = &manifest.DeletionFile{Path: path, NumDeleted: int64(bm.GetCardinality()), Size: int64(len(data))}
	return nil
}

// appendRecords conforms records to the schema of m and adds them to m as
// fragments of at most MaxRowsPerFile rows
func (d *Dataset) appendRecords(ctx context.Context, m *manifest.Manifest, records []arrow.Record) error {
	var conformed []arrow.Record
	defer func() {
		for _, r := range conformed {
			r.Release()
		}
	}()
	for _, rec := range records {
		if rec == nil || rec.NumRows() == 0 {
			continue
		}
		c, err := d.conform(ctx, rec)
		if err != nil {
			return err
		}
		conformed = append(conformed, c)
	}
	if len(conformed) == 0 {
		return nil
	}

	maxRows := int64(d.t.engine.MaxRowsPerFile)
	pending := make([]arrow.Record, 0, len(conformed))
	var pendingRows int64
	flush := func() error {
		if pendingRows == 0 {
			return nil
		}
		merged, err := concatRecords(d, pending)
		if err != nil {
			return err
		}
		defer merged.Release()
		frag, err := d.WriteFragment(ctx, m, merged)
		if err != nil {
			return err
		}
		m.Fragments = append(m.Fragments, frag)
		pending = pending[:0]
		pendingRows = 0
		return nil
	}

	for _, rec := range conformed {
		for offset := int64(0); offset < rec.NumRows(); {
			take := rec.NumRows() - offset
			if room := maxRows - pendingRows; take > room {
				take = room
			}
			pending = append(pending, rec.NewSlice(offset, offset+take))
			pendingRows += take
			offset += take
			if pendingRows >= maxRows {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}

// concatRecords merges records that share a schema into one
func concatRecords(d *Dataset, records []arrow.Record) (arrow.Record, error) {
	if len(records) == 1 {
		records[0].Retain()
		return records[0], nil
	}
	schema := records[0].Schema()
	cols := make([]arrow.Array, schema.NumFields())
	var rows int64
	for _, r := range records {
		rows += r.NumRows()
	}
	for c := range cols {
		parts := make([]arrow.Array, len(records))
		for i, r := range records {
			parts[i] = r.Column(c)
		}
		merged, err := array.Concatenate(parts, d.t.mem)
		if err != nil {
			return nil, fmt.Errorf("failed to merge records: %w", err)
		}
		cols[c] = merged
	}
	return array.NewRecord(schema, cols, rows), nil
}

// Append adds records to the latest version
func (d *Dataset) Append(ctx context.Context, records []arrow.Record) (*Dataset, error) {
	base, next, err := d.latestForWrite(ctx)
	if err != nil {
		return nil, err
	}
	if err := base.appendRecords(ctx, next, records); err != nil {
		return nil, err
	}
	return base.commit(ctx, next, OpAppend)
}

// Overwrite replaces the content of the table with records. The new schema
// is schema, else that of the first record, else the current one. Every
// index is dropped.
func (d *Dataset) Overwrite(ctx context.Context, schema *arrow.Schema, records []arrow.Record) (*Dataset, error) {
	base, current, err := d.latestForWrite(ctx)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		schema = base.schema
		if len(records) > 0 {
			schema = records[0].Schema()
		}
	}
	next, err := manifest.New(schema)
	if err != nil {
		return nil, contracts.NewValidationError("overwrite", "%v", err)
	}
	// Field and fragment IDs are never reused
	for i := range next.Fields {
		next.Fields[i].ID += current.MaxFieldID
	}
	next.MaxFieldID += current.MaxFieldID
	next.NextFragmentID = current.NextFragmentID

	writer, err := base.t.snapshot(next)
	if err != nil {
		return nil, err
	}
	if err := writer.appendRecords(ctx, next, records); err != nil {
		return nil, err
	}
	return base.commit(ctx, next, OpOverwrite)
}
