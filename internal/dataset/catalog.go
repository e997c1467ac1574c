// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package dataset

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lancedb/lancego/internal/expr"
	"github.com/lancedb/lancego/internal/index"
	"github.com/lancedb/lancego/internal/manifest"
	"github.com/lancedb/lancego/internal/metrics"
	"github.com/lancedb/lancego/pkg/contracts"
)

// VectorAt returns slot i of a vector column as float32, or false when the
// slot is null or the array is not a fixed-size list of numbers
func VectorAt(arr arrow.Array, i int) ([]float32, bool) {
	fsl, ok := arr.(*array.FixedSizeList)
	if !ok || fsl.IsNull(i) {
		return nil, false
	}
	n := int(fsl.DataType().(*arrow.FixedSizeListType).Len())
	start := (fsl.Offset() + i) * n
	out := make([]float32, n)
	switch values := fsl.ListValues().(type) {
	case *array.Float32:
		copy(out, values.Float32Values()[start:start+n])
	case *array.Float64:
		for j, v := range values.Float64Values()[start : start+n] {
			out[j] = float32(v)
		}
	case *array.Float16:
		for j := 0; j < n; j++ {
			out[j] = values.Value(start + j).Float32()
		}
	case *array.Uint8:
		for j, v := range values.Uint8Values()[start : start+n] {
			out[j] = float32(v)
		}
	default:
		return nil, false
	}
	return out, true
}

// resolveIndexType checks kind against the column type. AUTO picks IVF_PQ
// for vector columns and BTREE otherwise.
func resolveIndexType(kind contracts.IndexType, field arrow.Field) (contracts.IndexType, error) {
	isVector := manifest.IsVectorType(field.Type)
	_, isList := field.Type.(arrow.ListLikeType)
	isText := field.Type.ID() == arrow.STRING || field.Type.ID() == arrow.LARGE_STRING
	if l, ok := field.Type.(*arrow.ListType); ok {
		isText = l.Elem().ID() == arrow.STRING || l.Elem().ID() == arrow.LARGE_STRING
	}

	if kind == contracts.IndexTypeAuto {
		if isVector {
			return contracts.IndexTypeIvfPq, nil
		}
		kind = contracts.IndexTypeBTree
	}
	switch {
	case kind.IsVector() && !isVector:
		return kind, fmt.Errorf("%s requires a fixed-size list vector column, %q is %s", kind, field.Name, field.Type)
	case kind == contracts.IndexTypeFts && !isText:
		return kind, fmt.Errorf("FTS requires a string column, %q is %s", field.Name, field.Type)
	case kind == contracts.IndexTypeLabelList && (!isList || isVector):
		return kind, fmt.Errorf("LABEL_LIST requires a list column, %q is %s", field.Name, field.Type)
	case (kind == contracts.IndexTypeBTree || kind == contracts.IndexTypeBitmap) && isList:
		return kind, fmt.Errorf("%s requires a scalar column, %q is %s", kind, field.Name, field.Type)
	}
	return kind, nil
}

func paramsFromOptions(opts contracts.IndexOptions) manifest.IndexParams {
	p := manifest.IndexParams{
		NumPartitions:  opts.NumPartitions,
		NumSubVectors:  opts.NumSubVectors,
		NumBits:        opts.NumBits,
		MaxIterations:  opts.MaxIterations,
		SampleRate:     opts.SampleRate,
		M:              opts.M,
		EfConstruction: opts.EfConstruction,
		Analyzer:       opts.Analyzer,
	}
	if opts.Type.IsVector() {
		p.DistanceType = opts.DistanceType.String()
	}
	return p
}

// CreateIndex builds an index over the live rows of column and publishes it
// in a new version. An existing index with the same name, or of the same
// kind on the same column, is replaced unless opts.Replace is false.
func (d *Dataset) CreateIndex(ctx context.Context, column string, opts contracts.IndexOptions) (*Dataset, error) {
	base, next, err := d.latestForWrite(ctx)
	if err != nil {
		return nil, err
	}
	field := base.manifest.FieldByName(column)
	if field == nil {
		return nil, contracts.NewValidationError("create index", "column %q does not exist", column)
	}
	af, err := field.ArrowField()
	if err != nil {
		return nil, err
	}
	kind, err := resolveIndexType(opts.Type, af)
	if err != nil {
		return nil, contracts.NewValidationError("create index", "%v", err)
	}
	opts.Type = kind
	if _, err := index.Tokenize(opts.Analyzer, ""); kind == contracts.IndexTypeFts && err != nil {
		return nil, contracts.NewValidationError("create index", "%v", err)
	}
	name := opts.Name
	if name == "" {
		name = column + "_idx"
	}
	replace := opts.Replace == nil || *opts.Replace

	kept := next.Indices[:0]
	for _, existing := range next.Indices {
		sameSlot := existing.Kind == kind.String() && len(existing.FieldIDs) == 1 && existing.FieldIDs[0] == field.ID
		if existing.Name == name || sameSlot {
			if !replace {
				return nil, contracts.NewAlreadyExistsError("create index", "index %q already exists", existing.Name)
			}
			continue
		}
		kept = append(kept, existing)
	}
	next.Indices = kept

	meta := manifest.IndexMetadata{
		Name:     name,
		FieldIDs: []int32{field.ID},
		Kind:     kind.String(),
		Params:   paramsFromOptions(opts),
	}
	if err := base.buildIndex(ctx, &meta); err != nil {
		return nil, err
	}
	next.Indices = append(next.Indices, meta)
	return base.commit(ctx, next, OpCreateIndex)
}

// buildIndex trains the index described by meta over the live rows of d,
// stores it and fills in the remaining metadata
func (d *Dataset) buildIndex(ctx context.Context, meta *manifest.IndexMetadata) error {
	kind, err := contracts.ParseIndexType(meta.Kind)
	if err != nil {
		return err
	}
	field := d.manifest.FieldByID(meta.FieldIDs[0])
	if field == nil {
		return contracts.NewValidationError("create index", "field %d of index %q no longer exists", meta.FieldIDs[0], meta.Name)
	}

	var rows []uint64
	var values []interface{}
	var vectors [][]float32
	fragIDs := make([]uint32, 0, len(d.manifest.Fragments))
	for i := range d.manifest.Fragments {
		frag := &d.manifest.Fragments[i]
		fragIDs = append(fragIDs, frag.ID)
		data, err := d.ReadFragment(ctx, frag, []string{field.Name})
		if err != nil {
			return err
		}
		col := data.Columns[0]
		for r := 0; r < data.NumRows(); r++ {
			if data.IsDeleted(r) {
				continue
			}
			addr := index.RowAddress(frag.ID, uint32(r))
			if kind.IsVector() {
				v, ok := VectorAt(col, r)
				if !ok {
					continue
				}
				rows = append(rows, addr)
				vectors = append(vectors, v)
				continue
			}
			rows = append(rows, addr)
			values = append(values, expr.ValueAt(col, r))
		}
	}

	var idx index.Index
	switch kind {
	case contracts.IndexTypeBTree:
		idx, err = index.BuildBTree(rows, values)
	case contracts.IndexTypeBitmap:
		idx, err = index.BuildBitmap(rows, values)
	case contracts.IndexTypeLabelList:
		idx, err = index.BuildLabelList(rows, values)
	case contracts.IndexTypeFts:
		idx, err = index.BuildFTS(meta.Params.Analyzer, rows, values)
	default:
		metric, perr := contracts.ParseDistanceType(meta.Params.DistanceType)
		if perr != nil {
			return contracts.NewValidationError("create index", "%v", perr)
		}
		idx, err = index.BuildVector(kind, index.VectorParams{
			Metric:         metric,
			NumPartitions:  meta.Params.NumPartitions,
			NumSubVectors:  meta.Params.NumSubVectors,
			NumBits:        meta.Params.NumBits,
			MaxIterations:  meta.Params.MaxIterations,
			SampleRate:     meta.Params.SampleRate,
			M:              meta.Params.M,
			EfConstruction: meta.Params.EfConstruction,
		}, rows, vectors)
	}
	if err != nil {
		return contracts.NewValidationError("create index", "failed to build %s index on %q: %v", kind, field.Name, err)
	}

	data, err := index.Encode(idx)
	if err != nil {
		return err
	}
	meta.UUID = uuid.NewString()
	if err := d.t.store.Put(ctx, meta.Path(), data); err != nil {
		return contracts.WrapIOError("write index", err)
	}
	d.t.indices.Add(meta.UUID, idx)

	meta.DatasetVersion = d.manifest.Version
	meta.FragmentIDs = fragIDs
	meta.NumIndexedRows = int64(len(rows))
	meta.Size = int64(len(data))
	d.t.logger.Info("built index",
		zap.String("index", meta.Name),
		zap.String("kind", meta.Kind),
		zap.String("column", field.Name),
		zap.Int("rows", len(rows)),
		zap.Int("bytes", len(data)))
	return nil
}

// DropIndex removes the named index in a new version
func (d *Dataset) DropIndex(ctx context.Context, name string) (*Dataset, error) {
	base, next, err := d.latestForWrite(ctx)
	if err != nil {
		return nil, err
	}
	kept := next.Indices[:0]
	found := false
	for _, idx := range next.Indices {
		if idx.Name == name {
			found = true
			continue
		}
		kept = append(kept, idx)
	}
	if !found {
		return nil, contracts.NewNotFoundError("drop index", "index %q does not exist", name)
	}
	next.Indices = kept
	return base.commit(ctx, next, OpDropIndex)
}

// columnNames resolves index field IDs against the snapshot schema
func (d *Dataset) columnNames(meta *manifest.IndexMetadata) ([]string, bool) {
	names := make([]string, 0, len(meta.FieldIDs))
	for _, id := range meta.FieldIDs {
		f := d.manifest.FieldByID(id)
		if f == nil {
			return nil, false
		}
		names = append(names, f.Name)
	}
	return names, true
}

// ListIndices describes the valid indices of the snapshot
func (d *Dataset) ListIndices() []contracts.IndexInfo {
	out := make([]contracts.IndexInfo, 0, len(d.manifest.Indices))
	for i := range d.manifest.Indices {
		meta := &d.manifest.Indices[i]
		cols, ok := d.columnNames(meta)
		if !ok {
			continue
		}
		out = append(out, contracts.IndexInfo{Name: meta.Name, Columns: cols, IndexType: meta.Kind})
	}
	return out
}

// IndexStats reports how many live rows the named index covers
func (d *Dataset) IndexStats(name string) (*contracts.IndexStatistics, error) {
	meta := d.manifest.IndexByName(name)
	if meta == nil {
		return nil, contracts.NewNotFoundError("index stats", "index %q does not exist", name)
	}
	cols, ok := d.columnNames(meta)
	if !ok {
		return nil, contracts.NewNotFoundError("index stats", "index %q refers to a dropped column", name)
	}
	stats := &contracts.IndexStatistics{
		Name:         meta.Name,
		Columns:      cols,
		IndexType:    meta.Kind,
		DistanceType: meta.Params.DistanceType,
		BuildVersion: int(meta.DatasetVersion),
	}
	for i := range d.manifest.Fragments {
		frag := &d.manifest.Fragments[i]
		if meta.Covers(frag.ID) {
			stats.NumIndexedRows += frag.LiveRows()
		} else {
			stats.NumUnindexedRows += frag.LiveRows()
		}
	}
	return stats, nil
}

// IndicesFor returns the valid indices on column
func (d *Dataset) IndicesFor(column string) []manifest.IndexMetadata {
	field := d.manifest.FieldByName(column)
	if field == nil {
		return nil
	}
	var out []manifest.IndexMetadata
	for _, meta := range d.manifest.Indices {
		if len(meta.FieldIDs) == 1 && meta.FieldIDs[0] == field.ID {
			out = append(out, meta)
		}
	}
	return out
}

// LoadIndex reads the structure of an index, going through the index cache
func (d *Dataset) LoadIndex(ctx context.Context, meta *manifest.IndexMetadata) (index.Index, error) {
	if idx, ok := d.t.indices.Get(meta.UUID); ok {
		metrics.CacheLookupsTotal.WithLabelValues("index", "hit").Inc()
		return idx, nil
	}
	metrics.CacheLookupsTotal.WithLabelValues("index", "miss").Inc()
	data, err := d.t.store.Get(ctx, meta.Path())
	if err != nil {
		return nil, d.readError(ctx, "load index", err)
	}
	idx, err := index.Decode(data)
	if err != nil {
		return nil, contracts.WrapIOError("load index", fmt.Errorf("index %q: %w", meta.Name, err))
	}
	d.t.indices.Add(meta.UUID, idx)
	return idx, nil
}

// UncoveredFragments returns the fragments of the snapshot meta does not cover
func (d *Dataset) UncoveredFragments(meta *manifest.IndexMetadata) []*manifest.Fragment {
	var out []*manifest.Fragment
	for i := range d.manifest.Fragments {
		if !meta.Covers(d.manifest.Fragments[i].ID) {
			out = append(out, &d.manifest.Fragments[i])
		}
	}
	return out
}

// OptimizeIndices rebuilds every index that does not cover all fragments,
// keeping its name, kind and parameters. It commits only when at least one
// index was rebuilt and returns the number rebuilt.
func (d *Dataset) OptimizeIndices(ctx context.Context) (*Dataset, int, error) {
	base, next, err := d.latestForWrite(ctx)
	if err != nil {
		return nil, 0, err
	}
	rebuilt := 0
	for i := range next.Indices {
		meta := &next.Indices[i]
		if _, ok := base.columnNames(meta); !ok {
			continue
		}
		if len(base.UncoveredFragments(meta)) == 0 && coversOnlyLive(base.manifest, meta) {
			continue
		}
		fresh := manifest.IndexMetadata{
			Name:     meta.Name,
			FieldIDs: meta.FieldIDs,
			Kind:     meta.Kind,
			Params:   meta.Params,
		}
		if err := base.buildIndex(ctx, &fresh); err != nil {
			if contracts.IsValidationError(err) && base.manifest.NumRows() == 0 {
				// Vector indices cannot be trained on an empty table
				continue
			}
			return nil, 0, err
		}
		*meta = fresh
		rebuilt++
	}
	if rebuilt == 0 {
		return base, 0, nil
	}
	ds, err := base.commit(ctx, next, OpOptimizeIndices)
	return ds, rebuilt, err
}

// coversOnlyLive reports whether every fragment meta covers still exists
func coversOnlyLive(m *manifest.Manifest, meta *manifest.IndexMetadata) bool {
	for _, id := range meta.FragmentIDs {
		if m.FragmentByID(id) == nil {
			return false
		}
	}
	return true
}
