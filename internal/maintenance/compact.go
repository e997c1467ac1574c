// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

// Package maintenance keeps tables compact: it merges small or heavily
// deleted fragments, refreshes stale indices and removes old versions
// together with the files only they referenced.
package maintenance

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/lancedb/lancego/internal/dataset"
	"github.com/lancedb/lancego/internal/index"
	"github.com/lancedb/lancego/internal/manifest"
	"github.com/lancedb/lancego/internal/metrics"
	"github.com/lancedb/lancego/pkg/contracts"
)

// bin is a run of adjacent fragments rewritten together
type bin struct {
	// pos is the position of the first fragment in the manifest
	pos       int
	fragments []*manifest.Fragment
	liveRows  int64
}

// rewritten is the output of one bin
type rewritten struct {
	files []manifest.DataFile
	rows  []int64
	err   error
}

// needsRewrite reports whether frag is small or carries too many deletions
func needsRewrite(frag *manifest.Fragment, opts contracts.OptimizeOptions) bool {
	if frag.LiveRows() < int64(opts.TargetRowsPerFragment) {
		return true
	}
	return deletedFraction(frag) > opts.MaterializeDeletionsThreshold
}

func deletedFraction(frag *manifest.Fragment) float64 {
	if frag.Deletion == nil || frag.PhysicalRows == 0 {
		return 0
	}
	return float64(frag.Deletion.NumDeleted) / float64(frag.PhysicalRows)
}

// planBins groups adjacent rewrite candidates into bins of up to the target
// row count. A lone fragment is only rewritten to drop its deletions.
func planBins(m *manifest.Manifest, opts contracts.OptimizeOptions) []bin {
	var bins []bin
	var cur *bin
	flush := func() {
		if cur == nil {
			return
		}
		if len(cur.fragments) > 1 || cur.fragments[0].Deletion != nil {
			bins = append(bins, *cur)
		}
		cur = nil
	}
	for i := range m.Fragments {
		frag := &m.Fragments[i]
		if !needsRewrite(frag, opts) {
			flush()
			continue
		}
		if cur != nil && cur.liveRows+frag.LiveRows() > int64(opts.TargetRowsPerFragment) {
			flush()
		}
		if cur == nil {
			cur = &bin{pos: i}
		}
		cur.fragments = append(cur.fragments, frag)
		cur.liveRows += frag.LiveRows()
	}
	flush()
	return bins
}

// Compact rewrites small and deletion-heavy fragments of the latest version
// into fragments of up to TargetRowsPerFragment live rows. Fully deleted
// fragments never reach it: Delete already leaves them out of the manifest.
// It commits only when something changed.
func Compact(ctx context.Context, ds *dataset.Dataset, opts contracts.OptimizeOptions) (*dataset.Dataset, contracts.CompactionStats, error) {
	var stats contracts.CompactionStats
	if opts.TargetRowsPerFragment <= 0 {
		return nil, stats, contracts.NewValidationError("compact", "target rows per fragment must be positive, got %d", opts.TargetRowsPerFragment)
	}
	base, err := ds.Latest(ctx)
	if err != nil {
		return nil, stats, err
	}
	m := base.Manifest()
	bins := planBins(m, opts)
	if len(bins) == 0 {
		return base, stats, nil
	}

	results, err := rewriteBins(ctx, base, bins, opts)
	if err != nil {
		return nil, stats, err
	}

	next := m.Clone()
	removed := make(map[uint32]bool)
	replacements := make(map[int][]manifest.Fragment)
	for i, b := range bins {
		for _, frag := range b.fragments {
			removed[frag.ID] = true
			stats.FragmentsRemoved++
			stats.FilesRemoved += len(frag.Files)
		}
		for j, file := range results[i].files {
			replacements[b.pos] = append(replacements[b.pos], manifest.Fragment{
				ID:           next.NextFragmentID,
				Files:        []manifest.DataFile{file},
				PhysicalRows: results[i].rows[j],
			})
			next.NextFragmentID++
			stats.FragmentsAdded++
			stats.FilesAdded++
		}
	}

	fragments := make([]manifest.Fragment, 0, len(next.Fragments))
	for i, frag := range m.Fragments {
		fragments = append(fragments, replacements[i]...)
		if !removed[frag.ID] {
			fragments = append(fragments, next.Fragments[i])
		}
	}
	next.Fragments = fragments

	out, err := base.Commit(ctx, next, dataset.OpCompact)
	if err != nil {
		return nil, stats, err
	}
	metrics.CompactedFragmentsTotal.WithLabelValues("removed").Add(float64(stats.FragmentsRemoved))
	metrics.CompactedFragmentsTotal.WithLabelValues("added").Add(float64(stats.FragmentsAdded))
	base.Logger().Info("compacted fragments",
		zap.Uint64("version", out.Version()),
		zap.Int("bins", len(bins)),
		zap.Int("fragments_removed", stats.FragmentsRemoved),
		zap.Int("fragments_added", stats.FragmentsAdded))
	return out, stats, nil
}

// rewriteBins writes the live rows of every bin on a bounded worker pool
func rewriteBins(ctx context.Context, base *dataset.Dataset, bins []bin, opts contracts.OptimizeOptions) ([]rewritten, error) {
	results := make([]rewritten, len(bins))
	if len(bins) == 0 {
		return results, nil
	}
	threads := opts.NumThreads
	if threads <= 0 {
		threads = 1
	}
	pool, err := ants.NewPool(threads, ants.WithPanicHandler(func(v interface{}) {
		base.Logger().Error("compaction worker panic", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to start compaction workers: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := range bins {
		i := i
		wg.Add(1)
		// replaced by the worker unless it panics
		results[i].err = fmt.Errorf("compaction of bin %d aborted", i)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i] = rewriteBin(ctx, base, &bins[i], opts)
		})
		if err != nil {
			wg.Done()
			results[i].err = err
		}
	}
	wg.Wait()

	for i := range results {
		if results[i].err != nil {
			return nil, results[i].err
		}
	}
	return results, nil
}

func rewriteBin(ctx context.Context, base *dataset.Dataset, b *bin, opts contracts.OptimizeOptions) rewritten {
	if err := ctx.Err(); err != nil {
		return rewritten{err: err}
	}
	addrs := make([]uint64, 0, b.liveRows)
	for _, frag := range b.fragments {
		data, err := base.ReadFragment(ctx, frag, []string{})
		if err != nil {
			return rewritten{err: err}
		}
		for r := 0; r < data.NumRows(); r++ {
			if !data.IsDeleted(r) {
				addrs = append(addrs, index.RowAddress(frag.ID, uint32(r)))
			}
		}
	}
	rec, err := base.Take(ctx, addrs, nil)
	if err != nil {
		return rewritten{err: err}
	}
	defer rec.Release()

	fieldIDs := make([]int32, len(base.Manifest().Fields))
	for i, f := range base.Manifest().Fields {
		fieldIDs[i] = f.ID
	}
	var out rewritten
	target := int64(opts.TargetRowsPerFragment)
	for start := int64(0); start < rec.NumRows(); start += target {
		end := start + target
		if end > rec.NumRows() {
			end = rec.NumRows()
		}
		file, err := writeSlice(ctx, base, rec, start, end, fieldIDs)
		if err != nil {
			return rewritten{err: err}
		}
		out.files = append(out.files, file)
		out.rows = append(out.rows, end-start)
	}
	return out
}

func writeSlice(ctx context.Context, base *dataset.Dataset, rec arrow.Record, start, end int64, fieldIDs []int32) (manifest.DataFile, error) {
	slice := rec.NewSlice(start, end)
	defer slice.Release()
	return base.WriteDataFile(ctx, slice, fieldIDs)
}
