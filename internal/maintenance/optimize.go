// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package maintenance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lancedb/lancego/internal/dataset"
	"github.com/lancedb/lancego/pkg/contracts"
)

// Options resolves functional options over the defaults
func Options(opts ...contracts.OptimizeOption) contracts.OptimizeOptions {
	o := contracts.DefaultOptimizeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Optimize compacts the table, rebuilds indices that no longer cover every
// fragment and then removes old versions. Each step commits on its own, so a
// failure leaves the steps before it in place. The returned dataset is the
// latest version after the run.
func Optimize(ctx context.Context, ds *dataset.Dataset, opts ...contracts.OptimizeOption) (*dataset.Dataset, contracts.OptimizeStats, error) {
	var stats contracts.OptimizeStats
	o := Options(opts...)

	current, compaction, err := Compact(ctx, ds, o)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to compact table: %w", err)
	}
	stats.Compaction = compaction

	if !o.SkipIndexOptimization {
		next, rebuilt, err := current.OptimizeIndices(ctx)
		if err != nil {
			return nil, stats, fmt.Errorf("failed to optimize indices: %w", err)
		}
		current = next
		stats.IndicesRebuilt = rebuilt
	}

	prune, err := Cleanup(ctx, current, o)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to clean up old versions: %w", err)
	}
	stats.Prune = prune

	current.Logger().Info("optimized table",
		zap.Uint64("version", current.Version()),
		zap.Int("fragments_removed", stats.Compaction.FragmentsRemoved),
		zap.Int("fragments_added", stats.Compaction.FragmentsAdded),
		zap.Int("indices_rebuilt", stats.IndicesRebuilt),
		zap.Int("versions_removed", stats.Prune.OldVersionsRemoved),
		zap.Int64("bytes_removed", stats.Prune.BytesRemoved))
	return current, stats, nil
}
