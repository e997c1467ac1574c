// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package maintenance

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lancedb/lancego/internal/dataset"
	"github.com/lancedb/lancego/internal/manifest"
	"github.com/lancedb/lancego/internal/metrics"
	"github.com/lancedb/lancego/internal/storage"
	"github.com/lancedb/lancego/pkg/contracts"
)

const maxDeleteRetries = 5

// fileDirs hold every object a manifest can reference
var fileDirs = []string{manifest.DataDir, manifest.DeletionsDir, manifest.IndicesDir}

// Cleanup removes versions older than opts.CleanupOlderThan, except the
// latest one and versions held by a live checkout, then deletes the files no
// retained version references. Files that no manifest references at all are
// only deleted once older than the unverified grace period, or when
// opts.DeleteUnverified is set.
func Cleanup(ctx context.Context, ds *dataset.Dataset, opts contracts.OptimizeOptions) (contracts.CleanupStats, error) {
	var stats contracts.CleanupStats
	if opts.CleanupOlderThan < 0 {
		return stats, contracts.NewValidationError("cleanup", "retention must not be negative, got %s", opts.CleanupOlderThan)
	}
	latest, err := ds.Latest(ctx)
	if err != nil {
		return stats, err
	}
	store := latest.Store()
	logger := latest.Logger()
	versions, err := latest.ListVersions(ctx)
	if err != nil {
		return stats, err
	}

	now := time.Now()
	cutoff := now.Add(-opts.CleanupOlderThan)
	pinned := dataset.Pinned(store.URI())
	retained := make(map[string]bool)
	verified := make(map[string]bool)
	var expired []uint64
	for _, info := range versions {
		v := uint64(info.Version)
		m, err := latest.LoadManifest(ctx, v)
		if err != nil {
			return stats, err
		}
		keep := v == latest.Version() || pinned[v] || m.Timestamp.After(cutoff)
		for _, path := range m.ReferencedFiles() {
			verified[path] = true
			if keep {
				retained[path] = true
			}
		}
		if !keep {
			expired = append(expired, v)
		}
	}

	sizes, err := objectSizes(ctx, store, manifest.VersionsDir)
	if err != nil {
		return stats, err
	}
	// manifests go first so no remaining version points at a deleted file
	for _, v := range expired {
		path := manifest.VersionPath(v)
		if err := deleteWithRetry(ctx, store, path); err != nil {
			return stats, err
		}
		stats.OldVersionsRemoved++
		stats.BytesRemoved += sizes[path]
	}

	for _, dir := range fileDirs {
		objects, err := store.List(ctx, dir)
		if err != nil {
			return stats, contracts.WrapIOError("cleanup", err)
		}
		for _, obj := range objects {
			if retained[obj.Path] {
				continue
			}
			if !verified[obj.Path] && !opts.DeleteUnverified && now.Sub(obj.LastModified) < contracts.UnverifiedFileGracePeriod {
				continue
			}
			if err := deleteWithRetry(ctx, store, obj.Path); err != nil {
				return stats, err
			}
			stats.BytesRemoved += obj.Size
		}
	}

	metrics.CleanupBytesTotal.Add(float64(stats.BytesRemoved))
	if stats.OldVersionsRemoved > 0 || stats.BytesRemoved > 0 {
		logger.Info("cleaned up old versions",
			zap.Int("versions_removed", stats.OldVersionsRemoved),
			zap.Int64("bytes_removed", stats.BytesRemoved),
			zap.Int("pinned", len(pinned)))
	}
	return stats, nil
}

func objectSizes(ctx context.Context, store storage.ObjectStore, dir string) (map[string]int64, error) {
	objects, err := store.List(ctx, dir)
	if err != nil {
		return nil, contracts.WrapIOError("cleanup", err)
	}
	out := make(map[string]int64, len(objects))
	for _, obj := range objects {
		out[obj.Path] = obj.Size
	}
	return out, nil
}

// deleteWithRetry deletes path, retrying transient failures with
// exponential backoff
func deleteWithRetry(ctx context.Context, store storage.ObjectStore, path string) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxDeleteRetries), ctx)
	err := backoff.Retry(func() error {
		return store.Delete(ctx, path)
	}, policy)
	if err != nil {
		return contracts.WrapIOError("cleanup", err)
	}
	return nil
}
