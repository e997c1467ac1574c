// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package contracts

import "time"

// OptimizeOptions configures Optimize
type OptimizeOptions struct {
	// TargetRowsPerFragment is the row count compaction aims for
	TargetRowsPerFragment int
	// MaterializeDeletionsThreshold is the deleted-row fraction above which
	// a fragment is rewritten even when it is large enough
	MaterializeDeletionsThreshold float64
	// NumThreads bounds the compaction worker pool
	NumThreads int
	// CleanupOlderThan retains versions newer than this age
	CleanupOlderThan time.Duration
	// DeleteUnverified removes files no manifest references regardless of age
	DeleteUnverified bool
	// SkipIndexOptimization leaves stale indices as they are
	SkipIndexOptimization bool
}

// UnverifiedFileGracePeriod protects files that no manifest references yet,
// such as those of an in-flight commit
const UnverifiedFileGracePeriod = 7 * 24 * time.Hour

// DefaultOptimizeOptions returns the defaults used by Optimize
func DefaultOptimizeOptions() OptimizeOptions {
	return OptimizeOptions{
		TargetRowsPerFragment:         1024 * 1024,
		MaterializeDeletionsThreshold: 0.1,
		NumThreads:                    4,
		CleanupOlderThan:              7 * 24 * time.Hour,
	}
}

// OptimizeOption mutates OptimizeOptions
type OptimizeOption func(*OptimizeOptions)

// WithTargetRowsPerFragment sets the compaction target
func WithTargetRowsPerFragment(rows int) OptimizeOption {
	return func(o *OptimizeOptions) { o.TargetRowsPerFragment = rows }
}

// WithMaterializeDeletionsThreshold sets the deleted-row fraction that forces a rewrite
func WithMaterializeDeletionsThreshold(fraction float64) OptimizeOption {
	return func(o *OptimizeOptions) { o.MaterializeDeletionsThreshold = fraction }
}

// WithCompactionThreads bounds the compaction worker pool
func WithCompactionThreads(n int) OptimizeOption {
	return func(o *OptimizeOptions) { o.NumThreads = n }
}

// WithCleanupOlderThan sets the retention window for old versions
func WithCleanupOlderThan(d time.Duration) OptimizeOption {
	return func(o *OptimizeOptions) { o.CleanupOlderThan = d }
}

// WithDeleteUnverified removes unreferenced files without the grace period
func WithDeleteUnverified(enabled bool) OptimizeOption {
	return func(o *OptimizeOptions) { o.DeleteUnverified = enabled }
}

// WithSkipIndexOptimization disables the index refresh step
func WithSkipIndexOptimization() OptimizeOption {
	return func(o *OptimizeOptions) { o.SkipIndexOptimization = true }
}

// CompactionStats reports the compaction step
type CompactionStats struct {
	FragmentsRemoved int `json:"fragments_removed"`
	FragmentsAdded   int `json:"fragments_added"`
	FilesRemoved     int `json:"files_removed"`
	FilesAdded       int `json:"files_added"`
}

// CleanupStats reports the cleanup step
type CleanupStats struct {
	BytesRemoved       int64 `json:"bytes_removed"`
	OldVersionsRemoved int   `json:"old_versions_removed"`
}

// OptimizeStats reports a full Optimize run
type OptimizeStats struct {
	Compaction     CompactionStats `json:"compaction"`
	Prune          CleanupStats    `json:"prune"`
	IndicesRebuilt int             `json:"indices_rebuilt"`
}
