// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

/*
Package lancedb is an embedded, versioned columnar table store with vector,
full-text and hybrid search, written in Go on top of Apache Arrow.

Every table is a sequence of immutable versions. A write never modifies an
existing version: it writes new data files and publishes a new manifest,
and readers bound to an older version keep seeing exactly that version.

# Basic Usage

	db, err := lancedb.Connect(context.Background(), "./my_database", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	schema, err := lancedb.NewSchemaBuilder().
		AddInt32Field("id", false).
		AddVectorField("embedding", 128, lancedb.VectorDataTypeFloat32, false).
		AddStringField("text", true).
		Build()
	if err != nil {
		log.Fatal(err)
	}

	table, err := db.CreateTable(context.Background(), "documents", schema)
	if err != nil {
		log.Fatal(err)
	}
	defer table.Close()

# Storage Backends

	db, err := lancedb.Connect(ctx, "/path/to/database", nil)   // local files
	db, err := lancedb.Connect(ctx, "memory://scratch", nil)    // in-process
	db, err := lancedb.Connect(ctx, "s3://bucket/prefix", opts) // S3 or MinIO

S3 credentials and endpoints are read from StorageOptions.S3Config. The same
options can be loaded from YAML with contracts.LoadConnectionOptions.

# Queries

Query returns a builder. NearestTo turns it into a vector search,
NearestToText into a full-text search, and calling both makes it hybrid:

	rows, err := table.Query().
		NearestTo(queryVector).
		DistanceType(contracts.DistanceTypeCosine).
		Filter("category = 'news'").
		Limit(5).
		ToMaps(ctx)

	stream, err := table.Query().
		NearestToText("lazy dog", "text").
		NearestTo(queryVector).
		Reranker(contracts.RerankerRRF).
		Execute(ctx)

ExplainPlan describes the strategy without reading data, AnalyzePlan runs
the query and reports per-stage metrics.

# Versions

	v, _ := table.Version(ctx)
	_ = table.Checkout(ctx, v-1) // read-only until CheckoutLatest or Restore
	_ = table.Restore(ctx, v-1)  // publishes the old contents as a new version

# Indices

	err = table.CreateIndex(ctx, []string{"embedding"}, contracts.IndexTypeIvfPq)
	err = table.CreateIndex(ctx, []string{"text"}, contracts.IndexTypeFts)
	err = table.CreateIndex(ctx, []string{"id"}, contracts.IndexTypeBTree)

Rows written after an index was built stay searchable: they are scanned
exactly until OptimizeIndices or Optimize folds them into the index.

# Maintenance

	stats, err := table.Optimize(ctx,
		contracts.WithTargetRowsPerFragment(100_000),
		contracts.WithCleanupOlderThan(24*time.Hour),
	)

Optimize compacts small fragments, rebuilds stale indices and removes
versions older than the retention window. Versions held by a checked-out
table are never removed.

# Errors

Errors carry a kind that can be tested with contracts.IsValidationError,
IsNotFoundError, IsAlreadyExistsError, IsConflictError,
IsStaleSnapshotError and IsIndexUnavailableError.

# Thread Safety

Connection and Table objects can be used concurrently from multiple
goroutines. Query builders should not be shared between goroutines.
*/
package lancedb
