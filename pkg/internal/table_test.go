// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package internal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancedb/lancego/internal/dataset"
	"github.com/lancedb/lancego/pkg/contracts"
)

func idRecord(t *testing.T, ids ...int64) arrow.Record {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)
	b := array.NewInt64Builder(memory.NewGoAllocator())
	defer b.Release()
	b.AppendValues(ids, nil)
	col := b.NewArray()
	defer col.Release()
	return array.NewRecord(schema, []arrow.Array{col}, int64(len(ids)))
}

func TestCheckoutPinLifecycle(t *testing.T) {
	ctx := context.Background()
	conn, err := NewConnection(ctx, filepath.Join(t.TempDir(), "db"), nil)
	require.NoError(t, err)
	defer conn.Close()

	first := idRecord(t, 1, 2)
	defer first.Release()
	created, err := conn.CreateTableWithData(ctx, "pins", []arrow.Record{first}, nil)
	require.NoError(t, err)
	table := created.(*Table)
	defer table.Close()

	second := idRecord(t, 3)
	defer second.Release()
	require.NoError(t, table.AddRecords(ctx, []arrow.Record{second}, nil))

	uri := table.ds.Store().URI()
	assert.Empty(t, dataset.Pinned(uri))

	require.NoError(t, table.Checkout(ctx, 1))
	assert.Equal(t, map[uint64]bool{1: true}, dataset.Pinned(uri))

	err = table.Checkout(ctx, 99)
	assert.True(t, contracts.IsNotFoundError(err), "got %v", err)
	assert.Equal(t, map[uint64]bool{1: true}, dataset.Pinned(uri), "a failed checkout releases its pin and keeps the current one")

	require.NoError(t, table.Checkout(ctx, 2))
	assert.Equal(t, map[uint64]bool{2: true}, dataset.Pinned(uri), "moving to another version releases the old pin")

	require.NoError(t, table.Close())
	assert.Empty(t, dataset.Pinned(uri))
	t.Log("✅ Checkout pins are taken before loading and released on every path")
}
