// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

// Package index implements the secondary index structures of a table:
// scalar indices (BTREE, BITMAP, LABEL_LIST), vector indices (IVF_FLAT,
// IVF_PQ, IVF_HNSW_PQ, IVF_HNSW_SQ) and the FTS inverted index.
//
// Indices address rows by row address (fragment ID << 32 | offset). They
// are built once from a snapshot and never updated in place; covering new
// fragments means building a new index.
package index

import (
	"encoding/json"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/lancedb/lancego/internal/manifest"
	"github.com/lancedb/lancego/pkg/contracts"
)

// Index is any loaded index structure
type Index interface {
	Type() contracts.IndexType
}

// ScalarIndex answers simple predicates with a set of row addresses
type ScalarIndex interface {
	Index
	// Search returns the matching rows. ok is false when the index cannot
	// answer this kind of query.
	Search(q ScalarQuery) (rows *roaring64.Bitmap, ok bool, err error)
}

// Candidate is a vector search hit
type Candidate struct {
	RowID    uint64
	Distance float32
}

// ScoredRow is a full-text search hit
type ScoredRow struct {
	RowID uint64
	Score float32
}

// RowAddress packs a fragment ID and a row offset
func RowAddress(fragmentID uint32, offset uint32) uint64 {
	return uint64(fragmentID)<<32 | uint64(offset)
}

// SplitRowAddress reverses RowAddress
func SplitRowAddress(addr uint64) (fragmentID uint32, offset uint32) {
	return uint32(addr >> 32), uint32(addr)
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes idx for storage
func Encode(idx Index) ([]byte, error) {
	payload, err := json.Marshal(idx)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s index: %w", idx.Type(), err)
	}
	data, err := json.Marshal(envelope{Type: idx.Type().String(), Payload: payload})
	if err != nil {
		return nil, err
	}
	return manifest.Compress(data), nil
}

// Decode parses the output of Encode
func Decode(data []byte) (Index, error) {
	raw, err := manifest.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress index: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal index: %w", err)
	}
	kind, err := contracts.ParseIndexType(env.Type)
	if err != nil {
		return nil, err
	}

	var idx Index
	switch kind {
	case contracts.IndexTypeBTree:
		idx = &BTree{}
	case contracts.IndexTypeBitmap:
		idx = &Bitmap{}
	case contracts.IndexTypeLabelList:
		idx = &LabelList{}
	case contracts.IndexTypeFts:
		idx = &FTS{}
	case contracts.IndexTypeIvfFlat, contracts.IndexTypeIvfPq, contracts.IndexTypeHnswPq, contracts.IndexTypeHnswSq:
		idx = &IVF{}
	default:
		return nil, fmt.Errorf("cannot decode index of type %s", env.Type)
	}
	if err := json.Unmarshal(env.Payload, idx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s index: %w", env.Type, err)
	}
	if r, ok := idx.(interface{ restore() error }); ok {
		if err := r.restore(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// bitmapBytes serializes bitmaps for JSON payloads
func bitmapBytes(bms []*roaring64.Bitmap) ([][]byte, error) {
	out := make([][]byte, len(bms))
	for i, bm := range bms {
		b, err := bm.ToBytes()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func bitmapsFromBytes(data [][]byte) ([]*roaring64.Bitmap, error) {
	out := make([]*roaring64.Bitmap, len(data))
	for i, b := range data {
		bm := roaring64.New()
		if err := bm.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("failed to decode bitmap: %w", err)
		}
		out[i] = bm
	}
	return out, nil
}
