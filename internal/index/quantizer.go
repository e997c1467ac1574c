// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package index

import (
	"errors"
	"fmt"
	"math"

	"github.com/lancedb/lancego/pkg/contracts"
)

// ProductQuantizer splits vectors into sub-vectors and encodes each one as
// the index of its nearest centroid in a per-subspace codebook.
type ProductQuantizer struct {
	Dim          int           `json:"dim"`
	NumSubVecs   int           `json:"num_sub_vectors"`
	NumBits      int           `json:"num_bits"`
	Codebooks    [][][]float32 `json:"codebooks"`
	subVectorDim int
}

// DefaultNumSubVectors picks a sub-vector count that divides dim
func DefaultNumSubVectors(dim int) int {
	for _, width := range []int{16, 8, 4} {
		if dim%width == 0 && dim/width > 0 {
			return dim / width
		}
	}
	return 1
}

// TrainPQ learns one codebook per subspace
func TrainPQ(vectors [][]float32, numSubVecs, numBits, maxIters int, seed int64) (*ProductQuantizer, error) {
	if len(vectors) == 0 {
		return nil, errors.New("no vectors provided for training")
	}
	dim := len(vectors[0])
	if numSubVecs <= 0 {
		numSubVecs = DefaultNumSubVectors(dim)
	}
	if dim%numSubVecs != 0 {
		return nil, fmt.Errorf("dimension %d is not divisible by num_sub_vectors %d", dim, numSubVecs)
	}
	if numBits <= 0 {
		numBits = 8
	}
	if numBits > 8 {
		return nil, fmt.Errorf("num_bits must be <= 8, got %d", numBits)
	}

	pq := &ProductQuantizer{Dim: dim, NumSubVecs: numSubVecs, NumBits: numBits, subVectorDim: dim / numSubVecs}
	k := 1 << numBits
	pq.Codebooks = make([][][]float32, numSubVecs)
	for m := 0; m < numSubVecs; m++ {
		sub := make([][]float32, len(vectors))
		for i, v := range vectors {
			sub[i] = v[m*pq.subVectorDim : (m+1)*pq.subVectorDim]
		}
		pq.Codebooks[m] = kmeans(sub, k, maxIters, seed+int64(m))
	}
	return pq, nil
}

func (pq *ProductQuantizer) restore() {
	if pq.NumSubVecs > 0 {
		pq.subVectorDim = pq.Dim / pq.NumSubVecs
	}
}

// Encode returns one code per sub-vector
func (pq *ProductQuantizer) Encode(v []float32) []byte {
	codes := make([]byte, pq.NumSubVecs)
	for m := 0; m < pq.NumSubVecs; m++ {
		c, _ := nearest(v[m*pq.subVectorDim:(m+1)*pq.subVectorDim], pq.Codebooks[m], L2Distance)
		codes[m] = byte(c)
	}
	return codes
}

// Decode reconstructs an approximate vector
func (pq *ProductQuantizer) Decode(codes []byte) []float32 {
	out := make([]float32, pq.Dim)
	for m, c := range codes {
		copy(out[m*pq.subVectorDim:], pq.Codebooks[m][c])
	}
	return out
}

// distanceTable precomputes the per-subspace partial distances between q
// and every centroid, so that scoring a code is M table lookups.
type distanceTable struct {
	partial [][]float32
	base    float32
}

func (pq *ProductQuantizer) table(q []float32, metric contracts.DistanceType) *distanceTable {
	t := &distanceTable{partial: make([][]float32, pq.NumSubVecs)}
	if metric == contracts.DistanceTypeDot {
		t.base = 1
	}
	for m := 0; m < pq.NumSubVecs; m++ {
		sub := q[m*pq.subVectorDim : (m+1)*pq.subVectorDim]
		row := make([]float32, len(pq.Codebooks[m]))
		for c, centroid := range pq.Codebooks[m] {
			if metric == contracts.DistanceTypeDot {
				var dot float32
				for i := range sub {
					dot += sub[i] * centroid[i]
				}
				row[c] = -dot
			} else {
				row[c] = L2Distance(sub, centroid)
			}
		}
		t.partial[m] = row
	}
	return t
}

func (t *distanceTable) distance(codes []byte, metric contracts.DistanceType) float32 {
	sum := t.base
	for m, c := range codes {
		sum += t.partial[m][c]
	}
	if metric == contracts.DistanceTypeCosine {
		// Both sides are unit vectors: |a-b|^2 = 2(1 - cos)
		return sum / 2
	}
	return sum
}

// ScalarQuantizer maps each dimension linearly from its trained [min, max]
// range to a byte.
type ScalarQuantizer struct {
	Min []float32 `json:"min"`
	Max []float32 `json:"max"`
}

// TrainSQ records per-dimension bounds
func TrainSQ(vectors [][]float32) (*ScalarQuantizer, error) {
	if len(vectors) == 0 {
		return nil, errors.New("no vectors provided for training")
	}
	dim := len(vectors[0])
	sq := &ScalarQuantizer{Min: make([]float32, dim), Max: make([]float32, dim)}
	for j := 0; j < dim; j++ {
		sq.Min[j] = math.MaxFloat32
		sq.Max[j] = -math.MaxFloat32
	}
	for _, v := range vectors {
		for j, x := range v {
			if x < sq.Min[j] {
				sq.Min[j] = x
			}
			if x > sq.Max[j] {
				sq.Max[j] = x
			}
		}
	}
	for j := range sq.Min {
		if sq.Min[j] == sq.Max[j] {
			sq.Max[j] = sq.Min[j] + 1
		}
	}
	return sq, nil
}

func (sq *ScalarQuantizer) Encode(v []float32) []byte {
	out := make([]byte, len(v))
	for j, x := range v {
		if x < sq.Min[j] {
			x = sq.Min[j]
		} else if x > sq.Max[j] {
			x = sq.Max[j]
		}
		out[j] = byte(math.Round(float64((x - sq.Min[j]) / (sq.Max[j] - sq.Min[j]) * 255)))
	}
	return out
}

func (sq *ScalarQuantizer) Decode(codes []byte) []float32 {
	out := make([]float32, len(codes))
	for j, c := range codes {
		out[j] = sq.Min[j] + float32(c)/255*(sq.Max[j]-sq.Min[j])
	}
	return out
}
