// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package index

import (
	"fmt"
	"math"
	"sort"

	"github.com/lancedb/lancego/pkg/contracts"
)

const (
	defaultSampleRate = 256
	trainingSeed      = 42
)

// VectorParams configures a vector index build. Zero values select defaults.
type VectorParams struct {
	Metric         contracts.DistanceType
	NumPartitions  int
	NumSubVectors  int
	NumBits        int
	MaxIterations  int
	SampleRate     int
	M              int
	EfConstruction int
}

// Partition holds the rows assigned to one IVF centroid
type Partition struct {
	RowIDs []uint64 `json:"row_ids"`
	// Vectors is kept by IVF_FLAT only
	Vectors [][]float32 `json:"vectors,omitempty"`
	Codes   [][]byte    `json:"codes,omitempty"`
	Graph   *HNSW       `json:"graph,omitempty"`
}

// IVF is an inverted file vector index: vectors are clustered around
// centroids and a query only scans the partitions of its nearest centroids.
type IVF struct {
	Kind       contracts.IndexType    `json:"kind"`
	Dim        int                    `json:"dim"`
	Metric     contracts.DistanceType `json:"metric"`
	Centroids  [][]float32            `json:"centroids"`
	Partitions []Partition            `json:"partitions"`
	PQ         *ProductQuantizer      `json:"pq,omitempty"`
	SQ         *ScalarQuantizer       `json:"sq,omitempty"`
}

// DefaultNumPartitions is the square root of the row count
func DefaultNumPartitions(rows int) int {
	n := int(math.Sqrt(float64(rows)))
	if n < 1 {
		n = 1
	}
	return n
}

// BuildVector trains and fills a vector index of the given kind
func BuildVector(kind contracts.IndexType, params VectorParams, rowIDs []uint64, vectors [][]float32) (*IVF, error) {
	if !kind.IsVector() {
		return nil, fmt.Errorf("%s is not a vector index type", kind)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("cannot train %s on an empty column", kind)
	}
	if params.Metric == contracts.DistanceTypeHamming && kind != contracts.IndexTypeIvfFlat {
		return nil, fmt.Errorf("hamming distance is only supported by IVF_FLAT, not %s", kind)
	}
	dim := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vectors have mixed dimensions %d and %d", dim, len(v))
		}
	}

	numPartitions := params.NumPartitions
	if numPartitions <= 0 {
		numPartitions = DefaultNumPartitions(len(vectors))
	}
	if numPartitions > len(vectors) {
		numPartitions = len(vectors)
	}
	sampleRate := params.SampleRate
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}

	ivf := &IVF{Kind: kind, Dim: dim, Metric: params.Metric}
	// Cosine indices work on unit vectors, where L2 ranks like cosine
	space := vectors
	if params.Metric == contracts.DistanceTypeCosine {
		space = make([][]float32, len(vectors))
		for i, v := range vectors {
			space[i] = normalize(v)
		}
	}

	training := sample(space, numPartitions*sampleRate, trainingSeed)
	ivf.Centroids = kmeans(training, numPartitions, params.MaxIterations, trainingSeed)
	ivf.Partitions = make([]Partition, len(ivf.Centroids))

	members := make([][]int, len(ivf.Centroids))
	for i, v := range space {
		p, _ := nearest(v, ivf.Centroids, L2Distance)
		members[p] = append(members[p], i)
	}

	switch kind {
	case contracts.IndexTypeIvfPq, contracts.IndexTypeHnswPq:
		pqTraining := sample(space, 256*sampleRate, trainingSeed+1)
		pq, err := TrainPQ(pqTraining, params.NumSubVectors, params.NumBits, params.MaxIterations, trainingSeed)
		if err != nil {
			return nil, err
		}
		ivf.PQ = pq
	case contracts.IndexTypeHnswSq:
		sq, err := TrainSQ(space)
		if err != nil {
			return nil, err
		}
		ivf.SQ = sq
	}

	for p, idx := range members {
		part := Partition{RowIDs: make([]uint64, len(idx))}
		for j, i := range idx {
			part.RowIDs[j] = rowIDs[i]
			switch {
			case ivf.PQ != nil:
				part.Codes = append(part.Codes, ivf.PQ.Encode(space[i]))
			case ivf.SQ != nil:
				part.Codes = append(part.Codes, ivf.SQ.Encode(space[i]))
			default:
				part.Vectors = append(part.Vectors, vectors[i])
			}
		}
		if kind == contracts.IndexTypeHnswPq || kind == contracts.IndexTypeHnswSq {
			exact := Distance(params.Metric)
			part.Graph = BuildHNSW(len(idx), params.M, params.EfConstruction, trainingSeed+int64(p), func(a, b int) float32 {
				return exact(vectors[idx[a]], vectors[idx[b]])
			})
		}
		ivf.Partitions[p] = part
	}
	return ivf, nil
}

func (ivf *IVF) Type() contracts.IndexType { return ivf.Kind }

func (ivf *IVF) restore() error {
	if ivf.PQ != nil {
		ivf.PQ.restore()
	}
	if len(ivf.Partitions) != len(ivf.Centroids) {
		return fmt.Errorf("corrupt vector index: %d partitions for %d centroids", len(ivf.Partitions), len(ivf.Centroids))
	}
	return nil
}

// NumRows returns the number of indexed vectors
func (ivf *IVF) NumRows() int {
	n := 0
	for _, p := range ivf.Partitions {
		n += len(p.RowIDs)
	}
	return n
}

// Search probes the nprobes partitions closest to q and returns up to k
// allowed candidates ordered by ascending distance. ef sizes the HNSW
// candidate list of graph partitions.
func (ivf *IVF) Search(q []float32, k, nprobes, ef int, allow func(uint64) bool) ([]Candidate, error) {
	if len(q) != ivf.Dim {
		return nil, &contracts.ErrDimensionMismatch{Expected: ivf.Dim, Actual: len(q)}
	}
	if k <= 0 {
		return nil, nil
	}
	if nprobes <= 0 || nprobes > len(ivf.Centroids) {
		nprobes = len(ivf.Centroids)
	}

	space := q
	if ivf.Metric == contracts.DistanceTypeCosine {
		space = normalize(q)
	}
	probes := make([]nodeDist, len(ivf.Centroids))
	for i, c := range ivf.Centroids {
		probes[i] = nodeDist{node: i, dist: L2Distance(space, c)}
	}
	probes = closest(probes, nprobes)

	var table *distanceTable
	if ivf.PQ != nil {
		table = ivf.PQ.table(space, ivf.Metric)
	}
	exact := Distance(ivf.Metric)

	var out []Candidate
	for _, probe := range probes {
		part := &ivf.Partitions[probe.node]
		to := func(j int) float32 {
			switch {
			case table != nil:
				return table.distance(part.Codes[j], ivf.Metric)
			case ivf.SQ != nil:
				return exact(space, ivf.SQ.Decode(part.Codes[j]))
			default:
				return exact(q, part.Vectors[j])
			}
		}

		if part.Graph != nil {
			var allowNode func(int) bool
			if allow != nil {
				allowNode = func(j int) bool { return allow(part.RowIDs[j]) }
			}
			for _, hit := range part.Graph.Search(k, ef, to, allowNode) {
				out = append(out, Candidate{RowID: part.RowIDs[hit.node], Distance: hit.dist})
			}
			continue
		}
		for j, row := range part.RowIDs {
			if allow != nil && !allow(row) {
				continue
			}
			out = append(out, Candidate{RowID: row, Distance: to(j)})
		}
	}
	SortCandidates(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// SortCandidates orders by distance, breaking ties by row address
func SortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Distance != c[j].Distance {
			return c[i].Distance < c[j].Distance
		}
		return c[i].RowID < c[j].RowID
	})
}
