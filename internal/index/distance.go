// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package index

import (
	"math"

	"github.com/lancedb/lancego/pkg/contracts"
)

// DistanceFunc returns a distance where smaller means closer
type DistanceFunc func(a, b []float32) float32

// Distance returns the distance function for dt
func Distance(dt contracts.DistanceType) DistanceFunc {
	switch dt {
	case contracts.DistanceTypeCosine:
		return CosineDistance
	case contracts.DistanceTypeDot:
		return DotDistance
	case contracts.DistanceTypeHamming:
		return HammingDistance
	default:
		return L2Distance
	}
}

// L2Distance is the squared euclidean distance
func L2Distance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// CosineDistance is 1 - cos(a, b); a zero vector is at distance 1
func CosineDistance(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}

// DotDistance is 1 - a·b
func DotDistance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return 1 - dot
}

// HammingDistance counts positions that differ
func HammingDistance(a, b []float32) float32 {
	var n float32
	for i := range a {
		if a[i] != b[i] {
			n++
		}
	}
	return n
}

// normalize returns a unit-length copy of v
func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	inv := float32(1 / math.Sqrt(norm))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}
