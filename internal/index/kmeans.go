// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package index

import (
	"math"
	"math/rand"
)

const defaultKMeansIterations = 50

// kmeans clusters vectors into k centroids under squared L2 using k-means++
// seeding followed by Lloyd iterations. The seed makes training
// deterministic for a given input.
func kmeans(vectors [][]float32, k, maxIters int, seed int64) [][]float32 {
	if len(vectors) == 0 || k <= 0 {
		return nil
	}
	dim := len(vectors[0])
	if maxIters <= 0 {
		maxIters = defaultKMeansIterations
	}
	if len(vectors) <= k {
		centroids := make([][]float32, len(vectors))
		for i, v := range vectors {
			centroids[i] = append([]float32(nil), v...)
		}
		return centroids
	}

	rng := rand.New(rand.NewSource(seed))
	centroids := make([][]float32, 0, k)
	centroids = append(centroids, append([]float32(nil), vectors[rng.Intn(len(vectors))]...))

	// minDist tracks each vector's distance to its nearest chosen centroid
	minDist := make([]float32, len(vectors))
	for i, v := range vectors {
		minDist[i] = L2Distance(v, centroids[0])
	}
	for len(centroids) < k {
		var sum float64
		for _, d := range minDist {
			sum += float64(d)
		}
		next := rng.Intn(len(vectors))
		if sum > 0 {
			target := rng.Float64() * sum
			var acc float64
			for i, d := range minDist {
				acc += float64(d)
				if acc >= target {
					next = i
					break
				}
			}
		}
		c := append([]float32(nil), vectors[next]...)
		centroids = append(centroids, c)
		for i, v := range vectors {
			if d := L2Distance(v, c); d < minDist[i] {
				minDist[i] = d
			}
		}
	}

	assign := make([]int, len(vectors))
	for i := range assign {
		assign[i] = -1
	}
	sums := make([][]float64, k)
	for i := range sums {
		sums[i] = make([]float64, dim)
	}
	counts := make([]int, k)

	for iter := 0; iter < maxIters; iter++ {
		changed := 0
		for i, v := range vectors {
			c, _ := nearest(v, centroids, L2Distance)
			if c != assign[i] {
				assign[i] = c
				changed++
			}
		}
		if changed == 0 {
			break
		}

		for c := range sums {
			for j := range sums[c] {
				sums[c][j] = 0
			}
			counts[c] = 0
		}
		for i, v := range vectors {
			c := assign[i]
			counts[c]++
			for j, x := range v {
				sums[c][j] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Reseed an empty cluster from a random point
				copy(centroids[c], vectors[rng.Intn(len(vectors))])
				continue
			}
			inv := 1 / float64(counts[c])
			for j := range centroids[c] {
				centroids[c][j] = float32(sums[c][j] * inv)
			}
		}
	}
	return centroids
}

// nearest returns the index of the closest centroid and its distance
func nearest(v []float32, centroids [][]float32, dist DistanceFunc) (int, float32) {
	best, bestDist := 0, float32(math.MaxFloat32)
	for i, c := range centroids {
		if d := dist(v, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

// sample returns at most n vectors chosen uniformly without replacement
func sample(vectors [][]float32, n int, seed int64) [][]float32 {
	if n <= 0 || len(vectors) <= n {
		return vectors
	}
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(len(vectors))[:n]
	out := make([][]float32, n)
	for i, p := range perm {
		out[i] = vectors[p]
	}
	return out
}
