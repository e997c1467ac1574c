// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package index

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
)

const (
	// DefaultM is the default number of links per node and layer
	DefaultM = 20
	// DefaultEfConstruction is the default candidate list size while building
	DefaultEfConstruction = 300
)

// HNSW is a navigable small world graph over the vectors of one IVF
// partition. Nodes are partition-local ordinals.
type HNSW struct {
	M     int `json:"m"`
	Entry int `json:"entry"`
	// Links[node][level] lists the neighbours of node at level
	Links [][][]int32 `json:"links"`
}

type nodeDist struct {
	node int
	dist float32
}

// minQueue pops the closest node first
type minQueue []nodeDist

func (q minQueue) Len() int            { return len(q) }
func (q minQueue) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q minQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *minQueue) Push(x interface{}) { *q = append(*q, x.(nodeDist)) }
func (q *minQueue) Pop() interface{} {
	old := *q
	x := old[len(old)-1]
	*q = old[:len(old)-1]
	return x
}

// maxQueue pops the farthest node first
type maxQueue struct{ minQueue }

func (q maxQueue) Less(i, j int) bool { return q.minQueue[i].dist > q.minQueue[j].dist }

// BuildHNSW links n nodes; dist(i, j) is the distance between two nodes
func BuildHNSW(n, m, efConstruction int, seed int64, dist func(i, j int) float32) *HNSW {
	if m <= 1 {
		m = DefaultM
	}
	if efConstruction <= 0 {
		efConstruction = DefaultEfConstruction
	}
	g := &HNSW{M: m, Entry: -1, Links: make([][][]int32, n)}
	rng := rand.New(rand.NewSource(seed))
	mL := 1 / math.Log(float64(m))

	for i := 0; i < n; i++ {
		level := int(-math.Log(1-rng.Float64()) * mL)
		g.Links[i] = make([][]int32, level+1)
		if g.Entry < 0 {
			g.Entry = i
			continue
		}

		to := func(j int) float32 { return dist(i, j) }
		ep := nodeDist{node: g.Entry, dist: to(g.Entry)}
		top := g.level(g.Entry)
		for l := top; l > level; l-- {
			ep = g.greedy(ep, l, to)
		}
		for l := min(level, top); l >= 0; l-- {
			found := g.searchLayer([]nodeDist{ep}, efConstruction, l, to)
			neighbours := closest(found, m)
			for _, nb := range neighbours {
				g.Links[i][l] = append(g.Links[i][l], int32(nb.node))
				g.link(nb.node, i, l, dist)
			}
			if len(found) > 0 {
				ep = found[0]
			}
		}
		if level > top {
			g.Entry = i
		}
	}
	return g
}

func (g *HNSW) level(node int) int { return len(g.Links[node]) - 1 }

func (g *HNSW) maxLinks(level int) int {
	if level == 0 {
		return 2 * g.M
	}
	return g.M
}

// link adds to as a neighbour of from, pruning to the closest links
func (g *HNSW) link(from, to, level int, dist func(i, j int) float32) {
	links := append(g.Links[from][level], int32(to))
	if len(links) > g.maxLinks(level) {
		cands := make([]nodeDist, len(links))
		for i, l := range links {
			cands[i] = nodeDist{node: int(l), dist: dist(from, int(l))}
		}
		cands = closest(cands, g.maxLinks(level))
		links = links[:0]
		for _, c := range cands {
			links = append(links, int32(c.node))
		}
	}
	g.Links[from][level] = links
}

func (g *HNSW) greedy(ep nodeDist, level int, to func(int) float32) nodeDist {
	for changed := true; changed; {
		changed = false
		for _, nb := range g.Links[ep.node][level] {
			if d := to(int(nb)); d < ep.dist {
				ep = nodeDist{node: int(nb), dist: d}
				changed = true
			}
		}
	}
	return ep
}

// searchLayer returns up to ef nodes closest to the query, nearest first
func (g *HNSW) searchLayer(entry []nodeDist, ef, level int, to func(int) float32) []nodeDist {
	visited := make(map[int]struct{}, ef*4)
	cands := &minQueue{}
	results := &maxQueue{}
	for _, e := range entry {
		visited[e.node] = struct{}{}
		heap.Push(cands, e)
		heap.Push(results, e)
	}

	for cands.Len() > 0 {
		c := heap.Pop(cands).(nodeDist)
		if results.Len() >= ef && c.dist > results.minQueue[0].dist {
			break
		}
		if level >= len(g.Links[c.node]) {
			continue
		}
		for _, nb := range g.Links[c.node][level] {
			n := int(nb)
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = struct{}{}
			d := to(n)
			if results.Len() < ef || d < results.minQueue[0].dist {
				heap.Push(cands, nodeDist{node: n, dist: d})
				heap.Push(results, nodeDist{node: n, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := append([]nodeDist(nil), results.minQueue...)
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	return out
}

// Search returns up to k allowed nodes nearest to the query. Disallowed
// nodes are traversed but never returned.
func (g *HNSW) Search(k, ef int, to func(int) float32, allow func(int) bool) []nodeDist {
	if g.Entry < 0 || k <= 0 {
		return nil
	}
	if ef < k {
		ef = k
	}
	ep := nodeDist{node: g.Entry, dist: to(g.Entry)}
	for l := g.level(g.Entry); l > 0; l-- {
		ep = g.greedy(ep, l, to)
	}
	found := g.searchLayer([]nodeDist{ep}, ef, 0, to)
	out := found[:0]
	for _, f := range found {
		if allow == nil || allow(f.node) {
			out = append(out, f)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func closest(nodes []nodeDist, n int) []nodeDist {
	sorted := append([]nodeDist(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].dist < sorted[j].dist })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
