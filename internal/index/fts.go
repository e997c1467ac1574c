// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package index

import (
	"container/heap"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"

	"github.com/lancedb/lancego/pkg/contracts"
)

// BM25 parameters
const (
	k1 = 1.2
	b  = 0.75
)

// DefaultAnalyzer lowercases and splits on unicode word boundaries
const DefaultAnalyzer = standard.Name

var analyzers = map[string]string{
	"":              standard.Name,
	standard.Name:   standard.Name,
	simple.Name:     simple.Name,
	keyword.Name:    keyword.Name,
	en.AnalyzerName: en.AnalyzerName,
	"english":       en.AnalyzerName,
}

var analyzerMapping = bleve.NewIndexMapping()

// Tokenize splits text into terms with the named analyzer
func Tokenize(analyzer, text string) ([]string, error) {
	name, ok := analyzers[strings.ToLower(analyzer)]
	if !ok {
		return nil, fmt.Errorf("unknown analyzer %q", analyzer)
	}
	a := analyzerMapping.AnalyzerNamed(name)
	if a == nil {
		return nil, fmt.Errorf("analyzer %q is not registered", name)
	}
	stream := a.Analyze([]byte(text))
	terms := make([]string, 0, len(stream))
	for _, tok := range stream {
		if len(tok.Term) > 0 {
			terms = append(terms, string(tok.Term))
		}
	}
	return terms, nil
}

// PostingList holds the documents containing one term in ascending order
type PostingList struct {
	Docs  []uint32 `json:"docs"`
	Freqs []uint32 `json:"freqs"`
	// MaxScore bounds the BM25 contribution of the term to any document
	MaxScore float32 `json:"max_score"`
}

// FTS is an inverted index over one text column scored with BM25
type FTS struct {
	Analyzer    string                  `json:"analyzer"`
	Rows        []uint64                `json:"rows"`
	DocLengths  []uint32                `json:"doc_lengths"`
	TotalLength uint64                  `json:"total_length"`
	Terms       map[string]*PostingList `json:"terms"`
}

// BuildFTS indexes text values (strings or lists of strings) at rows.
// Null values are not indexed.
func BuildFTS(analyzer string, rows []uint64, values []interface{}) (*FTS, error) {
	if analyzer == "" {
		analyzer = DefaultAnalyzer
	}
	f := &FTS{Analyzer: analyzer, Terms: make(map[string]*PostingList)}
	for i, row := range rows {
		text, ok, err := textOf(values[i])
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		terms, err := Tokenize(analyzer, text)
		if err != nil {
			return nil, err
		}
		doc := uint32(len(f.Rows))
		f.Rows = append(f.Rows, row)
		f.DocLengths = append(f.DocLengths, uint32(len(terms)))
		f.TotalLength += uint64(len(terms))

		counts := make(map[string]uint32, len(terms))
		for _, t := range terms {
			counts[t]++
		}
		for t, c := range counts {
			pl := f.Terms[t]
			if pl == nil {
				pl = &PostingList{}
				f.Terms[t] = pl
			}
			pl.Docs = append(pl.Docs, doc)
			pl.Freqs = append(pl.Freqs, c)
		}
	}
	f.computeMaxScores()
	return f, nil
}

func textOf(v interface{}) (string, bool, error) {
	switch x := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return x, true, nil
	case []interface{}:
		parts := make([]string, 0, len(x))
		for _, p := range x {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " "), true, nil
	default:
		return "", false, fmt.Errorf("full text index requires a string column, got %T", v)
	}
}

func (f *FTS) Type() contracts.IndexType { return contracts.IndexTypeFts }

// NumDocs returns the number of indexed rows
func (f *FTS) NumDocs() int { return len(f.Rows) }

func (f *FTS) restore() error {
	if len(f.Rows) != len(f.DocLengths) {
		return fmt.Errorf("corrupt full text index: %d rows for %d lengths", len(f.Rows), len(f.DocLengths))
	}
	if f.Terms == nil {
		f.Terms = make(map[string]*PostingList)
	}
	return nil
}

func (f *FTS) idf(df int) float64 {
	n := float64(len(f.Rows))
	return math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
}

func (f *FTS) avgDocLength() float64 {
	if len(f.Rows) == 0 {
		return 0
	}
	return float64(f.TotalLength) / float64(len(f.Rows))
}

func (f *FTS) termScore(idf float64, tf, docLen uint32, avgDL float64) float64 {
	t := float64(tf)
	return idf * t * (k1 + 1) / (t + k1*(1-b+b*float64(docLen)/avgDL))
}

func (f *FTS) computeMaxScores() {
	avgDL := f.avgDocLength()
	for _, pl := range f.Terms {
		idf := f.idf(len(pl.Docs))
		var best float64
		for i, doc := range pl.Docs {
			if s := f.termScore(idf, pl.Freqs[i], f.DocLengths[doc], avgDL); s > best {
				best = s
			}
		}
		pl.MaxScore = float32(best)
	}
}

type postingCursor struct {
	pl  *PostingList
	idf float64
	pos int
}

func (c *postingCursor) doc() uint32 {
	if c.pos >= len(c.pl.Docs) {
		return math.MaxUint32
	}
	return c.pl.Docs[c.pos]
}

// seek advances to the first document >= target
func (c *postingCursor) seek(target uint32) {
	docs := c.pl.Docs[c.pos:]
	c.pos += sort.Search(len(docs), func(i int) bool { return docs[i] >= target })
}

type scoredDoc struct {
	doc   uint32
	score float64
}

type scoreHeap []scoredDoc

func (h scoreHeap) Len() int { return len(h) }
func (h scoreHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].doc > h[j].doc
}
func (h scoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoreHeap) Push(x interface{}) { *h = append(*h, x.(scoredDoc)) }
func (h *scoreHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// Search scores documents containing any query term with BM25 and returns
// the k best, highest first. k <= 0 returns every match. Once k documents
// are held, documents whose upper bound does not exceed wandFactor times
// the k-th best score are skipped; a factor of 0 disables pruning.
func (f *FTS) Search(query string, k int, wandFactor float32, allow func(uint64) bool) ([]ScoredRow, error) {
	terms, err := Tokenize(f.Analyzer, query)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(terms))
	var cursors []*postingCursor
	for _, t := range terms {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if pl, ok := f.Terms[t]; ok && len(pl.Docs) > 0 {
			cursors = append(cursors, &postingCursor{pl: pl, idf: f.idf(len(pl.Docs))})
		}
	}
	if len(cursors) == 0 {
		return nil, nil
	}
	avgDL := f.avgDocLength()
	h := &scoreHeap{}

	for {
		sort.Slice(cursors, func(i, j int) bool { return cursors[i].doc() < cursors[j].doc() })
		if cursors[0].doc() == math.MaxUint32 {
			break
		}

		var theta float64
		if k > 0 && h.Len() >= k && wandFactor > 0 {
			theta = float64(wandFactor) * (*h)[0].score
		}

		// The pivot is the first document whose cumulative bound beats theta
		pivot := -1
		var bound float64
		for i, c := range cursors {
			if c.doc() == math.MaxUint32 {
				break
			}
			bound += float64(c.pl.MaxScore)
			if bound > theta {
				pivot = i
				break
			}
		}
		if pivot < 0 {
			break
		}
		pivotDoc := cursors[pivot].doc()

		if cursors[0].doc() != pivotDoc {
			for i := 0; i < pivot; i++ {
				cursors[i].seek(pivotDoc)
			}
			continue
		}

		var score float64
		for _, c := range cursors {
			if c.doc() != pivotDoc {
				continue
			}
			score += f.termScore(c.idf, c.pl.Freqs[c.pos], f.DocLengths[pivotDoc], avgDL)
			c.pos++
		}
		if allow != nil && !allow(f.Rows[pivotDoc]) {
			continue
		}
		switch {
		case k <= 0 || h.Len() < k:
			heap.Push(h, scoredDoc{doc: pivotDoc, score: score})
		case score > (*h)[0].score:
			(*h)[0] = scoredDoc{doc: pivotDoc, score: score}
			heap.Fix(h, 0)
		}
	}

	out := make([]ScoredRow, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		d := heap.Pop(h).(scoredDoc)
		out[i] = ScoredRow{RowID: f.Rows[d.doc], Score: float32(d.score)}
	}
	return out, nil
}

// SortScored orders by descending score, breaking ties by row address
func SortScored(rows []ScoredRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].RowID < rows[j].RowID
	})
}
