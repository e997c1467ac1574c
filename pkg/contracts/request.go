// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package contracts

// DefaultSearchLimit applies to vector, text and hybrid requests that leave
// the limit unset. Plain scans are unlimited by default.
const DefaultSearchLimit = 10

// QueryKind names the primary clause of a request
type QueryKind int

const (
	QueryKindScalar QueryKind = iota
	QueryKindVector
	QueryKindFullText
	QueryKindHybrid
)

func (k QueryKind) String() string {
	switch k {
	case QueryKindVector:
		return "vector"
	case QueryKindFullText:
		return "fts"
	case QueryKindHybrid:
		return "hybrid"
	default:
		return "scalar"
	}
}

// QueryRequest is the frozen, executable description of one query. Builders
// produce it; the executor consumes it. Values returned by ToQueryRequest
// share no memory with the builder that produced them.
type QueryRequest struct {
	// Filter is a SQL-like predicate. FilterBytes, when set, holds the
	// JSON-encoded expression tree instead and takes precedence.
	Filter      string `json:"filter,omitempty"`
	FilterBytes []byte `json:"filter_bytes,omitempty"`

	// Columns restricts the output; nil keeps every column.
	Columns []string `json:"columns,omitempty"`

	Limit  *int `json:"limit,omitempty"`
	Offset int  `json:"offset,omitempty"`

	Vector *VectorClause `json:"vector,omitempty"`
	Text   *TextClause   `json:"text,omitempty"`
	Hybrid *HybridClause `json:"hybrid,omitempty"`

	FastSearch bool `json:"fast_search,omitempty"`
	WithRowID  bool `json:"with_row_id,omitempty"`
	Postfilter bool `json:"postfilter,omitempty"`
}

// VectorClause holds nearest-neighbour parameters
type VectorClause struct {
	QueryVectors [][]float32 `json:"query_vectors"`
	// Column may be empty when the table has exactly one vector column
	Column       string        `json:"column,omitempty"`
	DistanceType *DistanceType `json:"distance_type,omitempty"`
	// Nprobes is the number of IVF partitions probed; 0 uses the default
	Nprobes int `json:"nprobes,omitempty"`
	// LowerBound is inclusive, UpperBound exclusive
	LowerBound        *float32 `json:"lower_bound,omitempty"`
	UpperBound        *float32 `json:"upper_bound,omitempty"`
	RefineFactor      *int     `json:"refine_factor,omitempty"`
	Ef                *int     `json:"ef,omitempty"`
	BypassVectorIndex bool     `json:"bypass_vector_index,omitempty"`
}

// TextClause holds full-text parameters
type TextClause struct {
	Query string `json:"query"`
	// Columns may be empty to search every column with an FTS index
	Columns []string `json:"columns,omitempty"`
	Limit   *int     `json:"limit,omitempty"`
	// WandFactor scales the pruning threshold: 0 disables pruning, 1 is
	// exact, larger values prune more aggressively
	WandFactor *float32 `json:"wand_factor,omitempty"`
	// Norm normalizes the text list once the request is fused with a vector
	// search and takes precedence over HybridClause.Norm; a plain full-text
	// search returns raw BM25 scores
	Norm *NormMethod `json:"norm,omitempty"`
}

// NormMethod selects how ranked lists are normalized before fusion
type NormMethod int

const (
	NormScore NormMethod = iota
	NormRank
)

// RerankerKind selects the fusion function of a hybrid query
type RerankerKind int

const (
	RerankerRRF RerankerKind = iota
	RerankerLinear
)

// PostfilterOrder decides when a postfilter runs in a hybrid query
type PostfilterOrder int

const (
	// NormalizeThenFilter normalizes the unfiltered ranked lists, then
	// filters, then fuses and truncates
	NormalizeThenFilter PostfilterOrder = iota
	// FilterThenNormalize filters each ranked list before normalizing
	FilterThenNormalize
)

// HybridClause holds fusion settings of a hybrid request
type HybridClause struct {
	Norm            NormMethod      `json:"norm"`
	Reranker        RerankerKind    `json:"reranker"`
	RRFK            float64         `json:"rrf_k,omitempty"`
	VectorWeight    float64         `json:"vector_weight,omitempty"`
	PostfilterOrder PostfilterOrder `json:"postfilter_order"`
}

// DefaultHybridClause returns RRF fusion with k = 60
func DefaultHybridClause() *HybridClause {
	return &HybridClause{Norm: NormScore, Reranker: RerankerRRF, RRFK: 60, VectorWeight: 0.7}
}

// Kind reports the primary clause of the request
func (r *QueryRequest) Kind() QueryKind {
	switch {
	case r.Vector != nil && r.Text != nil:
		return QueryKindHybrid
	case r.Vector != nil:
		return QueryKindVector
	case r.Text != nil:
		return QueryKindFullText
	default:
		return QueryKindScalar
	}
}

// EffectiveLimit resolves the limit, returning -1 for unlimited
func (r *QueryRequest) EffectiveLimit() int {
	if r.Limit != nil {
		return *r.Limit
	}
	if r.Kind() == QueryKindScalar {
		return -1
	}
	return DefaultSearchLimit
}

// Clone returns a deep copy of the request
func (r QueryRequest) Clone() QueryRequest {
	out := r
	out.FilterBytes = cloneBytes(r.FilterBytes)
	out.Columns = cloneStrings(r.Columns)
	out.Limit = cloneInt(r.Limit)
	if r.Vector != nil {
		v := *r.Vector
		v.QueryVectors = make([][]float32, len(r.Vector.QueryVectors))
		for i, q := range r.Vector.QueryVectors {
			v.QueryVectors[i] = append([]float32(nil), q...)
		}
		if r.Vector.DistanceType != nil {
			dt := *r.Vector.DistanceType
			v.DistanceType = &dt
		}
		v.LowerBound = cloneFloat(r.Vector.LowerBound)
		v.UpperBound = cloneFloat(r.Vector.UpperBound)
		v.RefineFactor = cloneInt(r.Vector.RefineFactor)
		v.Ef = cloneInt(r.Vector.Ef)
		out.Vector = &v
	}
	if r.Text != nil {
		t := *r.Text
		t.Columns = cloneStrings(r.Text.Columns)
		t.Limit = cloneInt(r.Text.Limit)
		t.WandFactor = cloneFloat(r.Text.WandFactor)
		if r.Text.Norm != nil {
			n := *r.Text.Norm
			t.Norm = &n
		}
		out.Text = &t
	}
	if r.Hybrid != nil {
		h := *r.Hybrid
		out.Hybrid = &h
	}
	return out
}

// Decompose splits a hybrid request into its vector and text sub-requests.
// Both inherit the shared filter, limit, offset, projection and flags.
func (r *QueryRequest) Decompose() (vector QueryRequest, text QueryRequest, err error) {
	if r.Kind() != QueryKindHybrid {
		return QueryRequest{}, QueryRequest{}, NewValidationError("decompose", "request is %s, not hybrid", r.Kind())
	}
	base := r.Clone()
	base.Hybrid = nil

	vector = base.Clone()
	vector.Text = nil

	text = base.Clone()
	text.Vector = nil
	return vector, text, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float32) *float32 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
