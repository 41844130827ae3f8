package model

import "sort"

// FacetKind selects the accumulator for a facet spec.
type FacetKind string

const (
	FacetTermCount FacetKind = "term_count"
	FacetHistogram FacetKind = "histogram"
)

// FacetSpec configures one facet over a field. Histogram buckets are
// half-open [lo, hi) intervals defined by ascending boundaries.
type FacetSpec struct {
	Field      string    `json:"field"`
	Kind       FacetKind `json:"kind"`
	Boundaries []float64 `json:"boundaries,omitempty"`
}

// FacetBucket is one (value, count) pair of a facet result. For histograms
// Value is the lower boundary rendered as a term.
type FacetBucket struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// FacetResult carries the accumulated buckets for one facet spec.
type FacetResult struct {
	Field       string        `json:"field"`
	Kind        FacetKind     `json:"kind"`
	Buckets     []FacetBucket `json:"buckets"`
	Approximate bool          `json:"approximate,omitempty"`
}

// FacetAccumulator sums occurrences for one facet spec during collection.
type FacetAccumulator struct {
	Spec   FacetSpec
	counts map[string]int64
	hist   []int64
}

// NewFacetAccumulator creates an empty accumulator for the spec.
func NewFacetAccumulator(spec FacetSpec) *FacetAccumulator {
	acc := &FacetAccumulator{Spec: spec}
	switch spec.Kind {
	case FacetTermCount:
		acc.counts = make(map[string]int64)
	case FacetHistogram:
		acc.hist = make([]int64, len(spec.Boundaries))
	}
	return acc
}

// Observe records one field value occurrence. Lists contribute one count per
// element.
func (a *FacetAccumulator) Observe(v Value) {
	if v.IsNull() {
		return
	}
	if v.Kind == KindList {
		for _, elem := range v.List {
			a.Observe(elem)
		}
		return
	}
	switch a.Spec.Kind {
	case FacetTermCount:
		if term := v.Term(); term != "" {
			a.counts[term]++
		}
	case FacetHistogram:
		n, ok := v.Numeric()
		if !ok {
			return
		}
		// Bucket i covers [Boundaries[i], Boundaries[i+1]); the last bucket
		// is unbounded above. Values below the first boundary are not
		// counted.
		idx := -1
		for i, lo := range a.Spec.Boundaries {
			if n >= lo {
				idx = i
			} else {
				break
			}
		}
		if idx >= 0 {
			a.hist[idx]++
		}
	}
}

// Result renders the accumulated buckets, term buckets ordered by descending
// count then term, histogram buckets in boundary order.
func (a *FacetAccumulator) Result(approximate bool) FacetResult {
	res := FacetResult{Field: a.Spec.Field, Kind: a.Spec.Kind, Approximate: approximate}
	switch a.Spec.Kind {
	case FacetTermCount:
		res.Buckets = make([]FacetBucket, 0, len(a.counts))
		for term, count := range a.counts {
			res.Buckets = append(res.Buckets, FacetBucket{Value: term, Count: count})
		}
		sort.Slice(res.Buckets, func(i, j int) bool {
			if res.Buckets[i].Count != res.Buckets[j].Count {
				return res.Buckets[i].Count > res.Buckets[j].Count
			}
			return res.Buckets[i].Value < res.Buckets[j].Value
		})
	case FacetHistogram:
		res.Buckets = make([]FacetBucket, len(a.hist))
		for i, count := range a.hist {
			res.Buckets[i] = FacetBucket{
				Value: Double(a.Spec.Boundaries[i]).Term(),
				Count: count,
			}
		}
	}
	return res
}
