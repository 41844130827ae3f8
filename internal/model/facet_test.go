package model

import "testing"

func TestTermCountFacet(t *testing.T) {
	acc := NewFacetAccumulator(FacetSpec{Field: "tag", Kind: FacetTermCount})
	acc.Observe(String("a"))
	acc.Observe(String("b"))
	acc.Observe(String("a"))
	acc.Observe(List(String("b"), String("c")))
	acc.Observe(Null())

	res := acc.Result(false)
	want := []FacetBucket{{Value: "a", Count: 2}, {Value: "b", Count: 2}, {Value: "c", Count: 1}}
	if len(res.Buckets) != len(want) {
		t.Fatalf("got %d buckets, want %d", len(res.Buckets), len(want))
	}
	for i, b := range res.Buckets {
		if b != want[i] {
			t.Errorf("bucket %d = %+v, want %+v", i, b, want[i])
		}
	}
}

func TestHistogramFacetHalfOpenBuckets(t *testing.T) {
	acc := NewFacetAccumulator(FacetSpec{
		Field:      "price",
		Kind:       FacetHistogram,
		Boundaries: []float64{0, 10, 100},
	})
	for _, v := range []float64{-1, 0, 5, 10, 99.99, 100, 5000} {
		acc.Observe(Double(v))
	}

	res := acc.Result(true)
	if !res.Approximate {
		t.Error("approximate flag not carried into result")
	}
	wantCounts := []int64{2, 2, 2} // [0,10): {0,5}; [10,100): {10,99.99}; [100,∞): {100,5000}; -1 uncounted
	for i, b := range res.Buckets {
		if b.Count != wantCounts[i] {
			t.Errorf("bucket %d (%s) count = %d, want %d", i, b.Value, b.Count, wantCounts[i])
		}
	}
}

func TestHistogramFacetIntValues(t *testing.T) {
	acc := NewFacetAccumulator(FacetSpec{
		Field:      "qty",
		Kind:       FacetHistogram,
		Boundaries: []float64{0, 10},
	})
	acc.Observe(Int(3))
	acc.Observe(Int(12))
	res := acc.Result(false)
	if res.Buckets[0].Count != 1 || res.Buckets[1].Count != 1 {
		t.Errorf("unexpected buckets: %+v", res.Buckets)
	}
}
