package broker

import (
	"sort"

	"github.com/canopy-search/canopy/internal/model"
)

// mergeFacets sums bucket counts for matching (field, value) pairs across
// shard responses. The aggregate is approximate when any shard reported
// approximate counts.
func mergeFacets(shardFacets [][]model.FacetResult) []model.FacetResult {
	type key struct {
		field string
		kind  model.FacetKind
	}
	counts := make(map[key]map[string]int64)
	order := make([]key, 0)
	bucketOrder := make(map[key][]string)
	approx := make(map[key]bool)

	for _, facets := range shardFacets {
		for _, fr := range facets {
			k := key{field: fr.Field, kind: fr.Kind}
			if counts[k] == nil {
				counts[k] = make(map[string]int64)
				order = append(order, k)
			}
			if fr.Approximate {
				approx[k] = true
			}
			for _, b := range fr.Buckets {
				if _, seen := counts[k][b.Value]; !seen {
					bucketOrder[k] = append(bucketOrder[k], b.Value)
				}
				counts[k][b.Value] += b.Count
			}
		}
	}

	out := make([]model.FacetResult, 0, len(order))
	for _, k := range order {
		fr := model.FacetResult{Field: k.field, Kind: k.kind, Approximate: approx[k]}
		for _, v := range bucketOrder[k] {
			fr.Buckets = append(fr.Buckets, model.FacetBucket{Value: v, Count: counts[k][v]})
		}
		if k.kind == model.FacetTermCount {
			sort.Slice(fr.Buckets, func(i, j int) bool {
				if fr.Buckets[i].Count != fr.Buckets[j].Count {
					return fr.Buckets[i].Count > fr.Buckets[j].Count
				}
				return fr.Buckets[i].Value < fr.Buckets[j].Value
			})
		}
		out = append(out, fr)
	}
	return out
}
