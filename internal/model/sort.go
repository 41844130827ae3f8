package model

// SortSource names where a phased sort key reads its value from.
type SortSource string

const (
	SortByField          SortSource = "field"
	SortByScore          SortSource = "score"
	SortByDocID          SortSource = "_docid"
	SortByContextFeature SortSource = "context_feature"
)

// SortField is one entry of a phased sort specification. The tuple formed by
// evaluating every entry is compared lexicographically; missing values sort
// last regardless of direction.
type SortField struct {
	Source  SortSource `json:"source"`
	Field   string     `json:"field,omitempty"`
	Feature string     `json:"feature,omitempty"`
	Desc    bool       `json:"desc,omitempty"`
}

// DefaultSort is score descending, the order used when a query names no
// phased sort.
func DefaultSort() []SortField {
	return []SortField{{Source: SortByScore, Desc: true}}
}

// CompareTuples compares two sort-key tuples under the given specs. The
// result is negative when a orders before b. Comparison stops at the first
// phase that separates the tuples, so callers can pass partially built
// tuples whose later phases were never evaluated.
func CompareTuples(specs []SortField, a, b []Value) int {
	n := len(specs)
	if len(a) < n {
		n = len(a)
	}
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		av, bv := a[i], b[i]
		// Missing sorts last in either direction.
		if av.IsNull() || bv.IsNull() {
			switch {
			case av.IsNull() && bv.IsNull():
				continue
			case av.IsNull():
				return 1
			default:
				return -1
			}
		}
		c := compareValues(av, bv)
		if c == 0 {
			continue
		}
		if specs[i].Desc {
			return -c
		}
		return c
	}
	return 0
}

// CompareDocs imposes the deterministic total order used by every merge in
// the system: phased sort tuple, then shard id, then global doc id.
func CompareDocs(specs []SortField, a, b *Document) int {
	if c := CompareTuples(specs, a.SortKey, b.SortKey); c != 0 {
		return c
	}
	switch {
	case a.ShardID < b.ShardID:
		return -1
	case a.ShardID > b.ShardID:
		return 1
	}
	switch {
	case a.GlobalDocID < b.GlobalDocID:
		return -1
	case a.GlobalDocID > b.GlobalDocID:
		return 1
	}
	return 0
}
