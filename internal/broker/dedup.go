package broker

import (
	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/query"
)

// dedup resolves duplicate primary keys across shard result lists before
// the merge. Lists are visited in ascending shard order and in list order,
// which makes every policy deterministic given the same shard ordering, and
// the operation idempotent.
func dedup(lists [][]*model.Document, policy query.DedupPolicy) [][]*model.Document {
	if policy == query.DedupNone {
		return lists
	}

	keep := make(map[string]*model.Document)
	for _, list := range lists {
		for _, d := range list {
			cur, ok := keep[d.PrimaryKey]
			if !ok {
				keep[d.PrimaryKey] = d
				continue
			}
			if policy == query.DedupFirstSeen {
				continue
			}
			// MaxScore: highest score wins; ties resolve to the lowest
			// shard id, then the lowest global doc id.
			if d.Score > cur.Score {
				keep[d.PrimaryKey] = d
				continue
			}
			if d.Score == cur.Score {
				if d.ShardID < cur.ShardID ||
					(d.ShardID == cur.ShardID && d.GlobalDocID < cur.GlobalDocID) {
					keep[d.PrimaryKey] = d
				}
			}
		}
	}

	out := make([][]*model.Document, len(lists))
	for i, list := range lists {
		filtered := make([]*model.Document, 0, len(list))
		for _, d := range list {
			if keep[d.PrimaryKey] == d {
				filtered = append(filtered, d)
			}
		}
		out[i] = filtered
	}
	return out
}
