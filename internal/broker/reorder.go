package broker

import (
	"log/slog"
	"sort"

	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/query"
)

// ReorderContext is the read-only context passed to every reorder rule.
type ReorderContext struct {
	Features map[string]float64
}

// ReorderRule is a pure L2 adjustment applied to one document; it may
// adjust the score.
type ReorderRule func(doc *model.Document, rc ReorderContext, r query.Reordering)

// reorderRegistry holds the built-in rules looked up by Reordering.Name.
var reorderRegistry = map[string]ReorderRule{
	// score_scale multiplies the score by the rule weight.
	"score_scale": func(doc *model.Document, _ ReorderContext, r query.Reordering) {
		doc.Score *= r.Weight
	},
	// feature_boost adds weight * contextFeatures[field] to the score.
	"feature_boost": func(doc *model.Document, rc ReorderContext, r query.Reordering) {
		if f, ok := rc.Features[r.Field]; ok {
			doc.Score += r.Weight * f
		}
	},
	// field_boost adds weight * the numeric value of a hydrated field.
	"field_boost": func(doc *model.Document, _ ReorderContext, r query.Reordering) {
		if n, ok := doc.Field(r.Field).Numeric(); ok {
			doc.Score += r.Weight * n
		}
	},
}

// applyReorderings runs the reordering pipeline over the current page plus
// lookahead, in declaration order, then restores the phased sort order for
// the adjusted window. Score-sourced sort keys are rebuilt from the adjusted
// scores.
func applyReorderings(docs []*model.Document, q *query.SearchQuery, lookahead int) []*model.Document {
	if len(q.Reorderings) == 0 || len(docs) == 0 {
		return docs
	}
	window := q.Offset + q.Limit + lookahead
	if window > len(docs) {
		window = len(docs)
	}
	rc := ReorderContext{Features: q.ContextFeatures}
	logger := slog.Default().With("component", "reorder")

	for _, r := range q.Reorderings {
		rule, ok := reorderRegistry[r.Name]
		if !ok {
			logger.Warn("unknown reordering rule skipped", "name", r.Name)
			continue
		}
		for _, d := range docs[:window] {
			rule(d, rc, r)
		}
	}

	specs := q.SortBy()
	for _, d := range docs[:window] {
		for i, spec := range specs {
			if spec.Source == model.SortByScore && i < len(d.SortKey) {
				d.SortKey[i] = model.Double(d.Score)
			}
		}
	}
	sort.SliceStable(docs[:window], func(i, j int) bool {
		return model.CompareDocs(specs, docs[i], docs[j]) < 0
	})
	return docs
}
