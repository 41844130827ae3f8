// Package hydrate materializes return fields for collected candidates with
// segment-grouped, sequential stored-field and doc-value access.
package hydrate

import (
	"log/slog"
	"sort"

	"github.com/canopy-search/canopy/internal/index"
	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/schema"
)

// Hydrator fills return fields on in-flight documents.
type Hydrator struct {
	sch     *schema.Schema
	dropped func()
	logger  *slog.Logger
}

// New creates a hydrator. dropped is invoked once per document dropped on a
// stored-field read failure; it may be nil.
func New(sch *schema.Schema, dropped func()) *Hydrator {
	return &Hydrator{
		sch:     sch,
		dropped: dropped,
		logger:  slog.Default().With("component", "hydrator"),
	}
}

// Hydrate reads the requested return fields for every document, preserving
// the declared field order. Documents whose stored-field read fails are
// dropped from the returned slice; the remainder continues. Missing fields
// are absent values, not errors.
func (h *Hydrator) Hydrate(reader index.Reader, namespace string, docs []*model.Document, returnFields []string) []*model.Document {
	if len(returnFields) == 0 || len(docs) == 0 {
		return docs
	}
	ns, ok := h.sch.Namespace(namespace)
	if !ok {
		return docs
	}

	storedSet := make(map[string]struct{})
	for _, name := range returnFields {
		f, ok := ns.Field(name)
		if !ok {
			continue
		}
		if !f.DocValues {
			storedSet[name] = struct{}{}
		}
	}

	// Partition by segment, then visit each segment's candidates in
	// ascending doc-id order for sequential access.
	bySegment := make(map[int][]*model.Document)
	for _, d := range docs {
		bySegment[d.LeafOrd] = append(bySegment[d.LeafOrd], d)
	}

	failed := make(map[*model.Document]bool)
	leaves := reader.Leaves()
	for leafOrd, group := range bySegment {
		if leafOrd < 0 || leafOrd >= len(leaves) {
			continue
		}
		seg := leaves[leafOrd]
		sort.Slice(group, func(i, j int) bool { return group[i].LeafDocID < group[j].LeafDocID })
		for _, d := range group {
			var stored map[string]model.Value
			if len(storedSet) > 0 {
				var err error
				stored, err = seg.Document(uint32(d.LeafDocID), storedSet)
				if err != nil {
					h.logger.Error("stored field read failed",
						"doc", d.PrimaryKey,
						"segment", leafOrd,
						"error", err,
					)
					failed[d] = true
					if h.dropped != nil {
						h.dropped()
					}
					continue
				}
			}
			for _, name := range returnFields {
				f, ok := ns.Field(name)
				if !ok {
					continue
				}
				if f.DocValues {
					if v, ok := index.ReadDocValue(seg, f, uint32(d.LeafDocID)); ok {
						d.SetField(name, v)
					}
					continue
				}
				if v, ok := stored[name]; ok {
					d.SetField(name, v)
				}
			}
		}
	}

	if len(failed) == 0 {
		return docs
	}
	kept := docs[:0]
	for _, d := range docs {
		if !failed[d] {
			kept = append(kept, d)
		}
	}
	return kept
}
