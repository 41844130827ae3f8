// Package collector implements the per-shard match and rank phase: a single
// ordered pass over the snapshot's segments that maintains a bounded top-K
// under the phased sort, binds child documents through foreign-key columns,
// and accumulates facets over all filter-matching documents.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/canopy-search/canopy/internal/index"
	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/query"
	"github.com/canopy-search/canopy/internal/schema"
	apperrors "github.com/canopy-search/canopy/pkg/errors"
)

// cancelCheckInterval bounds how many documents are processed between
// cancellation checks.
const cancelCheckInterval = 1024

// ForeignKeyBound binds one active join at collection time: the outer
// foreign-key field and the inner results indexed by primary key. Child maps
// are materialized once per shard per request, not per segment.
type ForeignKeyBound struct {
	ForeignKeyField   string
	ChildNamespace    string
	ChildByPrimaryKey map[string]*model.Document
}

// Params configures one collection pass.
type Params struct {
	Limit              int
	Offset             int
	SortBy             []model.SortField
	ContextFeatures    map[string]float64
	GroupBy            string
	Facets             []model.FacetSpec
	Bounds             []ForeignKeyBound
	TotalHitsThreshold int
	ShardID            int
}

// Result is the outcome of one collection pass.
type Result struct {
	Documents         []*model.Document
	TotalHits         int64
	Facets            []model.FacetResult
	FacetsApproximate bool
}

// Collector runs collection passes against a schema.
type Collector struct {
	sch    *schema.Schema
	logger *slog.Logger
}

// New creates a collector over the schema.
func New(sch *schema.Schema) *Collector {
	return &Collector{
		sch:    sch,
		logger: slog.Default().With("component", "collector"),
	}
}

// Collect runs the compiled query over every segment of the reader in
// leafOrd order and returns up to limit+offset candidates in phased sort
// order, ties broken by global doc id ascending.
func (c *Collector) Collect(ctx context.Context, reader index.Reader, namespace string, compiled *query.Compiled, p Params) (*Result, error) {
	ns, ok := c.sch.Namespace(namespace)
	if !ok {
		return nil, apperrors.InvalidQueryf("query.namespace", "unknown namespace %q", namespace)
	}

	k := p.Limit + p.Offset
	top := newTopK(p.SortBy, k)

	accs := make([]*model.FacetAccumulator, len(p.Facets))
	for i, spec := range p.Facets {
		accs[i] = model.NewFacetAccumulator(spec)
	}

	res := &Result{}
	var facetDocs int
	checkCountdown := cancelCheckInterval

	for leafOrd, seg := range reader.Leaves() {
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}
		matches, err := compiled.EvalSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("evaluating segment %d: %w", leafOrd, err)
		}
		res.TotalHits += int64(matches.Docs.GetCardinality())

		base := reader.BaseOf(leafOrd)
		binder := newChildBinder(seg, p.Bounds)

		it := matches.Docs.Iterator()
		for it.HasNext() {
			doc := it.Next()
			checkCountdown--
			if checkCountdown <= 0 {
				checkCountdown = cancelCheckInterval
				if err := checkCtx(ctx); err != nil {
					return nil, err
				}
			}

			if len(accs) > 0 && (p.TotalHitsThreshold <= 0 || facetDocs < p.TotalHitsThreshold) {
				facetDocs++
				for i, spec := range p.Facets {
					if f, ok := ns.Field(spec.Field); ok {
						if v, ok := index.ReadDocValue(seg, f, doc); ok {
							accs[i].Observe(v)
						}
					}
				}
			} else if len(accs) > 0 {
				res.FacetsApproximate = true
			}

			score := matches.Score(doc)
			globalID := base + int(doc)

			sortKey, admit := c.buildSortKey(seg, ns, p, doc, globalID, score, top)
			if !admit {
				continue
			}

			d := &model.Document{
				Namespace:   namespace,
				PrimaryKey:  c.primaryKey(seg, ns, doc),
				ShardID:     p.ShardID,
				LeafOrd:     leafOrd,
				LeafDocID:   int(doc),
				GlobalDocID: globalID,
				Score:       score,
				SortKey:     sortKey,
			}
			if p.GroupBy != "" {
				if f, ok := ns.Field(p.GroupBy); ok {
					if v, ok := index.ReadDocValue(seg, f, doc); ok {
						d.SetField(p.GroupBy, v)
					}
				}
			}
			binder.bind(d, doc)
			top.Offer(d)
		}
	}

	docs := top.Drain()
	if p.GroupBy != "" {
		docs = groupFirst(docs, p.GroupBy)
	}
	res.Documents = docs

	for _, acc := range accs {
		res.Facets = append(res.Facets, acc.Result(res.FacetsApproximate))
	}
	return res, nil
}

// buildSortKey forms the phased sort tuple, skipping evaluation of later
// phases once the heap is full and the prefix already loses against the
// worst admitted document.
func (c *Collector) buildSortKey(seg index.Segment, ns *schema.Namespace, p Params, doc uint32, globalID int, score float64, top *topK) ([]model.Value, bool) {
	specs := p.SortBy
	tuple := make([]model.Value, 0, len(specs))
	var worst []model.Value
	if top.Full() {
		if w := top.Worst(); w != nil {
			worst = w.SortKey
		}
	}
	for i, spec := range specs {
		var v model.Value
		switch spec.Source {
		case model.SortByScore:
			v = model.Double(score)
		case model.SortByDocID:
			v = model.Int(int64(globalID))
		case model.SortByContextFeature:
			if f, ok := p.ContextFeatures[spec.Feature]; ok {
				v = model.Double(f)
			} else {
				v = model.Null()
			}
		case model.SortByField:
			f, ok := ns.Field(spec.Field)
			if !ok {
				v = model.Null()
			} else if dv, ok := index.ReadDocValue(seg, f, doc); ok {
				v = dv
			} else {
				v = model.Null()
			}
		default:
			v = model.Null()
		}
		tuple = append(tuple, v)

		if worst != nil {
			cmp := model.CompareTuples(specs[:i+1], tuple, worst[:min(i+1, len(worst))])
			if cmp > 0 {
				return nil, false
			}
			if cmp < 0 {
				worst = nil
			}
		}
	}
	return tuple, true
}

func (c *Collector) primaryKey(seg index.Segment, ns *schema.Namespace, doc uint32) string {
	if f, ok := ns.Field(ns.PrimaryKey); ok {
		if v, ok := index.ReadDocValue(seg, f, doc); ok {
			return v.Term()
		}
	}
	// Fall back to stored fields for namespaces whose primary key carries no
	// doc values.
	stored, err := seg.Document(doc, map[string]struct{}{ns.PrimaryKey: {}})
	if err != nil {
		return ""
	}
	return stored[ns.PrimaryKey].Term()
}

// groupFirst keeps the best-ranked document per group key, preserving order.
func groupFirst(docs []*model.Document, field string) []*model.Document {
	seen := make(map[string]bool)
	out := docs[:0]
	for _, d := range docs {
		key := d.Field(field).Term()
		if key == "" {
			out = append(out, d)
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}

// childBinder resolves foreign-key ordinals to attached child documents,
// caching ordinal resolution per segment.
type childBinder struct {
	seg    index.Segment
	bounds []ForeignKeyBound
	// cache[i] maps a foreign-key ordinal to the resolved child (nil when
	// the key is absent from the inner results).
	cache []map[int]*model.Document
	cols  []index.SortedSetDocValues
}

func newChildBinder(seg index.Segment, bounds []ForeignKeyBound) *childBinder {
	b := &childBinder{
		seg:    seg,
		bounds: bounds,
		cache:  make([]map[int]*model.Document, len(bounds)),
		cols:   make([]index.SortedSetDocValues, len(bounds)),
	}
	for i, bound := range bounds {
		b.cache[i] = make(map[int]*model.Document)
		if col, ok := seg.SortedSetDocValues(bound.ForeignKeyField); ok {
			b.cols[i] = col
		}
	}
	return b
}

// bind attaches resolved children in the order their primary keys appear in
// the parent's doc-value column. Unresolved keys are skipped silently: the
// child lives on another shard or did not match the inner query.
func (b *childBinder) bind(parent *model.Document, doc uint32) {
	for i, bound := range b.bounds {
		col := b.cols[i]
		if col == nil {
			continue
		}
		for _, ord := range col.Ords(doc) {
			child, cached := b.cache[i][ord]
			if !cached {
				if resolved, ok := bound.ChildByPrimaryKey[col.OrdValue(ord)]; ok {
					child = resolved
				}
				b.cache[i][ord] = child
			}
			if child != nil {
				parent.AttachChild(bound.ChildNamespace, child)
			}
		}
	}
}

func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperrors.ErrDeadline
		}
		return apperrors.ErrCancelled
	}
	return nil
}
