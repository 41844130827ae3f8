// Package join evaluates recursive inner queries and feeds their results
// into the outer query's compilation: foreign-key set injection, reference
// field projections, and child attachment maps.
package join

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/canopy-search/canopy/internal/index"
	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/query"
	"github.com/canopy-search/canopy/internal/schema"
	"github.com/canopy-search/canopy/internal/searcher/collector"
	"github.com/canopy-search/canopy/internal/searcher/hydrate"
	apperrors "github.com/canopy-search/canopy/pkg/errors"
)

// Limits bounds join recursion.
type Limits struct {
	// MaxInnerResults caps the cardinality of one inner query's result set;
	// the inner query's own limit is a hard bound below it.
	MaxInnerResults int
	// MaxDepth caps join nesting.
	MaxDepth int
	// TotalHitsThreshold bounds facet counting per collection pass.
	TotalHitsThreshold int
}

// Result is one query execution's outcome within a shard.
type Result struct {
	Documents         []*model.Document
	TotalHits         int64
	HitsPerNamespace  map[string]int64
	Facets            []model.FacetResult
	FacetsApproximate bool
}

// Executor runs planned queries, recursing through their joins. Inner
// queries at the same nesting level run concurrently; the merge into the
// outer query is a barrier.
type Executor struct {
	sch       *schema.Schema
	compiler  *query.Compiler
	collector *collector.Collector
	hydrator  *hydrate.Hydrator
	limits    Limits
	shardID   int
	logger    *slog.Logger
}

// NewExecutor creates an executor for one shard.
func NewExecutor(sch *schema.Schema, hydrator *hydrate.Hydrator, limits Limits, shardID int) *Executor {
	if limits.MaxInnerResults <= 0 {
		limits.MaxInnerResults = 10000
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = 4
	}
	return &Executor{
		sch:       sch,
		compiler:  query.NewCompiler(sch),
		collector: collector.New(sch),
		hydrator:  hydrator,
		limits:    limits,
		shardID:   shardID,
		logger:    slog.Default().With("component", "join-executor"),
	}
}

// Execute runs the planned query against the snapshot reader.
func (e *Executor) Execute(ctx context.Context, reader index.Reader, q *query.SearchQuery) (*Result, error) {
	return e.execute(ctx, reader, q, 0)
}

func (e *Executor) execute(ctx context.Context, reader index.Reader, q *query.SearchQuery, depth int) (*Result, error) {
	if depth > e.limits.MaxDepth {
		return nil, fmt.Errorf("%w: depth %d exceeds %d", apperrors.ErrDepthExceeded, depth, e.limits.MaxDepth)
	}

	var inner *query.InnerResults
	var bounds []collector.ForeignKeyBound
	if q.Join != nil {
		var err error
		inner, bounds, err = e.executeInner(ctx, reader, q, depth)
		if err != nil {
			return nil, err
		}
	}

	compiled, err := e.compiler.Compile(q, inner)
	if err != nil {
		return nil, err
	}

	collected, err := e.collector.Collect(ctx, reader, q.Namespace, compiled, collector.Params{
		Limit:              q.Limit,
		Offset:             q.Offset,
		SortBy:             q.SortBy(),
		ContextFeatures:    q.ContextFeatures,
		GroupBy:            q.GroupBy,
		Facets:             q.Facet,
		Bounds:             bounds,
		TotalHitsThreshold: e.limits.TotalHitsThreshold,
		ShardID:            e.shardID,
	})
	if err != nil {
		return nil, err
	}

	docs := e.hydrator.Hydrate(reader, q.Namespace, collected.Documents, q.ReturnFields)

	return &Result{
		Documents:         docs,
		TotalHits:         collected.TotalHits,
		HitsPerNamespace:  map[string]int64{q.Namespace: collected.TotalHits},
		Facets:            collected.Facets,
		FacetsApproximate: collected.FacetsApproximate,
	}, nil
}

// executeInner runs every inner query concurrently and assembles the
// compilation inputs and child-binding maps.
func (e *Executor) executeInner(ctx context.Context, reader index.Reader, q *query.SearchQuery, depth int) (*query.InnerResults, []collector.ForeignKeyBound, error) {
	ns, _ := e.sch.Namespace(q.Namespace)
	innerQueries := q.Join.InnerSearchQueries
	results := make([]*Result, len(innerQueries))

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, iq := range innerQueries {
		g.Go(func() error {
			r, err := e.execute(gctx, reader, iq, depth+1)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	inner := &query.InnerResults{
		PrimaryKeys: make(map[string][]string, len(innerQueries)),
		Fields:      make(map[string]map[string][]model.Value, len(innerQueries)),
	}
	var bounds []collector.ForeignKeyBound

	for i, iq := range innerQueries {
		r := results[i]
		if len(r.Documents) > e.limits.MaxInnerResults {
			return nil, nil, fmt.Errorf("%w: inner query on %q yielded %d results (max %d)",
				apperrors.ErrJoinTooLarge, iq.Namespace, len(r.Documents), e.limits.MaxInnerResults)
		}

		seen := make(map[string]bool, len(r.Documents))
		pks := make([]string, 0, len(r.Documents))
		byPK := make(map[string]*model.Document, len(r.Documents))
		fieldVals := make(map[string][]model.Value)
		for _, d := range r.Documents {
			if !seen[d.PrimaryKey] {
				seen[d.PrimaryKey] = true
				pks = append(pks, d.PrimaryKey)
				byPK[d.PrimaryKey] = d
			}
			for _, fv := range d.Fields {
				fieldVals[fv.Name] = append(fieldVals[fv.Name], fv.Value)
			}
		}
		inner.PrimaryKeys[iq.Namespace] = pks
		if existing, ok := inner.Fields[iq.Namespace]; ok {
			for name, vals := range fieldVals {
				existing[name] = append(existing[name], vals...)
			}
		} else {
			inner.Fields[iq.Namespace] = fieldVals
		}

		fk, found := ns.ForeignKeyTo(iq.Namespace)
		if !found {
			return nil, nil, apperrors.InvalidQueryf("query.join",
				"namespace %q has no foreign key to %q", q.Namespace, iq.Namespace)
		}
		bounds = append(bounds, collector.ForeignKeyBound{
			ForeignKeyField:   fk.Name,
			ChildNamespace:    iq.Namespace,
			ChildByPrimaryKey: byPK,
		})
	}
	return inner, bounds, nil
}
