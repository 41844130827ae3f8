package query

import (
	"testing"

	"github.com/canopy-search/canopy/internal/index"
	"github.com/canopy-search/canopy/internal/model"
)

func compilerSegment(t *testing.T) *index.MemorySegment {
	t.Helper()
	seg, err := index.NewMemorySegment(plannerSchema(), []index.DocSpec{
		{Namespace: "item", PrimaryKey: "i1", MicroShard: 0, Fields: map[string]model.Value{
			"id": model.String("i1"), "title": model.String("blue widget"),
			"price": model.Double(5), "store_id": model.String("s1"),
		}},
		{Namespace: "item", PrimaryKey: "i2", MicroShard: 1, Fields: map[string]model.Value{
			"id": model.String("i2"), "title": model.String("red widget"),
			"price": model.Double(15), "store_id": model.String("s2"),
		}},
		{Namespace: "item", PrimaryKey: "i3", MicroShard: 2, Fields: map[string]model.Value{
			"id": model.String("i3"), "title": model.String("red gadget"),
			"price": model.Double(25), "store_id": model.String("s3"),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return seg
}

func mustPlan(t *testing.T, q *SearchQuery) *SearchQuery {
	t.Helper()
	planned, err := NewPlanner(plannerSchema()).Plan(q)
	if err != nil {
		t.Fatal(err)
	}
	return planned
}

func evalOne(t *testing.T, q *SearchQuery, inner *InnerResults) *SegmentMatches {
	t.Helper()
	compiled, err := NewCompiler(plannerSchema()).Compile(q, inner)
	if err != nil {
		t.Fatal(err)
	}
	matches, err := compiled.EvalSegment(compilerSegment(t))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestCompileKeywordMust(t *testing.T) {
	q := mustPlan(t, &SearchQuery{Namespace: "item", Limit: 10,
		Keywords: &Keywords{Groups: []KeywordGroup{{
			Fields: []string{"title"}, Keywords: []string{"widget"}, Occur: OccurMust,
		}}}})
	matches := evalOne(t, q, nil)
	if got := matches.Docs.GetCardinality(); got != 2 {
		t.Errorf("'widget' matched %d docs, want 2", got)
	}
	if matches.Score(0) <= 0 {
		t.Error("MUST keyword clause contributed no score")
	}
}

func TestCompileMustNot(t *testing.T) {
	q := mustPlan(t, &SearchQuery{Namespace: "item", Limit: 10,
		Filter: Boolean(
			BooleanClause{Occur: OccurMust, Filter: Term("title", model.String("widget"))},
			BooleanClause{Occur: OccurMustNot, Filter: Term("title", model.String("red"))},
		)})
	matches := evalOne(t, q, nil)
	if !matches.Docs.Contains(0) || matches.Docs.Contains(1) || matches.Docs.Contains(2) {
		t.Errorf("MUST widget AND NOT red = %v, want only doc 0", matches.Docs.ToArray())
	}
}

func TestCompileMinShouldMatch(t *testing.T) {
	q := mustPlan(t, &SearchQuery{Namespace: "item", Limit: 10,
		Filter: &Filter{Kind: FilterBoolean, MinShouldMatch: 2, Clauses: []BooleanClause{
			{Occur: OccurShould, Filter: Term("title", model.String("red"))},
			{Occur: OccurShould, Filter: Term("title", model.String("widget"))},
			{Occur: OccurShould, Filter: Term("title", model.String("gadget"))},
		}}})
	matches := evalOne(t, q, nil)
	// i2 satisfies red+widget, i3 red+gadget, i1 only widget.
	if matches.Docs.Contains(0) || !matches.Docs.Contains(1) || !matches.Docs.Contains(2) {
		t.Errorf("minShouldMatch=2 matched %v, want docs 1 and 2", matches.Docs.ToArray())
	}
}

func TestCompileRangeFilter(t *testing.T) {
	q := mustPlan(t, &SearchQuery{Namespace: "item", Limit: 10,
		Filter: &Filter{Kind: FilterPointRange, Field: "price",
			Lo: model.Double(10), Hi: model.Null(), IncludeLo: true}})
	matches := evalOne(t, q, nil)
	if matches.Docs.Contains(0) || !matches.Docs.Contains(1) || !matches.Docs.Contains(2) {
		t.Errorf("price >= 10 matched %v", matches.Docs.ToArray())
	}
}

func TestCompileJoinInjection(t *testing.T) {
	q := mustPlan(t, &SearchQuery{Namespace: "item", Limit: 10,
		Join: &Join{InnerSearchQueries: []*SearchQuery{{Namespace: "store", Limit: 10}}}})
	inner := &InnerResults{PrimaryKeys: map[string][]string{"store": {"s1", "s3"}}}
	matches := evalOne(t, q, inner)
	if !matches.Docs.Contains(0) || matches.Docs.Contains(1) || !matches.Docs.Contains(2) {
		t.Errorf("join on stores {s1,s3} matched %v, want docs 0 and 2", matches.Docs.ToArray())
	}
}

func TestCompileReferenceFieldInSet(t *testing.T) {
	q := mustPlan(t, &SearchQuery{Namespace: "item", Limit: 10,
		Filter: &Filter{Kind: FilterReferenceSet, Field: "store_id",
			RefNamespace: "store", RefField: "id"}})
	inner := &InnerResults{
		PrimaryKeys: map[string][]string{"store": {"s2"}},
		Fields: map[string]map[string][]model.Value{
			"store": {"id": {model.String("s2"), model.String("s2")}},
		},
	}
	matches := evalOne(t, q, inner)
	if matches.Docs.Contains(0) || !matches.Docs.Contains(1) || matches.Docs.Contains(2) {
		t.Errorf("reference set {s2} matched %v, want doc 1", matches.Docs.ToArray())
	}
}

func TestCompilePureFilterHasNoScores(t *testing.T) {
	q := mustPlan(t, &SearchQuery{Namespace: "item", Limit: 10,
		Filter: Boolean(BooleanClause{Occur: OccurFilter, Filter: Term("title", model.String("widget"))})})
	if !q.PureFilter {
		t.Fatal("expected pure filter plan")
	}
	matches := evalOne(t, q, nil)
	if matches.Scores != nil {
		t.Error("pure filter plan produced scores")
	}
	if matches.Score(0) != 0 {
		t.Error("pure filter score not constant zero")
	}
}

func TestFilterScoreSeparationMembership(t *testing.T) {
	// Replacing MUST with FILTER must not change membership.
	mustQ := mustPlan(t, &SearchQuery{Namespace: "item", Limit: 10,
		Filter: Boolean(BooleanClause{Occur: OccurMust, Filter: Term("title", model.String("red"))})})
	filterQ := mustPlan(t, &SearchQuery{Namespace: "item", Limit: 10,
		Filter: Boolean(BooleanClause{Occur: OccurFilter, Filter: Term("title", model.String("red"))})})

	a := evalOne(t, mustQ, nil)
	b := evalOne(t, filterQ, nil)
	if !a.Docs.Equals(b.Docs) {
		t.Errorf("membership differs: MUST=%v FILTER=%v", a.Docs.ToArray(), b.Docs.ToArray())
	}
}

func TestCompileFuzzy(t *testing.T) {
	q := mustPlan(t, &SearchQuery{Namespace: "item", Limit: 10,
		Keywords: &Keywords{FuzzyQueries: []FuzzyQuery{{Field: "title", Term: "widgat", MaxEdits: 1}}}})
	matches := evalOne(t, q, nil)
	if got := matches.Docs.GetCardinality(); got != 2 {
		t.Errorf("fuzzy 'widgat'~1 matched %d docs, want 2", got)
	}
}
