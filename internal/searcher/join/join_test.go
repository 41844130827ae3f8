package join

import (
	"context"
	"errors"
	"testing"

	"github.com/canopy-search/canopy/internal/index"
	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/query"
	"github.com/canopy-search/canopy/internal/schema"
	"github.com/canopy-search/canopy/internal/searcher/hydrate"
	apperrors "github.com/canopy-search/canopy/pkg/errors"
)

func joinSchema() *schema.Schema {
	return &schema.Schema{
		Sharding: schema.Sharding{NumShards: 1, NumMicroShards: 8},
		Namespaces: map[string]*schema.Namespace{
			"item": {
				Name:       "item",
				PrimaryKey: "id",
				Fields: []schema.Field{
					{Name: "id", Type: schema.TypeString, DocValues: true, Stored: true},
					{Name: "menu_id", Type: schema.TypeString, DocValues: true, Stored: true},
					{Name: "store_id", Type: schema.TypeString, DocValues: true, Stored: true},
				},
				ForeignKeys: []schema.ForeignKey{
					{Name: "store_id", Container: schema.ContainerScalar, Children: []string{"store"}, Required: true},
				},
			},
			"store": {
				Name:       "store",
				PrimaryKey: "id",
				Fields: []schema.Field{
					{Name: "id", Type: schema.TypeString, DocValues: true, Stored: true},
					{Name: "rating", Type: schema.TypeDouble, DocValues: true, Stored: true},
					{Name: "menu_id", Type: schema.TypeString, DocValues: true, Stored: true},
				},
			},
		},
	}
}

func joinReader(t *testing.T) index.Reader {
	t.Helper()
	sch := joinSchema()
	seg, err := index.NewMemorySegment(sch, []index.DocSpec{
		{Namespace: "item", PrimaryKey: "i1", Fields: map[string]model.Value{
			"id": model.String("i1"), "store_id": model.String("s1"), "menu_id": model.String("7"),
		}},
		{Namespace: "item", PrimaryKey: "i2", Fields: map[string]model.Value{
			"id": model.String("i2"), "store_id": model.String("s2"), "menu_id": model.String("9"),
		}},
		{Namespace: "item", PrimaryKey: "i3", Fields: map[string]model.Value{
			"id": model.String("i3"), "store_id": model.String("s3"), "menu_id": model.String("12"),
		}},
		{Namespace: "store", PrimaryKey: "s1", Fields: map[string]model.Value{
			"id": model.String("s1"), "rating": model.Double(4.5), "menu_id": model.String("7"),
		}},
		{Namespace: "store", PrimaryKey: "s2", Fields: map[string]model.Value{
			"id": model.String("s2"), "rating": model.Double(3.0), "menu_id": model.String("9"),
		}},
		{Namespace: "store", PrimaryKey: "s3", Fields: map[string]model.Value{
			"id": model.String("s3"), "rating": model.Double(4.0), "menu_id": model.String("12"),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return index.NewMemoryReader(seg)
}

func newExecutor(sch *schema.Schema, limits Limits) *Executor {
	return NewExecutor(sch, hydrate.New(sch, nil), limits, 0)
}

func planQuery(t *testing.T, sch *schema.Schema, q *query.SearchQuery) *query.SearchQuery {
	t.Helper()
	planned, err := query.NewPlanner(sch).Plan(q)
	if err != nil {
		t.Fatal(err)
	}
	return planned
}

func TestJoinAttachesMatchingChildren(t *testing.T) {
	sch := joinSchema()
	exec := newExecutor(sch, Limits{})
	q := planQuery(t, sch, &query.SearchQuery{
		Namespace: "item", Limit: 10,
		ReturnFields: []string{"id", "store_id"},
		Join: &query.Join{InnerSearchQueries: []*query.SearchQuery{{
			Namespace: "store", Limit: 10,
			ReturnFields: []string{"id", "rating"},
			Filter: &query.Filter{Kind: query.FilterPointRange, Field: "rating",
				Lo: model.Double(4), Hi: model.Null(), IncludeLo: true},
		}}},
	})

	res, err := exec.Execute(context.Background(), joinReader(t), q)
	if err != nil {
		t.Fatal(err)
	}

	got := map[string]string{}
	for _, d := range res.Documents {
		kids := d.Children["store"]
		if len(kids) != 1 {
			t.Fatalf("parent %s has %d store children", d.PrimaryKey, len(kids))
		}
		got[d.PrimaryKey] = kids[0].PrimaryKey
	}
	want := map[string]string{"i1": "s1", "i3": "s3"}
	if len(got) != len(want) {
		t.Fatalf("joined parents = %v, want %v", got, want)
	}
	for pk, child := range want {
		if got[pk] != child {
			t.Errorf("parent %s child = %s, want %s", pk, got[pk], child)
		}
	}
}

func TestJoinSoundness(t *testing.T) {
	// A parent whose foreign key is absent from the inner results never
	// appears.
	sch := joinSchema()
	exec := newExecutor(sch, Limits{})
	q := planQuery(t, sch, &query.SearchQuery{
		Namespace: "item", Limit: 10,
		Join: &query.Join{InnerSearchQueries: []*query.SearchQuery{{
			Namespace: "store", Limit: 10,
			Filter: query.Term("id", model.String("s2")),
		}}},
	})
	res, err := exec.Execute(context.Background(), joinReader(t), q)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 1 || res.Documents[0].PrimaryKey != "i2" {
		t.Errorf("join returned %d docs, want only i2", len(res.Documents))
	}
}

func TestJoinReferenceField(t *testing.T) {
	sch := joinSchema()
	exec := newExecutor(sch, Limits{})
	q := planQuery(t, sch, &query.SearchQuery{
		Namespace: "item", Limit: 10,
		Filter: &query.Filter{Kind: query.FilterBoolean, Clauses: []query.BooleanClause{
			{Occur: query.OccurFilter, Filter: &query.Filter{
				Kind: query.FilterReferenceSet, Field: "menu_id",
				RefNamespace: "store", RefField: "menu_id",
			}},
		}},
		Join: &query.Join{InnerSearchQueries: []*query.SearchQuery{{
			Namespace: "store", Limit: 10,
			ReturnFields: []string{"id", "menu_id"},
			Filter: &query.Filter{Kind: query.FilterPointRange, Field: "rating",
				Lo: model.Double(4), Hi: model.Null(), IncludeLo: true},
		}}},
	})

	res, err := exec.Execute(context.Background(), joinReader(t), q)
	if err != nil {
		t.Fatal(err)
	}
	// Inner stores {s1, s3} project menu ids {7, 12}; items with those menu
	// ids are i1 and i3.
	keys := map[string]bool{}
	for _, d := range res.Documents {
		keys[d.PrimaryKey] = true
	}
	if len(keys) != 2 || !keys["i1"] || !keys["i3"] {
		t.Errorf("reference join returned %v, want {i1, i3}", keys)
	}
}

func TestJoinTooLarge(t *testing.T) {
	sch := joinSchema()
	exec := newExecutor(sch, Limits{MaxInnerResults: 1})
	q := planQuery(t, sch, &query.SearchQuery{
		Namespace: "item", Limit: 10,
		Join: &query.Join{InnerSearchQueries: []*query.SearchQuery{{
			Namespace: "store", Limit: 10,
		}}},
	})
	_, err := exec.Execute(context.Background(), joinReader(t), q)
	if !errors.Is(err, apperrors.ErrJoinTooLarge) {
		t.Errorf("error = %v, want ErrJoinTooLarge", err)
	}
}

func TestJoinDepthExceeded(t *testing.T) {
	sch := joinSchema()
	// store→item joins do not exist, so nest item→store only; a depth bound
	// of one is exceeded once the inner query runs below a synthetic depth 1.
	exec := newExecutor(sch, Limits{MaxDepth: 1})
	inner := &query.SearchQuery{Namespace: "store", Limit: 5}
	q := planQuery(t, sch, &query.SearchQuery{
		Namespace: "item", Limit: 10,
		Join: &query.Join{InnerSearchQueries: []*query.SearchQuery{inner}},
	})
	// Depth 1 allows the single nesting; shrink the bound below it by
	// executing from a synthetic depth.
	if _, err := exec.execute(context.Background(), joinReader(t), q, 1); !errors.Is(err, apperrors.ErrDepthExceeded) {
		t.Errorf("error = %v, want ErrDepthExceeded", err)
	}
}

func TestJoinInnerLimitIsHardBound(t *testing.T) {
	// The inner query's limit caps the join result set; parents beyond it
	// never match.
	sch := joinSchema()
	exec := newExecutor(sch, Limits{})
	q := planQuery(t, sch, &query.SearchQuery{
		Namespace: "item", Limit: 10,
		Join: &query.Join{InnerSearchQueries: []*query.SearchQuery{{
			Namespace: "store", Limit: 1,
			PhasedSortBy: []model.SortField{{Source: model.SortByField, Field: "rating", Desc: true}},
		}}},
	})
	res, err := exec.Execute(context.Background(), joinReader(t), q)
	if err != nil {
		t.Fatal(err)
	}
	// Highest rated store is s1 (4.5), so only i1 joins.
	if len(res.Documents) != 1 || res.Documents[0].PrimaryKey != "i1" {
		t.Errorf("inner limit not a hard bound: %d docs", len(res.Documents))
	}
}
