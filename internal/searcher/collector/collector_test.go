package collector

import (
	"context"
	"testing"

	"github.com/canopy-search/canopy/internal/index"
	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/query"
	"github.com/canopy-search/canopy/internal/schema"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		Sharding: schema.Sharding{NumShards: 1, NumMicroShards: 8},
		Namespaces: map[string]*schema.Namespace{
			"item": {
				Name:       "item",
				PrimaryKey: "id",
				Fields: []schema.Field{
					{Name: "id", Type: schema.TypeString, DocValues: true, Stored: true},
					{Name: "title", Type: schema.TypeString, Stored: true},
					{Name: "price", Type: schema.TypeDouble, DocValues: true, Stored: true},
					{Name: "brand", Type: schema.TypeString, DocValues: true},
					{Name: "store_id", Type: schema.TypeString, DocValues: true},
				},
				ForeignKeys: []schema.ForeignKey{
					{Name: "store_id", Container: schema.ContainerScalar, Children: []string{"store"}},
				},
			},
			"store": {
				Name:       "store",
				PrimaryKey: "id",
				Fields: []schema.Field{
					{Name: "id", Type: schema.TypeString, DocValues: true, Stored: true},
				},
			},
		},
	}
}

func itemDoc(id string, price float64, brand, storeID string) index.DocSpec {
	return index.DocSpec{
		Namespace:  "item",
		PrimaryKey: id,
		Fields: map[string]model.Value{
			"id":       model.String(id),
			"title":    model.String("widget " + id),
			"price":    model.Double(price),
			"brand":    model.String(brand),
			"store_id": model.String(storeID),
		},
	}
}

func buildReader(t *testing.T, segs ...[]index.DocSpec) index.Reader {
	t.Helper()
	sch := testSchema()
	built := make([]*index.MemorySegment, len(segs))
	for i, docs := range segs {
		seg, err := index.NewMemorySegment(sch, docs)
		if err != nil {
			t.Fatal(err)
		}
		built[i] = seg
	}
	return index.NewMemoryReader(built...)
}

func compile(t *testing.T, q *query.SearchQuery) (*query.SearchQuery, *query.Compiled) {
	t.Helper()
	sch := testSchema()
	planned, err := query.NewPlanner(sch).Plan(q)
	if err != nil {
		t.Fatal(err)
	}
	compiled, err := query.NewCompiler(sch).Compile(planned, nil)
	if err != nil {
		t.Fatal(err)
	}
	return planned, compiled
}

func TestCollectOrderAndBound(t *testing.T) {
	reader := buildReader(t,
		[]index.DocSpec{
			itemDoc("i1", 30, "acme", "s1"),
			itemDoc("i2", 10, "acme", "s1"),
		},
		[]index.DocSpec{
			itemDoc("i3", 20, "bolt", "s2"),
			itemDoc("i4", 40, "bolt", "s2"),
		},
	)
	planned, compiled := compile(t, &query.SearchQuery{
		Namespace: "item", Limit: 3,
		PhasedSortBy: []model.SortField{{Source: model.SortByField, Field: "price", Desc: true}},
	})

	res, err := New(testSchema()).Collect(context.Background(), reader, "item", compiled, Params{
		Limit:  planned.Limit,
		SortBy: planned.SortBy(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalHits != 4 {
		t.Errorf("TotalHits = %d, want 4", res.TotalHits)
	}
	got := make([]string, len(res.Documents))
	for i, d := range res.Documents {
		got[i] = d.PrimaryKey
	}
	want := []string{"i4", "i1", "i3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestCollectDeterministicTieBreak(t *testing.T) {
	docs := []index.DocSpec{
		itemDoc("i1", 10, "acme", "s1"),
		itemDoc("i2", 10, "acme", "s1"),
		itemDoc("i3", 10, "acme", "s1"),
	}
	reader := buildReader(t, docs)
	planned, compiled := compile(t, &query.SearchQuery{
		Namespace: "item", Limit: 2,
		PhasedSortBy: []model.SortField{{Source: model.SortByField, Field: "price", Desc: true}},
	})

	var first []string
	for run := 0; run < 3; run++ {
		res, err := New(testSchema()).Collect(context.Background(), reader, "item", compiled, Params{
			Limit:  planned.Limit,
			SortBy: planned.SortBy(),
		})
		if err != nil {
			t.Fatal(err)
		}
		keys := make([]string, len(res.Documents))
		for i, d := range res.Documents {
			keys[i] = d.PrimaryKey
		}
		if first == nil {
			first = keys
			// All prices tie, so global doc id ascending decides.
			if keys[0] != "i1" || keys[1] != "i2" {
				t.Fatalf("tie-break order = %v, want [i1 i2]", keys)
			}
			continue
		}
		for i := range keys {
			if keys[i] != first[i] {
				t.Fatalf("run %d differs: %v vs %v", run, keys, first)
			}
		}
	}
}

func TestCollectChildBindingOrder(t *testing.T) {
	reader := buildReader(t, []index.DocSpec{itemDoc("i1", 10, "acme", "s1")})
	planned, compiled := compile(t, &query.SearchQuery{Namespace: "item", Limit: 10})

	child := &model.Document{Namespace: "store", PrimaryKey: "s1"}
	res, err := New(testSchema()).Collect(context.Background(), reader, "item", compiled, Params{
		Limit:  planned.Limit,
		SortBy: planned.SortBy(),
		Bounds: []ForeignKeyBound{{
			ForeignKeyField:   "store_id",
			ChildNamespace:    "store",
			ChildByPrimaryKey: map[string]*model.Document{"s1": child},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 1 {
		t.Fatalf("got %d documents", len(res.Documents))
	}
	kids := res.Documents[0].Children["store"]
	if len(kids) != 1 || kids[0] != child {
		t.Errorf("child binding = %+v", kids)
	}
}

func TestCollectChildAbsentSkippedSilently(t *testing.T) {
	reader := buildReader(t, []index.DocSpec{itemDoc("i1", 10, "acme", "s9")})
	planned, compiled := compile(t, &query.SearchQuery{Namespace: "item", Limit: 10})

	res, err := New(testSchema()).Collect(context.Background(), reader, "item", compiled, Params{
		Limit:  planned.Limit,
		SortBy: planned.SortBy(),
		Bounds: []ForeignKeyBound{{
			ForeignKeyField:   "store_id",
			ChildNamespace:    "store",
			ChildByPrimaryKey: map[string]*model.Document{"s1": {PrimaryKey: "s1"}},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 1 {
		t.Fatalf("parent dropped: %d documents", len(res.Documents))
	}
	if len(res.Documents[0].Children) != 0 {
		t.Errorf("unexpected children: %+v", res.Documents[0].Children)
	}
}

func TestCollectFacets(t *testing.T) {
	reader := buildReader(t, []index.DocSpec{
		itemDoc("i1", 5, "acme", "s1"),
		itemDoc("i2", 15, "acme", "s1"),
		itemDoc("i3", 25, "bolt", "s1"),
	})
	planned, compiled := compile(t, &query.SearchQuery{Namespace: "item", Limit: 1})

	res, err := New(testSchema()).Collect(context.Background(), reader, "item", compiled, Params{
		Limit:  planned.Limit,
		SortBy: planned.SortBy(),
		Facets: []model.FacetSpec{
			{Field: "brand", Kind: model.FacetTermCount},
			{Field: "price", Kind: model.FacetHistogram, Boundaries: []float64{0, 10, 20}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Facets) != 2 {
		t.Fatalf("got %d facet results", len(res.Facets))
	}
	// Facets count every match, not just the top-K of 1.
	brand := res.Facets[0]
	if brand.Buckets[0].Value != "acme" || brand.Buckets[0].Count != 2 {
		t.Errorf("brand facet = %+v", brand.Buckets)
	}
	hist := res.Facets[1]
	for i, want := range []int64{1, 1, 1} {
		if hist.Buckets[i].Count != want {
			t.Errorf("histogram bucket %d = %d, want %d", i, hist.Buckets[i].Count, want)
		}
	}
}

func TestCollectFacetThreshold(t *testing.T) {
	reader := buildReader(t, []index.DocSpec{
		itemDoc("i1", 5, "acme", "s1"),
		itemDoc("i2", 15, "acme", "s1"),
		itemDoc("i3", 25, "bolt", "s1"),
	})
	planned, compiled := compile(t, &query.SearchQuery{Namespace: "item", Limit: 10})

	res, err := New(testSchema()).Collect(context.Background(), reader, "item", compiled, Params{
		Limit:              planned.Limit,
		SortBy:             planned.SortBy(),
		Facets:             []model.FacetSpec{{Field: "brand", Kind: model.FacetTermCount}},
		TotalHitsThreshold: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.FacetsApproximate {
		t.Error("threshold crossed but approximate flag not set")
	}
	var total int64
	for _, b := range res.Facets[0].Buckets {
		total += b.Count
	}
	if total != 2 {
		t.Errorf("facet counted %d docs, want lower bound 2", total)
	}
}

func TestCollectCancellation(t *testing.T) {
	reader := buildReader(t, []index.DocSpec{itemDoc("i1", 5, "acme", "s1")})
	planned, compiled := compile(t, &query.SearchQuery{Namespace: "item", Limit: 10})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(testSchema()).Collect(ctx, reader, "item", compiled, Params{
		Limit:  planned.Limit,
		SortBy: planned.SortBy(),
	})
	if err == nil {
		t.Error("cancelled context not surfaced")
	}
}

func TestCollectGroupBy(t *testing.T) {
	reader := buildReader(t, []index.DocSpec{
		itemDoc("i1", 30, "acme", "s1"),
		itemDoc("i2", 20, "acme", "s1"),
		itemDoc("i3", 10, "bolt", "s1"),
	})
	planned, compiled := compile(t, &query.SearchQuery{
		Namespace: "item", Limit: 10, GroupBy: "brand",
		PhasedSortBy: []model.SortField{{Source: model.SortByField, Field: "price", Desc: true}},
	})

	res, err := New(testSchema()).Collect(context.Background(), reader, "item", compiled, Params{
		Limit:   planned.Limit,
		SortBy:  planned.SortBy(),
		GroupBy: planned.GroupBy,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 2 {
		t.Fatalf("group-by kept %d docs, want 2", len(res.Documents))
	}
	if res.Documents[0].PrimaryKey != "i1" || res.Documents[1].PrimaryKey != "i3" {
		t.Errorf("group representatives = %s, %s", res.Documents[0].PrimaryKey, res.Documents[1].PrimaryKey)
	}
}
