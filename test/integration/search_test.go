// Package integration verifies the interaction between the broker and real
// searcher services: queries travel over the shard RPC protocol on loopback
// TCP, against in-memory index snapshots, with no external dependencies
// (Kafka, PostgreSQL, Redis are not involved in the query path under test).
package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/canopy-search/canopy/internal/broker"
	"github.com/canopy-search/canopy/internal/index"
	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/query"
	"github.com/canopy-search/canopy/internal/schema"
	"github.com/canopy-search/canopy/internal/searcher"
	"github.com/canopy-search/canopy/pkg/config"
	apperrors "github.com/canopy-search/canopy/pkg/errors"
	"github.com/canopy-search/canopy/pkg/proto"
	"github.com/canopy-search/canopy/pkg/rpc"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testSchema(numShards int) *schema.Schema {
	return &schema.Schema{
		Sharding: schema.Sharding{NumShards: numShards, NumMicroShards: 64, SourceKey: "id"},
		Namespaces: map[string]*schema.Namespace{
			"item": {
				Name:       "item",
				PrimaryKey: "id",
				Fields: []schema.Field{
					{Name: "id", Type: schema.TypeString, DocValues: true, Stored: true},
					{Name: "title", Type: schema.TypeString, Stored: true},
					{Name: "price", Type: schema.TypeDouble, DocValues: true, Stored: true},
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
				},
			},
		},
	}
}

func searcherConfig(shardID int) config.SearcherConfig {
	return config.SearcherConfig{
		ShardID:         shardID,
		DefaultDeadline: 2 * time.Second,
		PermitsPerCPU:   4,
		AcquireTimeout:  100 * time.Millisecond,
		MaxInnerResults: 1000,
		MaxJoinDepth:    4,
	}
}

// startShard runs a complete searcher (service + rpc server) over the docs
// and returns its loopback address.
func startShard(t *testing.T, sch *schema.Schema, shardID int, docs []index.DocSpec) string {
	t.Helper()
	seg, err := index.NewMemorySegment(sch, docs)
	if err != nil {
		t.Fatalf("building shard %d segment: %v", shardID, err)
	}
	holder := index.NewHolder()
	holder.Install(&index.Snapshot{Reader: index.NewMemoryReader(seg), Generation: 1})

	svc := searcher.New(searcherConfig(shardID), sch, holder, nil)
	server := rpc.NewServer(shardID, svc.Handler())
	go func() {
		if err := server.Serve("127.0.0.1:0"); err != nil {
			t.Errorf("shard %d serve: %v", shardID, err)
		}
	}()
	t.Cleanup(server.Stop)

	for i := 0; i < 100; i++ {
		if addr := server.Addr(); addr != "" {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("shard %d server never bound", shardID)
	return ""
}

func startBroker(t *testing.T, sch *schema.Schema, addrs []string) *broker.Broker {
	t.Helper()
	clients, err := broker.DialSearchers(addrs, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		for _, c := range clients {
			c.Close()
		}
	})
	cfg := config.BrokerConfig{
		DefaultDeadline:  2 * time.Second,
		DefaultLimit:     10,
		MaxLimit:         100,
		ReorderLookahead: 10,
	}
	return broker.New(cfg, sch, clients)
}

func item(id string, price float64, storeID string) index.DocSpec {
	return index.DocSpec{
		Namespace:  "item",
		PrimaryKey: id,
		Fields: map[string]model.Value{
			"id":       model.String(id),
			"title":    model.String("widget " + id),
			"price":    model.Double(price),
			"store_id": model.String(storeID),
		},
	}
}

func store(id string, rating float64) index.DocSpec {
	return index.DocSpec{
		Namespace:  "store",
		PrimaryKey: id,
		Fields: map[string]model.Value{
			"id":     model.String(id),
			"rating": model.Double(rating),
		},
	}
}

func resultKeys(resp *proto.SearchResponse) []string {
	keys := make([]string, len(resp.Documents))
	for i, d := range resp.Documents {
		keys[i] = d.PrimaryKey
	}
	return keys
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestScatterGatherAcrossTwoShards(t *testing.T) {
	sch := testSchema(2)
	addr0 := startShard(t, sch, 0, []index.DocSpec{
		item("A", 10, "s1"),
		item("B", 6, "s1"),
	})
	addr1 := startShard(t, sch, 1, []index.DocSpec{
		item("C", 9, "s2"),
		item("D", 7, "s2"),
	})
	b := startBroker(t, sch, []string{addr0, addr1})

	resp, err := b.Search(context.Background(), &proto.SearchRequest{
		Namespace: "item",
		Query: &query.SearchQuery{
			Namespace:    "item",
			Limit:        3,
			ReturnFields: []string{"id", "price"},
			PhasedSortBy: []model.SortField{{Source: model.SortByField, Field: "price", Desc: true}},
		},
		Format: proto.FormatFlatNormalizedCompressed,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := resultKeys(resp)
	want := []string{"A", "C", "D"}
	if len(got) != len(want) {
		t.Fatalf("results = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("results = %v, want %v", got, want)
		}
	}
	if resp.TotalMatchedDocuments != 4 {
		t.Errorf("total = %d, want 4", resp.TotalMatchedDocuments)
	}
	if resp.Partial {
		t.Error("healthy response marked partial")
	}
	if resp.Documents[0].Fields["price"].Dbl != 10 {
		t.Errorf("hydrated price = %+v", resp.Documents[0].Fields)
	}
}

func TestJoinWithChildAttachmentOverRPC(t *testing.T) {
	sch := testSchema(1)
	addr := startShard(t, sch, 0, []index.DocSpec{
		item("i1", 5, "s1"),
		item("i2", 6, "s2"),
		item("i3", 7, "s3"),
		store("s1", 4.5),
		store("s2", 3.0),
		store("s3", 4.0),
	})
	b := startBroker(t, sch, []string{addr})

	resp, err := b.Search(context.Background(), &proto.SearchRequest{
		Namespace: "item",
		Query: &query.SearchQuery{
			Namespace:    "item",
			Limit:        10,
			ReturnFields: []string{"id", "store_id"},
			Join: &query.Join{InnerSearchQueries: []*query.SearchQuery{{
				Namespace:    "store",
				Limit:        10,
				ReturnFields: []string{"id", "rating"},
				Filter: &query.Filter{Kind: query.FilterPointRange, Field: "rating",
					Lo: model.Double(4), Hi: model.Null(), IncludeLo: true},
			}}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	docs := proto.UnflattenDocuments(resp.Documents, resp.ChildDocuments)
	got := map[string]string{}
	for _, d := range docs {
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

func TestRoutedQueryOverRPC(t *testing.T) {
	sch := testSchema(2)
	addr0 := startShard(t, sch, 0, []index.DocSpec{item("A", 10, "s1")})
	addr1 := startShard(t, sch, 1, []index.DocSpec{item("C", 9, "s2")})
	b := startBroker(t, sch, []string{addr0, addr1})

	// Route to the shard owning key "C"; the corpus is sharded so each
	// shard holds distinct documents, so the result set tells us which
	// shard was consulted.
	resp, err := b.Search(context.Background(), &proto.SearchRequest{
		Namespace: "item",
		Query:     &query.SearchQuery{Namespace: "item", Limit: 10, ReturnFields: []string{"id"}},
		Route:     &proto.Route{Kind: proto.RouteByKey, Key: "C"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Documents) != 1 {
		t.Fatalf("routed query returned %d docs", len(resp.Documents))
	}
	wantShard := sch.Sharding.ShardForKey("C")
	if resp.Documents[0].ShardID != wantShard {
		t.Errorf("result from shard %d, want %d", resp.Documents[0].ShardID, wantShard)
	}
}

func TestShardFailureToleratedOverRPC(t *testing.T) {
	sch := testSchema(3)
	addr0 := startShard(t, sch, 0, []index.DocSpec{item("A", 10, "s1")})
	addr1 := startShard(t, sch, 1, []index.DocSpec{item("B", 9, "s2")})
	// Shard 2 serves with no snapshot installed: IndexUnavailable.
	svc := searcher.New(searcherConfig(2), sch, index.NewHolder(), nil)
	server := rpc.NewServer(2, svc.Handler())
	go func() {
		if err := server.Serve("127.0.0.1:0"); err != nil {
			t.Errorf("shard 2 serve: %v", err)
		}
	}()
	t.Cleanup(server.Stop)
	var addr2 string
	for i := 0; i < 100; i++ {
		if addr2 = server.Addr(); addr2 != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	b := startBroker(t, sch, []string{addr0, addr1, addr2})
	resp, err := b.Search(context.Background(), &proto.SearchRequest{
		Namespace: "item",
		Query:     &query.SearchQuery{Namespace: "item", Limit: 10, ReturnFields: []string{"id"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Partial {
		t.Error("response with a failed shard not marked partial")
	}
	if len(resp.Documents) != 2 {
		t.Errorf("successful shards contributed %d docs, want 2", len(resp.Documents))
	}
	for _, st := range resp.ShardStatuses {
		if st.ShardID == 2 && st.OK {
			t.Error("failed shard reported healthy")
		}
	}
}

func TestInvalidQueryIsTypedAcrossRPC(t *testing.T) {
	sch := testSchema(1)
	addr := startShard(t, sch, 0, []index.DocSpec{item("A", 10, "s1")})
	b := startBroker(t, sch, []string{addr})

	_, err := b.Search(context.Background(), &proto.SearchRequest{
		Namespace: "item",
		Query: &query.SearchQuery{
			Namespace: "item",
			Limit:     10,
			Filter:    query.Term("ghost", model.String("x")),
		},
	})
	if !errors.Is(err, apperrors.ErrInvalidQuery) {
		t.Errorf("error = %v, want ErrInvalidQuery", err)
	}
}
