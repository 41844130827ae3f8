package searcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/canopy-search/canopy/internal/index"
	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/query"
	"github.com/canopy-search/canopy/internal/schema"
	"github.com/canopy-search/canopy/pkg/config"
	apperrors "github.com/canopy-search/canopy/pkg/errors"
	"github.com/canopy-search/canopy/pkg/proto"
)

func serviceSchema() *schema.Schema {
	return &schema.Schema{
		Sharding: schema.Sharding{NumShards: 1, NumMicroShards: 8},
		Namespaces: map[string]*schema.Namespace{
			"item": {
				Name:       "item",
				PrimaryKey: "id",
				Fields: []schema.Field{
					{Name: "id", Type: schema.TypeString, DocValues: true, Stored: true},
					{Name: "title", Type: schema.TypeString, Stored: true},
				},
			},
		},
	}
}

func serviceConfig() config.SearcherConfig {
	return config.SearcherConfig{
		ShardID:         0,
		DefaultDeadline: time.Second,
		PermitsPerCPU:   4,
		AcquireTimeout:  100 * time.Millisecond,
		MaxInnerResults: 100,
		MaxJoinDepth:    4,
	}
}

func serviceWithDocs(t *testing.T) *Service {
	t.Helper()
	sch := serviceSchema()
	seg, err := index.NewMemorySegment(sch, []index.DocSpec{
		{Namespace: "item", PrimaryKey: "i1", Fields: map[string]model.Value{
			"id": model.String("i1"), "title": model.String("blue widget"),
		}},
		{Namespace: "item", PrimaryKey: "i2", Fields: map[string]model.Value{
			"id": model.String("i2"), "title": model.String("red gadget"),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	holder := index.NewHolder()
	holder.Install(&index.Snapshot{Reader: index.NewMemoryReader(seg), Generation: 1})
	return New(serviceConfig(), sch, holder, nil)
}

func TestServiceSearch(t *testing.T) {
	svc := serviceWithDocs(t)
	env, err := svc.Search(context.Background(), &proto.ShardSearchRequest{
		ShardID:   0,
		Namespace: "item",
		Query: &query.SearchQuery{
			Namespace: "item",
			Limit:     10,
			Keywords: &query.Keywords{Groups: []query.KeywordGroup{{
				Fields: []string{"title"}, Keywords: []string{"widget"}, Occur: query.OccurMust,
			}}},
			ReturnFields: []string{"id", "title"},
		},
		Format: proto.FormatFlatNormalizedCompressed,
	})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := proto.DecodeResponse(env)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Documents) != 1 || resp.Documents[0].PrimaryKey != "i1" {
		t.Fatalf("documents = %+v", resp.Documents)
	}
	if resp.Documents[0].Fields["title"].Str != "blue widget" {
		t.Errorf("hydrated fields = %+v", resp.Documents[0].Fields)
	}
	if resp.TotalMatchedDocuments != 1 {
		t.Errorf("total = %d", resp.TotalMatchedDocuments)
	}
}

func TestServiceIndexUnavailable(t *testing.T) {
	svc := New(serviceConfig(), serviceSchema(), index.NewHolder(), nil)
	_, err := svc.Search(context.Background(), &proto.ShardSearchRequest{
		Namespace: "item",
		Query:     &query.SearchQuery{Namespace: "item", Limit: 10},
	})
	if !errors.Is(err, apperrors.ErrIndexUnavailable) {
		t.Errorf("error = %v, want ErrIndexUnavailable", err)
	}
}

func TestServiceInvalidQuery(t *testing.T) {
	svc := serviceWithDocs(t)
	_, err := svc.Search(context.Background(), &proto.ShardSearchRequest{
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

func TestServiceMissingQuery(t *testing.T) {
	svc := serviceWithDocs(t)
	_, err := svc.Search(context.Background(), &proto.ShardSearchRequest{Namespace: "item"})
	if !errors.Is(err, apperrors.ErrInvalidQuery) {
		t.Errorf("error = %v, want ErrInvalidQuery", err)
	}
}

func TestServiceDeterminism(t *testing.T) {
	svc := serviceWithDocs(t)
	req := &proto.ShardSearchRequest{
		Namespace: "item",
		Query:     &query.SearchQuery{Namespace: "item", Limit: 10, ReturnFields: []string{"id"}},
	}
	var first []string
	for run := 0; run < 3; run++ {
		env, err := svc.Search(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := proto.DecodeResponse(env)
		if err != nil {
			t.Fatal(err)
		}
		keys := make([]string, len(resp.Documents))
		for i, d := range resp.Documents {
			keys[i] = d.PrimaryKey
		}
		if first == nil {
			first = keys
			continue
		}
		for i := range keys {
			if keys[i] != first[i] {
				t.Fatalf("run %d order differs: %v vs %v", run, keys, first)
			}
		}
	}
}
