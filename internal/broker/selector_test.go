package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/canopy-search/canopy/internal/schema"
	apperrors "github.com/canopy-search/canopy/pkg/errors"
	"github.com/canopy-search/canopy/pkg/proto"
)

type fakeClient struct {
	shardID int
	resp    *proto.SearchResponse
	err     error
	calls   int
}

func (f *fakeClient) ShardID() int { return f.shardID }

func (f *fakeClient) Search(ctx context.Context, req *proto.ShardSearchRequest) (*proto.SearchResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeClient) Close() error { return nil }

func fakeClients(n int) []SearcherClient {
	out := make([]SearcherClient, n)
	for i := 0; i < n; i++ {
		out[i] = &fakeClient{shardID: i, resp: &proto.SearchResponse{}}
	}
	return out
}

func TestSelectScatter(t *testing.T) {
	sharding := schema.Sharding{NumShards: 4, NumMicroShards: 64}
	s := NewSelector(sharding, fakeClients(4))
	clients, err := s.Select(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 4 {
		t.Errorf("scatter selected %d shards, want 4", len(clients))
	}
}

func TestSelectByKeyStable(t *testing.T) {
	sharding := schema.Sharding{NumShards: 4, NumMicroShards: 64}
	s := NewSelector(sharding, fakeClients(4))
	route := &proto.Route{Kind: proto.RouteByKey, Key: "doc-42"}

	first, err := s.Select(route)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("by-key selected %d shards, want 1", len(first))
	}
	want := sharding.ShardForKey("doc-42")
	if first[0].ShardID() != want {
		t.Errorf("selected shard %d, want %d", first[0].ShardID(), want)
	}
	for i := 0; i < 5; i++ {
		again, _ := s.Select(route)
		if again[0].ShardID() != want {
			t.Fatalf("selection not stable: %d vs %d", again[0].ShardID(), want)
		}
	}
}

func TestSelectByMicroShardsDedup(t *testing.T) {
	sharding := schema.Sharding{NumShards: 2, NumMicroShards: 64}
	s := NewSelector(sharding, fakeClients(2))
	// 0 and 5 are both on shard 0; 40 is on shard 1.
	clients, err := s.Select(&proto.Route{Kind: proto.RouteByMicroShards, MicroShardIDs: []int{0, 5, 40}})
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 2 {
		t.Errorf("selected %d shards, want 2 after dedup", len(clients))
	}
}

func TestSelectNoClients(t *testing.T) {
	s := NewSelector(schema.Sharding{NumShards: 1, NumMicroShards: 8}, nil)
	if _, err := s.Select(nil); !errors.Is(err, apperrors.ErrNoShards) {
		t.Errorf("error = %v, want ErrNoShards", err)
	}
}
