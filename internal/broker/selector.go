package broker

import (
	"github.com/canopy-search/canopy/internal/schema"
	apperrors "github.com/canopy-search/canopy/pkg/errors"
	"github.com/canopy-search/canopy/pkg/proto"
)

// Selector maps a routing hint onto the set of shard clients to consult.
// For the same configuration and hint the selected set is stable across
// calls.
type Selector struct {
	sharding schema.Sharding
	clients  []SearcherClient
}

// NewSelector creates a selector over the clients; shards are matched to
// clients by their ShardID at selection time.
func NewSelector(sharding schema.Sharding, clients []SearcherClient) *Selector {
	return &Selector{sharding: sharding, clients: clients}
}

// Select resolves the routing hint. A nil or none hint scatters to every
// shard. Selection fails when no clients exist at all or when the hint kind
// is unknown.
func (s *Selector) Select(route *proto.Route) ([]SearcherClient, error) {
	if len(s.clients) == 0 {
		return nil, apperrors.ErrNoShards
	}
	if route == nil || route.Kind == proto.RouteNone || route.Kind == "" {
		out := make([]SearcherClient, len(s.clients))
		copy(out, s.clients)
		return out, nil
	}
	switch route.Kind {
	case proto.RouteByKey:
		shard := s.sharding.ShardForKey(route.Key)
		return s.pick(shard), nil
	case proto.RouteByMicroShards:
		seen := make(map[int]bool)
		var out []SearcherClient
		for _, micro := range route.MicroShardIDs {
			if micro < 0 || micro >= s.sharding.NumMicroShards {
				continue
			}
			shard := s.sharding.ShardOfMicro(micro)
			if seen[shard] {
				continue
			}
			seen[shard] = true
			out = append(out, s.pick(shard)...)
		}
		return out, nil
	default:
		return nil, apperrors.InvalidQueryf("route.kind", "unknown routing hint %q", route.Kind)
	}
}

func (s *Selector) pick(shard int) []SearcherClient {
	for _, c := range s.clients {
		if c.ShardID() == shard {
			return []SearcherClient{c}
		}
	}
	return nil
}
