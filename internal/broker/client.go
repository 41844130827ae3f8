// Package broker implements the scatter-gather orchestrator: shard
// selection, parallel fanout, dedup, k-way merge, facet aggregation, and L2
// reordering.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/canopy-search/canopy/pkg/errors"
	"github.com/canopy-search/canopy/pkg/metrics"
	"github.com/canopy-search/canopy/pkg/proto"
	"github.com/canopy-search/canopy/pkg/resilience"
	"github.com/canopy-search/canopy/pkg/rpc"
)

// SearcherClient is one shard's query endpoint.
type SearcherClient interface {
	ShardID() int
	Search(ctx context.Context, req *proto.ShardSearchRequest) (*proto.SearchResponse, error)
	Close() error
}

// rpcSearcherClient speaks the shard RPC protocol to one searcher, guarded
// by a per-shard circuit breaker and a single transient-failure retry.
type rpcSearcherClient struct {
	shardID int
	client  *rpc.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	logger  *slog.Logger
}

// DialSearchers connects one client per address; the slice index is the
// shard id. m may be nil.
func DialSearchers(addrs []string, m *metrics.Metrics) ([]SearcherClient, error) {
	clients := make([]SearcherClient, 0, len(addrs))
	for shardID, addr := range addrs {
		c, err := rpc.Dial(addr, shardID)
		if err != nil {
			for _, open := range clients {
				open.Close()
			}
			return nil, fmt.Errorf("connecting searcher shard %d: %w", shardID, err)
		}
		logger := slog.Default().With("component", "searcher-client", "shard_id", shardID)
		breakerCfg := resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				logger.Warn("shard breaker state changed", "from", from.String(), "to", to.String())
				if m != nil {
					m.BreakerState.WithLabelValues(fmt.Sprintf("%d", shardID)).Set(float64(to))
				}
			},
		}
		clients = append(clients, &rpcSearcherClient{
			shardID: shardID,
			client:  c,
			breaker: resilience.NewCircuitBreaker(fmt.Sprintf("searcher-%d", shardID), breakerCfg),
			retry: resilience.RetryConfig{
				MaxAttempts:  2,
				InitialDelay: 10 * time.Millisecond,
				MaxDelay:     50 * time.Millisecond,
				Retryable:    retryable,
			},
			logger: logger,
		})
	}
	return clients, nil
}

func (c *rpcSearcherClient) ShardID() int { return c.shardID }

func (c *rpcSearcherClient) Search(ctx context.Context, req *proto.ShardSearchRequest) (*proto.SearchResponse, error) {
	var env proto.Envelope
	err := resilience.Retry(ctx, fmt.Sprintf("searcher-%d", c.shardID), c.retry, func() error {
		return c.breaker.Execute(func() error {
			return c.client.Call(ctx, req, &env)
		})
	})
	if err != nil {
		return nil, err
	}
	resp, err := proto.DecodeResponse(&env)
	if err != nil {
		return nil, fmt.Errorf("shard %d: %w", c.shardID, err)
	}
	return resp, nil
}

func (c *rpcSearcherClient) Close() error { return c.client.Close() }

// retryable rejects errors a second attempt cannot fix: structural
// rejections are deterministic, and load-shedding or deadline errors only
// get worse when retried.
func retryable(err error) bool {
	switch {
	case errors.Is(err, apperrors.ErrInvalidQuery),
		errors.Is(err, apperrors.ErrJoinTooLarge),
		errors.Is(err, apperrors.ErrDepthExceeded),
		errors.Is(err, apperrors.ErrOverloaded),
		errors.Is(err, apperrors.ErrDeadline),
		errors.Is(err, apperrors.ErrCancelled),
		errors.Is(err, resilience.ErrCircuitOpen):
		return false
	default:
		return true
	}
}
