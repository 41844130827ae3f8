// Package searcher wires the per-shard query engine into an RPC-facing
// service: admission control, deadline handling, planning, join execution,
// and response encoding.
package searcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/canopy-search/canopy/internal/index"
	"github.com/canopy-search/canopy/internal/query"
	"github.com/canopy-search/canopy/internal/schema"
	"github.com/canopy-search/canopy/internal/searcher/hydrate"
	"github.com/canopy-search/canopy/internal/searcher/join"
	"github.com/canopy-search/canopy/pkg/config"
	apperrors "github.com/canopy-search/canopy/pkg/errors"
	"github.com/canopy-search/canopy/pkg/logger"
	"github.com/canopy-search/canopy/pkg/metrics"
	"github.com/canopy-search/canopy/pkg/proto"
	"github.com/canopy-search/canopy/pkg/rpc"
	"github.com/canopy-search/canopy/pkg/tracing"
)

// Service is the per-shard searcher. Search is idempotent and side-effect
// free; concurrency is bounded by a weighted semaphore and requests that
// cannot acquire a permit within the queue timeout are rejected with
// Overloaded rather than queued unboundedly.
type Service struct {
	cfg     config.SearcherConfig
	sch     *schema.Schema
	holder  *index.Holder
	planner *query.Planner
	exec    *join.Executor
	sem     *semaphore.Weighted
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates the searcher service for one shard.
func New(cfg config.SearcherConfig, sch *schema.Schema, holder *index.Holder, m *metrics.Metrics) *Service {
	s := &Service{
		cfg:     cfg,
		sch:     sch,
		holder:  holder,
		planner: query.NewPlanner(sch),
		sem:     semaphore.NewWeighted(cfg.Permits()),
		metrics: m,
		logger:  slog.Default().With("component", "searcher", "shard_id", cfg.ShardID),
	}
	hydrator := hydrate.New(sch, func() {
		if m != nil {
			m.DocsDropped.Inc()
		}
	})
	s.exec = join.NewExecutor(sch, hydrator, join.Limits{
		MaxInnerResults:    cfg.MaxInnerResults,
		MaxDepth:           cfg.MaxJoinDepth,
		TotalHitsThreshold: cfg.TotalHitsThreshold,
	}, cfg.ShardID)
	return s
}

// Search executes one shard query and returns the encoded response
// envelope.
func (s *Service) Search(ctx context.Context, req *proto.ShardSearchRequest) (*proto.Envelope, error) {
	start := time.Now()

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancelAcquire()
	if err := s.sem.Acquire(acquireCtx, 1); err != nil {
		if s.metrics != nil {
			s.metrics.OverloadRejects.Inc()
		}
		return nil, fmt.Errorf("%w: no permit within %v", apperrors.ErrOverloaded, s.cfg.AcquireTimeout)
	}
	defer s.sem.Release(1)
	if s.metrics != nil {
		s.metrics.QueriesInFlight.Inc()
		defer s.metrics.QueriesInFlight.Dec()
	}

	deadline := s.cfg.DefaultDeadline
	if req.DeadlineMillis > 0 {
		reqDeadline := time.Duration(req.DeadlineMillis) * time.Millisecond
		if reqDeadline < deadline {
			deadline = reqDeadline
		}
	}
	queryCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resp, err := s.search(queryCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = apperrors.ErrDeadline
		} else if errors.Is(err, context.Canceled) {
			err = apperrors.ErrCancelled
		}
		if s.metrics != nil {
			s.metrics.QueryErrorsTotal.WithLabelValues(apperrors.Kind(err)).Inc()
		}
		s.logger.Error("query failed",
			"namespace", req.Namespace,
			"error", err,
			"elapsed", time.Since(start),
		)
		return nil, err
	}

	if req.IncludeMetrics {
		resp.Metrics = &proto.Metrics{
			LatencyMillis: time.Since(start).Milliseconds(),
		}
	}
	if s.metrics != nil {
		s.metrics.QueriesTotal.WithLabelValues(req.Namespace, "ok").Inc()
		s.metrics.QueryLatency.WithLabelValues("searcher").Observe(time.Since(start).Seconds())
	}

	env, err := proto.EncodeResponse(resp, req.Format)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return env, nil
}

func (s *Service) search(ctx context.Context, req *proto.ShardSearchRequest) (*proto.SearchResponse, error) {
	ctx = logger.WithShardID(ctx, s.cfg.ShardID)
	q := req.Query
	if q == nil {
		return nil, apperrors.InvalidQueryf("searchQuery", "missing query")
	}
	if q.Namespace == "" {
		q.Namespace = req.Namespace
	}

	_, planSpan := tracing.StartChildSpan(ctx, tracing.PhasePlan)
	planned, err := s.planner.Plan(q)
	planSpan.End()
	if err != nil {
		return nil, err
	}

	snapshot, err := s.holder.Acquire()
	if err != nil {
		return nil, err
	}

	if kw := planned.Keywords; kw != nil && kw.ClientKeywords != "" {
		logger.FromContext(ctx).Debug("client keywords", "namespace", planned.Namespace, "raw", kw.ClientKeywords)
	}

	execCtx, collectSpan := tracing.StartChildSpan(ctx, tracing.PhaseCollect)
	result, err := s.exec.Execute(execCtx, snapshot.Reader, planned)
	collectSpan.End()
	if err != nil {
		return nil, err
	}

	parents, children := proto.FlattenDocuments(result.Documents)
	return &proto.SearchResponse{
		Documents:                    parents,
		ChildDocuments:               children,
		TotalMatchedDocuments:        result.TotalHits,
		MatchedDocumentsPerNamespace: result.HitsPerNamespace,
		Facets:                       result.Facets,
		FacetsApproximate:            result.FacetsApproximate,
		ShardStatuses: []proto.ShardStatus{
			{ShardID: req.ShardID, OK: true},
		},
	}, nil
}

// Handler adapts Search onto the RPC server. The rpc layer has already
// validated the shard id and armed the deadline on ctx.
func (s *Service) Handler() rpc.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req proto.ShardSearchRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, apperrors.InvalidQueryf("request", "malformed request: %v", err)
		}
		req.ShardID = s.cfg.ShardID
		return s.Search(ctx, &req)
	}
}
