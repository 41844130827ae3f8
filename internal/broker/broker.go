package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/canopy-search/canopy/internal/analytics"
	"github.com/canopy-search/canopy/internal/model"
	"github.com/canopy-search/canopy/internal/query"
	"github.com/canopy-search/canopy/internal/schema"
	"github.com/canopy-search/canopy/pkg/config"
	apperrors "github.com/canopy-search/canopy/pkg/errors"
	"github.com/canopy-search/canopy/pkg/metrics"
	"github.com/canopy-search/canopy/pkg/proto"
	"github.com/canopy-search/canopy/pkg/tracing"
)

// Broker is the scatter-gather orchestrator.
type Broker struct {
	cfg      config.BrokerConfig
	sch      *schema.Schema
	planner  *query.Planner
	selector *Selector
	cache    *ResultCache
	events   *analytics.Collector
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures optional broker collaborators.
type Option func(*Broker)

// WithCache enables the redis result cache.
func WithCache(c *ResultCache) Option {
	return func(b *Broker) { b.cache = c }
}

// WithAnalytics enables query event publication.
func WithAnalytics(c *analytics.Collector) Option {
	return func(b *Broker) { b.events = c }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// New creates a broker over the shard clients.
func New(cfg config.BrokerConfig, sch *schema.Schema, clients []SearcherClient, opts ...Option) *Broker {
	b := &Broker{
		cfg:      cfg,
		sch:      sch,
		planner:  query.NewPlanner(sch),
		selector: NewSelector(sch.Sharding, clients),
		logger:   slog.Default().With("component", "broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Search executes one client request: plan, select, fanout, merge, reorder,
// page.
func (b *Broker) Search(ctx context.Context, req *proto.SearchRequest) (*proto.SearchResponse, error) {
	start := time.Now()
	if req.IncludeMetrics {
		var span *tracing.Span
		ctx, span = tracing.StartSpan(ctx, "broker.search", req.Namespace)
		defer func() {
			span.End()
			span.Log()
		}()
	}
	resp, err := b.search(ctx, req)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = apperrors.Kind(err)
	}
	if b.metrics != nil {
		ns := req.Namespace
		if req.Query != nil && req.Query.Namespace != "" {
			ns = req.Query.Namespace
		}
		b.metrics.QueriesTotal.WithLabelValues(ns, outcome).Inc()
		b.metrics.QueryLatency.WithLabelValues("broker").Observe(elapsed.Seconds())
		if err != nil {
			b.metrics.QueryErrorsTotal.WithLabelValues(apperrors.Kind(err)).Inc()
		} else {
			b.metrics.QueryResultsCount.Observe(float64(len(resp.Documents)))
			if resp.Partial {
				b.metrics.PartialResponses.Inc()
			}
		}
	}
	if b.events != nil {
		ev := analytics.QueryEvent{
			Namespace:     req.Namespace,
			LatencyMillis: elapsed.Milliseconds(),
			Outcome:       outcome,
		}
		if resp != nil {
			ev.Results = len(resp.Documents)
			ev.Partial = resp.Partial
		}
		if req.Query != nil && req.Query.Keywords != nil {
			ev.ClientKeywords = req.Query.Keywords.ClientKeywords
		}
		b.events.Record(ev)
	}
	return resp, err
}

func (b *Broker) search(ctx context.Context, req *proto.SearchRequest) (*proto.SearchResponse, error) {
	q := req.Query
	if q == nil {
		return nil, apperrors.InvalidQueryf("searchQuery", "missing query")
	}
	if q.Namespace == "" {
		q.Namespace = req.Namespace
	}
	if q.Limit == 0 {
		q.Limit = b.cfg.DefaultLimit
	}
	if b.cfg.MaxLimit > 0 && q.Limit > b.cfg.MaxLimit {
		q.Limit = b.cfg.MaxLimit
	}

	// Validation runs up front so invalid queries fail before any fanout.
	// The raw query is what travels to the shards; each searcher plans it
	// against its own schema copy.
	planned, err := b.planner.Plan(q)
	if err != nil {
		return nil, err
	}

	if b.cache != nil && b.cfg.CacheEnabled {
		return b.cache.GetOrCompute(ctx, req, func() (*proto.SearchResponse, error) {
			return b.fanout(ctx, req, q, planned)
		})
	}
	return b.fanout(ctx, req, q, planned)
}

type shardOutcome struct {
	shardID int
	resp    *proto.SearchResponse
	err     error
	latency time.Duration
}

func (b *Broker) fanout(ctx context.Context, req *proto.SearchRequest, q *query.SearchQuery, planned *query.SearchQuery) (*proto.SearchResponse, error) {
	ctx, span := tracing.StartChildSpan(ctx, tracing.PhaseFanout)
	defer span.End()

	clients, err := b.selector.Select(req.Route)
	if err != nil {
		return nil, err
	}
	span.SetAttr("shards", len(clients))
	if len(clients) == 0 {
		return nil, apperrors.ErrNoShards
	}
	if b.metrics != nil {
		b.metrics.FanoutShards.Observe(float64(len(clients)))
	}

	deadline := b.cfg.DefaultDeadline
	if req.DeadlineMillis > 0 {
		deadline = time.Duration(req.DeadlineMillis) * time.Millisecond
	}
	fanoutCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// All selected shard RPCs issue concurrently; response ordering is
	// re-imposed below by sorting on shard id.
	outcomes := make([]shardOutcome, len(clients))
	var wg sync.WaitGroup
	for i, client := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shardReq := &proto.ShardSearchRequest{
				ShardID:        client.ShardID(),
				Namespace:      q.Namespace,
				Query:          q,
				IncludeMetrics: req.IncludeMetrics,
				Format:         req.Format,
				DeadlineMillis: deadline.Milliseconds(),
			}
			shardStart := time.Now()
			resp, err := client.Search(fanoutCtx, shardReq)
			outcomes[i] = shardOutcome{
				shardID: client.ShardID(),
				resp:    resp,
				err:     err,
				latency: time.Since(shardStart),
			}
		}()
	}
	wg.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].shardID < outcomes[j].shardID })

	statuses := make([]proto.ShardStatus, 0, len(outcomes))
	var lists [][]*model.Document
	var shardFacets [][]model.FacetResult
	var totalMatched int64
	perNamespace := make(map[string]int64)
	failures := 0
	var firstFailure error

	for _, oc := range outcomes {
		if b.metrics != nil {
			b.metrics.ShardLatency.WithLabelValues(fmt.Sprintf("%d", oc.shardID)).Observe(oc.latency.Seconds())
		}
		if oc.err != nil {
			// Structural rejections are deterministic across shards: never
			// retried, fatal for the whole request.
			if errors.Is(oc.err, apperrors.ErrInvalidQuery) ||
				errors.Is(oc.err, apperrors.ErrJoinTooLarge) ||
				errors.Is(oc.err, apperrors.ErrDepthExceeded) {
				return nil, oc.err
			}
			failures++
			if firstFailure == nil {
				firstFailure = oc.err
			}
			if b.metrics != nil {
				b.metrics.ShardFailures.WithLabelValues(fmt.Sprintf("%d", oc.shardID), apperrors.Kind(oc.err)).Inc()
			}
			statuses = append(statuses, proto.ShardStatus{ShardID: oc.shardID, OK: false, Error: oc.err.Error()})
			b.logger.Warn("shard failed", "shard_id", oc.shardID, "error", oc.err)
			continue
		}
		statuses = append(statuses, proto.ShardStatus{ShardID: oc.shardID, OK: true})
		lists = append(lists, proto.UnflattenDocuments(oc.resp.Documents, oc.resp.ChildDocuments))
		shardFacets = append(shardFacets, oc.resp.Facets)
		totalMatched += oc.resp.TotalMatchedDocuments
		for ns, n := range oc.resp.MatchedDocumentsPerNamespace {
			perNamespace[ns] += n
		}
	}

	if failures > len(clients)/2 {
		return nil, fmt.Errorf("%w: %d of %d shards failed: %v",
			apperrors.ErrPartialFailure, failures, len(clients), firstFailure)
	}

	specs := q.SortBy()
	lists = dedup(lists, q.DedupPolicy())
	merged := kWayMerge(lists, specs, q.Offset+q.Limit+b.cfg.ReorderLookahead)
	merged = applyReorderings(merged, planned, b.cfg.ReorderLookahead)

	// Page after the merge: offset then limit.
	if q.Offset < len(merged) {
		merged = merged[q.Offset:]
	} else {
		merged = nil
	}
	if q.Limit >= 0 && len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}

	parents, children := proto.FlattenDocuments(merged)
	resp := &proto.SearchResponse{
		Documents:                    parents,
		ChildDocuments:               children,
		TotalMatchedDocuments:        totalMatched,
		MatchedDocumentsPerNamespace: perNamespace,
		Facets:                       mergeFacets(shardFacets),
		Partial:                      failures > 0,
		ShardStatuses:                statuses,
	}
	for _, fr := range resp.Facets {
		if fr.Approximate {
			resp.FacetsApproximate = true
		}
	}
	if req.IncludeMetrics {
		resp.Metrics = &proto.Metrics{ShardsConsulted: len(clients)}
	}
	return resp, nil
}
