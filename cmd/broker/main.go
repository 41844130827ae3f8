package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/canopy-search/canopy/internal/analytics"
	"github.com/canopy-search/canopy/internal/broker"
	"github.com/canopy-search/canopy/internal/schema"
	"github.com/canopy-search/canopy/pkg/config"
	apperrors "github.com/canopy-search/canopy/pkg/errors"
	"github.com/canopy-search/canopy/pkg/health"
	"github.com/canopy-search/canopy/pkg/kafka"
	"github.com/canopy-search/canopy/pkg/logger"
	"github.com/canopy-search/canopy/pkg/metrics"
	"github.com/canopy-search/canopy/pkg/middleware"
	"github.com/canopy-search/canopy/pkg/postgres"
	"github.com/canopy-search/canopy/pkg/proto"
	pkgredis "github.com/canopy-search/canopy/pkg/redis"
	"github.com/canopy-search/canopy/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting broker",
		"port", cfg.Server.Port,
		"searchers", cfg.Broker.SearcherAddrs,
		"shards", cfg.Sharding.NumShards,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sch, err := loadSchema(ctx, cfg)
	if err != nil {
		slog.Error("failed to load schema", "error", err)
		os.Exit(1)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdown := metrics.StartServer(cfg.Metrics.Port)
		defer shutdown(context.Background())
	}

	clients, err := broker.DialSearchers(cfg.Broker.SearcherAddrs, m)
	if err != nil {
		slog.Error("failed to connect searchers", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	opts := []broker.Option{}
	if m != nil {
		opts = append(opts, broker.WithMetrics(m))
	}

	var resultCache *broker.ResultCache
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, result caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		resultCache = broker.NewResultCache(redisClient, cfg.Redis)
		opts = append(opts, broker.WithCache(resultCache))
		slog.Info("result cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}

	eventsProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.QueryEvents)
	defer eventsProducer.Close()
	collector := analytics.NewCollector(eventsProducer, 10000)
	collector.Start(ctx)
	defer collector.Close()
	opts = append(opts, broker.WithAnalytics(collector))

	// A new index generation invalidates every cached result.
	if resultCache != nil {
		invalidate := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate,
			func(ctx context.Context, key, value []byte) error {
				return resilience.WithTimeout(ctx, 10*time.Second, "cache-invalidate", func(ctx context.Context) error {
					return resultCache.Invalidate(ctx)
				})
			})
		go func() {
			if err := invalidate.Start(ctx); err != nil {
				slog.Error("cache invalidation consumer error", "error", err)
			}
		}()
	}

	b := broker.New(cfg.Broker, sch, clients, opts...)

	checker := health.NewChecker(2 * time.Second)
	checker.Register("searchers", func(ctx context.Context) health.ComponentHealth {
		if len(clients) == 0 {
			return health.ComponentHealth{Status: health.StatusDown, Message: "no searcher clients"}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d shards", len(clients))}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/search", searchHandler(b))
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down broker")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("broker listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", "error", err)
		os.Exit(1)
	}
}

func searchHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := logger.FromContext(r.Context())

		var req proto.SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed request: %v", err))
			return
		}

		resp, err := b.Search(r.Context(), &req)
		if err != nil {
			log.Error("search failed", "namespace", req.Namespace, "error", err)
			writeError(w, apperrors.HTTPStatusCode(err), err.Error())
			return
		}

		log.Info("search served",
			"namespace", req.Namespace,
			"results", len(resp.Documents),
			"partial", resp.Partial,
			"elapsed", time.Since(start),
		)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error("response encode failed", "error", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// loadSchema reads the namespace schema from the Postgres catalog when
// configured, falling back to the YAML file.
func loadSchema(ctx context.Context, cfg *config.Config) (*schema.Schema, error) {
	sharding := schema.Sharding{
		NumShards:      cfg.Sharding.NumShards,
		NumMicroShards: cfg.Sharding.NumMicroShards,
		SourceKey:      cfg.Sharding.SourceKey,
	}
	if cfg.Schema.FromDB {
		pg, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, loading schema from file", "error", err)
		} else {
			defer pg.Close()
			return schema.NewCatalogStore(pg.DB).Load(ctx, sharding)
		}
	}
	sch, err := schema.LoadFile(cfg.Schema.Path)
	if err != nil {
		return nil, err
	}
	sch.Sharding = sharding
	return sch, nil
}
