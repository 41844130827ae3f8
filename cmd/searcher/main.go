package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/canopy-search/canopy/internal/index"
	"github.com/canopy-search/canopy/internal/schema"
	"github.com/canopy-search/canopy/internal/searcher"
	"github.com/canopy-search/canopy/pkg/config"
	"github.com/canopy-search/canopy/pkg/health"
	"github.com/canopy-search/canopy/pkg/logger"
	"github.com/canopy-search/canopy/pkg/metrics"
	"github.com/canopy-search/canopy/pkg/postgres"
	"github.com/canopy-search/canopy/pkg/rpc"
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
	slog.Info("starting searcher",
		"port", cfg.Server.Port,
		"shard_id", cfg.Searcher.ShardID,
		"snapshot_dir", cfg.Searcher.SnapshotDir,
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

	holder := index.NewHolder()
	snapshot, err := index.OpenSnapshot(cfg.Searcher.SnapshotDir, sch)
	if err != nil {
		slog.Warn("no snapshot available yet, serving IndexUnavailable until one appears", "error", err)
	} else {
		holder.Install(snapshot)
		if m != nil {
			m.SnapshotGeneration.Set(float64(snapshot.Generation))
			m.SnapshotSegments.Set(float64(len(snapshot.Reader.Leaves())))
		}
	}
	go holder.WatchDir(ctx, cfg.Searcher.SnapshotDir, sch, cfg.Searcher.SnapshotPollInterval)

	checker := health.NewChecker(2 * time.Second)
	checker.Register("snapshot", func(ctx context.Context) health.ComponentHealth {
		if _, err := holder.Acquire(); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	svc := searcher.New(cfg.Searcher, sch, holder, m)
	server := rpc.NewServer(cfg.Searcher.ShardID, svc.Handler())

	go func() {
		<-ctx.Done()
		slog.Info("shutting down searcher")
		server.Stop()
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	if err := server.Serve(addr); err != nil {
		slog.Error("rpc server error", "error", err)
		os.Exit(1)
	}
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
