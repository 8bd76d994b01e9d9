package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aevon-lab/usage-engine/internal/aggregation"
	corecfg "github.com/aevon-lab/usage-engine/internal/core/config"
	"github.com/aevon-lab/usage-engine/internal/core/organization"
	"github.com/aevon-lab/usage-engine/internal/core/storage/clickhouse"
	"github.com/aevon-lab/usage-engine/internal/core/storage/postgres"
	"github.com/aevon-lab/usage-engine/internal/migrations"
	"github.com/aevon-lab/usage-engine/internal/server"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "meterd.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath); err != nil {
		slog.Error("meterd stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func run(configPath string) error {
	// 1. Load Configuration
	cfg, err := corecfg.Load(configPath)
	if err != nil {
		return err
	}
	policy := cfg.Retry.Policy()
	slog.Info("Loaded config",
		"server", cfg.Server.Addr(),
		"clickhouse_enabled", cfg.ClickHouse.Enabled,
		"retry_max_attempts", policy.MaxAttempts,
		"organizations_dir", cfg.Organizations.ConfigDir,
	)

	// 2. Initialize Row Store (PostgreSQL)
	rowStore, err := postgres.NewAdapter(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, policy)
	if err != nil {
		return err
	}
	defer rowStore.Close()

	if err := migrations.RunPostgres(rowStore.DB(), cfg.Database.AutoMigrate); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rowStore.ValidateSchema(ctx); err != nil {
		return err
	}

	checks := map[string]server.HealthChecker{"postgres": rowStore, "clickhouse": nil}
	var factoryOpts []aggregation.FactoryOption

	// 3. Initialize Columnar Store (ClickHouse), optional
	if cfg.ClickHouse.Enabled {
		columnar, err := clickhouse.NewAdapter(cfg.ClickHouse.DSN, clickhouse.Options{
			DeduplicationTrusted: cfg.ClickHouse.DedupTrusted,
			MaxOpenConns:         cfg.ClickHouse.MaxOpenConns,
			MaxIdleConns:         cfg.ClickHouse.MaxIdleConns,
		}, policy)
		if err != nil {
			return err
		}
		defer columnar.Close()

		if err := migrations.RunClickHouse(columnar.DB(), cfg.ClickHouse.AutoMigrate); err != nil {
			return err
		}
		checks["clickhouse"] = columnar
		factoryOpts = append(factoryOpts, aggregation.WithColumnar(columnar))
	}

	// 4. Initialize Aggregation
	factory := aggregation.NewFactory(rowStore, cfg.Orgs, factoryOpts...)
	if err := logRouting(ctx, cfg.Orgs, factory.ColumnarEnabled()); err != nil {
		return err
	}

	// 5. Serve until a signal arrives
	srv := server.New(cfg.Server.Addr(), cfg.Server.Mode, checks)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Signal received, shutting down...")
		return nil
	})
	return g.Wait()
}

// logRouting reports the engines each organization is served by.
func logRouting(ctx context.Context, orgs organization.Repository, columnarEnabled bool) error {
	all, err := orgs.List(ctx)
	if err != nil {
		return err
	}
	for _, org := range all {
		in := aggregation.SelectionInput{
			Backend:         org.AggregationBackend,
			ColumnarEnabled: columnarEnabled,
			LiveAggregation: org.LiveAggregation,
		}
		past := aggregation.SelectEngine(in)
		in.CurrentUsage = true
		current := aggregation.SelectEngine(in)

		slog.Info("[Selector] Organization routing",
			"organization", org.ID,
			"backend", org.AggregationBackend,
			"engine", past.String(),
			"current_usage_engine", current.String(),
		)
	}
	slog.Info("[Selector] Organizations loaded", "count", len(all))
	return nil
}
