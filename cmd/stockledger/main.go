package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"StockLedger/internal/config"
	"StockLedger/internal/core"
	"StockLedger/internal/guard"
	"StockLedger/internal/ingestion"
	"StockLedger/internal/observability"
	"StockLedger/internal/persistence"
	"StockLedger/internal/projection"
	"StockLedger/internal/query"
	"StockLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	bootLogger := observability.NewLogger("stockledger")
	if err := config.LoadDotEnv(); err != nil {
		bootLogger.Warn().Err(err).Msg("ignoring .env")
	}
	cfg, err := config.Load()
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("stockledger", level)
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}

	if err := run(cfg, logger, component); err != nil {
		logger.Fatal().Err(err).Msg("stockledger stopped with error")
	}
	logger.Info().Msg("stockledger shutdown complete")
}

func run(cfg config.Config, logger zerolog.Logger, component func(name string) zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName:    "stockledger",
		ServiceVersion: version,
		Endpoint:       cfg.OTelEndpoint,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, component("migrator")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Core ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	store := persistence.NewPostgresStore(db, component("store"))
	views := persistence.NewPostgresViews(db, component("views"))

	var g guard.Guard
	switch cfg.GuardMode {
	case config.GuardLocal:
		// Only safe with a single writer process.
		g = guard.NewLocal(cfg.GuardTimeout, metrics)
	default:
		g = guard.NewAdvisory(cfg.GuardTimeout, metrics)
	}

	engineCfg := core.DefaultConfig()
	engineCfg.SnapshotInterval = int64(cfg.SnapshotInterval)
	engineCfg.DedupCapacity = cfg.DedupCapacity
	engineCfg.NodeID = cfg.NodeID
	engineCfg.Retry.MaxRetries = cfg.RetryMax
	engine, err := core.NewEngine(store, g, engineCfg, metrics, component("engine"))
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	engine.SetAllocator(projection.NewViewAllocator(views))

	projections := projection.All()
	worker := projection.NewWorker(store, views, projections, projection.WorkerConfig{
		PollInterval: cfg.ProjectionPoll,
		BatchSize:    cfg.ProjectionBatch,
		GapTimeout:   cfg.GapTimeout,
	}, metrics, component("projection"))
	rebuilder := projection.NewRebuilder(store, views, projections, cfg.ProjectionBatch, metrics, component("rebuild"))
	queries := query.NewService(store, views, rebuilder, projections, metrics)

	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	srv := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, server.ServerDeps{
		Commands:      engine,
		Queries:       queries,
		HealthChecker: healthChecker,
		Logger:        component("server"),
	})

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return worker.Run(gctx) })
	grp.Go(func() error { return srv.StartGRPC(gctx) })
	grp.Go(func() error { return srv.StartHTTPGateway(gctx) })
	grp.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, logger) })

	// --- NATS ---
	if cfg.NATSDisabled {
		logger.Warn().Msg("NATS disabled: no command ingestion, no outbound relay")
	} else {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, component("nats"))
		if err != nil {
			stop()
			_ = grp.Wait()
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			stop()
			_ = grp.Wait()
			return err
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats not connected")
			}
			return nil
		})

		relay := ingestion.NewRelay(store, views, ingestion.NewJetStreamPublisher(js), ingestion.DefaultRelayConfig(),
			metrics, component("relay"))
		grp.Go(func() error { return relay.Run(gctx) })

		subscriber := ingestion.NewCommandSubscriber(js, engine, ingestion.DefaultSubscriberConfig(),
			metrics, component("ingest"))
		if err := subscriber.Subscribe(gctx); err != nil {
			stop()
			_ = grp.Wait()
			return err
		}
		defer subscriber.Stop()
	}

	healthChecker.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Str("version", version).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Str("guard", cfg.GuardMode).
		Msg("stockledger ready")

	err = grp.Wait()
	healthChecker.SetReady(false)
	return err
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
