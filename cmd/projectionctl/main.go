// Command projectionctl verifies, rebuilds and reports lag of the async
// views against the Postgres event store.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"StockLedger/internal/config"
	"StockLedger/internal/observability"
	"StockLedger/internal/persistence"
	"StockLedger/internal/projection"
	"StockLedger/internal/query"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: projectionctl <command> [view]")
	fmt.Println("  list            - list view names")
	fmt.Println("  lag             - head position minus each view's checkpoint")
	fmt.Println("  verify <view|all> - replay into the shadow table and compare checksums (no swap)")
	fmt.Println("  rebuild <view>  - replay to head and swap the shadow table into live")
	fmt.Println()
	fmt.Println("Exit status 2 when verify finds a mismatch.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("projectionctl")
	if err := config.LoadDotEnv(); err != nil {
		logger.Warn().Err(err).Msg("ignoring .env")
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	projections := projection.All()
	if os.Args[1] == "list" {
		for _, p := range projections {
			fmt.Println(p.Name())
		}
		return
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	store := persistence.NewPostgresStore(db, logger)
	views := persistence.NewPostgresViews(db, logger)
	rebuilder := projection.NewRebuilder(store, views, projections, cfg.ProjectionBatch, nil, logger)
	svc := query.NewService(store, views, rebuilder, projections, nil)

	arg := func() string {
		if len(os.Args) < 3 {
			usage()
			os.Exit(1)
		}
		return os.Args[2]
	}

	switch os.Args[1] {
	case "lag":
		lag, err := svc.ProjectionLag(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("lag")
		}
		printJSON(lag)

	case "verify":
		names := []string{arg()}
		if names[0] == "all" {
			names = names[:0]
			for _, p := range projections {
				names = append(names, p.Name())
			}
		}
		mismatch := false
		for _, name := range names {
			rep, err := svc.VerifyProjection(ctx, name)
			if err != nil {
				logger.Fatal().Err(err).Str("view", name).Msg("verify")
			}
			printJSON(rep)
			mismatch = mismatch || !rep.Match
		}
		if mismatch {
			os.Exit(2)
		}

	case "rebuild":
		rep, err := svc.RebuildProjection(ctx, arg())
		if err != nil {
			logger.Fatal().Err(err).Msg("rebuild")
		}
		printJSON(rep)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
