// Package main provides the checking engine: the Purple-Team detection
// orchestration service that consumes execution records off the
// broker, plans and dispatches detection tasks, runs the worker
// runtime, and records results (spec.md §1 "Overview").
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/purpleteam/checking-engine/internal/api"
	"github.com/purpleteam/checking-engine/internal/engineconfig"
	"github.com/purpleteam/checking-engine/internal/store"
	"github.com/purpleteam/checking-engine/internal/supervisor"
)

const (
	version = "1.0.0-dev"
	name    = "checking-engine"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	cfg, err := engineconfig.Load()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	logger.Info("starting checking engine",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("database", cfg.Database.MaskedURL()),
	)

	ctx, cancel := context.WithCancel(context.Background())

	apiDone := startReadOnlyAPI(ctx, cfg, logger)

	sup := supervisor.New(cfg, logger)
	if err := sup.Run(ctx); err != nil {
		logger.Error("checking engine stopped with error", slog.String("error", err.Error()))
		cancel()
		<-apiDone

		os.Exit(1)
	}

	cancel()
	<-apiDone

	logger.Info("checking engine stopped")
}

// startReadOnlyAPI optionally mounts the read-only detection-execution
// HTTP layer alongside the pipeline (spec §2 "CRUD/read-only HTTP
// endpoints over stored entities"; SPEC_FULL.md §6). It is opt-in via
// CHECKING_ENGINE_API_ENABLED because the core pipeline has no
// dependency on it. The returned channel closes once the server (if
// any) has finished shutting down.
func startReadOnlyAPI(ctx context.Context, cfg *engineconfig.Config, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})

	if os.Getenv("CHECKING_ENGINE_API_ENABLED") != "true" {
		close(done)

		return done
	}

	go func() {
		defer close(done)

		gateway, err := openReadOnlyGateway(cfg)
		if err != nil {
			logger.Error("read-only API disabled: could not open store", slog.String("error", err.Error()))

			return
		}
		defer gateway.Close() //nolint:errcheck // best-effort on shutdown

		server := api.NewServer(api.LoadServerConfig(), gateway)
		if err := server.Start(ctx); err != nil {
			logger.Error("read-only API server failed", slog.String("error", err.Error()))
		}
	}()

	return done
}

// openReadOnlyGateway opens the read-only API's own store connection,
// independent of the supervisor's pool (spec §5 "Database connection
// pool — shared; each logical event borrows one connection"; the API
// layer is an external collaborator with its own lifecycle, not a
// borrower of the pipeline's pool).
func openReadOnlyGateway(cfg *engineconfig.Config) (store.Gateway, error) {
	conn, err := store.NewConnection(cfg.Database)
	if err != nil {
		return nil, err
	}

	gateway, err := store.NewPostgresGateway(conn)
	if err != nil {
		conn.Close() //nolint:errcheck // conn never served a caller

		return nil, err
	}

	return gateway, nil
}
