// Command worker runs a flow-execution worker: it claims tasks from the bus,
// executes flows through the engine and publishes the event stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kataras/golog"

	"github.com/smallnest/chaingraph/bus"
	"github.com/smallnest/chaingraph/config"
	"github.com/smallnest/chaingraph/flow"
	"github.com/smallnest/chaingraph/log"
	"github.com/smallnest/chaingraph/store"
	"github.com/smallnest/chaingraph/store/memory"
	"github.com/smallnest/chaingraph/store/postgres"
	redisstore "github.com/smallnest/chaingraph/store/redis"
	"github.com/smallnest/chaingraph/store/sqlite"
	"github.com/smallnest/chaingraph/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := log.NewGologLogger(golog.New())
	logger.SetLevel(log.ParseLevel(cfg.LogLevel))
	log.SetDefaultLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("open store: %v", err)
		os.Exit(1)
	}

	b := bus.New(bus.Options{Addr: cfg.MessageBusBrokers, Logger: logger})
	defer b.Close()

	// Node catalogs are registered by the embedding deployment; an empty
	// registry still serves flows built purely from registered descriptors.
	registry := flow.NewRegistry()

	w := worker.New(worker.Config{
		ID:          cfg.WorkerID,
		Bus:         b,
		Store:       st,
		Registry:    registry,
		Group:       cfg.WorkerGroup,
		Concurrency: cfg.WorkerConcurrency,
		LeaseTTL:    cfg.WorkerTimeout,
		Logger:      logger,
	})

	logger.Info("worker %s starting (concurrency %d, memory limit %d MB)",
		w.ID(), cfg.WorkerConcurrency, cfg.WorkerMemoryLimitMB)

	err = w.Run(ctx)
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Info("worker %s shutting down", w.ID())
		os.Exit(130)
	}
	if err != nil {
		logger.Error("worker: %v", err)
		os.Exit(1)
	}
}

// openStore selects the execution store from the database URL: postgres:// or
// postgresql:// for Postgres, redis:// for Redis, empty for in-memory, and
// anything else as a SQLite file path.
func openStore(ctx context.Context, url string) (store.ExecutionStore, error) {
	switch {
	case url == "":
		return memory.New(), nil
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		st, err := postgres.New(ctx, postgres.Options{ConnString: url})
		if err != nil {
			return nil, err
		}
		if err := st.InitSchema(ctx); err != nil {
			return nil, fmt.Errorf("init schema: %w", err)
		}
		return st, nil
	case strings.HasPrefix(url, "redis://"):
		return redisstore.New(redisstore.Options{Addr: strings.TrimPrefix(url, "redis://")}), nil
	default:
		return sqlite.New(sqlite.Options{Path: url})
	}
}
