// Command streamserver serves the execution event stream over WebSockets,
// bridging the bus events topic to per-execution subscribers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kataras/golog"
	"golang.org/x/sync/errgroup"

	"github.com/smallnest/chaingraph/bus"
	"github.com/smallnest/chaingraph/config"
	"github.com/smallnest/chaingraph/log"
	"github.com/smallnest/chaingraph/streamsvc"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := log.NewGologLogger(golog.New())
	logger.SetLevel(log.ParseLevel(cfg.LogLevel))
	log.SetDefaultLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New(bus.Options{Addr: cfg.MessageBusBrokers, Logger: logger})
	defer b.Close()

	server := streamsvc.NewServer(streamsvc.ServerOptions{
		SendBuffer: cfg.StreamBuffer,
		Logger:     logger,
	})
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle(cfg.StreamPath, server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.StreamPort),
		Handler: mux,
	}

	signalCtx := ctx
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.ConsumeEvents(ctx, cfg.StreamGroup, cfg.MessageBusClientID,
			func(_ context.Context, msg *bus.EventMessage) error {
				server.Dispatch(msg.ExecutionID, msg.Event)
				return nil
			})
	})
	g.Go(func() error {
		logger.Info("event stream listening on %s%s", httpServer.Addr, cfg.StreamPath)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(signalCtx.Err(), context.Canceled) {
		logger.Info("event stream shutting down")
		os.Exit(130)
	}
	if err != nil {
		logger.Error("event stream: %v", err)
		os.Exit(1)
	}
}
