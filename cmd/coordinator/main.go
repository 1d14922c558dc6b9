// Command coordinator runs the evaluator coordinator: it listens for
// client and worker connections and drives evaluations submitted over
// them. CLI surface is intentionally minimal — a single -config flag —
// since flag parsing proper is out of scope for this core.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskexec/evaluator/internal/concurrency"
	"github.com/taskexec/evaluator/internal/config"
	"github.com/taskexec/evaluator/internal/coordinator"
	"github.com/taskexec/evaluator/internal/logger"
	"github.com/taskexec/evaluator/internal/metrics"
	"github.com/taskexec/evaluator/internal/store"
	"github.com/taskexec/evaluator/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("coordinator: load config: %v", err)
	}

	log := logger.New(os.Stdout, logger.ComponentCoordinator)

	if cfg.Tracing.Endpoint != "" {
		if err := metrics.InitTracing("evaluator-coordinator", cfg.Tracing.Endpoint); err != nil {
			log.Warn(context.Background(), "coordinator: init tracing", "error", err.Error())
		} else {
			log.Event(context.Background(), "tracing_initialized", "endpoint", cfg.Tracing.Endpoint)
			defer metrics.ShutdownTracing()
		}
	}

	st, err := store.Open(cfg.Store.Root, store.WithGCInterval(cfg.Store.GCInterval()))
	if err != nil {
		log.Error(context.Background(), "coordinator: open store", err)
		os.Exit(1)
	}
	defer st.Close()

	ln, err := transport.Listen(cfg.Transport.ListenAddress)
	if err != nil {
		log.Error(context.Background(), "coordinator: listen", err)
		os.Exit(1)
	}
	defer ln.Close()

	limits := map[concurrency.StreamClass]int{
		concurrency.StreamClassStoreRead:      cfg.Concurrency.StoreReadLimit,
		concurrency.StreamClassStoreWrite:     cfg.Concurrency.StoreWriteLimit,
		concurrency.StreamClassWorkerTransfer: cfg.Concurrency.WorkerTransferLimit,
	}
	srv := coordinator.New(st, log, cfg.Transport.Password, limits)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Event(ctx, "coordinator_listening", "address", cfg.Transport.ListenAddress)
	if err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
		log.Error(ctx, "coordinator: serve", err)
		os.Exit(1)
	}
}
