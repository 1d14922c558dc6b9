// Command worker runs an evaluator worker: it connects to a coordinator,
// authenticates, and executes whatever Executions it is assigned until
// the connection drops, reconnecting with backoff in between. CLI
// surface is intentionally minimal — a single -config flag and a
// derived worker ID — flag parsing proper is out of scope for this core.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskexec/evaluator/internal/config"
	"github.com/taskexec/evaluator/internal/logger"
	"github.com/taskexec/evaluator/internal/store"
	"github.com/taskexec/evaluator/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	workerID := flag.String("id", "", "worker identity reported to the coordinator (defaults to hostname-pid)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("worker: load config: %v", err)
	}

	id := *workerID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	wlog := logger.New(os.Stdout, logger.ComponentWorker)

	st, err := store.Open(cfg.Store.Root, store.WithGCInterval(cfg.Store.GCInterval()))
	if err != nil {
		wlog.Error(context.Background(), "worker: open store", err)
		os.Exit(1)
	}
	defer st.Close()

	baseDir, err := os.MkdirTemp("", "evaluator-worker-*")
	if err != nil {
		wlog.Error(context.Background(), "worker: create base dir", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sandbox := worker.NewProcessSandbox()
	initial := time.Duration(cfg.Worker.ReconnectInitialMillis) * time.Millisecond
	max := time.Duration(cfg.Worker.ReconnectMaxMillis) * time.Millisecond
	wait := initial

	for ctx.Err() == nil {
		sess, err := worker.Connect(ctx, cfg.Worker.CoordinatorURL, 7070, id, st, sandbox, baseDir, wlog)
		if err != nil {
			wlog.Warn(ctx, "worker: connect failed", "error", err.Error())
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
			if wait *= 2; wait > max {
				wait = max
			}
			continue
		}
		wait = initial

		wlog.Event(ctx, "worker_session_started", "id", id)
		if err := sess.Run(ctx); err != nil {
			wlog.Warn(ctx, "worker: session ended", "error", err.Error())
		}
		sess.Close()
	}
}
