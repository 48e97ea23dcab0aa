// Package main is the entry point for the tombstone background worker.
// It runs the retention purge and, on postgres, relays the outbox.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tombstone/internal/app"
	"tombstone/internal/config"
	appctx "tombstone/internal/core/context"
	"tombstone/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), log))
	defer cancel()
	ctx = appctx.WithActor(ctx, &appctx.Actor{Name: appctx.SystemActor, Source: "worker"})

	log.Info("starting tombstone worker")

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalw("failed to initialize application", "error", err)
	}
	defer a.Close()

	worker := NewWorker(a, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil {
			log.Errorw("worker stopped with error", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}

// Worker runs the periodic jobs.
type Worker struct {
	app *app.App
	log *logger.Logger
}

func NewWorker(a *app.App, log *logger.Logger) *Worker {
	return &Worker{app: a, log: log.WithComponent("worker")}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if maxAge := w.app.Config.Retention.MaxAge; maxAge > 0 {
		g.Go(func() error {
			w.every(ctx, w.app.Config.Retention.Interval, func(ctx context.Context) {
				w.purgeExpired(ctx, maxAge)
			})
			return nil
		})
	} else {
		w.log.Infow("retention purge disabled")
	}

	if w.app.Relay != nil {
		g.Go(func() error {
			w.every(ctx, w.app.Config.Outbox.PollInterval, w.relayOutbox)
			return nil
		})
	}

	if w.app.Pool != nil {
		g.Go(func() error {
			w.every(ctx, time.Minute, w.app.Pool.LogStats)
			return nil
		})
	}

	return g.Wait()
}

// every runs fn immediately and then on each tick until ctx is done.
func (w *Worker) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (w *Worker) purgeExpired(ctx context.Context, maxAge time.Duration) {
	n, err := w.app.Service.PurgeExpired(ctx, maxAge)
	if err != nil {
		w.log.Errorw("retention purge failed", "purged", n, "error", err)
		return
	}
	if n > 0 {
		w.log.Infow("retention purge", "purged", n, "max_age", maxAge)
	}
}

func (w *Worker) relayOutbox(ctx context.Context) {
	for {
		n, err := w.app.Relay.ProcessBatch(ctx)
		if err != nil {
			w.log.Errorw("outbox relay failed", "error", err)
			return
		}
		if n == 0 {
			break
		}
		w.log.Debugw("processed outbox batch", "count", n)
	}

	moved, err := w.app.Relay.MoveToDLQ(ctx)
	if err != nil {
		w.log.Errorw("outbox DLQ move failed", "error", err)
		return
	}
	if moved > 0 {
		w.log.Warnw("moved outbox messages to DLQ", "count", moved)
	}
}
