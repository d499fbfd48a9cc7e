package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/async/internal/api"
	"github.com/seantiz/async/internal/builtin"
	"github.com/seantiz/async/internal/config"
	"github.com/seantiz/async/internal/engine"
	"github.com/seantiz/async/internal/store"
	"github.com/seantiz/async/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("asyncd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath, store.WithRetryPolicy(cfg.RetryPolicy()))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := worker.NewRegistry()
	builtin.Register(reg, logger)

	eng := engine.New(db, reg, logger,
		engine.WithConcurrency(cfg.Workers),
		engine.WithPollInterval(cfg.PollInterval),
		engine.WithLeaseDuration(cfg.LeaseDuration),
		engine.WithReapInterval(cfg.ReapInterval),
		engine.WithFetchBatch(cfg.FetchBatch),
		engine.WithMaxPending(cfg.MaxPending),
		engine.WithSubmitRate(cfg.SubmitRate, cfg.SubmitBurst),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	if cfg.Retention > 0 {
		go runRetention(ctx, db, cfg.Retention, logger)
	}

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)
	runErr := srv.Run(ctx)

	if err := eng.Shutdown(cfg.ShutdownTimeout); err != nil {
		if errors.Is(err, engine.ErrShutdownTimeout) {
			logger.Warn("asyncd: in-flight jobs left to lease expiry", "error", err)
		} else {
			logger.Error("asyncd: engine shutdown failed", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("asyncd: server error", "error", runErr)
		db.Close()
		os.Exit(1)
	}
	logger.Info("asyncd: stopped")
}
