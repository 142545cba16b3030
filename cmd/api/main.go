package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/glazeai/backend/internal/config"
	"github.com/glazeai/backend/internal/execution"
	"github.com/glazeai/backend/internal/handlers"
	"github.com/glazeai/backend/internal/jobs"
	"github.com/glazeai/backend/internal/ledger"
	"github.com/glazeai/backend/internal/models"
	"github.com/glazeai/backend/internal/provider"
	"github.com/glazeai/backend/internal/watchdog"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure it is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo)

	// Jobs: the River insert func is set after the client is created
	// (breaks the service <-> client init cycle).
	var insertMu sync.Mutex
	var insertFn jobs.InsertBatchTxFunc
	insertBatch := func(ctx context.Context, tx pgx.Tx, args execution.GenerateBatchArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	validator, err := jobs.NewValidator()
	if err != nil {
		slog.Error("Failed to compile option schemas", "error", err)
		os.Exit(1)
	}

	jobsRepo := jobs.NewRepository(pool)
	jobsSvc := jobs.NewService(jobsRepo, ledgerSvc, cfg, validator, insertBatch, logger)

	// One queue client serves every kind: image and chat models answer
	// fast, video models run under the longer deadline.
	queue := provider.NewQueueClient(cfg.Provider.BaseURL, cfg.Provider.APIKey)
	capabilities := execution.Registry{
		models.KindImage:   {Queued: queue},
		models.KindVideo:   {Queued: queue},
		models.KindChat:    {Queued: queue},
		models.KindUpscale: {Queued: queue},
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewGenerateBatchWorker(jobsSvc, capabilities, cfg.PollInterval(), logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args execution.GenerateBatchArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Watchdog: reclaims overdue pending jobs and their reservations.
	wd := watchdog.New(jobsSvc, cfg.WatchdogInterval(), logger)
	go wd.Run(ctx)

	gh := &handlers.GenerationHandler{Jobs: jobsSvc, Logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/generations", gh.Create)
	mux.HandleFunc("POST /v1/generations/{id}/cancel", gh.Cancel)
	mux.HandleFunc("GET /v1/generations/{id}", gh.Status)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Account-ID"},
		AllowCredentials: true,
	}).Handler(mux)

	go func() {
		if err := riverClient.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Server.Port
	server := &http.Server{Addr: serverAddr, Handler: corsHandler}

	go func() {
		<-ctx.Done()
		slog.Info("Shutting down")
		_ = riverClient.Stop(context.Background())
		_ = server.Shutdown(context.Background())
	}()

	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
