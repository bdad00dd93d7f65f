package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	qhttp "github.com/quorum-ai/quorum/internal/adapter/http"
	"github.com/quorum-ai/quorum/internal/adapter/llmgateway"
	qnats "github.com/quorum-ai/quorum/internal/adapter/nats"
	"github.com/quorum-ai/quorum/internal/adapter/natskv"
	"github.com/quorum-ai/quorum/internal/adapter/otel"
	"github.com/quorum-ai/quorum/internal/adapter/postgres"
	"github.com/quorum-ai/quorum/internal/adapter/ristretto"
	"github.com/quorum-ai/quorum/internal/adapter/tiered"
	"github.com/quorum-ai/quorum/internal/adapter/ws"
	"github.com/quorum-ai/quorum/internal/config"
	"github.com/quorum-ai/quorum/internal/logger"
	"github.com/quorum-ai/quorum/internal/resilience"
	"github.com/quorum-ai/quorum/internal/service"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"default_strategy", cfg.Review.DefaultStrategy,
	)

	// Hot reload on SIGHUP. The holder keeps the last good config when
	// a reload fails.
	holder := config.NewHolder(cfg, config.DefaultConfigFile)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := holder.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			reloaded := holder.Get()
			slog.Info("config reloaded",
				"log_level", reloaded.Logging.Level,
				"default_strategy", reloaded.Review.DefaultStrategy,
			)
		}
	}()

	ctx := context.Background()

	// --- Observability ---
	shutdownOtel, err := otel.Setup(ctx, cfg.Logging.Service, cfg.Otel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			slog.Error("otel shutdown failed", "error", err)
		}
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	store := postgres.NewStore(pool)

	// NATS JetStream
	queue, err := qnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	// Tiered cache: in-process ristretto over a shared NATS KV bucket.
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()

	cacheKV, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return fmt.Errorf("l2 cache bucket: %w", err)
	}
	sharedCache := tiered.New(l1, natskv.New(cacheKV), cfg.Cache.L1Expire)

	// Daily token usage counter, shared across instances. Entries
	// expire after two days so old dates clean themselves up.
	usageKV, err := queue.KeyValue(ctx, "quorum-usage", 48*time.Hour)
	if err != nil {
		return fmt.Errorf("usage bucket: %w", err)
	}
	usage := natskv.NewCounter(usageKV)

	// --- Services ---
	hub := ws.NewHub(cfg.Hub)
	wsHandler := ws.NewHandler(hub, store)

	registry := resilience.NewRegistry(cfg.Breaker.MaxFailures, cfg.Breaker.RecoveryTimeout)
	registry.OnOpen(func(providerName string) {
		metrics.BreakerOpens.Add(context.Background(), 1)
		slog.Warn("circuit breaker opened", "provider", providerName)
	})
	retry := resilience.NewRetryManager(registry, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
	gw := llmgateway.New(cfg.Gateway)

	budget := service.NewBudgetTracker(usage, cfg.Review.DailyTokenBudget)
	cancels := service.NewCancelFlags()

	runner := service.NewPanelRunner(gw, retry, store, hub, budget, cancels, metrics, cfg.Gateway)
	reviews := service.NewReviewService(store, queue, cancels, cfg.Review)
	messages := service.NewMessagePipeline(gw, store, queue, hub, nil, sharedCache, cfg.Gateway)
	defer messages.WaitBackground()

	worker := service.NewWorker(queue, runner, reviews, cancels, store, gw, sharedCache,
		cfg.Gateway, cfg.Review, cfg.Worker)
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	defer worker.Stop()

	// --- HTTP ---
	handlers := &qhttp.Handlers{
		Reviews:  reviews,
		Messages: messages,
		Breakers: registry,
	}

	r := chi.NewRouter()

	r.Use(qhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(qhttp.RequestID)
	r.Use(qhttp.Logger)
	r.Use(qhttp.SecurityHeaders)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))

	r.Get("/health", healthHandler(gw, queue.IsConnected))
	r.Get("/ws/reviews/{reviewID}", wsHandler.ServeHTTP)
	qhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}

	// Stop consuming before draining so in-flight tasks finish.
	worker.Stop()
	if err := queue.Drain(); err != nil {
		slog.Error("queue drain failed", "error", err)
	}
	return nil
}

// healthHandler reports liveness of the service and its dependencies.
func healthHandler(gw *llmgateway.Client, natsConnected func() bool) http.HandlerFunc {
	type healthStatus struct {
		Status  string `json:"status"`
		NATS    string `json:"nats"`
		Gateway string `json:"gateway"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "ok", NATS: "connected", Gateway: "ok"}
		if !natsConnected() {
			status.Status = "degraded"
			status.NATS = "disconnected"
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := gw.Health(ctx); err != nil {
			status.Status = "degraded"
			status.Gateway = "unreachable"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
