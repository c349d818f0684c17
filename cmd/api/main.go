package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skiff-sh/skiff/internal/app/migrate"
	httpx "github.com/skiff-sh/skiff/internal/http"
	"github.com/skiff-sh/skiff/internal/repository/postgres"
	"github.com/skiff-sh/skiff/internal/service/event"
	"github.com/skiff-sh/skiff/internal/service/job"
	"github.com/skiff-sh/skiff/internal/service/joblog"
	"github.com/skiff-sh/skiff/internal/service/notify"
	"github.com/skiff-sh/skiff/internal/service/webhook"
	"github.com/skiff-sh/skiff/internal/ws"
	"github.com/skiff-sh/skiff/pkg/clock"
	"github.com/skiff-sh/skiff/pkg/config"
	"github.com/skiff-sh/skiff/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	migrator, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		return err
	}
	if err := migrator.Up(ctx); err != nil {
		return err
	}

	repo := postgres.New(pool)
	clk := clock.New()
	bus := event.NewBus(log)
	hub := ws.NewHub()

	logs := joblog.New(repo, hub, log)
	resolver := job.NewResolver(repo, log)
	callbacks := job.NewCallbackHandler(repo, repo, logs, resolver, bus, clk, log)
	sim := job.NewSimulator(callbacks, clk, cfg.SimulatorDelay, log)
	jobs := job.New(repo, repo, logs, bus, sim, clk, log, cfg)

	webhooks := webhook.New(repo, clk, log, cfg)
	bus.Subscribe(webhooks)

	sink, err := notify.New(cfg.NotifyRedisAddr, cfg.NotifyRedisPassword, cfg.NotifyRedisDB, cfg.NotifyChannelName, log)
	if err != nil {
		log.Warn("notification sink unavailable, continuing without it", "error", err)
	}
	if sink != nil {
		bus.Subscribe(sink)
		defer sink.Close()
	}

	limiter := buildRateLimiter(cfg, log)
	defer limiter.Close()

	sweeper := webhook.NewSweeper(webhooks, clk, cfg.WebhookSweepInterval, log)
	go sweeper.Run(ctx)

	reaper := job.NewReaper(repo, logs, bus, clk, cfg.RunningJobTTL, cfg.ReaperInterval, log)
	go reaper.Run(ctx)

	router := httpx.NewRouter(cfg, httpx.Deps{
		Jobs:      jobs,
		Callbacks: callbacks,
		Logs:      logs,
		Webhooks:  webhooks,
		Limiter:   limiter,
		DBPing:    pool.Ping,
		Logger:    log,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", cfg.Addr, "env", cfg.Environment)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
		bus.Wait()
	}
	return nil
}

func buildRateLimiter(cfg config.ServerConfig, log *slog.Logger) httpx.RateLimiter {
	if cfg.RateLimitRedisAddr != "" {
		limiter, err := httpx.NewRedisRateLimiter(cfg.RateLimitRedisAddr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err == nil {
			log.Info("using redis rate limiter", "addr", cfg.RateLimitRedisAddr)
			return limiter
		}
		log.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
	}
	return httpx.NewMemoryRateLimiter()
}
