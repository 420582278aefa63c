// Command review starts the manual review web server: the review queue UI,
// its JSON API, login, health probes and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob/azure"
	blobmem "github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob/memory"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/httpserver"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/barcode-pipeline/internal/app"
	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness probe interface.
type redisAdapter struct{ c *redis.Client }

func (a redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return a.c.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	tracerShutdown, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if tracerShutdown != nil {
			_ = tracerShutdown(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var blobs domain.BlobStore
	if cfg.BlobConfigured() {
		store, err := azure.New(cfg)
		if err != nil {
			slog.Error("azure blob store init failed", slog.Any("error", err))
			os.Exit(1)
		}
		blobs = store
	} else {
		slog.Warn("blob storage not configured, using in-memory store")
		blobs = blobmem.NewStore()
	}

	var redisClient app.RedisClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url parse failed", slog.Any("error", err))
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		redisClient = redisAdapter{rdb}
	}

	images := postgres.NewImageRepo(pool)
	detections := postgres.NewDetectionRepo(pool)
	products := postgres.NewProductRepo(pool)
	queue := postgres.NewJobRepo(pool)

	review := usecase.NewReviewService(images, detections, blobs)
	stats := usecase.NewStatsService(images, detections, queue)

	dbCheck, blobCheck, redisCheck := app.BuildReadinessChecks(pool, blobs, redisClient)

	srv, err := httpserver.NewServer(cfg, review, stats, products, blobs, dbCheck, blobCheck, redisCheck)
	if err != nil {
		slog.Error("server init failed", slog.Any("error", err))
		os.Exit(1)
	}

	if !cfg.ReviewAuthEnabled() {
		slog.Warn("review auth disabled; set REVIEW_USERNAME, REVIEW_PASSWORD_HASH and REVIEW_SESSION_SECRET to require login")
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ReviewHost, cfg.ReviewPort),
		Handler:           app.BuildRouter(cfg, srv),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("review server starting",
			slog.String("host", cfg.ReviewHost), slog.Int("port", cfg.ReviewPort))
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
