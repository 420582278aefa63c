// Command worker runs the pipeline's background stages: the per-stage queue
// workers, the dispatcher, the failed-image retry sweep and the retention
// cleanup. Each stage is a subcommand so deployments can scale them
// independently; `worker all` runs everything in one process for dev.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/ai/gemini"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob/azure"
	blobmem "github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob/memory"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/imageproc"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/scanner/zxing"
	"github.com/fairyhunter13/barcode-pipeline/internal/app"
	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/service/ratelimiter"
	"github.com/fairyhunter13/barcode-pipeline/internal/usecase"
)

func main() {
	var fl runFlags

	root := &cobra.Command{
		Use:           "worker",
		Short:         "Barcode pipeline background workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.BoolVar(&fl.once, "once", false, "run a single pass and exit")
	pf.BoolVar(&fl.daemon, "daemon", false, "keep polling while the queue stays empty")
	pf.IntVar(&fl.batchSize, "batch-size", 0, "jobs per poll, 0 uses WORKER_BATCH_SIZE")
	pf.DurationVar(&fl.pollInterval, "poll-interval", 0, "pause between polls, 0 uses WORKER_POLL_INTERVAL")

	var stats bool
	dispatcher := &cobra.Command{
		Use:   "dispatcher",
		Short: "Enqueue jobs for images the pipeline owes work, and rescue stuck ones",
		RunE: func(*cobra.Command, []string) error {
			if stats {
				return runStats(fl)
			}
			return runDispatcher(fl)
		},
	}
	dispatcher.Flags().BoolVar(&stats, "stats", false, "print pipeline counters as JSON and exit")

	root.AddCommand(
		&cobra.Command{
			Use:   "preprocess",
			Short: "Normalise uploaded images",
			RunE:  func(*cobra.Command, []string) error { return runStage(domain.JobPreprocess, fl) },
		},
		&cobra.Command{
			Use:   "decode-primary",
			Short: "Decode barcodes with the local scanner",
			RunE:  func(*cobra.Command, []string) error { return runStage(domain.JobDecodePrimary, fl) },
		},
		&cobra.Command{
			Use:   "decode-fallback",
			Short: "Decode barcodes with the AI fallback",
			RunE:  func(*cobra.Command, []string) error { return runStage(domain.JobDecodeFallback, fl) },
		},
		&cobra.Command{
			Use:   "decode-failed",
			Short: "Re-run the AI fallback over failed images with attempts left",
			RunE:  func(*cobra.Command, []string) error { return runRetry(fl) },
		},
		dispatcher,
		&cobra.Command{
			Use:   "cleanup",
			Short: "Purge old jobs and expired archived originals",
			RunE:  func(*cobra.Command, []string) error { return runCleanup(fl) },
		},
		&cobra.Command{
			Use:   "all",
			Short: "Run every stage in one process",
			RunE:  func(*cobra.Command, []string) error { return runAll(fl) },
		},
	)

	if err := root.Execute(); err != nil {
		slog.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
}

// runFlags are the mode and timing overrides shared by the subcommands. Zero
// timing values defer to the environment-driven config.
type runFlags struct {
	once         bool
	daemon       bool
	batchSize    int
	pollInterval time.Duration
}

func (f runFlags) apply(cfg *config.Config) {
	if f.batchSize > 0 {
		cfg.WorkerBatchSize = f.batchSize
	}
	if f.pollInterval > 0 {
		cfg.WorkerPollInterval = f.pollInterval
	}
}

// idleExit maps the mode flags onto WorkerLoop.IdleExit. The default stops a
// worker after two consecutive empty polls; --once stops it at the first, and
// --daemon keeps it polling until shutdown.
func (f runFlags) idleExit() int {
	switch {
	case f.once:
		return 1
	case f.daemon:
		return 0
	default:
		return 2
	}
}

// runtime bundles the process-wide dependencies the subcommands share.
type runtime struct {
	cfg        config.Config
	pool       *pgxpool.Pool
	rdb        *redis.Client
	queue      *postgres.JobRepo
	images     *postgres.ImageRepo
	detections *postgres.DetectionRepo
	products   *postgres.ProductRepo
	blobs      domain.BlobStore

	tracerShutdown func(context.Context) error
}

func bootstrap(ctx context.Context, fl runFlags) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	fl.apply(&cfg)
	slog.SetDefault(observability.SetupLogger(cfg))

	observability.InitMetrics()
	go serveMetrics(cfg.MetricsPort)

	tracerShutdown, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
	}

	slog.Info("worker bootstrap complete", slog.String("env", cfg.AppEnv))

	return &runtime{
		cfg:            cfg,
		pool:           pool,
		rdb:            rdb,
		queue:          postgres.NewJobRepo(pool),
		images:         postgres.NewImageRepo(pool),
		detections:     postgres.NewDetectionRepo(pool),
		products:       postgres.NewProductRepo(pool),
		blobs:          blobs,
		tracerShutdown: tracerShutdown,
	}, nil
}

func (rt *runtime) close() {
	if rt.tracerShutdown != nil {
		_ = rt.tracerShutdown(context.Background())
	}
	if rt.rdb != nil {
		_ = rt.rdb.Close()
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}

func buildBlobStore(ctx context.Context, cfg config.Config) (domain.BlobStore, error) {
	if !cfg.BlobConfigured() {
		slog.Warn("blob storage not configured, using in-memory store")
		return blobmem.NewStore(), nil
	}
	store, err := azure.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("azure blob store: %w", err)
	}
	if err := store.EnsureContainer(ctx); err != nil {
		return nil, fmt.Errorf("ensure blob container: %w", err)
	}
	return store, nil
}

// aiDecoder wires the Gemini client with the distributed rate limiter when
// Redis is configured. The limiter warms from its Postgres mirror so provider
// quotas survive Redis restarts.
func (rt *runtime) aiDecoder(ctx context.Context) domain.AIDecoder {
	var gate gemini.Limiter
	if rt.rdb != nil && rt.cfg.AIRateLimitPerMin > 0 {
		bucket := ratelimiter.NewTokenBucket(rt.rdb, rt.pool, map[string]ratelimiter.BucketConfig{
			"gemini": ratelimiter.PerMinute(rt.cfg.AIRateLimitPerMin),
		})
		if err := bucket.WarmFromPostgres(ctx); err != nil {
			slog.Warn("rate limit bucket warm failed", slog.Any("error", err))
		}
		gate = ratelimiter.NewAIGate(bucket)
		slog.Info("ai rate limiter enabled", slog.Int("per_min", rt.cfg.AIRateLimitPerMin))
	}
	return gemini.New(rt.cfg, gate)
}

func (rt *runtime) stageHandler(ctx context.Context, jobType domain.JobType) (app.JobHandler, error) {
	switch jobType {
	case domain.JobPreprocess:
		svc := usecase.NewPreprocessService(rt.images, rt.blobs, imageproc.New(rt.cfg))
		return svc.Handle, nil
	case domain.JobDecodePrimary:
		svc := usecase.NewPrimaryDecodeService(rt.images, rt.detections, rt.products, rt.blobs, zxing.New())
		return svc.Handle, nil
	case domain.JobDecodeFallback:
		svc := usecase.NewFallbackDecodeService(rt.images, rt.detections, rt.products, rt.blobs, rt.aiDecoder(ctx))
		return svc.Handle, nil
	}
	return nil, fmt.Errorf("no handler for job type %q", jobType)
}

func runStage(jobType domain.JobType, fl runFlags) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := bootstrap(ctx, fl)
	if err != nil {
		return err
	}
	defer rt.close()

	handler, err := rt.stageHandler(ctx, jobType)
	if err != nil {
		return err
	}
	app.NewWorkerLoop(rt.queue, jobType, handler, rt.cfg, fl.idleExit()).Run(ctx)
	return nil
}

func runRetry(fl runFlags) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := bootstrap(ctx, fl)
	if err != nil {
		return err
	}
	defer rt.close()

	fallback := usecase.NewFallbackDecodeService(rt.images, rt.detections, rt.products, rt.blobs, rt.aiDecoder(ctx))
	// The sweep keeps its own minute cadence unless --poll-interval overrides
	// it; WORKER_POLL_INTERVAL is tuned for the queue workers.
	sweep := app.NewRetryRunner(rt.images, fallback, rt.cfg.WorkerBatchSize, rt.cfg.MaxAIAttempts, fl.pollInterval, fl.once)
	if !fl.once && !fl.daemon {
		sweep.IdleExit = 2
	}
	sweep.Run(ctx)
	return nil
}

func runDispatcher(fl runFlags) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := bootstrap(ctx, fl)
	if err != nil {
		return err
	}
	defer rt.close()

	dispatch := app.NewDispatchRunner(
		usecase.NewDispatcherService(rt.images, rt.queue),
		rt.cfg.WorkerBatchSize, rt.cfg.WorkerPollInterval, fl.once)
	stuck := app.NewStuckImageRunner(
		rt.images, rt.queue,
		rt.cfg.StuckImageThreshold, rt.cfg.WorkerBatchSize, 0, fl.once)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); dispatch.Run(ctx) }()
	go func() { defer wg.Done(); stuck.Run(ctx) }()
	wg.Wait()
	return nil
}

// runStats prints the counters the dispatcher acts on and exits. Operators
// use it as a quick health probe without scraping Prometheus.
func runStats(fl runFlags) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := bootstrap(ctx, fl)
	if err != nil {
		return err
	}
	defer rt.close()

	snap, err := usecase.NewStatsService(rt.images, rt.detections, rt.queue).Snapshot(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func runCleanup(fl runFlags) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := bootstrap(ctx, fl)
	if err != nil {
		return err
	}
	defer rt.close()

	svc := usecase.NewCleanupService(rt.queue, rt.images, rt.blobs,
		rt.cfg.RetentionDays, rt.cfg.ArchiveRetentionDays)
	app.NewCleanupRunner(svc, rt.cfg.CleanupInterval, fl.once).Run(ctx)
	return nil
}

type runner interface {
	Run(ctx context.Context)
}

func runAll(fl runFlags) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := bootstrap(ctx, fl)
	if err != nil {
		return err
	}
	defer rt.close()

	fallback := usecase.NewFallbackDecodeService(rt.images, rt.detections, rt.products, rt.blobs, rt.aiDecoder(ctx))

	// The combined process keeps every stage alive between uploads, so the
	// standalone drain-and-exit default does not apply here.
	idleExit := 0
	if fl.once {
		idleExit = 1
	}

	runners := []runner{
		app.NewWorkerLoop(rt.queue, domain.JobPreprocess,
			usecase.NewPreprocessService(rt.images, rt.blobs, imageproc.New(rt.cfg)).Handle, rt.cfg, idleExit),
		app.NewWorkerLoop(rt.queue, domain.JobDecodePrimary,
			usecase.NewPrimaryDecodeService(rt.images, rt.detections, rt.products, rt.blobs, zxing.New()).Handle, rt.cfg, idleExit),
		app.NewWorkerLoop(rt.queue, domain.JobDecodeFallback, fallback.Handle, rt.cfg, idleExit),
		app.NewDispatchRunner(usecase.NewDispatcherService(rt.images, rt.queue),
			rt.cfg.WorkerBatchSize, rt.cfg.WorkerPollInterval, fl.once),
		app.NewStuckImageRunner(rt.images, rt.queue,
			rt.cfg.StuckImageThreshold, rt.cfg.WorkerBatchSize, 0, fl.once),
		app.NewRetryRunner(rt.images, fallback, rt.cfg.WorkerBatchSize, rt.cfg.MaxAIAttempts, fl.pollInterval, fl.once),
		app.NewCleanupRunner(usecase.NewCleanupService(rt.queue, rt.images, rt.blobs,
			rt.cfg.RetentionDays, rt.cfg.ArchiveRetentionDays), rt.cfg.CleanupInterval, fl.once),
	}

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	wg.Wait()
	return nil
}

// serveMetrics exposes Prometheus metrics on a dedicated port so every
// worker process is scrapeable, not just the review server.
func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", slog.Any("error", err))
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("shutdown signal received", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
