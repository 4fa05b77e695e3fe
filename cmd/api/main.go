package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bobarin/beatsync/internal/api"
	"github.com/bobarin/beatsync/internal/backoff"
	"github.com/bobarin/beatsync/internal/config"
	"github.com/bobarin/beatsync/internal/db"
	"github.com/bobarin/beatsync/internal/dispatch"
	"github.com/bobarin/beatsync/internal/ledger"
	"github.com/bobarin/beatsync/internal/orchestrator"
	"github.com/bobarin/beatsync/internal/queue"
	"github.com/bobarin/beatsync/internal/services"
	"github.com/bobarin/beatsync/internal/storage"
	"github.com/bobarin/beatsync/internal/tempo"
	"github.com/bobarin/beatsync/internal/worker"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const maxConcurrentUploads = 4

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run() (err error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting beatsync API")

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	closers = append(closers, database.Close)
	logger.Info("connected to database")

	// Redis doorbell is optional
	var bell *queue.Queue
	if cfg.RedisURL != "" {
		bell, err = queue.New(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, bell.Close)
		logger.Info("connected to redis doorbell")
	} else {
		logger.Info("no REDIS_URL set, workers poll the store")
	}

	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, logger)
	ledgerSvc := ledger.NewService(database, logger)
	pricing := ledger.Pricing{BaseJobCost: cfg.BaseJobCost, CostPerMeasure: cfg.CostPerMeasure}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// API-only processes still apply provider pushes to the store; the
	// polling workers elsewhere pick the result up on their next tick.
	var notifications api.NotificationHandler = orchestrator.New(database, ledgerSvc, nil, nil, nil, nil, orchestrator.Config{}, logger)
	workerDone := make(chan struct{})
	close(workerDone)

	if cfg.WorkerEnabled {
		orch, w, err := buildWorker(ctx, cfg, database, bell, stor, ledgerSvc, logger)
		if err != nil {
			return err
		}
		notifications = orch

		workerDone = make(chan struct{})
		go func() {
			defer close(workerDone)
			w.Start(ctx)
		}()
	}

	// Optional interface values must stay nil when no doorbell is configured.
	var ringer api.Ringer
	if bell != nil {
		ringer = bell
	}

	handler := api.NewHandler(ledgerSvc, database, notifications, stor, ringer, pricing, cfg.SignedURLTTL, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		JWTSecret:          cfg.JWTSecret,
		AdminAPIKey:        cfg.AdminAPIKey,
		WebhookSecret:      cfg.WebhookSecret,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.JWTSecret == "" {
		logger.Warn("no JWT_SECRET set, owners are taken from X-Owner-ID (dev mode)")
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("no WEBHOOK_SECRET set, motion webhook is unprotected")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("API server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		stop()
		<-workerDone
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	<-workerDone

	logger.Info("server exited")
	return nil
}

func buildWorker(
	ctx context.Context,
	cfg *config.Config,
	database *db.DB,
	bell *queue.Queue,
	stor *storage.Storage,
	ledgerSvc *ledger.Service,
	logger *zap.Logger,
) (*orchestrator.Orchestrator, *worker.Worker, error) {
	ffmpegSvc, err := services.NewFFmpegService(cfg.TempDir, logger)
	if err != nil {
		return nil, nil, err
	}

	var provider services.MotionProvider
	switch cfg.MotionProvider {
	case "veo":
		veo, err := services.NewVeoMotionService(ctx, cfg.GeminiKey, cfg.VeoModel, logger)
		if err != nil {
			return nil, nil, err
		}
		provider = veo
		logger.Info("motion provider: veo", zap.String("model", cfg.VeoModel))
	default:
		provider = services.NewHTTPMotionService(cfg.MotionAPIURL, cfg.MotionAPIKey, logger)
		logger.Info("motion provider: http", zap.String("url", cfg.MotionAPIURL))
	}

	analyzer := tempo.NewAnalyzer(ffmpegSvc, tempo.Config{
		BeatsPerMeasure: cfg.BeatsPerMeasure,
		ChunkCeiling:    cfg.ChunkCeilingSeconds,
		MinBPM:          cfg.MinBPM,
		MaxBPM:          cfg.MaxBPM,
		MaxSyncOffset:   cfg.MaxSyncOffset,
	}, logger)

	var callbackURL string
	if cfg.PublicURL != "" {
		callbackURL = strings.TrimRight(cfg.PublicURL, "/") + "/v1/webhooks/motion"
	}

	orch := orchestrator.New(
		database,
		ledgerSvc,
		analyzer,
		ffmpegSvc,
		worker.LimitUploads(stor, maxConcurrentUploads),
		provider,
		orchestrator.Config{
			MaxConcurrentChunks: cfg.MaxConcurrentChunks,
			PollInterval:        cfg.PollInterval,
			CompletionTimeout:   cfg.CompletionTimeout,
			ProviderRetry: backoff.Policy{
				Base:     2 * time.Second,
				Max:      30 * time.Second,
				Attempts: cfg.ProviderMaxRetries + 1,
			},
			CreditsPerChunkSecond: cfg.CreditsPerChunkSecond,
			BeatsPerMeasure:       cfg.BeatsPerMeasure,
			SignedURLTTL:          cfg.SignedURLTTL,
			CallbackURL:           callbackURL,
		},
		logger,
	)

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	dispatcher := dispatch.New(database, dispatch.TierWeights(cfg.TierWeights), dispatch.Config{
		WorkerID:    workerID,
		LeaseTTL:    cfg.LeaseTTL,
		MaxAttempts: cfg.MaxJobAttempts,
	}, logger)

	var doorbell worker.Doorbell
	if bell != nil {
		doorbell = bell
	}

	reconciler := ledger.NewReconciler(ledgerSvc, cfg.ReconcileInterval, cfg.ReconcileBatchLimit, logger)
	w := worker.New(dispatcher, orch, doorbell, worker.Config{
		Concurrency:    cfg.MaxConcurrentJobs,
		IdleWait:       cfg.IdleWait,
		ReaperInterval: cfg.ReaperInterval,
	}, logger, reconciler)

	logger.Info("worker enabled",
		zap.String("worker_id", workerID),
		zap.Int("max_jobs", cfg.MaxConcurrentJobs),
		zap.Int("max_chunks", cfg.MaxConcurrentChunks),
		zap.Bool("push_notifications", callbackURL != ""),
	)
	return orch, w, nil
}
