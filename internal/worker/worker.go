package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/beatsync/internal/backoff"
	"github.com/bobarin/beatsync/internal/models"
	"go.uber.org/zap"
)

// Claimer hands out jobs and keeps their leases alive.
type Claimer interface {
	ClaimNext(ctx context.Context) (*models.Job, error)
	Verify(ctx context.Context, job *models.Job) error
	Heartbeat(ctx context.Context, job *models.Job, onLost func())
	RunReaper(ctx context.Context, interval time.Duration)
}

// Runner drives one claimed job to a terminal state.
type Runner interface {
	Run(ctx context.Context, job *models.Job) error
}

// Doorbell wakes idle workers when a job is created. Rings are hints only.
type Doorbell interface {
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// Background is a periodic task that runs for the worker's lifetime.
type Background interface {
	Run(ctx context.Context)
}

type Config struct {
	Concurrency    int
	IdleWait       time.Duration
	ReaperInterval time.Duration
}

type Worker struct {
	claimer    Claimer
	runner     Runner
	doorbell   Doorbell
	background []Background
	cfg        Config
	log        *zap.Logger
}

// New builds a worker. doorbell may be nil, in which case idle slots poll
// the store every IdleWait.
func New(claimer Claimer, runner Runner, doorbell Doorbell, cfg Config, logger *zap.Logger, background ...Background) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 5 * time.Second
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 30 * time.Second
	}
	return &Worker{
		claimer:    claimer,
		runner:     runner,
		doorbell:   doorbell,
		background: background,
		cfg:        cfg,
		log:        logger.Named("worker"),
	}
}

// Start claims and runs jobs until ctx ends, then waits for in-flight jobs
// to return. Jobs interrupted by shutdown keep their lease and are handed
// back by the reaper once it expires.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("worker started", zap.Int("concurrency", w.cfg.Concurrency))

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.claimer.RunReaper(ctx, w.cfg.ReaperInterval)
	}()
	for _, b := range w.background {
		wg.Add(1)
		go func(b Background) {
			defer wg.Done()
			b.Run(ctx)
		}(b)
	}

	for slot := 0; slot < w.cfg.Concurrency; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(slot)
	}

	<-ctx.Done()
	w.log.Info("worker shutting down")
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, slot int) {
	log := w.log.With(zap.Int("slot", slot))
	for ctx.Err() == nil {
		job, err := w.claimer.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("claim failed", zap.Error(err))
			}
			w.idle(ctx)
			continue
		}
		if job == nil {
			w.idle(ctx)
			continue
		}
		w.process(ctx, job)
	}
}

// process runs one job under a lease heartbeat. Losing the lease cancels the
// run so no further chunk work is started for a job owned elsewhere.
func (w *Worker) process(ctx context.Context, job *models.Job) {
	log := w.log.With(zap.Stringer("job_id", job.ID), zap.Int("attempt", job.Attempts))
	if err := w.claimer.Verify(ctx, job); err != nil {
		log.Warn("claim not confirmed, skipping job", zap.Error(err))
		return
	}
	log.Info("processing job", zap.String("tier", job.Tier), zap.Bool("first_time", job.IsFirstTime))

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost bool
	var mu sync.Mutex
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.claimer.Heartbeat(jobCtx, job, func() {
			mu.Lock()
			lost = true
			mu.Unlock()
			cancel()
		})
	}()

	start := time.Now()
	err := w.runner.Run(jobCtx, job)
	cancel()
	<-heartbeatDone

	mu.Lock()
	claimLost := lost
	mu.Unlock()

	switch {
	case err == nil:
		log.Info("job finished", zap.Duration("elapsed", time.Since(start)))
	case claimLost || errors.Is(err, models.ErrClaimLost):
		log.Warn("claim lost, abandoning job", zap.Error(err))
	case ctx.Err() != nil:
		log.Info("job interrupted by shutdown", zap.Error(err))
	default:
		log.Error("job run failed, leaving it for the reaper", zap.Error(err))
	}
}

func (w *Worker) idle(ctx context.Context) {
	if w.doorbell != nil {
		_, err := w.doorbell.Wait(ctx, w.cfg.IdleWait)
		if err == nil || ctx.Err() != nil {
			return
		}
		w.log.Warn("doorbell wait failed", zap.Error(err))
	}
	_ = backoff.Sleep(ctx, w.cfg.IdleWait)
}

// ObjectStore is the upload surface LimitUploads wraps.
type ObjectStore interface {
	Upload(ctx context.Context, objectPath string, data []byte, contentType string) error
	UploadFile(ctx context.Context, objectPath, localPath, contentType string) error
	Download(ctx context.Context, objectPath string) ([]byte, error)
	DownloadToFile(ctx context.Context, objectPath, localPath string) error
	GetSignedURL(ctx context.Context, objectPath string, expiresIn int) (string, error)
}

// LimitUploads caps concurrent uploads across every job this process runs.
// Storage congests when many chunk renders finish together.
func LimitUploads(store ObjectStore, n int) ObjectStore {
	if n < 1 {
		n = 1
	}
	return &limitedStore{ObjectStore: store, sem: make(chan struct{}, n)}
}

type limitedStore struct {
	ObjectStore
	sem chan struct{}
}

func (s *limitedStore) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
}

func (s *limitedStore) Upload(ctx context.Context, objectPath string, data []byte, contentType string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-s.sem }()
	return s.ObjectStore.Upload(ctx, objectPath, data, contentType)
}

func (s *limitedStore) UploadFile(ctx context.Context, objectPath, localPath, contentType string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-s.sem }()
	return s.ObjectStore.UploadFile(ctx, objectPath, localPath, contentType)
}
