// Package orchestrator drives a claimed job from analysis through per-chunk
// motion synthesis to the assembled final video.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/beatsync/internal/backoff"
	"github.com/bobarin/beatsync/internal/db"
	"github.com/bobarin/beatsync/internal/ledger"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/services"
	"github.com/bobarin/beatsync/internal/storage"
	"github.com/bobarin/beatsync/internal/tempo"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const workerActor = "worker"

type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	SetJobAnalysis(ctx context.Context, jobID, token uuid.UUID, bpm, chunkDuration, syncOffset float64) error
	TransitionJob(ctx context.Context, t db.JobTransition) (bool, error)

	CreateChunks(ctx context.Context, chunks []models.Chunk) error
	GetChunk(ctx context.Context, id uuid.UUID) (*models.Chunk, error)
	GetJobChunks(ctx context.Context, jobID uuid.UUID) ([]models.Chunk, error)
	MarkChunkDispatched(ctx context.Context, chunkID uuid.UUID, externalRequestID string, at time.Time) (bool, error)
	CompleteChunk(ctx context.Context, externalRequestID, outputReference string, at time.Time) (models.NotificationOutcome, error)
	FailChunkByExternalID(ctx context.Context, externalRequestID, message string, at time.Time) (models.NotificationOutcome, error)
	FailChunk(ctx context.Context, chunkID uuid.UUID, message string) (bool, error)
	SetChunkProcessed(ctx context.Context, chunkID uuid.UUID, processedPath string, creditsCharged int64) error
}

// Biller settles a job's deduction before paid work starts.
type Biller interface {
	RetryDeduction(ctx context.Context, jobID uuid.UUID, actor string) (*ledger.Outcome, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, in tempo.Input) (*tempo.Result, error)
}

// Transcoder is the subset of services.FFmpegService the orchestrator uses.
type Transcoder interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
	CutSegment(ctx context.Context, inputPath, outputPath string, start, duration float64) error
	ExtractAudioSlice(ctx context.Context, inputPath, outputPath string, start, duration float64) error
	Mux(ctx context.Context, videoPath, audioPath, outputPath string, duration float64) error
	ConcatenateClips(ctx context.Context, clipPaths []string, outputPath string) error
	JobDir(jobID uuid.UUID) (string, error)
	Cleanup(paths ...string)
}

// ObjectStore is the subset of storage.Storage the orchestrator uses.
type ObjectStore interface {
	Upload(ctx context.Context, objectPath string, data []byte, contentType string) error
	UploadFile(ctx context.Context, objectPath, localPath, contentType string) error
	Download(ctx context.Context, objectPath string) ([]byte, error)
	DownloadToFile(ctx context.Context, objectPath, localPath string) error
	GetSignedURL(ctx context.Context, objectPath string, expiresIn int) (string, error)
}

type Config struct {
	MaxConcurrentChunks   int
	PollInterval          time.Duration
	CompletionTimeout     time.Duration
	ProviderRetry         backoff.Policy
	CreditsPerChunkSecond float64
	BeatsPerMeasure       int
	SignedURLTTL          int // seconds
	// CallbackURL is handed to the provider for push notifications. Empty
	// leaves completion to polling alone.
	CallbackURL string
}

type Orchestrator struct {
	store    Store
	biller   Biller
	analyzer Analyzer
	media    Transcoder
	objects  ObjectStore
	provider services.MotionProvider
	cfg      Config
	log      *zap.Logger

	// Now is the clock used for dispatch and completion timestamps.
	Now func() time.Time

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func New(
	store Store,
	biller Biller,
	analyzer Analyzer,
	media Transcoder,
	objects ObjectStore,
	provider services.MotionProvider,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxConcurrentChunks < 1 {
		cfg.MaxConcurrentChunks = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 15 * time.Minute
	}
	if cfg.ProviderRetry.Attempts < 1 {
		cfg.ProviderRetry = backoff.Policy{Base: 2 * time.Second, Max: 30 * time.Second, Attempts: 4}
	}
	if cfg.BeatsPerMeasure < 1 {
		cfg.BeatsPerMeasure = 4
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = 3600
	}
	return &Orchestrator{
		store:    store,
		biller:   biller,
		analyzer: analyzer,
		media:    media,
		objects:  objects,
		provider: provider,
		cfg:      cfg,
		log:      logger.Named("orchestrator"),
		Now:      time.Now,
		waiters:  make(map[string]chan struct{}),
	}
}

// chunkError is a chunk that reached Failed; it fails the whole job.
type chunkError struct {
	index int
	msg   string
}

func (e *chunkError) Error() string {
	return fmt.Sprintf("chunk %d failed: %s", e.index, e.msg)
}

// workspace holds the job's media, downloaded once per run.
type workspace struct {
	dir            string
	driverPath     string
	referencePath  string
	images         [][]byte
	imageMIMETypes []string
}

// Run processes a claimed job until it is Completed, Failed or Cancelled. A
// nil return means the job reached a terminal state or was already in one.
// Errors leave the job Processing for the lease reaper to hand back, which
// is what happens on shutdown or a lost claim. Work stops with ErrClaimLost
// as soon as the stored claim token no longer matches the one job carries.
func (o *Orchestrator) Run(ctx context.Context, job *models.Job) error {
	log := o.log.With(zap.Stringer("job_id", job.ID))

	current, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if current.Status != models.JobStatusProcessing {
		log.Info("job no longer processing", zap.String("status", string(current.Status)))
		return nil
	}
	if !sameClaim(current, job) {
		return fmt.Errorf("job %s claimed elsewhere: %w", job.ID, models.ErrClaimLost)
	}
	job = current

	if job.NeedsBilling() {
		if err := o.settle(ctx, job); err != nil {
			switch {
			case errors.Is(err, models.ErrInsufficientCredits):
				return o.failJob(ctx, job.ID, "insufficient credits")
			case errors.Is(err, models.ErrInvalidTransition):
				log.Info("job left processing before its deduction settled")
				return nil
			}
			return err
		}
	}

	ws, err := o.prepare(ctx, job)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) && ctx.Err() == nil {
			return o.failJob(ctx, job.ID, "missing input media: "+err.Error())
		}
		return err
	}
	defer o.media.Cleanup(ws.dir)

	chunks, err := o.store.GetJobChunks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}
	if len(chunks) == 0 {
		chunks, err = o.plan(ctx, job, ws)
		if err != nil {
			var invalid *analysisFailure
			if errors.As(err, &invalid) {
				return o.failJob(ctx, job.ID, invalid.Error())
			}
			return err
		}
	} else {
		log.Info("resuming job", zap.Int("chunks", len(chunks)),
			zap.Int("processed", lo.CountBy(chunks, func(c models.Chunk) bool { return c.Processed() })))
	}

	if failed, ok := lo.Find(chunks, func(c models.Chunk) bool { return c.Status == models.ChunkStatusFailed }); ok {
		return o.failJob(ctx, job.ID, failureMessage(&failed))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrentChunks)
	for _, c := range chunks {
		if c.Processed() {
			continue
		}
		g.Go(func() error {
			return o.runChunk(gctx, job, c, ws)
		})
	}

	if err := g.Wait(); err != nil {
		var ce *chunkError
		switch {
		case errors.Is(err, models.ErrCancelled):
			log.Info("job cancelled, stopped dispatching")
			return nil
		case errors.As(err, &ce):
			return o.failJob(ctx, job.ID, ce.Error())
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return err
		}
	}

	return o.assemble(ctx, job, ws)
}

// settle runs the deduction gate, retrying row-lock conflicts.
func (o *Orchestrator) settle(ctx context.Context, job *models.Job) error {
	policy := backoff.Policy{Base: 100 * time.Millisecond, Max: 2 * time.Second, Attempts: 5}
	err := backoff.Retry(ctx, policy,
		func(err error) bool { return errors.Is(err, models.ErrClaimConflict) || errors.Is(err, models.ErrTransientStore) },
		func(int) error {
			_, err := o.biller.RetryDeduction(ctx, job.ID, workerActor)
			return err
		})
	if err != nil {
		return fmt.Errorf("settle deduction: %w", err)
	}
	return nil
}

func (o *Orchestrator) prepare(ctx context.Context, job *models.Job) (*workspace, error) {
	dir, err := o.media.JobDir(job.ID)
	if err != nil {
		return nil, err
	}
	ws := &workspace{
		dir:           dir,
		driverPath:    filepath.Join(dir, "driver"+filepath.Ext(job.DriverVideoPath)),
		referencePath: filepath.Join(dir, "reference"+filepath.Ext(job.ReferenceAudioPath)),
	}

	fail := func(err error) (*workspace, error) {
		o.media.Cleanup(dir)
		return nil, err
	}

	if err := o.objects.DownloadToFile(ctx, job.DriverVideoPath, ws.driverPath); err != nil {
		return fail(fmt.Errorf("download driver video: %w", err))
	}
	if err := o.objects.DownloadToFile(ctx, job.ReferenceAudioPath, ws.referencePath); err != nil {
		return fail(fmt.Errorf("download reference audio: %w", err))
	}
	for _, p := range job.TargetImagePaths {
		data, err := o.objects.Download(ctx, p)
		if err != nil {
			return fail(fmt.Errorf("download target image %s: %w", p, err))
		}
		ws.images = append(ws.images, data)
		ws.imageMIMETypes = append(ws.imageMIMETypes, imageMIMEType(p))
	}
	return ws, nil
}

// analysisFailure marks a plan that can never succeed for this job.
type analysisFailure struct{ err error }

func (e *analysisFailure) Error() string { return e.err.Error() }
func (e *analysisFailure) Unwrap() error { return e.err }

// plan analyzes the job if needed and persists its chunk plan.
func (o *Orchestrator) plan(ctx context.Context, job *models.Job, ws *workspace) ([]models.Chunk, error) {
	var driverDuration float64

	if job.Analyzed() {
		d, err := o.media.ProbeDuration(ctx, ws.driverPath)
		if err != nil {
			return nil, fmt.Errorf("probe driver: %w", err)
		}
		driverDuration = d
	} else {
		in := tempo.Input{
			DriverPath:         ws.driverPath,
			ReferenceAudioPath: ws.referencePath,
			DeclaredBPM:        job.BPM, // set at intake only when the owner declared it
		}
		res, err := o.analyzer.Analyze(ctx, in)
		if err != nil {
			if errors.Is(err, models.ErrAnalysisInvalid) || errors.Is(err, models.ErrNoAudioStream) {
				return nil, &analysisFailure{err: err}
			}
			return nil, fmt.Errorf("analyze: %w", err)
		}
		if job.ClaimToken == nil {
			return nil, fmt.Errorf("job %s has no claim token: %w", job.ID, models.ErrClaimLost)
		}
		if err := o.store.SetJobAnalysis(ctx, job.ID, *job.ClaimToken, res.BPM, res.ChunkDuration, res.SyncOffset); err != nil {
			return nil, err
		}
		job.BPM = &res.BPM
		job.ChunkDuration = &res.ChunkDuration
		job.SyncOffset = &res.SyncOffset
		driverDuration = res.DriverDuration
	}

	plan := PlanChunks(job, driverDuration, o.cfg.BeatsPerMeasure)
	if len(plan) == 0 {
		return nil, &analysisFailure{err: fmt.Errorf("driver video too short to plan: %.3fs: %w", driverDuration, models.ErrAnalysisInvalid)}
	}
	if err := o.store.CreateChunks(ctx, plan); err != nil {
		return nil, err
	}

	o.log.Info("chunk plan created",
		zap.Stringer("job_id", job.ID),
		zap.Int("chunks", len(plan)),
		zap.Float64("chunk_duration", *job.ChunkDuration),
		zap.Float64("driver_duration", driverDuration),
	)

	// Reload so a concurrent planner's rows win over ours.
	return o.store.GetJobChunks(ctx, job.ID)
}

func (o *Orchestrator) runChunk(ctx context.Context, job *models.Job, c models.Chunk, ws *workspace) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	chunk := &c

	if chunk.Status == models.ChunkStatusPending {
		chunk, err = o.dispatch(ctx, job, chunk, ws)
		if err != nil {
			return err
		}
	}
	if chunk.Status == models.ChunkStatusDispatched {
		chunk, err = o.await(ctx, job, chunk)
		if err != nil {
			return err
		}
	}

	switch chunk.Status {
	case models.ChunkStatusCompleted:
		if chunk.Processed() {
			return nil
		}
		return o.postProcess(ctx, job, chunk, ws)
	case models.ChunkStatusFailed:
		return &chunkError{index: chunk.ChunkIndex, msg: failureMessage(chunk)}
	default:
		return fmt.Errorf("chunk %d in unexpected status %s: %w", chunk.ChunkIndex, chunk.Status, models.ErrInvariantViolation)
	}
}

// checkActive returns ErrCancelled once the job is cancelled, and
// ErrClaimLost once it stops Processing or another claim owns it.
func (o *Orchestrator) checkActive(ctx context.Context, job *models.Job) error {
	current, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	switch current.Status {
	case models.JobStatusProcessing:
		if !sameClaim(current, job) {
			return fmt.Errorf("job %s claimed elsewhere: %w", job.ID, models.ErrClaimLost)
		}
		return nil
	case models.JobStatusCancelled:
		return models.ErrCancelled
	default:
		return fmt.Errorf("job %s is %s: %w", job.ID, current.Status, models.ErrClaimLost)
	}
}

func sameClaim(current, held *models.Job) bool {
	if current.ClaimToken == nil || held.ClaimToken == nil {
		return false
	}
	return *current.ClaimToken == *held.ClaimToken
}

func (o *Orchestrator) dispatch(ctx context.Context, job *models.Job, chunk *models.Chunk, ws *workspace) (*models.Chunk, error) {
	if err := o.checkActive(ctx, job); err != nil {
		return nil, err
	}

	segPath := filepath.Join(ws.dir, fmt.Sprintf("segment_%04d.mp4", chunk.ChunkIndex))
	defer o.media.Cleanup(segPath)
	if err := o.media.CutSegment(ctx, ws.driverPath, segPath, chunk.VideoSegmentStart, chunk.Duration); err != nil {
		return nil, fmt.Errorf("cut chunk %d: %w", chunk.ChunkIndex, err)
	}

	segObject := storage.ChunkSegmentPath(job.ID, chunk.ChunkIndex)
	if err := o.objects.UploadFile(ctx, segObject, segPath, "video/mp4"); err != nil {
		return nil, fmt.Errorf("upload chunk %d segment: %w", chunk.ChunkIndex, err)
	}
	segURL, err := o.objects.GetSignedURL(ctx, segObject, o.cfg.SignedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("sign chunk %d segment: %w", chunk.ChunkIndex, err)
	}
	imageURL, err := o.objects.GetSignedURL(ctx, job.TargetImagePaths[chunk.ImageIndex], o.cfg.SignedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("sign target image %d: %w", chunk.ImageIndex, err)
	}

	req := services.SubmitRequest{
		JobID:            job.ID,
		ChunkID:          chunk.ID,
		ChunkIndex:       chunk.ChunkIndex,
		Duration:         chunk.Duration,
		DriverSegmentURL: segURL,
		TargetImageURL:   imageURL,
		TargetImage:      ws.images[chunk.ImageIndex],
		TargetImageMIME:  ws.imageMIMETypes[chunk.ImageIndex],
		CallbackURL:      o.cfg.CallbackURL,
	}

	var externalID string
	err = backoff.Retry(ctx, o.cfg.ProviderRetry, models.IsRetryableProviderError, func(attempt int) error {
		id, err := o.provider.Submit(ctx, req)
		if err != nil && models.IsRetryableProviderError(err) {
			o.log.Warn("submit failed",
				zap.Stringer("job_id", job.ID),
				zap.Int("chunk_index", chunk.ChunkIndex),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
		externalID = id
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, o.failChunk(ctx, chunk, "submit: "+err.Error())
	}

	ok, err := o.store.MarkChunkDispatched(ctx, chunk.ID, externalID, o.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another run dispatched this chunk first; follow its request instead.
		o.log.Warn("chunk already dispatched, abandoning duplicate request",
			zap.Stringer("job_id", job.ID),
			zap.Int("chunk_index", chunk.ChunkIndex),
			zap.String("external_request_id", externalID),
		)
	} else {
		o.log.Info("chunk dispatched",
			zap.Stringer("job_id", job.ID),
			zap.Int("chunk_index", chunk.ChunkIndex),
			zap.String("external_request_id", externalID),
		)
	}
	return o.store.GetChunk(ctx, chunk.ID)
}

// await waits for a dispatched chunk to become terminal. Push notifications
// and this poller race through the same compare-and-set; whichever lands
// first wins and the other observes a duplicate.
func (o *Orchestrator) await(ctx context.Context, job *models.Job, chunk *models.Chunk) (*models.Chunk, error) {
	if chunk.ExternalRequestID == nil {
		return nil, fmt.Errorf("dispatched chunk %s has no request id: %w", chunk.ID, models.ErrInvariantViolation)
	}
	externalID := *chunk.ExternalRequestID

	deadline := o.Now().Add(o.cfg.CompletionTimeout)
	if chunk.DispatchTimestamp != nil {
		deadline = chunk.DispatchTimestamp.Add(o.cfg.CompletionTimeout)
	}

	wake := o.subscribe(externalID)
	defer o.unsubscribe(externalID)

	for {
		current, err := o.store.GetChunk(ctx, chunk.ID)
		if err != nil {
			return nil, err
		}
		if current.Status.Terminal() {
			return current, nil
		}
		if err := o.checkActive(ctx, job); err != nil {
			return nil, err
		}
		if !o.Now().Before(deadline) {
			return nil, o.failChunk(ctx, current, fmt.Sprintf("no completion signal within %s", o.cfg.CompletionTimeout))
		}

		var status *services.MotionStatus
		err = backoff.Retry(ctx, o.cfg.ProviderRetry, models.IsRetryableProviderError, func(int) error {
			s, err := o.provider.PollStatus(ctx, externalID)
			status = s
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, o.failChunk(ctx, current, "poll: "+err.Error())
		}

		var outcome models.NotificationOutcome
		switch status.State {
		case services.MotionCompleted:
			outcome, err = o.store.CompleteChunk(ctx, externalID, status.OutputReference, o.Now())
		case services.MotionFailed:
			outcome, err = o.store.FailChunkByExternalID(ctx, externalID, status.Error, o.Now())
		}
		if err != nil {
			return nil, err
		}
		switch outcome {
		case models.NotificationApplied, models.NotificationDuplicate:
			continue
		case models.NotificationDiscarded:
			if err := o.checkActive(ctx, job); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("completion of chunk %s discarded: %w", chunk.ID, models.ErrClaimLost)
		case models.NotificationUnknown:
			return nil, fmt.Errorf("request %s matches no chunk: %w", externalID, models.ErrInvariantViolation)
		}

		wait := o.cfg.PollInterval
		if remaining := deadline.Sub(o.Now()); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-time.After(wait):
		}
	}
}

func (o *Orchestrator) postProcess(ctx context.Context, job *models.Job, chunk *models.Chunk, ws *workspace) error {
	if chunk.OutputReference == nil {
		return fmt.Errorf("completed chunk %s has no output reference: %w", chunk.ID, models.ErrInvariantViolation)
	}

	if err := o.checkActive(ctx, job); err != nil {
		return err
	}

	var generated []byte
	err := backoff.Retry(ctx, o.cfg.ProviderRetry, models.IsRetryableProviderError, func(int) error {
		data, err := o.provider.Fetch(ctx, *chunk.OutputReference)
		generated = data
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.failChunk(ctx, chunk, "fetch output: "+err.Error())
	}

	base := filepath.Join(ws.dir, fmt.Sprintf("chunk_%04d", chunk.ChunkIndex))
	genPath := base + "_generated.mp4"
	audioPath := base + "_audio.m4a"
	outPath := base + ".mp4"
	defer o.media.Cleanup(genPath, audioPath)

	if err := writeFile(genPath, generated); err != nil {
		return err
	}
	// Transcode failures repeat on the same input, so they fail the chunk.
	if err := o.media.ExtractAudioSlice(ctx, ws.referencePath, audioPath, chunk.AudioSegmentStart, chunk.Duration); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.failChunk(ctx, chunk, "slice audio: "+err.Error())
	}
	if err := o.media.Mux(ctx, genPath, audioPath, outPath, chunk.Duration); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.failChunk(ctx, chunk, "mux: "+err.Error())
	}

	object := storage.ChunkOutputPath(job.ID, chunk.ChunkIndex)
	if err := o.objects.UploadFile(ctx, object, outPath, "video/mp4"); err != nil {
		return fmt.Errorf("upload chunk %d: %w", chunk.ChunkIndex, err)
	}

	credits := chunkCredits(chunk.Duration, o.cfg.CreditsPerChunkSecond)
	if err := o.store.SetChunkProcessed(ctx, chunk.ID, object, credits); err != nil {
		return err
	}

	o.log.Info("chunk processed",
		zap.Stringer("job_id", job.ID),
		zap.Int("chunk_index", chunk.ChunkIndex),
		zap.Int64("credits_charged", credits),
	)
	return nil
}

// assemble concatenates processed chunks in index order and completes the job.
func (o *Orchestrator) assemble(ctx context.Context, job *models.Job, ws *workspace) error {
	chunks, err := o.store.GetJobChunks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}
	if len(chunks) == 0 || !lo.EveryBy(chunks, func(c models.Chunk) bool { return c.Processed() }) {
		return fmt.Errorf("job %s assembled with unprocessed chunks: %w", job.ID, models.ErrInvariantViolation)
	}
	if err := o.checkActive(ctx, job); err != nil {
		if errors.Is(err, models.ErrCancelled) {
			o.log.Info("job cancelled before assembly", zap.Stringer("job_id", job.ID))
			return nil
		}
		return err
	}

	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = filepath.Join(ws.dir, fmt.Sprintf("final_part_%04d.mp4", c.ChunkIndex))
		if err := o.objects.DownloadToFile(ctx, *c.ProcessedPath, parts[i]); err != nil {
			return fmt.Errorf("download chunk %d: %w", c.ChunkIndex, err)
		}
	}

	finalPath := filepath.Join(ws.dir, "final.mp4")
	if err := o.media.ConcatenateClips(ctx, parts, finalPath); err != nil {
		return fmt.Errorf("concatenate: %w", err)
	}

	object := storage.FinalOutputPath(job.ID)
	if err := o.objects.UploadFile(ctx, object, finalPath, "video/mp4"); err != nil {
		return fmt.Errorf("upload final: %w", err)
	}

	ok, err := o.store.TransitionJob(ctx, db.JobTransition{
		JobID:           job.ID,
		From:            []models.JobStatus{models.JobStatusProcessing},
		To:              models.JobStatusCompleted,
		FinalOutputPath: &object,
	})
	if err != nil {
		return err
	}
	if !ok {
		o.log.Info("job left processing during assembly, output discarded", zap.Stringer("job_id", job.ID))
		return nil
	}

	o.log.Info("job completed",
		zap.Stringer("job_id", job.ID),
		zap.Int("chunks", len(chunks)),
		zap.Int64("chunk_spend", lo.SumBy(chunks, func(c models.Chunk) int64 { return lo.FromPtr(c.CreditsCharged) })),
	)
	return nil
}

// HandleNotification applies a provider push through the same compare-and-set
// the poller uses.
func (o *Orchestrator) HandleNotification(ctx context.Context, n models.MotionNotification) (models.NotificationOutcome, error) {
	var (
		outcome models.NotificationOutcome
		err     error
	)
	switch n.Status {
	case "completed", "succeeded":
		if n.OutputReference == nil || *n.OutputReference == "" {
			return "", &models.ValidationError{Field: "output_reference", Message: "required when status is " + n.Status}
		}
		outcome, err = o.store.CompleteChunk(ctx, n.ExternalRequestID, *n.OutputReference, o.Now())
	case "failed":
		msg := lo.FromPtrOr(n.Error, "provider reported failure")
		outcome, err = o.store.FailChunkByExternalID(ctx, n.ExternalRequestID, msg, o.Now())
	default:
		return "", &models.ValidationError{Field: "status", Message: "unsupported status " + n.Status}
	}
	if err != nil {
		return "", err
	}

	o.log.Info("provider notification",
		zap.String("external_request_id", n.ExternalRequestID),
		zap.String("status", n.Status),
		zap.String("outcome", string(outcome)),
	)
	if outcome == models.NotificationApplied {
		o.notify(n.ExternalRequestID)
	}
	return outcome, nil
}

func (o *Orchestrator) subscribe(externalID string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan struct{}, 1)
	o.waiters[externalID] = ch
	return ch
}

func (o *Orchestrator) unsubscribe(externalID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.waiters, externalID)
}

// notify wakes a poller in this process early.
func (o *Orchestrator) notify(externalID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch, ok := o.waiters[externalID]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (o *Orchestrator) failChunk(ctx context.Context, chunk *models.Chunk, msg string) error {
	if _, err := o.store.FailChunk(ctx, chunk.ID, msg); err != nil {
		return err
	}
	o.log.Warn("chunk failed",
		zap.Stringer("job_id", chunk.JobID),
		zap.Int("chunk_index", chunk.ChunkIndex),
		zap.String("reason", msg),
	)
	return &chunkError{index: chunk.ChunkIndex, msg: msg}
}

func (o *Orchestrator) failJob(ctx context.Context, jobID uuid.UUID, msg string) error {
	ok, err := o.store.TransitionJob(ctx, db.JobTransition{
		JobID:        jobID,
		From:         []models.JobStatus{models.JobStatusProcessing},
		To:           models.JobStatusFailed,
		ErrorMessage: &msg,
	})
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if ok {
		o.log.Warn("job failed", zap.Stringer("job_id", jobID), zap.String("reason", msg))
	}
	return nil
}

func failureMessage(c *models.Chunk) string {
	return fmt.Sprintf("chunk %d: %s", c.ChunkIndex, lo.FromPtrOr(c.ErrorMessage, "failed"))
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func imageMIMEType(p string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(p))); t != "" {
		return t
	}
	return "image/png"
}
