// Package dispatch hands pending jobs to workers. A claim is one atomic store
// operation; the dispatcher adds retry, claim-token recovery and lease upkeep
// around it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/beatsync/internal/backoff"
	"github.com/bobarin/beatsync/internal/db"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ordering supplies the tier weights used to rank pending jobs. Higher
// weights are claimed first; tiers it does not know weigh zero.
type Ordering interface {
	Weights() map[string]int
}

// TierWeights is the map-backed Ordering read from configuration.
type TierWeights map[string]int

func (w TierWeights) Weights() map[string]int { return w }

// Store is the slice of the job store the dispatcher needs.
type Store interface {
	ClaimNextJob(ctx context.Context, p db.ClaimParams) (*models.Job, error)
	FindJobByClaimToken(ctx context.Context, token uuid.UUID) (*models.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	RenewLease(ctx context.Context, jobID, token uuid.UUID, ttl time.Duration) (bool, error)
	ReleaseExpiredLeases(ctx context.Context, maxAttempts int) (db.ReapResult, error)
}

type Config struct {
	WorkerID string
	LeaseTTL time.Duration
	Retry    backoff.Policy
	// MaxAttempts is how many claims a job gets before the reaper fails it
	// rather than handing it back.
	MaxAttempts int
}

type Dispatcher struct {
	store    Store
	ordering Ordering
	cfg      Config
	log      *zap.Logger
}

func New(store Store, ordering Ordering, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = backoff.Policy{Base: 200 * time.Millisecond, Max: 5 * time.Second, Attempts: 5}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	return &Dispatcher{
		store:    store,
		ordering: ordering,
		cfg:      cfg,
		log:      logger.Named("dispatch"),
	}
}

// ClaimNext claims the highest-priority pending job, or returns nil when
// there is none. Transient store failures are retried; each attempt uses a
// fresh claim token, and a failed attempt is checked against the store so a
// claim whose response was lost is still returned to this caller.
func (d *Dispatcher) ClaimNext(ctx context.Context) (*models.Job, error) {
	var claimed *models.Job
	var tokens []uuid.UUID

	err := backoff.Retry(ctx, d.cfg.Retry, isTransient, func(attempt int) error {
		token := uuid.New()
		tokens = append(tokens, token)

		job, err := d.store.ClaimNextJob(ctx, db.ClaimParams{
			WorkerID:    d.cfg.WorkerID,
			Token:       token,
			LeaseTTL:    d.cfg.LeaseTTL,
			TierWeights: d.ordering.Weights(),
		})
		if err == nil {
			claimed = job
			return nil
		}

		d.log.Warn("claim attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Stringer("claim_token", token),
			zap.Error(err),
		)

		recovered, lookupErr := d.recover(ctx, tokens)
		if lookupErr != nil {
			return err
		}
		if recovered != nil {
			claimed = recovered
			return nil
		}
		return err
	})
	if err != nil {
		// One last look: a claim may have landed while the store was flapping.
		if recovered, lookupErr := d.recover(ctx, tokens); lookupErr == nil && recovered != nil {
			return recovered, nil
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}

	if claimed != nil {
		d.log.Info("claimed job",
			zap.Stringer("job_id", claimed.ID),
			zap.String("tier", claimed.Tier),
			zap.Bool("first_time", claimed.IsFirstTime),
			zap.Int("attempts", claimed.Attempts),
		)
	}
	return claimed, nil
}

// recover looks up every token issued during this claim.
func (d *Dispatcher) recover(ctx context.Context, tokens []uuid.UUID) (*models.Job, error) {
	for _, token := range tokens {
		job, err := d.store.FindJobByClaimToken(ctx, token)
		if err != nil {
			return nil, err
		}
		if job != nil && job.Status == models.JobStatusProcessing {
			d.log.Info("recovered claim after ambiguous failure",
				zap.Stringer("job_id", job.ID),
				zap.Stringer("claim_token", token),
			)
			return job, nil
		}
	}
	return nil, nil
}

// Verify confirms the caller still owns job.
func (d *Dispatcher) Verify(ctx context.Context, job *models.Job) error {
	current, err := d.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if !owns(current, job) {
		return fmt.Errorf("job %s: %w", job.ID, models.ErrClaimLost)
	}
	return nil
}

func owns(current, claimed *models.Job) bool {
	if current.Status != models.JobStatusProcessing {
		return false
	}
	if current.ClaimToken == nil || claimed.ClaimToken == nil {
		return false
	}
	return *current.ClaimToken == *claimed.ClaimToken
}

// Heartbeat renews the lease on job every third of the lease TTL until ctx
// ends. It calls onLost once if another worker or a terminal transition took
// the job, or if renewals keep failing for a whole lease TTL, after which the
// reaper may already have handed the job to someone else.
func (d *Dispatcher) Heartbeat(ctx context.Context, job *models.Job, onLost func()) {
	if job.ClaimToken == nil {
		return
	}
	interval := d.cfg.LeaseTTL / 3
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	renewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := d.store.RenewLease(ctx, job.ID, *job.ClaimToken, d.cfg.LeaseTTL)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.log.Warn("lease renewal failed", zap.Stringer("job_id", job.ID), zap.Error(err))
				if time.Since(renewed) >= d.cfg.LeaseTTL {
					d.log.Warn("lease presumed lost after failed renewals",
						zap.Stringer("job_id", job.ID),
						zap.Duration("since_renewal", time.Since(renewed)),
					)
					onLost()
					return
				}
				continue
			}
			if !ok {
				d.log.Info("lease no longer held", zap.Stringer("job_id", job.ID))
				onLost()
				return
			}
			renewed = time.Now()
		}
	}
}

// ReapExpired returns processing jobs with an expired lease to pending, and
// fails those that have used up their claims.
func (d *Dispatcher) ReapExpired(ctx context.Context) (db.ReapResult, error) {
	res, err := d.store.ReleaseExpiredLeases(ctx, d.cfg.MaxAttempts)
	if err != nil {
		return db.ReapResult{}, fmt.Errorf("release expired leases: %w", err)
	}
	if res.Released > 0 {
		d.log.Info("released expired leases", zap.Int("jobs", res.Released))
	}
	if res.Failed > 0 {
		d.log.Warn("failed jobs out of claim attempts",
			zap.Int("jobs", res.Failed),
			zap.Int("max_attempts", d.cfg.MaxAttempts),
		)
	}
	return res, nil
}

// RunReaper calls ReapExpired on every tick until ctx ends.
func (d *Dispatcher) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ReapExpired(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("lease reaper failed", zap.Error(err))
			}
		}
	}
}

func isTransient(err error) bool {
	return errors.Is(err, models.ErrTransientStore)
}
