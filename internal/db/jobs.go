package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

var jobColumnList = []string{
	"id", "owner_id", "tier", "is_first_time", "status",
	"driver_video_path", "reference_audio_path", "target_image_paths",
	"bpm", "chunk_duration", "sync_offset", "target_measures",
	"quoted_cost", "credits_deducted", "credits_deducted_at",
	"claimed_by", "claim_token", "lease_expires_at", "attempts",
	"final_output_path", "error_message", "started_at", "finished_at",
	"created_at", "updated_at",
}

var jobColumns = strings.Join(jobColumnList, ", ")

func qualifiedJobColumns(table string) string {
	cols := make([]string, len(jobColumnList))
	for i, c := range jobColumnList {
		cols[i] = table + "." + c
	}
	return strings.Join(cols, ", ")
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job := &models.Job{}
	err := db.GetContext(ctx, job, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get job: %w", err))
	}

	return job, nil
}

// ClaimNextJob moves the highest-priority pending job to processing in a
// single statement. Rows locked by a concurrent claim are skipped, so
// concurrent callers never wait on each other. Returns nil when nothing is
// claimable.
func (db *DB) ClaimNextJob(ctx context.Context, p ClaimParams) (*models.Job, error) {
	tiers := make(pq.StringArray, 0, len(p.TierWeights))
	weights := make(pq.Int64Array, 0, len(p.TierWeights))
	for tier, weight := range p.TierWeights {
		tiers = append(tiers, tier)
		weights = append(weights, int64(weight))
	}

	query := `
		WITH weights AS (
			SELECT w.tier, w.weight
			FROM unnest($4::text[], $5::bigint[]) AS w(tier, weight)
		), candidate AS (
			SELECT j.id
			FROM jobs j
			LEFT JOIN weights w ON w.tier = j.tier
			WHERE j.status = 'pending'
			ORDER BY j.is_first_time DESC, COALESCE(w.weight, 0) DESC, j.created_at ASC, j.id ASC
			LIMIT 1
			FOR UPDATE OF j SKIP LOCKED
		)
		UPDATE jobs
		SET status = 'processing',
		    claimed_by = $1,
		    claim_token = $2,
		    lease_expires_at = NOW() + make_interval(secs => $3),
		    attempts = jobs.attempts + 1,
		    started_at = COALESCE(jobs.started_at, NOW()),
		    updated_at = NOW()
		FROM candidate
		WHERE jobs.id = candidate.id
		RETURNING ` + qualifiedJobColumns("jobs")

	job := &models.Job{}
	err := db.GetContext(ctx, job, query, p.WorkerID, p.Token, p.LeaseTTL.Seconds(), tiers, weights)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to claim job: %w", err))
	}

	return job, nil
}

// FindJobByClaimToken returns the job claimed with token, or nil.
func (db *DB) FindJobByClaimToken(ctx context.Context, token uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE claim_token = $1`

	job := &models.Job{}
	err := db.GetContext(ctx, job, query, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to find job by claim token: %w", err))
	}

	return job, nil
}

// RenewLease extends the lease on a processing job. It reports false when the
// claim token no longer owns the job.
func (db *DB) RenewLease(ctx context.Context, jobID, token uuid.UUID, ttl time.Duration) (bool, error) {
	query := `
		UPDATE jobs
		SET lease_expires_at = NOW() + make_interval(secs => $3), updated_at = NOW()
		WHERE id = $1 AND claim_token = $2 AND status = 'processing'
	`
	result, err := db.ExecContext(ctx, query, jobID, token, ttl.Seconds())
	if err != nil {
		return false, classify(fmt.Errorf("failed to renew lease: %w", err))
	}
	return affected(result)
}

// ReleaseExpiredLeases returns processing jobs whose lease ran out to pending
// so another worker can resume them. A job already claimed maxAttempts times
// is failed instead; maxAttempts below 1 disables the cutoff.
func (db *DB) ReleaseExpiredLeases(ctx context.Context, maxAttempts int) (ReapResult, error) {
	query := `
		WITH expired AS (
			SELECT id FROM jobs
			WHERE status = 'processing' AND lease_expires_at < NOW()
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET status = CASE WHEN $1 > 0 AND jobs.attempts >= $1 THEN 'failed' ELSE 'pending' END,
		    error_message = CASE WHEN $1 > 0 AND jobs.attempts >= $1 THEN $2 ELSE jobs.error_message END,
		    finished_at = CASE WHEN $1 > 0 AND jobs.attempts >= $1 THEN NOW() ELSE jobs.finished_at END,
		    claimed_by = NULL,
		    claim_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		FROM expired
		WHERE jobs.id = expired.id
		RETURNING jobs.status
	`
	var statuses []string
	if err := db.SelectContext(ctx, &statuses, query, maxAttempts, ReapMessage(maxAttempts)); err != nil {
		return ReapResult{}, classify(fmt.Errorf("failed to release expired leases: %w", err))
	}

	var res ReapResult
	for _, s := range statuses {
		if s == string(models.JobStatusFailed) {
			res.Failed++
		} else {
			res.Released++
		}
	}
	return res, nil
}

// SetJobAnalysis stores tempo and sync fields for a job the caller still owns.
func (db *DB) SetJobAnalysis(ctx context.Context, jobID, token uuid.UUID, bpm, chunkDuration, syncOffset float64) error {
	query := `
		UPDATE jobs
		SET bpm = $3, chunk_duration = $4, sync_offset = $5, updated_at = NOW()
		WHERE id = $1 AND claim_token = $2 AND status = 'processing'
	`
	result, err := db.ExecContext(ctx, query, jobID, token, bpm, chunkDuration, syncOffset)
	if err != nil {
		return classify(fmt.Errorf("failed to store analysis: %w", err))
	}
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("store analysis for job %s: %w", jobID, models.ErrClaimLost)
	}
	return nil
}

// TransitionJob performs a compare-and-set on job status. It reports whether
// this call made the transition.
func (db *DB) TransitionJob(ctx context.Context, t JobTransition) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $2,
		    error_message = COALESCE($3, error_message),
		    final_output_path = COALESCE($4, final_output_path),
		    finished_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE finished_at END,
		    lease_expires_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN NULL ELSE lease_expires_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)
	`
	result, err := db.ExecContext(ctx, query, t.JobID, t.To, t.ErrorMessage, t.FinalOutputPath, statusStrings(t.From))
	if err != nil {
		return false, classify(fmt.Errorf("failed to transition job: %w", err))
	}
	return affected(result)
}

// ListUnbilledJobs returns non-terminal jobs with an outstanding deduction,
// oldest first.
func (db *DB) ListUnbilledJobs(ctx context.Context, limit int) ([]models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE credits_deducted = false
		  AND quoted_cost > 0
		  AND status IN ('pending', 'processing')
		ORDER BY created_at
		LIMIT $1
	`

	var jobs []models.Job
	if err := db.SelectContext(ctx, &jobs, query, limit); err != nil {
		return nil, classify(fmt.Errorf("failed to list unbilled jobs: %w", err))
	}
	return jobs, nil
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n > 0, nil
}
