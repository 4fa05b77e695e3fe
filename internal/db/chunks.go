package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
)

const chunkColumns = `
	id, job_id, chunk_index, status, video_segment_start, duration,
	audio_segment_start, image_index, external_request_id, dispatch_timestamp,
	completion_timestamp, output_reference, processed_path, credits_charged,
	error_message, created_at, updated_at`

// CreateChunks persists a chunk plan. Re-planning an already planned job is a
// no-op per chunk_index, which keeps resumed jobs on their original plan.
func (db *DB) CreateChunks(ctx context.Context, chunks []models.Chunk) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO chunks (
			id, job_id, chunk_index, status, video_segment_start, duration,
			audio_segment_start, image_index
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id, chunk_index) DO NOTHING
	`
	for _, c := range chunks {
		if _, err = tx.ExecContext(
			ctx, query,
			c.ID, c.JobID, c.ChunkIndex, c.Status, c.VideoSegmentStart, c.Duration,
			c.AudioSegmentStart, c.ImageIndex,
		); err != nil {
			return classify(fmt.Errorf("failed to create chunk %d: %w", c.ChunkIndex, err))
		}
	}

	if err = tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit chunk plan: %w", err))
	}
	return nil
}

func (db *DB) GetChunk(ctx context.Context, id uuid.UUID) (*models.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id = $1`

	chunk := &models.Chunk{}
	err := db.GetContext(ctx, chunk, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get chunk: %w", err))
	}
	return chunk, nil
}

// GetJobChunks returns the chunks of a job ordered by chunk_index.
func (db *DB) GetJobChunks(ctx context.Context, jobID uuid.UUID) ([]models.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE job_id = $1 ORDER BY chunk_index`

	var chunks []models.Chunk
	if err := db.SelectContext(ctx, &chunks, query, jobID); err != nil {
		return nil, classify(fmt.Errorf("failed to query chunks: %w", err))
	}
	return chunks, nil
}

// MarkChunkDispatched records the provider request for a pending chunk.
func (db *DB) MarkChunkDispatched(ctx context.Context, chunkID uuid.UUID, externalRequestID string, at time.Time) (bool, error) {
	query := `
		UPDATE chunks
		SET status = 'dispatched', external_request_id = $2, dispatch_timestamp = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := db.ExecContext(ctx, query, chunkID, externalRequestID, at)
	if err != nil {
		return false, classify(fmt.Errorf("failed to mark chunk dispatched: %w", err))
	}
	return affected(result)
}

// CompleteChunk is the compare-and-set shared by the push handler and the
// poller. Only a dispatched chunk whose job is still processing moves to
// completed; every other case reports what it found without writing.
func (db *DB) CompleteChunk(ctx context.Context, externalRequestID, outputReference string, at time.Time) (models.NotificationOutcome, error) {
	query := `
		UPDATE chunks c
		SET status = 'completed', output_reference = $2, completion_timestamp = $3, updated_at = NOW()
		FROM jobs j
		WHERE c.job_id = j.id
		  AND c.external_request_id = $1
		  AND c.status = 'dispatched'
		  AND j.status = 'processing'
	`
	result, err := db.ExecContext(ctx, query, externalRequestID, outputReference, at)
	if err != nil {
		return "", classify(fmt.Errorf("failed to complete chunk: %w", err))
	}
	ok, err := affected(result)
	if err != nil {
		return "", err
	}
	if ok {
		return models.NotificationApplied, nil
	}
	return db.notificationOutcome(ctx, externalRequestID)
}

// FailChunkByExternalID marks a dispatched chunk failed from a provider signal.
func (db *DB) FailChunkByExternalID(ctx context.Context, externalRequestID, message string, at time.Time) (models.NotificationOutcome, error) {
	query := `
		UPDATE chunks c
		SET status = 'failed', error_message = $2, completion_timestamp = $3, updated_at = NOW()
		FROM jobs j
		WHERE c.job_id = j.id
		  AND c.external_request_id = $1
		  AND c.status = 'dispatched'
		  AND j.status = 'processing'
	`
	result, err := db.ExecContext(ctx, query, externalRequestID, message, at)
	if err != nil {
		return "", classify(fmt.Errorf("failed to fail chunk: %w", err))
	}
	ok, err := affected(result)
	if err != nil {
		return "", err
	}
	if ok {
		return models.NotificationApplied, nil
	}
	return db.notificationOutcome(ctx, externalRequestID)
}

func (db *DB) notificationOutcome(ctx context.Context, externalRequestID string) (models.NotificationOutcome, error) {
	query := `
		SELECT c.status, j.status
		FROM chunks c JOIN jobs j ON j.id = c.job_id
		WHERE c.external_request_id = $1
	`
	var chunkStatus models.ChunkStatus
	var jobStatus models.JobStatus
	err := db.QueryRowContext(ctx, query, externalRequestID).Scan(&chunkStatus, &jobStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotificationUnknown, nil
	}
	if err != nil {
		return "", classify(fmt.Errorf("failed to inspect chunk: %w", err))
	}

	if chunkStatus.Terminal() {
		return models.NotificationDuplicate, nil
	}
	return models.NotificationDiscarded, nil
}

// FailChunk marks a chunk failed after dispatch exhaustion or a timeout, or a
// completed chunk whose output could not be processed. Processed chunks are
// never touched.
func (db *DB) FailChunk(ctx context.Context, chunkID uuid.UUID, message string) (bool, error) {
	query := `
		UPDATE chunks
		SET status = 'failed', error_message = $2, completion_timestamp = COALESCE(completion_timestamp, NOW()), updated_at = NOW()
		WHERE id = $1
		  AND (status IN ('pending', 'dispatched') OR (status = 'completed' AND processed_path IS NULL))
	`
	result, err := db.ExecContext(ctx, query, chunkID, message)
	if err != nil {
		return false, classify(fmt.Errorf("failed to fail chunk: %w", err))
	}
	return affected(result)
}

// SetChunkProcessed records the muxed output and the chunk-level charge.
// It applies only to completed chunks.
func (db *DB) SetChunkProcessed(ctx context.Context, chunkID uuid.UUID, processedPath string, creditsCharged int64) error {
	query := `
		UPDATE chunks
		SET processed_path = $2, credits_charged = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'completed'
	`
	result, err := db.ExecContext(ctx, query, chunkID, processedPath, creditsCharged)
	if err != nil {
		return classify(fmt.Errorf("failed to set chunk output: %w", err))
	}
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("chunk %s is not completed: %w", chunkID, models.ErrInvalidTransition)
	}
	return nil
}
