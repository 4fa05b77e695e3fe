package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const ledgerColumns = `
	id, actor, action, owner_id, resource, amount, balance_before,
	balance_after, reason, created_at`

// ledgerTx implements LedgerTx on a single sqlx transaction.
type ledgerTx struct {
	tx *sqlx.Tx
}

func (t *ledgerTx) InsertJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (
			id, owner_id, tier, is_first_time, status,
			driver_video_path, reference_audio_path, target_image_paths,
			bpm, target_measures, quoted_cost, credits_deducted
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false)
		RETURNING created_at, updated_at
	`

	err := t.tx.QueryRowContext(
		ctx, query,
		job.ID, job.OwnerID, job.Tier, job.IsFirstTime, job.Status,
		job.DriverVideoPath, job.ReferenceAudioPath, job.TargetImagePaths,
		job.BPM, job.TargetMeasures, job.QuotedCost,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return classify(fmt.Errorf("failed to insert job: %w", err))
	}
	return nil
}

func (t *ledgerTx) OwnerHasJobs(ctx context.Context, ownerID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE owner_id = $1)`, ownerID).Scan(&exists)
	if err != nil {
		return false, classify(fmt.Errorf("failed to check owner history: %w", err))
	}
	return exists, nil
}

func (t *ledgerTx) LockJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE SKIP LOCKED`

	job := &models.Job{}
	err := t.tx.GetContext(ctx, job, query, id)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, classify(fmt.Errorf("failed to lock job: %w", err))
	}

	// No row under SKIP LOCKED: either missing or held by someone else.
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, classify(fmt.Errorf("failed to check job: %w", err))
	}
	if exists {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrClaimConflict)
	}
	return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
}

func (t *ledgerTx) LockAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	query := `
		SELECT id, email, plan, credit_balance, created_at, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`

	account := &models.Account{}
	err := t.tx.GetContext(ctx, account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to lock account: %w", err))
	}
	return account, nil
}

func (t *ledgerTx) SetAccountBalance(ctx context.Context, id uuid.UUID, balance int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET credit_balance = $2, updated_at = NOW() WHERE id = $1`, id, balance)
	if err != nil {
		return classify(fmt.Errorf("failed to set balance: %w", err))
	}
	return nil
}

func (t *ledgerTx) MarkCreditsDeducted(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	query := `
		UPDATE jobs
		SET credits_deducted = true, credits_deducted_at = $2, updated_at = NOW()
		WHERE id = $1 AND credits_deducted = false
	`
	result, err := t.tx.ExecContext(ctx, query, jobID, at)
	if err != nil {
		return classify(fmt.Errorf("failed to mark credits deducted: %w", err))
	}
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s already deducted under lock: %w", jobID, models.ErrInvariantViolation)
	}
	return nil
}

func (t *ledgerTx) ClearCreditsDeducted(ctx context.Context, jobID uuid.UUID) error {
	// The guard trigger only lets the flag drop inside a repair-scoped transaction.
	if _, err := t.tx.ExecContext(ctx, `SELECT set_config('beatsync.ledger_repair', 'on', true)`); err != nil {
		return classify(fmt.Errorf("failed to open repair scope: %w", err))
	}

	query := `
		UPDATE jobs
		SET credits_deducted = false, credits_deducted_at = NULL, updated_at = NOW()
		WHERE id = $1 AND credits_deducted = true
	`
	result, err := t.tx.ExecContext(ctx, query, jobID)
	if err != nil {
		return classify(fmt.Errorf("failed to clear credits deducted: %w", err))
	}
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s has no deduction to reverse: %w", jobID, models.ErrInvalidTransition)
	}
	return nil
}

func (t *ledgerTx) AppendLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	query := `
		INSERT INTO credit_ledger (
			actor, action, owner_id, resource, amount, balance_before, balance_after, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := t.tx.QueryRowContext(
		ctx, query,
		entry.Actor, entry.Action, entry.OwnerID, entry.Resource, entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, entry.Reason,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return classify(fmt.Errorf("failed to append ledger entry: %w", err))
	}
	return nil
}

// ListLedgerEntries returns the audit trail for one job, oldest first.
func (db *DB) ListLedgerEntries(ctx context.Context, resource uuid.UUID) ([]models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM credit_ledger WHERE resource = $1 ORDER BY id`

	var entries []models.LedgerEntry
	if err := db.SelectContext(ctx, &entries, query, resource); err != nil {
		return nil, classify(fmt.Errorf("failed to list ledger entries: %w", err))
	}
	return entries, nil
}
