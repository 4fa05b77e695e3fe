package db

import (
	"context"
	"fmt"
	"time"

	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
)

// ClaimParams describes one attempt to claim the next pending job.
type ClaimParams struct {
	WorkerID string
	// Token identifies this attempt so an ambiguous failure can be resolved
	// by looking the job up again.
	Token    uuid.UUID
	LeaseTTL time.Duration
	// TierWeights orders tiers; higher weights are claimed first, unknown tiers weigh 0.
	TierWeights map[string]int
}

// ReapResult counts the jobs one reaper pass handed back and gave up on.
type ReapResult struct {
	Released int
	Failed   int
}

// ReapMessage is the error_message of a job failed for running out of claims.
func ReapMessage(maxAttempts int) string {
	return fmt.Sprintf("abandoned after %d claims without finishing", maxAttempts)
}

// LedgerTx is the set of row operations available inside a ledger
// transaction. Every method runs against the same transaction, so a job
// insert and its deduction commit or roll back together.
type LedgerTx interface {
	InsertJob(ctx context.Context, job *models.Job) error
	OwnerHasJobs(ctx context.Context, ownerID uuid.UUID) (bool, error)
	// LockJob locks the job row without waiting. A row held by another
	// transaction yields models.ErrClaimConflict.
	LockJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	LockAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	SetAccountBalance(ctx context.Context, id uuid.UUID, balance int64) error
	MarkCreditsDeducted(ctx context.Context, jobID uuid.UUID, at time.Time) error
	// ClearCreditsDeducted is reserved for the administrative repair path.
	ClearCreditsDeducted(ctx context.Context, jobID uuid.UUID) error
	AppendLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error
}

// JobTransition is a compare-and-set on job status.
type JobTransition struct {
	JobID           uuid.UUID
	From            []models.JobStatus
	To              models.JobStatus
	ErrorMessage    *string
	FinalOutputPath *string
}

// ClaimsBefore reports whether a should be claimed ahead of b: first-time
// owners first, then heavier tiers, then older jobs. The id breaks exact ties.
func ClaimsBefore(a, b *models.Job, weights map[string]int) bool {
	if a.IsFirstTime != b.IsFirstTime {
		return a.IsFirstTime
	}
	if wa, wb := weights[a.Tier], weights[b.Tier]; wa != wb {
		return wa > wb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}
