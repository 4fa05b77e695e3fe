// Package ledger owns the credit deduction for a job. Every balance change
// happens inside one transaction that also flips the job's credits_deducted
// flag and appends an audit entry, so retries are idempotent.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/beatsync/internal/db"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const reasonInsufficient = "insufficient credits"

type Store interface {
	InLedgerTx(ctx context.Context, fn func(db.LedgerTx) error) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	TransitionJob(ctx context.Context, t db.JobTransition) (bool, error)
	ListUnbilledJobs(ctx context.Context, limit int) ([]models.Job, error)
	ListLedgerEntries(ctx context.Context, resource uuid.UUID) ([]models.LedgerEntry, error)
}

// Pricing quotes the credit cost of a job at intake.
type Pricing struct {
	BaseJobCost    int64
	CostPerMeasure int64
}

// Quote prices a job of the given length in measures, or the base price
// when no length was requested.
func (p Pricing) Quote(measures *int) int64 {
	if measures == nil || *measures <= 0 {
		return p.BaseJobCost
	}
	return p.CostPerMeasure * int64(*measures)
}

// Outcome describes what a deduction attempt did.
type Outcome struct {
	JobID           uuid.UUID
	Deducted        bool // this call moved credits
	AlreadyDeducted bool // an earlier call had already moved them
	Insufficient    bool
	Entry           *models.LedgerEntry // nil when nothing was written
}

type Service struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, log: logger.Named("ledger"), now: time.Now}
}

// CreateJob inserts job as pending and attempts its deduction in the same
// transaction. The tier defaults to the owner's plan and is_first_time is
// derived from the owner's history. An insufficient balance still creates
// the job; the outcome reports it.
func (s *Service) CreateJob(ctx context.Context, job *models.Job, actor string) (*Outcome, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = models.JobStatusPending
	job.CreditsDeducted = false

	var out *Outcome
	err := s.store.InLedgerTx(ctx, func(tx db.LedgerTx) error {
		account, err := tx.LockAccount(ctx, job.OwnerID)
		if err != nil {
			return err
		}
		if job.Tier == "" {
			job.Tier = account.Plan
		}

		hasJobs, err := tx.OwnerHasJobs(ctx, job.OwnerID)
		if err != nil {
			return err
		}
		job.IsFirstTime = !hasJobs

		if err := tx.InsertJob(ctx, job); err != nil {
			return err
		}

		out, err = s.deduct(ctx, tx, job, account, actor)
		return err
	})
	if err != nil {
		s.report(err, job.ID)
		return nil, fmt.Errorf("create job: %w", err)
	}

	job.CreditsDeducted = out.Deducted
	s.log.Info("job created",
		zap.Stringer("job_id", job.ID),
		zap.Stringer("owner_id", job.OwnerID),
		zap.String("tier", job.Tier),
		zap.Bool("first_time", job.IsFirstTime),
		zap.Int64("quoted_cost", job.QuotedCost),
		zap.Bool("deducted", out.Deducted),
	)
	return out, nil
}

// OnJobCreated runs the deduction for an existing job. Calling it again after
// a successful deduction has no effect.
func (s *Service) OnJobCreated(ctx context.Context, jobID uuid.UUID, actor string) (*Outcome, error) {
	return s.RetryDeduction(ctx, jobID, actor)
}

// RetryDeduction attempts the deduction for a pending or processing job that
// has not been charged yet. A job row held by another transaction yields
// models.ErrClaimConflict; a balance that is still short yields
// models.ErrInsufficientCredits after the failed attempt has been recorded.
func (s *Service) RetryDeduction(ctx context.Context, jobID uuid.UUID, actor string) (*Outcome, error) {
	var out *Outcome
	err := s.store.InLedgerTx(ctx, func(tx db.LedgerTx) error {
		job, err := tx.LockJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.CreditsDeducted {
			out = &Outcome{JobID: jobID, AlreadyDeducted: true}
			return nil
		}
		if job.Status.Terminal() {
			return fmt.Errorf("job %s is %s: %w", jobID, job.Status, models.ErrInvalidTransition)
		}

		account, err := tx.LockAccount(ctx, job.OwnerID)
		if err != nil {
			return err
		}

		out, err = s.deduct(ctx, tx, job, account, actor)
		return err
	})
	if err != nil {
		s.report(err, jobID)
		return nil, fmt.Errorf("retry deduction: %w", err)
	}

	if out.Insufficient {
		return out, fmt.Errorf("job %s: %w", jobID, models.ErrInsufficientCredits)
	}
	if out.Deducted {
		s.log.Info("deduction applied",
			zap.Stringer("job_id", jobID),
			zap.String("actor", actor),
			zap.Int64("amount", out.Entry.Amount),
			zap.Int64("balance_after", out.Entry.BalanceAfter),
		)
	}
	return out, nil
}

// deduct must run with the job and account rows locked.
func (s *Service) deduct(ctx context.Context, tx db.LedgerTx, job *models.Job, account *models.Account, actor string) (*Outcome, error) {
	out := &Outcome{JobID: job.ID}
	entry := &models.LedgerEntry{
		Actor:         actor,
		OwnerID:       account.ID,
		Resource:      job.ID,
		Amount:        job.QuotedCost,
		BalanceBefore: account.CreditBalance,
	}

	if account.CreditBalance < job.QuotedCost {
		reason := reasonInsufficient
		entry.Action = models.LedgerActionDeductionFailed
		entry.BalanceAfter = account.CreditBalance
		entry.Reason = &reason
		if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
			return nil, err
		}
		out.Insufficient = true
		out.Entry = entry
		s.log.Info("deduction refused",
			zap.Stringer("job_id", job.ID),
			zap.Int64("cost", job.QuotedCost),
			zap.Int64("balance", account.CreditBalance),
		)
		return out, nil
	}

	entry.Action = models.LedgerActionDeducted
	entry.BalanceAfter = account.CreditBalance - job.QuotedCost

	if job.QuotedCost > 0 {
		if err := tx.SetAccountBalance(ctx, account.ID, entry.BalanceAfter); err != nil {
			return nil, err
		}
	}
	if err := tx.MarkCreditsDeducted(ctx, job.ID, s.now()); err != nil {
		return nil, err
	}
	if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}

	out.Deducted = true
	out.Entry = entry
	return out, nil
}

// Cancel moves a pending or processing job to cancelled. Credits are not
// returned and no ledger entry is written.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID, actor string) (*models.Job, error) {
	ok, err := s.store.TransitionJob(ctx, db.JobTransition{
		JobID: jobID,
		From:  []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing},
		To:    models.JobStatusCancelled,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return job, fmt.Errorf("job %s is %s: %w", jobID, job.Status, models.ErrInvalidTransition)
	}

	s.log.Info("job cancelled", zap.Stringer("job_id", jobID), zap.String("actor", actor))
	return job, nil
}

// Unbilled lists pending or processing jobs that still owe their deduction.
func (s *Service) Unbilled(ctx context.Context, limit int) ([]models.Job, error) {
	return s.store.ListUnbilledJobs(ctx, limit)
}

// History returns the ledger entries recorded against a job.
func (s *Service) History(ctx context.Context, jobID uuid.UUID) ([]models.LedgerEntry, error) {
	return s.store.ListLedgerEntries(ctx, jobID)
}

// RepairReverseDeduction is the administrative correction for a deduction
// that should not have happened. It is the only path that clears
// credits_deducted; the quoted cost is credited back and a refunded entry
// carries the reason.
func (s *Service) RepairReverseDeduction(ctx context.Context, jobID uuid.UUID, actor, reason string) (*Outcome, error) {
	if reason == "" {
		return nil, &models.ValidationError{Field: "reason", Message: "required for a repair"}
	}

	var out *Outcome
	err := s.store.InLedgerTx(ctx, func(tx db.LedgerTx) error {
		job, err := tx.LockJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !job.CreditsDeducted {
			return fmt.Errorf("job %s has no deduction: %w", jobID, models.ErrInvalidTransition)
		}

		account, err := tx.LockAccount(ctx, job.OwnerID)
		if err != nil {
			return err
		}

		if err := tx.ClearCreditsDeducted(ctx, jobID); err != nil {
			return err
		}
		entry := &models.LedgerEntry{
			Actor:         actor,
			Action:        models.LedgerActionRefunded,
			OwnerID:       account.ID,
			Resource:      jobID,
			Amount:        job.QuotedCost,
			BalanceBefore: account.CreditBalance,
			BalanceAfter:  account.CreditBalance + job.QuotedCost,
			Reason:        &reason,
		}
		if err := tx.SetAccountBalance(ctx, account.ID, entry.BalanceAfter); err != nil {
			return err
		}
		if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
			return err
		}
		out = &Outcome{JobID: jobID, Entry: entry}
		return nil
	})
	if err != nil {
		s.report(err, jobID)
		return nil, fmt.Errorf("repair deduction: %w", err)
	}

	s.log.Warn("deduction reversed by repair",
		zap.Stringer("job_id", jobID),
		zap.String("actor", actor),
		zap.String("reason", reason),
		zap.Int64("amount", out.Entry.Amount),
	)
	return out, nil
}

func (s *Service) report(err error, jobID uuid.UUID) {
	if errors.Is(err, models.ErrInvariantViolation) {
		s.log.DPanic("ledger invariant violated", zap.Stringer("job_id", jobID), zap.Error(err))
	}
}
