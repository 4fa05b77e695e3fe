package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/bobarin/beatsync/internal/models"
	"go.uber.org/zap"
)

const reconcilerActor = "reconciler"

// Reconciler periodically retries deductions for jobs that were created
// without one, such as after a top-up.
type Reconciler struct {
	svc      *Service
	interval time.Duration
	limit    int
	log      *zap.Logger
}

func NewReconciler(svc *Service, interval time.Duration, limit int, logger *zap.Logger) *Reconciler {
	return &Reconciler{svc: svc, interval: interval, limit: limit, log: logger.Named("reconciler")}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("reconcile sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep retries every unbilled job whose owner can now cover it and returns
// how many were charged.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	jobs, err := r.svc.Unbilled(ctx, r.limit)
	if err != nil {
		return 0, err
	}

	charged := 0
	for _, job := range jobs {
		account, err := r.svc.store.GetAccount(ctx, job.OwnerID)
		if err != nil {
			r.log.Warn("skipping job, account unavailable", zap.Stringer("job_id", job.ID), zap.Error(err))
			continue
		}
		if account.CreditBalance < job.QuotedCost {
			continue
		}

		out, err := r.svc.RetryDeduction(ctx, job.ID, reconcilerActor)
		switch {
		case errors.Is(err, models.ErrClaimConflict):
			r.log.Debug("job locked elsewhere", zap.Stringer("job_id", job.ID))
		case errors.Is(err, models.ErrInsufficientCredits), errors.Is(err, models.ErrInvalidTransition):
			r.log.Debug("job no longer chargeable", zap.Stringer("job_id", job.ID), zap.Error(err))
		case err != nil:
			return charged, err
		case out.Deducted:
			charged++
		}
	}

	if charged > 0 {
		r.log.Info("reconciled deductions", zap.Int("jobs", charged))
	}
	return charged, nil
}
