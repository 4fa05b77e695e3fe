package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/beatsync/internal/db"
	"github.com/bobarin/beatsync/internal/db/memstore"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func setup(t *testing.T, balance int64) (*Service, *memstore.Store, uuid.UUID) {
	t.Helper()
	store := memstore.New()
	owner := uuid.New()
	store.PutAccount(models.Account{ID: owner, Email: "owner@example.com", Plan: "creator", CreditBalance: balance})
	return NewService(store, zap.NewNop()), store, owner
}

func newJob(owner uuid.UUID, cost int64) *models.Job {
	return &models.Job{
		OwnerID:            owner,
		DriverVideoPath:    "uploads/driver.mp4",
		ReferenceAudioPath: "uploads/track.wav",
		TargetImagePaths:   []string{"uploads/face.png"},
		QuotedCost:         cost,
	}
}

func balanceOf(t *testing.T, store *memstore.Store, owner uuid.UUID) int64 {
	t.Helper()
	a, err := store.GetAccount(context.Background(), owner)
	if err != nil {
		t.Fatal(err)
	}
	return a.CreditBalance
}

func TestCreateJobDeducts(t *testing.T) {
	svc, store, owner := setup(t, 100)
	ctx := context.Background()

	job := newJob(owner, 14)
	out, err := svc.CreateJob(ctx, job, "api")
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if !out.Deducted {
		t.Fatal("expected deduction")
	}
	if got := balanceOf(t, store, owner); got != 86 {
		t.Errorf("balance = %d, want 86", got)
	}

	stored, _ := store.GetJob(ctx, job.ID)
	if !stored.CreditsDeducted || stored.CreditsDeductedAt == nil {
		t.Error("credits_deducted not set")
	}
	if stored.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", stored.Status)
	}
	if stored.Tier != "creator" {
		t.Errorf("tier = %q, want the account plan", stored.Tier)
	}
	if !stored.IsFirstTime {
		t.Error("first job of an owner should be first-time")
	}

	entries := store.LedgerEntries()
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Action != models.LedgerActionDeducted || e.Amount != 14 || e.BalanceBefore != 100 || e.BalanceAfter != 86 {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestCreateJobSecondJobIsNotFirstTime(t *testing.T) {
	svc, store, owner := setup(t, 100)
	ctx := context.Background()

	if _, err := svc.CreateJob(ctx, newJob(owner, 1), "api"); err != nil {
		t.Fatal(err)
	}
	second := newJob(owner, 1)
	if _, err := svc.CreateJob(ctx, second, "api"); err != nil {
		t.Fatal(err)
	}
	stored, _ := store.GetJob(ctx, second.ID)
	if stored.IsFirstTime {
		t.Error("second job flagged first-time")
	}
}

func TestOnJobCreatedIsIdempotent(t *testing.T) {
	svc, store, owner := setup(t, 100)
	ctx := context.Background()

	job := newJob(owner, 14)
	if _, err := svc.CreateJob(ctx, job, "api"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		out, err := svc.OnJobCreated(ctx, job.ID, "api")
		if err != nil {
			t.Fatalf("OnJobCreated() #%d error = %v", i, err)
		}
		if !out.AlreadyDeducted || out.Deducted || out.Entry != nil {
			t.Errorf("OnJobCreated() #%d = %+v, want no-op", i, out)
		}
	}

	if got := balanceOf(t, store, owner); got != 86 {
		t.Errorf("balance = %d, want 86 after repeated calls", got)
	}
	if n := len(store.LedgerEntries()); n != 1 {
		t.Errorf("ledger entries = %d, want 1", n)
	}
}

func TestConcurrentRetriesDeductOnce(t *testing.T) {
	svc, store, owner := setup(t, 0)
	ctx := context.Background()

	job := newJob(owner, 14)
	if _, err := svc.CreateJob(ctx, job, "api"); err != nil {
		t.Fatal(err)
	}
	store.PutAccount(models.Account{ID: owner, Email: "owner@example.com", Plan: "creator", CreditBalance: 50})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RetryDeduction(ctx, job.ID, "worker")
			if err != nil && !errors.Is(err, models.ErrClaimConflict) {
				t.Errorf("RetryDeduction() error = %v", err)
			}
		}()
	}
	wg.Wait()

	// Retries that lost the row lock leave the job for a later attempt.
	if _, err := svc.RetryDeduction(ctx, job.ID, "worker"); err != nil {
		t.Fatalf("final RetryDeduction() error = %v", err)
	}

	if got := balanceOf(t, store, owner); got != 36 {
		t.Errorf("balance = %d, want 36", got)
	}
	deducted := 0
	for _, e := range store.LedgerEntries() {
		if e.Action == models.LedgerActionDeducted {
			deducted++
		}
	}
	if deducted != 1 {
		t.Errorf("deducted entries = %d, want 1", deducted)
	}
}

func TestInsufficientCredits(t *testing.T) {
	svc, store, owner := setup(t, 5)
	ctx := context.Background()

	job := newJob(owner, 14)
	out, err := svc.CreateJob(ctx, job, "api")
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if out.Deducted || !out.Insufficient {
		t.Fatalf("outcome = %+v, want insufficient", out)
	}

	stored, _ := store.GetJob(ctx, job.ID)
	if stored.CreditsDeducted {
		t.Error("credits_deducted set despite insufficient balance")
	}
	if stored.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", stored.Status)
	}
	if got := balanceOf(t, store, owner); got != 5 {
		t.Errorf("balance = %d, want 5", got)
	}

	entries := store.LedgerEntries()
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Action != models.LedgerActionDeductionFailed || e.BalanceBefore != 5 || e.BalanceAfter != 5 {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Reason == nil || *e.Reason != "insufficient credits" {
		t.Errorf("reason = %v, want insufficient credits", e.Reason)
	}

	if _, err := svc.RetryDeduction(ctx, job.ID, "worker"); !errors.Is(err, models.ErrInsufficientCredits) {
		t.Errorf("RetryDeduction() error = %v, want ErrInsufficientCredits", err)
	}
}

func TestZeroCostJobIsMarkedDeducted(t *testing.T) {
	svc, store, owner := setup(t, 0)

	job := newJob(owner, 0)
	out, err := svc.CreateJob(context.Background(), job, "api")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Deducted || out.Entry.Amount != 0 {
		t.Errorf("outcome = %+v, want zero-amount deduction", out)
	}
	if got := balanceOf(t, store, owner); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestCreateJobRollsBackOnUnknownOwner(t *testing.T) {
	svc, store, _ := setup(t, 100)

	job := newJob(uuid.New(), 10)
	if _, err := svc.CreateJob(context.Background(), job, "api"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("CreateJob() error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetJob(context.Background(), job.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("job persisted despite failed transaction")
	}
}

func TestRetryDeductionConflict(t *testing.T) {
	svc, store, owner := setup(t, 0)
	ctx := context.Background()

	job := newJob(owner, 5)
	if _, err := svc.CreateJob(ctx, job, "api"); err != nil {
		t.Fatal(err)
	}

	release := store.LockJobExternally(job.ID)
	defer release()

	if _, err := svc.RetryDeduction(ctx, job.ID, "worker"); !errors.Is(err, models.ErrClaimConflict) {
		t.Errorf("RetryDeduction() error = %v, want ErrClaimConflict", err)
	}
}

func TestCancelDoesNotRefund(t *testing.T) {
	svc, store, owner := setup(t, 100)
	ctx := context.Background()

	job := newJob(owner, 20)
	if _, err := svc.CreateJob(ctx, job, "api"); err != nil {
		t.Fatal(err)
	}

	cancelled, err := svc.Cancel(ctx, job.ID, "owner")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if got := balanceOf(t, store, owner); got != 80 {
		t.Errorf("balance = %d, want 80 (no refund)", got)
	}
	if n := len(store.LedgerEntries()); n != 1 {
		t.Errorf("ledger entries = %d, want only the deduction", n)
	}

	if _, err := svc.Cancel(ctx, job.ID, "owner"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("second Cancel() error = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.RetryDeduction(ctx, job.ID, "worker"); err != nil {
		t.Errorf("RetryDeduction() on deducted cancelled job error = %v, want no-op", err)
	}
}

func TestRetryDeductionRefusesTerminalJob(t *testing.T) {
	svc, store, owner := setup(t, 0)
	ctx := context.Background()

	job := newJob(owner, 5)
	if _, err := svc.CreateJob(ctx, job, "api"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionJob(ctx, db.JobTransition{
		JobID: job.ID,
		From:  []models.JobStatus{models.JobStatusPending},
		To:    models.JobStatusFailed,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.RetryDeduction(ctx, job.ID, "worker"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("RetryDeduction() error = %v, want ErrInvalidTransition", err)
	}
}

func TestRepairReverseDeduction(t *testing.T) {
	svc, store, owner := setup(t, 100)
	ctx := context.Background()

	job := newJob(owner, 30)
	if _, err := svc.CreateJob(ctx, job, "api"); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.RepairReverseDeduction(ctx, job.ID, "admin", ""); err == nil {
		t.Error("repair without a reason should fail")
	}

	out, err := svc.RepairReverseDeduction(ctx, job.ID, "admin", "duplicate upload")
	if err != nil {
		t.Fatalf("RepairReverseDeduction() error = %v", err)
	}
	if out.Entry.Action != models.LedgerActionRefunded || out.Entry.Amount != 30 {
		t.Errorf("entry = %+v", out.Entry)
	}
	if got := balanceOf(t, store, owner); got != 100 {
		t.Errorf("balance = %d, want 100", got)
	}
	stored, _ := store.GetJob(ctx, job.ID)
	if stored.CreditsDeducted {
		t.Error("credits_deducted still set after repair")
	}

	if _, err := svc.RepairReverseDeduction(ctx, job.ID, "admin", "again"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("second repair error = %v, want ErrInvalidTransition", err)
	}

	history, err := svc.History(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Errorf("history = %d entries, want 2", len(history))
	}
}

func TestUnbilledAndReconciler(t *testing.T) {
	svc, store, owner := setup(t, 5)
	ctx := context.Background()

	job := newJob(owner, 14)
	if _, err := svc.CreateJob(ctx, job, "api"); err != nil {
		t.Fatal(err)
	}

	unbilled, err := svc.Unbilled(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(unbilled) != 1 || unbilled[0].ID != job.ID {
		t.Fatalf("Unbilled() = %v, want [%s]", unbilled, job.ID)
	}

	rec := NewReconciler(svc, time.Minute, 10, zap.NewNop())
	if n, err := rec.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("Sweep() with short balance = %d, %v", n, err)
	}
	if n := len(store.LedgerEntries()); n != 1 {
		t.Errorf("sweep should skip owners who still cannot pay, entries = %d", n)
	}

	store.PutAccount(models.Account{ID: owner, Email: "owner@example.com", Plan: "creator", CreditBalance: 40})
	if n, err := rec.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("Sweep() after top-up = %d, %v, want 1", n, err)
	}
	if got := balanceOf(t, store, owner); got != 26 {
		t.Errorf("balance = %d, want 26", got)
	}
	if unbilled, _ := svc.Unbilled(ctx, 10); len(unbilled) != 0 {
		t.Errorf("Unbilled() after sweep = %d jobs, want 0", len(unbilled))
	}
}

func TestQuote(t *testing.T) {
	p := Pricing{BaseJobCost: 10, CostPerMeasure: 2}
	measures := 7
	if got := p.Quote(&measures); got != 14 {
		t.Errorf("Quote(7) = %d, want 14", got)
	}
	if got := p.Quote(nil); got != 10 {
		t.Errorf("Quote(nil) = %d, want 10", got)
	}
}
