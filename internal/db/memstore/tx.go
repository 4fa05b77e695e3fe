package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/beatsync/internal/db"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
)

// memTx buffers undo information so a failed transaction leaves no trace.
type memTx struct {
	s *Store

	jobsBefore     map[uuid.UUID]*models.Job // nil value: row did not exist
	accountsBefore map[uuid.UUID]*models.Account
	entryIDs       map[int64]bool
	heldAccounts   []*sync.Mutex
}

// InLedgerTx runs fn with row locks scoped to the call. Job locks never
// wait; account locks do, like FOR UPDATE on the account row.
func (s *Store) InLedgerTx(ctx context.Context, fn func(db.LedgerTx) error) error {
	tx := &memTx{
		s:              s,
		jobsBefore:     make(map[uuid.UUID]*models.Job),
		accountsBefore: make(map[uuid.UUID]*models.Account),
		entryIDs:       make(map[int64]bool),
	}

	err := fn(tx)

	s.mu.Lock()
	if err != nil {
		tx.rollback()
	}
	for id, holder := range s.jobLocks {
		if holder == tx {
			delete(s.jobLocks, id)
		}
	}
	s.mu.Unlock()

	for i := len(tx.heldAccounts) - 1; i >= 0; i-- {
		tx.heldAccounts[i].Unlock()
	}
	return err
}

// rollback restores every touched row. Callers hold s.mu.
func (t *memTx) rollback() {
	for id, before := range t.jobsBefore {
		if before == nil {
			delete(t.s.jobs, id)
			continue
		}
		t.s.jobs[id] = before
	}
	for id, before := range t.accountsBefore {
		t.s.accounts[id] = before
	}
	if len(t.entryIDs) > 0 {
		kept := t.s.ledger[:0]
		for _, e := range t.s.ledger {
			if !t.entryIDs[e.ID] {
				kept = append(kept, e)
			}
		}
		t.s.ledger = kept
	}
}

func (t *memTx) touchJob(id uuid.UUID) {
	if _, seen := t.jobsBefore[id]; seen {
		return
	}
	if j, ok := t.s.jobs[id]; ok {
		t.jobsBefore[id] = cloneJob(j)
		return
	}
	t.jobsBefore[id] = nil
}

func (t *memTx) touchAccount(id uuid.UUID) {
	if _, seen := t.accountsBefore[id]; seen {
		return
	}
	if a, ok := t.s.accounts[id]; ok {
		cp := *a
		t.accountsBefore[id] = &cp
	}
}

func (t *memTx) InsertJob(_ context.Context, job *models.Job) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if _, ok := t.s.accounts[job.OwnerID]; !ok {
		return fmt.Errorf("owner %s: %w", job.OwnerID, models.ErrNotFound)
	}
	t.touchJob(job.ID)
	now := t.s.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.CreditsDeducted = false
	t.s.jobs[job.ID] = cloneJob(job)
	t.s.jobLocks[job.ID] = t
	return nil
}

func (t *memTx) OwnerHasJobs(_ context.Context, ownerID uuid.UUID) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, j := range t.s.jobs {
		if j.OwnerID == ownerID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) LockJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	j, ok := t.s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if holder, locked := t.s.jobLocks[id]; locked && holder != t {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrClaimConflict)
	}
	t.s.jobLocks[id] = t
	return cloneJob(j), nil
}

// LockJobExternally holds the row lock on a job until release is called,
// standing in for a concurrent transaction.
func (s *Store) LockJobExternally(id uuid.UUID) (release func()) {
	holder := &memTx{s: s}
	s.mu.Lock()
	s.jobLocks[id] = holder
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if s.jobLocks[id] == holder {
			delete(s.jobLocks, id)
		}
		s.mu.Unlock()
	}
}

func (t *memTx) LockAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	t.s.mu.Lock()
	lock, ok := t.s.accountLocks[id]
	t.s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, models.ErrNotFound)
	}

	lock.Lock()
	t.heldAccounts = append(t.heldAccounts, lock)

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cp := *t.s.accounts[id]
	return &cp, nil
}

func (t *memTx) SetAccountBalance(_ context.Context, id uuid.UUID, balance int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	a, ok := t.s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, models.ErrNotFound)
	}
	if balance < 0 {
		return fmt.Errorf("account %s balance would go negative", id)
	}
	t.touchAccount(id)
	a.CreditBalance = balance
	a.UpdatedAt = t.s.Now()
	return nil
}

func (t *memTx) MarkCreditsDeducted(_ context.Context, jobID uuid.UUID, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	j, ok := t.s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if j.CreditsDeducted {
		return fmt.Errorf("job %s already deducted under lock: %w", jobID, models.ErrInvariantViolation)
	}
	t.touchJob(jobID)
	j.CreditsDeducted = true
	j.CreditsDeductedAt = &at
	j.UpdatedAt = t.s.Now()
	return nil
}

func (t *memTx) ClearCreditsDeducted(_ context.Context, jobID uuid.UUID) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	j, ok := t.s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if !j.CreditsDeducted {
		return fmt.Errorf("job %s has no deduction to reverse: %w", jobID, models.ErrInvalidTransition)
	}
	t.touchJob(jobID)
	j.CreditsDeducted = false
	j.CreditsDeductedAt = nil
	j.UpdatedAt = t.s.Now()
	return nil
}

func (t *memTx) AppendLedgerEntry(_ context.Context, entry *models.LedgerEntry) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.nextID++
	entry.ID = t.s.nextID
	entry.CreatedAt = t.s.Now()
	t.s.ledger = append(t.s.ledger, *entry)
	t.entryIDs[entry.ID] = true
	return nil
}
