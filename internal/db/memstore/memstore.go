// Package memstore is an in-memory stand-in for the Postgres store. It keeps
// the same contracts (claim exclusivity, row locks inside ledger
// transactions, completion compare-and-set, deduction guard) so the
// dispatcher, ledger and orchestrator can be exercised without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobarin/beatsync/internal/db"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
)

type Store struct {
	mu sync.Mutex

	accounts map[uuid.UUID]*models.Account
	jobs     map[uuid.UUID]*models.Job
	chunks   map[uuid.UUID]*models.Chunk
	ledger   []models.LedgerEntry
	nextID   int64

	jobLocks     map[uuid.UUID]*memTx
	accountLocks map[uuid.UUID]*sync.Mutex

	// Now stamps created_at and status timestamps. Tests may replace it.
	Now func() time.Time

	// AfterClaim, when set, runs after a claim has been applied. A non-nil
	// return is handed to the caller as if the response had been lost.
	AfterClaim func(job *models.Job) error
}

func New() *Store {
	return &Store{
		accounts:     make(map[uuid.UUID]*models.Account),
		jobs:         make(map[uuid.UUID]*models.Job),
		chunks:       make(map[uuid.UUID]*models.Chunk),
		jobLocks:     make(map[uuid.UUID]*memTx),
		accountLocks: make(map[uuid.UUID]*sync.Mutex),
		Now:          time.Now,
	}
}

// PutAccount seeds or replaces an account.
func (s *Store) PutAccount(a models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.Now()
	}
	a.UpdatedAt = a.CreatedAt
	s.accounts[a.ID] = &a
	if _, ok := s.accountLocks[a.ID]; !ok {
		s.accountLocks[a.ID] = &sync.Mutex{}
	}
}

// PutJob seeds or replaces a job row as-is.
func (s *Store) PutJob(j models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.Now()
	}
	s.jobs[j.ID] = cloneJob(&j)
}

// LedgerEntries returns every ledger entry in append order.
func (s *Store) LedgerEntries() []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LedgerEntry(nil), s.ledger...)
}

func (s *Store) GetAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, models.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) CreateAccount(_ context.Context, a *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	a.CreatedAt = s.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	s.accounts[a.ID] = &cp
	s.accountLocks[a.ID] = &sync.Mutex{}
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return cloneJob(j), nil
}

func (s *Store) ClaimNextJob(_ context.Context, p db.ClaimParams) (*models.Job, error) {
	s.mu.Lock()

	var candidates []*models.Job
	for _, j := range s.jobs {
		if j.Status != models.JobStatusPending {
			continue
		}
		if _, locked := s.jobLocks[j.ID]; locked {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	sort.Slice(candidates, func(a, b int) bool {
		return db.ClaimsBefore(candidates[a], candidates[b], p.TierWeights)
	})

	now := s.Now()
	j := candidates[0]
	token := p.Token
	worker := p.WorkerID
	lease := now.Add(p.LeaseTTL)
	j.Status = models.JobStatusProcessing
	j.ClaimedBy = &worker
	j.ClaimToken = &token
	j.LeaseExpiresAt = &lease
	j.Attempts++
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now
	out := cloneJob(j)
	hook := s.AfterClaim
	s.mu.Unlock()

	if hook != nil {
		if err := hook(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) FindJobByClaimToken(_ context.Context, token uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ClaimToken != nil && *j.ClaimToken == token {
			return cloneJob(j), nil
		}
	}
	return nil, nil
}

func (s *Store) RenewLease(_ context.Context, jobID, token uuid.UUID, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.JobStatusProcessing || j.ClaimToken == nil || *j.ClaimToken != token {
		return false, nil
	}
	lease := s.Now().Add(ttl)
	j.LeaseExpiresAt = &lease
	j.UpdatedAt = s.Now()
	return true, nil
}

func (s *Store) ReleaseExpiredLeases(_ context.Context, maxAttempts int) (db.ReapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	var res db.ReapResult
	for _, j := range s.jobs {
		if j.Status != models.JobStatusProcessing || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
			continue
		}
		if maxAttempts > 0 && j.Attempts >= maxAttempts {
			msg := db.ReapMessage(maxAttempts)
			j.Status = models.JobStatusFailed
			j.ErrorMessage = &msg
			j.FinishedAt = &now
			res.Failed++
		} else {
			j.Status = models.JobStatusPending
			res.Released++
		}
		j.ClaimedBy = nil
		j.ClaimToken = nil
		j.LeaseExpiresAt = nil
		j.UpdatedAt = now
	}
	return res, nil
}

func (s *Store) SetJobAnalysis(_ context.Context, jobID, token uuid.UUID, bpm, chunkDuration, syncOffset float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.JobStatusProcessing || j.ClaimToken == nil || *j.ClaimToken != token {
		return fmt.Errorf("store analysis for job %s: %w", jobID, models.ErrClaimLost)
	}
	j.BPM = &bpm
	j.ChunkDuration = &chunkDuration
	j.SyncOffset = &syncOffset
	j.UpdatedAt = s.Now()
	return nil
}

func (s *Store) TransitionJob(_ context.Context, t db.JobTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[t.JobID]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, from := range t.From {
		if j.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}

	now := s.Now()
	j.Status = t.To
	if t.ErrorMessage != nil {
		msg := *t.ErrorMessage
		j.ErrorMessage = &msg
	}
	if t.FinalOutputPath != nil {
		path := *t.FinalOutputPath
		j.FinalOutputPath = &path
	}
	if t.To.Terminal() {
		j.FinishedAt = &now
		j.LeaseExpiresAt = nil
	}
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) ListUnbilledJobs(_ context.Context, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.CreditsDeducted || j.QuotedCost <= 0 || !j.Status.Cancellable() {
			continue
		}
		out = append(out, *cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, resource uuid.UUID) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.ledger {
		if e.Resource == resource {
			out = append(out, e)
		}
	}
	return out, nil
}

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	cp.TargetImagePaths = append([]string(nil), j.TargetImagePaths...)
	return &cp
}
