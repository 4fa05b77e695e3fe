package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
)

func (s *Store) CreateChunks(_ context.Context, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	taken := make(map[uuid.UUID]map[int]bool)
	for _, c := range s.chunks {
		if taken[c.JobID] == nil {
			taken[c.JobID] = make(map[int]bool)
		}
		taken[c.JobID][c.ChunkIndex] = true
	}

	now := s.Now()
	for _, c := range chunks {
		if taken[c.JobID][c.ChunkIndex] {
			continue
		}
		if _, ok := s.jobs[c.JobID]; !ok {
			return fmt.Errorf("chunk %d references unknown job %s", c.ChunkIndex, c.JobID)
		}
		c.CreatedAt = now
		c.UpdatedAt = now
		cp := c
		s.chunks[c.ID] = &cp
		if taken[c.JobID] == nil {
			taken[c.JobID] = make(map[int]bool)
		}
		taken[c.JobID][c.ChunkIndex] = true
	}
	return nil
}

func (s *Store) GetChunk(_ context.Context, id uuid.UUID) (*models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", id, models.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetJobChunks(_ context.Context, jobID uuid.UUID) ([]models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Chunk
	for _, c := range s.chunks {
		if c.JobID == jobID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ChunkIndex < out[b].ChunkIndex })
	return out, nil
}

func (s *Store) MarkChunkDispatched(_ context.Context, chunkID uuid.UUID, externalRequestID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok || c.Status != models.ChunkStatusPending {
		return false, nil
	}
	for _, other := range s.chunks {
		if other.ExternalRequestID != nil && *other.ExternalRequestID == externalRequestID {
			return false, fmt.Errorf("external request id %q already recorded", externalRequestID)
		}
	}
	id := externalRequestID
	c.Status = models.ChunkStatusDispatched
	c.ExternalRequestID = &id
	c.DispatchTimestamp = &at
	c.UpdatedAt = s.Now()
	return true, nil
}

func (s *Store) CompleteChunk(_ context.Context, externalRequestID, outputReference string, at time.Time) (models.NotificationOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, outcome := s.applicable(externalRequestID)
	if c == nil {
		return outcome, nil
	}
	ref := outputReference
	c.Status = models.ChunkStatusCompleted
	c.OutputReference = &ref
	c.CompletionTimestamp = &at
	c.UpdatedAt = s.Now()
	return models.NotificationApplied, nil
}

func (s *Store) FailChunkByExternalID(_ context.Context, externalRequestID, message string, at time.Time) (models.NotificationOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, outcome := s.applicable(externalRequestID)
	if c == nil {
		return outcome, nil
	}
	msg := message
	c.Status = models.ChunkStatusFailed
	c.ErrorMessage = &msg
	c.CompletionTimestamp = &at
	c.UpdatedAt = s.Now()
	return models.NotificationApplied, nil
}

// applicable finds the chunk a provider signal may still move. Callers hold mu.
func (s *Store) applicable(externalRequestID string) (*models.Chunk, models.NotificationOutcome) {
	for _, c := range s.chunks {
		if c.ExternalRequestID == nil || *c.ExternalRequestID != externalRequestID {
			continue
		}
		if c.Status.Terminal() {
			return nil, models.NotificationDuplicate
		}
		j := s.jobs[c.JobID]
		if c.Status != models.ChunkStatusDispatched || j == nil || j.Status != models.JobStatusProcessing {
			return nil, models.NotificationDiscarded
		}
		return c, ""
	}
	return nil, models.NotificationUnknown
}

func (s *Store) FailChunk(_ context.Context, chunkID uuid.UUID, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok || c.Status == models.ChunkStatusFailed || c.Processed() {
		return false, nil
	}
	now := s.Now()
	msg := message
	c.Status = models.ChunkStatusFailed
	c.ErrorMessage = &msg
	if c.CompletionTimestamp == nil {
		c.CompletionTimestamp = &now
	}
	c.UpdatedAt = now
	return true, nil
}

func (s *Store) SetChunkProcessed(_ context.Context, chunkID uuid.UUID, processedPath string, creditsCharged int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok || c.Status != models.ChunkStatusCompleted {
		return fmt.Errorf("chunk %s is not completed: %w", chunkID, models.ErrInvalidTransition)
	}
	path := processedPath
	charged := creditsCharged
	c.ProcessedPath = &path
	c.CreditsCharged = &charged
	c.UpdatedAt = s.Now()
	return nil
}
