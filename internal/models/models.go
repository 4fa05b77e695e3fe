package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Enums
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Cancellable reports whether a job in status s may still be cancelled.
func (s JobStatus) Cancellable() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

type ChunkStatus string

const (
	ChunkStatusPending    ChunkStatus = "pending"
	ChunkStatusDispatched ChunkStatus = "dispatched"
	ChunkStatusCompleted  ChunkStatus = "completed"
	ChunkStatusFailed     ChunkStatus = "failed"
)

func (s ChunkStatus) Terminal() bool {
	return s == ChunkStatusCompleted || s == ChunkStatusFailed
}

type LedgerAction string

const (
	LedgerActionDeducted        LedgerAction = "deducted"
	LedgerActionDeductionFailed LedgerAction = "deduction_failed"
	LedgerActionRefunded        LedgerAction = "refunded"
)

// Models

// Account holds the credit balance of a job owner. The row is the lock target
// for every balance mutation.
type Account struct {
	ID            uuid.UUID `json:"id" db:"id"`
	Email         string    `json:"email" db:"email"`
	Plan          string    `json:"plan" db:"plan"` // doubles as the dispatch tier
	CreditBalance int64     `json:"credit_balance" db:"credit_balance"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

type Job struct {
	ID                 uuid.UUID      `json:"id" db:"id"`
	OwnerID            uuid.UUID      `json:"owner_id" db:"owner_id"`
	Tier               string         `json:"tier" db:"tier"`
	IsFirstTime        bool           `json:"is_first_time" db:"is_first_time"`
	Status             JobStatus      `json:"status" db:"status"`
	DriverVideoPath    string         `json:"driver_video_path" db:"driver_video_path"`
	ReferenceAudioPath string         `json:"reference_audio_path" db:"reference_audio_path"`
	TargetImagePaths   pq.StringArray `json:"target_image_paths" db:"target_image_paths"`
	BPM                *float64       `json:"bpm,omitempty" db:"bpm"`
	ChunkDuration      *float64       `json:"chunk_duration,omitempty" db:"chunk_duration"`
	SyncOffset         *float64       `json:"sync_offset,omitempty" db:"sync_offset"`
	TargetMeasures     *int           `json:"target_measures,omitempty" db:"target_measures"`
	QuotedCost         int64          `json:"quoted_cost" db:"quoted_cost"`
	CreditsDeducted    bool           `json:"credits_deducted" db:"credits_deducted"`
	CreditsDeductedAt  *time.Time     `json:"credits_deducted_at,omitempty" db:"credits_deducted_at"`
	ClaimedBy          *string        `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimToken         *uuid.UUID     `json:"-" db:"claim_token"`
	LeaseExpiresAt     *time.Time     `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	Attempts           int            `json:"attempts" db:"attempts"`
	FinalOutputPath    *string        `json:"final_output_path,omitempty" db:"final_output_path"`
	ErrorMessage       *string        `json:"error_message,omitempty" db:"error_message"`
	StartedAt          *time.Time     `json:"started_at,omitempty" db:"started_at"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
}

// Analyzed reports whether the tempo and sync fields have been populated.
func (j *Job) Analyzed() bool {
	return j.BPM != nil && j.ChunkDuration != nil && j.SyncOffset != nil
}

// NeedsBilling reports whether paid work on the job must wait for a deduction.
func (j *Job) NeedsBilling() bool {
	return !j.CreditsDeducted && j.QuotedCost > 0
}

type Chunk struct {
	ID                  uuid.UUID   `json:"id" db:"id"`
	JobID               uuid.UUID   `json:"job_id" db:"job_id"`
	ChunkIndex          int         `json:"chunk_index" db:"chunk_index"`
	Status              ChunkStatus `json:"status" db:"status"`
	VideoSegmentStart   float64     `json:"video_segment_start" db:"video_segment_start"`
	Duration            float64     `json:"duration" db:"duration"`
	AudioSegmentStart   float64     `json:"audio_segment_start" db:"audio_segment_start"`
	ImageIndex          int         `json:"image_index" db:"image_index"`
	ExternalRequestID   *string     `json:"external_request_id,omitempty" db:"external_request_id"`
	DispatchTimestamp   *time.Time  `json:"dispatch_timestamp,omitempty" db:"dispatch_timestamp"`
	CompletionTimestamp *time.Time  `json:"completion_timestamp,omitempty" db:"completion_timestamp"`
	OutputReference     *string     `json:"output_reference,omitempty" db:"output_reference"`
	ProcessedPath       *string     `json:"processed_path,omitempty" db:"processed_path"`
	CreditsCharged      *int64      `json:"credits_charged,omitempty" db:"credits_charged"`
	ErrorMessage        *string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt           time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at" db:"updated_at"`
}

// Processed reports whether the chunk has a muxed, uploaded output ready for assembly.
func (c *Chunk) Processed() bool {
	return c.Status == ChunkStatusCompleted && c.ProcessedPath != nil
}

// LedgerEntry is an immutable audit row for one balance mutation attempt.
type LedgerEntry struct {
	ID            int64        `json:"id" db:"id"`
	Actor         string       `json:"actor" db:"actor"`
	Action        LedgerAction `json:"action" db:"action"`
	OwnerID       uuid.UUID    `json:"owner_id" db:"owner_id"`
	Resource      uuid.UUID    `json:"resource" db:"resource"`
	Amount        int64        `json:"amount" db:"amount"`
	BalanceBefore int64        `json:"balance_before" db:"balance_before"`
	BalanceAfter  int64        `json:"balance_after" db:"balance_after"`
	Reason        *string      `json:"reason,omitempty" db:"reason"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

// NotificationOutcome describes what a completion write did to a chunk.
type NotificationOutcome string

const (
	NotificationApplied   NotificationOutcome = "applied"   // this call performed the transition
	NotificationDuplicate NotificationOutcome = "duplicate" // chunk was already terminal
	NotificationDiscarded NotificationOutcome = "discarded" // parent job no longer processing
	NotificationUnknown   NotificationOutcome = "unknown"   // no chunk carries the request id
)

// DTOs for API responses

type CreateJobRequest struct {
	DriverVideoPath    string   `json:"driver_video_path" validate:"required"`
	ReferenceAudioPath string   `json:"reference_audio_path" validate:"required"`
	TargetImagePaths   []string `json:"target_image_paths" validate:"required,min=1,max=16,dive,required"`
	BPM                *float64 `json:"bpm,omitempty" validate:"omitempty,gt=0"`
	Measures           *int     `json:"measures,omitempty" validate:"omitempty,min=1,max=512"`
}

type CreateJobResponse struct {
	JobID           uuid.UUID `json:"job_id"`
	Status          JobStatus `json:"status"`
	QuotedCost      int64     `json:"quoted_cost"`
	CreditsDeducted bool      `json:"credits_deducted"`
}

type JobResponse struct {
	Job
	Chunks         []Chunk `json:"chunks"`
	ChunkSpend     int64   `json:"chunk_spend"`
	FinalOutputURL *string `json:"final_output_url,omitempty"`
}

type MotionNotification struct {
	ExternalRequestID string  `json:"external_request_id" validate:"required"`
	Status            string  `json:"status" validate:"required,oneof=completed succeeded failed"`
	OutputReference   *string `json:"output_reference,omitempty"`
	Error             *string `json:"error,omitempty"`
}

type UnbilledJobsResponse struct {
	Jobs  []Job `json:"jobs"`
	Total int   `json:"total"`
}
