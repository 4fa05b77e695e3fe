package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bobarin/beatsync/internal/ledger"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	defaultUnbilledLimit = 50
	maxUnbilledLimit     = 500
)

// Ledger is the credit surface the handlers call.
type Ledger interface {
	CreateJob(ctx context.Context, job *models.Job, actor string) (*ledger.Outcome, error)
	Cancel(ctx context.Context, jobID uuid.UUID, actor string) (*models.Job, error)
	RetryDeduction(ctx context.Context, jobID uuid.UUID, actor string) (*ledger.Outcome, error)
	RepairReverseDeduction(ctx context.Context, jobID uuid.UUID, actor, reason string) (*ledger.Outcome, error)
	Unbilled(ctx context.Context, limit int) ([]models.Job, error)
	History(ctx context.Context, jobID uuid.UUID) ([]models.LedgerEntry, error)
}

type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobChunks(ctx context.Context, jobID uuid.UUID) ([]models.Chunk, error)
}

// NotificationHandler applies provider pushes.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n models.MotionNotification) (models.NotificationOutcome, error)
}

type URLSigner interface {
	GetSignedURL(ctx context.Context, objectPath string, expiresIn int) (string, error)
}

// Ringer wakes idle workers after a job is created.
type Ringer interface {
	Ring(ctx context.Context, jobID uuid.UUID) error
}

type Handler struct {
	ledger        Ledger
	jobs          JobReader
	notifications NotificationHandler
	signer        URLSigner
	ringer        Ringer
	pricing       ledger.Pricing
	validate      *AppValidator
	signedURLTTL  int
	log           *zap.Logger
}

// NewHandler wires the API. ringer may be nil when no doorbell is configured.
func NewHandler(l Ledger, jobs JobReader, notifications NotificationHandler, signer URLSigner, ringer Ringer, pricing ledger.Pricing, signedURLTTL int, logger *zap.Logger) *Handler {
	if signedURLTTL <= 0 {
		signedURLTTL = 3600
	}
	return &Handler{
		ledger:        l,
		jobs:          jobs,
		notifications: notifications,
		signer:        signer,
		ringer:        ringer,
		pricing:       pricing,
		validate:      NewAppValidator(),
		signedURLTTL:  signedURLTTL,
		log:           logger.Named("api"),
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Validate(&req); err != nil {
		h.respondErr(w, err)
		return
	}

	owner := ownerFrom(r.Context())
	if err := checkUploads(owner, &req); err != nil {
		h.respondErr(w, err)
		return
	}

	job := &models.Job{
		ID:                 uuid.New(),
		OwnerID:            owner,
		DriverVideoPath:    req.DriverVideoPath,
		ReferenceAudioPath: req.ReferenceAudioPath,
		TargetImagePaths:   req.TargetImagePaths,
		BPM:                req.BPM,
		TargetMeasures:     req.Measures,
		QuotedCost:         h.pricing.Quote(req.Measures),
	}

	out, err := h.ledger.CreateJob(r.Context(), job, "owner:"+owner.String())
	if err != nil {
		h.respondErr(w, err)
		return
	}

	if h.ringer != nil {
		if err := h.ringer.Ring(r.Context(), job.ID); err != nil {
			// Workers still find the job on their next poll.
			h.log.Warn("doorbell ring failed", zap.Stringer("job_id", job.ID), zap.Error(err))
		}
	}

	respondJSON(w, http.StatusCreated, models.CreateJobResponse{
		JobID:           job.ID,
		Status:          job.Status,
		QuotedCost:      job.QuotedCost,
		CreditsDeducted: out.Deducted,
	})
}

// checkUploads rejects media outside the caller's upload area.
func checkUploads(owner uuid.UUID, req *models.CreateJobRequest) error {
	paths := map[string]string{
		"driver_video_path":    req.DriverVideoPath,
		"reference_audio_path": req.ReferenceAudioPath,
	}
	for i, p := range req.TargetImagePaths {
		paths[fmt.Sprintf("target_image_paths[%d]", i)] = p
	}
	for field, p := range paths {
		if !storage.OwnsUpload(owner, p) {
			return &models.ValidationError{Field: field, Message: "must be one of your uploads"}
		}
	}
	return nil
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	chunks, err := h.jobs.GetJobChunks(r.Context(), job.ID)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	response := models.JobResponse{
		Job:    *job,
		Chunks: chunks,
		ChunkSpend: lo.SumBy(chunks, func(c models.Chunk) int64 {
			return lo.FromPtr(c.CreditsCharged)
		}),
	}
	if response.Chunks == nil {
		response.Chunks = []models.Chunk{}
	}

	if job.Status == models.JobStatusCompleted && job.FinalOutputPath != nil {
		url, err := h.signer.GetSignedURL(r.Context(), *job.FinalOutputPath, h.signedURLTTL)
		if err != nil {
			h.log.Warn("signing final output failed", zap.Stringer("job_id", job.ID), zap.Error(err))
		} else {
			response.FinalOutputURL = &url
		}
	}

	respondJSON(w, http.StatusOK, response)
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	cancelled, err := h.ledger.Cancel(r.Context(), job.ID, "owner:"+job.OwnerID.String())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cancelled)
}

// GetJobDownload handles GET /v1/jobs/{id}/download
func (h *Handler) GetJobDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	if job.Status != models.JobStatusCompleted || job.FinalOutputPath == nil {
		respondError(w, http.StatusNotFound, "Video not ready")
		return
	}

	signedURL, err := h.signer.GetSignedURL(r.Context(), *job.FinalOutputPath, h.signedURLTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
		return
	}

	http.Redirect(w, r, signedURL, http.StatusTemporaryRedirect)
}

// MotionWebhook handles POST /v1/webhooks/motion
func (h *Handler) MotionWebhook(w http.ResponseWriter, r *http.Request) {
	var n models.MotionNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Validate(&n); err != nil {
		h.respondErr(w, err)
		return
	}

	outcome, err := h.notifications.HandleNotification(r.Context(), n)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if outcome == models.NotificationUnknown {
		respondError(w, http.StatusNotFound, "Unknown request id")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// ListUnbilled handles GET /v1/admin/ledger/unbilled
// Query params:
//   - limit: max results (default 50, max 500)
func (h *Handler) ListUnbilled(w http.ResponseWriter, r *http.Request) {
	limit := defaultUnbilledLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "Invalid limit, must be a positive integer")
			return
		}
		limit = min(n, maxUnbilledLimit)
	}

	jobs, err := h.ledger.Unbilled(r.Context(), limit)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}

	respondJSON(w, http.StatusOK, models.UnbilledJobsResponse{Jobs: jobs, Total: len(jobs)})
}

// RetryDeduction handles POST /v1/admin/jobs/{id}/retry-deduction
func (h *Handler) RetryDeduction(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	out, err := h.ledger.RetryDeduction(r.Context(), jobID, "admin")
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, outcomeResponse(out))
}

type repairRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// RepairDeduction handles POST /v1/admin/jobs/{id}/repair-deduction
func (h *Handler) RepairDeduction(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	var req repairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Validate(&req); err != nil {
		h.respondErr(w, err)
		return
	}

	out, err := h.ledger.RepairReverseDeduction(r.Context(), jobID, "admin", req.Reason)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, outcomeResponse(out))
}

// GetJobLedger handles GET /v1/admin/jobs/{id}/ledger
func (h *Handler) GetJobLedger(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	entries, err := h.ledger.History(r.Context(), jobID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// ownedJob loads the job named in the path. Jobs of other owners are reported
// as missing.
func (h *Handler) ownedJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return nil, false
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		h.respondErr(w, err)
		return nil, false
	}
	if job.OwnerID != ownerFrom(r.Context()) {
		respondError(w, http.StatusNotFound, "Job not found")
		return nil, false
	}
	return job, true
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return uuid.Nil, false
	}
	return id, true
}

type deductionResponse struct {
	JobID           uuid.UUID           `json:"job_id"`
	Deducted        bool                `json:"deducted"`
	AlreadyDeducted bool                `json:"already_deducted"`
	Entry           *models.LedgerEntry `json:"entry,omitempty"`
}

func outcomeResponse(out *ledger.Outcome) deductionResponse {
	return deductionResponse{
		JobID:           out.JobID,
		Deducted:        out.Deducted,
		AlreadyDeducted: out.AlreadyDeducted,
		Entry:           out.Entry,
	}
}

// respondErr maps domain errors to HTTP statuses.
func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		respondError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, models.ErrInsufficientCredits):
		respondError(w, http.StatusPaymentRequired, "Insufficient credits")
	case errors.Is(err, models.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrClaimConflict):
		respondError(w, http.StatusConflict, "Job is busy, retry shortly")
	case errors.Is(err, models.ErrTransientStore):
		respondError(w, http.StatusServiceUnavailable, "Temporarily unavailable")
	default:
		h.log.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AppValidator wraps go-playground/validator and reports the first failing
// field as a models.ValidationError.
type AppValidator struct {
	validator *validator.Validate
}

func NewAppValidator() *AppValidator {
	return &AppValidator{validator: validator.New()}
}

func (v *AppValidator) Validate(i any) error {
	if err := v.validator.Struct(i); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			fe := validationErrors[0]
			return &models.ValidationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
			}
		}
		return &models.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}
