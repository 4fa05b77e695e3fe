package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bobarin/beatsync/internal/backoff"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// Upload timeout per attempt; driver clips and chunk renders run to tens of MB.
	uploadTimeout = 180 * time.Second

	downloadTimeout = 120 * time.Second

	maxRetries = 4
)

var retryPolicy = backoff.Policy{Base: time.Second, Max: 30 * time.Second}

// Storage talks to the Supabase Storage REST API.
type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	log        *zap.Logger
	retry      backoff.Policy
}

func New(url, serviceKey, bucket string, logger *zap.Logger) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log:   logger.Named("storage"),
		retry: retryPolicy,
	}
}

// statusError is a non-2xx storage response.
type statusError struct {
	op     string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.op, e.status, e.body)
}

func (e *statusError) Unwrap() error {
	if e.status == http.StatusNotFound {
		return models.ErrNotFound
	}
	return nil
}

// Upload uploads an object with retries and exponential backoff.
// Uses PUT with x-upsert so re-running a chunk overwrites its earlier output.
func (s *Storage) Upload(ctx context.Context, objectPath string, data []byte, contentType string) error {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, objectPath)

	return s.withRetry(ctx, "upload", objectPath, func(ctx context.Context) error {
		upCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(upCtx, http.MethodPut, endpoint, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.ContentLength = int64(len(data))
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to upload: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			return nil
		}
		body, _ := io.ReadAll(resp.Body)
		return &statusError{op: "upload", status: resp.StatusCode, body: truncate(string(body), 200)}
	})
}

// UploadFile uploads a file from a local path.
func (s *Storage) UploadFile(ctx context.Context, objectPath, localPath, contentType string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", localPath, err)
	}
	return s.Upload(ctx, objectPath, data, contentType)
}

// Download fetches an object with retries.
func (s *Storage) Download(ctx context.Context, objectPath string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, objectPath)

	var data []byte
	err := s.withRetry(ctx, "download", objectPath, func(ctx context.Context) error {
		dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to download: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return &statusError{op: "download", status: resp.StatusCode, body: truncate(string(body), 200)}
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read download body: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DownloadToFile fetches an object into localPath.
func (s *Storage) DownloadToFile(ctx context.Context, objectPath, localPath string) error {
	data, err := s.Download(ctx, objectPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(localPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	return nil
}

func (s *Storage) withRetry(ctx context.Context, op, objectPath string, fn func(context.Context) error) error {
	policy := s.retry
	policy.Attempts = maxRetries + 1

	err := backoff.Retry(ctx, policy, isRetryable, func(attempt int) error {
		err := fn(ctx)
		if err != nil && isRetryable(err) && attempt < maxRetries {
			s.log.Warn("storage attempt failed, retrying",
				zap.String("op", op),
				zap.String("path", objectPath),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, objectPath, err)
	}
	return nil
}

// GetSignedURL creates a signed URL valid for expiresIn seconds.
func (s *Storage) GetSignedURL(ctx context.Context, objectPath string, expiresIn int) (string, error) {
	endpoint := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.Bucket, objectPath)

	body := fmt.Sprintf(`{"expiresIn": %d}`, expiresIn)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get signed URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &statusError{op: "sign", status: resp.StatusCode, body: truncate(string(body), 200)}
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse signed URL response: %w", err)
	}

	return s.url + "/storage/v1" + result.SignedURL, nil
}

// Object layout. Paths are relative to the bucket.

// UploadPath is where an owner's client uploads intake media.
func UploadPath(ownerID uuid.UUID, name string) string {
	return path.Join(uploadPrefix(ownerID), name)
}

// OwnsUpload reports whether objectPath lies inside ownerID's upload area.
func OwnsUpload(ownerID uuid.UUID, objectPath string) bool {
	if objectPath == "" || strings.Contains(objectPath, "..") {
		return false
	}
	return strings.HasPrefix(path.Clean(objectPath), uploadPrefix(ownerID)+"/")
}

func uploadPrefix(ownerID uuid.UUID) string {
	return path.Join("uploads", ownerID.String())
}

func ChunkSegmentPath(jobID uuid.UUID, index int) string {
	return path.Join("jobs", jobID.String(), "segments", fmt.Sprintf("%04d.mp4", index))
}

func ChunkOutputPath(jobID uuid.UUID, index int) string {
	return path.Join("jobs", jobID.String(), "chunks", fmt.Sprintf("%04d.mp4", index))
}

func FinalOutputPath(jobID uuid.UUID) string {
	return path.Join("jobs", jobID.String(), "final.mp4")
}

// isRetryable reports whether a storage failure is worth another attempt.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		return isRetryableStatus(se.status)
	}

	errStr := err.Error()
	return errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status == http.StatusInternalServerError ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
