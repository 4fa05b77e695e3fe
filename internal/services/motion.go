package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MotionState is the provider-side state of one generation request.
type MotionState string

const (
	MotionPending   MotionState = "pending"
	MotionCompleted MotionState = "completed"
	MotionFailed    MotionState = "failed"
)

// SubmitRequest describes one chunk's motion-synthesis request.
type SubmitRequest struct {
	JobID      uuid.UUID
	ChunkID    uuid.UUID
	ChunkIndex int
	Duration   float64

	// DriverSegmentURL and TargetImageURL are time-limited signed URLs.
	DriverSegmentURL string
	TargetImageURL   string

	// TargetImage carries the image bytes for providers that take them inline.
	TargetImage     []byte
	TargetImageMIME string

	// CallbackURL receives the provider's push notification, if supported.
	CallbackURL string
}

type MotionStatus struct {
	State           MotionState
	OutputReference string
	Error           string
}

// MotionProvider is the external motion-synthesis service. Errors carry a
// *models.ProviderError so callers can tell retryable failures apart.
type MotionProvider interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	PollStatus(ctx context.Context, externalRequestID string) (*MotionStatus, error)
	Fetch(ctx context.Context, outputReference string) ([]byte, error)
}

// ---------------------------------------------------------------------------
// HTTP motion provider
// Deferred request pattern: submit -> request_id -> poll by id -> download.
// ---------------------------------------------------------------------------

type HTTPMotionService struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	downloadClient *http.Client
	log            *zap.Logger
}

func NewHTTPMotionService(baseURL, apiKey string, logger *zap.Logger) *HTTPMotionService {
	return &HTTPMotionService{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		downloadClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		log: logger.Named("motion"),
	}
}

type motionGenerationRequest struct {
	DriverVideoURL string            `json:"driver_video_url"`
	TargetImageURL string            `json:"target_image_url"`
	Duration       float64           `json:"duration"`
	CallbackURL    string            `json:"callback_url,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type motionGenerationResponse struct {
	RequestID string `json:"request_id"`
}

type motionStatusResponse struct {
	Status    string `json:"status"`
	OutputURL string `json:"output_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *HTTPMotionService) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body := motionGenerationRequest{
		DriverVideoURL: req.DriverSegmentURL,
		TargetImageURL: req.TargetImageURL,
		Duration:       req.Duration,
		CallbackURL:    req.CallbackURL,
		Metadata: map[string]string{
			"job_id":      req.JobID.String(),
			"chunk_id":    req.ChunkID.String(),
			"chunk_index": fmt.Sprint(req.ChunkIndex),
		},
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	respBody, err := s.do(s.httpClient, httpReq, "submit", http.StatusOK, http.StatusCreated, http.StatusAccepted)
	if err != nil {
		return "", err
	}

	var genResp motionGenerationResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w (body: %s)", err, truncate(string(respBody), 200))
	}
	if genResp.RequestID == "" {
		return "", fmt.Errorf("no request_id in generation response: %s", truncate(string(respBody), 200))
	}

	s.log.Info("generation submitted",
		zap.Stringer("job_id", req.JobID),
		zap.Int("chunk_index", req.ChunkIndex),
		zap.String("request_id", genResp.RequestID),
	)
	return genResp.RequestID, nil
}

func (s *HTTPMotionService) PollStatus(ctx context.Context, externalRequestID string) (*MotionStatus, error) {
	endpoint := fmt.Sprintf("%s/generations/%s", s.baseURL, url.PathEscape(externalRequestID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	body, err := s.do(s.httpClient, req, "poll", http.StatusOK, http.StatusAccepted)
	if err != nil {
		return nil, err
	}

	var result motionStatusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w (body: %s)", err, truncate(string(body), 200))
	}

	switch result.Status {
	case "completed", "succeeded":
		if result.OutputURL == "" {
			return nil, &models.ProviderError{Op: "poll", StatusCode: http.StatusBadGateway, Message: "completed without output_url"}
		}
		return &MotionStatus{State: MotionCompleted, OutputReference: result.OutputURL}, nil
	case "failed":
		msg := result.Error
		if msg == "" {
			msg = "unknown error"
		}
		return &MotionStatus{State: MotionFailed, Error: msg}, nil
	default:
		return &MotionStatus{State: MotionPending}, nil
	}
}

// Fetch downloads a generated output. The reference is the output URL.
func (s *HTTPMotionService) Fetch(ctx context.Context, outputReference string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, outputReference, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	data, err := s.do(s.downloadClient, req, "fetch", http.StatusOK)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded output is empty (0 bytes)")
	}
	return data, nil
}

// do runs req and maps transport failures and unexpected statuses onto
// *models.ProviderError.
func (s *HTTPMotionService) do(client *http.Client, req *http.Request, op string, accept ...int) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &models.ProviderError{Op: op, Message: transportMessage(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.ProviderError{Op: op, Message: "failed to read response: " + err.Error()}
	}

	for _, code := range accept {
		if resp.StatusCode == code {
			return body, nil
		}
	}
	return nil, &models.ProviderError{Op: op, StatusCode: resp.StatusCode, Message: truncate(string(body), 200)}
}

func transportMessage(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout: " + err.Error()
	}
	return err.Error()
}
