package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bobarin/beatsync/internal/models"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo motion provider
// Uses the Google Gen AI SDK. The target image is the first frame and the
// long-running operation name doubles as the external request id. Veo does
// not take a driver clip, so motion is described in the prompt and the
// muxer holds the last frame out to the chunk length.
// ---------------------------------------------------------------------------

const defaultVeoModel = "veo-3.1-generate-preview"

// VeoMotionService renders a chunk from its target image alone;
// SubmitRequest.DriverSegmentURL is unused here.
type VeoMotionService struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

func NewVeoMotionService(ctx context.Context, apiKey, model string, logger *zap.Logger) (*VeoMotionService, error) {
	if model == "" {
		model = defaultVeoModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &VeoMotionService{client: client, model: model, log: logger.Named("veo")}, nil
}

func buildVeoPrompt(req SubmitRequest) string {
	return fmt.Sprintf(`Animate the person in the input image performing rhythmic dance movement for %.1f seconds.

Keep the movement on a steady beat, continuous from the first frame to the last, with the whole body in frame. Preserve the subject's appearance, clothing, lighting and background from the input image exactly.

Silent video only. No generated audio or dialogue.`, req.Duration)
}

func (s *VeoMotionService) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.TargetImage) == 0 {
		return "", &models.ProviderError{Op: "submit", StatusCode: http.StatusBadRequest, Message: "target image bytes are required"}
	}

	firstFrame := &genai.Image{
		ImageBytes: req.TargetImage,
		MIMEType:   req.TargetImageMIME,
	}
	config := &genai.GenerateVideosConfig{
		AspectRatio:      "9:16",
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	operation, err := s.client.Models.GenerateVideos(ctx, s.model, buildVeoPrompt(req), firstFrame, config)
	if err != nil {
		return "", providerErrorFromGenai("submit", err)
	}

	s.log.Info("operation started",
		zap.Stringer("job_id", req.JobID),
		zap.Int("chunk_index", req.ChunkIndex),
		zap.String("operation", operation.Name),
	)
	return operation.Name, nil
}

func (s *VeoMotionService) PollStatus(ctx context.Context, externalRequestID string) (*MotionStatus, error) {
	operation, err := s.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: externalRequestID}, nil)
	if err != nil {
		return nil, providerErrorFromGenai("poll", err)
	}
	if !operation.Done {
		return &MotionStatus{State: MotionPending}, nil
	}

	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return &MotionStatus{State: MotionFailed, Error: string(errJSON)}, nil
	}
	if operation.Response == nil {
		return &MotionStatus{State: MotionFailed, Error: "no response in completed operation"}, nil
	}
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return &MotionStatus{State: MotionFailed, Error: "blocked by safety filters: " + reasons}, nil
	}
	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return &MotionStatus{State: MotionFailed, Error: "no videos in response"}, nil
	}

	return &MotionStatus{
		State:           MotionCompleted,
		OutputReference: operation.Response.GeneratedVideos[0].Video.URI,
	}, nil
}

// Fetch downloads the generated video. The reference is the video URI.
func (s *VeoMotionService) Fetch(ctx context.Context, outputReference string) ([]byte, error) {
	downloadURI := genai.NewDownloadURIFromVideo(&genai.Video{URI: outputReference})
	data, err := s.client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return nil, providerErrorFromGenai("fetch", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded video is empty (0 bytes)")
	}
	return data, nil
}

func providerErrorFromGenai(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &models.ProviderError{Op: op, StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &models.ProviderError{Op: op, Message: err.Error()}
}
