package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Output encoding shared by every rendered chunk so the final concat can
// stream-copy.
const (
	videoCodec   = "libx264"
	audioCodec   = "aac"
	audioBitrate = "192k"
	pixelFormat  = "yuv420p"
)

// FFmpegService wraps the ffmpeg and ffprobe binaries.
type FFmpegService struct {
	tempDir string
	log     *zap.Logger
}

func NewFFmpegService(tempDir string, logger *zap.Logger) (*FFmpegService, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	return &FFmpegService{
		tempDir: tempDir,
		log:     logger.Named("ffmpeg"),
	}, nil
}

// run executes ffmpeg and folds the tail of stderr into the error.
func (s *FFmpegService) run(ctx context.Context, op string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg", append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s failed: %w: %s", op, err, truncate(strings.TrimSpace(stderr.String()), 500))
	}
	return nil
}

// HasAudio reports whether the container at path carries an audio stream.
func (s *FFmpegService) HasAudio(ctx context.Context, path string) (bool, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=index",
		"-of", "csv=p=0",
		path,
	}

	output, err := exec.CommandContext(ctx, "ffprobe", args...).Output()
	if err != nil {
		return false, fmt.Errorf("ffprobe streams failed: %w", err)
	}
	return strings.TrimSpace(string(output)) != "", nil
}

// DecodePCM decodes the first audio stream of path to mono float32 samples
// at sampleRate.
func (s *FFmpegService) DecodePCM(ctx context.Context, path string, sampleRate int) ([]float32, error) {
	hasAudio, err := s.HasAudio(ctx, path)
	if err != nil {
		return nil, err
	}
	if !hasAudio {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), models.ErrNoAudioStream)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "f32le",
		"-",
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg decode pcm failed: %w: %s", err, truncate(strings.TrimSpace(stderr.String()), 500))
	}

	samples := decodeF32LE(stdout.Bytes())
	s.log.Debug("decoded pcm",
		zap.String("path", path),
		zap.Int("samples", len(samples)),
		zap.Int("sample_rate", sampleRate),
	)
	return samples, nil
}

func decodeF32LE(raw []byte) []float32 {
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples
}

// ProbeDuration returns the container duration of path in seconds.
func (s *FFmpegService) ProbeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	output, err := exec.CommandContext(ctx, "ffprobe", args...).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration failed: %w", err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}
	return duration, nil
}

// CutSegment re-encodes [start, start+duration) of the input video without
// audio. Re-encoding keeps the cut frame-accurate instead of keyframe-bound.
func (s *FFmpegService) CutSegment(ctx context.Context, inputPath, outputPath string, start, duration float64) error {
	args := []string{
		"-ss", formatSeconds(start),
		"-i", inputPath,
		"-t", formatSeconds(duration),
		"-an",
		"-c:v", videoCodec,
		"-pix_fmt", pixelFormat,
		"-y",
		outputPath,
	}
	return s.run(ctx, "cut segment", args...)
}

// ExtractAudioSlice writes exactly duration seconds of audio starting at
// start. A negative start is rendered as leading silence, and a slice that
// runs past the end of the track is padded with silence.
func (s *FFmpegService) ExtractAudioSlice(ctx context.Context, inputPath, outputPath string, start, duration float64) error {
	var filter string
	args := []string{}

	if start >= 0 {
		args = append(args, "-ss", formatSeconds(start))
		filter = fmt.Sprintf("apad,atrim=0:%s", formatSeconds(duration))
	} else {
		padMs := int(math.Round(-start * 1000))
		filter = fmt.Sprintf("adelay=%d:all=1,apad,atrim=0:%s", padMs, formatSeconds(duration))
	}

	args = append(args,
		"-i", inputPath,
		"-vn",
		"-af", filter,
		"-c:a", audioCodec,
		"-b:a", audioBitrate,
		"-y",
		outputPath,
	)
	return s.run(ctx, "extract audio slice", args...)
}

// Mux lays audio under a generated video. A video shorter than duration has
// its last frame held; the output is cut to duration.
func (s *FFmpegService) Mux(ctx context.Context, videoPath, audioPath, outputPath string, duration float64) error {
	args := []string{
		"-i", videoPath,
		"-i", audioPath,
		"-filter_complex", "[0:v]tpad=stop_mode=clone:stop_duration=60[v]",
		"-map", "[v]",
		"-map", "1:a",
		"-c:v", videoCodec,
		"-c:a", audioCodec,
		"-b:a", audioBitrate,
		"-pix_fmt", pixelFormat,
		"-t", formatSeconds(duration),
		"-y",
		outputPath,
	}
	return s.run(ctx, "mux", args...)
}

// ConcatenateClips joins clips in the given order without re-encoding.
func (s *FFmpegService) ConcatenateClips(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	f, err := os.CreateTemp(s.tempDir, "concat-*.txt")
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	listPath := f.Name()
	defer os.Remove(listPath)

	for _, path := range clipPaths {
		fmt.Fprintf(f, "file '%s'\n", strings.ReplaceAll(path, "'", `'\''`))
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	}
	return s.run(ctx, "concatenate", args...)
}

// JobDir creates a private working directory for one job run.
func (s *FFmpegService) JobDir(jobID uuid.UUID) (string, error) {
	dir := filepath.Join(s.tempDir, jobID.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job dir: %w", err)
	}
	return dir, nil
}

// CreateTempFile returns a path for filename inside the service's temp directory.
func (s *FFmpegService) CreateTempFile(filename string) string {
	return filepath.Join(s.tempDir, filename)
}

// Cleanup removes temporary files and directories.
func (s *FFmpegService) Cleanup(paths ...string) {
	for _, path := range paths {
		if err := os.RemoveAll(path); err != nil {
			s.log.Warn("cleanup failed", zap.String("path", path), zap.Error(err))
		}
	}
}

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
