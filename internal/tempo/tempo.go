// Package tempo estimates the tempo of a reference track, the measure-aligned
// chunk duration derived from it, and the offset between the reference track
// and the audio captured with the driver video.
package tempo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bobarin/beatsync/internal/models"
	"go.uber.org/zap"
)

// SampleRate is the mono PCM rate the analyzer decodes at.
const SampleRate = 11025

// Decoder turns media files into mono PCM and reports container durations.
type Decoder interface {
	// DecodePCM returns mono float samples at sampleRate. Media without an
	// audio stream yields models.ErrNoAudioStream.
	DecodePCM(ctx context.Context, path string, sampleRate int) ([]float32, error)
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

type Config struct {
	BeatsPerMeasure int
	ChunkCeiling    float64 // seconds
	MinBPM          float64
	MaxBPM          float64
	MaxSyncOffset   time.Duration
}

type Input struct {
	DriverPath         string
	ReferenceAudioPath string
	DeclaredBPM        *float64
}

type Result struct {
	BPM            float64
	ChunkDuration  float64
	SyncOffset     float64 // seconds; positive when the reference starts later
	DriverDuration float64
}

type Analyzer struct {
	decoder Decoder
	cfg     Config
	log     *zap.Logger
}

func NewAnalyzer(decoder Decoder, cfg Config, logger *zap.Logger) *Analyzer {
	return &Analyzer{decoder: decoder, cfg: cfg, log: logger.Named("tempo")}
}

// Analyze measures in. A tempo outside [MinBPM, MaxBPM] or an offset beyond
// MaxSyncOffset is reported as models.ErrAnalysisInvalid.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*Result, error) {
	driverDuration, err := a.decoder.ProbeDuration(ctx, in.DriverPath)
	if err != nil {
		return nil, fmt.Errorf("probe driver: %w", err)
	}

	reference, err := a.decoder.DecodePCM(ctx, in.ReferenceAudioPath, SampleRate)
	if err != nil {
		return nil, fmt.Errorf("decode reference audio: %w", err)
	}
	refEnv := onsetEnvelope(reference)
	rate := float64(SampleRate) / hopSize

	var bpm float64
	if in.DeclaredBPM != nil {
		bpm = *in.DeclaredBPM
	} else {
		bpm = estimateBPM(refEnv, rate)
	}
	if err := a.ValidateBPM(bpm); err != nil {
		return nil, err
	}

	chunkDuration, err := ChunkDuration(bpm, a.cfg.BeatsPerMeasure, a.cfg.ChunkCeiling)
	if err != nil {
		return nil, err
	}

	offset, err := a.syncOffset(ctx, in.DriverPath, refEnv, rate)
	if err != nil {
		return nil, err
	}

	a.log.Info("analysis complete",
		zap.Float64("bpm", bpm),
		zap.Bool("declared", in.DeclaredBPM != nil),
		zap.Float64("chunk_duration", chunkDuration),
		zap.Float64("sync_offset", offset),
		zap.Float64("driver_duration", driverDuration),
	)

	return &Result{
		BPM:            bpm,
		ChunkDuration:  chunkDuration,
		SyncOffset:     offset,
		DriverDuration: driverDuration,
	}, nil
}

func (a *Analyzer) syncOffset(ctx context.Context, driverPath string, refEnv []float64, rate float64) (float64, error) {
	driverAudio, err := a.decoder.DecodePCM(ctx, driverPath, SampleRate)
	if errors.Is(err, models.ErrNoAudioStream) {
		a.log.Info("driver has no audio stream, using zero offset", zap.String("path", driverPath))
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("decode driver audio: %w", err)
	}

	maxShift := int(math.Ceil(a.cfg.MaxSyncOffset.Seconds() * rate))
	shift, ok, atEdge := estimateOffset(onsetEnvelope(driverAudio), refEnv, maxShift)
	if !ok {
		return 0, nil
	}
	if atEdge {
		return 0, fmt.Errorf("sync offset at or beyond %v: %w", a.cfg.MaxSyncOffset, models.ErrAnalysisInvalid)
	}

	offset := shift / rate
	if err := a.ValidateOffset(offset); err != nil {
		return 0, err
	}
	return offset, nil
}

// ValidateBPM rejects tempos outside the configured range.
func (a *Analyzer) ValidateBPM(bpm float64) error {
	if math.IsNaN(bpm) || bpm < a.cfg.MinBPM || bpm > a.cfg.MaxBPM {
		return fmt.Errorf("bpm %.2f outside [%.0f, %.0f]: %w", bpm, a.cfg.MinBPM, a.cfg.MaxBPM, models.ErrAnalysisInvalid)
	}
	return nil
}

func (a *Analyzer) ValidateOffset(offset float64) error {
	if math.Abs(offset) > a.cfg.MaxSyncOffset.Seconds() {
		return fmt.Errorf("sync offset %.3fs beyond %v: %w", offset, a.cfg.MaxSyncOffset, models.ErrAnalysisInvalid)
	}
	return nil
}

// SecondsPerMeasure is the length of one measure at bpm.
func SecondsPerMeasure(bpm float64, beatsPerMeasure int) float64 {
	return 60 / bpm * float64(beatsPerMeasure)
}

// ChunkDuration returns the largest whole number of measures that fits in
// ceiling seconds, and never less than one measure.
func ChunkDuration(bpm float64, beatsPerMeasure int, ceiling float64) (float64, error) {
	if bpm <= 0 || beatsPerMeasure <= 0 {
		return 0, fmt.Errorf("chunk duration undefined for bpm %.2f and %d beats per measure", bpm, beatsPerMeasure)
	}
	spm := SecondsPerMeasure(bpm, beatsPerMeasure)

	// The epsilon keeps an exact fit (e.g. 9.0 / 1.5) from flooring down a measure.
	measures := math.Floor(ceiling/spm + 1e-9)
	if measures < 1 {
		measures = 1
	}

	d := measures * spm
	if d <= 0 || math.IsInf(d, 0) || math.IsNaN(d) {
		return 0, fmt.Errorf("chunk duration %.4f is not positive", d)
	}
	return d, nil
}
