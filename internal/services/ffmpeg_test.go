package services

import (
	"context"
	"encoding/binary"
	"math"
	"os/exec"
	"testing"

	"go.uber.org/zap"
)

func TestDecodeF32LE(t *testing.T) {
	want := []float32{0, 1, -0.5, 0.25}
	raw := make([]byte, len(want)*4+2) // trailing partial sample is ignored
	for i, v := range want {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}

	got := decodeF32LE(raw)
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFormatSeconds(t *testing.T) {
	tests := map[float64]string{
		0:        "0.000",
		8.571428: "8.571",
		12.5:     "12.500",
	}
	for in, want := range tests {
		if got := formatSeconds(in); got != want {
			t.Errorf("formatSeconds(%v) = %s, want %s", in, got, want)
		}
	}
}

func requireFFmpeg(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}
}

func TestFFmpegDecodeAndSlice(t *testing.T) {
	requireFFmpeg(t)
	ctx := context.Background()
	dir := t.TempDir()

	svc, err := NewFFmpegService(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	tone := svc.CreateTempFile("tone.wav")
	if err := svc.run(ctx, "tone", "-f", "lavfi", "-i", "sine=frequency=440:duration=2", "-y", tone); err != nil {
		t.Fatal(err)
	}

	duration, err := svc.ProbeDuration(ctx, tone)
	if err != nil {
		t.Fatalf("ProbeDuration() error = %v", err)
	}
	if math.Abs(duration-2) > 0.05 {
		t.Errorf("duration = %v, want 2", duration)
	}

	samples, err := svc.DecodePCM(ctx, tone, 11025)
	if err != nil {
		t.Fatalf("DecodePCM() error = %v", err)
	}
	if n := len(samples); math.Abs(float64(n)-22050) > 600 {
		t.Errorf("samples = %d, want about 22050", n)
	}

	slice := svc.CreateTempFile("slice.m4a")
	if err := svc.ExtractAudioSlice(ctx, tone, slice, -0.5, 1.5); err != nil {
		t.Fatalf("ExtractAudioSlice() error = %v", err)
	}
	sliceDuration, err := svc.ProbeDuration(ctx, slice)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(sliceDuration-1.5) > 0.1 {
		t.Errorf("slice duration = %v, want 1.5", sliceDuration)
	}
}
