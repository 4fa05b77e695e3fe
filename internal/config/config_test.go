package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/beatsync?sslmode=disable")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("MOTION_API_URL", "https://motion.example.com")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.BeatsPerMeasure != 4 {
		t.Errorf("expected 4 beats per measure, got %d", cfg.BeatsPerMeasure)
	}
	if cfg.ChunkCeilingSeconds != 9.0 {
		t.Errorf("expected 9.0s ceiling, got %v", cfg.ChunkCeilingSeconds)
	}
	if cfg.MinBPM != 60 || cfg.MaxBPM != 200 {
		t.Errorf("expected bpm range [60,200], got [%v,%v]", cfg.MinBPM, cfg.MaxBPM)
	}
	if cfg.CompletionTimeout != 15*time.Minute {
		t.Errorf("expected 15m completion timeout, got %v", cfg.CompletionTimeout)
	}
	if cfg.TierWeights["studio"] != 30 || cfg.TierWeights["free"] != 10 {
		t.Errorf("unexpected tier weights: %v", cfg.TierWeights)
	}
	if cfg.MaxJobAttempts != 3 {
		t.Errorf("expected 3 job attempts, got %d", cfg.MaxJobAttempts)
	}
}

func TestLoadTierWeightsOverride(t *testing.T) {
	setRequired(t)
	t.Setenv("TIER_WEIGHTS", "enterprise:99,free:1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.TierWeights["enterprise"] != 99 {
		t.Errorf("expected enterprise=99, got %v", cfg.TierWeights)
	}
	if _, ok := cfg.TierWeights["studio"]; ok {
		t.Errorf("override should replace the default table, got %v", cfg.TierWeights)
	}
}

func TestLoadRejectsMissingDatabase(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	setRequired(t)
	t.Setenv("MOTION_PROVIDER", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown motion provider")
	}
}

func TestLoadRejectsInvertedBPMRange(t *testing.T) {
	setRequired(t)
	t.Setenv("MIN_BPM", "200")
	t.Setenv("MAX_BPM", "60")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for inverted bpm range")
	}
}

func TestLoadRejectsZeroJobAttempts(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_JOB_ATTEMPTS", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when MAX_JOB_ATTEMPTS is 0")
	}
}
