package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string `env:"API_PORT" envDefault:"8080"`
	WorkerEnabled      bool   `env:"WORKER_ENABLED" envDefault:"true"`
	CorsAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS"` // Comma-separated allowed origins (empty = *, dev mode)
	JWTSecret          string `env:"JWT_SECRET"`           // HS256 secret shared with the session service
	AdminAPIKey        string `env:"ADMIN_API_KEY"`        // Guards /v1/admin (empty = admin routes disabled)
	WebhookSecret      string `env:"WEBHOOK_SECRET"`       // Shared with the motion provider for push notifications
	Development        bool   `env:"DEVELOPMENT" envDefault:"false"`
	PublicURL          string `env:"PUBLIC_URL"` // Base URL the motion provider calls back on (empty = poll only)

	// Database
	DatabaseURL   string `env:"DATABASE_URL"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// Redis (optional doorbell; empty disables it and workers fall back to polling)
	RedisURL string `env:"REDIS_URL"`

	// Supabase
	SupabaseURL           string `env:"SUPABASE_URL"`
	SupabaseServiceKey    string `env:"SUPABASE_SERVICE_KEY"`
	SupabaseStorageBucket string `env:"SUPABASE_STORAGE_BUCKET" envDefault:"beatsync-media"`
	SignedURLTTL          int    `env:"SIGNED_URL_TTL_SECONDS" envDefault:"3600"`

	// Motion synthesis provider: "http" (default) or "veo"
	MotionProvider string `env:"MOTION_PROVIDER" envDefault:"http"`
	MotionAPIURL   string `env:"MOTION_API_URL"`
	MotionAPIKey   string `env:"MOTION_API_KEY"`
	GeminiKey      string `env:"GEMINI_API_KEY"`
	VeoModel       string `env:"VEO_MODEL" envDefault:"veo-3.1-generate-preview"`

	// Worker
	WorkerID            string        `env:"WORKER_ID"` // defaults to hostname-pid
	MaxConcurrentJobs   int           `env:"MAX_CONCURRENT_JOBS" envDefault:"2"`
	MaxConcurrentChunks int           `env:"MAX_CONCURRENT_CHUNKS" envDefault:"4"`
	IdleWait            time.Duration `env:"IDLE_WAIT" envDefault:"5s"`
	LeaseTTL            time.Duration `env:"LEASE_TTL" envDefault:"2m"`
	ReaperInterval      time.Duration `env:"REAPER_INTERVAL" envDefault:"30s"`
	MaxJobAttempts      int           `env:"MAX_JOB_ATTEMPTS" envDefault:"3"`
	TempDir             string        `env:"TEMP_DIR" envDefault:"/tmp/beatsync"`

	// Dispatch ordering: tier:weight pairs, higher weight is dispatched first
	TierWeights map[string]int `env:"TIER_WEIGHTS" envDefault:"studio:30,creator:20,free:10"`

	// Chunk orchestration
	PollInterval          time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	CompletionTimeout     time.Duration `env:"COMPLETION_TIMEOUT" envDefault:"15m"`
	ProviderMaxRetries    int           `env:"PROVIDER_MAX_RETRIES" envDefault:"3"`
	CreditsPerChunkSecond float64       `env:"CREDITS_PER_CHUNK_SECOND" envDefault:"1"`

	// Tempo analysis
	BeatsPerMeasure     int           `env:"BEATS_PER_MEASURE" envDefault:"4"`
	ChunkCeilingSeconds float64       `env:"CHUNK_CEILING_SECONDS" envDefault:"9.0"`
	MinBPM              float64       `env:"MIN_BPM" envDefault:"60"`
	MaxBPM              float64       `env:"MAX_BPM" envDefault:"200"`
	MaxSyncOffset       time.Duration `env:"MAX_SYNC_OFFSET" envDefault:"5s"`

	// Ledger
	BaseJobCost         int64         `env:"BASE_JOB_COST" envDefault:"10"`
	CostPerMeasure      int64         `env:"COST_PER_MEASURE" envDefault:"1"`
	ReconcileInterval   time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	ReconcileBatchLimit int           `env:"RECONCILE_BATCH_LIMIT" envDefault:"100"`
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	if c.JWTSecret == "" && !c.Development {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}

	if c.WorkerEnabled {
		switch c.MotionProvider {
		case "http":
			if c.MotionAPIURL == "" {
				return fmt.Errorf("MOTION_API_URL is required when MOTION_PROVIDER=http")
			}
		case "veo":
			if c.GeminiKey == "" {
				return fmt.Errorf("GEMINI_API_KEY is required when MOTION_PROVIDER=veo")
			}
		default:
			return fmt.Errorf("unknown MOTION_PROVIDER %q (allowed: http, veo)", c.MotionProvider)
		}
	}

	if c.BeatsPerMeasure < 1 {
		return fmt.Errorf("BEATS_PER_MEASURE must be at least 1")
	}
	if c.ChunkCeilingSeconds <= 0 {
		return fmt.Errorf("CHUNK_CEILING_SECONDS must be positive")
	}
	if c.MinBPM <= 0 || c.MaxBPM <= c.MinBPM {
		return fmt.Errorf("MIN_BPM/MAX_BPM must form a positive range, got [%v, %v]", c.MinBPM, c.MaxBPM)
	}
	if c.MaxConcurrentJobs < 1 || c.MaxConcurrentChunks < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS and MAX_CONCURRENT_CHUNKS must be at least 1")
	}
	if c.MaxJobAttempts < 1 {
		return fmt.Errorf("MAX_JOB_ATTEMPTS must be at least 1")
	}

	return nil
}
