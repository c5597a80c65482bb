package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// Speech-to-text endpoint (OpenAI-compatible /v1/audio/transcriptions).
	STTURL     string        `env:"STT_URL,required"`
	STTModel   string        `env:"STT_MODEL" envDefault:"whisper-1"`
	STTAPIKey  string        `env:"STT_API_KEY"`
	STTTimeout time.Duration `env:"STT_TIMEOUT" envDefault:"120s"`

	// Accent analysis LLM (Mistral chat completions).
	MistralAPIKey  string        `env:"MISTRAL_API_KEY"`
	MistralBaseURL string        `env:"MISTRAL_BASE_URL" envDefault:"https://api.mistral.ai/v1"`
	MistralModel   string        `env:"MISTRAL_MODEL" envDefault:"mistral-large-latest"`
	MistralTimeout time.Duration `env:"MISTRAL_TIMEOUT" envDefault:"60s"`

	// Pipeline.
	Workers          int           `env:"WORKERS" envDefault:"2"`
	QueueSize        int           `env:"QUEUE_SIZE" envDefault:"32"`
	TempDir          string        `env:"TEMP_DIR"` // empty = os.TempDir()
	FetchTimeout     time.Duration `env:"FETCH_TIMEOUT" envDefault:"300s"`
	NormalizeTimeout time.Duration `env:"NORMALIZE_TIMEOUT" envDefault:"120s"`

	// Optional drop directory. Media files placed here are analyzed
	// without the download stage.
	DropDir string `env:"DROP_DIR"`

	S3 S3Config `envPrefix:"S3_"`
}

// S3Config holds optional object-store settings for archiving normalized
// audio. Archiving is enabled only when Bucket is set.
type S3Config struct {
	Bucket        string        `env:"BUCKET"`
	Region        string        `env:"REGION" envDefault:"us-east-1"`
	Endpoint      string        `env:"ENDPOINT"`
	AccessKey     string        `env:"ACCESS_KEY"`
	SecretKey     string        `env:"SECRET_KEY"`
	Prefix        string        `env:"PREFIX"`
	PresignExpiry time.Duration `env:"PRESIGN_EXPIRY" envDefault:"1h"`
}

// Enabled reports whether audio archiving is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	STTURL      string
	DropDir     string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.STTURL != "" {
		cfg.STTURL = overrides.STTURL
	}
	if overrides.DropDir != "" {
		cfg.DropDir = overrides.DropDir
	}

	return cfg, nil
}
