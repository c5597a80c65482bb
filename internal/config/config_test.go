package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Set required env vars for all subtests
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "postgres://localhost/test",
		"STT_URL":      "http://localhost:9000/v1/audio/transcriptions",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.STTModel != "whisper-1" {
			t.Errorf("STTModel = %q, want whisper-1", cfg.STTModel)
		}
		if cfg.MistralModel != "mistral-large-latest" {
			t.Errorf("MistralModel = %q, want mistral-large-latest", cfg.MistralModel)
		}
		if cfg.MistralBaseURL != "https://api.mistral.ai/v1" {
			t.Errorf("MistralBaseURL = %q", cfg.MistralBaseURL)
		}
		if cfg.Workers != 2 {
			t.Errorf("Workers = %d, want 2", cfg.Workers)
		}
		if cfg.QueueSize != 32 {
			t.Errorf("QueueSize = %d, want 32", cfg.QueueSize)
		}
		if cfg.FetchTimeout != 300*time.Second {
			t.Errorf("FetchTimeout = %v, want 300s", cfg.FetchTimeout)
		}
		if cfg.NormalizeTimeout != 120*time.Second {
			t.Errorf("NormalizeTimeout = %v, want 120s", cfg.NormalizeTimeout)
		}
		if cfg.S3.Enabled() {
			t.Error("S3.Enabled() = true without bucket")
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "postgres://override/db",
			STTURL:      "http://override:9000/transcribe",
			DropDir:     "/tmp/drop",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
		if cfg.STTURL != "http://override:9000/transcribe" {
			t.Errorf("STTURL = %q, want override", cfg.STTURL)
		}
		if cfg.DropDir != "/tmp/drop" {
			t.Errorf("DropDir = %q, want /tmp/drop", cfg.DropDir)
		}
	})

	t.Run("s3_prefix_env", func(t *testing.T) {
		restore := setEnvs(t, map[string]string{
			"S3_BUCKET": "audio-archive",
			"S3_REGION": "eu-west-1",
		})
		defer restore()

		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !cfg.S3.Enabled() {
			t.Error("S3.Enabled() = false with bucket set")
		}
		if cfg.S3.Region != "eu-west-1" {
			t.Errorf("S3.Region = %q, want eu-west-1", cfg.S3.Region)
		}
	})

	t.Run("missing_required_fails", func(t *testing.T) {
		old := os.Getenv("STT_URL")
		os.Unsetenv("STT_URL")
		defer os.Setenv("STT_URL", old)

		if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
			t.Error("Load should fail without STT_URL")
		}
	})
}

// setEnvs sets environment variables and returns a cleanup function
// restoring the previous values.
func setEnvs(t *testing.T, vars map[string]string) func() {
	t.Helper()
	prev := make(map[string]*string, len(vars))
	for k, v := range vars {
		if old, ok := os.LookupEnv(k); ok {
			prev[k] = &old
		} else {
			prev[k] = nil
		}
		os.Setenv(k, v)
	}
	return func() {
		for k, old := range prev {
			if old == nil {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, *old)
			}
		}
	}
}
