package transcribe

import (
	"context"

	"github.com/snarg/accent-engine/internal/audio"
)

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, buf *audio.Buffer) (*Result, error)
	Name() string  // "whisper"
	Model() string // model identifier for DB/logs
}

// Result is the common transcription result from any provider.
type Result struct {
	Text     string
	Language string
	Duration float64 // audio duration in seconds
}
