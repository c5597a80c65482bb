// Package analyze classifies the speaker's accent from a transcript using a
// chat-completion model. The Mistral API is OpenAI-compatible, so the
// standard client library is pointed at its base URL.
package analyze

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/snarg/accent-engine/internal/fault"
)

const systemPrompt = "You are a language expert who analyzes accents and provides detailed explanations."

const userPromptTemplate = `Analyze the following transcription and provide:
1. Classification of the accent (e.g., British, American, Australian, etc.)
2. A confidence score (0-100%%) indicating how likely the speaker has an English accent.
3. Supporting phonetic and linguistic notes for the classification.
4. The regions where this accent is most likely spoken.

Format the answer as markdown.

Transcription: "%s"`

// Options configures the accent analyzer.
type Options struct {
	APIKey  string
	BaseURL string // e.g. https://api.mistral.ai/v1
	Model   string // e.g. mistral-large-latest
	Timeout time.Duration
	Log     zerolog.Logger
}

// Analyzer sends transcripts to the chat-completion endpoint with a fixed
// analytical prompt. The model identifier is configured once at startup and
// is not user-selectable.
type Analyzer struct {
	client *openai.Client
	model  string
	apiKey string
	log    zerolog.Logger
}

// New creates an Analyzer. The credential check happens per call, not here,
// so a misconfigured instance starts up and reports the problem to users
// instead of crashing.
func New(opts Options) *Analyzer {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Analyzer{
		client: openai.NewClientWithConfig(cfg),
		model:  opts.Model,
		apiKey: opts.APIKey,
		log:    opts.Log.With().Str("component", "analyze").Logger(),
	}
}

// Model returns the configured model identifier.
func (a *Analyzer) Model() string { return a.model }

// Configured reports whether an API credential is present.
func (a *Analyzer) Configured() bool { return strings.TrimSpace(a.apiKey) != "" }

// Analyze submits the transcript and returns the raw markdown report.
// Preconditions are checked before any network call. The completion text is
// returned unmodified; no score parsing happens here.
func (a *Analyzer) Analyze(ctx context.Context, transcript string) (string, error) {
	if !a.Configured() {
		return "", fault.New(fault.NotConfigured, "analysis API key is not configured")
	}
	if strings.TrimSpace(transcript) == "" {
		return "", fault.New(fault.InvalidInput, "transcript must be non-empty")
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(userPromptTemplate, transcript)},
		},
	})
	if err != nil {
		return "", fault.Wrap(fault.ServiceUnavailable, err, "chat completion request")
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fault.New(fault.InvalidResponse, "completion contained no usable choice")
	}

	report := resp.Choices[0].Message.Content
	a.log.Debug().Int("report_bytes", len(report)).Str("model", a.model).Msg("accent analysis complete")
	return report, nil
}
