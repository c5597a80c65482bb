package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/snarg/accent-engine/internal/audio"
	"github.com/snarg/accent-engine/internal/fault"
)

// WhisperClient calls an OpenAI-compatible /v1/audio/transcriptions endpoint
// with the canonical waveform. One network call per invocation, no retries.
type WhisperClient struct {
	url     string
	model   string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

// whisperResponse is the parsed response from the transcription API.
type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// NewWhisperClient creates a transcription HTTP client. apiKey may be empty
// for unauthenticated local servers.
func NewWhisperClient(url, model, apiKey string, timeout time.Duration) *WhisperClient {
	return &WhisperClient{
		url:     url,
		model:   model,
		apiKey:  apiKey,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (wc *WhisperClient) Name() string { return "whisper" }

// Model returns the configured model identifier.
func (wc *WhisperClient) Model() string { return wc.model }

// Transcribe submits the waveform and returns the recognized text.
// Outcomes are kept distinguishable: recognized speech succeeds, an empty
// recognition result fails with UnintelligibleAudio, and transport or
// server errors fail with ServiceUnavailable.
func (wc *WhisperClient) Transcribe(ctx context.Context, buf *audio.Buffer) (*Result, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fault.Wrap(fault.Unexpected, err, "create form file")
	}
	if _, err := io.Copy(part, buf.Reader()); err != nil {
		return nil, fault.Wrap(fault.Unexpected, err, "copy audio data")
	}

	if wc.model != "" {
		w.WriteField("model", wc.model)
	}
	w.WriteField("response_format", "json")
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, &body)
	if err != nil {
		return nil, fault.Wrap(fault.Unexpected, err, "create request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if wc.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+wc.apiKey)
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.ServiceUnavailable, err, "transcription request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.ServiceUnavailable, err, "read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.ServiceUnavailable, "transcription API error (status %d): %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result whisperResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fault.Wrap(fault.Unexpected, err, "decode response")
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		// The service answered but found no usable speech. This stays a
		// typed failure so it can never be mistaken for transcript text.
		return nil, fault.New(fault.UnintelligibleAudio, "no speech recognized in audio")
	}

	return &Result{
		Text:     text,
		Language: result.Language,
		Duration: result.Duration,
	}, nil
}
