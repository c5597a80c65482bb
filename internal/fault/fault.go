// Package fault defines the failure taxonomy shared by all pipeline stages.
// Every stage returns an *Error carrying a machine-checkable Kind plus a
// human-readable message, so callers branch on Kind rather than on message
// text.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// InvalidInput means the caller supplied unusable input (empty URL,
	// empty transcript). Detected before any external call is made.
	InvalidInput Kind = "invalid_input"

	// NotConfigured means a required credential or setting is missing.
	NotConfigured Kind = "not_configured"

	// FetchError means the downloader could not produce an audio asset
	// (bad URL, no audio track, network failure during download).
	FetchError Kind = "fetch_error"

	// ConversionError means the audio could not be decoded or resampled.
	ConversionError Kind = "conversion_error"

	// UnintelligibleAudio means the recognition service processed the
	// audio but found no usable speech (silence, noise, low confidence).
	UnintelligibleAudio Kind = "unintelligible_audio"

	// ServiceUnavailable means a remote service could not be reached or
	// rejected the request (transport error, quota, non-2xx status).
	ServiceUnavailable Kind = "service_unavailable"

	// InvalidResponse means a remote service answered but the payload was
	// unusable (no choices, empty completion).
	InvalidResponse Kind = "invalid_response"

	// Unexpected covers everything the other kinds do not.
	Unexpected Kind = "unexpected_error"
)

// Error is a typed pipeline failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, &Error{Kind: k}) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a typed failure with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed failure around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err. Non-taxonomy errors (including
// wrapped ones with no *Error in the chain) classify as Unexpected.
// A nil error has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unexpected
}
