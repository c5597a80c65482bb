// Package audio converts fetched media into the canonical transcription
// format: mono 16 kHz PCM WAV held in memory.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snarg/accent-engine/internal/fault"
	"github.com/snarg/accent-engine/internal/fetch"
)

const (
	// CanonicalSampleRate is the sample rate every transcription payload uses.
	CanonicalSampleRate = 16000
	// CanonicalChannels is mono.
	CanonicalChannels = 1
)

// Buffer is self-contained canonical audio, independent of the source
// file's lifetime. Reader() hands out a fresh reader positioned at the
// start, so the buffer can be consumed after the run directory is gone.
type Buffer struct {
	data []byte
}

// NewBuffer wraps already-canonical audio bytes.
func NewBuffer(data []byte) *Buffer { return &Buffer{data: data} }

func (b *Buffer) Bytes() []byte        { return b.data }
func (b *Buffer) Len() int             { return len(b.data) }
func (b *Buffer) Reader() *bytes.Reader { return bytes.NewReader(b.data) }

// Normalizer produces canonical audio buffers via ffmpeg.
type Normalizer struct {
	binary string // ffmpeg executable, overridable for tests
	log    zerolog.Logger
}

// New creates a Normalizer.
func New(log zerolog.Logger) *Normalizer {
	return &Normalizer{
		binary: "ffmpeg",
		log:    log.With().Str("component", "normalize").Logger(),
	}
}

// Normalize converts asset into a canonical in-memory WAV buffer.
// Already-canonical WAV files pass through byte-identical.
func (n *Normalizer) Normalize(ctx context.Context, asset *fetch.Asset) (*Buffer, error) {
	data, err := os.ReadFile(asset.Path)
	if err != nil {
		return nil, fault.Wrap(fault.ConversionError, err, "read audio file")
	}

	if asset.Ext == "wav" && isCanonicalWAV(data) {
		n.log.Debug().Str("path", asset.Path).Msg("audio already canonical, passing through")
		return &Buffer{data: data}, nil
	}

	// ffmpeg decodes by sniffing the container (the extension tag picked
	// the decode path upstream) and re-encodes mono 16 kHz WAV on stdout.
	cmd := exec.CommandContext(ctx, n.binary,
		"-hide_banner", "-loglevel", "error",
		"-i", asset.Path,
		"-ac", "1",
		"-ar", "16000",
		"-acodec", "pcm_s16le",
		"-f", "wav",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.ConversionError, ctx.Err(), "conversion aborted")
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fault.New(fault.ConversionError, "ffmpeg failed: %s", stderrTail(stderr.String()))
		}
		return nil, fault.Wrap(fault.Unexpected, err, "run ffmpeg")
	}

	out := stdout.Bytes()
	if len(out) == 0 {
		return nil, fault.New(fault.ConversionError, "ffmpeg produced no output for %s", asset.Path)
	}
	return &Buffer{data: out}, nil
}

// isCanonicalWAV reports whether data is a PCM WAV file already at the
// canonical sample rate and channel count. The 44-byte header layout
// follows the standard RIFF/WAVE format.
func isCanonicalWAV(data []byte) bool {
	if len(data) < 44 {
		return false
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" || string(data[12:16]) != "fmt " {
		return false
	}
	audioFormat := binary.LittleEndian.Uint16(data[20:22])
	channels := binary.LittleEndian.Uint16(data[22:24])
	sampleRate := binary.LittleEndian.Uint32(data[24:28])
	return audioFormat == 1 && // PCM
		channels == CanonicalChannels &&
		sampleRate == CanonicalSampleRate
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "no error output"
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, "; ")
}
