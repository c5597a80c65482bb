package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/accent-engine/internal/fetch"
)

// makeWAV builds a minimal PCM WAV file with the given parameters.
func makeWAV(t *testing.T, sampleRate uint32, channels uint16, samples int) []byte {
	t.Helper()
	dataSize := uint32(samples * 2 * int(channels))
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, channels)
	binary.Write(&buf, binary.LittleEndian, sampleRate)
	binary.Write(&buf, binary.LittleEndian, sampleRate*uint32(channels)*2)
	binary.Write(&buf, binary.LittleEndian, channels*2)
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}

func writeAsset(t *testing.T, fetcher *fetch.Fetcher, name string, data []byte) *fetch.Asset {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	asset, err := fetcher.FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	t.Cleanup(asset.Release)
	return asset
}

func TestNormalizeCanonicalPassthrough(t *testing.T) {
	fetcher := fetch.New(t.TempDir(), zerolog.Nop())
	wav := makeWAV(t, 16000, 1, 1600)
	asset := writeAsset(t, fetcher, "clip.wav", wav)

	n := New(zerolog.Nop())
	n.binary = "/nonexistent/ffmpeg" // passthrough must not invoke ffmpeg

	buf, err := n.Normalize(context.Background(), asset)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), wav) {
		t.Error("canonical WAV should pass through byte-identical")
	}
}

func TestNormalizeRejectsCorruptInput(t *testing.T) {
	fetcher := fetch.New(t.TempDir(), zerolog.Nop())
	asset := writeAsset(t, fetcher, "clip.mp3", []byte("not audio at all"))

	n := New(zerolog.Nop())
	n.binary = "/nonexistent/ffmpeg"

	if _, err := n.Normalize(context.Background(), asset); err == nil {
		t.Fatal("Normalize should fail for undecodable input")
	}
}

func TestIsCanonicalWAV(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"canonical", makeWAV(t, 16000, 1, 100), true},
		{"stereo", makeWAV(t, 16000, 2, 100), false},
		{"wrong_rate", makeWAV(t, 44100, 1, 100), false},
		{"too_short", []byte("RIFF"), false},
		{"not_riff", make([]byte, 64), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isCanonicalWAV(tt.data); got != tt.want {
				t.Errorf("isCanonicalWAV() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBufferReaderStartsAtZero(t *testing.T) {
	b := &Buffer{data: []byte{1, 2, 3, 4}}
	r := b.Reader()
	first := make([]byte, 1)
	if _, err := r.Read(first); err != nil || first[0] != 1 {
		t.Errorf("Reader should start at the first byte, got %v (%v)", first, err)
	}
	// A second reader is independent and also starts at zero.
	r2 := b.Reader()
	if _, err := r2.Read(first); err != nil || first[0] != 1 {
		t.Error("second Reader should be reset to the start")
	}
}
