// Package fetch resolves a media URL to a local audio file by shelling out
// to yt-dlp. Each fetch owns an isolated temp directory so concurrent runs
// never collide; the directory is removed by Asset.Release on every exit
// path of a run.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/accent-engine/internal/fault"
)

// Asset is a downloaded audio file plus its container tag. It is owned by
// exactly one pipeline run and must be released when the run finishes.
type Asset struct {
	Path string // absolute path of the audio file
	Ext  string // container extension without dot, e.g. "wav", "m4a"

	dir      string // run-scoped temp directory, removed on Release
	released bool
	log      zerolog.Logger
}

// Release deletes the asset's temp directory, including any partial
// download artifacts yt-dlp left behind. Idempotent. Deletion failures are
// logged, never returned, so cleanup can never mask a pipeline error.
func (a *Asset) Release() {
	if a == nil || a.released {
		return
	}
	a.released = true
	if a.dir == "" {
		return
	}
	if err := os.RemoveAll(a.dir); err != nil {
		a.log.Warn().Err(err).Str("dir", a.dir).Msg("failed to remove run directory")
	}
}

// Dir returns the run-scoped temp directory owning the asset.
func (a *Asset) Dir() string { return a.dir }

// Fetcher downloads the best audio stream of a URL as a WAV file.
type Fetcher struct {
	binary  string // yt-dlp executable, overridable for tests
	tempDir string // base temp dir; "" = os.TempDir()
	log     zerolog.Logger
}

// New creates a Fetcher writing run directories under tempDir.
func New(tempDir string, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		binary:  "yt-dlp",
		tempDir: tempDir,
		log:     log.With().Str("component", "fetch").Logger(),
	}
}

// Fetch downloads the audio track of url into a fresh run directory.
// The caller owns the returned Asset and must call Release.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Asset, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fault.New(fault.InvalidInput, "media URL must not be empty")
	}

	dir, err := f.runDir()
	if err != nil {
		return nil, fault.Wrap(fault.Unexpected, err, "create run directory")
	}
	asset := &Asset{dir: dir, log: f.log}

	// yt-dlp picks the best audio stream and hands it to ffmpeg for WAV
	// extraction. The output template keeps everything inside the run
	// directory so Release covers partial downloads too.
	outTemplate := filepath.Join(dir, "audio.%(ext)s")
	cmd := exec.CommandContext(ctx, f.binary,
		"--no-playlist",
		"--no-warnings",
		"--quiet",
		"-f", "bestaudio/best",
		"-x", "--audio-format", "wav",
		"-o", outTemplate,
		url,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		asset.Release()
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.FetchError, ctx.Err(), "download aborted")
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fault.Wrap(fault.FetchError, fmt.Errorf("%s", stderrTail(stderr.String())), "yt-dlp failed")
		}
		return nil, fault.Wrap(fault.Unexpected, err, "run yt-dlp")
	}

	path := filepath.Join(dir, "audio.wav")
	if _, err := os.Stat(path); err != nil {
		// yt-dlp exited zero but produced nothing usable.
		asset.Release()
		return nil, fault.New(fault.FetchError, "downloader produced no audio file for %s", url)
	}

	asset.Path = path
	asset.Ext = "wav"
	f.log.Debug().Str("url", url).Str("path", path).Msg("audio fetched")
	return asset, nil
}

// FromFile wraps a local media file as an Asset for drop-directory runs.
// The file is moved into a fresh run directory so the cleanup contract is
// identical to downloaded assets.
func (f *Fetcher) FromFile(path string) (*Asset, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return nil, fault.New(fault.InvalidInput, "file %s has no extension", path)
	}

	dir, err := f.runDir()
	if err != nil {
		return nil, fault.Wrap(fault.Unexpected, err, "create run directory")
	}
	asset := &Asset{dir: dir, log: f.log}

	dst := filepath.Join(dir, "audio."+ext)
	if err := os.Rename(path, dst); err != nil {
		// Rename fails across filesystems; copy instead.
		if copyErr := copyFile(path, dst); copyErr != nil {
			asset.Release()
			return nil, fault.Wrap(fault.FetchError, copyErr, "import %s", path)
		}
		os.Remove(path)
	}

	asset.Path = dst
	asset.Ext = ext
	return asset, nil
}

// runDir allocates a unique directory for one pipeline run.
func (f *Fetcher) runDir() (string, error) {
	base := f.tempDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "accent-engine", uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// stderrTail keeps the last few lines of subprocess stderr for error
// messages without dumping the full progress log.
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
