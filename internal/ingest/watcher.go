// Package ingest watches a drop directory for media files and submits them
// as analysis runs. This provides an alternative to the HTTP API for batch
// workflows: copy files in, get analyses out.
package ingest

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// mediaExts are the file extensions the watcher will submit. Anything else
// dropped into the directory is counted as skipped and left alone.
var mediaExts = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".aac": true,
	".ogg": true, ".opus": true, ".flac": true,
	".mp4": true, ".webm": true, ".mkv": true, ".mov": true,
}

// SubmitFunc submits one dropped file as an analysis run. The watcher does
// not retry: a failed submission is logged and the file is left in place.
type SubmitFunc func(path string) error

// Watcher monitors a drop directory for new media files.
type Watcher struct {
	dir    string
	submit SubmitFunc
	log    zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}

	// Debounce: coalesce rapid Create+Write events while a file is still
	// being copied in.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	filesSubmitted atomic.Int64
	filesSkipped   atomic.Int64
	status         atomic.Value // string: "starting", "watching", "stopped"
}

// StatusData is the watcher snapshot reported by the health endpoint.
type StatusData struct {
	Status         string `json:"status"`
	Dir            string `json:"dir"`
	FilesSubmitted int64  `json:"files_submitted"`
	FilesSkipped   int64  `json:"files_skipped"`
}

// NewWatcher creates a Watcher for dir. Start must be called before any
// events are delivered.
func NewWatcher(dir string, submit SubmitFunc, log zerolog.Logger) *Watcher {
	w := &Watcher{
		dir:            dir,
		submit:         submit,
		log:            log.With().Str("component", "watcher").Logger(),
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}
	w.status.Store("starting")
	return w
}

// Start initializes the fsnotify watcher over the drop directory and all
// existing subdirectories, then begins watching.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	dirCount := 0
	err = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn().Err(err).Str("path", path).Msg("error walking drop directory")
			return nil
		}
		if d.IsDir() {
			if addErr := fsw.Add(path); addErr != nil {
				w.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return err
	}

	w.log.Info().Int("directories", dirCount).Str("dir", w.dir).Msg("drop watcher initialized")
	w.status.Store("watching")
	go w.watchLoop()
	return nil
}

// Stop closes the fsnotify watcher. Pending debounce timers are dropped.
func (w *Watcher) Stop() {
	w.status.Store("stopped")
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.debounceMu.Lock()
	for path, t := range w.debounceTimers {
		t.Stop()
		delete(w.debounceTimers, path)
	}
	w.debounceMu.Unlock()
	w.log.Info().
		Int64("files_submitted", w.filesSubmitted.Load()).
		Int64("files_skipped", w.filesSkipped.Load()).
		Msg("drop watcher stopped")
}

// Status returns the current watcher snapshot.
func (w *Watcher) Status() StatusData {
	s, _ := w.status.Load().(string)
	return StatusData{
		Status:         s,
		Dir:            w.dir,
		FilesSubmitted: w.filesSubmitted.Load(),
		FilesSkipped:   w.filesSkipped.Load(),
	}
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// New subdirectory: add it to the watch set.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.watcher.Add(event.Name); err != nil {
					w.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				}
				continue
			}

			if !isMediaFile(event.Name) {
				continue
			}
			w.scheduleSubmit(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleSubmit debounces submission by 500ms so a file still being copied
// in is read only after writes settle.
func (w *Watcher) scheduleSubmit(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(500 * time.Millisecond)
		return
	}

	w.debounceTimers[path] = time.AfterFunc(500*time.Millisecond, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		w.submitFile(path)
	})
}

func (w *Watcher) submitFile(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		w.filesSkipped.Add(1)
		return
	}
	if err := w.submit(path); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("failed to submit dropped file")
		w.filesSkipped.Add(1)
		return
	}
	w.filesSubmitted.Add(1)
	w.log.Info().Str("path", path).Msg("dropped file submitted")
}

func isMediaFile(path string) bool {
	return mediaExts[strings.ToLower(filepath.Ext(path))]
}
