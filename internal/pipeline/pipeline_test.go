package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/accent-engine/internal/audio"
	"github.com/snarg/accent-engine/internal/database"
	"github.com/snarg/accent-engine/internal/events"
	"github.com/snarg/accent-engine/internal/fault"
	"github.com/snarg/accent-engine/internal/fetch"
	"github.com/snarg/accent-engine/internal/transcribe"
)

type fakeFetcher struct {
	asset *fetch.Asset
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*fetch.Asset, error) {
	f.calls++
	return f.asset, f.err
}

func (f *fakeFetcher) FromFile(path string) (*fetch.Asset, error) {
	f.calls++
	return f.asset, f.err
}

type fakeNormalizer struct {
	buf   *audio.Buffer
	err   error
	calls int
}

func (n *fakeNormalizer) Normalize(ctx context.Context, asset *fetch.Asset) (*audio.Buffer, error) {
	n.calls++
	return n.buf, n.err
}

type fakeTranscriber struct {
	result *transcribe.Result
	err    error
	calls  int
}

func (t *fakeTranscriber) Transcribe(ctx context.Context, buf *audio.Buffer) (*transcribe.Result, error) {
	t.calls++
	return t.result, t.err
}

func (t *fakeTranscriber) Name() string  { return "fake" }
func (t *fakeTranscriber) Model() string { return "fake-stt" }

type fakeAnalyzer struct {
	report string
	err    error
	calls  int
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, transcript string) (string, error) {
	a.calls++
	return a.report, a.err
}

func (a *fakeAnalyzer) Model() string { return "fake-llm" }

type memStore struct {
	mu         sync.Mutex
	statuses   []string
	completed  bool
	transcript string
	report     string
	failKind   string
	failMsg    string
	failedWith *string
}

func (s *memStore) UpdateAnalysisStatus(ctx context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *memStore) CompleteAnalysis(ctx context.Context, id int64, transcript, report, language, sttModel, llmModel string, t database.StageTimings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	s.transcript = transcript
	s.report = report
	return nil
}

func (s *memStore) FailAnalysis(ctx context.Context, id int64, kind, message string, transcript *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failKind = kind
	s.failMsg = message
	s.failedWith = transcript
	return nil
}

func testRunner(t *testing.T, f Fetcher, n Normalizer, tr transcribe.Provider, a Analyzer, store RunStore) *Runner {
	t.Helper()
	return NewRunner(RunnerOptions{
		Fetcher:     f,
		Normalizer:  n,
		Transcriber: tr,
		Analyzer:    a,
		Store:       store,
		Bus:         events.NewBus(16),
		Log:         zerolog.Nop(),
	})
}

func happyParts() (*fakeFetcher, *fakeNormalizer, *fakeTranscriber, *fakeAnalyzer) {
	f := &fakeFetcher{asset: &fetch.Asset{Path: "/tmp/none", Ext: "wav"}}
	n := &fakeNormalizer{buf: audio.NewBuffer([]byte("pcm"))}
	tr := &fakeTranscriber{result: &transcribe.Result{Text: "hello there", Language: "en"}}
	a := &fakeAnalyzer{report: "British English, 80% confidence"}
	return f, n, tr, a
}

func TestRunSuccess(t *testing.T) {
	f, n, tr, a := happyParts()
	store := &memStore{}
	r := testRunner(t, f, n, tr, a, store)

	if err := r.Run(context.Background(), Job{RunID: 1, URL: "https://example.com/v"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		database.StatusFetching,
		database.StatusNormalizing,
		database.StatusTranscribing,
		database.StatusAnalyzing,
	}
	if len(store.statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", store.statuses, want)
	}
	for i := range want {
		if store.statuses[i] != want[i] {
			t.Errorf("status[%d] = %q, want %q", i, store.statuses[i], want[i])
		}
	}
	if !store.completed {
		t.Error("run not marked complete")
	}
	if store.transcript != "hello there" {
		t.Errorf("transcript = %q", store.transcript)
	}
	if store.report != "British English, 80% confidence" {
		t.Errorf("report = %q", store.report)
	}
}

func TestRunFetchFailureSkipsLaterStages(t *testing.T) {
	f := &fakeFetcher{err: fault.New(fault.FetchError, "download failed")}
	n := &fakeNormalizer{}
	tr := &fakeTranscriber{}
	a := &fakeAnalyzer{}
	store := &memStore{}
	r := testRunner(t, f, n, tr, a, store)

	err := r.Run(context.Background(), Job{RunID: 2, URL: "https://example.com/v"})
	if err == nil {
		t.Fatal("expected error")
	}
	if n.calls != 0 || tr.calls != 0 || a.calls != 0 {
		t.Errorf("later stages ran: normalize=%d transcribe=%d analyze=%d", n.calls, tr.calls, a.calls)
	}
	if store.failKind != string(fault.FetchError) {
		t.Errorf("failure kind = %q, want %q", store.failKind, fault.FetchError)
	}
	if store.completed {
		t.Error("failed run marked complete")
	}
}

func TestRunUnintelligibleSkipsAnalyzer(t *testing.T) {
	f, n, _, a := happyParts()
	tr := &fakeTranscriber{err: fault.New(fault.UnintelligibleAudio, "could not understand audio")}
	store := &memStore{}
	r := testRunner(t, f, n, tr, a, store)

	if err := r.Run(context.Background(), Job{RunID: 3, URL: "u"}); err == nil {
		t.Fatal("expected error")
	}
	if a.calls != 0 {
		t.Error("analyzer invoked after unintelligible transcription")
	}
	if store.failKind != string(fault.UnintelligibleAudio) {
		t.Errorf("failure kind = %q", store.failKind)
	}
}

func TestRunAnalyzeFailureKeepsTranscript(t *testing.T) {
	f, n, tr, _ := happyParts()
	a := &fakeAnalyzer{err: fault.New(fault.ServiceUnavailable, "llm down")}
	store := &memStore{}
	r := testRunner(t, f, n, tr, a, store)

	if err := r.Run(context.Background(), Job{RunID: 4, URL: "u"}); err == nil {
		t.Fatal("expected error")
	}
	if store.failedWith == nil || *store.failedWith != "hello there" {
		t.Errorf("transcript not preserved on analyze failure: %v", store.failedWith)
	}
}

func TestRunReleasesTempDir(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "clip.wav")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	asset, err := fetch.New(base, zerolog.Nop()).FromFile(src)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	dir := asset.Dir()

	f := &fakeFetcher{asset: asset}
	n := &fakeNormalizer{err: fault.New(fault.ConversionError, "bad audio")}
	store := &memStore{}
	r := testRunner(t, f, n, &fakeTranscriber{}, &fakeAnalyzer{}, store)

	if err := r.Run(context.Background(), Job{RunID: 5, URL: "u"}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("run directory not removed after failure: %v", err)
	}
}

// cancelingNormalizer cancels the run's context mid-stage, the way a
// shutdown interrupts an in-flight job.
type cancelingNormalizer struct {
	cancel context.CancelFunc
}

func (n *cancelingNormalizer) Normalize(ctx context.Context, asset *fetch.Asset) (*audio.Buffer, error) {
	n.cancel()
	return nil, ctx.Err()
}

func TestRunCanceledMidRunReleasesTempDir(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "clip.wav")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	asset, err := fetch.New(base, zerolog.Nop()).FromFile(src)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	dir := asset.Dir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeFetcher{asset: asset}
	tr := &fakeTranscriber{}
	a := &fakeAnalyzer{}
	store := &memStore{}
	r := testRunner(t, f, &cancelingNormalizer{cancel: cancel}, tr, a, store)

	if err := r.Run(ctx, Job{RunID: 9, URL: "u"}); err == nil {
		t.Fatal("expected error from canceled run")
	}
	if tr.calls != 0 || a.calls != 0 {
		t.Errorf("later stages ran after cancellation: transcribe=%d analyze=%d", tr.calls, a.calls)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("run directory not removed after cancellation: %v", err)
	}
	if store.failKind == "" {
		t.Error("canceled run not recorded as failed")
	}
	if store.completed {
		t.Error("canceled run marked complete")
	}
}

func TestRunEmitsEvents(t *testing.T) {
	f, n, tr, a := happyParts()
	store := &memStore{}
	bus := events.NewBus(32)
	r := NewRunner(RunnerOptions{
		Fetcher: f, Normalizer: n, Transcriber: tr, Analyzer: a,
		Store: store, Bus: bus, Log: zerolog.Nop(),
	})

	ch, cancel := bus.Subscribe(events.Filter{RunID: 6})
	defer cancel()

	if err := r.Run(context.Background(), Job{RunID: 6, URL: "u"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var types []string
	timeout := time.After(time.Second)
	// 4 status + transcript + report + done
	for len(types) < 7 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
	if types[len(types)-1] != events.TypeDone {
		t.Errorf("last event = %q, want %q", types[len(types)-1], events.TypeDone)
	}
	seen := map[string]bool{}
	for _, typ := range types {
		seen[typ] = true
	}
	for _, want := range []string{events.TypeStatus, events.TypeTranscript, events.TypeReport, events.TypeDone} {
		if !seen[want] {
			t.Errorf("missing event type %q", want)
		}
	}
}

func TestPoolEnqueueRejectsWhenFull(t *testing.T) {
	f, n, tr, a := happyParts()
	r := testRunner(t, f, n, tr, a, &memStore{})
	p := NewPool(r, 1, 2, zerolog.Nop())
	// Not started: nothing drains the queue.
	if !p.Enqueue(Job{RunID: 1}) || !p.Enqueue(Job{RunID: 2}) {
		t.Fatal("enqueue rejected with capacity available")
	}
	if p.Enqueue(Job{RunID: 3}) {
		t.Error("enqueue accepted beyond queue capacity")
	}
	queued, _, _ := p.Stats()
	if queued != 2 {
		t.Errorf("queued = %d, want 2", queued)
	}
}

func TestPoolProcessesJobs(t *testing.T) {
	f, n, tr, a := happyParts()
	store := &memStore{}
	r := testRunner(t, f, n, tr, a, store)
	p := NewPool(r, 2, 8, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	for i := int64(1); i <= 4; i++ {
		if !p.Enqueue(Job{RunID: i, URL: "u"}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, completed, _ := p.Stats()
		if completed == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("jobs not drained, completed=%d", completed)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	p.Stop()
}

// deadlineNormalizer records whether its context carried a deadline.
type deadlineNormalizer struct {
	buf         *audio.Buffer
	hadDeadline bool
}

func (n *deadlineNormalizer) Normalize(ctx context.Context, asset *fetch.Asset) (*audio.Buffer, error) {
	_, n.hadDeadline = ctx.Deadline()
	return n.buf, nil
}

func TestNormalizeTimeoutBoundsStage(t *testing.T) {
	f, _, tr, a := happyParts()
	n := &deadlineNormalizer{buf: audio.NewBuffer([]byte("pcm"))}
	store := &memStore{}
	r := NewRunner(RunnerOptions{
		Fetcher: f, Normalizer: n, Transcriber: tr, Analyzer: a,
		Store: store, Bus: events.NewBus(16),
		Timeouts: Timeouts{Normalize: time.Minute},
		Log:      zerolog.Nop(),
	})

	if err := r.Run(context.Background(), Job{RunID: 10, URL: "u"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !n.hadDeadline {
		t.Error("normalize stage ran without the configured deadline")
	}
}

func TestStageContextUnbounded(t *testing.T) {
	ctx, cancel := stageContext(context.Background(), 0)
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Error("zero timeout should not set a deadline")
	}

	bounded, cancel2 := stageContext(context.Background(), time.Minute)
	defer cancel2()
	if _, ok := bounded.Deadline(); !ok {
		t.Error("nonzero timeout should set a deadline")
	}
}
