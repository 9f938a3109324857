package narrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nadzzz/longspeech/internal/config"
	"github.com/nadzzz/longspeech/internal/media"
	"github.com/nadzzz/longspeech/internal/tts"
)

// fakeEngine records every call and answers with "<name>:<text>;" padded
// audio unless fail says otherwise.
type fakeEngine struct {
	name   string
	format string
	fail   func(text string) error

	mu    sync.Mutex
	calls []string
}

func (f *fakeEngine) Name() string { return f.name }
func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOpts) (*tts.SynthesizeResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(text); err != nil {
			return nil, err
		}
	}
	return &tts.SynthesizeResult{Audio: []byte(f.name + ":" + text + ";"), Format: f.format}, nil
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeTool concatenates segment files byte by byte and records what it saw.
type fakeTool struct {
	concatErr   error
	afterConcat func()
	mu         sync.Mutex
	segments   []string
	transcodes int
}

func (f *fakeTool) Concat(ctx context.Context, segments []string, out string) error {
	f.mu.Lock()
	f.segments = append([]string(nil), segments...)
	f.mu.Unlock()
	if f.concatErr != nil {
		return f.concatErr
	}
	var joined []byte
	for _, s := range segments {
		data, err := os.ReadFile(s)
		if err != nil {
			return err
		}
		joined = append(joined, data...)
	}
	if err := os.WriteFile(out, joined, 0o600); err != nil {
		return err
	}
	if f.afterConcat != nil {
		f.afterConcat()
	}
	return nil
}

func (f *fakeTool) Transcode(ctx context.Context, in, out string) error {
	f.mu.Lock()
	f.transcodes++
	f.mu.Unlock()
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, append([]byte("mp3<"), data...), 0o600)
}

type harness struct {
	narrator *Narrator
	primary  *fakeEngine
	fallback *fakeEngine
	tool     *fakeTool
	locates  int
	tempDir  string
}

func newHarness(t *testing.T, maxChars int) *harness {
	t.Helper()
	h := &harness{
		primary:  &fakeEngine{name: "primary", format: "mp3"},
		fallback: &fakeEngine{name: "fallback", format: "mp3"},
		tool:     &fakeTool{},
		tempDir:  t.TempDir(),
	}
	catalog, err := tts.NewCatalog(tts.DefaultVoices, "en-US-AriaNeural")
	if err != nil {
		t.Fatal(err)
	}
	h.narrator = New(Options{
		Primary:  h.primary,
		Fallback: h.fallback,
		Catalog:  catalog,
		Synthesis: config.SynthesisConfig{
			MaxChars:       maxChars,
			MaxAttempts:    3,
			RetryBackoff:   time.Second,
			MinChunkBytes:  4,
			MinOutputBytes: 4,
			TempDir:        h.tempDir,
		},
		LocateTool: func() (MediaTool, error) {
			h.locates++
			return h.tool, nil
		},
	})
	h.narrator.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return h
}

func (h *harness) leftovers(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.tempDir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

const fiveSentences = "Sentence 1. Sentence 2. Sentence 3. Sentence 4. Sentence 5."

func TestSynthesizeSingleChunk(t *testing.T) {
	h := newHarness(t, 100)

	res, err := h.narrator.Synthesize(context.Background(), Request{Text: "Hello world."})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	defer res.Cleanup()

	if res.Chunks != 1 || res.Segments != 1 || res.FallbackUsed || res.FallbackFrom != -1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Voice != "en-US-AriaNeural" {
		t.Fatalf("default voice not applied: %q", res.Voice)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "primary:Hello world.;" {
		t.Fatalf("output = %q", data)
	}
	if filepath.Base(res.Path) != OutputName {
		t.Fatalf("output name = %q", res.Path)
	}

	if err := res.Cleanup(); err != nil {
		t.Fatal(err)
	}
	if left := h.leftovers(t); len(left) != 0 {
		t.Fatalf("Cleanup left %v", left)
	}
}

func TestSynthesizeBlankInputMakesNoCalls(t *testing.T) {
	h := newHarness(t, 100)

	for _, text := range []string{"", "   \n\t "} {
		_, err := h.narrator.Synthesize(context.Background(), Request{Text: text})
		if KindOf(err) != KindInput || !errors.Is(err, ErrEmptyText) {
			t.Fatalf("text %q: expected input error, got %v", text, err)
		}
	}
	if h.locates != 0 || len(h.primary.Calls()) != 0 || len(h.fallback.Calls()) != 0 {
		t.Fatal("blank input must not reach any engine or tool")
	}
}

func TestSynthesizeUnknownVoice(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.narrator.Synthesize(context.Background(), Request{Text: "Hi.", Voice: "xx-XX-NobodyNeural"})
	if KindOf(err) != KindInput {
		t.Fatalf("expected input error, got %v", err)
	}
}

func TestSynthesizeMissingMediaToolFailsBeforeSynthesis(t *testing.T) {
	h := newHarness(t, 100)
	h.narrator.locate = func() (MediaTool, error) { return nil, media.ErrNotFound }

	_, err := h.narrator.Synthesize(context.Background(), Request{Text: "Hello world."})
	if KindOf(err) != KindConfiguration || !errors.Is(err, media.ErrNotFound) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(h.primary.Calls()) != 0 {
		t.Fatal("no synthesis should happen without a media tool")
	}
	if left := h.leftovers(t); len(left) != 0 {
		t.Fatalf("temp dir created: %v", left)
	}
}

func TestSynthesizeStickyFallback(t *testing.T) {
	h := newHarness(t, 12)
	h.primary.fail = func(text string) error {
		if strings.Contains(text, "2") {
			return errors.New("service unavailable")
		}
		return nil
	}

	res, err := h.narrator.Synthesize(context.Background(), Request{Text: fiveSentences})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	defer res.Cleanup()

	if res.Chunks != 5 || res.Segments != 5 {
		t.Fatalf("expected 5 chunks and segments, got %+v", res)
	}
	if !res.FallbackUsed || res.FallbackFrom != 1 {
		t.Fatalf("fallback should start at chunk index 1, got %+v", res)
	}

	primaryCalls := h.primary.Calls()
	if len(primaryCalls) != 4 {
		t.Fatalf("primary: expected 1 success + 3 failed attempts, got %q", primaryCalls)
	}
	for _, c := range primaryCalls[1:] {
		if c != " Sentence 2." {
			t.Fatalf("primary called for later chunk %q", c)
		}
	}
	if got := h.fallback.Calls(); len(got) != 4 || got[0] != " Sentence 2." || got[3] != " Sentence 5." {
		t.Fatalf("fallback calls = %q", got)
	}

	for i, seg := range h.tool.segments {
		if filepath.Base(seg) != fmt.Sprintf("chunk_%d.mp3", i) {
			t.Fatalf("segment %d out of order: %s", i, seg)
		}
	}
	data, _ := os.ReadFile(res.Path)
	want := "primary:Sentence 1.;fallback: Sentence 2.;fallback: Sentence 3.;fallback: Sentence 4.;fallback: Sentence 5.;"
	if string(data) != want {
		t.Fatalf("output = %q, want %q", data, want)
	}
}

func TestSynthesizeRetriesTransientFailure(t *testing.T) {
	h := newHarness(t, 100)
	failures := 2
	h.primary.fail = func(string) error {
		if failures > 0 {
			failures--
			return errors.New("timeout")
		}
		return nil
	}
	var slept []time.Duration
	h.narrator.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	res, err := h.narrator.Synthesize(context.Background(), Request{Text: "Hello world."})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	defer res.Cleanup()

	if res.FallbackUsed {
		t.Fatal("fallback should not be used when a retry succeeds")
	}
	if len(h.primary.Calls()) != 3 || len(slept) != 2 || slept[0] != time.Second {
		t.Fatalf("calls=%d slept=%v", len(h.primary.Calls()), slept)
	}
}

func TestSynthesizeTooSmallChunkCountsAsFailure(t *testing.T) {
	h := newHarness(t, 100)
	h.narrator.cfg.MinChunkBytes = 1 << 20

	_, err := h.narrator.Synthesize(context.Background(), Request{Text: "Hello world."})
	if KindOf(err) != KindSynthesis {
		t.Fatalf("expected synthesis error, got %v", err)
	}
	if len(h.primary.Calls()) != 3 || len(h.fallback.Calls()) != 3 {
		t.Fatalf("expected 3 attempts per engine, got %d/%d", len(h.primary.Calls()), len(h.fallback.Calls()))
	}
	if left := h.leftovers(t); len(left) != 0 {
		t.Fatalf("temp dir not removed: %v", left)
	}
}

func TestSynthesizeNoFallbackIsFatal(t *testing.T) {
	h := newHarness(t, 12)
	h.narrator.fallback = nil
	h.primary.fail = func(text string) error {
		if strings.Contains(text, "3") {
			return errors.New("rate limited")
		}
		return nil
	}

	_, err := h.narrator.Synthesize(context.Background(), Request{Text: fiveSentences})
	var nerr *Error
	if !errors.As(err, &nerr) || nerr.Kind != KindSynthesis || nerr.Chunk != 2 {
		t.Fatalf("expected synthesis error at chunk 2, got %v", err)
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("cause missing from %q", err)
	}
	if left := h.leftovers(t); len(left) != 0 {
		t.Fatalf("temp dir not removed: %v", left)
	}
}

func TestSynthesizeEmptyAudioTriggersFallback(t *testing.T) {
	h := newHarness(t, 100)
	h.primary.fail = func(string) error { return tts.ErrEmptyAudio }

	res, err := h.narrator.Synthesize(context.Background(), Request{Text: "Hello world."})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	defer res.Cleanup()
	if !res.FallbackUsed || res.FallbackFrom != 0 {
		t.Fatalf("expected fallback from chunk 0, got %+v", res)
	}
}

func TestSynthesizeTranscodesNonMP3Fallback(t *testing.T) {
	h := newHarness(t, 100)
	h.primary.fail = func(string) error { return errors.New("down") }
	h.fallback.format = "wav"

	res, err := h.narrator.Synthesize(context.Background(), Request{Text: "Hello world."})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	defer res.Cleanup()

	if h.tool.transcodes != 1 {
		t.Fatalf("expected one transcode, got %d", h.tool.transcodes)
	}
	data, _ := os.ReadFile(res.Path)
	if string(data) != "mp3<fallback:Hello world.;" {
		t.Fatalf("output = %q", data)
	}
	if _, err := os.Stat(filepath.Join(res.Dir, "chunk_0.wav")); !os.IsNotExist(err) {
		t.Fatal("raw fallback audio should be removed after transcoding")
	}
}

func TestSynthesizeConcatFailureCarriesStderr(t *testing.T) {
	h := newHarness(t, 100)
	h.tool.concatErr = &media.ToolError{Op: "concat", Err: errors.New("exit status 1"), Stderr: "Invalid data found when processing input"}

	_, err := h.narrator.Synthesize(context.Background(), Request{Text: "Hello world."})
	if KindOf(err) != KindConcat {
		t.Fatalf("expected concat error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Fatalf("stderr missing from %q", err)
	}
	if left := h.leftovers(t); len(left) != 0 {
		t.Fatalf("temp dir not removed: %v", left)
	}
}

func TestSynthesizeOutputTooSmall(t *testing.T) {
	h := newHarness(t, 100)
	h.narrator.cfg.MinOutputBytes = 1 << 20

	_, err := h.narrator.Synthesize(context.Background(), Request{Text: "Hello world."})
	if KindOf(err) != KindOutput {
		t.Fatalf("expected output error, got %v", err)
	}
}

func TestSynthesizeProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, 50)
	text := strings.Repeat("Hello world. ", 10)

	var got []float64
	res, err := h.narrator.Synthesize(context.Background(), Request{
		Text:     text,
		Progress: func(f float64) { got = append(got, f) },
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	defer res.Cleanup()

	if len(got) != res.Chunks {
		t.Fatalf("expected one report per chunk, got %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("progress went backwards: %v", got)
		}
	}
	if got[len(got)-1] != 1.0 {
		t.Fatalf("progress should finish at 1.0, got %v", got)
	}
	if res.Segments > res.Chunks {
		t.Fatalf("more segments than chunks: %+v", res)
	}
}

func TestSynthesizeCanceled(t *testing.T) {
	h := newHarness(t, 12)
	ctx, cancel := context.WithCancel(context.Background())
	h.primary.fail = func(text string) error {
		if strings.Contains(text, "2") {
			cancel()
			return context.Canceled
		}
		return nil
	}

	_, err := h.narrator.Synthesize(ctx, Request{Text: fiveSentences})
	if KindOf(err) != KindCanceled || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled error, got %v", err)
	}
	if len(h.fallback.Calls()) != 0 {
		t.Fatal("cancellation must not trigger the fallback")
	}
	if left := h.leftovers(t); len(left) != 0 {
		t.Fatalf("temp dir not removed: %v", left)
	}
}

func TestSynthesizeRequestTimeout(t *testing.T) {
	h := newHarness(t, 100)
	h.narrator.cfg.RequestTimeout = 20 * time.Millisecond
	h.primary.fail = func(string) error {
		time.Sleep(50 * time.Millisecond)
		return errors.New("slow")
	}

	_, err := h.narrator.Synthesize(context.Background(), Request{Text: "Hello world."})
	if KindOf(err) != KindCanceled || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected canceled error, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(KindConcat, -1, errors.New("boom")))
	if KindOf(err) != KindConcat {
		t.Fatalf("KindOf = %q", KindOf(err))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("plain errors have no kind")
	}
}

func TestSynthesizeRelativeTempDirYieldsAbsolutePaths(t *testing.T) {
	h := newHarness(t, 12)
	t.Chdir(h.tempDir)
	if err := os.Mkdir("work", 0o700); err != nil {
		t.Fatal(err)
	}
	h.narrator.cfg.TempDir = "work"

	res, err := h.narrator.Synthesize(context.Background(), Request{Text: "One here. Two here."})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	defer res.Cleanup()

	if !filepath.IsAbs(res.Dir) || !filepath.IsAbs(res.Path) {
		t.Errorf("result paths not absolute: dir=%q path=%q", res.Dir, res.Path)
	}
	if len(h.tool.segments) == 0 {
		t.Fatal("no segments concatenated")
	}
	for _, seg := range h.tool.segments {
		if !filepath.IsAbs(seg) {
			t.Errorf("segment %q is relative", seg)
		}
	}
}

func TestSynthesizeKeepsResultFinishedAtDeadline(t *testing.T) {
	h := newHarness(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The request context ends after the output is complete.
	h.tool.afterConcat = cancel

	res, err := h.narrator.Synthesize(ctx, Request{Text: "Hello world."})
	if err != nil {
		t.Fatalf("completed result discarded: %v", err)
	}
	defer res.Cleanup()
	if _, err := os.Stat(res.Path); err != nil {
		t.Fatalf("output missing: %v", err)
	}
}
