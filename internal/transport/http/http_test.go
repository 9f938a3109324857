package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nadzzz/longspeech/internal/config"
	"github.com/nadzzz/longspeech/internal/jobs"
	"github.com/nadzzz/longspeech/internal/media"
	"github.com/nadzzz/longspeech/internal/narrate"
	"github.com/nadzzz/longspeech/internal/tts"
)

// fakeHandler writes "mp3:<text>" to a fresh directory, or fails with err.
type fakeHandler struct {
	t    *testing.T
	err  error
	last narrate.Request
	dirs []string
}

func (f *fakeHandler) Synthesize(ctx context.Context, req narrate.Request) (*narrate.Result, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	if req.Progress != nil {
		req.Progress(1)
	}
	dir, err := os.MkdirTemp(f.t.TempDir(), "req-*")
	if err != nil {
		return nil, err
	}
	f.dirs = append(f.dirs, dir)
	path := filepath.Join(dir, narrate.OutputName)
	if err := os.WriteFile(path, []byte("mp3:"+req.Text), 0o600); err != nil {
		return nil, err
	}
	return &narrate.Result{Path: path, Dir: dir, Voice: req.Voice, Chunks: 3, Segments: 3, FallbackUsed: true, FallbackFrom: 1}, nil
}

func newTestServer(t *testing.T, h *fakeHandler, withJobs bool) *httptest.Server {
	t.Helper()
	catalog, err := tts.NewCatalog(tts.DefaultVoices, "en-US-AriaNeural")
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{
		MaxTextBytes: 64,
		Catalog:      catalog,
		Status: func(context.Context) media.Status {
			return media.Status{Available: true, Path: "/usr/bin/ffmpeg", Version: "ffmpeg version 6.1"}
		},
	}
	if withJobs {
		m := jobs.NewManager(h, config.JobsConfig{MaxConcurrent: 1})
		t.Cleanup(m.Close)
		opts.Jobs = m
	}
	srv := httptest.NewServer(New(opts).Router(h.Synthesize))
	t.Cleanup(srv.Close)
	return srv
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestIndexServesUI(t *testing.T) {
	srv := newTestServer(t, &fakeHandler{t: t}, false)
	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), "Generate MP3") {
		t.Fatalf("unexpected index response %d", resp.StatusCode)
	}
}

func TestVoicesAndStatus(t *testing.T) {
	srv := newTestServer(t, &fakeHandler{t: t}, false)

	resp, err := http.Get(srv.URL + "/api/voices")
	if err != nil {
		t.Fatal(err)
	}
	var voices VoicesResponse
	decodeJSON(t, resp, &voices)
	if voices.Default != "en-US-AriaNeural" || len(voices.Voices) != len(tts.DefaultVoices) {
		t.Fatalf("unexpected voices %+v", voices)
	}

	resp, err = http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	var status StatusResponse
	decodeJSON(t, resp, &status)
	if !status.FFmpeg.Available || status.Jobs {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSynthesizeReturnsAudioAndCleansUp(t *testing.T) {
	h := &fakeHandler{t: t}
	srv := newTestServer(t, h, false)

	resp, err := http.Post(srv.URL+"/api/synthesize", "application/json",
		strings.NewReader(`{"text":"Hello world.","voice":"en-GB-RyanNeural"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body.String())
	}
	if resp.Header.Get("Content-Type") != "audio/mpeg" || !strings.Contains(resp.Header.Get("Content-Disposition"), "speech_output.mp3") {
		t.Fatalf("unexpected headers %v", resp.Header)
	}
	if resp.Header.Get("X-Longspeech-Fallback") != "true" || resp.Header.Get("X-Longspeech-Chunks") != "3" {
		t.Fatalf("missing synthesis headers %v", resp.Header)
	}
	if body.String() != "mp3:Hello world." {
		t.Fatalf("body = %q", body.String())
	}
	if h.last.Voice != "en-GB-RyanNeural" || h.last.ID == "" {
		t.Fatalf("request not forwarded: %+v", h.last)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(h.dirs[0]); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request directory should be removed after the response")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSynthesizeAcceptsForm(t *testing.T) {
	h := &fakeHandler{t: t}
	srv := newTestServer(t, h, false)

	resp, err := http.PostForm(srv.URL+"/api/synthesize", url.Values{"text": {"Hi there."}, "voice": {"en-US-GuyNeural"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || h.last.Text != "Hi there." || h.last.Voice != "en-US-GuyNeural" {
		t.Fatalf("status=%d last=%+v", resp.StatusCode, h.last)
	}
}

func TestSynthesizeErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  *narrate.Error
		code int
	}{
		{"input", &narrate.Error{Kind: narrate.KindInput, Chunk: -1, Err: narrate.ErrEmptyText}, http.StatusBadRequest},
		{"configuration", &narrate.Error{Kind: narrate.KindConfiguration, Chunk: -1, Err: media.ErrNotFound}, http.StatusServiceUnavailable},
		{"synthesis", &narrate.Error{Kind: narrate.KindSynthesis, Chunk: 2, Err: errors.New("down")}, http.StatusBadGateway},
		{"concat", &narrate.Error{Kind: narrate.KindConcat, Chunk: -1, Err: errors.New("exit 1")}, http.StatusInternalServerError},
		{"timeout", &narrate.Error{Kind: narrate.KindCanceled, Chunk: -1, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeHandler{t: t, err: tc.err}, false)
			resp, err := http.Post(srv.URL+"/api/synthesize", "application/json", strings.NewReader(`{"text":"x."}`))
			if err != nil {
				t.Fatal(err)
			}
			var body errorResponse
			decodeJSON(t, resp, &body)
			if resp.StatusCode != tc.code || body.Kind != string(tc.err.Kind) {
				t.Fatalf("status=%d body=%+v", resp.StatusCode, body)
			}
		})
	}
}

func TestSynthesizeRejectsOversizedText(t *testing.T) {
	srv := newTestServer(t, &fakeHandler{t: t}, false)
	payload, _ := json.Marshal(SynthesizeRequest{Text: strings.Repeat("a", 200)})
	resp, err := http.Post(srv.URL+"/api/synthesize", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestJobsDisabled(t *testing.T) {
	srv := newTestServer(t, &fakeHandler{t: t}, false)
	resp, err := http.Post(srv.URL+"/api/jobs", "application/json", strings.NewReader(`{"text":"Hi."}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func createJob(t *testing.T, srv *httptest.Server, body string) jobs.Snapshot {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var snap jobs.Snapshot
	decodeJSON(t, resp, &snap)
	return snap
}

func TestJobEventsAndAudio(t *testing.T) {
	srv := newTestServer(t, &fakeHandler{t: t}, true)
	snap := createJob(t, srv, `{"text":"Hello world."}`)

	resp, err := http.Get(srv.URL + "/api/jobs/" + snap.ID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	var lastEvent string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			lastEvent = name
		}
	}
	resp.Body.Close()
	if lastEvent != "done" {
		t.Fatalf("stream should end with done, got %q", lastEvent)
	}

	resp, err = http.Get(srv.URL + "/api/jobs/" + snap.ID + "/audio")
	if err != nil {
		t.Fatal(err)
	}
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || body.String() != "mp3:Hello world." {
		t.Fatalf("audio status=%d body=%q", resp.StatusCode, body.String())
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/jobs/"+snap.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/jobs/" + snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestJobWebSocket(t *testing.T) {
	srv := newTestServer(t, &fakeHandler{t: t}, true)
	snap := createJob(t, srv, `{"text":"Hello world."}`)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/" + snap.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var last jobs.Event
	for {
		var ev jobs.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		last = ev
	}
	if last.Status != jobs.StatusDone {
		t.Fatalf("expected done event, got %+v", last)
	}
}

func TestCreateJobUnknownVoice(t *testing.T) {
	srv := newTestServer(t, &fakeHandler{t: t}, true)
	resp, err := http.Post(srv.URL+"/api/jobs", "application/json", strings.NewReader(`{"text":"Hi.","voice":"nope"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestJobAudioNotFound(t *testing.T) {
	srv := newTestServer(t, &fakeHandler{t: t}, true)
	resp, err := http.Get(srv.URL + "/api/jobs/missing/audio")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
