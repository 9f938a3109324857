package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestHealthzFollowsReadyFlag(t *testing.T) {
	s := New(0)
	h := s.Handler()

	if rec, _ := get(t, h, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}
	s.SetReady(true)
	if rec, body := get(t, h, "/healthz"); rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("expected ok, got %d %v", rec.Code, body)
	}
}

func TestReadyzRunsChecks(t *testing.T) {
	s := New(0)
	s.SetReady(true)
	var ffmpegErr error
	s.AddCheck("ffmpeg", func(context.Context) error { return ffmpegErr })
	h := s.Handler()

	if rec, _ := get(t, h, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	ffmpegErr = errors.New("ffmpeg not found")
	rec, body := get(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["ffmpeg"] != "ffmpeg not found" {
		t.Fatalf("failing check not reported: %v", body)
	}
}

func TestMetricsMountedOnlyWhenSet(t *testing.T) {
	s := New(0)
	if rec, _ := get(t, s.Handler(), "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics handler, got %d", rec.Code)
	}

	s.SetMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# HELP longspeech_requests_total\n"))
	}))
	rec, _ := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "longspeech_requests_total") {
		t.Fatalf("unexpected metrics response %d %q", rec.Code, rec.Body.String())
	}
}
