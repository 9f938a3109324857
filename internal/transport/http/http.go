// Package http implements the HTTP transport for longspeech.
//
// It serves the browser UI, a JSON API for synchronous and background
// synthesis, progress streams over Server-Sent Events and WebSocket, and the
// Swagger UI for the API.
package http

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "github.com/nadzzz/longspeech/docs"
	"github.com/nadzzz/longspeech/internal/jobs"
	"github.com/nadzzz/longspeech/internal/media"
	"github.com/nadzzz/longspeech/internal/narrate"
	"github.com/nadzzz/longspeech/internal/transport"
	"github.com/nadzzz/longspeech/internal/tts"
)

//go:embed web/index.html
var indexHTML []byte

// Options configures the HTTP transport.
type Options struct {
	Port         int
	MaxTextBytes int64
	Catalog      *tts.Catalog
	Jobs         *jobs.Manager                      // nil disables the /api/jobs routes
	Status       func(ctx context.Context) media.Status // ffmpeg availability for /api/status
}

// SynthesizeRequest is the body of POST /api/synthesize and POST /api/jobs.
type SynthesizeRequest struct {
	Text  string `json:"text" example:"Hello world. This is a long text."`
	Voice string `json:"voice,omitempty" example:"en-US-AriaNeural"`
}

// VoicesResponse lists the selectable voices.
type VoicesResponse struct {
	Default string      `json:"default"`
	Voices  []tts.Voice `json:"voices"`
}

// StatusResponse reports whether the service can synthesize.
type StatusResponse struct {
	FFmpeg media.Status `json:"ffmpeg"`
	Jobs   bool         `json:"jobs"`
}

// Transport serves the web UI and JSON API.
type Transport struct {
	opts     Options
	upgrader websocket.Upgrader
	server   *http.Server
}

// New creates a new HTTP transport.
func New(opts Options) *Transport {
	if opts.MaxTextBytes <= 0 {
		opts.MaxTextBytes = 1 << 20
	}
	return &Transport{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "http" }

// Router builds the route tree around handler.
func (t *Transport) Router(handler transport.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", t.handleIndex)
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	r.Route("/api", func(api chi.Router) {
		api.Get("/voices", t.handleVoices)
		api.Get("/status", t.handleStatus)
		api.Post("/synthesize", func(w http.ResponseWriter, r *http.Request) {
			t.handleSynthesize(w, r, handler)
		})

		api.Route("/jobs", func(jr chi.Router) {
			jr.Use(t.requireJobs)
			jr.Post("/", t.handleCreateJob)
			jr.Get("/{id}", t.handleGetJob)
			jr.Get("/{id}/events", t.handleJobEvents)
			jr.Get("/{id}/ws", t.handleJobSocket)
			jr.Get("/{id}/audio", t.handleJobAudio)
			jr.Delete("/{id}", t.handleDeleteJob)
		})
	})
	return r
}

// Listen starts the HTTP server and routes incoming requests to the handler.
func (t *Transport) Listen(ctx context.Context, handler transport.Handler) error {
	t.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.opts.Port),
		Handler:           t.Router(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("http transport listening", "port", t.opts.Port)

	go func() {
		<-ctx.Done()
		slog.Info("http transport shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.server.Shutdown(shutdownCtx)
	}()

	if err := t.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// Close gracefully shuts down the HTTP server.
func (t *Transport) Close() error {
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.server.Shutdown(ctx)
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start))
	})
}

func (t *Transport) requireJobs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.opts.Jobs == nil {
			respondError(w, http.StatusServiceUnavailable, "background jobs are disabled", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *Transport) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

// handleVoices lists the voice catalog.
//
// @Summary     List voices
// @Tags        voices
// @Produce     json
// @Success     200  {object}  VoicesResponse
// @Router      /api/voices [get]
func (t *Transport) handleVoices(w http.ResponseWriter, r *http.Request) {
	resp := VoicesResponse{Voices: []tts.Voice{}}
	if t.opts.Catalog != nil {
		resp.Default = t.opts.Catalog.Default()
		resp.Voices = t.opts.Catalog.Voices()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleStatus reports ffmpeg availability.
//
// @Summary     Service status
// @Description Reports whether ffmpeg was found and which version it is.
// @Tags        status
// @Produce     json
// @Success     200  {object}  StatusResponse
// @Router      /api/status [get]
func (t *Transport) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Jobs: t.opts.Jobs != nil}
	if t.opts.Status != nil {
		resp.FFmpeg = t.opts.Status(r.Context())
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSynthesize converts text to MP3 and returns the file.
//
// @Summary     Synthesize text to MP3
// @Description Splits the text, synthesizes every chunk and returns the concatenated MP3.
// @Description Accepts JSON or form-encoded bodies.
// @Tags        synthesis
// @Accept      json
// @Accept      x-www-form-urlencoded
// @Produce     audio/mpeg
// @Param       request  body      SynthesizeRequest  true  "Text and voice"
// @Success     200  {file}    binary  "speech_output.mp3"
// @Failure     400  {object}  errorResponse  "Empty text or unknown voice"
// @Failure     413  {object}  errorResponse  "Text too large"
// @Failure     502  {object}  errorResponse  "All engines failed"
// @Failure     503  {object}  errorResponse  "ffmpeg not available"
// @Router      /api/synthesize [post]
func (t *Transport) handleSynthesize(w http.ResponseWriter, r *http.Request, handler transport.Handler) {
	req, ok := t.decodeRequest(w, r)
	if !ok {
		return
	}

	res, err := handler(r.Context(), narrate.Request{
		ID:    middleware.GetReqID(r.Context()),
		Text:  req.Text,
		Voice: req.Voice,
	})
	if err != nil {
		respondSynthesisError(w, err)
		return
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			slog.Warn("failed to remove request directory", "dir", res.Dir, "error", err)
		}
	}()

	w.Header().Set("X-Longspeech-Chunks", strconv.Itoa(res.Chunks))
	w.Header().Set("X-Longspeech-Fallback", strconv.FormatBool(res.FallbackUsed))
	serveAudio(w, r, res.Path)
}

// handleCreateJob queues a background synthesis.
//
// @Summary     Start a background synthesis job
// @Tags        jobs
// @Accept      json
// @Accept      x-www-form-urlencoded
// @Produce     json
// @Param       request  body      SynthesizeRequest  true  "Text and voice"
// @Success     202  {object}  jobs.Snapshot
// @Failure     400  {object}  errorResponse
// @Router      /api/jobs [post]
func (t *Transport) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	req, ok := t.decodeRequest(w, r)
	if !ok {
		return
	}
	if t.opts.Catalog != nil {
		if _, found := t.opts.Catalog.Lookup(req.Voice); !found {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown voice %q", req.Voice), string(narrate.KindInput))
			return
		}
	}

	snap, err := t.opts.Jobs.Submit(req.Text, req.Voice)
	if err != nil {
		respondSynthesisError(w, err)
		return
	}
	w.Header().Set("Location", "/api/jobs/"+snap.ID)
	respondJSON(w, http.StatusAccepted, snap)
}

// handleGetJob returns the state of a job.
//
// @Summary     Get job state
// @Tags        jobs
// @Produce     json
// @Param       id   path      string  true  "Job ID"
// @Success     200  {object}  jobs.Snapshot
// @Failure     404  {object}  errorResponse
// @Router      /api/jobs/{id} [get]
func (t *Transport) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, ok := t.opts.Jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, jobs.ErrNotFound.Error(), "")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleJobEvents streams job progress as Server-Sent Events.
//
// @Summary     Stream job progress (SSE)
// @Tags        jobs
// @Produce     text/event-stream
// @Param       id   path      string  true  "Job ID"
// @Success     200  {object}  jobs.Event
// @Failure     404  {object}  errorResponse
// @Router      /api/jobs/{id}/events [get]
func (t *Transport) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}
	events, stop, err := t.opts.Jobs.Subscribe(id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	defer stop()

	setupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := sendSSEEvent(w, flusher, string(ev.Status), ev); err != nil {
				slog.Debug("sse client gone", "job_id", id, "error", err)
				return
			}
		}
	}
}

// handleJobSocket streams job progress over a WebSocket.
//
// @Summary     Stream job progress (WebSocket)
// @Tags        jobs
// @Param       id   path      string  true  "Job ID"
// @Success     101  {object}  jobs.Event
// @Failure     404  {object}  errorResponse
// @Router      /api/jobs/{id}/ws [get]
func (t *Transport) handleJobSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, stop, err := t.opts.Jobs.Subscribe(id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	defer stop()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	// Reads are only needed to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, open := <-events:
			if !open {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("websocket client gone", "job_id", id, "error", err)
				return
			}
		}
	}
}

// handleJobAudio downloads the MP3 of a finished job.
//
// @Summary     Download job audio
// @Tags        jobs
// @Produce     audio/mpeg
// @Param       id   path      string  true  "Job ID"
// @Success     200  {file}    binary  "speech_output.mp3"
// @Failure     404  {object}  errorResponse
// @Failure     409  {object}  errorResponse  "Job not finished"
// @Router      /api/jobs/{id}/audio [get]
func (t *Transport) handleJobAudio(w http.ResponseWriter, r *http.Request) {
	path, err := t.opts.Jobs.Audio(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error(), "")
		return
	case errors.Is(err, jobs.ErrNotReady):
		respondError(w, http.StatusConflict, err.Error(), "")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	serveAudio(w, r, path)
}

// handleDeleteJob cancels a job and removes its audio.
//
// @Summary     Cancel or delete a job
// @Tags        jobs
// @Param       id   path      string  true  "Job ID"
// @Success     204
// @Failure     404  {object}  errorResponse
// @Router      /api/jobs/{id} [delete]
func (t *Transport) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := t.opts.Jobs.Delete(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeRequest reads a JSON or form body bounded by MaxTextBytes.
func (t *Transport) decodeRequest(w http.ResponseWriter, r *http.Request) (SynthesizeRequest, bool) {
	var req SynthesizeRequest
	r.Body = http.MaxBytesReader(w, r.Body, t.opts.MaxTextBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var err error
	switch mediaType {
	case "application/json":
		err = json.NewDecoder(r.Body).Decode(&req)
	case "text/plain":
		var body []byte
		body, err = io.ReadAll(r.Body)
		req.Text = string(body)
		req.Voice = r.URL.Query().Get("voice")
	default:
		err = r.ParseForm()
		req.Text = r.PostFormValue("text")
		req.Voice = r.PostFormValue("voice")
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("text exceeds %d bytes", tooLarge.Limit), string(narrate.KindInput))
			return req, false
		}
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), string(narrate.KindInput))
		return req, false
	}
	req.Voice = strings.TrimSpace(req.Voice)
	return req, true
}

func serveAudio(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "opening audio: "+err.Error(), string(narrate.KindOutput))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "opening audio: "+err.Error(), string(narrate.KindOutput))
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", `attachment; filename="`+narrate.OutputName+`"`)
	http.ServeContent(w, r, narrate.OutputName, info.ModTime(), f)
}

// statusFor maps an error kind to an HTTP status code.
func statusFor(err error) int {
	switch narrate.KindOf(err) {
	case narrate.KindInput:
		return http.StatusBadRequest
	case narrate.KindConfiguration:
		return http.StatusServiceUnavailable
	case narrate.KindCanceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusRequestTimeout
	case narrate.KindSynthesis:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondSynthesisError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Error("synthesis request failed", "status", code, "error", err)
	}
	respondError(w, code, err.Error(), string(narrate.KindOf(err)))
}
