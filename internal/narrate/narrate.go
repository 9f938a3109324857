// Package narrate turns long text into a single MP3.
//
// A request is split into sentence-bounded chunks, each chunk is synthesized
// in order by the primary engine (or, once the primary has given up within
// the request, by the fallback engine) and the resulting segments are joined
// with ffmpeg stream copy. Every request owns a temporary directory that is
// removed on failure, and by Result.Cleanup on success.
package narrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nadzzz/longspeech/internal/config"
	"github.com/nadzzz/longspeech/internal/media"
	"github.com/nadzzz/longspeech/internal/telemetry"
	"github.com/nadzzz/longspeech/internal/textchunk"
	"github.com/nadzzz/longspeech/internal/tts"
)

// OutputName is the file name of the concatenated result.
const OutputName = "speech_output.mp3"

// MediaTool joins and converts audio segments.
type MediaTool interface {
	Concat(ctx context.Context, segments []string, out string) error
	Transcode(ctx context.Context, in, out string) error
}

// Request is one text-to-MP3 job.
type Request struct {
	ID       string // optional, used for log correlation
	Text     string
	Voice    string // catalog voice id; empty selects the default
	Progress func(fraction float64)
}

// Result describes a successful synthesis.
type Result struct {
	Path         string // concatenated MP3, inside Dir
	Dir          string // per-request temp directory
	Voice        string
	Chunks       int // chunks produced by the splitter
	Segments     int // audio segments concatenated (blank chunks are skipped)
	FallbackUsed bool
	FallbackFrom int // chunk index where the fallback took over, -1 if unused
	Duration     time.Duration
}

// Cleanup removes the request directory and the audio in it.
func (r *Result) Cleanup() error {
	if r == nil || r.Dir == "" {
		return nil
	}
	return os.RemoveAll(r.Dir)
}

// Options configures a Narrator.
type Options struct {
	Primary  tts.Synthesizer
	Fallback tts.Synthesizer // nil disables degradation
	Catalog  *tts.Catalog    // nil accepts any voice id unchanged

	Synthesis config.SynthesisConfig
	Media     config.MediaConfig

	// LocateTool resolves the media tool for each request. Defaults to
	// media.Locate with Media.
	LocateTool func() (MediaTool, error)

	Instruments *telemetry.Instruments
}

// Narrator runs synthesis requests. It is safe for concurrent use; requests
// share no state.
type Narrator struct {
	primary  tts.Synthesizer
	fallback tts.Synthesizer
	catalog  *tts.Catalog
	cfg      config.SynthesisConfig
	locate   func() (MediaTool, error)
	metrics  *telemetry.Instruments
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Narrator.
func New(opts Options) *Narrator {
	locate := opts.LocateTool
	if locate == nil {
		mediaCfg := opts.Media
		locate = func() (MediaTool, error) {
			path, err := media.Locate(mediaCfg)
			if err != nil {
				return nil, err
			}
			return media.NewTool(path, mediaCfg.ConcatTimeout), nil
		}
	}
	metrics := opts.Instruments
	if metrics == nil {
		metrics = telemetry.NewInstruments()
	}
	cfg := opts.Synthesis
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Narrator{
		primary:  opts.Primary,
		fallback: opts.Fallback,
		catalog:  opts.Catalog,
		cfg:      cfg,
		locate:   locate,
		metrics:  metrics,
		tracer:   otel.Tracer(telemetry.ScopeName),
		sleep:    sleepContext,
	}
}

// request carries the per-request state through the worker.
type request struct {
	Request
	logger *slog.Logger
	voice  string
	dir    string
	tool   MediaTool
	sess   *session
}

// outcome is what the worker hands back across the executor boundary.
type outcome struct {
	segments int
	output   string
	err      error
}

// Synthesize converts req.Text to one MP3 file.
//
// Errors are *Error values; use KindOf to classify them. On error nothing is
// left on disk.
func (n *Narrator) Synthesize(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	logger := slog.With("request_id", req.ID)

	ctx, span := n.tracer.Start(ctx, "narrate.Synthesize")
	defer span.End()

	res, err := n.synthesize(ctx, req, logger, start)

	outcomeLabel := "ok"
	if err != nil {
		outcomeLabel = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("synthesis failed", "error", err, "duration", time.Since(start))
	}
	n.metrics.Requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeLabel)))
	n.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("outcome", outcomeLabel)))
	return res, err
}

func (n *Narrator) synthesize(ctx context.Context, req Request, logger *slog.Logger, start time.Time) (*Result, error) {
	// Init: validate before touching any external tool.
	if strings.TrimSpace(req.Text) == "" {
		return nil, newError(KindInput, -1, ErrEmptyText)
	}
	voice := req.Voice
	if n.catalog != nil {
		v, ok := n.catalog.Lookup(req.Voice)
		if !ok {
			return nil, newError(KindInput, -1, fmt.Errorf("unknown voice %q", req.Voice))
		}
		voice = v.ID
	}
	if n.primary == nil {
		return nil, newError(KindConfiguration, -1, errors.New("no primary engine configured"))
	}

	tool, err := n.locate()
	if err != nil {
		return nil, newError(KindConfiguration, -1, fmt.Errorf("locating media tool: %w", err))
	}

	dir, err := os.MkdirTemp(n.cfg.TempDir, "longspeech-*")
	if err != nil {
		return nil, newError(KindConfiguration, -1, fmt.Errorf("creating work directory: %w", err))
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, newError(KindConfiguration, -1, fmt.Errorf("resolving work directory: %w", err))
	}
	dir = absDir

	// Chunk
	chunks := textchunk.Split(req.Text, n.cfg.MaxChars)
	logger.Info("synthesis started", "chars", len([]rune(req.Text)), "chunks", len(chunks), "voice", voice)

	if n.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.RequestTimeout)
		defer cancel()
	}

	r := &request{
		Request: req,
		logger:  logger,
		voice:   voice,
		dir:     dir,
		tool:    tool,
		sess:    newSession(n.primary, n.fallback),
	}

	// The loop runs on one worker; the caller joins it before deciding the
	// outcome so the directory is never removed under a running engine.
	workerCtx, cancelWorker := context.WithCancel(ctx)
	done := make(chan outcome, 1)
	go func() {
		done <- n.run(workerCtx, r, chunks)
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		cancelWorker()
		out = <-done
	}
	cancelWorker()

	// A result that made it through validation is kept even if the deadline
	// passed while the worker was returning it.
	if out.err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.Warn("failed to remove work directory", "dir", dir, "error", rmErr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, newError(KindCanceled, -1, ctxErr)
		}
		return nil, out.err
	}

	res := &Result{
		Path:         out.output,
		Dir:          dir,
		Voice:        voice,
		Chunks:       len(chunks),
		Segments:     out.segments,
		FallbackUsed: r.sess.degraded,
		FallbackFrom: r.sess.degradedAt,
		Duration:     time.Since(start),
	}
	logger.Info("synthesis complete",
		"chunks", res.Chunks,
		"segments", res.Segments,
		"fallback_used", res.FallbackUsed,
		"duration", res.Duration)
	return res, nil
}

// run is the synthesis loop, validation and concatenation.
func (n *Narrator) run(ctx context.Context, r *request, chunks []string) outcome {
	total := len(chunks)
	segments := make([]string, 0, total)

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return outcome{err: newError(KindCanceled, i, err)}
		}
		if textchunk.IsBlank(chunk) {
			r.logger.Debug("skipping blank chunk", "chunk", i)
			r.report(i+1, total)
			continue
		}

		path, err := n.synthesizeChunk(ctx, r, i, chunk)
		if err != nil {
			return outcome{err: err}
		}
		segments = append(segments, path)
		r.report(i+1, total)
	}

	// Validate
	if len(segments) == 0 {
		return outcome{err: newError(KindSynthesis, -1, ErrNoAudio)}
	}

	// Concatenate
	output := filepath.Join(r.dir, OutputName)
	if err := r.tool.Concat(ctx, segments, output); err != nil {
		if ctx.Err() != nil {
			return outcome{err: newError(KindCanceled, -1, ctx.Err())}
		}
		return outcome{err: newError(KindConcat, -1, err)}
	}

	info, err := os.Stat(output)
	if err != nil {
		return outcome{err: newError(KindOutput, -1, fmt.Errorf("output not created: %w", err))}
	}
	if info.Size() <= n.cfg.MinOutputBytes {
		return outcome{err: newError(KindOutput, -1, fmt.Errorf("output too small (%d bytes)", info.Size()))}
	}
	return outcome{segments: len(segments), output: output}
}

// synthesizeChunk produces chunk_<i>.mp3 with the session's engine, degrading
// to the fallback once when the primary is exhausted.
func (n *Narrator) synthesizeChunk(ctx context.Context, r *request, i int, chunk string) (string, error) {
	ctx, span := n.tracer.Start(ctx, "narrate.chunk", trace.WithAttributes(attribute.Int("chunk", i)))
	defer span.End()

	for {
		engine := r.sess.engine()
		span.SetAttributes(attribute.String("engine", engine.Name()))

		path, err := n.withRetry(ctx, r, engine, i, chunk)
		if err == nil {
			return path, nil
		}
		if ctx.Err() != nil {
			return "", newError(KindCanceled, i, ctx.Err())
		}
		if !r.sess.degrade(i) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", newError(KindSynthesis, i, err)
		}
		r.logger.Warn("primary engine exhausted, switching to fallback for the rest of the request",
			"chunk", i, "primary", engine.Name(), "fallback", r.sess.fallback.Name(), "error", err)
		n.metrics.FallbackActivations.Add(ctx, 1, metric.WithAttributes(attribute.String("fallback", r.sess.fallback.Name())))
	}
}

func (n *Narrator) withRetry(ctx context.Context, r *request, engine tts.Synthesizer, i int, chunk string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := n.sleep(ctx, n.cfg.RetryBackoff); err != nil {
				return "", err
			}
		}
		path, err := n.synthesizeOnce(ctx, r, engine, i, chunk)
		result := "ok"
		if err != nil {
			result = "error"
		}
		n.metrics.ChunkAttempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("engine", engine.Name()),
			attribute.String("outcome", result)))
		if err == nil {
			return path, nil
		}
		lastErr = err
		r.logger.Warn("chunk attempt failed", "chunk", i, "engine", engine.Name(), "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("%s: %d attempts failed: %w", engine.Name(), n.cfg.MaxAttempts, lastErr)
}

// synthesizeOnce runs one engine call and writes the chunk artifact. Non-MP3
// engine output is transcoded so that stream copy can join all segments.
func (n *Narrator) synthesizeOnce(ctx context.Context, r *request, engine tts.Synthesizer, i int, chunk string) (string, error) {
	res, err := engine.Synthesize(ctx, chunk, tts.SynthesizeOpts{Voice: r.voice})
	if err != nil {
		return "", err
	}
	if res == nil || len(res.Audio) == 0 {
		return "", tts.ErrEmptyAudio
	}

	path := filepath.Join(r.dir, fmt.Sprintf("chunk_%d.mp3", i))
	format := strings.ToLower(res.Format)
	if format == "" || format == "mp3" {
		if err := os.WriteFile(path, res.Audio, 0o600); err != nil {
			return "", fmt.Errorf("writing chunk: %w", err)
		}
	} else {
		raw := filepath.Join(r.dir, fmt.Sprintf("chunk_%d.%s", i, format))
		if err := os.WriteFile(raw, res.Audio, 0o600); err != nil {
			return "", fmt.Errorf("writing chunk: %w", err)
		}
		err := r.tool.Transcode(ctx, raw, path)
		_ = os.Remove(raw)
		if err != nil {
			return "", fmt.Errorf("transcoding %s chunk: %w", format, err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("chunk artifact missing: %w", err)
	}
	if info.Size() <= n.cfg.MinChunkBytes {
		return "", fmt.Errorf("chunk audio too small (%d bytes)", info.Size())
	}
	return path, nil
}

func (r *request) report(done, total int) {
	if r.Progress == nil || total == 0 {
		return
	}
	r.Progress(float64(done) / float64(total))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
