// Package media discovers ffmpeg and drives it to concatenate and transcode
// audio segments.
package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/nadzzz/longspeech/internal/config"
)

// ErrNotFound is returned by Locate when no ffmpeg executable can be found.
var ErrNotFound = errors.New("ffmpeg not found")

// ToolError reports a non-zero exit of the media tool.
type ToolError struct {
	Op     string
	Err    error
	Stderr string
}

func (e *ToolError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpeg %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ffmpeg %s: %v: %s", e.Op, e.Err, e.Stderr)
}

func (e *ToolError) Unwrap() error { return e.Err }

// executable is replaced in tests.
var executable = os.Executable

// Locate resolves the ffmpeg executable. The explicit path and the copy
// bundled next to the running binary win, then PATH, then the well-known
// candidates.
func Locate(cfg config.MediaConfig) (string, error) {
	name := "ffmpeg"
	if runtime.GOOS == "windows" {
		name = "ffmpeg.exe"
	}

	var bundled []string
	if cfg.FFmpegPath != "" {
		bundled = append(bundled, cfg.FFmpegPath)
	}
	if exe, err := executable(); err == nil {
		dir := filepath.Dir(exe)
		bundled = append(bundled, filepath.Join(dir, "bin", name), filepath.Join(dir, name))
	}
	for _, p := range bundled {
		if isExecutableFile(p) {
			return p, nil
		}
	}

	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}

	for _, p := range cfg.Candidates {
		if isExecutableFile(p) {
			return p, nil
		}
	}
	return "", ErrNotFound
}

// Status describes ffmpeg availability for status pages and readiness checks.
type Status struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Probe locates ffmpeg and asks it for its version.
func Probe(ctx context.Context, cfg config.MediaConfig) Status {
	path, err := Locate(cfg)
	if err != nil {
		return Status{Error: err.Error()}
	}
	st := Status{Available: true, Path: path}
	if v, err := NewTool(path, 0).Version(ctx); err == nil {
		st.Version = v
	} else {
		slog.Debug("ffmpeg version probe failed", "path", path, "error", err)
	}
	return st
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

// WriteManifest writes an ffmpeg concat demuxer list naming segments in order.
func WriteManifest(path string, segments []string) error {
	var b strings.Builder
	for _, seg := range segments {
		p := strings.ReplaceAll(seg, `\`, "/")
		p = strings.ReplaceAll(p, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", p)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("writing concat manifest: %w", err)
	}
	return nil
}

// Tool runs a located ffmpeg binary.
type Tool struct {
	path          string
	concatTimeout time.Duration
}

// NewTool wraps the ffmpeg executable at path.
func NewTool(path string, concatTimeout time.Duration) *Tool {
	return &Tool{path: path, concatTimeout: concatTimeout}
}

// Path returns the executable path.
func (t *Tool) Path() string { return t.path }

// Concat joins segments into out with stream copy. No re-encoding happens, so
// every segment must share codec parameters.
func (t *Tool) Concat(ctx context.Context, segments []string, out string) error {
	if len(segments) == 0 {
		return errors.New("no segments to concatenate")
	}
	if t.concatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.concatTimeout)
		defer cancel()
	}

	// The concat demuxer resolves relative entries against the manifest's
	// own directory, not the working directory.
	entries := make([]string, len(segments))
	for i, seg := range segments {
		abs, err := filepath.Abs(seg)
		if err != nil {
			return fmt.Errorf("resolving segment %s: %w", seg, err)
		}
		entries[i] = abs
	}

	manifest := filepath.Join(filepath.Dir(out), "concat_list.txt")
	if err := WriteManifest(manifest, entries); err != nil {
		return err
	}
	defer os.Remove(manifest)

	slog.Debug("ffmpeg concat", "segments", len(segments), "output", out)
	return t.run(ctx, "concat",
		"-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0", "-i", manifest,
		"-c", "copy", "-y", out)
}

// Transcode re-encodes in to MP3 at 24 kHz mono 48 kbit/s, matching the
// primary engine's output.
func (t *Tool) Transcode(ctx context.Context, in, out string) error {
	slog.Debug("ffmpeg transcode", "input", in, "output", out)
	return t.run(ctx, "transcode",
		"-hide_banner", "-loglevel", "error",
		"-i", in,
		"-ar", "24000", "-ac", "1", "-c:a", "libmp3lame", "-b:a", "48k",
		"-y", out)
}

// Version returns the first line of `ffmpeg -version`.
func (t *Tool) Version(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, t.path, "-version")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg -version: %w", err)
	}
	line, _, _ := bufio.NewReader(bytes.NewReader(out)).ReadLine()
	return strings.TrimSpace(string(line)), nil
}

func (t *Tool) run(ctx context.Context, op string, args ...string) error {
	cmd := exec.CommandContext(ctx, t.path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg %s: %w", op, ctx.Err())
		}
		return &ToolError{Op: op, Err: err, Stderr: strings.TrimSpace(stderr.String())}
	}
	return nil
}
