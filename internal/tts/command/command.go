// Package command implements the TTS Synthesizer by running an external
// text-to-speech program, such as gtts-cli or espeak-ng, once per chunk.
//
// The configured command line is parsed with shell quoting rules and may use
// three placeholders:
//
//	{output}  path of the audio file the program must write
//	{lang}    the fixed fallback language (ISO-639-1)
//	{text}    the chunk text; when absent the text is written to stdin
package command

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/nadzzz/longspeech/internal/config"
	"github.com/nadzzz/longspeech/internal/tts"
)

var contentTypes = map[string]string{
	"mp3": "audio/mpeg",
	"wav": "audio/wav",
	"ogg": "audio/ogg",
}

// Synthesizer runs a CLI program per synthesis call.
type Synthesizer struct {
	args     []string
	format   string
	language string
	cfg      config.CommandConfig
}

// New parses the configured command line.
func New(cfg config.CommandConfig, language string) (*Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	format := strings.TrimPrefix(strings.ToLower(cfg.Format), ".")
	if format == "" {
		format = "mp3"
	}
	if language == "" {
		language = "en"
	}
	return &Synthesizer{args: args, format: format, language: language, cfg: cfg}, nil
}

// Name returns the engine identifier.
func (s *Synthesizer) Name() string { return "command" }

// Close is a no-op.
func (s *Synthesizer) Close() error { return nil }

// Synthesize runs the program and returns the audio it wrote to {output}.
// The fallback speaks a fixed language, so opts.Voice is ignored.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOpts) (*tts.SynthesizeResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text for synthesis")
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp("", "longspeech-cmd-*")
	if err != nil {
		return nil, fmt.Errorf("creating command workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	output := filepath.Join(dir, "speech."+s.format)
	language := s.language
	if opts.Language != "" {
		language = opts.Language
	}

	args, usesText := expand(s.args, output, language, text)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if !usesText {
		cmd.Stdin = strings.NewReader(text)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	slog.Debug("command synthesize", "program", args[0], "text_length", len(text), "language", language)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tts command %s failed: %w: %s", filepath.Base(args[0]), err, strings.TrimSpace(stderr.String()))
	}

	audio, err := os.ReadFile(output)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tts.ErrEmptyAudio
		}
		return nil, fmt.Errorf("reading command output: %w", err)
	}
	if len(audio) == 0 {
		return nil, tts.ErrEmptyAudio
	}

	contentType := contentTypes[s.format]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &tts.SynthesizeResult{Audio: audio, ContentType: contentType, Format: s.format}, nil
}

// expand substitutes placeholders in every argument and reports whether the
// text was passed on the command line.
func expand(template []string, output, language, text string) ([]string, bool) {
	usesText := false
	r := strings.NewReplacer("{output}", output, "{lang}", language, "{text}", text)
	args := make([]string, len(template))
	for i, a := range template {
		if strings.Contains(a, "{text}") {
			usesText = true
		}
		args[i] = r.Replace(a)
	}
	return args, usesText
}
