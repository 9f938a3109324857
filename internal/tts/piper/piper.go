// Package piper implements the TTS Synthesizer against a Piper server
// speaking the Wyoming protocol.
//
// Piper runs locally, which makes it a fallback that keeps working when the
// neural voice service is unreachable. It speaks one fixed language per
// deployment and returns WAV, which the narrator transcodes to MP3.
package piper

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/nadzzz/longspeech/internal/config"
	"github.com/nadzzz/longspeech/internal/tts"
)

const (
	dialTimeout   = 10 * time.Second
	streamTimeout = 60 * time.Second
)

// builtinVoices maps ISO-639-1 codes to Piper voice models.
var builtinVoices = map[string]string{
	"en": "en_US-lessac-medium",
	"fr": "fr_FR-siwis-medium",
	"es": "es_ES-mls_10246-low",
	"de": "de_DE-thorsten-medium",
	"it": "it_IT-riccardo-x_low",
	"pt": "pt_BR-faber-medium",
	"nl": "nl_NL-mls-medium",
}

// Synthesizer implements tts.Synthesizer.
type Synthesizer struct {
	language string
	fallback string            // endpoint used when a language has none of its own
	routes   map[string]string // language -> endpoint
	models   map[string]string // language -> voice model
}

// New creates a synthesizer for language; an empty language means English.
func New(cfg config.PiperConfig, language string) *Synthesizer {
	s := &Synthesizer{
		language: language,
		fallback: hostPort(cfg.Endpoint),
		routes:   make(map[string]string, len(cfg.Endpoints)),
		models:   make(map[string]string, len(builtinVoices)+len(cfg.Voices)),
	}
	if s.language == "" {
		s.language = "en"
	}
	for lang, ep := range cfg.Endpoints {
		s.routes[lang] = hostPort(ep)
	}
	for lang, model := range builtinVoices {
		s.models[lang] = model
	}
	for lang, model := range cfg.Voices {
		s.models[lang] = model
	}
	return s
}

// hostPort strips a URL scheme some deployments put in front of the address.
func hostPort(ep string) string {
	for _, scheme := range []string{"tcp://", "http://"} {
		ep = strings.TrimPrefix(ep, scheme)
	}
	return ep
}

// Name returns the engine identifier.
func (s *Synthesizer) Name() string { return "piper" }

// Close is a no-op; every call opens its own connection.
func (s *Synthesizer) Close() error { return nil }

// route picks the endpoint and voice model for a language.
func (s *Synthesizer) route(lang string) (endpoint, model string) {
	model = s.models[lang]
	if model == "" {
		model = s.models["en"]
	}
	endpoint = s.routes[lang]
	if endpoint == "" {
		endpoint = s.fallback
	}
	return endpoint, model
}

// Synthesize speaks text in the configured language and returns WAV audio.
// opts.Voice is ignored; opts.Language overrides the configured language.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOpts) (*tts.SynthesizeResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty text for synthesis")
	}
	lang := s.language
	if opts.Language != "" {
		lang = opts.Language
	}
	endpoint, model := s.route(lang)
	if endpoint == "" {
		return nil, fmt.Errorf("no piper endpoint for language %q", lang)
	}

	slog.Debug("piper synthesize", "endpoint", endpoint, "model", model, "language", lang, "text_length", len(text))

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("piper dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(streamTimeout)
	}
	_ = conn.SetDeadline(deadline)

	req := event{
		Type: "synthesize",
		Data: map[string]any{"text": text, "voice": map[string]any{"name": model}},
	}
	if err := sendEvent(conn, req); err != nil {
		return nil, fmt.Errorf("piper request: %w", err)
	}

	wav, err := collectAudio(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return &tts.SynthesizeResult{Audio: wav, ContentType: "audio/wav", Format: "wav"}, nil
}

// collectAudio consumes audio-start, audio-chunk* and audio-stop and returns
// the PCM wrapped as WAV.
func collectAudio(r *bufio.Reader) ([]byte, error) {
	format := defaultFormat
	var pcm bytes.Buffer
	for {
		e, err := receiveEvent(r)
		if err != nil {
			return nil, fmt.Errorf("piper response: %w", err)
		}
		switch e.Type {
		case "audio-start":
			format.update(e.Data)
		case "audio-chunk":
			pcm.Write(e.Payload)
		case "audio-stop":
			if pcm.Len() == 0 {
				return nil, tts.ErrEmptyAudio
			}
			return format.wav(pcm.Bytes()), nil
		case "error":
			reason, _ := e.Data["text"].(string)
			if reason == "" {
				reason = "unspecified failure"
			}
			return nil, fmt.Errorf("piper: %s", reason)
		default:
			slog.Debug("ignoring wyoming event", "type", e.Type)
		}
	}
}
