// Package tts defines the interface for text-to-speech synthesis engines.
//
// longspeech calls one engine per text chunk. The primary engine is a neural
// voice service; a secondary engine takes over for the rest of a request once
// the primary has failed.
package tts

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when an engine reports success but yields no
// audio. It lets callers tell a silent empty response apart from a service
// failure.
var ErrEmptyAudio = errors.New("tts: engine returned no audio")

// SynthesizeOpts controls synthesis behavior.
type SynthesizeOpts struct {
	// Voice is the voice identifier (e.g., "en-US-AriaNeural"). Engines
	// without voice selection ignore it.
	Voice string

	// Language is the ISO-639-1 code (e.g., "en") used by engines that
	// select by language instead of voice.
	Language string
}

// Synthesizer converts text to audio.
type Synthesizer interface {
	// Name returns the engine identifier (e.g., "edge", "command", "piper").
	Name() string

	// Synthesize generates audio for the given text.
	Synthesize(ctx context.Context, text string, opts SynthesizeOpts) (*SynthesizeResult, error)

	// Close releases any resources held by the synthesizer.
	Close() error
}

// SynthesizeResult holds the output of TTS synthesis.
type SynthesizeResult struct {
	// Audio is the encoded audio file content.
	Audio []byte

	// ContentType is the MIME type of the audio (e.g., "audio/mpeg").
	ContentType string

	// Format is the container extension without the dot (e.g., "mp3", "wav").
	Format string
}
