package narrate

import (
	"errors"
	"fmt"
)

// Kind classifies a synthesis failure so callers can react without parsing
// messages.
type Kind string

const (
	KindConfiguration Kind = "configuration" // media tool missing, temp dir unusable
	KindInput         Kind = "input"         // blank text, unknown voice
	KindSynthesis     Kind = "synthesis"     // every engine gave up on a chunk
	KindConcat        Kind = "concat"        // ffmpeg exited non-zero
	KindOutput        Kind = "output"        // result missing or too small
	KindCanceled      Kind = "canceled"      // context cancelled or request timed out
)

var (
	ErrEmptyText = errors.New("text is empty")
	ErrNoAudio   = errors.New("no audio chunks generated")
)

// Error is returned by Narrator.Synthesize.
type Error struct {
	Kind  Kind
	Chunk int // chunk index, -1 when not tied to a chunk
	Err   error
}

func (e *Error) Error() string {
	if e.Chunk >= 0 {
		return fmt.Sprintf("%s error at chunk %d: %v", e.Kind, e.Chunk, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" when err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, chunk int, err error) *Error {
	return &Error{Kind: kind, Chunk: chunk, Err: err}
}
