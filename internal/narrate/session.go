package narrate

import "github.com/nadzzz/longspeech/internal/tts"

// session is the per-request engine selection. Once degraded it stays on
// the fallback for every remaining chunk of the request.
type session struct {
	primary    tts.Synthesizer
	fallback   tts.Synthesizer // nil when no fallback is configured
	degraded   bool
	degradedAt int
}

func newSession(primary, fallback tts.Synthesizer) *session {
	return &session{primary: primary, fallback: fallback, degradedAt: -1}
}

func (s *session) engine() tts.Synthesizer {
	if s.degraded {
		return s.fallback
	}
	return s.primary
}

// degrade switches to the fallback. It reports false when there is nothing
// left to switch to.
func (s *session) degrade(chunk int) bool {
	if s.degraded || s.fallback == nil {
		return false
	}
	s.degraded = true
	s.degradedAt = chunk
	return true
}
