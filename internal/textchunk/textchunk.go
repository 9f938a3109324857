// Package textchunk splits long text into bounded chunks at sentence
// boundaries so each chunk can be synthesized by a single engine call.
//
// Sentence detection is punctuation based and abbreviation unaware: "Mr. Smith"
// is split after "Mr.". The only cost is an extra pause in the audio.
package textchunk

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxChars is the chunk bound used when none is configured.
const DefaultMaxChars = 2000

// Split returns the ordered chunks of text. Every chunk has at most maxChars
// runes and joining the chunks reproduces text exactly.
//
// Sentences are kept whole unless a single sentence is longer than maxChars,
// in which case it is cut into maxChars-sized pieces. Chunks may be blank
// (e.g. trailing whitespace); callers skip those before synthesis.
func Split(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if utf8.RuneCountInString(text) <= maxChars {
		return []string{text}
	}

	var (
		chunks  []string
		current strings.Builder
		curLen  int
	)
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			curLen = 0
		}
	}

	for _, sentence := range Sentences(text) {
		n := utf8.RuneCountInString(sentence)
		if curLen+n <= maxChars {
			current.WriteString(sentence)
			curLen += n
			continue
		}

		flush()
		if n > maxChars {
			chunks = append(chunks, hardCut(sentence, maxChars)...)
			continue
		}
		current.WriteString(sentence)
		curLen = n
	}
	flush()

	return chunks
}

// Sentences cuts text after every '.', '!' and '?'. The terminator stays with
// its sentence; whitespace that follows it opens the next one. Joining the
// result reproduces text.
func Sentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if isTerminator(r) {
			end := i + utf8.RuneLen(r)
			out = append(out, text[start:end])
			start = end
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// hardCut splits s into pieces of exactly max runes, the last one possibly shorter.
func hardCut(s string, max int) []string {
	var pieces []string
	for s != "" {
		count := 0
		cut := len(s)
		for i := range s {
			if count == max {
				cut = i
				break
			}
			count++
		}
		pieces = append(pieces, s[:cut])
		s = s[cut:]
	}
	return pieces
}

// IsBlank reports whether a chunk carries nothing to speak.
func IsBlank(chunk string) bool {
	return strings.TrimSpace(chunk) == ""
}
