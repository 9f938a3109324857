// Package edge implements the TTS Synthesizer using Microsoft Edge's "read
// aloud" neural voice service.
//
// The service speaks a small text protocol over WebSocket. Each request sends
// two text frames (speech.config, then ssml) and receives:
//
//	text frames    "Path:turn.start", "Path:response", "Path:audio.metadata", "Path:turn.end"
//	binary frames  <uint16 header length><headers><audio payload>
//
// Audio payloads of frames whose headers carry "Path:audio" are concatenated
// in arrival order; the turn ends with "Path:turn.end".
package edge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nadzzz/longspeech/internal/config"
	"github.com/nadzzz/longspeech/internal/tts"
)

const (
	chromiumVersion = "130.0.2849.68"
	extensionOrigin = "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold"

	// windowsEpochOffset is the number of seconds between 1601-01-01 and 1970-01-01.
	windowsEpochOffset = 11644473600
)

// Synthesizer implements tts.Synthesizer against the Edge read-aloud service.
type Synthesizer struct {
	cfg    config.EdgeConfig
	dialer *websocket.Dialer
	now    func() time.Time
}

// New creates a new Edge synthesizer from config.
func New(cfg config.EdgeConfig) *Synthesizer {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "audio-24khz-48kbitrate-mono-mp3"
	}
	if cfg.Rate == "" {
		cfg.Rate = "+0%"
	}
	if cfg.Volume == "" {
		cfg.Volume = "+0%"
	}
	if cfg.Pitch == "" {
		cfg.Pitch = "+0Hz"
	}
	return &Synthesizer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
		now: time.Now,
	}
}

// Name returns the engine identifier.
func (s *Synthesizer) Name() string { return "edge" }

// Close is a no-op, connections are per-request.
func (s *Synthesizer) Close() error { return nil }

// Synthesize sends text to the service and returns the MP3 audio.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOpts) (*tts.SynthesizeResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text for synthesis")
	}
	if opts.Voice == "" {
		return nil, fmt.Errorf("edge synthesis requires a voice")
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	endpoint, err := s.endpointURL()
	if err != nil {
		return nil, err
	}

	conn, _, err := s.dialer.DialContext(ctx, endpoint, s.headers())
	if err != nil {
		return nil, fmt.Errorf("connecting to edge tts: %w", err)
	}
	defer conn.Close()

	// Unblock reads when the context ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	now := s.now()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(s.configMessage(now))); err != nil {
		return nil, fmt.Errorf("sending speech.config: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(s.ssmlMessage(now, text, opts.Voice))); err != nil {
		return nil, fmt.Errorf("sending ssml: %w", err)
	}

	slog.Debug("edge synthesize", "text_length", len(text), "voice", opts.Voice)

	var audio bytes.Buffer
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("reading edge response: %w", err)
		}

		switch msgType {
		case websocket.TextMessage:
			headers, _ := splitTextFrame(data)
			if headers["Path"] == "turn.end" {
				if audio.Len() == 0 {
					return nil, tts.ErrEmptyAudio
				}
				return &tts.SynthesizeResult{
					Audio:       audio.Bytes(),
					ContentType: "audio/mpeg",
					Format:      "mp3",
				}, nil
			}
		case websocket.BinaryMessage:
			headers, payload, err := splitBinaryFrame(data)
			if err != nil {
				return nil, err
			}
			if headers["Path"] != "audio" {
				continue
			}
			audio.Write(payload)
		}
	}
}

func (s *Synthesizer) endpointURL() (string, error) {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing edge endpoint: %w", err)
	}
	q := u.Query()
	q.Set("TrustedClientToken", s.cfg.TrustedToken)
	q.Set("ConnectionId", connectionID())
	q.Set("Sec-MS-GEC", secMSGEC(s.now(), s.cfg.TrustedToken))
	version := s.cfg.GECVersion
	if version == "" {
		version = "1-" + chromiumVersion
	}
	q.Set("Sec-MS-GEC-Version", version)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Synthesizer) headers() http.Header {
	major := strings.SplitN(chromiumVersion, ".", 2)[0]
	h := http.Header{}
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache")
	h.Set("Origin", extensionOrigin)
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/"+
		major+".0.0.0 Safari/537.36 Edg/"+major+".0.0.0")
	return h
}

func (s *Synthesizer) configMessage(now time.Time) string {
	return "X-Timestamp:" + timestamp(now) + "\r\n" +
		"Content-Type:application/json; charset=utf-8\r\n" +
		"Path:speech.config\r\n\r\n" +
		`{"context":{"synthesis":{"audio":{"metadataoptions":{` +
		`"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},` +
		`"outputFormat":"` + s.cfg.OutputFormat + `"}}}}` + "\r\n"
}

func (s *Synthesizer) ssmlMessage(now time.Time, text, voice string) string {
	return "X-RequestId:" + connectionID() + "\r\n" +
		"Content-Type:application/ssml+xml\r\n" +
		"X-Timestamp:" + timestamp(now) + "Z\r\n" +
		"Path:ssml\r\n\r\n" +
		buildSSML(text, voice, s.cfg.Rate, s.cfg.Volume, s.cfg.Pitch)
}

// buildSSML wraps escaped text in the speak/voice/prosody envelope the service expects.
func buildSSML(text, voice, rate, volume, pitch string) string {
	var b strings.Builder
	b.WriteString("<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'>")
	b.WriteString("<voice name='" + LongVoiceName(voice) + "'>")
	b.WriteString("<prosody pitch='" + pitch + "' rate='" + rate + "' volume='" + volume + "'>")
	_ = xml.EscapeText(&b, []byte(sanitize(text)))
	b.WriteString("</prosody></voice></speak>")
	return b.String()
}

// LongVoiceName expands a short name such as "en-US-AriaNeural" into the
// service's full form "Microsoft Server Speech Text to Speech Voice (en-US, AriaNeural)".
// Names already in full form are returned unchanged.
func LongVoiceName(short string) string {
	if strings.HasPrefix(short, "Microsoft Server Speech") {
		return short
	}
	parts := strings.Split(short, "-")
	if len(parts) < 3 {
		return short
	}
	locale := parts[0] + "-" + parts[1]
	name := strings.Join(parts[2:], "-")
	return "Microsoft Server Speech Text to Speech Voice (" + locale + ", " + name + ")"
}

// sanitize replaces control characters the service rejects with spaces.
func sanitize(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return ' '
		}
		return r
	}, text)
}

// secMSGEC derives the Sec-MS-GEC token: the upper-case hex SHA-256 of the
// current Windows file time, rounded down to five minutes, followed by the
// trusted client token.
func secMSGEC(now time.Time, token string) string {
	ticks := now.Unix() + windowsEpochOffset
	ticks -= ticks % 300
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d%s", ticks*10_000_000, token)))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func connectionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func timestamp(now time.Time) string {
	return now.UTC().Format("Mon Jan 02 2006 15:04:05 GMT+0000 (Coordinated Universal Time)")
}

// splitTextFrame parses "Key:Value\r\n" headers up to the blank line.
func splitTextFrame(data []byte) (map[string]string, []byte) {
	head, body, _ := bytes.Cut(data, []byte("\r\n\r\n"))
	return parseHeaders(head), body
}

// splitBinaryFrame parses a binary frame: a big-endian uint16 header length,
// the headers, then the payload.
func splitBinaryFrame(data []byte) (map[string]string, []byte, error) {
	if len(data) < 2 {
		return nil, nil, errors.New("edge binary frame too short")
	}
	n := int(binary.BigEndian.Uint16(data[:2]))
	if 2+n > len(data) {
		return nil, nil, fmt.Errorf("edge binary frame header length %d exceeds frame size %d", n, len(data))
	}
	return parseHeaders(data[2 : 2+n]), data[2+n:], nil
}

func parseHeaders(head []byte) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(string(head), "\r\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return headers
}
