package piper

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// event is one Wyoming message. On the wire it is
//
//	<json_length> <payload_length>\n
//	<json>\n
//	<payload>
type event struct {
	Type    string         `json:"type"`
	Data    map[string]any `json:"data,omitempty"`
	Payload []byte         `json:"-"`
}

func sendEvent(w io.Writer, e event) error {
	head, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", e.Type, err)
	}
	frame := make([]byte, 0, len(head)+len(e.Payload)+24)
	frame = strconv.AppendInt(frame, int64(len(head)), 10)
	frame = append(frame, ' ')
	frame = strconv.AppendInt(frame, int64(len(e.Payload)), 10)
	frame = append(frame, '\n')
	frame = append(frame, head...)
	frame = append(frame, '\n')
	frame = append(frame, e.Payload...)
	_, err = w.Write(frame)
	return err
}

func receiveEvent(r *bufio.Reader) (event, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return event{}, err
	}
	var headLen, payloadLen int
	fields := strings.Fields(line)
	if len(fields) == 2 {
		headLen, err = strconv.Atoi(fields[0])
		if err == nil {
			payloadLen, err = strconv.Atoi(fields[1])
		}
	}
	if len(fields) != 2 || err != nil || headLen < 0 || payloadLen < 0 {
		return event{}, fmt.Errorf("malformed wyoming frame header %q", strings.TrimSpace(line))
	}

	head := make([]byte, headLen+1)
	if _, err := io.ReadFull(r, head); err != nil {
		return event{}, fmt.Errorf("short wyoming frame: %w", err)
	}
	var e event
	if err := json.Unmarshal(head[:headLen], &e); err != nil {
		return event{}, fmt.Errorf("decoding wyoming event: %w", err)
	}
	if payloadLen > 0 {
		e.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, e.Payload); err != nil {
			return event{}, fmt.Errorf("short wyoming payload: %w", err)
		}
	}
	return e, nil
}

// pcmFormat describes the raw audio announced by audio-start.
type pcmFormat struct {
	Rate     int
	Width    int // bytes per sample
	Channels int
}

var defaultFormat = pcmFormat{Rate: 22050, Width: 2, Channels: 1}

// update applies the fields present in an audio-start event.
func (f *pcmFormat) update(data map[string]any) {
	for key, dst := range map[string]*int{"rate": &f.Rate, "width": &f.Width, "channels": &f.Channels} {
		if v, ok := data[key].(float64); ok && v > 0 {
			*dst = int(v)
		}
	}
}

// wav prefixes pcm with a canonical 44-byte RIFF header.
func (f pcmFormat) wav(pcm []byte) []byte {
	le := binary.LittleEndian
	out := make([]byte, 44, 44+len(pcm))
	copy(out[0:], "RIFF")
	le.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVEfmt ")
	le.PutUint32(out[16:], 16)
	le.PutUint16(out[20:], 1) // linear PCM
	le.PutUint16(out[22:], uint16(f.Channels))
	le.PutUint32(out[24:], uint32(f.Rate))
	le.PutUint32(out[28:], uint32(f.Rate*f.Channels*f.Width))
	le.PutUint16(out[32:], uint16(f.Channels*f.Width))
	le.PutUint16(out[34:], uint16(f.Width*8))
	copy(out[36:], "data")
	le.PutUint32(out[40:], uint32(len(pcm)))
	return append(out, pcm...)
}
