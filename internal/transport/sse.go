package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
)

// Event is one decoded server-sent event.
type Event struct {
	ID      string `json:"id,omitempty"`
	Event   string `json:"event,omitempty"`
	Data    string `json:"data,omitempty"`
	Retry   int    `json:"retry,omitempty"` // reconnection hint in milliseconds, 0 when absent
	Comment string `json:"comment,omitempty"`
}

// Decode unmarshals the event data as JSON into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal([]byte(e.Data), v)
}

// ParseEvent parses one framed event (without its trailing blank line).
// Multiple data lines are joined with "\n"; a malformed retry field is ignored.
func ParseEvent(raw string) Event {
	var ev Event
	var data []string
	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, ":"):
			ev.Comment = strings.TrimSpace(line[1:])
		case strings.HasPrefix(line, "id:"):
			ev.ID = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "retry:"):
			if n, err := strconv.Atoi(strings.TrimSpace(line[len("retry:"):])); err == nil {
				ev.Retry = n
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(line[len("data:"):]))
		}
	}
	ev.Data = strings.Join(data, "\n")
	return ev
}

// Decoder frames a text/event-stream Stream into Events.
type Decoder struct {
	stream *Stream
	buf    []byte
	eof    bool
}

// NewDecoder creates a Decoder reading from stream.
func NewDecoder(stream *Stream) *Decoder {
	return &Decoder{stream: stream}
}

// Next returns the next complete event. It returns io.EOF when the stream ends;
// a trailing unterminated frame is delivered before io.EOF.
func (d *Decoder) Next(ctx context.Context) (Event, error) {
	for {
		if raw, ok := d.extract(); ok {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			return ParseEvent(raw), nil
		}
		if d.eof {
			if rest := strings.TrimSpace(string(d.buf)); rest != "" {
				d.buf = nil
				return ParseEvent(rest), nil
			}
			return Event{}, io.EOF
		}

		chunk, err := d.stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			d.eof = true
			continue
		}
		if err != nil {
			return Event{}, err
		}
		d.buf = append(d.buf, chunk...)
	}
}

// extract removes the next frame from the buffer, supporting both CRLF and LF framing.
func (d *Decoder) extract() (string, bool) {
	crlf := bytes.Index(d.buf, []byte("\r\n\r\n"))
	lf := bytes.Index(d.buf, []byte("\n\n"))

	idx, sep := -1, 0
	switch {
	case crlf >= 0 && (lf < 0 || crlf <= lf):
		idx, sep = crlf, 4
	case lf >= 0:
		idx, sep = lf, 2
	}
	if idx < 0 {
		return "", false
	}
	raw := string(d.buf[:idx])
	d.buf = d.buf[idx+sep:]
	return raw, true
}
