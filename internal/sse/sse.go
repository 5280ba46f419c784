// Package sse writes and reads the server-sent event stream used for
// streamed completions. Every event is a single data line holding JSON;
// the stream ends with a data line holding the Done sentinel.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// Done is the sentinel payload of the final event.
const Done = "[DONE]"

// ContentType is the media type of an event stream.
const ContentType = "text/event-stream"

// ErrorBody is the error object sent in-band and in JSON error responses.
type ErrorBody struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

// ErrorEnvelope wraps ErrorBody as {"error": {...}}.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// AcceptsEventStream reports whether an Accept header permits an event
// stream. A missing header accepts anything.
func AcceptsEventStream(accept string) bool {
	if strings.TrimSpace(accept) == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mt {
		case ContentType, "text/*", "*/*":
			return true
		}
	}
	return false
}

// Writer emits events to an HTTP response, flushing after each one.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	done    bool
}

// NewWriter prepares w for streaming. It fails if w cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("sse: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// Data writes v as one JSON event.
func (s *Writer) Data(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sse: encode event: %w", err)
	}
	return s.write(payload)
}

// Error writes an in-band error event.
func (s *Writer) Error(body ErrorBody) error {
	return s.Data(ErrorEnvelope{Error: body})
}

// Done writes the terminating sentinel. Later calls are no-ops.
func (s *Writer) Done() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.write([]byte(Done))
}

// Comment writes a comment line, which clients ignore. Useful as a
// keep-alive.
func (s *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *Writer) write(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Event is one parsed server-sent event.
type Event struct {
	Name string
	Data string
}

// IsError reports whether the event carries an in-band error, and
// returns it.
func (e Event) IsError() (ErrorBody, bool) {
	if !strings.HasPrefix(strings.TrimSpace(e.Data), `{"error"`) {
		return ErrorBody{}, false
	}
	var env ErrorEnvelope
	if err := json.Unmarshal([]byte(e.Data), &env); err != nil || env.Error.Code == "" {
		return ErrorBody{}, false
	}
	return env.Error, true
}

// Reader parses an event stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a reader over r. Lines up to 1 MiB are accepted.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	return &Reader{scanner: sc}
}

// Next returns the next event. It returns io.EOF after the Done sentinel
// or when the stream ends.
func (r *Reader) Next() (Event, error) {
	var ev Event
	var data bytes.Buffer
	hasData := false

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if !hasData {
				continue
			}
			ev.Data = data.String()
			if ev.Data == Done {
				return Event{}, io.EOF
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if hasData && data.String() != Done {
		ev.Data = data.String()
		return ev, nil
	}
	return Event{}, io.EOF
}
