package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/sse"
)

// HealthResponse is returned by health endpoints. The public HTTP endpoint
// populates Status and Checks; the authenticated WebSocket method adds
// version and client count.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Clients int               `json:"clients,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// handleHealth runs the registered dependency checks. Any failing check
// turns the response into 503 "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(names))
		}
		if err := s.checks[name](ctx); err != nil {
			s.log.Warn().Err(err).Str("check", name).Msg("health check failed")
			resp.Checks[name] = "fail"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

// handleNotFound returns a 404 for unknown routes.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, &domain.NotFoundError{Kind: "route", ID: r.URL.Path})
}

// streamSink writes orchestrator output as server-sent events. The event
// stream is opened by the first chunk or failure, so a request rejected
// before streaming can still be answered with a JSON error and status.
type streamSink struct {
	w       http.ResponseWriter
	sw      *sse.Writer
	openErr error
}

func newStreamSink(w http.ResponseWriter) *streamSink {
	return &streamSink{w: w}
}

func (s *streamSink) open() error {
	if s.sw == nil && s.openErr == nil {
		s.sw, s.openErr = sse.NewWriter(s.w)
	}
	return s.openErr
}

func (s *streamSink) opened() bool { return s.sw != nil }

func (s *streamSink) Send(chunk domain.StreamChunk) error {
	if err := s.open(); err != nil {
		return err
	}
	return s.sw.Data(chunk)
}

// Fail ends the stream with an error event and the sentinel.
func (s *streamSink) Fail(err error) {
	if s.open() != nil {
		return
	}
	s.sw.Error(errorBody(err))
	s.sw.Done()
}

// close ends a successful stream.
func (s *streamSink) close() {
	if s.open() != nil {
		return
	}
	s.sw.Done()
}

// frameSink forwards orchestrator chunks to a WebSocket client as
// chat.chunk events. Failures are reported by the response frame.
type frameSink struct {
	client    *Client
	requestID string
	seq       *atomic.Int64
}

func (f *frameSink) Send(chunk domain.StreamChunk) error {
	return f.client.SendEvent(EventChatChunk, ChunkEvent{RequestID: f.requestID, Chunk: chunk}, f.seq.Add(1))
}

func (f *frameSink) Fail(error) {}

// RequestHandler processes an incoming request frame from a client.
type RequestHandler func(ctx *RequestContext)

// RequestContext carries everything a handler needs.
type RequestContext struct {
	Client *Client
	Frame  Frame
	Server *Server
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

// RespondError sends an error response.
func (rc *RequestContext) RespondError(code, message string) {
	rc.Client.RespondError(rc.Frame.ID, ErrorShape{
		Code:    code,
		Message: message,
	})
}

// RespondErr sends err using the gateway error vocabulary.
func (rc *RequestContext) RespondErr(err error) {
	rc.Client.RespondError(rc.Frame.ID, errorShape(err, time.Now()))
}

// Params unmarshals the request params into the given target.
func (rc *RequestContext) Params(target any) error {
	if rc.Frame.Params == nil {
		return nil
	}
	return json.Unmarshal(rc.Frame.Params, target)
}
