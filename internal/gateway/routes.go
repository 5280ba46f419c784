package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/orchestrator"
	"github.com/soyeahso/llmgate/internal/routing"
	"github.com/soyeahso/llmgate/internal/sse"
)

const (
	sessionHeader       = "X-Session-ID"
	maxBodyBytes        = 4 * 1024 * 1024
	defaultMessagesPage = 50
	maxMessagesPage     = 500
)

// registerHTTPRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("POST /v1/sessions/{id}/reset", s.handleSessionReset)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleSessionMessages)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// registerRPCHandlers sets up all WebSocket method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle(MethodHealth, s.rpcHealth)
	s.Handle(MethodChatCompletions, s.rpcChatCompletions)
	s.Handle(MethodSessionGet, s.rpcSessionGet)
	s.Handle(MethodSessionReset, s.rpcSessionReset)
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &domain.ValidationError{Field: "body", Message: "request body too large"}
		}
		return &domain.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

// completionRequest turns decoded params into an orchestrator request.
// A missing session id is assigned here so a streaming client can learn
// it from the X-Session-ID header before the first chunk.
func completionRequest(id string, p Principal, params CompletionParams) orchestrator.Request {
	if params.SessionID == "" {
		params.SessionID = uuid.NewString()
	}
	req := orchestrator.Request{
		ID:         id,
		TenantID:   p.TenantID,
		SessionID:  params.SessionID,
		Completion: params.CompletionRequest,
	}
	if params.RoutingMode != "" {
		req.Mode = routing.ParseMode(params.RoutingMode)
	}
	return req
}

// withRequestTimeout bounds ctx by the configured request timeout.
func (s *Server) withRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(r, ScopeChat)
	if err != nil {
		writeError(w, err)
		return
	}

	var params CompletionParams
	if err := decodeJSON(w, r, &params, false); err != nil {
		writeError(w, err)
		return
	}
	if params.Stream && !sse.AcceptsEventStream(r.Header.Get("Accept")) {
		writeError(w, &domain.ValidationError{Field: "stream", Message: "client does not accept " + sse.ContentType})
		return
	}

	ctx, cancel := s.withRequestTimeout(r.Context())
	defer cancel()
	req := completionRequest(RequestID(r.Context()), p, params)
	w.Header().Set(sessionHeader, req.SessionID)

	if !params.Stream {
		resp, err := s.completer.Run(ctx, req, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	sink := newStreamSink(w)
	_, err = s.completer.Run(ctx, req, sink)
	if err != nil {
		// Once the stream is open the error has already gone out as an
		// event; before that the client gets a plain JSON error.
		if !sink.opened() {
			writeError(w, err)
		}
		return
	}
	sink.close()
}

// sessionView is the public shape of a session.
type sessionView struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	Model        string                 `json:"model,omitempty"`
	Provider     domain.Provider        `json:"provider,omitempty"`
	Metadata     domain.SessionMetadata `json:"metadata"`
	MessageCount int                    `json:"message_count"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func newSessionView(cs *domain.CachedSession) sessionView {
	return sessionView{
		ID:           cs.ID,
		TenantID:     cs.TenantID,
		Model:        cs.Model,
		Provider:     cs.Provider,
		Metadata:     cs.Metadata,
		MessageCount: len(cs.Messages),
		CreatedAt:    cs.CreatedAt,
		UpdatedAt:    cs.UpdatedAt,
	}
}

type resetBody struct {
	PreserveSummary bool `json:"preserve_summary"`
}

type resetResult struct {
	ID              string `json:"id"`
	Reset           bool   `json:"reset"`
	PreserveSummary bool   `json:"preserve_summary"`
}

type messagesPage struct {
	SessionID string               `json:"session_id"`
	Messages  []domain.ChatMessage `json:"messages"`
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(r, ScopeSessions)
	if err != nil {
		writeError(w, err)
		return
	}
	cs, err := s.sessions.Load(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(cs))
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(r, ScopeSessions)
	if err != nil {
		writeError(w, err)
		return
	}
	var body resetBody
	if err := decodeJSON(w, r, &body, true); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.sessions.Reset(r.Context(), p.TenantID, id, body.PreserveSummary); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resetResult{ID: id, Reset: true, PreserveSummary: body.PreserveSummary})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(r, ScopeSessions)
	if err != nil {
		writeError(w, err)
		return
	}
	before, limit, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	msgs, err := s.sessions.Messages(r.Context(), p.TenantID, id, before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, messagesPage{SessionID: id, Messages: msgs})
}

// parsePage reads the before (RFC 3339) and limit query parameters.
func parsePage(r *http.Request) (time.Time, int, error) {
	q := r.URL.Query()
	var before time.Time
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, 0, &domain.ValidationError{Field: "before", Message: "must be an RFC 3339 timestamp"}
		}
		before = t
	}
	limit := defaultMessagesPage
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxMessagesPage {
			return time.Time{}, 0, &domain.ValidationError{Field: "limit", Message: "must be between 1 and " + strconv.Itoa(maxMessagesPage)}
		}
		limit = n
	}
	return before, limit, nil
}

// WebSocket method handlers

func (s *Server) rpcHealth(rc *RequestContext) {
	rc.Respond(HealthResponse{
		Status:  "ok",
		Version: s.version,
		Clients: s.clients.Count(),
	})
}

func (s *Server) rpcChatCompletions(rc *RequestContext) {
	if err := requireScope(rc.Client.Principal, ScopeChat); err != nil {
		rc.RespondErr(err)
		return
	}
	var params CompletionParams
	if err := rc.Params(&params); err != nil {
		rc.RespondErr(&domain.ValidationError{Field: "params", Message: err.Error()})
		return
	}

	accepted := rc.Client.Go(func() {
		ctx, cancel := s.withRequestTimeout(rc.Client.Context())
		defer cancel()

		var sink orchestrator.Sink
		if params.Stream {
			sink = &frameSink{client: rc.Client, requestID: rc.Frame.ID, seq: &s.eventSeq}
		}
		resp, err := s.completer.Run(ctx, completionRequest(rc.Frame.ID, rc.Client.Principal, params), sink)
		if err != nil {
			rc.RespondErr(err)
			return
		}
		rc.Respond(resp)
	})
	if !accepted {
		rc.RespondError(domain.CodeRateLimited, "too many requests in flight on this connection")
	}
}

func (s *Server) rpcSessionGet(rc *RequestContext) {
	var p SessionParams
	if err := s.sessionParams(rc, &p); err != nil {
		rc.RespondErr(err)
		return
	}
	cs, err := s.sessions.Load(rc.Client.Context(), rc.Client.Principal.TenantID, p.SessionID)
	if err != nil {
		rc.RespondErr(err)
		return
	}
	rc.Respond(newSessionView(cs))
}

func (s *Server) rpcSessionReset(rc *RequestContext) {
	var p SessionParams
	if err := s.sessionParams(rc, &p); err != nil {
		rc.RespondErr(err)
		return
	}
	if err := s.sessions.Reset(rc.Client.Context(), rc.Client.Principal.TenantID, p.SessionID, p.PreserveSummary); err != nil {
		rc.RespondErr(err)
		return
	}
	rc.Respond(resetResult{ID: p.SessionID, Reset: true, PreserveSummary: p.PreserveSummary})
}

func (s *Server) sessionParams(rc *RequestContext, p *SessionParams) error {
	if err := requireScope(rc.Client.Principal, ScopeSessions); err != nil {
		return err
	}
	if err := rc.Params(p); err != nil {
		return &domain.ValidationError{Field: "params", Message: err.Error()}
	}
	if p.SessionID == "" {
		return &domain.ValidationError{Field: "session_id", Message: "is required"}
	}
	return nil
}
