package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/version"
)

const (
	maxFramePayload  = 4 * 1024 * 1024
	handshakeTimeout = 10 * time.Second
)

// handleWebSocket upgrades HTTP to WebSocket and runs the connection loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Rate-limit connection attempts per IP
	if ok, resetAt := s.authLimiter.allow(r.RemoteAddr); !ok {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited after repeated auth failures")
		writeError(w, &domain.RateLimitError{ResetAt: resetAt})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFramePayload)

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("new websocket connection")

	client, err := s.handshake(r, conn)
	if err != nil {
		s.log.Warn().Err(err).Msg("handshake failed")
		conn.Close()
		return
	}

	s.clients.Add(client)
	defer func() {
		s.clients.Remove(client.ConnID)
		client.Close()
	}()

	s.readLoop(client)
}

// handshake authenticates a new connection.
// Flow: server sends challenge → client sends connect with its API key →
// server validates → sends hello-ok. A bearer key on the upgrade request
// is used when the connect frame carries none.
func (s *Server) handshake(r *http.Request, conn *websocket.Conn) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	challenge, err := NewEvent(EventChallenge, map[string]any{
		"nonce": uuid.New().String(),
		"ts":    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("creating challenge: %w", err)
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("parsing connect frame: %w", err)
	}

	if frame.Type != FrameTypeRequest || frame.Method != MethodConnect {
		sendErrorAndClose(conn, frame.ID, ErrorShape{Code: domain.CodeValidation, Message: "expected connect request"})
		return nil, fmt.Errorf("expected connect request, got type=%s method=%s", frame.Type, frame.Method)
	}

	var params ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		sendErrorAndClose(conn, frame.ID, ErrorShape{Code: domain.CodeValidation, Message: "invalid connect params"})
		return nil, fmt.Errorf("parsing connect params: %w", err)
	}

	key := bearerToken(r)
	if params.Auth != nil && params.Auth.Key != "" {
		key = params.Auth.Key
	}
	principal, err := s.authorizeKey(r.RemoteAddr, key, "")
	if err != nil {
		sendErrorAndClose(conn, frame.ID, errorShape(err, time.Now()))
		return nil, fmt.Errorf("auth failed: %w", err)
	}

	conn.SetReadDeadline(time.Time{})

	client := NewClient(r.Context(), conn, params.Client, principal, s.log.Sub("ws"))

	hello := HelloOK{
		Protocol: ProtocolVersion,
		Server: ServerInfo{
			Version: s.version,
			Commit:  version.Commit,
			ConnID:  client.ConnID,
		},
		TenantID: principal.TenantID,
		Scopes:   principal.Scopes,
		Features: Features{
			Methods: s.Methods(),
			Events:  []string{EventChallenge, EventChatChunk},
		},
		Policy: ServerPolicy{
			MaxPayload:    maxFramePayload,
			MaxConcurrent: maxConcurrentPerConn,
		},
	}

	resp, err := NewResponse(frame.ID, hello)
	if err != nil {
		return nil, fmt.Errorf("creating hello response: %w", err)
	}
	if err := conn.WriteJSON(resp); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	s.log.Info().
		Str("connId", client.ConnID).
		Str("clientId", params.Client.ID).
		Str("tenantId", principal.TenantID).
		Msg("client authenticated")

	return client, nil
}

// readLoop processes incoming frames from an authenticated client.
func (s *Server) readLoop(client *Client) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("read error")
			}
			return
		}

		if frame.Type != FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}

		s.dispatch(client, frame)
	}
}

// dispatch routes a request frame to the appropriate handler.
func (s *Server) dispatch(client *Client, frame Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		client.RespondError(frame.ID, ErrorShape{
			Code:    domain.CodeNotFound,
			Message: "unknown method: " + frame.Method,
		})
		return
	}
	if frame.ID == "" {
		frame.ID = "ws-" + strconv.FormatInt(s.eventSeq.Add(1), 10)
	}

	handler(&RequestContext{
		Client: client,
		Frame:  frame,
		Server: s,
	})
}

// sendErrorAndClose sends an error response and closes the connection.
func sendErrorAndClose(conn *websocket.Conn, reqID string, shape ErrorShape) {
	conn.WriteJSON(NewErrorResponse(reqID, shape))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, shape.Message))
}
