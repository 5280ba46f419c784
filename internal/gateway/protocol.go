package gateway

import (
	"encoding/json"
	"time"

	"github.com/soyeahso/llmgate/internal/domain"
)

// Frame types for the WebSocket protocol.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// WebSocket methods and events.
const (
	MethodConnect         = "connect"
	MethodHealth          = "health"
	MethodChatCompletions = "chat.completions"
	MethodSessionGet      = "sessions.get"
	MethodSessionReset    = "sessions.reset"

	EventChallenge = "connect.challenge"
	EventChatChunk = "chat.chunk"
)

// Frame is the base envelope for all WebSocket messages.
// The Type field discriminates between request, response, and event frames.
type Frame struct {
	Type string `json:"type"`

	// Request fields
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Event fields
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`

	// Error (response only)
	Error *ErrorShape `json:"error,omitempty"`
}

// ErrorShape is the error format in response frames. Code uses the same
// vocabulary as the HTTP error envelope.
type ErrorShape struct {
	Code         string     `json:"code"`
	Message      string     `json:"message"`
	ResetAt      *time.Time `json:"reset_at,omitempty"`
	RetryAfterMs int64      `json:"retryAfterMs,omitempty"`
}

// errorShape converts err into a response-frame error.
func errorShape(err error, now time.Time) ErrorShape {
	body := errorBody(err)
	shape := ErrorShape{Code: body.Code, Message: body.Message, ResetAt: body.ResetAt}
	if body.ResetAt != nil {
		if ms := body.ResetAt.Sub(now).Milliseconds(); ms > 0 {
			shape.RetryAfterMs = ms
		}
	}
	return shape
}

// ConnectParams are sent by the client in the initial "connect" request.
type ConnectParams struct {
	Client ClientInfo   `json:"client"`
	Auth   *ConnectAuth `json:"auth,omitempty"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

// ConnectAuth carries the API key in the connect request.
type ConnectAuth struct {
	Key string `json:"key"`
}

// HelloOK is the server's response payload after successful authentication.
type HelloOK struct {
	Protocol int          `json:"protocol"`
	Server   ServerInfo   `json:"server"`
	TenantID string       `json:"tenantId"`
	Scopes   []string     `json:"scopes"`
	Features Features     `json:"features"`
	Policy   ServerPolicy `json:"policy"`
}

// ServerInfo identifies the gateway server.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	ConnID  string `json:"connId"`
}

// Features advertises available methods and events.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// ServerPolicy communicates protocol limits to the client.
type ServerPolicy struct {
	MaxPayload    int `json:"maxPayload"`
	MaxConcurrent int `json:"maxConcurrent"`
}

// CompletionParams is the body of a chat completion, over HTTP or as the
// params of a chat.completions frame.
type CompletionParams struct {
	domain.CompletionRequest
	SessionID   string `json:"session_id,omitempty"`
	RoutingMode string `json:"routing_mode,omitempty"`
}

// ChunkEvent is the payload of a chat.chunk event.
type ChunkEvent struct {
	RequestID string             `json:"requestId"`
	Chunk     domain.StreamChunk `json:"chunk"`
}

// SessionParams selects a session in sessions.* frames.
type SessionParams struct {
	SessionID       string `json:"session_id"`
	PreserveSummary bool   `json:"preserve_summary,omitempty"`
}

// NewRequest creates a request frame.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:   FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}, nil
}

// NewResponse creates a success response frame.
func NewResponse(id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		OK:      &ok,
		Payload: raw,
	}, nil
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(id string, errShape ErrorShape) Frame {
	ok := false
	return Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: &errShape,
	}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload any, seq int64) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: raw,
		Seq:     seq,
	}, nil
}

// Protocol version supported by this server.
const ProtocolVersion = 1
