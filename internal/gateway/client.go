package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/llmgate/internal/logging"
)

const (
	// maxConcurrentPerConn caps in-flight requests on one WebSocket.
	maxConcurrentPerConn = 4
	writeWait            = 10 * time.Second
)

// Client represents an authenticated WebSocket connection. Requests on a
// client run concurrently; closing the client cancels them.
type Client struct {
	ConnID      string
	Info        ClientInfo
	Principal   Principal
	Socket      *websocket.Conn
	ConnectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	work   errgroup.Group

	mu     sync.Mutex
	closed bool
	log    *logging.Logger
}

// NewClient creates a Client for a newly authenticated WebSocket connection.
func NewClient(parent context.Context, conn *websocket.Conn, info ClientInfo, p Principal, log *logging.Logger) *Client {
	ctx, cancel := context.WithCancel(parent)
	c := &Client{
		ConnID:      uuid.New().String(),
		Info:        info,
		Principal:   p,
		Socket:      conn,
		ConnectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		log:         log,
	}
	c.work.SetLimit(maxConcurrentPerConn)
	return c
}

// Context is cancelled when the client disconnects.
func (c *Client) Context() context.Context { return c.ctx }

// Go runs fn in the background. It returns false when the client already
// has maxConcurrentPerConn requests in flight.
func (c *Client) Go(fn func()) bool {
	return c.work.TryGo(func() error {
		fn()
		return nil
	})
}

// Send sends a frame to the client. Thread-safe.
func (c *Client) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.Socket.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Socket.WriteJSON(frame)
}

// SendEvent sends a named event with payload.
func (c *Client) SendEvent(event string, payload any, seq int64) error {
	f, err := NewEvent(event, payload, seq)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// Respond sends a success response for the given request ID.
func (c *Client) Respond(reqID string, payload any) error {
	f, err := NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// RespondError sends an error response for the given request ID.
func (c *Client) RespondError(reqID string, errShape ErrorShape) error {
	return c.Send(NewErrorResponse(reqID, errShape))
}

// ReadFrame reads the next frame from the WebSocket.
func (c *Client) ReadFrame() (Frame, error) {
	_, msg, err := c.Socket.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close cancels in-flight requests, waits for them, and closes the
// connection.
func (c *Client) Close() error {
	c.cancel()
	c.work.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.Socket.Close()
}

// ClientRegistry manages connected clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client // connID → Client
	log     *logging.Logger
}

// NewClientRegistry creates an empty client registry.
func NewClientRegistry(log *logging.Logger) *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		log:     log,
	}
}

// Add registers a connected client.
func (r *ClientRegistry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ConnID] = c
	r.log.Info().Str("connId", c.ConnID).Str("tenantId", c.Principal.TenantID).Msg("client connected")
}

// Remove unregisters a client by connection ID.
func (r *ClientRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, connID)
	r.log.Info().Str("connId", connID).Msg("client disconnected")
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes all connected clients.
func (r *ClientRegistry) CloseAll() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for id, c := range r.clients {
		clients = append(clients, c)
		delete(r.clients, id)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
