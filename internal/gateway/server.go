// Package gateway is the HTTP and WebSocket edge of llmgate. It resolves
// API keys to tenants, decodes completion requests, and hands them to the
// orchestrator, writing the result as JSON or as a server-sent event
// stream.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soyeahso/llmgate/internal/config"
	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/hooks"
	"github.com/soyeahso/llmgate/internal/logging"
	"github.com/soyeahso/llmgate/internal/metrics"
	"github.com/soyeahso/llmgate/internal/orchestrator"
	"github.com/soyeahso/llmgate/internal/version"
)

var ErrClientClosed = errors.New("client connection closed")

// Completer runs one completion request.
type Completer interface {
	Run(ctx context.Context, req orchestrator.Request, sink orchestrator.Sink) (*orchestrator.Response, error)
}

// Sessions serves the session endpoints.
type Sessions interface {
	Load(ctx context.Context, tenantID, id string) (*domain.CachedSession, error)
	Reset(ctx context.Context, tenantID, id string, preserveSummary bool) error
	Messages(ctx context.Context, tenantID, id string, before time.Time, limit int) ([]domain.ChatMessage, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server is the llmgate gateway HTTP + WebSocket server.
type Server struct {
	cfg       config.GatewayConfig
	auth      ResolvedAuth
	log       *logging.Logger
	completer Completer
	sessions  Sessions
	clients   *ClientRegistry
	handlers  map[string]RequestHandler
	version   string
	eventSeq  atomic.Int64

	hooks   *hooks.Manager
	metrics *metrics.Metrics

	checkMu sync.RWMutex
	checks  map[string]HealthCheck

	startedAt   time.Time
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	authLimiter *authRateLimiter
}

// authRateLimiter tracks failed auth attempts per IP to prevent brute-force attacks.
type authRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
	authRateMaxIPs   = 10000 // max tracked IPs to prevent memory exhaustion
)

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{failures: make(map[string][]time.Time), now: time.Now}
}

// run removes stale entries every minute until ctx is done.
func (l *authRateLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune()
		}
	}
}

func (l *authRateLimiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-authRateWindow)
	for ip, times := range l.failures {
		filtered := recentFailures(times, cutoff)
		if len(filtered) == 0 {
			delete(l.failures, ip)
		} else {
			l.failures[ip] = filtered
		}
	}
}

func recentFailures(times []time.Time, cutoff time.Time) []time.Time {
	filtered := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// allow reports whether remoteAddr may try to authenticate. When it may
// not, resetAt is when its oldest recent failure expires.
func (l *authRateLimiter) allow(remoteAddr string) (ok bool, resetAt time.Time) {
	host := remoteHost(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()

	filtered := recentFailures(l.failures[host], l.now().Add(-authRateWindow))
	if len(filtered) == 0 {
		delete(l.failures, host)
		return true, time.Time{}
	}
	l.failures[host] = filtered
	if len(filtered) < authRateMaxFails {
		return true, time.Time{}
	}
	return false, filtered[0].Add(authRateWindow)
}

func (l *authRateLimiter) recordFailure(remoteAddr string) {
	host := remoteHost(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()

	// Enforce max entries cap to prevent memory exhaustion from DDoS
	if _, exists := l.failures[host]; !exists && len(l.failures) >= authRateMaxIPs {
		var oldestIP string
		var oldestTime time.Time
		for ip, times := range l.failures {
			if len(times) > 0 && (oldestIP == "" || times[0].Before(oldestTime)) {
				oldestIP = ip
				oldestTime = times[0]
			}
		}
		if oldestIP != "" {
			delete(l.failures, oldestIP)
		}
	}

	l.failures[host] = append(l.failures[host], l.now())
}

func remoteHost(remoteAddr string) string {
	host, _, _ := net.SplitHostPort(remoteAddr)
	if host == "" {
		return remoteAddr
	}
	return host
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithHooks sets the hook manager for lifecycle events.
func WithHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) {
		s.hooks = hm
	}
}

// WithMetrics records HTTP metrics and serves them on /metrics.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHealthCheck adds a dependency check to /health.
func WithHealthCheck(name string, check HealthCheck) ServerOption {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// New creates a new gateway server.
func New(cfg config.GatewayConfig, completer Completer, sessions Sessions, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:         cfg,
		auth:        ResolveAuth(cfg.Auth),
		log:         log.Sub("gateway"),
		completer:   completer,
		sessions:    sessions,
		clients:     NewClientRegistry(log.Sub("clients")),
		handlers:    make(map[string]RequestHandler),
		checks:      make(map[string]HealthCheck),
		version:     version.Version,
		authLimiter: newAuthRateLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.AllowedOrigins),
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	s.registerRPCHandlers()
	return s
}

// checkWebSocketOrigin returns a function that validates WebSocket Origin headers.
// If no origins are configured, only same-origin (no Origin header) or non-browser
// clients are allowed. If origins are configured, the Origin must match one of them.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Same-origin or non-browser clients
		}
		return isOriginAllowed(origin, allowed)
	}
}

// Handle registers a WebSocket method handler.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// Methods returns the list of registered WebSocket method names.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	return methods
}

// Handler returns the routed HTTP handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux)
	return withMiddleware(mux, s.log, s.cfg.AllowedOrigins, s.metrics)
}

// ResolveBindAddr computes the listen address from config.
func ResolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan", "auto":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start begins listening for HTTP and WebSocket connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := ResolveBindAddr(s.cfg)

	// No WriteTimeout: event streams stay open for the whole completion,
	// which RequestTimeout bounds instead.
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln = tls.NewListener(ln, tlsCfg)
		s.log.Info().Msg("TLS enabled")
	} else if s.cfg.Bind != "loopback" {
		s.log.Warn().Msg("TLS is not enabled; API keys will be sent in cleartext")
	}

	if len(s.auth.Keys) == 0 {
		s.log.Warn().Msg("no API keys configured; every request will be rejected")
	}

	s.startedAt = time.Now()
	go s.authLimiter.run(ctx)

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Bind).
		Int("keys", len(s.auth.Keys)).
		Int("methods", len(s.handlers)).
		Msg("gateway server starting")

	s.hooks.Emit(ctx, hooks.EventGatewayStart, map[string]any{
		"addr": ln.Addr().String(),
	})

	// Shutdown when context is cancelled
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		s.hooks.Emit(context.WithoutCancel(ctx), hooks.EventGatewayStop, nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.clients.CloseAll()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}

// authenticate resolves the request's bearer key and checks scope.
// Repeated failures from one address are rate limited.
func (s *Server) authenticate(r *http.Request, scope string) (Principal, error) {
	return s.authorizeKey(r.RemoteAddr, bearerToken(r), scope)
}

func (s *Server) authorizeKey(remoteAddr, key, scope string) (Principal, error) {
	if ok, resetAt := s.authLimiter.allow(remoteAddr); !ok {
		s.log.Warn().Str("remote", remoteAddr).Msg("rate limited after repeated auth failures")
		return Principal{}, &domain.RateLimitError{ResetAt: resetAt}
	}
	p, err := Authorize(s.auth, key)
	if err != nil {
		s.authLimiter.recordFailure(remoteAddr)
		return Principal{}, err
	}
	if scope != "" {
		if err := requireScope(p, scope); err != nil {
			return Principal{}, err
		}
	}
	return p, nil
}
