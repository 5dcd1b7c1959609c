package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/livesock"
	"github.com/luciancaetano/livesock/internal/clock"
	"github.com/luciancaetano/livesock/internal/identity"
	"github.com/luciancaetano/livesock/internal/metrics"
	"github.com/luciancaetano/livesock/internal/protocol"
	"github.com/luciancaetano/livesock/internal/registry"
	"github.com/luciancaetano/livesock/internal/router"
)

// OnConnectFn is called after a connection has been admitted and before its
// first message is read. It runs on the upgrade goroutine, so it should not
// block.
type OnConnectFn = func(conn livesock.Conn)

// OnDisconnectFn is called once per admitted connection after it has left the
// registry, with the close code and reason it was closed with. It runs on
// its own goroutine.
type OnDisconnectFn = func(conn livesock.Conn, code int, reason string)

type ServerConfig struct {
	// Addr is the listen address. An empty Addr starts only the event loop;
	// serve HTTPHandler from your own server.
	Addr string
	// Path is the WebSocket endpoint, "/ws" by default.
	Path            string
	Gate            *identity.Gate
	Limits          registry.Config
	RateLimitConfig *RateLimitConfig
	// Scheduler defaults to the wall clock.
	Scheduler clock.Scheduler
	Logger    *zap.Logger
	// Registry receives the server's collectors and is served on /metrics.
	// A private registry is used when nil.
	Registry     *prometheus.Registry
	OnConnect    OnConnectFn
	OnDisconnect OnDisconnectFn
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Server implements the livesock.Server interface
type Server struct {
	addr   string
	path   string
	server *http.Server
	mux    *http.ServeMux

	gate   *identity.Gate
	hub    *Hub
	router *router.Router
	rec    *metrics.Recorder
	log    *zap.Logger

	// Rate limiting configuration
	rateLimitConfig *RateLimitConfig

	mu        sync.Mutex
	running   bool
	stopHub   context.CancelFunc
	upgrader  websocket.Upgrader
	onConnect OnConnectFn
}

var _ livesock.Server = (*Server)(nil)

// New creates a server from cfg. The subscription actions of the invites and
// game routes are registered before New returns.
func New(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = clock.Real{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Gate == nil {
		cfg.Gate = identity.NewGate(identity.Config{}, nil, log)
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	rec := metrics.New(reg, log)
	hub := NewHub(cfg.Limits, cfg.Scheduler, rec, log)
	hub.onDisconnect = cfg.OnDisconnect

	s := &Server{
		addr:            cfg.Addr,
		path:            cfg.Path,
		gate:            cfg.Gate,
		hub:             hub,
		router:          router.New(rec, log),
		rec:             rec,
		log:             log,
		rateLimitConfig: cfg.RateLimitConfig,
		onConnect:       cfg.OnConnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The gate checks the origin and answers with a close code.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerSubscriptionHandlers()

	s.mux = http.NewServeMux()
	s.mux.HandleFunc(s.path, s.handleWebSocket)
	s.mux.HandleFunc("/up", s.handleUp)
	s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return s
}

// Start starts the event loop and, when an address is configured, the HTTP
// listener.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New(livesock.ErrServerAlreadyRunning)
	}
	s.running = true
	hubCtx, stopHub := context.WithCancel(context.Background())
	s.stopHub = stopHub
	s.mu.Unlock()

	go s.hub.Run(hubCtx)

	if s.addr == "" {
		return nil
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
		return fmt.Errorf("listen %s: %w", s.addr, err)
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.log.Info("listening", zap.String("addr", s.addr), zap.String("path", s.path))
		return nil
	}
}

// Stop closes every connection with CloseGoingAway and shuts the listener
// down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopHub := s.stopHub
	s.mu.Unlock()

	stopHub()
	select {
	case <-s.hub.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handle registers a handler for an action on a route.
func (s *Server) Handle(route livesock.Route, action string, shape livesock.Shape, handler livesock.HandlerFunc) error {
	return s.router.Handle(route, action, shape, handler)
}

// Broadcast sends a message to every subscriber of topic.
func (s *Server) Broadcast(ctx context.Context, topic livesock.Topic, action string, value any) (int, error) {
	if err := topic.Validate(); err != nil {
		return 0, err
	}
	return s.hub.Broadcast(ctx, topic, action, value)
}

// HTTPHandler serves the WebSocket endpoint, /up and /metrics.
func (s *Server) HTTPHandler() http.Handler {
	return s.mux
}

// Stats returns a snapshot of open connections and active topics.
func (s *Server) Stats(ctx context.Context) (Stats, error) {
	return s.hub.Stats(ctx)
}

// handleWebSocket admits or rejects an upgrade. Rejections are delivered as
// close codes on the upgraded connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, gateErr := s.gate.Resolve(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	ip := s.gate.ClientIP(r)
	client := NewClient(conn, ip, s.rateLimitConfig, s.log)

	if gateErr != nil {
		code, reason := livesock.ClosePolicyViolation, livesock.ErrAuthRequired
		var rejection *identity.Rejection
		if errors.As(gateErr, &rejection) {
			code, reason = rejection.Code, rejection.Reason
		}
		s.rec.Rejected(reason)
		s.log.Info("upgrade rejected", zap.String("ip", ip), zap.Int("code", code), zap.String("reason", reason))
		client.CloseWithCode(code, reason)
		return
	}

	handle, err := s.hub.Accept(r.Context(), id, ip, client)
	if err != nil {
		var rejected *registry.Rejected
		if errors.As(err, &rejected) {
			client.CloseWithCode(livesock.CloseTooManyConnections, rejected.Reason)
			return
		}
		s.log.Error("accept failed", zap.String("ip", ip), zap.Error(err))
		client.CloseWithCode(websocket.CloseInternalServerErr, "")
		return
	}

	if s.onConnect != nil {
		s.onConnect(handle)
	}

	go s.readPump(handle, client)
}

// readPump reads frames in order and dispatches them sequentially; it is the
// only goroutine running handlers for the connection.
func (s *Server) readPump(handle *connHandle, client *Client) {
	defer s.hub.TransportClosed(handle.id)

	client.conn.SetReadLimit(livesock.MaxMessageBytes)

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.closeIP(handle.ip)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("read failed", zap.String("conn", handle.id), zap.Error(err))
			}
			return
		}

		// Check rate limit before processing message
		if !client.CheckRateLimit() {
			s.log.Warn("rate limit exceeded", zap.String("conn", handle.id), zap.String("ip", handle.ip))
			_ = s.hub.Close(context.Background(), handle.id, livesock.ClosePolicyViolation, livesock.ErrRateLimited)
			return
		}

		s.receive(handle, data)
	}
}

// receive processes one inbound frame: liveness bookkeeping on the hub, then
// routing.
func (s *Server) receive(handle *connHandle, data []byte) {
	ctx := handle.Context()

	in, err := protocol.DecodeInbound(data)
	if err != nil {
		if errors.Is(err, protocol.ErrMessageTooLarge) {
			s.closeIP(handle.ip)
			return
		}
		// in holds whatever decoded, so an id still gets its echo first.
		if err := s.hub.Inbound(ctx, handle.id, in); err != nil {
			return
		}
		s.rec.Malformed(handle.id, handle.ip, err)
		payload := protocol.ErrorPayload{Code: livesock.CodeMalformed, Message: livesock.ErrMalformedMessage}
		if in.ID != nil {
			_ = handle.Reply(ctx, *in.ID, livesock.RouteGeneral, livesock.ActionError, payload)
		} else {
			_ = handle.Send(ctx, livesock.RouteGeneral, livesock.ActionError, payload)
		}
		return
	}

	if err := s.hub.Inbound(ctx, handle.id, in); err != nil {
		return
	}
	if protocol.IsEcho(in) {
		return
	}
	s.router.Dispatch(ctx, handle, in)
}

func (s *Server) closeIP(ip string) {
	n, err := s.hub.CloseIP(context.Background(), ip, livesock.CloseMessageTooLarge, livesock.ErrMessageTooLarge)
	if err != nil {
		return
	}
	s.log.Warn("oversized message", zap.String("ip", ip), zap.Int("closed", n))
}

func (s *Server) handleUp(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	stats, err := s.hub.Stats(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
