package ws

import (
	"github.com/luciancaetano/livesock"
	"github.com/luciancaetano/livesock/internal/identity"
	"github.com/luciancaetano/livesock/internal/registry"
	"github.com/luciancaetano/livesock/internal/router"
	"github.com/luciancaetano/livesock/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnDisconnectFn
type ServerConfig = *websocket.ServerConfig
type Stats = websocket.Stats

// Limits overrides the per-IP and per-member caps and the connection timers.
// Zero fields keep the defaults.
type Limits = registry.Config

type Gate = identity.Gate
type GateConfig = identity.Config
type TokenVerifier = identity.TokenVerifier

// New creates a server from cfg. The subscribe and unsubscribe actions of the
// invites and game routes are already registered.
//
// Example:
//
//	cfg := ws.NewConfig(":8080", "https://play.example.com", ws.HMACVerifier(secret, ""))
//	cfg.OnConnect = func(conn livesock.Conn) {
//	    log.Printf("connected: %s %s", conn.ID(), conn.Identity())
//	}
//	server := ws.New(cfg)
func New(cfg ServerConfig) livesock.Server {
	return websocket.New(cfg)
}

// NewConfig returns a configuration that admits secure upgrades from origin.
// Requests without a valid token fall back to the device cookie.
func NewConfig(addr, origin string, verifier TokenVerifier) ServerConfig {
	return &websocket.ServerConfig{
		Addr:            addr,
		Gate:            identity.NewGate(identity.Config{Origin: origin}, verifier, nil),
		RateLimitConfig: websocket.DefaultRateLimitConfig(),
	}
}

// NewGate builds an admission gate for ServerConfig.Gate.
func NewGate(cfg GateConfig, verifier TokenVerifier) *Gate {
	return identity.NewGate(cfg, verifier, nil)
}

// HMACVerifier verifies HS256/384/512 session tokens signed with secret. An
// empty issuer accepts any issuer.
func HMACVerifier(secret []byte, issuer string) TokenVerifier {
	return identity.HMACVerifier{Secret: secret, Issuer: issuer}
}

// ShapeOf returns a Shape that decodes values into *T, rejecting unknown
// fields, and validates `validate` struct tags.
func ShapeOf[T any]() livesock.Shape {
	return router.ShapeOf[T]()
}

// NoValue returns a Shape for actions that take no value.
func NoValue() livesock.Shape {
	return router.NoValue()
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
