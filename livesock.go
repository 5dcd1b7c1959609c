package livesock

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Server defines the interface for the real-time session server.
//
// A Server upgrades authenticated HTTP requests to WebSocket connections,
// tracks them in a single registry, keeps them honest with the echo protocol
// and fans topic broadcasts out to subscribers.
//
// Example usage:
//
//	import "github.com/luciancaetano/livesock/ws"
//
//	server := ws.New(ws.NewConfig(":8080", "https://play.example.com", verifier))
//
//	server.Handle(livesock.RouteGame, "submitmove", ws.ShapeOf[Move](),
//	    func(ctx context.Context, conn livesock.Conn, req livesock.Request) error {
//	        move := req.Value.(*Move)
//	        _, err := server.Broadcast(ctx, livesock.GameTopic(move.Game), "move", move)
//	        return err
//	    })
//
//	server.Start(ctx)
type Server interface {
	// Start starts listening for connections and the event loop.
	//
	// Returns an error if the server is already running or if the address
	// cannot be bound.
	Start(ctx context.Context) error

	// Stop closes every connection with CloseGoingAway and shuts the HTTP
	// listener down.
	Stop(ctx context.Context) error

	// Handle registers a handler for an action on a route.
	//
	// The shape decodes and validates the inbound value before the handler
	// runs. A value the shape rejects never reaches the handler; the sender
	// receives a params_rejected error instead.
	//
	// Handlers for one connection run sequentially in arrival order. A handler
	// that returns an error or panics is logged and the connection stays open.
	//
	// Example:
	//
	//	server.Handle(livesock.RouteInvites, "create", ws.ShapeOf[Invite](),
	//	    func(ctx context.Context, conn livesock.Conn, req livesock.Request) error {
	//	        _, err := server.Broadcast(ctx, livesock.InvitesTopic(), "created", req.Value)
	//	        return err
	//	    })
	Handle(route Route, action string, shape Shape, handler HandlerFunc) error

	// Broadcast sends a message to every subscriber of the topic.
	//
	// Delivery is best effort: a subscriber whose send fails is scheduled for
	// close and the others still receive the message. Returns the number of
	// subscribers the message was queued for.
	Broadcast(ctx context.Context, topic Topic, action string, value any) (int, error)

	// HTTPHandler returns the handler serving the WebSocket endpoint, health
	// and metrics. Useful for embedding or tests.
	HTTPHandler() http.Handler
}

// Conn represents one open connection as seen by message handlers.
//
// Conn never exposes the registry that owns it; every operation is posted to
// the event loop.
type Conn interface {
	// ID returns the connection id, unique among open connections.
	ID() string

	// RemoteIP returns the client IP the connection is indexed under.
	RemoteIP() string

	// Identity returns the member or device the connection belongs to.
	Identity() Identity

	// Context is cancelled when the connection closes.
	Context() context.Context

	// Send queues a message for the peer.
	//
	// Returns an error if the connection is closed or the context is done.
	Send(ctx context.Context, sub Route, action string, value any) error

	// Reply queues a message correlated with an inbound message id.
	Reply(ctx context.Context, replyTo int64, sub Route, action string, value any) error

	// Subscribe joins the topic, replacing any topic of the same family.
	Subscribe(ctx context.Context, topic Topic) error

	// Unsubscribe leaves whatever topic the connection holds in the family.
	Unsubscribe(ctx context.Context, family Route) error

	// Close closes the connection with a WebSocket close code and reason.
	//
	// Common close codes:
	//   - 1000: Normal closure
	//   - 1001 (CloseGoingAway): Server shutdown
	//   - 4002 (CloseExpired): Connection lifetime elapsed
	Close(ctx context.Context, code int, reason string) error

	// RTT returns the most recent echo round trip, or zero before the first
	// echo. For diagnostics only.
	RTT() time.Duration
}

// Request is one routed inbound message.
type Request struct {
	Route  Route
	Action string
	// ID is the correlation id the client attached, if any.
	ID *int64
	// Value is the payload as decoded by the action's Shape.
	Value any
	// Raw is the undecoded payload.
	Raw json.RawMessage
}

// HandlerFunc processes a routed message.
type HandlerFunc func(ctx context.Context, conn Conn, req Request) error

// Shape decodes and validates an inbound value.
type Shape interface {
	Decode(raw json.RawMessage) (any, error)
}
