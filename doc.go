// Package livesock provides the real-time session and messaging layer for a multiplayer
// application: long-lived WebSocket connections, identity admission, dead-connection detection,
// topic subscriptions and reconnection with resynchronization.
//
// # Architecture
//
// One event loop owns every registry. Connections, pending echoes and subscriptions are only
// mutated on that loop, so operations on them are atomic with respect to each other. Timers
// (echo deadlines, expiry, inactivity probes, the no-subscription grace period) post back to the
// loop and are no-ops once their connection has closed.
//
// Each connection has a read pump that decodes frames, answers echoes and routes messages to
// handlers in arrival order, and a write pump that drains a bounded send queue.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/livesock"
//	    "github.com/luciancaetano/livesock/ws"
//	)
//
//	cfg := ws.NewConfig(":8080", "https://play.example.com", ws.HMACVerifier(secret, ""))
//	server := ws.New(cfg)
//
//	server.Handle(livesock.RouteInvites, "create", ws.ShapeOf[Invite](),
//	    func(ctx context.Context, conn livesock.Conn, req livesock.Request) error {
//	        _, err := server.Broadcast(ctx, livesock.InvitesTopic(), "created", req.Value)
//	        return err
//	    })
//
//	server.Start(ctx)
//
// # Wire Format
//
// Messages are JSON text frames.
//
//	client -> server: {"route": "game", "action": "submitmove", "value": {...}, "id": 12}
//	server -> client: {"sub": "game", "action": "move", "value": {...}, "id": 40, "replyto": 12}
//
// Every message carrying an id is answered with an echo:
//
//	client -> server: {"route": "general", "action": "echo", "value": 40}
//	server -> client: {"action": "echo", "value": 12}
//
// A server message whose echo does not arrive within 5 seconds closes the connection with 4004.
//
// # Subscriptions
//
// A connection holds at most one topic per family ("invites", "game:<id>"). A connection that
// holds no topic for 10 seconds is closed with 4006.
//
//	{"route": "invites", "action": "subscribe"}
//	{"route": "game", "action": "subscribe", "value": {"id": "42"}}
//
// # Limits
//
//   - 10 concurrent connections per IP, 5 per signed-in member
//   - 500 KB per message; an oversized message closes every connection from that IP
//   - 15 minute connection lifetime
//   - 100 messages/second per connection, burst 200 (close code 1008 when exceeded)
//
// # Reconnection
//
// The client-side coordinator in ws.NewCoordinator retains the subscription set across drops,
// replays it after reconnecting and holds back actions on a match until the match has been
// resynchronized.
package livesock
