package ws

import (
	"net/http"

	"github.com/luciancaetano/livesock/internal/reconnect"
)

type Coordinator = reconnect.Coordinator
type CoordinatorConfig = reconnect.Config
type ConnState = reconnect.State

const (
	Disconnected = reconnect.Disconnected
	Reconnecting = reconnect.Reconnecting
	Connected    = reconnect.Connected
)

// NewCoordinator returns a client that keeps a session to the server alive.
// Run it on its own goroutine:
//
//	c := ws.NewCoordinator(ws.CoordinatorConfig{
//	    Dialer: ws.Dialer("wss://play.example.com/ws", header),
//	    Cursor: func(t livesock.Topic) int64 { return game.LastSeq(t.Param) },
//	})
//	go c.Run(ctx)
//	c.Subscribe(livesock.GameTopic("42"))
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return reconnect.New(cfg)
}

// Dialer returns a WebSocket dialer for url. header typically carries the
// session cookie or an Authorization bearer token.
func Dialer(url string, header http.Header) reconnect.Dialer {
	return reconnect.WSDialer{URL: url, Header: header}
}
