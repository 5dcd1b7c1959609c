package websocket

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/livesock"
	"github.com/luciancaetano/livesock/internal/protocol"
	"github.com/luciancaetano/livesock/internal/registry"
)

// connHandle is the livesock.Conn given to handlers. It holds no registry
// state; every operation is posted to the hub.
type connHandle struct {
	hub      *Hub
	id       string
	ip       string
	identity livesock.Identity
	ctx      context.Context
	cancel   context.CancelFunc
	rtt      atomic.Int64
}

var _ livesock.Conn = (*connHandle)(nil)

func newConnHandle(h *Hub, c *registry.Conn) *connHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &connHandle{
		hub:      h,
		id:       c.ID,
		ip:       c.IP,
		identity: c.Identity,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *connHandle) ID() string { return c.id }
func (c *connHandle) RemoteIP() string { return c.ip }
func (c *connHandle) Identity() livesock.Identity { return c.identity }
func (c *connHandle) Context() context.Context { return c.ctx }
func (c *connHandle) RTT() time.Duration { return time.Duration(c.rtt.Load()) }

func (c *connHandle) Send(ctx context.Context, sub livesock.Route, action string, value any) error {
	return c.hub.Send(ctx, c.id, protocol.Outbound{Sub: string(sub), Action: action, Value: value})
}

func (c *connHandle) Reply(ctx context.Context, replyTo int64, sub livesock.Route, action string, value any) error {
	return c.hub.Send(ctx, c.id, protocol.Outbound{Sub: string(sub), Action: action, Value: value, ReplyTo: &replyTo})
}

func (c *connHandle) Subscribe(ctx context.Context, topic livesock.Topic) error {
	return c.hub.Subscribe(ctx, c.id, topic)
}

func (c *connHandle) Unsubscribe(ctx context.Context, family livesock.Route) error {
	return c.hub.Unsubscribe(ctx, c.id, family)
}

func (c *connHandle) Close(ctx context.Context, code int, reason string) error {
	return c.hub.Close(ctx, c.id, code, reason)
}
