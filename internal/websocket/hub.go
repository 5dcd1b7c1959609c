package websocket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/livesock"
	"github.com/luciancaetano/livesock/internal/clock"
	"github.com/luciancaetano/livesock/internal/metrics"
	"github.com/luciancaetano/livesock/internal/protocol"
	"github.com/luciancaetano/livesock/internal/registry"
	"github.com/luciancaetano/livesock/internal/subscription"
)

var (
	ErrHubStopped       = errors.New("hub stopped")
	ErrConnectionClosed = errors.New(livesock.ErrConnectionClosed)
)

const eventBuffer = 1024

// event is one discrete operation applied on the hub goroutine.
type event interface {
	apply(h *Hub)
}

// Hub owns the connection and subscription registries. All of their state is
// read and written on the goroutine running Run.
type Hub struct {
	log   *zap.Logger
	rec   *metrics.Recorder
	conns *registry.Registry
	subs  *subscription.Registry

	handles      map[string]*connHandle
	later        []func()
	onDisconnect OnDisconnectFn

	events chan event
	done   chan struct{}
}

// NewHub returns a hub whose timers are created on sched and delivered back
// to the loop.
func NewHub(cfg registry.Config, sched clock.Scheduler, rec *metrics.Recorder, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.New(nil, log)
	}
	h := &Hub{
		log:     log,
		rec:     rec,
		subs:    subscription.New(),
		handles: make(map[string]*connHandle),
		events:  make(chan event, eventBuffer),
		done:    make(chan struct{}),
	}
	h.conns = registry.New(cfg, loopScheduler{inner: sched, hub: h}, registry.Hooks{
		OnClose: h.onClose,
		OnProbe: h.onProbe,
	})
	return h
}

// Run applies events until ctx is done, then closes every connection with
// CloseGoingAway.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case ev := <-h.events:
			ev.apply(h)
			h.runLater()
		case <-ctx.Done():
			n := h.conns.CloseAll(livesock.CloseGoingAway, livesock.ErrShuttingDown)
			h.runLater()
			h.log.Info("hub stopped", zap.Int("closed", n))
			return
		}
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) runLater() {
	for len(h.later) > 0 {
		fn := h.later[0]
		h.later = h.later[1:]
		fn()
	}
}

func (h *Hub) post(ctx context.Context, ev event) error {
	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func request[T any](ctx context.Context, h *Hub, build func(reply chan<- T) event) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := h.post(ctx, build(reply)); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-h.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrHubStopped
		}
	}
}

// Accept admits a transport or returns the registry's rejection.
func (h *Hub) Accept(ctx context.Context, identity livesock.Identity, ip string, ep registry.Endpoint) (*connHandle, error) {
	res, err := request(ctx, h, func(reply chan<- acceptResult) event {
		return acceptEvent{identity: identity, ip: ip, ep: ep, reply: reply}
	})
	if err != nil {
		return nil, err
	}
	return res.handle, res.err
}

// Inbound records an inbound message: liveness accounting, echo
// acknowledgement and the outbound echo of the message id. A partially decoded
// message is still echoed when it carries an id.
func (h *Hub) Inbound(ctx context.Context, id string, in protocol.Inbound) error {
	return h.post(ctx, inboundEvent{id: id, in: in})
}

// Send stamps msg with a correlation id and queues it for the connection.
func (h *Hub) Send(ctx context.Context, id string, msg protocol.Outbound) error {
	sendErr, err := request(ctx, h, func(reply chan<- error) event {
		return sendEvent{id: id, msg: msg, reply: reply}
	})
	if err != nil {
		return err
	}
	return sendErr
}

func (h *Hub) Subscribe(ctx context.Context, id string, topic livesock.Topic) error {
	subErr, err := request(ctx, h, func(reply chan<- error) event {
		return subscribeEvent{id: id, topic: topic, reply: reply}
	})
	if err != nil {
		return err
	}
	return subErr
}

func (h *Hub) Unsubscribe(ctx context.Context, id string, family livesock.Route) error {
	subErr, err := request(ctx, h, func(reply chan<- error) event {
		return unsubscribeEvent{id: id, family: family, reply: reply}
	})
	if err != nil {
		return err
	}
	return subErr
}

// Broadcast queues a message for every subscriber of topic and returns how
// many it was queued for.
func (h *Hub) Broadcast(ctx context.Context, topic livesock.Topic, action string, value any) (int, error) {
	msg := protocol.Outbound{Sub: string(topic.Family), Action: action, Value: value}
	return request(ctx, h, func(reply chan<- int) event {
		return broadcastEvent{topic: topic, msg: msg, reply: reply}
	})
}

// Close closes one connection. Closing a closed connection is not an error.
func (h *Hub) Close(ctx context.Context, id string, code int, reason string) error {
	_, err := request(ctx, h, func(reply chan<- bool) event {
		return closeEvent{id: id, code: code, reason: reason, reply: reply}
	})
	return err
}

// CloseIP closes every connection indexed under ip.
func (h *Hub) CloseIP(ctx context.Context, ip string, code int, reason string) (int, error) {
	return request(ctx, h, func(reply chan<- int) event {
		return closeIPEvent{ip: ip, code: code, reason: reason, reply: reply}
	})
}

// TransportClosed reports that the peer went away.
func (h *Hub) TransportClosed(id string) {
	_ = h.post(context.Background(), closeEvent{id: id, code: livesock.CloseGoingAway, reason: ""})
}

// Stats is a snapshot of hub state.
type Stats struct {
	Connections int `json:"connections"`
	Topics      int `json:"topics"`
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.inspect(ctx, func() {
		s = Stats{Connections: h.conns.Len(), Topics: h.subs.TopicCount()}
	})
	return s, err
}

// inspect runs fn on the loop and waits for it.
func (h *Hub) inspect(ctx context.Context, fn func()) error {
	_, err := request(ctx, h, func(reply chan<- struct{}) event {
		return queryEvent{fn: fn, reply: reply}
	})
	return err
}

// deliver stamps and queues msg. Echo replies are not stamped. A transport
// that cannot take the message is closed on a later step.
func (h *Hub) deliver(c *registry.Conn, msg protocol.Outbound) error {
	var stamped int64
	if !protocol.IsEchoReply(msg) {
		stamped = c.Echoes.Stamp()
		msg.ID = &stamped
	}
	data, err := protocol.EncodeOutbound(msg)
	if err != nil {
		if stamped != 0 {
			c.Echoes.Forget(stamped)
		}
		return err
	}
	if err := c.Endpoint.Enqueue(data); err != nil {
		id := c.ID
		h.later = append(h.later, func() {
			h.conns.Close(id, livesock.CloseSendFailed, livesock.ErrSendFailed)
		})
		return fmt.Errorf("send to %s: %w", c.ID, err)
	}
	return nil
}

func (h *Hub) onClose(c *registry.Conn, code int, reason string) {
	h.subs.DropAll(c.ID)
	handle, ok := h.handles[c.ID]
	if ok {
		delete(h.handles, c.ID)
		handle.cancel()
	}
	c.Endpoint.CloseWithCode(code, reason)
	if code == livesock.CloseEchoTimeout {
		h.rec.EchoTimeout()
	}
	h.rec.Closed(c.ID, c.IP, code, reason)
	if ok && h.onDisconnect != nil {
		go h.onDisconnect(handle, code, reason)
	}
}

func (h *Hub) onProbe(c *registry.Conn) {
	msg := protocol.Outbound{Sub: string(livesock.RouteGeneral), Action: livesock.ActionRenew}
	if err := h.deliver(c, msg); err != nil {
		h.log.Debug("renew probe not sent", zap.String("conn", c.ID), zap.Error(err))
	}
}

type acceptResult struct {
	handle *connHandle
	err    error
}

type acceptEvent struct {
	identity livesock.Identity
	ip       string
	ep       registry.Endpoint
	reply    chan<- acceptResult
}

func (e acceptEvent) apply(h *Hub) {
	c, err := h.conns.Accept(e.identity, e.ip, e.ep)
	if err != nil {
		var rejected *registry.Rejected
		if errors.As(err, &rejected) {
			h.rec.Rejected(rejected.Reason)
		}
		h.log.Info("connection rejected",
			zap.String("ip", e.ip),
			zap.Stringer("identity", e.identity),
			zap.Error(err),
		)
		e.reply <- acceptResult{err: err}
		return
	}
	c.Send = func(msg protocol.Outbound) error { return h.deliver(c, msg) }
	handle := newConnHandle(h, c)
	h.handles[c.ID] = handle
	h.rec.Admitted()
	h.log.Debug("connection accepted",
		zap.String("conn", c.ID),
		zap.String("ip", c.IP),
		zap.Stringer("identity", c.Identity),
	)
	e.reply <- acceptResult{handle: handle}
}

type inboundEvent struct {
	id string
	in protocol.Inbound
}

func (e inboundEvent) apply(h *Hub) {
	c, ok := h.conns.Get(e.id)
	if !ok {
		return
	}
	h.conns.Touch(e.id)

	if protocol.IsEcho(e.in) {
		echoID, err := protocol.EchoID(e.in)
		if err != nil {
			h.rec.Malformed(c.ID, c.IP, err)
		} else if rtt, ok := c.Echoes.Ack(echoID); ok {
			h.handles[c.ID].rtt.Store(int64(rtt))
			h.rec.ObserveRTT(rtt)
		}
	}

	// Any id is echoed, whether or not the message is usable.
	if e.in.ID != nil {
		if err := c.Send(protocol.Echo(*e.in.ID)); err != nil {
			h.log.Debug("echo not sent", zap.String("conn", c.ID), zap.Error(err))
		}
	}
}

type sendEvent struct {
	id    string
	msg   protocol.Outbound
	reply chan<- error
}

func (e sendEvent) apply(h *Hub) {
	c, ok := h.conns.Get(e.id)
	if !ok {
		e.reply <- ErrConnectionClosed
		return
	}
	e.reply <- c.Send(e.msg)
}

type subscribeEvent struct {
	id    string
	topic livesock.Topic
	reply chan<- error
}

func (e subscribeEvent) apply(h *Hub) {
	if _, ok := h.conns.Get(e.id); !ok {
		e.reply <- ErrConnectionClosed
		return
	}
	if err := e.topic.Validate(); err != nil {
		e.reply <- err
		return
	}
	prev, replaced := h.subs.Subscribe(e.id, e.topic)
	h.conns.SetSubscriptionCount(e.id, h.subs.Count(e.id))
	fields := []zap.Field{zap.String("conn", e.id), zap.Stringer("topic", e.topic)}
	if replaced {
		fields = append(fields, zap.Stringer("replaced", prev))
	}
	h.log.Debug("subscribed", fields...)
	e.reply <- nil
}

type unsubscribeEvent struct {
	id     string
	family livesock.Route
	reply  chan<- error
}

func (e unsubscribeEvent) apply(h *Hub) {
	if _, ok := h.conns.Get(e.id); !ok {
		e.reply <- ErrConnectionClosed
		return
	}
	if topic, ok := h.subs.Unsubscribe(e.id, e.family); ok {
		h.log.Debug("unsubscribed", zap.String("conn", e.id), zap.Stringer("topic", topic))
	}
	h.conns.SetSubscriptionCount(e.id, h.subs.Count(e.id))
	e.reply <- nil
}

type broadcastEvent struct {
	topic livesock.Topic
	msg   protocol.Outbound
	reply chan<- int
}

func (e broadcastEvent) apply(h *Hub) {
	delivered, failed := h.subs.Broadcast(e.topic, func(id string) error {
		c, ok := h.conns.Get(id)
		if !ok {
			return ErrConnectionClosed
		}
		return c.Send(e.msg)
	})
	for _, id := range failed {
		h.log.Warn("broadcast delivery failed", zap.String("conn", id), zap.Stringer("topic", e.topic))
	}
	e.reply <- delivered
}

type closeEvent struct {
	id     string
	code   int
	reason string
	reply  chan<- bool
}

func (e closeEvent) apply(h *Hub) {
	closed := h.conns.Close(e.id, e.code, e.reason)
	if e.reply != nil {
		e.reply <- closed
	}
}

type closeIPEvent struct {
	ip     string
	code   int
	reason string
	reply  chan<- int
}

func (e closeIPEvent) apply(h *Hub) {
	ids := h.conns.IDsByIP(e.ip)
	for _, id := range ids {
		h.conns.Close(id, e.code, e.reason)
	}
	h.log.Warn("closed all connections from ip",
		zap.String("ip", e.ip),
		zap.Int("count", len(ids)),
		zap.Int("code", e.code),
	)
	e.reply <- len(ids)
}

type queryEvent struct {
	fn    func()
	reply chan<- struct{}
}

func (e queryEvent) apply(*Hub) {
	e.fn()
	e.reply <- struct{}{}
}

type timerEvent struct {
	fn func()
}

func (e timerEvent) apply(*Hub) {
	e.fn()
}

// loopScheduler delivers timer callbacks to the hub loop instead of running
// them on the timer goroutine.
type loopScheduler struct {
	inner clock.Scheduler
	hub   *Hub
}

func (s loopScheduler) Now() time.Time {
	return s.inner.Now()
}

func (s loopScheduler) AfterFunc(d time.Duration, f func()) clock.Timer {
	return s.inner.AfterFunc(d, func() {
		_ = s.hub.post(context.Background(), timerEvent{fn: f})
	})
}
