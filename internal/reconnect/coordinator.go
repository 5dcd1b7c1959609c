// Package reconnect keeps a client session alive across transport drops. It
// retains the subscription set, replays it after every reconnect and holds
// back actions on a topic until the topic has been resynchronized.
package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/livesock"
	"github.com/luciancaetano/livesock/internal/clock"
	"github.com/luciancaetano/livesock/internal/liveness"
	"github.com/luciancaetano/livesock/internal/protocol"
)

var (
	ErrGaveUp   = errors.New("reconnect: backoff gave up")
	ErrNoDialer = errors.New("reconnect: no dialer configured")
	// ErrRejected is returned when the server closes a session because the
	// transport or origin is not acceptable; redialing cannot succeed.
	ErrRejected = errors.New("reconnect: rejected by server")
)

// DefaultHealthyAfter is how long a session must stay open to count as
// healthy when none of its messages were acknowledged.
const DefaultHealthyAfter = 30 * time.Second

// State is the connection state seen by the application.
type State int32

const (
	Disconnected State = iota
	Reconnecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Session is one open transport. Read blocks until a frame arrives or the
// session is closed; Close unblocks it and may be called more than once.
type Session interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

type Config struct {
	Dialer Dialer
	// NewBackOff returns the policy applied between failed dials and between
	// sessions that ended before becoming healthy. The default is exponential
	// and never gives up.
	NewBackOff func() backoff.BackOff
	// HealthyAfter is the session age after which the backoff is reset even
	// without an acknowledged echo. Defaults to DefaultHealthyAfter.
	HealthyAfter time.Duration
	// OnState is called on the Run goroutine after every transition.
	OnState func(State)
	// OnMessage receives every server message except echo replies, in order,
	// on the Run goroutine.
	OnMessage func(protocol.Outbound)
	// Cursor returns the last sequence the application has applied for a
	// topic. It is sent with resync requests.
	Cursor func(livesock.Topic) int64
	// ResyncFamilies lists the families whose topics are resynchronized after
	// a reconnect. Defaults to game.
	ResyncFamilies []livesock.Route
	Scheduler      clock.Scheduler
	EchoDeadline   time.Duration
	Logger         *zap.Logger
}

type resyncRequest struct {
	topic   livesock.Topic
	lastSeq int64
}

type outgoing struct {
	route  livesock.Route
	action string
	value  json.RawMessage
}

func (m outgoing) inbound() protocol.Inbound {
	return protocol.Inbound{Route: string(m.route), Action: m.action, Value: m.value}
}

// Coordinator drives a Dialer through the reconnect state machine.
type Coordinator struct {
	cfg    Config
	log    *zap.Logger
	resync map[livesock.Route]bool

	mu      sync.Mutex
	state   State
	sess    Session
	monitor *liveness.Monitor
	topics  map[livesock.Route]livesock.Topic
	pending map[livesock.Route]livesock.Topic
	held    []outgoing
	// resyncs maps the id of each unanswered resync request to its topic.
	resyncs map[int64]resyncRequest
	// acked is set once the current session acknowledges one of our messages.
	acked bool
}

func New(cfg Config) *Coordinator {
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = clock.Real{}
	}
	if cfg.EchoDeadline <= 0 {
		cfg.EchoDeadline = livesock.EchoDeadline
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = DefaultHealthyAfter
	}
	if cfg.ResyncFamilies == nil {
		cfg.ResyncFamilies = []livesock.Route{livesock.RouteGame}
	}
	if cfg.Cursor == nil {
		cfg.Cursor = func(livesock.Topic) int64 { return 0 }
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	resync := make(map[livesock.Route]bool, len(cfg.ResyncFamilies))
	for _, family := range cfg.ResyncFamilies {
		resync[family] = true
	}
	return &Coordinator{
		cfg:     cfg,
		log:     log,
		resync:  resync,
		state:   Disconnected,
		topics:  make(map[livesock.Route]livesock.Topic),
		pending: make(map[livesock.Route]livesock.Topic),
		resyncs: make(map[int64]resyncRequest),
	}
}

// Run connects and reconnects until ctx is done, the backoff policy gives up
// or the server rejects the client outright. It returns ctx.Err() or an error
// wrapping ErrGaveUp or ErrRejected.
//
// The backoff is reset only after a healthy session. A session the server
// closes before acknowledging anything counts as a failed attempt.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.cfg.Dialer == nil {
		return ErrNoDialer
	}
	bo := c.cfg.NewBackOff()
	bo.Reset()

	for {
		c.transition(Reconnecting)
		sess, err := c.cfg.Dialer.Dial(ctx)
		if err == nil {
			var healthy bool
			healthy, err = c.serve(ctx, sess)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if permanent(err) {
				return fmt.Errorf("%w: %v", ErrRejected, err)
			}
			if healthy {
				bo.Reset()
				continue
			}
		} else {
			c.transition(Disconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}
		c.log.Debug("connection attempt failed", zap.Duration("retry_in", wait), zap.Error(err))
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// permanent reports whether err is a close the server will repeat on every
// attempt.
func permanent(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == livesock.CloseInsecure
}

// serve runs one session until it fails. It returns whether the session was
// healthy and the error that ended it.
func (c *Coordinator) serve(ctx context.Context, sess Session) (bool, error) {
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	started := c.cfg.Scheduler.Now()
	c.mu.Lock()
	c.sess = sess
	c.acked = false
	clear(c.resyncs)
	c.monitor = liveness.New(lockedScheduler{inner: c.cfg.Scheduler, mu: &c.mu}, c.cfg.EchoDeadline, func(id int64) {
		c.log.Info("echo timeout, dropping session", zap.Int64("id", id))
		_ = sess.Close()
	})
	c.state = Connected
	c.replayLocked()
	c.flushLocked()
	c.mu.Unlock()
	c.notify(Connected)

	var readErr error
	for {
		data, err := sess.Read()
		if err != nil {
			c.log.Debug("session lost", zap.Error(err))
			readErr = err
			break
		}
		c.receive(data)
	}

	c.mu.Lock()
	c.monitor.Stop()
	c.sess = nil
	c.state = Disconnected
	healthy := c.acked || c.cfg.Scheduler.Now().Sub(started) >= c.cfg.HealthyAfter
	c.mu.Unlock()
	_ = sess.Close()
	c.notify(Disconnected)
	return healthy, readErr
}

// replayLocked re-issues every retained subscription in topic order, then
// asks for a resync of each topic in a resync family.
func (c *Coordinator) replayLocked() {
	topics := c.topicsLocked()
	for _, topic := range topics {
		if _, err := c.writeLocked(subscribeMessage(topic), true); err != nil {
			c.log.Warn("resubscribe failed", zap.Stringer("topic", topic), zap.Error(err))
			return
		}
	}
	for _, topic := range topics {
		if !c.resync[topic.Family] {
			continue
		}
		c.pending[topic.Family] = topic
		if err := c.requestResyncLocked(topic, c.cfg.Cursor(topic)); err != nil {
			c.log.Warn("resync request failed", zap.Stringer("topic", topic), zap.Error(err))
			return
		}
	}
}

func (c *Coordinator) requestResyncLocked(topic livesock.Topic, lastSeq int64) error {
	msg, err := resyncMessage(topic, lastSeq)
	if err != nil {
		return err
	}
	id, err := c.writeLocked(msg, true)
	if err != nil {
		return err
	}
	c.resyncs[id] = resyncRequest{topic: topic, lastSeq: lastSeq}
	return nil
}

// resyncFailedLocked handles an error reply to a resync request. A request
// with a cursor is retried for the full state; a failed full request leaves
// the topic as it is and releases the held actions.
func (c *Coordinator) resyncFailedLocked(replyTo int64) {
	req, ok := c.resyncs[replyTo]
	if !ok {
		return
	}
	delete(c.resyncs, replyTo)
	if cur, ok := c.pending[req.topic.Family]; !ok || cur != req.topic {
		return
	}
	if req.lastSeq != 0 {
		c.log.Info("resync rejected, requesting full state", zap.Stringer("topic", req.topic), zap.Int64("last_seq", req.lastSeq))
		if err := c.requestResyncLocked(req.topic, 0); err == nil {
			return
		}
	}
	c.log.Warn("resync rejected, releasing held actions", zap.Stringer("topic", req.topic))
	delete(c.pending, req.topic.Family)
	c.flushLocked()
}

func (c *Coordinator) receive(data []byte) {
	out, err := protocol.DecodeOutbound(data)
	if err != nil {
		c.log.Warn("undecodable server message", zap.Error(err))
		return
	}

	c.mu.Lock()
	if out.ID != nil && c.sess != nil {
		if _, err := c.writeLocked(protocol.EchoRequest(*out.ID), false); err != nil {
			c.log.Debug("echo not sent", zap.Int64("id", *out.ID), zap.Error(err))
		}
	}
	if protocol.IsEchoReply(out) {
		if id, err := protocol.EchoReplyID(out); err == nil {
			if _, ok := c.monitor.Ack(id); ok {
				c.acked = true
			}
		}
		c.mu.Unlock()
		return
	}
	switch {
	case out.Action == livesock.ActionResync:
		if topic, ok := c.resyncedLocked(out); ok {
			delete(c.pending, topic.Family)
			c.forgetResyncsLocked(topic)
			c.flushLocked()
		}
	case out.Action == livesock.ActionError && out.ReplyTo != nil:
		c.resyncFailedLocked(*out.ReplyTo)
	}
	c.mu.Unlock()

	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(out)
	}
}

func (c *Coordinator) forgetResyncsLocked(topic livesock.Topic) {
	for id, req := range c.resyncs {
		if req.topic == topic {
			delete(c.resyncs, id)
		}
	}
}

// resyncedLocked reports the pending topic a server resync message completes.
func (c *Coordinator) resyncedLocked(out protocol.Outbound) (livesock.Topic, bool) {
	topic, ok := c.pending[livesock.Route(out.Sub)]
	if !ok {
		return livesock.Topic{}, false
	}
	raw, _ := out.Value.(json.RawMessage)
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil || ref.ID != topic.Param {
		return livesock.Topic{}, false
	}
	return topic, true
}

// Subscribe retains topic, replacing the family's previous topic, and sends
// the subscription if connected. Actions held for a replaced topic are
// dropped.
func (c *Coordinator) Subscribe(topic livesock.Topic) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.topics[topic.Family]
	if ok && cur == topic {
		return nil
	}
	c.topics[topic.Family] = topic
	delete(c.pending, topic.Family)
	if ok {
		c.dropHeldLocked(topic.Family)
	}
	if c.state != Connected {
		return nil
	}
	_, err := c.writeLocked(subscribeMessage(topic), true)
	c.flushLocked()
	return err
}

// Unsubscribe forgets the family's topic and drops actions held for it.
func (c *Coordinator) Unsubscribe(family livesock.Route) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[family]; !ok {
		return nil
	}
	delete(c.topics, family)
	delete(c.pending, family)
	c.dropHeldLocked(family)
	c.flushLocked()

	if c.state != Connected {
		return nil
	}
	_, err := c.writeLocked(protocol.Inbound{Route: string(family), Action: livesock.ActionUnsubscribe}, true)
	return err
}

func (c *Coordinator) dropHeldLocked(route livesock.Route) {
	kept := make([]outgoing, 0, len(c.held))
	for _, m := range c.held {
		if m.route != route {
			kept = append(kept, m)
		}
	}
	if dropped := len(c.held) - len(kept); dropped > 0 {
		c.log.Debug("dropped held actions", zap.String("route", string(route)), zap.Int("count", dropped))
	}
	c.held = kept
}

// Send sends an application action. While disconnected, or while the route's
// topic awaits a resync, the action is held and sent in order later.
func (c *Coordinator) Send(route livesock.Route, action string, value any) error {
	if _, ok := livesock.ParseRoute(string(route)); !ok {
		return fmt.Errorf("send: unknown route %q", route)
	}
	var raw json.RawMessage
	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("send %s/%s: %w", route, action, err)
		}
		raw = data
	}
	m := outgoing{route: route, action: action, value: raw}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blockedLocked(route) {
		c.held = append(c.held, m)
		return nil
	}
	_, err := c.writeLocked(m.inbound(), true)
	return err
}

// Resynced marks topic caught up, for applications that complete a resync
// without the server's resync message.
func (c *Coordinator) Resynced(topic livesock.Topic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[topic.Family]; ok && cur == topic {
		delete(c.pending, topic.Family)
		c.forgetResyncsLocked(topic)
		c.flushLocked()
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Topics returns the retained subscription set in topic order.
func (c *Coordinator) Topics() []livesock.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topicsLocked()
}

// Pending returns the topics awaiting a resync.
func (c *Coordinator) Pending() []livesock.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]livesock.Topic, 0, len(c.pending))
	for _, t := range c.pending {
		out = append(out, t)
	}
	sortTopics(out)
	return out
}

// Held returns how many actions are waiting to be sent.
func (c *Coordinator) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

func (c *Coordinator) blockedLocked(route livesock.Route) bool {
	if c.state != Connected {
		return true
	}
	if _, ok := c.pending[route]; ok {
		return true
	}
	for _, m := range c.held {
		if m.route == route {
			return true
		}
	}
	return false
}

// flushLocked sends held actions whose route is no longer blocked, keeping
// the order within each route.
func (c *Coordinator) flushLocked() {
	if c.state != Connected || len(c.held) == 0 {
		return
	}
	var kept []outgoing
	stalled := make(map[livesock.Route]bool)
	for _, m := range c.held {
		if _, pending := c.pending[m.route]; pending || stalled[m.route] {
			kept = append(kept, m)
			continue
		}
		if _, err := c.writeLocked(m.inbound(), true); err != nil {
			c.log.Warn("held action not sent", zap.String("route", string(m.route)), zap.String("action", m.action), zap.Error(err))
			stalled[m.route] = true
			kept = append(kept, m)
		}
	}
	c.held = kept
}

// writeLocked encodes and writes in, stamping it with a tracked id when
// stamp is set, and returns that id. A failed write drops the session.
func (c *Coordinator) writeLocked(in protocol.Inbound, stamp bool) (int64, error) {
	if c.sess == nil {
		return 0, errors.New(livesock.ErrConnectionClosed)
	}
	var id int64
	if stamp {
		id = c.monitor.Stamp()
		in.ID = &id
	}
	data, err := protocol.EncodeInbound(in)
	if err == nil {
		err = c.sess.Write(data)
		if err != nil {
			_ = c.sess.Close()
		}
	}
	if err != nil {
		if stamp {
			c.monitor.Forget(id)
		}
		return 0, fmt.Errorf("write %s/%s: %w", in.Route, in.Action, err)
	}
	return id, nil
}

func (c *Coordinator) topicsLocked() []livesock.Topic {
	out := make([]livesock.Topic, 0, len(c.topics))
	for _, t := range c.topics {
		out = append(out, t)
	}
	sortTopics(out)
	return out
}

func (c *Coordinator) transition(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.notify(s)
}

func (c *Coordinator) notify(s State) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

func subscribeMessage(topic livesock.Topic) protocol.Inbound {
	in := protocol.Inbound{Route: string(topic.Family), Action: livesock.ActionSubscribe}
	if topic.Param != "" {
		// A string field always marshals.
		in.Value, _ = json.Marshal(struct {
			ID string `json:"id"`
		}{ID: topic.Param})
	}
	return in
}

func resyncMessage(topic livesock.Topic, lastSeq int64) (protocol.Inbound, error) {
	value, err := json.Marshal(struct {
		ID      string `json:"id"`
		LastSeq int64  `json:"lastSeq"`
	}{ID: topic.Param, LastSeq: lastSeq})
	if err != nil {
		return protocol.Inbound{}, err
	}
	return protocol.Inbound{Route: string(topic.Family), Action: livesock.ActionResync, Value: value}, nil
}

func sortTopics(topics []livesock.Topic) {
	sort.Slice(topics, func(i, j int) bool { return topics[i].String() < topics[j].String() })
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lockedScheduler runs timer callbacks under the coordinator's mutex, which
// guards the liveness monitor.
type lockedScheduler struct {
	inner clock.Scheduler
	mu    *sync.Mutex
}

func (s lockedScheduler) Now() time.Time {
	return s.inner.Now()
}

func (s lockedScheduler) AfterFunc(d time.Duration, f func()) clock.Timer {
	return s.inner.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		f()
	})
}
