// Package registry is the authoritative set of open connections, indexed by
// id, client IP and identity.
package registry

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/luciancaetano/livesock"
	"github.com/luciancaetano/livesock/internal/clock"
	"github.com/luciancaetano/livesock/internal/liveness"
	"github.com/luciancaetano/livesock/internal/protocol"
)

// Rejected is returned by Accept when a connection limit is reached.
type Rejected struct {
	Reason string
}

func (e *Rejected) Error() string {
	return "connection rejected: " + e.Reason
}

var (
	ErrIPLimit       = &Rejected{Reason: livesock.ReasonIPLimit}
	ErrIdentityLimit = &Rejected{Reason: livesock.ReasonIdentityLimit}
	ErrNoIdentity    = errors.New("connection has no identity")
	ErrIDExhausted   = errors.New("could not allocate a unique connection id")
)

const maxIDAttempts = 8

// Endpoint is the transport side of a connection.
type Endpoint interface {
	Enqueue(data []byte) error
	CloseWithCode(code int, reason string)
}

// Config holds limits and timer intervals. Zero values take the package
// defaults.
type Config struct {
	MaxPerIP            int
	MaxPerMember        int
	Lifetime            time.Duration
	InactivityInterval  time.Duration
	NoSubscriptionGrace time.Duration
	EchoDeadline        time.Duration
	NewID               func() string
}

func (c *Config) norm() {
	if c.MaxPerIP <= 0 {
		c.MaxPerIP = livesock.MaxConnsPerIP
	}
	if c.MaxPerMember <= 0 {
		c.MaxPerMember = livesock.MaxConnsPerMember
	}
	if c.Lifetime <= 0 {
		c.Lifetime = livesock.ConnectionLifetime
	}
	if c.InactivityInterval <= 0 {
		c.InactivityInterval = livesock.InactivityInterval
	}
	if c.NoSubscriptionGrace <= 0 {
		c.NoSubscriptionGrace = livesock.NoSubscriptionGrace
	}
	if c.EchoDeadline <= 0 {
		c.EchoDeadline = livesock.EchoDeadline
	}
	if c.NewID == nil {
		c.NewID = func() string { return uuid.New().String() }
	}
}

// Hooks are called from inside registry operations, on the owning goroutine.
type Hooks struct {
	// OnClose runs after the connection has left every index.
	OnClose func(c *Conn, code int, reason string)
	// OnProbe runs when an inactivity window passed without inbound traffic.
	OnProbe func(c *Conn)
}

// Conn is one open connection.
type Conn struct {
	ID        string
	IP        string
	Identity  livesock.Identity
	CreatedAt time.Time
	ExpiresAt time.Time
	Endpoint  Endpoint
	Echoes    *liveness.Monitor

	// Send delivers a message to this connection. It is installed by the
	// owner of the registry after Accept.
	Send func(msg protocol.Outbound) error

	lastInbound time.Time
	sawTraffic  bool
	closed      bool

	expiry     clock.Timer
	inactivity clock.Timer
	idle       clock.Timer
}

// Closed reports whether Close has run for the connection.
func (c *Conn) Closed() bool { return c.closed }

// LastInbound returns when the last inbound message arrived, or the zero time.
func (c *Conn) LastInbound() time.Time { return c.lastInbound }

// Registry is not safe for concurrent use. The scheduler's callbacks must run
// on the owning goroutine.
type Registry struct {
	cfg   Config
	sched clock.Scheduler
	hooks Hooks

	byID       map[string]*Conn
	byIP       map[string]map[string]*Conn
	byIdentity map[string]map[string]*Conn
}

func New(cfg Config, sched clock.Scheduler, hooks Hooks) *Registry {
	cfg.norm()
	return &Registry{
		cfg:        cfg,
		sched:      sched,
		hooks:      hooks,
		byID:       make(map[string]*Conn),
		byIP:       make(map[string]map[string]*Conn),
		byIdentity: make(map[string]map[string]*Conn),
	}
}

// Accept admits a connection or returns ErrIPLimit or ErrIdentityLimit.
// Anonymous identities are only bounded by the IP limit.
func (r *Registry) Accept(identity livesock.Identity, ip string, ep Endpoint) (*Conn, error) {
	if identity.IsZero() {
		return nil, ErrNoIdentity
	}
	if len(r.byIP[ip]) >= r.cfg.MaxPerIP {
		return nil, ErrIPLimit
	}
	if identity.IsMember() && len(r.byIdentity[identity.Key()]) >= r.cfg.MaxPerMember {
		return nil, ErrIdentityLimit
	}

	id, err := r.allocateID()
	if err != nil {
		return nil, err
	}

	now := r.sched.Now()
	c := &Conn{
		ID:        id,
		IP:        ip,
		Identity:  identity,
		CreatedAt: now,
		ExpiresAt: now.Add(r.cfg.Lifetime),
		Endpoint:  ep,
	}
	c.Echoes = liveness.New(r.sched, r.cfg.EchoDeadline, func(int64) {
		r.Close(c.ID, livesock.CloseEchoTimeout, livesock.ErrEchoTimeout)
	})

	r.byID[id] = c
	index(r.byIP, ip, c)
	index(r.byIdentity, identity.Key(), c)

	c.expiry = r.sched.AfterFunc(r.cfg.Lifetime, func() {
		if c.closed {
			return
		}
		r.Close(c.ID, livesock.CloseExpired, livesock.ErrExpired)
	})
	r.armInactivity(c)
	r.armIdle(c)
	return c, nil
}

// Close removes the connection from every index, cancels its timers and runs
// the OnClose hook. Closing an unknown or already closed id is a no-op that
// returns false.
func (r *Registry) Close(id string, code int, reason string) bool {
	c, ok := r.byID[id]
	if !ok {
		return false
	}
	c.closed = true
	stopTimer(c.expiry)
	stopTimer(c.inactivity)
	stopTimer(c.idle)
	c.Echoes.Stop()

	delete(r.byID, id)
	unindex(r.byIP, c.IP, id)
	unindex(r.byIdentity, c.Identity.Key(), id)

	if r.hooks.OnClose != nil {
		r.hooks.OnClose(c, code, reason)
	}
	return true
}

// CloseAll closes every open connection.
func (r *Registry) CloseAll(code int, reason string) int {
	ids := r.IDs()
	for _, id := range ids {
		r.Close(id, code, reason)
	}
	return len(ids)
}

// Touch records inbound traffic on the connection.
func (r *Registry) Touch(id string) {
	if c, ok := r.byID[id]; ok {
		c.sawTraffic = true
		c.lastInbound = r.sched.Now()
	}
}

// SetSubscriptionCount arms the no-subscription grace timer when n is zero
// and cancels it otherwise.
func (r *Registry) SetSubscriptionCount(id string, n int) {
	c, ok := r.byID[id]
	if !ok {
		return
	}
	if n > 0 {
		stopTimer(c.idle)
		c.idle = nil
		return
	}
	r.armIdle(c)
}

func (r *Registry) Get(id string) (*Conn, bool) {
	c, ok := r.byID[id]
	return c, ok
}

func (r *Registry) Len() int { return len(r.byID) }

func (r *Registry) CountIP(ip string) int { return len(r.byIP[ip]) }

func (r *Registry) CountIdentity(identity livesock.Identity) int {
	return len(r.byIdentity[identity.Key()])
}

// IDs returns every open connection id, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IDsByIP returns the open connection ids indexed under ip, sorted.
func (r *Registry) IDsByIP(ip string) []string {
	conns := r.byIP[ip]
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) allocateID() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := r.cfg.NewID()
		if _, taken := r.byID[id]; !taken {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}

func (r *Registry) armInactivity(c *Conn) {
	c.inactivity = r.sched.AfterFunc(r.cfg.InactivityInterval, func() {
		if c.closed {
			return
		}
		if !c.sawTraffic && r.hooks.OnProbe != nil {
			r.hooks.OnProbe(c)
		}
		c.sawTraffic = false
		if !c.closed {
			r.armInactivity(c)
		}
	})
}

func (r *Registry) armIdle(c *Conn) {
	if c.idle != nil {
		return
	}
	var armed clock.Timer
	armed = r.sched.AfterFunc(r.cfg.NoSubscriptionGrace, func() {
		if c.closed || c.idle != armed {
			return
		}
		c.idle = nil
		r.Close(c.ID, livesock.CloseNoSubscriptions, livesock.ErrNoSubscriptions)
	})
	c.idle = armed
}

func index(m map[string]map[string]*Conn, key string, c *Conn) {
	conns, ok := m[key]
	if !ok {
		conns = make(map[string]*Conn)
		m[key] = conns
	}
	conns[c.ID] = c
}

func unindex(m map[string]map[string]*Conn, key, id string) {
	conns := m[key]
	delete(conns, id)
	if len(conns) == 0 {
		delete(m, key)
	}
}

func stopTimer(t clock.Timer) {
	if t != nil {
		t.Stop()
	}
}
