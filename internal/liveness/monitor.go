// Package liveness tracks outbound correlation ids awaiting an echo and
// reports the first one that misses its deadline.
package liveness

import (
	"time"

	"github.com/luciancaetano/livesock/internal/clock"
)

// TimeoutFunc is called at most once per monitor, for the first id whose
// deadline elapses.
type TimeoutFunc func(id int64)

type entry struct {
	sentAt time.Time
	timer  clock.Timer
}

// Monitor is not safe for concurrent use. The scheduler's callbacks must run
// on the same goroutine as every other method.
type Monitor struct {
	sched     clock.Scheduler
	deadline  time.Duration
	onTimeout TimeoutFunc

	nextID  int64
	pending map[int64]*entry
	rtt     time.Duration
	stopped bool
}

// New returns a monitor that gives each stamped id deadline to be echoed.
func New(sched clock.Scheduler, deadline time.Duration, onTimeout TimeoutFunc) *Monitor {
	return &Monitor{
		sched:     sched,
		deadline:  deadline,
		onTimeout: onTimeout,
		pending:   make(map[int64]*entry),
	}
}

// Stamp assigns the next correlation id and starts its deadline. Ids start at
// 1 and increase by one.
func (m *Monitor) Stamp() int64 {
	m.nextID++
	id := m.nextID
	if m.stopped {
		return id
	}
	e := &entry{sentAt: m.sched.Now()}
	e.timer = m.sched.AfterFunc(m.deadline, func() { m.expire(id, e) })
	m.pending[id] = e
	return id
}

// Ack records the echo of id. It returns the round trip and true if id was
// pending; duplicate, late and unknown ids return false.
func (m *Monitor) Ack(id int64) (time.Duration, bool) {
	e, ok := m.pending[id]
	if !ok {
		return 0, false
	}
	delete(m.pending, id)
	e.timer.Stop()
	m.rtt = m.sched.Now().Sub(e.sentAt)
	return m.rtt, true
}

// Forget drops id without recording a round trip, for messages that were
// stamped but never sent.
func (m *Monitor) Forget(id int64) {
	if e, ok := m.pending[id]; ok {
		delete(m.pending, id)
		e.timer.Stop()
	}
}

// RTT returns the most recent round trip.
func (m *Monitor) RTT() time.Duration {
	return m.rtt
}

// Pending returns the number of ids awaiting an echo.
func (m *Monitor) Pending() int {
	return len(m.pending)
}

// Stop cancels every deadline. Later firings and stamps are no-ops.
func (m *Monitor) Stop() {
	if m.stopped {
		return
	}
	m.stopped = true
	for id, e := range m.pending {
		e.timer.Stop()
		delete(m.pending, id)
	}
}

func (m *Monitor) expire(id int64, e *entry) {
	if m.stopped {
		return
	}
	if cur, ok := m.pending[id]; !ok || cur != e {
		return
	}
	delete(m.pending, id)
	m.Stop()
	if m.onTimeout != nil {
		m.onTimeout(id)
	}
}
