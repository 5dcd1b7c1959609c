package liveness

import (
	"math/rand"
	"testing"
	"time"

	"github.com/luciancaetano/livesock/internal/clock/clocktest"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// TestStampMonotonic tests that ids start at one and increase by one
func TestStampMonotonic(t *testing.T) {
	t.Parallel()

	m := New(clocktest.NewFake(epoch), 5*time.Second, nil)
	for want := int64(1); want <= 5; want++ {
		if got := m.Stamp(); got != want {
			t.Errorf("Stamp() = %d, want %d", got, want)
		}
	}
	if m.Pending() != 5 {
		t.Errorf("Pending() = %d, want 5", m.Pending())
	}
}

// TestAckReturnsRTT tests that an echo before the deadline clears the entry and measures the round trip
func TestAckReturnsRTT(t *testing.T) {
	t.Parallel()

	fake := clocktest.NewFake(epoch)
	timedOut := false
	m := New(fake, 5*time.Second, func(int64) { timedOut = true })

	id := m.Stamp()
	fake.Advance(120 * time.Millisecond)

	rtt, ok := m.Ack(id)
	if !ok {
		t.Fatal("Ack() = false, want true")
	}
	if rtt != 120*time.Millisecond {
		t.Errorf("Ack() rtt = %v, want 120ms", rtt)
	}
	if m.RTT() != rtt {
		t.Errorf("RTT() = %v, want %v", m.RTT(), rtt)
	}

	fake.Advance(10 * time.Second)
	if timedOut {
		t.Error("timeout fired after the echo arrived")
	}
	if _, ok := m.Ack(id); ok {
		t.Error("duplicate Ack() = true, want false")
	}
}

// TestDeadlineFiresOnce tests that a missed echo reports exactly one timeout
func TestDeadlineFiresOnce(t *testing.T) {
	t.Parallel()

	fake := clocktest.NewFake(epoch)
	var fired []int64
	m := New(fake, 5*time.Second, func(id int64) { fired = append(fired, id) })

	first := m.Stamp()
	fake.Advance(time.Second)
	m.Stamp()

	fake.Advance(4 * time.Second)
	if len(fired) != 1 || fired[0] != first {
		t.Fatalf("timeouts = %v, want [%d]", fired, first)
	}

	fake.Advance(time.Minute)
	if len(fired) != 1 {
		t.Errorf("timeouts = %v, want one", fired)
	}
	if m.Pending() != 0 {
		t.Errorf("Pending() = %d after timeout, want 0", m.Pending())
	}
}

// TestStopCancelsDeadlines tests that a stopped monitor never reports a timeout
func TestStopCancelsDeadlines(t *testing.T) {
	t.Parallel()

	fake := clocktest.NewFake(epoch)
	timedOut := false
	m := New(fake, 5*time.Second, func(int64) { timedOut = true })

	m.Stamp()
	m.Stamp()
	m.Stop()
	m.Stamp()

	fake.Advance(time.Minute)
	if timedOut {
		t.Error("timeout fired after Stop()")
	}
	if fake.Pending() != 0 {
		t.Errorf("scheduler has %d live timers after Stop(), want 0", fake.Pending())
	}
}

// TestEchoOrTimeoutExclusive tests that each id ends in exactly one of echo or timeout
func TestEchoOrTimeoutExclusive(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		fake := clocktest.NewFake(epoch)
		timeouts := 0
		m := New(fake, 5*time.Second, func(int64) { timeouts++ })

		id := m.Stamp()
		delay := time.Duration(rng.Int63n(int64(10 * time.Second)))
		fake.Advance(delay)
		_, acked := m.Ack(id)
		fake.Advance(10 * time.Second)

		wantAck := delay < 5*time.Second
		if acked != wantAck {
			t.Errorf("delay %v: Ack() = %v, want %v", delay, acked, wantAck)
		}
		if acked == (timeouts == 1) || timeouts > 1 {
			t.Errorf("delay %v: acked = %v, timeouts = %d", delay, acked, timeouts)
		}
	}
}
