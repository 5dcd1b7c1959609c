package subscription

import (
	"errors"
	"reflect"
	"testing"

	"github.com/luciancaetano/livesock"
)

// TestSubscribeReplacesWithinFamily tests that a connection holds one topic per family
func TestSubscribeReplacesWithinFamily(t *testing.T) {
	t.Parallel()

	r := New()
	r.Subscribe("c1", livesock.InvitesTopic())
	r.Subscribe("c1", livesock.GameTopic("41"))

	prev, replaced := r.Subscribe("c1", livesock.GameTopic("42"))
	if !replaced || prev != livesock.GameTopic("41") {
		t.Errorf("Subscribe() = %v, %v, want game:41, true", prev, replaced)
	}

	want := []livesock.Topic{livesock.GameTopic("42"), livesock.InvitesTopic()}
	if got := r.Topics("c1"); !reflect.DeepEqual(got, want) {
		t.Errorf("Topics() = %v, want %v", got, want)
	}
	if got := r.Subscribers(livesock.GameTopic("41")); len(got) != 0 {
		t.Errorf("Subscribers(game:41) = %v, want none", got)
	}
	if r.TopicCount() != 2 {
		t.Errorf("TopicCount() = %d, want 2", r.TopicCount())
	}
}

// TestSubscribeSameTopicIsNoop tests resubscribing to the held topic
func TestSubscribeSameTopicIsNoop(t *testing.T) {
	t.Parallel()

	r := New()
	r.Subscribe("c1", livesock.GameTopic("42"))
	if _, replaced := r.Subscribe("c1", livesock.GameTopic("42")); replaced {
		t.Error("Subscribe() replaced = true for the same topic")
	}
	if got := r.Subscribers(livesock.GameTopic("42")); !reflect.DeepEqual(got, []string{"c1"}) {
		t.Errorf("Subscribers() = %v, want [c1]", got)
	}
}

// TestUnsubscribe tests leaving a family
func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	r := New()
	r.Subscribe("c1", livesock.InvitesTopic())

	if _, ok := r.Unsubscribe("c1", livesock.RouteGame); ok {
		t.Error("Unsubscribe(game) = true with no game topic")
	}
	topic, ok := r.Unsubscribe("c1", livesock.RouteInvites)
	if !ok || topic != livesock.InvitesTopic() {
		t.Errorf("Unsubscribe(invites) = %v, %v", topic, ok)
	}
	if r.Count("c1") != 0 || r.TopicCount() != 0 {
		t.Errorf("Count() = %d, TopicCount() = %d, want 0, 0", r.Count("c1"), r.TopicCount())
	}
}

// TestDropAll tests that closing a connection removes it from every topic
func TestDropAll(t *testing.T) {
	t.Parallel()

	r := New()
	r.Subscribe("c1", livesock.InvitesTopic())
	r.Subscribe("c1", livesock.GameTopic("42"))
	r.Subscribe("c2", livesock.GameTopic("42"))

	dropped := r.DropAll("c1")
	if len(dropped) != 2 {
		t.Errorf("DropAll() = %v, want two topics", dropped)
	}
	if got := r.Subscribers(livesock.GameTopic("42")); !reflect.DeepEqual(got, []string{"c2"}) {
		t.Errorf("Subscribers(game:42) = %v, want [c2]", got)
	}
	if got := r.Subscribers(livesock.InvitesTopic()); len(got) != 0 {
		t.Errorf("Subscribers(invites) = %v, want none", got)
	}
	if len(r.DropAll("c1")) != 0 {
		t.Error("second DropAll() returned topics")
	}
}

// TestBroadcastContinuesPastFailures tests that one failing subscriber does not block the rest
func TestBroadcastContinuesPastFailures(t *testing.T) {
	t.Parallel()

	r := New()
	for _, id := range []string{"a", "b", "c"} {
		r.Subscribe(id, livesock.InvitesTopic())
	}

	var got []string
	delivered, failed := r.Broadcast(livesock.InvitesTopic(), func(id string) error {
		if id == "b" {
			return errors.New("queue full")
		}
		got = append(got, id)
		return nil
	})

	if delivered != 2 {
		t.Errorf("delivered = %d, want 2", delivered)
	}
	if !reflect.DeepEqual(failed, []string{"b"}) {
		t.Errorf("failed = %v, want [b]", failed)
	}
	if !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("sent to %v, want [a c]", got)
	}
}

// TestBroadcastTolerantOfMutation tests that send may unsubscribe during iteration
func TestBroadcastTolerantOfMutation(t *testing.T) {
	t.Parallel()

	r := New()
	r.Subscribe("a", livesock.InvitesTopic())
	r.Subscribe("b", livesock.InvitesTopic())

	delivered, _ := r.Broadcast(livesock.InvitesTopic(), func(id string) error {
		r.DropAll("a")
		r.DropAll("b")
		return nil
	})
	if delivered != 2 {
		t.Errorf("delivered = %d, want 2", delivered)
	}
	if r.TopicCount() != 0 {
		t.Errorf("TopicCount() = %d, want 0", r.TopicCount())
	}
}
