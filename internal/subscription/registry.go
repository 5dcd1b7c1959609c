// Package subscription maps connections to the topics they follow, one topic
// per family.
package subscription

import (
	"sort"

	"github.com/luciancaetano/livesock"
)

// Registry is not safe for concurrent use; it is owned by the event loop.
type Registry struct {
	byConn  map[string]map[livesock.Route]livesock.Topic
	byTopic map[livesock.Topic]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		byConn:  make(map[string]map[livesock.Route]livesock.Topic),
		byTopic: make(map[livesock.Topic]map[string]struct{}),
	}
}

// Subscribe records connID as a subscriber of topic. Any other topic the
// connection holds in the same family is dropped and returned.
func (r *Registry) Subscribe(connID string, topic livesock.Topic) (previous livesock.Topic, replaced bool) {
	families, ok := r.byConn[connID]
	if !ok {
		families = make(map[livesock.Route]livesock.Topic)
		r.byConn[connID] = families
	}
	if prev, ok := families[topic.Family]; ok {
		if prev == topic {
			return livesock.Topic{}, false
		}
		r.unindex(connID, prev)
		previous, replaced = prev, true
	}
	families[topic.Family] = topic
	subs, ok := r.byTopic[topic]
	if !ok {
		subs = make(map[string]struct{})
		r.byTopic[topic] = subs
	}
	subs[connID] = struct{}{}
	return previous, replaced
}

// Unsubscribe drops the topic connID holds in family. It reports whether
// there was one.
func (r *Registry) Unsubscribe(connID string, family livesock.Route) (livesock.Topic, bool) {
	families, ok := r.byConn[connID]
	if !ok {
		return livesock.Topic{}, false
	}
	topic, ok := families[family]
	if !ok {
		return livesock.Topic{}, false
	}
	delete(families, family)
	if len(families) == 0 {
		delete(r.byConn, connID)
	}
	r.unindex(connID, topic)
	return topic, true
}

// DropAll removes every membership of connID.
func (r *Registry) DropAll(connID string) []livesock.Topic {
	families := r.byConn[connID]
	dropped := make([]livesock.Topic, 0, len(families))
	for _, topic := range families {
		r.unindex(connID, topic)
		dropped = append(dropped, topic)
	}
	delete(r.byConn, connID)
	sortTopics(dropped)
	return dropped
}

// Count returns the number of topics connID holds.
func (r *Registry) Count(connID string) int {
	return len(r.byConn[connID])
}

// Topics returns the topics connID holds, sorted.
func (r *Registry) Topics(connID string) []livesock.Topic {
	families := r.byConn[connID]
	topics := make([]livesock.Topic, 0, len(families))
	for _, topic := range families {
		topics = append(topics, topic)
	}
	sortTopics(topics)
	return topics
}

// Subscribers returns the ids subscribed to topic, sorted.
func (r *Registry) Subscribers(topic livesock.Topic) []string {
	subs := r.byTopic[topic]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TopicCount returns the number of topics with at least one subscriber.
func (r *Registry) TopicCount() int {
	return len(r.byTopic)
}

// Broadcast calls send for every subscriber of topic. Subscribers are
// snapshotted first, so send may mutate the registry. A failing send does not
// stop delivery to the rest.
func (r *Registry) Broadcast(topic livesock.Topic, send func(connID string) error) (delivered int, failed []string) {
	for _, id := range r.Subscribers(topic) {
		if err := send(id); err != nil {
			failed = append(failed, id)
			continue
		}
		delivered++
	}
	return delivered, failed
}

func (r *Registry) unindex(connID string, topic livesock.Topic) {
	subs := r.byTopic[topic]
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.byTopic, topic)
	}
}

func sortTopics(topics []livesock.Topic) {
	sort.Slice(topics, func(i, j int) bool {
		return topics[i].String() < topics[j].String()
	})
}
