package chat

import (
	"sort"
	"sync"
)

// Subscriber is anything the fan-out can hand an event to.
type Subscriber interface {
	ID() string
	// Deliver must not block.
	Deliver(ev *Event) bool
}

// Registry maps topics to their current subscribers. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[string]Subscriber // topic -> sub id -> sub
	bySub  map[string]map[string]struct{}   // sub id -> topics
}

func NewRegistry() *Registry {
	return &Registry{
		topics: make(map[string]map[string]Subscriber),
		bySub:  make(map[string]map[string]struct{}),
	}
}

// Join adds sub to topic and reports whether it was not a member before.
func (r *Registry) Join(topic string, sub Subscriber) bool {
	id := sub.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	// topic 索引
	members := r.topics[topic]
	if members == nil {
		members = make(map[string]Subscriber)
		r.topics[topic] = members
	}
	if _, ok := members[id]; ok {
		return false
	}
	members[id] = sub
	// sub 索引
	ts := r.bySub[id]
	if ts == nil {
		ts = make(map[string]struct{})
		r.bySub[id] = ts
	}
	ts[topic] = struct{}{}
	return true
}

// Leave removes sub from topic and reports whether it was a member.
func (r *Registry) Leave(topic string, sub Subscriber) bool {
	id := sub.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(topic, id)
}

func (r *Registry) leaveLocked(topic, id string) bool {
	members := r.topics[topic]
	if _, ok := members[id]; !ok {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.topics, topic)
	}
	if ts := r.bySub[id]; ts != nil {
		delete(ts, topic)
		if len(ts) == 0 {
			delete(r.bySub, id)
		}
	}
	return true
}

// LeaveAll removes sub from every topic and returns the topics it left.
func (r *Registry) LeaveAll(sub Subscriber) []string {
	id := sub.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.bySub[id]
	if len(ts) == 0 {
		return nil
	}
	out := make([]string, 0, len(ts))
	for topic := range ts {
		out = append(out, topic)
	}
	for _, topic := range out {
		r.leaveLocked(topic, id)
	}
	sort.Strings(out)
	return out
}

// MembersOf returns a snapshot of the subscribers of topic.
func (r *Registry) MembersOf(topic string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.topics[topic]
	if len(members) == 0 {
		return nil
	}
	out := make([]Subscriber, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// Topics returns, sorted, the topics sub is joined to.
func (r *Registry) Topics(sub Subscriber) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts := r.bySub[sub.ID()]
	out := make([]string, 0, len(ts))
	for topic := range ts {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of topics with at least one subscriber.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}
