// Package registry is the process-local bookkeeping of live connections:
// which topics each connection watches, which identity it carries, and the
// fan-out of a topic's messages to its local subscribers.
package registry

import (
	"sync"

	"transitlive/relay/internal/auth"
)

// Conn is the registry's handle to one live client connection. Deliver must
// be safe for concurrent use and must fail fast once the connection is gone.
type Conn interface {
	ID() string
	Deliver(payload []byte) error
}

type connState struct {
	topics   map[string]struct{}
	identity *auth.Context
}

// Registry tracks connections and their topic memberships. The two-way
// conn↔topic maps are kept as mutual inverses under one lock.
type Registry struct {
	mu        sync.RWMutex
	conns     map[Conn]*connState
	topicSubs map[string]map[Conn]struct{}
	changed   chan struct{}
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		conns:     make(map[Conn]*connState),
		topicSubs: make(map[string]map[Conn]struct{}),
		changed:   make(chan struct{}, 1),
	}
}

// Changed signals whenever the set of subscribed topics may have grown. The
// relay listener drains it to resync its bus subscriptions promptly instead
// of waiting for its next poll tick.
func (r *Registry) Changed() <-chan struct{} {
	return r.changed
}

func (r *Registry) notifyChanged() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// Register adds a connection with no subscriptions and no identity.
func (r *Registry) Register(conn Conn) {
	if r == nil || conn == nil {
		return
	}
	r.mu.Lock()
	if _, ok := r.conns[conn]; !ok {
		r.conns[conn] = &connState{topics: make(map[string]struct{})}
	}
	r.mu.Unlock()
}

// Unregister removes the connection from every topic it belonged to, dropping
// topics whose subscriber set becomes empty, and clears its identity.
// Idempotent.
func (r *Registry) Unregister(conn Conn) {
	if r == nil || conn == nil {
		return
	}
	r.mu.Lock()
	state, ok := r.conns[conn]
	if ok {
		for topic := range state.topics {
			r.dropSubscriberLocked(topic, conn)
		}
		delete(r.conns, conn)
	}
	r.mu.Unlock()
}

func (r *Registry) dropSubscriberLocked(topic string, conn Conn) {
	subs, ok := r.topicSubs[topic]
	if !ok {
		return
	}
	delete(subs, conn)
	if len(subs) == 0 {
		delete(r.topicSubs, topic)
	}
}

// SetAuth attaches or replaces the connection's identity. A later successful
// re-auth simply overwrites the previous identity.
func (r *Registry) SetAuth(conn Conn, identity *auth.Context) {
	if r == nil || conn == nil {
		return
	}
	r.mu.Lock()
	if state, ok := r.conns[conn]; ok {
		state.identity = identity
	}
	r.mu.Unlock()
}

// Auth returns the connection's identity, or nil before a successful auth.
func (r *Registry) Auth(conn Conn) *auth.Context {
	if r == nil || conn == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if state, ok := r.conns[conn]; ok {
		return state.identity
	}
	return nil
}

// Subscribe adds the connection to the topic. Idempotent; unknown connections
// are ignored so a racing disconnect cannot resurrect state.
func (r *Registry) Subscribe(conn Conn, topic string) {
	if r == nil || conn == nil || topic == "" {
		return
	}
	r.mu.Lock()
	state, ok := r.conns[conn]
	if ok {
		state.topics[topic] = struct{}{}
		subs, ok := r.topicSubs[topic]
		if !ok {
			subs = make(map[Conn]struct{})
			r.topicSubs[topic] = subs
		}
		subs[conn] = struct{}{}
	}
	r.mu.Unlock()
	if ok {
		r.notifyChanged()
	}
}

// Unsubscribe removes the connection from the topic. Idempotent.
func (r *Registry) Unsubscribe(conn Conn, topic string) {
	if r == nil || conn == nil {
		return
	}
	r.mu.Lock()
	if state, ok := r.conns[conn]; ok {
		delete(state.topics, topic)
	}
	r.dropSubscriberLocked(topic, conn)
	r.mu.Unlock()
}

// PublishLocal delivers payload to every connection subscribed to topic in
// this process. Fan-out iterates a stable snapshot so concurrent disconnects
// cannot tear the set, and a failed delivery evicts only that connection.
func (r *Registry) PublishLocal(topic string, payload []byte) {
	if r == nil {
		return
	}
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.topicSubs[topic]))
	for conn := range r.topicSubs[topic] {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Deliver(payload); err != nil {
			r.Unregister(conn)
		}
	}
}

// Topics returns a snapshot of every topic with at least one subscriber.
func (r *Registry) Topics() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.topicSubs))
	for topic := range r.topicSubs {
		out = append(out, topic)
	}
	return out
}

// Subscribers returns how many local connections watch the topic.
func (r *Registry) Subscribers(topic string) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topicSubs[topic])
}

// Counts reports the number of live connections and topic memberships.
func (r *Registry) Counts() (conns, subscriptions int) {
	if r == nil {
		return 0, 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, subs := range r.topicSubs {
		subscriptions += len(subs)
	}
	return len(r.conns), subscriptions
}
