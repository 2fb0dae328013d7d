package bus

import (
	"context"
	"sync"
	"time"
)

// Memory is a single-process Bus used by tests and local development. TTLs
// expire lazily against an injectable clock so lease behavior is testable
// without sleeping.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	strings map[string]memoryValue
	lists   map[string]memoryList
	subs    map[*memorySubscription]struct{}
}

type memoryValue struct {
	value     string
	expiresAt time.Time
}

type memoryList struct {
	items     []string
	expiresAt time.Time
}

// NewMemory constructs an empty in-memory bus.
func NewMemory() *Memory {
	return &Memory{
		now:     time.Now,
		strings: make(map[string]memoryValue),
		lists:   make(map[string]memoryList),
		subs:    make(map[*memorySubscription]struct{}),
	}
}

// SetNow replaces the clock, letting tests advance time past a TTL.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now != nil {
		m.now = now
	}
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && now.After(at)
}

func (m *Memory) pruneLocked() {
	now := m.now()
	for key, entry := range m.strings {
		if expired(entry.expiresAt, now) {
			delete(m.strings, key)
		}
	}
	for key, entry := range m.lists {
		if expired(entry.expiresAt, now) {
			delete(m.lists, key)
		}
	}
}

// Get returns the string value at key, or ErrNoKey.
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	entry, ok := m.strings[key]
	if !ok {
		return "", ErrNoKey
	}
	return entry.value, nil
}

// Set writes key with an optional TTL.
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryValue{value: value}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.strings[key] = entry
	return nil
}

// Del removes key from both namespaces.
func (m *Memory) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strings, key)
	delete(m.lists, key)
	return nil
}

// Exists reports whether key is present and unexpired.
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	if _, ok := m.strings[key]; ok {
		return true, nil
	}
	_, ok := m.lists[key]
	return ok, nil
}

// Expire resets the TTL on key. Expiring an absent key is a no-op.
func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	deadline := m.now().Add(ttl)
	if entry, ok := m.strings[key]; ok {
		entry.expiresAt = deadline
		m.strings[key] = entry
	}
	if entry, ok := m.lists[key]; ok {
		entry.expiresAt = deadline
		m.lists[key] = entry
	}
	return nil
}

// RPush appends value to the list at key.
func (m *Memory) RPush(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	entry := m.lists[key]
	entry.items = append(entry.items, value)
	m.lists[key] = entry
	return nil
}

// LTrim trims the list at key to the inclusive range [start, stop], with
// negative indices counting from the tail as redis does.
func (m *Memory) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lists[key]
	if !ok {
		return nil
	}
	lo, hi := clampRange(start, stop, int64(len(entry.items)))
	if lo > hi {
		delete(m.lists, key)
		return nil
	}
	entry.items = append([]string(nil), entry.items[lo:hi+1]...)
	m.lists[key] = entry
	return nil
}

// LRange returns the list slice for the inclusive range [start, stop].
func (m *Memory) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	entry, ok := m.lists[key]
	if !ok {
		return nil, nil
	}
	lo, hi := clampRange(start, stop, int64(len(entry.items)))
	if lo > hi {
		return nil, nil
	}
	return append([]string(nil), entry.items[lo:hi+1]...), nil
}

func clampRange(start, stop, length int64) (int64, int64) {
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	return start, stop
}

// Publish delivers payload to every subscription listening on channel.
func (m *Memory) Publish(ctx context.Context, channel, payload string) error {
	m.mu.Lock()
	targets := make([]*memorySubscription, 0, len(m.subs))
	for sub := range m.subs {
		if sub.listening(channel) {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.inbox <- &Message{Channel: channel, Payload: payload}:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

// Ping always succeeds for the in-memory bus.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// NewSubscription opens a pub/sub receiver with an empty channel set.
func (m *Memory) NewSubscription(ctx context.Context) (Subscription, error) {
	sub := &memorySubscription{
		owner:    m,
		channels: make(map[string]struct{}),
		inbox:    make(chan *Message, 256),
	}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	owner    *Memory
	mu       sync.Mutex
	channels map[string]struct{}
	inbox    chan *Message
	closed   bool
}

func (s *memorySubscription) listening(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	_, ok := s.channels[channel]
	return ok
}

func (s *memorySubscription) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, channel := range channels {
		s.channels[channel] = struct{}{}
	}
	return nil
}

func (s *memorySubscription) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-s.inbox:
		return msg, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	return nil
}

var _ Bus = (*Memory)(nil)
