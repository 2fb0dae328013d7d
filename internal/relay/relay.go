// Package relay bridges the distributed bus into the process-local registry:
// one background listener per process keeps the bus subscription set in sync
// with locally watched topics and fans inbound bus messages out to local
// connections.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"transitlive/relay/internal/bus"
	"transitlive/relay/internal/logging"
	"transitlive/relay/internal/registry"
	"transitlive/relay/internal/topics"
)

const (
	// DefaultPollInterval bounds how long the listener blocks waiting for a
	// bus message before re-checking the desired channel set.
	DefaultPollInterval = time.Second

	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Listener is the per-process bus consumer. It is started lazily by the first
// accepted connection and runs until its context is cancelled (never, in
// production; tests cancel it).
type Listener struct {
	bus      bus.Bus
	registry *registry.Registry
	log      *logging.Logger
	poll     time.Duration

	mu      sync.Mutex
	running bool

	relayed atomic.Int64
}

// NewListener wires the listener to its bus and registry.
func NewListener(b bus.Bus, r *registry.Registry, log *logging.Logger, poll time.Duration) *Listener {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &Listener{bus: b, registry: r, log: log, poll: poll}
}

// EnsureStarted launches the listener goroutine if it is not already running.
// Safe to call on every accepted connection.
func (l *Listener) EnsureStarted(ctx context.Context) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	go l.run(ctx)
}

// Running reports whether the listener goroutine is alive.
func (l *Listener) Running() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Relayed returns how many bus messages have been fanned out locally.
func (l *Listener) Relayed() int64 {
	if l == nil {
		return 0
	}
	return l.relayed.Load()
}

func (l *Listener) run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := l.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.log.Warn("bus listener error, retrying", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// consume holds one bus subscription for as long as it stays healthy. The
// subscription is released on every exit path so a reconnect never leaks the
// previous one.
func (l *Listener) consume(ctx context.Context) error {
	sub, err := l.bus.NewSubscription(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	subscribed := make(map[string]struct{})
	for {
		if err := l.syncChannels(ctx, sub, subscribed); err != nil {
			return err
		}

		msg, err := sub.Receive(ctx, l.poll)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		l.dispatch(msg)
	}
}

// syncChannels diffs the desired channel set against what the subscription
// already covers and subscribes to the new channels only. Channels are never
// unsubscribed when local interest drops; the bounded leak buys freedom from
// subscribe/unsubscribe races.
func (l *Listener) syncChannels(ctx context.Context, sub bus.Subscription, subscribed map[string]struct{}) error {
	select {
	case <-l.registry.Changed():
	default:
	}

	var missing []string
	for _, topic := range l.registry.Topics() {
		channel := topics.TopicToChannel(topic)
		if _, ok := subscribed[channel]; !ok {
			missing = append(missing, channel)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := sub.Subscribe(ctx, missing...); err != nil {
		return err
	}
	for _, channel := range missing {
		subscribed[channel] = struct{}{}
	}
	return nil
}

func (l *Listener) dispatch(msg *bus.Message) {
	//1.- Map the bus channel back to its logical topic.
	topic := topics.ChannelToTopic(msg.Channel)

	//2.- Drop malformed payloads silently; they must never surface as
	// connection errors.
	if !json.Valid([]byte(msg.Payload)) {
		l.log.Debug("dropping malformed bus payload", logging.String("channel", msg.Channel))
		return
	}

	//3.- Fan out to every local subscriber of the topic.
	l.registry.PublishLocal(topic, []byte(msg.Payload))
	l.relayed.Add(1)
}
