// Package bus abstracts the shared key-value store and publish/subscribe
// fabric every relay process talks to. Production uses redis; tests use the
// in-memory implementation.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrNoKey is returned by Get when the key does not exist.
var ErrNoKey = errors.New("key does not exist")

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a long-lived pub/sub receiver. Channels can be added
// incrementally; the set never shrinks for the life of the subscription.
type Subscription interface {
	// Subscribe adds channels to the receive set.
	Subscribe(ctx context.Context, channels ...string) error
	// Receive blocks for up to timeout and returns the next message, or
	// (nil, nil) when the timeout elapses with nothing to deliver.
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)
	// Close releases the subscription.
	Close() error
}

// Bus is the process-wide handle to the shared store and pub/sub fabric.
type Bus interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	RPush(ctx context.Context, key, value string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	Publish(ctx context.Context, channel, payload string) error
	NewSubscription(ctx context.Context) (Subscription, error)

	Ping(ctx context.Context) error
}
