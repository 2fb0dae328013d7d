package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis adapts a go-redis client to the Bus interface.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the redis deployment described by the URL
// (redis://[user:pass@]host:port/db).
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Get returns the string value at key, or ErrNoKey.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoKey
	}
	return value, err
}

// Set writes key with an optional TTL. A zero TTL persists the key.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Del removes key. Deleting an absent key is not an error.
func (r *Redis) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Exists reports whether key is present.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Expire resets the TTL on key.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// RPush appends value to the list at key.
func (r *Redis) RPush(ctx context.Context, key, value string) error {
	return r.client.RPush(ctx, key, value).Err()
}

// LTrim trims the list at key to the inclusive range [start, stop].
func (r *Redis) LTrim(ctx context.Context, key string, start, stop int64) error {
	return r.client.LTrim(ctx, key, start, stop).Err()
}

// LRange returns the list slice at key for the inclusive range [start, stop].
func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, key, start, stop).Result()
}

// Publish sends payload to every subscriber of channel.
func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Ping checks connectivity to the deployment.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// NewSubscription opens a pub/sub connection with an initially empty channel
// set.
func (r *Redis) NewSubscription(ctx context.Context) (Subscription, error) {
	return &redisSubscription{pubsub: r.client.Subscribe(ctx)}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s *redisSubscription) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return s.pubsub.Subscribe(ctx, channels...)
}

func (s *redisSubscription) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	raw, err := s.pubsub.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	switch msg := raw.(type) {
	case *redis.Message:
		return &Message{Channel: msg.Channel, Payload: msg.Payload}, nil
	default:
		// Subscribe confirmations and pongs carry no payload.
		return nil, nil
	}
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

var _ Bus = (*Redis)(nil)
