// Package store implements the sharing lease and the bounded position history
// on top of the shared bus, using the key layout from the topics package.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transitlive/relay/internal/bus"
	"transitlive/relay/internal/topics"
)

const (
	// DefaultSharingTTL bounds how stale a "live" flag can be once a
	// publisher stops refreshing it.
	DefaultSharingTTL = 2 * time.Minute
	// DefaultHistoryTTL retires an idle vehicle's log, measured from the
	// last write.
	DefaultHistoryTTL = time.Hour
	// DefaultHistoryMax caps the number of retained position events.
	DefaultHistoryMax = 2000
)

// Sharing manages the per-vehicle opt-in broadcasting lease. The lease
// self-expires so a publisher that vanishes stops being "live" within the TTL
// window without an explicit stop message.
type Sharing struct {
	bus bus.Bus
	ttl time.Duration
}

// NewSharing constructs a lease manager. A non-positive TTL falls back to the
// default.
func NewSharing(b bus.Bus, ttl time.Duration) *Sharing {
	if ttl <= 0 {
		ttl = DefaultSharingTTL
	}
	return &Sharing{bus: b, ttl: ttl}
}

// SetSharing enables the lease with a fresh TTL or deletes it outright.
// Disabling is immediate, not TTL decay.
func (s *Sharing) SetSharing(ctx context.Context, vehicleID int64, enabled bool) error {
	key := topics.SharingKey(vehicleID)
	if !enabled {
		return s.bus.Del(ctx, key)
	}
	return s.bus.Set(ctx, key, "1", s.ttl)
}

// RefreshSharing extends the lease TTL without changing its value. Refreshing
// an absent lease is a no-op.
func (s *Sharing) RefreshSharing(ctx context.Context, vehicleID int64) error {
	return s.bus.Expire(ctx, topics.SharingKey(vehicleID), s.ttl)
}

// IsSharingActive reports whether the lease currently exists.
func (s *Sharing) IsSharingActive(ctx context.Context, vehicleID int64) (bool, error) {
	return s.bus.Exists(ctx, topics.SharingKey(vehicleID))
}

// History persists the latest position and a bounded ordered log per vehicle.
type History struct {
	bus bus.Bus
	ttl time.Duration
	max int64
}

// NewHistory constructs a history store. Non-positive limits fall back to the
// defaults.
func NewHistory(b bus.Bus, ttl time.Duration, max int64) *History {
	if ttl <= 0 {
		ttl = DefaultHistoryTTL
	}
	if max <= 0 {
		max = DefaultHistoryMax
	}
	return &History{bus: b, ttl: ttl, max: max}
}

// SaveLatestAndHistory overwrites the latest-position slot, appends to the
// log, trims the log to the newest max entries and resets the log TTL. The
// four writes are not atomic across the store, but all must succeed for the
// call to succeed.
func (h *History) SaveLatestAndHistory(ctx context.Context, vehicleID int64, rawEvent []byte) error {
	latestKey := topics.LatestKey(vehicleID)
	historyKey := topics.HistoryKey(vehicleID)
	value := string(rawEvent)

	if err := h.bus.Set(ctx, latestKey, value, 0); err != nil {
		return fmt.Errorf("save latest: %w", err)
	}
	if err := h.bus.RPush(ctx, historyKey, value); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if err := h.bus.LTrim(ctx, historyKey, -h.max, -1); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	if err := h.bus.Expire(ctx, historyKey, h.ttl); err != nil {
		return fmt.Errorf("expire history: %w", err)
	}
	return nil
}

// GetLatest returns the raw latest event for the vehicle, or nil when none is
// stored.
func (h *History) GetLatest(ctx context.Context, vehicleID int64) ([]byte, error) {
	value, err := h.bus.Get(ctx, topics.LatestKey(vehicleID))
	if errors.Is(err, bus.ErrNoKey) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// Recent returns up to limit most recent log entries, oldest first.
func (h *History) Recent(ctx context.Context, vehicleID int64, limit int64) ([][]byte, error) {
	if limit <= 0 || limit > h.max {
		limit = h.max
	}
	values, err := h.bus.LRange(ctx, topics.HistoryKey(vehicleID), -limit, -1)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(values))
	for _, value := range values {
		out = append(out, []byte(value))
	}
	return out, nil
}
