package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"transitlive/relay/internal/bus"
)

func TestSharingLifecycle(t *testing.T) {
	memory := bus.NewMemory()
	now := time.Unix(1000, 0)
	memory.SetNow(func() time.Time { return now })
	sharing := NewSharing(memory, 2*time.Minute)
	ctx := context.Background()

	active, err := sharing.IsSharingActive(ctx, 42)
	if err != nil || active {
		t.Fatalf("fresh vehicle should not be sharing: %v %v", active, err)
	}

	if err := sharing.SetSharing(ctx, 42, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if active, _ = sharing.IsSharingActive(ctx, 42); !active {
		t.Fatal("lease should be active after enable")
	}

	if err := sharing.SetSharing(ctx, 42, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if active, _ = sharing.IsSharingActive(ctx, 42); active {
		t.Fatal("disable must drop the lease immediately")
	}
}

func TestSharingLeaseExpires(t *testing.T) {
	memory := bus.NewMemory()
	now := time.Unix(1000, 0)
	memory.SetNow(func() time.Time { return now })
	sharing := NewSharing(memory, 2*time.Minute)
	ctx := context.Background()

	if err := sharing.SetSharing(ctx, 42, true); err != nil {
		t.Fatalf("enable: %v", err)
	}

	now = now.Add(2*time.Minute + time.Second)
	active, err := sharing.IsSharingActive(ctx, 42)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if active {
		t.Fatal("lease should expire once the TTL elapses without a refresh")
	}
}

func TestSharingRefreshExtendsLease(t *testing.T) {
	memory := bus.NewMemory()
	now := time.Unix(1000, 0)
	memory.SetNow(func() time.Time { return now })
	sharing := NewSharing(memory, 2*time.Minute)
	ctx := context.Background()

	if err := sharing.SetSharing(ctx, 42, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	now = now.Add(90 * time.Second)
	if err := sharing.RefreshSharing(ctx, 42); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	now = now.Add(90 * time.Second)
	if active, _ := sharing.IsSharingActive(ctx, 42); !active {
		t.Fatal("refreshed lease should outlive the original deadline")
	}

	// Refreshing a vehicle that never enabled sharing must not enable it.
	if err := sharing.RefreshSharing(ctx, 99); err != nil {
		t.Fatalf("refresh absent: %v", err)
	}
	if active, _ := sharing.IsSharingActive(ctx, 99); active {
		t.Fatal("refresh must not create a lease")
	}
}

func TestHistorySaveAndLatest(t *testing.T) {
	memory := bus.NewMemory()
	history := NewHistory(memory, time.Hour, 2000)
	ctx := context.Background()

	latest, err := history.GetLatest(ctx, 42)
	if err != nil {
		t.Fatalf("latest empty: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected nil latest for unknown vehicle, got %q", latest)
	}

	first := []byte(`{"lat":-6.8,"lng":39.3}`)
	second := []byte(`{"lat":-6.81,"lng":39.31}`)
	if err := history.SaveLatestAndHistory(ctx, 42, first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := history.SaveLatestAndHistory(ctx, 42, second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	latest, err = history.GetLatest(ctx, 42)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if string(latest) != string(second) {
		t.Fatalf("latest should be the newest event, got %q", latest)
	}

	recent, err := history.Recent(ctx, 42, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || string(recent[0]) != string(first) || string(recent[1]) != string(second) {
		t.Fatalf("unexpected history %q", recent)
	}
}

func TestHistoryTrimsToMax(t *testing.T) {
	memory := bus.NewMemory()
	history := NewHistory(memory, time.Hour, 5)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		event := []byte(fmt.Sprintf(`{"seq":%d}`, i))
		if err := history.SaveLatestAndHistory(ctx, 42, event); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	recent, err := history.Recent(ctx, 42, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 5 {
		t.Fatalf("expected 5 retained events, got %d", len(recent))
	}
	if string(recent[0]) != `{"seq":7}` || string(recent[4]) != `{"seq":11}` {
		t.Fatalf("trim must keep the newest events, got %q", recent)
	}
}

func TestHistoryExpiresFromLastWrite(t *testing.T) {
	memory := bus.NewMemory()
	now := time.Unix(1000, 0)
	memory.SetNow(func() time.Time { return now })
	history := NewHistory(memory, time.Hour, 2000)
	ctx := context.Background()

	if err := history.SaveLatestAndHistory(ctx, 42, []byte(`{"seq":0}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	now = now.Add(45 * time.Minute)
	if err := history.SaveLatestAndHistory(ctx, 42, []byte(`{"seq":1}`)); err != nil {
		t.Fatalf("save second: %v", err)
	}

	// 50 minutes after the second write the log is still inside its TTL.
	now = now.Add(50 * time.Minute)
	recent, err := history.Recent(ctx, 42, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("log should survive until an hour after the last write, got %d entries", len(recent))
	}

	now = now.Add(11 * time.Minute)
	recent, err = history.Recent(ctx, 42, 10)
	if err != nil {
		t.Fatalf("recent after expiry: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("idle log should expire, got %q", recent)
	}
}
