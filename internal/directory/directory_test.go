package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"transitlive/relay/internal/auth"
)

func TestVerifyToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/internal/tokens/verify" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Token != "good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"user_id": "u1", "role": "driver"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	identity, err := client.VerifyToken(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity == nil || identity.UserID != "u1" || identity.Role != auth.RoleDriver {
		t.Fatalf("unexpected identity %+v", identity)
	}

	identity, err = client.VerifyToken(context.Background(), "bad-token")
	if err != nil {
		t.Fatalf("verify rejected: %v", err)
	}
	if identity != nil {
		t.Fatalf("rejected token must yield nil identity, got %+v", identity)
	}

	identity, err = client.VerifyToken(context.Background(), "  ")
	if err != nil || identity != nil {
		t.Fatalf("blank token must short-circuit: %+v %v", identity, err)
	}
}

func TestGetVehicle(t *testing.T) {
	routeID := int64(7)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/vehicles/42":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": 42, "plate_number": "T 123 ABC", "route_id": routeID,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	vehicle, err := client.GetVehicle(context.Background(), 42)
	if err != nil {
		t.Fatalf("get vehicle: %v", err)
	}
	if vehicle == nil || vehicle.ID != 42 || vehicle.PlateNumber != "T 123 ABC" {
		t.Fatalf("unexpected vehicle %+v", vehicle)
	}
	if vehicle.RouteID == nil || *vehicle.RouteID != 7 {
		t.Fatalf("unexpected route id %v", vehicle.RouteID)
	}

	vehicle, err = client.GetVehicle(context.Background(), 99)
	if err != nil {
		t.Fatalf("get absent vehicle: %v", err)
	}
	if vehicle != nil {
		t.Fatalf("absent vehicle must be (nil, nil), got %+v", vehicle)
	}
}

func TestGetMembership(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/internal/vehicles/42/members/u1" {
			_ = json.NewEncoder(w).Encode(map[string]string{"role": "conductor"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	membership, err := client.GetMembership(context.Background(), 42, "u1")
	if err != nil {
		t.Fatalf("get membership: %v", err)
	}
	if membership == nil || membership.Role != auth.RoleConductor || membership.VehicleID != 42 || membership.UserID != "u1" {
		t.Fatalf("unexpected membership %+v", membership)
	}

	membership, err = client.GetMembership(context.Background(), 42, "stranger")
	if err != nil || membership != nil {
		t.Fatalf("absent membership must be (nil, nil), got %+v %v", membership, err)
	}
}

func TestServerErrorsSurfaceAsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetRoute(context.Background(), 7)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	for i := 0; i < 8; i++ {
		_, err = client.GetRoute(context.Background(), 7)
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: expected ErrUnavailable, got %v", i, err)
		}
	}
	// The breaker trips after five consecutive failures; later calls are
	// rejected without touching the server.
	if hits.Load() != 5 {
		t.Fatalf("expected 5 upstream hits before the breaker opened, got %d", hits.Load())
	}
}

func TestNewClientValidatesBaseURL(t *testing.T) {
	if _, err := NewClient("  "); err == nil {
		t.Fatal("blank base URL must be rejected")
	}
	client, err := NewClient("http://directory.local/")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.base != "http://directory.local" {
		t.Fatalf("trailing slash must be trimmed, got %q", client.base)
	}
}
