package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"ping","request_id":"r1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != "ping" || env.RequestID != "r1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestDecodeEnvelopeRejectsInvalidJSON(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"type":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
	if _, err := DecodeEnvelope([]byte(``)); err == nil {
		t.Fatal("expected error for empty frame")
	}
}

func TestDecodeEnvelopeRejectsNonObject(t *testing.T) {
	for _, raw := range []string{`[1,2]`, `42`, `"hello"`, `true`} {
		_, err := DecodeEnvelope([]byte(raw))
		if !errors.Is(err, ErrNotObject) {
			t.Fatalf("expected ErrNotObject for %s, got %v", raw, err)
		}
	}
}

func TestIDCoercion(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
	}{
		{`{"route_id":7}`, 7},
		{`{"route_id":"7"}`, 7},
		{`{"route_id":7.0}`, 7},
	}
	for _, tc := range cases {
		var payload RoutePayload
		if err := json.Unmarshal([]byte(tc.raw), &payload); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.raw, err)
		}
		if !payload.RouteID.Present() || payload.RouteID.Int64() != tc.want {
			t.Fatalf("coercion mismatch for %s: %+v", tc.raw, payload.RouteID)
		}
	}
}

func TestIDCoercionRejectsGarbage(t *testing.T) {
	for _, raw := range []string{`{"route_id":"abc"}`, `{"route_id":[1]}`, `{"route_id":"4.5"}`} {
		var payload RoutePayload
		if err := json.Unmarshal([]byte(raw), &payload); err == nil {
			t.Fatalf("expected coercion error for %s", raw)
		}
	}
}

func TestIDAbsentAndNull(t *testing.T) {
	for _, raw := range []string{`{}`, `{"route_id":null}`} {
		var payload RoutePayload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if payload.RouteID.Present() {
			t.Fatalf("route_id should be absent for %s", raw)
		}
	}
}

func TestCoordCoercion(t *testing.T) {
	var payload BroadcastPayload
	raw := `{"vehicle_id":"42","lat":-6.8,"lng":"39.3"}`
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.VehicleID.Int64() != 42 {
		t.Fatalf("unexpected vehicle id %d", payload.VehicleID.Int64())
	}
	if payload.Lat.Float64() != -6.8 || payload.Lng.Float64() != 39.3 {
		t.Fatalf("unexpected coords %v %v", payload.Lat.Float64(), payload.Lng.Float64())
	}
}

func TestOKShape(t *testing.T) {
	raw := OK("pong", "r9", map[string]any{"ts": 1})
	var decoded struct {
		Type      string         `json:"type"`
		RequestID string         `json:"request_id"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != "pong" || decoded.RequestID != "r9" || decoded.Data["ts"] != float64(1) {
		t.Fatalf("unexpected frame %+v", decoded)
	}
}

func TestOKOmitsEmptyRequestID(t *testing.T) {
	raw := OK("pong", "", nil)
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["request_id"]; ok {
		t.Fatal("request_id should be omitted when empty")
	}
	if _, ok := decoded["data"]; !ok {
		t.Fatal("data must always be present")
	}
}

func TestErrShape(t *testing.T) {
	raw := Err(CodeNotFound, "Route not found", "r2", map[string]any{"route_id": 7})
	var decoded struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeError {
		t.Fatalf("unexpected type %q", decoded.Type)
	}
	if decoded.Data["code"] != CodeNotFound || decoded.Data["message"] != "Route not found" {
		t.Fatalf("unexpected data %v", decoded.Data)
	}
	if decoded.Data["route_id"] != float64(7) {
		t.Fatalf("extra fields must be merged into data, got %v", decoded.Data)
	}
}
