// Package protocol defines the JSON frame envelope exchanged with WebSocket
// clients and the typed payloads behind each message type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Error codes surfaced inside error frames.
const (
	CodeBadRequest      = "BAD_REQUEST"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeSharingInactive = "SHARING_NOT_ACTIVE"
	CodeUnknownType     = "UNKNOWN_TYPE"
	CodeInternal        = "INTERNAL"
)

// Message types accepted from clients.
const (
	TypeAuth               = "auth"
	TypePing               = "ping"
	TypeRouteSubscribe     = "route.subscribe"
	TypeRouteUnsubscribe   = "route.unsubscribe"
	TypeVehicleSubscribe   = "vehicle.subscribe"
	TypeVehicleUnsubscribe = "vehicle.unsubscribe"
	TypeShare              = "vehicle.location.share"
	TypeBroadcast          = "vehicle.location.broadcast"
)

// Message types pushed by the server.
const (
	TypeLocationUpdate = "vehicle.location.update"
	TypeError          = "error"
)

// SupportedTypes enumerates every client message type, in the order they are
// advertised inside UNKNOWN_TYPE replies.
var SupportedTypes = []string{
	TypeAuth,
	TypePing,
	TypeRouteSubscribe,
	TypeRouteUnsubscribe,
	TypeVehicleSubscribe,
	TypeVehicleUnsubscribe,
	TypeShare,
	TypeBroadcast,
}

// ErrNotObject signals a frame whose top level is valid JSON but not an object.
var ErrNotObject = errors.New("message must be a JSON object")

// Envelope is the inbound frame. Payload stays raw until the type-specific
// schema decodes it.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == 0 || (trimmed[0] != '{') {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid JSON: %s", firstSyntaxError(raw))
		}
		return nil, ErrNotObject
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return &env, nil
}

func firstSyntaxError(raw []byte) string {
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return err.Error()
	}
	return "unexpected token"
}

// DecodePayload unmarshals the envelope payload into a type-specific schema.
// A missing payload decodes as the schema's zero value, matching clients that
// omit the field entirely.
func (e *Envelope) DecodePayload(dst any) error {
	if e == nil || len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// ID carries an identifier that clients may send either as a JSON number or a
// numeric string.
type ID struct {
	value int64
	set   bool
}

// UnmarshalJSON accepts integers, integral floats and numeric strings.
func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return fmt.Errorf("%q is not an integer", s)
		}
		id.value, id.set = parsed, true
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("not an integer: %s", trimmed)
	}
	id.value, id.set = int64(math.Trunc(f)), true
	return nil
}

// Present reports whether the field appeared with a non-null value.
func (id ID) Present() bool { return id.set }

// Int64 returns the coerced identifier.
func (id ID) Int64() int64 { return id.value }

// Coord carries a coordinate sent either as a JSON number or numeric string.
type Coord struct {
	value float64
	set   bool
}

// UnmarshalJSON accepts numbers and numeric strings.
func (c *Coord) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("%q is not a number", s)
		}
		c.value, c.set = parsed, true
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("not a number: %s", trimmed)
	}
	c.value, c.set = f, true
	return nil
}

// Present reports whether the field appeared with a non-null value.
func (c Coord) Present() bool { return c.set }

// Float64 returns the coerced value.
func (c Coord) Float64() float64 { return c.value }

// AuthPayload carries the bearer token for the auth message.
type AuthPayload struct {
	Token string `json:"token"`
}

// RoutePayload carries the route identifier for route.(un)subscribe.
type RoutePayload struct {
	RouteID ID `json:"route_id"`
}

// VehicleSubscribePayload carries the vehicle identifier plus the share-link
// parameters, which are accepted but never grant access on their own.
type VehicleSubscribePayload struct {
	VehicleID  ID     `json:"vehicle_id"`
	SessionID  string `json:"session_id"`
	ShareToken string `json:"share_token"`
}

// SharePayload toggles the sharing lease for a vehicle.
type SharePayload struct {
	VehicleID ID    `json:"vehicle_id"`
	Enabled   *bool `json:"enabled"`
}

// BroadcastPayload carries one position report from a publisher.
type BroadcastPayload struct {
	VehicleID  ID       `json:"vehicle_id"`
	Lat        Coord    `json:"lat"`
	Lng        Coord    `json:"lng"`
	Heading    *float64 `json:"heading"`
	SpeedMps   *float64 `json:"speed_mps"`
	AccuracyM  *float64 `json:"accuracy_m"`
	RecordedAt *string  `json:"recorded_at"`
}

// LocationEvent is the data block of a vehicle.location.update push.
// ReceivedAt is stamped by the relay, never by the client.
type LocationEvent struct {
	VehicleID   int64    `json:"vehicle_id"`
	PlateNumber string   `json:"plate_number"`
	RouteID     *int64   `json:"route_id"`
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
	Heading     *float64 `json:"heading"`
	SpeedMps    *float64 `json:"speed_mps"`
	AccuracyM   *float64 `json:"accuracy_m"`
	RecordedAt  *string  `json:"recorded_at"`
	ReceivedAt  string   `json:"received_at"`
}

// Response is the outbound frame shape for replies, pushes and errors.
type Response struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Data      map[string]any `json:"data"`
}

// OK builds a success or push frame.
func OK(msgType, requestID string, data map[string]any) []byte {
	if data == nil {
		data = map[string]any{}
	}
	out, err := json.Marshal(Response{Type: msgType, RequestID: requestID, Data: data})
	if err != nil {
		return []byte(`{"type":"error","data":{"code":"INTERNAL","message":"encode failure"}}`)
	}
	return out
}

// Err builds an error frame with the given code, message and optional extras.
func Err(code, message, requestID string, extra map[string]any) []byte {
	data := map[string]any{"code": code, "message": message}
	for k, v := range extra {
		data[k] = v
	}
	return OK(TypeError, requestID, data)
}
