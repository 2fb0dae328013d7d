// Package websockettest contains helpers for exercising the relay's
// WebSocket endpoint from tests.
package websockettest

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Dial connects to the /ws endpoint of the given test server and registers
// cleanup for the connection.
func Dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Send writes one JSON frame built from the type, request id and payload.
func Send(t *testing.T, conn *websocket.Conn, msgType, requestID string, payload map[string]any) {
	t.Helper()
	frame := map[string]any{"type": msgType}
	if requestID != "" {
		frame["request_id"] = requestID
	}
	if payload != nil {
		frame["payload"] = payload
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// Frame is one decoded server response or push.
type Frame struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Data      map[string]any `json:"data"`
}

// Receive reads the next frame, failing the test after the timeout.
func Receive(t *testing.T, conn *websocket.Conn, timeout time.Duration) Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("decode frame %s: %v", raw, err)
	}
	return frame
}

// ExpectType reads the next frame and asserts its type.
func ExpectType(t *testing.T, conn *websocket.Conn, want string) Frame {
	t.Helper()
	frame := Receive(t, conn, 2*time.Second)
	if frame.Type != want {
		t.Fatalf("expected frame type %q, got %q (%v)", want, frame.Type, frame.Data)
	}
	return frame
}

// ExpectError reads the next frame and asserts it is an error carrying the
// given code.
func ExpectError(t *testing.T, conn *websocket.Conn, code string) Frame {
	t.Helper()
	frame := Receive(t, conn, 2*time.Second)
	if frame.Type != "error" {
		t.Fatalf("expected error frame, got %q (%v)", frame.Type, frame.Data)
	}
	if got := fmt.Sprint(frame.Data["code"]); got != code {
		t.Fatalf("expected error code %q, got %q (%v)", code, got, frame.Data)
	}
	return frame
}
