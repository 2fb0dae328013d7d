package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type bufferWriter struct {
	buf bytes.Buffer
}

func (w *bufferWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *bufferWriter) Sync() error { return nil }

func newBufferLogger(level Level) (*Logger, *bufferWriter) {
	writer := &bufferWriter{}
	return &Logger{
		level:  level,
		writer: writer,
		fields: map[string]any{"service": "relay"},
	}, writer
}

func TestLoggerEmitsStructuredJSON(t *testing.T) {
	logger, writer := newBufferLogger(InfoLevel)

	logger.Info("client connected", String("conn_id", "abc"), Int("clients", 3))

	var entry map[string]any
	if err := json.Unmarshal(writer.buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, writer.buf.String())
	}
	if entry["message"] != "client connected" || entry["level"] != "info" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["service"] != "relay" || entry["conn_id"] != "abc" || entry["clients"] != float64(3) {
		t.Fatalf("fields missing from entry %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("entry must carry a timestamp: %v", entry)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	logger, writer := newBufferLogger(WarnLevel)

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("shown")

	out := writer.buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("messages below the level must be suppressed: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn message missing: %s", out)
	}
}

func TestWithDoesNotMutateParent(t *testing.T) {
	logger, writer := newBufferLogger(InfoLevel)

	derived := logger.With(String("trace_id", "t1"))
	derived.Info("derived")
	logger.Info("parent")

	lines := strings.Split(strings.TrimSpace(writer.buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "t1") {
		t.Fatalf("derived entry should carry trace_id: %s", lines[0])
	}
	if strings.Contains(lines[1], "t1") {
		t.Fatalf("parent entry must not inherit derived fields: %s", lines[1])
	}
}

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]Level{
		"debug":   DebugLevel,
		"info":    InfoLevel,
		"":        InfoLevel,
		"WARNING": WarnLevel,
		"error":   ErrorLevel,
	} {
		level, err := parseLevel(raw)
		if err != nil || level != want {
			t.Fatalf("parseLevel(%q) = %v, %v", raw, level, err)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Fatal("unknown level must error")
	}
}

func TestNewWritesToConfiguredFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	logger, err := New(Config{Level: "info", Path: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("startup complete")
	if err := logger.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), "startup complete") {
		t.Fatalf("log file missing entry: %s", raw)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{Path: "", MaxSizeMB: 1}); err == nil {
		t.Fatal("blank path must be rejected")
	}
	if _, err := New(Config{Path: "x.log", MaxSizeMB: 0}); err == nil {
		t.Fatal("non-positive max size must be rejected")
	}
	if _, err := New(Config{Path: "x.log", MaxSizeMB: 1, Level: "loud"}); err == nil {
		t.Fatal("unknown level must be rejected")
	}
}

func TestHTTPTraceMiddleware(t *testing.T) {
	logger := NewTestLogger()
	var seen string
	handler := HTTPTraceMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))

	t.Run("generates trace id", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if seen == "" {
			t.Fatal("handler should observe a trace id")
		}
		if recorder.Header().Get(TraceIDHeader) != seen {
			t.Fatal("response header must echo the trace id")
		}
	})

	t.Run("propagates incoming trace id", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		request.Header.Set(TraceIDHeader, "trace-123")
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		if seen != "trace-123" {
			t.Fatalf("incoming trace id must be reused, got %q", seen)
		}
	})
}
