package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("Invalid JSON log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestZeroLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "debug", Service: "watchsync"}, &buf)

	logger.With(String("session_id", "room")).Info("intent applied",
		String("event", "play"),
		Int("viewers", 3),
		Err(errors.New("boom")),
	)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line, got %d", len(lines))
	}
	line := lines[0]
	for key, want := range map[string]any{
		"message":    "intent applied",
		"level":      "info",
		"service":    "watchsync",
		"session_id": "room",
		"event":      "play",
		"viewers":    float64(3),
		"error":      "boom",
	} {
		if line[key] != want {
			t.Errorf("Expected %s=%v, got %v", key, want, line[key])
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "warn"}, &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["message"] != "shown" {
		t.Errorf("Expected only the warning, got %v", lines)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "debug"},
		{" WARNING ", "warn"},
		{"error", "error"},
		{"garbage", "info"},
		{"", "info"},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in).String(); got != tt.want {
			t.Errorf("ParseLevel(%q): expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestContextLogger(t *testing.T) {
	if L(context.Background()) != DefaultLogger {
		t.Error("Expected default logger without a context logger")
	}
	ctx := ContextWithLogger(context.Background(), NopLogger{})
	if _, ok := L(ctx).(NopLogger); !ok {
		t.Error("Expected the context logger")
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "info"}, &buf)

	var inner Logger
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = LoggerFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session-state", nil))

	if inner == nil {
		t.Error("Expected a request logger in the context")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated request id header")
	}

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("Expected 1 access log line, got %d", len(lines))
	}
	if lines[0]["status"] != float64(http.StatusTeapot) {
		t.Errorf("Expected status 418, got %v", lines[0]["status"])
	}
	if lines[0]["path"] != "/session-state" {
		t.Errorf("Expected path /session-state, got %v", lines[0]["path"])
	}
}
