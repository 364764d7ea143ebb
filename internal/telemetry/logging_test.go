package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskd/internal/shared"
)

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "task_id", "task-1")

	logPath := filepath.Join(home, "logs", "system.jsonl")
	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}

	required := []string{"timestamp", "level", "msg", "component", "trace_id"}
	for _, key := range required {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "daemon" {
		t.Fatalf("expected component=daemon, got %#v", entry["component"])
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entry["trace_id"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security check",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
	)

	logPath := filepath.Join(home, "logs", "system.jsonl")
	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 {
		t.Fatalf("expected log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
}

func TestNew_StampsContextIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info")

	ctx := shared.WithTraceID(context.Background(), "trace-9")
	ctx = shared.WithExecutionID(ctx, "exec-9")
	ctx = shared.WithTaskID(ctx, "task-9")
	logger.InfoContext(ctx, "iteration finished", "iteration", 3)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if entry["trace_id"] != "trace-9" {
		t.Fatalf("trace_id = %#v", entry["trace_id"])
	}
	if entry["execution_id"] != "exec-9" {
		t.Fatalf("execution_id = %#v", entry["execution_id"])
	}
	if entry["task_id"] != "task-9" {
		t.Fatalf("task_id = %#v", entry["task_id"])
	}
}

func TestNew_BoundIdentifiersAreNotStampedTwice(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info").With("execution_id", "exec-1", "trace_id", "trace-1")

	logger.Info("execution started")
	logger.InfoContext(shared.WithTraceID(context.Background(), "trace-2"), "iteration finished", "task_id", "task-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d: %s", len(lines), buf.String())
	}
	for _, line := range lines {
		for _, key := range []string{`"trace_id"`, `"execution_id"`} {
			if n := strings.Count(line, key); n != 1 {
				t.Fatalf("%s appears %d times in %s", key, n, line)
			}
		}
		if !strings.Contains(line, `"trace_id":"trace-1"`) {
			t.Fatalf("bound trace_id lost: %s", line)
		}
	}
	if n := strings.Count(lines[1], `"task_id"`); n != 1 {
		t.Fatalf("task_id appears %d times in %s", n, lines[1])
	}
}

func TestNew_RedactsProviderKeysInValues(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info")
	logger.Warn("provider rejected request", "error", "invalid key sk-ant-REDACTED")
	if strings.Contains(buf.String(), "abcdefghijklmnopqrstuvwxyz") {
		t.Fatalf("secret leaked into log: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
