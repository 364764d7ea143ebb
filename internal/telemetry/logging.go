package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskd/internal/shared"
)

// NewLogger builds the daemon logger. Records go to <homeDir>/logs/system.jsonl
// and, unless quiet, to stdout as well.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	return New(w, level), file, nil
}

// New builds a logger writing JSON records to w. Exposed for tests and for
// CLI subcommands that log to stderr only.
func New(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	return slog.New(&scopeHandler{inner: handler}).With("component", "daemon")
}

// scopeHandler stamps trace and execution identifiers carried by the context
// onto every record logged with a *Context method. Keys already bound with
// With, or present on the record, are left alone.
type scopeHandler struct {
	inner   slog.Handler
	bound   map[string]bool
	grouped bool
}

func (h *scopeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *scopeHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	present := make(map[string]bool, len(h.bound)+r.NumAttrs())
	for k := range h.bound {
		present[k] = true
	}
	r.Attrs(func(a slog.Attr) bool {
		present[a.Key] = true
		return true
	})
	stamp := func(key, value string) {
		if value != "" && !present[key] {
			r.AddAttrs(slog.String(key, value))
		}
	}
	stamp("trace_id", shared.TraceID(ctx))
	stamp("execution_id", shared.ExecutionID(ctx))
	stamp("task_id", shared.TaskID(ctx))
	return h.inner.Handle(ctx, r)
}

func (h *scopeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := h.bound
	if !h.grouped {
		bound = make(map[string]bool, len(h.bound)+len(attrs))
		for k := range h.bound {
			bound[k] = true
		}
		for _, a := range attrs {
			bound[a.Key] = true
		}
	}
	return &scopeHandler{inner: h.inner.WithAttrs(attrs), bound: bound, grouped: h.grouped}
}

func (h *scopeHandler) WithGroup(name string) slog.Handler {
	return &scopeHandler{inner: h.inner.WithGroup(name), bound: h.bound, grouped: true}
}

func shouldRedactKey(key string) bool {
	return shared.SensitiveKey(key)
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	// Full redaction for strings containing bearer tokens or auth headers.
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
