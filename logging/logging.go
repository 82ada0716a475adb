// Package logging sets up the process-wide structured logger.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// sensitiveKeys are log attribute keys that must never reach the sink
// verbatim — bearer tokens and signatures in particular.
var sensitiveKeys = map[string]bool{
	"proxy-authorization": true,
	"authorization":       true,
	"signature":           true,
	"token":                true,
	"proxy_token":          true,
}

// Setup installs a JSON slog logger at the given level ("debug", "warn",
// "error"; anything else defaults to "info") wrapped in a redacting
// handler, and sets it as the process default.
func Setup(level string) *slog.Logger {
	lvl := new(slog.LevelVar)
	switch level {
	case "debug":
		lvl.Set(slog.LevelDebug)
	case "warn":
		lvl.Set(slog.LevelWarn)
	case "error":
		lvl.Set(slog.LevelError)
	default:
		lvl.Set(slog.LevelInfo)
	}

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(&redactingHandler{base: base})
	slog.SetDefault(logger)
	return logger
}

// redactingHandler wraps an slog.Handler to mask sensitive attribute values
// before they're formatted, so a careless log.Info call can never leak a
// bearer token or signing key into stdout.
type redactingHandler struct {
	base slog.Handler
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	redacted := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redact(a))
		return true
	})
	return h.base.Handle(ctx, redacted)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redact(a)
	}
	return &redactingHandler{base: h.base.WithAttrs(out)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{base: h.base.WithGroup(name)}
}

func redact(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if sensitiveKeys[key] || strings.Contains(key, "secret") || strings.Contains(key, "signature") {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}
