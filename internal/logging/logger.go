package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
// Logs go to stderr so CLI prompts on stdout stay clean. A non-empty
// level overrides the environment default.
func NewLogger(env, level string) *slog.Logger {
	return newLogger(os.Stderr, env, level)
}

func newLogger(w io.Writer, env, level string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(w, withLevel(opts, level))
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, withLevel(opts, level))
	}

	return slog.New(handler)
}

func withLevel(opts *slog.HandlerOptions, level string) *slog.HandlerOptions {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn", "warning":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	return opts
}

// RedactEmail masks the local part of an email-like identifier for logs.
func RedactEmail(s string) string {
	local, domain, ok := strings.Cut(s, "@")
	if !ok || domain == "" {
		return "***"
	}

	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}

	return "***@" + domain
}
