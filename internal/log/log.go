// Package log wraps log/slog behind a small Logger interface so the gateway
// can swap handlers (JSON vs logfmt), enrich records with trace ids, and
// attach stacks from xerrors-wrapped errors.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App             string
	Version         string
	Level slog.Level
	// StacktraceLevel sets the minimum level at which stacks from wrapped
	// errors are rendered. Nil means LevelError; a pointer distinguishes an
	// explicit info (0) from unset.
	StacktraceLevel *slog.Level
	JsonFormat      bool
	Writer          io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
	}
}
