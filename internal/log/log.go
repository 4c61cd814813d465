// Package log is the structured logger used across buildgate.
//
// Every call takes a context so trace and span ids from OpenTelemetry end up
// on the record. Error takes the error separately so its chain and type can
// be rendered as attributes.
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
	App               string
	Version           string
	Level             slog.Level
	StacktraceLevel   slog.Level
	JSON              bool
	IncludeErrorLinks bool
	MaxErrorLinks     int
	Writer            io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

// ParseLevel accepts debug|info|warn|error, case-insensitive, with
// "warning" as an alias for warn.
func ParseLevel(s string) (slog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		name = "warn"
	}
	switch name {
	case "debug", "info", "warn", "error":
		var l slog.Level
		err := l.UnmarshalText([]byte(name))
		return l, err
	}
	return 0, fmt.Errorf("unknown log level %q (valid levels are debug|info|warn|error)", s)
}
