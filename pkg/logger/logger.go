// Package logger wraps zerolog with request-scoped fields carried on the
// context. Entries are JSON by default; OXYGEN_LOG_FORMAT=console switches to
// the human-readable writer for local runs.
package logger

import (
	"context"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/angelmondragon/oxygencredits-backend/pkg/env"
)

type Options struct {
	ServiceName string
	Level       zerolog.Level
	// WarnStack attaches a stack trace to warnings as well as errors.
	WarnStack bool
	Output    io.Writer
}

type Logger struct {
	root      zerolog.Logger
	warnStack bool
}

// severityHook mirrors the level into the field Cloud Logging reads.
type severityHook struct{}

func (severityHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	if level != zerolog.NoLevel {
		e.Str("severity", strings.ToUpper(level.String()))
	}
}

func New(opts Options) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(env.Get("LOG_FORMAT", "json"), "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	level := opts.Level
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(out).Level(level).Hook(severityHook{}).With().
		Timestamp().
		Str("service", opts.ServiceName)
	if env.Bool("LOG_CALLER", false) {
		ctx = ctx.CallerWithSkipFrameCount(3)
	}
	return &Logger{root: ctx.Logger(), warnStack: opts.WarnStack}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{root: zerolog.Nop()}
}

// ParseLevel falls back to info for blank or unknown names.
func ParseLevel(value string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(value)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// from returns the context logger attached by a With* call, or the root.
func (l *Logger) from(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if scoped := zerolog.Ctx(ctx); scoped.GetLevel() != zerolog.Disabled {
			return scoped
		}
	}
	return &l.root
}

func (l *Logger) with(ctx context.Context, extend func(zerolog.Context) zerolog.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	scoped := extend(l.from(ctx).With()).Logger()
	return scoped.WithContext(ctx)
}

func (l *Logger) WithField(ctx context.Context, key string, value any) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Interface(key, value)
	})
}

func (l *Logger) WithFields(ctx context.Context, fields map[string]any) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Fields(fields)
	})
}

func (l *Logger) WithRequestID(ctx context.Context, requestID string) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Str("request_id", requestID) })
}

func (l *Logger) WithUserID(ctx context.Context, userID string) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Str("user_id", userID) })
}

func (l *Logger) WithActorRole(ctx context.Context, role string) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Str("actor_role", role) })
}

func (l *Logger) Debug(ctx context.Context, msg string) {
	l.from(ctx).Debug().Msg(msg)
}

func (l *Logger) Info(ctx context.Context, msg string) {
	l.from(ctx).Info().Msg(msg)
}

func (l *Logger) Warn(ctx context.Context, msg string) {
	e := l.from(ctx).Warn()
	if l.warnStack {
		e = e.Str("stack", stack())
	}
	e.Msg(msg)
}

// Error always records a stack trace.
func (l *Logger) Error(ctx context.Context, msg string, err error) {
	l.from(ctx).Error().Err(err).Str("stack", stack()).Msg(msg)
}

func stack() string {
	return strings.TrimSpace(string(debug.Stack()))
}
