// Package trace carries per-subscription and per-configuration correlation
// IDs through evaluator and formatter call stacks.  IDs travel in the
// context.Context of the current worker, never in package globals, so two
// workers can run concurrently without leaking each other's scope.
package trace

import (
	"context"

	"github.com/google/uuid"
)

type contextKey int

const (
	ctxSubscriptionID contextKey = iota
	ctxConfigID
)

// NewID mints a fresh trace ID.
func NewID() string {
	return uuid.NewString()
}

// WithSubscriptionID returns a context carrying the subscription-level trace ID.
func WithSubscriptionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxSubscriptionID, id)
}

// WithConfigID returns a context carrying the configuration-level trace ID.
func WithConfigID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxConfigID, id)
}

// SubscriptionID extracts the subscription-level trace ID, or "" when unset.
func SubscriptionID(ctx context.Context) string {
	v, _ := ctx.Value(ctxSubscriptionID).(string)
	return v
}

// ConfigID extracts the configuration-level trace ID, or "" when unset.
func ConfigID(ctx context.Context) string {
	v, _ := ctx.Value(ctxConfigID).(string)
	return v
}

// LogFunc is the injected logging dependency: level is one of DEBUG, INFO,
// WARNING, ERROR; category groups log lines by subsystem.
type LogFunc func(level, message, category string)

// Logger wraps a LogFunc and prepends "[trace:<id>]" when the context
// carries a trace ID.  The configuration ID wins over the subscription ID
// because it is the narrower scope.
type Logger struct {
	fn LogFunc
}

// NewLogger wraps fn.  A nil fn yields a no-op logger.
func NewLogger(fn LogFunc) *Logger {
	if fn == nil {
		fn = func(string, string, string) {}
	}
	return &Logger{fn: fn}
}

func (l *Logger) Log(ctx context.Context, level, message, category string) {
	id := ConfigID(ctx)
	if id == "" {
		id = SubscriptionID(ctx)
	}
	if id != "" {
		message = "[trace:" + id + "] " + message
	}
	l.fn(level, message, category)
}

func (l *Logger) Debug(ctx context.Context, message, category string) {
	l.Log(ctx, "DEBUG", message, category)
}

func (l *Logger) Info(ctx context.Context, message, category string) {
	l.Log(ctx, "INFO", message, category)
}

func (l *Logger) Warn(ctx context.Context, message, category string) {
	l.Log(ctx, "WARNING", message, category)
}

func (l *Logger) Error(ctx context.Context, message, category string) {
	l.Log(ctx, "ERROR", message, category)
}
