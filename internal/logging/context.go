package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	invocationIDKey ctxKey = iota
	actionKey
	credentialKey
)

// WithInvocationID returns a context carrying the CLI invocation ID.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

// WithAction returns a context carrying the vault action being performed.
func WithAction(ctx context.Context, action string) context.Context {
	return context.WithValue(ctx, actionKey, action)
}

// WithCredential returns a context carrying the credential name.
func WithCredential(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, credentialKey, name)
}

// InvocationID extracts the invocation ID from the context, or "" if absent.
func InvocationID(ctx context.Context) string {
	v, _ := ctx.Value(invocationIDKey).(string)
	return v
}

// Action extracts the action from the context, or "" if absent.
func Action(ctx context.Context) string {
	v, _ := ctx.Value(actionKey).(string)
	return v
}

// Credential extracts the credential name from the context, or "" if absent.
func Credential(ctx context.Context) string {
	v, _ := ctx.Value(credentialKey).(string)
	return v
}

// WithOperation sets action and credential on the context at once.
func WithOperation(ctx context.Context, action, credential string) context.Context {
	return WithCredential(WithAction(ctx, action), credential)
}

// CorrelationHandler wraps an slog.Handler, injecting the invocation ID,
// action and credential from the context into every log record.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := InvocationID(ctx); v != "" {
		r.AddAttrs(slog.String("invocation_id", v))
	}
	if v := Action(ctx); v != "" {
		r.AddAttrs(slog.String("action", v))
	}
	if v := Credential(ctx); v != "" {
		r.AddAttrs(slog.String("credential", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug|info|warn|error to an slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New builds the root logger: a text or json handler on w wrapped in a
// CorrelationHandler. Unknown formats fall back to text.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if format == "json" {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
