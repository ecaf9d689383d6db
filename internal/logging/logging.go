// Package logging provides the daemon's structured logger and the
// per-request context propagation (functional domain, request id, agent id,
// session id) that every handler log line carries.
package logging

import (
	"context"

	"go.uber.org/zap"
)

// Domain is the functional area a log line or request belongs to, per the
// daemon's "functional domain" tagging scheme.
type Domain string

const (
	DomainAdmin      Domain = "admin"
	DomainAgents     Domain = "agents"
	DomainMessaging  Domain = "messaging"
	DomainState      Domain = "state"
	DomainCompletion Domain = "completion"
)

var base *zap.Logger

func init() {
	base, _ = zap.NewProduction()
}

// SetBase installs the process-wide base logger. Call once at startup
// before any connection is accepted.
func SetBase(l *zap.Logger) {
	if l != nil {
		base = l
	}
}

// Base returns the process-wide base logger.
func Base() *zap.Logger {
	return base
}

// Sync flushes any buffered log entries.
func Sync() error {
	return base.Sync()
}

type ctxKey struct{}

type fields struct {
	domain    Domain
	requestID string
	agentID   string
	sessionID string
}

// WithDomain returns a context tagged with the given functional domain.
func WithDomain(ctx context.Context, d Domain) context.Context {
	return withFields(ctx, func(f fields) fields { f.domain = d; return f })
}

// WithRequestID returns a context tagged with the given request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withFields(ctx, func(f fields) fields { f.requestID = id; return f })
}

// WithAgentID returns a context tagged with the given agent id.
func WithAgentID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return withFields(ctx, func(f fields) fields { f.agentID = id; return f })
}

// WithSessionID returns a context tagged with the given session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return withFields(ctx, func(f fields) fields { f.sessionID = id; return f })
}

func withFields(ctx context.Context, mutate func(fields) fields) context.Context {
	f, _ := ctx.Value(ctxKey{}).(fields)
	f = mutate(f)
	return context.WithValue(ctx, ctxKey{}, f)
}

// FromContext derives a *zap.Logger carrying every field bound to ctx by the
// With* helpers above, so handlers can just do
// logging.FromContext(ctx).Info("message").
func FromContext(ctx context.Context) *zap.Logger {
	f, ok := ctx.Value(ctxKey{}).(fields)
	if !ok {
		return base
	}
	l := base
	if f.domain != "" {
		l = l.With(zap.String("domain", string(f.domain)))
	}
	if f.requestID != "" {
		l = l.With(zap.String("request_id", f.requestID))
	}
	if f.agentID != "" {
		l = l.With(zap.String("agent_id", f.agentID))
	}
	if f.sessionID != "" {
		l = l.With(zap.String("session_id", f.sessionID))
	}
	return l
}

// RequestIDFromContext extracts the request id bound to ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	f, _ := ctx.Value(ctxKey{}).(fields)
	return f.requestID
}
