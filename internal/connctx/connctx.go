// Package connctx carries a connection's event writer through the
// context passed to command handlers, so a handler like AGENT_CONNECTION
// can register the calling connection with the message bus without the
// registry's Handler signature needing to know about sockets at all.
package connctx

import (
	"context"

	"github.com/ksi-project/ksid/internal/bus"
)

type writerKey struct{}

// WithWriter returns a context carrying w as the active connection's
// event writer.
func WithWriter(ctx context.Context, w bus.Writer) context.Context {
	return context.WithValue(ctx, writerKey{}, w)
}

// Writer returns the context's bound event writer, if any.
func Writer(ctx context.Context) (bus.Writer, bool) {
	w, ok := ctx.Value(writerKey{}).(bus.Writer)
	return w, ok
}

// AgentBinder is implemented by the connection type underlying the
// context's writer, letting AGENT_CONNECTION tell the dispatcher which
// agent_id now owns this socket (for Disconnect-on-EOF bookkeeping).
type AgentBinder interface {
	BindAgentID(agentID string)
}

// BindAgentID records agentID as the owner of the context's connection,
// if its writer supports it. A handler calls this after successfully
// registering (or clears it with "" after explicitly disconnecting) so
// the dispatcher knows whether to call Bus.Disconnect when the socket
// closes.
func BindAgentID(ctx context.Context, agentID string) {
	if w, ok := ctx.Value(writerKey{}).(AgentBinder); ok {
		w.BindAgentID(agentID)
	}
}
