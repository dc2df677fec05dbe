package gateway

import (
	"context"

	"github.com/agentmux/agentmux/internal/sessions"
	"github.com/agentmux/agentmux/pkg/protocol"
)

type connCtxKey struct{}

// ConnFromContext returns the connection a command arrived on, when the
// command is still being executed on behalf of a live dispatch. Handlers
// that subscribe the caller to a session use it; replayed or coalesced
// outcomes never re-run the handler, so subscription is a first-execution
// side effect.
func ConnFromContext(ctx context.Context) (sessions.Conn, bool) {
	c, ok := ctx.Value(connCtxKey{}).(sessions.Conn)
	return c, ok
}

// dispatch runs one inbound frame to its terminal response. Validation
// failures answer without lifecycle events: a rejected frame was never
// admitted.
func (s *Server) dispatch(conn sessions.Conn, data []byte) {
	cmd, err := s.validator.Frame(data)
	if err != nil {
		resp := &protocol.Response{Type: "response", Success: false, Error: err.Error()}
		if cmd != nil {
			resp = protocol.NewErrorResponse(cmd, err.Error())
		}
		conn.Send(resp, true)
		return
	}

	// Execution runs on the server's context, not the connection's: an
	// outcome must be stored even when the submitting client disconnects
	// mid-flight, so a reconnecting retry can replay it.
	ctx := context.WithValue(s.baseCtx, connCtxKey{}, conn)
	resp := s.deps.Engine.Execute(ctx, cmd)
	conn.Send(resp, true)
}
