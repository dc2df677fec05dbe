// Package agent defines the seam to the backend coding-agent engine. The
// engine itself is an external collaborator: the multiplexer only routes
// operations to it and fans its event stream out to subscribers.
package agent

import (
	"context"
	"encoding/json"
)

// Event is one opaque event emitted by an agent session. The multiplexer
// wraps it without inspecting it.
type Event map[string]any

// Session is one live agent session. Call dispatches a session-scoped
// operation; Abort is the best-effort side channel used to cancel a running
// operation after its budget elapsed.
type Session interface {
	// Call executes op with the command's payload and returns the
	// type-specific response data.
	Call(ctx context.Context, op string, args map[string]json.RawMessage) (any, error)

	// Abort cancels the named running operation (LLM abort, bash signal).
	// Best effort: errors are logged, never surfaced to clients.
	Abort(ctx context.Context, op string) error

	// Events is the session's event stream. Closed when the session closes.
	Events() <-chan Event

	// Provider names the LLM provider backing this session, used to select
	// the per-provider circuit breaker.
	Provider() string

	// Close detaches the session and closes the event stream.
	Close() error
}

// Engine builds agent sessions. The concrete engine is injected at startup.
type Engine interface {
	NewSession(ctx context.Context, sessionID string) (Session, error)
	// LoadSession builds a session from a persisted file. The file format is
	// opaque to the multiplexer.
	LoadSession(ctx context.Context, sessionID, path string) (Session, error)
}

// UIPrompter is implemented by engines whose sessions ask for user input.
// The session manager binds the extension UI broker through this seam.
type UIPrompter interface {
	BindUI(sessionID string, prompt func(ctx context.Context, method string, payload any) (any, error))
}
