package protocol

// Global lifecycle event types pushed to every connected client.
const (
	EventCommandAccepted = "command_accepted"
	EventCommandStarted  = "command_started"
	EventCommandFinished = "command_finished"
	EventSessionCreated  = "session_created"
	EventSessionDeleted  = "session_deleted"
	EventServerReady     = "server_ready"
	EventServerShutdown  = "server_shutdown"
)

// Session event types wrapped inside a session-scoped event frame.
const (
	EventExtensionUIRequest = "extension_ui_request"
)

// LifecycleEvent is the wire frame for global lifecycle events.
type LifecycleEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// SessionEvent wraps an opaque agent event for fan-out to subscribers.
type SessionEvent struct {
	Type      string `json:"type"` // always "event"
	SessionID string `json:"sessionId"`
	Event     any    `json:"event"`
}

// NewSessionEvent builds a session-scoped event frame.
func NewSessionEvent(sessionID string, event any) *SessionEvent {
	return &SessionEvent{Type: "event", SessionID: sessionID, Event: event}
}

// CommandLifecycle is the data carried by command_accepted / command_started /
// command_finished events.
type CommandLifecycle struct {
	CommandID      string `json:"commandId"`
	CommandType    string `json:"commandType"`
	SessionID      string `json:"sessionId,omitempty"`
	Success        *bool  `json:"success,omitempty"`
	SessionVersion *int64 `json:"sessionVersion,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
	TimedOut       bool   `json:"timedOut,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ServerReadyData is the handshake payload sent on every new connection.
type ServerReadyData struct {
	ServerVersion   string   `json:"serverVersion"`
	ProtocolVersion string   `json:"protocolVersion"`
	Transports      []string `json:"transports"`
}
