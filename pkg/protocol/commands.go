package protocol

// Protocol version advertised in the server_ready handshake. Clients compare
// this against their supported range before issuing commands.
const ProtocolVersion = "1.0.0"

// Reserved prefix for synthetic command IDs assigned to commands that arrive
// without an explicit id. Synthetic IDs are never stored for replay.
const AnonIDPrefix = "anon:"

// Server-lane command types.
const (
	CmdListSessions       = "list_sessions"
	CmdCreateSession      = "create_session"
	CmdDeleteSession      = "delete_session"
	CmdSwitchSession      = "switch_session"
	CmdGetMetrics         = "get_metrics"
	CmdHealthCheck        = "health_check"
	CmdListStoredSessions = "list_stored_sessions"
	CmdLoadSession        = "load_session"
)

// Session-lane command types.
const (
	CmdPrompt               = "prompt"
	CmdSteer                = "steer"
	CmdFollowUp             = "follow_up"
	CmdAbort                = "abort"
	CmdGetState             = "get_state"
	CmdGetMessages          = "get_messages"
	CmdSetModel             = "set_model"
	CmdCycleModel           = "cycle_model"
	CmdSetThinkingLevel     = "set_thinking_level"
	CmdCycleThinkingLevel   = "cycle_thinking_level"
	CmdSetSessionName       = "set_session_name"
	CmdCompact              = "compact"
	CmdAbortCompaction      = "abort_compaction"
	CmdSetAutoCompaction    = "set_auto_compaction"
	CmdSetAutoRetry         = "set_auto_retry"
	CmdAbortRetry           = "abort_retry"
	CmdBash                 = "bash"
	CmdAbortBash            = "abort_bash"
	CmdGetAvailableModels   = "get_available_models"
	CmdGetCommands          = "get_commands"
	CmdGetSkills            = "get_skills"
	CmdGetTools             = "get_tools"
	CmdListSessionFiles     = "list_session_files"
	CmdGetSessionStats      = "get_session_stats"
	CmdExportHTML           = "export_html"
	CmdNewSession           = "new_session"
	CmdSwitchSessionFile    = "switch_session_file"
	CmdFork                 = "fork"
	CmdGetForkMessages      = "get_fork_messages"
	CmdGetLastAssistantText = "get_last_assistant_text"
	CmdGetContextUsage      = "get_context_usage"
	CmdExtensionUIResponse  = "extension_ui_response"
)

// serverCommands is the closed set of commands executed on the server lane.
var serverCommands = map[string]bool{
	CmdListSessions:       true,
	CmdCreateSession:      true,
	CmdDeleteSession:      true,
	CmdSwitchSession:      true,
	CmdGetMetrics:         true,
	CmdHealthCheck:        true,
	CmdListStoredSessions: true,
	CmdLoadSession:        true,
}

// sessionCommands is the closed set of commands executed on a session lane.
var sessionCommands = map[string]bool{
	CmdPrompt:               true,
	CmdSteer:                true,
	CmdFollowUp:             true,
	CmdAbort:                true,
	CmdGetState:             true,
	CmdGetMessages:          true,
	CmdSetModel:             true,
	CmdCycleModel:           true,
	CmdSetThinkingLevel:     true,
	CmdCycleThinkingLevel:   true,
	CmdSetSessionName:       true,
	CmdCompact:              true,
	CmdAbortCompaction:      true,
	CmdSetAutoCompaction:    true,
	CmdSetAutoRetry:         true,
	CmdAbortRetry:           true,
	CmdBash:                 true,
	CmdAbortBash:            true,
	CmdGetAvailableModels:   true,
	CmdGetCommands:          true,
	CmdGetSkills:            true,
	CmdGetTools:             true,
	CmdListSessionFiles:     true,
	CmdGetSessionStats:      true,
	CmdExportHTML:           true,
	CmdNewSession:           true,
	CmdSwitchSessionFile:    true,
	CmdFork:                 true,
	CmdGetForkMessages:      true,
	CmdGetLastAssistantText: true,
	CmdGetContextUsage:      true,
	CmdExtensionUIResponse:  true,
}

// KnownCommand reports whether t is a member of the closed command set.
func KnownCommand(t string) bool {
	return serverCommands[t] || sessionCommands[t]
}

// IsServerCommand reports whether t runs on the server lane.
func IsServerCommand(t string) bool {
	return serverCommands[t]
}

// LaneServer is the lane key for server commands.
const LaneServer = "server"

// LaneForSession builds the lane key for a session-scoped command.
func LaneForSession(sessionID string) string {
	return "session:" + sessionID
}
