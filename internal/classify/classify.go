// Package classify holds the pure command classification functions: which
// timeout budget a command type gets and whether a successful execution bumps
// the session version.
package classify

import (
	"github.com/agentmux/agentmux/pkg/protocol"
)

// TimeoutClass selects the per-command execution budget.
type TimeoutClass int

const (
	// TimeoutShort is for pure reads and quick mutations (default 30s).
	TimeoutShort TimeoutClass = iota
	// TimeoutLong is for LLM-driven commands (default 5min).
	TimeoutLong
	// TimeoutNone disables the timer: cancellable stream holders (bash) and
	// the abort family, which must never be killed by their own budget.
	TimeoutNone
)

func (t TimeoutClass) String() string {
	switch t {
	case TimeoutShort:
		return "short"
	case TimeoutLong:
		return "long"
	default:
		return "none"
	}
}

var longCommands = map[string]bool{
	protocol.CmdPrompt:   true,
	protocol.CmdSteer:    true,
	protocol.CmdFollowUp: true,
	protocol.CmdCompact:  true,
}

var untimedCommands = map[string]bool{
	protocol.CmdBash:            true,
	protocol.CmdAbort:           true,
	protocol.CmdAbortCompaction: true,
	protocol.CmdAbortRetry:      true,
	protocol.CmdAbortBash:       true,
}

// Timeout returns the timeout class for a command type. Total over the closed
// command set; unknown types (already rejected by the validator) get short.
func Timeout(cmdType string) TimeoutClass {
	switch {
	case longCommands[cmdType]:
		return TimeoutLong
	case untimedCommands[cmdType]:
		return TimeoutNone
	default:
		return TimeoutShort
	}
}

// mutating commands advance the session version on success. Reads and the
// abort family never do.
var mutatingCommands = map[string]bool{
	protocol.CmdPrompt:             true,
	protocol.CmdSteer:              true,
	protocol.CmdFollowUp:           true,
	protocol.CmdSetModel:           true,
	protocol.CmdCycleModel:         true,
	protocol.CmdSetThinkingLevel:   true,
	protocol.CmdCycleThinkingLevel: true,
	protocol.CmdSetSessionName:     true,
	protocol.CmdCompact:            true,
	protocol.CmdSetAutoCompaction:  true,
	protocol.CmdSetAutoRetry:       true,
	protocol.CmdBash:               true,
	protocol.CmdNewSession:         true,
	protocol.CmdSwitchSessionFile:  true,
	protocol.CmdFork:               true,
}

// Mutates reports whether a successful command of this type bumps the
// session version.
func Mutates(cmdType string) bool {
	return mutatingCommands[cmdType]
}
