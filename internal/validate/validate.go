// Package validate performs structural admission checks on inbound frames.
// A frame that fails validation produces a failure response and no lifecycle
// events: rejected commands were never admitted.
package validate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentmux/agentmux/pkg/protocol"
)

var (
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9:_-]+$`)
)

const maxRequestIDLen = 256

// Validator checks inbound frames against the structural rules.
type Validator struct {
	maxMessageBytes int
	sessionRoots    []string
}

// New builds a validator. extraRoots are allowed on top of the built-in
// session roots for load_session paths.
func New(maxMessageBytes int, extraRoots []string) *Validator {
	return &Validator{
		maxMessageBytes: maxMessageBytes,
		sessionRoots:    append(defaultSessionRoots(), extraRoots...),
	}
}

// defaultSessionRoots returns ~/.pi/agent/sessions plus the working
// directory's .pi/sessions.
func defaultSessionRoots() []string {
	var roots []string
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, ".pi", "agent", "sessions"))
	}
	if wd, err := os.Getwd(); err == nil {
		roots = append(roots, filepath.Join(wd, ".pi", "sessions"))
	}
	return roots
}

// Frame decodes and validates one inbound frame. The returned error message
// is client-facing.
func (v *Validator) Frame(data []byte) (*protocol.Command, error) {
	if len(data) > v.maxMessageBytes {
		return nil, fmt.Errorf("message exceeds %d bytes", v.maxMessageBytes)
	}
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("message must be a single JSON object")
	}
	var cmd protocol.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}
	if err := v.Command(&cmd); err != nil {
		return &cmd, err
	}
	return &cmd, nil
}

// Command validates an already-decoded command envelope.
func (v *Validator) Command(cmd *protocol.Command) error {
	if cmd.Type == "" {
		return fmt.Errorf("missing command type")
	}
	if !protocol.KnownCommand(cmd.Type) {
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
	if strings.HasPrefix(cmd.ID, protocol.AnonIDPrefix) {
		return fmt.Errorf("command id must not use reserved prefix %q", protocol.AnonIDPrefix)
	}
	if cmd.SessionID != "" {
		if err := validateSessionID(cmd.SessionID); err != nil {
			return err
		}
	}
	if !protocol.IsServerCommand(cmd.Type) && cmd.SessionID == "" {
		return fmt.Errorf("%s requires sessionId", cmd.Type)
	}
	if len(cmd.DependsOn) > protocol.MaxDependsOn {
		return fmt.Errorf("dependsOn exceeds %d entries", protocol.MaxDependsOn)
	}
	if cmd.IfSessionVersion != nil && *cmd.IfSessionVersion < 0 {
		return fmt.Errorf("ifSessionVersion must be non-negative")
	}
	if len(cmd.IdempotencyKey) > maxRequestIDLen {
		return fmt.Errorf("idempotencyKey exceeds %d characters", maxRequestIDLen)
	}

	switch cmd.Type {
	case protocol.CmdLoadSession:
		return v.validateLoadPath(cmd.PayloadString("path"))
	case protocol.CmdExtensionUIResponse:
		return validateRequestID(cmd.PayloadString("requestId"))
	}
	return nil
}

// SessionID checks a session identifier supplied outside the envelope, e.g.
// in a create_session payload.
func SessionID(id string) error { return validateSessionID(id) }

func validateSessionID(id string) error {
	if strings.Contains(id, "..") || strings.HasPrefix(id, "~") || strings.ContainsRune(id, 0) {
		return fmt.Errorf("sessionId contains path traversal sequence")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("sessionId must match [A-Za-z0-9._-]+")
	}
	return nil
}

func validateRequestID(id string) error {
	if id == "" {
		return fmt.Errorf("extension_ui_response requires requestId")
	}
	if len(id) > maxRequestIDLen {
		return fmt.Errorf("requestId exceeds %d characters", maxRequestIDLen)
	}
	if !requestIDPattern.MatchString(id) {
		return fmt.Errorf("requestId contains disallowed characters")
	}
	return nil
}

// validateLoadPath admits only absolute .json/.jsonl paths under an allowed
// session root.
func (v *Validator) validateLoadPath(path string) error {
	if path == "" {
		return fmt.Errorf("load_session requires path")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains null byte")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute")
	}
	ext := filepath.Ext(path)
	if ext != ".json" && ext != ".jsonl" {
		return fmt.Errorf("path must end in .json or .jsonl")
	}
	clean := filepath.Clean(path)
	if clean != path {
		return fmt.Errorf("path contains traversal sequence")
	}
	for _, root := range v.sessionRoots {
		if isUnder(clean, root) {
			return nil
		}
	}
	// Any .pi/sessions directory is an allowed root regardless of location.
	if strings.Contains(clean, string(filepath.Separator)+".pi"+string(filepath.Separator)+"sessions"+string(filepath.Separator)) {
		return nil
	}
	return fmt.Errorf("path is outside allowed session roots")
}

func isUnder(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
