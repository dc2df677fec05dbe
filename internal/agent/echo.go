package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentmux/agentmux/pkg/protocol"
)

// EchoEngine is the built-in development engine: sessions echo prompts back
// and keep an in-memory transcript. It exists so the daemon runs end to end
// without a real agent backend attached, and it doubles as the default test
// fixture.
type EchoEngine struct {
	mu sync.Mutex
	ui map[string]func(ctx context.Context, method string, payload any) (any, error)
}

// NewEchoEngine creates the development engine.
func NewEchoEngine() *EchoEngine {
	return &EchoEngine{ui: make(map[string]func(context.Context, string, any) (any, error))}
}

// NewSession builds a fresh echo session.
func (e *EchoEngine) NewSession(ctx context.Context, sessionID string) (Session, error) {
	return newEchoSession(sessionID), nil
}

// LoadSession builds an echo session seeded from a persisted file path. The
// file content is treated as opaque; only the name is recorded.
func (e *EchoEngine) LoadSession(ctx context.Context, sessionID, path string) (Session, error) {
	s := newEchoSession(sessionID)
	s.loadedFrom = path
	return s, nil
}

// BindUI implements UIPrompter.
func (e *EchoEngine) BindUI(sessionID string, prompt func(ctx context.Context, method string, payload any) (any, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ui[sessionID] = prompt
}

type echoSession struct {
	id         string
	loadedFrom string

	mu       sync.Mutex
	name     string
	model    string
	provider string
	thinking string
	messages []map[string]any

	events    chan Event
	closeOnce sync.Once
}

func newEchoSession(id string) *echoSession {
	return &echoSession{
		id:       id,
		model:    "echo-1",
		provider: "echo",
		thinking: "off",
		events:   make(chan Event, 64),
	}
}

func (s *echoSession) Events() <-chan Event { return s.events }
func (s *echoSession) Provider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

func (s *echoSession) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func (s *echoSession) Abort(ctx context.Context, op string) error {
	s.emit(Event{"type": "aborted", "op": op})
	return nil
}

func (s *echoSession) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Slow consumer; echo events are best-effort.
	}
}

func (s *echoSession) Call(ctx context.Context, op string, args map[string]json.RawMessage) (any, error) {
	str := func(key string) string {
		var v string
		if raw, ok := args[key]; ok {
			json.Unmarshal(raw, &v)
		}
		return v
	}

	switch op {
	case protocol.CmdPrompt, protocol.CmdSteer, protocol.CmdFollowUp:
		msg := str("message")
		s.mu.Lock()
		s.messages = append(s.messages,
			map[string]any{"role": "user", "text": msg},
			map[string]any{"role": "assistant", "text": "echo: " + msg},
		)
		s.mu.Unlock()
		s.emit(Event{"type": "message", "role": "assistant", "text": "echo: " + msg})
		return map[string]any{"text": "echo: " + msg}, nil

	case protocol.CmdGetState:
		s.mu.Lock()
		defer s.mu.Unlock()
		return map[string]any{
			"name":     s.name,
			"model":    s.model,
			"provider": s.provider,
			"thinking": s.thinking,
			"messages": len(s.messages),
		}, nil

	case protocol.CmdGetMessages, protocol.CmdGetForkMessages:
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make([]map[string]any, len(s.messages))
		copy(out, s.messages)
		return map[string]any{"messages": out}, nil

	case protocol.CmdSetModel:
		s.mu.Lock()
		s.model = str("model")
		if p := str("provider"); p != "" {
			s.provider = p
		}
		model := s.model
		s.mu.Unlock()
		return map[string]any{"model": model}, nil

	case protocol.CmdCycleModel:
		s.mu.Lock()
		defer s.mu.Unlock()
		return map[string]any{"model": s.model}, nil

	case protocol.CmdSetThinkingLevel:
		s.mu.Lock()
		s.thinking = str("level")
		level := s.thinking
		s.mu.Unlock()
		return map[string]any{"level": level}, nil

	case protocol.CmdSetSessionName:
		s.mu.Lock()
		s.name = str("name")
		name := s.name
		s.mu.Unlock()
		return map[string]any{"name": name}, nil

	case protocol.CmdCompact:
		s.mu.Lock()
		n := len(s.messages)
		if n > 2 {
			s.messages = s.messages[n-2:]
		}
		s.mu.Unlock()
		return map[string]any{"compacted": true}, nil

	case protocol.CmdBash:
		// The echo engine does not execute shell commands.
		return map[string]any{"exitCode": 0, "stdout": "echo engine: bash is a no-op", "stderr": ""}, nil

	case protocol.CmdGetAvailableModels:
		return map[string]any{"models": []string{"echo-1"}}, nil

	case protocol.CmdGetLastAssistantText:
		s.mu.Lock()
		defer s.mu.Unlock()
		for i := len(s.messages) - 1; i >= 0; i-- {
			if s.messages[i]["role"] == "assistant" {
				return map[string]any{"text": s.messages[i]["text"]}, nil
			}
		}
		return map[string]any{"text": ""}, nil

	case protocol.CmdGetContextUsage:
		s.mu.Lock()
		defer s.mu.Unlock()
		return map[string]any{"messages": len(s.messages), "tokens": len(s.messages) * 8}, nil

	case protocol.CmdGetSessionStats:
		s.mu.Lock()
		defer s.mu.Unlock()
		return map[string]any{"messages": len(s.messages), "loadedFrom": s.loadedFrom}, nil

	case protocol.CmdAbort, protocol.CmdAbortCompaction, protocol.CmdAbortRetry, protocol.CmdAbortBash:
		return map[string]any{"aborted": true}, nil

	case protocol.CmdSetAutoCompaction, protocol.CmdSetAutoRetry:
		return map[string]any{"ok": true}, nil

	case protocol.CmdGetCommands, protocol.CmdGetSkills, protocol.CmdGetTools, protocol.CmdListSessionFiles:
		return map[string]any{"items": []any{}}, nil

	case protocol.CmdExportHTML:
		s.mu.Lock()
		n := len(s.messages)
		s.mu.Unlock()
		return map[string]any{"html": fmt.Sprintf("<html><body>%d messages</body></html>", n)}, nil

	case protocol.CmdNewSession, protocol.CmdSwitchSessionFile, protocol.CmdFork:
		s.mu.Lock()
		s.messages = nil
		s.mu.Unlock()
		return map[string]any{"ok": true}, nil

	default:
		return nil, fmt.Errorf("echo engine: unsupported operation %s", op)
	}
}

// SlowCall wraps a session so selected operations block for a fixed delay.
// Test helper for timeout and ordering scenarios.
func SlowCall(s Session, ops map[string]time.Duration) Session {
	return &slowSession{Session: s, delays: ops}
}

type slowSession struct {
	Session
	delays map[string]time.Duration
}

func (s *slowSession) Call(ctx context.Context, op string, args map[string]json.RawMessage) (any, error) {
	if d, ok := s.delays[op]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Session.Call(ctx, op, args)
}
