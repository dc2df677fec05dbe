package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/validate"
	"github.com/agentmux/agentmux/pkg/protocol"
)

// RegisterHandlers binds the server-lane command handlers and the UI
// response resolver onto the engine. Session-lane commands without an
// explicit handler pass through to the agent session.
func (s *Server) RegisterHandlers() {
	e := s.deps.Engine
	e.RegisterHandler(protocol.CmdListSessions, s.handleListSessions)
	e.RegisterHandler(protocol.CmdCreateSession, s.handleCreateSession)
	e.RegisterHandler(protocol.CmdDeleteSession, s.handleDeleteSession)
	e.RegisterHandler(protocol.CmdSwitchSession, s.handleSwitchSession)
	e.RegisterHandler(protocol.CmdLoadSession, s.handleLoadSession)
	e.RegisterHandler(protocol.CmdListStoredSessions, s.handleListStoredSessions)
	e.RegisterHandler(protocol.CmdGetMetrics, s.handleGetMetrics)
	e.RegisterHandler(protocol.CmdHealthCheck, s.handleHealthCheck)
	e.RegisterHandler(protocol.CmdExtensionUIResponse, s.handleUIResponse)
}

// sessionIDArg resolves the target session for server commands that accept it
// either on the envelope or in the payload.
func sessionIDArg(cmd *protocol.Command) string {
	if cmd.SessionID != "" {
		return cmd.SessionID
	}
	return cmd.PayloadString("sessionId")
}

func (s *Server) handleListSessions(ctx context.Context, cmd *protocol.Command) (any, error) {
	return map[string]any{"sessions": s.deps.Manager.List()}, nil
}

func (s *Server) handleCreateSession(ctx context.Context, cmd *protocol.Command) (any, error) {
	id := sessionIDArg(cmd)
	if id == "" {
		id = uuid.NewString()
	} else if err := validate.SessionID(id); err != nil {
		return nil, err
	}
	if err := s.deps.Manager.CreateSession(ctx, id); err != nil {
		return nil, err
	}
	s.subscribeCaller(ctx, id)
	return map[string]any{"sessionId": id}, nil
}

func (s *Server) handleDeleteSession(ctx context.Context, cmd *protocol.Command) (any, error) {
	id := sessionIDArg(cmd)
	if id == "" {
		return nil, fmt.Errorf("delete_session requires sessionId")
	}
	if err := s.deps.Manager.DeleteSession(id); err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": id}, nil
}

func (s *Server) handleSwitchSession(ctx context.Context, cmd *protocol.Command) (any, error) {
	id := sessionIDArg(cmd)
	if id == "" {
		return nil, fmt.Errorf("switch_session requires sessionId")
	}
	if err := s.subscribeCaller(ctx, id); err != nil {
		return nil, err
	}
	version, _ := s.deps.Versions.Current(id)
	return map[string]any{"sessionId": id, "version": version}, nil
}

func (s *Server) handleLoadSession(ctx context.Context, cmd *protocol.Command) (any, error) {
	path := cmd.PayloadString("path")
	id := sessionIDArg(cmd)
	if id == "" {
		base := filepath.Base(path)
		id = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if err := validate.SessionID(id); err != nil {
		return nil, err
	}
	if err := s.deps.Manager.LoadSession(ctx, id, path); err != nil {
		return nil, err
	}
	s.subscribeCaller(ctx, id)
	return map[string]any{"sessionId": id, "path": path}, nil
}

func (s *Server) handleListStoredSessions(ctx context.Context, cmd *protocol.Command) (any, error) {
	return map[string]any{"sessions": s.deps.Files.List()}, nil
}

func (s *Server) handleGetMetrics(ctx context.Context, cmd *protocol.Command) (any, error) {
	return map[string]any{
		"counters": s.deps.Metrics.Snapshot(),
		"governor": s.deps.Governor.Stats(),
		"replay":   s.deps.Replay.Stats(),
		"circuits": map[string]any{
			"llm":        s.deps.LLM.States(),
			"bashGlobal": s.deps.Bash.GlobalState(),
		},
		"lanes":     s.deps.Engine.Lanes(),
		"pendingUI": s.deps.Broker.Pending(),
	}, nil
}

func (s *Server) handleHealthCheck(ctx context.Context, cmd *protocol.Command) (any, error) {
	sessionCount, connections := s.deps.Governor.Counts()
	return map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"sessions":      sessionCount,
		"connections":   connections,
		"version":       s.version,
	}, nil
}

func (s *Server) handleUIResponse(ctx context.Context, cmd *protocol.Command) (any, error) {
	requestID := cmd.PayloadString("requestId")
	if err := s.deps.Broker.Resolve(requestID, cmd.Payload); err != nil {
		return nil, err
	}
	return map[string]any{"resolved": true}, nil
}

// subscribeCaller adds the submitting connection to the session's subscriber
// set. A handler re-run never happens for replays, so only the connection
// that actually executed the command is subscribed.
func (s *Server) subscribeCaller(ctx context.Context, sessionID string) error {
	conn, ok := ConnFromContext(ctx)
	if !ok {
		return nil
	}
	return s.deps.Manager.Subscribe(conn, sessionID)
}
