// Package sessions owns the session registry, the subscriber map, and the
// event fan-out between agent sessions and connected clients.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/breaker"
	"github.com/agentmux/agentmux/internal/governor"
	"github.com/agentmux/agentmux/internal/locks"
	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/store"
	"github.com/agentmux/agentmux/pkg/protocol"
)

// Conn is a connection handle able to receive frames. Both transports
// implement it.
type Conn interface {
	ID() string
	// Send writes one frame. critical marks responses and lifecycle frames
	// that must not be dropped under backpressure.
	Send(v any, critical bool) error
}

// Record is one live session.
type Record struct {
	ID      string
	Agent   agent.Session
	Created time.Time

	subscribers map[string]Conn
	stopPump    chan struct{}
}

// Manager owns session lifecycle and event fan-out. It implements the
// engine's SessionResolver capability.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Record
	// connection ID → subscribed session IDs, for disconnect cleanup.
	bySub map[string]map[string]bool

	engine   agent.Engine
	locksMgr *locks.Manager
	gov      *governor.Governor
	versions *store.VersionStore
	bash     *breaker.BashSet
	met      *metrics.Metrics
	broker   *UIBroker
	emit     func(ev *protocol.LifecycleEvent)
}

// NewManager wires the session manager to its composed subsystems.
func NewManager(eng agent.Engine, lm *locks.Manager, gov *governor.Governor, versions *store.VersionStore,
	bash *breaker.BashSet, met *metrics.Metrics, broker *UIBroker, emit func(ev *protocol.LifecycleEvent)) *Manager {
	m := &Manager{
		sessions: make(map[string]*Record),
		bySub:    make(map[string]map[string]bool),
		engine:   eng,
		locksMgr: lm,
		gov:      gov,
		versions: versions,
		bash:     bash,
		met:      met,
		broker:   broker,
		emit:     emit,
	}
	gov.SetLifetimeHooks(m.sessionAges, func(id string) {
		if err := m.DeleteSession(id); err != nil {
			slog.Warn("lifetime delete failed", "session", id, "error", err)
		}
	})
	return m
}

// GetSession implements engine.SessionResolver.
func (m *Manager) GetSession(sessionID string) (agent.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return rec.Agent, true
}

// CreateSession builds a new agent session under the per-ID lock, reserving
// a governor slot first. The subscriber set starts empty.
func (m *Manager) CreateSession(ctx context.Context, sessionID string) error {
	release, err := m.locksMgr.Acquire(sessionID)
	if err != nil {
		return err
	}
	defer release()

	m.mu.RLock()
	_, exists := m.sessions[sessionID]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("session already exists: %s", sessionID)
	}

	if !m.gov.TryReserveSessionSlot() {
		return fmt.Errorf("session limit reached")
	}

	sess, err := m.engine.NewSession(ctx, sessionID)
	if err != nil {
		m.gov.ReleaseSessionSlot()
		return fmt.Errorf("backend session create: %w", err)
	}

	m.install(sessionID, sess)
	return nil
}

// LoadSession builds a session from a persisted file under an allowed root.
func (m *Manager) LoadSession(ctx context.Context, sessionID, path string) error {
	release, err := m.locksMgr.Acquire(sessionID)
	if err != nil {
		return err
	}
	defer release()

	m.mu.RLock()
	_, exists := m.sessions[sessionID]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("session already exists: %s", sessionID)
	}
	if !m.gov.TryReserveSessionSlot() {
		return fmt.Errorf("session limit reached")
	}

	sess, err := m.engine.LoadSession(ctx, sessionID, path)
	if err != nil {
		m.gov.ReleaseSessionSlot()
		return fmt.Errorf("backend session load: %w", err)
	}

	m.install(sessionID, sess)
	return nil
}

// install registers the record, binds the UI broker, starts the event pump,
// and emits session_created.
func (m *Manager) install(sessionID string, sess agent.Session) {
	rec := &Record{
		ID:          sessionID,
		Agent:       sess,
		Created:     time.Now(),
		subscribers: make(map[string]Conn),
		stopPump:    make(chan struct{}),
	}

	if prompter, ok := m.engine.(agent.UIPrompter); ok {
		prompter.BindUI(sessionID, func(ctx context.Context, method string, payload any) (any, error) {
			return m.broker.Request(ctx, sessionID, method, payload)
		})
	}

	m.mu.Lock()
	m.sessions[sessionID] = rec
	m.mu.Unlock()

	m.versions.Create(sessionID)
	go m.pumpEvents(rec)

	m.emit(&protocol.LifecycleEvent{
		Type: protocol.EventSessionCreated,
		Data: map[string]any{"sessionId": sessionID},
	})
}

// DeleteSession removes the session, notifies subscribers, detaches the
// agent, and releases the governor slot.
func (m *Manager) DeleteSession(sessionID string) error {
	release, err := m.locksMgr.Acquire(sessionID)
	if err != nil {
		return err
	}
	defer release()

	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session not found: %s", sessionID)
	}
	delete(m.sessions, sessionID)
	for connID := range rec.subscribers {
		if subs, ok := m.bySub[connID]; ok {
			delete(subs, sessionID)
		}
	}
	m.mu.Unlock()

	close(rec.stopPump)
	m.versions.Drop(sessionID)
	m.bash.Drop(sessionID)
	m.broker.CancelSession(sessionID)

	if err := rec.Agent.Close(); err != nil {
		slog.Warn("agent session close failed", "session", sessionID, "error", err)
	}

	m.emit(&protocol.LifecycleEvent{
		Type: protocol.EventSessionDeleted,
		Data: map[string]any{"sessionId": sessionID},
	})
	m.gov.ReleaseSessionSlot()
	return nil
}

// Subscribe adds the connection to a session's subscriber set. Subscription
// happens only when the session exists.
func (m *Manager) Subscribe(conn Conn, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	rec.subscribers[conn.ID()] = conn
	if m.bySub[conn.ID()] == nil {
		m.bySub[conn.ID()] = make(map[string]bool)
	}
	m.bySub[conn.ID()][sessionID] = true
	return nil
}

// IsSubscribed reports whether the connection receives the session's events.
func (m *Manager) IsSubscribed(connID, sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	_, subbed := rec.subscribers[connID]
	return subbed
}

// DropConn removes a disconnected connection from every subscriber set.
func (m *Manager) DropConn(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sessionID := range m.bySub[connID] {
		if rec, ok := m.sessions[sessionID]; ok {
			delete(rec.subscribers, connID)
		}
	}
	delete(m.bySub, connID)
}

// List returns session descriptors sorted by the registry's iteration order.
func (m *Manager) List() []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]map[string]any, 0, len(m.sessions))
	for id, rec := range m.sessions {
		version, _ := m.versions.Current(id)
		out = append(out, map[string]any{
			"sessionId":   id,
			"created":     rec.Created,
			"version":     version,
			"subscribers": len(rec.subscribers),
		})
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) sessionAges() []governor.SessionAge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]governor.SessionAge, 0, len(m.sessions))
	for id, rec := range m.sessions {
		out = append(out, governor.SessionAge{ID: id, Created: rec.Created})
	}
	return out
}

// Broadcast sends a session event to the session's current subscribers.
// Used by the UI broker for extension_ui_request frames.
func (m *Manager) Broadcast(sessionID string, event any) {
	m.fanOut(sessionID, protocol.NewSessionEvent(sessionID, event))
}

// pumpEvents forwards the agent's event stream to subscribers until the
// stream closes or the session is deleted.
func (m *Manager) pumpEvents(rec *Record) {
	for {
		select {
		case <-rec.stopPump:
			return
		case ev, ok := <-rec.Agent.Events():
			if !ok {
				return
			}
			m.fanOut(rec.ID, protocol.NewSessionEvent(rec.ID, ev))
		}
	}
}

// fanOut delivers a frame to a snapshot of the subscriber set. The live set
// may mutate concurrently; iterating the snapshot keeps delivery stable, and
// a send failure is logged without interrupting the rest.
func (m *Manager) fanOut(sessionID string, frame *protocol.SessionEvent) {
	m.mu.RLock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	snapshot := make([]Conn, 0, len(rec.subscribers))
	for _, c := range rec.subscribers {
		snapshot = append(snapshot, c)
	}
	m.mu.RUnlock()

	for _, c := range snapshot {
		if err := c.Send(frame, false); err != nil {
			m.met.EventDropped()
			slog.Debug("session event send failed", "session", sessionID, "conn", c.ID(), "error", err)
			continue
		}
		m.met.EventSent()
	}
}

// Shutdown deletes every session. Used by the drain path.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		if err := m.DeleteSession(id); err != nil {
			slog.Warn("shutdown session delete failed", "session", id, "error", err)
		}
	}
}
