// Package governor enforces the resource limits of the multiplexer: sliding
// rate-limit windows, session slots, connection counts, and session lifetime.
package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// stamp is one charged execution inside a rate window. The generation lets a
// rollback remove exactly the entry it added even if a concurrent sweep
// trimmed neighbours.
type stamp struct {
	gen uint64
	at  time.Time
}

type window struct {
	stamps []stamp
}

func (w *window) prune(cutoff time.Time) {
	keep := w.stamps[:0]
	for _, s := range w.stamps {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	w.stamps = keep
}

func (w *window) remove(gen uint64) bool {
	for i, s := range w.stamps {
		if s.gen == gen {
			w.stamps = append(w.stamps[:i], w.stamps[i+1:]...)
			return true
		}
	}
	return false
}

// Config bounds the governor.
type Config struct {
	PerScopePerMin     int
	GlobalPerMin       int
	MaxSessions        int
	MaxConnections     int
	MaxSessionLifetime time.Duration // zero disables lifetime enforcement
}

// SessionAge reports one live session for lifetime enforcement.
type SessionAge struct {
	ID      string
	Created time.Time
}

// Governor owns the resource counters. Safe for concurrent use.
type Governor struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]*window
	gen     uint64

	sessionSlots int
	connections  int

	rateLimited     uint64
	internalErrors  uint64
	onInternalError func(msg string)

	// Lifetime enforcement hooks, registered by the session manager.
	listSessions func() []SessionAge
	expireSession func(id string)

	pruneIdem func() int

	now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

const windowDuration = time.Minute

// New creates a governor.
func New(cfg Config) *Governor {
	return &Governor{
		cfg:     cfg,
		windows: make(map[string]*window),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// SetLifetimeHooks registers the session manager callbacks used by the
// sweeper to enforce MaxSessionLifetime.
func (g *Governor) SetLifetimeHooks(list func() []SessionAge, expire func(id string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listSessions = list
	g.expireSession = expire
}

// SetIdempotencyPruner registers the replay store's TTL pruner with the sweeper.
func (g *Governor) SetIdempotencyPruner(prune func() int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneIdem = prune
}

// SetInternalErrorHook registers the counter bump for invariant breaches.
func (g *Governor) SetInternalErrorHook(fn func(msg string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onInternalError = fn
}

// CanExecute charges one execution against the scope's window and the global
// window. On refusal the stamps it added are rolled back by generation, so
// the refused attempt consumes no budget. Replays never reach this check.
func (g *Governor) CanExecute(scope string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-windowDuration)

	scopeGen := g.charge(scope, now, cutoff)
	globalGen := g.charge("global", now, cutoff)

	scopeOver := len(g.windows[scope].stamps) > g.cfg.PerScopePerMin
	globalOver := len(g.windows["global"].stamps) > g.cfg.GlobalPerMin
	if scopeOver || globalOver {
		g.windows[scope].remove(scopeGen)
		g.windows["global"].remove(globalGen)
		g.rateLimited++
		return false
	}
	return true
}

func (g *Governor) charge(scope string, now, cutoff time.Time) uint64 {
	w, ok := g.windows[scope]
	if !ok {
		w = &window{}
		g.windows[scope] = w
	}
	w.prune(cutoff)
	g.gen++
	w.stamps = append(w.stamps, stamp{gen: g.gen, at: now})
	return g.gen
}

// TryReserveSessionSlot atomically checks and reserves a session slot.
func (g *Governor) TryReserveSessionSlot() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessionSlots >= g.cfg.MaxSessions {
		return false
	}
	g.sessionSlots++
	return true
}

// ReleaseSessionSlot returns a slot. A release without a matching reserve is
// an internal invariant breach: it is counted and logged, never masked.
func (g *Governor) ReleaseSessionSlot() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessionSlots == 0 {
		g.internalError("session slot released without reservation")
		return
	}
	g.sessionSlots--
}

// TryAddConnection reserves a connection slot.
func (g *Governor) TryAddConnection() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connections >= g.cfg.MaxConnections {
		return false
	}
	g.connections++
	return true
}

// ReleaseConnection returns a connection slot.
func (g *Governor) ReleaseConnection() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connections == 0 {
		g.internalError("connection released without registration")
		return
	}
	g.connections--
}

func (g *Governor) internalError(msg string) {
	g.internalErrors++
	slog.Error("governor invariant breach", "error", msg)
	if g.onInternalError != nil {
		go g.onInternalError(msg)
	}
}

// Counts returns the current session and connection counts.
func (g *Governor) Counts() (sessions, connections int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionSlots, g.connections
}

// Stats is a snapshot of governor counters for get_metrics.
type Stats struct {
	Sessions       int    `json:"sessions"`
	Connections    int    `json:"connections"`
	RateLimited    uint64 `json:"rateLimited"`
	InternalErrors uint64 `json:"internalErrors"`
	TrackedScopes  int    `json:"trackedScopes"`
}

// Stats returns a counter snapshot.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Sessions:       g.sessionSlots,
		Connections:    g.connections,
		RateLimited:    g.rateLimited,
		InternalErrors: g.internalErrors,
		TrackedScopes:  len(g.windows),
	}
}

// StartSweeper runs the periodic sweep until the context is cancelled or
// Stop is called. The ticker never pins process shutdown.
func (g *Governor) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.sweep()
			}
		}
	}()
}

// Stop terminates the sweeper. Idempotent.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

func (g *Governor) sweep() {
	g.mu.Lock()
	cutoff := g.now().Add(-windowDuration)
	for scope, w := range g.windows {
		w.prune(cutoff)
		if len(w.stamps) == 0 && scope != "global" {
			delete(g.windows, scope)
		}
	}
	list := g.listSessions
	expire := g.expireSession
	pruneIdem := g.pruneIdem
	maxLifetime := g.cfg.MaxSessionLifetime
	now := g.now()
	g.mu.Unlock()

	if pruneIdem != nil {
		pruneIdem()
	}

	if maxLifetime <= 0 || list == nil || expire == nil {
		return
	}
	for _, s := range list() {
		if now.Sub(s.Created) > maxLifetime {
			slog.Info("session exceeded max lifetime, deleting", "session", s.ID, "age", now.Sub(s.Created))
			expire(s.ID)
		}
	}
}
