package store

import (
	"fmt"
	"sync"

	"github.com/agentmux/agentmux/internal/classify"
)

// VersionStore tracks a monotonic version per session for optimistic
// concurrency. Versions start at 0 on create and advance by exactly 1 per
// successful mutating command.
type VersionStore struct {
	mu       sync.RWMutex
	versions map[string]int64
}

// NewVersionStore creates an empty version store.
func NewVersionStore() *VersionStore {
	return &VersionStore{versions: make(map[string]int64)}
}

// Create initializes a session's version to 0. Re-creating is a no-op.
func (s *VersionStore) Create(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[sessionID]; !ok {
		s.versions[sessionID] = 0
	}
}

// Drop removes a session's version on delete.
func (s *VersionStore) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, sessionID)
}

// Current returns the session's version, or false if the session is unknown.
func (s *VersionStore) Current(sessionID string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[sessionID]
	return v, ok
}

// Precheck enforces the optional ifSessionVersion precondition.
func (s *VersionStore) Precheck(sessionID string, ifVersion *int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	current, ok := s.versions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if ifVersion != nil && *ifVersion != current {
		return fmt.Errorf("version mismatch: expected %d, current %d", *ifVersion, current)
	}
	return nil
}

// BumpIfMutating advances the version after a successful command of a
// mutating type and returns the new value. Non-mutating types return the
// current version unchanged.
func (s *VersionStore) BumpIfMutating(sessionID, cmdType string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[sessionID]
	if !ok {
		return 0, false
	}
	if classify.Mutates(cmdType) {
		v++
		s.versions[sessionID] = v
	}
	return v, true
}
