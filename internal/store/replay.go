package store

import (
	"container/list"
	"sync"
	"time"

	"github.com/agentmux/agentmux/pkg/protocol"
)

// ReplayEntry is a stored terminal outcome. Once stored it is immutable:
// replays serve clones and late completions never overwrite.
type ReplayEntry struct {
	ID          string
	Fingerprint string
	Response    *protocol.Response
	CompletedAt time.Time
	TimedOut    bool

	lruEl *list.Element
}

// Inflight is the pending handle for a command that has been reserved but has
// no terminal outcome yet. Dependents wait on Done; Response is set before
// Done is closed.
type Inflight struct {
	ID          string
	Fingerprint string
	Lane        string
	Seq         uint64
	Done        chan struct{}

	resp *protocol.Response
}

// Response returns the terminal response once Done is closed.
func (f *Inflight) Response() *protocol.Response { return f.resp }

// ReserveResult classifies the outcome of Reserve.
type ReserveResult int

const (
	// ReserveNew admitted a fresh execution.
	ReserveNew ReserveResult = iota
	// ReserveCoalesced points at an identical in-flight execution; the caller
	// should wait for it instead of executing again.
	ReserveCoalesced
	// ReserveConflict means the same ID is in flight with a different
	// fingerprint.
	ReserveConflict
	// ReserveFull means the in-flight table is at capacity. New unique IDs
	// are rejected, never admitted by evicting an existing entry: eviction
	// would break dependsOn graphs pointing at the evicted command.
	ReserveFull
)

type idemKey struct {
	scope string
	key   string
}

type idemEntry struct {
	fingerprint string
	resp        *protocol.Response
	timedOut    bool
	expires     time.Time
}

// Stats is a point-in-time snapshot of replay store counters.
type Stats struct {
	Outcomes    int    `json:"outcomes"`
	Idempotency int    `json:"idempotency"`
	InFlight    int    `json:"inFlight"`
	Hits        uint64 `json:"hits"`
	Conflicts   uint64 `json:"conflicts"`
	Coalesced   uint64 `json:"coalesced"`
	RejectedFull uint64 `json:"rejectedFull"`
	Stored      uint64 `json:"stored"`
}

// ReplayStore caches terminal outcomes by command ID and by idempotency key,
// and tracks in-flight executions for duplicate coalescing and dependency
// waits. All operations are O(1) expected.
type ReplayStore struct {
	mu          sync.Mutex
	byID        map[string]*ReplayEntry
	lru         *list.List // front = most recently completed
	maxOutcomes int

	idem map[idemKey]*idemEntry
	ttl  time.Duration

	inflight    map[string]*Inflight
	maxInflight int

	hits         uint64
	conflicts    uint64
	coalesced    uint64
	rejectedFull uint64
	stored       uint64

	now func() time.Time
}

// NewReplayStore builds a replay store with the given bounds.
func NewReplayStore(maxOutcomes, maxInflight int, idemTTL time.Duration) *ReplayStore {
	return &ReplayStore{
		byID:        make(map[string]*ReplayEntry),
		lru:         list.New(),
		maxOutcomes: maxOutcomes,
		idem:        make(map[idemKey]*idemEntry),
		ttl:         idemTTL,
		inflight:    make(map[string]*Inflight),
		maxInflight: maxInflight,
		now:         time.Now,
	}
}

// IdemScope returns the idempotency scope for a command: its session ID, or
// "server" for server-lane commands.
func IdemScope(cmd *protocol.Command) string {
	if cmd.SessionID != "" {
		return cmd.SessionID
	}
	return protocol.LaneServer
}

// CheckReplay looks for a stored terminal outcome matching the command's
// retry identity. A hit with a matching fingerprint returns the stored
// response marked replayed; a hit with a differing fingerprint returns a
// conflict error. The stored outcome is never re-executed or mutated.
func (s *ReplayStore) CheckReplay(cmd *protocol.Command, fingerprint string) (*protocol.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.HasExplicitID() {
		if e, ok := s.byID[cmd.ID]; ok {
			if e.Fingerprint == fingerprint {
				s.hits++
				return replayOf(e.Response), true
			}
			s.conflicts++
			return conflictResponse(cmd, "command id "+cmd.ID+" was already used with a different payload (fingerprint conflict)"), true
		}
	}

	if cmd.IdempotencyKey != "" {
		k := idemKey{scope: IdemScope(cmd), key: cmd.IdempotencyKey}
		if e, ok := s.idem[k]; ok {
			if s.now().After(e.expires) {
				delete(s.idem, k)
				return nil, false
			}
			if e.fingerprint == fingerprint {
				s.hits++
				return replayOf(e.resp), true
			}
			s.conflicts++
			return conflictResponse(cmd, "idempotencyKey "+cmd.IdempotencyKey+" was already used with a different payload (fingerprint conflict)"), true
		}
	}

	return nil, false
}

func replayOf(stored *protocol.Response) *protocol.Response {
	r := stored.Clone()
	r.Replayed = true
	return r
}

func conflictResponse(cmd *protocol.Command, msg string) *protocol.Response {
	return protocol.NewErrorResponse(cmd, msg)
}

// Reserve registers an in-flight execution for a command with an explicit ID.
// Duplicate retries of the same command coalesce onto the existing handle.
func (s *ReplayStore) Reserve(cmd *protocol.Command, fingerprint, lane string, seq uint64) (*Inflight, ReserveResult) {
	if !cmd.HasExplicitID() {
		return nil, ReserveNew
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.inflight[cmd.ID]; ok {
		if f.Fingerprint == fingerprint {
			s.coalesced++
			return f, ReserveCoalesced
		}
		s.conflicts++
		return nil, ReserveConflict
	}
	if len(s.inflight) >= s.maxInflight {
		s.rejectedFull++
		return nil, ReserveFull
	}
	f := &Inflight{
		ID:          cmd.ID,
		Fingerprint: fingerprint,
		Lane:        lane,
		Seq:         seq,
		Done:        make(chan struct{}),
	}
	s.inflight[cmd.ID] = f
	return f, ReserveNew
}

// StoreOutcome records the terminal response for a command, resolving its
// in-flight handle. It must be called before the response is returned to the
// caller so that a retry arriving immediately after sees the stored outcome.
// First write wins: a late completion after a stored timeout is discarded.
func (s *ReplayStore) StoreOutcome(cmd *protocol.Command, fingerprint string, resp *protocol.Response) *protocol.Response {
	if !cmd.HasExplicitID() && cmd.IdempotencyKey == "" {
		return resp
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.HasExplicitID() {
		if prior, ok := s.byID[cmd.ID]; ok {
			// Already terminal; discard the late result.
			return prior.Response
		}
		e := &ReplayEntry{
			ID:          cmd.ID,
			Fingerprint: fingerprint,
			Response:    resp,
			CompletedAt: s.now(),
			TimedOut:    resp.TimedOut,
		}
		e.lruEl = s.lru.PushFront(e)
		s.byID[cmd.ID] = e
		s.stored++
		for s.lru.Len() > s.maxOutcomes {
			oldest := s.lru.Back()
			s.lru.Remove(oldest)
			delete(s.byID, oldest.Value.(*ReplayEntry).ID)
		}

		if f, ok := s.inflight[cmd.ID]; ok {
			f.resp = resp
			close(f.Done)
			delete(s.inflight, cmd.ID)
		}
	}

	if cmd.IdempotencyKey != "" {
		k := idemKey{scope: IdemScope(cmd), key: cmd.IdempotencyKey}
		if _, ok := s.idem[k]; !ok {
			s.idem[k] = &idemEntry{
				fingerprint: fingerprint,
				resp:        resp,
				timedOut:    resp.TimedOut,
				expires:     s.now().Add(s.ttl),
			}
		}
	}

	return resp
}

// Release drops an in-flight reservation without storing an outcome. Used
// when admission fails after Reserve (the command never executed, so a retry
// should be allowed to run).
func (s *ReplayStore) Release(cmd *protocol.Command, f *Inflight) {
	if f == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.inflight[cmd.ID]; ok && cur == f {
		delete(s.inflight, cmd.ID)
	}
}

// Lookup returns the terminal entry or in-flight handle for a command ID.
// Used by dependency waits.
func (s *ReplayStore) Lookup(id string) (*ReplayEntry, *Inflight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[id]; ok {
		return e, nil
	}
	if f, ok := s.inflight[id]; ok {
		return nil, f
	}
	return nil, nil
}

// PruneIdempotency drops expired idempotency entries. Called by the governor
// sweeper.
func (s *ReplayStore) PruneIdempotency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.idem {
		if now.After(e.expires) {
			delete(s.idem, k)
			n++
		}
	}
	return n
}

// Stats returns observability counters.
func (s *ReplayStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Outcomes:     len(s.byID),
		Idempotency:  len(s.idem),
		InFlight:     len(s.inflight),
		Hits:         s.hits,
		Conflicts:    s.conflicts,
		Coalesced:    s.coalesced,
		RejectedFull: s.rejectedFull,
		Stored:       s.stored,
	}
}
