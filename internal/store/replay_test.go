package store

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/protocol"
)

func newStore() *ReplayStore {
	return NewReplayStore(100, 100, 10*time.Minute)
}

func promptCmd(id, sessionID, message string) *protocol.Command {
	raw := fmt.Sprintf(`{"type":"prompt","sessionId":%q,"message":%q}`, sessionID, message)
	var c protocol.Command
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		panic(err)
	}
	c.ID = id
	return &c
}

func TestReplayHitServesStoredOutcome(t *testing.T) {
	s := newStore()
	cmd := promptCmd("c1", "s1", "hello")
	fp := protocol.Fingerprint(cmd)

	_, hit := s.CheckReplay(cmd, fp)
	assert.False(t, hit)

	stored := s.StoreOutcome(cmd, fp, protocol.NewResponse(cmd, map[string]any{"text": "done"}))

	retry := promptCmd("c1", "s1", "hello")
	resp, hit := s.CheckReplay(retry, protocol.Fingerprint(retry))
	require.True(t, hit)
	assert.True(t, resp.Replayed)
	assert.True(t, resp.Success)
	assert.Equal(t, stored.Data, resp.Data)

	// The stored outcome itself is never mutated by the replay flag.
	again, hit := s.CheckReplay(retry, protocol.Fingerprint(retry))
	require.True(t, hit)
	assert.True(t, again.Replayed)
	assert.False(t, stored.Replayed)
}

func TestReplayFingerprintConflict(t *testing.T) {
	s := newStore()
	cmd := promptCmd("c1", "s1", "hello")
	s.StoreOutcome(cmd, protocol.Fingerprint(cmd), protocol.NewResponse(cmd, nil))

	other := promptCmd("c1", "s1", "different")
	resp, hit := s.CheckReplay(other, protocol.Fingerprint(other))
	require.True(t, hit)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "fingerprint conflict")
	assert.False(t, resp.Replayed)
}

func TestReplayTimeoutIsImmutable(t *testing.T) {
	s := newStore()
	cmd := promptCmd("c1", "s1", "hello")
	fp := protocol.Fingerprint(cmd)

	timeout := protocol.NewErrorResponse(cmd, "command timed out after 30s")
	timeout.TimedOut = true
	s.StoreOutcome(cmd, fp, timeout)

	// A late success must not overwrite the stored timeout.
	late := s.StoreOutcome(cmd, fp, protocol.NewResponse(cmd, "late result"))
	assert.True(t, late.TimedOut)

	resp, hit := s.CheckReplay(promptCmd("c1", "s1", "hello"), fp)
	require.True(t, hit)
	assert.True(t, resp.TimedOut)
	assert.True(t, resp.Replayed)
	assert.False(t, resp.Success)
}

func TestAnonymousCommandsAreNotStored(t *testing.T) {
	s := newStore()
	cmd := promptCmd(protocol.AnonIDPrefix+"xyz", "s1", "hello")
	fp := protocol.Fingerprint(cmd)
	s.StoreOutcome(cmd, fp, protocol.NewResponse(cmd, nil))

	_, hit := s.CheckReplay(cmd, fp)
	assert.False(t, hit)
	assert.Equal(t, 0, s.Stats().Outcomes)
}

func TestOutcomeLRUEviction(t *testing.T) {
	s := NewReplayStore(3, 100, time.Minute)
	for i := 0; i < 5; i++ {
		cmd := promptCmd(fmt.Sprintf("c%d", i), "s1", "m")
		s.StoreOutcome(cmd, protocol.Fingerprint(cmd), protocol.NewResponse(cmd, nil))
	}
	assert.Equal(t, 3, s.Stats().Outcomes)

	// Oldest two evicted, newest three retained.
	_, hit := s.CheckReplay(promptCmd("c0", "s1", "m"), protocol.Fingerprint(promptCmd("c0", "s1", "m")))
	assert.False(t, hit)
	_, hit = s.CheckReplay(promptCmd("c4", "s1", "m"), protocol.Fingerprint(promptCmd("c4", "s1", "m")))
	assert.True(t, hit)
}

func TestReserveCoalescesIdenticalRetry(t *testing.T) {
	s := newStore()
	cmd := promptCmd("c1", "s1", "hello")
	fp := protocol.Fingerprint(cmd)

	first, res := s.Reserve(cmd, fp, "session:s1", 1)
	require.Equal(t, ReserveNew, res)
	require.NotNil(t, first)

	dup, res := s.Reserve(promptCmd("c1", "s1", "hello"), fp, "session:s1", 2)
	assert.Equal(t, ReserveCoalesced, res)
	assert.Same(t, first, dup)

	_, res = s.Reserve(promptCmd("c1", "s1", "other"), protocol.Fingerprint(promptCmd("c1", "s1", "other")), "session:s1", 3)
	assert.Equal(t, ReserveConflict, res)
}

func TestReserveRejectsWhenFull(t *testing.T) {
	s := NewReplayStore(100, 2, time.Minute)
	for i := 0; i < 2; i++ {
		cmd := promptCmd(fmt.Sprintf("c%d", i), "s1", "m")
		_, res := s.Reserve(cmd, protocol.Fingerprint(cmd), "session:s1", uint64(i))
		require.Equal(t, ReserveNew, res)
	}

	cmd := promptCmd("c9", "s1", "m")
	_, res := s.Reserve(cmd, protocol.Fingerprint(cmd), "session:s1", 9)
	assert.Equal(t, ReserveFull, res)

	// Existing reservations were not evicted to make room.
	_, inf := s.Lookup("c0")
	assert.NotNil(t, inf)
}

func TestStoreOutcomeResolvesInflight(t *testing.T) {
	s := newStore()
	cmd := promptCmd("c1", "s1", "hello")
	fp := protocol.Fingerprint(cmd)

	inf, _ := s.Reserve(cmd, fp, "session:s1", 1)
	s.StoreOutcome(cmd, fp, protocol.NewResponse(cmd, "ok"))

	select {
	case <-inf.Done:
	default:
		t.Fatal("inflight handle not resolved")
	}
	assert.Equal(t, "ok", inf.Response().Data)
	assert.Equal(t, 0, s.Stats().InFlight)
}

func TestIdempotencyKeyScopedPerSession(t *testing.T) {
	s := newStore()

	a := promptCmd("", "s1", "hello")
	a.IdempotencyKey = "k1"
	fpA := protocol.Fingerprint(a)
	s.StoreOutcome(a, fpA, protocol.NewResponse(a, "first"))

	retry := promptCmd("", "s1", "hello")
	retry.IdempotencyKey = "k1"
	resp, hit := s.CheckReplay(retry, protocol.Fingerprint(retry))
	require.True(t, hit)
	assert.True(t, resp.Replayed)
	assert.Equal(t, "first", resp.Data)

	// Same key in another session is a different scope.
	other := promptCmd("", "s2", "hello")
	other.IdempotencyKey = "k1"
	_, hit = s.CheckReplay(other, protocol.Fingerprint(other))
	assert.False(t, hit)
}

func TestIdempotencyTTLExpiry(t *testing.T) {
	s := NewReplayStore(100, 100, 10*time.Minute)
	base := time.Now()
	s.now = func() time.Time { return base }

	cmd := promptCmd("", "s1", "hello")
	cmd.IdempotencyKey = "k1"
	fp := protocol.Fingerprint(cmd)
	s.StoreOutcome(cmd, fp, protocol.NewResponse(cmd, nil))

	s.now = func() time.Time { return base.Add(11 * time.Minute) }
	assert.Equal(t, 1, s.PruneIdempotency())
	assert.Equal(t, 0, s.Stats().Idempotency)

	_, hit := s.CheckReplay(cmd, fp)
	assert.False(t, hit)
}

func TestIdemScope(t *testing.T) {
	assert.Equal(t, "s1", IdemScope(&protocol.Command{Type: "prompt", SessionID: "s1"}))
	assert.Equal(t, protocol.LaneServer, IdemScope(&protocol.Command{Type: "list_sessions"}))
}
