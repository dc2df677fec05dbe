package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/protocol"
)

func TestVersionLifecycle(t *testing.T) {
	s := NewVersionStore()

	_, ok := s.Current("s1")
	assert.False(t, ok)

	s.Create("s1")
	v, ok := s.Current("s1")
	require.True(t, ok)
	assert.Equal(t, int64(0), v)

	// Re-create keeps the existing version.
	s.versions["s1"] = 4
	s.Create("s1")
	v, _ = s.Current("s1")
	assert.Equal(t, int64(4), v)

	s.Drop("s1")
	_, ok = s.Current("s1")
	assert.False(t, ok)
}

func TestPrecheck(t *testing.T) {
	s := NewVersionStore()
	s.Create("s1")

	assert.NoError(t, s.Precheck("s1", nil))

	zero := int64(0)
	assert.NoError(t, s.Precheck("s1", &zero))

	three := int64(3)
	err := s.Precheck("s1", &three)
	assert.ErrorContains(t, err, "version mismatch: expected 3, current 0")

	assert.ErrorContains(t, s.Precheck("nope", nil), "session not found")
}

func TestBumpIfMutating(t *testing.T) {
	s := NewVersionStore()
	s.Create("s1")

	v, ok := s.BumpIfMutating("s1", protocol.CmdPrompt)
	require.True(t, ok)
	assert.Equal(t, int64(1), v)

	// Reads leave the version alone.
	v, ok = s.BumpIfMutating("s1", protocol.CmdGetState)
	require.True(t, ok)
	assert.Equal(t, int64(1), v)

	v, _ = s.BumpIfMutating("s1", protocol.CmdBash)
	assert.Equal(t, int64(2), v)

	_, ok = s.BumpIfMutating("ghost", protocol.CmdPrompt)
	assert.False(t, ok)
}
