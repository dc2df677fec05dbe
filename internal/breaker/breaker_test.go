package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		OpenToHalfOpen:   30 * time.Second,
		HalfOpenMaxCalls: 2,
		SuccessThreshold: 2,
		LatencyThreshold: 10 * time.Second,
	}
}

func testBreaker() (*Breaker, *time.Time) {
	b := New("test", testConfig())
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	b, _ := testBreaker()

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestSlowSamplesCountTowardOpening(t *testing.T) {
	b, _ := testBreaker()

	b.RecordFailure()
	b.RecordSuccess(15 * time.Second) // slow
	assert.Equal(t, Closed, b.State())

	b.RecordSuccess(12 * time.Second) // slow: 1 failure + 2 slow = threshold
	assert.Equal(t, Open, b.State())
}

func TestFastSuccessNeverOpens(t *testing.T) {
	b, _ := testBreaker()
	for i := 0; i < 10; i++ {
		b.RecordSuccess(time.Millisecond)
	}
	assert.Equal(t, Closed, b.State())
}

func TestWindowExpiresOldFailures(t *testing.T) {
	b, now := testBreaker()

	b.RecordFailure()
	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	b.RecordFailure()
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenProbeBudget(t *testing.T) {
	b, now := testBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())
	require.False(t, b.Allow())

	*now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())  // transitions to half-open, probe 1
	assert.True(t, b.Allow())  // probe 2 (budget 2)
	assert.False(t, b.Allow()) // budget exhausted
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, now := testBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	*now = now.Add(31 * time.Second)

	require.True(t, b.Allow())
	b.RecordSuccess(time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())

	require.True(t, b.Allow())
	b.RecordSuccess(time.Millisecond)
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker()
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	*now = now.Add(31 * time.Second)

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestProviderSetIsolatesProviders(t *testing.T) {
	p := NewProviderSet(testConfig())

	for i := 0; i < 3; i++ {
		p.RecordFailure("anthropic")
	}
	assert.False(t, p.Allow("anthropic"))
	assert.True(t, p.Allow("openai"))

	states := p.States()
	assert.Equal(t, "open", states["llm:anthropic"])
	assert.Equal(t, "closed", states["llm:openai"])
}

func TestProviderSetDefaultFallback(t *testing.T) {
	p := NewProviderSet(testConfig())
	assert.True(t, p.Allow(""))
	states := p.States()
	assert.Contains(t, states, "llm:default")
}

func TestBashSetRequiresBothCircuits(t *testing.T) {
	sessionCfg := testConfig()
	globalCfg := testConfig()
	globalCfg.FailureThreshold = 5
	b := NewBashSet(sessionCfg, globalCfg)

	// Timeouts in one session open its breaker without opening the global one.
	for i := 0; i < 3; i++ {
		b.RecordTimeout("s1")
	}
	assert.False(t, b.Allow("s1"))
	assert.True(t, b.Allow("s2"))
	assert.Equal(t, "closed", b.GlobalState())

	// Two more timeouts anywhere open the global circuit for everyone.
	b.RecordTimeout("s2")
	b.RecordTimeout("s3")
	assert.Equal(t, "open", b.GlobalState())
	assert.False(t, b.Allow("s4"))
}

func TestBashSetSuccessIsAnyCompletion(t *testing.T) {
	b := NewBashSet(testConfig(), testConfig())
	// Non-zero exits are completions, recorded as successes; nothing opens.
	for i := 0; i < 10; i++ {
		b.RecordSuccess("s1", time.Millisecond)
	}
	assert.True(t, b.Allow("s1"))
}

func TestBashSetDrop(t *testing.T) {
	b := NewBashSet(testConfig(), Config{FailureThreshold: 100, Window: time.Minute, OpenToHalfOpen: time.Second, HalfOpenMaxCalls: 1, SuccessThreshold: 1})
	for i := 0; i < 3; i++ {
		b.RecordTimeout("s1")
	}
	require.False(t, b.Allow("s1"))

	// A recreated session starts with a fresh breaker.
	b.Drop("s1")
	assert.True(t, b.Allow("s1"))
}
