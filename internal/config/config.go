package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the root configuration for the agentmux daemon. All fields are
// optional in the JSON file; zero values are replaced by defaults in Load.
type Config struct {
	Port            int `json:"port"`
	MaxMessageBytes int `json:"max_message_bytes"`
	MaxSessions     int `json:"max_sessions"`
	MaxConnections  int `json:"max_connections"`

	MaxInFlightCommands int   `json:"max_in_flight_commands"`
	MaxCommandOutcomes  int   `json:"max_command_outcomes"`
	IdempotencyTTLMs    int64 `json:"idempotency_ttl_ms"`

	RateLimitPerSessionPerMin int `json:"rate_limit_per_session_per_min"`
	RateLimitGlobalPerMin     int `json:"rate_limit_global_per_min"`

	ShortTimeoutMs   int64 `json:"short_timeout_ms"`
	LongTimeoutMs    int64 `json:"long_timeout_ms"`
	DepWaitTimeoutMs int64 `json:"dep_wait_timeout_ms"`

	HeartbeatMs    int64 `json:"heartbeat_ms"`
	PongDeadlineMs int64 `json:"pong_deadline_ms"`

	// When set, the governor sweeper deletes sessions older than this.
	MaxSessionLifetimeMs int64 `json:"max_session_lifetime_ms,omitempty"`

	PendingUIMax     int   `json:"pending_ui_max"`
	PendingUITimeout int64 `json:"pending_ui_timeout_ms"`

	DrainTimeoutMs int64 `json:"drain_timeout_ms"`

	Circuit CircuitConfig `json:"circuit,omitempty"`
	Auth    AuthConfig    `json:"auth,omitempty"`

	// Extra roots allowed for load_session, on top of the built-in
	// ~/.pi/agent/sessions/ and ./.pi/sessions/ roots.
	SessionRoots []string `json:"session_roots,omitempty"`
}

// CircuitConfig tunes the LLM and bash circuit breakers.
type CircuitConfig struct {
	LLMFailureThreshold     int   `json:"llm_failure_threshold"`
	BashSessionThreshold    int   `json:"bash_session_threshold"`
	BashGlobalThreshold     int   `json:"bash_global_threshold"`
	WindowMs                int64 `json:"window_ms"`
	OpenToHalfOpenMs        int64 `json:"open_to_half_open_ms"`
	HalfOpenMaxCalls        int   `json:"half_open_max_calls"`
	SuccessThreshold        int   `json:"success_threshold"`
	LatencyThresholdMs      int64 `json:"latency_threshold_ms"`
}

// AuthConfig configures the optional bearer-token authenticator.
// Token is read from env AGENTMUX_TOKEN when unset in the file.
type AuthConfig struct {
	Token string `json:"token,omitempty"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Port:            3141,
		MaxMessageBytes: 10 * 1024 * 1024,
		MaxSessions:     100,
		MaxConnections:  1000,

		MaxInFlightCommands: 10000,
		MaxCommandOutcomes:  2000,
		IdempotencyTTLMs:    600_000,

		RateLimitPerSessionPerMin: 100,
		RateLimitGlobalPerMin:     1000,

		ShortTimeoutMs:   30_000,
		LongTimeoutMs:    300_000,
		DepWaitTimeoutMs: 300_000,

		HeartbeatMs:    30_000,
		PongDeadlineMs: 10_000,

		PendingUIMax:     1000,
		PendingUITimeout: 300_000,

		DrainTimeoutMs: 10_000,

		Circuit: CircuitConfig{
			LLMFailureThreshold:  5,
			BashSessionThreshold: 10,
			BashGlobalThreshold:  50,
			WindowMs:             60_000,
			OpenToHalfOpenMs:     30_000,
			HalfOpenMaxCalls:     3,
			SuccessThreshold:     2,
			LatencyThresholdMs:   10_000,
		},
	}
}

// Load reads the config file at path and applies defaults. A missing file is
// not an error: the defaults are returned so the daemon starts out of the box.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.fillZero()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Auth.Token == "" {
		c.Auth.Token = os.Getenv("AGENTMUX_TOKEN")
	}
}

// fillZero restores defaults for fields the file left at zero.
func (c *Config) fillZero() {
	d := Default()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.MaxInFlightCommands == 0 {
		c.MaxInFlightCommands = d.MaxInFlightCommands
	}
	if c.MaxCommandOutcomes == 0 {
		c.MaxCommandOutcomes = d.MaxCommandOutcomes
	}
	if c.IdempotencyTTLMs == 0 {
		c.IdempotencyTTLMs = d.IdempotencyTTLMs
	}
	if c.RateLimitPerSessionPerMin == 0 {
		c.RateLimitPerSessionPerMin = d.RateLimitPerSessionPerMin
	}
	if c.RateLimitGlobalPerMin == 0 {
		c.RateLimitGlobalPerMin = d.RateLimitGlobalPerMin
	}
	if c.ShortTimeoutMs == 0 {
		c.ShortTimeoutMs = d.ShortTimeoutMs
	}
	if c.LongTimeoutMs == 0 {
		c.LongTimeoutMs = d.LongTimeoutMs
	}
	if c.DepWaitTimeoutMs == 0 {
		c.DepWaitTimeoutMs = c.LongTimeoutMs
	}
	if c.HeartbeatMs == 0 {
		c.HeartbeatMs = d.HeartbeatMs
	}
	if c.PongDeadlineMs == 0 {
		c.PongDeadlineMs = d.PongDeadlineMs
	}
	if c.PendingUIMax == 0 {
		c.PendingUIMax = d.PendingUIMax
	}
	if c.PendingUITimeout == 0 {
		c.PendingUITimeout = d.PendingUITimeout
	}
	if c.DrainTimeoutMs == 0 {
		c.DrainTimeoutMs = d.DrainTimeoutMs
	}
	dc := d.Circuit
	if c.Circuit.LLMFailureThreshold == 0 {
		c.Circuit.LLMFailureThreshold = dc.LLMFailureThreshold
	}
	if c.Circuit.BashSessionThreshold == 0 {
		c.Circuit.BashSessionThreshold = dc.BashSessionThreshold
	}
	if c.Circuit.BashGlobalThreshold == 0 {
		c.Circuit.BashGlobalThreshold = dc.BashGlobalThreshold
	}
	if c.Circuit.WindowMs == 0 {
		c.Circuit.WindowMs = dc.WindowMs
	}
	if c.Circuit.OpenToHalfOpenMs == 0 {
		c.Circuit.OpenToHalfOpenMs = dc.OpenToHalfOpenMs
	}
	if c.Circuit.HalfOpenMaxCalls == 0 {
		c.Circuit.HalfOpenMaxCalls = dc.HalfOpenMaxCalls
	}
	if c.Circuit.SuccessThreshold == 0 {
		c.Circuit.SuccessThreshold = dc.SuccessThreshold
	}
	if c.Circuit.LatencyThresholdMs == 0 {
		c.Circuit.LatencyThresholdMs = dc.LatencyThresholdMs
	}
}

// Duration helpers keep call sites free of ms arithmetic.

func (c *Config) ShortTimeout() time.Duration   { return time.Duration(c.ShortTimeoutMs) * time.Millisecond }
func (c *Config) LongTimeout() time.Duration    { return time.Duration(c.LongTimeoutMs) * time.Millisecond }
func (c *Config) DepWaitTimeout() time.Duration { return time.Duration(c.DepWaitTimeoutMs) * time.Millisecond }
func (c *Config) Heartbeat() time.Duration      { return time.Duration(c.HeartbeatMs) * time.Millisecond }
func (c *Config) PongDeadline() time.Duration   { return time.Duration(c.PongDeadlineMs) * time.Millisecond }
func (c *Config) IdempotencyTTL() time.Duration { return time.Duration(c.IdempotencyTTLMs) * time.Millisecond }
func (c *Config) DrainTimeout() time.Duration   { return time.Duration(c.DrainTimeoutMs) * time.Millisecond }
func (c *Config) UITimeout() time.Duration      { return time.Duration(c.PendingUITimeout) * time.Millisecond }
func (c *Config) MaxSessionLifetime() time.Duration {
	return time.Duration(c.MaxSessionLifetimeMs) * time.Millisecond
}
