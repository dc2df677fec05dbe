package breaker

import (
	"sync"
	"time"
)

// ProviderSet keeps one LLM breaker per provider name, created lazily.
type ProviderSet struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewProviderSet builds a lazily-populated per-provider breaker set.
func NewProviderSet(cfg Config) *ProviderSet {
	return &ProviderSet{cfg: cfg, breakers: make(map[string]*Breaker)}
}

func (p *ProviderSet) get(provider string) *Breaker {
	if provider == "" {
		provider = "default"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[provider]
	if !ok {
		b = New("llm:"+provider, p.cfg)
		p.breakers[provider] = b
	}
	return b
}

// Allow consults the provider's breaker.
func (p *ProviderSet) Allow(provider string) bool { return p.get(provider).Allow() }

// RecordSuccess reports a completed LLM call.
func (p *ProviderSet) RecordSuccess(provider string, latency time.Duration) {
	p.get(provider).RecordSuccess(latency)
}

// RecordFailure reports a failed or timed-out LLM call.
func (p *ProviderSet) RecordFailure(provider string) { p.get(provider).RecordFailure() }

// States snapshots all provider breaker states for health reporting.
func (p *ProviderSet) States() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.breakers))
	for name, b := range p.breakers {
		out[name] = b.State().String()
	}
	return out
}

// BashSet is the hybrid bash breaker: a per-session breaker plus a global
// one. Both must admit a call. Only timeouts count as failures; a non-zero
// exit status is a legitimate command result.
type BashSet struct {
	mu         sync.Mutex
	sessionCfg Config
	perSession map[string]*Breaker
	global     *Breaker
}

// NewBashSet builds the hybrid bash breaker set.
func NewBashSet(sessionCfg, globalCfg Config) *BashSet {
	return &BashSet{
		sessionCfg: sessionCfg,
		perSession: make(map[string]*Breaker),
		global:     New("bash:global", globalCfg),
	}
}

func (b *BashSet) session(id string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.perSession[id]
	if !ok {
		br = New("bash:"+id, b.sessionCfg)
		b.perSession[id] = br
	}
	return br
}

// Allow admits a bash call only when both session and global circuits do.
func (b *BashSet) Allow(sessionID string) bool {
	return b.session(sessionID).Allow() && b.global.Allow()
}

// RecordSuccess reports a bash completion (any exit status).
func (b *BashSet) RecordSuccess(sessionID string, latency time.Duration) {
	b.session(sessionID).RecordSuccess(latency)
	b.global.RecordSuccess(latency)
}

// RecordTimeout reports a bash timeout, the only failure the bash breaker
// counts.
func (b *BashSet) RecordTimeout(sessionID string) {
	b.session(sessionID).RecordFailure()
	b.global.RecordFailure()
}

// Drop discards the per-session breaker when a session is deleted.
func (b *BashSet) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.perSession, sessionID)
}

// GlobalState reports the global bash breaker state.
func (b *BashSet) GlobalState() string { return b.global.State().String() }
