// Package metrics keeps the multiplexer's observability counters. Counters
// are held as atomics so get_metrics can snapshot them cheaply, and mirrored
// into OpenTelemetry instruments so an external meter provider can export
// them without extra wiring.
package metrics

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the counter set. The zero value is not usable; call New.
type Metrics struct {
	commandsAccepted atomic.Uint64
	commandsFinished atomic.Uint64
	commandsFailed   atomic.Uint64
	commandsReplayed atomic.Uint64
	commandsTimedOut atomic.Uint64
	rateLimited      atomic.Uint64
	circuitRejected  atomic.Uint64
	eventsDropped    atomic.Uint64
	eventsSent       atomic.Uint64
	internalErrors   atomic.Uint64
	longLockHolds    atomic.Uint64
	uiOverflows      atomic.Uint64

	otelAccepted metric.Int64Counter
	otelFinished metric.Int64Counter
	otelFailed   metric.Int64Counter
	otelReplayed metric.Int64Counter
	otelTimedOut metric.Int64Counter
	otelInternal metric.Int64Counter
}

// New creates the counter set and registers otel instruments on the global
// meter provider (a no-op provider unless the host process installs one).
func New() *Metrics {
	meter := otel.Meter("github.com/agentmux/agentmux")
	m := &Metrics{}
	m.otelAccepted, _ = meter.Int64Counter("agentmux.commands.accepted")
	m.otelFinished, _ = meter.Int64Counter("agentmux.commands.finished")
	m.otelFailed, _ = meter.Int64Counter("agentmux.commands.failed")
	m.otelReplayed, _ = meter.Int64Counter("agentmux.commands.replayed")
	m.otelTimedOut, _ = meter.Int64Counter("agentmux.commands.timed_out")
	m.otelInternal, _ = meter.Int64Counter("agentmux.internal_errors")
	return m
}

func (m *Metrics) add(a *atomic.Uint64, c metric.Int64Counter) {
	a.Add(1)
	if c != nil {
		c.Add(context.Background(), 1)
	}
}

func (m *Metrics) CommandAccepted() { m.add(&m.commandsAccepted, m.otelAccepted) }
func (m *Metrics) CommandFinished() { m.add(&m.commandsFinished, m.otelFinished) }
func (m *Metrics) CommandFailed()   { m.add(&m.commandsFailed, m.otelFailed) }
func (m *Metrics) CommandReplayed() { m.add(&m.commandsReplayed, m.otelReplayed) }
func (m *Metrics) CommandTimedOut() { m.add(&m.commandsTimedOut, m.otelTimedOut) }
func (m *Metrics) RateLimited()     { m.rateLimited.Add(1) }
func (m *Metrics) CircuitRejected() { m.circuitRejected.Add(1) }
func (m *Metrics) EventDropped()    { m.eventsDropped.Add(1) }
func (m *Metrics) EventSent()       { m.eventsSent.Add(1) }
func (m *Metrics) InternalError()   { m.add(&m.internalErrors, m.otelInternal) }
func (m *Metrics) LongLockHold()    { m.longLockHolds.Add(1) }
func (m *Metrics) UIOverflow()      { m.uiOverflows.Add(1) }

// Snapshot returns all counters for the get_metrics response.
func (m *Metrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"commandsAccepted": m.commandsAccepted.Load(),
		"commandsFinished": m.commandsFinished.Load(),
		"commandsFailed":   m.commandsFailed.Load(),
		"commandsReplayed": m.commandsReplayed.Load(),
		"commandsTimedOut": m.commandsTimedOut.Load(),
		"rateLimited":      m.rateLimited.Load(),
		"circuitRejected":  m.circuitRejected.Load(),
		"eventsDropped":    m.eventsDropped.Load(),
		"eventsSent":       m.eventsSent.Load(),
		"internalErrors":   m.internalErrors.Load(),
		"longLockHolds":    m.longLockHolds.Load(),
		"uiOverflows":      m.uiOverflows.Load(),
	}
}
