// Package engine is the command execution substrate: admission, replay,
// rate limiting, dependency waits, per-lane FIFO serialization, timeout
// budgets, circuit-breaker guards, and atomic outcome storage.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/breaker"
	"github.com/agentmux/agentmux/internal/classify"
	"github.com/agentmux/agentmux/internal/governor"
	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/store"
	"github.com/agentmux/agentmux/pkg/protocol"
)

// SessionResolver is the capability the engine uses to reach agent sessions.
// The session manager implements it; tests inject doubles.
type SessionResolver interface {
	GetSession(sessionID string) (agent.Session, bool)
}

// Handler executes one command type and returns its type-specific data.
type Handler func(ctx context.Context, cmd *protocol.Command) (any, error)

// AbortFunc is the side-channel cancellation for a command type, invoked
// after its budget elapsed. Best effort.
type AbortFunc func(ctx context.Context, cmd *protocol.Command)

// Emitter broadcasts a lifecycle event to every connected client.
type Emitter func(ev *protocol.LifecycleEvent)

// Config holds the engine's timing budgets.
type Config struct {
	ShortTimeout   time.Duration
	LongTimeout    time.Duration
	DepWaitTimeout time.Duration
}

// Engine routes admitted commands through the execution pipeline.
type Engine struct {
	cfg      Config
	replay   *store.ReplayStore
	versions *store.VersionStore
	gov      *governor.Governor
	llm      *breaker.ProviderSet
	bash     *breaker.BashSet
	met      *metrics.Metrics
	resolver SessionResolver
	emit     Emitter

	mu       sync.RWMutex
	handlers map[string]Handler
	aborts   map[string]AbortFunc

	lanes    *laneTable
	seq      atomic.Uint64
	draining atomic.Bool
	inflight sync.WaitGroup
}

// New assembles the engine. Handlers for server commands are registered
// afterwards by the session manager and gateway wiring.
func New(cfg Config, replay *store.ReplayStore, versions *store.VersionStore, gov *governor.Governor,
	llm *breaker.ProviderSet, bash *breaker.BashSet, met *metrics.Metrics, resolver SessionResolver, emit Emitter) *Engine {
	return &Engine{
		cfg:      cfg,
		replay:   replay,
		versions: versions,
		gov:      gov,
		llm:      llm,
		bash:     bash,
		met:      met,
		resolver: resolver,
		emit:     emit,
		handlers: make(map[string]Handler),
		aborts:   make(map[string]AbortFunc),
		lanes:    newLaneTable(),
	}
}

// RegisterHandler binds a handler to a command type. Session-scoped commands
// without an explicit handler fall through to the agent session dispatch.
func (e *Engine) RegisterHandler(cmdType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[cmdType] = h
}

// RegisterAbort binds a custom abort dispatcher to a command type.
func (e *Engine) RegisterAbort(cmdType string, fn AbortFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborts[cmdType] = fn
}

// BeginDrain stops admitting new commands. Idempotent.
func (e *Engine) BeginDrain() { e.draining.Store(true) }

// Drain waits for in-flight commands to terminate, up to the timeout.
func (e *Engine) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Lanes reports the number of live lanes.
func (e *Engine) Lanes() int { return e.lanes.Len() }

func laneFor(cmd *protocol.Command) string {
	if protocol.IsServerCommand(cmd.Type) {
		return protocol.LaneServer
	}
	return protocol.LaneForSession(cmd.SessionID)
}

// Execute runs one admitted command to its terminal response. Exactly one
// response is returned, and when command_accepted was emitted, exactly one
// command_finished follows, stored hit or not.
func (e *Engine) Execute(ctx context.Context, cmd *protocol.Command) *protocol.Response {
	if e.draining.Load() {
		return protocol.NewErrorResponse(cmd, "server is shutting down")
	}
	e.inflight.Add(1)
	defer e.inflight.Done()

	fingerprint := protocol.Fingerprint(cmd)

	// Step 1: replay. A hit emits accepted + finished with the stored
	// outcome and no command_started: nothing executed.
	if resp, hit := e.replay.CheckReplay(cmd, fingerprint); hit {
		if resp.Replayed {
			e.met.CommandReplayed()
		}
		e.emitAccepted(cmd)
		e.emitFinished(cmd, resp)
		e.met.CommandFinished()
		return resp
	}

	if cmd.ID == "" {
		cmd.ID = protocol.AnonIDPrefix + uuid.NewString()
	}
	seq := e.seq.Add(1)
	lane := laneFor(cmd)

	// Reserve the in-flight slot. Duplicate retries of an identical command
	// coalesce onto the running execution and consume no rate budget.
	inf, res := e.replay.Reserve(cmd, fingerprint, lane, seq)
	switch res {
	case store.ReserveCoalesced:
		return e.awaitCoalesced(ctx, cmd, inf)
	case store.ReserveConflict:
		resp := protocol.NewErrorResponse(cmd, "command id "+cmd.ID+" is already in flight with a different payload (fingerprint conflict)")
		e.emitAccepted(cmd)
		e.emitFinished(cmd, resp)
		e.met.CommandFinished()
		return resp
	case store.ReserveFull:
		resp := protocol.NewErrorResponse(cmd, "too many commands in flight, retry later")
		e.emitAccepted(cmd)
		e.emitFinished(cmd, resp)
		e.met.CommandFinished()
		return resp
	}

	// Step 2: rate limit. Refusals are stored (explicit IDs) so retries of
	// the refused command replay instead of re-charging.
	scope := store.IdemScope(cmd)
	if !e.gov.CanExecute(scope) {
		e.met.RateLimited()
		resp := protocol.NewErrorResponse(cmd, "rate limited for scope "+scope)
		resp = e.replay.StoreOutcome(cmd, fingerprint, resp)
		e.emitAccepted(cmd)
		e.emitFinished(cmd, resp)
		e.met.CommandFinished()
		return resp
	}

	// Step 3: admission.
	e.emitAccepted(cmd)

	resp := e.run(ctx, cmd, fingerprint, lane, seq)

	// Step 10: the outcome is stored before the response reaches the caller.
	resp = e.replay.StoreOutcome(cmd, fingerprint, resp)

	// Step 11.
	e.emitFinished(cmd, resp)
	e.met.CommandFinished()
	if !resp.Success {
		e.met.CommandFailed()
	}
	return resp
}

// awaitCoalesced returns the terminal outcome of the identical in-flight
// execution this retry coalesced onto.
func (e *Engine) awaitCoalesced(ctx context.Context, cmd *protocol.Command, inf *store.Inflight) *protocol.Response {
	e.emitAccepted(cmd)
	select {
	case <-inf.Done:
		resp := inf.Response().Clone()
		resp.Replayed = true
		e.met.CommandReplayed()
		e.emitFinished(cmd, resp)
		e.met.CommandFinished()
		return resp
	case <-ctx.Done():
		resp := protocol.NewErrorResponse(cmd, "server is shutting down")
		e.emitFinished(cmd, resp)
		e.met.CommandFinished()
		return resp
	}
}

// run performs steps 4-9: dependency wait, precondition, lane serialization,
// breaker guard, dispatch with budget, and version bump.
func (e *Engine) run(ctx context.Context, cmd *protocol.Command, fingerprint, lane string, seq uint64) *protocol.Response {
	// Step 4: dependency wait.
	if err := e.waitDeps(ctx, cmd, lane, seq); err != nil {
		return protocol.NewErrorResponse(cmd, err.Error())
	}

	// Step 5: optimistic-concurrency precondition.
	if !protocol.IsServerCommand(cmd.Type) {
		if err := e.versions.Precheck(cmd.SessionID, cmd.IfSessionVersion); err != nil {
			return protocol.NewErrorResponse(cmd, err.Error())
		}
	}

	// Step 6: lane enqueue; strict FIFO per lane.
	wait, release := e.lanes.Enqueue(lane)
	defer release()
	if err := wait(ctx); err != nil {
		return protocol.NewErrorResponse(cmd, "cancelled while queued: "+err.Error())
	}

	// Step 7: circuit-breaker guard.
	if resp := e.guardCircuit(cmd); resp != nil {
		return resp
	}

	// Step 8: dispatch.
	e.emitStarted(cmd)
	return e.dispatch(ctx, cmd)
}

func (e *Engine) guardCircuit(cmd *protocol.Command) *protocol.Response {
	switch cmd.Type {
	case protocol.CmdPrompt, protocol.CmdSteer, protocol.CmdFollowUp, protocol.CmdCompact:
		if !e.llm.Allow(e.providerOf(cmd.SessionID)) {
			e.met.CircuitRejected()
			return protocol.NewErrorResponse(cmd, "circuit open for LLM provider, retry later")
		}
	case protocol.CmdBash:
		if !e.bash.Allow(cmd.SessionID) {
			e.met.CircuitRejected()
			return protocol.NewErrorResponse(cmd, "circuit open for bash execution, retry later")
		}
	}
	return nil
}

func (e *Engine) providerOf(sessionID string) string {
	if s, ok := e.resolver.GetSession(sessionID); ok {
		return s.Provider()
	}
	return "default"
}

// dispatch invokes the handler under the command's timeout class and records
// the result on the relevant breaker.
func (e *Engine) dispatch(ctx context.Context, cmd *protocol.Command) *protocol.Response {
	handler := e.handlerFor(cmd)
	if handler == nil {
		return protocol.NewErrorResponse(cmd, "no handler for command type "+cmd.Type)
	}

	class := classify.Timeout(cmd.Type)
	budget := time.Duration(0)
	switch class {
	case classify.TimeoutShort:
		budget = e.cfg.ShortTimeout
	case classify.TimeoutLong:
		budget = e.cfg.LongTimeout
	}

	hctx := ctx
	var cancel context.CancelFunc
	if budget > 0 {
		hctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	start := time.Now()
	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := handler(hctx, cmd)
		done <- outcome{data: data, err: err}
	}()

	var timedOut <-chan struct{}
	if budget > 0 {
		timedOut = hctx.Done()
	}

	select {
	case out := <-done:
		latency := time.Since(start)
		if out.err != nil {
			e.recordBreakerFailure(cmd)
			return protocol.NewErrorResponse(cmd, out.err.Error())
		}
		e.recordBreakerSuccess(cmd, latency)
		resp := protocol.NewResponse(cmd, out.data)
		e.bumpVersion(cmd, resp)
		return resp

	case <-timedOut:
		// Terminal timeout: the stored outcome is the timeout, and any late
		// completion of the handler goroutine is discarded. Cancellation of
		// the underlying work is attempted on the side channel.
		e.met.CommandTimedOut()
		e.sideChannelAbort(cmd)
		e.recordBreakerFailure(cmd)
		resp := protocol.NewErrorResponse(cmd, fmt.Sprintf("command timed out after %s", budget))
		resp.TimedOut = true
		return resp
	}
}

func (e *Engine) handlerFor(cmd *protocol.Command) Handler {
	e.mu.RLock()
	h, ok := e.handlers[cmd.Type]
	e.mu.RUnlock()
	if ok {
		return h
	}
	if protocol.IsServerCommand(cmd.Type) {
		return nil
	}
	// Default: pass the operation through to the agent session.
	return func(ctx context.Context, cmd *protocol.Command) (any, error) {
		s, ok := e.resolver.GetSession(cmd.SessionID)
		if !ok {
			return nil, fmt.Errorf("session not found: %s", cmd.SessionID)
		}
		return s.Call(ctx, cmd.Type, cmd.Payload)
	}
}

func (e *Engine) sideChannelAbort(cmd *protocol.Command) {
	e.mu.RLock()
	custom, ok := e.aborts[cmd.Type]
	e.mu.RUnlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok {
			custom(ctx, cmd)
			return
		}
		if s, found := e.resolver.GetSession(cmd.SessionID); found {
			if err := s.Abort(ctx, cmd.Type); err != nil {
				slog.Debug("side-channel abort failed", "command", cmd.Type, "session", cmd.SessionID, "error", err)
			}
		}
	}()
}

func (e *Engine) recordBreakerSuccess(cmd *protocol.Command, latency time.Duration) {
	switch cmd.Type {
	case protocol.CmdPrompt, protocol.CmdSteer, protocol.CmdFollowUp, protocol.CmdCompact:
		e.llm.RecordSuccess(e.providerOf(cmd.SessionID), latency)
	case protocol.CmdBash:
		// Exit status does not matter: completion is success for the breaker.
		e.bash.RecordSuccess(cmd.SessionID, latency)
	}
}

func (e *Engine) recordBreakerFailure(cmd *protocol.Command) {
	switch cmd.Type {
	case protocol.CmdPrompt, protocol.CmdSteer, protocol.CmdFollowUp, protocol.CmdCompact:
		e.llm.RecordFailure(e.providerOf(cmd.SessionID))
	case protocol.CmdBash:
		e.bash.RecordTimeout(cmd.SessionID)
	}
}

// bumpVersion advances the session version for mutating successes and
// attaches the new version to the response.
func (e *Engine) bumpVersion(cmd *protocol.Command, resp *protocol.Response) {
	if protocol.IsServerCommand(cmd.Type) || !classify.Mutates(cmd.Type) {
		return
	}
	if v, ok := e.versions.BumpIfMutating(cmd.SessionID, cmd.Type); ok {
		resp.SessionVersion = &v
	}
}

// waitDeps resolves the dependsOn set: terminal successes pass, failures and
// unknowns fail fast, and a dependency queued behind this command in the
// same lane is a guaranteed deadlock, reported as such.
func (e *Engine) waitDeps(ctx context.Context, cmd *protocol.Command, lane string, seq uint64) error {
	if len(cmd.DependsOn) == 0 {
		return nil
	}
	deadline := time.NewTimer(e.cfg.DepWaitTimeout)
	defer deadline.Stop()

	for _, depID := range cmd.DependsOn {
		entry, inf := e.replay.Lookup(depID)
		if entry != nil {
			if !entry.Response.Success {
				return fmt.Errorf("dependency %s failed", depID)
			}
			continue
		}
		if inf == nil {
			return fmt.Errorf("unknown dependency: %s", depID)
		}
		if inf.Lane == lane && inf.Seq > seq {
			return fmt.Errorf("dependency %s is queued behind this command in the same lane", depID)
		}
		select {
		case <-inf.Done:
			if resp := inf.Response(); resp == nil || !resp.Success {
				return fmt.Errorf("dependency %s failed", depID)
			}
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for dependency %s", depID)
		case <-ctx.Done():
			return fmt.Errorf("cancelled waiting for dependency %s", depID)
		}
	}
	return nil
}

func (e *Engine) emitAccepted(cmd *protocol.Command) {
	e.met.CommandAccepted()
	e.emit(&protocol.LifecycleEvent{
		Type: protocol.EventCommandAccepted,
		Data: &protocol.CommandLifecycle{CommandID: cmd.ID, CommandType: cmd.Type, SessionID: cmd.SessionID},
	})
}

func (e *Engine) emitStarted(cmd *protocol.Command) {
	e.emit(&protocol.LifecycleEvent{
		Type: protocol.EventCommandStarted,
		Data: &protocol.CommandLifecycle{CommandID: cmd.ID, CommandType: cmd.Type, SessionID: cmd.SessionID},
	})
}

func (e *Engine) emitFinished(cmd *protocol.Command, resp *protocol.Response) {
	success := resp.Success
	e.emit(&protocol.LifecycleEvent{
		Type: protocol.EventCommandFinished,
		Data: &protocol.CommandLifecycle{
			CommandID:      cmd.ID,
			CommandType:    cmd.Type,
			SessionID:      cmd.SessionID,
			Success:        &success,
			SessionVersion: resp.SessionVersion,
			Replayed:       resp.Replayed,
			TimedOut:       resp.TimedOut,
			Error:          resp.Error,
		},
	})
}
