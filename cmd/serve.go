package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/breaker"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/engine"
	"github.com/agentmux/agentmux/internal/gateway"
	"github.com/agentmux/agentmux/internal/governor"
	"github.com/agentmux/agentmux/internal/locks"
	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/sessions"
	"github.com/agentmux/agentmux/internal/store"
	"github.com/agentmux/agentmux/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the multiplexer on the WebSocket transport",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func stdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Run the multiplexer on stdin/stdout with one JSON frame per line",
		Run: func(cmd *cobra.Command, args []string) {
			runStdio()
		},
	}
}

// runtime is the assembled daemon.
type runtime struct {
	cfg *config.Config
	srv *gateway.Server
	eng *engine.Engine
	mgr *sessions.Manager
	gov *governor.Governor
}

// build assembles every subsystem against the loaded config. The lifecycle
// emitter is late-bound: the engine and manager need it at construction but
// the gateway that implements it is built last.
func build(cfg *config.Config) *runtime {
	met := metrics.New()

	gov := governor.New(governor.Config{
		PerScopePerMin:     cfg.RateLimitPerSessionPerMin,
		GlobalPerMin:       cfg.RateLimitGlobalPerMin,
		MaxSessions:        cfg.MaxSessions,
		MaxConnections:     cfg.MaxConnections,
		MaxSessionLifetime: cfg.MaxSessionLifetime(),
	})
	gov.SetInternalErrorHook(func(string) { met.InternalError() })

	replay := store.NewReplayStore(cfg.MaxCommandOutcomes, cfg.MaxInFlightCommands, cfg.IdempotencyTTL())
	gov.SetIdempotencyPruner(replay.PruneIdempotency)
	versions := store.NewVersionStore()

	cc := cfg.Circuit
	window := time.Duration(cc.WindowMs) * time.Millisecond
	toHalfOpen := time.Duration(cc.OpenToHalfOpenMs) * time.Millisecond
	latency := time.Duration(cc.LatencyThresholdMs) * time.Millisecond
	llm := breaker.NewProviderSet(breaker.Config{
		FailureThreshold: cc.LLMFailureThreshold,
		Window:           window,
		OpenToHalfOpen:   toHalfOpen,
		HalfOpenMaxCalls: cc.HalfOpenMaxCalls,
		SuccessThreshold: cc.SuccessThreshold,
		LatencyThreshold: latency,
	})
	bash := breaker.NewBashSet(
		breaker.Config{
			FailureThreshold: cc.BashSessionThreshold,
			Window:           window,
			OpenToHalfOpen:   toHalfOpen,
			HalfOpenMaxCalls: cc.HalfOpenMaxCalls,
			SuccessThreshold: cc.SuccessThreshold,
		},
		breaker.Config{
			FailureThreshold: cc.BashGlobalThreshold,
			Window:           window,
			OpenToHalfOpen:   toHalfOpen,
			HalfOpenMaxCalls: cc.HalfOpenMaxCalls,
			SuccessThreshold: cc.SuccessThreshold,
		},
	)

	lockMgr := locks.NewManager()
	lockMgr.SetLongHoldHook(func(id string, held time.Duration) {
		met.LongLockHold()
		slog.Warn("long lock hold", "session", id, "held", held)
	})

	broker := sessions.NewUIBroker(cfg.PendingUIMax, cfg.UITimeout(), met)

	var srv *gateway.Server
	emit := func(ev *protocol.LifecycleEvent) {
		if srv != nil {
			srv.Broadcast(ev)
		}
	}

	backend := agent.NewEchoEngine()
	mgr := sessions.NewManager(backend, lockMgr, gov, versions, bash, met, broker, emit)
	broker.SetBroadcast(mgr.Broadcast)

	eng := engine.New(engine.Config{
		ShortTimeout:   cfg.ShortTimeout(),
		LongTimeout:    cfg.LongTimeout(),
		DepWaitTimeout: cfg.DepWaitTimeout(),
	}, replay, versions, gov, llm, bash, met, mgr, emit)

	files := sessions.NewFileStore(append(sessions.DefaultRoots(), cfg.SessionRoots...))

	srv = gateway.NewServer(cfg, Version, gateway.Deps{
		Engine:   eng,
		Manager:  mgr,
		Governor: gov,
		Metrics:  met,
		Broker:   broker,
		Files:    files,
		Replay:   replay,
		Versions: versions,
		LLM:      llm,
		Bash:     bash,
	})
	srv.RegisterHandlers()

	return &runtime{cfg: cfg, srv: srv, eng: eng, mgr: mgr, gov: gov}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func runServe() {
	setupLogging()
	cfg := loadConfig()
	rt := build(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt.gov.StartSweeper(ctx, 30*time.Second)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func runStdio() {
	setupLogging()
	cfg := loadConfig()
	rt := build(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt.gov.StartSweeper(ctx, 30*time.Second)

	err := rt.srv.RunStdio(ctx, os.Stdin, os.Stdout)
	rt.shutdown()
	if err != nil && err != context.Canceled {
		slog.Error("stdio transport exited", "error", err)
		os.Exit(1)
	}
}

// shutdown drains in order: stop admitting, tell clients, wait for in-flight
// work up to the budget, then tear sessions and connections down.
func (rt *runtime) shutdown() {
	slog.Info("shutting down", "drainTimeout", rt.cfg.DrainTimeout())
	rt.srv.BeginDrain()
	rt.eng.BeginDrain()
	if !rt.eng.Drain(rt.cfg.DrainTimeout()) {
		slog.Warn("drain timeout exceeded, abandoning in-flight commands")
	}
	rt.mgr.Shutdown()
	rt.srv.CloseClients()
	rt.gov.Stop()
}
