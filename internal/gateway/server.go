// Package gateway is the transport layer: WebSocket and stdio framing,
// connection lifecycle, the server_ready handshake, and the bridge between
// inbound frames and the execution engine.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agentmux/agentmux/internal/breaker"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/engine"
	"github.com/agentmux/agentmux/internal/governor"
	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/sessions"
	"github.com/agentmux/agentmux/internal/store"
	"github.com/agentmux/agentmux/internal/validate"
	"github.com/agentmux/agentmux/pkg/protocol"
)

// Deps bundles the subsystems the gateway fronts.
type Deps struct {
	Engine   *engine.Engine
	Manager  *sessions.Manager
	Governor *governor.Governor
	Metrics  *metrics.Metrics
	Broker   *sessions.UIBroker
	Files    *sessions.FileStore
	Replay   *store.ReplayStore
	Versions *store.VersionStore
	LLM      *breaker.ProviderSet
	Bash     *breaker.BashSet
}

// Server accepts WebSocket connections and runs the optional stdio transport.
type Server struct {
	cfg       *config.Config
	version   string
	validator *validate.Validator
	deps      Deps

	upgrader websocket.Upgrader
	// accept throttles connection churn; sustained reconnect storms get 429
	// instead of burning upgrade work.
	accept *rate.Limiter

	mu      sync.RWMutex
	clients map[string]sessions.Conn

	// baseCtx outlives any single connection so command execution is not
	// cancelled by the disconnect of the client that submitted it.
	baseCtx context.Context
	started time.Time

	httpServer *http.Server
	draining   atomic.Bool
}

// NewServer builds the gateway. RegisterHandlers must be called before Start.
func NewServer(cfg *config.Config, version string, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		version:   version,
		validator: validate.New(cfg.MaxMessageBytes, cfg.SessionRoots),
		deps:      deps,
		accept:    rate.NewLimiter(rate.Limit(50), 100),
		clients:   make(map[string]sessions.Conn),
		baseCtx:   context.Background(),
		started:   time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return s
}

// Broadcast implements the engine's Emitter: lifecycle events go to every
// connected client. server_shutdown must survive backpressure; the rest are
// droppable under load.
func (s *Server) Broadcast(ev *protocol.LifecycleEvent) {
	critical := ev.Type == protocol.EventServerShutdown
	s.mu.RLock()
	snapshot := make([]sessions.Conn, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()
	for _, c := range snapshot {
		if err := c.Send(ev, critical); err != nil {
			s.deps.Metrics.EventDropped()
			continue
		}
		s.deps.Metrics.EventSent()
	}
}

// Start listens on the configured port until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = context.WithoutCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr, "protocol", protocol.ProtocolVersion)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// BeginDrain stops accepting new connections and tells connected clients the
// server is going away.
func (s *Server) BeginDrain() {
	if s.draining.Swap(true) {
		return
	}
	s.Broadcast(&protocol.LifecycleEvent{Type: protocol.EventServerShutdown})
}

// CloseClients force-closes every remaining connection. Called after drain.
func (s *Server) CloseClients() {
	s.mu.Lock()
	snapshot := make([]sessions.Conn, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()
	for _, c := range snapshot {
		if cl, ok := c.(*Client); ok {
			cl.Close()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.accept.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.deps.Governor.TryAddConnection() {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Governor.ReleaseConnection()
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
		s.deps.Governor.ReleaseConnection()
	}()

	client.Send(s.readyFrame(), true)
	client.Run()
}

// authorize checks the bearer token when one is configured. The token is
// accepted from the Authorization header or, for browser clients that cannot
// set headers on WebSocket upgrades, the token query parameter.
func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.Auth.Token
	if token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == token
	}
	return r.URL.Query().Get("token") == token
}

func (s *Server) readyFrame() *protocol.LifecycleEvent {
	return &protocol.LifecycleEvent{
		Type: protocol.EventServerReady,
		Data: &protocol.ServerReadyData{
			ServerVersion:   s.version,
			ProtocolVersion: protocol.ProtocolVersion,
			Transports:      []string{"websocket", "stdio"},
		},
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocolVersion":%q}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c sessions.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID()] = c
	slog.Info("client connected", "conn", c.ID())
}

func (s *Server) unregisterClient(c sessions.Conn) {
	s.mu.Lock()
	delete(s.clients, c.ID())
	s.mu.Unlock()
	s.deps.Manager.DropConn(c.ID())
	slog.Info("client disconnected", "conn", c.ID())
}

// ClientCount reports connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// StartTestServer listens on a random loopback port and returns the address
// and a start function. Used by integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	s.baseCtx = context.WithoutCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.httpServer.Serve(ln)
	}
	return addr, start
}
