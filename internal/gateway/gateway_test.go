package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/breaker"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/engine"
	"github.com/agentmux/agentmux/internal/governor"
	"github.com/agentmux/agentmux/internal/locks"
	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/sessions"
	"github.com/agentmux/agentmux/internal/store"
	"github.com/agentmux/agentmux/pkg/protocol"
)

// testConn records every frame it is sent.
type testConn struct {
	id string

	mu     sync.Mutex
	frames []json.RawMessage
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) Send(v any, critical bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	return nil
}

// responses decodes the frames that are terminal command responses.
func (c *testConn) responses() []*protocol.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Response
	for _, raw := range c.frames {
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &probe) != nil || probe.Type != "response" {
			continue
		}
		var r protocol.Response
		if json.Unmarshal(raw, &r) == nil {
			out = append(out, &r)
		}
	}
	return out
}

func (c *testConn) lastResponse(t *testing.T) *protocol.Response {
	t.Helper()
	rs := c.responses()
	require.NotEmpty(t, rs)
	return rs[len(rs)-1]
}

// newTestServer assembles the full stack over the echo engine.
func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	met := metrics.New()
	gov := governor.New(governor.Config{
		PerScopePerMin: cfg.RateLimitPerSessionPerMin,
		GlobalPerMin:   cfg.RateLimitGlobalPerMin,
		MaxSessions:    cfg.MaxSessions,
		MaxConnections: cfg.MaxConnections,
	})
	gov.SetInternalErrorHook(func(string) { met.InternalError() })
	replay := store.NewReplayStore(cfg.MaxCommandOutcomes, cfg.MaxInFlightCommands, cfg.IdempotencyTTL())
	versions := store.NewVersionStore()
	bcfg := breaker.Config{FailureThreshold: 100, Window: time.Minute, OpenToHalfOpen: time.Second, HalfOpenMaxCalls: 1, SuccessThreshold: 1}
	llm := breaker.NewProviderSet(bcfg)
	bash := breaker.NewBashSet(bcfg, bcfg)
	broker := sessions.NewUIBroker(cfg.PendingUIMax, cfg.UITimeout(), met)

	var srv *Server
	emit := func(ev *protocol.LifecycleEvent) {
		if srv != nil {
			srv.Broadcast(ev)
		}
	}
	mgr := sessions.NewManager(agent.NewEchoEngine(), locks.NewManager(), gov, versions, bash, met, broker, emit)
	broker.SetBroadcast(mgr.Broadcast)
	eng := engine.New(engine.Config{
		ShortTimeout:   cfg.ShortTimeout(),
		LongTimeout:    cfg.LongTimeout(),
		DepWaitTimeout: cfg.DepWaitTimeout(),
	}, replay, versions, gov, llm, bash, met, mgr, emit)

	srv = NewServer(cfg, "test", Deps{
		Engine:   eng,
		Manager:  mgr,
		Governor: gov,
		Metrics:  met,
		Broker:   broker,
		Files:    sessions.NewFileStore(nil),
		Replay:   replay,
		Versions: versions,
		LLM:      llm,
		Bash:     bash,
	})
	srv.RegisterHandlers()
	return srv
}

func TestDispatchRejectsInvalidFrames(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := &testConn{id: "c1"}

	srv.dispatch(conn, []byte(`[1,2]`))
	srv.dispatch(conn, []byte(`{"type":"no_such_command"}`))

	rs := conn.responses()
	require.Len(t, rs, 2)
	assert.False(t, rs[0].Success)
	assert.Contains(t, rs[0].Error, "single JSON object")
	assert.False(t, rs[1].Success)
	assert.Contains(t, rs[1].Error, "unknown command type")

	// Rejected frames produce no lifecycle events.
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Len(t, conn.frames, 2)
}

func TestCreateSessionSubscribesCaller(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := &testConn{id: "c1"}

	srv.dispatch(conn, []byte(`{"type":"create_session","id":"k1","sessionId":"work"}`))

	resp := conn.lastResponse(t)
	require.True(t, resp.Success, resp.Error)
	assert.True(t, srv.deps.Manager.IsSubscribed("c1", "work"))
}

func TestSessionCommandEndToEnd(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := &testConn{id: "c1"}

	srv.dispatch(conn, []byte(`{"type":"create_session","id":"k1","sessionId":"work"}`))
	srv.dispatch(conn, []byte(`{"type":"prompt","id":"k2","sessionId":"work","message":"hello"}`))

	resp := conn.lastResponse(t)
	require.True(t, resp.Success, resp.Error)
	require.NotNil(t, resp.SessionVersion)
	assert.Equal(t, int64(1), *resp.SessionVersion)

	data := resp.Data.(map[string]any)
	assert.Equal(t, "echo: hello", data["text"])
}

func TestServerCommandHandlers(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := &testConn{id: "c1"}

	srv.dispatch(conn, []byte(`{"type":"create_session","id":"k1","sessionId":"work"}`))

	srv.dispatch(conn, []byte(`{"type":"list_sessions","id":"k2"}`))
	resp := conn.lastResponse(t)
	require.True(t, resp.Success)
	listing := resp.Data.(map[string]any)["sessions"].([]any)
	assert.Len(t, listing, 1)

	srv.dispatch(conn, []byte(`{"type":"health_check","id":"k3"}`))
	resp = conn.lastResponse(t)
	require.True(t, resp.Success)
	health := resp.Data.(map[string]any)
	assert.Equal(t, "ok", health["status"])

	srv.dispatch(conn, []byte(`{"type":"get_metrics","id":"k4"}`))
	resp = conn.lastResponse(t)
	require.True(t, resp.Success)
	m := resp.Data.(map[string]any)
	assert.Contains(t, m, "counters")
	assert.Contains(t, m, "governor")
	assert.Contains(t, m, "circuits")

	srv.dispatch(conn, []byte(`{"type":"delete_session","id":"k5","sessionId":"work"}`))
	resp = conn.lastResponse(t)
	assert.True(t, resp.Success, resp.Error)
}

func TestCreateSessionGeneratesIDWhenOmitted(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := &testConn{id: "c1"}

	srv.dispatch(conn, []byte(`{"type":"create_session","id":"k1"}`))
	resp := conn.lastResponse(t)
	require.True(t, resp.Success, resp.Error)
	id := resp.Data.(map[string]any)["sessionId"].(string)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, srv.deps.Manager.Count())
}

func TestDuplicateCreateReplaysOnRetry(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := &testConn{id: "c1"}

	srv.dispatch(conn, []byte(`{"type":"create_session","id":"k1","sessionId":"work"}`))
	first := conn.lastResponse(t)
	require.True(t, first.Success)

	// Same id, same payload: replay of the stored success, not a duplicate
	// session error.
	srv.dispatch(conn, []byte(`{"type":"create_session","id":"k1","sessionId":"work"}`))
	retry := conn.lastResponse(t)
	assert.True(t, retry.Success)
	assert.True(t, retry.Replayed)
	assert.Equal(t, 1, srv.deps.Manager.Count())
}

func TestExtensionUIRoundTripOverDispatch(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := &testConn{id: "c1"}

	srv.dispatch(conn, []byte(`{"type":"create_session","id":"k1","sessionId":"work"}`))

	// Kick off a UI request as the agent session would.
	result := make(chan any, 1)
	go func() {
		v, err := srv.deps.Broker.Request(context.Background(), "work", sessions.UIMethodConfirm, map[string]any{"title": "sure?"})
		assert.NoError(t, err)
		result <- v
	}()

	// The subscribed connection receives the extension_ui_request frame.
	var requestID string
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		for _, raw := range conn.frames {
			var frame struct {
				Type  string `json:"type"`
				Event struct {
					Type      string `json:"type"`
					RequestID string `json:"requestId"`
				} `json:"event"`
			}
			if json.Unmarshal(raw, &frame) == nil && frame.Event.Type == protocol.EventExtensionUIRequest {
				requestID = frame.Event.RequestID
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	srv.dispatch(conn, []byte(`{"type":"extension_ui_response","id":"k2","sessionId":"work","requestId":"`+requestID+`","confirmed":true}`))
	assert.Equal(t, true, <-result)
}

func TestStdioTransport(t *testing.T) {
	srv := newTestServer(t, nil)

	in := strings.NewReader(`{"type":"health_check","id":"h1"}` + "\n")
	var out bytes.Buffer
	require.NoError(t, srv.RunStdio(context.Background(), in, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.NotEmpty(t, lines)

	// First frame is the handshake.
	var ready protocol.LifecycleEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ready))
	assert.Equal(t, protocol.EventServerReady, ready.Type)

	var sawResponse bool
	for _, line := range lines[1:] {
		var probe struct {
			Type    string `json:"type"`
			Success bool   `json:"success"`
			ID      string `json:"id"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &probe))
		if probe.Type == "response" && probe.ID == "h1" {
			sawResponse = true
			assert.True(t, probe.Success)
		}
	}
	assert.True(t, sawResponse)
}

func newWSRequest(t *testing.T, header, query string) *http.Request {
	t.Helper()
	target := "/ws"
	if query != "" {
		target += "?token=" + query
	}
	r := httptest.NewRequest(http.MethodGet, target, nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	return r
}

func TestAuthorize(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) { cfg.Auth.Token = "sekrit" })

	req := func(header, query string) bool {
		r := newWSRequest(t, header, query)
		return srv.authorize(r)
	}
	assert.True(t, req("Bearer sekrit", ""))
	assert.False(t, req("Bearer wrong", ""))
	assert.True(t, req("", "sekrit"))
	assert.False(t, req("", ""))

	open := newTestServer(t, nil)
	assert.True(t, open.authorize(newWSRequest(t, "", "")))
}
