package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/pkg/protocol"
)

// UI methods an agent session can request from the client.
const (
	UIMethodSelect    = "select"
	UIMethodConfirm   = "confirm"
	UIMethodInput     = "input"
	UIMethodEditor    = "editor"
	UIMethodInterview = "interview"
)

type pendingRequest struct {
	sessionID string
	method    string
	result    chan any
	timer     *time.Timer
}

// UIBroker correlates server-initiated UI prompts with the eventual
// extension_ui_response from a client. Pending requests are bounded;
// overflow returns nil so the caller degrades to a default.
type UIBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	max     int
	timeout time.Duration
	met     *metrics.Metrics

	// broadcast is set by the session manager after construction to break
	// the creation cycle between broker and manager.
	broadcast func(sessionID string, event any)
}

// NewUIBroker builds the broker.
func NewUIBroker(max int, timeout time.Duration, met *metrics.Metrics) *UIBroker {
	return &UIBroker{
		pending: make(map[string]*pendingRequest),
		max:     max,
		timeout: timeout,
		met:     met,
	}
}

// SetBroadcast wires the subscriber fan-out used to deliver
// extension_ui_request events.
func (b *UIBroker) SetBroadcast(fn func(sessionID string, event any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast = fn
}

// Request broadcasts an extension_ui_request to the session's subscribers
// and waits for the matching extension_ui_response. When the pending table
// is full it returns (nil, nil) so the extension receives a default instead
// of an error. A timeout fails the pending entry deterministically.
func (b *UIBroker) Request(ctx context.Context, sessionID, method string, payload any) (any, error) {
	requestID := fmt.Sprintf("%s:%d:%s", sessionID, time.Now().Unix(), uuid.NewString()[:8])

	b.mu.Lock()
	if len(b.pending) >= b.max {
		b.mu.Unlock()
		b.met.UIOverflow()
		return nil, nil
	}
	p := &pendingRequest{
		sessionID: sessionID,
		method:    method,
		result:    make(chan any, 1),
	}
	p.timer = time.AfterFunc(b.timeout, func() { b.expire(requestID) })
	b.pending[requestID] = p
	broadcast := b.broadcast
	b.mu.Unlock()

	if broadcast != nil {
		broadcast(sessionID, map[string]any{
			"type":      protocol.EventExtensionUIRequest,
			"requestId": requestID,
			"method":    method,
			"payload":   payload,
		})
	}

	select {
	case v, ok := <-p.result:
		if !ok {
			return nil, fmt.Errorf("ui request %s timed out", requestID)
		}
		return v, nil
	case <-ctx.Done():
		b.remove(requestID)
		return nil, ctx.Err()
	}
}

// Resolve completes the pending request named by an extension_ui_response.
// The method-specific value is extracted from the command payload.
func (b *UIBroker) Resolve(requestID string, payload map[string]json.RawMessage) error {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
		p.timer.Stop()
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending ui request: %s", requestID)
	}

	p.result <- extractUIValue(p.method, payload)
	return nil
}

// extractUIValue pulls the method-specific response value.
func extractUIValue(method string, payload map[string]json.RawMessage) any {
	if raw, ok := payload["cancelled"]; ok {
		var cancelled bool
		if json.Unmarshal(raw, &cancelled) == nil && cancelled {
			return nil
		}
	}
	key := map[string]string{
		UIMethodSelect:    "value",
		UIMethodConfirm:   "confirmed",
		UIMethodInput:     "value",
		UIMethodEditor:    "value",
		UIMethodInterview: "responses",
	}[method]
	raw, ok := payload[key]
	if !ok {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// expire fails a pending entry after the configured timeout.
func (b *UIBroker) expire(requestID string) {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if ok {
		close(p.result)
	}
}

// remove drops a pending entry without resolving it.
func (b *UIBroker) remove(requestID string) {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
		p.timer.Stop()
	}
	b.mu.Unlock()
}

// CancelSession drops all pending requests for a deleted session.
func (b *UIBroker) CancelSession(sessionID string) {
	b.mu.Lock()
	var expired []*pendingRequest
	for id, p := range b.pending {
		if p.sessionID == sessionID {
			p.timer.Stop()
			expired = append(expired, p)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()
	for _, p := range expired {
		close(p.result)
	}
}

// Pending reports the number of in-flight UI requests.
func (b *UIBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
