package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxDependsOn bounds the dependsOn set of a single command.
const MaxDependsOn = 32

// Command is the inbound command envelope. Routing fields are lifted out of
// the JSON object; every other member stays in Payload untouched so the
// type-specific shape is passed through to the handler opaquely.
type Command struct {
	Type             string
	ID               string
	SessionID        string
	DependsOn        []string
	IfSessionVersion *int64
	IdempotencyKey   string
	Payload          map[string]json.RawMessage
}

// envelope keys handled by the multiplexer itself. Everything else is payload.
var reservedKeys = map[string]bool{
	"type":             true,
	"id":               true,
	"sessionId":        true,
	"dependsOn":        true,
	"ifSessionVersion": true,
	"idempotencyKey":   true,
}

// UnmarshalJSON splits the frame into routing fields and opaque payload.
func (c *Command) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &c.Type); err != nil {
			return fmt.Errorf("type: %w", err)
		}
	}
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &c.ID); err != nil {
			return fmt.Errorf("id: %w", err)
		}
	}
	if v, ok := raw["sessionId"]; ok {
		if err := json.Unmarshal(v, &c.SessionID); err != nil {
			return fmt.Errorf("sessionId: %w", err)
		}
	}
	if v, ok := raw["dependsOn"]; ok {
		if err := json.Unmarshal(v, &c.DependsOn); err != nil {
			return fmt.Errorf("dependsOn: %w", err)
		}
	}
	if v, ok := raw["ifSessionVersion"]; ok {
		var n int64
		if err := json.Unmarshal(v, &n); err != nil {
			return fmt.Errorf("ifSessionVersion: %w", err)
		}
		c.IfSessionVersion = &n
	}
	if v, ok := raw["idempotencyKey"]; ok {
		if err := json.Unmarshal(v, &c.IdempotencyKey); err != nil {
			return fmt.Errorf("idempotencyKey: %w", err)
		}
	}
	c.Payload = make(map[string]json.RawMessage)
	for k, v := range raw {
		if !reservedKeys[k] {
			c.Payload[k] = v
		}
	}
	return nil
}

// MarshalJSON reassembles the flat wire object.
func (c Command) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.Payload)+6)
	for k, v := range c.Payload {
		out[k] = v
	}
	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = b
		return nil
	}
	if err := put("type", c.Type); err != nil {
		return nil, err
	}
	if c.ID != "" {
		if err := put("id", c.ID); err != nil {
			return nil, err
		}
	}
	if c.SessionID != "" {
		if err := put("sessionId", c.SessionID); err != nil {
			return nil, err
		}
	}
	if c.DependsOn != nil {
		if err := put("dependsOn", c.DependsOn); err != nil {
			return nil, err
		}
	}
	if c.IfSessionVersion != nil {
		if err := put("ifSessionVersion", *c.IfSessionVersion); err != nil {
			return nil, err
		}
	}
	if c.IdempotencyKey != "" {
		if err := put("idempotencyKey", c.IdempotencyKey); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// HasExplicitID reports whether the client supplied its own command ID.
// Synthetic anon: IDs are assigned by the server and never stored for replay.
func (c *Command) HasExplicitID() bool {
	return c.ID != "" && !isAnonID(c.ID)
}

func isAnonID(id string) bool {
	return len(id) >= len(AnonIDPrefix) && id[:len(AnonIDPrefix)] == AnonIDPrefix
}

// PayloadString extracts a string payload field, returning "" when absent or
// not a string.
func (c *Command) PayloadString(key string) string {
	v, ok := c.Payload[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// Response is the single terminal reply to an admitted command.
type Response struct {
	Type           string `json:"type"`
	Command        string `json:"command"`
	Success        bool   `json:"success"`
	ID             string `json:"id,omitempty"`
	Error          string `json:"error,omitempty"`
	SessionVersion *int64 `json:"sessionVersion,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
	TimedOut       bool   `json:"timedOut,omitempty"`
	Data           any    `json:"data,omitempty"`
}

// NewResponse builds a success response for a command.
func NewResponse(cmd *Command, data any) *Response {
	return &Response{
		Type:    "response",
		Command: cmd.Type,
		Success: true,
		ID:      echoID(cmd),
		Data:    data,
	}
}

// NewErrorResponse builds a failure response with a human-readable error.
func NewErrorResponse(cmd *Command, msg string) *Response {
	return &Response{
		Type:    "response",
		Command: cmd.Type,
		Success: false,
		ID:      echoID(cmd),
		Error:   msg,
	}
}

// Clone returns a shallow copy. Replay serves clones so the stored outcome is
// never mutated.
func (r *Response) Clone() *Response {
	cp := *r
	return &cp
}

func echoID(cmd *Command) string {
	if cmd.ID == "" || isAnonID(cmd.ID) {
		return ""
	}
	return cmd.ID
}
