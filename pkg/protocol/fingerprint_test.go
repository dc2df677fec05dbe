package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cmdFromJSON(t *testing.T, raw string) *Command {
	t.Helper()
	var c Command
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	return &c
}

func TestFingerprintIgnoresRetryIdentity(t *testing.T) {
	a := cmdFromJSON(t, `{"type":"prompt","id":"cmd-1","sessionId":"s1","message":"hello"}`)
	b := cmdFromJSON(t, `{"type":"prompt","id":"cmd-2","idempotencyKey":"k9","sessionId":"s1","message":"hello"}`)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a := cmdFromJSON(t, `{"type":"prompt","sessionId":"s1","message":"hi","images":["x","y"]}`)
	b := cmdFromJSON(t, `{ "images": ["x","y"], "message":"hi", "sessionId":"s1", "type":"prompt" }`)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintSensitivity(t *testing.T) {
	base := cmdFromJSON(t, `{"type":"prompt","sessionId":"s1","message":"hi"}`)

	tests := []struct {
		name string
		raw  string
	}{
		{"payload value", `{"type":"prompt","sessionId":"s1","message":"hi!"}`},
		{"session", `{"type":"prompt","sessionId":"s2","message":"hi"}`},
		{"type", `{"type":"steer","sessionId":"s1","message":"hi"}`},
		{"extra field", `{"type":"prompt","sessionId":"s1","message":"hi","model":"x"}`},
		{"dependsOn", `{"type":"prompt","sessionId":"s1","message":"hi","dependsOn":["a"]}`},
		{"ifSessionVersion", `{"type":"prompt","sessionId":"s1","message":"hi","ifSessionVersion":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := cmdFromJSON(t, tt.raw)
			assert.NotEqual(t, Fingerprint(base), Fingerprint(other))
		})
	}
}

func TestFingerprintPreservesNumericText(t *testing.T) {
	// 1 and 1.0 are distinct wire texts; canonicalization must not merge them.
	a := cmdFromJSON(t, `{"type":"set_model","sessionId":"s1","index":1}`)
	b := cmdFromJSON(t, `{"type":"set_model","sessionId":"s1","index":1.0}`)
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintNestedObjectOrder(t *testing.T) {
	a := cmdFromJSON(t, `{"type":"bash","sessionId":"s1","opts":{"cwd":"/a","env":{"A":"1","B":"2"}}}`)
	b := cmdFromJSON(t, `{"type":"bash","sessionId":"s1","opts":{"env":{"B":"2","A":"1"},"cwd":"/a"}}`)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}
