package validate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/pkg/protocol"
)

func newValidator() *Validator {
	return New(1024*1024, nil)
}

func TestFrameRejectsNonObject(t *testing.T) {
	v := newValidator()

	_, err := v.Frame([]byte(`[1,2,3]`))
	assert.ErrorContains(t, err, "single JSON object")

	_, err = v.Frame([]byte(`not json`))
	assert.Error(t, err)
}

func TestFrameRejectsOversize(t *testing.T) {
	v := New(64, nil)
	big := `{"type":"prompt","sessionId":"s1","message":"` + strings.Repeat("x", 100) + `"}`
	_, err := v.Frame([]byte(big))
	assert.ErrorContains(t, err, "exceeds")
}

func TestCommandValidation(t *testing.T) {
	v := newValidator()

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"ok server", `{"type":"list_sessions"}`, ""},
		{"ok session", `{"type":"prompt","sessionId":"s1","message":"hi"}`, ""},
		{"missing type", `{"sessionId":"s1"}`, "missing command type"},
		{"unknown type", `{"type":"frobnicate"}`, "unknown command type"},
		{"reserved id prefix", `{"type":"list_sessions","id":"anon:x"}`, "reserved prefix"},
		{"session required", `{"type":"prompt","message":"hi"}`, "requires sessionId"},
		{"traversal session", `{"type":"prompt","sessionId":"../etc","message":"hi"}`, "traversal"},
		{"bad session chars", `{"type":"prompt","sessionId":"a b","message":"hi"}`, "must match"},
		{"negative version", `{"type":"prompt","sessionId":"s1","ifSessionVersion":-1}`, "non-negative"},
		{"ui response without requestId", `{"type":"extension_ui_response","sessionId":"s1"}`, "requires requestId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Frame([]byte(tt.raw))
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestDependsOnBound(t *testing.T) {
	v := newValidator()
	deps := make([]string, protocol.MaxDependsOn+1)
	for i := range deps {
		deps[i] = "d"
	}
	cmd := &protocol.Command{Type: protocol.CmdPrompt, SessionID: "s1", DependsOn: deps}
	assert.ErrorContains(t, v.Command(cmd), "dependsOn exceeds")

	cmd.DependsOn = deps[:protocol.MaxDependsOn]
	assert.NoError(t, v.Command(cmd))
}

func TestLoadSessionPathRules(t *testing.T) {
	root := t.TempDir()
	v := New(1024*1024, []string{root})

	ok := filepath.Join(root, "saved.json")
	require.NoError(t, os.WriteFile(ok, []byte(`{}`), 0o644))

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"ok under root", ok, ""},
		{"ok jsonl", filepath.Join(root, "s.jsonl"), ""},
		{"ok pi sessions anywhere", "/var/data/.pi/sessions/x.json", ""},
		{"missing", "", "requires path"},
		{"relative", "rel/x.json", "absolute"},
		{"wrong extension", filepath.Join(root, "x.txt"), ".json or .jsonl"},
		{"traversal", root + "/../up.json", "traversal"},
		{"outside roots", "/etc/passwd.json", "outside allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &protocol.Command{Type: protocol.CmdLoadSession}
			if tt.path != "" {
				cmd.Payload = rawPayload(t, "path", tt.path)
			}
			err := v.Command(cmd)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func rawPayload(t *testing.T, key, val string) map[string]json.RawMessage {
	t.Helper()
	b, err := json.Marshal(val)
	require.NoError(t, err)
	return map[string]json.RawMessage{key: b}
}
