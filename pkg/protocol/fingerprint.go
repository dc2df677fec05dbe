package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint derives the semantic identity of a command: a stable digest of
// everything except retry identity (id and idempotencyKey). Two commands with
// equal fingerprints are treated as the same logical operation by the replay
// store; any payload difference breaks equivalence.
func Fingerprint(c *Command) string {
	var b strings.Builder
	b.WriteString("type=")
	b.WriteString(c.Type)
	b.WriteString("|session=")
	b.WriteString(c.SessionID)
	b.WriteString("|deps=")
	b.WriteString(strings.Join(c.DependsOn, ","))
	b.WriteString("|ifv=")
	if c.IfSessionVersion != nil {
		fmt.Fprintf(&b, "%d", *c.IfSessionVersion)
	}
	b.WriteString("|payload=")

	keys := make([]string, 0, len(c.Payload))
	for k := range c.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.Write(canonicalJSON(c.Payload[k]))
		b.WriteString(";")
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON re-encodes a raw JSON value with sorted object keys and exact
// numeric text preserved, so fingerprints are independent of client key order
// and whitespace. Invalid fragments fall back to the raw bytes.
func canonicalJSON(raw json.RawMessage) []byte {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
