package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/modelexchange/mxf/pkg/models"
)

// Fingerprint derives the cache key for one validation request: a SHA-256
// over the tool name, the canonicalised input, the agent id, and the level.
// Identical calls hit the same cache entry regardless of JSON key order.
func Fingerprint(tool string, input json.RawMessage, agentID string, level models.ValidationLevel) string {
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write([]byte(canonicalJSON(input)))
	h.Write([]byte{0})
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write([]byte(level))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders a JSON value with object keys sorted at every level.
// Invalid JSON canonicalises to its raw bytes so it still fingerprints
// deterministically.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, x[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, el := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, el)
		}
		b.WriteByte(']')
	default:
		eb, err := json.Marshal(x)
		if err != nil {
			fmt.Fprintf(b, "%v", x)
			return
		}
		b.Write(eb)
	}
}
