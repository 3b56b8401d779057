package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint deterministically identifies "the same tool call" within a
// branch for deduplication. It hashes the scope, tool name and a canonical
// rendering of the arguments (sorted keys, normalized scalars) so that
// argument maps with different iteration orders collide as intended.
func Fingerprint(scope BranchRef, tool string, args map[string]any) string {
	var b strings.Builder
	b.WriteString(scope.ConversationID)
	b.WriteByte(0)
	b.WriteString(scope.AgentID)
	b.WriteByte(0)
	b.WriteString(scope.BranchID)
	b.WriteByte(0)
	b.WriteString(tool)
	b.WriteByte(0)
	writeCanonical(&b, args)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ArgsHash is the cache key component for a tool invocation: like Fingerprint
// but scope-free, so identical calls share cache entries across conversations.
func ArgsHash(tool string, args map[string]any) string {
	var b strings.Builder
	b.WriteString(tool)
	b.WriteByte(0)
	writeCanonical(&b, args)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte('=')
			writeCanonical(b, val[k])
			b.WriteByte(';')
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for _, item := range val {
			writeCanonical(b, item)
			b.WriteByte(';')
		}
		b.WriteByte(']')
	case string:
		b.WriteString(val)
	case nil:
		b.WriteString("null")
	case float64:
		// JSON numbers arrive as float64; print integers without the
		// fractional part so 2 and 2.0 fingerprint identically.
		if val == float64(int64(val)) {
			fmt.Fprintf(b, "%d", int64(val))
		} else {
			fmt.Fprintf(b, "%g", val)
		}
	case int:
		fmt.Fprintf(b, "%d", val)
	case int64:
		fmt.Fprintf(b, "%d", val)
	case bool:
		fmt.Fprintf(b, "%t", val)
	default:
		fmt.Fprintf(b, "%v", val)
	}
}
