package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint computes a deterministic structural hash of a workflow, used
// as the routing key for affinity and failover bookkeeping.
//
// Equal structures hash equal regardless of map iteration order: mappings
// are serialized with keys in lexicographic byte order at every depth,
// arrays keep source order, and numbers use a fixed representation. The
// result is 64 hex characters (SHA-256). Two workflows differing only by an
// ephemeral field such as a seed get different fingerprints; grouping is by
// exact graph, not semantic intent.
func Fingerprint(workflow map[string]interface{}) string {
	var sb strings.Builder
	writeCanonical(&sb, workflow)
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// writeCanonical serializes v into a canonical JSON-like form. NaN and
// infinities have no canonical encoding and are written as null.
func writeCanonical(sb *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		sb.WriteString(strconv.Quote(val))
	case float64:
		writeCanonicalFloat(sb, val)
	case float32:
		writeCanonicalFloat(sb, float64(val))
	case int:
		sb.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(val, 10))
	case uint64:
		sb.WriteString(strconv.FormatUint(val, 10))
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	default:
		// Unusual leaf types fall back to a stable textual form.
		sb.WriteString(strconv.Quote(fmt.Sprintf("%v", val)))
	}
}

// writeCanonicalFloat writes a number without trailing zeros. Integral
// values print as integers so 2 and 2.0 hash equal.
func writeCanonicalFloat(sb *strings.Builder, f float64) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		sb.WriteString("null")
		return
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		sb.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

// CloneWorkflow deep-copies a workflow so later caller mutations cannot
// reach state the pool already captured.
func CloneWorkflow(workflow map[string]interface{}) map[string]interface{} {
	if workflow == nil {
		return nil
	}
	return cloneMap(workflow)
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
