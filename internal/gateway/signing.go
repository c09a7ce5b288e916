package gateway

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// signPayload computes the manufacturer request signature: primitive
// fields sorted alphabetically by key, values concatenated, req_source
// and the shared secret appended, md5 as 32 lowercase hex chars. Nested
// objects and arrays are excluded from the concatenation; this is the
// remote protocol's rule, not ours.
func signPayload(payload map[string]interface{}, reqSource, secret string) string {
	keys := make([]string, 0, len(payload))
	for key, value := range payload {
		if isPrimitive(value) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		sb.WriteString(valueString(payload[key]))
	}
	sb.WriteString(reqSource)
	sb.WriteString(secret)

	sum := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func isPrimitive(v interface{}) bool {
	switch v.(type) {
	case string, bool, int, int32, int64, float32, float64, json.Number:
		return true
	}
	return false
}

func valueString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	}
	return ""
}
