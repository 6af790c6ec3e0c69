package message

import (
	"encoding/json"
	"strings"
)

var sensitiveKeys = []string{"password", "token", "secret"}

// Redact returns the log form of m: secret-looking params are masked.
func Redact(m Message) map[string]any {
	out := map[string]any{
		"event":  m.Event,
		"params": redactParams(m.Params),
	}
	if m.ErrorCount > 0 {
		out["error_count"] = m.ErrorCount
	}
	return out
}

// RedactedJSON is Redact encoded as a JSON string, for log fields.
func RedactedJSON(m Message) string {
	data, err := json.Marshal(Redact(m))
	if err != nil {
		return m.Event
	}
	return string(data)
}

func redactParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch {
		case isSensitive(k):
			if s, ok := v.(string); ok {
				out[k] = MaskSecret(s)
			} else {
				out[k] = "***"
			}
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = redactParams(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// MaskSecret маскирует секрет, оставляя только первые 4 и последние 4 символа.
// Считает руны, чтобы не разрезать многобайтовый символ.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}

	r := []rune(secret)
	if len(r) < 8 {
		return "***"
	}

	return string(r[:4]) + strings.Repeat("*", len(r)-8) + string(r[len(r)-4:])
}
