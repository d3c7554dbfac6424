package faults

import "strings"

// secretKeywords flags context keys whose values must never reach logs or
// persisted error records.
var secretKeywords = []string{"token", "apikey", "api_key", "authorization", "password", "secret"}

// Redact returns a copy of ctx with the values of secret-looking keys
// masked. The input map is not modified.
func Redact(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if isSecretKey(k) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, w := range secretKeywords {
		if strings.Contains(k, w) {
			return true
		}
	}
	return false
}
