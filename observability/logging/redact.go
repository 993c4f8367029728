package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive field values in log output.
const RedactedValue = "[REDACTED]"

// Claim payloads carry free-form response proofs and survey takers are
// pseudonymous; neither belongs in plaintext logs.
var sensitiveKeys = map[string]struct{}{
	"proof":          {},
	"response_proof": {},
	"user_id":        {},
	"bearer_token":   {},
	"jwt":            {},
	"signer_key":     {},
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr whose value is redacted when the key names a
// sensitive field. Empty values pass through unchanged.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
