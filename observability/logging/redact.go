package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// Keys that are safe to log verbatim through MaskField.
var plainKeys = map[string]struct{}{
	"operation": {},
	"instance":  {},
	"oracle":    {},
	"symbol":    {},
	"signer":    {},
	"requestid": {},
	"reason":    {},
	"status":    {},
}

// MaskValue returns RedactedValue for non-empty input.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskHex keeps the first and last four characters of long hex strings such
// as signatures and digests.
func MaskHex(value string) string {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) <= 12 {
		return MaskValue(trimmed)
	}
	return trimmed[:4] + "…" + trimmed[len(trimmed)-4:]
}

// MaskField redacts value unless key is on the plain list.
func MaskField(key, value string) slog.Attr {
	if _, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]; ok || strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
