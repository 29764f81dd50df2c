package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":  {},
	"env":      {},
	"error":    {},
	"reason":   {},
	"epoch_id": {},
	"node":     {},
	"tx_hash":  {},
	"strategy": {},
	"outcome":  {},
	"payer":    {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the log keys that may be emitted
// without redaction.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. Empty values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskURL keeps the scheme and host of a connection string and drops
// credentials, path and query. Unparseable input is redacted entirely.
func MaskURL(key, raw string) slog.Attr {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return slog.String(key, trimmed)
	}
	scheme, rest, ok := strings.Cut(trimmed, "://")
	if !ok {
		return slog.String(key, RedactedValue)
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	if cut := strings.IndexAny(rest, "/?"); cut >= 0 {
		rest = rest[:cut]
	}
	return slog.String(key, scheme+"://"+rest)
}
