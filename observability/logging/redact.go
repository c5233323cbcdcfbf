package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// Redacted replaces attribute values that identify participants or reveal
// position sizes before they reach the log stream.
const Redacted = "[redacted]"

// passthrough lists the attribute keys that carry operational data only and
// may be logged verbatim. Everything else - addresses, amounts, share counts -
// is masked.
var passthrough = map[string]struct{}{
	"event":   {},
	"stage":   {},
	"from":    {},
	"to":      {},
	"token":   {},
	"level":   {},
	"index":   {},
	"partial": {},
	"error":   {},
	"reason":  {},
}

// Passthrough reports whether a key may be logged without masking.
func Passthrough(key string) bool {
	_, ok := passthrough[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField builds a slog attribute, masking the value unless the key is a
// known operational field. Empty values pass through so absent attributes do
// not show up as redactions.
func MaskField(key, value string) slog.Attr {
	if value == "" || Passthrough(key) {
		return slog.String(key, value)
	}
	return slog.String(key, Redacted)
}

// EventAttrs converts an event's attribute map into masked slog attributes in
// deterministic key order.
func EventAttrs(attrs map[string]string) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]slog.Attr, 0, len(keys))
	for _, key := range keys {
		out = append(out, MaskField(key, attrs[key]))
	}
	return out
}
