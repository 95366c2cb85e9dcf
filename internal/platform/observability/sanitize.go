package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Rune caps for request values copied into log entries.
const (
	routeLimit      = 180
	methodLimit     = 10
	identifierLimit = 64
)

// clip drops control and invalid runes and keeps at most limit runes, so request
// supplied values cannot forge log lines.
func clip(value string, limit int) string {
	var b strings.Builder
	kept := 0
	for _, r := range value {
		if kept == limit {
			break
		}
		if r == utf8.RuneError || unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		kept++
	}
	return b.String()
}

// SanitizeIdentifier bounds caller supplied ids (actors, idempotency keys, order ids).
func SanitizeIdentifier(value string) string {
	return clip(strings.TrimSpace(value), identifierLimit)
}
