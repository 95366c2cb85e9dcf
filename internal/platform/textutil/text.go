package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// maxSanitizePasses bounds the decode and strip loop for nested entity encodings.
const maxSanitizePasses = 4

var (
	plainTextPolicy = bluemonday.StrictPolicy()
	searchLower     = cases.Lower(language.Und)
)

// SanitizePlainText strips markup from free text such as notes and cancel reasons. Entities are
// decoded before stripping, so encoded markup is removed rather than revived, and the result
// reads as plain text.
func SanitizePlainText(value string) string {
	current := strings.TrimSpace(value)
	for range maxSanitizePasses {
		if current == "" {
			return ""
		}
		next := strings.TrimSpace(html.UnescapeString(plainTextPolicy.Sanitize(html.UnescapeString(current))))
		if next == current {
			return current
		}
		current = next
	}
	// Still changing: keep the policy's escaped output.
	return strings.TrimSpace(plainTextPolicy.Sanitize(current))
}

// NormalizeSearch lowercases user supplied search text in NFC form and collapses runs of
// whitespace. It does not fold compatibility forms since stored values are matched as written.
func NormalizeSearch(value string) string {
	lowered := searchLower.String(norm.NFC.String(value))
	return strings.Join(strings.FieldsFunc(lowered, unicode.IsSpace), " ")
}
