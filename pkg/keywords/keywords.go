// Package keywords builds the denormalized search keyword list kept on each
// opportunity. Keywords feed the text index, so every value is carried both
// as entered and in a folded form that matches case- and accent-insensitive
// searches. Phone-shaped values also get their E.164 form.
package keywords

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/dealerdesk/crm-backend/pkg/phone"
)

var folder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold strips diacritics and lowercases a value.
func Fold(s string) string {
	folded, _, err := transform.String(folder, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// looksLikePhone reports whether a value consists of dialable characters
// with enough digits to be a phone number.
func looksLikePhone(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' || r == '-' || r == '(' || r == ')' || r == '.' || r == ' ':
		default:
			return false
		}
	}
	return digits >= 7
}

// Expand trims and de-duplicates keyword values, adding the folded form of
// each and the E.164 form of anything phone-shaped. Order of first
// appearance is preserved.
func Expand(values []string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, v := range values {
		add(v)
		add(Fold(v))
		if trimmed := strings.TrimSpace(v); looksLikePhone(trimmed) && trimmed != "" {
			if e164, err := phone.NormalizePhone(trimmed, ""); err == nil {
				add(e164)
			}
		}
	}
	return out
}
