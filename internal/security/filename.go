// Package security holds input hardening helpers.
package security

import "strings"

// maxFilenameLen bounds sanitised names.
const maxFilenameLen = 128

// SanitizeFilename makes a single path element from an arbitrary identifier
// such as a user-supplied scan ID. Anything other than ASCII letters,
// digits, dot, underscore or dash becomes one underscore, and leading or
// trailing dots and underscores are trimmed, so the result can never be
// "..", absolute, or contain a separator. Empty results become "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
