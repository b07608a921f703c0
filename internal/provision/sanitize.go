package provision

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	FallbackChannelName = "workflow-channel"
	MaxChannelName      = 100
	minChannelName      = 2
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// SanitizeChannelName maps s to a platform-safe channel name: diacritics are
// folded, letters lowercased, spaces become hyphens, anything outside
// [a-z0-9-_] is dropped and hyphens are trimmed from both ends. Results
// shorter than two characters fall back to FallbackChannelName.
func SanitizeChannelName(s string) string {
	if folded, _, err := transform.String(stripMarks, s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == ' ':
			b.WriteByte('-')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	name := strings.Trim(b.String(), "-")
	if len(name) > MaxChannelName {
		name = strings.Trim(name[:MaxChannelName], "-")
	}
	if len(name) < minChannelName {
		return FallbackChannelName
	}
	return name
}
