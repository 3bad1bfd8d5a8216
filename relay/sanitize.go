package relay

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxNameLen     = 32
	maxRoomLen     = 64
	maxTextLen     = 10000
	maxReactionLen = 16
)

// Text is plain on the wire: markup is stripped, entities are kept as the
// characters they stand for.
var strictPolicy = bluemonday.StrictPolicy()

func sanitize(s string, maxLen int) string {
	if s == "" {
		return ""
	}
	s = strictPolicy.Sanitize(html.UnescapeString(s))
	s = html.UnescapeString(s)

	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if n >= maxLen {
			break
		}
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			continue
		}
		if r == unicode.ReplacementChar {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}

func sanitizeName(s string) string {
	return strings.Join(strings.Fields(sanitize(s, maxNameLen)), " ")
}

func sanitizeRoom(s string) string {
	return strings.Join(strings.Fields(sanitize(s, maxRoomLen)), "-")
}

// sanitizeURL keeps http(s) media links only.
func sanitizeURL(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://") {
		return s
	}
	return ""
}
