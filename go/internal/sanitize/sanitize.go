// Package sanitize cleans participant free text before it is stored or
// shown to the room.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxTextLength is the rune limit applied after sanitization.
const MaxTextLength = 500

// Sanitizer turns raw text into displayable text.
type Sanitizer interface {
	Sanitize(text string) string
}

// Func adapts a function to Sanitizer.
type Func func(string) string

func (f Func) Sanitize(text string) string { return f(text) }

// Noop only trims and truncates.
var Noop Sanitizer = Func(func(s string) string { return Truncate(strings.TrimSpace(s), MaxTextLength) })

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
	urlPattern   = regexp.MustCompile(`(?i)\bhttps?://\S+`)
)

// Basic strips control characters, collapses whitespace and redacts
// e-mail addresses, phone numbers and links.
type Basic struct {
	MaxLength int
}

// NewBasic returns a Basic sanitizer with the default length cap.
func NewBasic() *Basic {
	return &Basic{MaxLength: MaxTextLength}
}

func (b *Basic) Sanitize(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")

	text = urlPattern.ReplaceAllString(text, "[link]")
	text = emailPattern.ReplaceAllString(text, "[email]")
	text = phonePattern.ReplaceAllString(text, "[phone]")

	max := b.MaxLength
	if max <= 0 {
		max = MaxTextLength
	}
	return Truncate(text, max)
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}
