// Package sanitize cleans user-supplied text before it is queued as
// interpreter payload and later rendered into persona prompts. It strips
// control characters, markup tags and markdown structure that could pose as
// prompt sections, while keeping the words intact.
package sanitize

import (
	"regexp"
	"strings"
)

// MaxTextLength is the maximum length of one sanitized text.
const MaxTextLength = 4000

var (
	// reXMLTag matches XML/HTML tags including those with attributes and self-closing tags.
	// It also matches XML processing instructions like <?xml ...?>.
	reXMLTag = regexp.MustCompile(`<[/?!]?[a-zA-Z][a-zA-Z0-9]*(?:\s+[^>]*)?/?>|<\?[^?]*\?>`)

	reMarkdownHeading   = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reHorizontalRule    = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
	reTripleBacktick    = regexp.MustCompile("```+")
	reExcessiveNewlines = regexp.MustCompile(`\n{3,}`)
	reSpaces            = regexp.MustCompile(`[ \t]+`)
)

// Text sanitizes free text such as an event description or a chat message.
//
// The pipeline runs in this order:
//  1. Strip null bytes and ASCII control characters (except \n, \t)
//  2. Strip XML/HTML tags
//  3. Replace markdown headings with list markers
//  4. Remove markdown horizontal rules
//  5. Collapse triple backticks to single backtick
//  6. Collapse excessive newlines (3+ -> 2)
//  7. Trim leading/trailing whitespace
//  8. Truncate to MaxTextLength
func Text(input string) string {
	if input == "" {
		return ""
	}

	s := stripControlChars(input)
	s = reXMLTag.ReplaceAllString(s, "")
	s = reMarkdownHeading.ReplaceAllString(s, "- ")
	s = reHorizontalRule.ReplaceAllString(s, "")
	s = reTripleBacktick.ReplaceAllString(s, "`")
	s = reExcessiveNewlines.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	if len(s) > MaxTextLength {
		s = truncate(s, MaxTextLength) + "..."
	}
	return s
}

// Line sanitizes input like Text and folds it onto one line, since every
// interpreter payload is exactly one queued line.
func Line(input string) string {
	s := Text(input)
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(reSpaces.ReplaceAllString(s, " "))
}

// stripControlChars removes ASCII control characters (0x00-0x1F) from the string,
// except for newline (0x0A) and tab (0x09) which are preserved.
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	for n > 0 && n < len(s) && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
