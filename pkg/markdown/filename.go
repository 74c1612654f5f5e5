package markdown

import (
	"regexp"
	"strings"
)

const maxFilenameRunes = 50

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\p{Han}\s_-]`)
	filenameSpaces      = regexp.MustCompile(`\s+`)
)

// SanitizeFilename turns a note title into a file name stem. Characters
// outside ASCII alphanumerics, Han ideographs, whitespace, '_' and '-' are
// dropped, whitespace runs become '-', and the result is capped at 50 runes.
func SanitizeFilename(title string) string {
	s := strings.TrimSpace(unsafeFilenameChars.ReplaceAllString(title, ""))
	s = filenameSpaces.ReplaceAllString(s, "-")
	if s == "" {
		s = "Untitled"
	}
	if r := []rune(s); len(r) > maxFilenameRunes {
		s = string(r[:maxFilenameRunes])
	}
	return s
}
