// Package urlnorm classifies pasted text into canonical note URLs.
//
// Two shapes are recognised. Short links (xhslink.com) are opaque redirects
// and are returned verbatim. Note pages on www.xiaohongshu.com are returned
// in their discovery/item form; explore/<id> is routed identically by the
// site and is rewritten.
package urlnorm

import (
	"regexp"
	"strings"
)

// SiteOrigin prefixes every canonical note page.
const SiteOrigin = "https://www.xiaohongshu.com"

var (
	shortLinkPattern = regexp.MustCompile(`https?://xhslink\.com/a?o?/[^\s,，]+`)
	notePagePattern  = regexp.MustCompile(`https://www\.xiaohongshu\.com/(discovery/item|explore)/([a-zA-Z0-9]+)((?:\?[^\s,，]*)?)`)
	noteIDPattern    = regexp.MustCompile(`xiaohongshu\.com/([a-zA-Z0-9]{24})(?:[/?#]|$)`)
)

// Normalize extracts a canonical source URL from text. It returns false
// when nothing in text looks like a note URL; the caller decides what to
// do with the raw input in that case.
func Normalize(text string) (string, bool) {
	if m := shortLinkPattern.FindString(text); m != "" {
		return m, true
	}

	m := notePagePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return SiteOrigin + "/discovery/item/" + m[2] + m[3], true
}

// IsShortLink reports whether u is a short redirect link.
func IsShortLink(u string) bool {
	return shortLinkPattern.MatchString(u)
}

// IsNotePage reports whether a page URL addresses a single note.
func IsNotePage(u string) bool {
	return strings.Contains(u, "/discovery/item/") ||
		strings.Contains(u, "/explore/") ||
		noteIDPattern.MatchString(u)
}

// NoteID returns the note id carried by a canonical note URL, or "".
func NoteID(u string) string {
	if m := notePagePattern.FindStringSubmatch(u); m != nil {
		return m[2]
	}
	if m := noteIDPattern.FindStringSubmatch(u); m != nil {
		return m[1]
	}
	return ""
}

// OnSite reports whether u belongs to the note site.
func OnSite(u string) bool {
	return strings.HasPrefix(u, SiteOrigin)
}
