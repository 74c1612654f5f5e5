package note

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	tagPattern     = regexp.MustCompile(`#[^\s\p{Z}]+`)
	bracketPattern = regexp.MustCompile(`\[[^\]]+\]`)
)

// ExtractTags returns the #-prefixed tokens of content in order of first
// appearance, without the marker, bracket artifacts or surrounding space.
func ExtractTags(content string) []string {
	matches := tagPattern.FindAllString(content, -1)
	tags := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		tag := bracketPattern.ReplaceAllString(m, "")
		tag = strings.Trim(tag, "#")
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

// StripBrackets removes topic markers such as [话题] and any other
// [...] group the site renderer leaves behind, then trims the result.
func StripBrackets(s string) string {
	return strings.TrimSpace(bracketPattern.ReplaceAllString(s, ""))
}

// IsHTTPURL reports whether s is an absolute http or https URL.
func IsHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// CleanImages keeps absolute http(s) URLs, drops duplicates and caps the
// list at MaxImages.
func CleanImages(candidates []string) []string {
	images := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if !IsHTTPURL(c) {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		images = append(images, c)
		if len(images) == MaxImages {
			break
		}
	}
	return images
}
