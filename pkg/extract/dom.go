package extract

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jmylchreest/notedown/pkg/note"
)

const maxDescRunes = 5000

const descSelector = `.desc, [class*="desc"], [class*="content"]`

// Probed in order; earlier selectors contribute earlier images.
var imageSelectors = []string{
	`img[src*="sns-avatar"]`,
	`img[src*="xhslink"]`,
	`img[class*="lazy"]`,
	`.carousel-container img`,
	`.swiper-slide img`,
}

const fallbackImageSelector = `img[src*="xhslink.com/"], img[src*="sns-avatar"]`

// DOMHeuristic synthesizes a note from whatever a live document shows when
// no state object can be found. It is the strategy of last resort.
type DOMHeuristic struct{}

// Name returns the strategy identifier.
func (DOMHeuristic) Name() string { return "dom-heuristic" }

// Applies is true for live documents.
func (DOMHeuristic) Applies(page *Page) bool {
	return page.Live
}

// Extract probes the title, description and image selectors.
func (d DOMHeuristic) Extract(_ context.Context, page *Page) (*RawNote, error) {
	doc, err := page.Document()
	if err != nil {
		return nil, err
	}

	title := CleanTitle(page.Title)
	if title == "" {
		title = CleanTitle(doc.Find("title").First().Text())
	}

	desc := ""
	if el := doc.Find(descSelector).First(); el.Length() > 0 {
		desc = truncateRunes(el.Text(), maxDescRunes)
	}

	images := probeImages(doc, baseURL(page.URL))

	if strings.TrimSpace(title) == "" && strings.TrimSpace(desc) == "" && len(images) == 0 {
		return nil, ErrNotApplicable
	}

	return &RawNote{
		Title:  title,
		Desc:   desc,
		Type:   "normal",
		Images: images,
	}, nil
}

// baseURL parses the page location used to resolve relative image sources.
// An unusable location yields nil and relative sources are dropped.
func baseURL(location string) *url.URL {
	u, err := url.Parse(location)
	if err != nil || !u.IsAbs() {
		return nil
	}
	return u
}

func probeImages(doc *goquery.Document, base *url.URL) []string {
	var candidates []string
	for _, sel := range imageSelectors {
		doc.Find(sel).Each(func(_ int, img *goquery.Selection) {
			if src := imageSource(img, base); src != "" && !isAvatar(src) {
				candidates = append(candidates, src)
			}
		})
	}

	images := note.CleanImages(candidates)
	if len(images) > 0 {
		return images
	}

	candidates = candidates[:0]
	doc.Find(fallbackImageSelector).Each(func(_ int, img *goquery.Selection) {
		if src := resolve(base, img.AttrOr("src", "")); src != "" && !isAvatar(src) {
			candidates = append(candidates, src)
		}
	})
	return note.CleanImages(candidates)
}

// imageSource takes src, then the lazy-loading attributes, each resolved
// against the page location.
func imageSource(img *goquery.Selection, base *url.URL) string {
	for _, attr := range []string{"src", "data-src", "data-original-src"} {
		if v := resolve(base, img.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return ""
}

// resolve returns an absolute http(s) URL for raw, or "".
func resolve(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if base != nil {
		ref, err := url.Parse(raw)
		if err != nil {
			return ""
		}
		raw = base.ResolveReference(ref).String()
	}
	if !note.IsHTTPURL(raw) {
		return ""
	}
	return raw
}

func isAvatar(src string) bool {
	return strings.Contains(src, "avatar")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
