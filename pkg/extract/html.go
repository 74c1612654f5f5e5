package extract

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Content container of the server-rendered note description.
var descContainerSelectors = []string{"div#detail-desc.desc", "#detail-desc", "div.desc"}

// StructuredHTML reads the server-rendered description container of a
// fetched page, with Open Graph tags as the media source.
type StructuredHTML struct{}

// Name returns the strategy identifier.
func (StructuredHTML) Name() string { return "structured-html" }

// Applies is true for fetched pages that carry HTML.
func (StructuredHTML) Applies(page *Page) bool {
	return !page.Live && page.HTML != ""
}

// Extract reads the description container and media meta tags.
func (s StructuredHTML) Extract(_ context.Context, page *Page) (*RawNote, error) {
	doc, err := page.Document()
	if err != nil {
		return nil, err
	}

	var container *goquery.Selection
	for _, sel := range descContainerSelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			container = found
			break
		}
	}
	if container == nil {
		return nil, ErrNotApplicable
	}

	desc := strings.TrimSpace(textWithBreaks(container))
	if desc == "" {
		return nil, ErrNotApplicable
	}

	raw := &RawNote{
		Desc:     desc,
		Title:    metaContent(doc, "og:title"),
		Images:   metaContents(doc, "og:image"),
		VideoURL: metaContent(doc, "og:video"),
	}
	if metaContent(doc, "og:type") == "video" {
		raw.Type = "video"
	}
	return raw, nil
}

// textWithBreaks returns the text of sel with <br> elements kept as newlines.
func textWithBreaks(sel *goquery.Selection) string {
	clone := sel.Clone()
	clone.Find("br").ReplaceWithHtml("\n")
	return clone.Text()
}

func metaContent(doc *goquery.Document, name string) string {
	if vals := metaContents(doc, name); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func metaContents(doc *goquery.Document, name string) []string {
	var vals []string
	doc.Find(`meta[name="` + name + `"], meta[property="` + name + `"]`).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("content"); ok && strings.TrimSpace(v) != "" {
			vals = append(vals, strings.TrimSpace(v))
		}
	})
	return vals
}
