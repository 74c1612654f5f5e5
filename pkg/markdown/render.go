// Package markdown renders note records as Markdown documents with front
// matter. Rendering is pure: the current time is supplied by the caller.
package markdown

import (
	"regexp"
	"strings"
	"time"

	"github.com/jmylchreest/notedown/pkg/note"
)

const (
	coverAlt = "封面图片"
	imageAlt = "图片"

	dateLayout     = "2006-01-02"
	importedLayout = "1/2/2006, 3:04:05 PM"
)

var (
	// Single tokens, used for video notes.
	tagTokenPattern = regexp.MustCompile(`#[^\s\p{Z}]+`)
	// Contiguous runs of tokens and their trailing space, used for image notes.
	tagRunPattern = regexp.MustCompile(`#[^#\s\p{Z}]*(?:[\s\p{Z}]+#[^#\s\p{Z}]*)*[\s\p{Z}]*`)
)

// Clock supplies the rendering time.
type Clock func() time.Time

// Render converts rec into a Markdown document. now fills the date
// (UTC calendar date) and Imported At (local timestamp) front matter keys.
func Render(rec note.Record, now time.Time) string {
	var sb strings.Builder

	writeFrontMatter(&sb, rec, now)
	sb.WriteString("# " + rec.Title + "\n\n")

	if rec.IsVideo {
		writeVideoBody(&sb, rec)
	} else {
		writeImageBody(&sb, rec)
	}

	return sb.String()
}

// RenderNow renders rec with the time returned by clock.
func RenderNow(rec note.Record, clock Clock) string {
	if clock == nil {
		clock = time.Now
	}
	return Render(rec, clock())
}

func writeFrontMatter(sb *strings.Builder, rec note.Record, now time.Time) {
	sb.WriteString("---\n")
	sb.WriteString("title: " + rec.Title + "\n")
	sb.WriteString("source: " + rec.Source + "\n")
	sb.WriteString("date: " + now.UTC().Format(dateLayout) + "\n")
	sb.WriteString("Imported At: " + now.Format(importedLayout) + "\n")
	sb.WriteString("tags: " + strings.Join(rec.Tags, ", ") + "\n")
	sb.WriteString("---\n\n")
}

func writeVideoBody(sb *strings.Builder, rec note.Record) {
	switch {
	case rec.HasVideo():
		sb.WriteString(`<video controls src="` + rec.VideoURL + `" width="100%"></video>` + "\n\n")
	case len(rec.Images) > 0:
		// No playable stream: link the cover to the source page instead.
		sb.WriteString("[![" + coverAlt + "](" + rec.Cover() + ")](" + rec.Source + ")\n\n")
	}

	content := strings.TrimSpace(tagTokenPattern.ReplaceAllString(rec.Content, ""))
	sb.WriteString(content + "\n\n")

	if len(rec.Tags) > 0 {
		writeTagFence(sb, rec.Tags)
		sb.WriteString("```\n")
	}
}

func writeImageBody(sb *strings.Builder, rec note.Record) {
	if len(rec.Images) > 0 {
		sb.WriteString("![" + coverAlt + "](" + rec.Cover() + ")\n\n")
	}

	content := strings.TrimSpace(tagRunPattern.ReplaceAllString(rec.Content, ""))
	sb.WriteString(content + "\n\n")

	if len(rec.Tags) > 0 {
		writeTagFence(sb, rec.Tags)
		sb.WriteString("```\n\n")
	}

	// The gallery repeats the cover.
	if len(rec.Images) > 0 {
		lines := make([]string, len(rec.Images))
		for i, img := range rec.Images {
			lines[i] = "![" + imageAlt + "](" + img + ")"
		}
		sb.WriteString(strings.Join(lines, "\n") + "\n")
	}
}

func writeTagFence(sb *strings.Builder, tags []string) {
	marked := make([]string, len(tags))
	for i, tag := range tags {
		marked[i] = "#" + tag
	}
	sb.WriteString("```\n")
	sb.WriteString(strings.Join(marked, " ") + "\n")
}
