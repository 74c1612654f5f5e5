package extract

import (
	"regexp"
	"strings"

	"github.com/jmylchreest/notedown/pkg/note"
)

var titleSuffixPattern = regexp.MustCompile(`(?s) - 小红书.*$`)

// CleanTitle strips the site suffix from a document title.
func CleanTitle(title string) string {
	return strings.TrimSpace(titleSuffixPattern.ReplaceAllString(title, ""))
}

// BuildRecord turns a raw note into a record for page. The live document
// title wins over the note's own title because it reflects the final
// render.
func BuildRecord(page *Page, raw *RawNote, opts Options) note.Record {
	title := CleanTitle(page.Title)
	if title == "" {
		title = CleanTitle(raw.Title)
	}
	if title == "" {
		title = note.UntitledTitle
	}

	rec := note.Record{
		Title:     title,
		Content:   note.StripBrackets(raw.Desc),
		Desc:      raw.Desc,
		IsVideo:   raw.Type == "video",
		Source:    page.URL,
		NoteID:    raw.ID,
		Images:    []string{},
		Tags:      []string{},
		Author:    note.Author{Nickname: raw.Nickname, UserID: raw.UserID},
		Liked:     raw.Liked,
		Collected: raw.Collected,
	}

	if opts.IncludeTags {
		rec.Tags = note.ExtractTags(raw.Desc)
	}
	if opts.IncludeImages {
		rec.Images = note.CleanImages(raw.Images)
	}
	if opts.IncludeVideo && note.IsHTTPURL(raw.VideoURL) {
		rec.VideoURL = raw.VideoURL
	}

	return rec
}
