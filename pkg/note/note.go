// Package note defines the canonical note record produced by extraction.
package note

// MaxImages bounds the number of images carried by a record.
const MaxImages = 9

// UntitledTitle is used when neither the document nor the note supplies a title.
const UntitledTitle = "Untitled"

// Author identifies the note's creator.
type Author struct {
	Nickname string `json:"nickname" yaml:"nickname"`
	UserID   string `json:"userId" yaml:"userId"`
}

// Record is a single extracted note. It is built once per extraction
// attempt and passed by value afterwards.
type Record struct {
	Title     string   `json:"title" yaml:"title"`
	Content   string   `json:"content" yaml:"content"`
	Desc      string   `json:"desc" yaml:"desc"`
	Images    []string `json:"images" yaml:"images"`
	VideoURL  string   `json:"videoUrl,omitempty" yaml:"videoUrl,omitempty"`
	IsVideo   bool     `json:"isVideo" yaml:"isVideo"`
	Tags      []string `json:"tags" yaml:"tags"`
	Source    string   `json:"source" yaml:"source"`
	NoteID    string   `json:"noteId,omitempty" yaml:"noteId,omitempty"`
	Author    Author   `json:"author" yaml:"author"`
	Liked     bool     `json:"liked" yaml:"liked"`
	Collected bool     `json:"collected" yaml:"collected"`
}

// HasVideo reports whether the record carries a playable video URL.
func (r Record) HasVideo() bool {
	return r.VideoURL != ""
}

// Cover returns the first image, or "" when the record has none.
func (r Record) Cover() string {
	if len(r.Images) == 0 {
		return ""
	}
	return r.Images[0]
}

// Extraction is a record together with its rendered Markdown. It is the
// payload exchanged between actors and returned by the HTTP surface.
type Extraction struct {
	Record   `yaml:",inline"`
	Markdown string `json:"markdown" yaml:"markdown"`
}

// MarkdownDocument returns the rendered document.
func (e Extraction) MarkdownDocument() string {
	return e.Markdown
}

// DocumentTitle returns the title used to name the document on disk.
func (e Extraction) DocumentTitle() string {
	return e.Title
}
