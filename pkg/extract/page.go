// Package extract turns a rendered note page into a note.Record.
//
// Extraction runs an ordered chain of strategies. Each strategy either
// produces a raw note, reports ErrNotApplicable so the chain falls through,
// or fails hard. The embedded-state strategy works on both paths; the
// structured-HTML strategy only on fetched pages; the DOM heuristic only on
// live documents.
package extract

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Error types for distinguishing extraction outcomes.
var (
	// ErrNotApplicable means a strategy found nothing it recognises.
	ErrNotApplicable = errors.New("strategy not applicable")
	// ErrNoNoteData means every strategy in the chain was inapplicable or failed.
	ErrNoNoteData = errors.New("no note data found")
	// ErrMalformedState means an embedded state payload did not parse after sanitization.
	ErrMalformedState = errors.New("malformed embedded state")
)

// Page is a rendered note page.
type Page struct {
	// URL is the canonical source URL of the page.
	URL string
	// Title is the document title as rendered.
	Title string
	// HTML is the full serialized document.
	HTML string
	// State is the page's global state object serialized as JSON. Only
	// live documents provide it.
	State []byte
	// Live marks a page read from a document in a running tab, as opposed
	// to HTML fetched out of band.
	Live bool

	once sync.Once
	doc  *goquery.Document
	err  error
}

// Document parses HTML on first use and returns the shared DOM handle.
func (p *Page) Document() (*goquery.Document, error) {
	p.once.Do(func() {
		p.doc, p.err = goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
		if p.err != nil {
			p.err = fmt.Errorf("parse page html: %w", p.err)
		}
	})
	return p.doc, p.err
}

// RawNote is the note object located by a strategy, before field cleanup.
type RawNote struct {
	ID        string
	Title     string
	Desc      string
	Type      string
	Images    []string
	VideoURL  string
	Nickname  string
	UserID    string
	Liked     bool
	Collected bool
}

// Options selects which media and metadata end up in the record.
type Options struct {
	IncludeImages bool
	IncludeVideo  bool
	IncludeTags   bool
}

// DefaultOptions includes everything.
func DefaultOptions() Options {
	return Options{
		IncludeImages: true,
		IncludeVideo:  true,
		IncludeTags:   true,
	}
}
