package browser

import (
	"context"

	"github.com/chromedp/chromedp"

	"github.com/jmylchreest/notedown/pkg/extract"
)

// StateScript serializes the page's global state object. Objects the page
// cannot serialize yield an empty string.
const StateScript = `(function() {
    try {
        return window.__INITIAL_STATE__ ? JSON.stringify(window.__INITIAL_STATE__) : "";
    } catch (e) {
        return "";
    }
})()`

// CaptureState evaluates StateScript into state.
func CaptureState(state *string) chromedp.Action {
	return chromedp.Evaluate(StateScript, state)
}

// tabDocument is the live document of one tab.
type tabDocument struct {
	tab *tab
}

// URL returns the tab's current location.
func (d tabDocument) URL(ctx context.Context) (string, error) {
	var loc string
	err := d.tab.run(ctx, chromedp.Location(&loc))
	return loc, err
}

// WaitReady blocks until the document is complete.
func (d tabDocument) WaitReady(ctx context.Context) error {
	return d.tab.run(ctx, WaitComplete(readyPoll))
}

// Snapshot captures the location, title, markup and state object.
func (d tabDocument) Snapshot(ctx context.Context) (*extract.Page, error) {
	var loc, title, html, state string
	err := d.tab.run(ctx,
		chromedp.Location(&loc),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		CaptureState(&state),
	)
	if err != nil {
		return nil, err
	}

	page := &extract.Page{URL: loc, Title: title, HTML: html, Live: true}
	if state != "" {
		page.State = []byte(state)
	}
	return page, nil
}
