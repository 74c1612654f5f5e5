package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	stateScriptPattern = regexp.MustCompile(`(?s)window\.__INITIAL_STATE__\s*=\s*(.*?)</script>`)
	undefinedPattern   = regexp.MustCompile(`\bundefined\b`)
)

// Key path from the state root to the map of note entries keyed by note id.
const noteDetailPath = "note.noteDetailMap"

// EmbeddedState reads the note from the page's pre-hydration state object,
// either as handed over by a live document or from the inline script that
// assigns it.
type EmbeddedState struct{}

// Name returns the strategy identifier.
func (EmbeddedState) Name() string { return "embedded-state" }

// Applies is true for every page.
func (EmbeddedState) Applies(*Page) bool { return true }

// Extract locates the first entry of the note detail map.
func (s EmbeddedState) Extract(_ context.Context, page *Page) (*RawNote, error) {
	if len(page.State) > 0 {
		raw, err := noteFromState(string(page.State))
		if err == nil {
			return raw, nil
		}
		// A live state object without the note entry can still leave the
		// inline script intact.
		if page.HTML == "" {
			return nil, err
		}
	}

	payload, ok := StatePayload(page.HTML)
	if !ok {
		return nil, ErrNotApplicable
	}
	return noteFromState(payload)
}

// StatePayload cuts the state assignment out of raw HTML and rewrites the
// undefined tokens the site emits so the result is JSON.
func StatePayload(html string) (string, bool) {
	m := stateScriptPattern.FindStringSubmatch(html)
	if m == nil {
		return "", false
	}
	payload := strings.TrimSpace(m[1])
	payload = strings.TrimSuffix(payload, ";")
	return undefinedPattern.ReplaceAllString(payload, "null"), true
}

func noteFromState(payload string) (*RawNote, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == "null" {
		return nil, ErrNotApplicable
	}
	if !gjson.Valid(payload) {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrMalformedState, len(payload))
	}

	details := gjson.Get(payload, noteDetailPath)
	if !details.IsObject() {
		return nil, ErrNotApplicable
	}

	var id string
	var entry gjson.Result
	details.ForEach(func(key, value gjson.Result) bool {
		id = key.String()
		entry = value.Get("note")
		return false
	})
	if !entry.IsObject() {
		return nil, ErrNotApplicable
	}

	return rawNoteFromEntry(id, entry), nil
}

func rawNoteFromEntry(id string, entry gjson.Result) *RawNote {
	raw := &RawNote{
		ID:       id,
		Title:    entry.Get("title").String(),
		Desc:     entry.Get("desc").String(),
		Type:     entry.Get("type").String(),
		VideoURL: videoURL(entry),
		Nickname: entry.Get("user.nickname").String(),
		UserID:   entry.Get("user.userId").String(),
	}
	if raw.ID == "" {
		raw.ID = entry.Get("noteId").String()
	}

	raw.Liked = firstBool(entry, "interactInfo.liked", "liked")
	raw.Collected = firstBool(entry, "interactInfo.collected", "collected")

	entry.Get("imageList").ForEach(func(_, img gjson.Result) bool {
		u := img.Get("urlDefault").String()
		if u == "" {
			u = img.Get("url").String()
		}
		if u != "" {
			raw.Images = append(raw.Images, u)
		}
		return true
	})

	return raw
}

// videoURL prefers the H.264 manifest for playback compatibility and falls
// back to H.265.
func videoURL(entry gjson.Result) string {
	stream := entry.Get("video.media.stream")
	if !stream.Exists() {
		return ""
	}
	for _, codec := range []string{"h264", "h265"} {
		variants := stream.Get(codec)
		if !variants.IsArray() || len(variants.Array()) == 0 {
			continue
		}
		return variants.Get("0.masterUrl").String()
	}
	return ""
}

func firstBool(entry gjson.Result, paths ...string) bool {
	for _, p := range paths {
		if v := entry.Get(p); v.Exists() {
			return v.Bool()
		}
	}
	return false
}
