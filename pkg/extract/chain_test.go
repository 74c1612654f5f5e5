package extract

import (
	"context"
	"errors"
	"testing"
)

type stubStrategy struct {
	name    string
	applies bool
	raw     *RawNote
	err     error
	calls   int
}

func (s *stubStrategy) Name() string       { return s.name }
func (s *stubStrategy) Applies(*Page) bool { return s.applies }
func (s *stubStrategy) Extract(context.Context, *Page) (*RawNote, error) {
	s.calls++
	return s.raw, s.err
}

// --- Chain Tests ---

func TestChain_ServerPageUsesEmbeddedState(t *testing.T) {
	page := &Page{
		URL:   "https://www.xiaohongshu.com/discovery/item/64f1a2b3c4d5e6f7a8b9c0d1",
		Title: "周末早餐合集 - 小红书",
		HTML:  readTestdata(t, "state_image_note.html"),
	}

	result, err := DefaultChain().Extract(context.Background(), page, DefaultOptions())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if result.Strategy != "embedded-state" {
		t.Errorf("Strategy = %q, want embedded-state", result.Strategy)
	}

	rec := result.Record
	if rec.Title != "周末早餐合集" {
		t.Errorf("Title = %q, want the page title", rec.Title)
	}
	if rec.Content != "早餐很好吃 #美食# #早餐教程#" {
		t.Errorf("Content = %q", rec.Content)
	}
	if rec.Desc != "早餐很好吃 #美食[话题]# #早餐教程[话题]#" {
		t.Errorf("Desc = %q", rec.Desc)
	}
	if !equalStrings(rec.Tags, []string{"美食", "早餐教程"}) {
		t.Errorf("Tags = %v", rec.Tags)
	}
	wantImages := []string{
		"https://sns-webpic-qc.xhscdn.com/1.jpg",
		"https://sns-webpic-qc.xhscdn.com/2.jpg",
	}
	if !equalStrings(rec.Images, wantImages) {
		t.Errorf("Images = %v, want %v", rec.Images, wantImages)
	}
	if rec.Source != page.URL {
		t.Errorf("Source = %q, want %q", rec.Source, page.URL)
	}
	if rec.NoteID != "64f1a2b3c4d5e6f7a8b9c0d1" {
		t.Errorf("NoteID = %q", rec.NoteID)
	}
	if rec.IsVideo || rec.VideoURL != "" {
		t.Errorf("IsVideo/VideoURL = %v/%q, want image note", rec.IsVideo, rec.VideoURL)
	}
	if rec.Author.Nickname != "小厨" || !rec.Liked {
		t.Errorf("Author/Liked = %+v/%v", rec.Author, rec.Liked)
	}
}

func TestChain_VideoRecord(t *testing.T) {
	page := &Page{
		URL:   "https://www.xiaohongshu.com/discovery/item/6600aa11bb22cc33dd44ee55",
		Title: "十分钟早餐 - 小红书 - 你的生活指南",
		HTML:  readTestdata(t, "state_video_note.html"),
	}

	result, err := DefaultChain().Extract(context.Background(), page, DefaultOptions())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	rec := result.Record
	if !rec.IsVideo || rec.VideoURL != "https://sns-video-bd.xhscdn.com/h264.mp4" {
		t.Errorf("IsVideo/VideoURL = %v/%q", rec.IsVideo, rec.VideoURL)
	}
	if rec.Title != "十分钟早餐" {
		t.Errorf("Title = %q", rec.Title)
	}
	if !rec.HasVideo() {
		t.Error("HasVideo() = false")
	}
}

func TestChain_FallsThroughToStructuredHTML(t *testing.T) {
	page := &Page{
		URL:   "https://www.xiaohongshu.com/discovery/item/abc",
		Title: "雨天书店 - 小红书",
		HTML:  readTestdata(t, "html_only_note.html"),
	}

	result, err := DefaultChain().Extract(context.Background(), page, DefaultOptions())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if result.Strategy != "structured-html" {
		t.Errorf("Strategy = %q, want structured-html", result.Strategy)
	}
	if len(result.Attempts) != 2 || result.Attempts[0].Outcome != OutcomeInapplicable {
		t.Errorf("Attempts = %+v, want inapplicable then success", result.Attempts)
	}

	rec := result.Record
	if rec.Content != "雨天适合去书店\n推荐这家 #书店# #城市漫步#" {
		t.Errorf("Content = %q", rec.Content)
	}
	if !equalStrings(rec.Tags, []string{"书店", "城市漫步"}) {
		t.Errorf("Tags = %v", rec.Tags)
	}
	if len(rec.Images) != 2 {
		t.Errorf("Images = %v, want 2 deduplicated", rec.Images)
	}
}

func TestChain_LivePageSkipsStructuredHTML(t *testing.T) {
	page := &Page{
		URL:   "https://www.xiaohongshu.com/explore/abc",
		Title: "海边日落 - 小红书",
		HTML:  readTestdata(t, "live_dom_note.html"),
		Live:  true,
	}

	result, err := DefaultChain().Extract(context.Background(), page, DefaultOptions())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if result.Strategy != "dom-heuristic" {
		t.Errorf("Strategy = %q, want dom-heuristic", result.Strategy)
	}
	for _, a := range result.Attempts {
		if a.Strategy == "structured-html" {
			t.Errorf("structured-html ran against a live page")
		}
	}
	if !equalStrings(result.Record.Tags, []string{"日落", "旅行"}) {
		t.Errorf("Tags = %v", result.Record.Tags)
	}
}

func TestChain_MalformedStateFallsThrough(t *testing.T) {
	page := &Page{URL: "u", HTML: readTestdata(t, "malformed_state.html")}

	result, err := DefaultChain().Extract(context.Background(), page, DefaultOptions())
	if !errors.Is(err, ErrNoNoteData) {
		t.Fatalf("Extract() error = %v, want ErrNoNoteData", err)
	}
	if len(result.Attempts) != 2 {
		t.Fatalf("Attempts = %+v, want 2", result.Attempts)
	}
	if result.Attempts[0].Outcome != OutcomeFailed || !errors.Is(result.Attempts[0].Err, ErrMalformedState) {
		t.Errorf("first attempt = %+v, want failed with ErrMalformedState", result.Attempts[0])
	}
	if result.Attempts[1].Outcome != OutcomeInapplicable {
		t.Errorf("second attempt = %+v, want inapplicable", result.Attempts[1])
	}
}

func TestChain_NothingFound(t *testing.T) {
	page := &Page{HTML: readTestdata(t, "empty_page.html"), Live: true}

	_, err := DefaultChain().Extract(context.Background(), page, DefaultOptions())
	if !errors.Is(err, ErrNoNoteData) {
		t.Errorf("Extract() error = %v, want ErrNoNoteData", err)
	}
}

func TestChain_HardFailureDoesNotStopChain(t *testing.T) {
	failing := &stubStrategy{name: "boom", applies: true, err: errors.New("boom")}
	skipped := &stubStrategy{name: "skipped", applies: false}
	ok := &stubStrategy{name: "ok", applies: true, raw: &RawNote{Title: "t", Desc: "d"}}

	result, err := NewChain(failing, skipped, ok).Extract(context.Background(), &Page{}, DefaultOptions())
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if result.Strategy != "ok" {
		t.Errorf("Strategy = %q, want ok", result.Strategy)
	}
	if skipped.calls != 0 {
		t.Errorf("inapplicable strategy was called %d times", skipped.calls)
	}
	if result.Record.Title != "t" {
		t.Errorf("Title = %q, want raw title when the page has none", result.Record.Title)
	}
}

func TestChain_NilNoteIsInapplicable(t *testing.T) {
	empty := &stubStrategy{name: "empty", applies: true}

	result, err := NewChain(empty).Extract(context.Background(), &Page{}, DefaultOptions())
	if !errors.Is(err, ErrNoNoteData) {
		t.Fatalf("Extract() error = %v, want ErrNoNoteData", err)
	}
	if result.Attempts[0].Outcome != OutcomeInapplicable {
		t.Errorf("Outcome = %v, want inapplicable", result.Attempts[0].Outcome)
	}
}

func TestChain_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &stubStrategy{name: "s", applies: true, raw: &RawNote{}}
	_, err := NewChain(s).Extract(ctx, &Page{}, DefaultOptions())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Extract() error = %v, want context.Canceled", err)
	}
	if s.calls != 0 {
		t.Errorf("strategy ran %d times after cancellation", s.calls)
	}
}

func TestChain_Name(t *testing.T) {
	want := "chain(embedded-state->structured-html->dom-heuristic)"
	if got := DefaultChain().Name(); got != want {
		t.Errorf("Name() = %q, want %q", got, want)
	}
}

// --- BuildRecord Tests ---

func TestBuildRecord_Options(t *testing.T) {
	raw := &RawNote{
		Title:    "t",
		Desc:     "d #tag",
		Type:     "video",
		Images:   []string{"https://img/1.jpg"},
		VideoURL: "https://v/1.mp4",
	}

	rec := BuildRecord(&Page{}, raw, Options{})
	if rec.Images == nil || len(rec.Images) != 0 {
		t.Errorf("Images = %#v, want empty non-nil", rec.Images)
	}
	if rec.Tags == nil || len(rec.Tags) != 0 {
		t.Errorf("Tags = %#v, want empty non-nil", rec.Tags)
	}
	if rec.VideoURL != "" {
		t.Errorf("VideoURL = %q, want empty when video is excluded", rec.VideoURL)
	}
	if !rec.IsVideo {
		t.Error("IsVideo = false, want true regardless of options")
	}
}

func TestBuildRecord_RejectsNonHTTPVideo(t *testing.T) {
	raw := &RawNote{Type: "video", VideoURL: "blob:https://www.xiaohongshu.com/1"}
	rec := BuildRecord(&Page{}, raw, DefaultOptions())
	if rec.VideoURL != "" {
		t.Errorf("VideoURL = %q, want empty", rec.VideoURL)
	}
}

func TestBuildRecord_UntitledFallback(t *testing.T) {
	rec := BuildRecord(&Page{Title: " - 小红书"}, &RawNote{}, DefaultOptions())
	if rec.Title != "Untitled" {
		t.Errorf("Title = %q, want Untitled", rec.Title)
	}
}
