package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/notedown/internal/protocol"
	"github.com/jmylchreest/notedown/internal/settings"
	"github.com/jmylchreest/notedown/internal/version"
	"github.com/jmylchreest/notedown/pkg/note"
)

const (
	allowedOrigin = "http://localhost:3000"
	noteURL       = "https://www.xiaohongshu.com/discovery/item/64f1a2b3c4d5e6f7a8b9c0d1"
)

// fakeBrowser keeps tabs in memory. Tabs listed in resident have an agent
// answering EXTRACT_NOTE from the start; others get one on Inject. The
// default agent reports the note at its tab's current URL.
type fakeBrowser struct {
	mu        sync.Mutex
	tabs      []Tab
	mailboxes map[string]*protocol.Mailbox
	opened    []string
	navigated []string
	injected  []string
	extracts  atomic.Int32

	ctx         context.Context
	handler     protocol.Handler
	injectErr   error
	navigateErr error
	loadWait    time.Duration
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &fakeBrowser{mailboxes: make(map[string]*protocol.Mailbox), ctx: ctx}
}

func (b *fakeBrowser) tabAgent(tabID string) protocol.Handler {
	return func(_ context.Context, env *protocol.Envelope) bool {
		switch env.Message.Type {
		case protocol.TypeExtractNote:
			b.extracts.Add(1)
			env.Reply(protocol.Response{Success: true, Data: &note.Extraction{
				Record:   note.Record{Title: "早餐", Source: b.tabURL(tabID)},
				Markdown: "# 早餐\n",
			}})
		case protocol.TypeCheckPage:
			yes := true
			env.Reply(protocol.Response{Success: true, IsNotePage: &yes})
		default:
			env.Reply(protocol.OK())
		}
		return false
	}
}

func (b *fakeBrowser) tabURL(tabID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tabs {
		if t.ID == tabID {
			return t.URL
		}
	}
	return ""
}

func (b *fakeBrowser) addTab(tab Tab, resident bool) {
	b.mu.Lock()
	b.tabs = append(b.tabs, tab)
	b.mu.Unlock()
	if resident {
		b.startAgent(tab.ID)
	}
}

func (b *fakeBrowser) startAgent(tabID string) {
	mb := protocol.NewMailbox(1)
	b.mu.Lock()
	b.mailboxes[tabID] = mb
	h := b.handler
	b.mu.Unlock()
	if h == nil {
		h = b.tabAgent(tabID)
	}
	go func() { _ = protocol.Serve(b.ctx, mb, h) }()
}

func (b *fakeBrowser) Tabs(context.Context) ([]Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Tab(nil), b.tabs...), nil
}

func (b *fakeBrowser) Open(_ context.Context, url string) (Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tab := Tab{ID: uuid.NewString(), URL: url}
	b.tabs = append(b.tabs, tab)
	b.opened = append(b.opened, url)
	return tab, nil
}

func (b *fakeBrowser) Navigate(_ context.Context, tabID, url string) error {
	if b.navigateErr != nil {
		return b.navigateErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.tabs {
		if b.tabs[i].ID == tabID {
			b.tabs[i].URL = url
		}
	}
	b.navigated = append(b.navigated, tabID)
	return nil
}

func (b *fakeBrowser) WaitLoaded(ctx context.Context, _ string) error {
	select {
	case <-time.After(b.loadWait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *fakeBrowser) Inject(_ context.Context, tabID string) error {
	if b.injectErr != nil {
		return b.injectErr
	}
	b.mu.Lock()
	b.injected = append(b.injected, tabID)
	b.mu.Unlock()
	b.startAgent(tabID)
	return nil
}

func (b *fakeBrowser) Mailbox(tabID string) (*protocol.Mailbox, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.mailboxes[tabID]
	return mb, ok
}

func startCoordinator(t *testing.T, b Browser, opts ...Option) *Coordinator {
	t.Helper()
	store := settings.NewMemoryStore(settings.Config{
		AllowedDomains: []string{"https://example.com", "http://localhost:*"},
		ExtractOptions: settings.Defaults().ExtractOptions,
	})
	opts = append([]Option{
		WithInjectSettle(time.Millisecond),
		WithTabLoadTimeout(50 * time.Millisecond),
		WithTabCallTimeout(time.Second),
		WithRequestTimeout(2 * time.Second),
	}, opts...)
	c := New(b, store, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func post(t *testing.T, c *Coordinator, msg protocol.Message) protocol.Response {
	t.Helper()
	resp, err := c.Post(context.Background(), msg, allowedOrigin)
	if err != nil {
		t.Fatalf("Post(%s) error = %v", msg.Type, err)
	}
	return resp
}

// --- Origin Gate Tests ---

func TestPost_OriginAllowList(t *testing.T) {
	c := startCoordinator(t, newFakeBrowser(t))

	if _, err := c.Post(context.Background(), protocol.Message{Type: protocol.TypePing}, "http://localhost:9999"); err != nil {
		t.Errorf("localhost:9999 rejected: %v", err)
	}

	resp, err := c.Post(context.Background(), protocol.Message{Type: protocol.TypePing}, "https://evil.com")
	if !errors.Is(err, protocol.ErrOriginRejected) {
		t.Fatalf("Post(evil) error = %v, want ErrOriginRejected", err)
	}
	if resp.Success || resp.Error != "origin not allowed" || resp.Version != "" {
		t.Errorf("rejection leaked detail: %+v", resp)
	}
}

func TestPost_RejectedOriginHasNoSideEffects(t *testing.T) {
	c := startCoordinator(t, newFakeBrowser(t))
	c.store(note.Extraction{Record: note.Record{Title: "kept"}}, noteURL)

	_, _ = c.Post(context.Background(), protocol.Message{Type: protocol.TypeClearData}, "https://evil.com")
	patch := &settings.Patch{AllowedDomains: []string{"https://evil.com"}}
	_, _ = c.Post(context.Background(), protocol.Message{Type: protocol.TypeSetConfig, Config: patch}, "https://evil.com")

	if _, ok := c.cachedFor(noteURL); !ok {
		t.Error("rejected CLEAR_DATA cleared the cache")
	}
	if c.Settings().Allowed("https://evil.com") {
		t.Error("rejected SET_CONFIG changed the allow-list")
	}
}

func TestPost_NoteExtractedNotAcceptedExternally(t *testing.T) {
	c := startCoordinator(t, newFakeBrowser(t))
	resp := post(t, c, protocol.Message{Type: protocol.TypeNoteExtracted, Data: &note.Extraction{}})
	if resp.Success {
		t.Error("host page could write the cache through NOTE_EXTRACTED")
	}
}

// --- Message Handling Tests ---

func TestPing(t *testing.T) {
	c := startCoordinator(t, newFakeBrowser(t), WithID("ext-id"))
	resp := post(t, c, protocol.Message{Type: protocol.TypePing})
	if !resp.Success || resp.Version != version.Protocol || resp.ExtensionID != "ext-id" {
		t.Errorf("PING = %+v", resp)
	}
}

func TestNew_GeneratesUUIDIdentity(t *testing.T) {
	c := New(newFakeBrowser(t), settings.NewMemoryStore(settings.Defaults()))
	if _, err := uuid.Parse(c.ID()); err != nil {
		t.Errorf("ID() = %q, not a uuid: %v", c.ID(), err)
	}
}

func TestStateAndCacheLifecycle(t *testing.T) {
	c := startCoordinator(t, newFakeBrowser(t))

	resp := post(t, c, protocol.Message{Type: protocol.TypeGetState})
	if resp.CacheState == nil || resp.HasExtractedData || resp.HasExtractedURL {
		t.Fatalf("initial GET_STATE = %+v", resp)
	}

	err := c.NoteExtracted(context.Background(),
		protocol.Sender{TabID: "t1", TabURL: "https://www.xiaohongshu.com/explore/x"},
		note.Extraction{Record: note.Record{Title: "t"}})
	if err != nil {
		t.Fatalf("NoteExtracted() error = %v", err)
	}

	resp = post(t, c, protocol.Message{Type: protocol.TypeGetState})
	if !resp.HasExtractedData || !resp.HasExtractedURL {
		t.Errorf("GET_STATE after extraction = %+v", resp)
	}

	resp = post(t, c, protocol.Message{Type: protocol.TypeGetExtractedData})
	if resp.Data == nil || resp.URL != "https://www.xiaohongshu.com/explore/x" {
		t.Errorf("GET_EXTRACTED_DATA = %+v, want tab URL as key when source is empty", resp)
	}

	post(t, c, protocol.Message{Type: protocol.TypeClearData})
	resp = post(t, c, protocol.Message{Type: protocol.TypeGetExtractedData})
	if resp.Data != nil || resp.URL != "" {
		t.Errorf("GET_EXTRACTED_DATA after CLEAR_DATA = %+v", resp)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	c := startCoordinator(t, newFakeBrowser(t))

	resp := post(t, c, protocol.Message{Type: protocol.TypeGetConfig})
	if resp.Config == nil || len(resp.Config.AllowedDomains) != 2 {
		t.Fatalf("GET_CONFIG = %+v", resp)
	}

	opts := settings.ExtractOptions{IncludeTags: true}
	resp = post(t, c, protocol.Message{Type: protocol.TypeSetConfig, Config: &settings.Patch{ExtractOptions: &opts}})
	if !resp.Success || resp.Config.ExtractOptions != opts {
		t.Errorf("SET_CONFIG = %+v", resp)
	}
	if got := c.Settings().Get(); len(got.AllowedDomains) != 2 {
		t.Errorf("SET_CONFIG dropped allow-list: %v", got.AllowedDomains)
	}

	for name, msg := range map[string]protocol.Message{
		"missing config": {Type: protocol.TypeSetConfig},
		"empty config":   {Type: protocol.TypeSetConfig, Config: &settings.Patch{}},
		"empty list":     {Type: protocol.TypeSetConfig, Config: &settings.Patch{AllowedDomains: []string{}}},
	} {
		if resp := post(t, c, msg); resp.Success {
			t.Errorf("%s: SET_CONFIG succeeded", name)
		}
	}
}

func TestUnknownType(t *testing.T) {
	c := startCoordinator(t, newFakeBrowser(t))
	resp := post(t, c, protocol.Message{Type: "DELETE_EVERYTHING"})
	if resp.Success || resp.Error != msgUnknownType {
		t.Errorf("unknown type = %+v", resp)
	}
}

// --- EXTRACT_URL Tests ---

func TestExtractURL_RequiresURL(t *testing.T) {
	c := startCoordinator(t, newFakeBrowser(t))
	resp := post(t, c, protocol.Message{Type: protocol.TypeExtractURL})
	if resp.Success || resp.Error != msgURLRequired {
		t.Errorf("EXTRACT_URL without url = %+v", resp)
	}
}

func TestExtractURL_OpensTabInjectsAndCaches(t *testing.T) {
	b := newFakeBrowser(t)
	c := startCoordinator(t, b)

	resp := post(t, c, protocol.Message{Type: protocol.TypeExtractURL, URL: noteURL})
	if !resp.Success || resp.Data == nil || resp.FromCache {
		t.Fatalf("first EXTRACT_URL = %+v", resp)
	}
	if len(b.opened) != 1 || len(b.injected) != 1 {
		t.Errorf("opened=%v injected=%v, want one of each", b.opened, b.injected)
	}

	resp = post(t, c, protocol.Message{Type: protocol.TypeExtractURL, URL: noteURL})
	if !resp.Success || !resp.FromCache || resp.Data.Title != "早餐" {
		t.Errorf("second EXTRACT_URL = %+v, want cached", resp)
	}
	if n := b.extracts.Load(); n != 1 {
		t.Errorf("agent extracted %d times, want 1", n)
	}
}

func TestExtractURL_CacheMissForOtherURL(t *testing.T) {
	b := newFakeBrowser(t)
	b.addTab(Tab{ID: "t1", URL: noteURL}, true)
	c := startCoordinator(t, b)
	c.store(note.Extraction{Record: note.Record{Title: "old"}}, "https://www.xiaohongshu.com/discovery/item/other")

	resp := post(t, c, protocol.Message{Type: protocol.TypeExtractURL, URL: noteURL})
	if !resp.Success || resp.FromCache || resp.Data.Title != "早餐" {
		t.Errorf("EXTRACT_URL = %+v, want fresh extraction", resp)
	}
}

func TestExtractURL_ReusesSiteTab(t *testing.T) {
	const otherNote = "https://www.xiaohongshu.com/discovery/item/111111111111111111111111"

	tests := []struct {
		name        string
		siteURL     string
		navigateErr error
		wantOpened  int
		wantNav     int
	}{
		{name: "site home", siteURL: "https://www.xiaohongshu.com/explore", wantNav: 1},
		{name: "another note", siteURL: otherNote, wantNav: 1},
		{name: "navigation fails", siteURL: otherNote, navigateErr: errors.New("target crashed"), wantOpened: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBrowser(t)
			b.navigateErr = tt.navigateErr
			b.addTab(Tab{ID: "other", URL: "https://example.com/"}, false)
			b.addTab(Tab{ID: "site", URL: tt.siteURL}, true)
			c := startCoordinator(t, b)

			resp := post(t, c, protocol.Message{Type: protocol.TypeExtractURL, URL: noteURL})
			if !resp.Success || resp.Data == nil {
				t.Fatalf("EXTRACT_URL = %+v", resp)
			}
			if resp.Data.Source != noteURL || resp.URL != noteURL {
				t.Errorf("Source = %q, URL = %q, want the requested note %q", resp.Data.Source, resp.URL, noteURL)
			}
			if len(b.opened) != tt.wantOpened || len(b.navigated) != tt.wantNav {
				t.Errorf("opened=%v navigated=%v, want %d opened and %d navigated", b.opened, b.navigated, tt.wantOpened, tt.wantNav)
			}
			if cached, ok := c.cachedFor(noteURL); !ok || cached.Source != noteURL {
				t.Errorf("cachedFor(%q) = %v, %v, want the requested note", noteURL, cached, ok)
			}
		})
	}
}

func TestExtractURL_ExactTabNotNavigated(t *testing.T) {
	b := newFakeBrowser(t)
	b.addTab(Tab{ID: "t1", URL: noteURL}, true)
	c := startCoordinator(t, b)

	resp := post(t, c, protocol.Message{Type: protocol.TypeExtractURL, URL: noteURL})
	if !resp.Success || resp.Data.Source != noteURL {
		t.Fatalf("EXTRACT_URL = %+v", resp)
	}
	if len(b.navigated) != 0 || len(b.opened) != 0 {
		t.Errorf("opened=%v navigated=%v, want the exact tab used as is", b.opened, b.navigated)
	}
}

func TestExtractURL_SlowLoadContinues(t *testing.T) {
	b := newFakeBrowser(t)
	b.loadWait = time.Hour
	c := startCoordinator(t, b, WithTabLoadTimeout(10*time.Millisecond))

	resp := post(t, c, protocol.Message{Type: protocol.TypeExtractURL, URL: noteURL})
	if !resp.Success {
		t.Errorf("EXTRACT_URL after load timeout = %+v, want extraction to proceed", resp)
	}
}

func TestExtractURL_InjectFailure(t *testing.T) {
	b := newFakeBrowser(t)
	b.injectErr = errors.New("cannot script this page")
	c := startCoordinator(t, b)

	resp := post(t, c, protocol.Message{Type: protocol.TypeExtractURL, URL: noteURL})
	if resp.Success || resp.Error != msgInjectFailed {
		t.Errorf("EXTRACT_URL = %+v, want inject failure", resp)
	}
}

func TestExtractURL_AgentTimeout(t *testing.T) {
	b := newFakeBrowser(t)
	b.handler = func(context.Context, *protocol.Envelope) bool { return true }
	b.addTab(Tab{ID: "t1", URL: noteURL}, true)
	c := startCoordinator(t, b, WithTabCallTimeout(20*time.Millisecond))

	resp := post(t, c, protocol.Message{Type: protocol.TypeExtractURL, URL: noteURL})
	if resp.Success || resp.Error != msgExtractTimeout {
		t.Errorf("EXTRACT_URL = %+v, want timeout failure", resp)
	}
}

func TestExtractURL_AbandonedResultIsDiscarded(t *testing.T) {
	b := newFakeBrowser(t)
	release := make(chan struct{})
	b.handler = func(ctx context.Context, env *protocol.Envelope) bool {
		go func() {
			<-release
			b.tabAgent("t1")(ctx, env)
		}()
		return true
	}
	b.addTab(Tab{ID: "t1", URL: noteURL}, true)
	c := startCoordinator(t, b, WithRequestTimeout(20*time.Millisecond))

	_, err := c.Post(context.Background(), protocol.Message{Type: protocol.TypeExtractURL, URL: noteURL}, allowedOrigin)
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("Post() error = %v, want ErrTimeout", err)
	}

	close(release)
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := c.cachedFor(noteURL); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("late result was not cached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The coordinator keeps serving.
	if resp := post(t, c, protocol.Message{Type: protocol.TypePing}); !resp.Success {
		t.Errorf("PING after abandoned request = %+v", resp)
	}
}

// --- Forwarding Tests ---

func TestCheckPage(t *testing.T) {
	b := newFakeBrowser(t)
	c := startCoordinator(t, b)

	resp := post(t, c, protocol.Message{Type: protocol.TypeCheckPage})
	if resp.IsNotePage == nil || *resp.IsNotePage {
		t.Errorf("CHECK_PAGE with no active tab = %+v", resp)
	}

	b.addTab(Tab{ID: "t1", URL: noteURL, Active: true}, true)
	resp = post(t, c, protocol.Message{Type: protocol.TypeCheckPage})
	if resp.IsNotePage == nil || !*resp.IsNotePage {
		t.Errorf("CHECK_PAGE with agent = %+v", resp)
	}
}

func TestCheckPage_NoAgentFallsBackToURL(t *testing.T) {
	b := newFakeBrowser(t)
	b.addTab(Tab{ID: "t1", URL: noteURL, Active: true}, false)
	c := startCoordinator(t, b)

	resp := post(t, c, protocol.Message{Type: protocol.TypeCheckPage})
	if resp.IsNotePage == nil || !*resp.IsNotePage {
		t.Errorf("CHECK_PAGE = %+v, want URL probe result", resp)
	}
}

func TestSendToWebApp_NoActiveTab(t *testing.T) {
	c := startCoordinator(t, newFakeBrowser(t))
	resp := post(t, c, protocol.Message{Type: protocol.TypeSendToWebApp})
	if resp.Success || resp.Error != msgNoActiveTab {
		t.Errorf("SEND_TO_WEB_APP = %+v", resp)
	}
}
