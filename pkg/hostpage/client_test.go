package hostpage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/notedown/internal/protocol"
	"github.com/jmylchreest/notedown/internal/settings"
	"github.com/jmylchreest/notedown/pkg/note"
)

const (
	testOrigin = "http://localhost:3000"
	testID     = "6f1d2c3b-4a5e-4f60-8a7b-9c0d1e2f3a4b"
	noteURL    = "https://www.xiaohongshu.com/discovery/item/64f1a2b3c4d5e6f7a8b9c0d1"
)

// fakeCoordinator answers the message route the way the server does.
type fakeCoordinator struct {
	mu       sync.Mutex
	received []protocol.Type
	headers  []http.Header
	cached   *note.Extraction
	cacheURL string
	extract  func(url string) protocol.Response
	delay    time.Duration
	down     bool
}

func (f *fakeCoordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != MessagePath {
		http.NotFound(w, r)
		return
	}
	var msg protocol.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.received = append(f.received, msg.Type)
	f.headers = append(f.headers, r.Header.Clone())
	down, delay := f.down, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if down {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(protocol.Failure(protocol.ErrNoReceiver.Error()))
		return
	}
	if r.Header.Get("Origin") != testOrigin {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(protocol.Failure(protocol.ErrOriginRejected.Error()))
		return
	}

	_ = json.NewEncoder(w).Encode(f.answer(msg))
}

func (f *fakeCoordinator) answer(msg protocol.Message) protocol.Response {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch msg.Type {
	case protocol.TypePing:
		return protocol.Response{Success: true, Version: "1", ExtensionID: testID}
	case protocol.TypeGetState:
		return protocol.Response{Success: true, CacheState: &protocol.CacheState{
			HasExtractedData: f.cached != nil,
			HasExtractedURL:  f.cacheURL != "",
		}}
	case protocol.TypeGetExtractedData:
		return protocol.Response{Success: true, Data: f.cached, URL: f.cacheURL}
	case protocol.TypeExtractURL:
		if f.extract != nil {
			return f.extract(msg.URL)
		}
		data := note.Extraction{Record: note.Record{Title: "新提取", Source: msg.URL}}
		f.cached, f.cacheURL = &data, msg.URL
		return protocol.Response{Success: true, Data: &data, URL: msg.URL}
	case protocol.TypeGetConfig:
		cfg := settings.Defaults()
		return protocol.Response{Success: true, Config: &cfg}
	case protocol.TypeSetConfig:
		if msg.Config == nil || msg.Config.Empty() {
			return protocol.Failure("invalid configuration: no configuration provided")
		}
		cfg := msg.Config.ApplyTo(settings.Defaults())
		return protocol.Response{Success: true, Config: &cfg}
	case protocol.TypeClearData:
		f.cached, f.cacheURL = nil, ""
		return protocol.OK()
	}
	return protocol.Failure("unknown message type")
}

func (f *fakeCoordinator) types() []protocol.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Type(nil), f.received...)
}

func newClient(t *testing.T, f *fakeCoordinator, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New(srv.URL, testOrigin, opts...)
}

// --- Detection Tests ---

func TestIsInstalled_AdoptsExtensionID(t *testing.T) {
	f := &fakeCoordinator{}
	c := newClient(t, f)

	if !c.IsInstalled(context.Background()) {
		t.Fatal("IsInstalled() = false, want true")
	}
	if c.ExtensionID() != testID {
		t.Errorf("ExtensionID() = %q, want %q", c.ExtensionID(), testID)
	}

	// Detection is remembered.
	c.IsInstalled(context.Background())
	if got := len(f.types()); got != 1 {
		t.Errorf("messages sent = %d, want 1", got)
	}

	// Later requests are addressed to the adopted id.
	if _, err := c.GetState(context.Background()); err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	f.mu.Lock()
	last := f.headers[len(f.headers)-1]
	f.mu.Unlock()
	if last.Get(protocol.ExtensionIDHeader) != testID {
		t.Errorf("%s = %q, want %q", protocol.ExtensionIDHeader, last.Get(protocol.ExtensionIDHeader), testID)
	}
}

func TestIsInstalled_NotRunning(t *testing.T) {
	c := newClient(t, &fakeCoordinator{down: true})
	if c.IsInstalled(context.Background()) {
		t.Error("IsInstalled() = true, want false")
	}
}

func TestIsInstalled_OriginRejected(t *testing.T) {
	f := &fakeCoordinator{}
	srv := httptest.NewServer(f)
	defer srv.Close()

	c := New(srv.URL, "https://evil.example.com")
	if c.IsInstalled(context.Background()) {
		t.Error("IsInstalled() = true, want false")
	}
}

func TestSetExtensionID(t *testing.T) {
	f := &fakeCoordinator{}
	c := newClient(t, f)

	if err := c.SetExtensionID("abcdefghijklmnopabcdefghijklmnop"); !errors.Is(err, ErrInvalidExtensionID) {
		t.Errorf("SetExtensionID(invalid) error = %v, want ErrInvalidExtensionID", err)
	}

	c.IsInstalled(context.Background())
	if err := c.SetExtensionID(testID); err != nil {
		t.Fatalf("SetExtensionID() error = %v", err)
	}

	// Detection reruns after the id changes.
	c.IsInstalled(context.Background())
	if got := len(f.types()); got != 2 {
		t.Errorf("messages sent = %d, want 2", got)
	}
}

func TestNew_DiscardsInvalidID(t *testing.T) {
	c := New("http://localhost:1", testOrigin, WithExtensionID("not-an-id"))
	if c.ExtensionID() != "" {
		t.Errorf("ExtensionID() = %q, want empty", c.ExtensionID())
	}
}

// --- ExtractByURL Tests ---

func TestExtractByURL_UsesCache(t *testing.T) {
	cached := note.Extraction{Record: note.Record{Title: "缓存的", Source: noteURL}}
	f := &fakeCoordinator{cached: &cached, cacheURL: noteURL}
	c := newClient(t, f)

	got, err := c.ExtractByURL(context.Background(), noteURL)
	if err != nil {
		t.Fatalf("ExtractByURL() error = %v", err)
	}
	if got.Title != "缓存的" {
		t.Errorf("Title = %q, want 缓存的", got.Title)
	}
	for _, typ := range f.types() {
		if typ == protocol.TypeExtractURL {
			t.Error("EXTRACT_URL sent despite a cache hit")
		}
	}
}

func TestExtractByURL_CacheMissExtracts(t *testing.T) {
	cached := note.Extraction{Record: note.Record{Title: "别的"}}
	f := &fakeCoordinator{cached: &cached, cacheURL: noteURL + "?x=1"}
	c := newClient(t, f)

	got, err := c.ExtractByURL(context.Background(), noteURL)
	if err != nil {
		t.Fatalf("ExtractByURL() error = %v", err)
	}
	if got.Title != "新提取" {
		t.Errorf("Title = %q, want 新提取", got.Title)
	}

	want := []protocol.Type{
		protocol.TypePing,
		protocol.TypeGetState,
		protocol.TypeGetExtractedData,
		protocol.TypeExtractURL,
	}
	if got := f.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("messages = %v, want %v", got, want)
	}
}

func TestExtractByURL_Errors(t *testing.T) {
	tests := []struct {
		name    string
		f       *fakeCoordinator
		wantErr string
	}{
		{
			name:    "not installed",
			f:       &fakeCoordinator{down: true},
			wantErr: ErrNotInstalled.Error(),
		},
		{
			name: "failure with message",
			f: &fakeCoordinator{extract: func(string) protocol.Response {
				return protocol.Failure("extraction timed out")
			}},
			wantErr: "extraction timed out",
		},
		{
			name: "failure without message",
			f: &fakeCoordinator{extract: func(string) protocol.Response {
				return protocol.Response{}
			}},
			wantErr: ErrExtractFailed.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, tt.f)
			_, err := c.ExtractByURL(context.Background(), noteURL)
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("ExtractByURL() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestSend_Timeout(t *testing.T) {
	f := &fakeCoordinator{delay: time.Second}
	c := newClient(t, f, WithTimeout(50*time.Millisecond), WithExtensionID(testID))

	err := c.ClearData(context.Background())
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("ClearData() error = %v, want ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), "extension message timeout (50ms)") {
		t.Errorf("error = %q, want the timeout message", err)
	}
}

// --- Config Tests ---

func TestConfig(t *testing.T) {
	c := newClient(t, &fakeCoordinator{})
	ctx := context.Background()

	cfg, err := c.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if cfg == nil || len(cfg.AllowedDomains) == 0 {
		t.Fatalf("GetConfig() = %+v, want defaults", cfg)
	}

	ok, err := c.SetConfig(ctx, settings.Patch{AllowedDomains: []string{"https://a.example.com"}})
	if err != nil || !ok {
		t.Fatalf("SetConfig() = %v, %v", ok, err)
	}

	ok, err = c.SetConfig(ctx, settings.Patch{})
	if ok || err == nil {
		t.Errorf("SetConfig(empty) = %v, %v, want a failure", ok, err)
	}
}

func TestSetConfig_NotInstalled(t *testing.T) {
	c := newClient(t, &fakeCoordinator{down: true})
	if _, err := c.SetConfig(context.Background(), settings.Patch{}); err == nil {
		t.Error("SetConfig() error = nil, want not installed")
	}
}

func TestGetters_NotInstalled(t *testing.T) {
	c := newClient(t, &fakeCoordinator{down: true})
	ctx := context.Background()

	if state, err := c.GetState(ctx); err != nil || state.HasExtractedData {
		t.Errorf("GetState() = %+v, %v", state, err)
	}
	if data, err := c.GetExtractedData(ctx); err != nil || data != nil {
		t.Errorf("GetExtractedData() = %+v, %v", data, err)
	}
	if cfg, err := c.GetConfig(ctx); err != nil || cfg != nil {
		t.Errorf("GetConfig() = %+v, %v", cfg, err)
	}
}

// --- Listen Tests ---

func TestListen_DispatchesSiteBroadcasts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != EventsPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		events := []protocol.Message{
			{Type: protocol.TypeBroadcastExtracted, URL: noteURL, Data: &note.Extraction{Record: note.Record{Title: "一"}}},
			{Type: protocol.TypeBroadcastExtracted, URL: "https://example.com/x", Data: &note.Extraction{Record: note.Record{Title: "外站"}}},
			{Type: protocol.TypePing},
			{Type: protocol.TypeBroadcastExtracted, URL: noteURL, Data: &note.Extraction{Record: note.Record{Title: "二"}}},
		}
		for _, ev := range events {
			b, _ := json.Marshal(ev)
			_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", b)
		}
		_, _ = fmt.Fprint(w, "data: {not json\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, testOrigin)
	var titles []string
	c.On(func(e note.Extraction) { titles = append(titles, e.Title) })

	if err := c.Listen(context.Background()); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if fmt.Sprint(titles) != "[一 二]" {
		t.Errorf("titles = %v, want [一 二]", titles)
	}
}

func TestListen_Off(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := json.Marshal(protocol.Message{Type: protocol.TypeBroadcastExtracted, URL: noteURL, Data: &note.Extraction{}})
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
	}))
	defer srv.Close()

	c := New(srv.URL, testOrigin)
	called := false
	c.On(func(note.Extraction) { called = true })
	c.Off()

	if err := c.Listen(context.Background()); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if called {
		t.Error("callback ran after Off()")
	}
}

func TestListen_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := New(srv.URL, testOrigin).Listen(context.Background())
	if !errors.Is(err, protocol.ErrOriginRejected) {
		t.Errorf("Listen() error = %v, want ErrOriginRejected", err)
	}
}
