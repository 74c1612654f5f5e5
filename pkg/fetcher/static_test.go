package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// --- DetectChallenge Tests ---

func TestDetectChallenge(t *testing.T) {
	tests := []struct {
		name     string
		finalURL string
		title    string
		html     string
		wantKind string
		wantErr  error
	}{
		{"regular note", "https://www.xiaohongshu.com/explore/abc", "早餐 - 小红书", "<html></html>", "", nil},
		{"captcha redirect", "https://www.xiaohongshu.com/website-login/captcha?redirectPath=x", "", "", "site-captcha", ErrCaptchaChallenge},
		{"security limit", "https://www.xiaohongshu.com/explore/abc", "安全限制", "", "site-rate-limit", ErrAntiBot},
		{"recaptcha", "https://example.com", "Verify", `<div class="g-recaptcha"></div>`, "captcha", ErrCaptchaChallenge},
		{"cloudflare", "https://example.com", "Just a moment...", "", "anti-bot", ErrAntiBot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := DetectChallenge(tt.finalURL, tt.title, tt.html)
			if kind != tt.wantKind {
				t.Errorf("DetectChallenge() kind = %q, want %q", kind, tt.wantKind)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DetectChallenge() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// --- StaticFetcher Tests ---

func TestStaticFetcher_Fetch(t *testing.T) {
	var gotUA, gotHeader, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		gotHeader = r.Header.Get("X-Test")
		if c, err := r.Cookie("web_session"); err == nil {
			gotCookie = c.Value
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title> 周末早餐 - 小红书 </title></head><body></body></html>`))
	}))
	defer srv.Close()

	f := NewStatic(StaticConfig{UserAgent: "notedown-test"})
	content, err := f.Fetch(context.Background(), srv.URL+"/explore/abc", Options{
		Headers: map[string]string{"X-Test": "yes"},
		Cookies: []Cookie{{Name: "web_session", Value: "s3cret"}},
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if content.StatusCode != http.StatusOK {
		t.Errorf("Fetch() status = %d, want 200", content.StatusCode)
	}
	if content.Title != "周末早餐 - 小红书" {
		t.Errorf("Fetch() title = %q", content.Title)
	}
	if !strings.HasPrefix(content.ContentType, "text/html") {
		t.Errorf("Fetch() content type = %q", content.ContentType)
	}
	if gotUA != "notedown-test" {
		t.Errorf("user agent = %q, want notedown-test", gotUA)
	}
	if gotHeader != "yes" {
		t.Errorf("custom header = %q, want yes", gotHeader)
	}
	if gotCookie != "s3cret" {
		t.Errorf("cookie = %q, want s3cret", gotCookie)
	}
	if content.FetchedAt.IsZero() {
		t.Error("Fetch() FetchedAt is zero")
	}
}

func TestStaticFetcher_FollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/short", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/discovery/item/abc", http.StatusFound)
	})
	mux.HandleFunc("/discovery/item/abc", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>note</title></head></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	content, err := NewStatic(StaticConfig{}).Fetch(context.Background(), srv.URL+"/short", Options{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if content.URL != srv.URL+"/short" {
		t.Errorf("Fetch() URL = %q", content.URL)
	}
	if content.FinalURL != srv.URL+"/discovery/item/abc" {
		t.Errorf("Fetch() FinalURL = %q", content.FinalURL)
	}
}

func TestStaticFetcher_Challenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>安全限制</title></head></html>`))
	}))
	defer srv.Close()

	_, err := NewStatic(StaticConfig{}).Fetch(context.Background(), srv.URL, Options{})
	if !errors.Is(err, ErrAntiBot) {
		t.Fatalf("Fetch() error = %v, want ErrAntiBot", err)
	}
}

func TestStaticFetcher_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	content, err := NewStatic(StaticConfig{}).Fetch(context.Background(), srv.URL, Options{})
	if err == nil {
		t.Fatal("Fetch() expected error for 404")
	}
	if content.StatusCode != http.StatusNotFound {
		t.Errorf("Fetch() status = %d, want 404", content.StatusCode)
	}
}

func TestStaticFetcher_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := NewStatic(StaticConfig{}).Fetch(context.Background(), srv.URL, Options{Timeout: 100 * time.Millisecond})
	if err == nil {
		t.Fatal("Fetch() expected timeout error")
	}
}

func TestStaticFetcher_Defaults(t *testing.T) {
	f := NewStatic(StaticConfig{})
	if f.Type() != "static" {
		t.Errorf("Type() = %q, want static", f.Type())
	}
	if f.config.UserAgent != DefaultUserAgent {
		t.Errorf("default user agent = %q", f.config.UserAgent)
	}
	if f.config.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v", f.config.Timeout)
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
