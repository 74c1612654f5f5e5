// Package fetcher defines how note pages are retrieved out of band for the
// server-side extraction path. A static colly-based implementation lives
// here; the headless-browser implementation lives with the CLI.
package fetcher

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Fetcher abstracts page fetching strategies.
type Fetcher interface {
	// Fetch retrieves page content from a URL.
	Fetch(ctx context.Context, url string, opts Options) (Content, error)

	// Close releases any resources (browser instances, etc.).
	Close() error

	// Type returns a string identifying the fetcher type (e.g., "static", "dynamic").
	Type() string
}

// Options controls fetching behavior.
type Options struct {
	UserAgent       string
	Timeout         time.Duration
	WaitForSelector string        // CSS selector to wait for (dynamic fetchers)
	WaitDuration    time.Duration // Additional wait after load
	Headers         map[string]string
	Cookies         []Cookie
}

// Cookie represents an HTTP cookie, typically a site session cookie that
// lifts the logged-out view limits.
type Cookie struct {
	Name   string
	Value  string
	Domain string
}

// Content represents fetched page data.
type Content struct {
	// URL is the requested URL.
	URL string
	// FinalURL is where redirects ended, which differs from URL for short links.
	FinalURL string
	HTML     string
	// State is the page's global state object as JSON, when the fetcher
	// ran page scripts and could read it.
	State       []byte
	Title       string
	StatusCode  int
	ContentType string
	FetchedAt   time.Time
}

// Error types for distinguishing failure reasons.
// Check with errors.Is(err, fetcher.ErrCaptchaChallenge).
var (
	// ErrCaptchaChallenge indicates the site has an interactive CAPTCHA.
	ErrCaptchaChallenge = errors.New("captcha challenge detected")
	// ErrAntiBot indicates the site's anti-bot protection blocked the request.
	ErrAntiBot = errors.New("anti-bot protection detected")
	// ErrChallengeTimeout indicates a timeout while waiting for the page.
	ErrChallengeTimeout = errors.New("challenge timeout")
)

// Chrome user agent for better compatibility
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DetectChallenge reports the kind of interstitial a page is, or "" for a
// regular page. Captcha pages map to ErrCaptchaChallenge, the rest to
// ErrAntiBot.
func DetectChallenge(finalURL, title, html string) (string, error) {
	titleLower := strings.ToLower(title)
	htmlLower := strings.ToLower(html)

	switch {
	case strings.Contains(finalURL, "/website-login/captcha"),
		strings.Contains(htmlLower, "red-captcha"):
		return "site-captcha", ErrCaptchaChallenge
	case strings.Contains(title, "安全限制"),
		strings.Contains(title, "访问频繁"):
		return "site-rate-limit", ErrAntiBot
	case strings.Contains(htmlLower, "google.com/recaptcha"),
		strings.Contains(htmlLower, "g-recaptcha"),
		strings.Contains(htmlLower, "hcaptcha.com"):
		return "captcha", ErrCaptchaChallenge
	case strings.Contains(titleLower, "access denied"),
		strings.Contains(titleLower, "just a moment"),
		strings.Contains(htmlLower, "cf-challenge"):
		return "anti-bot", ErrAntiBot
	}
	return "", nil
}

// coalesce returns the first non-empty string.
func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
