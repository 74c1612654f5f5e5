package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dustin/go-humanize"
	"github.com/gocolly/colly/v2"

	"github.com/jmylchreest/notedown/internal/logger"
)

// StaticConfig holds configuration for the static fetcher.
type StaticConfig struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// DefaultStaticConfig returns sensible defaults.
func DefaultStaticConfig() StaticConfig {
	return StaticConfig{
		UserAgent:   DefaultUserAgent,
		Timeout:     30 * time.Second,
		MaxBodySize: 10 * 1024 * 1024,
	}
}

// StaticFetcher fetches server-rendered HTML with colly. It sees the inline
// state script and description container but never runs page scripts.
type StaticFetcher struct {
	config StaticConfig
}

// NewStatic creates a new static fetcher.
func NewStatic(cfg StaticConfig) *StaticFetcher {
	def := DefaultStaticConfig()
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = def.MaxBodySize
	}
	return &StaticFetcher{config: cfg}
}

// Fetch retrieves the page, following redirects.
func (f *StaticFetcher) Fetch(ctx context.Context, targetURL string, opts Options) (Content, error) {
	result := Content{
		URL:       targetURL,
		FinalURL:  targetURL,
		FetchedAt: time.Now(),
	}

	userAgent := coalesce(opts.UserAgent, f.config.UserAgent)
	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.MaxBodySize(f.config.MaxBodySize),
		colly.StdlibContext(ctx),
	)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = f.config.Timeout
	}
	c.SetRequestTimeout(timeout)

	if len(opts.Cookies) > 0 {
		if err := c.SetCookies(targetURL, httpCookies(targetURL, opts.Cookies)); err != nil {
			return result, fmt.Errorf("set cookies: %w", err)
		}
	}

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
		for k, v := range opts.Headers {
			r.Headers.Set(k, v)
		}
	})

	var fetchErr error

	c.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		result.ContentType = r.Headers.Get("Content-Type")
		result.HTML = string(r.Body)
		result.FinalURL = r.Request.URL.String()
		logger.Component(logger.Fetch).Debug("static fetch response received",
			"status", r.StatusCode,
			"final_url", result.FinalURL,
			"size", humanize.Bytes(uint64(len(r.Body))))
	})

	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		fetchErr = fmt.Errorf("fetch error: %w", err)
		logger.Component(logger.Fetch).Debug("static fetch error", "status", result.StatusCode, "error", err)
	})

	logger.Component(logger.Fetch).Debug("static fetch starting", "url", targetURL, "timeout", timeout)
	if err := c.Visit(targetURL); err != nil && fetchErr == nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("%w: %v", ErrChallengeTimeout, ctx.Err())
		}
		return result, fmt.Errorf("failed to visit URL: %w", err)
	}
	if fetchErr != nil {
		return result, fetchErr
	}

	if result.HTML != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(result.HTML))
		if err != nil {
			return result, fmt.Errorf("failed to parse content: %w", err)
		}
		result.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	if kind, err := DetectChallenge(result.FinalURL, result.Title, result.HTML); err != nil {
		logger.Component(logger.Fetch).Warn("challenge page detected", "url", targetURL, "type", kind)
		return result, fmt.Errorf("%w: %s", err, kind)
	}

	return result, nil
}

func httpCookies(targetURL string, cookies []Cookie) []*http.Cookie {
	host := ""
	if u, err := url.Parse(targetURL); err == nil {
		host = u.Hostname()
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: coalesce(c.Domain, host),
			Path:   "/",
		})
	}
	return out
}

// Close releases resources.
func (f *StaticFetcher) Close() error {
	return nil
}

// Type returns the fetcher type.
func (f *StaticFetcher) Type() string {
	return "static"
}
