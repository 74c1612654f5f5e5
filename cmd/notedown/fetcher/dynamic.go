// Package fetcher provides the headless-browser fetcher used by the CLI and
// server when note pages need their scripts run before extraction.
package fetcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/notedown/internal/browser"
	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/pkg/fetcher"
)

// Config holds configuration for the dynamic fetcher.
type Config struct {
	Allocator browser.AllocatorConfig
	Timeout   time.Duration
	// Settle is waited after the ready selector appears, giving lazy
	// images a chance to load.
	Settle time.Duration
	// DebugDir receives a screenshot when a fetch fails. Empty disables it.
	DebugDir string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Allocator: browser.DefaultAllocatorConfig(),
		Timeout:   30 * time.Second,
		Settle:    2 * time.Second,
	}
}

// DynamicFetcher uses chromedp for pages whose note only exists after
// scripts run.
type DynamicFetcher struct {
	config    Config
	allocCtx  context.Context
	cancelCtx context.CancelFunc
}

// NewDynamicFetcher creates a new dynamic fetcher with its own browser.
func NewDynamicFetcher(cfg Config) (*DynamicFetcher, error) {
	cfg = withDefaults(cfg)
	allocCtx, cancel := browser.NewAllocator(context.Background(), cfg.Allocator)

	logger.Component(logger.Fetch).Debug("dynamic fetcher created",
		"stealth", cfg.Allocator.Stealth,
		"headless", cfg.Allocator.Headless,
		"timeout", cfg.Timeout)

	return &DynamicFetcher{config: cfg, allocCtx: allocCtx, cancelCtx: cancel}, nil
}

// NewSharedDynamicFetcher fetches through an allocator that is already
// running, such as the one owned by the tab driver. Close does not stop it.
func NewSharedDynamicFetcher(allocCtx context.Context, cfg Config) *DynamicFetcher {
	return &DynamicFetcher{config: withDefaults(cfg), allocCtx: allocCtx}
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Allocator.UserAgent == "" {
		cfg.Allocator.UserAgent = def.Allocator.UserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	return cfg
}

// Fetch retrieves page content using a headless browser.
func (f *DynamicFetcher) Fetch(ctx context.Context, targetURL string, opts fetcher.Options) (fetcher.Content, error) {
	result := fetcher.Content{
		URL:       targetURL,
		FinalURL:  targetURL,
		FetchedAt: time.Now(),
	}

	browserCtx, cancelBrowser := chromedp.NewContext(f.allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			logger.Component(logger.Fetch).Debug("chromedp", "msg", fmt.Sprintf(format, args...))
		}),
	)
	defer cancelBrowser()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = f.config.Timeout
	}

	// Attach first so the tab is not tied to the request deadline.
	if err := chromedp.Run(browserCtx); err != nil {
		return result, fmt.Errorf("browser automation failed: %w", err)
	}
	timeoutCtx, cancelTimeout := context.WithTimeout(browserCtx, timeout)
	defer cancelTimeout()
	release := context.AfterFunc(ctx, cancelTimeout)
	defer release()

	var html, title, location, state string
	var actions []chromedp.Action

	if len(opts.Cookies) > 0 {
		actions = append(actions, browser.SetCookies(targetURL, opts.Cookies))
	}
	if f.config.Allocator.Stealth {
		actions = append(actions, browser.InjectStealthScript())
	}
	actions = append(actions, chromedp.Navigate(targetURL))

	selector := opts.WaitForSelector
	if selector == "" {
		selector = "body"
	}
	actions = append(actions, chromedp.WaitReady(selector, chromedp.ByQuery))

	settle := opts.WaitDuration
	if settle == 0 {
		settle = f.config.Settle
	}
	if settle > 0 {
		actions = append(actions, chromedp.Sleep(settle))
	}

	actions = append(actions,
		chromedp.Location(&location),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		browser.CaptureState(&state),
	)

	logger.Component(logger.Fetch).Debug("chromedp executing actions",
		"url", targetURL,
		"action_count", len(actions),
		"timeout", timeout,
		"cookies", len(opts.Cookies))

	if err := chromedp.Run(timeoutCtx, actions...); err != nil {
		f.saveScreenshot(browserCtx)
		if timeoutCtx.Err() != nil || strings.Contains(err.Error(), "deadline exceeded") {
			logger.Component(logger.Fetch).Warn("browser timeout, possible anti-bot protection", "url", targetURL)
			return result, fmt.Errorf("%w: %v", fetcher.ErrChallengeTimeout, err)
		}
		return result, fmt.Errorf("browser automation failed: %w", err)
	}

	result.HTML = html
	result.Title = title
	result.StatusCode = 200 // chromedp doesn't easily expose status codes
	if location != "" {
		result.FinalURL = location
	}
	if state != "" {
		result.State = []byte(state)
	}

	if kind, err := fetcher.DetectChallenge(result.FinalURL, title, html); err != nil {
		logger.Component(logger.Fetch).Warn("challenge page detected", "url", targetURL, "type", kind)
		return result, fmt.Errorf("%w: %s", err, kind)
	}

	logger.Component(logger.Fetch).Debug("dynamic fetch complete",
		"url", targetURL,
		"final_url", result.FinalURL,
		"title", title,
		"html_size", humanize.Bytes(uint64(len(html))),
		"state_size", humanize.Bytes(uint64(len(state))))

	return result, nil
}

func (f *DynamicFetcher) saveScreenshot(ctx context.Context) {
	if f.config.DebugDir == "" {
		return
	}
	shot := browser.CaptureScreenshot(ctx)
	if shot == nil {
		return
	}
	path := filepath.Join(f.config.DebugDir, fmt.Sprintf("notedown-debug-%d.png", time.Now().UnixNano()))
	if err := os.WriteFile(path, shot, 0o644); err == nil {
		logger.Component(logger.Fetch).Debug("debug screenshot saved", "path", path)
	}
}

// Close releases browser resources.
func (f *DynamicFetcher) Close() error {
	if f.cancelCtx != nil {
		f.cancelCtx()
	}
	return nil
}

// Type returns the fetcher type.
func (f *DynamicFetcher) Type() string {
	return "dynamic"
}
