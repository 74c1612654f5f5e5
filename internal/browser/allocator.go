// Package browser drives a Chrome instance over the DevTools protocol. It
// supplies the tab layer the coordinator talks to, hosts one agent per
// note tab and provides the allocator shared with the headless fetcher.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/jmylchreest/notedown/pkg/fetcher"
)

// AllocatorConfig describes how Chrome is launched.
type AllocatorConfig struct {
	UserAgent string
	// Headless hides the window. A visible browser lets the user sign in.
	Headless bool
	// Stealth adds flags and a script that hide automation markers.
	Stealth bool
	// UserDataDir keeps cookies and sign-in across runs when set.
	UserDataDir string
	// ExecPath overrides binary discovery.
	ExecPath string
}

// DefaultAllocatorConfig returns a headless stealth configuration.
func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		UserAgent: fetcher.DefaultUserAgent,
		Headless:  true,
		Stealth:   true,
	}
}

// AllocatorOptions builds the exec allocator flags for cfg.
func AllocatorOptions(cfg AllocatorConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", "zh-CN,zh"),
		chromedp.WindowSize(1920, 1080),
	)
	if cfg.Stealth {
		opts = append(opts,
			chromedp.Flag("excludeSwitches", "enable-automation"),
			chromedp.Flag("useAutomationExtension", false),
			chromedp.Flag("disable-infobars", true),
			chromedp.Flag("disable-background-timer-throttling", true),
			chromedp.Flag("disable-backgrounding-occluded-windows", true),
			chromedp.Flag("disable-renderer-backgrounding", true),
		)
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}

	execPath := cfg.ExecPath
	if execPath == "" {
		execPath = FindChromePath()
	}
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = fetcher.DefaultUserAgent
	}
	return append(opts, chromedp.UserAgent(userAgent))
}

// NewAllocator starts an exec allocator for cfg.
func NewAllocator(parent context.Context, cfg AllocatorConfig) (context.Context, context.CancelFunc) {
	return chromedp.NewExecAllocator(parent, AllocatorOptions(cfg)...)
}

// stealthScript runs before any page script on every new document.
const stealthScript = `
(function() {
    Object.defineProperty(navigator, 'webdriver', { get: () => undefined, configurable: true });
    delete Object.getPrototypeOf(navigator).webdriver;
    Object.defineProperty(navigator, 'languages', { get: () => ['zh-CN', 'zh', 'en'], configurable: true });
    Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3], configurable: true });
    if (!window.chrome) { window.chrome = {}; }
    if (!window.chrome.runtime) { window.chrome.runtime = {}; }
    const query = window.navigator.permissions && window.navigator.permissions.query;
    if (query) {
        window.navigator.permissions.query = (p) => p && p.name === 'notifications'
            ? Promise.resolve({ state: Notification.permission })
            : query(p);
    }
})();
`

// InjectStealthScript registers the stealth script for new documents. Run
// it before navigating.
func InjectStealthScript() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
		return err
	})
}

// SetCookies sets cookies for targetURL's host, typically the site session
// cookie that lifts the logged-out view limits.
func SetCookies(targetURL string, cookies []fetcher.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		u, err := url.Parse(targetURL)
		if err != nil {
			return fmt.Errorf("failed to parse URL for cookies: %w", err)
		}

		params := make([]*network.CookieParam, 0, len(cookies))
		for _, c := range cookies {
			domain := c.Domain
			if domain == "" {
				domain = u.Hostname()
			}
			params = append(params, &network.CookieParam{
				Name:   c.Name,
				Value:  c.Value,
				Domain: domain,
				Path:   "/",
				Secure: u.Scheme == "https",
			})
		}
		return network.SetCookies(params).Do(ctx)
	})
}

// CaptureScreenshot returns a viewport screenshot, or nil when the browser
// cannot produce one.
func CaptureScreenshot(ctx context.Context) []byte {
	var shot []byte
	captureCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := chromedp.Run(captureCtx, chromedp.CaptureScreenshot(&shot)); err != nil {
		return nil
	}
	return shot
}

// readyStateJS reports document.readyState.
const readyStateJS = `document.readyState`

// WaitComplete polls until the document's readyState is "complete".
func WaitComplete(interval time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			var state string
			if err := chromedp.Evaluate(readyStateJS, &state).Do(ctx); err == nil && state == "complete" {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
}
