// Package notedown is the server-side extraction pipeline: it fetches a
// note page out of band, runs the extraction chain over it and renders
// markdown, with an optional AI rewrite of the result.
package notedown

import (
	"time"

	"github.com/jmylchreest/notedown/pkg/extract"
	"github.com/jmylchreest/notedown/pkg/fetcher"
	"github.com/jmylchreest/notedown/pkg/llm"
	"github.com/jmylchreest/notedown/pkg/markdown"
	"github.com/jmylchreest/notedown/pkg/note"
)

// Recorder stores finished extractions, for example in an archive.
type Recorder interface {
	Save(extraction note.Extraction) error
}

// Config holds all pipeline configuration.
type Config struct {
	// LLM settings. An empty Provider is auto-detected from the environment.
	Provider string
	Model    string
	APIKey   string
	BaseURL  string

	// Fetch settings
	Fetcher         fetcher.Fetcher
	UserAgent       string
	Timeout         time.Duration
	WaitForSelector string
	Cookies         []fetcher.Cookie

	// Rewrite settings
	Temperature float64
	MaxTokens   int
	MaxRetries  int
	Observer    llm.Observer

	Chain    *extract.Chain
	Options  func() extract.Options
	Clock    markdown.Clock
	Recorder Recorder
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent:       fetcher.DefaultUserAgent,
		Timeout:         30 * time.Second,
		WaitForSelector: "title",
		Temperature:     0.6,
		MaxRetries:      2,
		Options:         extract.DefaultOptions,
		Clock:           time.Now,
	}
}

// Option configures the pipeline.
type Option func(*Config)

// WithProvider sets the LLM provider.
func WithProvider(provider string) Option {
	return func(c *Config) { c.Provider = provider }
}

// WithModel sets the LLM model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL sets a custom API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithFetcher injects the page fetcher. Without one a static fetcher is used.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(c *Config) { c.Fetcher = f }
}

// WithUserAgent sets the user agent for fetching.
func WithUserAgent(ua string) Option {
	return func(c *Config) { c.UserAgent = ua }
}

// WithTimeout sets the page fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithWaitSelector sets the selector a dynamic fetcher waits for.
func WithWaitSelector(sel string) Option {
	return func(c *Config) { c.WaitForSelector = sel }
}

// WithCookies sets cookies sent with every fetch.
func WithCookies(cookies ...fetcher.Cookie) Option {
	return func(c *Config) { c.Cookies = cookies }
}

// WithTemperature sets the rewrite temperature.
func WithTemperature(t float64) Option {
	return func(c *Config) { c.Temperature = t }
}

// WithMaxTokens caps the rewrite reply length. Zero leaves the provider default.
func WithMaxTokens(n int) Option {
	return func(c *Config) { c.MaxTokens = n }
}

// WithMaxRetries sets the rewrite rate-limit retry budget.
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

// WithObserver reports every LLM call.
func WithObserver(obs llm.Observer) Option {
	return func(c *Config) { c.Observer = obs }
}

// WithChain replaces the extraction chain.
func WithChain(chain *extract.Chain) Option {
	return func(c *Config) { c.Chain = chain }
}

// WithExtractOptions supplies the record options at extraction time.
func WithExtractOptions(src func() extract.Options) Option {
	return func(c *Config) { c.Options = src }
}

// WithClock sets the clock used for the front matter date.
func WithClock(clock markdown.Clock) Option {
	return func(c *Config) { c.Clock = clock }
}

// WithRecorder stores every successful extraction.
func WithRecorder(r Recorder) Option {
	return func(c *Config) { c.Recorder = r }
}
