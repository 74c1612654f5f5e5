package notedown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/pkg/extract"
	"github.com/jmylchreest/notedown/pkg/fetcher"
	"github.com/jmylchreest/notedown/pkg/llm"
	"github.com/jmylchreest/notedown/pkg/markdown"
	"github.com/jmylchreest/notedown/pkg/note"
	"github.com/jmylchreest/notedown/pkg/rewrite"
	"github.com/jmylchreest/notedown/pkg/urlnorm"
)

// Error types for distinguishing pipeline failures.
var (
	// ErrInvalidURL means the input holds no note page or short link.
	ErrInvalidURL = errors.New("invalid Xiaohongshu URL")
	// ErrEmptyMarkdown means there was nothing to rewrite.
	ErrEmptyMarkdown = errors.New("markdown content is required")
	// ErrNoProvider means a rewrite was requested without a usable provider.
	ErrNoProvider = errors.New("no LLM provider configured")
)

// Result is one entry of ExtractMany.
type Result struct {
	Input      string
	Extraction note.Extraction
	Error      error
}

// Notedown runs the server-side pipeline.
type Notedown struct {
	fetcher  fetcher.Fetcher
	chain    *extract.Chain
	rewriter *rewrite.Rewriter
	config   Config
}

// New creates a pipeline. A rewriter is only built when a provider can be
// configured; Optimize reports ErrNoProvider otherwise.
func New(opts ...Option) (*Notedown, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	f := cfg.Fetcher
	if f == nil {
		f = fetcher.NewStatic(fetcher.StaticConfig{
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.Timeout,
		})
	}

	chain := cfg.Chain
	if chain == nil {
		chain = extract.DefaultChain()
	}
	if cfg.Options == nil {
		cfg.Options = extract.DefaultOptions
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	n := &Notedown{fetcher: f, chain: chain, config: cfg}

	rw, err := n.newRewriter(cfg.APIKey)
	switch {
	case err == nil:
		n.rewriter = rw
	case errors.Is(err, llm.ErrMissingAPIKey):
		logger.Debug("rewriter disabled", "reason", err)
	default:
		return nil, fmt.Errorf("failed to create rewriter: %w", err)
	}

	return n, nil
}

func (n *Notedown) newRewriter(apiKey string) (*rewrite.Rewriter, error) {
	// A bare key is a Kimi key; otherwise the environment decides.
	name := n.config.Provider
	switch {
	case name != "":
		if apiKey == "" {
			apiKey = os.Getenv(llm.EnvKey(name))
		}
	case apiKey != "":
		name = "moonshot"
	default:
		name, apiKey = llm.DetectProvider()
	}

	provider, err := llm.NewProvider(name, llm.ProviderConfig{
		APIKey:  apiKey,
		BaseURL: n.config.BaseURL,
		Model:   n.config.Model,
	})
	if err != nil {
		return nil, err
	}

	opts := []rewrite.Option{
		rewrite.WithTemperature(n.config.Temperature),
		rewrite.WithRetries(n.config.MaxRetries, rewrite.DefaultBackoff),
	}
	if n.config.MaxTokens > 0 {
		opts = append(opts, rewrite.WithMaxTokens(n.config.MaxTokens))
	}
	if n.config.Observer != nil {
		opts = append(opts, rewrite.WithObserver(n.config.Observer))
	}
	return rewrite.New(provider, opts...), nil
}

// Extract normalizes input, fetches the page and runs the chain.
func (n *Notedown) Extract(ctx context.Context, input string) (note.Extraction, error) {
	target, ok := urlnorm.Normalize(input)
	if !ok {
		return note.Extraction{}, ErrInvalidURL
	}

	fetchStart := time.Now()
	content, err := n.fetcher.Fetch(ctx, target, fetcher.Options{
		UserAgent:       n.config.UserAgent,
		Timeout:         n.config.Timeout,
		WaitForSelector: n.config.WaitForSelector,
		Cookies:         n.config.Cookies,
	})
	if err != nil {
		return note.Extraction{}, fmt.Errorf("fetch failed: %w", err)
	}

	page := &extract.Page{
		URL:   sourceURL(target, content.FinalURL),
		Title: content.Title,
		HTML:  content.HTML,
		State: content.State,
	}

	result, err := n.chain.Extract(ctx, page, n.config.Options())
	if err != nil {
		return note.Extraction{}, fmt.Errorf("extraction failed: %w", err)
	}

	ex := note.Extraction{
		Record:   result.Record,
		Markdown: markdown.RenderNow(result.Record, n.config.Clock),
	}

	logger.Info("note extracted",
		"url", page.URL,
		"strategy", result.Strategy,
		"note_id", ex.NoteID,
		"fetch_duration", time.Since(fetchStart))

	if n.config.Recorder != nil {
		if err := n.config.Recorder.Save(ex); err != nil {
			logger.Warn("failed to record extraction", "url", page.URL, "error", err)
		}
	}
	return ex, nil
}

// sourceURL is the canonical note URL a short link resolved to, or the
// requested URL.
func sourceURL(requested, final string) string {
	if urlnorm.IsShortLink(requested) {
		if canonical, ok := urlnorm.Normalize(final); ok && !urlnorm.IsShortLink(canonical) {
			return canonical
		}
	}
	return requested
}

// ExtractMany extracts several inputs concurrently. Results arrive in
// completion order.
func (n *Notedown) ExtractMany(ctx context.Context, inputs []string, concurrency int) <-chan Result {
	if concurrency < 1 {
		concurrency = 1
	}

	results := make(chan Result, len(inputs))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, input := range inputs {
		wg.Add(1)
		go func(in string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			ex, err := n.Extract(ctx, in)
			results <- Result{Input: in, Extraction: ex, Error: err}
		}(input)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// OptimizeOption adjusts a single Optimize call.
type OptimizeOption func(*optimizeConfig)

type optimizeConfig struct {
	apiKey string
}

// WithRequestAPIKey uses key for this call instead of the configured one.
func WithRequestAPIKey(key string) OptimizeOption {
	return func(c *optimizeConfig) { c.apiKey = key }
}

// Optimize rewrites markdown. On failure the original markdown is returned
// together with the error.
func (n *Notedown) Optimize(ctx context.Context, md, instructions string, opts ...OptimizeOption) (string, error) {
	if strings.TrimSpace(md) == "" {
		return "", ErrEmptyMarkdown
	}

	var oc optimizeConfig
	for _, opt := range opts {
		opt(&oc)
	}

	rw := n.rewriter
	if oc.apiKey != "" {
		var err error
		rw, err = n.newRewriter(oc.apiKey)
		if err != nil {
			return md, fmt.Errorf("%w: %v", rewrite.ErrRewrite, err)
		}
	}
	if rw == nil {
		return md, fmt.Errorf("%w: %w", rewrite.ErrRewrite, ErrNoProvider)
	}

	out, err := rw.Rewrite(ctx, md, instructions)
	if err != nil {
		logger.Warn("rewrite failed", "provider", rw.Provider().Name(), "error", err)
		return md, err
	}
	return out, nil
}

// CanOptimize reports whether a rewriter is configured.
func (n *Notedown) CanOptimize() bool {
	return n.rewriter != nil
}

// Close releases the fetcher.
func (n *Notedown) Close() error {
	return n.fetcher.Close()
}
