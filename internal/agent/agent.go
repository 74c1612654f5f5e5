// Package agent implements the per-tab actor that extracts the note shown
// by a live document. It extracts on page load, on same-document URL
// changes and on request, reporting results to the coordinator and to
// host page subscribers.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/internal/protocol"
	"github.com/jmylchreest/notedown/pkg/extract"
	"github.com/jmylchreest/notedown/pkg/markdown"
	"github.com/jmylchreest/notedown/pkg/note"
	"github.com/jmylchreest/notedown/pkg/urlnorm"
)

// Default waits.
const (
	DefaultReadyTimeout  = 10 * time.Second
	DefaultLoadDelay     = 3 * time.Second
	DefaultRequestSettle = 2 * time.Second
)

// Error messages returned to the coordinator.
const (
	msgExtractFailed = "could not extract note data, reload the page and retry"
	msgNoData        = "could not extract data"
)

// Document is the live page the agent runs in.
type Document interface {
	// URL returns the current location.
	URL(ctx context.Context) (string, error)
	// WaitReady blocks until the document is complete.
	WaitReady(ctx context.Context) error
	// Snapshot captures the document for extraction.
	Snapshot(ctx context.Context) (*extract.Page, error)
}

// Notifier receives extracted notes. The coordinator implements it.
type Notifier interface {
	NoteExtracted(ctx context.Context, sender protocol.Sender, data note.Extraction) error
}

// Publisher receives same-document broadcasts.
type Publisher interface {
	Publish(msg protocol.Message)
}

// OptionsSource supplies the extraction options at extraction time.
type OptionsSource func() extract.Options

// Config configures an Agent.
type Config struct {
	ReadyTimeout  time.Duration
	LoadDelay     time.Duration
	RequestSettle time.Duration
	Chain         *extract.Chain
	Clock         markdown.Clock
	Options       OptionsSource
	Notifier      Notifier
	Publisher     Publisher
}

// Option configures an Agent.
type Option func(*Config)

// WithWaits overrides the readiness cap, load delay and request settle.
func WithWaits(ready, load, settle time.Duration) Option {
	return func(c *Config) {
		c.ReadyTimeout, c.LoadDelay, c.RequestSettle = ready, load, settle
	}
}

// WithChain overrides the extraction chain.
func WithChain(chain *extract.Chain) Option {
	return func(c *Config) { c.Chain = chain }
}

// WithClock overrides the rendering clock.
func WithClock(clock markdown.Clock) Option {
	return func(c *Config) { c.Clock = clock }
}

// WithOptions sets the source of extraction options.
func WithOptions(src OptionsSource) Option {
	return func(c *Config) { c.Options = src }
}

// WithNotifier sets where extracted notes are reported.
func WithNotifier(n Notifier) Option {
	return func(c *Config) { c.Notifier = n }
}

// WithPublisher sets where broadcasts go.
func WithPublisher(p Publisher) Option {
	return func(c *Config) { c.Publisher = p }
}

// Agent is the per-tab actor.
type Agent struct {
	tabID   string
	doc     Document
	cfg     Config
	mailbox *protocol.Mailbox
	log     *slog.Logger

	mu      sync.Mutex
	lastURL string
}

// New creates an agent for tabID.
func New(tabID string, doc Document, opts ...Option) *Agent {
	cfg := Config{
		ReadyTimeout:  DefaultReadyTimeout,
		LoadDelay:     DefaultLoadDelay,
		RequestSettle: DefaultRequestSettle,
		Chain:         extract.DefaultChain(),
		Clock:         time.Now,
		Options:       extract.DefaultOptions,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Agent{
		tabID:   tabID,
		doc:     doc,
		cfg:     cfg,
		mailbox: protocol.NewMailbox(4),
		log:     logger.Component(logger.Agent).With("tab", tabID),
	}
}

// Mailbox returns the agent's inbound queue.
func (a *Agent) Mailbox() *protocol.Mailbox {
	return a.mailbox
}

// Run serves requests until ctx is done. It also performs the load-time
// extraction of the current page.
func (a *Agent) Run(ctx context.Context) error {
	go a.onLoad(ctx)
	return protocol.Serve(ctx, a.mailbox, a.handle)
}

// URLChanged is called on same-document navigation. A change to a new
// note page runs the load-time extraction again.
func (a *Agent) URLChanged(ctx context.Context, url string) {
	a.mu.Lock()
	if url == a.lastURL {
		a.mu.Unlock()
		return
	}
	a.lastURL = url
	a.mu.Unlock()

	a.log.Debug("url changed", "url", url)
	go a.onLoad(ctx)
}

func (a *Agent) onLoad(ctx context.Context) {
	url, err := a.doc.URL(ctx)
	if err != nil {
		a.log.Debug("read location failed", "error", err)
		return
	}
	a.mu.Lock()
	a.lastURL = url
	a.mu.Unlock()

	if !urlnorm.IsNotePage(url) {
		a.log.Debug("not a note page", "url", url)
		return
	}

	readyCtx, cancel := context.WithTimeout(ctx, a.cfg.ReadyTimeout)
	if err := a.doc.WaitReady(readyCtx); err != nil && ctx.Err() == nil {
		a.log.Warn("page load wait timed out", "url", url)
	}
	cancel()

	if !sleep(ctx, a.cfg.LoadDelay) {
		return
	}

	data, err := a.extract(ctx)
	if err != nil {
		a.log.Info("no note extracted on load", "url", url, "error", err)
		return
	}
	a.notify(ctx, data)
}

func (a *Agent) handle(ctx context.Context, env *protocol.Envelope) bool {
	switch env.Message.Type {
	case protocol.TypeCheckPage:
		url, err := a.doc.URL(ctx)
		notePage := err == nil && urlnorm.IsNotePage(url)
		env.Reply(protocol.Response{Success: true, IsNotePage: &notePage})

	case protocol.TypeExtractNote:
		go func() {
			data, ok := a.extractOnRequest(ctx)
			if !ok {
				env.Reply(protocol.Failure(msgExtractFailed))
				return
			}
			env.Reply(protocol.Response{Success: true, Data: &data, URL: data.Source})
		}()
		return true

	case protocol.TypeSendToWebApp:
		go func() {
			data, ok := a.extractOnRequest(ctx)
			if !ok {
				env.Reply(protocol.Failure(msgNoData))
				return
			}
			a.publish(data)
			env.Reply(protocol.OK())
		}()
		return true

	default:
		env.Reply(protocol.Failure("unknown message type"))
	}
	return false
}

func (a *Agent) extractOnRequest(ctx context.Context) (note.Extraction, bool) {
	if !sleep(ctx, a.cfg.RequestSettle) {
		return note.Extraction{}, false
	}
	data, err := a.extract(ctx)
	if err != nil {
		a.log.Warn("extraction failed", "error", err)
		return note.Extraction{}, false
	}
	return data, true
}

// extract snapshots the document, runs the chain and renders the result.
func (a *Agent) extract(ctx context.Context) (note.Extraction, error) {
	page, err := a.doc.Snapshot(ctx)
	if err != nil {
		return note.Extraction{}, err
	}
	page.Live = true

	result, err := a.cfg.Chain.Extract(ctx, page, a.cfg.Options())
	if err != nil {
		if errors.Is(err, extract.ErrNoNoteData) {
			a.log.Debug("no strategy matched", "url", page.URL, "attempts", len(result.Attempts))
		}
		return note.Extraction{}, err
	}

	a.log.Info("note extracted", "url", page.URL, "strategy", result.Strategy, "images", len(result.Record.Images))
	return note.Extraction{
		Record:   result.Record,
		Markdown: markdown.RenderNow(result.Record, a.cfg.Clock),
	}, nil
}

func (a *Agent) notify(ctx context.Context, data note.Extraction) {
	if a.cfg.Notifier != nil {
		sender := protocol.Sender{TabID: a.tabID, TabURL: data.Source}
		if err := a.cfg.Notifier.NoteExtracted(ctx, sender, data); err != nil {
			a.log.Warn("notify coordinator failed", "error", err)
		}
	}
	a.publish(data)
}

func (a *Agent) publish(data note.Extraction) {
	if a.cfg.Publisher == nil {
		return
	}
	a.cfg.Publisher.Publish(protocol.Message{
		Type: protocol.TypeBroadcastExtracted,
		URL:  data.Source,
		Data: &data,
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
