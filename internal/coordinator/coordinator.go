// Package coordinator implements the long-lived privileged actor between
// host pages and the agents running in browser tabs. It owns the
// single-slot extraction cache and gates every external message on the
// origin allow-list.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/internal/protocol"
	"github.com/jmylchreest/notedown/internal/settings"
	"github.com/jmylchreest/notedown/internal/version"
	"github.com/jmylchreest/notedown/pkg/note"
	"github.com/jmylchreest/notedown/pkg/urlnorm"
)

// Default waits.
const (
	DefaultTabLoadTimeout = 15 * time.Second
	DefaultInjectSettle   = 5 * time.Second
	DefaultTabCallTimeout = 30 * time.Second
	DefaultRequestTimeout = 60 * time.Second
)

// Error messages returned to host pages.
const (
	msgURLRequired    = "URL is required"
	msgInvalidConfig  = "invalid configuration"
	msgUnknownType    = "unknown message type"
	msgNoActiveTab    = "no active tab"
	msgOpenTab        = "could not open tab"
	msgInjectFailed   = "could not inject the page script, open the note page and retry"
	msgEmptyResult    = "extraction returned no result"
	msgExtractTimeout = "extraction timed out"
	msgTabOnly        = "message type only accepted from tabs"
)

// Tab is a browser tab as seen by the coordinator.
type Tab struct {
	ID     string
	URL    string
	Active bool
}

// Browser is the coordinator's view of the browser.
type Browser interface {
	// Tabs lists open tabs.
	Tabs(ctx context.Context) ([]Tab, error)
	// Open opens url in a new tab.
	Open(ctx context.Context, url string) (Tab, error)
	// Navigate loads url in an existing tab, stopping its agent.
	Navigate(ctx context.Context, tabID, url string) error
	// WaitLoaded blocks until the tab's document is complete.
	WaitLoaded(ctx context.Context, tabID string) error
	// Inject starts an agent in the tab.
	Inject(ctx context.Context, tabID string) error
	// Mailbox returns the mailbox of the agent resident in the tab, if any.
	Mailbox(tabID string) (*protocol.Mailbox, bool)
}

// Options configures a Coordinator.
type Options struct {
	ID             string
	TabLoadTimeout time.Duration
	InjectSettle   time.Duration
	TabCallTimeout time.Duration
	RequestTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Options)

// WithID fixes the identity token answered to PING.
func WithID(id string) Option {
	return func(o *Options) { o.ID = id }
}

// WithTabLoadTimeout bounds the wait for a newly opened tab.
func WithTabLoadTimeout(d time.Duration) Option {
	return func(o *Options) { o.TabLoadTimeout = d }
}

// WithInjectSettle sets the pause between injecting an agent and asking it.
func WithInjectSettle(d time.Duration) Option {
	return func(o *Options) { o.InjectSettle = d }
}

// WithTabCallTimeout bounds each call to an agent.
func WithTabCallTimeout(d time.Duration) Option {
	return func(o *Options) { o.TabCallTimeout = d }
}

// WithRequestTimeout bounds a whole external request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) { o.RequestTimeout = d }
}

// Coordinator is the privileged actor.
type Coordinator struct {
	opts     Options
	browser  Browser
	settings *settings.Store
	mailbox  *protocol.Mailbox
	log      *slog.Logger

	mu        sync.Mutex
	cached    *note.Extraction
	cachedURL string
}

// New creates a coordinator. Run must be called to start its loop.
func New(browser Browser, store *settings.Store, opts ...Option) *Coordinator {
	o := Options{
		TabLoadTimeout: DefaultTabLoadTimeout,
		InjectSettle:   DefaultInjectSettle,
		TabCallTimeout: DefaultTabCallTimeout,
		RequestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	return &Coordinator{
		opts:     o,
		browser:  browser,
		settings: store,
		mailbox:  protocol.NewMailbox(16),
		log:      logger.Component(logger.Coordinator),
	}
}

// ID returns the identity token.
func (c *Coordinator) ID() string {
	return c.opts.ID
}

// Settings returns the configuration store.
func (c *Coordinator) Settings() *settings.Store {
	return c.settings
}

// Run serves the coordinator's mailbox until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info("coordinator started", "id", c.opts.ID)
	return protocol.Serve(ctx, c.mailbox, c.handle)
}

// Post is the external entry point for host pages. The origin is checked
// before the message is looked at; a rejected message has no effect and
// the caller learns only that the origin is not allowed.
func (c *Coordinator) Post(ctx context.Context, msg protocol.Message, origin string) (protocol.Response, error) {
	if !c.settings.Allowed(origin) {
		c.log.Warn("message rejected", "origin", origin, "type", msg.Type)
		return protocol.Failure(protocol.ErrOriginRejected.Error()), protocol.ErrOriginRejected
	}
	if msg.Type == protocol.TypeNoteExtracted {
		return protocol.Failure(msgTabOnly), nil
	}
	return protocol.Call(ctx, c.mailbox, msg, protocol.Sender{Origin: origin}, c.opts.RequestTimeout)
}

// NoteExtracted is how agents report a note. It implements the agent's
// notifier.
func (c *Coordinator) NoteExtracted(ctx context.Context, sender protocol.Sender, data note.Extraction) error {
	resp, err := protocol.Call(ctx, c.mailbox, protocol.Message{
		Type: protocol.TypeNoteExtracted,
		Data: &data,
	}, sender, c.opts.TabCallTimeout)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	return nil
}

func (c *Coordinator) handle(ctx context.Context, env *protocol.Envelope) bool {
	msg := env.Message
	c.log.Debug("message received", "id", msg.ID, "type", msg.Type, "origin", env.Sender.Origin, "tab", env.Sender.TabID)

	switch msg.Type {
	case protocol.TypePing:
		env.Reply(protocol.Response{
			Success:     true,
			Version:     version.Protocol,
			ExtensionID: c.opts.ID,
		})

	case protocol.TypeGetState:
		c.mu.Lock()
		state := &protocol.CacheState{
			HasExtractedData: c.cached != nil,
			HasExtractedURL:  c.cachedURL != "",
		}
		c.mu.Unlock()
		env.Reply(protocol.Response{Success: true, CacheState: state})

	case protocol.TypeGetConfig:
		cfg := c.settings.Get()
		env.Reply(protocol.Response{Success: true, Config: &cfg})

	case protocol.TypeSetConfig:
		if msg.Config == nil {
			env.Reply(protocol.Failure(msgInvalidConfig))
			break
		}
		cfg, err := c.settings.Apply(*msg.Config)
		if err != nil {
			c.log.Warn("configuration rejected", "error", err)
			env.Reply(protocol.Failure(err.Error()))
			break
		}
		c.log.Info("configuration updated", "allowed_domains", len(cfg.AllowedDomains))
		env.Reply(protocol.Response{Success: true, Config: &cfg})

	case protocol.TypeExtractURL:
		if strings.TrimSpace(msg.URL) == "" {
			env.Reply(protocol.Failure(msgURLRequired))
			break
		}
		if data, ok := c.cachedFor(msg.URL); ok {
			c.log.Info("extraction served from cache", "url", msg.URL)
			env.Reply(protocol.Response{Success: true, Data: data, URL: msg.URL, FromCache: true})
			break
		}
		go c.extractURL(ctx, env)
		return true

	case protocol.TypeGetExtractedData:
		c.mu.Lock()
		resp := protocol.Response{Success: true, Data: c.cached, URL: c.cachedURL}
		c.mu.Unlock()
		env.Reply(resp)

	case protocol.TypeClearData:
		c.mu.Lock()
		c.cached, c.cachedURL = nil, ""
		c.mu.Unlock()
		env.Reply(protocol.OK())

	case protocol.TypeNoteExtracted:
		if !env.Sender.FromTab() || msg.Data == nil {
			env.Reply(protocol.Failure(msgTabOnly))
			break
		}
		source := msg.Data.Source
		if source == "" {
			source = env.Sender.TabURL
		}
		c.store(*msg.Data, source)
		c.log.Info("note cached", "url", source, "tab", env.Sender.TabID)
		env.Reply(protocol.OK())

	case protocol.TypeCheckPage, protocol.TypeSendToWebApp, protocol.TypeExtractNote:
		go c.forwardToActive(ctx, env)
		return true

	default:
		env.Reply(protocol.Failure(msgUnknownType))
	}
	return false
}

// cachedFor returns the cached extraction when its source is exactly url.
func (c *Coordinator) cachedFor(url string) (*note.Extraction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached == nil || c.cachedURL != url {
		return nil, false
	}
	data := *c.cached
	return &data, true
}

func (c *Coordinator) store(data note.Extraction, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = &data
	c.cachedURL = url
}

// extractURL runs the full EXTRACT_URL flow and answers env.
func (c *Coordinator) extractURL(ctx context.Context, env *protocol.Envelope) {
	url := env.Message.URL
	log := c.log.With("id", env.Message.ID, "url", url)

	tabID, err := c.tabFor(ctx, url, log)
	if err != nil {
		log.Warn("could not open tab", "error", err)
		env.Reply(protocol.Failure(msgOpenTab))
		return
	}

	resp, err := c.askTab(ctx, tabID, protocol.Message{Type: protocol.TypeExtractNote}, log)
	switch {
	case errors.Is(err, protocol.ErrTimeout):
		env.Reply(protocol.Failure(msgExtractTimeout))
		return
	case err != nil:
		log.Warn("extraction failed", "tab", tabID, "error", err)
		env.Reply(protocol.Failure(msgInjectFailed))
		return
	}

	if resp.Success && resp.Data == nil {
		env.Reply(protocol.Failure(msgEmptyResult))
		return
	}
	if resp.Success {
		source := resp.Data.Source
		if source == "" {
			source = url
		}
		c.store(*resp.Data, source)
		resp.URL = source
		log.Info("note extracted", "tab", tabID, "source", source)
	}
	env.Reply(resp)
}

// tabFor finds a tab showing url, or points a tab on the site at url, or
// opens one.
func (c *Coordinator) tabFor(ctx context.Context, url string, log *slog.Logger) (string, error) {
	tabs, err := c.browser.Tabs(ctx)
	if err != nil {
		return "", err
	}
	tab, exact, ok := pickTab(tabs, url)
	if ok && exact {
		log.Debug("using open tab", "tab", tab.ID)
		return tab.ID, nil
	}

	if ok {
		loadCtx, cancel := context.WithTimeout(ctx, c.opts.TabLoadTimeout)
		err := c.browser.Navigate(loadCtx, tab.ID, url)
		cancel()
		switch {
		case err == nil:
			log.Debug("navigated site tab", "tab", tab.ID, "from", tab.URL)
			return tab.ID, nil
		case errors.Is(err, context.DeadlineExceeded):
			log.Warn("tab navigation wait ended early", "tab", tab.ID, "error", err)
			return tab.ID, nil
		default:
			log.Warn("could not navigate site tab, opening a new one", "tab", tab.ID, "error", err)
		}
	}

	tab, err = c.browser.Open(ctx, url)
	if err != nil {
		return "", err
	}
	log.Debug("opened tab", "tab", tab.ID)

	loadCtx, cancel := context.WithTimeout(ctx, c.opts.TabLoadTimeout)
	defer cancel()
	if err := c.browser.WaitLoaded(loadCtx, tab.ID); err != nil {
		// The page may still be usable; extraction decides.
		log.Warn("tab load wait ended early", "tab", tab.ID, "error", err)
	}
	return tab.ID, nil
}

// pickTab prefers a tab already showing url, then any tab on the site.
func pickTab(tabs []Tab, url string) (tab Tab, exact, ok bool) {
	for _, t := range tabs {
		if t.URL == url {
			return t, true, true
		}
	}
	for _, t := range tabs {
		if urlnorm.OnSite(t.URL) {
			return t, false, true
		}
	}
	return Tab{}, false, false
}

// askTab calls the tab's agent, injecting one first when none is resident.
func (c *Coordinator) askTab(ctx context.Context, tabID string, msg protocol.Message, log *slog.Logger) (protocol.Response, error) {
	resp, err := c.callTab(ctx, tabID, msg)
	if !errors.Is(err, protocol.ErrNoReceiver) {
		return resp, err
	}

	log.Debug("no agent in tab, injecting", "tab", tabID)
	if err := c.browser.Inject(ctx, tabID); err != nil {
		return protocol.Response{}, err
	}

	select {
	case <-time.After(c.opts.InjectSettle):
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
	return c.callTab(ctx, tabID, msg)
}

func (c *Coordinator) callTab(ctx context.Context, tabID string, msg protocol.Message) (protocol.Response, error) {
	mb, ok := c.browser.Mailbox(tabID)
	if !ok {
		return protocol.Response{}, protocol.ErrNoReceiver
	}
	return protocol.Call(ctx, mb, msg, protocol.Sender{}, c.opts.TabCallTimeout)
}

// forwardToActive relays env to the agent in the active tab.
func (c *Coordinator) forwardToActive(ctx context.Context, env *protocol.Envelope) {
	msg := env.Message
	tab, ok := c.activeTab(ctx)
	if !ok {
		if msg.Type == protocol.TypeCheckPage {
			notePage := false
			env.Reply(protocol.Response{Success: true, IsNotePage: &notePage})
			return
		}
		env.Reply(protocol.Failure(msgNoActiveTab))
		return
	}

	resp, err := c.callTab(ctx, tab.ID, protocol.Message{ID: msg.ID, Type: msg.Type})
	if err != nil {
		c.log.Debug("forward failed", "type", msg.Type, "tab", tab.ID, "error", err)
		if msg.Type == protocol.TypeCheckPage {
			notePage := urlnorm.IsNotePage(tab.URL)
			env.Reply(protocol.Response{Success: true, IsNotePage: &notePage})
			return
		}
		env.Reply(protocol.Failure(msgEmptyResult))
		return
	}
	env.Reply(resp)
}

func (c *Coordinator) activeTab(ctx context.Context) (Tab, bool) {
	tabs, err := c.browser.Tabs(ctx)
	if err != nil {
		c.log.Warn("list tabs failed", "error", err)
		return Tab{}, false
	}
	for _, t := range tabs {
		if t.Active {
			return t, true
		}
	}
	return Tab{}, false
}
