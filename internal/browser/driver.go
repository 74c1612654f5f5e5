package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/jmylchreest/notedown/internal/agent"
	"github.com/jmylchreest/notedown/internal/coordinator"
	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/internal/protocol"
	"github.com/jmylchreest/notedown/pkg/urlnorm"
)

const readyPoll = 250 * time.Millisecond

// ErrUnknownTab is returned for tab ids the browser does not know.
var ErrUnknownTab = errors.New("unknown tab")

// Config configures a Driver.
type Config struct {
	Allocator AllocatorConfig
	// AutoInject starts an agent whenever a tab navigates to the site.
	AutoInject bool
}

// DefaultConfig returns a headless driver that injects on site pages.
func DefaultConfig() Config {
	return Config{Allocator: DefaultAllocatorConfig(), AutoInject: true}
}

// Driver implements coordinator.Browser on top of a Chrome instance.
type Driver struct {
	cfg         Config
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
	log         *slog.Logger

	mu        sync.Mutex
	tabs      map[string]*tab
	active    string
	agentOpts []agent.Option
}

// tab is an attached target.
type tab struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	agent       *agent.Agent
	cancelAgent context.CancelFunc
}

var _ coordinator.Browser = (*Driver)(nil)

// New launches Chrome and returns a driver for it.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	allocCtx, cancelAlloc := NewAllocator(context.Background(), cfg.Allocator)
	browserCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			logger.Debug("chromedp", "msg", fmt.Sprintf(format, args...))
		}),
	)

	// The first Run owns the browser process, so it gets the long-lived
	// context rather than ctx.
	if err := ctx.Err(); err != nil {
		cancel()
		cancelAlloc()
		return nil, err
	}
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	d := &Driver{
		cfg:         cfg,
		allocCtx:    allocCtx,
		cancelAlloc: cancelAlloc,
		browserCtx:  browserCtx,
		cancel:      cancel,
		log:         logger.Component(logger.Browser),
		tabs:        make(map[string]*tab),
	}

	// The initial tab belongs to the browser context itself.
	if c := chromedp.FromContext(browserCtx); c != nil && c.Target != nil {
		id := string(c.Target.TargetID)
		t := &tab{id: id, ctx: browserCtx, cancel: func() {}}
		d.tabs[id] = t
		d.active = id
		d.listen(t)
	}

	d.log.Debug("browser started", "headless", cfg.Allocator.Headless, "stealth", cfg.Allocator.Stealth)
	return d, nil
}

// SetAgentOptions configures agents created from now on. The coordinator
// is usually wired in here as the notifier.
func (d *Driver) SetAgentOptions(opts ...agent.Option) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agentOpts = append([]agent.Option(nil), opts...)
}

// Tabs lists page targets. The most recently opened or focused tab is
// reported active.
func (d *Driver) Tabs(ctx context.Context) ([]coordinator.Tab, error) {
	infos, err := chromedp.Targets(d.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	d.mu.Lock()
	active := d.active
	d.mu.Unlock()

	tabs := make([]coordinator.Tab, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		id := string(info.TargetID)
		tabs = append(tabs, coordinator.Tab{ID: id, URL: info.URL, Active: id == active})
	}
	if active == "" && len(tabs) > 0 {
		tabs[0].Active = true
	}
	return tabs, nil
}

// Open creates a tab loading url and makes it active.
func (d *Driver) Open(ctx context.Context, url string) (coordinator.Tab, error) {
	var id target.ID
	err := d.runBrowser(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		var err error
		id, err = target.CreateTarget(url).Do(cdp.WithExecutor(ctx, c.Browser))
		return err
	}))
	if err != nil {
		return coordinator.Tab{}, fmt.Errorf("open tab: %w", err)
	}

	t, err := d.attach(string(id))
	if err != nil {
		return coordinator.Tab{}, err
	}

	d.mu.Lock()
	d.active = t.id
	d.mu.Unlock()

	d.log.Debug("tab opened", "tab", t.id, "url", url)
	return coordinator.Tab{ID: t.id, URL: url, Active: true}, nil
}

// Navigate loads url in the tab and waits for the load event. The tab's
// agent is stopped first; the next request injects a fresh one.
func (d *Driver) Navigate(ctx context.Context, tabID, url string) error {
	t, err := d.attach(tabID)
	if err != nil {
		return err
	}
	t.stopAgent()
	if err := t.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate tab: %w", err)
	}

	d.mu.Lock()
	d.active = t.id
	d.mu.Unlock()

	d.log.Debug("tab navigated", "tab", t.id, "url", url)
	return nil
}

// WaitLoaded blocks until the tab's document is complete.
func (d *Driver) WaitLoaded(ctx context.Context, tabID string) error {
	t, err := d.attach(tabID)
	if err != nil {
		return err
	}
	return t.run(ctx, WaitComplete(readyPoll))
}

// Inject starts an agent in the tab unless one is already serving.
func (d *Driver) Inject(ctx context.Context, tabID string) error {
	t, err := d.attach(tabID)
	if err != nil {
		return err
	}
	d.startAgent(t)
	return nil
}

// Mailbox returns the mailbox of the tab's agent.
func (d *Driver) Mailbox(tabID string) (*protocol.Mailbox, bool) {
	d.mu.Lock()
	t, ok := d.tabs[tabID]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.agent == nil || t.agent.Mailbox().Closed() {
		return nil, false
	}
	return t.agent.Mailbox(), true
}

// Close stops every agent and shuts the browser down.
func (d *Driver) Close() error {
	d.mu.Lock()
	tabs := make([]*tab, 0, len(d.tabs))
	for _, t := range d.tabs {
		tabs = append(tabs, t)
	}
	d.tabs = map[string]*tab{}
	d.mu.Unlock()

	for _, t := range tabs {
		t.stopAgent()
		t.cancel()
	}
	d.cancel()
	d.cancelAlloc()
	return nil
}

// Allocator returns the allocator context so a headless fetcher can share
// the running browser.
func (d *Driver) Allocator() context.Context {
	return d.allocCtx
}

func (d *Driver) attach(tabID string) (*tab, error) {
	d.mu.Lock()
	if t, ok := d.tabs[tabID]; ok {
		d.mu.Unlock()
		return t, nil
	}
	d.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(d.browserCtx, chromedp.WithTargetID(target.ID(tabID)))
	t := &tab{id: tabID, ctx: tabCtx, cancel: cancel}
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownTab, tabID, err)
	}

	d.mu.Lock()
	if existing, ok := d.tabs[tabID]; ok {
		d.mu.Unlock()
		cancel()
		return existing, nil
	}
	d.tabs[tabID] = t
	d.mu.Unlock()

	d.listen(t)
	return t, nil
}

// listen follows navigation in the tab. Same-document changes go to the
// resident agent; a new document replaces it.
func (d *Driver) listen(t *tab) {
	chromedp.ListenTarget(t.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventNavigatedWithinDocument:
			t.mu.Lock()
			a := t.agent
			t.mu.Unlock()
			if a != nil {
				go a.URLChanged(t.ctx, e.URL)
			}
		case *page.EventFrameNavigated:
			if e.Frame == nil || e.Frame.ParentID != "" {
				return
			}
			go d.documentChanged(t, e.Frame.URL)
		case *target.EventTargetDestroyed:
			if string(e.TargetID) == t.id {
				go d.forget(t.id)
			}
		}
	})
}

func (d *Driver) documentChanged(t *tab, url string) {
	t.stopAgent()
	if d.cfg.AutoInject && urlnorm.OnSite(url) {
		d.log.Debug("auto-injecting agent", "tab", t.id, "url", url)
		d.startAgent(t)
	}
}

func (d *Driver) forget(tabID string) {
	d.mu.Lock()
	t, ok := d.tabs[tabID]
	delete(d.tabs, tabID)
	if d.active == tabID {
		d.active = ""
	}
	d.mu.Unlock()
	if ok {
		t.stopAgent()
		t.cancel()
	}
}

func (d *Driver) startAgent(t *tab) {
	d.mu.Lock()
	opts := d.agentOpts
	d.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.agent != nil && !t.agent.Mailbox().Closed() {
		return
	}

	a := agent.New(t.id, tabDocument{tab: t}, opts...)
	agentCtx, cancel := context.WithCancel(t.ctx)
	t.agent = a
	t.cancelAgent = cancel
	go func() {
		if err := a.Run(agentCtx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Debug("agent stopped", "tab", t.id, "error", err)
		}
	}()
}

func (t *tab) stopAgent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelAgent != nil {
		t.cancelAgent()
	}
	t.agent = nil
	t.cancelAgent = nil
}

// run executes actions in the tab, bounded by ctx as well as the tab.
func (t *tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	release := context.AfterFunc(ctx, cancel)
	defer release()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (d *Driver) runBrowser(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(d.browserCtx)
	defer cancel()
	release := context.AfterFunc(ctx, cancel)
	defer release()
	return chromedp.Run(runCtx, actions...)
}
