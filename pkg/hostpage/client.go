// Package hostpage is the host page side of the extension channel. It
// talks to a coordinator over the server's /extension routes: requests as
// JSON posts, extracted-note broadcasts as a server-sent event stream.
package hostpage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/internal/protocol"
	"github.com/jmylchreest/notedown/internal/settings"
	"github.com/jmylchreest/notedown/pkg/note"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 30 * time.Second

// Server routes of the extension channel.
const (
	MessagePath = "/extension/message"
	EventsPath  = "/extension/events"
)

// Error types for distinguishing channel failures.
var (
	// ErrNotInstalled means no coordinator answered PING.
	ErrNotInstalled = errors.New("插件未安装或未启用。请先安装小红书提取器插件。")
	// ErrNoExtensionID means a request was attempted before an id was known.
	ErrNoExtensionID = errors.New("extension ID not set")
	// ErrInvalidExtensionID means an id is not a uuid.
	ErrInvalidExtensionID = errors.New("invalid extension ID")
	// ErrExtractFailed is used when a failed extraction carries no message.
	ErrExtractFailed = errors.New("提取失败")
)

// Cached is the coordinator's cache slot.
type Cached struct {
	Data note.Extraction
	URL  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithExtensionID pins the coordinator id instead of discovering it.
func WithExtensionID(id string) Option {
	return func(c *Client) { c.extensionID = id }
}

// Client is a host page's communicator.
type Client struct {
	baseURL string
	origin  string
	http    *http.Client
	timeout time.Duration

	mu          sync.Mutex
	extensionID string
	detected    bool
	listener    func(note.Extraction)
}

// New creates a client for the server at baseURL. Every request carries
// origin, which the coordinator checks against its allow-list.
func New(baseURL, origin string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		origin:  origin,
		http:    &http.Client{},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.extensionID != "" && !validID(c.extensionID) {
		logger.Debug("discarding invalid extension id", "id", c.extensionID)
		c.extensionID = ""
	}
	return c
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// SetExtensionID pins the coordinator id and forces detection to rerun.
func (c *Client) SetExtensionID(id string) error {
	if !validID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidExtensionID, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extensionID = id
	c.detected = false
	return nil
}

// ExtensionID returns the known coordinator id, or "".
func (c *Client) ExtensionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extensionID
}

// IsInstalled pings the coordinator once and remembers a success. Without
// a pinned id the id reported by PING is adopted.
func (c *Client) IsInstalled(ctx context.Context) bool {
	c.mu.Lock()
	if c.detected {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	resp, err := c.send(ctx, protocol.Message{Type: protocol.TypePing})
	if err != nil || !resp.Success {
		logger.Debug("extension ping failed", "error", err, "response_error", resp.Error)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.extensionID == "" {
		if !validID(resp.ExtensionID) {
			return false
		}
		c.extensionID = resp.ExtensionID
	}
	c.detected = true
	return true
}

// ExtractByURL returns the note at url, from the coordinator's cache when
// it holds exactly that URL.
func (c *Client) ExtractByURL(ctx context.Context, url string) (note.Extraction, error) {
	if !c.IsInstalled(ctx) {
		return note.Extraction{}, ErrNotInstalled
	}

	state, err := c.GetState(ctx)
	if err == nil && state.HasExtractedData {
		if cached, err := c.GetExtractedData(ctx); err == nil && cached != nil && cached.URL == url {
			logger.Debug("using cached extraction", "url", url)
			return cached.Data, nil
		}
	}

	resp, err := c.send(ctx, protocol.Message{Type: protocol.TypeExtractURL, URL: url})
	if err != nil {
		return note.Extraction{}, err
	}
	if !resp.Success || resp.Data == nil {
		if resp.Error != "" {
			return note.Extraction{}, errors.New(resp.Error)
		}
		return note.Extraction{}, ErrExtractFailed
	}
	return *resp.Data, nil
}

// GetState returns the cache flags. An unreachable coordinator reads as an
// empty cache.
func (c *Client) GetState(ctx context.Context) (protocol.CacheState, error) {
	if !c.IsInstalled(ctx) {
		return protocol.CacheState{}, nil
	}
	resp, err := c.send(ctx, protocol.Message{Type: protocol.TypeGetState})
	if err != nil {
		return protocol.CacheState{}, err
	}
	if resp.CacheState == nil {
		return protocol.CacheState{}, nil
	}
	return *resp.CacheState, nil
}

// GetExtractedData returns the cached extraction, or nil when the cache is
// empty or the coordinator is unreachable.
func (c *Client) GetExtractedData(ctx context.Context) (*Cached, error) {
	if !c.IsInstalled(ctx) {
		return nil, nil
	}
	resp, err := c.send(ctx, protocol.Message{Type: protocol.TypeGetExtractedData})
	if err != nil {
		return nil, err
	}
	if !resp.Success || resp.Data == nil {
		return nil, nil
	}
	return &Cached{Data: *resp.Data, URL: resp.URL}, nil
}

// GetConfig returns the coordinator's settings.
func (c *Client) GetConfig(ctx context.Context) (*settings.Config, error) {
	if !c.IsInstalled(ctx) {
		return nil, nil
	}
	resp, err := c.send(ctx, protocol.Message{Type: protocol.TypeGetConfig})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, nil
	}
	return resp.Config, nil
}

// SetConfig applies a partial settings update.
func (c *Client) SetConfig(ctx context.Context, patch settings.Patch) (bool, error) {
	if !c.IsInstalled(ctx) {
		return false, errors.New("插件未安装或未启用")
	}
	resp, err := c.send(ctx, protocol.Message{Type: protocol.TypeSetConfig, Config: &patch})
	if err != nil {
		return false, err
	}
	if !resp.Success && resp.Error != "" {
		return false, errors.New(resp.Error)
	}
	return resp.Success, nil
}

// ClearData empties the coordinator's cache slot.
func (c *Client) ClearData(ctx context.Context) error {
	resp, err := c.send(ctx, protocol.Message{Type: protocol.TypeClearData})
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	return nil
}

// send posts msg and waits at most the client timeout for the answer.
func (c *Client) send(ctx context.Context, msg protocol.Message) (protocol.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+MessagePath, bytes.NewReader(body))
	if err != nil {
		return protocol.Response{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", c.origin)
	if id := c.ExtensionID(); id != "" {
		req.Header.Set(protocol.ExtensionIDHeader, id)
	}

	logger.Debug("sending message to extension", "type", msg.Type, "id", c.ExtensionID())

	httpResp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Response{}, c.timeoutError()
		}
		return protocol.Response{}, fmt.Errorf("extension request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	var resp protocol.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Response{}, c.timeoutError()
		}
		return protocol.Response{}, fmt.Errorf("decode response (status %d): %w", httpResp.StatusCode, err)
	}

	switch httpResp.StatusCode {
	case http.StatusForbidden:
		return resp, protocol.ErrOriginRejected
	case http.StatusNotFound:
		return resp, protocol.ErrNoReceiver
	case http.StatusGatewayTimeout:
		return resp, c.timeoutError()
	}
	return resp, nil
}

func (c *Client) timeoutError() error {
	return fmt.Errorf("%w: extension message timeout (%s)", protocol.ErrTimeout, c.timeout)
}

// On registers the callback for extracted-note broadcasts, replacing any
// previous one.
func (c *Client) On(fn func(note.Extraction)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = fn
}

// Off removes the broadcast callback.
func (c *Client) Off() {
	c.On(nil)
}

// Listen streams broadcasts to the registered callback until ctx is done
// or the stream ends. Broadcasts from pages off the note site are ignored.
func (c *Client) Listen(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+EventsPath, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Origin", c.origin)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return protocol.ErrOriginRejected
	default:
		return fmt.Errorf("open event stream: status %d", resp.StatusCode)
	}

	err = readEvents(resp.Body, func(msg protocol.Message) {
		if msg.Type != protocol.TypeBroadcastExtracted || msg.Data == nil {
			return
		}
		if !strings.Contains(msg.URL, "xiaohongshu.com") {
			return
		}
		c.mu.Lock()
		fn := c.listener
		c.mu.Unlock()
		if fn != nil {
			fn(*msg.Data)
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readEvents parses a server-sent event stream and hands each data payload
// to fn as a message.
func readEvents(r io.Reader, fn func(protocol.Message)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var data strings.Builder
	flush := func() {
		if data.Len() == 0 {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
			logger.Debug("skipping malformed event", "error", err)
		} else {
			fn(msg)
		}
		data.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
	return scanner.Err()
}
