// Package rewrite restructures extracted note markdown with a language
// model.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/pkg/llm"
)

// Error types for distinguishing rewrite failures.
var (
	// ErrRewrite wraps any failure of the model call.
	ErrRewrite = errors.New("AI optimization failed")
	// ErrEmptyInput means there was no markdown to rewrite.
	ErrEmptyInput = errors.New("markdown content is required")
)

const (
	DefaultTemperature = 0.6
	DefaultMaxRetries  = 2
	DefaultBackoff     = time.Second
)

// SystemPrompt instructs the model to restructure note markdown without
// changing its substance.
const SystemPrompt = `你是一个专业的 Markdown 格式化专家，专注于将小红书内容转换为结构清晰、易于阅读的 Markdown 格式。

请按照以下要求优化内容：

1. **标题层级组织**：
   - 识别主要内容部分，使用适当的标题层级 (##, ###)
   - 对于步骤类内容，使用有序列表 (1., 2., 3.)
   - 对于要点类内容，使用无序列表 (-)

2. **段落格式化**：
   - 将长段落分段，每个段落之间空一行
   - 保持原有的换行习惯
   - 保留所有表情符号和特殊字符

3. **内容组织**：
   - 食谱：将食材和步骤分开组织
   - 教程：使用清晰的步骤编号
   - 攻略：按照逻辑顺序组织信息
   - 一般内容：保持原有结构，改善可读性

4. **保持不变**：
   - 图片和视频标签原样保留
   - 话题标签放在文末
   - 不添加或删除实质性内容
   - 保持原有的语气和风格

请只返回优化后的 Markdown 内容，不要有任何其他说明。`

const instructionsHeader = "\n\n额外要求：\n"

// fencePattern matches a reply wholly wrapped in one code fence.
var fencePattern = regexp.MustCompile("(?s)^```(?:markdown|md)?[ \t]*\n(.*?)\n?```$")

// Config configures a Rewriter.
type Config struct {
	Temperature float64
	MaxTokens   int
	// MaxRetries bounds retries after rate-limit rejections.
	MaxRetries int
	Backoff    time.Duration
	Observer   llm.Observer
}

// Option configures a Rewriter.
type Option func(*Config)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Config) { c.Temperature = t }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) Option {
	return func(c *Config) { c.MaxTokens = n }
}

// WithRetries sets the rate-limit retry budget and the base backoff, which
// doubles per retry.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = n
		c.Backoff = backoff
	}
}

// WithObserver reports every model call.
func WithObserver(obs llm.Observer) Option {
	return func(c *Config) { c.Observer = obs }
}

// Rewriter rewrites markdown through a provider.
type Rewriter struct {
	provider llm.Provider
	cfg      Config
}

// New creates a Rewriter over provider.
func New(provider llm.Provider, opts ...Option) *Rewriter {
	cfg := Config{
		Temperature: DefaultTemperature,
		MaxRetries:  DefaultMaxRetries,
		Backoff:     DefaultBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Rewriter{provider: provider, cfg: cfg}
}

// Provider returns the underlying provider.
func (r *Rewriter) Provider() llm.Provider {
	return r.provider
}

// Prompt returns the system prompt with instructions appended when present.
func Prompt(instructions string) string {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return SystemPrompt
	}
	return SystemPrompt + instructionsHeader + instructions
}

// Rewrite returns the restructured markdown. An empty reply yields the
// input unchanged.
func (r *Rewriter) Rewrite(ctx context.Context, markdown, instructions string) (string, error) {
	if strings.TrimSpace(markdown) == "" {
		return "", ErrEmptyInput
	}

	req := llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: Prompt(instructions)},
			{Role: llm.RoleUser, Content: markdown},
		},
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := r.cfg.Backoff << (attempt - 1)
			logger.Debug("rewrite rate limited, backing off", "attempt", attempt, "wait", wait)
			if !sleep(ctx, wait) {
				return "", fmt.Errorf("%w: %v", ErrRewrite, ctx.Err())
			}
		}

		resp, err := r.execute(ctx, req, len(markdown), attempt)
		if err == nil {
			return unwrap(resp.Content, markdown), nil
		}
		lastErr = err
		if !llm.IsRateLimited(err) {
			break
		}
	}

	return "", fmt.Errorf("%w: %v", ErrRewrite, lastErr)
}

func (r *Rewriter) execute(ctx context.Context, req llm.Request, inputSize, attempt int) (*llm.Response, error) {
	startedAt := time.Now()
	resp, err := r.provider.Execute(ctx, req)

	if r.cfg.Observer != nil {
		event := llm.CallEvent{
			Provider:    r.provider.Name(),
			Model:       r.provider.Model(),
			InputSize:   inputSize,
			Temperature: req.Temperature,
			Response:    resp,
			Error:       err,
			Duration:    time.Since(startedAt),
			Attempt:     attempt,
			StartedAt:   startedAt,
		}
		if resp != nil && resp.Model != "" {
			event.Model = resp.Model
		}
		r.cfg.Observer.OnLLMCall(ctx, event)
	}
	return resp, err
}

// unwrap trims the reply and strips an enclosing code fence. An empty
// reply falls back to the original.
func unwrap(reply, original string) string {
	reply = strings.TrimSpace(reply)
	if m := fencePattern.FindStringSubmatch(reply); m != nil {
		reply = strings.TrimSpace(m[1])
	}
	if reply == "" {
		return original
	}
	return reply
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
