// Package llm provides a unified interface over the chat-completion
// backends used to rewrite note markdown.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a chat message.
type Message struct {
	Role    Role
	Content string
}

// Request represents a completion request to the LLM.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response represents the result of an LLM execution.
type Response struct {
	Content      string
	FinishReason string
	Usage        Usage
	Model        string // Actual model used, as reported by the backend
	Duration     time.Duration
}

// Provider is the core interface that all LLM backends must implement.
type Provider interface {
	// Execute sends a completion request and returns the response.
	Execute(ctx context.Context, req Request) (*Response, error)

	// Name returns the provider identifier (e.g., "moonshot", "anthropic").
	Name() string

	// Model returns the configured model name.
	Model() string
}

// ProviderConfig holds common configuration for providers.
type ProviderConfig struct {
	APIKey  string
	BaseURL string // For custom endpoints
	Model   string
	Timeout time.Duration
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout: 60 * time.Second,
	}
}

// Error types for distinguishing provider failures.
var (
	// ErrMissingAPIKey indicates a hosted provider was created without a key.
	ErrMissingAPIKey = errors.New("API key required")
	// ErrRateLimited indicates the backend rejected the call with HTTP 429.
	ErrRateLimited = errors.New("rate limited")
	// ErrEmptyChoice indicates the backend answered without any message.
	ErrEmptyChoice = errors.New("no choices in response")
)

// IsRateLimited reports whether err is a rate-limit rejection. Errors from
// backends that do not surface a status code are matched on their text.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429")
}
