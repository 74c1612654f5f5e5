package llm

import (
	"context"
	"time"

	"github.com/jmylchreest/notedown/internal/logger"
)

// Observer receives a notification after every LLM call, successful or not.
// Implementations should not block.
type Observer interface {
	OnLLMCall(ctx context.Context, event CallEvent)
}

// CallEvent describes one LLM call.
type CallEvent struct {
	Provider string
	Model    string

	// InputSize is the size in bytes of the user content sent.
	InputSize   int
	Temperature float64

	// Response is nil when the call failed before a response arrived.
	Response *Response
	Error    error

	Duration time.Duration
	// Attempt number (0 = first attempt, 1 = first retry, etc.)
	Attempt   int
	StartedAt time.Time
}

// ObserverFunc is a convenience type for using a function as an Observer.
type ObserverFunc func(ctx context.Context, event CallEvent)

// OnLLMCall implements Observer.
func (f ObserverFunc) OnLLMCall(ctx context.Context, event CallEvent) {
	f(ctx, event)
}

// MultiObserver dispatches each event to several observers.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver creates an observer that dispatches to multiple observers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers}
}

// OnLLMCall dispatches the event to all registered observers.
func (m *MultiObserver) OnLLMCall(ctx context.Context, event CallEvent) {
	for _, obs := range m.observers {
		obs.OnLLMCall(ctx, event)
	}
}

// Add adds an observer to the multi-observer.
func (m *MultiObserver) Add(obs Observer) {
	m.observers = append(m.observers, obs)
}

// LogObserver logs every call through the process logger.
func LogObserver() Observer {
	log := logger.Component(logger.LLM)
	return ObserverFunc(func(ctx context.Context, e CallEvent) {
		if e.Error != nil {
			log.WarnContext(ctx, "llm call failed",
				"provider", e.Provider,
				"model", e.Model,
				"attempt", e.Attempt,
				"duration", e.Duration,
				"error", e.Error)
			return
		}
		attrs := []any{
			"provider", e.Provider,
			"model", e.Model,
			"attempt", e.Attempt,
			"duration", e.Duration,
			"input_size", e.InputSize,
		}
		if e.Response != nil {
			attrs = append(attrs,
				"input_tokens", e.Response.Usage.InputTokens,
				"output_tokens", e.Response.Usage.OutputTokens,
				"finish_reason", e.Response.FinishReason)
		}
		log.InfoContext(ctx, "llm call complete", attrs...)
	})
}
