package extract

import (
	"context"
	"errors"
	"strings"

	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/pkg/note"
)

// Strategy locates a raw note in a page.
type Strategy interface {
	// Name identifies the strategy in logs and attempts.
	Name() string

	// Applies reports whether the strategy can run against this kind of page.
	Applies(page *Page) bool

	// Extract returns the raw note, ErrNotApplicable when the page does not
	// hold what the strategy looks for, or any other error on hard failure.
	Extract(ctx context.Context, page *Page) (*RawNote, error)
}

// Outcome is the result of running one strategy.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeInapplicable
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeInapplicable:
		return "inapplicable"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Attempt records one strategy run.
type Attempt struct {
	Strategy string
	Outcome  Outcome
	Err      error
}

// Result is a successful chain run.
type Result struct {
	Record   note.Record
	Strategy string
	Attempts []Attempt
}

// Chain runs strategies in order and stops at the first success.
type Chain struct {
	strategies []Strategy
}

// NewChain creates a chain from the given strategies.
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// DefaultChain returns embedded state, then structured HTML, then the DOM heuristic.
func DefaultChain() *Chain {
	return NewChain(EmbeddedState{}, StructuredHTML{}, DOMHeuristic{})
}

// Extract runs the chain against page. When no strategy succeeds it
// returns ErrNoNoteData together with a result listing every attempt.
func (c *Chain) Extract(ctx context.Context, page *Page, opts Options) (*Result, error) {
	result := &Result{}

	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !s.Applies(page) {
			continue
		}

		raw, err := s.Extract(ctx, page)
		switch {
		case err == nil && raw != nil:
			result.Attempts = append(result.Attempts, Attempt{Strategy: s.Name(), Outcome: OutcomeSuccess})
			result.Record = BuildRecord(page, raw, opts)
			result.Strategy = s.Name()
			logger.Debug("extraction strategy succeeded",
				"strategy", s.Name(),
				"url", page.URL,
				"note_id", result.Record.NoteID)
			return result, nil
		case err == nil, errors.Is(err, ErrNotApplicable):
			result.Attempts = append(result.Attempts, Attempt{Strategy: s.Name(), Outcome: OutcomeInapplicable})
			logger.Debug("extraction strategy not applicable", "strategy", s.Name(), "url", page.URL)
		default:
			result.Attempts = append(result.Attempts, Attempt{Strategy: s.Name(), Outcome: OutcomeFailed, Err: err})
			logger.Warn("extraction strategy failed", "strategy", s.Name(), "url", page.URL, "error", err)
		}
	}

	return result, ErrNoNoteData
}

// Name returns the chain description.
func (c *Chain) Name() string {
	names := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		names = append(names, s.Name())
	}
	return "chain(" + strings.Join(names, "->") + ")"
}
