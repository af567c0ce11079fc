// Package llm is the provider call layer: one Generate call per (system, user) prompt pair,
// routed by provider name to an OpenAI-compatible or Gemini backend.
package llm

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

var (
	ErrUnknownProvider    = errors.New("unknown llm provider")
	ErrMissingCredentials = errors.New("missing llm provider credentials")
)

type Request struct {
	SystemPrompt string
	UserPrompt   string
	Provider     string
	Model        string
	Temperature  float64
}

// Response TokensIn/TokensOut are 0 when the backend did not report usage.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
	Latency   time.Duration
}

type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// EstimateTokens ⌈chars/4⌉
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
