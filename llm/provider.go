// Package llm defines the model invocation boundary. The engine only
// needs text in, text out; anything richer belongs to a concrete
// provider implementation.
package llm

import (
	"context"
	"errors"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	Streaming        bool
	StructuredOutput bool
}

// Request carries one prompt. Layers must build requests purely from
// their input snapshot so the same request can be resent on retry.
type Request struct {
	Model           string `json:"model,omitempty"`
	SystemPrompt    string `json:"systemPrompt,omitempty"`
	Prompt          string `json:"prompt"`
	MaxOutputTokens int    `json:"maxOutputTokens,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
	TotalTokens  int `json:"totalTokens,omitempty"`
}

type Response struct {
	Text  string `json:"text"`
	Usage *Usage `json:"usage,omitempty"`
}

type Provider interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, req Request) (Response, error)
}
