// Package llm defines the LLM provider contract (§6) and its concrete
// Anthropic implementation: participant-structured requests in, a single
// completion (with optional streaming callback) out.
package llm

import (
	"context"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// Provider is the interface the scheduler and inline tool-execution loop
// depend on. A provider never retains state between calls; everything it
// needs travels in the request.
type Provider interface {
	// Complete sends req and returns the full completion.
	Complete(ctx context.Context, req model.LLMRequest) (*model.LLMCompletion, error)

	// Stream sends req, invoking onChunk for each incremental piece of
	// output, and returns the same final completion Complete would.
	Stream(ctx context.Context, req model.LLMRequest, onChunk func(StreamChunk)) (*model.LLMCompletion, error)

	// DefaultModel returns the model name used when RequestConfig.Model is empty.
	DefaultModel() string

	// Name identifies the provider ("anthropic").
	Name() string
}

// StreamChunk is one incremental piece of a streaming completion.
type StreamChunk struct {
	Text     string
	Thinking string
	Done     bool
}
