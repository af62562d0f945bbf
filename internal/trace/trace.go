// Package trace defines the span-emission contract the activation core uses
// to report LLM calls, tool calls, and whole activations to an external
// trace writer. The writer itself — persistence, the UI that renders these
// spans — is an out-of-core collaborator (§6); this package only specifies
// the shape spans take and how trace/span ids ride along on a context.
package trace

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// SpanType enumerates the kinds of span the core emits.
type SpanType string

const (
	SpanTypeActivation SpanType = "activation"
	SpanTypeLLMCall    SpanType = "llm_call"
	SpanTypeToolCall   SpanType = "tool_call"
)

// Status is the terminal state of a span.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Span is one recorded unit of work within an activation's trace.
type Span struct {
	ID           uuid.UUID
	TraceID      uuid.UUID
	ParentSpanID *uuid.UUID

	Type       SpanType
	Name       string
	Bot        string
	Channel    string

	StartTime  time.Time
	EndTime    time.Time
	DurationMS int

	Status Status
	Error  string

	Model    string
	Provider string

	ToolName   string
	ToolCallID string

	InputPreview  string
	OutputPreview string

	InputTokens  int
	OutputTokens int

	Metadata json.RawMessage
}

// Collector receives spans as an activation runs. Verbose controls whether
// input/output previews are truncated to a short length (false) or to a
// size suitable for debugging (true).
type Collector interface {
	EmitSpan(span Span)
	Verbose() bool
}

// TruncatePreview truncates s to maxLen bytes without splitting a multi-byte
// rune, after stripping invalid UTF-8.
func TruncatePreview(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}

// PreviewLimit returns the short or verbose preview length for collector c.
func PreviewLimit(c Collector) int {
	if c != nil && c.Verbose() {
		return 100000
	}
	return 500
}

type ctxKey int

const (
	ctxKeyTraceID ctxKey = iota
	ctxKeyParentSpanID
	ctxKeyCollector
)

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKeyTraceID, id)
}

// TraceIDFromContext returns the trace id attached to ctx, or uuid.Nil.
func TraceIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxKeyTraceID).(uuid.UUID)
	return id
}

// WithParentSpanID attaches the span that subsequent emissions should nest under.
func WithParentSpanID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKeyParentSpanID, id)
}

// ParentSpanIDFromContext returns the parent span id attached to ctx, or uuid.Nil.
func ParentSpanIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxKeyParentSpanID).(uuid.UUID)
	return id
}

// WithCollector attaches the active Collector to ctx.
func WithCollector(ctx context.Context, c Collector) context.Context {
	return context.WithValue(ctx, ctxKeyCollector, c)
}

// CollectorFromContext returns the Collector attached to ctx, or nil when
// tracing is disabled for this call.
func CollectorFromContext(ctx context.Context) Collector {
	c, _ := ctx.Value(ctxKeyCollector).(Collector)
	return c
}
