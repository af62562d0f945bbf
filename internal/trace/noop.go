package trace

import "log/slog"

// LoggingCollector is the fail-open default Collector: it has no durable
// backing store, so it just logs span completion at debug level. Wire a
// real Collector (backed by internal/store/pg or an OTel exporter) in
// production; this exists so the core runs with tracing "on" even before
// that writer is configured.
type LoggingCollector struct {
	Log     *slog.Logger
	verbose bool
}

// NewLoggingCollector returns a LoggingCollector using log, or slog.Default()
// if log is nil.
func NewLoggingCollector(log *slog.Logger, verbose bool) *LoggingCollector {
	if log == nil {
		log = slog.Default()
	}
	return &LoggingCollector{Log: log, verbose: verbose}
}

func (c *LoggingCollector) Verbose() bool { return c.verbose }

func (c *LoggingCollector) EmitSpan(span Span) {
	attrs := []any{
		"span_type", span.Type,
		"name", span.Name,
		"bot", span.Bot,
		"channel", span.Channel,
		"duration_ms", span.DurationMS,
		"status", span.Status,
	}
	if span.Model != "" {
		attrs = append(attrs, "model", span.Model, "provider", span.Provider)
	}
	if span.InputTokens > 0 || span.OutputTokens > 0 {
		attrs = append(attrs, "input_tokens", span.InputTokens, "output_tokens", span.OutputTokens)
	}
	if span.Error != "" {
		attrs = append(attrs, "error", span.Error)
		c.Log.Error("span", attrs...)
		return
	}
	c.Log.Debug("span", attrs...)
}
