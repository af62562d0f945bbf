package toolloop

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// toolOutputDebugCap bounds the flattened tool input/output shown in a
// tool_output_visible webhook post (§4.3 step 8).
const toolOutputDebugCap = 1500

// thinkingDebugAttachmentThreshold is the length above which a thinking-block
// debug dump is sent as a .md attachment instead of inline webhook content
// (§4.3.2 step 3), matching Discord's message length ceiling.
const thinkingDebugAttachmentThreshold = 1800

var thinkingBlockPattern = regexp.MustCompile(`(?s)<thinking>(.*?)</thinking>`)

// postToolOutputVisible implements the §4.3 step 8 tool_output_visible
// option: a dotted webhook message showing the tool's input, its flattened
// and truncated output, and any result images as plain attachments.
func (r *activationRun) postToolOutputVisible(ctx context.Context, name string, input json.RawMessage, outputText string, images []model.ResultImage) {
	content := fmt.Sprintf(".tool `%s`\ninput: %s\noutput: %s",
		name, flattenForDebug(string(input), toolOutputDebugCap), flattenForDebug(outputText, toolOutputDebugCap))

	if _, err := r.loop.transport.SendWebhook(ctx, r.req.Channel, r.bc.TransportUsername+" [debug]", content); err != nil {
		slog.Warn("toolloop: tool output debug webhook failed", "bot", r.req.Bot, "channel", r.req.Channel, "error", err)
	}

	for _, img := range images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			continue
		}
		if _, err := r.loop.transport.SendImageAttachment(ctx, r.req.Channel, data, img.MimeType, "tool-result"); err != nil {
			slog.Warn("toolloop: tool output debug image failed", "bot", r.req.Bot, "channel", r.req.Channel, "error", err)
		}
	}
}

// postThinkingDebug implements §4.3.2 step 3's optional thinking-block debug
// emission: every <thinking>...</thinking> block in text is posted as a
// dotted webhook message, or as a .md attachment when the combined blocks
// are too long to post inline.
func (r *activationRun) postThinkingDebug(ctx context.Context, text string) {
	matches := thinkingBlockPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return
	}

	var blocks []string
	for _, m := range matches {
		blocks = append(blocks, strings.TrimSpace(m[1]))
	}
	joined := strings.Join(blocks, "\n\n---\n\n")

	username := r.bc.TransportUsername + " [debug]"
	if len(joined) > thinkingDebugAttachmentThreshold {
		if _, err := r.loop.transport.SendFileAttachment(ctx, r.req.Channel, []byte(joined), "thinking.md"); err != nil {
			slog.Warn("toolloop: thinking debug attachment failed", "bot", r.req.Bot, "channel", r.req.Channel, "error", err)
		}
		return
	}
	if _, err := r.loop.transport.SendWebhook(ctx, r.req.Channel, username, "."+joined); err != nil {
		slog.Warn("toolloop: thinking debug webhook failed", "bot", r.req.Bot, "channel", r.req.Channel, "error", err)
	}
}

// flattenForDebug collapses newlines into spaces and truncates to cap,
// keeping debug webhook content to a single readable line.
func flattenForDebug(s string, limit int) string {
	flat := strings.Join(strings.Fields(s), " ")
	if len(flat) > limit {
		return flat[:limit] + "…"
	}
	return flat
}
