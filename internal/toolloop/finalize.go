package toolloop

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// rewriteMentions rewrites "<@name>" mentions (the participant-name form
// the context builder reads) back to "<@USER_ID>" using nameToID, the name
// map built from this activation's fetched messages, per §4.3.2 step 3.
// mentionPattern itself is compiled once at package level.
func rewriteMentions(text string, nameToID map[string]string) string {
	if len(nameToID) == 0 {
		return text
	}
	return mentionPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := m[2 : len(m)-1]
		if id, ok := nameToID[name]; ok {
			return "<@" + id + ">"
		}
		return m
	})
}

var mentionPattern = regexp.MustCompile(`<@[^>@]+>`)

// finalize implements §4.3.2: close out the activation, sending whatever
// visible text remains and persisting every pending tool-cache entry.
func (r *activationRun) finalize(ctx context.Context, stopReason string) error {
	r.act.StopReason = stopReason

	remaining := r.accumulated
	trunc := postHocTruncate(remaining, r.bc.ParticipantName, r.participantNames, r.loop.cfg.Context.UserStopSequences)
	if trunc.Truncated && trunc.Reason != "" {
		r.act.StopReason = trunc.Reason
		remaining = ""
	} else {
		remaining = trunc.Text
	}
	r.accumulated = remaining

	for i := range r.pendingToolEntries {
		r.pendingToolEntries[i].OriginalAssistantText = sanitizeAssistantText(remaining)
		r.pendingToolEntries[i].BotMessageIDs = append([]string(nil), collectSentMessageIDs(r.act)...)
		if err := r.loop.toolCache.Append(ctx, r.req.Bot, r.req.Channel, r.pendingToolEntries[i]); err != nil {
			slog.Warn("toolloop: tool cache append failed", "bot", r.req.Bot, "channel", r.req.Channel, "error", err)
		}
	}
	r.pendingToolEntries = nil

	if stopReason == "max_tool_depth" {
		remaining = remaining + "\n[Max tool depth reached]"
	}
	remaining = stripLeadingReplyPrefix(remaining)
	remaining = rewriteMentions(remaining, r.nameToID)

	if r.loop.cfg.Context.ThinkingDebugVisible {
		r.postThinkingDebug(ctx, remaining)
	}

	if err := r.sendSegments(ctx, remaining, false); err != nil {
		return err
	}

	return nil
}

func collectSentMessageIDs(act *model.Activation) []string {
	var ids []string
	for _, c := range act.Completions {
		ids = append(ids, c.SentMessageIDs...)
	}
	return ids
}

// stripLeadingReplyPrefix removes a leading "<reply:@name> " marker the
// transport adapter adds to rewritten reply messages, left over from
// accumulated assistant text that echoed a quoted message back.
func stripLeadingReplyPrefix(content string) string {
	if !strings.HasPrefix(content, "<reply:@") {
		return content
	}
	idx := strings.Index(content, "> ")
	if idx < 0 {
		return content
	}
	return content[idx+2:]
}
