// Package contextbuild implements the Context Builder (§4.2): the ordered
// pipeline that turns fetched transport state plus stored history into a
// single model.LLMRequest whose prefix stays byte-identical across
// activations whenever nothing in the cached region changed.
package contextbuild

import (
	"sort"
	"strings"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/model"
	"github.com/nextlevelbuilder/relay/internal/transport"
)

const hideReaction = "🫥"

// Result reports the two pieces of mutable state the scheduler must persist
// alongside the LLMRequest.
type Result struct {
	DidRoll     bool
	CacheMarker string // message id, empty if disabled for this request
}

// Builder runs the §4.2 pipeline. It holds no per-activation state; every
// call to Build is independent.
type Builder struct {
	imageMaxBytes func([]byte, int) ([]byte, error) // injected for testability; defaults to imaging.Resample
}

// New constructs a Builder using the real deterministic resampler.
func New() *Builder {
	return &Builder{imageMaxBytes: resampleDefault}
}

// Input bundles everything the pipeline reads.
type Input struct {
	Bot          string
	Channel      string
	BotUserID    string
	Fetch        transport.FetchResult
	ToolEntries  []model.ToolCacheEntry // oldest first, already windowed by caller
	Activations  []model.Activation     // only read when PreserveThinkingContext is set
	Injections   []model.ContextInjection
	State        model.ChannelState
	SystemPrompt string
}

// Build runs the full §4.2 pipeline and returns the assembled request.
func (b *Builder) Build(cfg *config.ContextConfig, bc *config.BotConfig, in Input) (model.LLMRequest, Result, error) {
	messages := append([]model.DiscordMessage(nil), in.Fetch.Messages...)

	// Step 1: merge consecutive bot messages.
	if !cfg.PreserveThinkingContext {
		messages = mergeConsecutiveBotMessages(messages, in.BotUserID)
	}

	// Step 2: filter dot-messages.
	messages = filterDotMessages(messages)

	// Step 3: pre-calculate the image-selection anchor.
	anchorIdx := computeImageAnchor(messages, in.State.LastCacheMarker)

	// Step 4: format into ParticipantMessage.
	participants := formatMessages(messages, cfg)

	// Step 5: image selection.
	applyImageSelection(participants, messages, in.Fetch.Images, cfg, anchorIdx, b.resampler())

	// Step 6: tool history interleave.
	if !cfg.PreserveThinkingContext {
		existingIDs := messageIDSet(in.Fetch.Messages)
		participants = interleaveToolHistory(participants, in.ToolEntries, cfg.MaxMCPImages, existingIDs)
	}

	// Step 7: activation injection.
	if cfg.PreserveThinkingContext {
		participants = injectActivations(participants, in.Activations)
	}

	// Step 8: plugin injections.
	participants = applyPluginInjections(participants, in.Injections)

	// Step 9: merge consecutive same-participant messages.
	participants = mergeConsecutiveSameParticipant(participants)

	// Step 10: size limits.
	participants, didRoll := applySizeLimits(participants, cfg, in.State.MessagesSinceRoll)

	// Step 11: cache marker.
	marker := determineCacheMarker(participants, in.State.LastCacheMarker, didRoll)

	// Step 12: continuation placeholder + stop sequences.
	participants = append(participants, model.ParticipantMessage{
		Participant: bc.ParticipantName,
		Content:     model.TextContent(""),
	})
	stops := computeStopSequences(cfg, bc, participants)

	req := model.LLMRequest{
		Messages:      participants,
		SystemPrompt:  in.SystemPrompt,
		StopSequences: stops,
	}
	return req, Result{DidRoll: didRoll, CacheMarker: marker}, nil
}

func (b *Builder) resampler() func([]byte, int) ([]byte, error) {
	if b.imageMaxBytes != nil {
		return b.imageMaxBytes
	}
	return resampleDefault
}

// stripReplyPrefix removes a leading "<reply:@name> " marker the transport
// adapter adds to rewritten reply messages, returning the remainder.
func stripReplyPrefix(content string) string {
	if !strings.HasPrefix(content, "<reply:@") {
		return content
	}
	idx := strings.Index(content, "> ")
	if idx < 0 {
		return content
	}
	return content[idx+2:]
}

// messageIDSet builds the set of message ids the transport still fetches for
// this channel, used to drop tool-cache entries whose recording bot messages
// have since been deleted or fallen out of the window (§3, §4.5).
func messageIDSet(messages []model.DiscordMessage) map[string]bool {
	out := make(map[string]bool, len(messages))
	for _, m := range messages {
		out[m.ID] = true
	}
	return out
}

func isDotMessage(m model.DiscordMessage) bool {
	if strings.HasPrefix(stripReplyPrefix(m.Content), ".") {
		return true
	}
	for _, r := range m.Reactions {
		if r == hideReaction {
			return true
		}
	}
	return false
}

func mergeConsecutiveBotMessages(messages []model.DiscordMessage, botUserID string) []model.DiscordMessage {
	if len(messages) == 0 {
		return messages
	}
	out := make([]model.DiscordMessage, 0, len(messages))
	for _, m := range messages {
		if strings.HasPrefix(stripReplyPrefix(m.Content), ".") {
			out = append(out, m)
			continue
		}
		if len(out) > 0 && out[len(out)-1].Author.ID == botUserID && m.Author.ID == botUserID &&
			!strings.HasPrefix(stripReplyPrefix(out[len(out)-1].Content), ".") {
			prev := &out[len(out)-1]
			prev.Content = prev.Content + "\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

func filterDotMessages(messages []model.DiscordMessage) []model.DiscordMessage {
	out := make([]model.DiscordMessage, 0, len(messages))
	for _, m := range messages {
		if isDotMessage(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// computeImageAnchor implements §4.2 step 3: the index (into messages)
// before and at which "cached-prefix" images may be selected.
func computeImageAnchor(messages []model.DiscordMessage, lastCacheMarker string) int {
	if lastCacheMarker != "" {
		for i, m := range messages {
			if m.ID == lastCacheMarker {
				return i
			}
		}
	}
	n := len(messages) - 20
	if n < 0 {
		n = 0
	}
	return n
}

func formatMessages(messages []model.DiscordMessage, cfg *config.ContextConfig) []model.ParticipantMessage {
	out := make([]model.ParticipantMessage, 0, len(messages))
	for _, m := range messages {
		participant := m.Author.DisplayName
		if participant == "" {
			participant = m.Author.Username
		}
		ts := m.Timestamp
		pm := model.ParticipantMessage{
			Participant: participant,
			Content:     model.TextContent(m.Content),
			Timestamp:   &ts,
			MessageID:   m.ID,
		}
		for _, att := range m.Attachments {
			if att.Text == "" {
				continue
			}
			cap := cfg.AttachmentTextCap
			text := att.Text
			if cap > 0 && len(text) > cap {
				text = text[:cap]
			}
			pm.Content = append(pm.Content, model.ContentBlock{
				Type: model.BlockText,
				Text: "<attachment filename=\"" + att.Filename + "\">" + text + "</attachment>",
			})
		}
		out = append(out, pm)
	}
	return out
}

func mergeConsecutiveSameParticipant(participants []model.ParticipantMessage) []model.ParticipantMessage {
	if len(participants) == 0 {
		return participants
	}
	out := make([]model.ParticipantMessage, 0, len(participants))
	for _, pm := range participants {
		if len(out) > 0 && out[len(out)-1].Participant == pm.Participant && out[len(out)-1].CacheControl == nil {
			prev := &out[len(out)-1]
			prev.Content = joinTextBlocks(prev.Content, pm.Content)
			if pm.MessageID != "" {
				prev.MessageID = pm.MessageID
			}
			continue
		}
		out = append(out, pm)
	}
	return out
}

// joinTextBlocks concatenates two content-block slices, merging the
// boundary when both sides end/start with a plain text block so consecutive
// merges don't accumulate spurious empty blocks.
func joinTextBlocks(a, b []model.ContentBlock) []model.ContentBlock {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	last := len(a) - 1
	if a[last].Type == model.BlockText && b[0].Type == model.BlockText {
		merged := append([]model.ContentBlock(nil), a...)
		merged[last].Text = merged[last].Text + "\n" + b[0].Text
		merged = append(merged, b[1:]...)
		return merged
	}
	out := append([]model.ContentBlock(nil), a...)
	return append(out, b...)
}

func sortInjectionsPositive(injections []model.ContextInjection) {
	sort.SliceStable(injections, func(i, j int) bool {
		if injections[i].TargetDepth != injections[j].TargetDepth {
			return injections[i].TargetDepth > injections[j].TargetDepth
		}
		return injections[i].Priority > injections[j].Priority
	})
}

func sortInjectionsNegative(injections []model.ContextInjection) {
	sort.SliceStable(injections, func(i, j int) bool {
		return injections[i].TargetDepth < injections[j].TargetDepth
	})
}
