package contextbuild

import (
	"strings"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// interleaveToolHistory implements §4.2 step 6: for each tool-cache entry,
// emit an assistant message holding the original assistant text (which
// already embeds the tool-call XML) and a System<[tool]> message holding
// the result, positioned immediately after the triggering Discord message.
// When existingMessageIDs is non-nil, an entry is dropped unless at least
// one of its BotMessageIDs is still present in that set; entries with no
// recorded BotMessageIDs are always kept.
func interleaveToolHistory(participants []model.ParticipantMessage, entries []model.ToolCacheEntry, maxMCPImages int, existingMessageIDs map[string]bool) []model.ParticipantMessage {
	entries = liveToolEntries(entries, existingMessageIDs)
	if len(entries) == 0 {
		return participants
	}

	byTrigger := make(map[string][]model.ToolCacheEntry)
	for _, e := range entries {
		byTrigger[e.TriggeringMessageID] = append(byTrigger[e.TriggeringMessageID], e)
	}

	out := make([]model.ParticipantMessage, 0, len(participants)+2*len(entries))
	mcpImageCount := 0
	for _, pm := range participants {
		out = append(out, pm)
		if pm.MessageID == "" {
			continue
		}
		for _, e := range byTrigger[pm.MessageID] {
			out = append(out, model.ParticipantMessage{
				Participant: "assistant",
				Content:     model.TextContent(e.OriginalAssistantText),
			})

			resultContent := model.TextContent(e.Result.Output)
			if e.Result.Error != "" {
				resultContent = model.TextContent(e.Result.Error)
			}
			for _, img := range e.Result.Images {
				mcpImageCount++
				resultContent = append(resultContent, model.ContentBlock{
					Type:          model.BlockImage,
					ImageMimeType: img.MimeType,
					ImageData:     img.Data,
				})
			}
			out = append(out, model.ParticipantMessage{
				Participant: "System<[" + e.Name + "]>",
				Content:     resultContent,
			})
		}
	}

	return capMCPImages(out, maxMCPImages)
}

// liveToolEntries drops entries whose recording bot messages have all been
// deleted or fallen out of the fetch window (§3 coherence invariant).
func liveToolEntries(entries []model.ToolCacheEntry, existingMessageIDs map[string]bool) []model.ToolCacheEntry {
	if existingMessageIDs == nil {
		return entries
	}
	out := make([]model.ToolCacheEntry, 0, len(entries))
	for _, e := range entries {
		if len(e.BotMessageIDs) == 0 {
			out = append(out, e)
			continue
		}
		for _, id := range e.BotMessageIDs {
			if existingMessageIDs[id] {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// capMCPImages drops the oldest MCP-sourced image blocks once their count
// exceeds max, scanning forward (oldest first) and removing image blocks
// from System<[...]> messages until the cap is met.
func capMCPImages(participants []model.ParticipantMessage, max int) []model.ParticipantMessage {
	if max <= 0 {
		return participants
	}
	total := 0
	for _, pm := range participants {
		if !strings.HasPrefix(pm.Participant, "System<[") {
			continue
		}
		for _, b := range pm.Content {
			if b.Type == model.BlockImage {
				total++
			}
		}
	}
	toDrop := total - max
	if toDrop <= 0 {
		return participants
	}

	for i := range participants {
		if toDrop <= 0 {
			break
		}
		if !strings.HasPrefix(participants[i].Participant, "System<[") {
			continue
		}
		kept := participants[i].Content[:0]
		for _, b := range participants[i].Content {
			if b.Type == model.BlockImage && toDrop > 0 {
				toDrop--
				continue
			}
			kept = append(kept, b)
		}
		participants[i].Content = kept
	}
	return participants
}

// injectActivations implements §4.2 step 7. For every bot message whose id
// appears in an activation's MessageContexts, its existing text is wrapped
// as prefix+existing+suffix. Phantom completions (empty SentMessageIDs)
// insert a synthetic assistant message right after the anchor message that
// triggered the activation.
func injectActivations(participants []model.ParticipantMessage, activations []model.Activation) []model.ParticipantMessage {
	if len(activations) == 0 {
		return participants
	}

	ctxByMessageID := make(map[string]model.MessageContext)
	activationOfMessage := make(map[string]string)
	var phantoms []phantomInsert
	for _, act := range activations {
		for id, mc := range act.MessageContexts {
			ctxByMessageID[id] = mc
			activationOfMessage[id] = act.ID
		}
		for _, c := range act.Completions {
			if len(c.SentMessageIDs) == 0 && c.Text != "" {
				phantoms = append(phantoms, phantomInsert{after: act.Trigger.AnchorMessageID, text: c.Text, activationID: act.ID})
			}
		}
	}

	out := make([]model.ParticipantMessage, 0, len(participants)+len(phantoms))
	for _, pm := range participants {
		if mc, ok := ctxByMessageID[pm.MessageID]; ok {
			pm.Content = wrapWithPrefixSuffix(pm.Content, mc.Prefix, mc.Suffix)
		}
		out = append(out, pm)
		for _, ph := range phantoms {
			if ph.after == pm.MessageID {
				out = append(out, model.ParticipantMessage{Participant: "assistant", Content: model.TextContent(ph.text)})
			}
		}
	}

	return mergeConsecutiveActivationMessages(out, activationOfMessage)
}

type phantomInsert struct {
	after        string
	text         string
	activationID string
}

func wrapWithPrefixSuffix(content []model.ContentBlock, prefix, suffix string) []model.ContentBlock {
	if prefix == "" && suffix == "" {
		return content
	}
	out := make([]model.ContentBlock, 0, len(content)+2)
	if prefix != "" {
		out = append(out, model.ContentBlock{Type: model.BlockText, Text: prefix})
	}
	out = append(out, content...)
	if suffix != "" {
		out = append(out, model.ContentBlock{Type: model.BlockText, Text: suffix})
	}
	return out
}

// mergeConsecutiveActivationMessages merges adjacent messages that belong to
// the same activation, avoiding spurious prefix duplication from wrapping
// each message's text independently.
func mergeConsecutiveActivationMessages(participants []model.ParticipantMessage, activationOf map[string]string) []model.ParticipantMessage {
	out := make([]model.ParticipantMessage, 0, len(participants))
	for _, pm := range participants {
		actID := activationOf[pm.MessageID]
		if actID != "" && len(out) > 0 {
			prevID := out[len(out)-1].MessageID
			if activationOf[prevID] == actID && out[len(out)-1].Participant == pm.Participant {
				out[len(out)-1].Content = joinTextBlocks(out[len(out)-1].Content, pm.Content)
				continue
			}
		}
		out = append(out, pm)
	}
	return out
}

// applyPluginInjections implements §4.2 step 8.
func applyPluginInjections(participants []model.ParticipantMessage, injections []model.ContextInjection) []model.ParticipantMessage {
	if len(injections) == 0 {
		return participants
	}

	idxByMessageID := make(map[string]int, len(participants))
	for i, pm := range participants {
		if pm.MessageID != "" {
			idxByMessageID[pm.MessageID] = i
		}
	}

	var positive, negative []model.ContextInjection
	for _, inj := range injections {
		depth := currentDepth(inj, idxByMessageID, len(participants))
		inj.TargetDepth = depth
		if depth < 0 {
			negative = append(negative, inj)
		} else {
			positive = append(positive, inj)
		}
	}

	out := append([]model.ParticipantMessage(nil), participants...)

	sortInjectionsPositive(positive)
	for _, inj := range positive {
		pos := len(out) - inj.TargetDepth
		if pos < 0 {
			pos = 0
		}
		if pos > len(out) {
			pos = len(out)
		}
		out = insertAt(out, pos, injectionMessage(inj))
	}

	sortInjectionsNegative(negative)
	for _, inj := range negative {
		pos := -inj.TargetDepth - 1
		if pos < 0 {
			pos = 0
		}
		if pos > len(out) {
			pos = len(out)
		}
		out = insertAt(out, pos, injectionMessage(inj))
	}

	return out
}

// currentDepth computes the §4.2 step 8 aging rule for one injection.
func currentDepth(inj model.ContextInjection, idxByMessageID map[string]int, total int) int {
	if inj.TargetDepth < 0 {
		return inj.TargetDepth
	}
	if inj.LastModifiedAt == "" {
		return inj.TargetDepth
	}
	idx, ok := idxByMessageID[inj.LastModifiedAt]
	if !ok {
		return inj.TargetDepth
	}
	messagesSinceModification := total - idx
	if messagesSinceModification > inj.TargetDepth {
		return inj.TargetDepth
	}
	return messagesSinceModification
}

func injectionMessage(inj model.ContextInjection) model.ParticipantMessage {
	participant := "assistant"
	if inj.AsSystem {
		participant = "System"
	}
	return model.ParticipantMessage{Participant: participant, Content: inj.Content}
}

func insertAt(slice []model.ParticipantMessage, pos int, pm model.ParticipantMessage) []model.ParticipantMessage {
	out := make([]model.ParticipantMessage, 0, len(slice)+1)
	out = append(out, slice[:pos]...)
	out = append(out, pm)
	out = append(out, slice[pos:]...)
	return out
}
