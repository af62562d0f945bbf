package contextbuild

import (
	"strings"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/model"
)

// applySizeLimits implements §4.2.1: truncate oldest-first until the
// message-count and character ceilings are satisfied. Exceeding the normal
// character ceiling truncates only once messagesSinceRoll has reached the
// rolling threshold; exceeding the hard ceiling or the message-count
// ceiling truncates regardless of the threshold.
func applySizeLimits(participants []model.ParticipantMessage, cfg *config.ContextConfig, messagesSinceRoll int) ([]model.ParticipantMessage, bool) {
	chars := totalChars(participants)

	hardCeiling := cfg.HardMaxCharacters
	normalCeiling := cfg.RecencyWindowCharacters
	msgCeiling := cfg.RecencyWindowMessages
	rollingThreshold := cfg.RollingThreshold

	overNormal := normalCeiling > 0 && chars > normalCeiling
	overHard := hardCeiling > 0 && chars > hardCeiling
	overCount := msgCeiling > 0 && len(participants) > msgCeiling

	shouldTruncate := overHard || overCount || (overNormal && (rollingThreshold <= 0 || messagesSinceRoll >= rollingThreshold))
	if !shouldTruncate {
		return participants, false
	}

	// Both the hard-ceiling and rolling-gate paths truncate to the normal
	// limit; only whether truncation happens at all differs.
	truncated := truncateOldestFirst(participants, normalCeiling, msgCeiling)
	return truncated, true
}

func totalChars(participants []model.ParticipantMessage) int {
	n := 0
	for _, pm := range participants {
		for _, b := range pm.Content {
			if b.Type == model.BlockText {
				n += len(b.Text)
			}
			if b.Type == model.BlockToolResult {
				n += len(b.ToolResult)
			}
		}
	}
	return n
}

func messageChars(pm model.ParticipantMessage) int {
	n := 0
	for _, b := range pm.Content {
		if b.Type == model.BlockText {
			n += len(b.Text)
		}
		if b.Type == model.BlockToolResult {
			n += len(b.ToolResult)
		}
	}
	return n
}

// truncateOldestFirst keeps a suffix of participants: counting backwards
// from the end, stop adding the next (older) message once doing so would
// exceed either ceiling. A ceiling of 0 is treated as unbounded.
func truncateOldestFirst(participants []model.ParticipantMessage, charCeiling, msgCeiling int) []model.ParticipantMessage {
	if len(participants) == 0 {
		return participants
	}
	chars := 0
	count := 0
	start := len(participants)
	for i := len(participants) - 1; i >= 0; i-- {
		c := messageChars(participants[i])
		if charCeiling > 0 && chars+c > charCeiling && count > 0 {
			break
		}
		if msgCeiling > 0 && count+1 > msgCeiling {
			break
		}
		chars += c
		count++
		start = i
	}
	return participants[start:]
}

// determineCacheMarker implements §4.2.2.
func determineCacheMarker(participants []model.ParticipantMessage, priorMarker string, didRoll bool) string {
	if !didRoll && priorMarker != "" {
		for _, pm := range participants {
			if pm.MessageID == priorMarker {
				attachCacheControl(participants, priorMarker)
				return priorMarker
			}
		}
	}

	const buffer = 20
	idx := len(participants) - buffer
	if idx < 0 {
		idx = 0
	}

	// If the exact index landed on a message that was merged away (MessageID
	// empty) or on a synthetic entry, fall forward to the nearest message
	// that carries a MessageID, then backward. Whether that message is the
	// bot's own is not considered.
	for i := idx; i < len(participants); i++ {
		if participants[i].MessageID != "" {
			attachCacheControl(participants, participants[i].MessageID)
			return participants[i].MessageID
		}
	}
	for i := idx - 1; i >= 0; i-- {
		if participants[i].MessageID != "" {
			attachCacheControl(participants, participants[i].MessageID)
			return participants[i].MessageID
		}
	}
	return ""
}

func attachCacheControl(participants []model.ParticipantMessage, messageID string) {
	for i := range participants {
		if participants[i].MessageID == messageID {
			participants[i].CacheControl = &model.CacheControl{Type: "ephemeral"}
			return
		}
	}
}

// computeStopSequences implements §4.2.3.
func computeStopSequences(cfg *config.ContextConfig, bc *config.BotConfig, participants []model.ParticipantMessage) []string {
	var stops []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		stops = append(stops, s)
	}

	add(cfg.TurnEndToken)
	add(cfg.MessageDelimiter)

	limit := cfg.RecentParticipants
	if limit < 10 {
		limit = 10
	}
	participantStops := collectParticipantStops(participants, bc.ParticipantName, limit)
	for _, p := range participantStops {
		add("\n" + p + ":")
	}

	for _, s := range cfg.UserStopSequences {
		add(s)
	}

	add("\nSystem:")
	add("\n---\n")

	return stops
}

// collectParticipantStops walks participants backward collecting distinct
// names — both the literal Participant field and any "<name>:" mentioned in
// text — excluding the bot's own name, up to limit.
func collectParticipantStops(participants []model.ParticipantMessage, botName string, limit int) []string {
	seen := make(map[string]bool)
	var names []string
	mention := func(name string) {
		if name == "" || name == botName || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}

	for i := len(participants) - 1; i >= 0 && len(names) < limit; i-- {
		mention(participants[i].Participant)
		for _, b := range participants[i].Content {
			if b.Type != model.BlockText {
				continue
			}
			for _, line := range strings.Split(b.Text, "\n") {
				if idx := strings.Index(line, ":"); idx > 0 && idx < 40 {
					mention(strings.TrimSpace(line[:idx]))
				}
			}
		}
	}
	if len(names) > limit {
		names = names[:limit]
	}
	return names
}
