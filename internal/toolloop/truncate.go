package toolloop

import (
	"fmt"
	"strings"
)

// truncationResult is the outcome of post-hoc participant truncation (§4.3.3).
type truncationResult struct {
	Text      string
	Truncated bool
	Reason    string // "start_hallucination:<name>" or "" when not hallucinated
}

// postHocTruncate implements §4.3.3. participants is every participant name
// known to appear in the fetched window, excluding the bot's own name;
// extraStops are additional configured stop sequences to also truncate at.
func postHocTruncate(text, botName string, participants []string, extraStops []string) truncationResult {
	for _, name := range participants {
		if name == botName || name == "" {
			continue
		}
		prefix := name + ":"
		if strings.HasPrefix(strings.TrimSpace(text), prefix) {
			return truncationResult{Text: "", Truncated: true, Reason: fmt.Sprintf("start_hallucination:%s", name)}
		}
	}

	earliest := -1
	for _, name := range participants {
		if name == botName || name == "" {
			continue
		}
		if idx := strings.Index(text, "\n"+name+":"); idx >= 0 && (earliest == -1 || idx < earliest) {
			earliest = idx
		}
	}
	for _, stop := range extraStops {
		if stop == "" {
			continue
		}
		if idx := strings.Index(text, stop); idx >= 0 && (earliest == -1 || idx < earliest) {
			earliest = idx
		}
	}

	if earliest == -1 {
		return truncationResult{Text: text}
	}
	return truncationResult{Text: text[:earliest], Truncated: true}
}
