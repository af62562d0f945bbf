package toolloop

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// invisibleRegionPattern matches every invisible region kind named in §4.3.1:
// <thinking>, <function_calls>, "System: <results>", <function_results>.
var invisibleRegionPattern = regexp.MustCompile(
	`(?s)<thinking>.*?</thinking>|<function_calls>.*?</function_calls>|System: <results>.*?</results>|<function_results.*?</function_results>`,
)

// segmentResult is the outcome of splitting one chunk of assistant text into
// visible ContentSegments plus a description of any trailing-invisible
// phantom case.
type segmentResult struct {
	Segments []model.ContentSegment
	// Phantom is true when the chunk carried no visible text at all: the
	// whole string is attached as a suffix to the last previously sent
	// message instead of producing a new segment.
	Phantom       bool
	PhantomSuffix string
}

// segmentChunk implements §4.3.1: walk left to right, accumulating invisible
// content as the prefix of the next visible segment; trailing invisible
// after the last visible text becomes that segment's suffix.
func segmentChunk(chunk string) segmentResult {
	matches := invisibleRegionPattern.FindAllStringIndex(chunk, -1)

	var segments []model.ContentSegment
	var pendingPrefix strings.Builder
	cursor := 0

	flushVisible := func(visible string) bool {
		trimmed := strings.TrimSpace(visible)
		if trimmed == "" {
			return false
		}
		segments = append(segments, model.ContentSegment{Prefix: pendingPrefix.String(), Visible: trimmed})
		pendingPrefix.Reset()
		return true
	}

	for _, m := range matches {
		start, end := m[0], m[1]
		visible := chunk[cursor:start]
		flushVisible(visible)
		pendingPrefix.WriteString(chunk[start:end])
		cursor = end
	}

	tail := chunk[cursor:]
	if flushVisible(tail) {
		return segmentResult{Segments: segments}
	}

	// No visible text followed the last invisible region (or there was no
	// visible text at all). Whatever is pending becomes a suffix.
	remainder := pendingPrefix.String() + tail
	if len(segments) == 0 {
		return segmentResult{Phantom: true, PhantomSuffix: remainder}
	}
	segments[len(segments)-1].Suffix = remainder
	return segmentResult{Segments: segments}
}
