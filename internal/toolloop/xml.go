package toolloop

import (
	"encoding/json"
	"regexp"
	"strings"
)

// functionCallsBlockPattern matches one complete <function_calls>...</function_calls>
// block, non-greedy so multiple blocks in one chunk are matched separately.
var functionCallsBlockPattern = regexp.MustCompile(`(?s)<function_calls>(.*?)</function_calls>`)

var invokePattern = regexp.MustCompile(`(?s)<invoke\s+name="([^"]+)">(.*?)</invoke>`)

var parameterPattern = regexp.MustCompile(`(?s)<parameter\s+name="([^"]+)">(.*?)</parameter>`)

// parsedCall is one <invoke> parsed out of a function_calls block, with its
// parameters collected into a JSON object suitable as a model.ToolCall Input.
type parsedCall struct {
	Name  string
	Input json.RawMessage
}

// parseToolCalls extracts every complete <invoke> from the first complete
// <function_calls>...</function_calls> block in text. A text with no
// complete block returns no calls.
func parseToolCalls(text string) []parsedCall {
	block := functionCallsBlockPattern.FindStringSubmatch(text)
	if block == nil {
		return nil
	}
	return parseInvokes(block[1])
}

func parseInvokes(body string) []parsedCall {
	var calls []parsedCall
	for _, m := range invokePattern.FindAllStringSubmatch(body, -1) {
		name := m[1]
		params := map[string]any{}
		for _, p := range parameterPattern.FindAllStringSubmatch(m[2], -1) {
			params[p[1]] = strings.TrimSpace(p[2])
		}
		input, err := json.Marshal(params)
		if err != nil {
			continue
		}
		calls = append(calls, parsedCall{Name: name, Input: input})
	}
	return calls
}

// hasUnclosedFunctionCalls reports whether text has an opening
// <function_calls> tag with no matching close, meaning a tool call may still
// be streaming in.
func hasUnclosedFunctionCalls(text string) bool {
	return strings.Count(text, "<function_calls>") > strings.Count(text, "</function_calls>")
}

// hasUnclosedThinking reports an open <thinking> tag with no close.
func hasUnclosedThinking(text string) bool {
	return strings.Count(text, "<thinking>") > strings.Count(text, "</thinking>")
}

// hasUnclosedInvoke reports an open <invoke> tag with no matching close,
// used to detect a stop sequence landing mid tool-name or parameter value.
func hasUnclosedInvoke(text string) bool {
	return strings.Count(text, "<invoke") > strings.Count(text, "</invoke>")
}

// formatToolResultXML renders a tool's output as the textual block the
// inline loop appends to the accumulated assistant text after execution
// (§4.3 step 9), matching the shape the model itself would read back.
func formatToolResultXML(toolName, result string) string {
	var b strings.Builder
	b.WriteString("\n<function_results name=\"")
	b.WriteString(toolName)
	b.WriteString("\">\n")
	b.WriteString(result)
	b.WriteString("\n</function_results>\n")
	return b.String()
}
