package toolloop

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/relay/internal/model"
)

// renderToolCatalog describes specs as the textual tool-calling instructions
// appended to the system prompt. This loop parses tool calls out of the
// model's plain-text output (§4.3.1's XML convention) rather than Anthropic's
// native tool_use blocks, so the tool catalog has to be taught to the model
// in prose instead of via LLMRequest.Tools.
func renderToolCatalog(specs []model.ToolSpec) string {
	if len(specs) == 0 {
		return ""
	}
	sorted := append([]model.ToolSpec(nil), specs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	b.WriteString("You can call tools by writing a block of this exact form:\n\n")
	b.WriteString("<function_calls>\n<invoke name=\"TOOL_NAME\">\n<parameter name=\"PARAM_NAME\">value</parameter>\n</invoke>\n</function_calls>\n\n")
	b.WriteString("Available tools:\n")
	for _, s := range sorted {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		for _, name := range schemaParamNames(s.InputSchema) {
			fmt.Fprintf(&b, "  parameter: %s\n", name)
		}
	}
	return b.String()
}

// schemaParamNames reads the top-level "properties" keys out of a JSON
// Schema object, sorted for stable rendering.
func schemaParamNames(schema map[string]any) []string {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
