package toolloop

import (
	"strings"
	"testing"
)

func TestParseToolCallsExtractsNameAndParameters(t *testing.T) {
	text := `before text
<function_calls><invoke name="search"><parameter name="query">golang</parameter><parameter name="limit">5</parameter></invoke></function_calls>`

	calls := parseToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	if calls[0].Name != "search" {
		t.Fatalf("expected name search, got %q", calls[0].Name)
	}
	if string(calls[0].Input) == "" {
		t.Fatalf("expected non-empty input JSON")
	}
}

func TestParseToolCallsMultipleInvokes(t *testing.T) {
	text := `<function_calls>` +
		`<invoke name="a"><parameter name="x">1</parameter></invoke>` +
		`<invoke name="b"><parameter name="y">2</parameter></invoke>` +
		`</function_calls>`
	calls := parseToolCalls(text)
	if len(calls) != 2 {
		t.Fatalf("expected two calls, got %d", len(calls))
	}
	if calls[0].Name != "a" || calls[1].Name != "b" {
		t.Fatalf("unexpected call names: %+v", calls)
	}
}

func TestParseToolCallsNoBlockReturnsNil(t *testing.T) {
	if calls := parseToolCalls("just plain text"); calls != nil {
		t.Fatalf("expected nil calls, got %v", calls)
	}
}

func TestHasUnclosedFunctionCalls(t *testing.T) {
	if !hasUnclosedFunctionCalls("<function_calls><invoke") {
		t.Fatalf("expected unclosed function_calls to be detected")
	}
	if hasUnclosedFunctionCalls("<function_calls></function_calls>") {
		t.Fatalf("expected closed function_calls to report false")
	}
}

func TestHasUnclosedThinking(t *testing.T) {
	if !hasUnclosedThinking("<thinking>reasoning") {
		t.Fatalf("expected unclosed thinking to be detected")
	}
	if hasUnclosedThinking("<thinking>done</thinking>") {
		t.Fatalf("expected closed thinking to report false")
	}
}

func TestFormatToolResultXMLIncludesToolName(t *testing.T) {
	out := formatToolResultXML("clock", "12:00")
	if !strings.Contains(out, `name="clock"`) || !strings.Contains(out, "12:00") {
		t.Fatalf("expected output to include tool name and result, got %q", out)
	}
}
