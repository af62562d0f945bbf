package toolloop

import "testing"

func TestSanitizeAssistantTextStripsGarbledToolXML(t *testing.T) {
	in := "here is the answer\n<function_calls><invoke name=\"x\"></invoke></function_calls>"
	got := sanitizeAssistantText(in)
	if got != "" {
		t.Fatalf("expected garbled tool XML to be stripped to empty, got %q", got)
	}
}

func TestSanitizeAssistantTextStripsThinkingTags(t *testing.T) {
	in := "<thinking>internal reasoning</thinking>final answer"
	got := sanitizeAssistantText(in)
	if got != "final answer" {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeAssistantTextCollapsesDuplicateBlocks(t *testing.T) {
	in := "para one\n\npara one\n\npara two"
	got := sanitizeAssistantText(in)
	if got != "para one\n\npara two" {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeAssistantTextPassesThroughCleanText(t *testing.T) {
	in := "nothing to strip here"
	if got := sanitizeAssistantText(in); got != in {
		t.Fatalf("got %q, want unchanged", got)
	}
}
