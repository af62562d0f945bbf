package toolloop

import "testing"

func TestPostHocTruncateDetectsStartHallucination(t *testing.T) {
	res := postHocTruncate("alice: that's not true", "assistant", []string{"alice", "bob"}, nil)
	if !res.Truncated || res.Reason != "start_hallucination:alice" {
		t.Fatalf("expected start hallucination for alice, got %+v", res)
	}
	if res.Text != "" {
		t.Fatalf("expected empty text on start hallucination, got %q", res.Text)
	}
}

func TestPostHocTruncateCutsAtEarliestParticipantLine(t *testing.T) {
	text := "Here is my answer.\nalice: thanks!\nbob: me too"
	res := postHocTruncate(text, "assistant", []string{"alice", "bob"}, nil)
	if !res.Truncated || res.Reason != "" {
		t.Fatalf("expected a plain truncation with no hallucination reason, got %+v", res)
	}
	if res.Text != "Here is my answer." {
		t.Fatalf("unexpected truncated text: %q", res.Text)
	}
}

func TestPostHocTruncateUsesEarliestOfParticipantAndExtraStop(t *testing.T) {
	text := "Answer text---\nalice: hi"
	res := postHocTruncate(text, "assistant", []string{"alice"}, []string{"---"})
	if !res.Truncated {
		t.Fatalf("expected truncation")
	}
	if res.Text != "Answer text" {
		t.Fatalf("expected truncation at the extra stop sequence, got %q", res.Text)
	}
}

func TestPostHocTruncateNoMatchLeavesTextUnchanged(t *testing.T) {
	res := postHocTruncate("nothing to cut here", "assistant", []string{"alice"}, nil)
	if res.Truncated {
		t.Fatalf("expected no truncation, got %+v", res)
	}
	if res.Text != "nothing to cut here" {
		t.Fatalf("expected text unchanged, got %q", res.Text)
	}
}

func TestPostHocTruncateIgnoresBotOwnName(t *testing.T) {
	res := postHocTruncate("assistant: talking to myself", "assistant", []string{"assistant", "alice"}, nil)
	if res.Truncated {
		t.Fatalf("expected the bot's own name to be excluded from hallucination checks, got %+v", res)
	}
}
