package toolcache

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/relay/internal/model"
)

func TestMemoryAppendAndGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	entry := model.ToolCacheEntry{ID: "t1", Name: "search"}
	if err := m.Append(ctx, "b1", "c1", entry); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, ok, err := m.Get(ctx, "b1", "c1", "t1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Name != "search" {
		t.Fatalf("got %+v", got)
	}

	if _, ok, _ := m.Get(ctx, "b1", "c1", "missing"); ok {
		t.Fatalf("expected miss for unknown id")
	}
}

func TestMemoryRecentBoundsWindowAndOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		_ = m.Append(ctx, "b1", "c1", model.ToolCacheEntry{ID: id})
	}

	recent, err := m.Recent(ctx, "b1", "c1", 2, nil)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].ID != "d" || recent[1].ID != "e" {
		t.Fatalf("expected oldest-first window of the last 2, got %+v", recent)
	}
}

func TestMemoryRecentZeroLimitReturnsAll(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Append(ctx, "b1", "c1", model.ToolCacheEntry{ID: "a"})
	_ = m.Append(ctx, "b1", "c1", model.ToolCacheEntry{ID: "b"})

	recent, err := m.Recent(ctx, "b1", "c1", 0, nil)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected all entries, got %d", len(recent))
	}
}

func TestMemoryRecentFiltersEntriesWithNoLiveBotMessage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Append(ctx, "b1", "c1", model.ToolCacheEntry{ID: "a", BotMessageIDs: []string{"sent-1"}})
	_ = m.Append(ctx, "b1", "c1", model.ToolCacheEntry{ID: "b", BotMessageIDs: []string{"sent-2"}})
	_ = m.Append(ctx, "b1", "c1", model.ToolCacheEntry{ID: "c"}) // no bot messages recorded, always kept

	recent, err := m.Recent(ctx, "b1", "c1", 0, map[string]bool{"sent-2": true})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "b" || recent[1].ID != "c" {
		t.Fatalf("expected entries b and c to survive, got %+v", recent)
	}
}

func TestMemoryRemoveByBotMessageIDDropsMatchingEntry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Append(ctx, "b1", "c1", model.ToolCacheEntry{ID: "a", BotMessageIDs: []string{"sent-1"}})
	_ = m.Append(ctx, "b1", "c1", model.ToolCacheEntry{ID: "b", BotMessageIDs: []string{"sent-2"}})

	if err := m.RemoveByBotMessageID(ctx, "b1", "c1", "sent-1"); err != nil {
		t.Fatalf("RemoveByBotMessageID: %v", err)
	}

	recent, _ := m.Recent(ctx, "b1", "c1", 0, nil)
	if len(recent) != 1 || recent[0].ID != "b" {
		t.Fatalf("expected only entry b to remain, got %+v", recent)
	}
}

func TestMemoryPruneDropsEntriesOutsideFetchWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Append(ctx, "b1", "c1", model.ToolCacheEntry{ID: "a", TriggeringMessageID: "m1"})
	_ = m.Append(ctx, "b1", "c1", model.ToolCacheEntry{ID: "b", TriggeringMessageID: "m2"})

	if err := m.Prune(ctx, "b1", "c1", map[string]bool{"m2": true}); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	recent, _ := m.Recent(ctx, "b1", "c1", 0, nil)
	if len(recent) != 1 || recent[0].ID != "b" {
		t.Fatalf("expected only entry b to remain, got %+v", recent)
	}
}

func TestMemoryPruneNilWindowIsNoop(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Append(ctx, "b1", "c1", model.ToolCacheEntry{ID: "a", TriggeringMessageID: "m1"})

	if err := m.Prune(ctx, "b1", "c1", nil); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	recent, _ := m.Recent(ctx, "b1", "c1", 0, nil)
	if len(recent) != 1 {
		t.Fatalf("expected entry to survive a nil window, got %+v", recent)
	}
}
