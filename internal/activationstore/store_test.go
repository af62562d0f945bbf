package activationstore

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relay/internal/model"
)

func TestMemorySaveAndByMessageID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	act := model.Activation{
		ID:          "act-1",
		Bot:         "b1",
		Channel:     "c1",
		Completions: []model.Completion{{Text: "hi", SentMessageIDs: []string{"msg-1", "msg-2"}}},
		CreatedAt:   time.Unix(0, 0),
		CompletedAt: time.Unix(1, 0),
	}
	if err := m.Save(ctx, act); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := m.ByMessageID(ctx, "b1", "c1", "msg-2")
	if err != nil || !ok {
		t.Fatalf("ByMessageID: ok=%v err=%v", ok, err)
	}
	if got.ID != "act-1" {
		t.Fatalf("got %+v", got)
	}
}

func TestMemoryRecentExcludesInFlightAndOrdersNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	inFlight := model.Activation{ID: "act-1", Bot: "b1", Channel: "c1", CreatedAt: time.Unix(0, 0)}
	first := model.Activation{ID: "act-2", Bot: "b1", Channel: "c1", CreatedAt: time.Unix(1, 0), CompletedAt: time.Unix(2, 0)}
	second := model.Activation{ID: "act-3", Bot: "b1", Channel: "c1", CreatedAt: time.Unix(3, 0), CompletedAt: time.Unix(4, 0)}

	_ = m.Save(ctx, inFlight)
	_ = m.Save(ctx, first)
	_ = m.Save(ctx, second)

	recent, err := m.Recent(ctx, "b1", "c1", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected in-flight activation excluded, got %d entries", len(recent))
	}
	if recent[0].ID != "act-3" || recent[1].ID != "act-2" {
		t.Fatalf("expected newest-first order, got %+v", recent)
	}
}

func TestMemorySaveOverwritesByID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	act := model.Activation{ID: "act-1", Bot: "b1", Channel: "c1", CompletedAt: time.Unix(1, 0)}
	_ = m.Save(ctx, act)

	act.StopReason = "ok"
	_ = m.Save(ctx, act)

	recent, _ := m.Recent(ctx, "b1", "c1", 0)
	if len(recent) != 1 {
		t.Fatalf("expected overwrite not append, got %d entries", len(recent))
	}
	if recent[0].StopReason != "ok" {
		t.Fatalf("expected updated record, got %+v", recent[0])
	}
}
