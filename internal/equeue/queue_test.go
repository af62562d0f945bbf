package equeue

import (
	"context"
	"testing"
	"time"
)

func TestQueuePushDrainBatch(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Push(ctx, Event{Kind: KindMessage, Bot: "b1", Channel: "c1"}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	batch := q.drainBatch(ctx, 10)
	if len(batch) != 3 {
		t.Fatalf("expected 3 events drained, got %d", len(batch))
	}
}

func TestQueueDrainBatchCapsAtMax(t *testing.T) {
	q := NewQueue(8)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = q.Push(ctx, Event{Kind: KindMessage, Bot: "b1", Channel: "c1"})
	}

	batch := q.drainBatch(ctx, 2)
	if len(batch) != 2 {
		t.Fatalf("expected batch capped at 2, got %d", len(batch))
	}
}

func TestQueuePushRespectsContextCancellation(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()
	if err := q.Push(ctx, Event{}); err != nil {
		t.Fatalf("first push: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Push(cancelCtx, Event{})
	if err == nil {
		t.Fatalf("expected Push to block and fail on a full queue with a cancelled context")
	}
}

func TestDrainBatchReturnsNilOnCancelledContext(t *testing.T) {
	q := NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if batch := q.drainBatch(ctx, 10); batch != nil {
		t.Fatalf("expected nil batch on cancelled context, got %v", batch)
	}
}
